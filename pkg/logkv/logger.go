package logkv

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/CVDpl/go-live-logkv/internal/common"
)

// DefaultLogger writes one JSON object per log line.
type DefaultLogger struct {
	mu     sync.Mutex
	level  common.LogLevel
	logger *log.Logger
}

// NewDefaultLogger creates a logger writing INFO and above to stderr.
func NewDefaultLogger() common.Logger {
	return NewDefaultLoggerWithLevel(common.LogLevelInfo)
}

// NewDefaultLoggerWithLevel creates a stderr logger with a specific log level.
func NewDefaultLoggerWithLevel(level common.LogLevel) common.Logger {
	return NewLogger(os.Stderr, level)
}

// NewLogger creates a JSON logger writing to w.
func NewLogger(w io.Writer, level common.LogLevel) common.Logger {
	return &DefaultLogger{
		level:  level,
		logger: log.New(w, "", 0),
	}
}

// ParseLogLevel maps "debug", "info", "warn" and "error" to a level.
func ParseLogLevel(s string) (common.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return common.LogLevelDebug, nil
	case "", "info":
		return common.LogLevelInfo, nil
	case "warn", "warning":
		return common.LogLevelWarn, nil
	case "error":
		return common.LogLevelError, nil
	default:
		return common.LogLevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Debug logs a debug message.
func (l *DefaultLogger) Debug(msg string, fields ...interface{}) {
	if l.level <= common.LogLevelDebug {
		l.log("DEBUG", msg, fields...)
	}
}

// Info logs an info message.
func (l *DefaultLogger) Info(msg string, fields ...interface{}) {
	if l.level <= common.LogLevelInfo {
		l.log("INFO", msg, fields...)
	}
}

// Warn logs a warning message.
func (l *DefaultLogger) Warn(msg string, fields ...interface{}) {
	if l.level <= common.LogLevelWarn {
		l.log("WARN", msg, fields...)
	}
}

// Error logs an error message.
func (l *DefaultLogger) Error(msg string, fields ...interface{}) {
	if l.level <= common.LogLevelError {
		l.log("ERROR", msg, fields...)
	}
}

func (l *DefaultLogger) log(level, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level,
		"message":   msg,
	}

	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		// Errors marshal as {} otherwise.
		if err, isErr := fields[i+1].(error); isErr && err != nil {
			entry[key] = err.Error()
			continue
		}
		entry[key] = fields[i+1]
	}

	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf(`{"level":"ERROR","message":"failed to marshal log entry","error":%q}`, err.Error())
		return
	}

	l.logger.Println(string(data))
}

// LoggerWithContext prefixes every entry with fixed fields.
type LoggerWithContext struct {
	logger common.Logger
	fields map[string]interface{}
}

// WithContext adds contextual fields to a logger.
func WithContext(logger common.Logger, fields map[string]interface{}) common.Logger {
	if logger == nil {
		logger = NewDefaultLogger()
	}

	if lwc, ok := logger.(*LoggerWithContext); ok {
		merged := make(map[string]interface{}, len(lwc.fields)+len(fields))
		for k, v := range lwc.fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		return &LoggerWithContext{logger: lwc.logger, fields: merged}
	}

	return &LoggerWithContext{logger: logger, fields: fields}
}

func (l *LoggerWithContext) Debug(msg string, fields ...interface{}) {
	l.logger.Debug(msg, l.mergeFields(fields...)...)
}

func (l *LoggerWithContext) Info(msg string, fields ...interface{}) {
	l.logger.Info(msg, l.mergeFields(fields...)...)
}

func (l *LoggerWithContext) Warn(msg string, fields ...interface{}) {
	l.logger.Warn(msg, l.mergeFields(fields...)...)
}

func (l *LoggerWithContext) Error(msg string, fields ...interface{}) {
	l.logger.Error(msg, l.mergeFields(fields...)...)
}

func (l *LoggerWithContext) mergeFields(fields ...interface{}) []interface{} {
	result := make([]interface{}, 0, len(fields)+len(l.fields)*2)
	for k, v := range l.fields {
		result = append(result, k, v)
	}
	return append(result, fields...)
}

// LogError is a helper to log an error with context.
func LogError(logger common.Logger, msg string, err error, fields ...interface{}) {
	allFields := append([]interface{}{"error", err.Error()}, fields...)
	logger.Error(msg, allFields...)
}

// LogLatency logs how long operation took, as a warning past one second.
func LogLatency(logger common.Logger, operation string, start time.Time, fields ...interface{}) {
	duration := time.Since(start)
	allFields := append([]interface{}{
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	}, fields...)

	if duration > time.Second {
		logger.Warn(fmt.Sprintf("slow operation: %s", operation), allFields...)
	} else {
		logger.Debug(fmt.Sprintf("operation completed: %s", operation), allFields...)
	}
}
