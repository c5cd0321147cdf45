package common

import (
	"errors"
	"time"
)

// On-disk chunk format
const (
	HeaderSize          = 4
	MaxChunkContentSize = 4096
	MaxTupleSize        = MaxChunkContentSize - HeaderSize

	// TupleFixedSize is the per-tuple overhead: two uint16 lengths and the terminator.
	TupleFixedSize  = 5
	TupleTerminator = '\n'
)

// Bloom filter sizing
const (
	BloomBytes  = 128
	BloomBits   = BloomBytes * 8
	BloomHashes = 3
)

// Data directory layout
const (
	FilePrefix = "data"
	FileSuffix = ".txt"
	TempMarker = "_"
	FileLock   = "LOCK"
	FileIndex  = "files.json"
	FileStats  = "stats.json"
)

// Default background timings
const (
	DefaultCompactionInterval = 2 * time.Second
	DefaultCompactionYield    = 100 * time.Millisecond
	DefaultCleanupDelay       = time.Second
	DefaultStatsInterval      = time.Second
)

// Common errors
var (
	ErrClosed             = errors.New("store is closed")
	ErrLocked             = errors.New("data directory is locked by another process")
	ErrTupleTooLarge      = errors.New("tuple exceeds maximum size")
	ErrCorruptSegment     = errors.New("corrupt segment")
	ErrFilterSizeMismatch = errors.New("bloom filter size mismatch")
	ErrTempSegment        = errors.New("temporary segment is not readable")
)

// Logger provides structured logging.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)
