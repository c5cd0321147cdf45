package logkv

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/CVDpl/go-live-logkv/internal/common"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/diagnostics"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/metrics"
)

// Config is the file form of the store and server settings.
type Config struct {
	Dir      string `yaml:"dir"`
	LogLevel string `yaml:"logLevel"`

	CompactionInterval          time.Duration `yaml:"compactionInterval"`
	CompactionYield             time.Duration `yaml:"compactionYield"`
	CleanupDelay                time.Duration `yaml:"cleanupDelay"`
	StatsInterval               time.Duration `yaml:"statsInterval"`
	DisableBackgroundCompaction bool          `yaml:"disableBackgroundCompaction"`
	DisableBloomFilters         bool          `yaml:"disableBloomFilters"`
	SyncWrites                  bool          `yaml:"syncWrites"`

	// DiagnosticsURL is where files.json and stats.json are published
	// (any afs URL, or a directory).
	DiagnosticsURL string `yaml:"diagnosticsURL,omitempty"`

	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds the settings of a long-running store process.
type ServerConfig struct {
	// Addr serves /metrics and /debug/pprof when set.
	Addr string `yaml:"addr,omitempty"`
	// Gops starts the gops diagnostics agent.
	Gops bool `yaml:"gops"`
}

// DefaultConfig returns the configuration matching DefaultOptions.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:           "info",
		CompactionInterval: common.DefaultCompactionInterval,
		CompactionYield:    common.DefaultCompactionYield,
		CleanupDelay:       common.DefaultCleanupDelay,
		StatsInterval:      common.DefaultStatsInterval,
	}
}

// LoadConfig reads a YAML config file. Fields missing from the file keep
// their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"compactionInterval": c.CompactionInterval,
		"compactionYield":    c.CompactionYield,
		"cleanupDelay":       c.CleanupDelay,
		"statsInterval":      c.StatsInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// Options builds store options from the config. reg may be nil.
func (c *Config) Options(reg *metrics.Registry) (*Options, error) {
	level, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	opts := DefaultOptions()
	opts.Logger = NewDefaultLoggerWithLevel(level)
	opts.CompactionInterval = c.CompactionInterval
	opts.CompactionYield = c.CompactionYield
	opts.CleanupDelay = c.CleanupDelay
	opts.StatsInterval = c.StatsInterval
	opts.DisableBackgroundCompaction = c.DisableBackgroundCompaction
	opts.DisableBloomFilters = c.DisableBloomFilters
	opts.SyncWrites = c.SyncWrites
	opts.Metrics = reg
	if c.DiagnosticsURL != "" {
		opts.Diagnostics = diagnostics.NewAFSSink(c.DiagnosticsURL)
	}
	return opts, nil
}
