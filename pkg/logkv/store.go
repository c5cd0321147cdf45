// Package logkv implements an embedded key-value store on append-only chunk
// files with last-write-wins reads, per-chunk bloom filters and background
// compaction that deduplicates and merges sealed chunks.
package logkv

import (
	"context"
	"time"

	"github.com/CVDpl/go-live-logkv/internal/common"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/diagnostics"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/index"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/metrics"
)

// Errors returned by the store.
var (
	ErrClosed             = common.ErrClosed
	ErrLocked             = common.ErrLocked
	ErrTupleTooLarge      = common.ErrTupleTooLarge
	ErrCorruptSegment     = common.ErrCorruptSegment
	ErrFilterSizeMismatch = common.ErrFilterSizeMismatch
)

// MaxTupleSize is the largest encoded key-value pair a store accepts.
const MaxTupleSize = common.MaxTupleSize

// Store is the main interface for the logkv storage engine.
type Store interface {
	// Close stops background work, waits for in-flight operations and
	// releases the directory lock.
	Close() error

	// Get returns the most recently set value for key. found is false when
	// the key was never set.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set stores value under key. It fails with ErrTupleTooLarge, before any
	// I/O, when the encoded pair exceeds MaxTupleSize.
	Set(ctx context.Context, key, value string) error

	// CompactNow runs one compaction immediately.
	CompactNow(ctx context.Context) error

	// PauseBackgroundCompaction pauses background compaction and waits until
	// any in-progress run finishes or ctx is done.
	PauseBackgroundCompaction(ctx context.Context) error

	// ResumeBackgroundCompaction resumes background compaction if previously paused.
	ResumeBackgroundCompaction()

	// Stats returns current statistics for the store.
	Stats() Stats

	// Chunks returns the chunk list, oldest first.
	Chunks() []index.ChunkInfo
}

// Options configures the store behavior.
type Options struct {
	// Logger provides structured logging.
	Logger common.Logger

	// CompactionInterval is how often background compaction checks for new writes.
	CompactionInterval time.Duration

	// CompactionYield is the pause between chunks within a compaction run.
	CompactionYield time.Duration

	// CleanupDelay is how long superseded files linger before deletion.
	CleanupDelay time.Duration

	// DisableBackgroundCompaction disables the background compaction task.
	// CompactNow still works.
	DisableBackgroundCompaction bool

	// DisableBloomFilters turns off per-chunk filters; every get then reads
	// every chunk.
	DisableBloomFilters bool

	// SyncWrites flushes each append with fdatasync before Set returns.
	SyncWrites bool

	// Metrics receives operation and compaction metrics when set.
	Metrics *metrics.Registry

	// Diagnostics receives the chunk list before each compaction and a stats
	// document every StatsInterval when set.
	Diagnostics diagnostics.Sink

	// StatsInterval is how often stats are published. Zero disables publishing.
	StatsInterval time.Duration
}

// DefaultOptions returns default store options.
func DefaultOptions() *Options {
	return &Options{
		Logger:             NewDefaultLogger(),
		CompactionInterval: common.DefaultCompactionInterval,
		CompactionYield:    common.DefaultCompactionYield,
		CleanupDelay:       common.DefaultCleanupDelay,
		StatsInterval:      common.DefaultStatsInterval,
	}
}

// Stats contains store statistics.
type Stats struct {
	Gets      uint64 `json:"gets"`
	GetHits   uint64 `json:"getHits"`
	Sets      uint64 `json:"sets"`
	SetErrors uint64 `json:"setErrors"`

	// ChunksScanned counts chunks read and decoded by gets.
	ChunksScanned uint64 `json:"chunksScanned"`
	// FilterSkips counts chunks ruled out by their bloom filter.
	FilterSkips uint64 `json:"filterSkips"`
	// GetRetries counts gets restarted after compaction replaced a chunk.
	GetRetries uint64 `json:"getRetries"`

	Compactions        uint64    `json:"compactions"`
	CompactionFailures uint64    `json:"compactionFailures"`
	ChunksRemoved      uint64    `json:"chunksRemoved"`
	ChunksRewritten    uint64    `json:"chunksRewritten"`
	ChunksMerged       uint64    `json:"chunksMerged"`
	FilesDeleted       uint64    `json:"filesDeleted"`
	CleanupFailures    uint64    `json:"cleanupFailures"`
	LastCompaction     time.Time `json:"lastCompaction"`

	Chunks         int     `json:"chunks"`
	LogChunks      int     `json:"logChunks"`
	CompactChunks  int     `json:"compactChunks"`
	PayloadBytes   int64   `json:"payloadBytes"`
	MeanFillRatio  float64 `json:"meanFillRatio"`
	FilteredChunks int     `json:"filteredChunks"`

	LatencyP50           time.Duration `json:"latencyP50"`
	LatencyP95           time.Duration `json:"latencyP95"`
	LatencyP99           time.Duration `json:"latencyP99"`
	GetsPerSecond        float64       `json:"getsPerSecond"`
	SetsPerSecond        float64       `json:"setsPerSecond"`
	OverallGetsPerSecond float64       `json:"overallGetsPerSecond"`
	OverallSetsPerSecond float64       `json:"overallSetsPerSecond"`

	Recovery RecoveryReport `json:"recovery"`
}

// RecoveryReport describes what startup recovery found and repaired.
type RecoveryReport struct {
	Chunks         int   `json:"chunks"`
	TempDeleted    int   `json:"tempDeleted"`
	StaleDeleted   int   `json:"staleDeleted"`
	Truncated      int   `json:"truncated"`
	TruncatedBytes int64 `json:"truncatedBytes"`
	Corrupt        int   `json:"corrupt"`
}
