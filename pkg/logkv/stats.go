package logkv

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CVDpl/go-live-logkv/pkg/logkv/compaction"
)

// StatsCollector collects and maintains statistics for the store.
type StatsCollector struct {
	mu sync.RWMutex

	// Operation counts
	gets      uint64
	getHits   uint64
	sets      uint64
	setErrors uint64

	// Read path
	chunksScanned uint64
	filterSkips   uint64
	getRetries    uint64

	// Compaction
	compactions        uint64
	compactionFailures uint64
	chunksRemoved      uint64
	chunksRewritten    uint64
	chunksMerged       uint64
	filesDeleted       uint64
	cleanupFailures    uint64
	lastCompaction     time.Time

	// Timing statistics
	latencies    []time.Duration
	maxLatencies int
	nextLatency  int

	// Rate calculation
	lastRateCalc time.Time
	lastGets     uint64
	lastSets     uint64
	getRate      float64
	setRate      float64

	startTime time.Time
}

// NewStatsCollector creates a new statistics collector.
func NewStatsCollector() *StatsCollector {
	now := time.Now()
	return &StatsCollector{
		maxLatencies: 10000,
		latencies:    make([]time.Duration, 0, 1024),
		lastRateCalc: now,
		startTime:    now,
	}
}

// RecordGet records a get and how much of the chunk list it touched.
func (sc *StatsCollector) RecordGet(found bool, scanned, skipped, retries int, d time.Duration) {
	atomic.AddUint64(&sc.gets, 1)
	if found {
		atomic.AddUint64(&sc.getHits, 1)
	}
	atomic.AddUint64(&sc.chunksScanned, uint64(scanned))
	atomic.AddUint64(&sc.filterSkips, uint64(skipped))
	atomic.AddUint64(&sc.getRetries, uint64(retries))
	sc.recordLatency(d)
}

// RecordSet records a set.
func (sc *StatsCollector) RecordSet(err error, d time.Duration) {
	atomic.AddUint64(&sc.sets, 1)
	if err != nil {
		atomic.AddUint64(&sc.setErrors, 1)
	}
	sc.recordLatency(d)
}

// RecordCompaction records the outcome of a compaction run.
func (sc *StatsCollector) RecordCompaction(res compaction.Result, err error) {
	atomic.AddUint64(&sc.compactions, 1)
	if err != nil {
		atomic.AddUint64(&sc.compactionFailures, 1)
	}
	atomic.AddUint64(&sc.chunksRemoved, uint64(res.Removed))
	atomic.AddUint64(&sc.chunksRewritten, uint64(res.Rewritten))
	atomic.AddUint64(&sc.chunksMerged, uint64(res.Merged))
	atomic.AddUint64(&sc.filesDeleted, uint64(res.Deleted))
	atomic.AddUint64(&sc.cleanupFailures, uint64(res.DeleteFailures))

	sc.mu.Lock()
	sc.lastCompaction = time.Now()
	sc.mu.Unlock()
}

// recordLatency keeps the most recent maxLatencies samples in a ring.
func (sc *StatsCollector) recordLatency(d time.Duration) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if len(sc.latencies) < sc.maxLatencies {
		sc.latencies = append(sc.latencies, d)
		return
	}
	sc.latencies[sc.nextLatency] = d
	sc.nextLatency = (sc.nextLatency + 1) % sc.maxLatencies
}

// Snapshot returns the counters. Chunk figures are filled in by the store.
func (sc *StatsCollector) Snapshot() Stats {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.calculateRates()
	p50, p95, p99 := sc.calculatePercentiles()

	elapsed := time.Since(sc.startTime).Seconds()
	if elapsed < 1.0 {
		elapsed = 1.0
	}
	gets := atomic.LoadUint64(&sc.gets)
	sets := atomic.LoadUint64(&sc.sets)

	return Stats{
		Gets:                 gets,
		GetHits:              atomic.LoadUint64(&sc.getHits),
		Sets:                 sets,
		SetErrors:            atomic.LoadUint64(&sc.setErrors),
		ChunksScanned:        atomic.LoadUint64(&sc.chunksScanned),
		FilterSkips:          atomic.LoadUint64(&sc.filterSkips),
		GetRetries:           atomic.LoadUint64(&sc.getRetries),
		Compactions:          atomic.LoadUint64(&sc.compactions),
		CompactionFailures:   atomic.LoadUint64(&sc.compactionFailures),
		ChunksRemoved:        atomic.LoadUint64(&sc.chunksRemoved),
		ChunksRewritten:      atomic.LoadUint64(&sc.chunksRewritten),
		ChunksMerged:         atomic.LoadUint64(&sc.chunksMerged),
		FilesDeleted:         atomic.LoadUint64(&sc.filesDeleted),
		CleanupFailures:      atomic.LoadUint64(&sc.cleanupFailures),
		LastCompaction:       sc.lastCompaction,
		LatencyP50:           p50,
		LatencyP95:           p95,
		LatencyP99:           p99,
		GetsPerSecond:        sc.getRate,
		SetsPerSecond:        sc.setRate,
		OverallGetsPerSecond: float64(gets) / elapsed,
		OverallSetsPerSecond: float64(sets) / elapsed,
	}
}

// calculateRates updates the per-second rates. Caller holds sc.mu.
func (sc *StatsCollector) calculateRates() {
	now := time.Now()
	elapsed := now.Sub(sc.lastRateCalc).Seconds()
	if elapsed < 1.0 {
		elapsed = 1.0
	}

	gets := atomic.LoadUint64(&sc.gets)
	sets := atomic.LoadUint64(&sc.sets)

	sc.getRate = float64(gets-sc.lastGets) / elapsed
	sc.setRate = float64(sets-sc.lastSets) / elapsed

	sc.lastGets = gets
	sc.lastSets = sets
	sc.lastRateCalc = now
}

// calculatePercentiles calculates latency percentiles. Caller holds sc.mu.
func (sc *StatsCollector) calculatePercentiles() (p50, p95, p99 time.Duration) {
	n := len(sc.latencies)
	if n == 0 {
		return
	}
	sorted := make([]time.Duration, n)
	copy(sorted, sc.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	p50 = sorted[n*50/100]
	p95 = sorted[n*95/100]
	p99 = sorted[n*99/100]
	return
}
