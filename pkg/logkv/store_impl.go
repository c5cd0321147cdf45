package logkv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CVDpl/go-live-logkv/internal/common"
	"github.com/CVDpl/go-live-logkv/internal/encoding"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/access"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/compaction"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/diagnostics"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/index"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/metrics"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/segment"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/utils"
)

// maxGetAttempts bounds how often a get restarts when compaction keeps
// replacing the chunks it is reading.
const maxGetAttempts = 8

// storeImpl implements the Store interface.
type storeImpl struct {
	dir    string
	opts   *Options
	logger common.Logger

	lock      *utils.DirLock
	files     *segment.Files
	index     *index.Index
	compactor *compaction.Compactor

	// State
	closed int32 // atomic
	// guard lets Close wait for in-flight operations.
	guard sync.RWMutex

	// dirty holds one token when writes landed since the last compaction.
	dirty chan struct{}
	// runSem serializes compaction runs and lets Pause wait for one.
	runSem chan struct{}

	compactionPauseCount int32 // >0 means paused

	// Background tasks
	bgCtx       context.Context
	bgCancel    context.CancelFunc
	compactStop chan struct{}
	statsStop   chan struct{}
	bgWg        sync.WaitGroup

	stats    *StatsCollector
	metrics  *metrics.Registry
	diag     diagnostics.Sink
	recovery RecoveryReport
}

// Open opens or creates the store in dir. The directory is locked for the
// lifetime of the store; a second Open fails with ErrLocked.
func Open(dir string, opts *Options) (Store, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Logger == nil {
		opts.Logger = NewDefaultLogger()
	}
	if opts.CompactionInterval <= 0 {
		opts.CompactionInterval = common.DefaultCompactionInterval
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	lock, err := utils.LockDir(dir)
	if err != nil {
		return nil, err
	}

	logger := WithContext(opts.Logger, map[string]interface{}{"dir": dir})
	s := &storeImpl{
		dir:     dir,
		opts:    opts,
		logger:  logger,
		lock:    lock,
		files:   segment.NewFiles(access.NewScheduler(), opts.SyncWrites, logger),
		dirty:   make(chan struct{}, 1),
		runSem:  make(chan struct{}, 1),
		stats:   NewStatsCollector(),
		metrics: opts.Metrics,
		diag:    opts.Diagnostics,
	}
	s.index = index.New(dir, index.Options{
		Filters: !opts.DisableBloomFilters,
		Logger:  logger,
	})

	start := time.Now()
	report, err := s.recoverChunks(context.Background())
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("recover %s: %w", dir, err)
	}
	s.recovery = report
	LogLatency(logger, "recovery", start, "chunks", report.Chunks)

	s.compactor = compaction.NewCompactor(s.index, s.files, compaction.Config{
		Yield:        opts.CompactionYield,
		CleanupDelay: opts.CleanupDelay,
	}, WithContext(logger, map[string]interface{}{"component": "compaction"}))

	if s.index.Len() >= 2 {
		s.markDirty()
	}
	s.updateChunkGauges()

	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	s.startBackgroundTasks()

	logger.Info("store opened",
		"chunks", report.Chunks,
		"temp_deleted", report.TempDeleted,
		"stale_deleted", report.StaleDeleted,
		"truncated", report.Truncated,
		"corrupt", report.Corrupt)
	return s, nil
}

// Close closes the store and releases all resources.
func (s *storeImpl) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.logger.Info("closing store")

	s.stopBackgroundTasks()

	// Wait for in-flight gets and sets.
	s.guard.Lock()
	defer s.guard.Unlock()

	if s.diag != nil {
		s.publishStats(context.Background())
	}

	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("release directory lock: %w", err)
	}

	s.logger.Info("store closed")
	return nil
}

// enter admits an operation unless the store is closed.
func (s *storeImpl) enter() bool {
	s.guard.RLock()
	if atomic.LoadInt32(&s.closed) != 0 {
		s.guard.RUnlock()
		return false
	}
	return true
}

func (s *storeImpl) leave() {
	s.guard.RUnlock()
}

// Get returns the newest value stored under key.
func (s *storeImpl) Get(ctx context.Context, key string) (string, bool, error) {
	if !s.enter() {
		return "", false, ErrClosed
	}
	defer s.leave()

	start := time.Now()
	var scanned, skipped, retries int
	value, found, err := func() (string, bool, error) {
		for attempt := 1; ; attempt++ {
			chunks, sk := s.index.Lookup(key)
			skipped += sk

			value, found, stale, err := s.scan(ctx, key, chunks, &scanned)
			if err != nil || !stale {
				return value, found, err
			}
			if attempt >= maxGetAttempts {
				return "", false, fmt.Errorf("get %q: chunk list changed on %d consecutive attempts", key, attempt)
			}
			retries++
		}
	}()

	d := time.Since(start)
	s.stats.RecordGet(found, scanned, skipped, retries, d)
	s.metrics.RecordOperation("get", err, d)
	s.metrics.RecordGetScan(scanned, skipped, retries)
	return value, found, err
}

// scan reads chunks newest first and returns the first match, scanning each
// chunk from its end. stale is set when a chunk file vanished because
// compaction replaced it after the chunk list was taken.
func (s *storeImpl) scan(ctx context.Context, key string, chunks []index.Chunk, scanned *int) (value string, found, stale bool, err error) {
	for _, ch := range chunks {
		tuples, err := s.files.ReadTuples(ctx, ch.File)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return "", false, false, err
			}
			cur, ok := s.index.Current(ch.ID)
			if !ok || cur.Removed || cur.File != ch.File {
				return "", false, true, nil
			}
			if ch.File.Kind == segment.KindLog {
				// Reserved but nothing appended yet.
				continue
			}
			return "", false, false, err
		}
		*scanned++

		for i := len(tuples) - 1; i >= 0; i-- {
			if tuples[i].Key == key {
				return tuples[i].Value, true, false, nil
			}
		}
	}
	return "", false, false, nil
}

// Set appends key=value to the active LOG chunk.
func (s *storeImpl) Set(ctx context.Context, key, value string) error {
	if !s.enter() {
		return ErrClosed
	}
	defer s.leave()

	start := time.Now()
	err := s.set(ctx, key, value)
	d := time.Since(start)
	s.stats.RecordSet(err, d)
	s.metrics.RecordOperation("set", err, d)
	return err
}

func (s *storeImpl) set(ctx context.Context, key, value string) error {
	data, err := encoding.EncodeTuple(key, value)
	if err != nil {
		return err
	}

	ch, err := s.index.Reserve(key, len(data))
	if err != nil {
		return err
	}
	err = s.files.Append(ctx, ch.File, data)
	s.index.Commit(ch.ID, len(data), err == nil)
	if err != nil {
		return err
	}

	s.markDirty()
	return nil
}

// markDirty records that compaction has new work.
func (s *storeImpl) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// CompactNow runs one compaction immediately.
func (s *storeImpl) CompactNow(ctx context.Context) error {
	if !s.enter() {
		return ErrClosed
	}
	defer s.leave()

	select {
	case <-s.dirty:
	default:
	}
	return s.runCompaction(ctx)
}

// runCompaction performs one compaction run, waiting for any run in progress.
func (s *storeImpl) runCompaction(ctx context.Context) error {
	select {
	case s.runSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.runSem }()

	s.publish(ctx, common.FileIndex, s.index.Snapshot())

	start := time.Now()
	res, err := s.compactor.Run(ctx)
	s.stats.RecordCompaction(res, err)
	s.metrics.RecordCompaction(metrics.CompactionOutcome{
		Removed:        res.Removed,
		Rewritten:      res.Rewritten,
		Merged:         res.Merged,
		Skipped:        res.Skipped,
		DeleteFailures: res.DeleteFailures,
	}, err, res.Duration)
	s.updateChunkGauges()
	LogLatency(s.logger, "compaction", start, "changed", res.Changed())

	if err != nil {
		return fmt.Errorf("compaction: %w", err)
	}
	return nil
}

// PauseBackgroundCompaction pauses background compaction and waits for any
// ongoing run to return. If ctx is done first the pause is withdrawn.
func (s *storeImpl) PauseBackgroundCompaction(ctx context.Context) error {
	atomic.AddInt32(&s.compactionPauseCount, 1)

	select {
	case s.runSem <- struct{}{}:
		<-s.runSem
	case <-ctx.Done():
		atomic.AddInt32(&s.compactionPauseCount, -1)
		return ctx.Err()
	}

	s.logger.Info("background compaction paused")
	return nil
}

// ResumeBackgroundCompaction resumes background compaction if paused.
func (s *storeImpl) ResumeBackgroundCompaction() {
	if atomic.AddInt32(&s.compactionPauseCount, -1) < 0 {
		atomic.StoreInt32(&s.compactionPauseCount, 0)
	}
	s.logger.Info("background compaction resumed")
}

// Stats returns current statistics for the store.
func (s *storeImpl) Stats() Stats {
	st := s.stats.Snapshot()
	sum := s.index.Summarize()
	st.Chunks = sum.Chunks
	st.LogChunks = sum.LogChunks
	st.CompactChunks = sum.CompactChunks
	st.PayloadBytes = sum.PayloadBytes
	st.MeanFillRatio = sum.MeanFillRatio
	st.FilteredChunks = sum.FilteredChunks
	st.Recovery = s.recovery
	return st
}

// Chunks returns the chunk list, oldest first.
func (s *storeImpl) Chunks() []index.ChunkInfo {
	return s.index.Snapshot()
}

func (s *storeImpl) updateChunkGauges() {
	sum := s.index.Summarize()
	s.metrics.SetChunks(sum.LogChunks, sum.CompactChunks, sum.PayloadBytes, sum.MeanFillRatio)
}

// publish writes a diagnostics document. Failures are logged only.
func (s *storeImpl) publish(ctx context.Context, name string, v interface{}) {
	if s.diag == nil {
		return
	}
	if err := diagnostics.WriteJSON(ctx, s.diag, name, v); err != nil {
		s.logger.Warn("failed to publish diagnostics", "name", name, "error", err)
	}
}

func (s *storeImpl) publishStats(ctx context.Context) {
	s.publish(ctx, common.FileStats, s.Stats())
}

// startBackgroundTasks starts the compaction and stats tasks.
func (s *storeImpl) startBackgroundTasks() {
	if !s.opts.DisableBackgroundCompaction {
		s.compactStop = make(chan struct{})
		s.bgWg.Add(1)
		go s.compactionTask()
	}

	if s.opts.StatsInterval > 0 && (s.diag != nil || s.metrics != nil) {
		s.statsStop = make(chan struct{})
		s.bgWg.Add(1)
		go s.statsTask()
	}
}

// stopBackgroundTasks stops all background tasks and waits for them.
func (s *storeImpl) stopBackgroundTasks() {
	if s.compactStop != nil {
		close(s.compactStop)
	}
	if s.statsStop != nil {
		close(s.statsStop)
	}
	// Interrupts a running compaction; its cleanup still completes.
	s.bgCancel()
	s.bgWg.Wait()
}

// compactionTask runs compaction every interval when writes landed since the
// last run. A failed run is logged and retried on the next tick.
func (s *storeImpl) compactionTask() {
	defer s.bgWg.Done()

	ticker := time.NewTicker(s.opts.CompactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.compactStop:
			return
		case <-ticker.C:
			if atomic.LoadInt32(&s.compactionPauseCount) > 0 {
				continue
			}
			select {
			case <-s.dirty:
			default:
				continue
			}
			if err := s.runCompaction(s.bgCtx); err != nil {
				if s.bgCtx.Err() != nil {
					return
				}
				LogError(s.logger, "background compaction failed", err)
				s.markDirty()
			}
		}
	}
}

// statsTask publishes stats and refreshes gauges every StatsInterval.
func (s *storeImpl) statsTask() {
	defer s.bgWg.Done()

	ticker := time.NewTicker(s.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.statsStop:
			return
		case <-ticker.C:
			s.updateChunkGauges()
			s.publishStats(s.bgCtx)
		}
	}
}
