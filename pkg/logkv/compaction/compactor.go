package compaction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/CVDpl/go-live-logkv/internal/common"
	"github.com/CVDpl/go-live-logkv/internal/encoding"
	"github.com/CVDpl/go-live-logkv/internal/filters"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/index"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/segment"
)

// Config tunes a compaction run.
type Config struct {
	// MaxChunkSize bounds the payload of a merged chunk. Zero uses the index limit.
	MaxChunkSize int64
	// Yield is the pause between chunks, bounding foreground impact.
	Yield time.Duration
	// CleanupDelay is the wait before superseded files are deleted.
	CleanupDelay time.Duration
}

// DefaultConfig returns the default compaction timings.
func DefaultConfig() Config {
	return Config{
		Yield:        common.DefaultCompactionYield,
		CleanupDelay: common.DefaultCleanupDelay,
	}
}

// Result summarizes one compaction run.
type Result struct {
	Candidates     int           `json:"candidates"`
	Removed        int           `json:"removed"`
	Rewritten      int           `json:"rewritten"`
	Untouched      int           `json:"untouched"`
	Merged         int           `json:"merged"`
	Skipped        int           `json:"skipped"`
	DroppedTuples  int           `json:"droppedTuples"`
	Deleted        int           `json:"deleted"`
	DeleteFailures int           `json:"deleteFailures"`
	Pruned         int           `json:"pruned"`
	Duration       time.Duration `json:"duration"`
}

// Changed reports whether the run altered the chunk list.
func (r Result) Changed() bool {
	return r.Removed > 0 || r.Rewritten > 0 || r.Merged > 0
}

// Compactor deduplicates and merges the sealed chunks of an index. Runs are
// serialized.
type Compactor struct {
	mu     sync.Mutex
	index  *index.Index
	files  *segment.Files
	cfg    Config
	logger common.Logger
}

// NewCompactor creates a compactor over ix, doing I/O through files.
func NewCompactor(ix *index.Index, files *segment.Files, cfg Config, logger common.Logger) *Compactor {
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = ix.MaxChunkSize()
	}
	return &Compactor{
		index:  ix,
		files:  files,
		cfg:    cfg,
		logger: common.OrNull(logger),
	}
}

// survivor is a live candidate after dedup. Corrupt chunks are kept in place
// and never merged.
type survivor struct {
	index.Chunk
	corrupt bool
}

// Run performs one compaction: dedup, then merge, then cleanup of superseded
// files. Cleanup runs even when an earlier phase fails or ctx is cancelled,
// since the index no longer references the staged files.
func (c *Compactor) Run(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	var res Result
	var staged []segment.FileInfo

	candidates := c.index.Candidates()
	res.Candidates = len(candidates)

	survivors, err := c.dedup(ctx, candidates, &res, &staged)
	if err == nil {
		err = c.merge(ctx, survivors, &res, &staged)
	}

	c.cleanup(ctx, staged, &res)
	res.Pruned = c.index.Prune()
	res.Duration = time.Since(start)

	if err != nil {
		c.logger.Warn("compaction interrupted", "error", err, "removed", res.Removed, "rewritten", res.Rewritten, "merged", res.Merged)
		return res, err
	}

	c.logger.Info("compaction finished",
		"candidates", res.Candidates,
		"removed", res.Removed,
		"rewritten", res.Rewritten,
		"merged", res.Merged,
		"skipped", res.Skipped,
		"deleted", res.Deleted,
		"duration", res.Duration.String())
	return res, nil
}

// readTuples decodes a candidate. A LOG chunk whose file was never written
// (every append rolled back) is empty.
func (c *Compactor) readTuples(ctx context.Context, ch index.Chunk) ([]encoding.Tuple, error) {
	tuples, err := c.files.ReadTuples(ctx, ch.File)
	if err != nil && ch.File.Kind == segment.KindLog && errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return tuples, err
}

// dedup walks candidates newest first, keeping only the first occurrence of
// each key. It returns the surviving chunks oldest first.
func (c *Compactor) dedup(ctx context.Context, candidates []index.Chunk, res *Result, staged *[]segment.FileInfo) ([]survivor, error) {
	kept := make(map[string]struct{})
	survivors := make([]survivor, 0, len(candidates))

	for i := len(candidates) - 1; i >= 0; i-- {
		ch := candidates[i]

		tuples, err := c.readTuples(ctx, ch)
		if err != nil {
			if errors.Is(err, common.ErrCorruptSegment) {
				c.logger.Warn("skipping corrupt chunk", "file", ch.File.Name(), "error", err)
				res.Skipped++
				survivors = append(survivors, survivor{Chunk: ch, corrupt: true})
				continue
			}
			return reverse(survivors), err
		}

		// Newest tuple of the chunk first.
		keep := make([]encoding.Tuple, 0, len(tuples))
		for j := len(tuples) - 1; j >= 0; j-- {
			t := tuples[j]
			if _, dup := kept[t.Key]; dup {
				continue
			}
			kept[t.Key] = struct{}{}
			keep = append(keep, t)
		}
		res.DroppedTuples += len(tuples) - len(keep)

		switch {
		case len(keep) == 0:
			if err := c.index.Remove(ch.ID); err != nil {
				return reverse(survivors), err
			}
			*staged = append(*staged, ch.File)
			res.Removed++
			c.logger.Debug("chunk fully superseded", "file", ch.File.Name())

		case len(keep) < len(tuples):
			reverseTuples(keep)
			payload := encoding.JoinTuples(keep)
			next := ch.File.Next()
			if err := c.files.WriteCompact(ctx, next, payload); err != nil {
				return reverse(survivors), err
			}
			filter := c.buildFilter(keep)
			if err := c.index.Replace(ch.ID, next, int64(len(payload)), filter); err != nil {
				return reverse(survivors), err
			}
			*staged = append(*staged, ch.File)
			res.Rewritten++
			c.logger.Debug("chunk deduplicated", "from", ch.File.Name(), "to", next.Name(), "tuples", len(keep), "dropped", len(tuples)-len(keep))

			ch.File = next
			ch.Size = int64(len(payload))
			ch.Filter = filter
			survivors = append(survivors, survivor{Chunk: ch})

		default:
			res.Untouched++
			survivors = append(survivors, survivor{Chunk: ch})
		}

		if i > 0 {
			if err := sleep(ctx, c.cfg.Yield); err != nil {
				return reverse(survivors), err
			}
		}
	}
	return reverse(survivors), nil
}

// merge folds adjacent survivors whose combined payload fits in one chunk.
// The merged content becomes the next version of the right-hand chunk.
func (c *Compactor) merge(ctx context.Context, survivors []survivor, res *Result, staged *[]segment.FileInfo) error {
	if len(survivors) < 2 {
		return nil
	}

	left := survivors[0]
	for i := 1; i < len(survivors); i++ {
		right := survivors[i]
		if left.corrupt || right.corrupt || left.Size+right.Size > c.cfg.MaxChunkSize {
			left = right
			continue
		}

		merged, ok, err := c.mergePair(ctx, left.Chunk, right.Chunk, staged)
		if err != nil {
			if errors.Is(err, common.ErrCorruptSegment) {
				c.logger.Warn("skipping merge of corrupt chunk", "left", left.File.Name(), "right", right.File.Name(), "error", err)
				res.Skipped++
				left = right
				continue
			}
			return err
		}
		if ok {
			res.Merged++
			right.Chunk = merged
		}
		left = right

		if err := sleep(ctx, c.cfg.Yield); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compactor) mergePair(ctx context.Context, left, right index.Chunk, staged *[]segment.FileInfo) (index.Chunk, bool, error) {
	lt, err := c.readTuples(ctx, left)
	if err != nil {
		return index.Chunk{}, false, err
	}
	rt, err := c.readTuples(ctx, right)
	if err != nil {
		return index.Chunk{}, false, err
	}

	tuples := append(lt, rt...)
	payload := encoding.JoinTuples(tuples)
	// Sizes in the index can lag the files; recheck the real payload.
	if int64(len(payload)) > c.cfg.MaxChunkSize {
		return index.Chunk{}, false, nil
	}

	var filter *filters.Bloom
	if left.Filter != nil && right.Filter != nil {
		filter, err = filters.Merge(left.Filter, right.Filter)
		if err != nil {
			filter = c.buildFilter(tuples)
		}
	} else {
		filter = c.buildFilter(tuples)
	}

	target := right.File.Next()
	if err := c.files.WriteCompact(ctx, target, payload); err != nil {
		return index.Chunk{}, false, err
	}
	if err := c.index.Fold(left.ID, right.ID, target, int64(len(payload)), filter); err != nil {
		return index.Chunk{}, false, err
	}
	*staged = append(*staged, left.File, right.File)
	c.logger.Debug("chunks merged", "left", left.File.Name(), "right", right.File.Name(), "to", target.Name(), "bytes", len(payload))

	right.File = target
	right.Size = int64(len(payload))
	right.Filter = filter
	return right, true, nil
}

func (c *Compactor) buildFilter(tuples []encoding.Tuple) *filters.Bloom {
	if !c.index.FiltersEnabled() {
		return nil
	}
	b := filters.NewBloom()
	for _, t := range tuples {
		b.Add(t.Key)
	}
	return b
}

// cleanup deletes superseded files after the safety delay. Cancellation only
// skips the delay. Failures are logged and counted.
func (c *Compactor) cleanup(ctx context.Context, staged []segment.FileInfo, res *Result) {
	if len(staged) == 0 {
		return
	}
	_ = sleep(ctx, c.cfg.CleanupDelay)

	dctx := context.WithoutCancel(ctx)
	for _, fi := range staged {
		if err := c.files.Remove(dctx, fi); err != nil {
			c.logger.Warn("failed to delete superseded file", "file", fi.Name(), "error", err)
			res.DeleteFailures++
			continue
		}
		res.Deleted++
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("compaction cancelled: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}

func reverse(s []survivor) []survivor {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
	return s
}

func reverseTuples(s []encoding.Tuple) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
