package logkv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/CVDpl/go-live-logkv/internal/common"
	"github.com/CVDpl/go-live-logkv/internal/encoding"
	"github.com/CVDpl/go-live-logkv/internal/filters"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/segment"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/utils"
)

// recovered is the state of one surviving segment after its scan.
type recovered struct {
	file    segment.FileInfo
	size    int64
	filter  *filters.Bloom
	corrupt bool
	cut     int64
}

// recoverChunks rebuilds the chunk index from the data directory: staged writes
// are discarded, superseded versions are deleted, torn LOG tails are cut and
// every surviving chunk gets its filter.
func (s *storeImpl) recoverChunks(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return report, fmt.Errorf("list data directory: %w", err)
	}

	var temps []segment.FileInfo
	latest := make(map[string]segment.FileInfo)
	var stale []segment.FileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, ok := segment.Parse(s.dir, e.Name())
		if !ok {
			continue
		}
		if fi.Kind == segment.KindTemp {
			temps = append(temps, fi)
			continue
		}
		prev, seen := latest[fi.Base]
		switch {
		case !seen:
			latest[fi.Base] = fi
		case fi.Version > prev.Version:
			stale = append(stale, prev)
			latest[fi.Base] = fi
		default:
			stale = append(stale, fi)
		}
	}

	// Discard crash artifacts.
	g, gctx := errgroup.WithContext(ctx)
	for _, fi := range append(temps, stale...) {
		fi := fi
		g.Go(func() error {
			if err := s.files.Remove(gctx, fi); err != nil {
				return err
			}
			s.logger.Info("deleted crash artifact", "file", fi.Name(), "kind", fi.Kind.String())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("delete crash artifacts: %w", err)
	}
	report.TempDeleted = len(temps)
	report.StaleDeleted = len(stale)

	survivors := make([]segment.FileInfo, 0, len(latest))
	for _, fi := range latest {
		survivors = append(survivors, fi)
	}
	segment.Sort(survivors)

	// Scan survivors in parallel; results keep chunk order.
	results := make([]recovered, len(survivors))
	var corrupt int32
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, fi := range survivors {
		i, fi := i, fi
		g.Go(func() error {
			r, err := s.scanSegment(gctx, fi)
			if err != nil {
				return err
			}
			if r.corrupt {
				atomic.AddInt32(&corrupt, 1)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	for _, r := range results {
		s.index.Add(r.file, r.size, r.filter)
		if r.cut > 0 {
			report.Truncated++
			report.TruncatedBytes += r.cut
		}
	}
	report.Chunks = len(results)
	report.Corrupt = int(corrupt)

	s.metrics.RecordRecovery("temp_deleted", report.TempDeleted)
	s.metrics.RecordRecovery("stale_deleted", report.StaleDeleted)
	s.metrics.RecordRecovery("truncated", report.Truncated)
	s.metrics.RecordRecovery("loaded", report.Chunks)

	return report, nil
}

// scanSegment sizes fi and builds its filter. A LOG file ending in a partial
// tuple is truncated to its last whole tuple. Any other damage, in either
// kind, leaves the file untouched and the chunk unfiltered, so reads that
// reach it report the damage.
func (s *storeImpl) scanSegment(ctx context.Context, fi segment.FileInfo) (recovered, error) {
	r := recovered{file: fi}

	payload, err := s.files.Read(ctx, fi)
	if err != nil {
		if !errors.Is(err, common.ErrCorruptSegment) {
			return r, err
		}
		s.logger.Error("corrupt segment", "file", fi.Name(), "error", err)
		r.corrupt = true
		r.size, err = s.files.PayloadSize(fi)
		return r, err
	}

	if fi.Kind == segment.KindLog {
		valid, err := encoding.ValidPrefix(payload)
		if err != nil {
			s.logger.Error("corrupt segment", "file", fi.Name(), "offset", valid, "error", err)
			r.corrupt = true
			r.size = int64(len(payload))
			return r, nil
		}
		if valid < len(payload) {
			r.cut = int64(len(payload) - valid)
			s.logger.Warn("truncating torn log tail", "file", fi.Name(), "size", len(payload), "valid", valid)
			if err := utils.TruncateFile(fi.Path, int64(valid)); err != nil {
				return r, fmt.Errorf("truncate %s: %w", fi.Name(), err)
			}
			payload = payload[:valid]
		}
	}
	r.size = int64(len(payload))

	tuples, err := encoding.DecodeChunk(payload)
	if err != nil {
		s.logger.Error("corrupt segment", "file", fi.Name(), "error", err)
		r.corrupt = true
		return r, nil
	}

	if !s.opts.DisableBloomFilters {
		r.filter = filters.NewBloom()
		for _, t := range tuples {
			r.filter.Add(t.Key)
		}
	}
	return r, nil
}
