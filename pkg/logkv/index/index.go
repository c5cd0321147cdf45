// Package index tracks the ordered list of chunks that make up a store and
// the state transitions between them: reservation of append space, dedup
// rewrites, merges and removals.
package index

import (
	"fmt"
	"sync"
	"time"

	"github.com/CVDpl/go-live-logkv/internal/common"
	"github.com/CVDpl/go-live-logkv/internal/filters"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/segment"
)

// Chunk is one segment file in store order, oldest first.
type Chunk struct {
	ID      uint64
	File    segment.FileInfo
	Size    int64
	Removed bool
	// Sealed chunks never receive appends.
	Sealed bool
	// Filter is nil when filters are disabled or the chunk could not be
	// scanned; a nil filter might contain any key.
	Filter *filters.Bloom

	pending int
}

// MightContain reports whether the chunk can hold key.
func (c *Chunk) MightContain(key string) bool {
	return c.Filter == nil || c.Filter.MightContain(key)
}

// Pending returns the number of reserved appends that have not committed.
func (c *Chunk) Pending() int {
	return c.pending
}

// Index is the ordered chunk list. All transitions happen under one lock so
// readers never see a chunk half-updated.
type Index struct {
	mu      sync.RWMutex
	dir     string
	maxSize int64
	filters bool
	chunks  []*Chunk
	nextID  uint64
	lastTS  int64
	now     func() int64
	logger  common.Logger
}

// Options configures an Index.
type Options struct {
	// MaxChunkSize bounds the payload of a chunk.
	MaxChunkSize int64
	// Filters enables a bloom filter per new chunk.
	Filters bool
	Logger  common.Logger
	// Now returns the current time in milliseconds. Tests override it.
	Now func() int64
}

// New creates an empty index for the data directory dir.
func New(dir string, opts Options) *Index {
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = common.MaxChunkContentSize
	}
	if opts.Now == nil {
		opts.Now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Index{
		dir:     dir,
		maxSize: opts.MaxChunkSize,
		filters: opts.Filters,
		now:     opts.Now,
		logger:  common.OrNull(opts.Logger),
		nextID:  1,
	}
}

// FiltersEnabled reports whether new chunks get a bloom filter.
func (ix *Index) FiltersEnabled() bool {
	return ix.filters
}

// MaxChunkSize returns the payload bound of a chunk.
func (ix *Index) MaxChunkSize() int64 {
	return ix.maxSize
}

// Add appends a recovered chunk. Recovered chunks are sealed.
func (ix *Index) Add(file segment.FileInfo, size int64, filter *filters.Bloom) uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	c := ix.appendLocked(file, filter)
	c.Size = size
	c.Sealed = true
	return c.ID
}

func (ix *Index) appendLocked(file segment.FileInfo, filter *filters.Bloom) *Chunk {
	c := &Chunk{ID: ix.nextID, File: file, Filter: filter}
	ix.nextID++
	ix.chunks = append(ix.chunks, c)
	if file.Timestamp > ix.lastTS {
		ix.lastTS = file.Timestamp
	}
	return c
}

func (ix *Index) tailLocked() *Chunk {
	if len(ix.chunks) == 0 {
		return nil
	}
	return ix.chunks[len(ix.chunks)-1]
}

// Reserve claims n bytes of append space for key in the active LOG chunk,
// creating a fresh one when there is none or it would overflow. The key is
// added to the chunk's filter. Every Reserve must be followed by Commit.
func (ix *Index) Reserve(key string, n int) (Chunk, error) {
	if int64(n) > ix.maxSize {
		return Chunk{}, fmt.Errorf("%w: %d bytes (max %d)", common.ErrTupleTooLarge, n, ix.maxSize)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	tail := ix.tailLocked()
	if tail == nil || tail.Removed || tail.Sealed || tail.File.Kind != segment.KindLog || tail.Size+int64(n) > ix.maxSize {
		if tail != nil {
			tail.Sealed = true
		}
		ts := ix.now()
		if ts <= ix.lastTS {
			ts = ix.lastTS + 1
		}
		var filter *filters.Bloom
		if ix.filters {
			filter = filters.NewBloom()
		}
		tail = ix.appendLocked(segment.NewLog(ix.dir, ts), filter)
		ix.logger.Debug("created log chunk", "id", tail.ID, "file", tail.File.Name())
	}

	tail.Size += int64(n)
	tail.pending++
	if tail.Filter != nil {
		tail.Filter.Add(key)
	}
	return *tail, nil
}

// Commit finishes a reservation. When ok is false the reserved space is
// returned; the key stays in the filter, which only costs a false positive.
func (ix *Index) Commit(id uint64, n int, ok bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	c := ix.findLocked(id)
	if c == nil {
		return
	}
	if c.pending > 0 {
		c.pending--
	}
	if !ok {
		c.Size -= int64(n)
		if c.Size < 0 {
			c.Size = 0
		}
	}
}

func (ix *Index) findLocked(id uint64) *Chunk {
	for _, c := range ix.chunks {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Lookup returns the live chunks that might contain key, newest first, and
// how many live chunks their filters ruled out.
func (ix *Index) Lookup(key string) (chunks []Chunk, skipped int) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	for i := len(ix.chunks) - 1; i >= 0; i-- {
		c := ix.chunks[i]
		if c.Removed {
			continue
		}
		if !c.MightContain(key) {
			skipped++
			continue
		}
		chunks = append(chunks, *c)
	}
	return chunks, skipped
}

// Current returns the present state of chunk id. ok is false once the chunk
// has been pruned.
func (ix *Index) Current(id uint64) (Chunk, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	c := ix.findLocked(id)
	if c == nil {
		return Chunk{}, false
	}
	return *c, true
}

// Candidates returns the live chunks compaction may touch, oldest first: the
// leading run of chunks before the tail and before the first chunk with
// appends in flight. Filters are cloned.
func (ix *Index) Candidates() []Chunk {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []Chunk
	for i := 0; i < len(ix.chunks)-1; i++ {
		c := ix.chunks[i]
		if c.pending > 0 {
			break
		}
		if c.Removed {
			continue
		}
		cp := *c
		if cp.Filter != nil {
			cp.Filter = cp.Filter.Clone()
		}
		out = append(out, cp)
	}
	return out
}

func (ix *Index) liveLocked(id uint64) (*Chunk, error) {
	c := ix.findLocked(id)
	if c == nil {
		return nil, fmt.Errorf("chunk %d not found", id)
	}
	if c.Removed {
		return nil, fmt.Errorf("chunk %d already removed", id)
	}
	return c, nil
}

// Replace points chunk id at a rewritten file.
func (ix *Index) Replace(id uint64, file segment.FileInfo, size int64, filter *filters.Bloom) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	c, err := ix.liveLocked(id)
	if err != nil {
		return err
	}
	c.File = file
	c.Size = size
	c.Filter = filter
	c.Sealed = true
	return nil
}

// Remove marks chunk id removed.
func (ix *Index) Remove(id uint64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	c, err := ix.liveLocked(id)
	if err != nil {
		return err
	}
	c.Removed = true
	return nil
}

// Fold merges chunk left into its right neighbour: right takes the merged
// file and left is removed, in one step.
func (ix *Index) Fold(left, right uint64, file segment.FileInfo, size int64, filter *filters.Bloom) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	l, err := ix.liveLocked(left)
	if err != nil {
		return err
	}
	r, err := ix.liveLocked(right)
	if err != nil {
		return err
	}
	r.File = file
	r.Size = size
	r.Filter = filter
	r.Sealed = true
	l.Removed = true
	return nil
}

// Prune drops removed chunks and returns how many were dropped.
func (ix *Index) Prune() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	kept := ix.chunks[:0]
	for _, c := range ix.chunks {
		if !c.Removed {
			kept = append(kept, c)
		}
	}
	n := len(ix.chunks) - len(kept)
	for i := len(kept); i < len(ix.chunks); i++ {
		ix.chunks[i] = nil
	}
	ix.chunks = kept
	return n
}

// Len returns the number of tracked chunks, removed ones included.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.chunks)
}

// ChunkInfo is the serializable view of a chunk.
type ChunkInfo struct {
	ID        uint64       `json:"id"`
	File      string       `json:"file"`
	Kind      segment.Kind `json:"kind"`
	Version   int          `json:"version,omitempty"`
	Size      int64        `json:"size"`
	Removed   bool         `json:"removed,omitempty"`
	Sealed    bool         `json:"sealed,omitempty"`
	Pending   int          `json:"pending,omitempty"`
	FillRatio *float64     `json:"fillRatio,omitempty"`
}

// Snapshot returns every chunk in order.
func (ix *Index) Snapshot() []ChunkInfo {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]ChunkInfo, 0, len(ix.chunks))
	for _, c := range ix.chunks {
		info := ChunkInfo{
			ID:      c.ID,
			File:    c.File.Name(),
			Kind:    c.File.Kind,
			Version: c.File.Version,
			Size:    c.Size,
			Removed: c.Removed,
			Sealed:  c.Sealed,
			Pending: c.pending,
		}
		if c.Filter != nil {
			r := c.Filter.FillRatio()
			info.FillRatio = &r
		}
		out = append(out, info)
	}
	return out
}

// Summary aggregates the live chunks.
type Summary struct {
	Chunks         int
	LogChunks      int
	CompactChunks  int
	RemovedChunks  int
	PayloadBytes   int64
	MeanFillRatio  float64
	FilteredChunks int
}

// Summarize aggregates the current chunk list.
func (ix *Index) Summarize() Summary {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var s Summary
	var fill float64
	for _, c := range ix.chunks {
		if c.Removed {
			s.RemovedChunks++
			continue
		}
		s.Chunks++
		s.PayloadBytes += c.Size
		switch c.File.Kind {
		case segment.KindLog:
			s.LogChunks++
		case segment.KindCompact:
			s.CompactChunks++
		}
		if c.Filter != nil {
			s.FilteredChunks++
			fill += c.Filter.FillRatio()
		}
	}
	if s.FilteredChunks > 0 {
		s.MeanFillRatio = fill / float64(s.FilteredChunks)
	}
	return s
}
