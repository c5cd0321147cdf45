// Package access serializes file I/O per path: reads of one path run
// concurrently, writes run alone, and a queued write holds back new reads.
package access

import (
	"context"
	"fmt"
	"sync"
)

type waiter struct {
	write    bool
	ready    chan struct{}
	admitted bool
}

type pathState struct {
	reads   int
	writing bool
	readQ   []*waiter
	writeQ  []*waiter
}

func (ps *pathState) idle() bool {
	return ps.reads == 0 && !ps.writing && len(ps.readQ) == 0 && len(ps.writeQ) == 0
}

// State is a point-in-time view of one path's scheduling state.
type State struct {
	ReadsInFlight int
	WriteInFlight bool
	QueuedReads   int
	QueuedWrites  int
}

// Scheduler arbitrates read and write access per file path. Different paths
// are fully independent.
type Scheduler struct {
	mu    sync.Mutex
	paths map[string]*pathState
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{paths: make(map[string]*pathState)}
}

// Read runs op with shared access to path.
func (s *Scheduler) Read(ctx context.Context, path string, op func() error) error {
	return s.run(ctx, path, false, op)
}

// Write runs op with exclusive access to path.
func (s *Scheduler) Write(ctx context.Context, path string, op func() error) error {
	return s.run(ctx, path, true, op)
}

func (s *Scheduler) run(ctx context.Context, path string, write bool, op func() error) (err error) {
	if err := s.acquire(ctx, path, write); err != nil {
		return err
	}
	defer s.release(path, write)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation on %s panicked: %v", path, r)
		}
	}()
	return op()
}

func (s *Scheduler) acquire(ctx context.Context, path string, write bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w := &waiter{write: write, ready: make(chan struct{})}

	s.mu.Lock()
	ps, ok := s.paths[path]
	if !ok {
		ps = &pathState{}
		s.paths[path] = ps
	}
	if write {
		ps.writeQ = append(ps.writeQ, w)
	} else {
		ps.readQ = append(ps.readQ, w)
	}
	s.arbitrate(path, ps)
	s.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	if w.admitted {
		s.mu.Unlock()
		s.release(path, write)
		return ctx.Err()
	}
	if write {
		ps.writeQ = removeWaiter(ps.writeQ, w)
	} else {
		ps.readQ = removeWaiter(ps.readQ, w)
	}
	s.arbitrate(path, ps)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *Scheduler) release(path string, write bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.paths[path]
	if !ok {
		return
	}
	if write {
		ps.writing = false
	} else if ps.reads > 0 {
		ps.reads--
	}
	s.arbitrate(path, ps)
}

// arbitrate admits waiters for path. Caller holds s.mu.
func (s *Scheduler) arbitrate(path string, ps *pathState) {
	switch {
	case ps.writing:
	case len(ps.writeQ) > 0:
		if ps.reads > 0 {
			return
		}
		w := ps.writeQ[0]
		ps.writeQ[0] = nil
		ps.writeQ = ps.writeQ[1:]
		ps.writing = true
		admit(w)
	case len(ps.readQ) > 0:
		for _, w := range ps.readQ {
			ps.reads++
			admit(w)
		}
		ps.readQ = nil
	default:
		if ps.idle() {
			delete(s.paths, path)
		}
	}
}

func admit(w *waiter) {
	w.admitted = true
	close(w.ready)
}

func removeWaiter(q []*waiter, w *waiter) []*waiter {
	for i, x := range q {
		if x == w {
			return append(q[:i], q[i+1:]...)
		}
	}
	return q
}

// State returns the scheduling state for path. An untracked path reports the
// zero State.
func (s *Scheduler) State(path string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.paths[path]
	if !ok {
		return State{}
	}
	return State{
		ReadsInFlight: ps.reads,
		WriteInFlight: ps.writing,
		QueuedReads:   len(ps.readQ),
		QueuedWrites:  len(ps.writeQ),
	}
}

// Paths returns the number of paths with tracked state.
func (s *Scheduler) Paths() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}
