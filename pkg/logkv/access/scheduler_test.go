package access

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// hold starts op under the given access and returns once it is admitted.
// Closing the returned channel lets op finish; done receives its result.
func hold(t *testing.T, s *Scheduler, path string, write bool) (chan struct{}, chan error) {
	t.Helper()
	started := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan error, 1)
	op := func() error {
		close(started)
		<-unblock
		return nil
	}
	go func() {
		if write {
			done <- s.Write(context.Background(), path, op)
		} else {
			done <- s.Read(context.Background(), path, op)
		}
	}()
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("operation was not admitted")
	}
	return unblock, done
}

func TestReadsRunConcurrently(t *testing.T) {
	s := NewScheduler()
	u1, d1 := hold(t, s, "a", false)
	u2, d2 := hold(t, s, "a", false)

	assert.Equal(t, State{ReadsInFlight: 2}, s.State("a"))

	close(u1)
	close(u2)
	require.NoError(t, <-d1)
	require.NoError(t, <-d2)
	assert.Equal(t, 0, s.Paths())
}

func TestWriteExcludesReads(t *testing.T) {
	s := NewScheduler()
	unblock, done := hold(t, s, "a", true)

	var ran atomic.Bool
	readDone := make(chan error, 1)
	go func() {
		readDone <- s.Read(context.Background(), "a", func() error {
			ran.Store(true)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return s.State("a").QueuedReads == 1 }, waitFor, time.Millisecond)
	assert.False(t, ran.Load())

	close(unblock)
	require.NoError(t, <-done)
	require.NoError(t, <-readDone)
	assert.True(t, ran.Load())
}

func TestWritesAreSerialized(t *testing.T) {
	s := NewScheduler()
	var inFlight, maxInFlight int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Write(context.Background(), "a", func() error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight)
	assert.Equal(t, 0, s.Paths())
}

func TestQueuedWriteHoldsBackNewReads(t *testing.T) {
	s := NewScheduler()
	readUnblock, readDone := hold(t, s, "a", false)

	var order []string
	var mu sync.Mutex
	record := func(name string) func() error {
		return func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	writeDone := make(chan error, 1)
	go func() { writeDone <- s.Write(context.Background(), "a", record("write")) }()
	require.Eventually(t, func() bool { return s.State("a").QueuedWrites == 1 }, waitFor, time.Millisecond)

	lateRead := make(chan error, 1)
	go func() { lateRead <- s.Read(context.Background(), "a", record("read")) }()
	require.Eventually(t, func() bool { return s.State("a").QueuedReads == 1 }, waitFor, time.Millisecond)

	assert.Equal(t, State{ReadsInFlight: 1, QueuedReads: 1, QueuedWrites: 1}, s.State("a"))

	close(readUnblock)
	require.NoError(t, <-readDone)
	require.NoError(t, <-writeDone)
	require.NoError(t, <-lateRead)

	assert.Equal(t, []string{"write", "read"}, order)
}

func TestFailingOperationReleases(t *testing.T) {
	s := NewScheduler()
	boom := errors.New("boom")

	err := s.Write(context.Background(), "a", func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, State{}, s.State("a"))

	err = s.Read(context.Background(), "a", func() error { panic("read failed") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	err = s.Write(context.Background(), "a", func() error { panic("write failed") })
	require.Error(t, err)

	// The path is usable again.
	require.NoError(t, s.Write(context.Background(), "a", func() error { return nil }))
	assert.Equal(t, 0, s.Paths())
}

func TestCancelWhileQueued(t *testing.T) {
	s := NewScheduler()
	unblock, done := hold(t, s, "a", true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var ran atomic.Bool
	err := s.Read(ctx, "a", func() error {
		ran.Store(true)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran.Load())
	assert.Equal(t, State{WriteInFlight: true}, s.State("a"))

	close(unblock)
	require.NoError(t, <-done)
	assert.Equal(t, 0, s.Paths())
}

func TestCancelledQueuedWriteUnblocksReads(t *testing.T) {
	s := NewScheduler()
	readUnblock, readDone := hold(t, s, "a", false)

	ctx, cancel := context.WithCancel(context.Background())
	writeDone := make(chan error, 1)
	go func() { writeDone <- s.Write(ctx, "a", func() error { return nil }) }()
	require.Eventually(t, func() bool { return s.State("a").QueuedWrites == 1 }, waitFor, time.Millisecond)

	readerDone := make(chan error, 1)
	go func() { readerDone <- s.Read(context.Background(), "a", func() error { return nil }) }()
	require.Eventually(t, func() bool { return s.State("a").QueuedReads == 1 }, waitFor, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-writeDone, context.Canceled)
	require.NoError(t, <-readerDone)

	close(readUnblock)
	require.NoError(t, <-readDone)
	assert.Equal(t, 0, s.Paths())
}

func TestPathsAreIndependent(t *testing.T) {
	s := NewScheduler()
	unblock, done := hold(t, s, "a", true)

	finished := make(chan error, 1)
	go func() { finished <- s.Write(context.Background(), "b", func() error { return nil }) }()

	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("write to another path was blocked")
	}

	close(unblock)
	require.NoError(t, <-done)
}
