package compaction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CVDpl/go-live-logkv/internal/encoding"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/access"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/index"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/segment"
)

type fixture struct {
	dir   string
	ix    *index.Index
	files *segment.Files
	c     *Compactor
}

// newFixture builds a compactor whose LOG chunks hold at most chunkSize
// payload bytes and whose merges may grow up to mergeSize.
func newFixture(t testing.TB, chunkSize, mergeSize int64) *fixture {
	dir := t.TempDir()
	ms := int64(1000)
	ix := index.New(dir, index.Options{
		MaxChunkSize: chunkSize,
		Filters:      true,
		Now:          func() int64 { ms++; return ms },
	})
	files := segment.NewFiles(access.NewScheduler(), false, nil)
	c := NewCompactor(ix, files, Config{MaxChunkSize: mergeSize}, nil)
	return &fixture{dir: dir, ix: ix, files: files, c: c}
}

func (f *fixture) set(t testing.TB, key, value string) {
	data, err := encoding.EncodeTuple(key, value)
	require.NoError(t, err)
	ch, err := f.ix.Reserve(key, len(data))
	require.NoError(t, err)
	err = f.files.Append(context.Background(), ch.File, data)
	f.ix.Commit(ch.ID, len(data), err == nil)
	require.NoError(t, err)
}

func (f *fixture) get(t testing.TB, key string) (string, bool) {
	chunks, _ := f.ix.Lookup(key)
	for _, ch := range chunks {
		tuples, err := f.files.ReadTuples(context.Background(), ch.File)
		if errors.Is(err, os.ErrNotExist) && ch.File.Kind == segment.KindLog {
			continue
		}
		require.NoError(t, err)
		for i := len(tuples) - 1; i >= 0; i-- {
			if tuples[i].Key == key {
				return tuples[i].Value, true
			}
		}
	}
	return "", false
}

func (f *fixture) segments(t testing.TB) []string {
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if _, ok := segment.Parse(f.dir, e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	return names
}

// Every tuple "k","v" encodes to 7 bytes.
const tupleSize = 7

func TestDedupRemovesSupersededChunk(t *testing.T) {
	f := newFixture(t, tupleSize, 4096)
	f.set(t, "a", "1")
	f.set(t, "a", "2")
	f.set(t, "b", "1")
	f.set(t, "z", "0") // tail

	res, err := f.c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Candidates)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 1, res.Merged)
	assert.Equal(t, 2, res.Untouched)
	assert.Equal(t, 1, res.DroppedTuples)
	assert.Equal(t, 3, res.Deleted)
	assert.Equal(t, 2, res.Pruned)
	assert.True(t, res.Changed())

	// One COMPACT chunk holding a=2,b=1 plus the untouched tail.
	assert.Equal(t, []string{"data1003.1.txt", "data1004.txt"}, f.segments(t))
	assert.Equal(t, 2, f.ix.Len())

	for k, want := range map[string]string{"a": "2", "b": "1", "z": "0"} {
		got, ok := f.get(t, k)
		require.True(t, ok, k)
		assert.Equal(t, want, got, k)
	}
}

func TestDedupRewritesPartiallySupersededChunk(t *testing.T) {
	f := newFixture(t, 2*tupleSize, tupleSize)
	f.set(t, "a", "1")
	f.set(t, "b", "1")
	f.set(t, "a", "2")
	f.set(t, "z", "0")
	f.set(t, "y", "0") // tail

	res, err := f.c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rewritten)
	assert.Equal(t, 1, res.Untouched)
	assert.Zero(t, res.Merged, "merge limit is one tuple")

	assert.Equal(t, []string{"data1001.1.txt", "data1002.txt", "data1003.txt"}, f.segments(t))

	raw, err := os.ReadFile(filepath.Join(f.dir, "data1001.1.txt"))
	require.NoError(t, err)
	payload, err := encoding.StripCompactHeader(raw)
	require.NoError(t, err)
	tuples, err := encoding.DecodeChunk(payload)
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	assert.Equal(t, "b", tuples[0].Key)

	got, _ := f.get(t, "a")
	assert.Equal(t, "2", got)
}

func readKeys(t *testing.T, path string) []string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	payload, err := encoding.StripCompactHeader(raw)
	require.NoError(t, err)
	tuples, err := encoding.DecodeChunk(payload)
	require.NoError(t, err)
	keys := make([]string, len(tuples))
	for i, tp := range tuples {
		keys[i] = tp.Key + "=" + tp.Value
	}
	return keys
}

func TestMergeKeepsOrderAndLeavesNeighbourAlone(t *testing.T) {
	f := newFixture(t, 2*tupleSize, 4*tupleSize)
	f.set(t, "a", "1")
	f.set(t, "b", "2") // data1001.txt
	f.set(t, "c", "3")
	f.set(t, "d", "4") // data1002.txt
	f.set(t, "e", "5")
	f.set(t, "f", "6") // data1003.txt
	f.set(t, "z", "0") // tail

	third := filepath.Join(f.dir, "data1003.txt")
	before, err := os.ReadFile(third)
	require.NoError(t, err)

	res, err := f.c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Merged)
	assert.Equal(t, 3, res.Untouched)
	assert.Zero(t, res.Removed)
	assert.Zero(t, res.Rewritten)

	assert.Equal(t, []string{"data1002.1.txt", "data1003.txt", "data1004.txt"}, f.segments(t))
	assert.Equal(t, []string{"a=1", "b=2", "c=3", "d=4"}, readKeys(t, filepath.Join(f.dir, "data1002.1.txt")))

	after, err := os.ReadFile(third)
	require.NoError(t, err)
	assert.Equal(t, before, after, "a chunk that does not fit is not touched")
	assert.Equal(t, 3, f.ix.Len())

	for k, want := range map[string]string{"a": "1", "d": "4", "e": "5", "f": "6", "z": "0"} {
		got, ok := f.get(t, k)
		require.True(t, ok, k)
		assert.Equal(t, want, got, k)
	}
}

// blockPath replaces the file at path with a non-empty directory, which
// os.Remove refuses to delete.
func blockPath(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "pin"), nil, 0644))
}

func TestCleanupCountsFailuresAndContinues(t *testing.T) {
	f := newFixture(t, tupleSize, 4096)
	var staged []segment.FileInfo
	for ts := int64(1); ts <= 3; ts++ {
		fi := segment.NewLog(f.dir, ts)
		require.NoError(t, os.WriteFile(fi.Path, []byte("x"), 0644))
		staged = append(staged, fi)
	}
	blockPath(t, staged[1].Path)

	var res Result
	f.c.cleanup(context.Background(), staged, &res)

	assert.Equal(t, 2, res.Deleted)
	assert.Equal(t, 1, res.DeleteFailures)
	assert.NoFileExists(t, staged[0].Path)
	assert.DirExists(t, staged[1].Path)
	assert.NoFileExists(t, staged[2].Path)
}

func TestRunSurvivesFailedDelete(t *testing.T) {
	f := newFixture(t, tupleSize, 4096)
	f.c.cfg.CleanupDelay = time.Second
	f.set(t, "a", "1") // data1001.txt, superseded
	f.set(t, "a", "2") // data1002.txt
	f.set(t, "b", "1") // data1003.txt
	f.set(t, "z", "0") // tail

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.c.Run(context.Background())
		done <- outcome{res, err}
	}()

	// Once the merged file exists the run is waiting out the cleanup delay.
	merged := filepath.Join(f.dir, "data1003.1.txt")
	require.Eventually(t, func() bool {
		_, err := os.Stat(merged)
		return err == nil
	}, 5*time.Second, time.Millisecond)
	blocked := filepath.Join(f.dir, "data1002.txt")
	blockPath(t, blocked)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, 1, out.res.DeleteFailures)
	assert.Equal(t, 2, out.res.Deleted)
	assert.Equal(t, 2, out.res.Pruned)

	assert.NoFileExists(t, filepath.Join(f.dir, "data1001.txt"))
	assert.NoFileExists(t, filepath.Join(f.dir, "data1003.txt"))
	assert.DirExists(t, blocked)

	for k, want := range map[string]string{"a": "2", "b": "1", "z": "0"} {
		got, ok := f.get(t, k)
		require.True(t, ok, k)
		assert.Equal(t, want, got, k)
	}
}

func TestRunLeavesTailAlone(t *testing.T) {
	f := newFixture(t, 4096, 4096)
	f.set(t, "a", "1")
	f.set(t, "a", "2")

	res, err := f.c.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)
	assert.False(t, res.Changed())
	assert.Equal(t, []string{"data1001.txt"}, f.segments(t))
}

func TestRunSkipsPendingChunks(t *testing.T) {
	f := newFixture(t, tupleSize, 4096)
	f.set(t, "a", "1")
	pending, err := f.ix.Reserve("b", tupleSize)
	require.NoError(t, err)
	f.set(t, "a", "2")
	f.set(t, "z", "0")

	res, err := f.c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
	assert.Zero(t, res.Removed, "the newer a=2 is not a candidate yet")

	f.ix.Commit(pending.ID, tupleSize, false)
	res, err = f.c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Candidates)
	assert.Equal(t, 2, res.Removed, "a=1 and the empty chunk")

	got, _ := f.get(t, "a")
	assert.Equal(t, "2", got)
}

func TestRunSkipsCorruptChunk(t *testing.T) {
	f := newFixture(t, tupleSize, 4096)
	bad := segment.NewLog(f.dir, 1).Next()
	require.NoError(t, os.WriteFile(bad.Path, []byte{0, 2, 0, 9, 0, 0}, 0644))
	f.ix.Add(bad, 2, nil)
	f.set(t, "a", "1")
	f.set(t, "b", "1")
	f.set(t, "z", "0")

	res, err := f.c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Merged)
	assert.FileExists(t, bad.Path)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t, tupleSize, 4096)
	f.set(t, "a", "1")
	f.set(t, "a", "2")
	f.set(t, "z", "0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	got, _ := f.get(t, "a")
	assert.Equal(t, "2", got)
}

func TestCompactionPreservesLastWriteWins(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("reads are unchanged and sealed chunks hold unique keys", prop.ForAll(
		func(keys []int, chunkSize int64) bool {
			f := newFixture(t, chunkSize, 64)
			want := map[string]string{}
			for i, k := range keys {
				key, value := fmt.Sprintf("k%d", k), fmt.Sprintf("v%d", i)
				f.set(t, key, value)
				want[key] = value
			}

			if _, err := f.c.Run(context.Background()); err != nil {
				return false
			}

			for k, v := range want {
				got, ok := f.get(t, k)
				if !ok || got != v {
					return false
				}
			}

			snap := f.ix.Snapshot()
			seen := map[string]bool{}
			for i, info := range snap {
				if info.Size > 64 && i < len(snap)-1 {
					return false
				}
				if i == len(snap)-1 {
					break
				}
				fi, _ := segment.Parse(f.dir, info.File)
				tuples, err := f.files.ReadTuples(context.Background(), fi)
				if err != nil {
					return errors.Is(err, os.ErrNotExist) && info.Size == 0
				}
				for _, tp := range tuples {
					if seen[tp.Key] {
						return false
					}
					seen[tp.Key] = true
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 9)),
		gen.Int64Range(20, 40),
	))

	properties.TestingRun(t)
}
