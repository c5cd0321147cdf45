package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CVDpl/go-live-logkv/internal/common"
	"github.com/CVDpl/go-live-logkv/pkg/logkv"
)

// dirSize sums the segment files in dir, ignoring the lock file.
func dirSize(dir string) (int64, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, err
	}
	var total int64
	files := 0
	for _, e := range entries {
		if e.IsDir() || e.Name() == common.FileLock {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return 0, 0, err
		}
		total += info.Size()
		files++
	}
	return total, files, nil
}

// listDir prints every file in dir with its size.
func listDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if fi, err := e.Info(); err == nil && !e.IsDir() {
			fmt.Printf("FILE %s (%d bytes)\n", filepath.Join(dir, e.Name()), fi.Size())
		}
	}
}

func keyName(i int) string { return fmt.Sprintf("key-%05d", i) }

func valueFor(i, round, size int) string {
	prefix := fmt.Sprintf("%d/%d:", i, round)
	if len(prefix) >= size {
		return prefix
	}
	return prefix + strings.Repeat("x", size-len(prefix))
}

func main() {
	n := flag.Int("n", 2000, "number of distinct keys")
	rounds := flag.Int("rounds", 3, "how many times every key is written")
	valueSize := flag.Int("value_size", 64, "value size in bytes")
	keep := flag.Bool("keep", false, "keep the output directory and print its path")
	outDir := flag.String("out", "", "output directory to use; if empty a temp dir will be created")
	phaseTimeout := flag.Duration("timeout", 10*time.Minute, "timeout for the compaction phase")
	list := flag.Bool("list", false, "list segment files before and after compaction")
	flag.Parse()

	var dir string
	if *outDir != "" {
		dir = *outDir
		if err := os.MkdirAll(dir, 0755); err != nil {
			panic(err)
		}
	} else {
		d, err := os.MkdirTemp(".", "logkv-compact-*")
		if err != nil {
			panic(err)
		}
		dir = d
	}
	if !*keep && *outDir == "" {
		defer os.RemoveAll(dir)
	}
	fmt.Printf("output dir: %s\n", dir)

	opts := logkv.DefaultOptions()
	// Stabilize environment for measurement: avoid background interference
	opts.DisableBackgroundCompaction = true
	opts.CompactionYield = 0
	opts.CleanupDelay = 0
	opts.StatsInterval = 0
	opts.Logger = common.NewNullLogger()
	store, err := logkv.Open(dir, opts)
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	for r := 0; r < *rounds; r++ {
		for i := 0; i < *n; i++ {
			if err := store.Set(ctx, keyName(i), valueFor(i, r, *valueSize)); err != nil {
				panic(err)
			}
		}
	}

	bytesBefore, filesBefore, err := dirSize(dir)
	if err != nil {
		panic(err)
	}
	if *list {
		fmt.Println("-- files before --")
		listDir(dir)
	}

	cctx, cancel := context.WithTimeout(ctx, *phaseTimeout)
	start := time.Now()
	if err := store.CompactNow(cctx); err != nil {
		panic(err)
	}
	took := time.Since(start)
	cancel()

	bytesAfter, filesAfter, err := dirSize(dir)
	if err != nil {
		panic(err)
	}
	if *list {
		fmt.Println("-- files after --")
		listDir(dir)
	}

	// Every key must still read its last value.
	mismatches := 0
	for i := 0; i < *n; i++ {
		want := valueFor(i, *rounds-1, *valueSize)
		got, found, err := store.Get(ctx, keyName(i))
		if err != nil || !found || got != want {
			mismatches++
			if mismatches <= 10 {
				fmt.Printf("mismatch %s: found=%v err=%v\n", keyName(i), found, err)
			}
		}
	}

	st := store.Stats()
	_ = store.Close()

	fmt.Printf("n=%d rounds=%d value_size=%d\n", *n, *rounds, *valueSize)
	fmt.Printf("compaction took %s\n", took)
	fmt.Printf("files: %d -> %d\n", filesBefore, filesAfter)
	fmt.Printf("bytes: %d -> %d\n", bytesBefore, bytesAfter)
	fmt.Printf("removed=%d rewritten=%d merged=%d deleted=%d\n", st.ChunksRemoved, st.ChunksRewritten, st.ChunksMerged, st.FilesDeleted)
	if bytesBefore > 0 {
		reduction := float64(bytesBefore-bytesAfter) / float64(bytesBefore) * 100.0
		fmt.Printf("reduction: %.2f%%\n", reduction)
	}
	if mismatches > 0 {
		fmt.Printf("%d keys lost their last value\n", mismatches)
		os.Exit(1)
	}
	fmt.Println("all keys read their last value")
}
