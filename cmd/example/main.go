package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/CVDpl/go-live-logkv/internal/common"
	"github.com/CVDpl/go-live-logkv/pkg/logkv"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/metrics"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/monitoring"
)

func main() {
	// Create a temporary directory for the example
	tempDir, err := os.MkdirTemp(".", "logkv-example-*")
	if err != nil {
		log.Fatalf("Failed to create temp directory: %v", err)
	}
	defer func() {
		fmt.Printf("\nStore data persisted in: %s\n", tempDir)
		fmt.Println("Remove with: rm -rf", tempDir)
	}()

	reg := metrics.NewRegistry()

	// Optional metrics and pprof: enable by setting LOGKV_DEBUG_ADDR (e.g., ":6060")
	if addr := os.Getenv("LOGKV_DEBUG_ADDR"); addr != "" {
		srv, err := monitoring.StartServer(addr, reg.Handler(), nil)
		if err == nil {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = monitoring.StopServer(ctx, srv)
				cancel()
			}()
			fmt.Printf("metrics and pprof listening on %s\n", srv.Addr)
		} else {
			fmt.Printf("failed to listen on %s: %v\n", addr, err)
		}
	}

	fmt.Printf("logkv Example\n")
	fmt.Printf("=============\n")
	fmt.Printf("Using temporary directory: %s\n\n", tempDir)

	opts := logkv.DefaultOptions()
	opts.Logger = common.NewNullLogger()
	opts.CompactionInterval = 200 * time.Millisecond
	opts.CompactionYield = 0
	opts.CleanupDelay = 100 * time.Millisecond
	opts.Metrics = reg

	fmt.Println("1. Opening store...")
	store, err := logkv.Open(tempDir, opts)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	fmt.Println("   ✓ Store opened successfully")

	ctx := context.Background()

	fmt.Println("\n2. Writing sample data...")
	sampleData := [][2]string{
		{"user:john", "admin"},
		{"user:jane", "moderator"},
		{"user:bob", "user"},
		{"product:laptop", "electronics"},
		{"product:book", "literature"},
		{"order:12345", "pending"},
		{"order:12345", "shipped"},
		{"user:bob", "admin"},
	}
	for _, kv := range sampleData {
		if err := store.Set(ctx, kv[0], kv[1]); err != nil {
			log.Printf("Warning: Failed to set %q: %v", kv[0], err)
		} else {
			fmt.Printf("   ✓ Set %s = %s\n", kv[0], kv[1])
		}
	}

	fmt.Println("\n3. Reading back (last write wins)...")
	for _, key := range []string{"user:bob", "order:12345", "user:nobody"} {
		value, found, err := store.Get(ctx, key)
		switch {
		case err != nil:
			log.Printf("Warning: Failed to get %q: %v", key, err)
		case !found:
			fmt.Printf("   ℹ %s not set\n", key)
		default:
			fmt.Printf("   ✓ %s = %s\n", key, value)
		}
	}

	fmt.Println("\n4. Oversized values are rejected...")
	err = store.Set(ctx, "big", strings.Repeat("x", logkv.MaxTupleSize))
	if errors.Is(err, logkv.ErrTupleTooLarge) {
		fmt.Printf("   ✓ Rejected: %v\n", err)
	}

	fmt.Println("\n5. Overwriting keys to create garbage...")
	for round := 0; round < 20; round++ {
		for i := 0; i < 50; i++ {
			key := fmt.Sprintf("counter:%02d", i)
			if err := store.Set(ctx, key, fmt.Sprintf("%d", round)); err != nil {
				log.Printf("Warning: Failed to set %q: %v", key, err)
			}
		}
	}
	before := store.Stats()
	fmt.Printf("   Chunks: %d (%d bytes)\n", before.Chunks, before.PayloadBytes)

	fmt.Println("\n6. Waiting for background compaction...")
	time.Sleep(time.Second)
	after := store.Stats()
	fmt.Printf("   Compactions: %d\n", after.Compactions)
	fmt.Printf("   Chunks: %d (%d bytes)\n", after.Chunks, after.PayloadBytes)
	fmt.Printf("   Removed: %d, rewritten: %d, merged: %d\n", after.ChunksRemoved, after.ChunksRewritten, after.ChunksMerged)

	fmt.Println("\n7. Store statistics...")
	fmt.Printf("   Gets: %d (hits %d), sets: %d\n", after.Gets, after.GetHits, after.Sets)
	fmt.Printf("   Chunks scanned by gets: %d, skipped by filters: %d\n", after.ChunksScanned, after.FilterSkips)
	fmt.Printf("   Latency p50/p99: %s / %s\n", after.LatencyP50, after.LatencyP99)

	fmt.Println("\n8. Testing store persistence...")
	store.Close()

	store2, err := logkv.Open(tempDir, opts)
	if err != nil {
		log.Printf("Warning: Failed to reopen store: %v", err)
	} else {
		fmt.Println("   ✓ Store reopened successfully")
		if value, found, err := store2.Get(ctx, "counter:07"); err == nil && found {
			fmt.Printf("   ✓ counter:07 = %s after reopen\n", value)
		} else {
			fmt.Println("   ⚠ Data not found after reopening")
		}
		store2.Close()
	}

	fmt.Println("\n✅ Example completed successfully!")
}
