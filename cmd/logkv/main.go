package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/CVDpl/go-live-logkv/pkg/logkv"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "get":
		getCmd(os.Args[2:])
	case "set":
		setCmd(os.Args[2:])
	case "compact":
		compactCmd(os.Args[2:])
	case "stats":
		statsCmd(os.Args[2:])
	case "serve":
		serveCmd(os.Args[2:])
	case "version":
		fmt.Println(logkv.Version)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: logkv <command> [options]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  get      Print the value stored under a key")
	fmt.Fprintln(os.Stderr, "  set      Store a value under a key")
	fmt.Fprintln(os.Stderr, "  compact  Run one compaction and print what it did")
	fmt.Fprintln(os.Stderr, "  stats    Print store statistics and the chunk list")
	fmt.Fprintln(os.Stderr, "  serve    Keep a store open with background compaction and metrics")
	fmt.Fprintln(os.Stderr, "  version  Print the version")
}

// openFlags registers the flags shared by the one-shot commands.
func openFlags(flags *flag.FlagSet) (dir, level *string) {
	dir = flags.String("dir", "", "data directory (required)")
	level = flags.String("log-level", "warn", "log level: debug|info|warn|error")
	return dir, level
}

// openStore opens dir for a one-shot command. Background compaction stays
// off so the command exits as soon as its work is done.
func openStore(flags *flag.FlagSet, dir, level string, configure ...func(*logkv.Options)) logkv.Store {
	if dir == "" {
		flags.Usage()
		os.Exit(2)
	}
	lvl, err := logkv.ParseLogLevel(level)
	if err != nil {
		log.Fatalf("%s: %v", flags.Name(), err)
	}
	opts := logkv.DefaultOptions()
	opts.Logger = logkv.NewDefaultLoggerWithLevel(lvl)
	opts.DisableBackgroundCompaction = true
	opts.StatsInterval = 0
	for _, fn := range configure {
		fn(opts)
	}

	store, err := logkv.Open(dir, opts)
	if err != nil {
		log.Fatalf("%s: open %s: %v", flags.Name(), dir, err)
	}
	return store
}

func getCmd(args []string) {
	flags := flag.NewFlagSet("get", flag.ExitOnError)
	dir, level := openFlags(flags)
	key := flags.String("key", "", "key to read (required)")
	flags.Parse(args)

	store := openStore(flags, *dir, *level)
	defer store.Close()

	value, found, err := store.Get(context.Background(), *key)
	if err != nil {
		store.Close()
		log.Fatalf("get %q: %v", *key, err)
	}
	if !found {
		store.Close()
		fmt.Fprintf(os.Stderr, "%q not found\n", *key)
		os.Exit(1)
	}
	fmt.Println(value)
}

func setCmd(args []string) {
	flags := flag.NewFlagSet("set", flag.ExitOnError)
	dir, level := openFlags(flags)
	key := flags.String("key", "", "key to write (required)")
	value := flags.String("value", "", "value to store")
	sync := flags.Bool("sync", true, "fdatasync the append before returning")
	flags.Parse(args)

	if *key == "" {
		flags.Usage()
		os.Exit(2)
	}
	store := openStore(flags, *dir, *level, func(o *logkv.Options) { o.SyncWrites = *sync })
	defer store.Close()

	if err := store.Set(context.Background(), *key, *value); err != nil {
		store.Close()
		log.Fatalf("set %q: %v", *key, err)
	}
}

func compactCmd(args []string) {
	flags := flag.NewFlagSet("compact", flag.ExitOnError)
	dir, level := openFlags(flags)
	timeout := flags.Duration("timeout", 5*time.Minute, "give up after this long")
	flags.Parse(args)

	store := openStore(flags, *dir, *level)
	defer store.Close()

	before := store.Stats()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := store.CompactNow(ctx); err != nil {
		store.Close()
		log.Fatalf("compact: %v", err)
	}
	after := store.Stats()

	fmt.Printf("chunks: %d -> %d\n", before.Chunks, after.Chunks)
	fmt.Printf("payload bytes: %d -> %d\n", before.PayloadBytes, after.PayloadBytes)
	fmt.Printf("removed=%d rewritten=%d merged=%d files deleted=%d cleanup failures=%d\n",
		after.ChunksRemoved, after.ChunksRewritten, after.ChunksMerged, after.FilesDeleted, after.CleanupFailures)
}

func statsCmd(args []string) {
	flags := flag.NewFlagSet("stats", flag.ExitOnError)
	dir, level := openFlags(flags)
	chunks := flags.Bool("chunks", false, "include the chunk list")
	flags.Parse(args)

	store := openStore(flags, *dir, *level)
	defer store.Close()

	out := map[string]interface{}{"stats": store.Stats()}
	if *chunks {
		out["chunks"] = store.Chunks()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("stats: %v", err)
	}
}
