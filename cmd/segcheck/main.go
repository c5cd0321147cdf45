package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/CVDpl/go-live-logkv/internal/encoding"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/segment"
)

type report struct {
	File    string `json:"file"`
	Kind    string `json:"kind"`
	Size    int64  `json:"size"`
	Tuples  int    `json:"tuples"`
	Keys    int    `json:"keys"`
	Torn    int    `json:"tornBytes,omitempty"`
	Stale   bool   `json:"stale,omitempty"`
	Blake3  string `json:"blake3,omitempty"` // payload digest
	Problem string `json:"problem,omitempty"`
}

func checkFile(fi segment.FileInfo) report {
	r := report{File: fi.Name(), Kind: fi.Kind.String()}

	data, err := os.ReadFile(fi.Path)
	if err != nil {
		r.Problem = err.Error()
		return r
	}
	r.Size = int64(len(data))

	payload := data
	switch fi.Kind {
	case segment.KindTemp:
		r.Problem = "temporary file left by an interrupted rewrite"
		return r
	case segment.KindCompact:
		if payload, err = encoding.StripCompactHeader(data); err != nil {
			r.Problem = err.Error()
			return r
		}
	case segment.KindLog:
		valid, err := encoding.ValidPrefix(data)
		if err != nil {
			r.Problem = fmt.Sprintf("%v (whole tuples end at offset %d)", err, valid)
			return r
		}
		if valid < len(data) {
			r.Torn = len(data) - valid
			payload = data[:valid]
		}
	}
	r.Blake3 = segment.PayloadDigest(payload).String()

	tuples, err := encoding.DecodeChunk(payload)
	if err != nil {
		r.Problem = err.Error()
		return r
	}
	keys := make(map[string]struct{}, len(tuples))
	for _, t := range tuples {
		keys[t.Key] = struct{}{}
	}
	r.Tuples = len(tuples)
	r.Keys = len(keys)
	return r
}

func main() {
	dir := flag.String("dir", "", "data directory")
	asJSON := flag.Bool("json", false, "print one JSON report per file")
	flag.Parse()
	if *dir == "" {
		fmt.Println("-dir is required")
		os.Exit(2)
	}

	entries, err := os.ReadDir(*dir)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	var files []segment.FileInfo
	for _, e := range entries {
		if fi, ok := segment.Parse(*dir, e.Name()); ok && !e.IsDir() {
			files = append(files, fi)
		}
	}
	segment.Sort(files)

	latest := map[string]int{}
	for _, fi := range files {
		if fi.Kind != segment.KindTemp && fi.Version >= latest[fi.Base] {
			latest[fi.Base] = fi.Version
		}
	}

	bad := 0
	enc := json.NewEncoder(os.Stdout)
	for _, fi := range files {
		r := checkFile(fi)
		r.Stale = fi.Kind != segment.KindTemp && fi.Version < latest[fi.Base]
		if r.Problem != "" {
			bad++
		}
		if *asJSON {
			_ = enc.Encode(r)
			continue
		}
		status := "OK"
		if r.Problem != "" {
			status = "BAD: " + r.Problem
		}
		fmt.Printf("%-24s %-7s %6d bytes %5d tuples %5d keys  %s\n", r.File, r.Kind, r.Size, r.Tuples, r.Keys, status)
		if r.Torn > 0 {
			fmt.Printf("  torn tail: %d bytes (cut on next open)\n", r.Torn)
		}
		if r.Stale {
			fmt.Println("  superseded by a newer version (deleted on next open)")
		}
		if r.Blake3 != "" {
			fmt.Printf("  blake3: %s\n", r.Blake3)
		}
	}

	fmt.Fprintf(os.Stderr, "%d files, %d with problems\n", len(files), bad)
	if bad > 0 {
		os.Exit(1)
	}
}
