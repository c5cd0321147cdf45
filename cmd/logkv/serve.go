package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"

	"github.com/CVDpl/go-live-logkv/pkg/logkv"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/metrics"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/monitoring"
)

func serveCmd(args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := flags.String("config", "", "config yaml (optional)")
	dir := flags.String("dir", "", "data directory (overrides config)")
	addr := flags.String("addr", "", "metrics and pprof address (overrides config)")
	gops := flags.Bool("gops", false, "start the gops agent")
	flags.Parse(args)

	cfg := logkv.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = logkv.LoadConfig(*configPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	if *dir != "" {
		cfg.Dir = *dir
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *gops {
		cfg.Server.Gops = true
	}
	if cfg.Dir == "" {
		flags.Usage()
		os.Exit(2)
	}

	if cfg.Server.Gops {
		if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
			log.Printf("gops: %v", err)
		}
	}

	reg := metrics.NewRegistry()
	opts, err := cfg.Options(reg)
	if err != nil {
		log.Fatalf("serve: %v", err)
	}

	store, err := logkv.Open(cfg.Dir, opts)
	if err != nil {
		log.Fatalf("serve: open %s: %v", cfg.Dir, err)
	}

	if cfg.Server.Addr != "" {
		srv, err := monitoring.StartServer(cfg.Server.Addr, reg.Handler(), opts.Logger)
		if err != nil {
			store.Close()
			log.Fatalf("serve: listen %s: %v", cfg.Server.Addr, err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := monitoring.StopServer(ctx, srv); err != nil {
				opts.Logger.Warn("monitoring server shutdown failed", "error", err)
			}
		}()
	}

	opts.Logger.Info("logkv serving", "dir", cfg.Dir, "version", logkv.Version, "addr", cfg.Server.Addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	opts.Logger.Info("shutting down")
	if err := store.Close(); err != nil {
		opts.Logger.Error("close failed", "error", err)
	}
}
