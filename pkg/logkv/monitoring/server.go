// Package monitoring serves the debug endpoints of a store process.
package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/CVDpl/go-live-logkv/internal/common"
)

// StartServer serves pprof under /debug/pprof/ and, when metrics is not nil,
// the metrics handler under /metrics. addr may use port 0; the returned
// server's Addr holds the bound address.
func StartServer(addr string, metrics http.Handler, logger common.Logger) (*http.Server, error) {
	logger = common.OrNull(logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Addr:    ln.Addr().String(),
		Handler: mux,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("monitoring server stopped", "addr", srv.Addr, "error", err)
		}
	}()

	logger.Info("monitoring server listening", "addr", srv.Addr)
	return srv, nil
}

// StopServer gracefully shuts down srv. A nil server is a no-op.
func StopServer(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
