// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

// Package health serves the liveness check and Prometheus metrics.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhaopengme/threadclaw/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

// Stats reports the fetch scheduler's load.
type Stats interface {
	QueueLen() int
	CachedLen() int
}

type Response struct {
	Status  string `json:"status"`
	Queue   int    `json:"queue"`
	Cached  int    `json:"cached"`
	Version string `json:"version,omitempty"`
}

type Server struct {
	addr     string
	stats    Stats
	registry *prometheus.Registry
	version  string
	router   chi.Router
}

func NewServer(addr string, stats Stats, registry *prometheus.Registry, version string) *Server {
	s := &Server{addr: addr, stats: stats, registry: registry, version: version}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", s.handleHealth)
	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	}
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := Response{Status: "ok", Version: s.version}
	if s.stats != nil {
		resp.Queue = s.stats.QueueLen()
		resp.Cached = s.stats.CachedLen()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.DebugCF("health", "Failed to write health response", map[string]any{"error": err.Error()})
	}
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	logger.InfoCF("health", "Health server listening", map[string]any{"addr": ln.Addr().String()})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.InfoC("health", "Health server stopped")
	return nil
}
