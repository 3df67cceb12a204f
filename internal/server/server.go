// Package server is the admin HTTP surface: metrics, cache inspection,
// refresh and save triggers, and named-server management.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sigdns/internal/obs"
	"sigdns/internal/processor"
	"sigdns/internal/query"
	"sigdns/internal/record"
)

const shutdownGrace = 5 * time.Second

type Cache interface {
	Query(ctx context.Context, t record.Type, domain string, ignoreCache bool) (*query.Query, bool, error)
	CacheKeys() []query.Key
	Len() int
	InFlight() int64
	AddNamedServer(address string, udpPort, tcpPort uint16) error
	RemoveNamedServer(address string) bool
	ApplyNamedServers() error
	NamedServers() []processor.NamedServer
}

type Refresher interface {
	ForceRefresh() error
	SaveQueries() error
	Suspend() error
	Resume() error
}

type Server struct {
	addr      string
	logger    *slog.Logger
	cache     Cache
	refresher Refresher
	metrics   *obs.Metrics
	handler   http.Handler

	TotalRequests atomic.Uint64
	ClientErrors  atomic.Uint64
	HandlerErrors atomic.Uint64
}

func New(addr string, logger *slog.Logger, c Cache, r Refresher, m *obs.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:      addr,
		logger:    logger,
		cache:     c,
		refresher: r,
		metrics:   m,
	}
	s.handler = s.count(s.routes())
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	if reg := s.metrics.Registry(); reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /cache/keys", s.handleKeys)
	mux.HandleFunc("GET /query", s.handleQuery)
	mux.HandleFunc("POST /refresh", s.handleRefresh)
	mux.HandleFunc("POST /refresh/suspend", s.handleSuspend)
	mux.HandleFunc("POST /refresh/resume", s.handleResume)
	mux.HandleFunc("POST /save", s.handleSave)
	mux.HandleFunc("GET /servers", s.handleListServers)
	mux.HandleFunc("POST /servers", s.handleAddServer)
	mux.HandleFunc("DELETE /servers", s.handleRemoveServer)
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.TotalRequests.Add(1)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		switch {
		case rec.status >= 500:
			s.HandlerErrors.Add(1)
		case rec.status >= 400:
			s.ClientErrors.Add(1)
		}
	})
}

// Listen opens the configured admin address for Serve.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("admin listen %s: %w", s.addr, err)
	}
	return ln, nil
}

// Serve serves on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	startTime := time.Now()
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("admin server listening", "listen", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.logShutdown(startTime)
	return err
}
