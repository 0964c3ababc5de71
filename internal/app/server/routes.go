package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"remedy/internal/domain"
	"remedy/internal/metrics"
	"remedy/internal/remediation"
)

const shutdownTimeout = 10 * time.Second

// Engine is the remediation engine as exposed over HTTP.
type Engine interface {
	GetIPRemediation(ctx context.Context, ip string) string
	ClearCache(ctx context.Context) error
	PruneCache(ctx context.Context) error
	InvalidateScope(ctx context.Context, scope domain.Scope) error
}

// Refresher runs an on-demand decision refresh.
type Refresher interface {
	Trigger(ctx context.Context, reason string) (remediation.RefreshResult, error)
}

type Config struct {
	Port           int
	AdminKeyHash   string
	MaxConnections int
}

type Server struct {
	cfg       Config
	engine    Engine
	refresher Refresher
	metrics   *metrics.Metrics
	logger    *log.Logger
}

func New(cfg Config, engine Engine, refresher Refresher, m *metrics.Metrics, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{cfg: cfg, engine: engine, refresher: refresher, metrics: m, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	admin := requireAdminKey(s.cfg.AdminKeyHash)

	router := http.NewServeMux()
	router.HandleFunc("GET /v1/remediation/{ip}", s.getRemediation)
	router.HandleFunc("GET /version", getVersion)

	router.Handle("POST /v1/refresh", admin(http.HandlerFunc(s.postRefresh)))
	router.Handle("DELETE /v1/cache", admin(http.HandlerFunc(s.deleteCache)))
	router.Handle("DELETE /v1/cache/{scope}", admin(http.HandlerFunc(s.deleteCacheScope)))
	router.Handle("POST /v1/cache/prune", admin(http.HandlerFunc(s.pruneCache)))

	if s.metrics != nil {
		router.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	return router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on :%d: %w", s.cfg.Port, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.cfg.MaxConnections)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	s.logger.Info("Remediation API listening", "type", "SERVER_STARTED", "addr", listener.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}
