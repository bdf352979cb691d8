// Package server exposes the relay over HTTP.
//
// Routes:
//
//	GET /health   {"status":"ok","subscriber_count":N,"producer_connected":bool}
//	GET /latest   latest sample as JSON, 204 before the first
//	GET /metrics  Prometheus exposition (when metrics are enabled)
//	GET /         index.html from the static directory, or a placeholder
//
// A WebSocket upgrade on any path, and any request to /ws, goes to the
// gateway.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/vinayprograms/aquarelay/logging"
	"github.com/vinayprograms/aquarelay/metrics"
	"github.com/vinayprograms/aquarelay/registry"
)

const placeholder = `<!DOCTYPE html>
<html>
<head><title>aquarelay</title></head>
<body>
<h1>aquarelay</h1>
<p>Telemetry relay is running. Connect a WebSocket to <code>/ws</code>.</p>
</body>
</html>
`

// Config holds HTTP settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// StaticDir holds index.html. Empty or missing serves the placeholder.
	StaticDir string

	// ReadHeaderTimeout bounds request header reads.
	// Default: 10 seconds
	ReadHeaderTimeout time.Duration
}

// Health is the /health response body.
type Health struct {
	Status            string `json:"status"`
	SubscriberCount   int    `json:"subscriber_count"`
	ProducerConnected bool   `json:"producer_connected"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics enables /metrics and request instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server is the relay's HTTP front end.
type Server struct {
	config  Config
	reg     *registry.Registry
	gateway http.Handler
	logger  *logging.Logger
	metrics *metrics.Metrics

	router *mux.Router
	http   *http.Server
}

// New builds the router. gateway handles WebSocket upgrades.
func New(cfg Config, reg *registry.Registry, gateway http.Handler, opts ...Option) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}

	s := &Server{
		config:  cfg,
		reg:     reg,
		gateway: gateway,
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = s.routes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.MatcherFunc(isUpgrade).Handler(s.gateway)
	r.Handle("/ws", s.gateway)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/latest", s.handleLatest).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until OnShutdown. A normal shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http listening", map[string]interface{}{"addr": s.config.Addr})
	return s.check(s.http.ListenAndServe())
}

// Serve serves on l until OnShutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("http listening", map[string]interface{}{"addr": l.Addr().String()})
	return s.check(s.http.Serve(l))
}

func (s *Server) check(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// OnShutdown stops the listener and waits for in-flight HTTP requests.
// Hijacked WebSocket connections are not tracked here.
func (s *Server) OnShutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Health{
		Status:            "ok",
		SubscriberCount:   s.reg.ConsumerCount(),
		ProducerConnected: s.reg.HasProducer(),
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	latest := s.reg.Latest()
	if latest == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(latest.Bytes())
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.config.StaticDir != "" {
		index := filepath.Join(s.config.StaticDir, "index.html")
		if info, err := os.Stat(index); err == nil && !info.IsDir() {
			http.ServeFile(w, r, index)
			return
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(placeholder))
}

// instrument records request metrics. Upgrades are skipped: their
// duration is the connection's lifetime.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil || websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		s.metrics.RecordHTTPRequest(r.Method, path, sw.status, time.Since(start))
	})
}

func isUpgrade(r *http.Request, _ *mux.RouteMatch) bool {
	return websocket.IsWebSocketUpgrade(r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
