// Package gateway hosts the webhook HTTP server and the dispatcher that
// drains the inbound bus into the bot.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/metrics"
	"github.com/nextlevelbuilder/chatbridge/internal/tracing"
)

const shutdownTimeout = 5 * time.Second

// Server serves the channel webhooks plus health and metrics endpoints.
type Server struct {
	cfg      config.GatewayConfig
	channels *channels.Manager
	metrics  *metrics.Metrics
	paths    map[string]string

	httpServer *http.Server
	mux        *http.ServeMux
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMetrics exposes m on /metrics.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithWebhookPath mounts channel name at path instead of "/<name>".
func WithWebhookPath(name, path string) ServerOption {
	return func(s *Server) {
		if path == "" {
			return
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		s.paths[name] = path
	}
}

// NewServer creates a server for the channels registered in mgr.
func NewServer(cfg config.GatewayConfig, mgr *channels.Manager, opts ...ServerOption) *Server {
	s := &Server{
		cfg:      cfg,
		channels: mgr,
		paths:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	for _, name := range s.channels.Names() {
		ch, _ := s.channels.GetChannel(name)
		path := s.webhookPath(name)
		mux.Handle(path, channels.Recover(name, tracing.Middleware(name, ch.Handler())))
		slog.Info("webhook route registered", "channel", name, "path", path)
	}

	s.mux = mux
	return mux
}

func (s *Server) webhookPath(name string) string {
	if p, ok := s.paths[name]; ok {
		return p
	}
	return "/" + name
}

// Start listens on the configured address until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve handles requests on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("gateway shutdown", "error", err)
		}
	}()

	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	channels.WriteJSON(w, map[string]string{"status": "ok"})
}
