// Package api is the HTTP surface of the listener: the LiveKit token endpoint
// used by browser participants, health and metrics endpoints, the caregiver
// MCP server and the WebSocket audio ingest.
//
// Every route runs behind [observe.Middleware].
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/MrWong99/rememberme/internal/config"
	"github.com/MrWong99/rememberme/internal/health"
	"github.com/MrWong99/rememberme/internal/observe"
	"github.com/MrWong99/rememberme/pkg/audio/livekit"
)

const (
	defaultIdentity = "unknown_user"
	shutdownTimeout = 10 * time.Second
)

// Server owns the HTTP listener and its routes.
type Server struct {
	addr    string
	tls     *config.TLSConfig
	mux     *http.ServeMux
	metrics *observe.Metrics
	routes  []string
}

// Option configures a [Server].
type Option func(*Server)

// WithTLS serves HTTPS with the given certificate and key.
func WithTLS(tls *config.TLSConfig) Option {
	return func(s *Server) { s.tls = tls }
}

// WithMetrics sets the instruments used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth mounts GET /healthz, /readyz and /health.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		h.Register(s.mux)
		s.routes = append(s.routes, "/healthz", "/readyz", "/health")
	}
}

// WithTokenEndpoint mounts GET /get_token backed by the LiveKit credentials
// in lk.
func WithTokenEndpoint(lk config.LiveKitConfig) Option {
	return func(s *Server) {
		s.mux.Handle("GET /get_token", TokenHandler(lk))
		s.routes = append(s.routes, "/get_token")
	}
}

// WithMetricsHandler mounts GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.mux.Handle("GET /metrics", h)
		s.routes = append(s.routes, "/metrics")
	}
}

// WithHandler mounts h for every method at path. It is used for the MCP
// endpoint and the WebSocket ingest.
func WithHandler(path string, h http.Handler) Option {
	return func(s *Server) {
		s.mux.Handle(path, h)
		s.routes = append(s.routes, path)
	}
}

// New returns a Server that will listen on addr.
func New(addr string, opts ...Option) *Server {
	s := &Server{addr: addr, mux: http.NewServeMux()}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the routed handler wrapped in the request middleware.
func (s *Server) Handler() http.Handler {
	return observe.Middleware(s.metrics)(s.mux)
}

// Routes returns the mounted paths in registration order.
func (s *Server) Routes() []string { return s.routes }

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api: listening", "addr", ln.Addr().String(), "tls", s.tls != nil, "routes", s.routes)
		if s.tls != nil {
			errCh <- srv.ServeTLS(ln, s.tls.CertFile, s.tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Token endpoint
// ─────────────────────────────────────────────────────────────────────────────

// TokenResponse is the body of a successful /get_token call.
type TokenResponse struct {
	Token string `json:"token"`
	Room  string `json:"room"`
	URL   string `json:"url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// TokenHandler mints a room token for the identity query parameter, which
// defaults to "unknown_user". It answers 500 with an error body when LiveKit
// is not configured.
func TokenHandler(lk config.LiveKitConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !lk.Configured() {
			writeJSON(w, http.StatusInternalServerError, errorResponse{
				Error: "LiveKit server not configured: set livekit.url, livekit.api_key and livekit.api_secret",
			})
			return
		}
		identity := r.URL.Query().Get("identity")
		if identity == "" {
			identity = defaultIdentity
		}

		tok, err := livekit.MintToken(livekit.TokenRequest{
			APIKey:    lk.APIKey,
			APISecret: lk.APISecret,
			Room:      lk.Room,
			Identity:  identity,
			TTL:       lk.TokenTTL,
		})
		if err != nil {
			observe.Logger(r.Context()).Error("api: mint token", "identity", identity, "err", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		observe.Logger(r.Context()).Info("api: token issued", "identity", identity, "room", lk.Room)
		writeJSON(w, http.StatusOK, TokenResponse{Token: tok, Room: lk.Room, URL: lk.URL})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
