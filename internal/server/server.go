// Package server is the HTTP surface of the usage-metered companion backend.
//
// DESIGN: Request flow for a metered turn:
//   - middleware:      bearer token -> user ID, request ID, access log
//   - quota.Reserve(): atomic check-and-increment, deny with 429
//   - usage service:   transaction init, per-sub-call accounting
//   - llm client:      emotion analysis + response generation
//
// Accounting failures are logged and swallowed on this path: the user gets
// their reply even when the ledger write fails. Quota denials are the only
// accounting-driven refusals.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/config"
	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/llm"
	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/quota"
	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/usage"
)

// Server wires the quota gate, usage service, and provider client behind the
// HTTP API.
type Server struct {
	cfg       config.ServerConfig
	providers config.ProvidersConfig

	usage *usage.Service
	gate  *quota.Gate
	llm   *llm.Client
	hub   *Hub

	httpSrv   *http.Server
	startTime time.Time

	requests  atomic.Int64
	denials   atomic.Int64
	turnsDone atomic.Int64
}

// New creates the HTTP server. All collaborators are injected; the server
// owns only the listener and the live event hub.
func New(cfg *config.Config, svc *usage.Service, gate *quota.Gate, client *llm.Client) *Server {
	s := &Server{
		cfg:       cfg.Server,
		providers: cfg.Providers,
		usage:     svc,
		gate:      gate,
		llm:       client,
		hub:       NewHub(),
		startTime: time.Now(),
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}
	return s
}

// Handler returns the routed handler (exported for httptest).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.requireAuth(s.handleChat))
	mux.HandleFunc("POST /v1/journal", s.requireAuth(s.handleJournal))
	mux.HandleFunc("GET /v1/usage", s.requireAuth(s.handleUsage))
	mux.HandleFunc("GET /v1/history", s.requireAuth(s.handleHistory))
	mux.HandleFunc("POST /v1/transactions/{id}/complete", s.requireAuth(s.handleComplete))
	mux.HandleFunc("GET /v1/usage/stream", s.requireAuth(s.handleStream))

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /stats", s.handleStats)

	return s.withAccessLog(mux)
}

// Start runs the listener until Shutdown. Blocks.
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.Addr).Msg("server: listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes the event hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpSrv.Shutdown(ctx)
}

// =============================================================================
// Response helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": msg},
	})
}

// isLoopback reports whether remoteAddr is a loopback address.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
