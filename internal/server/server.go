// Package server exposes the voice pipeline over the wire: a websocket
// streaming endpoint carrying control frames and binary audio, and a JSON
// control-plane API for session, pipeline, and observability operations.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/attunevoice/attune/internal/asrpool"
	"github.com/attunevoice/attune/internal/auth"
	"github.com/attunevoice/attune/internal/knowledge/refresh"
	"github.com/attunevoice/attune/internal/latency"
	"github.com/attunevoice/attune/internal/orchestrator"
	"github.com/attunevoice/attune/internal/session"
)

// Close codes for the streaming endpoint.
const (
	closeAuthFailure     websocket.StatusCode = 4001
	closeSessionUnknown  websocket.StatusCode = 4004
)

// Config tunes the Server.
type Config struct {
	// HeartbeatInterval is the websocket ping cadence. Defaults to 30s.
	HeartbeatInterval time.Duration

	// MissedHeartbeats is how many unanswered pings terminate the
	// connection. Defaults to 2.
	MissedHeartbeats int

	// ReadLimit caps inbound frame size in bytes. Defaults to 1 MiB.
	ReadLimit int64

	// WriteTimeout bounds each outbound frame write. Defaults to 10s.
	WriteTimeout time.Duration

	// MaxActivePipelines rejects pipeline starts beyond this process-wide
	// cap. Defaults to 64.
	MaxActivePipelines int
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = 2
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxActivePipelines <= 0 {
		c.MaxActivePipelines = 64
	}
}

// Deps are the Server's collaborators. Providers and Refresh are optional;
// their endpoints answer 404 when absent.
type Deps struct {
	Auth         auth.TokenVerifier
	Sessions     *session.Store
	Orchestrator *orchestrator.Orchestrator
	Latency      *latency.Monitor
	Providers    *asrpool.Manager
	Refresh      *refresh.Loop
}

// Server serves the streaming endpoint and the control plane.
type Server struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu       sync.Mutex
	clients  map[*streamClient]struct{}
	draining bool
}

// New creates a Server.
func New(cfg Config, deps Deps, log *slog.Logger) (*Server, error) {
	cfg.applyDefaults()
	if deps.Auth == nil {
		return nil, errors.New("server: Auth is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("server: Sessions is required")
	}
	if deps.Orchestrator == nil {
		return nil, errors.New("server: Orchestrator is required")
	}
	if deps.Latency == nil {
		return nil, errors.New("server: Latency is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		log:     log.With("component", "server"),
		clients: make(map[*streamClient]struct{}),
	}, nil
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", s.handleStream)

	mux.HandleFunc("POST /v1/sessions", s.authed(s.handleCreateSession))
	mux.HandleFunc("GET /v1/sessions/{id}", s.authed(s.handleGetSession))
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.authed(s.handleEndSession))
	mux.HandleFunc("POST /v1/sessions/{id}/pipeline", s.authed(s.handleStartPipeline))
	mux.HandleFunc("GET /v1/sessions/{id}/pipeline", s.authed(s.handlePipelineStatus))
	mux.HandleFunc("DELETE /v1/sessions/{id}/pipeline", s.authed(s.handleStopPipeline))
	mux.HandleFunc("POST /v1/sessions/{id}/interrupt", s.authed(s.handleInterrupt))
	mux.HandleFunc("GET /v1/sessions/{id}/interruptions", s.authed(s.handleInterruptStats))
	mux.HandleFunc("GET /v1/pipelines", s.authed(s.handleListPipelines))
	mux.HandleFunc("GET /v1/latency", s.authed(s.handleLatency))
	mux.HandleFunc("GET /v1/providers/health", s.authed(s.handleProviderHealth))
	mux.HandleFunc("GET /v1/refresh", s.authed(s.handleRefreshStatus))
	mux.HandleFunc("POST /v1/refresh", s.authed(s.handleTriggerRefresh))
	mux.HandleFunc("GET /v1/refresh/history", s.authed(s.handleRefreshHistory))
	return mux
}

// Close drains the server: new work is rejected with 503 and every open
// stream is closed with a going-away code.
func (s *Server) Close() error {
	s.mu.Lock()
	s.draining = true
	open := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
	return nil
}

func (s *Server) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *Server) addClient(c *streamClient) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *streamClient) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}
