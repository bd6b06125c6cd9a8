package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/attunevoice/attune/internal/knowledge/refresh"
	"github.com/attunevoice/attune/internal/orchestrator"
	"github.com/attunevoice/attune/internal/session"
)

// ─── middleware and helpers ───

// authed wraps a control-plane handler with bearer-token verification and
// drain rejection. The verified user id travels in the request context.
func (s *Server) authed(h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.isDraining() {
			writeError(w, http.StatusServiceUnavailable, "draining", "server is shutting down")
			return
		}
		token := r.URL.Query().Get("token")
		if hdr := r.Header.Get("Authorization"); hdr != "" {
			token = strings.TrimPrefix(hdr, "Bearer ")
		}
		identity, err := s.deps.Auth.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication failed")
			return
		}
		h(w, r, identity.UserID)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// ownedSession loads a session and enforces ownership; an other user's
// session is indistinguishable from a missing one.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request, userID string) (*session.Session, bool) {
	sess, err := s.deps.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil || sess.UserID != userID {
		writeError(w, http.StatusNotFound, "session_not_found", "session not found")
		return nil, false
	}
	return sess, true
}

// ─── session handlers ───

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		TTLSeconds  int               `json:"ttlSeconds"`
		Preferences map[string]string `json:"preferences"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
			return
		}
	}
	if req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "ttlSeconds must not be negative")
		return
	}

	sess, err := s.deps.Sessions.Create(r.Context(), userID, req.Preferences,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session_create_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId": sess.ID,
		"status":    sess.Status,
		"expiresAt": sess.ExpiresAt,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, userID string) {
	sess, ok := s.ownedSession(w, r, userID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request, userID string) {
	sess, ok := s.ownedSession(w, r, userID)
	if !ok {
		return
	}
	if err := s.deps.Orchestrator.EndSession(r.Context(), sess.ID); err != nil &&
		!errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "session_end_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sess.ID,
		"status":    session.StatusCompleted,
	})
}

// ─── pipeline handlers ───

func (s *Server) handleStartPipeline(w http.ResponseWriter, r *http.Request, userID string) {
	sess, ok := s.ownedSession(w, r, userID)
	if !ok {
		return
	}
	if len(s.deps.Orchestrator.ActiveSnapshots()) >= s.cfg.MaxActivePipelines {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many active pipelines")
		return
	}

	p, err := s.deps.Orchestrator.StartPipeline(r.Context(), sess.ID)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrPipelineActive):
			writeError(w, http.StatusConflict, "pipeline_active",
				"a pipeline is already running for this session")
		case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired):
			writeError(w, http.StatusNotFound, "session_not_found", "session not found")
		default:
			writeError(w, http.StatusInternalServerError, "pipeline_start_failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"pipelineId": p.ID,
		"stage":      p.Stage(),
	})
}

func (s *Server) handlePipelineStatus(w http.ResponseWriter, r *http.Request, userID string) {
	sess, ok := s.ownedSession(w, r, userID)
	if !ok {
		return
	}
	p, ok := s.deps.Orchestrator.Pipeline(sess.ID)
	if !ok {
		writeError(w, http.StatusNotFound, "pipeline_not_found", "no pipeline for this session")
		return
	}
	writeJSON(w, http.StatusOK, p.Snapshot())
}

func (s *Server) handleStopPipeline(w http.ResponseWriter, r *http.Request, userID string) {
	sess, ok := s.ownedSession(w, r, userID)
	if !ok {
		return
	}
	p, ok := s.deps.Orchestrator.Pipeline(sess.ID)
	if !ok || p.Done() {
		writeError(w, http.StatusNotFound, "pipeline_not_found", "no active pipeline for this session")
		return
	}
	p.Interrupt("stopped via api")
	writeJSON(w, http.StatusOK, map[string]any{
		"pipelineId": p.ID,
		"stopped":    true,
	})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request, userID string) {
	sess, ok := s.ownedSession(w, r, userID)
	if !ok {
		return
	}
	interrupted, err := s.deps.Orchestrator.Interrupt(sess.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "pipeline_not_found", "no active pipeline for this session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"interrupted": interrupted,
	})
}

func (s *Server) handleInterruptStats(w http.ResponseWriter, r *http.Request, userID string) {
	sess, ok := s.ownedSession(w, r, userID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.InterruptStats(sess.ID))
}

func (s *Server) handleListPipelines(w http.ResponseWriter, _ *http.Request, _ string) {
	snaps := s.deps.Orchestrator.ActiveSnapshots()
	if snaps == nil {
		snaps = []orchestrator.Status{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pipelines": snaps,
		"count":     len(snaps),
	})
}

// ─── observability handlers ───

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, s.deps.Latency.Report())
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, _ *http.Request, _ string) {
	resp := map[string]any{
		"breakers": s.deps.Orchestrator.BreakerStates(),
	}
	if s.deps.Providers != nil {
		resp["providers"] = s.deps.Providers.Health()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefreshStatus(w http.ResponseWriter, _ *http.Request, _ string) {
	if s.deps.Refresh == nil {
		writeError(w, http.StatusNotFound, "refresh_disabled", "knowledge refresh is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Refresh.Status())
}

func (s *Server) handleTriggerRefresh(w http.ResponseWriter, r *http.Request, _ string) {
	if s.deps.Refresh == nil {
		writeError(w, http.StatusNotFound, "refresh_disabled", "knowledge refresh is not configured")
		return
	}
	if err := s.deps.Refresh.Trigger(r.Context()); err != nil {
		if errors.Is(err, refresh.ErrRefreshInProgress) {
			writeError(w, http.StatusConflict, "refresh_in_progress", "a refresh run is already in flight")
			return
		}
		writeError(w, http.StatusInternalServerError, "refresh_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"started": true,
	})
}

func (s *Server) handleRefreshHistory(w http.ResponseWriter, _ *http.Request, _ string) {
	if s.deps.Refresh == nil {
		writeError(w, http.StatusNotFound, "refresh_disabled", "knowledge refresh is not configured")
		return
	}
	history := s.deps.Refresh.History()
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  history,
		"count": len(history),
	})
}
