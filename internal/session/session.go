// Package session manages voice-session lifecycle: an in-memory cache in
// front of an optional durable record, TTL-based expiry with a periodic
// sweep, and a token-budgeted conversation window for prompting.
//
// All exported types are safe for concurrent use.
package session

import (
	"errors"
	"time"

	"github.com/attunevoice/attune/pkg/llm"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusExpired   Status = "expired"
)

var (
	// ErrNotFound is returned when no session exists for an id.
	ErrNotFound = errors.New("session: not found")

	// ErrExpired is returned for sessions past their expiration.
	ErrExpired = errors.New("session: expired")
)

// Context is the session's conversation state. History grows append-only
// within the session's lifetime.
type Context struct {
	History     []llm.Message     `json:"history"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// Session is one end-user voice session.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Status    Status    `json:"status"`
	Context   Context   `json:"context"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiration at t.
func (s *Session) Expired(t time.Time) bool {
	return !s.ExpiresAt.IsZero() && !t.Before(s.ExpiresAt)
}

// clone returns an independent copy safe to hand to callers.
func (s *Session) clone() *Session {
	out := *s
	out.Context.History = append([]llm.Message(nil), s.Context.History...)
	if s.Context.Preferences != nil {
		prefs := make(map[string]string, len(s.Context.Preferences))
		for k, v := range s.Context.Preferences {
			prefs[k] = v
		}
		out.Context.Preferences = prefs
	}
	return &out
}
