// Package transcript aggregates streaming recognition results per session.
//
// Finals are append-only and strictly ordered; partials are a small rolling
// history that is wiped whenever a final arrives. Low-confidence results are
// filtered out before they reach either list.
package transcript

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/attunevoice/attune/pkg/asr"
)

// Defaults for AggregatorConfig.
const (
	DefaultMaxPartials   = 10
	DefaultMinConfidence = 0.5
)

// AggregatorConfig tunes result aggregation.
type AggregatorConfig struct {
	// MaxPartials bounds the per-session partial history; the oldest entry is
	// evicted beyond the cap.
	MaxPartials int

	// MinConfidence drops results scored below it. Results with unreported
	// confidence (zero) pass through.
	MinConfidence float64
}

func (c *AggregatorConfig) applyDefaults() {
	if c.MaxPartials <= 0 {
		c.MaxPartials = DefaultMaxPartials
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = DefaultMinConfidence
	}
}

// Utterance is one finalized transcript segment.
type Utterance struct {
	Text       string
	Confidence float64
	Provider   string
	Timestamp  time.Time
}

// SessionStats summarizes one session's aggregation state.
type SessionStats struct {
	Finals        int
	Partials      int
	Filtered      int
	WordCount     int
	AvgConfidence float64
}

// sessionState holds one session's transcript.
type sessionState struct {
	finals   []Utterance
	partials []Utterance
	filtered int

	wordCount int
	confSum   float64
	confCount int
}

// Aggregator collects recognition results across sessions. Safe for
// concurrent use.
type Aggregator struct {
	cfg AggregatorConfig
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewAggregator creates an Aggregator.
func NewAggregator(cfg AggregatorConfig, log *slog.Logger) *Aggregator {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		cfg:      cfg,
		log:      log.With("component", "transcript"),
		sessions: make(map[string]*sessionState),
	}
}

// Add routes a recognition result into the session transcript. It reports
// whether the result was accepted (false means it was filtered on
// confidence).
func (a *Aggregator) Add(sessionID string, r asr.Result) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.sessions[sessionID]
	if st == nil {
		st = &sessionState{}
		a.sessions[sessionID] = st
	}

	if r.Confidence > 0 && r.Confidence < a.cfg.MinConfidence {
		st.filtered++
		a.log.Debug("result filtered",
			"session", sessionID, "confidence", r.Confidence, "final", r.IsFinal)
		return false
	}

	u := Utterance{
		Text:       r.Text,
		Confidence: r.Confidence,
		Provider:   r.Provider,
		Timestamp:  r.Timestamp,
	}

	if r.IsFinal {
		st.partials = st.partials[:0]
		st.finals = append(st.finals, u)
		st.wordCount += len(strings.Fields(r.Text))
		if r.Confidence > 0 {
			st.confSum += r.Confidence
			st.confCount++
		}
		return true
	}

	st.partials = append(st.partials, u)
	if len(st.partials) > a.cfg.MaxPartials {
		st.partials = st.partials[len(st.partials)-a.cfg.MaxPartials:]
	}
	return true
}

// Complete returns the joined finalized transcript for the session.
func (a *Aggregator) Complete(sessionID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.sessions[sessionID]
	if st == nil || len(st.finals) == 0 {
		return ""
	}
	parts := make([]string, len(st.finals))
	for i, u := range st.finals {
		parts[i] = u.Text
	}
	return strings.Join(parts, " ")
}

// LatestPartial returns the most recent partial, or ("", false) if there is
// none pending.
func (a *Aggregator) LatestPartial(sessionID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.sessions[sessionID]
	if st == nil || len(st.partials) == 0 {
		return "", false
	}
	return st.partials[len(st.partials)-1].Text, true
}

// Finals returns a copy of the session's finalized utterances in order.
func (a *Aggregator) Finals(sessionID string) []Utterance {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.sessions[sessionID]
	if st == nil {
		return nil
	}
	out := make([]Utterance, len(st.finals))
	copy(out, st.finals)
	return out
}

// Stats returns the session's aggregation counters.
func (a *Aggregator) Stats(sessionID string) SessionStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.sessions[sessionID]
	if st == nil {
		return SessionStats{}
	}
	stats := SessionStats{
		Finals:    len(st.finals),
		Partials:  len(st.partials),
		Filtered:  st.filtered,
		WordCount: st.wordCount,
	}
	if st.confCount > 0 {
		stats.AvgConfidence = st.confSum / float64(st.confCount)
	}
	return stats
}

// Reset discards all state for the session.
func (a *Aggregator) Reset(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
}
