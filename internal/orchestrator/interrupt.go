package orchestrator

import (
	"log/slog"
	"sync"
	"time"
)

// Barge-in defaults.
const (
	DefaultVADThreshold = 0.7
	DefaultVADDuration  = 150 * time.Millisecond
	DefaultCooldown     = time.Second
)

// InterruptConfig tunes barge-in detection.
type InterruptConfig struct {
	// VADThreshold is the minimum speech energy for a voice interrupt.
	VADThreshold float64

	// VADDuration is how long the energy must persist.
	VADDuration time.Duration

	// Cooldown is the minimum spacing between interrupts per session. It
	// applies to manual interrupts too, so a double-tapped stop button
	// cannot cancel two pipelines.
	Cooldown time.Duration
}

func (c *InterruptConfig) applyDefaults() {
	if c.VADThreshold <= 0 {
		c.VADThreshold = DefaultVADThreshold
	}
	if c.VADDuration <= 0 {
		c.VADDuration = DefaultVADDuration
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
}

// InterruptStats are per-session barge-in counters.
type InterruptStats struct {
	Total         int       `json:"total"`
	VAD           int       `json:"vad"`
	Manual        int       `json:"manual"`
	Suppressed    int       `json:"suppressed"`
	LastInterrupt time.Time `json:"last_interrupt"`
}

type interruptState struct {
	stats InterruptStats
}

// InterruptHandler decides whether a barge-in signal should cancel the
// session's active pipeline. Safe for concurrent use.
type InterruptHandler struct {
	cfg InterruptConfig
	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*interruptState
}

// NewInterruptHandler creates an InterruptHandler.
func NewInterruptHandler(cfg InterruptConfig, log *slog.Logger) *InterruptHandler {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &InterruptHandler{
		cfg:      cfg,
		log:      log.With("component", "interrupt"),
		now:      time.Now,
		sessions: make(map[string]*interruptState),
	}
}

// EvaluateVAD reports whether a voice-activity signal qualifies as a
// barge-in: energy at or above the threshold, sustained for the configured
// duration, outside the cooldown window.
func (h *InterruptHandler) EvaluateVAD(sessionID string, energy float64, duration time.Duration) bool {
	if energy < h.cfg.VADThreshold || duration < h.cfg.VADDuration {
		return false
	}
	return h.admit(sessionID, false)
}

// Manual reports whether an explicit client interrupt is admitted. It
// bypasses the energy threshold but still honors the cooldown.
func (h *InterruptHandler) Manual(sessionID string) bool {
	return h.admit(sessionID, true)
}

// Stats returns the session's interrupt counters.
func (h *InterruptHandler) Stats(sessionID string) InterruptStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.sessions[sessionID]; ok {
		return st.stats
	}
	return InterruptStats{}
}

// Forget drops a session's counters.
func (h *InterruptHandler) Forget(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}

func (h *InterruptHandler) admit(sessionID string, manual bool) bool {
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.sessions[sessionID]
	if !ok {
		st = &interruptState{}
		h.sessions[sessionID] = st
	}

	if !st.stats.LastInterrupt.IsZero() && now.Sub(st.stats.LastInterrupt) < h.cfg.Cooldown {
		st.stats.Suppressed++
		h.log.Debug("interrupt suppressed by cooldown", "session_id", sessionID, "manual", manual)
		return false
	}

	st.stats.Total++
	if manual {
		st.stats.Manual++
	} else {
		st.stats.VAD++
	}
	st.stats.LastInterrupt = now
	return true
}
