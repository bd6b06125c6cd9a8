// Package asrpool maintains a warm pool of speech-recognition adapters across
// multiple providers and decides, continuously, which provider new work should
// go to.
//
// The Manager tracks per-provider health (error counts in a rolling window,
// confidence and latency EMAs, a bounded word-error-rate history) and performs
// two kinds of failover: health-based, when a provider crosses its error
// threshold, and quality-based, when the active provider's confidence or WER
// degrades while a better-scoring healthy candidate exists. The Pool hands out
// exclusive adapter instances of the currently active provider and keeps the
// instance count within configured bounds.
package asrpool

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/attunevoice/attune/pkg/asr"
)

// Default manager tuning.
const (
	DefaultErrorThreshold      = 5
	DefaultConfidenceThreshold = 0.7
	DefaultWERThreshold        = 0.15
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultRecoverySuccesses   = 3
	DefaultErrorWindow         = 5 * time.Minute
	DefaultWERHistorySize      = 50

	// emaAlpha is the smoothing factor for the confidence and latency EMAs.
	emaAlpha = 0.3
)

// EventType identifies a provider lifecycle event emitted by the Manager.
type EventType string

const (
	// EventProviderUnhealthy fires when a provider crosses its error threshold.
	EventProviderUnhealthy EventType = "provider:unhealthy"

	// EventProviderRecovered fires when an unhealthy provider becomes usable
	// again.
	EventProviderRecovered EventType = "provider:recovered"

	// EventProviderSwitched fires when the active provider changes.
	EventProviderSwitched EventType = "provider:switched"
)

// Event is a provider lifecycle notification.
type Event struct {
	Type EventType

	// Provider is the subject of unhealthy/recovered events.
	Provider string

	// From and To are set for switch events.
	From string
	To   string

	// Reason is "health" or "quality" for switch events.
	Reason string

	Time time.Time
}

// ManagerConfig tunes health tracking and failover.
type ManagerConfig struct {
	// ErrorThreshold is the number of errors inside ErrorWindow that marks a
	// provider unhealthy.
	ErrorThreshold int

	// ConfidenceThreshold is the confidence EMA below which a quality-based
	// switch is considered.
	ConfidenceThreshold float64

	// WERThreshold is the mean WER above which a quality-based switch is
	// considered.
	WERThreshold float64

	// HealthCheckInterval is the period of the background health tick.
	HealthCheckInterval time.Duration

	// RecoverySuccesses is the consecutive-success count that recovers an
	// unhealthy provider.
	RecoverySuccesses int

	// ErrorWindow is the rolling window for error counting. Errors older than
	// the window are decayed out on each health tick.
	ErrorWindow time.Duration

	// WERHistorySize bounds the per-provider WER observation buffer.
	WERHistorySize int
}

func (c *ManagerConfig) applyDefaults() {
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = DefaultErrorThreshold
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.WERThreshold <= 0 {
		c.WERThreshold = DefaultWERThreshold
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.RecoverySuccesses <= 0 {
		c.RecoverySuccesses = DefaultRecoverySuccesses
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = DefaultErrorWindow
	}
	if c.WERHistorySize <= 0 {
		c.WERHistorySize = DefaultWERHistorySize
	}
}

// ProviderSpec registers one provider with the manager.
type ProviderSpec struct {
	// Name must be unique across registered providers.
	Name string

	// Priority orders providers for failover; lower numbers are preferred.
	Priority int

	// Factory constructs a fresh adapter instance for the pool.
	Factory func() (asr.Provider, error)
}

// ProviderHealth is a read-only snapshot of one provider's tracked state.
type ProviderHealth struct {
	Name              string
	Priority          int
	Healthy           bool
	SuccessCount      int64
	ErrorCount        int64
	WindowErrors      int
	ConfidenceEMA     float64
	LatencyEMA        time.Duration
	MeanWER           float64
	WERObservations   int
	ConsecutiveOK     int
	LastSuccess       time.Time
	LastError         time.Time
	Score             float64
}

// providerState is the mutable tracked state for one provider.
type providerState struct {
	spec ProviderSpec

	healthy       bool
	successCount  int64
	errorCount    int64
	errorTimes    []time.Time // errors inside the rolling window
	consecutiveOK int
	confEMA       float64
	confSeen      bool
	latencyEMA    time.Duration
	latencySeen   bool
	werHistory    []WERObservation // bounded ring, oldest first
	lastSuccess   time.Time
	lastError     time.Time
}

// Manager tracks provider health and selects the active provider.
//
// All state is guarded by a single mutex whose critical sections contain only
// in-memory bookkeeping.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger
	now func() time.Time

	mu        sync.Mutex
	providers map[string]*providerState
	order     []string // registration order, for stable iteration
	active    string

	events chan Event

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates a Manager over the given provider specs. At least one
// spec is required. The first healthy provider by ascending priority becomes
// active.
func NewManager(specs []ProviderSpec, cfg ManagerConfig, log *slog.Logger) (*Manager, error) {
	if len(specs) == 0 {
		return nil, errors.New("asrpool: at least one provider spec is required")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.applyDefaults()

	m := &Manager{
		cfg:       cfg,
		log:       log.With("component", "asr_manager"),
		now:       time.Now,
		providers: make(map[string]*providerState, len(specs)),
		events:    make(chan Event, 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, spec := range specs {
		if spec.Name == "" || spec.Factory == nil {
			return nil, fmt.Errorf("asrpool: provider spec %q: name and factory are required", spec.Name)
		}
		if _, dup := m.providers[spec.Name]; dup {
			return nil, fmt.Errorf("asrpool: duplicate provider %q", spec.Name)
		}
		m.providers[spec.Name] = &providerState{spec: spec, healthy: true}
		m.order = append(m.order, spec.Name)
	}
	m.active = m.selectByPriorityLocked()

	go m.healthLoop()
	return m, nil
}

// Close stops the background health tick and closes the event channel.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
		close(m.events)
	})
	return nil
}

// Events returns the provider lifecycle event stream. Events are dropped if
// the buffer is full; the channel closes on Close.
func (m *Manager) Events() <-chan Event { return m.events }

// Active returns the name of the currently active provider.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// factoryFor returns the adapter factory for the named provider.
func (m *Manager) factoryFor(name string) (func() (asr.Provider, error), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("asrpool: unknown provider %q", name)
	}
	return ps.spec.Factory, nil
}

// RecordSuccess attributes a successful use of the named provider, updating
// its confidence and latency EMAs and, on each call, re-evaluating whether a
// quality-based switch is warranted. confidence < 0 means "not reported".
func (m *Manager) RecordSuccess(name string, confidence float64, latency time.Duration) {
	m.mu.Lock()
	ps, ok := m.providers[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.now()
	ps.successCount++
	ps.consecutiveOK++
	ps.lastSuccess = now
	if confidence >= 0 {
		if !ps.confSeen {
			ps.confEMA = confidence
			ps.confSeen = true
		} else {
			ps.confEMA = emaAlpha*confidence + (1-emaAlpha)*ps.confEMA
		}
	}
	if latency > 0 {
		if !ps.latencySeen {
			ps.latencyEMA = latency
			ps.latencySeen = true
		} else {
			ps.latencyEMA = time.Duration(emaAlpha*float64(latency) + (1-emaAlpha)*float64(ps.latencyEMA))
		}
	}

	var recovered bool
	if !ps.healthy && ps.consecutiveOK >= m.cfg.RecoverySuccesses {
		ps.healthy = true
		ps.errorTimes = nil
		recovered = true
	}

	events := m.reselectLocked("health")
	if recovered {
		events = append([]Event{{Type: EventProviderRecovered, Provider: name, Time: now}}, events...)
	}
	events = append(events, m.qualitySwitchLocked()...)
	m.mu.Unlock()

	if recovered {
		m.log.Info("provider recovered", "provider", name)
	}
	m.emit(events...)
}

// RecordError attributes a failure to the named provider. Crossing the error
// threshold inside the rolling window marks the provider unhealthy and
// triggers a health-based switch if it was active.
func (m *Manager) RecordError(name string, err error) {
	m.mu.Lock()
	ps, ok := m.providers[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.now()
	ps.errorCount++
	ps.consecutiveOK = 0
	ps.lastError = now
	ps.errorTimes = append(ps.errorTimes, now)
	m.decayErrorsLocked(ps, now)

	var events []Event
	if ps.healthy && len(ps.errorTimes) >= m.cfg.ErrorThreshold {
		ps.healthy = false
		events = append(events, Event{Type: EventProviderUnhealthy, Provider: name, Time: now})
	}
	events = append(events, m.reselectLocked("health")...)
	m.mu.Unlock()

	m.log.Warn("provider error recorded", "provider", name, "error", err)
	m.emit(events...)
}

// RecordReference scores a hypothesis produced by the named provider against
// a canonical reference transcript. WER is only ever recorded through this
// path, so observations without a reference never pollute the history.
func (m *Manager) RecordReference(name, reference, hypothesis string) WERObservation {
	obs := ComputeWER(reference, hypothesis)

	m.mu.Lock()
	ps, ok := m.providers[name]
	if !ok {
		m.mu.Unlock()
		return obs
	}
	ps.werHistory = append(ps.werHistory, obs)
	if len(ps.werHistory) > m.cfg.WERHistorySize {
		ps.werHistory = ps.werHistory[len(ps.werHistory)-m.cfg.WERHistorySize:]
	}
	events := m.qualitySwitchLocked()
	m.mu.Unlock()

	m.emit(events...)
	return obs
}

// Health returns snapshots for all registered providers in registration order.
func (m *Manager) Health() []ProviderHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ProviderHealth, 0, len(m.order))
	for _, name := range m.order {
		ps := m.providers[name]
		out = append(out, ProviderHealth{
			Name:            name,
			Priority:        ps.spec.Priority,
			Healthy:         ps.healthy,
			SuccessCount:    ps.successCount,
			ErrorCount:      ps.errorCount,
			WindowErrors:    len(ps.errorTimes),
			ConfidenceEMA:   ps.confEMA,
			LatencyEMA:      ps.latencyEMA,
			MeanWER:         meanWER(ps.werHistory),
			WERObservations: len(ps.werHistory),
			ConsecutiveOK:   ps.consecutiveOK,
			LastSuccess:     ps.lastSuccess,
			LastError:       ps.lastError,
			Score:           m.scoreLocked(ps),
		})
	}
	return out
}

// ─── internals ───

// healthLoop runs the periodic health tick: decay old errors out of the
// window and recover providers that have been quiet long enough.
func (m *Manager) healthLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.healthTick()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) healthTick() {
	m.mu.Lock()
	now := m.now()
	var events []Event
	for _, name := range m.order {
		ps := m.providers[name]
		m.decayErrorsLocked(ps, now)
		if !ps.healthy && len(ps.errorTimes) == 0 {
			// No error left in the window: the provider has been idle or
			// quiet for the full window and may be retried.
			ps.healthy = true
			events = append(events, Event{Type: EventProviderRecovered, Provider: name, Time: now})
		}
	}
	events = append(events, m.reselectLocked("health")...)
	m.mu.Unlock()

	m.emit(events...)
}

// decayErrorsLocked drops error timestamps older than the rolling window.
func (m *Manager) decayErrorsLocked(ps *providerState, now time.Time) {
	cutoff := now.Add(-m.cfg.ErrorWindow)
	i := 0
	for i < len(ps.errorTimes) && ps.errorTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		ps.errorTimes = append(ps.errorTimes[:0], ps.errorTimes[i:]...)
	}
}

// selectByPriorityLocked returns the best healthy provider by ascending
// priority, or the overall best-priority provider if none is healthy.
func (m *Manager) selectByPriorityLocked() string {
	names := make([]string, len(m.order))
	copy(names, m.order)
	sort.SliceStable(names, func(i, j int) bool {
		return m.providers[names[i]].spec.Priority < m.providers[names[j]].spec.Priority
	})
	for _, name := range names {
		if m.providers[name].healthy {
			return name
		}
	}
	return names[0]
}

// reselectLocked recomputes the priority-based active provider and returns a
// switch event if it changed. Health-based switches preempt quality-based
// ones, so this runs before qualitySwitchLocked everywhere.
func (m *Manager) reselectLocked(reason string) []Event {
	next := m.selectByPriorityLocked()
	if next == m.active {
		return nil
	}
	prev := m.active
	m.active = next
	m.log.Info("active provider switched", "from", prev, "to", next, "reason", reason)
	return []Event{{
		Type:   EventProviderSwitched,
		From:   prev,
		To:     next,
		Reason: reason,
		Time:   m.now(),
	}}
}

// qualitySwitchLocked switches away from a degraded but healthy active
// provider when a strictly better-scoring healthy candidate exists.
func (m *Manager) qualitySwitchLocked() []Event {
	act, ok := m.providers[m.active]
	if !ok || !act.healthy {
		return nil
	}

	degraded := (act.confSeen && act.confEMA < m.cfg.ConfidenceThreshold) ||
		(len(act.werHistory) > 0 && meanWER(act.werHistory) > m.cfg.WERThreshold)
	if !degraded {
		return nil
	}

	actScore := m.scoreLocked(act)
	best := m.active
	bestScore := actScore
	for _, name := range m.order {
		if name == m.active {
			continue
		}
		ps := m.providers[name]
		if !ps.healthy {
			continue
		}
		if s := m.scoreLocked(ps); s > bestScore {
			best = name
			bestScore = s
		}
	}
	if best == m.active {
		return nil
	}

	prev := m.active
	m.active = best
	m.log.Info("active provider switched", "from", prev, "to", best, "reason", "quality",
		"from_score", actScore, "to_score", bestScore)
	return []Event{{
		Type:   EventProviderSwitched,
		From:   prev,
		To:     best,
		Reason: "quality",
		Time:   m.now(),
	}}
}

// scoreLocked computes the quality score used for candidate comparison.
func (m *Manager) scoreLocked(ps *providerState) float64 {
	return 50*ps.confEMA -
		100*meanWER(ps.werHistory) -
		10*float64(ps.spec.Priority) -
		0.01*float64(ps.latencyEMA.Milliseconds())
}

func meanWER(history []WERObservation) float64 {
	if len(history) == 0 {
		return 0
	}
	var sum float64
	for _, obs := range history {
		sum += obs.WER
	}
	return sum / float64(len(history))
}

// emit delivers events without blocking; a full buffer drops the event.
func (m *Manager) emit(events ...Event) {
	for _, ev := range events {
		select {
		case m.events <- ev:
		default:
			m.log.Warn("event buffer full, dropping event", "type", ev.Type)
		}
	}
}
