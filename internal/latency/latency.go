// Package latency measures the voice pipeline against its per-stage budgets.
//
// Every pipeline gets a [Tracker] that timestamps stage boundaries and the
// first LLM token. Samples are kept in bounded buffers shared across
// pipelines; percentile stats and threshold-driven recommendations are
// derived on demand. The service meets its SLA iff p95 of the first-token
// end-to-end latency is at or under the target.
package latency

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Stage identifies one measured pipeline boundary.
type Stage string

const (
	StageAudioToASR    Stage = "audio_to_asr"
	StageASRToLLM      Stage = "asr_to_llm"
	StageLLMFirstToken Stage = "llm_first_token"
	StageLLMToTTS      Stage = "llm_to_tts"
	StageTTSToClient   Stage = "tts_to_client"

	// StageFirstToken is end-to-end: audio ingress to first LLM token.
	StageFirstToken Stage = "first_token"

	// StageFullCycle is end-to-end: audio ingress to last audio byte out.
	StageFullCycle Stage = "full_cycle"
)

// Thresholds are the per-stage alert budgets.
var Thresholds = map[Stage]time.Duration{
	StageAudioToASR:    50 * time.Millisecond,
	StageASRToLLM:      100 * time.Millisecond,
	StageLLMFirstToken: 300 * time.Millisecond,
	StageLLMToTTS:      50 * time.Millisecond,
	StageTTSToClient:   100 * time.Millisecond,
	StageFirstToken:    500 * time.Millisecond,
	StageFullCycle:     2000 * time.Millisecond,
}

// DefaultSampleSize bounds the per-stage sample buffers.
const DefaultSampleSize = 1000

// Mirror receives every recorded sample, e.g. to feed OTel histograms. A nil
// Mirror is allowed.
type Mirror interface {
	RecordStageLatency(ctx context.Context, stage string, d time.Duration)
}

// Config tunes a [Monitor].
type Config struct {
	// SampleSize bounds each stage's sample buffer.
	SampleSize int

	// FirstTokenTarget overrides the first-token SLA budget.
	FirstTokenTarget time.Duration

	// FullCycleTarget overrides the full-cycle budget.
	FullCycleTarget time.Duration
}

func (c *Config) applyDefaults() {
	if c.SampleSize <= 0 {
		c.SampleSize = DefaultSampleSize
	}
	if c.FirstTokenTarget <= 0 {
		c.FirstTokenTarget = Thresholds[StageFirstToken]
	}
	if c.FullCycleTarget <= 0 {
		c.FullCycleTarget = Thresholds[StageFullCycle]
	}
}

// Monitor aggregates latency samples across pipelines. Safe for concurrent
// use.
type Monitor struct {
	cfg    Config
	log    *slog.Logger
	mirror Mirror
	now    func() time.Time

	mu      sync.Mutex
	buffers map[Stage]*sampleBuffer
}

// NewMonitor creates a Monitor. mirror may be nil.
func NewMonitor(cfg Config, mirror Mirror, log *slog.Logger) *Monitor {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		log:     log.With("component", "latency"),
		mirror:  mirror,
		now:     time.Now,
		buffers: make(map[Stage]*sampleBuffer),
	}
}

// Observe records one sample for a stage, mirrors it, and warns on a budget
// breach.
func (m *Monitor) Observe(ctx context.Context, stage Stage, d time.Duration) {
	m.mu.Lock()
	buf := m.buffers[stage]
	if buf == nil {
		buf = newSampleBuffer(m.cfg.SampleSize)
		m.buffers[stage] = buf
	}
	buf.add(d)
	m.mu.Unlock()

	if m.mirror != nil {
		m.mirror.RecordStageLatency(ctx, string(stage), d)
	}
	if budget := m.threshold(stage); budget > 0 && d > budget {
		m.log.Warn("latency budget exceeded",
			"stage", string(stage), "observed", d, "budget", budget)
	}
}

// StartPipeline begins tracking one pipeline's stage boundaries.
func (m *Monitor) StartPipeline(pipelineID string) *Tracker {
	return &Tracker{
		m:          m,
		pipelineID: pipelineID,
		start:      m.now(),
		marks:      make(map[Stage]time.Time),
	}
}

// Stats returns the aggregate statistics for one stage.
func (m *Monitor) Stats(stage Stage) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if buf := m.buffers[stage]; buf != nil {
		return buf.stats()
	}
	return Stats{}
}

// SLAMet reports whether p95 of the end-to-end first-token latency is within
// the target. Vacuously true with no samples.
func (m *Monitor) SLAMet() bool {
	st := m.Stats(StageFirstToken)
	return st.Count == 0 || st.P95 <= m.cfg.FirstTokenTarget
}

func (m *Monitor) threshold(stage Stage) time.Duration {
	switch stage {
	case StageFirstToken:
		return m.cfg.FirstTokenTarget
	case StageFullCycle:
		return m.cfg.FullCycleTarget
	default:
		return Thresholds[stage]
	}
}

// ─── per-pipeline tracker ───

// Tracker timestamps one pipeline's stage boundaries. Safe for concurrent
// use.
type Tracker struct {
	m          *Monitor
	pipelineID string
	start      time.Time

	mu         sync.Mutex
	marks      map[Stage]time.Time
	firstToken time.Time
	completed  bool
}

// PipelineID returns the pipeline this tracker measures.
func (t *Tracker) PipelineID() string { return t.pipelineID }

// Mark timestamps a stage boundary. The first mark per stage wins.
func (t *Tracker) Mark(stage Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.marks[stage]; !ok {
		t.marks[stage] = t.m.now()
	}
}

// MarkSince records the interval from a previous mark to now as a sample for
// stage. Returns false when the from mark was never set.
func (t *Tracker) MarkSince(ctx context.Context, from, stage Stage) bool {
	now := t.m.now()
	t.mu.Lock()
	prev, ok := t.marks[from]
	if ok {
		if _, dup := t.marks[stage]; !dup {
			t.marks[stage] = now
		}
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	t.m.Observe(ctx, stage, now.Sub(prev))
	return true
}

// FirstToken records the first LLM token. Only the first call counts; it
// feeds both the llm_first_token and end-to-end first_token samples.
func (t *Tracker) FirstToken(ctx context.Context) {
	now := t.m.now()
	t.mu.Lock()
	if !t.firstToken.IsZero() {
		t.mu.Unlock()
		return
	}
	t.firstToken = now
	llmStart, hasLLMStart := t.marks[StageASRToLLM]
	t.mu.Unlock()

	t.m.Observe(ctx, StageFirstToken, now.Sub(t.start))
	if hasLLMStart {
		t.m.Observe(ctx, StageLLMFirstToken, now.Sub(llmStart))
	}
}

// Complete records the full-cycle sample. Idempotent.
func (t *Tracker) Complete(ctx context.Context) {
	now := t.m.now()
	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		return
	}
	t.completed = true
	t.mu.Unlock()

	t.m.Observe(ctx, StageFullCycle, now.Sub(t.start))
}

// ─── sample buffer ───

// Stats summarizes one stage's bounded sample set.
type Stats struct {
	Count int
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
}

// sampleBuffer is a fixed-capacity ring of duration samples.
type sampleBuffer struct {
	samples []time.Duration
	next    int
	full    bool
}

func newSampleBuffer(size int) *sampleBuffer {
	return &sampleBuffer{samples: make([]time.Duration, 0, size)}
}

func (b *sampleBuffer) add(d time.Duration) {
	if len(b.samples) < cap(b.samples) {
		b.samples = append(b.samples, d)
		return
	}
	b.full = true
	b.samples[b.next] = d
	b.next = (b.next + 1) % len(b.samples)
}

func (b *sampleBuffer) stats() Stats {
	n := len(b.samples)
	if n == 0 {
		return Stats{}
	}

	sorted := make([]time.Duration, n)
	copy(sorted, b.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return Stats{
		Count: n,
		Mean:  sum / time.Duration(n),
		P50:   percentile(sorted, 50),
		P95:   percentile(sorted, 95),
		P99:   percentile(sorted, 99),
		Max:   sorted[n-1],
	}
}

// percentile uses nearest-rank on an ascending-sorted slice.
func percentile(sorted []time.Duration, p int) time.Duration {
	idx := (p*len(sorted) + 99) / 100 // ceil(p*n/100)
	if idx < 1 {
		idx = 1
	}
	if idx > len(sorted) {
		idx = len(sorted)
	}
	return sorted[idx-1]
}
