// Package orchestrator runs the per-session voice pipeline: audio ingress
// through VAD gating into a pooled ASR stream, transcript aggregation,
// knowledge retrieval, streamed LLM completion, and streamed TTS synthesis,
// with barge-in interruption at any point.
//
// Pipelines are serialized per session: starting a new one while the previous
// is still live fails with [ErrPipelineActive]. Interruption is idempotent
// and always releases the session's ASR adapter back to the pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/attunevoice/attune/internal/asrpool"
	"github.com/attunevoice/attune/internal/knowledge/citations"
	"github.com/attunevoice/attune/internal/knowledge/pgstore"
	"github.com/attunevoice/attune/internal/latency"
	"github.com/attunevoice/attune/internal/resilience"
	"github.com/attunevoice/attune/internal/session"
	"github.com/attunevoice/attune/internal/transcript"
	"github.com/attunevoice/attune/internal/vadgate"
	"github.com/attunevoice/attune/pkg/asr"
	"github.com/attunevoice/attune/pkg/llm"
	"github.com/attunevoice/attune/pkg/tts"
)

var (
	// ErrPipelineActive is returned by StartPipeline while the session's
	// previous pipeline has not reached a terminal stage.
	ErrPipelineActive = errors.New("orchestrator: pipeline already active for session")

	// ErrNoPipeline is returned when a session has no pipeline to act on.
	ErrNoPipeline = errors.New("orchestrator: no pipeline for session")

	// ErrInputClosed is returned by PushAudio after EndInput.
	ErrInputClosed = errors.New("orchestrator: audio input closed")

	// ErrPipelineDone is returned by PushAudio once the pipeline reached a
	// terminal stage.
	ErrPipelineDone = errors.New("orchestrator: pipeline finished")
)

// apologyText is spoken when the LLM tier is unavailable.
const apologyText = "I'm sorry, I'm having trouble answering right now. Please try again in a moment."

// Retriever supplies knowledge-base context for a user utterance.
type Retriever interface {
	HybridSearch(ctx context.Context, query string, opts pgstore.SearchOptions) ([]pgstore.SearchResult, error)
}

// Config wires an Orchestrator's collaborators and budgets.
type Config struct {
	// Pool hands out leased ASR adapters. Required.
	Pool *asrpool.Pool

	// Aggregator assembles partial and final transcripts. Required.
	Aggregator *transcript.Aggregator

	// LLM generates the assistant response. Required.
	LLM llm.Provider

	// Sessions holds conversation state. Required.
	Sessions *session.Store

	// Retriever grounds responses in the knowledge base. nil disables
	// retrieval; responses are then generated from history alone.
	Retriever Retriever

	// TTS synthesizes the response audio. nil yields text-only replies.
	TTS tts.Provider

	// Voice selects the TTS voice.
	Voice tts.Voice

	// Latency records stage timings. nil creates a default monitor.
	Latency *latency.Monitor

	// Interrupts admits barge-in signals. nil creates one with defaults.
	Interrupts *InterruptHandler

	// LLMBreaker, TTSBreaker, and ASRBreaker guard the provider tiers. nil
	// creates each with defaults. The LLM tier degrades to a fixed apology,
	// the TTS tier to a text-only reply; an open ASR breaker fails the
	// pipeline since there is no way to answer unheard speech.
	LLMBreaker *resilience.CircuitBreaker
	TTSBreaker *resilience.CircuitBreaker
	ASRBreaker *resilience.CircuitBreaker

	// Stream configures the ASR streams opened for every pipeline.
	Stream asr.StreamConfig

	// Gate configures the per-pipeline VAD gate.
	Gate vadgate.GateConfig

	// SystemPrompt is the base instruction prepended to every completion.
	SystemPrompt string

	// SearchLimit caps retrieved chunks per utterance. Defaults to 5.
	SearchLimit int

	// GroundingThreshold gates the grounded/ungrounded verdict. Defaults
	// to 0.6.
	GroundingThreshold float64

	// HistoryLimit caps the conversation turns sent to the LLM. Defaults
	// to 20.
	HistoryLimit int

	// MaxTokens and Temperature are passed through to the LLM.
	MaxTokens   int
	Temperature float64

	// RetrievalTimeout bounds the knowledge search. Defaults to 2s.
	RetrievalTimeout time.Duration

	// LLMTimeout bounds the completion stream. Defaults to 30s.
	LLMTimeout time.Duration

	// TTSTimeout bounds synthesis. Defaults to 30s.
	TTSTimeout time.Duration

	// AudioBuffer is the ingress channel capacity in chunks; a full buffer
	// blocks PushAudio, propagating backpressure to the client. Defaults
	// to 64.
	AudioBuffer int

	// OutputBuffer is the egress channel capacity. Defaults to 128.
	OutputBuffer int
}

func (c *Config) applyDefaults() {
	if c.SearchLimit <= 0 {
		c.SearchLimit = 5
	}
	if c.GroundingThreshold <= 0 {
		c.GroundingThreshold = citations.DefaultGroundingThreshold
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	if c.RetrievalTimeout <= 0 {
		c.RetrievalTimeout = 2 * time.Second
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 30 * time.Second
	}
	if c.TTSTimeout <= 0 {
		c.TTSTimeout = 30 * time.Second
	}
	if c.AudioBuffer <= 0 {
		c.AudioBuffer = 64
	}
	if c.OutputBuffer <= 0 {
		c.OutputBuffer = 128
	}
}

// Orchestrator starts, tracks, and interrupts pipelines. Safe for concurrent
// use.
type Orchestrator struct {
	cfg        Config
	log        *slog.Logger
	interrupts *InterruptHandler
	latency    *latency.Monitor

	llmBreaker *resilience.CircuitBreaker
	ttsBreaker *resilience.CircuitBreaker
	asrBreaker *resilience.CircuitBreaker

	mu        sync.Mutex
	pipelines map[string]*Pipeline // most recent pipeline per session ID
	closed    bool
}

// New creates an Orchestrator.
func New(cfg Config, log *slog.Logger) (*Orchestrator, error) {
	cfg.applyDefaults()
	if cfg.Pool == nil {
		return nil, errors.New("orchestrator: Pool is required")
	}
	if cfg.Aggregator == nil {
		return nil, errors.New("orchestrator: Aggregator is required")
	}
	if cfg.LLM == nil {
		return nil, errors.New("orchestrator: LLM is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("orchestrator: Sessions is required")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "orchestrator")

	o := &Orchestrator{
		cfg:        cfg,
		log:        log,
		interrupts: cfg.Interrupts,
		latency:    cfg.Latency,
		llmBreaker: cfg.LLMBreaker,
		ttsBreaker: cfg.TTSBreaker,
		asrBreaker: cfg.ASRBreaker,
		pipelines:  make(map[string]*Pipeline),
	}
	if o.interrupts == nil {
		o.interrupts = NewInterruptHandler(InterruptConfig{}, log)
	}
	if o.latency == nil {
		o.latency = latency.NewMonitor(latency.Config{}, nil, log)
	}
	if o.llmBreaker == nil {
		o.llmBreaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "llm"}, log)
	}
	if o.ttsBreaker == nil {
		o.ttsBreaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "tts"}, log)
	}
	if o.asrBreaker == nil {
		o.asrBreaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "asr"}, log)
	}
	return o, nil
}

// StartPipeline begins one utterance-response cycle for the session. It fails
// with ErrPipelineActive while the previous pipeline is still live; callers
// must wait for its terminal output first.
func (o *Orchestrator) StartPipeline(ctx context.Context, sessionID string) (*Pipeline, error) {
	sess, err := o.cfg.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: start pipeline: %w", err)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, errors.New("orchestrator: closed")
	}
	if prev := o.pipelines[sessionID]; prev != nil && !prev.Done() {
		o.mu.Unlock()
		return nil, ErrPipelineActive
	}
	p := o.newPipeline(sessionID)
	o.pipelines[sessionID] = p
	o.mu.Unlock()

	if err := o.cfg.Sessions.UpdateStatus(ctx, sessionID, session.StatusActive); err != nil {
		o.log.Warn("session status update failed", "session_id", sessionID, "error", err)
	}

	go p.run(sess)
	return p, nil
}

// Pipeline returns the session's most recent pipeline.
func (o *Orchestrator) Pipeline(sessionID string) (*Pipeline, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pipelines[sessionID]
	return p, ok
}

// HandleVAD feeds a client voice-activity signal into barge-in detection and
// interrupts the live pipeline when it qualifies. Reports whether an
// interrupt fired.
func (o *Orchestrator) HandleVAD(sessionID string, energy float64, duration time.Duration) bool {
	p, ok := o.livePipeline(sessionID)
	if !ok {
		return false
	}
	if !o.interrupts.EvaluateVAD(sessionID, energy, duration) {
		return false
	}
	p.Interrupt("barge-in")
	return true
}

// Interrupt handles an explicit client interrupt. It bypasses the VAD energy
// threshold but still honors the per-session cooldown.
func (o *Orchestrator) Interrupt(sessionID string) (bool, error) {
	p, ok := o.livePipeline(sessionID)
	if !ok {
		return false, ErrNoPipeline
	}
	if !o.interrupts.Manual(sessionID) {
		return false, nil
	}
	p.Interrupt("manual")
	return true, nil
}

// InterruptStats returns the session's barge-in counters.
func (o *Orchestrator) InterruptStats(sessionID string) InterruptStats {
	return o.interrupts.Stats(sessionID)
}

// EndSession interrupts any live pipeline and marks the session completed.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	if p, ok := o.livePipeline(sessionID); ok {
		p.Interrupt("session end")
		<-p.done
	}
	o.interrupts.Forget(sessionID)
	o.cfg.Aggregator.Reset(sessionID)

	o.mu.Lock()
	delete(o.pipelines, sessionID)
	o.mu.Unlock()

	if err := o.cfg.Sessions.UpdateStatus(ctx, sessionID, session.StatusCompleted); err != nil {
		return fmt.Errorf("orchestrator: end session: %w", err)
	}
	return nil
}

// ActiveSnapshots returns the status of every non-terminal pipeline.
func (o *Orchestrator) ActiveSnapshots() []Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Status, 0, len(o.pipelines))
	for _, p := range o.pipelines {
		if !p.Done() {
			out = append(out, p.Snapshot())
		}
	}
	return out
}

// BreakerStates reports the provider-tier breaker states for health surfaces.
func (o *Orchestrator) BreakerStates() map[string]string {
	return map[string]string{
		"llm": o.llmBreaker.State().String(),
		"tts": o.ttsBreaker.State().String(),
		"asr": o.asrBreaker.State().String(),
	}
}

// Close interrupts every live pipeline and waits for them to finish.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	o.closed = true
	live := make([]*Pipeline, 0, len(o.pipelines))
	for _, p := range o.pipelines {
		if !p.Done() {
			live = append(live, p)
		}
	}
	o.mu.Unlock()

	for _, p := range live {
		p.Interrupt("shutdown")
	}
	for _, p := range live {
		<-p.done
	}
	return nil
}

func (o *Orchestrator) livePipeline(sessionID string) (*Pipeline, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pipelines[sessionID]
	if !ok || p.Done() {
		return nil, false
	}
	return p, true
}
