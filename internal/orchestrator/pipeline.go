package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/attunevoice/attune/internal/asrpool"
	"github.com/attunevoice/attune/internal/knowledge/citations"
	"github.com/attunevoice/attune/internal/knowledge/pgstore"
	"github.com/attunevoice/attune/internal/latency"
	"github.com/attunevoice/attune/internal/resilience"
	"github.com/attunevoice/attune/internal/session"
	"github.com/attunevoice/attune/internal/vadgate"
	"github.com/attunevoice/attune/pkg/asr"
	"github.com/attunevoice/attune/pkg/llm"
)

// Stage is the pipeline's coarse progress indicator.
type Stage string

const (
	StageIdle          Stage = "idle"
	StageAudioCapture  Stage = "audio_capture"
	StageASRProcessing Stage = "asr_processing"
	StageRAGRetrieval  Stage = "rag_retrieval"
	StageLLMProcessing Stage = "llm_processing"
	StageTTSSynthesis  Stage = "tts_synthesis"
	StageAudioPlayback Stage = "audio_playback"
	StageCompleted     Stage = "completed"
	StageInterrupted   Stage = "interrupted"
	StageError         Stage = "error"
)

// Terminal reports whether the stage ends the pipeline.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageInterrupted || s == StageError
}

// OutputType discriminates pipeline outputs.
type OutputType string

const (
	// OutputTranscript carries a partial or final transcript.
	OutputTranscript OutputType = "transcript"

	// OutputToken carries one streamed LLM token.
	OutputToken OutputType = "token"

	// OutputAudio carries one chunk of synthesized PCM audio.
	OutputAudio OutputType = "audio"

	// OutputComplete is the terminal output of a successful pipeline: the
	// full response with citation markers and the grounding verdict.
	OutputComplete OutputType = "complete"

	// OutputInterrupted is the terminal output after a barge-in.
	OutputInterrupted OutputType = "interrupted"

	// OutputError is the terminal output of a failed pipeline.
	OutputError OutputType = "error"
)

// Output is one item on a pipeline's egress stream.
type Output struct {
	Type      OutputType
	Text      string
	IsFinal   bool
	Audio     []byte
	Citations []citations.Citation
	Grounding *citations.GroundingReport
	Err       error
}

// Status is a point-in-time snapshot of a pipeline.
type Status struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"session_id"`
	Stage              Stage     `json:"stage"`
	StartedAt          time.Time `json:"started_at"`
	PartialTranscripts int       `json:"partial_transcripts"`
	Tokens             int       `json:"tokens"`
	AudioChunks        int       `json:"audio_chunks"`
	Interrupted        bool      `json:"interrupted"`
}

// Private tracker mark labels for boundaries that are not stages themselves.
const (
	markAudioIngress latency.Stage = "mark_audio_ingress"
	markUtterance    latency.Stage = "mark_utterance_final"
	markFirstToken   latency.Stage = "mark_first_token"
	markTTSAudio     latency.Stage = "mark_tts_audio"
)

// Pipeline runs one utterance-response cycle. Audio goes in through
// PushAudio, everything else comes out of Outputs. The outputs channel is
// closed after the terminal output.
//
// Delivery is lossless and ordered for final transcripts, LLM tokens, and the
// terminal output. Partial transcripts and synthesized audio are lossy: when
// the consumer lags, the oldest queued lossy output is dropped rather than
// stalling synthesis. Lossless outputs are never evicted.
type Pipeline struct {
	ID        string
	SessionID string

	o       *Orchestrator
	log     *slog.Logger
	tracker *latency.Tracker
	gate    *vadgate.Gate

	ctx    context.Context
	cancel context.CancelFunc

	audioIn chan []byte
	egr     *egressQueue
	outputs chan Output
	done    chan struct{}

	inMu     sync.RWMutex
	inClosed bool

	releaseOnce   sync.Once
	interruptOnce sync.Once

	startedAt time.Time

	mu          sync.Mutex
	stage       Stage
	interrupted bool
	partials    int
	tokens      int
	audioChunks int
	confSum     float64
	confCount   int
}

func (o *Orchestrator) newPipeline(sessionID string) *Pipeline {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		ID:        id,
		SessionID: sessionID,
		o:         o,
		log:       o.log.With("pipeline_id", id, "session_id", sessionID),
		tracker:   o.latency.StartPipeline(id),
		gate:      vadgate.NewGate(o.cfg.Gate),
		ctx:       ctx,
		cancel:    cancel,
		audioIn:   make(chan []byte, o.cfg.AudioBuffer),
		egr:       newEgressQueue(o.cfg.OutputBuffer),
		outputs:   make(chan Output, o.cfg.OutputBuffer),
		done:      make(chan struct{}),
		startedAt: time.Now(),
		stage:     StageIdle,
	}
}

// Outputs returns the egress stream. Closed after the terminal output.
func (p *Pipeline) Outputs() <-chan Output { return p.outputs }

// PushAudio submits one chunk of raw PCM audio. It blocks while the ingress
// buffer is full, propagating backpressure to the caller.
func (p *Pipeline) PushAudio(chunk []byte) error {
	p.inMu.RLock()
	defer p.inMu.RUnlock()
	if p.inClosed {
		return ErrInputClosed
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	select {
	case p.audioIn <- buf:
		return nil
	case <-p.ctx.Done():
		return ErrPipelineDone
	}
}

// EndInput signals that the client finished speaking. The pipeline flushes
// the ASR stream and proceeds to retrieval and generation. Idempotent.
func (p *Pipeline) EndInput() {
	p.inMu.Lock()
	defer p.inMu.Unlock()
	if !p.inClosed {
		p.inClosed = true
		close(p.audioIn)
	}
}

// Interrupt cancels the pipeline. Idempotent; the terminal output will be
// OutputInterrupted.
func (p *Pipeline) Interrupt(reason string) {
	p.interruptOnce.Do(func() {
		p.mu.Lock()
		p.interrupted = true
		p.mu.Unlock()
		p.log.Info("pipeline interrupted", "reason", reason, "stage", string(p.Stage()))
		p.cancel()
	})
}

// Done reports whether the pipeline reached a terminal stage.
func (p *Pipeline) Done() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the pipeline reaches a terminal stage.
func (p *Pipeline) Wait() { <-p.done }

// Stage returns the current coarse stage.
func (p *Pipeline) Stage() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

// Snapshot returns the pipeline's current status.
func (p *Pipeline) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		ID:                 p.ID,
		SessionID:          p.SessionID,
		Stage:              p.stage,
		StartedAt:          p.startedAt,
		PartialTranscripts: p.partials,
		Tokens:             p.tokens,
		AudioChunks:        p.audioChunks,
		Interrupted:        p.interrupted,
	}
}

// ─── execution ───

func (p *Pipeline) run(sess *session.Session) {
	pumpDone := make(chan struct{})
	go p.pump(pumpDone)

	defer close(p.done)
	defer func() {
		p.egr.close()
		<-pumpDone
	}()
	defer p.cancel()

	err := p.execute(sess)
	switch {
	case err == nil:
		p.setStage(StageCompleted)
	case p.wasInterrupted() || errors.Is(err, context.Canceled):
		p.setStage(StageInterrupted)
		p.emit(Output{Type: OutputInterrupted})
		p.log.Info("pipeline ended by interrupt")
	default:
		p.setStage(StageError)
		p.emit(Output{Type: OutputError, Err: err})
		p.log.Error("pipeline failed", "error", err)
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if uerr := p.o.cfg.Sessions.UpdateStatus(sctx, p.SessionID, session.StatusError); uerr != nil {
			p.log.Warn("session status update failed", "error", uerr)
		}
		cancel()
	}
}

func (p *Pipeline) execute(sess *session.Session) error {
	cfg := p.o.cfg
	ctx := p.ctx

	p.setStage(StageAudioCapture)

	// Lease an ASR adapter behind the breaker. There is no fallback tier
	// for speech recognition; an open breaker fails the pipeline.
	var (
		lease  asrpool.Lease
		handle asr.StreamHandle
	)
	err := p.o.asrBreaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		lease, err = cfg.Pool.Acquire(ctx)
		if err != nil {
			return err
		}
		handle, err = lease.Adapter.StartStream(ctx, cfg.Stream)
		if err != nil {
			if rerr := cfg.Pool.Remove(lease.ID, err); rerr != nil {
				p.log.Warn("lease remove failed", "error", rerr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("orchestrator: start asr: %w", err)
	}

	captureErr := p.runCapture(ctx, handle)
	p.releaseASR(lease, captureErr)
	if captureErr != nil {
		return captureErr
	}

	utterance := strings.TrimSpace(cfg.Aggregator.Complete(p.SessionID))
	cfg.Aggregator.Reset(p.SessionID)
	if utterance == "" {
		return errors.New("orchestrator: no speech recognized")
	}
	p.tracker.Mark(markUtterance)

	p.setStage(StageRAGRetrieval)
	var results []pgstore.SearchResult
	if cfg.Retriever != nil {
		rctx, cancel := context.WithTimeout(ctx, cfg.RetrievalTimeout)
		results, err = cfg.Retriever.HybridSearch(rctx, utterance, pgstore.SearchOptions{Limit: cfg.SearchLimit})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Retrieval is best-effort: answer from history alone.
			p.log.Warn("retrieval failed, answering without knowledge context", "error", err)
			results = nil
		}
	}

	p.setStage(StageLLMProcessing)
	responseText, degraded, err := p.runGeneration(ctx, sess, utterance, results)
	if err != nil {
		return err
	}

	final := responseText
	var (
		cites  []citations.Citation
		report *citations.GroundingReport
	)
	// The apology path is exempt from grounding; otherwise every response
	// backed by a retriever carries a verdict, including the fixed
	// ungrounded one when retrieval came back empty.
	if cfg.Retriever != nil && !degraded {
		if len(results) > 0 {
			cites = citations.Build(results)
			final = citations.InjectMarkers(responseText, cites)
		}
		r := citations.ValidateGrounding(responseText, results, cfg.GroundingThreshold)
		report = &r
	}

	// Persist the turn outside the pipeline context so an interrupt racing
	// completion cannot drop it.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	uerr := cfg.Sessions.UpdateContext(hctx, p.SessionID, []llm.Message{
		{Role: "user", Content: utterance},
		{Role: "assistant", Content: final},
	}, nil)
	cancel()
	if uerr != nil {
		p.log.Warn("session history update failed", "error", uerr)
	}

	p.tracker.Complete(context.WithoutCancel(ctx))
	p.emit(Output{
		Type:      OutputComplete,
		Text:      final,
		IsFinal:   true,
		Citations: cites,
		Grounding: report,
	})
	return nil
}

// runCapture streams gated audio into the ASR handle and consumes its
// results until the client ends input or the pipeline is cancelled.
func (p *Pipeline) runCapture(ctx context.Context, handle asr.StreamHandle) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer func() {
			if err := handle.EndStream(); err != nil {
				p.log.Warn("asr stream close failed", "error", err)
			}
		}()
		sentFirst := false
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case chunk, ok := <-p.audioIn:
				if !ok {
					return nil
				}
				if !sentFirst {
					p.tracker.Mark(markAudioIngress)
				}
				voiced := p.gate.Process(chunk)
				if len(voiced) == 0 {
					continue
				}
				if err := handle.SendAudio(voiced); err != nil {
					return fmt.Errorf("orchestrator: send audio: %w", err)
				}
				if !sentFirst {
					sentFirst = true
					p.tracker.MarkSince(gctx, markAudioIngress, latency.StageAudioToASR)
				}
			}
		}
	})

	g.Go(func() error {
		seenResult := false
		for r := range handle.Results() {
			if !seenResult {
				seenResult = true
				p.setStage(StageASRProcessing)
			}
			accepted := p.o.cfg.Aggregator.Add(p.SessionID, r)
			if !accepted {
				continue
			}
			if r.IsFinal {
				p.addConfidence(r.Confidence)
				p.emit(Output{Type: OutputTranscript, Text: r.Text, IsFinal: true})
			} else {
				p.countPartial()
				p.emitLossy(Output{Type: OutputTranscript, Text: r.Text})
			}
		}
		return nil
	})

	return g.Wait()
}

// runGeneration streams the LLM completion while feeding complete sentences
// into TTS synthesis. Returns the full response text and whether the
// response is the degraded apology.
func (p *Pipeline) runGeneration(ctx context.Context, sess *session.Session, utterance string, results []pgstore.SearchResult) (string, bool, error) {
	cfg := p.o.cfg

	req := llm.CompletionRequest{
		SystemPrompt: buildSystemPrompt(cfg.SystemPrompt, results),
		Messages: append(recentHistory(sess, cfg.HistoryLimit),
			llm.Message{Role: "user", Content: utterance}),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}

	g, gctx := errgroup.WithContext(ctx)
	ttsText := make(chan string, 16)

	var (
		full     strings.Builder
		degraded bool
	)

	g.Go(func() error {
		defer close(ttsText)
		feeder := &sentenceFeeder{
			ctx: gctx,
			out: ttsText,
			onFirst: func() {
				p.tracker.MarkSince(gctx, markFirstToken, latency.StageLLMToTTS)
				if cfg.TTS != nil {
					p.setStage(StageTTSSynthesis)
				}
			},
		}

		err := p.o.llmBreaker.Execute(gctx, func(ctx context.Context) error {
			lctx, cancel := context.WithTimeout(ctx, cfg.LLMTimeout)
			defer cancel()
			p.tracker.MarkSince(lctx, markUtterance, latency.StageASRToLLM)

			// Transient failures opening the stream are retried with backoff;
			// lctx keeps the attempts within the stage budget. Once tokens
			// flow, a mid-stream failure is not retried.
			var stream <-chan llm.Chunk
			err := resilience.Retry(lctx, resilience.RetryConfig{}, func(ctx context.Context) error {
				var serr error
				stream, serr = cfg.LLM.StreamCompletion(ctx, req)
				return serr
			})
			if err != nil {
				return err
			}
			for chunk := range stream {
				if chunk.FinishReason == "error" {
					return fmt.Errorf("orchestrator: llm stream: %s", chunk.Text)
				}
				if chunk.Text == "" {
					continue
				}
				p.tracker.FirstToken(lctx)
				p.tracker.Mark(markFirstToken)
				p.countToken()
				full.WriteString(chunk.Text)
				p.emit(Output{Type: OutputToken, Text: chunk.Text})
				feeder.feed(chunk.Text)
			}
			return nil
		})
		if err != nil {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			// Degrade to the fixed apology rather than failing the turn.
			p.log.Warn("llm unavailable, responding with fallback text", "error", err)
			degraded = true
			full.Reset()
			full.WriteString(apologyText)
			p.tracker.FirstToken(gctx)
			p.tracker.Mark(markFirstToken)
			p.emit(Output{Type: OutputToken, Text: apologyText})
			feeder.feed(apologyText)
		}
		feeder.flush()
		return nil
	})

	g.Go(func() error {
		if cfg.TTS == nil {
			for range ttsText {
			}
			return nil
		}
		err := p.o.ttsBreaker.Execute(gctx, func(ctx context.Context) error {
			tctx, cancel := context.WithTimeout(ctx, cfg.TTSTimeout)
			defer cancel()
			// Same acquisition retry as the LLM stage: providers fail before
			// consuming any text, so no fragment is lost across attempts.
			var audio <-chan []byte
			err := resilience.Retry(tctx, resilience.RetryConfig{}, func(ctx context.Context) error {
				var serr error
				audio, serr = cfg.TTS.SynthesizeStream(ctx, ttsText, cfg.Voice)
				return serr
			})
			if err != nil {
				return err
			}
			firstChunk := true
			for chunk := range audio {
				p.countAudio()
				p.emitLossy(Output{Type: OutputAudio, Audio: chunk})
				if firstChunk {
					firstChunk = false
					p.setStage(StageAudioPlayback)
					p.tracker.Mark(markTTSAudio)
					p.tracker.MarkSince(tctx, markTTSAudio, latency.StageTTSToClient)
				}
			}
			return tctx.Err()
		})
		if err != nil && gctx.Err() == nil {
			// Voice degrades to text-only; keep the LLM side unblocked.
			p.log.Warn("tts unavailable, continuing without audio", "error", err)
			for range ttsText {
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return "", false, err
	}
	// A quiet cancellation can end both sub-streams without a reported
	// error; the pipeline must still finish as interrupted.
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	return full.String(), degraded, nil
}

// releaseASR returns the lease exactly once. Cancellation is not a provider
// failure: the adapter goes back healthy. Everything else evicts it.
func (p *Pipeline) releaseASR(lease asrpool.Lease, cause error) {
	p.releaseOnce.Do(func() {
		var err error
		if cause == nil || errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
			err = p.o.cfg.Pool.Release(lease.ID, true, p.avgConfidence())
		} else {
			err = p.o.cfg.Pool.Remove(lease.ID, cause)
		}
		if err != nil {
			p.log.Warn("lease release failed", "error", err)
		}
	})
}

// ─── egress ───

// egressDrainGrace bounds how long a finished pipeline waits for a consumer
// that stopped reading before abandoning its remaining outputs.
const egressDrainGrace = 5 * time.Second

// emit queues out for in-order delivery. Used for final transcripts, LLM
// tokens, and terminal outputs; these are never dropped.
func (p *Pipeline) emit(out Output) {
	p.egr.push(out)
}

// emitLossy queues out for delivery, evicting the oldest queued lossy output
// when the queue is at capacity, or dropping out itself when everything
// queued is lossless. Used for partial transcripts and synthesized audio.
func (p *Pipeline) emitLossy(out Output) {
	if p.egr.pushLossy(out) {
		p.countDrop()
	}
}

// pump forwards queued outputs to the consumer channel in order and closes
// it once the queue is closed and drained. After the pipeline ends, a
// consumer that stops reading gets one shared grace period before the rest
// is abandoned.
func (p *Pipeline) pump(pumpDone chan<- struct{}) {
	defer close(pumpDone)
	defer close(p.outputs)

	var deadline <-chan time.Time
	for {
		out, ok := p.egr.next()
		if !ok {
			return
		}
		if deadline == nil {
			select {
			case p.outputs <- out:
				continue
			case <-p.egr.done:
				timer := time.NewTimer(egressDrainGrace)
				defer timer.Stop()
				deadline = timer.C
			}
		}
		select {
		case p.outputs <- out:
		case <-deadline:
			p.log.Debug("egress abandoned, consumer stopped reading")
			return
		}
	}
}

// egressQueue buffers pipeline outputs between the producing stages and the
// pump. Lossless outputs are always accepted; lossy ones are bounded by the
// configured capacity, with lossless entries exempt from eviction.
type egressQueue struct {
	capacity int
	done     chan struct{}
	kick     chan struct{}

	mu     sync.Mutex
	items  []Output
	closed bool
}

func newEgressQueue(capacity int) *egressQueue {
	return &egressQueue{
		capacity: capacity,
		done:     make(chan struct{}),
		kick:     make(chan struct{}, 1),
	}
}

// lossyOutput reports whether out may be dropped under consumer lag.
func lossyOutput(out Output) bool {
	return out.Type == OutputAudio || (out.Type == OutputTranscript && !out.IsFinal)
}

// push enqueues a lossless output unconditionally.
func (q *egressQueue) push(out Output) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, out)
	}
	q.mu.Unlock()
	q.wake()
}

// pushLossy enqueues a lossy output, making room at capacity by evicting the
// oldest queued lossy item. Reports whether anything was dropped.
func (q *egressQueue) pushLossy(out Output) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.items) >= q.capacity {
		if i := q.oldestLossyLocked(); i >= 0 {
			q.items = append(q.items[:i], q.items[i+1:]...)
		} else {
			// Only lossless outputs queued: the newcomer is the casualty.
			q.mu.Unlock()
			return true
		}
		dropped = true
	}
	q.items = append(q.items, out)
	q.mu.Unlock()
	q.wake()
	return dropped
}

func (q *egressQueue) oldestLossyLocked() int {
	for i := range q.items {
		if lossyOutput(q.items[i]) {
			return i
		}
	}
	return -1
}

// next blocks for the next queued output; ok is false once the queue is
// closed and drained.
func (q *egressQueue) next() (Output, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			out := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return out, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Output{}, false
		}
		<-q.kick
	}
}

// close stops intake; next drains what remains and then reports done.
func (q *egressQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
	q.wake()
}

func (q *egressQueue) wake() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// ─── state helpers ───

func (p *Pipeline) setStage(s Stage) {
	p.mu.Lock()
	if !p.stage.Terminal() {
		p.stage = s
	}
	p.mu.Unlock()
}

func (p *Pipeline) wasInterrupted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupted
}

func (p *Pipeline) countPartial() {
	p.mu.Lock()
	p.partials++
	p.mu.Unlock()
}

func (p *Pipeline) countToken() {
	p.mu.Lock()
	p.tokens++
	p.mu.Unlock()
}

func (p *Pipeline) countAudio() {
	p.mu.Lock()
	p.audioChunks++
	p.mu.Unlock()
}

func (p *Pipeline) countDrop() {
	// Dropped outputs are expected under consumer lag; nothing to track
	// beyond the debug log.
	p.log.Debug("output dropped for lagging consumer")
}

func (p *Pipeline) addConfidence(c float64) {
	if c <= 0 {
		return
	}
	p.mu.Lock()
	p.confSum += c
	p.confCount++
	p.mu.Unlock()
}

// avgConfidence returns the mean final-transcript confidence, or -1 when no
// finals carried one.
func (p *Pipeline) avgConfidence() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.confCount == 0 {
		return -1
	}
	return p.confSum / float64(p.confCount)
}

// ─── prompt assembly ───

// buildSystemPrompt appends retrieved knowledge chunks to the base prompt as
// numbered context blocks matching the citation numbering.
func buildSystemPrompt(base string, results []pgstore.SearchResult) string {
	if len(results) == 0 {
		return base
	}
	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\nUse the following knowledge base context to answer. ")
	sb.WriteString("If the context does not cover the question, say so.\n")
	for i, r := range results {
		fmt.Fprintf(&sb, "\n[%d] %s\n%s\n", i+1, r.Title, r.ChunkText)
	}
	return sb.String()
}

func recentHistory(sess *session.Session, limit int) []llm.Message {
	h := sess.Context.History
	if len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]llm.Message, len(h))
	copy(out, h)
	return out
}

// sentenceFeeder accumulates streamed tokens and forwards complete sentences
// to the synthesis channel.
type sentenceFeeder struct {
	ctx     context.Context
	out     chan<- string
	buf     strings.Builder
	onFirst func()
	sent    bool
}

func (f *sentenceFeeder) feed(text string) {
	for _, r := range text {
		f.buf.WriteRune(r)
		switch r {
		case '.', '!', '?', '\n':
			f.send()
		}
	}
}

func (f *sentenceFeeder) flush() { f.send() }

func (f *sentenceFeeder) send() {
	s := strings.TrimSpace(f.buf.String())
	f.buf.Reset()
	if s == "" {
		return
	}
	if !f.sent {
		f.sent = true
		if f.onFirst != nil {
			f.onFirst()
		}
	}
	select {
	case f.out <- s:
	case <-f.ctx.Done():
	}
}
