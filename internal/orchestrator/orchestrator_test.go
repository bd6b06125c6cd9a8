package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/attunevoice/attune/internal/asrpool"
	"github.com/attunevoice/attune/internal/knowledge/pgstore"
	"github.com/attunevoice/attune/internal/session"
	"github.com/attunevoice/attune/internal/transcript"
	"github.com/attunevoice/attune/pkg/asr"
	asrmock "github.com/attunevoice/attune/pkg/asr/mock"
	"github.com/attunevoice/attune/pkg/llm"
	llmmock "github.com/attunevoice/attune/pkg/llm/mock"
	"github.com/attunevoice/attune/pkg/tts"
	ttsmock "github.com/attunevoice/attune/pkg/tts/mock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRetriever struct {
	results []pgstore.SearchResult
	err     error

	mu      sync.Mutex
	queries []string
}

func (f *fakeRetriever) HybridSearch(_ context.Context, query string, _ pgstore.SearchOptions) ([]pgstore.SearchResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func (f *fakeRetriever) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.queries))
	copy(out, f.queries)
	return out
}

func kbResults() []pgstore.SearchResult {
	return []pgstore.SearchResult{
		{
			ChunkID: 1, DocumentID: 10,
			ChunkText:  "The budget is 500 milliseconds for the first token end to end.",
			Similarity: 0.91, Title: "Latency Budgets", SourceType: "doc",
		},
		{
			ChunkID: 2, DocumentID: 11,
			ChunkText:  "Full cycle latency must stay under two seconds.",
			Similarity: 0.84, Title: "SLA Reference", SourceType: "doc",
		},
	}
}

type stack struct {
	o     *Orchestrator
	asr   *asrmock.Provider
	store *session.Store
	pool  *asrpool.Pool
	mgr   *asrpool.Manager
}

func newTestStack(t *testing.T, llmP llm.Provider, ttsP tts.Provider, retr Retriever) *stack {
	t.Helper()

	asrProv := &asrmock.Provider{EmitOnAudio: true}
	mgr, err := asrpool.NewManager([]asrpool.ProviderSpec{{
		Name:    "mock",
		Factory: func() (asr.Provider, error) { return asrProv, nil },
	}}, asrpool.ManagerConfig{}, testLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	pool, err := asrpool.NewPool(mgr, asrpool.PoolConfig{}, testLogger())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	store := session.NewStore(nil, session.StoreConfig{TTL: time.Hour, SweepInterval: time.Hour}, testLogger())
	t.Cleanup(store.Close)

	o, err := New(Config{
		Pool:       pool,
		Aggregator: transcript.NewAggregator(transcript.AggregatorConfig{}, testLogger()),
		LLM:        llmP,
		TTS:        ttsP,
		Retriever:  retr,
		Sessions:   store,
		Stream: asr.StreamConfig{
			LanguageCode: "en-US",
			SampleRate:   16000,
			Encoding:     asr.EncodingLinear16,
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { o.Close() })

	return &stack{o: o, asr: asrProv, store: store, pool: pool, mgr: mgr}
}

func (s *stack) newSession(t *testing.T) string {
	t.Helper()
	sess, err := s.store.Create(context.Background(), "user1", nil, 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return sess.ID
}

// collectOutputs drains the pipeline's egress until it closes.
func collectOutputs(t *testing.T, p *Pipeline) []Output {
	t.Helper()
	var out []Output
	timeout := time.After(5 * time.Second)
	for {
		select {
		case o, ok := <-p.Outputs():
			if !ok {
				return out
			}
			out = append(out, o)
		case <-timeout:
			t.Fatalf("timed out waiting for pipeline outputs; got %d so far", len(out))
		}
	}
}

func outputsOfType(outs []Output, typ OutputType) []Output {
	var filtered []Output
	for _, o := range outs {
		if o.Type == typ {
			filtered = append(filtered, o)
		}
	}
	return filtered
}

// flakyLLM fails the first failures stream openings, then delegates to the
// inner provider.
type flakyLLM struct {
	inner    *llmmock.Provider
	failures int

	mu    sync.Mutex
	calls int
}

func (f *flakyLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, errors.New("upstream connection reset")
	}
	return f.inner.StreamCompletion(ctx, req)
}

func (f *flakyLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return f.inner.Complete(ctx, req)
}

func (f *flakyLLM) CountTokens(messages []llm.Message) (int, error) {
	return f.inner.CountTokens(messages)
}

func (f *flakyLLM) ModelID() string { return f.inner.ModelID() }

func (f *flakyLLM) streamCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// flakyTTS fails the first failures synthesis openings, then delegates.
type flakyTTS struct {
	inner    *ttsmock.Provider
	failures int

	mu    sync.Mutex
	calls int
}

func (f *flakyTTS) SynthesizeStream(ctx context.Context, text <-chan string, v tts.Voice) (<-chan []byte, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, errors.New("synthesis backend reset")
	}
	return f.inner.SynthesizeStream(ctx, text, v)
}

func (f *flakyTTS) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return f.inner.ListVoices(ctx)
}

func (f *flakyTTS) Encoding() string { return f.inner.Encoding() }

func TestPipelineHappyPath(t *testing.T) {
	t.Parallel()

	retr := &fakeRetriever{results: kbResults()}
	s := newTestStack(t,
		&llmmock.Provider{Chunks: []string{"The budget is ", "500 milliseconds."}},
		&ttsmock.Provider{},
		retr)
	sessionID := s.newSession(t)

	s.asr.Script(
		asr.Result{Text: "what is the", IsFinal: false, Confidence: 0.8},
		asr.Result{Text: "what is the first token budget", IsFinal: true, Confidence: 0.92},
	)

	p, err := s.o.StartPipeline(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("StartPipeline() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := p.PushAudio(make([]byte, 640)); err != nil {
			t.Fatalf("PushAudio() error = %v", err)
		}
	}
	p.EndInput()

	outs := collectOutputs(t, p)

	finals := outputsOfType(outs, OutputTranscript)
	var sawFinal bool
	for _, o := range finals {
		if o.IsFinal && o.Text == "what is the first token budget" {
			sawFinal = true
		}
	}
	if !sawFinal {
		t.Error("missing final transcript output")
	}

	tokens := outputsOfType(outs, OutputToken)
	if len(tokens) != 2 || tokens[0].Text != "The budget is " || tokens[1].Text != "500 milliseconds." {
		t.Errorf("token outputs = %+v, want the two scripted chunks in order", tokens)
	}

	if audio := outputsOfType(outs, OutputAudio); len(audio) == 0 {
		t.Error("no audio outputs despite working synthesis")
	}

	last := outs[len(outs)-1]
	if last.Type != OutputComplete || !last.IsFinal {
		t.Fatalf("last output = %+v, want complete", last)
	}
	if !strings.Contains(last.Text, "The budget is 500 milliseconds") {
		t.Errorf("complete text = %q, want full response", last.Text)
	}
	if !strings.Contains(last.Text, "[1]") {
		t.Errorf("complete text = %q, want citation marker", last.Text)
	}
	if len(last.Citations) != 2 {
		t.Errorf("len(Citations) = %d, want 2", len(last.Citations))
	}
	if last.Grounding == nil {
		t.Error("Grounding = nil, want a report")
	}

	if got := p.Snapshot(); got.Stage != StageCompleted || got.Tokens != 2 {
		t.Errorf("Snapshot() = %+v, want completed with 2 tokens", got)
	}

	if q := retr.seen(); len(q) != 1 || q[0] != "what is the first token budget" {
		t.Errorf("retriever queries = %v, want the final utterance", q)
	}

	sess, err := s.store.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(sess.Context.History) != 2 || sess.Context.History[0].Role != "user" {
		t.Errorf("session history = %+v, want user+assistant turn", sess.Context.History)
	}
}

func TestPipelineSerializedPerSession(t *testing.T) {
	t.Parallel()

	s := newTestStack(t, &llmmock.Provider{Chunks: []string{"ok."}}, nil, nil)
	sessionID := s.newSession(t)

	p, err := s.o.StartPipeline(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("StartPipeline() error = %v", err)
	}

	if _, err := s.o.StartPipeline(context.Background(), sessionID); !errors.Is(err, ErrPipelineActive) {
		t.Errorf("second StartPipeline() error = %v, want ErrPipelineActive", err)
	}

	p.Interrupt("test")
	collectOutputs(t, p)
	p.Wait()

	s.asr.Script(asr.Result{Text: "hello again", IsFinal: true, Confidence: 0.9})
	p2, err := s.o.StartPipeline(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("StartPipeline() after terminal error = %v", err)
	}
	p2.PushAudio(make([]byte, 640))
	p2.EndInput()
	outs := collectOutputs(t, p2)
	if outs[len(outs)-1].Type != OutputComplete {
		t.Errorf("second pipeline last output = %+v, want complete", outs[len(outs)-1])
	}
}

func TestPipelineManualInterrupt(t *testing.T) {
	t.Parallel()

	s := newTestStack(t, &llmmock.Provider{
		Chunks:     []string{"one ", "two ", "three ", "four ", "five ", "six "},
		ChunkDelay: 50 * time.Millisecond,
	}, &ttsmock.Provider{}, nil)
	sessionID := s.newSession(t)

	s.asr.Script(asr.Result{Text: "tell me a story", IsFinal: true, Confidence: 0.9})

	p, err := s.o.StartPipeline(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("StartPipeline() error = %v", err)
	}
	p.PushAudio(make([]byte, 640))
	p.EndInput()

	// Wait for streaming to begin, then barge in.
	var outs []Output
	timeout := time.After(5 * time.Second)
	for {
		select {
		case o, ok := <-p.Outputs():
			if !ok {
				t.Fatal("outputs closed before any token")
			}
			outs = append(outs, o)
		case <-timeout:
			t.Fatal("timed out waiting for first token")
		}
		if len(outputsOfType(outs, OutputToken)) > 0 {
			break
		}
	}

	fired, err := s.o.Interrupt(sessionID)
	if err != nil || !fired {
		t.Fatalf("Interrupt() = %v, %v; want fired", fired, err)
	}

	outs = append(outs, collectOutputs(t, p)...)
	last := outs[len(outs)-1]
	if last.Type != OutputInterrupted {
		t.Errorf("last output = %+v, want interrupted", last)
	}
	if got := p.Snapshot(); got.Stage != StageInterrupted || !got.Interrupted {
		t.Errorf("Snapshot() = %+v, want interrupted", got)
	}
	if st := s.o.InterruptStats(sessionID); st.Manual != 1 {
		t.Errorf("InterruptStats() = %+v, want 1 manual", st)
	}

	// The adapter must have been released healthy despite the interrupt.
	health := s.mgr.Health()
	if len(health) != 1 || health[0].ErrorCount != 0 {
		t.Errorf("provider health = %+v, want no errors recorded", health)
	}
}

func TestHandleVAD(t *testing.T) {
	t.Parallel()

	s := newTestStack(t, &llmmock.Provider{
		Chunks:     []string{"a ", "b ", "c ", "d ", "e ", "f "},
		ChunkDelay: 50 * time.Millisecond,
	}, nil, nil)
	sessionID := s.newSession(t)

	s.asr.Script(asr.Result{Text: "keep talking", IsFinal: true, Confidence: 0.9})

	p, _ := s.o.StartPipeline(context.Background(), sessionID)
	p.PushAudio(make([]byte, 640))
	p.EndInput()

	if s.o.HandleVAD(sessionID, 0.4, 300*time.Millisecond) {
		t.Error("HandleVAD() fired below the energy threshold")
	}
	if s.o.HandleVAD(sessionID, 0.9, 50*time.Millisecond) {
		t.Error("HandleVAD() fired below the duration threshold")
	}
	if !s.o.HandleVAD(sessionID, 0.9, 300*time.Millisecond) {
		t.Error("HandleVAD() = false for qualifying barge-in")
	}

	outs := collectOutputs(t, p)
	if outs[len(outs)-1].Type != OutputInterrupted {
		t.Errorf("last output = %+v, want interrupted", outs[len(outs)-1])
	}
}

func TestPipelineLLMFallbackApology(t *testing.T) {
	t.Parallel()

	retr := &fakeRetriever{results: kbResults()}
	s := newTestStack(t, &llmmock.Provider{Err: errors.New("llm down")}, &ttsmock.Provider{}, retr)
	sessionID := s.newSession(t)

	s.asr.Script(asr.Result{Text: "what is the budget", IsFinal: true, Confidence: 0.9})

	p, _ := s.o.StartPipeline(context.Background(), sessionID)
	p.PushAudio(make([]byte, 640))
	p.EndInput()

	outs := collectOutputs(t, p)
	last := outs[len(outs)-1]
	if last.Type != OutputComplete {
		t.Fatalf("last output = %+v, want complete with fallback text", last)
	}
	if last.Text != apologyText {
		t.Errorf("complete text = %q, want the fixed apology", last.Text)
	}
	if len(last.Citations) != 0 || last.Grounding != nil {
		t.Error("degraded response must not carry citations or grounding")
	}
	// The apology is still spoken.
	if audio := outputsOfType(outs, OutputAudio); len(audio) == 0 {
		t.Error("no audio for fallback response")
	}
}

func TestPipelineTTSFallbackTextOnly(t *testing.T) {
	t.Parallel()

	s := newTestStack(t,
		&llmmock.Provider{Chunks: []string{"Quiet answer."}},
		&ttsmock.Provider{Err: errors.New("tts down")},
		nil)
	sessionID := s.newSession(t)

	s.asr.Script(asr.Result{Text: "say something", IsFinal: true, Confidence: 0.9})

	p, _ := s.o.StartPipeline(context.Background(), sessionID)
	p.PushAudio(make([]byte, 640))
	p.EndInput()

	outs := collectOutputs(t, p)
	if audio := outputsOfType(outs, OutputAudio); len(audio) != 0 {
		t.Errorf("got %d audio outputs from a failed synthesizer", len(audio))
	}
	last := outs[len(outs)-1]
	if last.Type != OutputComplete || last.Text != "Quiet answer." {
		t.Errorf("last output = %+v, want text-only completion", last)
	}
}

func TestPipelineNoSpeech(t *testing.T) {
	t.Parallel()

	s := newTestStack(t, &llmmock.Provider{Chunks: []string{"unused"}}, nil, nil)
	sessionID := s.newSession(t)

	p, _ := s.o.StartPipeline(context.Background(), sessionID)
	p.PushAudio(make([]byte, 640))
	p.EndInput()

	outs := collectOutputs(t, p)
	last := outs[len(outs)-1]
	if last.Type != OutputError || last.Err == nil {
		t.Fatalf("last output = %+v, want error for empty utterance", last)
	}
	if got := p.Snapshot(); got.Stage != StageError {
		t.Errorf("Snapshot().Stage = %v, want error", got.Stage)
	}

	sess, err := s.store.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Status != session.StatusError {
		t.Errorf("session status = %v, want error", sess.Status)
	}
}

func TestPipelineRetrievalFailureDegrades(t *testing.T) {
	t.Parallel()

	retr := &fakeRetriever{err: errors.New("db down")}
	s := newTestStack(t, &llmmock.Provider{Chunks: []string{"From memory."}}, nil, retr)
	sessionID := s.newSession(t)

	s.asr.Script(asr.Result{Text: "what do you know", IsFinal: true, Confidence: 0.9})

	p, _ := s.o.StartPipeline(context.Background(), sessionID)
	p.PushAudio(make([]byte, 640))
	p.EndInput()

	outs := collectOutputs(t, p)
	last := outs[len(outs)-1]
	if last.Type != OutputComplete || last.Text != "From memory." {
		t.Errorf("last output = %+v, want ungrounded completion", last)
	}
	if len(last.Citations) != 0 {
		t.Error("citations present despite failed retrieval")
	}
}

func TestPipelineEmptyRetrievalUngroundedVerdict(t *testing.T) {
	t.Parallel()

	retr := &fakeRetriever{} // retrieval runs and returns nothing
	s := newTestStack(t, &llmmock.Provider{Chunks: []string{"I believe so."}}, nil, retr)
	sessionID := s.newSession(t)

	s.asr.Script(asr.Result{Text: "is the office open today", IsFinal: true, Confidence: 0.9})

	p, _ := s.o.StartPipeline(context.Background(), sessionID)
	p.PushAudio(make([]byte, 640))
	p.EndInput()

	outs := collectOutputs(t, p)
	last := outs[len(outs)-1]
	if last.Type != OutputComplete || last.Text != "I believe so." {
		t.Fatalf("last output = %+v, want unmarked completion", last)
	}
	if len(last.Citations) != 0 {
		t.Errorf("Citations = %+v, want none without sources", last.Citations)
	}
	if last.Grounding == nil {
		t.Fatal("Grounding = nil, want the fixed ungrounded verdict")
	}
	if last.Grounding.IsGrounded || last.Grounding.Confidence != 0 {
		t.Errorf("Grounding = %+v, want ungrounded with zero confidence", last.Grounding)
	}
	if last.Grounding.Recommendation == "" {
		t.Error("Grounding.Recommendation empty, want guidance for the sourceless answer")
	}
}

func TestPipelineRetriesTransientLLMFailure(t *testing.T) {
	t.Parallel()

	llmP := &flakyLLM{inner: &llmmock.Provider{Chunks: []string{"Recovered reply."}}, failures: 2}
	s := newTestStack(t, llmP, nil, nil)
	sessionID := s.newSession(t)

	s.asr.Script(asr.Result{Text: "are you there", IsFinal: true, Confidence: 0.9})

	p, _ := s.o.StartPipeline(context.Background(), sessionID)
	p.PushAudio(make([]byte, 640))
	p.EndInput()

	outs := collectOutputs(t, p)
	last := outs[len(outs)-1]
	if last.Type != OutputComplete || last.Text != "Recovered reply." {
		t.Fatalf("last output = %+v, want the recovered response, not the apology", last)
	}
	if got := llmP.streamCalls(); got != 3 {
		t.Errorf("stream openings = %d, want 2 failures + 1 success", got)
	}
}

func TestPipelineRetriesTransientTTSFailure(t *testing.T) {
	t.Parallel()

	ttsP := &flakyTTS{inner: &ttsmock.Provider{}, failures: 1}
	s := newTestStack(t, &llmmock.Provider{Chunks: []string{"Spoken anyway."}}, ttsP, nil)
	sessionID := s.newSession(t)

	s.asr.Script(asr.Result{Text: "read this aloud", IsFinal: true, Confidence: 0.9})

	p, _ := s.o.StartPipeline(context.Background(), sessionID)
	p.PushAudio(make([]byte, 640))
	p.EndInput()

	outs := collectOutputs(t, p)
	if audio := outputsOfType(outs, OutputAudio); len(audio) == 0 {
		t.Error("no audio outputs despite a recovered synthesizer")
	}
	last := outs[len(outs)-1]
	if last.Type != OutputComplete || last.Text != "Spoken anyway." {
		t.Errorf("last output = %+v, want completion", last)
	}
}

func TestEgressQueueLosslessNeverEvicted(t *testing.T) {
	t.Parallel()

	q := newEgressQueue(4)
	wantTokens := []string{"t0", "t1", "t2", "t3"}
	for _, text := range wantTokens {
		q.push(Output{Type: OutputToken, Text: text})
	}

	// Queue full of lossless outputs: lossy newcomers are dropped and
	// nothing queued is displaced.
	if !q.pushLossy(Output{Type: OutputAudio, Audio: []byte{1}}) {
		t.Error("pushLossy should report a drop when only lossless is queued")
	}
	if !q.pushLossy(Output{Type: OutputTranscript, Text: "partial"}) {
		t.Error("partial transcript should be dropped, not displace tokens")
	}

	q.close()
	for _, want := range wantTokens {
		out, ok := q.next()
		if !ok || out.Type != OutputToken || out.Text != want {
			t.Fatalf("next() = %+v, %v; want token %q", out, ok, want)
		}
	}
	if out, ok := q.next(); ok {
		t.Errorf("next() after drain = %+v, want closed", out)
	}
}

func TestEgressQueueEvictsOldestLossy(t *testing.T) {
	t.Parallel()

	q := newEgressQueue(3)
	q.pushLossy(Output{Type: OutputTranscript, Text: "partial-0"})
	q.push(Output{Type: OutputTranscript, Text: "final", IsFinal: true})
	q.pushLossy(Output{Type: OutputAudio, Audio: []byte{1}})

	// At capacity: the oldest lossy item goes, the final transcript stays.
	if !q.pushLossy(Output{Type: OutputAudio, Audio: []byte{2}}) {
		t.Error("pushLossy at capacity should report the eviction")
	}

	q.close()
	want := []Output{
		{Type: OutputTranscript, Text: "final", IsFinal: true},
		{Type: OutputAudio, Audio: []byte{1}},
		{Type: OutputAudio, Audio: []byte{2}},
	}
	for i, w := range want {
		out, ok := q.next()
		if !ok {
			t.Fatalf("next() closed early at %d", i)
		}
		if out.Type != w.Type || out.Text != w.Text || out.IsFinal != w.IsFinal {
			t.Errorf("next()[%d] = %+v, want %+v", i, out, w)
		}
	}
	if _, ok := q.next(); ok {
		t.Error("queue should be drained")
	}
}

func TestPipelineLosslessSurvivesLaggingConsumer(t *testing.T) {
	t.Parallel()

	asrProv := &asrmock.Provider{EmitOnAudio: true}
	mgr, err := asrpool.NewManager([]asrpool.ProviderSpec{{
		Name:    "mock",
		Factory: func() (asr.Provider, error) { return asrProv, nil },
	}}, asrpool.ManagerConfig{}, testLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	pool, err := asrpool.NewPool(mgr, asrpool.PoolConfig{}, testLogger())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	store := session.NewStore(nil, session.StoreConfig{TTL: time.Hour, SweepInterval: time.Hour}, testLogger())
	t.Cleanup(store.Close)

	o, err := New(Config{
		Pool:       pool,
		Aggregator: transcript.NewAggregator(transcript.AggregatorConfig{}, testLogger()),
		LLM:        &llmmock.Provider{Chunks: []string{"one. ", "two. ", "three. ", "four. "}},
		TTS:        &ttsmock.Provider{},
		Sessions:   store,
		Stream: asr.StreamConfig{
			LanguageCode: "en-US",
			SampleRate:   16000,
			Encoding:     asr.EncodingLinear16,
		},
		OutputBuffer: 2,
	}, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { o.Close() })

	sess, err := store.Create(context.Background(), "user1", nil, 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	asrProv.Script(asr.Result{Text: "count to four", IsFinal: true, Confidence: 0.9})

	p, err := o.StartPipeline(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("StartPipeline() error = %v", err)
	}
	p.PushAudio(make([]byte, 640))
	p.EndInput()

	// Nobody reads the outputs until the pipeline has finished producing.
	deadline := time.After(3 * time.Second)
	for !p.Stage().Terminal() {
		select {
		case <-deadline:
			t.Fatal("pipeline never reached a terminal stage")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	outs := collectOutputs(t, p)

	tokens := outputsOfType(outs, OutputToken)
	if len(tokens) != 4 {
		t.Errorf("tokens = %d, want all 4 despite the tiny buffer", len(tokens))
	}
	var sawFinal bool
	for _, out := range outputsOfType(outs, OutputTranscript) {
		if out.IsFinal && out.Text == "count to four" {
			sawFinal = true
		}
	}
	if !sawFinal {
		t.Error("final transcript was dropped under consumer lag")
	}
	last := outs[len(outs)-1]
	if last.Type != OutputComplete || !last.IsFinal {
		t.Errorf("last output = %+v, want complete", last)
	}
}

func TestPushAudioAfterEndInput(t *testing.T) {
	t.Parallel()

	s := newTestStack(t, &llmmock.Provider{Chunks: []string{"done."}}, nil, nil)
	sessionID := s.newSession(t)

	s.asr.Script(asr.Result{Text: "hi", IsFinal: true, Confidence: 0.9})

	p, _ := s.o.StartPipeline(context.Background(), sessionID)
	p.PushAudio(make([]byte, 640))
	p.EndInput()

	if err := p.PushAudio(make([]byte, 640)); !errors.Is(err, ErrInputClosed) {
		t.Errorf("PushAudio() after EndInput error = %v, want ErrInputClosed", err)
	}
	collectOutputs(t, p)
}

func TestEndSession(t *testing.T) {
	t.Parallel()

	s := newTestStack(t, &llmmock.Provider{Chunks: []string{"bye."}}, nil, nil)
	sessionID := s.newSession(t)

	s.asr.Script(asr.Result{Text: "goodbye", IsFinal: true, Confidence: 0.9})
	p, _ := s.o.StartPipeline(context.Background(), sessionID)
	p.PushAudio(make([]byte, 640))
	p.EndInput()
	collectOutputs(t, p)

	if err := s.o.EndSession(context.Background(), sessionID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if _, ok := s.o.Pipeline(sessionID); ok {
		t.Error("Pipeline() still present after EndSession")
	}
	sess, err := s.store.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Status != session.StatusCompleted {
		t.Errorf("session status = %v, want completed", sess.Status)
	}
}

func TestPipelineHistoryFlowsIntoNextTurn(t *testing.T) {
	t.Parallel()

	llmP := &llmmock.Provider{Chunks: []string{"Turn reply."}}
	s := newTestStack(t, llmP, nil, nil)
	sessionID := s.newSession(t)

	s.asr.Script(asr.Result{Text: "first question", IsFinal: true, Confidence: 0.9})
	p, _ := s.o.StartPipeline(context.Background(), sessionID)
	p.PushAudio(make([]byte, 640))
	p.EndInput()
	collectOutputs(t, p)

	s.asr.Script(asr.Result{Text: "second question", IsFinal: true, Confidence: 0.9})
	p2, _ := s.o.StartPipeline(context.Background(), sessionID)
	p2.PushAudio(make([]byte, 640))
	p2.EndInput()
	collectOutputs(t, p2)

	reqs := llmP.Requests()
	if len(reqs) != 2 {
		t.Fatalf("llm requests = %d, want 2", len(reqs))
	}
	second := reqs[1]
	if len(second.Messages) != 3 {
		t.Fatalf("second request messages = %d, want prior turn + new utterance", len(second.Messages))
	}
	if second.Messages[0].Content != "first question" || second.Messages[1].Content != "Turn reply." {
		t.Errorf("second request history = %+v", second.Messages[:2])
	}
	if second.Messages[2].Content != "second question" {
		t.Errorf("second request utterance = %q", second.Messages[2].Content)
	}
}
