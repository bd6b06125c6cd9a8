package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/attunevoice/attune/pkg/llm"
)

type fakeSummarizer struct {
	mu      sync.Mutex
	calls   [][]llm.Message
	summary string
	err     error
}

func (f *fakeSummarizer) Summarize(_ context.Context, msgs []llm.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, msgs)
	return f.summary, nil
}

func TestWindowAppendBelowThreshold(t *testing.T) {
	t.Parallel()

	sum := &fakeSummarizer{summary: "s"}
	w := NewWindow(WindowConfig{MaxTokens: 1000, Summarizer: sum})

	if err := w.Append(context.Background(), llm.Message{Role: "user", Content: "hello"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(sum.calls) != 0 {
		t.Errorf("summarizer called %d times below threshold, want 0", len(sum.calls))
	}
	if got := w.Messages(); len(got) != 1 {
		t.Errorf("len(Messages()) = %d, want 1", len(got))
	}
}

func TestWindowCompactsWhenFull(t *testing.T) {
	t.Parallel()

	sum := &fakeSummarizer{summary: "they talked about latency"}
	// 100-token budget, threshold at 75.
	w := NewWindow(WindowConfig{MaxTokens: 100, ThresholdRatio: 0.75, Summarizer: sum})

	long := strings.Repeat("word ", 30) // ~38 tokens with role
	for i := 0; i < 4; i++ {
		if err := w.Append(context.Background(), llm.Message{Role: "user", Content: long}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	if len(sum.calls) == 0 {
		t.Fatal("summarizer never called despite exceeding threshold")
	}
	msgs := w.Messages()
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "they talked about latency") {
		t.Errorf("Messages()[0] = %+v, want leading summary system message", msgs[0])
	}
	if w.TokenEstimate() > 100 {
		t.Errorf("TokenEstimate() = %d, want compacted under budget", w.TokenEstimate())
	}
}

func TestWindowSummarizerError(t *testing.T) {
	t.Parallel()

	boom := errors.New("llm down")
	w := NewWindow(WindowConfig{MaxTokens: 10, Summarizer: &fakeSummarizer{err: boom}})

	w.Append(context.Background(), llm.Message{Role: "user", Content: "first message"})
	err := w.Append(context.Background(), llm.Message{Role: "user", Content: strings.Repeat("x", 100)})
	if !errors.Is(err, boom) {
		t.Errorf("Append() error = %v, want wrapped summarizer error", err)
	}
}

func TestWindowReset(t *testing.T) {
	t.Parallel()

	w := NewWindow(WindowConfig{MaxTokens: 1000, Summarizer: &fakeSummarizer{}})
	w.Append(context.Background(), llm.Message{Role: "user", Content: "hello"})
	w.Reset()

	if len(w.Messages()) != 0 || w.TokenEstimate() != 0 {
		t.Error("Reset() must clear messages and token estimate")
	}
}

func TestLLMSummarizerFormatsTranscript(t *testing.T) {
	t.Parallel()

	s := NewLLMSummarizer(&captureLLM{response: "summary text"})
	got, err := s.Summarize(context.Background(), []llm.Message{
		{Role: "user", Content: "what is the SLA"},
		{Role: "assistant", Content: "p95 under 500ms"},
	})
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != "summary text" {
		t.Errorf("Summarize() = %q", got)
	}
}

func TestLLMSummarizerEmptyInput(t *testing.T) {
	t.Parallel()

	s := NewLLMSummarizer(&captureLLM{})
	got, err := s.Summarize(context.Background(), nil)
	if err != nil || got != "" {
		t.Errorf("Summarize(nil) = %q, %v; want empty, nil", got, err)
	}
}

// captureLLM is a minimal llm.Provider returning a fixed completion.
type captureLLM struct {
	response string
	lastReq  llm.CompletionRequest
}

func (c *captureLLM) StreamCompletion(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch, nil
}

func (c *captureLLM) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	c.lastReq = req
	return &llm.CompletionResponse{Content: c.response}, nil
}

func (c *captureLLM) CountTokens([]llm.Message) (int, error) { return 0, nil }
func (c *captureLLM) ModelID() string                        { return "capture" }
