package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/attunevoice/attune/pkg/llm"
)

// charsPerToken is the heuristic ratio used for token estimation; roughly
// right for English across common tokenizers and avoids a tokenizer dep.
const charsPerToken = 4

// summarizePrompt compresses older conversation turns when the window fills.
const summarizePrompt = `Summarize the following conversation between a user and a voice assistant.
Preserve: the user's questions and goals, facts the assistant provided, open follow-ups,
and stated user preferences. Be concise but keep every detail the assistant may need later.`

// Summarizer produces a concise summary of a conversation segment.
type Summarizer interface {
	Summarize(ctx context.Context, messages []llm.Message) (string, error)
}

// LLMSummarizer implements Summarizer with an LLM backend.
type LLMSummarizer struct {
	llm llm.Provider
}

// NewLLMSummarizer creates a Summarizer backed by provider.
func NewLLMSummarizer(provider llm.Provider) *LLMSummarizer {
	return &LLMSummarizer{llm: provider}
}

// Summarize formats the messages as a transcript and asks the model for a
// condensed summary.
func (s *LLMSummarizer) Summarize(ctx context.Context, messages []llm.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
	}
	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarizePrompt,
		Messages:     []llm.Message{{Role: "user", Content: sb.String()}},
		Temperature:  0.3,
	})
	if err != nil {
		return "", fmt.Errorf("session: summarize: %w", err)
	}
	return resp.Content, nil
}

// Window keeps the prompt-facing slice of a session's history within a token
// budget. When the estimate exceeds thresholdRatio × maxTokens, the oldest
// half of the messages is compressed into a summary message. The durable
// session history is unaffected; the Window only shapes what is sent to the
// model.
//
// Safe for concurrent use.
type Window struct {
	maxTokens      int
	thresholdRatio float64
	summarizer     Summarizer

	mu            sync.Mutex
	currentTokens int
	messages      []llm.Message
	summaries     []string
}

// WindowConfig configures a Window.
type WindowConfig struct {
	// MaxTokens is the model's context budget for conversation history.
	MaxTokens int

	// ThresholdRatio is the fill fraction that triggers summarization.
	// Defaults to 0.75.
	ThresholdRatio float64

	// Summarizer compresses older turns. Required.
	Summarizer Summarizer
}

// NewWindow creates a Window.
func NewWindow(cfg WindowConfig) *Window {
	ratio := cfg.ThresholdRatio
	if ratio <= 0 {
		ratio = 0.75
	}
	return &Window{
		maxTokens:      cfg.MaxTokens,
		thresholdRatio: ratio,
		summarizer:     cfg.Summarizer,
	}
}

// Append adds turns to the window, summarizing the oldest half when the
// budget threshold is crossed.
func (w *Window) Append(ctx context.Context, msgs ...llm.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, m := range msgs {
		w.messages = append(w.messages, m)
		w.currentTokens += estimateTokens(m)
	}

	threshold := int(float64(w.maxTokens) * w.thresholdRatio)
	if w.currentTokens > threshold && len(w.messages) > 1 {
		if err := w.compactLocked(ctx); err != nil {
			return fmt.Errorf("session: window compact: %w", err)
		}
	}
	return nil
}

// Messages returns the prompt-ready history: accumulated summaries as system
// context followed by the retained turns.
func (w *Window) Messages() []llm.Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]llm.Message, 0, len(w.summaries)+len(w.messages))
	for _, s := range w.summaries {
		out = append(out, llm.Message{
			Role:    "system",
			Content: "[Earlier conversation summary]: " + s,
		})
	}
	return append(out, w.messages...)
}

// TokenEstimate returns the current estimated token count.
func (w *Window) TokenEstimate() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTokens
}

// Reset clears the window.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = w.messages[:0]
	w.summaries = w.summaries[:0]
	w.currentTokens = 0
}

// compactLocked summarizes the oldest half of the retained turns. Called
// with w.mu held; the lock is released around the LLM call.
func (w *Window) compactLocked(ctx context.Context) error {
	half := len(w.messages) / 2
	if half == 0 {
		half = 1
	}
	toSummarize := make([]llm.Message, half)
	copy(toSummarize, w.messages[:half])

	w.mu.Unlock()
	summary, err := w.summarizer.Summarize(ctx, toSummarize)
	w.mu.Lock()
	if err != nil {
		return err
	}

	removed := 0
	for _, m := range w.messages[:half] {
		removed += estimateTokens(m)
	}
	w.messages = w.messages[half:]
	w.currentTokens -= removed

	w.summaries = append(w.summaries, summary)
	w.currentTokens += len(summary) / charsPerToken
	return nil
}

func estimateTokens(m llm.Message) int {
	chars := len(m.Content) + len(m.Role)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
