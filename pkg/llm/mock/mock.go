// Package mock provides a scriptable llm.Provider for tests.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/attunevoice/attune/pkg/llm"
)

// Provider implements llm.Provider with a scripted response. The zero value
// streams nothing and completes with an empty response.
type Provider struct {
	// Model is reported by ModelID.
	Model string

	// Chunks is the scripted stream; the final chunk gets FinishReason
	// "stop" appended automatically when the script doesn't set one.
	Chunks []string

	// ChunkDelay is an optional pause before each streamed chunk.
	ChunkDelay time.Duration

	// Err, when set, is returned by StreamCompletion and Complete before
	// doing any work.
	Err error

	mu       sync.Mutex
	requests []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	p.record(req)

	ch := make(chan llm.Chunk, len(p.Chunks)+1)
	go func() {
		defer close(ch)
		for i, text := range p.Chunks {
			if p.ChunkDelay > 0 {
				timer := time.NewTimer(p.ChunkDelay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return
				}
			}
			out := llm.Chunk{Text: text}
			if i == len(p.Chunks)-1 {
				out.FinishReason = "stop"
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}
		if len(p.Chunks) == 0 {
			select {
			case ch <- llm.Chunk{FinishReason: "stop"}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	p.record(req)
	content := strings.Join(p.Chunks, "")
	return &llm.CompletionResponse{
		Content: content,
		Usage:   llm.Usage{CompletionTokens: (len(content) + 3) / 4},
	}, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
	}
	return total, nil
}

// ModelID implements llm.Provider.
func (p *Provider) ModelID() string {
	if p.Model == "" {
		return "mock"
	}
	return p.Model
}

// Requests returns every request seen so far.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *Provider) record(req llm.CompletionRequest) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
}
