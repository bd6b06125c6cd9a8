// Package llm defines the Provider interface for the language-model
// collaborator of the voice pipeline.
//
// The orchestrator streams tokens: the first chunk's arrival is on the
// critical first-token latency path, so implementations must emit chunks as
// soon as the backend produces them. Channels returned by StreamCompletion
// are closed by the implementation when the stream ends or ctx is cancelled.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message is one turn of the conversation history.
type Message struct {
	// Role is "system", "user" or "assistant".
	Role string

	// Content is the text of the turn.
	Content string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to respond. Messages
// must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history; the last entry drives
	// the response.
	Messages []Message

	// SystemPrompt is injected ahead of the history. For voice this carries
	// the persona and the retrieved knowledge context.
	SystemPrompt string

	// Temperature in [0, 2]; zero means the provider default.
	Temperature float64

	// MaxTokens caps the completion; zero means the provider default.
	MaxTokens int
}

// Chunk is one streamed fragment of the response.
type Chunk struct {
	// Text is the incremental content; may be empty on the final chunk.
	Text string

	// FinishReason is set on the last chunk: "stop", "length", or "error"
	// (with Text carrying the error message) for failures after the stream
	// opened.
	FinishReason string
}

// CompletionResponse is the non-streaming result.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req and returns a channel of chunks, closed by
	// the implementation on completion or ctx cancellation. A non-nil error
	// means the stream never started; later failures arrive as a Chunk with
	// FinishReason "error". Callers must drain the channel.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the context-window cost of messages. The result
	// need not be exact but should not undercount.
	CountTokens(messages []Message) (int, error)

	// ModelID names the backing model, e.g. "gpt-4o-mini".
	ModelID() string
}
