package chunker

import (
	"context"
	"fmt"
	"time"

	"github.com/attunevoice/attune/pkg/embeddings"
)

// Defaults for EmbedderConfig.
const (
	DefaultMaxBatchSize    = 100
	DefaultInterBatchDelay = 100 * time.Millisecond
)

// EmbedderConfig tunes batched embedding.
type EmbedderConfig struct {
	// MaxBatchSize caps texts per provider call.
	MaxBatchSize int

	// InterBatchDelay is the pause between consecutive batches, respecting
	// vendor rate limits.
	InterBatchDelay time.Duration
}

func (c *EmbedderConfig) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.InterBatchDelay < 0 {
		c.InterBatchDelay = DefaultInterBatchDelay
	}
}

// EmbeddedChunk pairs a chunk with its vector.
type EmbeddedChunk struct {
	Chunk
	Embedding []float32
}

// EmbedResult is the outcome of embedding a chunk sequence.
type EmbedResult struct {
	Chunks []EmbeddedChunk

	// TotalTokens is an estimated token count for cost accounting.
	TotalTokens int
}

// Embedder batches chunk texts through an embeddings provider.
type Embedder struct {
	provider embeddings.Provider
	cfg      EmbedderConfig

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEmbedder creates an Embedder over the given provider.
func NewEmbedder(provider embeddings.Provider, cfg EmbedderConfig) *Embedder {
	cfg.applyDefaults()
	return &Embedder{
		provider: provider,
		cfg:      cfg,
		sleep:    sleepCtx,
	}
}

// EmbedChunks embeds the chunks in input order, batch by batch.
func (e *Embedder) EmbedChunks(ctx context.Context, chunks []Chunk) (EmbedResult, error) {
	result := EmbedResult{Chunks: make([]EmbeddedChunk, 0, len(chunks))}

	for offset := 0; offset < len(chunks); offset += e.cfg.MaxBatchSize {
		if offset > 0 && e.cfg.InterBatchDelay > 0 {
			if err := e.sleep(ctx, e.cfg.InterBatchDelay); err != nil {
				return EmbedResult{}, err
			}
		}

		end := offset + e.cfg.MaxBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[offset:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
			result.TotalTokens += estimateTokens(c.Text)
		}

		vectors, err := e.provider.EmbedBatch(ctx, texts)
		if err != nil {
			return EmbedResult{}, fmt.Errorf("chunker: embed batch at offset %d: %w", offset, err)
		}
		if len(vectors) != len(batch) {
			return EmbedResult{}, fmt.Errorf("chunker: batch at offset %d: got %d vectors for %d texts",
				offset, len(vectors), len(batch))
		}

		for i, c := range batch {
			result.Chunks = append(result.Chunks, EmbeddedChunk{Chunk: c, Embedding: vectors[i]})
		}
	}
	return result, nil
}

// estimateTokens approximates the token count at 4 characters per token,
// which tracks OpenAI-family tokenizers closely enough for cost accounting.
func estimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
