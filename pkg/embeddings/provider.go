// Package embeddings defines the Provider interface for text embedding
// backends used by the knowledge layer.
package embeddings

import "context"

// Provider converts text into fixed-dimension vectors.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector dimension of the configured model.
	Dimensions() int

	// ModelID returns the model identifier, stored alongside each vector so
	// stale embeddings can be detected after a model change.
	ModelID() string
}
