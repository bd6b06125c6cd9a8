// Package mock provides a test double for the embeddings.Provider interface.
//
// Unless overridden, the mock produces deterministic unit vectors derived
// from a hash of the input text: identical texts embed identically and
// different texts almost surely differ, which is enough for similarity
// plumbing tests without a live model.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/attunevoice/attune/pkg/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock embeddings.Provider.
type Provider struct {
	// Dim is the vector dimension; defaults to 8.
	Dim int

	// Model is returned by ModelID; defaults to "mock-embed".
	Model string

	// Err, when non-nil, is returned by Embed and EmbedBatch.
	Err error

	// Fixed, when non-nil, is returned for every text instead of the
	// hash-derived vector.
	Fixed []float32

	mu    sync.Mutex
	calls []string
}

// Calls returns every text embedded so far, in order.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.record(text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vectorFor(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.record(texts...)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vectorFor(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.Dim <= 0 {
		return 8
	}
	return p.Dim
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	if p.Model == "" {
		return "mock-embed"
	}
	return p.Model
}

func (p *Provider) record(texts ...string) {
	p.mu.Lock()
	p.calls = append(p.calls, texts...)
	p.mu.Unlock()
}

func (p *Provider) vectorFor(text string) []float32 {
	if p.Fixed != nil {
		out := make([]float32, len(p.Fixed))
		copy(out, p.Fixed)
		return out
	}

	dim := p.Dimensions()
	vec := make([]float32, dim)
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	var norm float64
	for i := range vec {
		// xorshift over the seed for stable pseudo-random components.
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		v := float32(int64(seed%2000)-1000) / 1000
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
