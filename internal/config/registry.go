package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/attunevoice/attune/pkg/asr"
	"github.com/attunevoice/attune/pkg/embeddings"
	"github.com/attunevoice/attune/pkg/llm"
	"github.com/attunevoice/attune/pkg/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factorySet maps provider names to constructors for one provider kind.
type factorySet[T any] struct {
	mu   sync.RWMutex
	kind string
	m    map[string]func(ProviderEntry) (T, error)
}

func newFactorySet[T any](kind string) factorySet[T] {
	return factorySet[T]{kind: kind, m: make(map[string]func(ProviderEntry) (T, error))}
}

// register overwrites any previous registration under the same name.
func (s *factorySet[T]) register(name string, factory func(ProviderEntry) (T, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[name] = factory
}

func (s *factorySet[T]) create(entry ProviderEntry) (T, error) {
	s.mu.RLock()
	factory, ok := s.m[entry.Name]
	s.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, s.kind, entry.Name)
	}
	return factory(entry)
}

// Registry maps provider names to constructor functions for each provider
// kind. The main package registers the built-in providers at startup; the
// registry keeps provider SDK imports out of the wiring layer. Safe for
// concurrent use.
type Registry struct {
	asr        factorySet[asr.Provider]
	llm        factorySet[llm.Provider]
	tts        factorySet[tts.Provider]
	embeddings factorySet[embeddings.Provider]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		asr:        newFactorySet[asr.Provider]("asr"),
		llm:        newFactorySet[llm.Provider]("llm"),
		tts:        newFactorySet[tts.Provider]("tts"),
		embeddings: newFactorySet[embeddings.Provider]("embeddings"),
	}
}

// RegisterASR registers a speech-recognition provider factory under name.
func (r *Registry) RegisterASR(name string, factory func(ProviderEntry) (asr.Provider, error)) {
	r.asr.register(name, factory)
}

// RegisterLLM registers a language-model provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.llm.register(name, factory)
}

// RegisterTTS registers a speech-synthesis provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.tts.register(name, factory)
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.embeddings.register(name, factory)
}

// CreateASR instantiates the ASR provider named by entry.Name. Returns
// [ErrProviderNotRegistered] when the name is unknown.
func (r *Registry) CreateASR(entry ProviderEntry) (asr.Provider, error) {
	return r.asr.create(entry)
}

// CreateLLM instantiates the LLM provider named by entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return r.llm.create(entry)
}

// CreateTTS instantiates the TTS provider named by entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return r.tts.create(entry)
}

// CreateEmbeddings instantiates the embeddings provider named by entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	return r.embeddings.create(entry)
}
