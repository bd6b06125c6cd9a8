package main

import (
	"testing"

	"github.com/attunevoice/attune/internal/config"
	"github.com/attunevoice/attune/internal/resilience"
	"github.com/attunevoice/attune/pkg/llm"
	llmmock "github.com/attunevoice/attune/pkg/llm/mock"
	"github.com/attunevoice/attune/pkg/tts"
	ttsmock "github.com/attunevoice/attune/pkg/tts/mock"
)

func TestBuildProvidersWrapsConfiguredFallbacks(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	reg.RegisterLLM("standby", func(entry config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{Model: entry.Model}, nil
	})
	reg.RegisterTTS("standby", func(_ config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})

	cfg := &config.Config{
		LLM: config.ProviderEntry{
			Name:  "mock",
			Model: "primary",
			Fallbacks: []config.ProviderEntry{
				{Name: "standby", Model: "backup"},
			},
		},
		TTS: config.TTSConfig{
			Provider: config.ProviderEntry{
				Name: "mock",
				Fallbacks: []config.ProviderEntry{
					{Name: "standby"},
				},
			},
		},
	}

	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders() error = %v", err)
	}

	lf, ok := ps.LLM.(*resilience.LLMFallback)
	if !ok {
		t.Fatalf("LLM = %T, want *resilience.LLMFallback", ps.LLM)
	}
	if states := lf.BreakerStates(); len(states) != 2 {
		t.Errorf("LLM BreakerStates() = %v, want primary plus one fallback", states)
	}
	if lf.ModelID() != "primary" {
		t.Errorf("ModelID() = %q, want the primary's model", lf.ModelID())
	}

	tf, ok := ps.TTS.(*resilience.TTSFallback)
	if !ok {
		t.Fatalf("TTS = %T, want *resilience.TTSFallback", ps.TTS)
	}
	if states := tf.BreakerStates(); len(states) != 2 {
		t.Errorf("TTS BreakerStates() = %v, want primary plus one fallback", states)
	}
}

func TestBuildProvidersSingleBackendStaysUnwrapped(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := &config.Config{
		LLM: config.ProviderEntry{Name: "mock"},
		TTS: config.TTSConfig{Provider: config.ProviderEntry{Name: "mock"}},
	}

	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders() error = %v", err)
	}
	if _, ok := ps.LLM.(*llmmock.Provider); !ok {
		t.Errorf("LLM = %T, want the bare mock provider", ps.LLM)
	}
	if _, ok := ps.TTS.(*ttsmock.Provider); !ok {
		t.Errorf("TTS = %T, want the bare mock provider", ps.TTS)
	}
}
