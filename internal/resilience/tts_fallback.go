package resilience

import (
	"context"

	"github.com/attunevoice/attune/pkg/tts"
)

// TTSFallback implements tts.Provider with automatic failover across
// multiple synthesis backends. Note that the fallback backend may emit a
// different encoding than the primary; callers should re-check Encoding when
// a switch is observed.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a TTSFallback with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cbCfg BreakerConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cbCfg, nil)}
}

// AddFallback registers an additional TTS backend, tried after the primary.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// SynthesizeStream implements tts.Provider. Failover covers stream
// establishment only; mid-stream failures surface as an early channel close.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// ListVoices implements tts.Provider, returning the first healthy backend's
// catalogue.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p tts.Provider) ([]tts.Voice, error) {
		return p.ListVoices(ctx)
	})
}

// Encoding reports the primary's encoding.
func (f *TTSFallback) Encoding() string {
	return f.group.entries[0].value.Encoding()
}

// BreakerStates reports the per-backend breaker states.
func (f *TTSFallback) BreakerStates() map[string]string {
	return f.group.States()
}
