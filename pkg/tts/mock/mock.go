// Package mock provides a scriptable tts.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/attunevoice/attune/pkg/tts"
)

// Provider implements tts.Provider. Each consumed text fragment produces one
// audio chunk: AudioPerFragment when set, otherwise the fragment's bytes.
type Provider struct {
	// AudioPerFragment, when non-nil, is emitted for every text fragment.
	AudioPerFragment []byte

	// Voices is returned by ListVoices.
	Voices []tts.Voice

	// Err, when set, is returned by SynthesizeStream before doing any work.
	Err error

	mu        sync.Mutex
	fragments []string
}

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, _ tts.Voice) (<-chan []byte, error) {
	if p.Err != nil {
		return nil, p.Err
	}

	audioCh := make(chan []byte, 64)
	go func() {
		defer close(audioCh)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				p.fragments = append(p.fragments, fragment)
				p.mu.Unlock()

				chunk := p.AudioPerFragment
				if chunk == nil {
					chunk = []byte(fragment)
				}
				select {
				case audioCh <- chunk:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(context.Context) ([]tts.Voice, error) {
	return p.Voices, nil
}

// Encoding implements tts.Provider.
func (p *Provider) Encoding() string { return "pcm_16000" }

// Fragments returns every text fragment consumed so far.
func (p *Provider) Fragments() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.fragments))
	copy(out, p.fragments)
	return out
}
