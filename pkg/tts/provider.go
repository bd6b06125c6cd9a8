// Package tts defines the Provider interface for the speech-synthesis
// collaborator of the voice pipeline.
//
// The primary entry point is SynthesizeStream, which consumes text fragments
// (typically LLM tokens grouped into sentences) and emits audio bytes as the
// backend produces them, so playback can begin before the full reply exists.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice describes one synthesis voice.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider names the backend the voice belongs to.
	Provider string

	// Metadata holds provider-specific attributes (gender, accent, ...).
	Metadata map[string]string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from text and returns a
	// channel emitting audio byte slices as they are synthesized. The audio
	// channel is closed by the implementation when all text has been
	// processed (text closed and drained) or when ctx is cancelled; callers
	// must drain it.
	//
	// A non-nil error means the stream never started. Mid-stream failures
	// close the audio channel early; callers check ctx.Err() to tell
	// cancellation from provider failure.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, error)

	// ListVoices returns the provider's current voice catalogue.
	ListVoices(ctx context.Context) ([]Voice, error)

	// Encoding names the audio encoding emitted by SynthesizeStream, e.g.
	// "pcm_16000" or "mp3". Clients use it to decode the binary frames.
	Encoding() string
}
