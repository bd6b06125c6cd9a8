// Package asr defines the Provider interface for streaming speech-recognition
// backends.
//
// An ASR provider wraps a real-time transcription service (e.g., Deepgram or a
// local whisper-server) and exposes a uniform streaming contract. The central
// abstraction is StreamHandle: once opened, a stream accepts raw PCM audio
// chunks and emits Result values — low-latency partials for responsiveness and
// authoritative finals that feed the rest of the pipeline.
//
// Implementations must be safe for concurrent use. Audio input and result
// output channels are goroutine-safe by construction.
package asr

import (
	"context"
	"errors"
)

// Sentinel errors shared by all adapter implementations.
var (
	// ErrStreamAlreadyActive is returned when StartStream is called on a
	// handle-per-call provider that has an exclusive stream still open.
	ErrStreamAlreadyActive = errors.New("asr: stream already active")

	// ErrProviderUnavailable is returned when the backing service rejects the
	// stream (authentication failure, capacity, network refusal).
	ErrProviderUnavailable = errors.New("asr: provider unavailable")

	// ErrProtocolError is returned when the vendor sends an event that cannot
	// be normalized into a Result.
	ErrProtocolError = errors.New("asr: protocol error")

	// ErrStreamClosed is returned by SendAudio after EndStream or Close.
	ErrStreamClosed = errors.New("asr: stream is closed")
)

// Encoding identifies the PCM sample encoding of the audio sent to a stream.
type Encoding string

// EncodingLinear16 is 16-bit signed little-endian PCM, the only encoding the
// core currently produces.
const EncodingLinear16 Encoding = "linear16"

// StreamConfig describes the audio format and recognition hints for a new
// transcription stream.
type StreamConfig struct {
	// LanguageCode is the BCP-47 language tag for recognition (e.g., "en-US").
	// Empty lets the provider auto-detect, if supported.
	LanguageCode string

	// SampleRate is the audio sample rate in Hz. Valid values: 8000, 16000,
	// 24000, 48000.
	SampleRate int

	// Encoding is the PCM sample encoding. Only EncodingLinear16 is recognized.
	Encoding Encoding
}

// Validate reports whether cfg is a recognized combination of options.
func (cfg StreamConfig) Validate() error {
	switch cfg.SampleRate {
	case 8000, 16000, 24000, 48000:
	default:
		return errors.New("asr: sample rate must be one of 8000, 16000, 24000, 48000")
	}
	if cfg.Encoding != "" && cfg.Encoding != EncodingLinear16 {
		return errors.New("asr: encoding must be linear16")
	}
	return nil
}

// StreamHandle represents an open transcription stream. It is an interface so
// that test code can provide mock implementations without a live connection.
//
// Callers must call EndStream (or Close) when the stream is no longer needed.
// Failing to do so may leak goroutines and network connections inside the
// adapter. All methods must be safe for concurrent use.
type StreamHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes for transcription. The
	// chunk must match the SampleRate and Encoding agreed in StreamConfig.
	// Returns ErrStreamClosed after EndStream.
	SendAudio(chunk []byte) error

	// Results returns a read-only channel emitting normalized Result values.
	// Partial results (IsFinal=false) may be emitted repeatedly for the same
	// utterance; the last result before silence is IsFinal=true. The channel
	// is closed when the stream ends.
	Results() <-chan Result

	// EndStream flushes pending audio, waits for trailing results, and
	// releases all resources. After EndStream returns, the Results channel is
	// closed. Calling EndStream more than once is safe and returns nil.
	EndStream() error
}

// Provider is the abstraction over any streaming ASR backend.
//
// Implementations must be safe for concurrent use; multiple streams may be
// open simultaneously (one per pooled adapter instance).
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// StreamHandle is ready to accept audio immediately.
	//
	// Fails with ErrProviderUnavailable if the backing service rejects, and
	// with a StreamConfig validation error for unrecognized options. The
	// caller owns the handle and must call EndStream when done.
	StartStream(ctx context.Context, cfg StreamConfig) (StreamHandle, error)

	// Name returns the stable provider name used for health attribution and
	// log labels (e.g., "deepgram", "whisper").
	Name() string
}
