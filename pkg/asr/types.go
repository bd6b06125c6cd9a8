package asr

import "time"

// Result is a normalized speech-recognition result. Both partial (interim)
// and final results use this type.
type Result struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) result. Finals are append-only into the session transcript;
	// partials are replace-only.
	IsFinal bool

	// Confidence is the overall confidence score in [0, 1]. May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Provider is the name of the adapter that produced this result.
	Provider string

	// Timestamp is the wall-clock time the result was received.
	Timestamp time.Time
}
