// Package vadgate implements energy-based voice activity detection and audio
// gating for a single pipeline.
//
// The Gate sits between raw client audio and the ASR adapter. It measures RMS
// energy per chunk against an adaptive threshold, runs a silence/speech state
// machine, and decides what audio is forwarded: the first few chunks of every
// pipeline bypass the gate entirely so recognition starts immediately, after
// which only speech (plus configured padding) flows through.
package vadgate

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"
	"time"
)

// Defaults for GateConfig.
const (
	DefaultSilenceThreshold  = 0.01
	DefaultEnergyThreshold   = 0.1
	DefaultMinSilence        = 500 * time.Millisecond
	DefaultMinSpeech         = 200 * time.Millisecond
	DefaultPreSpeechPadding  = 300 * time.Millisecond
	DefaultPostSpeechPadding = 200 * time.Millisecond
	DefaultBypassChunks      = 5
	DefaultMaxBufferSize     = 1 << 20 // 1 MiB of buffered speech
	DefaultFlushInterval     = 100 * time.Millisecond

	// energyWindowSize is the rolling window of recent chunk energies used
	// for the adaptive threshold.
	energyWindowSize = 100

	// energyWindowMin is the minimum window fill before the threshold adapts.
	energyWindowMin = 20
)

// EventType identifies a speech boundary event.
type EventType string

const (
	// EventSpeechStart fires on the silence → speech transition.
	EventSpeechStart EventType = "speech:start"

	// EventSpeechEnd fires on the speech → silence transition and carries the
	// captured utterance audio.
	EventSpeechEnd EventType = "speech:end"
)

// Event is a speech boundary notification.
type Event struct {
	Type EventType

	// Audio is the captured utterance for EventSpeechEnd, nil otherwise.
	Audio []byte

	// Energy is the RMS energy of the chunk that triggered the event.
	Energy float64

	// SpeechDuration is the speech length at the time of the event.
	SpeechDuration time.Duration

	Time time.Time
}

// State is the VAD state machine state.
type State string

const (
	StateSilence State = "silence"
	StateSpeech  State = "speech"
)

// GateConfig tunes detection and gating.
type GateConfig struct {
	// SilenceThreshold and EnergyThreshold clamp the adaptive threshold from
	// below and above.
	SilenceThreshold float64
	EnergyThreshold  float64

	// MinSilenceDuration is the sustained quiet required to close an
	// utterance.
	MinSilenceDuration time.Duration

	// MinSpeechDuration is the minimum utterance length; shorter bursts do
	// not produce a speech:end.
	MinSpeechDuration time.Duration

	// PreSpeechPadding is how much trailing silence audio is kept in a ring
	// buffer and prepended when speech starts.
	PreSpeechPadding time.Duration

	// PostSpeechPadding is how much audio keeps flowing after energy drops,
	// so word endings are not clipped.
	PostSpeechPadding time.Duration

	// BypassChunks is the number of initial chunks forwarded unconditionally
	// before the gate engages.
	BypassChunks int

	// MaxBufferSize bounds the speech accumulation buffer; reaching it forces
	// a flush.
	MaxBufferSize int

	// FlushInterval is the periodic flush cadence while in speech.
	FlushInterval time.Duration

	// SampleRate is the PCM sample rate in Hz, used to convert byte lengths
	// to durations.
	SampleRate int
}

func (c *GateConfig) applyDefaults() {
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = DefaultEnergyThreshold
	}
	if c.MinSilenceDuration <= 0 {
		c.MinSilenceDuration = DefaultMinSilence
	}
	if c.MinSpeechDuration <= 0 {
		c.MinSpeechDuration = DefaultMinSpeech
	}
	if c.PreSpeechPadding <= 0 {
		c.PreSpeechPadding = DefaultPreSpeechPadding
	}
	if c.PostSpeechPadding <= 0 {
		c.PostSpeechPadding = DefaultPostSpeechPadding
	}
	if c.BypassChunks <= 0 {
		c.BypassChunks = DefaultBypassChunks
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = DefaultMaxBufferSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
}

// Gate is a per-pipeline VAD gate. Not safe for concurrent use; each pipeline
// owns exactly one Gate and feeds it from its audio-ingress task.
type Gate struct {
	cfg GateConfig
	now func() time.Time

	state        State
	chunkCount   int
	energyWindow []float64

	// preSpeech is the rolling pre-speech ring, bounded by PreSpeechPadding.
	preSpeech []byte

	// speechBuf accumulates the active utterance between flushes.
	speechBuf []byte

	speechStarted  time.Time
	silenceStarted time.Time
	inSilenceTail  bool
	lastFlush      time.Time

	mu     sync.Mutex
	events []Event
}

// NewGate creates a Gate with the given config.
func NewGate(cfg GateConfig) *Gate {
	cfg.applyDefaults()
	return &Gate{
		cfg:   cfg,
		now:   time.Now,
		state: StateSilence,
	}
}

// State returns the current state machine state.
func (g *Gate) State() State { return g.state }

// Events drains and returns the boundary events produced since the last call.
func (g *Gate) Events() []Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.events
	g.events = nil
	return out
}

// Process runs one PCM chunk through the gate and returns the audio that
// should be forwarded to the ASR adapter now (nil if the chunk is gated).
func (g *Gate) Process(chunk []byte) []byte {
	now := g.now()
	energy := rmsEnergy(chunk)
	g.pushEnergy(energy)
	threshold := g.adaptiveThreshold()

	g.chunkCount++
	if g.chunkCount <= g.cfg.BypassChunks {
		// Initial chunks are never gated: recognition must start immediately.
		g.observe(energy, threshold, chunk, now)
		return chunk
	}

	return g.gate(energy, threshold, chunk, now)
}

// ─── state machine ───

// observe advances the state machine without gating, used during bypass.
func (g *Gate) observe(energy, threshold float64, chunk []byte, now time.Time) {
	if g.state == StateSilence && energy > threshold {
		g.enterSpeech(energy, now, nil)
	}
	if g.state == StateSpeech {
		g.speechBuf = append(g.speechBuf, chunk...)
		g.lastFlush = now
		// Bypass forwards directly, so keep the buffer from double-sending.
		g.speechBuf = g.speechBuf[:0]
	} else {
		g.pushPreSpeech(chunk)
	}
}

func (g *Gate) gate(energy, threshold float64, chunk []byte, now time.Time) []byte {
	switch g.state {
	case StateSilence:
		if energy > threshold {
			flushed := g.enterSpeech(energy, now, chunk)
			return flushed
		}
		g.pushPreSpeech(chunk)
		return nil

	case StateSpeech:
		if energy > threshold {
			g.inSilenceTail = false
		} else {
			if !g.inSilenceTail {
				g.inSilenceTail = true
				g.silenceStarted = now
			}
			silenceFor := now.Sub(g.silenceStarted)
			speechFor := now.Sub(g.speechStarted)
			if silenceFor >= g.cfg.MinSilenceDuration && speechFor >= g.cfg.MinSpeechDuration {
				return g.enterSilence(energy, now, chunk)
			}
			if silenceFor > g.cfg.PostSpeechPadding {
				// Past the padding but not yet a legal transition: stop
				// appending, keep waiting.
				g.pushPreSpeech(chunk)
				return g.maybeFlush(now)
			}
		}
		g.speechBuf = append(g.speechBuf, chunk...)
		return g.maybeFlush(now)
	}
	return nil
}

// enterSpeech transitions silence → speech and returns any audio that should
// be forwarded immediately (pre-speech padding plus the triggering chunk).
func (g *Gate) enterSpeech(energy float64, now time.Time, chunk []byte) []byte {
	g.state = StateSpeech
	g.speechStarted = now
	g.inSilenceTail = false
	g.lastFlush = now

	g.speechBuf = append(g.speechBuf[:0], g.preSpeech...)
	g.preSpeech = g.preSpeech[:0]
	if chunk != nil {
		g.speechBuf = append(g.speechBuf, chunk...)
	}

	g.emit(Event{Type: EventSpeechStart, Energy: energy, Time: now})

	flushed := make([]byte, len(g.speechBuf))
	copy(flushed, g.speechBuf)
	g.speechBuf = g.speechBuf[:0]
	return flushed
}

// enterSilence transitions speech → silence, emitting speech:end with the
// remaining buffered audio.
func (g *Gate) enterSilence(energy float64, now time.Time, chunk []byte) []byte {
	g.state = StateSilence
	g.inSilenceTail = false

	g.speechBuf = append(g.speechBuf, chunk...)
	captured := make([]byte, len(g.speechBuf))
	copy(captured, g.speechBuf)
	g.speechBuf = g.speechBuf[:0]

	g.emit(Event{
		Type:           EventSpeechEnd,
		Audio:          captured,
		Energy:         energy,
		SpeechDuration: now.Sub(g.speechStarted),
		Time:           now,
	})
	return captured
}

// maybeFlush returns buffered speech when the flush interval elapses or the
// buffer hits its cap.
func (g *Gate) maybeFlush(now time.Time) []byte {
	if len(g.speechBuf) == 0 {
		return nil
	}
	if len(g.speechBuf) < g.cfg.MaxBufferSize && now.Sub(g.lastFlush) < g.cfg.FlushInterval {
		return nil
	}
	g.lastFlush = now
	flushed := make([]byte, len(g.speechBuf))
	copy(flushed, g.speechBuf)
	g.speechBuf = g.speechBuf[:0]
	return flushed
}

// ─── energy ───

func (g *Gate) pushEnergy(e float64) {
	g.energyWindow = append(g.energyWindow, e)
	if len(g.energyWindow) > energyWindowSize {
		g.energyWindow = g.energyWindow[len(g.energyWindow)-energyWindowSize:]
	}
}

// adaptiveThreshold returns 2x the median of the recent energy window,
// clamped to [SilenceThreshold, EnergyThreshold]. Before the window fills to
// its minimum, the floor is used.
func (g *Gate) adaptiveThreshold() float64 {
	if len(g.energyWindow) < energyWindowMin {
		return g.cfg.SilenceThreshold
	}
	sorted := make([]float64, len(g.energyWindow))
	copy(sorted, g.energyWindow)
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2]

	t := 2 * median
	if t < g.cfg.SilenceThreshold {
		t = g.cfg.SilenceThreshold
	}
	if t > g.cfg.EnergyThreshold {
		t = g.cfg.EnergyThreshold
	}
	return t
}

// pushPreSpeech keeps the pre-speech ring bounded by PreSpeechPadding worth
// of audio.
func (g *Gate) pushPreSpeech(chunk []byte) {
	g.preSpeech = append(g.preSpeech, chunk...)
	limit := g.paddingBytes(g.cfg.PreSpeechPadding)
	if len(g.preSpeech) > limit {
		g.preSpeech = g.preSpeech[len(g.preSpeech)-limit:]
	}
}

// paddingBytes converts a duration to a byte count for 16-bit mono PCM.
func (g *Gate) paddingBytes(d time.Duration) int {
	return int(float64(g.cfg.SampleRate) * d.Seconds() * 2)
}

func (g *Gate) emit(ev Event) {
	g.mu.Lock()
	g.events = append(g.events, ev)
	g.mu.Unlock()
}

// rmsEnergy computes the RMS of 16-bit little-endian PCM samples, normalized
// to [0, 1].
func rmsEnergy(chunk []byte) float64 {
	n := len(chunk) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(chunk[2*i:]))
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
}
