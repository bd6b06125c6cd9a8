// Package mock provides an in-memory asr.Provider for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/attunevoice/attune/pkg/asr"
)

// Provider is a scriptable in-memory ASR provider. Tests queue results with
// Script and feed them to open streams with Emit, or let every SendAudio call
// trigger the next scripted result automatically.
type Provider struct {
	// ProviderName is returned by Name. Defaults to "mock" when empty.
	ProviderName string

	// StartErr, when non-nil, is returned by StartStream.
	StartErr error

	// EmitOnAudio makes each SendAudio call emit the next scripted result.
	EmitOnAudio bool

	mu      sync.Mutex
	script  []asr.Result
	streams []*Stream
	starts  int
}

var _ asr.Provider = (*Provider)(nil)

// Script appends results to be emitted, in order.
func (p *Provider) Script(results ...asr.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, results...)
}

// Starts reports how many times StartStream has been called.
func (p *Provider) Starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

// Streams returns all streams opened so far.
func (p *Provider) Streams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Stream, len(p.streams))
	copy(out, p.streams)
	return out
}

// Name implements asr.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// StartStream implements asr.Provider.
func (p *Provider) StartStream(_ context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := &Stream{
		provider: p,
		results:  make(chan asr.Result, 64),
		done:     make(chan struct{}),
	}
	p.streams = append(p.streams, s)
	return s, nil
}

// next pops the next scripted result, if any.
func (p *Provider) next() (asr.Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.script) == 0 {
		return asr.Result{}, false
	}
	r := p.script[0]
	p.script = p.script[1:]
	return r, true
}

// Stream is the mock stream handle.
type Stream struct {
	provider *Provider

	mu    sync.Mutex
	audio [][]byte

	results chan asr.Result
	done    chan struct{}
	once    sync.Once
}

var _ asr.StreamHandle = (*Stream)(nil)

// SendAudio records the chunk. If the parent provider has EmitOnAudio set,
// the next scripted result is emitted.
func (s *Stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return asr.ErrStreamClosed
	default:
	}
	s.mu.Lock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.audio = append(s.audio, cp)
	s.mu.Unlock()

	if s.provider.EmitOnAudio {
		if r, ok := s.provider.next(); ok {
			s.Emit(r)
		}
	}
	return nil
}

// Results implements asr.StreamHandle.
func (s *Stream) Results() <-chan asr.Result { return s.results }

// EndStream implements asr.StreamHandle.
func (s *Stream) EndStream() error {
	s.once.Do(func() {
		close(s.done)
		close(s.results)
	})
	return nil
}

// Emit pushes a result onto the stream, stamping provider and timestamp if
// unset. It is a no-op after EndStream.
func (s *Stream) Emit(r asr.Result) {
	select {
	case <-s.done:
		return
	default:
	}
	if r.Provider == "" {
		r.Provider = s.provider.Name()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	select {
	case s.results <- r:
	case <-s.done:
	}
}

// Audio returns a copy of all chunks received so far.
func (s *Stream) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// Closed reports whether EndStream has been called.
func (s *Stream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
