// Package whisperhttp provides an ASR provider backed by a self-hosted
// whisper-server (the HTTP server bundled with whisper.cpp). It implements the
// asr.Provider interface.
//
// whisper-server is a batch transcriber: it has no native streaming endpoint.
// The adapter emulates streaming by buffering incoming PCM and periodically
// posting the accumulated utterance for inference. Intermediate inferences are
// surfaced as partial results; the inference run at EndStream produces the
// final result.
package whisperhttp

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/attunevoice/attune/pkg/asr"
)

const (
	defaultInferInterval = 1500 * time.Millisecond
	defaultTimeout       = 30 * time.Second
)

// Option is a functional option for configuring the whisper Provider.
type Option func(*Provider)

// WithInferInterval sets how often buffered audio is re-submitted for partial
// inference. Shorter intervals lower partial latency but raise server load.
func WithInferInterval(d time.Duration) Option {
	return func(p *Provider) { p.inferInterval = d }
}

// WithHTTPClient overrides the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements asr.Provider against a whisper-server instance.
//
// Like the other pooled adapters, each Provider instance allows one open
// stream at a time.
type Provider struct {
	baseURL       string
	inferInterval time.Duration
	httpClient    *http.Client

	mu     sync.Mutex
	active *stream
}

var _ asr.Provider = (*Provider)(nil)

// New creates a Provider targeting the whisper-server at baseURL
// (e.g., "http://localhost:8080").
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("whisperhttp: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:       strings.TrimRight(baseURL, "/"),
		inferInterval: defaultInferInterval,
		httpClient:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements asr.Provider.
func (p *Provider) Name() string { return "whisper" }

// StartStream implements asr.Provider. The stream buffers audio locally and
// runs batch inference on a timer, so no connection is opened until the first
// inference fires.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil && !p.active.isClosed() {
		return nil, asr.ErrStreamAlreadyActive
	}

	s := &stream{
		provider:   p,
		sampleRate: cfg.SampleRate,
		results:    make(chan asr.Result, 16),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.inferLoop(ctx)

	p.active = s
	return s, nil
}

// inferenceResponse is the JSON body returned by whisper-server /inference.
type inferenceResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// infer posts PCM audio (wrapped as WAV) to the server and returns the
// transcribed text.
func (p *Provider) infer(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fw, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisperhttp: multipart: %w", err)
	}
	if _, err := fw.Write(wavEncode(pcm, sampleRate)); err != nil {
		return "", fmt.Errorf("whisperhttp: multipart write: %w", err)
	}
	_ = w.WriteField("response_format", "json")
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("whisperhttp: multipart close: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisperhttp: request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisperhttp: inference: %w", errors.Join(asr.ErrProviderUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("whisperhttp: inference status %d: %s", resp.StatusCode, string(b))
	}

	var ir inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return "", fmt.Errorf("whisperhttp: decode: %w", errors.Join(asr.ErrProtocolError, err))
	}
	if ir.Error != "" {
		return "", fmt.Errorf("whisperhttp: server error: %s", ir.Error)
	}
	return strings.TrimSpace(ir.Text), nil
}

// ---- stream ----

type stream struct {
	provider   *Provider
	sampleRate int
	results    chan asr.Result

	bufMu sync.Mutex
	buf   []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *stream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// SendAudio appends a PCM chunk to the utterance buffer.
func (s *stream) SendAudio(chunk []byte) error {
	if s.isClosed() {
		return asr.ErrStreamClosed
	}
	s.bufMu.Lock()
	s.buf = append(s.buf, chunk...)
	s.bufMu.Unlock()
	return nil
}

// Results implements asr.StreamHandle.
func (s *stream) Results() <-chan asr.Result { return s.results }

// EndStream implements asr.StreamHandle. It runs a last inference over the
// full buffer, which produces the final result before the channel closes.
func (s *stream) EndStream() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// inferLoop re-transcribes the growing buffer on a timer, emitting partials,
// then runs a final pass when the stream ends.
func (s *stream) inferLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	ticker := time.NewTicker(s.provider.inferInterval)
	defer ticker.Stop()

	lastText := ""
	for {
		select {
		case <-ticker.C:
			text, err := s.runInference(ctx)
			if err != nil || text == "" || text == lastText {
				continue
			}
			lastText = text
			s.emit(text, false, ctx)
		case <-s.done:
			text, err := s.runInference(ctx)
			if err != nil {
				// Fall back to the last partial so the utterance is not lost.
				text = lastText
			}
			if text != "" {
				s.emit(text, true, ctx)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *stream) runInference(ctx context.Context) (string, error) {
	s.bufMu.Lock()
	pcm := make([]byte, len(s.buf))
	copy(pcm, s.buf)
	s.bufMu.Unlock()

	if len(pcm) == 0 {
		return "", nil
	}
	return s.provider.infer(ctx, pcm, s.sampleRate)
}

func (s *stream) emit(text string, final bool, ctx context.Context) {
	r := asr.Result{
		Text:     text,
		IsFinal:  final,
		Provider: "whisper",
		// whisper-server does not report utterance confidence; leave zero so
		// downstream scoring treats it as unreported.
		Timestamp: time.Now(),
	}
	select {
	case s.results <- r:
	case <-ctx.Done():
	}
}

// wavEncode wraps raw 16-bit mono PCM in a minimal RIFF/WAVE header, which is
// the input format whisper-server expects.
func wavEncode(pcm []byte, sampleRate int) []byte {
	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8

	buf := make([]byte, 0, 44+len(pcm))
	out := bytes.NewBuffer(buf)

	out.WriteString("RIFF")
	binary.Write(out, binary.LittleEndian, uint32(36+len(pcm)))
	out.WriteString("WAVE")

	out.WriteString("fmt ")
	binary.Write(out, binary.LittleEndian, uint32(16))
	binary.Write(out, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(out, binary.LittleEndian, uint16(numChannels))
	binary.Write(out, binary.LittleEndian, uint32(sampleRate))
	binary.Write(out, binary.LittleEndian, uint32(byteRate))
	binary.Write(out, binary.LittleEndian, uint16(blockAlign))
	binary.Write(out, binary.LittleEndian, uint16(bitsPerSample))

	out.WriteString("data")
	binary.Write(out, binary.LittleEndian, uint32(len(pcm)))
	out.Write(pcm)

	return out.Bytes()
}
