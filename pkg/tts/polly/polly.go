// Package polly implements tts.Provider over Amazon Polly.
//
// Polly has no streaming-input API, so fragments are synthesized one call at
// a time in arrival order; each response's audio is chunked onto the output
// channel as it is read. First-audio latency is therefore bounded by one
// SynthesizeSpeech round trip for the first sentence.
package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/attunevoice/attune/pkg/tts"
)

const (
	defaultRegion     = "us-east-1"
	defaultEngine     = "neural"
	defaultSampleRate = "16000"
	readChunkSize     = 4096
)

// ErrThrottled wraps Polly's TooManyRequestsException so callers can treat
// it as retryable.
var ErrThrottled = errors.New("polly: throttled")

// synthClient is the Polly API surface used by the Provider; swappable in
// tests.
type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
	DescribeVoices(ctx context.Context, params *polly.DescribeVoicesInput, optFns ...func(*polly.Options)) (*polly.DescribeVoicesOutput, error)
}

// Config tunes a Provider.
type Config struct {
	Region     string
	Engine     string // "neural" or "standard"
	SampleRate string // Hz, as Polly expects it
	Timeout    time.Duration
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Region) == "" {
		c.Region = defaultRegion
	}
	if strings.TrimSpace(c.Engine) == "" {
		c.Engine = defaultEngine
	}
	if strings.TrimSpace(c.SampleRate) == "" {
		c.SampleRate = defaultSampleRate
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
}

// Provider implements tts.Provider backed by Amazon Polly.
type Provider struct {
	cfg Config

	mu     sync.Mutex
	client synthClient
}

var _ tts.Provider = (*Provider)(nil)

// New creates a Provider using the default AWS credential chain. The client
// is created lazily on first use.
func New(cfg Config) *Provider {
	cfg.applyDefaults()
	return &Provider{cfg: cfg}
}

// NewWithClient creates a Provider with an explicit client, for tests.
func NewWithClient(cfg Config, client synthClient) *Provider {
	cfg.applyDefaults()
	return &Provider{cfg: cfg, client: client}
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("polly: voice.ID must not be empty")
	}
	client, err := p.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	audioCh := make(chan []byte, 256)
	go func() {
		defer close(audioCh)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				if strings.TrimSpace(fragment) == "" {
					continue
				}
				if err := p.synthesizeFragment(ctx, client, fragment, voice.ID, audioCh); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, nil
}

func (p *Provider) synthesizeFragment(ctx context.Context, client synthClient, fragment, voiceID string, audioCh chan<- []byte) error {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	out, err := client.SynthesizeSpeech(callCtx, &polly.SynthesizeSpeechInput{
		Engine:       p.engine(),
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   &p.cfg.SampleRate,
		Text:         &fragment,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voiceID),
	})
	if err != nil {
		return normalizeError(err)
	}
	if out == nil || out.AudioStream == nil {
		return errors.New("polly: empty audio stream")
	}
	defer out.AudioStream.Close()

	buf := make([]byte, readChunkSize)
	for {
		n, readErr := out.AudioStream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case audioCh <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("polly: read audio: %w", readErr)
		}
	}
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	client, err := p.resolveClient(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.DescribeVoices(ctx, &polly.DescribeVoicesInput{Engine: p.engine()})
	if err != nil {
		return nil, fmt.Errorf("polly: describe voices: %w", normalizeError(err))
	}

	voices := make([]tts.Voice, 0, len(out.Voices))
	for _, v := range out.Voices {
		voice := tts.Voice{
			ID:       string(v.Id),
			Provider: "polly",
			Metadata: map[string]string{
				"gender":   string(v.Gender),
				"language": string(v.LanguageCode),
			},
		}
		if v.Name != nil {
			voice.Name = *v.Name
		}
		voices = append(voices, voice)
	}
	return voices, nil
}

// Encoding implements tts.Provider. Polly's PCM output is signed 16-bit LE
// at the configured sample rate.
func (p *Provider) Encoding() string { return "pcm_" + p.cfg.SampleRate }

func (p *Provider) engine() pollytypes.Engine {
	if strings.EqualFold(p.cfg.Engine, "standard") {
		return pollytypes.EngineStandard
	}
	return pollytypes.EngineNeural
}

func (p *Provider) resolveClient(ctx context.Context) (synthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("polly: load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}

// normalizeError maps Polly API errors onto package errors.
func normalizeError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "TooManyRequestsException" {
		return fmt.Errorf("%w: %v", ErrThrottled, err)
	}
	return err
}
