package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr":        {"deepgram", "whisper", "mock"},
	"llm":        {"openai", "anthropic", "mistral", "groq", "ollama", "mock"},
	"tts":        {"elevenlabs", "polly", "mock"},
	"embeddings": {"openai", "ollama", "mock"},
}

var validSampleRates = []int{8000, 16000, 24000, 48000}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxActivePipelines < 0 {
		errs = append(errs, fmt.Errorf("server.max_active_pipelines %d must not be negative", cfg.Server.MaxActivePipelines))
	}

	// Auth
	if len(cfg.Auth.Tokens) == 0 {
		slog.Warn("auth.tokens is empty; no client will be able to authenticate")
	}
	for token, userID := range cfg.Auth.Tokens {
		if token == "" || userID == "" {
			errs = append(errs, errors.New("auth.tokens entries require both a token and a user id"))
			break
		}
	}

	// ASR
	if len(cfg.ASR.Providers) == 0 {
		errs = append(errs, errors.New("asr.providers requires at least one provider"))
	}
	asrNamesSeen := make(map[string]int, len(cfg.ASR.Providers))
	for i, p := range cfg.ASR.Providers {
		prefix := fmt.Sprintf("asr.providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := asrNamesSeen[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of asr.providers[%d]", prefix, p.Name, prev))
		}
		asrNamesSeen[p.Name] = i
		validateProviderName("asr", p.Name)
	}
	if cfg.ASR.SampleRate != 0 && !slices.Contains(validSampleRates, cfg.ASR.SampleRate) {
		errs = append(errs, fmt.Errorf("asr.sample_rate %d is invalid; valid values: 8000, 16000, 24000, 48000", cfg.ASR.SampleRate))
	}
	if cfg.ASR.MinPoolSize < 0 || cfg.ASR.MaxPoolSize < 0 {
		errs = append(errs, errors.New("asr pool sizes must not be negative"))
	}
	if cfg.ASR.MaxPoolSize > 0 && cfg.ASR.MinPoolSize > cfg.ASR.MaxPoolSize {
		errs = append(errs, fmt.Errorf("asr.min_pool_size %d exceeds asr.max_pool_size %d", cfg.ASR.MinPoolSize, cfg.ASR.MaxPoolSize))
	}

	// LLM
	if cfg.LLM.Name == "" {
		errs = append(errs, errors.New("llm.name is required"))
	} else {
		validateProviderName("llm", cfg.LLM.Name)
	}
	for i, fb := range cfg.LLM.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("llm.fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}

	// TTS
	if cfg.TTS.Provider.Name == "" {
		slog.Warn("tts.provider is not configured; responses will be text-only")
	} else {
		validateProviderName("tts", cfg.TTS.Provider.Name)
	}
	for i, fb := range cfg.TTS.Provider.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("tts.provider.fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("tts", fb.Name)
	}
	if cfg.TTS.SpeedFactor != 0 && (cfg.TTS.SpeedFactor < 0.5 || cfg.TTS.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("tts.speed_factor %.2f is out of range [0.5, 2.0]", cfg.TTS.SpeedFactor))
	}

	// Knowledge
	if cfg.Knowledge.PostgresDSN == "" {
		slog.Warn("knowledge.postgres_dsn is empty; responses will not be grounded in a knowledge base")
	}
	if cfg.Knowledge.Embeddings.Name != "" {
		validateProviderName("embeddings", cfg.Knowledge.Embeddings.Name)
		if cfg.Knowledge.EmbeddingDimensions <= 0 {
			slog.Warn("knowledge.embeddings is configured but knowledge.embedding_dimensions is not set; defaulting to 1536")
		}
	}
	if cfg.Knowledge.ChunkOverlap < 0 || cfg.Knowledge.ChunkSize < 0 {
		errs = append(errs, errors.New("knowledge chunking values must not be negative"))
	}
	if cfg.Knowledge.ChunkSize > 0 && cfg.Knowledge.ChunkOverlap >= cfg.Knowledge.ChunkSize {
		errs = append(errs, fmt.Errorf("knowledge.chunk_overlap %d must be smaller than knowledge.chunk_size %d", cfg.Knowledge.ChunkOverlap, cfg.Knowledge.ChunkSize))
	}
	if cfg.Knowledge.RefreshIntervalMinutes > 0 && len(cfg.Knowledge.Sources) == 0 {
		slog.Warn("knowledge.refresh_interval_minutes is set but knowledge.sources is empty; the refresh loop will have nothing to do")
	}
	srcSeen := make(map[string]int, len(cfg.Knowledge.Sources))
	for i, src := range cfg.Knowledge.Sources {
		prefix := fmt.Sprintf("knowledge.sources[%d]", i)
		if src.Owner == "" || src.Repo == "" {
			errs = append(errs, fmt.Errorf("%s requires both owner and repo", prefix))
			continue
		}
		if prev, ok := srcSeen[src.Key()]; ok {
			errs = append(errs, fmt.Errorf("%s %q is a duplicate of knowledge.sources[%d]", prefix, src.Key(), prev))
		}
		srcSeen[src.Key()] = i
	}

	// Pipeline
	if cfg.Pipeline.VADThreshold < 0 || cfg.Pipeline.VADThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.vad_threshold %.2f is out of range [0, 1]", cfg.Pipeline.VADThreshold))
	}
	if cfg.Pipeline.Temperature < 0 || cfg.Pipeline.Temperature > 2 {
		errs = append(errs, fmt.Errorf("pipeline.temperature %.2f is out of range [0, 2]", cfg.Pipeline.Temperature))
	}
	if cfg.Pipeline.HistoryLimit < 0 || cfg.Pipeline.MaxTokens < 0 {
		errs = append(errs, errors.New("pipeline limits must not be negative"))
	}

	// Session
	if cfg.Session.TTLMinutes < 0 {
		errs = append(errs, fmt.Errorf("session.ttl_minutes %d must not be negative", cfg.Session.TTLMinutes))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
