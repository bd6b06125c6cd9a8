// Command attune is the main entry point for the Attune voice assistant
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/attunevoice/attune/internal/app"
	"github.com/attunevoice/attune/internal/asrpool"
	"github.com/attunevoice/attune/internal/config"
	"github.com/attunevoice/attune/internal/observe"
	"github.com/attunevoice/attune/internal/resilience"
	"github.com/attunevoice/attune/pkg/asr"
	"github.com/attunevoice/attune/pkg/asr/deepgram"
	asrmock "github.com/attunevoice/attune/pkg/asr/mock"
	"github.com/attunevoice/attune/pkg/asr/whisperhttp"
	"github.com/attunevoice/attune/pkg/embeddings"
	embmock "github.com/attunevoice/attune/pkg/embeddings/mock"
	ollamaembed "github.com/attunevoice/attune/pkg/embeddings/ollama"
	oaembed "github.com/attunevoice/attune/pkg/embeddings/openai"
	"github.com/attunevoice/attune/pkg/llm"
	"github.com/attunevoice/attune/pkg/llm/anyllm"
	llmmock "github.com/attunevoice/attune/pkg/llm/mock"
	"github.com/attunevoice/attune/pkg/tts"
	"github.com/attunevoice/attune/pkg/tts/elevenlabs"
	ttsmock "github.com/attunevoice/attune/pkg/tts/mock"
	"github.com/attunevoice/attune/pkg/tts/polly"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "attune: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "attune: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("attune starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: cfg.Observe.ServiceName,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
		d := config.Diff(old, updated)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
	}, config.WithLogger(logger))
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, logger)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages; "mock" variants exist for local
// development without vendor credentials.
func registerBuiltinProviders(reg *config.Registry) {
	// ── ASR ───────────────────────────────────────────────────────────────────

	reg.RegisterASR("deepgram", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterASR("whisper", func(entry config.ProviderEntry) (asr.Provider, error) {
		return whisperhttp.New(entry.BaseURL)
	})

	reg.RegisterASR("mock", func(_ config.ProviderEntry) (asr.Provider, error) {
		return &asrmock.Provider{EmitOnAudio: true}, nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────
	// The cloud backends share the same pattern: optional APIKey + BaseURL.
	for _, providerName := range []string{"openai", "anthropic", "mistral", "groq"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterLLM("mock", func(entry config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{Model: entry.Model, Chunks: []string{"This is a mock response."}}, nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("polly", func(entry config.ProviderEntry) (tts.Provider, error) {
		return polly.New(polly.Config{
			Region:     optString(entry.Options, "region"),
			Engine:     optString(entry.Options, "engine"),
			SampleRate: optString(entry.Options, "sample_rate"),
		}), nil
	})

	reg.RegisterTTS("mock", func(_ config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})

	reg.RegisterEmbeddings("mock", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{Model: entry.Model}, nil
	})
}

// buildProviders instantiates everything cfg names and returns the filled
// [app.Providers] struct. The ASR slots stay as factories so the adapter pool
// can mint fresh instances on demand.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	for i, entry := range cfg.ASR.Providers {
		entry := entry
		ps.ASR = append(ps.ASR, asrpool.ProviderSpec{
			Name:     entry.Name,
			Priority: i + 1,
			Factory: func() (asr.Provider, error) {
				return reg.CreateASR(entry)
			},
		})
		slog.Info("provider registered", "kind", "asr", "name", entry.Name, "priority", i+1)
	}

	p, err := reg.CreateLLM(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.LLM.Name, err)
	}
	ps.LLM = p
	slog.Info("provider created", "kind", "llm", "name", cfg.LLM.Name)

	if len(cfg.LLM.Fallbacks) > 0 {
		group := resilience.NewLLMFallback(p, cfg.LLM.Name, resilience.BreakerConfig{Name: "llm"})
		for _, entry := range cfg.LLM.Fallbacks {
			alt, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
			}
			group.AddFallback(entry.Name, alt)
			slog.Info("provider created", "kind", "llm", "name", entry.Name, "role", "fallback")
		}
		ps.LLM = group
	}

	if name := cfg.TTS.Provider.Name; name != "" {
		p, err := reg.CreateTTS(cfg.TTS.Provider)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		ps.TTS = p
		slog.Info("provider created", "kind", "tts", "name", name)

		if len(cfg.TTS.Provider.Fallbacks) > 0 {
			group := resilience.NewTTSFallback(p, name, resilience.BreakerConfig{Name: "tts"})
			for _, entry := range cfg.TTS.Provider.Fallbacks {
				alt, err := reg.CreateTTS(entry)
				if err != nil {
					return nil, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
				}
				group.AddFallback(entry.Name, alt)
				slog.Info("provider created", "kind", "tts", "name", entry.Name, "role", "fallback")
			}
			ps.TTS = group
		}
	}

	if name := cfg.Knowledge.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Knowledge.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Attune — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	asrName := "(not configured)"
	if len(cfg.ASR.Providers) > 0 {
		asrName = cfg.ASR.Providers[0].Name
		if len(cfg.ASR.Providers) > 1 {
			asrName += fmt.Sprintf(" +%d fallback", len(cfg.ASR.Providers)-1)
		}
	}
	printRow("ASR", asrName)
	llmLabel := providerLabel(cfg.LLM.Name, cfg.LLM.Model)
	if n := len(cfg.LLM.Fallbacks); n > 0 {
		llmLabel += fmt.Sprintf(" +%d fallback", n)
	}
	printRow("LLM", llmLabel)
	ttsLabel := providerLabel(cfg.TTS.Provider.Name, cfg.TTS.Provider.Model)
	if n := len(cfg.TTS.Provider.Fallbacks); n > 0 {
		ttsLabel += fmt.Sprintf(" +%d fallback", n)
	}
	printRow("TTS", ttsLabel)
	printRow("Embeddings", providerLabel(cfg.Knowledge.Embeddings.Name, cfg.Knowledge.Embeddings.Model))
	if cfg.Knowledge.PostgresDSN != "" {
		printRow("Knowledge", "enabled")
	} else {
		printRow("Knowledge", "(disabled)")
	}
	printRow("Sources", fmt.Sprintf("%d", len(cfg.Knowledge.Sources)))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(name, model string) string {
	if name == "" {
		return "(not configured)"
	}
	if model != "" {
		return name + " / " + model
	}
	return name
}

func printRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
