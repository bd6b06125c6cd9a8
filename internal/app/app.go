// Package app wires all Attune subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects the
// knowledge layer, the ASR pool, the orchestrator and the HTTP surface; Run
// binds the listener and serves until the context is cancelled; Shutdown
// drains open streams and tears the subsystems down in reverse-init order.
//
// Providers come in from main.go via the config registry, so tests can hand
// in mock implementations without touching any wiring here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/attunevoice/attune/internal/asrpool"
	"github.com/attunevoice/attune/internal/auth"
	"github.com/attunevoice/attune/internal/config"
	"github.com/attunevoice/attune/internal/health"
	"github.com/attunevoice/attune/internal/knowledge"
	"github.com/attunevoice/attune/internal/knowledge/chunker"
	"github.com/attunevoice/attune/internal/knowledge/pgstore"
	"github.com/attunevoice/attune/internal/knowledge/refresh"
	"github.com/attunevoice/attune/internal/latency"
	"github.com/attunevoice/attune/internal/observe"
	"github.com/attunevoice/attune/internal/orchestrator"
	"github.com/attunevoice/attune/internal/server"
	"github.com/attunevoice/attune/internal/session"
	"github.com/attunevoice/attune/internal/transcript"
	"github.com/attunevoice/attune/internal/vadgate"
	"github.com/attunevoice/attune/pkg/asr"
	"github.com/attunevoice/attune/pkg/embeddings"
	"github.com/attunevoice/attune/pkg/llm"
	"github.com/attunevoice/attune/pkg/tts"
)

// shutdownGrace bounds the HTTP drain during Shutdown when the caller's
// context carries no deadline of its own.
const shutdownGrace = 10 * time.Second

// Providers holds the instantiated provider slots. ASR lists the recognizer
// factories in priority order; LLM is required, TTS and Embeddings are
// optional. Populated by main.go via the config registry.
type Providers struct {
	ASR        []asrpool.ProviderSpec
	LLM        llm.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes for one Attune process.
type App struct {
	cfg *config.Config
	log *slog.Logger

	metrics   *observe.Metrics
	latency   *latency.Monitor
	store     *pgstore.Store
	refresh   *refresh.Loop
	manager   *asrpool.Manager
	pool      *asrpool.Pool
	sessions  *session.Store
	orch      *orchestrator.Orchestrator
	srv       *server.Server
	handler   http.Handler
	healthMux *http.ServeMux

	httpSrv    *http.Server
	metricsSrv *http.Server

	// closers run in reverse order during Shutdown.
	closers []func() error

	mu    sync.Mutex
	addr  string
	ready chan struct{}

	stopOnce sync.Once
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: the vector store is connected and migrated, the ASR manager
// and pool are started, and the HTTP handler is assembled. Nothing listens
// until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, log *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if providers == nil || len(providers.ASR) == 0 {
		return nil, errors.New("app: at least one ASR provider is required")
	}
	if providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{
		cfg:     cfg,
		log:     log.With("component", "app"),
		metrics: observe.DefaultMetrics(),
		ready:   make(chan struct{}),
	}
	a.latency = latency.NewMonitor(latency.Config{}, a.metrics, log)

	if err := a.initKnowledge(ctx, providers.Embeddings); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init knowledge: %w", err)
	}
	if err := a.initSessions(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}
	if err := a.initASR(providers.ASR); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init asr: %w", err)
	}
	if err := a.initOrchestrator(providers); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}
	if err := a.initServer(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initKnowledge connects the vector store and, when sources are configured,
// the background refresh loop. An empty DSN or missing embeddings provider
// leaves retrieval disabled; the pipeline then answers from history alone.
func (a *App) initKnowledge(ctx context.Context, embedder embeddings.Provider) error {
	kc := a.cfg.Knowledge
	if kc.PostgresDSN == "" || embedder == nil {
		a.log.Warn("knowledge base disabled; responses will not be grounded",
			"dsn_configured", kc.PostgresDSN != "",
			"embeddings_configured", embedder != nil,
		)
		return nil
	}

	store, err := pgstore.NewStore(ctx, kc.PostgresDSN, embedder)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})

	if kc.RefreshIntervalMinutes <= 0 || len(kc.Sources) == 0 {
		return nil
	}

	ingestor := knowledge.NewIngestor(
		store,
		chunker.NewEmbedder(embedder, chunker.EmbedderConfig{}),
		chunker.Config{
			MaxChunkSize:       kc.ChunkSize,
			OverlapSize:        kc.ChunkOverlap,
			PreserveParagraphs: true,
		},
		a.log,
	)

	repos := make([]refresh.RepoConfig, 0, len(kc.Sources))
	for _, src := range kc.Sources {
		repos = append(repos, refresh.RepoConfig{
			Owner:  src.Owner,
			Repo:   src.Repo,
			Branch: src.Branch,
			Paths:  src.Paths,
		})
	}

	fetcher := refresh.NewGitHubFetcher(kc.GitHubToken, a.log)
	loop, err := refresh.NewLoop(fetcher, ingestor, store, refresh.LoopConfig{
		Interval: kc.RefreshInterval(),
		Repos:    repos,
	}, a.log)
	if err != nil {
		return err
	}
	a.refresh = loop
	a.closers = append(a.closers, func() error {
		loop.Stop()
		return nil
	})
	return nil
}

// initSessions creates the session store, write-through to Postgres when the
// knowledge database is available.
func (a *App) initSessions(ctx context.Context) error {
	var durable session.Durable
	if a.store != nil {
		records, err := session.NewPGRecords(ctx, a.store.Pool())
		if err != nil {
			return err
		}
		durable = records
	}

	a.sessions = session.NewStore(durable, session.StoreConfig{
		TTL: a.cfg.Session.TTL(),
	}, a.log)
	a.closers = append(a.closers, func() error {
		a.sessions.Close()
		return nil
	})
	return nil
}

// initASR starts the provider health manager and the warm adapter pool.
func (a *App) initASR(specs []asrpool.ProviderSpec) error {
	manager, err := asrpool.NewManager(specs, asrpool.ManagerConfig{}, a.log)
	if err != nil {
		return err
	}
	a.manager = manager
	a.closers = append(a.closers, manager.Close)

	pool, err := asrpool.NewPool(manager, asrpool.PoolConfig{
		MinSize: a.cfg.ASR.MinPoolSize,
		MaxSize: a.cfg.ASR.MaxPoolSize,
	}, a.log)
	if err != nil {
		return err
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	return nil
}

// initOrchestrator assembles the per-session pipeline engine.
func (a *App) initOrchestrator(providers *Providers) error {
	pc := a.cfg.Pipeline

	sampleRate := a.cfg.ASR.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}

	cfg := orchestrator.Config{
		Pool:       a.pool,
		Aggregator: transcript.NewAggregator(transcript.AggregatorConfig{}, a.log),
		LLM:        providers.LLM,
		Sessions:   a.sessions,
		TTS:        providers.TTS,
		Voice: tts.Voice{
			ID:       a.cfg.TTS.VoiceID,
			Provider: a.cfg.TTS.Provider.Name,
		},
		Latency: a.latency,
		Interrupts: orchestrator.NewInterruptHandler(orchestrator.InterruptConfig{
			VADThreshold: pc.VADThreshold,
			VADDuration:  time.Duration(pc.VADDurationMillis) * time.Millisecond,
			Cooldown:     time.Duration(pc.InterruptCooldownMillis) * time.Millisecond,
		}, a.log),
		Stream: asr.StreamConfig{
			LanguageCode: a.cfg.ASR.Language,
			SampleRate:   sampleRate,
			Encoding:     asr.EncodingLinear16,
		},
		Gate:         vadgate.GateConfig{SampleRate: sampleRate},
		SystemPrompt: pc.SystemPrompt,
		SearchLimit:  a.cfg.Knowledge.SearchLimit,
		HistoryLimit: pc.HistoryLimit,
		MaxTokens:    pc.MaxTokens,
		Temperature:  pc.Temperature,
		LLMTimeout:   time.Duration(pc.LLMTimeoutSeconds) * time.Second,
		TTSTimeout:   time.Duration(pc.TTSTimeoutSeconds) * time.Second,
	}
	if a.store != nil {
		cfg.Retriever = a.store
	}

	orch, err := orchestrator.New(cfg, a.log)
	if err != nil {
		return err
	}
	a.orch = orch
	a.closers = append(a.closers, orch.Close)
	return nil
}

// initServer builds the websocket/REST server and the composed HTTP handler
// with telemetry middleware and health probes.
func (a *App) initServer() error {
	srv, err := server.New(server.Config{
		HeartbeatInterval:  time.Duration(a.cfg.Server.HeartbeatIntervalSeconds) * time.Second,
		MaxActivePipelines: a.cfg.Server.MaxActivePipelines,
	}, server.Deps{
		Auth:         auth.NewStaticVerifier(a.cfg.Auth.Tokens),
		Sessions:     a.sessions,
		Orchestrator: a.orch,
		Latency:      a.latency,
		Providers:    a.manager,
		Refresh:      a.refresh,
	}, a.log)
	if err != nil {
		return err
	}
	a.srv = srv
	a.closers = append(a.closers, srv.Close)

	dbCheck := health.DatabaseChecker(nil)
	if a.store != nil {
		dbCheck = health.DatabaseChecker(a.store.Pool())
	}
	probes := health.New(dbCheck, health.ProvidersChecker(a.manager))

	mux := http.NewServeMux()
	probes.Register(mux)
	mux.Handle("/", observe.Middleware(a.metrics)(srv.Handler()))
	a.handler = mux
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run binds the configured listen address, starts the refresh loop, and
// serves until ctx is cancelled or the listener fails. It returns
// context.Canceled on an orderly stop; call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}

	a.mu.Lock()
	a.addr = ln.Addr().String()
	a.mu.Unlock()
	close(a.ready)

	if a.refresh != nil {
		a.refresh.Start(ctx)
	}

	a.httpSrv = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		var serveErr error
		if tc := a.cfg.Server.TLS; tc != nil {
			serveErr = a.httpSrv.ServeTLS(ln, tc.CertFile, tc.KeyFile)
		} else {
			serveErr = a.httpSrv.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	if addr := a.cfg.Observe.MetricsAddr; addr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.Handler())
		a.metricsSrv = &http.Server{
			Addr:              addr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if serveErr := a.metricsSrv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				errCh <- serveErr
			}
		}()
	}

	a.log.Info("serving",
		"addr", a.Addr(),
		"tls", a.cfg.Server.TLS != nil,
		"metrics_addr", a.cfg.Observe.MetricsAddr,
		"knowledge", a.store != nil,
		"refresh", a.refresh != nil,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Ready is closed once Run has bound its listener.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Addr returns the bound listen address, or "" before Run.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains the HTTP surface and tears down all subsystems in
// reverse-init order. It respects the context deadline: when ctx expires
// before the closers finish, the rest are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, shutdownGrace)
			defer cancel()
		}

		// Stop accepting work and drain in-flight requests first.
		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				a.log.Warn("http shutdown error", "err", err)
			}
		}
		if a.metricsSrv != nil {
			if err := a.metricsSrv.Shutdown(ctx); err != nil {
				a.log.Warn("metrics shutdown error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll unwinds partially-initialised subsystems when New fails.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("cleanup error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
