// Package refresh keeps the knowledge base current by periodically
// re-fetching configured source repositories and re-ingesting their
// documents.
//
// A single in-flight guard ensures ticks never overlap: a tick arriving while
// a refresh runs is skipped, not queued. Per-repository failures are captured
// into the run result and do not abort the rest of the tick.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/attunevoice/attune/internal/knowledge"
)

// Defaults for LoopConfig.
const (
	DefaultInterval    = 3 * time.Minute
	DefaultHistorySize = 20
)

// ErrRefreshInProgress is returned by Trigger when a refresh run is already
// in flight. Runs never queue; callers retry once the current run finishes.
var ErrRefreshInProgress = errors.New("refresh: run already in progress")

// RepoConfig identifies one source repository to refresh.
type RepoConfig struct {
	Owner  string   `yaml:"owner"`
	Repo   string   `yaml:"repo"`
	Branch string   `yaml:"branch"`
	Paths  []string `yaml:"paths"`
}

// String returns the repo's display identity.
func (r RepoConfig) String() string {
	return r.Owner + "/" + r.Repo + "@" + r.Branch
}

// Fetcher retrieves the current documents of a repository. Implementations
// own rate-limit handling: on a low remaining budget they sleep until reset.
type Fetcher interface {
	Fetch(ctx context.Context, repo RepoConfig) ([]knowledge.SourceDocument, error)
}

// Ingester stores one fetched document. Satisfied by *knowledge.Ingestor.
type Ingester interface {
	IngestSource(ctx context.Context, doc knowledge.SourceDocument) error
}

// Recorder persists a run result durably. Satisfied by the pgstore.Store via
// an adapter; a nil Recorder skips durable records.
type Recorder interface {
	RecordRefresh(ctx context.Context, startedAt time.Time, duration time.Duration, processed, updated int, errs []string) error
}

// Result summarizes one refresh run.
type Result struct {
	Timestamp time.Time
	Processed int
	Updated   int
	Errors    []string
	Duration  time.Duration
}

// Status is the loop's current state.
type Status struct {
	Running    bool
	LastRun    *Result
	NextRun    time.Time
	TotalRuns  int
	Repos      []string
}

// LoopConfig tunes the refresh loop.
type LoopConfig struct {
	// Interval between scheduled refreshes.
	Interval time.Duration

	// Repos is the ordered set of repositories to refresh.
	Repos []RepoConfig

	// HistorySize bounds the in-memory run history ring.
	HistorySize int
}

func (c *LoopConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
}

// Loop is the periodic refresh driver.
type Loop struct {
	cfg      LoopConfig
	fetcher  Fetcher
	ingester Ingester
	recorder Recorder
	log      *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	running   bool
	history   []Result
	totalRuns int
	nextRun   time.Time

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewLoop creates a Loop. fetcher and ingester are required; recorder may be
// nil.
func NewLoop(fetcher Fetcher, ingester Ingester, recorder Recorder, cfg LoopConfig, log *slog.Logger) (*Loop, error) {
	if fetcher == nil || ingester == nil {
		return nil, fmt.Errorf("refresh: fetcher and ingester are required")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.applyDefaults()
	return &Loop{
		cfg:      cfg,
		fetcher:  fetcher,
		ingester: ingester,
		recorder: recorder,
		log:      log.With("component", "refresh"),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start runs one refresh immediately, then refreshes on the configured
// interval until Stop or ctx cancellation.
func (l *Loop) Start(ctx context.Context) {
	go func() {
		defer close(l.done)

		l.RefreshNow(ctx)

		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()
		l.setNextRun(l.now().Add(l.cfg.Interval))

		for {
			select {
			case <-ticker.C:
				l.RefreshNow(ctx)
				l.setNextRun(l.now().Add(l.cfg.Interval))
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for any in-flight refresh to finish,
// including background runs started by Trigger.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
		<-l.done
		l.wg.Wait()
	})
}

// RefreshNow runs one refresh unless one is already in flight, in which case
// it reports false and does nothing.
func (l *Loop) RefreshNow(ctx context.Context) bool {
	if !l.tryClaim() {
		l.log.Debug("refresh tick skipped, previous run still in flight")
		return false
	}
	l.runClaimed(ctx)
	return true
}

// Trigger starts an on-demand refresh in the background. It fails with
// ErrRefreshInProgress when a run is already in flight. The run outlives the
// caller's request context.
func (l *Loop) Trigger(ctx context.Context) error {
	if !l.tryClaim() {
		return ErrRefreshInProgress
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runClaimed(context.WithoutCancel(ctx))
	}()
	return nil
}

// tryClaim takes the single in-flight slot. The caller that gets true must
// follow up with runClaimed.
func (l *Loop) tryClaim() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return false
	}
	l.running = true
	return true
}

// runClaimed executes one refresh and releases the in-flight slot.
func (l *Loop) runClaimed(ctx context.Context) {
	result := l.run(ctx)

	l.mu.Lock()
	l.running = false
	l.totalRuns++
	l.history = append(l.history, result)
	if len(l.history) > l.cfg.HistorySize {
		l.history = l.history[len(l.history)-l.cfg.HistorySize:]
	}
	l.mu.Unlock()

	if l.recorder != nil {
		if err := l.recorder.RecordRefresh(ctx, result.Timestamp, result.Duration,
			result.Processed, result.Updated, result.Errors); err != nil {
			l.log.Warn("refresh record not persisted", "error", err)
		}
	}
}

// Status reports the loop's current state.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Status{
		Running:   l.running,
		NextRun:   l.nextRun,
		TotalRuns: l.totalRuns,
	}
	for _, r := range l.cfg.Repos {
		st.Repos = append(st.Repos, r.String())
	}
	if len(l.history) > 0 {
		last := l.history[len(l.history)-1]
		st.LastRun = &last
	}
	return st
}

// History returns a copy of the bounded run history, oldest first.
func (l *Loop) History() []Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Result, len(l.history))
	copy(out, l.history)
	return out
}

// run refreshes every configured repository, capturing per-repo failures.
func (l *Loop) run(ctx context.Context) Result {
	start := l.now()
	result := Result{Timestamp: start}

	for _, repo := range l.cfg.Repos {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", repo, ctx.Err()))
			break
		}

		docs, err := l.fetcher.Fetch(ctx, repo)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: fetch: %v", repo, err))
			continue
		}

		for _, doc := range docs {
			result.Processed++
			if err := l.ingester.IngestSource(ctx, doc); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %s: %v", repo, doc.SourceURL, err))
				continue
			}
			result.Updated++
		}
	}

	result.Duration = l.now().Sub(start)
	l.log.Info("refresh run finished",
		"processed", result.Processed,
		"updated", result.Updated,
		"errors", len(result.Errors),
		"duration", result.Duration)
	return result
}

func (l *Loop) setNextRun(t time.Time) {
	l.mu.Lock()
	l.nextRun = t
	l.mu.Unlock()
}
