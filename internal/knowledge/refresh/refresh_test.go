package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/attunevoice/attune/internal/knowledge"
)

type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[string][]knowledge.SourceDocument
	errs  map[string]error
	calls int
	block chan struct{} // when non-nil, Fetch waits until closed
}

func (f *fakeFetcher) Fetch(_ context.Context, repo RepoConfig) ([]knowledge.SourceDocument, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err := f.errs[repo.String()]; err != nil {
		return nil, err
	}
	return f.docs[repo.String()], nil
}

type fakeIngester struct {
	mu       sync.Mutex
	ingested []string
	failOn   string
}

func (f *fakeIngester) IngestSource(_ context.Context, doc knowledge.SourceDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc.SourceURL == f.failOn {
		return errors.New("ingest failed")
	}
	f.ingested = append(f.ingested, doc.SourceURL)
	return nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	records int
}

func (f *fakeRecorder) RecordRefresh(_ context.Context, _ time.Time, _ time.Duration, _, _ int, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records++
	return nil
}

func repos(names ...string) []RepoConfig {
	out := make([]RepoConfig, len(names))
	for i, n := range names {
		out[i] = RepoConfig{Owner: "org", Repo: n, Branch: "main"}
	}
	return out
}

func TestRefreshNowIngestsAllRepos(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{docs: map[string][]knowledge.SourceDocument{
		"org/one@main": {{SourceURL: "u1"}, {SourceURL: "u2"}},
		"org/two@main": {{SourceURL: "u3"}},
	}}
	ingester := &fakeIngester{}
	recorder := &fakeRecorder{}

	l, err := NewLoop(fetcher, ingester, recorder, LoopConfig{Repos: repos("one", "two")}, nil)
	if err != nil {
		t.Fatalf("NewLoop() error = %v", err)
	}

	if !l.RefreshNow(context.Background()) {
		t.Fatal("RefreshNow() = false, want true")
	}

	hist := l.History()
	if len(hist) != 1 {
		t.Fatalf("len(History()) = %d, want 1", len(hist))
	}
	r := hist[0]
	if r.Processed != 3 || r.Updated != 3 || len(r.Errors) != 0 {
		t.Errorf("result = %+v, want 3 processed, 3 updated, no errors", r)
	}
	if len(ingester.ingested) != 3 {
		t.Errorf("ingested %d docs, want 3", len(ingester.ingested))
	}
	if recorder.records != 1 {
		t.Errorf("durable records = %d, want 1", recorder.records)
	}
}

func TestRefreshPerRepoFailureDoesNotAbort(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		docs: map[string][]knowledge.SourceDocument{
			"org/good@main": {{SourceURL: "ok"}},
		},
		errs: map[string]error{
			"org/bad@main": errors.New("api down"),
		},
	}
	ingester := &fakeIngester{}

	l, err := NewLoop(fetcher, ingester, nil, LoopConfig{Repos: repos("bad", "good")}, nil)
	if err != nil {
		t.Fatalf("NewLoop() error = %v", err)
	}
	l.RefreshNow(context.Background())

	r := l.History()[0]
	if len(r.Errors) != 1 {
		t.Fatalf("Errors = %v, want exactly one", r.Errors)
	}
	if r.Updated != 1 {
		t.Errorf("Updated = %d, the healthy repo should still refresh", r.Updated)
	}
}

func TestRefreshIngestFailureCaptured(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{docs: map[string][]knowledge.SourceDocument{
		"org/one@main": {{SourceURL: "good"}, {SourceURL: "bad"}},
	}}
	ingester := &fakeIngester{failOn: "bad"}

	l, _ := NewLoop(fetcher, ingester, nil, LoopConfig{Repos: repos("one")}, nil)
	l.RefreshNow(context.Background())

	r := l.History()[0]
	if r.Processed != 2 || r.Updated != 1 || len(r.Errors) != 1 {
		t.Errorf("result = %+v, want processed 2, updated 1, one error", r)
	}
}

func TestRefreshInFlightGuard(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	fetcher := &fakeFetcher{block: block}
	ingester := &fakeIngester{}

	l, _ := NewLoop(fetcher, ingester, nil, LoopConfig{Repos: repos("one")}, nil)

	first := make(chan bool, 1)
	go func() { first <- l.RefreshNow(context.Background()) }()

	// Wait for the first run to start, then attempt an overlapping run.
	deadline := time.After(time.Second)
	for {
		fetcher.mu.Lock()
		started := fetcher.calls > 0
		fetcher.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first refresh never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if l.RefreshNow(context.Background()) {
		t.Error("overlapping RefreshNow() = true, want skipped")
	}

	close(block)
	if !<-first {
		t.Error("first RefreshNow() = false, want true")
	}
	if got := l.Status().TotalRuns; got != 1 {
		t.Errorf("TotalRuns = %d, want 1", got)
	}
}

func TestTriggerRunsInBackground(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{docs: map[string][]knowledge.SourceDocument{
		"org/one@main": {{SourceURL: "u1"}},
	}}
	ingester := &fakeIngester{}
	l, _ := NewLoop(fetcher, ingester, nil, LoopConfig{Repos: repos("one")}, nil)

	if err := l.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	deadline := time.After(time.Second)
	for l.Status().TotalRuns == 0 {
		select {
		case <-deadline:
			t.Fatal("triggered refresh never completed")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if len(l.History()) != 1 {
		t.Errorf("len(History()) = %d, want 1", len(l.History()))
	}
}

func TestTriggerWhileRunning(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	fetcher := &fakeFetcher{block: block}
	ingester := &fakeIngester{}
	l, _ := NewLoop(fetcher, ingester, nil, LoopConfig{Repos: repos("one")}, nil)

	if err := l.Trigger(context.Background()); err != nil {
		t.Fatalf("first Trigger() error = %v", err)
	}

	// Wait for the first run to reach the fetcher, then attempt an overlap.
	deadline := time.After(time.Second)
	for {
		fetcher.mu.Lock()
		started := fetcher.calls > 0
		fetcher.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("triggered refresh never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if err := l.Trigger(context.Background()); !errors.Is(err, ErrRefreshInProgress) {
		t.Errorf("overlapping Trigger() = %v, want ErrRefreshInProgress", err)
	}
	close(block)
}

func TestRefreshHistoryBounded(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	ingester := &fakeIngester{}
	l, _ := NewLoop(fetcher, ingester, nil, LoopConfig{Repos: repos("one"), HistorySize: 3}, nil)

	for i := 0; i < 10; i++ {
		l.RefreshNow(context.Background())
	}
	if got := len(l.History()); got != 3 {
		t.Errorf("len(History()) = %d, want capped at 3", got)
	}
	if got := l.Status().TotalRuns; got != 10 {
		t.Errorf("TotalRuns = %d, want 10", got)
	}
}
