package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newStringGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", BreakerConfig{FailureThreshold: 3}, nil)
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroupPrimarySuccess(t *testing.T) {
	t.Parallel()

	fg := newStringGroup()
	var called string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if called != "primary" {
		t.Errorf("called = %q, want primary", called)
	}
}

func TestFallbackGroupFailsOverToSecondary(t *testing.T) {
	t.Parallel()

	fg := newStringGroup()
	var called string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		if v == "primary" {
			return errBoom
		}
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if called != "secondary" {
		t.Errorf("called = %q, want secondary", called)
	}
}

func TestFallbackGroupAllFail(t *testing.T) {
	t.Parallel()

	fg := newStringGroup()
	err := fg.Execute(context.Background(), func(_ context.Context, _ string) error {
		return errBoom
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("Execute() error = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroupSkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup("primary", "primary", BreakerConfig{FailureThreshold: 1}, nil)
	fg.AddFallback("secondary", "secondary")

	// Trip the primary's breaker.
	fg.Execute(context.Background(), func(_ context.Context, v string) error {
		if v == "primary" {
			return errBoom
		}
		return nil
	})

	var calls []string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		calls = append(calls, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(calls) != 1 || calls[0] != "secondary" {
		t.Errorf("calls = %v, want only secondary while primary is open", calls)
	}

	states := fg.States()
	if states["primary"] != "open" || states["secondary"] != "closed" {
		t.Errorf("States() = %v, want primary open, secondary closed", states)
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()

	fg := newStringGroup()
	got, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, v string) (int, error) {
		if v == "primary" {
			return 0, errBoom
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult() error = %v", err)
	}
	if got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
}

func TestExecuteWithResultAllFail(t *testing.T) {
	t.Parallel()

	fg := newStringGroup()
	_, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, _ string) (int, error) {
		return 0, errBoom
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("ExecuteWithResult() error = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroupIgnoresConfiguredFallbackFunc(t *testing.T) {
	t.Parallel()

	cfg := BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		Fallback:         func(context.Context) error { return nil },
	}
	fg := NewFallbackGroup("only", "only", cfg, nil)

	fg.Execute(context.Background(), func(_ context.Context, _ string) error { return errBoom })

	// With the per-breaker fallback stripped, an open sole entry must surface
	// ErrAllFailed rather than silently succeeding.
	err := fg.Execute(context.Background(), func(_ context.Context, _ string) error { return nil })
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("Execute() error = %v, want ErrAllFailed", err)
	}
}
