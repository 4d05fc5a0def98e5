package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tenderflow/backend/pkg/errs"
)

func fastConfig(retries int) Config {
	cfg := WithRetries(retries)
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	return cfg
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		if calls < 3 {
			return errs.API("call", errors.New("502"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoStopsAfterBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		return errs.API("call", errors.New("503"))
	})
	if !errors.Is(err, errs.ErrAPI) {
		t.Fatalf("expected api error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (1 + 2 retries)", calls)
	}
}

func TestDoDoesNotRetryValidation(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return errs.Validation("call", "empty prompt")
	})
	if err == nil || calls != 1 {
		t.Fatalf("calls = %d err = %v", calls, err)
	}
}

func TestDoWithResultHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DoWithResult(ctx, fastConfig(2), func() (string, error) {
		return "x", nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 3}
	want := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := cfg.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}
