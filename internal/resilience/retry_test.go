package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_ExponentialWithoutJitter(t *testing.T) {
	b := Backoff{Initial: 5 * time.Minute, Max: time.Hour, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{4, 40 * time.Minute},
		{5, time.Hour},
		{9, time.Hour},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_JitterWithinRange(t *testing.T) {
	b := Backoff{Initial: 100 * time.Second, Max: time.Hour, Multiplier: 2, JitterFraction: 0.1}
	for i := 0; i < 200; i++ {
		d := b.Delay(1)
		if d < 90*time.Second || d > 110*time.Second {
			t.Fatalf("delay %s outside ±10%% of 100s", d)
		}
	}
}

func TestBackoff_Defaults(t *testing.T) {
	var b Backoff
	if got := b.Delay(1); got != 5*time.Minute {
		t.Errorf("expected default 5m initial delay, got %s", got)
	}
	if got := b.WithInitial(30 * time.Second).Delay(1); got != 30*time.Second {
		t.Errorf("expected 30s, got %s", got)
	}
	if got := DefaultBackoff().WithInitial(0).Initial; got != 5*time.Minute {
		t.Errorf("WithInitial(0) should keep base, got %s", got)
	}
}

func TestBackoffFromConfig(t *testing.T) {
	b := BackoffFromConfig(60, 600, 3, 0)
	if b.Initial != time.Minute || b.Max != 10*time.Minute || b.Multiplier != 3 || b.JitterFraction != 0 {
		t.Errorf("unexpected backoff %+v", b)
	}
	if got := b.Delay(2); got != 3*time.Minute {
		t.Errorf("Delay(2) = %s, want 3m", got)
	}
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		Backoff:     Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewFailure(FailureServer, 503, errors.New("unavailable"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_NonTransientNoRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return NewFailure(FailureRejection, 422, errors.New("bad payload"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var retries []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { retries = append(retries, attempt) }

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		return errors.New("connection reset by peer")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("unexpected retry callbacks %v", retries)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, fastRetry(5), func(_ context.Context) error {
		calls++
		cancel()
		return NewFailure(FailureNetwork, 0, errors.New("down"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call after cancel, got %d", calls)
	}
}
