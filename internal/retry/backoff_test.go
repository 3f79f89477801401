package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatsync/internal/models"
)

func fastConfig(attempts int) BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  attempts,
	}
}

func TestBackoff_SuccessFirstAttempt(t *testing.T) {
	attempts := 0
	err := NewBackoff(fastConfig(3)).Retry(context.Background(), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestBackoff_SuccessAfterFailures(t *testing.T) {
	attempts := 0
	err := NewBackoff(fastConfig(5)).Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("dial refused")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestBackoff_ReturnsLastError(t *testing.T) {
	attempts := 0
	err := NewBackoff(fastConfig(3)).Retry(context.Background(), func() error {
		attempts++
		return errors.New("still down")
	})

	if err == nil || err.Error() != "still down" {
		t.Fatalf("expected last error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestBackoff_UnlimitedUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	err := NewBackoff(fastConfig(0)).Retry(ctx, func() error {
		attempts++
		if attempts == 25 {
			cancel()
		}
		return errors.New("down")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 25 {
		t.Errorf("expected 25 attempts, got %d", attempts)
	}
}

func TestBackoff_NonRetryableStopsEarly(t *testing.T) {
	permanent := errors.New("unauthorized")
	attempts := 0

	err := NewBackoff(fastConfig(5)).RetryWithPredicate(context.Background(), func() error {
		attempts++
		return permanent
	}, func(err error) bool { return !errors.Is(err, permanent) })

	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestBackoff_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := NewBackoff(fastConfig(3)).Retry(ctx, func() error {
		called = true
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Error("operation should not run after cancellation")
	}
}

func TestBackoff_DelayGrowthAndCap(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	})

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, want := range expected {
		if got := b.GetNextDelay(i + 1); got != want {
			t.Errorf("attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	})

	for i := 0; i < 200; i++ {
		d := b.GetNextDelay(2)
		if d < 150*time.Millisecond || d > 250*time.Millisecond {
			t.Fatalf("jittered delay %v outside +/-25%% of 200ms", d)
		}
	}
}

func TestFromReconnectConfig(t *testing.T) {
	cfg := FromReconnectConfig(models.ReconnectConfig{})
	if cfg != DefaultBackoffConfig() {
		t.Errorf("expected defaults, got %+v", cfg)
	}

	cfg = FromReconnectConfig(models.ReconnectConfig{InitialBackoffMs: 50, MaxBackoffMs: 2000, MaxAttempts: 7})
	if cfg.InitialDelay != 50*time.Millisecond || cfg.MaxDelay != 2*time.Second || cfg.MaxAttempts != 7 {
		t.Errorf("unexpected config %+v", cfg)
	}
}
