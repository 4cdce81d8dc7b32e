package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	sentinel := errors.New("still down")
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return sentinel
	})
	if err == nil {
		t.Fatal("Do should fail after exhausting attempts")
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("error should wrap last failure, got: %v", err)
	}
	// 1 initial try + MaxAttempts retries.
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastConfig(), func() error {
		return errors.New("never succeeds")
	})
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled retry should report context error, got: %v", err)
	}
}

func TestDelayFor_CappedAtMaxDelay(t *testing.T) {
	cfg := Config{
		InitialDelay: time.Second,
		MaxDelay:     2 * time.Second,
		Multiplier:   10,
	}
	if d := delayFor(cfg, 5); d > cfg.MaxDelay {
		t.Errorf("delay %v exceeds max %v", d, cfg.MaxDelay)
	}
}

func TestDelayFor_JitterStaysBelowBase(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
	for i := 0; i < 50; i++ {
		d := delayFor(cfg, 0)
		if d < 50*time.Millisecond || d >= 100*time.Millisecond {
			t.Fatalf("jittered delay %v outside [50ms, 100ms)", d)
		}
	}
}
