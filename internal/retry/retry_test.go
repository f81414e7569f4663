package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestDo_RetryThenSuccess(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || attempts != 3 {
		t.Fatalf("Do() = %d, %v; want 3, nil", attempts, err)
	}
}

func TestDo_MaxAttempts(t *testing.T) {
	attempts, err := Do(context.Background(), fastConfig(2), func(ctx context.Context) error {
		return errors.New("down")
	})
	if err == nil || attempts != 2 {
		t.Fatalf("Do() = %d, %v; want 2 attempts and an error", attempts, err)
	}
}

func TestDo_StopsOnPermanentAndNonRetryable(t *testing.T) {
	attempts, err := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
		return Permanent(errors.New("bad credentials"))
	})
	if !IsPermanent(err) || attempts != 1 {
		t.Fatalf("permanent: %d, %v", attempts, err)
	}

	sentinel := errors.New("not found")
	cfg := fastConfig(5)
	cfg.Retryable = func(err error) bool { return !errors.Is(err, sentinel) }
	attempts, err = Do(context.Background(), cfg, func(ctx context.Context) error { return sentinel })
	if !errors.Is(err, sentinel) || attempts != 1 {
		t.Fatalf("non-retryable: %d, %v", attempts, err)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts, err := Do(ctx, fastConfig(3), func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.Canceled) || attempts != 0 {
		t.Fatalf("Do() = %d, %v", attempts, err)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, time.Second, 30*time.Second, 2); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffWithJitterBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := BackoffWithJitter(2, time.Second, time.Minute, 2)
		if d < time.Second || d >= 3*time.Second {
			t.Fatalf("jittered delay %v outside [1s, 3s)", d)
		}
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
	wrapped := Permanent(context.Canceled)
	if !errors.Is(wrapped, context.Canceled) {
		t.Fatal("Permanent must unwrap to the original error")
	}
}
