package channels

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cowork-oss/cowork-gateway/internal/retry"
)

// ReconnectConfig controls reconnection behavior.
type ReconnectConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Factor       float64       `yaml:"factor" json:"factor"`
	Jitter       bool          `yaml:"jitter" json:"jitter"`
}

// DefaultReconnectConfig returns a baseline reconnection config.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
		Jitter:       true,
	}
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	def := DefaultReconnectConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Factor <= 0 {
		c.Factor = def.Factor
	}
	return c
}

// Delay returns the wait before the given reconnect attempt (1-based).
func (c ReconnectConfig) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	if c.Jitter {
		return retry.BackoffWithJitter(attempt, c.InitialDelay, c.MaxDelay, c.Factor)
	}
	return retry.Backoff(attempt, c.InitialDelay, c.MaxDelay, c.Factor)
}

// Reconnector re-establishes a dropped platform connection with bounded,
// exponentially spaced attempts. Exhausting the attempts or hitting a
// permanent error leaves the adapter in StatusError; recovering from that
// requires operator action.
type Reconnector struct {
	Config ReconnectConfig
	Base   *BaseAdapter
	Logger *slog.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Run calls dial until it succeeds, ctx is canceled, a permanent error is
// returned, or MaxAttempts is reached. The final error is returned.
func (r *Reconnector) Run(ctx context.Context, dial func(context.Context) error) error {
	if dial == nil {
		return errors.New("reconnector: dial func is nil")
	}
	cfg := r.Config.withDefaults()
	logger := r.Logger
	if logger == nil && r.Base != nil {
		logger = r.Base.Logger()
	}
	if logger == nil {
		logger = slog.Default()
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.Base != nil {
			r.Base.RecordReconnectAttempt()
			r.Base.MarkConnecting()
		}

		err := dial(ctx)
		if err == nil {
			if r.Base != nil {
				r.Base.MarkConnected()
			}
			logger.Info("reconnected", "attempt", attempt)
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
		if retry.IsPermanent(err) {
			logger.Error("reconnect aborted by permanent error", "attempt", attempt, "error", err)
			break
		}
		logger.Warn("reconnect attempt failed", "attempt", attempt, "max_attempts", cfg.MaxAttempts, "error", err)

		if attempt >= cfg.MaxAttempts {
			break
		}
		if err := sleep(ctx, cfg.Delay(attempt)); err != nil {
			return err
		}
	}

	if r.Base != nil {
		r.Base.MarkError(ErrConnection("reconnection failed", lastErr))
	}
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WaitGroup waits for wg or returns ctx.Err() when ctx ends first.
func WaitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
