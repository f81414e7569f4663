package channels

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cowork-oss/cowork-gateway/internal/retry"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestReconnectorSucceedsAfterFailures(t *testing.T) {
	base := NewBaseAdapter(models.ChannelSlack, nil)
	r := &Reconnector{Config: ReconnectConfig{MaxAttempts: 5}, Base: base, sleep: noSleep}

	attempts := 0
	err := r.Run(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("dial failed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if base.Status() != models.StatusConnected {
		t.Fatalf("status = %s, want connected", base.Status())
	}
	if got := base.Metrics().ReconnectAttempts; got != 3 {
		t.Fatalf("ReconnectAttempts = %d, want 3", got)
	}
}

func TestReconnectorGivesUp(t *testing.T) {
	base := NewBaseAdapter(models.ChannelSlack, nil)
	var reported error
	base.OnError(func(err error) { reported = err })

	r := &Reconnector{Config: ReconnectConfig{MaxAttempts: 2}, Base: base, sleep: noSleep}
	attempts := 0
	err := r.Run(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("still down")
	})
	if err == nil || attempts != 2 {
		t.Fatalf("Run() = %v after %d attempts", err, attempts)
	}
	if base.Status() != models.StatusError {
		t.Fatalf("status = %s, want error", base.Status())
	}
	if GetErrorCode(reported) != ErrCodeConnection {
		t.Fatalf("reported error = %v", reported)
	}
}

func TestReconnectorStopsOnPermanentError(t *testing.T) {
	base := NewBaseAdapter(models.ChannelWhatsApp, nil)
	r := &Reconnector{Config: ReconnectConfig{MaxAttempts: 5}, Base: base, sleep: noSleep}

	attempts := 0
	err := r.Run(context.Background(), func(ctx context.Context) error {
		attempts++
		return retry.Permanent(errors.New("logged out"))
	})
	if !retry.IsPermanent(err) || attempts != 1 {
		t.Fatalf("Run() = %v after %d attempts", err, attempts)
	}
	if base.Status() != models.StatusError {
		t.Fatalf("status = %s, want error", base.Status())
	}
}

func TestReconnectorHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &Reconnector{Base: NewBaseAdapter(models.ChannelMatrix, nil)}
	if err := r.Run(ctx, func(context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
}
