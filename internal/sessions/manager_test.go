package sessions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cowork-oss/cowork-gateway/internal/storage"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

func newTestSessions(t *testing.T) (*Manager, *models.Channel, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mgr, err := NewManager(Config{
		Store:       storage.NewMemoryStore(),
		LockTimeout: time.Second,
		Now:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	ch := &models.Channel{ID: "ch-1", Type: models.ChannelSlack}
	return mgr, ch, &now
}

func TestResolveOrCreateReusesOpenSession(t *testing.T) {
	mgr, ch, _ := newTestSessions(t)
	ctx := context.Background()

	first, created, err := mgr.ResolveOrCreate(ctx, ch, "C1", "U1")
	if err != nil || !created {
		t.Fatalf("ResolveOrCreate() = %v, %v, %v", first, created, err)
	}
	if first.State != models.SessionIdle {
		t.Fatalf("new session state = %s, want idle", first.State)
	}

	again, created, err := mgr.ResolveOrCreate(ctx, ch, "C1", "U1")
	if err != nil || created || again.ID != first.ID {
		t.Fatalf("second ResolveOrCreate() = %v, created=%v, err=%v", again, created, err)
	}

	other, created, _ := mgr.ResolveOrCreate(ctx, ch, "C2", "U1")
	if !created || other.ID == first.ID {
		t.Fatal("different chat must get its own session")
	}
}

func TestWithChatSerializesTaskStart(t *testing.T) {
	mgr, ch, _ := newTestSessions(t)
	ctx := context.Background()

	var starts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := mgr.WithChat(ctx, ch, "C1", func(c *Chat) error {
				sess, _, err := c.ResolveOrCreate("U1")
				if err != nil {
					return err
				}
				if sess.State == models.SessionIdle {
					starts.Add(1)
					_, err = mgr.Activate(ctx, sess.ID, "task-1")
				}
				return err
			})
			if err != nil {
				t.Errorf("WithChat() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := starts.Load(); got != 1 {
		t.Fatalf("task starts = %d, want exactly 1", got)
	}
	if mgr.locks.Len() != 0 {
		t.Fatalf("locker retained %d keys", mgr.locks.Len())
	}
}

func TestSessionLifecycle(t *testing.T) {
	mgr, ch, _ := newTestSessions(t)
	ctx := context.Background()

	sess, _, _ := mgr.ResolveOrCreate(ctx, ch, "C1", "U1")

	if _, err := mgr.AwaitApproval(ctx, sess.ID, "a1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("AwaitApproval() from idle error = %v", err)
	}

	sess, err := mgr.Activate(ctx, sess.ID, "task-9")
	if err != nil || sess.State != models.SessionActive || sess.TaskID != "task-9" {
		t.Fatalf("Activate() = %+v, %v", sess, err)
	}

	sess, err = mgr.AwaitApproval(ctx, sess.ID, "a1")
	if err != nil || sess.State != models.SessionWaitingApproval || sess.Context[ContextApprovalID] != "a1" {
		t.Fatalf("AwaitApproval() = %+v, %v", sess, err)
	}

	found, err := mgr.FindByTask(ctx, "task-9")
	if err != nil || found.ID != sess.ID {
		t.Fatalf("FindByTask() = %v, %v", found, err)
	}

	sess, err = mgr.Resume(ctx, sess.ID)
	if err != nil || sess.State != models.SessionActive || sess.Context[ContextApprovalID] != "" {
		t.Fatalf("Resume() = %+v, %v", sess, err)
	}

	sess, err = mgr.End(ctx, sess.ID, EndCompleted)
	if err != nil || sess.State != models.SessionEnded || sess.EndedAt == nil || sess.EndReason != EndCompleted {
		t.Fatalf("End() = %+v, %v", sess, err)
	}
	if _, err := mgr.End(ctx, sess.ID, EndFailed); err != nil {
		t.Fatalf("End() twice error = %v", err)
	}
	if _, err := mgr.FindByTask(ctx, "task-9"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("ended session must leave the active index, err = %v", err)
	}

	// The row persists.
	row, err := mgr.Get(ctx, sess.ID)
	if err != nil || row.EndReason != EndCompleted {
		t.Fatalf("Get() ended row = %+v, %v", row, err)
	}

	next, created, _ := mgr.ResolveOrCreate(ctx, ch, "C1", "U1")
	if !created || next.ID == sess.ID {
		t.Fatal("a new session should follow an ended one")
	}
}

func TestEndIdle(t *testing.T) {
	mgr, ch, now := newTestSessions(t)
	ctx := context.Background()

	stale, _, _ := mgr.ResolveOrCreate(ctx, ch, "C1", "U1")
	*now = now.Add(2 * time.Hour)
	fresh, _, _ := mgr.ResolveOrCreate(ctx, ch, "C2", "U2")

	n, err := mgr.EndIdle(ctx, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("EndIdle() = %d, %v", n, err)
	}
	if s, _ := mgr.Get(ctx, stale.ID); s.State != models.SessionEnded || s.EndReason != EndIdle {
		t.Fatalf("stale session = %+v", s)
	}
	if s, _ := mgr.Get(ctx, fresh.ID); s.State != models.SessionIdle {
		t.Fatalf("fresh session = %+v", s)
	}
}

func TestEndChannel(t *testing.T) {
	mgr, ch, _ := newTestSessions(t)
	ctx := context.Background()
	_, _, _ = mgr.ResolveOrCreate(ctx, ch, "C1", "U1")
	_, _, _ = mgr.ResolveOrCreate(ctx, ch, "C2", "U1")
	other := &models.Channel{ID: "ch-2", Type: models.ChannelDiscord}
	_, _, _ = mgr.ResolveOrCreate(ctx, other, "C1", "U1")

	n, err := mgr.EndChannel(ctx, ch.ID, EndChannel)
	if err != nil || n != 2 {
		t.Fatalf("EndChannel() = %d, %v", n, err)
	}
	if _, err := mgr.FindOpen(ctx, other.ID, "C1"); err != nil {
		t.Fatalf("other channel session should stay open: %v", err)
	}
}
