// Package sessions binds chat conversations to agent tasks.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cowork-oss/cowork-gateway/internal/storage"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// Context keys stored on a session.
const (
	ContextApprovalID = "approval_id"
	ContextUserName   = "user_name"
)

// End reasons.
const (
	EndCompleted = "completed"
	EndFailed    = "failed"
	EndCancelled = "cancelled"
	EndUser      = "user_reset"
	EndIdle      = "idle_timeout"
	EndChannel   = "channel_disabled"
)

// ErrInvalidTransition is returned when a session cannot move to the requested state.
var ErrInvalidTransition = errors.New("session: invalid state transition")

// Config configures a Manager.
type Config struct {
	Store       storage.Store
	Logger      *slog.Logger
	LockTimeout time.Duration
	// Now is swapped in tests.
	Now func() time.Time
}

// Manager maps (channel, chat) pairs to at most one open session.
type Manager struct {
	store       storage.Store
	locks       *KeyLocker
	lockTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewManager creates a session manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("sessions: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:       cfg.Store,
		locks:       NewKeyLocker(cfg.LockTimeout),
		lockTimeout: cfg.LockTimeout,
		logger:      cfg.Logger.With("component", "sessions"),
		now:         cfg.Now,
	}, nil
}

// Chat is a handle on one conversation, valid while its lock is held.
type Chat struct {
	m       *Manager
	ctx     context.Context
	channel *models.Channel
	chatID  string
}

// WithChat runs fn while holding the lock for (channel, chatID). Everything
// fn does through the handle, and any task start it performs, is serialized
// against other messages for the same chat.
func (m *Manager) WithChat(ctx context.Context, ch *models.Channel, chatID string, fn func(*Chat) error) error {
	if ch == nil || chatID == "" {
		return errors.New("sessions: channel and chat id are required")
	}
	release, err := m.locks.Acquire(ctx, models.SessionKey(ch.ID, chatID), m.lockTimeout)
	if err != nil {
		return fmt.Errorf("lock chat %s: %w", chatID, err)
	}
	defer release()
	return fn(&Chat{m: m, ctx: ctx, channel: ch, chatID: chatID})
}

// ResolveOrCreate returns the open session for the chat or creates an idle one.
func (c *Chat) ResolveOrCreate(userID string) (*models.ChannelSession, bool, error) {
	return c.m.resolveOrCreate(c.ctx, c.channel, c.chatID, userID)
}

// Open returns the open session for the chat, if any.
func (c *Chat) Open() (*models.ChannelSession, error) {
	return c.m.store.Sessions().FindOpen(c.ctx, c.channel.ID, c.chatID)
}

// ResolveOrCreate locks the chat and returns its open session, creating an
// idle one when none exists. created reports whether a new row was inserted.
func (m *Manager) ResolveOrCreate(ctx context.Context, ch *models.Channel, chatID, userID string) (sess *models.ChannelSession, created bool, err error) {
	err = m.WithChat(ctx, ch, chatID, func(c *Chat) error {
		sess, created, err = c.ResolveOrCreate(userID)
		return err
	})
	return sess, created, err
}

func (m *Manager) resolveOrCreate(ctx context.Context, ch *models.Channel, chatID, userID string) (*models.ChannelSession, bool, error) {
	sess, err := m.store.Sessions().FindOpen(ctx, ch.ID, chatID)
	if err == nil {
		return sess, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("find session: %w", err)
	}

	now := m.now()
	sess = &models.ChannelSession{
		ID:             uuid.NewString(),
		ChannelID:      ch.ID,
		ChannelType:    ch.Type,
		ChatID:         chatID,
		UserID:         userID,
		State:          models.SessionIdle,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.store.Sessions().Create(ctx, sess); err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	m.logger.Debug("session created", "session_id", sess.ID, "channel_id", ch.ID, "chat_id", chatID)
	return sess, true, nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*models.ChannelSession, error) {
	return m.store.Sessions().Get(ctx, id)
}

// FindOpen returns the open session for a chat.
func (m *Manager) FindOpen(ctx context.Context, channelID, chatID string) (*models.ChannelSession, error) {
	return m.store.Sessions().FindOpen(ctx, channelID, chatID)
}

// FindByTask resolves an agent task back to its open session.
func (m *Manager) FindByTask(ctx context.Context, taskID string) (*models.ChannelSession, error) {
	return m.store.Sessions().FindByTask(ctx, taskID)
}

// Activate binds a started task and marks the session active.
func (m *Manager) Activate(ctx context.Context, sessionID, taskID string) (*models.ChannelSession, error) {
	return m.transition(ctx, sessionID, func(sess *models.ChannelSession) error {
		if sess.State != models.SessionIdle && sess.State != models.SessionActive {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.State, models.SessionActive)
		}
		if taskID != "" {
			sess.TaskID = taskID
		}
		sess.State = models.SessionActive
		return nil
	})
}

// AwaitApproval parks an active session until the approval is answered.
func (m *Manager) AwaitApproval(ctx context.Context, sessionID, approvalID string) (*models.ChannelSession, error) {
	return m.transition(ctx, sessionID, func(sess *models.ChannelSession) error {
		if sess.State != models.SessionActive && sess.State != models.SessionWaitingApproval {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.State, models.SessionWaitingApproval)
		}
		sess.State = models.SessionWaitingApproval
		setContext(sess, ContextApprovalID, approvalID)
		return nil
	})
}

// Resume returns a session waiting for approval to active.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*models.ChannelSession, error) {
	return m.transition(ctx, sessionID, func(sess *models.ChannelSession) error {
		if sess.State != models.SessionWaitingApproval && sess.State != models.SessionActive {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.State, models.SessionActive)
		}
		sess.State = models.SessionActive
		delete(sess.Context, ContextApprovalID)
		return nil
	})
}

// Touch records activity on a session.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	_, err := m.transition(ctx, sessionID, func(*models.ChannelSession) error { return nil })
	return err
}

// End terminates a session. The row is kept with its end reason. Ending an
// already ended session is a no-op.
func (m *Manager) End(ctx context.Context, sessionID, reason string) (*models.ChannelSession, error) {
	sess, err := m.transition(ctx, sessionID, func(sess *models.ChannelSession) error {
		if sess.State.IsTerminal() {
			return errAlreadyEnded
		}
		now := m.now()
		sess.State = models.SessionEnded
		sess.EndReason = reason
		sess.EndedAt = &now
		delete(sess.Context, ContextApprovalID)
		return nil
	})
	if errors.Is(err, errAlreadyEnded) {
		return sess, nil
	}
	if err == nil {
		m.logger.Debug("session ended", "session_id", sessionID, "reason", reason)
	}
	return sess, err
}

var errAlreadyEnded = errors.New("session already ended")

// EndIdle ends open sessions without activity for longer than ttl.
func (m *Manager) EndIdle(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	open, err := m.store.Sessions().ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open sessions: %w", err)
	}
	cutoff := m.now().Add(-ttl)
	ended := 0
	for _, sess := range open {
		if !sess.LastActivityAt.Before(cutoff) {
			continue
		}
		if m.locks.IsLocked(models.SessionKey(sess.ChannelID, sess.ChatID)) {
			continue
		}
		if _, err := m.End(ctx, sess.ID, EndIdle); err != nil {
			m.logger.Warn("failed to end idle session", "session_id", sess.ID, "error", err)
			continue
		}
		ended++
	}
	return ended, nil
}

// EndChannel ends every open session of a channel.
func (m *Manager) EndChannel(ctx context.Context, channelID, reason string) (int, error) {
	open, err := m.store.Sessions().ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open sessions: %w", err)
	}
	ended := 0
	for _, sess := range open {
		if sess.ChannelID != channelID {
			continue
		}
		if _, err := m.End(ctx, sess.ID, reason); err != nil {
			return ended, err
		}
		ended++
	}
	return ended, nil
}

func (m *Manager) transition(ctx context.Context, sessionID string, mutate func(*models.ChannelSession) error) (*models.ChannelSession, error) {
	sess, err := m.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if err := mutate(sess); err != nil {
		return sess, err
	}
	sess.LastActivityAt = m.now()
	if err := m.store.Sessions().Update(ctx, sess); err != nil {
		return nil, fmt.Errorf("update session %s: %w", sessionID, err)
	}
	return sess, nil
}

func setContext(sess *models.ChannelSession, key, value string) {
	if sess.Context == nil {
		sess.Context = make(map[string]string)
	}
	if value == "" {
		delete(sess.Context, key)
		return
	}
	sess.Context[key] = value
}
