package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// ChannelStore persists configured channels.
type ChannelStore interface {
	Create(ctx context.Context, channel *models.Channel) error
	Get(ctx context.Context, id string) (*models.Channel, error)
	GetByType(ctx context.Context, channelType models.ChannelType) (*models.Channel, error)
	List(ctx context.Context) ([]*models.Channel, error)
	Update(ctx context.Context, channel *models.Channel) error
	UpdateStatus(ctx context.Context, id string, status models.ChannelStatus, botUsername string) error
	Delete(ctx context.Context, id string) error
}

// UserStore persists external identities and pending pairing codes.
type UserStore interface {
	Create(ctx context.Context, user *models.ChannelUser) error
	Get(ctx context.Context, id string) (*models.ChannelUser, error)
	GetByChannelUserID(ctx context.Context, channelID, channelUserID string) (*models.ChannelUser, error)
	// FindByPairingCode returns the user holding code regardless of expiry.
	// Codes are stored uppercased; callers normalize before lookup.
	FindByPairingCode(ctx context.Context, channelID, code string) (*models.ChannelUser, error)
	ListByChannel(ctx context.Context, channelID string) ([]*models.ChannelUser, error)
	Update(ctx context.Context, user *models.ChannelUser) error
	Delete(ctx context.Context, id string) error
	DeleteByChannel(ctx context.Context, channelID string) (int64, error)
	// DeleteExpiredPlaceholders removes pairing placeholder rows whose code expired before now.
	DeleteExpiredPlaceholders(ctx context.Context, now time.Time) (int64, error)
	// ClearExpiredCodes clears expired pairing codes held by real users.
	ClearExpiredCodes(ctx context.Context, now time.Time) (int64, error)
}

// SessionStore persists chat sessions.
type SessionStore interface {
	Create(ctx context.Context, session *models.ChannelSession) error
	Get(ctx context.Context, id string) (*models.ChannelSession, error)
	Update(ctx context.Context, session *models.ChannelSession) error
	// FindOpen returns the most recent non-ended session for a chat.
	FindOpen(ctx context.Context, channelID, chatID string) (*models.ChannelSession, error)
	// FindByTask returns the non-ended session bound to taskID.
	FindByTask(ctx context.Context, taskID string) (*models.ChannelSession, error)
	ListOpen(ctx context.Context) ([]*models.ChannelSession, error)
	DeleteByChannel(ctx context.Context, channelID string) (int64, error)
}

// MessageStore persists the message history.
type MessageStore interface {
	Create(ctx context.Context, msg *models.StoredMessage) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.StoredMessage, error)
	DeleteByChannel(ctx context.Context, channelID string) (int64, error)
}

// Store groups the repositories over one backing handle.
type Store interface {
	Channels() ChannelStore
	Users() UserStore
	Sessions() SessionStore
	Messages() MessageStore

	// WithTx runs fn inside a unit of work. Repositories reached through the
	// Store passed to fn commit together when fn returns nil and roll back
	// otherwise. Nested calls join the outer unit of work.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	Close() error
}
