package channels

import (
	"context"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// MessageHandler receives normalized inbound messages. A returned error is
// logged by the adapter and never reaches the platform SDK.
type MessageHandler func(ctx context.Context, msg *models.IncomingMessage) error

// ErrorHandler receives adapter-level failures.
type ErrorHandler func(err error)

// StatusHandler receives status transitions. err is set for StatusError.
type StatusHandler func(status models.ChannelStatus, err error)

// Adapter is the interface that all channel adapters implement.
// It provides a uniform surface over Telegram, Discord, Slack and the other platforms.
type Adapter interface {
	// Type returns the platform this adapter serves.
	Type() models.ChannelType

	// Connect establishes the platform connection. Calling it while the adapter
	// is connecting or connected is a no-op. On failure the adapter moves to
	// StatusError and the error is returned.
	Connect(ctx context.Context) error

	// Disconnect tears down the connection, cancels reconnection backoff and
	// releases platform resources.
	Disconnect(ctx context.Context) error

	// SendMessage delivers msg and returns the platform ID of the first chunk.
	// It fails with ErrCodeNotConnected when the adapter is not connected.
	SendMessage(ctx context.Context, msg *models.OutgoingMessage) (string, error)

	OnMessage(handler MessageHandler)
	OnError(handler ErrorHandler)
	OnStatusChange(handler StatusHandler)

	// Info returns the current status and bot identity.
	Info() models.ChannelInfo
}

// Editor is implemented by adapters that can edit sent messages.
type Editor interface {
	EditMessage(ctx context.Context, chatID, messageID, text string) error
}

// Deleter is implemented by adapters that can delete sent messages.
type Deleter interface {
	DeleteMessage(ctx context.Context, chatID, messageID string) error
}

// Typer is implemented by adapters that can show a typing indicator.
type Typer interface {
	SendTyping(ctx context.Context, chatID string) error
}

// Reactor is implemented by adapters that can react to messages.
type Reactor interface {
	AddReaction(ctx context.Context, chatID, messageID, emoji string) error
}

// QRProvider is implemented by adapters that log in by scanning a QR code.
// LoginQR returns the payload to encode while a login is pending.
type QRProvider interface {
	LoginQR() (string, bool)
}
