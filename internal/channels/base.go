package channels

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// BaseAdapter provides the pieces every adapter shares: handler lists with
// failure isolation, the connection state machine, bot identity and metrics.
// Platform adapters embed it.
type BaseAdapter struct {
	channelType models.ChannelType
	logger      *slog.Logger

	mu       sync.RWMutex
	status   models.ChannelStatus
	lastErr  string
	botID    string
	botUser  string
	botName  string
	extra    map[string]string
	degraded atomic.Bool

	handlersMu      sync.RWMutex
	messageHandlers []MessageHandler
	errorHandlers   []ErrorHandler
	statusHandlers  []StatusHandler

	metrics *Metrics
}

// NewBaseAdapter creates a base adapter in StatusDisconnected.
func NewBaseAdapter(channelType models.ChannelType, logger *slog.Logger) *BaseAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseAdapter{
		channelType: channelType,
		logger:      logger,
		status:      models.StatusDisconnected,
		metrics:     NewMetrics(channelType),
	}
}

// Type returns the platform type.
func (b *BaseAdapter) Type() models.ChannelType {
	return b.channelType
}

// Logger returns the adapter logger.
func (b *BaseAdapter) Logger() *slog.Logger {
	return b.logger
}

// OnMessage registers a message handler. Handlers run in registration order.
func (b *BaseAdapter) OnMessage(handler MessageHandler) {
	if handler == nil {
		return
	}
	b.handlersMu.Lock()
	b.messageHandlers = append(b.messageHandlers, handler)
	b.handlersMu.Unlock()
}

// OnError registers an error handler.
func (b *BaseAdapter) OnError(handler ErrorHandler) {
	if handler == nil {
		return
	}
	b.handlersMu.Lock()
	b.errorHandlers = append(b.errorHandlers, handler)
	b.handlersMu.Unlock()
}

// OnStatusChange registers a status handler.
func (b *BaseAdapter) OnStatusChange(handler StatusHandler) {
	if handler == nil {
		return
	}
	b.handlersMu.Lock()
	b.statusHandlers = append(b.statusHandlers, handler)
	b.handlersMu.Unlock()
}

// Status returns the current connection status.
func (b *BaseAdapter) Status() models.ChannelStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// IsConnected reports whether the adapter is in StatusConnected.
func (b *BaseAdapter) IsConnected() bool {
	return b.Status() == models.StatusConnected
}

// BeginConnect moves the adapter to StatusConnecting. It returns false when a
// connection is already in progress or established, in which case the caller
// must return without doing anything.
func (b *BaseAdapter) BeginConnect() bool {
	b.mu.Lock()
	if b.status == models.StatusConnecting || b.status == models.StatusConnected {
		b.mu.Unlock()
		return false
	}
	b.status = models.StatusConnecting
	b.lastErr = ""
	b.mu.Unlock()

	b.emitStatus(models.StatusConnecting, nil)
	return true
}

// MarkConnected records a successful connection.
func (b *BaseAdapter) MarkConnected() {
	if b.setStatus(models.StatusConnected, "") {
		b.metrics.RecordConnectionOpened()
		b.emitStatus(models.StatusConnected, nil)
	}
}

// MarkConnecting records a reconnection attempt in progress.
func (b *BaseAdapter) MarkConnecting() {
	if b.setStatus(models.StatusConnecting, "") {
		b.emitStatus(models.StatusConnecting, nil)
	}
}

// MarkDisconnected records a clean disconnect.
func (b *BaseAdapter) MarkDisconnected() {
	prev := b.Status()
	if b.setStatus(models.StatusDisconnected, "") {
		if prev == models.StatusConnected {
			b.metrics.RecordConnectionClosed()
		}
		b.emitStatus(models.StatusDisconnected, nil)
	}
}

// MarkError moves the adapter to StatusError and notifies both status and
// error handlers.
func (b *BaseAdapter) MarkError(err error) {
	if err == nil {
		err = ErrInternal("unknown adapter failure", nil)
	}
	b.metrics.RecordError(GetErrorCode(err))
	b.setStatus(models.StatusError, err.Error())
	b.emitStatus(models.StatusError, err)
	b.EmitError(err)
}

func (b *BaseAdapter) setStatus(status models.ChannelStatus, errMsg string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := b.status != status || b.lastErr != errMsg
	b.status = status
	b.lastErr = errMsg
	return changed
}

// RequireConnected returns ErrNotConnected unless the adapter is connected.
func (b *BaseAdapter) RequireConnected() error {
	if !b.IsConnected() {
		return ErrNotConnected(b.channelType)
	}
	return nil
}

// SetIdentity records the bot identity reported by the platform.
func (b *BaseAdapter) SetIdentity(id, username, displayName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.botID = id
	b.botUser = username
	b.botName = displayName
}

// BotID returns the platform ID of the bot account.
func (b *BaseAdapter) BotID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.botID
}

// SetExtra stores a platform detail exposed through Info. An empty value removes the key.
func (b *BaseAdapter) SetExtra(key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if value == "" {
		delete(b.extra, key)
		return
	}
	if b.extra == nil {
		b.extra = make(map[string]string)
	}
	b.extra[key] = value
}

// Info returns the current status and identity.
func (b *BaseAdapter) Info() models.ChannelInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info := models.ChannelInfo{
		Type:           b.channelType,
		Status:         b.status,
		BotID:          b.botID,
		BotUsername:    b.botUser,
		BotDisplayName: b.botName,
		LastError:      b.lastErr,
	}
	if len(b.extra) > 0 {
		info.Extra = make(map[string]string, len(b.extra))
		for k, v := range b.extra {
			info.Extra[k] = v
		}
	}
	return info
}

// SetDegraded marks the adapter as degraded.
func (b *BaseAdapter) SetDegraded(value bool) {
	b.degraded.Store(value)
}

// IsDegraded reports whether the adapter is in degraded mode.
func (b *BaseAdapter) IsDegraded() bool {
	return b.degraded.Load()
}

// Metrics returns a snapshot of adapter metrics.
func (b *BaseAdapter) Metrics() MetricsSnapshot {
	return b.metrics.Snapshot()
}

// RecordSent increments the sent counter.
func (b *BaseAdapter) RecordSent() { b.metrics.RecordMessageSent() }

// RecordFailed increments the failed-send counter and the error code counter.
func (b *BaseAdapter) RecordFailed(err error) {
	b.metrics.RecordMessageFailed()
	b.metrics.RecordError(GetErrorCode(err))
}

// RecordReconnectAttempt increments the reconnect counter.
func (b *BaseAdapter) RecordReconnectAttempt() { b.metrics.RecordReconnectAttempt() }

// EmitMessage hands msg to every registered message handler in order.
// A failing or panicking handler is logged and does not stop the others.
func (b *BaseAdapter) EmitMessage(ctx context.Context, msg *models.IncomingMessage) {
	if msg == nil {
		return
	}
	if msg.Channel == "" {
		msg.Channel = b.channelType
	}
	b.metrics.RecordMessageReceived()

	b.handlersMu.RLock()
	handlers := b.messageHandlers
	b.handlersMu.RUnlock()

	for i, handler := range handlers {
		b.invoke("message", i, func() error {
			return handler(ctx, msg)
		})
	}
}

// EmitError hands err to every registered error handler.
func (b *BaseAdapter) EmitError(err error) {
	if err == nil {
		return
	}
	b.handlersMu.RLock()
	handlers := b.errorHandlers
	b.handlersMu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Warn("adapter error", "error", err)
		return
	}
	for i, handler := range handlers {
		b.invoke("error", i, func() error {
			handler(err)
			return nil
		})
	}
}

func (b *BaseAdapter) emitStatus(status models.ChannelStatus, err error) {
	b.handlersMu.RLock()
	handlers := b.statusHandlers
	b.handlersMu.RUnlock()

	for i, handler := range handlers {
		b.invoke("status", i, func() error {
			handler(status, err)
			return nil
		})
	}
}

func (b *BaseAdapter) invoke(kind string, index int, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("channel handler panicked",
				"handler", kind,
				"index", index,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	if err := fn(); err != nil {
		b.logger.Error("channel handler failed", "handler", kind, "index", index, "error", err)
	}
}
