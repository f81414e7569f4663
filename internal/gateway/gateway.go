// Package gateway connects chat platforms to the agent daemon.
//
// A Gateway owns the channel lifecycle: it persists channel rows, builds and
// connects their adapters and tears them down again. The Router it owns moves
// inbound messages to the daemon and daemon events back to the chats.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cowork-oss/cowork-gateway/internal/agent"
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/observability"
	"github.com/cowork-oss/cowork-gateway/internal/security"
	"github.com/cowork-oss/cowork-gateway/internal/sessions"
	"github.com/cowork-oss/cowork-gateway/internal/storage"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

const (
	testTimeout   = 30 * time.Second
	statusTimeout = 5 * time.Second
)

var (
	// ErrChannelExists is returned when a channel of the same type is already configured.
	ErrChannelExists = errors.New("a channel of this type already exists")
	// ErrChannelNotFound is returned for unknown channel ids.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrNoLoginQR is returned when a channel has no pending QR login.
	ErrNoLoginQR = errors.New("no login QR pending")
)

// ConfigResolver replaces secret references in a raw platform config.
type ConfigResolver interface {
	Resolve(ctx context.Context, raw json.RawMessage) (json.RawMessage, error)
}

// Config configures a Gateway. Security and Sessions are built from Store
// when nil.
type Config struct {
	Store    storage.Store
	Registry *channels.Registry
	Daemon   agent.Daemon
	Security *security.Manager
	Sessions *sessions.Manager
	Secrets  ConfigResolver
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Logger   *slog.Logger

	PairingPrompt  string
	PromptInterval time.Duration
	WorkspaceID    string
}

// Gateway is the composition root for channels, security, sessions and routing.
type Gateway struct {
	store    storage.Store
	registry *channels.Registry
	daemon   agent.Daemon
	security *security.Manager
	sessions *sessions.Manager
	secrets  ConfigResolver
	metrics  *observability.Metrics
	logger   *slog.Logger
	router   *Router

	// lifecycle serializes channel mutations so connect and remove never interleave.
	lifecycle sync.Mutex

	mu       sync.RWMutex
	adapters map[string]channels.Adapter

	unsubscribe func()
	closeOnce   sync.Once
}

// New creates a Gateway and subscribes its router to daemon events.
func New(cfg Config) (*Gateway, error) {
	if cfg.Store == nil {
		return nil, errors.New("gateway: store is required")
	}
	if cfg.Daemon == nil {
		return nil, errors.New("gateway: agent daemon is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = channels.NewRegistry(cfg.Logger)
	}
	if cfg.Security == nil {
		sec, err := security.NewManager(security.Config{Store: cfg.Store, Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
		cfg.Security = sec
	}
	if cfg.Sessions == nil {
		sm, err := sessions.NewManager(sessions.Config{Store: cfg.Store, Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
		cfg.Sessions = sm
	}

	router, err := NewRouter(RouterConfig{
		Store:          cfg.Store,
		Security:       cfg.Security,
		Sessions:       cfg.Sessions,
		Daemon:         cfg.Daemon,
		Registry:       cfg.Registry,
		Metrics:        cfg.Metrics,
		Tracer:         cfg.Tracer,
		Logger:         cfg.Logger,
		PairingPrompt:  cfg.PairingPrompt,
		PromptInterval: cfg.PromptInterval,
		WorkspaceID:    cfg.WorkspaceID,
	})
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		store:    cfg.Store,
		registry: cfg.Registry,
		daemon:   cfg.Daemon,
		security: cfg.Security,
		sessions: cfg.Sessions,
		secrets:  cfg.Secrets,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With("component", "gateway"),
		router:   router,
		adapters: make(map[string]channels.Adapter),
	}
	g.unsubscribe = cfg.Daemon.Subscribe(router.HandleAgentEvent)
	return g, nil
}

// Router returns the message router.
func (g *Gateway) Router() *Router { return g.router }

// Registry returns the adapter registry.
func (g *Gateway) Registry() *channels.Registry { return g.registry }

// Sessions returns the session manager.
func (g *Gateway) Sessions() *sessions.Manager { return g.sessions }

// Security returns the security manager.
func (g *Gateway) Security() *security.Manager { return g.security }

// Start connects every enabled channel. Failures are logged per channel and
// do not stop the others.
func (g *Gateway) Start(ctx context.Context) error {
	list, err := g.store.Channels().List(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	for _, ch := range list {
		if !ch.Enabled {
			continue
		}
		if err := g.connect(ctx, ch); err != nil {
			g.logger.Error("failed to start channel", "channel", ch.Type, "channel_id", ch.ID, "error", err)
		}
	}
	return nil
}

// Shutdown unsubscribes from the daemon and disconnects every adapter.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.closeOnce.Do(func() {
		if g.unsubscribe != nil {
			g.unsubscribe()
		}
	})

	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	g.mu.RLock()
	ids := make([]string, 0, len(g.adapters))
	for id := range g.adapters {
		ids = append(ids, id)
	}
	g.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := g.disconnect(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AddChannelRequest describes a new channel.
type AddChannelRequest struct {
	Type   models.ChannelType
	Name   string
	Config channels.PlatformConfig
	// Security defaults to pairing mode when nil.
	Security *models.SecurityConfig
	Enabled  bool
}

// AddChannel validates, persists and, when enabled, connects a new channel.
// Only one channel per platform type may exist.
func (g *Gateway) AddChannel(ctx context.Context, req AddChannelRequest) (*models.Channel, error) {
	if _, ok := g.registry.Descriptor(req.Type); !ok {
		return nil, fmt.Errorf("add channel %s: %w", req.Type, channels.ErrUnknownChannelType)
	}
	if errs := g.registry.ValidateConfig(req.Type, req.Config); len(errs) > 0 {
		return nil, errs
	}
	sec := models.DefaultSecurityConfig()
	if req.Security != nil {
		sec = req.Security.WithDefaults()
	}
	if errs := channels.ValidateSecurity(sec); len(errs) > 0 {
		return nil, errs
	}
	raw, err := json.Marshal(req.Config)
	if err != nil {
		return nil, fmt.Errorf("encode %s config: %w", req.Type, err)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		d, _ := g.registry.Descriptor(req.Type)
		name = d.Meta.Label
	}
	now := time.Now().UTC()
	ch := &models.Channel{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Name:      name,
		Enabled:   req.Enabled,
		Config:    raw,
		Security:  sec,
		Status:    models.StatusDisconnected,
		CreatedAt: now,
		UpdatedAt: now,
	}

	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	if _, err := g.store.Channels().GetByType(ctx, req.Type); err == nil {
		return nil, fmt.Errorf("add channel %s: %w", req.Type, ErrChannelExists)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("check existing %s channel: %w", req.Type, err)
	}
	if err := g.store.Channels().Create(ctx, ch); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("add channel %s: %w", req.Type, ErrChannelExists)
		}
		return nil, fmt.Errorf("create channel: %w", err)
	}
	g.logger.Info("channel added", "channel", ch.Type, "channel_id", ch.ID, "mode", sec.Mode)

	if ch.Enabled {
		if err := g.connect(ctx, ch); err != nil {
			g.logger.Warn("channel added but failed to connect", "channel", ch.Type, "error", err)
		}
	}
	return g.load(ctx, ch.ID)
}

// UpdateChannelRequest carries the fields to change. Nil fields are kept.
type UpdateChannelRequest struct {
	Name     *string
	Config   channels.PlatformConfig
	Security *models.SecurityConfig
}

// UpdateChannel changes a channel. A connected channel whose platform config
// changed is reconnected with the new config.
func (g *Gateway) UpdateChannel(ctx context.Context, id string, req UpdateChannelRequest) (*models.Channel, error) {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	ch, err := g.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		ch.Name = strings.TrimSpace(*req.Name)
	}
	if req.Security != nil {
		sec := req.Security.WithDefaults()
		if errs := channels.ValidateSecurity(sec); len(errs) > 0 {
			return nil, errs
		}
		ch.Security = sec
	}
	configChanged := false
	if req.Config != nil {
		if errs := g.registry.ValidateConfig(ch.Type, req.Config); len(errs) > 0 {
			return nil, errs
		}
		raw, err := json.Marshal(req.Config)
		if err != nil {
			return nil, fmt.Errorf("encode %s config: %w", ch.Type, err)
		}
		configChanged = string(raw) != string(ch.Config)
		ch.Config = raw
	}
	ch.UpdatedAt = time.Now().UTC()
	if err := g.store.Channels().Update(ctx, ch); err != nil {
		return nil, fmt.Errorf("update channel: %w", err)
	}

	if configChanged && g.isConnected(id) {
		g.logger.Info("reconnecting channel after config change", "channel", ch.Type)
		if err := g.disconnect(ctx, id); err != nil {
			g.logger.Warn("disconnect before reconnect failed", "channel", ch.Type, "error", err)
		}
		if err := g.connect(ctx, ch); err != nil {
			return nil, err
		}
	}
	return g.load(ctx, id)
}

// EnableChannel marks a channel enabled and connects it.
func (g *Gateway) EnableChannel(ctx context.Context, id string) error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	ch, err := g.load(ctx, id)
	if err != nil {
		return err
	}
	if !ch.Enabled {
		ch.Enabled = true
		ch.UpdatedAt = time.Now().UTC()
		if err := g.store.Channels().Update(ctx, ch); err != nil {
			return fmt.Errorf("enable channel: %w", err)
		}
	}
	return g.connect(ctx, ch)
}

// DisableChannel disconnects a channel, ends its open sessions and marks it disabled.
func (g *Gateway) DisableChannel(ctx context.Context, id string) error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	ch, err := g.load(ctx, id)
	if err != nil {
		return err
	}
	if err := g.disconnect(ctx, id); err != nil {
		g.logger.Warn("disconnect failed", "channel", ch.Type, "error", err)
	}
	g.closeSessions(ctx, ch)

	ch.Enabled = false
	ch.Status = models.StatusDisconnected
	ch.UpdatedAt = time.Now().UTC()
	if err := g.store.Channels().Update(ctx, ch); err != nil {
		return fmt.Errorf("disable channel: %w", err)
	}
	g.logger.Info("channel disabled", "channel", ch.Type, "channel_id", id)
	return nil
}

// RemoveChannel disconnects a channel and deletes it with its messages,
// sessions and users in one transaction, children first.
func (g *Gateway) RemoveChannel(ctx context.Context, id string) error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	ch, err := g.load(ctx, id)
	if err != nil {
		return err
	}
	if err := g.disconnect(ctx, id); err != nil {
		g.logger.Warn("disconnect failed", "channel", ch.Type, "error", err)
	}
	g.closeSessions(ctx, ch)

	var messages, sessionRows, users int64
	err = g.store.WithTx(ctx, func(tx storage.Store) error {
		var err error
		if messages, err = tx.Messages().DeleteByChannel(ctx, id); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if sessionRows, err = tx.Sessions().DeleteByChannel(ctx, id); err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		if users, err = tx.Users().DeleteByChannel(ctx, id); err != nil {
			return fmt.Errorf("delete users: %w", err)
		}
		if err := tx.Channels().Delete(ctx, id); err != nil {
			return fmt.Errorf("delete channel: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove channel %s: %w", id, err)
	}
	g.metrics.ForgetChannel(string(ch.Type))
	g.router.ForgetChannel(id)
	g.logger.Info("channel removed",
		"channel", ch.Type,
		"channel_id", id,
		"messages", messages,
		"sessions", sessionRows,
		"users", users)
	return nil
}

// TestChannel connects a throwaway adapter with the stored config of id and
// reports what the platform says about the bot.
func (g *Gateway) TestChannel(ctx context.Context, id string) (models.ChannelInfo, error) {
	ch, err := g.load(ctx, id)
	if err != nil {
		return models.ChannelInfo{}, err
	}
	cfg, err := g.decode(ctx, ch.Type, ch.Config)
	if err != nil {
		return models.ChannelInfo{Type: ch.Type, Status: models.StatusError, LastError: err.Error()}, err
	}
	return g.TestConfig(ctx, ch.Type, cfg)
}

// TestConfig connects a throwaway adapter for cfg, reads its info and disconnects.
func (g *Gateway) TestConfig(ctx context.Context, channelType models.ChannelType, cfg channels.PlatformConfig) (models.ChannelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	a, err := g.registry.CreateAdapter(channelType, cfg, g.logger.With("adapter", channelType, "test", true))
	if err != nil {
		return models.ChannelInfo{Type: channelType, Status: models.StatusError, LastError: err.Error()}, err
	}
	defer func() {
		if err := a.Disconnect(context.WithoutCancel(ctx)); err != nil {
			g.logger.Debug("test adapter disconnect failed", "channel", channelType, "error", err)
		}
	}()
	if err := a.Connect(ctx); err != nil {
		info := a.Info()
		info.Status = models.StatusError
		info.LastError = err.Error()
		return info, err
	}
	return a.Info(), nil
}

// ListChannels returns every configured channel.
func (g *Gateway) ListChannels(ctx context.Context) ([]*models.Channel, error) {
	return g.store.Channels().List(ctx)
}

// GetChannel returns one channel.
func (g *Gateway) GetChannel(ctx context.Context, id string) (*models.Channel, error) {
	return g.load(ctx, id)
}

// ChannelInfo returns the live adapter info for id, or the persisted status
// when no adapter is running.
func (g *Gateway) ChannelInfo(ctx context.Context, id string) (models.ChannelInfo, error) {
	ch, err := g.load(ctx, id)
	if err != nil {
		return models.ChannelInfo{}, err
	}
	info := models.ChannelInfo{Type: ch.Type, Status: ch.Status, BotUsername: ch.BotUsername}
	if a, ok := g.adapterFor(id); ok {
		info = a.Info()
	}
	activity := g.router.ChannelActivity(id)
	info.LastInboundAt = activity.InboundAt
	info.LastOutboundAt = activity.OutboundAt
	return info, nil
}

// LoginQR returns the pending QR login payload of a running adapter.
func (g *Gateway) LoginQR(ctx context.Context, id string) (string, error) {
	if _, err := g.load(ctx, id); err != nil {
		return "", err
	}
	a, ok := g.adapterFor(id)
	if !ok {
		return "", ErrNoLoginQR
	}
	p, ok := a.(channels.QRProvider)
	if !ok {
		return "", ErrNoLoginQR
	}
	code, ok := p.LoginQR()
	if !ok {
		return "", ErrNoLoginQR
	}
	return code, nil
}

// GeneratePairingCode issues a pairing code for channel id.
func (g *Gateway) GeneratePairingCode(ctx context.Context, id string) (security.PairingCode, error) {
	ch, err := g.load(ctx, id)
	if err != nil {
		return security.PairingCode{}, err
	}
	return g.security.GeneratePairingCode(ctx, ch)
}

// GrantUserAccess allows a platform user on channel id.
func (g *Gateway) GrantUserAccess(ctx context.Context, id, channelUserID, displayName string) (*models.ChannelUser, error) {
	if _, err := g.load(ctx, id); err != nil {
		return nil, err
	}
	return g.security.Grant(ctx, id, channelUserID, displayName)
}

// RevokeUserAccess removes a platform user's access on channel id.
func (g *Gateway) RevokeUserAccess(ctx context.Context, id, channelUserID string) (*models.ChannelUser, error) {
	if _, err := g.load(ctx, id); err != nil {
		return nil, err
	}
	return g.security.Revoke(ctx, id, channelUserID)
}

// GetChannelUsers lists the users known on channel id.
func (g *Gateway) GetChannelUsers(ctx context.Context, id string) ([]*models.ChannelUser, error) {
	if _, err := g.load(ctx, id); err != nil {
		return nil, err
	}
	return g.security.ListUsers(ctx, id)
}

// SendMessage delivers text to chatID on channel id.
func (g *Gateway) SendMessage(ctx context.Context, id, chatID, text string) (string, error) {
	ch, err := g.load(ctx, id)
	if err != nil {
		return "", err
	}
	return g.router.Send(ctx, ch, chatID, text)
}

// SendMessageToSession delivers text to the chat of a session.
func (g *Gateway) SendMessageToSession(ctx context.Context, sessionID, text string) (string, error) {
	return g.router.SendToSession(ctx, sessionID, text)
}

// connect builds the adapter for ch, wires it and connects it. Callers hold lifecycle.
func (g *Gateway) connect(ctx context.Context, ch *models.Channel) error {
	if a, ok := g.adapterFor(ch.ID); ok {
		if a.Info().Status != models.StatusError {
			return nil
		}
		_ = g.disconnect(ctx, ch.ID)
	}

	cfg, err := g.decode(ctx, ch.Type, ch.Config)
	if err != nil {
		g.persistStatus(ch.ID, ch.Type, models.StatusError, "")
		return err
	}
	a, err := g.registry.CreateAdapter(ch.Type, cfg, g.logger.With("adapter", ch.Type))
	if err != nil {
		g.persistStatus(ch.ID, ch.Type, models.StatusError, "")
		return fmt.Errorf("create %s adapter: %w", ch.Type, err)
	}

	channelID, channelType := ch.ID, ch.Type
	a.OnStatusChange(func(status models.ChannelStatus, err error) {
		g.persistStatus(channelID, channelType, status, a.Info().BotUsername)
		if err != nil {
			g.logger.Warn("channel status changed", "channel", channelType, "status", status, "error", err)
		} else {
			g.logger.Info("channel status changed", "channel", channelType, "status", status)
		}
	})
	a.OnError(func(err error) {
		g.metrics.RecordError("channel", string(channels.GetErrorCode(err)))
		g.logger.Warn("channel error", "channel", channelType, "code", channels.GetErrorCode(err), "error", err)
	})

	g.mu.Lock()
	g.adapters[ch.ID] = a
	g.mu.Unlock()
	g.router.Attach(a)
	g.registry.SetActive(a)

	if err := a.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", ch.Type, err)
	}
	return nil
}

// disconnect stops and forgets the adapter for channel id. Callers hold lifecycle.
func (g *Gateway) disconnect(ctx context.Context, id string) error {
	g.mu.Lock()
	a, ok := g.adapters[id]
	delete(g.adapters, id)
	g.mu.Unlock()
	if !ok {
		return nil
	}
	g.router.Detach(a.Type())
	g.registry.ClearActive(a)
	if err := a.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect %s: %w", a.Type(), err)
	}
	return nil
}

// closeSessions cancels the running tasks of ch and ends its open sessions.
func (g *Gateway) closeSessions(ctx context.Context, ch *models.Channel) {
	open, err := g.store.Sessions().ListOpen(ctx)
	if err != nil {
		g.logger.Warn("failed to list open sessions", "channel", ch.Type, "error", err)
		return
	}
	for _, sess := range open {
		if sess.ChannelID != ch.ID || sess.TaskID == "" {
			continue
		}
		if err := g.daemon.CancelTask(ctx, sess.TaskID); err != nil && !errors.Is(err, agent.ErrTaskNotFound) {
			g.logger.Warn("failed to cancel task", "task_id", sess.TaskID, "error", err)
		}
		g.router.forgetTask(sess.TaskID)
		g.metrics.SessionActivated(string(ch.Type), -1)
	}
	n, err := g.sessions.EndChannel(ctx, ch.ID, sessions.EndChannel)
	if err != nil {
		g.logger.Warn("failed to end channel sessions", "channel", ch.Type, "error", err)
		return
	}
	if n > 0 {
		g.logger.Info("ended channel sessions", "channel", ch.Type, "count", n)
	}
}

func (g *Gateway) decode(ctx context.Context, channelType models.ChannelType, raw json.RawMessage) (channels.PlatformConfig, error) {
	if g.secrets != nil {
		resolved, err := g.secrets.Resolve(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("resolve %s secrets: %w", channelType, err)
		}
		raw = resolved
	}
	cfg, err := g.registry.DecodeConfig(channelType, raw)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (g *Gateway) persistStatus(id string, channelType models.ChannelType, status models.ChannelStatus, botUsername string) {
	g.metrics.ChannelStatus(string(channelType), status)
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()
	if err := g.store.Channels().UpdateStatus(ctx, id, status, botUsername); err != nil && !errors.Is(err, storage.ErrNotFound) {
		g.logger.Warn("failed to persist channel status", "channel", channelType, "status", status, "error", err)
	}
}

func (g *Gateway) load(ctx context.Context, id string) (*models.Channel, error) {
	ch, err := g.store.Channels().Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load channel %s: %w", id, err)
	}
	return ch, nil
}

func (g *Gateway) adapterFor(id string) (channels.Adapter, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.adapters[id]
	return a, ok
}

func (g *Gateway) isConnected(id string) bool {
	a, ok := g.adapterFor(id)
	return ok && a.Info().Status != models.StatusDisconnected
}
