package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cowork-oss/cowork-gateway/internal/agent"
	"github.com/cowork-oss/cowork-gateway/internal/cache"
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/observability"
	"github.com/cowork-oss/cowork-gateway/internal/ratelimit"
	"github.com/cowork-oss/cowork-gateway/internal/security"
	"github.com/cowork-oss/cowork-gateway/internal/sessions"
	"github.com/cowork-oss/cowork-gateway/internal/storage"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

const (
	defaultPairingPrompt       = "🔒 This chat is not paired yet. Ask the operator for a pairing code, then send /pair <code>."
	defaultPromptInterval      = 10 * time.Minute
	orphanTTL                  = 5 * time.Minute
	maxOrphanTasks             = 256
	maxAttachmentNamesInPrompt = 10
)

// RouterConfig configures a Router.
type RouterConfig struct {
	Store    storage.Store
	Security *security.Manager
	Sessions *sessions.Manager
	Daemon   agent.Daemon
	Registry *channels.Registry
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Logger   *slog.Logger

	// PairingPrompt is sent to unpaired users in pairing mode.
	PairingPrompt string
	// PromptInterval limits the pairing prompt to once per user per interval.
	PromptInterval time.Duration
	// WorkspaceID is attached to every task the router starts.
	WorkspaceID string
}

// route says where the replies for a task go.
type route struct {
	ChannelID   string
	ChannelType models.ChannelType
	ChatID      string
	ThreadID    string
	SessionID   string
}

// taskState is the router's bookkeeping for one running task.
type taskState struct {
	route route
	// ready is false until the session is bound to the task; events are
	// queued in pending until then.
	ready   bool
	pending []agent.Event

	best            string
	followUps       int
	followUpReplied bool
	completed       bool
}

type orphan struct {
	events []agent.Event
	first  time.Time
}

// Router moves inbound chat messages to the agent daemon and daemon events
// back to the originating chat.
type Router struct {
	store       storage.Store
	security    *security.Manager
	sessions    *sessions.Manager
	daemon      agent.Daemon
	registry    *channels.Registry
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	logger      *slog.Logger
	prompt      string
	workspaceID string

	limiter  *ratelimit.Limiter
	prompts  *cache.Dedupe
	activity *channels.ActivityTracker

	mu       sync.RWMutex
	adapters map[models.ChannelType]channels.Adapter

	tasksMu sync.Mutex
	tasks   map[string]*taskState
	orphans map[string]*orphan
}

// NewRouter creates a router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("router: store is required")
	case cfg.Security == nil:
		return nil, errors.New("router: security manager is required")
	case cfg.Sessions == nil:
		return nil, errors.New("router: session manager is required")
	case cfg.Daemon == nil:
		return nil, errors.New("router: agent daemon is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = channels.NewRegistry(cfg.Logger)
	}
	if cfg.PairingPrompt == "" {
		cfg.PairingPrompt = defaultPairingPrompt
	}
	if cfg.PromptInterval <= 0 {
		cfg.PromptInterval = defaultPromptInterval
	}
	return &Router{
		store:       cfg.Store,
		security:    cfg.Security,
		sessions:    cfg.Sessions,
		daemon:      cfg.Daemon,
		registry:    cfg.Registry,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		logger:      cfg.Logger.With("component", "router"),
		prompt:      cfg.PairingPrompt,
		workspaceID: cfg.WorkspaceID,
		limiter:     ratelimit.NewLimiter(),
		prompts:     cache.NewDedupe(cache.DedupeOptions{TTL: cfg.PromptInterval}),
		activity:    channels.NewActivityTracker(),
		adapters:    make(map[models.ChannelType]channels.Adapter),
		tasks:       make(map[string]*taskState),
		orphans:     make(map[string]*orphan),
	}, nil
}

// ChannelActivity returns the last message times seen on a channel.
func (r *Router) ChannelActivity(channelID string) channels.ActivityEntry {
	return r.activity.Get(channelID)
}

// ForgetChannel drops the router's per-channel state for a removed channel.
func (r *Router) ForgetChannel(channelID string) {
	r.activity.Forget(channelID)
}

// Attach routes a's inbound messages and makes it the delivery target for
// its channel type.
func (r *Router) Attach(a channels.Adapter) {
	r.mu.Lock()
	r.adapters[a.Type()] = a
	r.mu.Unlock()

	a.OnMessage(func(ctx context.Context, msg *models.IncomingMessage) error {
		if current, ok := r.adapter(msg.Channel); !ok || current != a {
			return nil
		}
		return r.HandleMessage(ctx, msg)
	})
}

// Detach stops delivering to the adapter for channelType.
func (r *Router) Detach(channelType models.ChannelType) {
	r.mu.Lock()
	delete(r.adapters, channelType)
	r.mu.Unlock()
}

func (r *Router) adapter(channelType models.ChannelType) (channels.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[channelType]
	return a, ok
}

// HandleMessage routes one inbound message.
func (r *Router) HandleMessage(ctx context.Context, msg *models.IncomingMessage) error {
	if msg == nil || msg.ChatID == "" || msg.UserID == "" {
		return nil
	}
	label := string(msg.Channel)
	ctx, span := r.tracer.TraceInbound(ctx, label, msg.ChatID)
	defer span.End()

	ch, err := r.store.Channels().GetByType(ctx, msg.Channel)
	if err != nil {
		observability.RecordError(span, err)
		r.metrics.MessageRouted(label, observability.OutcomeError)
		return fmt.Errorf("resolve channel %s: %w", msg.Channel, err)
	}
	if !ch.Enabled {
		r.logger.Debug("dropping message for disabled channel", "channel", label)
		return nil
	}
	r.metrics.MessageRecorded(label, models.DirectionIncoming)

	text := strings.TrimSpace(msg.Text)
	cmd := parseCommand(text)

	access, err := r.security.CheckAccess(ctx, ch, msg)
	if err != nil {
		observability.RecordError(span, err)
		r.metrics.MessageRouted(label, observability.OutcomeError)
		return fmt.Errorf("check access: %w", err)
	}

	if cmd.name == cmdPair {
		r.metrics.MessageRouted(label, observability.OutcomeCommand)
		return r.handlePair(ctx, ch, msg, cmd, access)
	}
	if !access.Allowed {
		r.deny(ctx, ch, msg, access)
		return nil
	}
	if !r.limiter.Allow(ratelimit.CompositeKey(ch.ID, msg.UserID), ch.Security.RateLimitPerMinute) {
		r.metrics.MessageRouted(label, observability.OutcomeRateLimited)
		r.logger.Debug("rate limited", "channel", label, "user_id", msg.UserID)
		return nil
	}
	if cmd.name != "" {
		handled, err := r.handleCommand(ctx, ch, msg, cmd)
		if handled {
			r.metrics.MessageRouted(label, observability.OutcomeCommand)
			return err
		}
	}

	prompt := buildPrompt(text, msg.Attachments)
	if prompt == "" {
		return nil
	}
	if err := r.forward(ctx, ch, msg, prompt); err != nil {
		observability.RecordError(span, err)
		r.metrics.MessageRouted(label, observability.OutcomeError)
		return err
	}
	r.metrics.MessageRouted(label, observability.OutcomeAllowed)
	return nil
}

func (r *Router) deny(ctx context.Context, ch *models.Channel, msg *models.IncomingMessage, access security.AccessResult) {
	label := string(ch.Type)
	if !access.PairingRequired {
		r.metrics.MessageRouted(label, observability.OutcomeDenied)
		r.logger.Debug("message denied", "channel", label, "user_id", msg.UserID, "reason", access.Reason)
		return
	}
	r.metrics.MessageRouted(label, observability.OutcomePairingRequired)
	if r.prompts.Seen(cache.Key(ch.ID, msg.UserID)) {
		return
	}
	r.notify(ctx, routeFor(ch, msg, ""), r.prompt)
}

// forward starts a task or sends a follow-up while holding the chat lock,
// so two quick messages cannot both start a task.
func (r *Router) forward(ctx context.Context, ch *models.Channel, msg *models.IncomingMessage, prompt string) error {
	var started string
	err := r.sessions.WithChat(ctx, ch, msg.ChatID, func(c *sessions.Chat) error {
		sess, _, err := c.ResolveOrCreate(msg.UserID)
		if err != nil {
			return err
		}
		rt := routeFor(ch, msg, sess.ID)

		if sess.TaskID != "" {
			err := r.daemon.SendMessage(ctx, sess.TaskID, prompt)
			if err == nil {
				r.beginFollowUp(ctx, sess.TaskID, rt)
				if err := r.sessions.Touch(ctx, sess.ID); err != nil {
					r.logger.Warn("failed to touch session", "session_id", sess.ID, "error", err)
				}
				r.record(ctx, rt, msg.UserID, msg.MessageID, models.DirectionIncoming, msg.Text)
				return nil
			}
			r.logger.Warn("follow-up rejected, starting a new task", "task_id", sess.TaskID, "error", err)
			if _, err := r.sessions.End(ctx, sess.ID, sessions.EndFailed); err != nil {
				return err
			}
			r.forgetTask(sess.TaskID)
			if sess, _, err = c.ResolveOrCreate(msg.UserID); err != nil {
				return err
			}
			rt.SessionID = sess.ID
		}

		taskID, err := r.daemon.StartTask(ctx, agent.TaskRequest{
			Title:       agent.TitleFromPrompt(prompt),
			Prompt:      prompt,
			WorkspaceID: r.workspaceID,
			Source: agent.Source{
				ChannelType: ch.Type,
				ChannelID:   ch.ID,
				ChatID:      msg.ChatID,
				UserID:      msg.UserID,
				SessionID:   sess.ID,
			},
		})
		if err != nil {
			r.notify(ctx, rt, formatFailure("Could not start a task", err.Error()))
			return fmt.Errorf("start task: %w", err)
		}
		r.trackTask(taskID, rt)
		if _, err := r.sessions.Activate(ctx, sess.ID, taskID); err != nil {
			return err
		}
		started = taskID
		r.metrics.SessionActivated(string(ch.Type), 1)
		r.typing(ctx, rt)
		r.record(ctx, rt, msg.UserID, msg.MessageID, models.DirectionIncoming, msg.Text)
		return nil
	})
	if started != "" {
		r.release(ctx, started)
	}
	return err
}

func (r *Router) typing(ctx context.Context, rt route) {
	a, ok := r.adapter(rt.ChannelType)
	if !ok || !r.registry.Supports(rt.ChannelType, channels.CapabilityTyping) {
		return
	}
	if err := r.registry.SendTyping(ctx, a, rt.ChatID); err != nil {
		r.logger.Debug("typing indicator failed", "channel", rt.ChannelType, "error", err)
	}
}

func routeFor(ch *models.Channel, msg *models.IncomingMessage, sessionID string) route {
	return route{
		ChannelID:   ch.ID,
		ChannelType: ch.Type,
		ChatID:      msg.ChatID,
		ThreadID:    msg.ThreadID,
		SessionID:   sessionID,
	}
}

func routeForSession(sess *models.ChannelSession) route {
	return route{
		ChannelID:   sess.ChannelID,
		ChannelType: sess.ChannelType,
		ChatID:      sess.ChatID,
		SessionID:   sess.ID,
	}
}

// buildPrompt appends attachment names so the agent knows files were sent.
func buildPrompt(text string, attachments []models.Attachment) string {
	if len(attachments) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for i, a := range attachments {
		if i == maxAttachmentNamesInPrompt {
			fmt.Fprintf(&b, "\n[+%d more attachments]", len(attachments)-i)
			break
		}
		name := a.Filename
		if name == "" {
			name = string(a.Type)
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[attachment: %s]", name)
	}
	return b.String()
}
