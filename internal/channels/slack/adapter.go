// Package slack implements the Slack channel adapter over Socket Mode.
package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/cowork-oss/cowork-gateway/internal/cache"
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/markup"
	"github.com/cowork-oss/cowork-gateway/internal/ratelimit"
	"github.com/cowork-oss/cowork-gateway/internal/retry"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

const maxButtonsPerBlock = 25

// Capabilities of the Slack platform. Bots cannot send typing indicators
// through the Web API.
var Capabilities = channels.Capabilities{
	SupportsReactions:   true,
	SupportsThreads:     true,
	SupportsAttachments: true,
	SupportsEditing:     true,
	SupportsDeleting:    true,
	SupportsRichText:    true,
	SupportsButtons:     true,
	MaxMessageLength:    3000,
}

// Descriptor returns the registry entry for Slack.
func Descriptor() channels.Descriptor {
	return channels.Descriptor{
		Type: models.ChannelSlack,
		Meta: channels.ChannelMeta{
			Label:          "Slack",
			SelectionLabel: "Slack (Socket Mode)",
			DocsPath:       "/channels/slack",
			Blurb:          "Create an app with Socket Mode enabled and install it to your workspace.",
		},
		Capabilities: Capabilities,
		NewConfig:    func() channels.PlatformConfig { return &Config{} },
		Factory: func(cfg channels.PlatformConfig, logger *slog.Logger) (channels.Adapter, error) {
			c, ok := cfg.(*Config)
			if !ok {
				return nil, channels.ErrConfig(fmt.Sprintf("slack: unexpected config %T", cfg), nil)
			}
			return New(*c, logger), nil
		},
		BuiltIn: true,
	}
}

// API is the subset of *slack.Client the adapter uses.
type API interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	DeleteMessageContext(ctx context.Context, channelID, timestamp string) (string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	UploadFileV2Context(ctx context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
}

var _ API = (*slack.Client)(nil)

// Socket is the Socket Mode connection.
type Socket interface {
	RunContext(ctx context.Context) error
	Ack(req socketmode.Request, payload ...interface{})
	Events() <-chan socketmode.Event
}

type socketClient struct{ c *socketmode.Client }

func (s socketClient) RunContext(ctx context.Context) error { return s.c.RunContext(ctx) }

func (s socketClient) Ack(req socketmode.Request, payload ...interface{}) { s.c.Ack(req, payload...) }

func (s socketClient) Events() <-chan socketmode.Event { return s.c.Events }

// Dialer builds the Web API client and Socket Mode connection for cfg.
type Dialer func(cfg Config) (API, Socket, error)

func newClients(cfg Config) (API, Socket, error) {
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return client, socketClient{c: socketmode.New(client)}, nil
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithDialer replaces the client constructor.
func WithDialer(d Dialer) Option {
	return func(a *Adapter) { a.dialer = d }
}

// Adapter implements channels.Adapter for Slack.
type Adapter struct {
	*channels.BaseAdapter

	cfg     Config
	dialer  Dialer
	chunker *channels.Chunker
	dedupe  *cache.Dedupe
	limiter *ratelimit.Bucket

	mu         sync.Mutex
	api        API
	runCtx     context.Context
	cancel     context.CancelFunc
	connCancel context.CancelFunc
	wg         sync.WaitGroup

	namesMu sync.Mutex
	names   map[string]string
}

// New creates a Slack adapter. cfg must already be validated.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Adapter {
	cfg = cfg.withDefaults()
	a := &Adapter{
		BaseAdapter: channels.NewBaseAdapter(models.ChannelSlack, logger),
		cfg:         cfg,
		dialer:      newClients,
		chunker:     channels.ChunkerFor(Capabilities),
		dedupe:      cache.NewDedupe(cache.DedupeOptions{}),
		limiter:     ratelimit.NewBucket(cfg.RateLimit, 0),
		names:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect authenticates the bot token and starts the Socket Mode loop.
func (a *Adapter) Connect(ctx context.Context) error {
	if !a.BeginConnect() {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.runCtx, a.cancel = runCtx, cancel
	a.mu.Unlock()

	if err := a.open(ctx); err != nil {
		cancel()
		err = mapError("connect", err)
		a.MarkError(err)
		return err
	}
	a.MarkConnected()
	a.Logger().Info("slack adapter connected", "bot", a.Info().BotUsername)
	return nil
}

func (a *Adapter) open(ctx context.Context) error {
	api, sock, err := a.dialer(a.cfg)
	if err != nil {
		return retry.Permanent(err)
	}
	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		if isAuthFailure(err) {
			return retry.Permanent(err)
		}
		return err
	}
	a.SetIdentity(auth.UserID, auth.User, auth.User)
	if auth.Team != "" {
		a.SetExtra("team", auth.Team)
	}

	a.mu.Lock()
	runCtx := a.runCtx
	a.mu.Unlock()
	if runCtx == nil {
		return context.Canceled
	}
	connCtx, connCancel := context.WithCancel(runCtx)
	a.mu.Lock()
	a.api = api
	a.connCancel = connCancel
	a.mu.Unlock()

	a.wg.Add(2)
	go a.readEvents(connCtx, sock)
	go a.runSocket(connCtx, connCancel, sock)
	return nil
}

func (a *Adapter) runSocket(ctx context.Context, cancel context.CancelFunc, sock Socket) {
	defer a.wg.Done()
	err := sock.RunContext(ctx)
	cancel()

	a.mu.Lock()
	runCtx := a.runCtx
	a.mu.Unlock()
	if runCtx == nil || runCtx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.New("socket mode connection closed")
	}
	if isAuthFailure(err) {
		a.MarkError(channels.ErrAuthentication("slack socket mode", err))
		return
	}
	a.Logger().Warn("slack socket mode stopped", "error", err)
	r := &channels.Reconnector{Config: a.cfg.Reconnect, Base: a.BaseAdapter}
	if err := r.Run(runCtx, a.open); err != nil {
		a.Logger().Error("slack reconnection gave up", "error", err)
	}
}

func (a *Adapter) readEvents(ctx context.Context, sock Socket) {
	defer a.wg.Done()
	events := sock.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleEvent(sock, evt)
		}
	}
}

// Disconnect stops the socket loop and any reconnection in progress.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.api = nil
	a.connCancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := channels.WaitGroup(ctx, &a.wg)
	a.dedupe.Clear()
	a.MarkDisconnected()
	return err
}

func (a *Adapter) currentAPI() (API, error) {
	if err := a.RequireConnected(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.api == nil {
		return nil, channels.ErrNotConnected(models.ChannelSlack)
	}
	return a.api, nil
}

// SendMessage posts mrkdwn chunks, then uploads attachments into the same
// conversation. The returned ID is the first chunk's timestamp.
func (a *Adapter) SendMessage(ctx context.Context, msg *models.OutgoingMessage) (string, error) {
	api, err := a.currentAPI()
	if err != nil {
		return "", err
	}
	if msg.ChatID == "" {
		return "", channels.ErrInvalidInput("slack chat_id is required", nil)
	}

	firstID, err := channels.DeliverText(ctx, a.chunker, msg.Text, func(ctx context.Context, chunk string, last bool) (string, error) {
		text := markup.Format(chunk, msg.ParseMode, markup.SlackMrkdwn)
		opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
		if msg.ThreadID != "" {
			opts = append(opts, slack.MsgOptionTS(msg.ThreadID))
		}
		if last && msg.HasButtons() {
			opts = append(opts, slack.MsgOptionBlocks(blocks(text, msg.Buttons)...))
		}
		return a.post(ctx, api, msg.ChatID, opts)
	})
	if err != nil {
		return firstID, err
	}

	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		data, err := channels.LoadAttachment(ctx, att)
		if err != nil {
			a.RecordFailed(err)
			return firstID, err
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return firstID, channels.ErrTimeout("slack upload", err)
		}
		summary, err := api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			Reader:          bytes.NewReader(data),
			FileSize:        len(data),
			Filename:        att.Filename,
			Title:           att.Filename,
			Channel:         msg.ChatID,
			ThreadTimestamp: msg.ThreadID,
		})
		if err != nil {
			err = mapError("upload file", err)
			a.RecordFailed(err)
			return firstID, err
		}
		a.RecordSent()
		if firstID == "" && summary != nil {
			firstID = summary.ID
		}
	}
	return firstID, nil
}

func (a *Adapter) post(ctx context.Context, api API, channelID string, opts []slack.MsgOption) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", channels.ErrTimeout("slack send", err)
	}
	_, ts, err := api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		err = mapError("send message", err)
		a.RecordFailed(err)
		return "", err
	}
	a.RecordSent()
	return ts, nil
}

// EditMessage implements channels.Editor.
func (a *Adapter) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	api, err := a.currentAPI()
	if err != nil {
		return err
	}
	text = markup.Render(text, markup.SlackMrkdwn)
	_, _, _, err = api.UpdateMessageContext(ctx, chatID, messageID, slack.MsgOptionText(text, false))
	return mapError("edit message", err)
}

// DeleteMessage implements channels.Deleter.
func (a *Adapter) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	api, err := a.currentAPI()
	if err != nil {
		return err
	}
	_, _, err = api.DeleteMessageContext(ctx, chatID, messageID)
	return mapError("delete message", err)
}

// AddReaction implements channels.Reactor. Unicode emoji are mapped to
// Slack short names where known.
func (a *Adapter) AddReaction(ctx context.Context, chatID, messageID, emoji string) error {
	api, err := a.currentAPI()
	if err != nil {
		return err
	}
	return mapError("add reaction", api.AddReactionContext(ctx, reactionName(emoji), slack.NewRefToMessage(chatID, messageID)))
}

var shortNames = map[string]string{
	"👍":  "thumbsup",
	"👎":  "thumbsdown",
	"👀":  "eyes",
	"✅":  "white_check_mark",
	"❌":  "x",
	"⏳":  "hourglass_flowing_sand",
	"🎉":  "tada",
	"❤️": "heart",
}

func reactionName(emoji string) string {
	if name, ok := shortNames[emoji]; ok {
		return name
	}
	return strings.Trim(emoji, ":")
}

func (a *Adapter) handleEvent(sock Socket, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		a.Logger().Debug("slack socket mode connecting")
	case socketmode.EventTypeConnected:
		a.Logger().Debug("slack socket mode connected")
	case socketmode.EventTypeConnectionError:
		a.Logger().Warn("slack socket mode connection error", "data", evt.Data)
	case socketmode.EventTypeEventsAPI:
		ack(sock, evt)
		if api, ok := evt.Data.(slackevents.EventsAPIEvent); ok {
			a.handleEventsAPI(api)
		}
	case socketmode.EventTypeInteractive:
		ack(sock, evt)
		if cb, ok := evt.Data.(slack.InteractionCallback); ok {
			a.handleInteraction(cb)
		}
	case socketmode.EventTypeSlashCommand:
		ack(sock, evt)
		if cmd, ok := evt.Data.(slack.SlashCommand); ok {
			a.handleSlashCommand(cmd)
		}
	}
}

func ack(sock Socket, evt socketmode.Event) {
	if evt.Request != nil {
		sock.Ack(*evt.Request)
	}
}

func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		a.handleMessage(ev)
	case *slackevents.AppMentionEvent:
		a.handleMessage(&slackevents.MessageEvent{
			Type:            "message",
			User:            ev.User,
			Text:            ev.Text,
			Channel:         ev.Channel,
			ChannelType:     "channel",
			TimeStamp:       ev.TimeStamp,
			ThreadTimeStamp: ev.ThreadTimeStamp,
			BotID:           ev.BotID,
		})
	}
}

func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	if ev.BotID != "" || ev.User == "" {
		return
	}
	if ev.SubType != "" && ev.SubType != "file_share" {
		return
	}
	botID := a.BotID()
	if ev.User == botID {
		return
	}

	isGroup := ev.ChannelType != "im"
	mention := botID != "" && strings.Contains(ev.Text, "<@"+botID+">")
	if isGroup && a.cfg.RequireMention && !mention && ev.ThreadTimeStamp == "" {
		return
	}
	if a.dedupe.Seen(ev.Channel + ":" + ev.TimeStamp) {
		return
	}

	text := ev.Text
	if botID != "" {
		text = strings.ReplaceAll(text, "<@"+botID+">", "")
	}
	in := &models.IncomingMessage{
		MessageID: ev.TimeStamp,
		UserID:    ev.User,
		UserName:  a.userName(ev.User),
		ChatID:    ev.Channel,
		Text:      strings.TrimSpace(text),
		Timestamp: parseTimestamp(ev.TimeStamp),
		ThreadID:  ev.ThreadTimeStamp,
		IsGroup:   isGroup,
		Raw:       ev,
	}
	if ev.Message != nil {
		for _, f := range ev.Message.Files {
			in.Attachments = append(in.Attachments, models.Attachment{
				URL:      f.URLPrivateDownload,
				Filename: f.Name,
				MimeType: f.Mimetype,
				Size:     int64(f.Size),
			})
			in.Attachments[len(in.Attachments)-1].DetectMimeType()
		}
	}
	if in.Text == "" && len(in.Attachments) == 0 {
		return
	}
	a.EmitMessage(context.Background(), in)
}

// handleInteraction surfaces Block Kit button presses as messages whose text
// is the button value.
func (a *Adapter) handleInteraction(cb slack.InteractionCallback) {
	if cb.Type != slack.InteractionTypeBlockActions {
		return
	}
	for _, action := range cb.ActionCallback.BlockActions {
		if action == nil || action.Value == "" {
			continue
		}
		id := "action:" + cb.Channel.ID + ":" + action.ActionTs
		if a.dedupe.Seen(id) {
			continue
		}
		name := cb.User.Name
		if name == "" {
			name = a.userName(cb.User.ID)
		}
		a.EmitMessage(context.Background(), &models.IncomingMessage{
			MessageID: id,
			UserID:    cb.User.ID,
			UserName:  name,
			ChatID:    cb.Channel.ID,
			Text:      action.Value,
			Timestamp: time.Now(),
			ReplyTo:   cb.Message.Timestamp,
			ThreadID:  cb.Message.ThreadTimestamp,
			IsGroup:   !strings.HasPrefix(cb.Channel.ID, "D"),
			Raw:       cb,
		})
	}
}

// handleSlashCommand maps "/cowork pair 123" style invocations onto the
// gateway's command syntax.
func (a *Adapter) handleSlashCommand(cmd slack.SlashCommand) {
	text := strings.TrimSpace(cmd.Text)
	if !strings.HasPrefix(text, "/") {
		text = "/" + text
	}
	if text == "/" {
		text = "/help"
	}
	a.EmitMessage(context.Background(), &models.IncomingMessage{
		MessageID: "command:" + cmd.TriggerID,
		UserID:    cmd.UserID,
		UserName:  cmd.UserName,
		ChatID:    cmd.ChannelID,
		Text:      text,
		Timestamp: time.Now(),
		IsGroup:   !strings.HasPrefix(cmd.ChannelID, "D"),
		Raw:       cmd,
	})
}

func (a *Adapter) userName(userID string) string {
	a.namesMu.Lock()
	name, ok := a.names[userID]
	a.namesMu.Unlock()
	if ok {
		return name
	}
	a.mu.Lock()
	api := a.api
	a.mu.Unlock()
	if api == nil {
		return userID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	user, err := api.GetUserInfoContext(ctx, userID)
	if err != nil || user == nil {
		a.Logger().Debug("slack user lookup failed", "user", userID, "error", err)
		return userID
	}
	name = user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = user.Name
	}
	a.namesMu.Lock()
	a.names[userID] = name
	a.namesMu.Unlock()
	return name
}

func blocks(text string, rows [][]models.Button) []slack.Block {
	out := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
	}
	for i, row := range rows {
		var elements []slack.BlockElement
		for j, b := range row {
			if len(elements) == maxButtonsPerBlock {
				break
			}
			label := slack.NewTextBlockObject(slack.PlainTextType, b.Text, false, false)
			btn := slack.NewButtonBlockElement(fmt.Sprintf("btn_%d_%d", i, j), b.Data, label)
			if b.URL != "" {
				btn.URL = b.URL
			}
			switch {
			case strings.HasPrefix(b.Data, "approve:"):
				btn = btn.WithStyle(slack.StylePrimary)
			case strings.HasPrefix(b.Data, "deny:"):
				btn = btn.WithStyle(slack.StyleDanger)
			}
			elements = append(elements, btn)
		}
		if len(elements) > 0 {
			out = append(out, slack.NewActionBlock(fmt.Sprintf("actions_%d", i), elements...))
		}
	}
	return out
}

// parseTimestamp converts a Slack "seconds.micros" timestamp.
func parseTimestamp(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Now()
	}
	var micros int64
	if frac != "" {
		micros, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, micros*int64(time.Microsecond))
}

func slackCode(err error) string {
	var resp slack.SlackErrorResponse
	if errors.As(err, &resp) {
		return resp.Err
	}
	return ""
}

func isAuthFailure(err error) bool {
	switch slackCode(err) {
	case "invalid_auth", "not_authed", "account_inactive", "token_revoked", "token_expired", "not_allowed_token_type":
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "invalid_auth") || strings.Contains(msg, "not_authed")
}

// mapError converts slack-go failures into channel errors.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var chErr *channels.Error
	if errors.As(err, &chErr) {
		return err
	}
	msg := "slack " + op
	var limited *slack.RateLimitedError
	if errors.As(err, &limited) {
		return channels.ErrRateLimit(msg, err)
	}
	if isAuthFailure(err) {
		return channels.ErrAuthentication(msg, err)
	}
	switch slackCode(err) {
	case "ratelimited":
		return channels.ErrRateLimit(msg, err)
	case "channel_not_found", "message_not_found", "thread_not_found", "user_not_found":
		return channels.ErrNotFound(msg, err)
	case "":
	default:
		return channels.ErrInvalidInput(msg, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return channels.ErrTimeout(msg, err)
	}
	return channels.ErrConnection(msg, err)
}
