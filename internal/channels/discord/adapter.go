// Package discord implements the Discord gateway channel adapter.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/cowork-oss/cowork-gateway/internal/cache"
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/markup"
	"github.com/cowork-oss/cowork-gateway/internal/ratelimit"
	"github.com/cowork-oss/cowork-gateway/internal/retry"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

const (
	maxButtonsPerRow = 5
	maxButtonLabel   = 80
	maxFilesPerSend  = 10
)

// Capabilities of the Discord platform.
var Capabilities = channels.Capabilities{
	SupportsReactions:   true,
	SupportsTyping:      true,
	SupportsThreads:     true,
	SupportsAttachments: true,
	SupportsEditing:     true,
	SupportsDeleting:    true,
	SupportsRichText:    true,
	SupportsButtons:     true,
	MaxMessageLength:    2000,
}

// Descriptor returns the registry entry for Discord.
func Descriptor() channels.Descriptor {
	return channels.Descriptor{
		Type: models.ChannelDiscord,
		Meta: channels.ChannelMeta{
			Label:          "Discord",
			SelectionLabel: "Discord (bot)",
			DocsPath:       "/channels/discord",
			Blurb:          "Add a bot in the Developer Portal with the Message Content intent enabled.",
			Aliases:        []string{"dc"},
		},
		Capabilities: Capabilities,
		NewConfig:    func() channels.PlatformConfig { return &Config{} },
		Factory: func(cfg channels.PlatformConfig, logger *slog.Logger) (channels.Adapter, error) {
			c, ok := cfg.(*Config)
			if !ok {
				return nil, channels.ErrConfig(fmt.Sprintf("discord: unexpected config %T", cfg), nil)
			}
			return New(*c, logger), nil
		},
		BuiltIn: true,
	}
}

// Session is the subset of *discordgo.Session the adapter uses.
type Session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	MessageReactionAdd(channelID, messageID, emoji string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

// Dialer creates an unopened session for a bot token.
type Dialer func(token string) (Session, error)

func newSession(token string) (Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	// The adapter runs its own reconnection loop.
	s.ShouldReconnectOnError = false
	return s, nil
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithDialer replaces the session constructor.
func WithDialer(d Dialer) Option {
	return func(a *Adapter) { a.dialer = d }
}

// Adapter implements channels.Adapter for Discord.
type Adapter struct {
	*channels.BaseAdapter

	cfg     Config
	dialer  Dialer
	chunker *channels.Chunker
	dedupe  *cache.Dedupe
	limiter *ratelimit.Bucket

	mu           sync.Mutex
	session      Session
	removers     []func()
	runCtx       context.Context
	cancel       context.CancelFunc
	reconnecting atomic.Bool
	wg           sync.WaitGroup
}

// New creates a Discord adapter. cfg must already be validated.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Adapter {
	cfg = cfg.withDefaults()
	a := &Adapter{
		BaseAdapter: channels.NewBaseAdapter(models.ChannelDiscord, logger),
		cfg:         cfg,
		dialer:      newSession,
		chunker:     channels.ChunkerFor(Capabilities),
		dedupe:      cache.NewDedupe(cache.DedupeOptions{}),
		limiter:     ratelimit.NewBucket(cfg.RateLimit, 0),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect opens the gateway websocket.
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
	a.Logger().Info("discord adapter connected", "bot", a.Info().BotUsername)
	return nil
}

func (a *Adapter) open(ctx context.Context) error {
	s, err := a.dialer(a.cfg.Token)
	if err != nil {
		return retry.Permanent(err)
	}
	removers := []func(){
		s.AddHandler(a.onMessageCreate),
		s.AddHandler(a.onInteractionCreate),
		s.AddHandler(a.onDisconnect),
	}
	if err := s.Open(); err != nil {
		for _, remove := range removers {
			remove()
		}
		if isUnauthorized(err) {
			return retry.Permanent(err)
		}
		return err
	}
	me, err := s.User("@me")
	if err != nil {
		_ = s.Close()
		return err
	}
	name := me.GlobalName
	if name == "" {
		name = me.Username
	}
	a.SetIdentity(me.ID, me.Username, name)

	a.mu.Lock()
	a.session = s
	a.removers = removers
	a.mu.Unlock()
	return nil
}

func (a *Adapter) closeSession() {
	a.mu.Lock()
	s, removers := a.session, a.removers
	a.session, a.removers = nil, nil
	a.mu.Unlock()
	for _, remove := range removers {
		remove()
	}
	if s != nil {
		if err := s.Close(); err != nil {
			a.Logger().Debug("discord session close failed", "error", err)
		}
	}
}

// Disconnect closes the session and stops reconnection.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := channels.WaitGroup(ctx, &a.wg)
	a.closeSession()
	a.dedupe.Clear()
	a.MarkDisconnected()
	return err
}

func (a *Adapter) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	a.mu.Lock()
	runCtx := a.runCtx
	a.mu.Unlock()
	if runCtx == nil || runCtx.Err() != nil {
		return
	}
	if !a.reconnecting.CompareAndSwap(false, true) {
		return
	}
	a.Logger().Warn("discord gateway disconnected")
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.reconnecting.Store(false)
		a.closeSession()
		r := &channels.Reconnector{Config: a.cfg.Reconnect, Base: a.BaseAdapter}
		if err := r.Run(runCtx, a.open); err != nil {
			a.Logger().Error("discord reconnection gave up", "error", err)
		}
	}()
}

func (a *Adapter) currentSession() (Session, error) {
	if err := a.RequireConnected(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil, channels.ErrNotConnected(models.ChannelDiscord)
	}
	return a.session, nil
}

// SendMessage posts text chunks then attachments. A ThreadID targets the
// thread channel instead of ChatID.
func (a *Adapter) SendMessage(ctx context.Context, msg *models.OutgoingMessage) (string, error) {
	s, err := a.currentSession()
	if err != nil {
		return "", err
	}
	target := msg.ChatID
	if msg.ThreadID != "" {
		target = msg.ThreadID
	}
	if target == "" {
		return "", channels.ErrInvalidInput("discord chat_id is required", nil)
	}

	sent := 0
	firstID, err := channels.DeliverText(ctx, a.chunker, markup.Format(msg.Text, msg.ParseMode, markup.Markdown), func(ctx context.Context, chunk string, last bool) (string, error) {
		data := &discordgo.MessageSend{
			Content:         chunk,
			AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers}},
		}
		if sent == 0 && msg.ReplyTo != "" {
			data.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: target}
		}
		if last && msg.HasButtons() {
			data.Components = components(msg.Buttons)
		}
		sent++
		return a.send(ctx, s, target, data)
	})
	if err != nil {
		return firstID, err
	}

	for start := 0; start < len(msg.Attachments); start += maxFilesPerSend {
		end := min(start+maxFilesPerSend, len(msg.Attachments))
		data := &discordgo.MessageSend{}
		for i := start; i < end; i++ {
			att := &msg.Attachments[i]
			content, err := channels.LoadAttachment(ctx, att)
			if err != nil {
				a.RecordFailed(err)
				return firstID, err
			}
			data.Files = append(data.Files, &discordgo.File{Name: att.Filename, ContentType: att.MimeType, Reader: bytes.NewReader(content)})
		}
		id, err := a.send(ctx, s, target, data)
		if err != nil {
			return firstID, err
		}
		if firstID == "" {
			firstID = id
		}
	}
	return firstID, nil
}

func (a *Adapter) send(ctx context.Context, s Session, channelID string, data *discordgo.MessageSend) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", channels.ErrTimeout("discord send", err)
	}
	m, err := s.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
	if err != nil {
		err = mapError("send message", err)
		a.RecordFailed(err)
		return "", err
	}
	a.RecordSent()
	return m.ID, nil
}

// EditMessage implements channels.Editor.
func (a *Adapter) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	s, err := a.currentSession()
	if err != nil {
		return err
	}
	_, err = s.ChannelMessageEdit(chatID, messageID, text, discordgo.WithContext(ctx))
	return mapError("edit message", err)
}

// DeleteMessage implements channels.Deleter.
func (a *Adapter) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	s, err := a.currentSession()
	if err != nil {
		return err
	}
	return mapError("delete message", s.ChannelMessageDelete(chatID, messageID, discordgo.WithContext(ctx)))
}

// SendTyping implements channels.Typer.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	s, err := a.currentSession()
	if err != nil {
		return err
	}
	return mapError("send typing", s.ChannelTyping(chatID, discordgo.WithContext(ctx)))
}

// AddReaction implements channels.Reactor.
func (a *Adapter) AddReaction(ctx context.Context, chatID, messageID, emoji string) error {
	s, err := a.currentSession()
	if err != nil {
		return err
	}
	return mapError("add reaction", s.MessageReactionAdd(chatID, messageID, emoji, discordgo.WithContext(ctx)))
}

func (a *Adapter) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if a.dedupe.Seen(m.ID) {
		return
	}
	botID := a.BotID()
	text := m.Content
	isGroup := m.GuildID != ""
	if isGroup && botID != "" {
		mentioned := mentions(m.Message, botID)
		if a.cfg.RequireMention && !mentioned {
			return
		}
		text = stripMention(text, botID)
	}

	in := &models.IncomingMessage{
		MessageID: m.ID,
		UserID:    m.Author.ID,
		UserName:  authorName(m.Author, m.Member),
		ChatID:    m.ChannelID,
		Text:      strings.TrimSpace(text),
		Timestamp: m.Timestamp,
		IsGroup:   isGroup,
		Raw:       m.Message,
	}
	if m.MessageReference != nil {
		in.ReplyTo = m.MessageReference.MessageID
	}
	for _, att := range m.Attachments {
		in.Attachments = append(in.Attachments, models.Attachment{
			URL:      att.URL,
			Filename: att.Filename,
			MimeType: att.ContentType,
			Size:     int64(att.Size),
		})
		in.Attachments[len(in.Attachments)-1].DetectMimeType()
	}
	if in.Text == "" && len(in.Attachments) == 0 {
		return
	}
	a.EmitMessage(context.Background(), in)
}

// onInteractionCreate surfaces button presses as messages whose text is the
// button payload.
func (a *Adapter) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Interaction == nil || i.Type != discordgo.InteractionMessageComponent {
		return
	}
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session != nil {
		err := session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate})
		if err != nil {
			a.Logger().Debug("discord interaction ack failed", "error", err)
		}
	}
	if a.dedupe.Seen("interaction:" + i.ID) {
		return
	}
	user := i.User
	if i.Member != nil && i.Member.User != nil {
		user = i.Member.User
	}
	if user == nil {
		return
	}
	in := &models.IncomingMessage{
		MessageID: "interaction:" + i.ID,
		UserID:    user.ID,
		UserName:  authorName(user, i.Member),
		ChatID:    i.ChannelID,
		Text:      i.MessageComponentData().CustomID,
		IsGroup:   i.GuildID != "",
		Raw:       i.Interaction,
	}
	if i.Message != nil {
		in.ReplyTo = i.Message.ID
		in.Timestamp = i.Message.Timestamp
	}
	a.EmitMessage(context.Background(), in)
}

func components(rows [][]models.Button) []discordgo.MessageComponent {
	var out []discordgo.MessageComponent
	for _, row := range rows {
		for start := 0; start < len(row); start += maxButtonsPerRow {
			end := min(start+maxButtonsPerRow, len(row))
			var buttons []discordgo.MessageComponent
			for _, b := range row[start:end] {
				label := b.Text
				if len(label) > maxButtonLabel {
					label = label[:maxButtonLabel]
				}
				if b.URL != "" {
					buttons = append(buttons, discordgo.Button{Label: label, Style: discordgo.LinkButton, URL: b.URL})
					continue
				}
				style := discordgo.PrimaryButton
				if strings.HasPrefix(b.Data, "deny:") {
					style = discordgo.DangerButton
				}
				buttons = append(buttons, discordgo.Button{Label: label, Style: style, CustomID: b.Data})
			}
			out = append(out, discordgo.ActionsRow{Components: buttons})
		}
	}
	return out
}

func mentions(m *discordgo.Message, botID string) bool {
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			return true
		}
	}
	return strings.Contains(m.Content, "<@"+botID+">") || strings.Contains(m.Content, "<@!"+botID+">")
}

func stripMention(text, botID string) string {
	text = strings.ReplaceAll(text, "<@!"+botID+">", "")
	return strings.ReplaceAll(text, "<@"+botID+">", "")
}

func authorName(u *discordgo.User, member *discordgo.Member) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func isUnauthorized(err error) bool {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		return rest.Response.StatusCode == http.StatusUnauthorized
	}
	return strings.Contains(err.Error(), "4004") || strings.Contains(strings.ToLower(err.Error()), "authentication failed")
}

// mapError converts discordgo failures into channel errors.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var chErr *channels.Error
	if errors.As(err, &chErr) {
		return err
	}
	msg := "discord " + op
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusUnauthorized:
			return channels.ErrAuthentication(msg, err)
		case http.StatusForbidden, http.StatusBadRequest:
			return channels.ErrInvalidInput(msg, err)
		case http.StatusNotFound:
			return channels.ErrNotFound(msg, err)
		case http.StatusTooManyRequests:
			return channels.ErrRateLimit(msg, err)
		}
		if rest.Response.StatusCode >= 500 {
			return channels.ErrUnavailable(msg, err)
		}
	}
	if isUnauthorized(err) {
		return channels.ErrAuthentication(msg, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return channels.ErrTimeout(msg, err)
	}
	return channels.ErrConnection(msg, err)
}
