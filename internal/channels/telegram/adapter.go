// Package telegram implements the Telegram Bot API channel adapter over long polling.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/cowork-oss/cowork-gateway/internal/cache"
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/markup"
	"github.com/cowork-oss/cowork-gateway/internal/ratelimit"
	"github.com/cowork-oss/cowork-gateway/internal/retry"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// maxPollErrors consecutive polling failures trigger a reconnect.
const maxPollErrors = 5

// Capabilities of the Telegram platform.
var Capabilities = channels.Capabilities{
	SupportsReactions:   true,
	SupportsTyping:      true,
	SupportsThreads:     true,
	SupportsAttachments: true,
	SupportsEditing:     true,
	SupportsDeleting:    true,
	SupportsRichText:    true,
	SupportsButtons:     true,
	MaxMessageLength:    4096,
}

// Descriptor returns the registry entry for Telegram.
func Descriptor() channels.Descriptor {
	return channels.Descriptor{
		Type: models.ChannelTelegram,
		Meta: channels.ChannelMeta{
			Label:          "Telegram",
			SelectionLabel: "Telegram (Bot API)",
			DocsPath:       "/channels/telegram",
			Blurb:          "Create a bot with @BotFather and paste its token.",
			Aliases:        []string{"tg"},
		},
		Capabilities: Capabilities,
		NewConfig:    func() channels.PlatformConfig { return &Config{} },
		Factory: func(cfg channels.PlatformConfig, logger *slog.Logger) (channels.Adapter, error) {
			c, ok := cfg.(*Config)
			if !ok {
				return nil, channels.ErrConfig(fmt.Sprintf("telegram: unexpected config %T", cfg), nil)
			}
			return New(*c, logger), nil
		},
		BuiltIn: true,
	}
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithDialer replaces the Bot API client constructor.
func WithDialer(d Dialer) Option {
	return func(a *Adapter) { a.dialer = d }
}

// Adapter implements channels.Adapter for Telegram.
type Adapter struct {
	*channels.BaseAdapter

	cfg     Config
	dialer  Dialer
	chunker *channels.Chunker
	dedupe  *cache.Dedupe
	limiter *ratelimit.Bucket

	mu       sync.Mutex
	client   Client
	runCtx   context.Context
	cancel   context.CancelFunc
	stopPoll context.CancelFunc
	wg       sync.WaitGroup

	pollErrors   atomic.Int32
	reconnecting atomic.Bool
}

// New creates a Telegram adapter. cfg must already be validated.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Adapter {
	cfg = cfg.withDefaults()
	a := &Adapter{
		BaseAdapter: channels.NewBaseAdapter(models.ChannelTelegram, logger),
		cfg:         cfg,
		dialer:      dialBot,
		chunker:     channels.ChunkerFor(Capabilities),
		dedupe:      cache.NewDedupe(cache.DedupeOptions{}),
		limiter:     ratelimit.NewBucket(cfg.RateLimit, 0),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect verifies the token and starts long polling.
func (a *Adapter) Connect(ctx context.Context) error {
	if !a.BeginConnect() {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.runCtx, a.cancel = runCtx, cancel
	a.mu.Unlock()

	if err := a.dial(ctx, runCtx); err != nil {
		cancel()
		err = mapError("connect", err)
		a.MarkError(err)
		return err
	}
	a.MarkConnected()
	a.Logger().Info("telegram adapter connected", "bot", a.Info().BotUsername)
	return nil
}

func (a *Adapter) dial(ctx, runCtx context.Context) error {
	client, err := a.dialer(ctx, a.cfg, a.handleUpdate, a.handlePollError)
	if err != nil {
		return err
	}
	me, err := client.GetMe(ctx)
	if err != nil {
		if errors.Is(err, bot.ErrorUnauthorized) {
			return retry.Permanent(err)
		}
		return err
	}
	a.SetIdentity(strconv.FormatInt(me.ID, 10), me.Username, strings.TrimSpace(me.FirstName+" "+me.LastName))

	pollCtx, stop := context.WithCancel(runCtx)
	a.mu.Lock()
	a.client = client
	a.stopPoll = stop
	a.mu.Unlock()
	a.pollErrors.Store(0)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		client.Start(pollCtx)
	}()
	return nil
}

// Disconnect stops polling and any reconnection in progress.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel, a.stopPoll, a.client = nil, nil, nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := channels.WaitGroup(ctx, &a.wg)
	a.dedupe.Clear()
	a.MarkDisconnected()
	return err
}

func (a *Adapter) handlePollError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	if errors.Is(err, bot.ErrorUnauthorized) {
		a.stopPolling()
		a.MarkError(channels.ErrAuthentication("telegram rejected the bot token", err))
		return
	}
	n := a.pollErrors.Add(1)
	a.Logger().Warn("telegram polling error", "error", err, "consecutive", n)
	if n >= maxPollErrors && a.reconnecting.CompareAndSwap(false, true) {
		go a.reconnect()
	}
}

func (a *Adapter) stopPolling() {
	a.mu.Lock()
	stop := a.stopPoll
	a.stopPoll = nil
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (a *Adapter) reconnect() {
	defer a.reconnecting.Store(false)
	a.mu.Lock()
	runCtx := a.runCtx
	a.mu.Unlock()
	if runCtx == nil || runCtx.Err() != nil {
		return
	}
	a.stopPolling()
	r := &channels.Reconnector{Config: a.cfg.Reconnect, Base: a.BaseAdapter}
	if err := r.Run(runCtx, func(ctx context.Context) error { return a.dial(ctx, runCtx) }); err != nil {
		a.Logger().Error("telegram reconnection gave up", "error", err)
	}
}

func (a *Adapter) currentClient() (Client, error) {
	if err := a.RequireConnected(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, channels.ErrNotConnected(models.ChannelTelegram)
	}
	return a.client, nil
}

// SendMessage sends text in chunks, then each attachment. Buttons go on the
// last text chunk.
func (a *Adapter) SendMessage(ctx context.Context, msg *models.OutgoingMessage) (string, error) {
	client, err := a.currentClient()
	if err != nil {
		return "", err
	}
	chatID, err := parseID("chat_id", msg.ChatID)
	if err != nil {
		return "", err
	}
	replyTo, _ := strconv.Atoi(msg.ReplyTo)
	threadID, _ := strconv.Atoi(msg.ThreadID)

	sent := 0
	firstID, err := channels.DeliverText(ctx, a.chunker, msg.Text, func(ctx context.Context, chunk string, last bool) (string, error) {
		params := &bot.SendMessageParams{
			ChatID:          chatID,
			MessageThreadID: threadID,
			Text:            markup.Format(chunk, msg.ParseMode, markup.TelegramHTML),
			ParseMode:       tgmodels.ParseModeHTML,
		}
		if sent == 0 && replyTo > 0 {
			params.ReplyParameters = &tgmodels.ReplyParameters{MessageID: replyTo}
		}
		if last && msg.HasButtons() {
			params.ReplyMarkup = keyboard(msg.Buttons)
		}
		sent++
		return a.sendText(ctx, client, params, chunk)
	})
	if err != nil {
		return firstID, err
	}

	for i := range msg.Attachments {
		id, err := a.sendAttachment(ctx, client, chatID, threadID, &msg.Attachments[i])
		if err != nil {
			return firstID, err
		}
		if firstID == "" {
			firstID = id
		}
	}
	return firstID, nil
}

// sendText retries once without HTML when Telegram cannot parse the markup.
func (a *Adapter) sendText(ctx context.Context, client Client, params *bot.SendMessageParams, raw string) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", channels.ErrTimeout("telegram send", err)
	}
	m, err := client.SendMessage(ctx, params)
	if err != nil && errors.Is(err, bot.ErrorBadRequest) && strings.Contains(err.Error(), "parse entities") {
		a.Logger().Debug("telegram rejected html, resending as text", "error", err)
		params.Text = raw
		params.ParseMode = ""
		m, err = client.SendMessage(ctx, params)
	}
	if err != nil {
		err = mapError("send message", err)
		a.RecordFailed(err)
		return "", err
	}
	a.RecordSent()
	return strconv.Itoa(m.ID), nil
}

func (a *Adapter) sendAttachment(ctx context.Context, client Client, chatID int64, threadID int, att *models.Attachment) (string, error) {
	data, err := channels.LoadAttachment(ctx, att)
	if err != nil {
		a.RecordFailed(err)
		return "", err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return "", channels.ErrTimeout("telegram send", err)
	}
	file := &tgmodels.InputFileUpload{Filename: att.Filename, Data: bytes.NewReader(data)}

	var m *tgmodels.Message
	switch att.Type {
	case models.AttachmentImage:
		m, err = client.SendPhoto(ctx, &bot.SendPhotoParams{ChatID: chatID, MessageThreadID: threadID, Photo: file})
	case models.AttachmentAudio:
		m, err = client.SendAudio(ctx, &bot.SendAudioParams{ChatID: chatID, MessageThreadID: threadID, Audio: file})
	case models.AttachmentVideo:
		m, err = client.SendVideo(ctx, &bot.SendVideoParams{ChatID: chatID, MessageThreadID: threadID, Video: file})
	default:
		m, err = client.SendDocument(ctx, &bot.SendDocumentParams{ChatID: chatID, MessageThreadID: threadID, Document: file})
	}
	if err != nil {
		err = mapError("send "+string(att.Type), err)
		a.RecordFailed(err)
		return "", err
	}
	a.RecordSent()
	return strconv.Itoa(m.ID), nil
}

// EditMessage implements channels.Editor. text is markdown.
func (a *Adapter) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	client, err := a.currentClient()
	if err != nil {
		return err
	}
	chat, mid, err := parseMessageRef(chatID, messageID)
	if err != nil {
		return err
	}
	_, err = client.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chat,
		MessageID: mid,
		Text:      markup.Render(text, markup.TelegramHTML),
		ParseMode: tgmodels.ParseModeHTML,
	})
	return mapError("edit message", err)
}

// DeleteMessage implements channels.Deleter.
func (a *Adapter) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	client, err := a.currentClient()
	if err != nil {
		return err
	}
	chat, mid, err := parseMessageRef(chatID, messageID)
	if err != nil {
		return err
	}
	_, err = client.DeleteMessage(ctx, &bot.DeleteMessageParams{ChatID: chat, MessageID: mid})
	return mapError("delete message", err)
}

// SendTyping implements channels.Typer.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	client, err := a.currentClient()
	if err != nil {
		return err
	}
	chat, err := parseID("chat_id", chatID)
	if err != nil {
		return err
	}
	_, err = client.SendChatAction(ctx, &bot.SendChatActionParams{ChatID: chat, Action: tgmodels.ChatActionTyping})
	return mapError("send typing", err)
}

// AddReaction implements channels.Reactor.
func (a *Adapter) AddReaction(ctx context.Context, chatID, messageID, emoji string) error {
	client, err := a.currentClient()
	if err != nil {
		return err
	}
	chat, mid, err := parseMessageRef(chatID, messageID)
	if err != nil {
		return err
	}
	_, err = client.SetMessageReaction(ctx, &bot.SetMessageReactionParams{
		ChatID:    chat,
		MessageID: mid,
		Reaction: []tgmodels.ReactionType{{
			Type:              tgmodels.ReactionTypeTypeEmoji,
			ReactionTypeEmoji: &tgmodels.ReactionTypeEmoji{Type: tgmodels.ReactionTypeTypeEmoji, Emoji: emoji},
		}},
	})
	return mapError("add reaction", err)
}

func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	a.pollErrors.Store(0)
	switch {
	case update.CallbackQuery != nil:
		a.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		a.handleMessage(ctx, update.Message)
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgmodels.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	if a.dedupe.Seen(cache.Key(strconv.FormatInt(msg.Chat.ID, 10), strconv.Itoa(msg.ID))) {
		a.Logger().Debug("dropping redelivered telegram message", "chat_id", msg.Chat.ID, "message_id", msg.ID)
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	in := &models.IncomingMessage{
		MessageID: strconv.Itoa(msg.ID),
		UserID:    strconv.FormatInt(msg.From.ID, 10),
		UserName:  displayName(msg.From),
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		Text:      text,
		Timestamp: time.Unix(int64(msg.Date), 0),
		IsGroup:   msg.Chat.Type != tgmodels.ChatTypePrivate,
		Raw:       msg,
	}
	if msg.ReplyToMessage != nil {
		in.ReplyTo = strconv.Itoa(msg.ReplyToMessage.ID)
	}
	if msg.MessageThreadID != 0 {
		in.ThreadID = strconv.Itoa(msg.MessageThreadID)
	}
	in.Attachments = a.inboundAttachments(ctx, msg)
	if in.Text == "" && len(in.Attachments) == 0 {
		return
	}
	a.EmitMessage(ctx, in)
}

// handleCallback surfaces an inline button press as a message whose text is
// the button payload.
func (a *Adapter) handleCallback(ctx context.Context, q *tgmodels.CallbackQuery) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client != nil {
		if _, err := client.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: q.ID}); err != nil {
			a.Logger().Debug("answer callback failed", "error", err)
		}
	}
	if q.Message.Message == nil || q.Data == "" {
		return
	}
	if a.dedupe.Seen(cache.Key("callback", q.ID)) {
		return
	}
	chat := q.Message.Message.Chat
	a.EmitMessage(ctx, &models.IncomingMessage{
		MessageID: "callback:" + q.ID,
		UserID:    strconv.FormatInt(q.From.ID, 10),
		UserName:  displayName(&q.From),
		ChatID:    strconv.FormatInt(chat.ID, 10),
		Text:      q.Data,
		Timestamp: time.Now(),
		ReplyTo:   strconv.Itoa(q.Message.Message.ID),
		IsGroup:   chat.Type != tgmodels.ChatTypePrivate,
		Raw:       q,
	})
}

type inboundFile struct {
	id   string
	kind models.AttachmentType
	name string
	mime string
}

func (a *Adapter) inboundAttachments(ctx context.Context, msg *tgmodels.Message) []models.Attachment {
	var files []inboundFile
	if n := len(msg.Photo); n > 0 {
		p := msg.Photo[n-1]
		files = append(files, inboundFile{id: p.FileID, kind: models.AttachmentImage})
	}
	if d := msg.Document; d != nil {
		files = append(files, inboundFile{id: d.FileID, kind: models.AttachmentDocument, name: d.FileName, mime: d.MimeType})
	}
	if v := msg.Voice; v != nil {
		files = append(files, inboundFile{id: v.FileID, kind: models.AttachmentAudio, mime: v.MimeType})
	}
	if au := msg.Audio; au != nil {
		files = append(files, inboundFile{id: au.FileID, kind: models.AttachmentAudio, name: au.FileName, mime: au.MimeType})
	}
	if v := msg.Video; v != nil {
		files = append(files, inboundFile{id: v.FileID, kind: models.AttachmentVideo, name: v.FileName, mime: v.MimeType})
	}
	if len(files) == 0 {
		return nil
	}

	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return nil
	}
	out := make([]models.Attachment, 0, len(files))
	for _, f := range files {
		file, err := client.GetFile(ctx, &bot.GetFileParams{FileID: f.id})
		if err != nil {
			a.Logger().Warn("telegram file lookup failed", "file_id", f.id, "error", err)
			continue
		}
		out = append(out, models.Attachment{
			Type:     f.kind,
			URL:      client.FileDownloadLink(file),
			Filename: f.name,
			MimeType: f.mime,
		})
	}
	return out
}

func keyboard(rows [][]models.Button) tgmodels.InlineKeyboardMarkup {
	kb := tgmodels.InlineKeyboardMarkup{}
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		line := make([]tgmodels.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			line = append(line, tgmodels.InlineKeyboardButton{Text: b.Text, CallbackData: b.Data, URL: b.URL})
		}
		kb.InlineKeyboard = append(kb.InlineKeyboard, line)
	}
	return kb
}

func displayName(u *tgmodels.User) string {
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		return name
	}
	return u.Username
}

func parseID(field, v string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, channels.ErrInvalidInput(fmt.Sprintf("telegram %s must be numeric, got %q", field, v), err)
	}
	return id, nil
}

func parseMessageRef(chatID, messageID string) (int64, int, error) {
	chat, err := parseID("chat_id", chatID)
	if err != nil {
		return 0, 0, err
	}
	mid, err := parseID("message_id", messageID)
	if err != nil {
		return 0, 0, err
	}
	return chat, int(mid), nil
}

// mapError converts Bot API failures into channel errors.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var chErr *channels.Error
	if errors.As(err, &chErr) {
		return err
	}
	msg := "telegram " + op
	switch {
	case errors.Is(err, bot.ErrorUnauthorized):
		return channels.ErrAuthentication(msg, err)
	case bot.IsTooManyRequestsError(err):
		return channels.ErrRateLimit(msg, err)
	case errors.Is(err, bot.ErrorNotFound):
		return channels.ErrNotFound(msg, err)
	case errors.Is(err, bot.ErrorBadRequest), errors.Is(err, bot.ErrorForbidden):
		return channels.ErrInvalidInput(msg, err)
	case errors.Is(err, context.DeadlineExceeded):
		return channels.ErrTimeout(msg, err)
	}
	return channels.ErrConnection(msg, err)
}
