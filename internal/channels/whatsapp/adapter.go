// Package whatsapp implements the WhatsApp channel adapter as a linked device
// using whatsmeow.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/cowork-oss/cowork-gateway/internal/cache"
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/markup"
	"github.com/cowork-oss/cowork-gateway/internal/ratelimit"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// Capabilities of the WhatsApp platform. Interactive buttons are limited to
// business accounts, so buttons are rendered as text.
var Capabilities = channels.Capabilities{
	SupportsReactions:   true,
	SupportsTyping:      true,
	SupportsAttachments: true,
	SupportsEditing:     true,
	SupportsDeleting:    true,
	SupportsRichText:    true,
	MaxMessageLength:    4096,
}

// Descriptor returns the registry entry for WhatsApp.
func Descriptor() channels.Descriptor {
	return channels.Descriptor{
		Type: models.ChannelWhatsApp,
		Meta: channels.ChannelMeta{
			Label:          "WhatsApp",
			SelectionLabel: "WhatsApp (linked device)",
			DocsPath:       "/channels/whatsapp",
			Blurb:          "Link a phone by scanning the login QR code from WhatsApp > Linked devices.",
			Aliases:        []string{"wa"},
		},
		Capabilities: Capabilities,
		NewConfig:    func() channels.PlatformConfig { return &Config{} },
		Factory: func(cfg channels.PlatformConfig, logger *slog.Logger) (channels.Adapter, error) {
			c, ok := cfg.(*Config)
			if !ok {
				return nil, channels.ErrConfig(fmt.Sprintf("whatsapp: unexpected config %T", cfg), nil)
			}
			return New(*c, logger), nil
		},
		BuiltIn: true,
	}
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithDialer replaces the device store and client constructor.
func WithDialer(d Dialer) Option {
	return func(a *Adapter) { a.dialer = d }
}

// Adapter implements channels.Adapter for WhatsApp.
type Adapter struct {
	*channels.BaseAdapter

	cfg     Config
	dialer  Dialer
	chunker *channels.Chunker
	dedupe  *cache.Dedupe
	limiter *ratelimit.Bucket

	mu           sync.Mutex
	client       Client
	handlerID    uint32
	runCtx       context.Context
	cancel       context.CancelFunc
	qrCode       string
	reconnecting atomic.Bool
	wg           sync.WaitGroup
}

var _ channels.QRProvider = (*Adapter)(nil)

// New creates a WhatsApp adapter. cfg must already be validated.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Adapter {
	cfg = cfg.withDefaults()
	a := &Adapter{
		BaseAdapter: channels.NewBaseAdapter(models.ChannelWhatsApp, logger),
		cfg:         cfg,
		dialer:      dialStore,
		chunker:     channels.ChunkerFor(Capabilities),
		dedupe:      cache.NewDedupe(cache.DedupeOptions{}),
		limiter:     ratelimit.NewBucket(cfg.RateLimit, 0),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect opens the device store and connects. Without a linked device the
// adapter stays in StatusConnecting and publishes login codes through
// LoginQR until the phone scans one.
func (a *Adapter) Connect(ctx context.Context) error {
	if !a.BeginConnect() {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())

	client, err := a.dialer(ctx, a.cfg)
	if err != nil {
		cancel()
		err = channels.ErrConfig("whatsapp session store", err)
		a.MarkError(err)
		return err
	}
	handlerID := client.AddEventHandler(a.handleEvent)
	a.mu.Lock()
	a.client, a.handlerID = client, handlerID
	a.runCtx, a.cancel = runCtx, cancel
	a.mu.Unlock()

	if !client.HasSession() {
		qr, err := client.GetQRChannel(runCtx)
		if err == nil {
			err = client.Connect()
		}
		if err != nil {
			return a.failConnect(err)
		}
		a.wg.Add(1)
		go a.watchQR(runCtx, qr)
		a.Logger().Info("whatsapp login required, waiting for QR scan")
		return nil
	}

	if err := client.Connect(); err != nil {
		return a.failConnect(err)
	}
	a.markLinked(client)
	return nil
}

func (a *Adapter) failConnect(err error) error {
	a.teardown()
	err = channels.ErrConnection("whatsapp connect", err)
	a.MarkError(err)
	return err
}

func (a *Adapter) markLinked(client Client) {
	jid, pushName := client.Identity()
	if jid.User != "" {
		name := pushName
		if name == "" {
			name = jid.User
		}
		a.SetIdentity(jid.String(), jid.User, name)
	}
	a.setQR("")
	a.MarkConnected()
	a.Logger().Info("whatsapp adapter connected", "jid", jid.String())
}

func (a *Adapter) watchQR(ctx context.Context, qr <-chan whatsmeow.QRChannelItem) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-qr:
			if !ok {
				return
			}
			switch item.Event {
			case "code":
				a.setQR(item.Code)
				a.Logger().Info("whatsapp login QR updated")
			case "success":
				a.setQR("")
				a.Logger().Info("whatsapp device linked")
			case "timeout":
				a.setQR("")
				a.MarkError(channels.ErrAuthentication("whatsapp QR login timed out", nil))
				return
			default:
				a.setQR("")
				a.MarkError(channels.ErrAuthentication("whatsapp login failed: "+item.Event, item.Error))
				return
			}
		}
	}
}

func (a *Adapter) setQR(code string) {
	a.mu.Lock()
	a.qrCode = code
	a.mu.Unlock()
}

// LoginQR implements channels.QRProvider.
func (a *Adapter) LoginQR() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.qrCode, a.qrCode != ""
}

// detach clears the live client and cancels background work. The caller
// owns the returned client.
func (a *Adapter) detach() (Client, uint32) {
	a.mu.Lock()
	cancel, client, handlerID := a.cancel, a.client, a.handlerID
	a.cancel, a.client, a.qrCode = nil, nil, ""
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return client, handlerID
}

// teardown stops background work and closes the client without touching
// the status.
func (a *Adapter) teardown() {
	client, handlerID := a.detach()
	if client != nil {
		client.RemoveEventHandler(handlerID)
		if err := client.Close(); err != nil {
			a.Logger().Debug("whatsapp client close failed", "error", err)
		}
	}
}

// fail handles events after which the session must not be reused. The
// client is closed off the event goroutine; reset also deletes the stored
// device so the next connect starts a fresh QR login.
func (a *Adapter) fail(err error, reset bool) {
	client, handlerID := a.detach()
	if client != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			client.RemoveEventHandler(handlerID)
			closeFn := client.Close
			if reset {
				closeFn = client.Reset
			}
			if err := closeFn(); err != nil {
				a.Logger().Warn("whatsapp client shutdown failed", "reset", reset, "error", err)
			}
		}()
	}
	a.MarkError(err)
}

// Disconnect closes the connection and the device store.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.teardown()
	err := channels.WaitGroup(ctx, &a.wg)
	a.dedupe.Clear()
	a.MarkDisconnected()
	return err
}

func (a *Adapter) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		a.mu.Lock()
		client := a.client
		a.mu.Unlock()
		if client != nil && !a.IsConnected() {
			a.markLinked(client)
		}
	case *events.PairSuccess:
		a.Logger().Info("whatsapp pairing succeeded", "jid", v.ID.String(), "platform", v.Platform)
	case *events.Disconnected:
		a.onDisconnected()
	case *events.LoggedOut:
		a.fail(channels.ErrAuthentication("whatsapp device logged out: "+v.Reason.String(), nil), true)
	case *events.StreamReplaced:
		a.fail(channels.ErrConnection("whatsapp session replaced by another client", nil), false)
	case *events.TemporaryBan:
		a.fail(channels.ErrUnavailable("whatsapp temporary ban: "+v.String(), nil), false)
	case *events.Message:
		a.handleMessage(v)
	}
}

func (a *Adapter) onDisconnected() {
	a.mu.Lock()
	runCtx, client := a.runCtx, a.client
	a.mu.Unlock()
	if client == nil || runCtx == nil || runCtx.Err() != nil {
		return
	}
	if !a.reconnecting.CompareAndSwap(false, true) {
		return
	}
	a.Logger().Warn("whatsapp connection lost")
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.reconnecting.Store(false)
		r := &channels.Reconnector{Config: a.cfg.Reconnect, Base: a.BaseAdapter}
		err := r.Run(runCtx, func(context.Context) error {
			return client.Connect()
		})
		if err != nil {
			a.Logger().Error("whatsapp reconnection gave up", "error", err)
		}
	}()
}

func (a *Adapter) currentClient() (Client, error) {
	if err := a.RequireConnected(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, channels.ErrNotConnected(models.ChannelWhatsApp)
	}
	return a.client, nil
}

// ParseChatID accepts a JID or a bare phone number.
func ParseChatID(chatID string) (types.JID, error) {
	chatID = strings.TrimPrefix(strings.TrimSpace(chatID), "+")
	if chatID == "" {
		return types.EmptyJID, channels.ErrInvalidInput("whatsapp chat_id is required", nil)
	}
	if !strings.Contains(chatID, "@") {
		for _, r := range chatID {
			if r < '0' || r > '9' {
				return types.EmptyJID, channels.ErrInvalidInput("whatsapp chat_id must be a JID or phone number", nil)
			}
		}
		return types.NewJID(chatID, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return types.EmptyJID, channels.ErrInvalidInput("whatsapp chat_id "+chatID, err)
	}
	return jid, nil
}

// SendMessage sends text chunks and then attachments. Buttons are appended
// to the text as reply instructions.
func (a *Adapter) SendMessage(ctx context.Context, msg *models.OutgoingMessage) (string, error) {
	client, err := a.currentClient()
	if err != nil {
		return "", err
	}
	jid, err := ParseChatID(msg.ChatID)
	if err != nil {
		return "", err
	}

	text := msg.Text
	if msg.HasButtons() {
		text = strings.TrimSpace(text + "\n\n" + channels.ButtonSummary(msg.Buttons))
	}
	sent := 0
	firstID, err := channels.DeliverText(ctx, a.chunker, text, func(ctx context.Context, chunk string, last bool) (string, error) {
		body := markup.Format(chunk, msg.ParseMode, markup.WhatsApp)
		wa := &waE2E.Message{Conversation: proto.String(body)}
		if sent == 0 && msg.ReplyTo != "" {
			wa = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text:        proto.String(body),
				ContextInfo: &waE2E.ContextInfo{StanzaID: proto.String(msg.ReplyTo)},
			}}
		}
		sent++
		return a.send(ctx, client, jid, wa)
	})
	if err != nil {
		return firstID, err
	}

	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		id, err := a.sendAttachment(ctx, client, jid, att)
		if err != nil {
			a.RecordFailed(err)
			return firstID, err
		}
		if firstID == "" {
			firstID = id
		}
	}
	return firstID, nil
}

func (a *Adapter) send(ctx context.Context, client Client, jid types.JID, wa *waE2E.Message) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", channels.ErrTimeout("whatsapp send", err)
	}
	resp, err := client.SendMessage(ctx, jid, wa)
	if err != nil {
		err = mapError("send message", err)
		a.RecordFailed(err)
		return "", err
	}
	a.RecordSent()
	return string(resp.ID), nil
}

func (a *Adapter) sendAttachment(ctx context.Context, client Client, jid types.JID, att *models.Attachment) (string, error) {
	data, err := channels.LoadAttachment(ctx, att)
	if err != nil {
		return "", err
	}
	mediaType := whatsmeow.MediaDocument
	switch att.Type {
	case models.AttachmentImage:
		mediaType = whatsmeow.MediaImage
	case models.AttachmentVideo:
		mediaType = whatsmeow.MediaVideo
	case models.AttachmentAudio:
		mediaType = whatsmeow.MediaAudio
	}
	up, err := client.Upload(ctx, data, mediaType)
	if err != nil {
		return "", mapError("upload media", err)
	}

	mime := proto.String(att.MimeType)
	var wa *waE2E.Message
	switch mediaType {
	case whatsmeow.MediaImage:
		wa = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength), Mimetype: mime,
		}}
	case whatsmeow.MediaVideo:
		wa = &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength), Mimetype: mime,
		}}
	case whatsmeow.MediaAudio:
		wa = &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength), Mimetype: mime,
		}}
	default:
		wa = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength), Mimetype: mime,
			FileName: proto.String(att.Filename),
		}}
	}
	return a.send(ctx, client, jid, wa)
}

// EditMessage implements channels.Editor.
func (a *Adapter) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	client, err := a.currentClient()
	if err != nil {
		return err
	}
	jid, err := ParseChatID(chatID)
	if err != nil {
		return err
	}
	body := &waE2E.Message{Conversation: proto.String(markup.Render(text, markup.WhatsApp))}
	_, err = client.SendMessage(ctx, jid, client.BuildEdit(jid, types.MessageID(messageID), body))
	return mapError("edit message", err)
}

// DeleteMessage implements channels.Deleter. Only messages sent by the
// linked account can be revoked.
func (a *Adapter) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	client, err := a.currentClient()
	if err != nil {
		return err
	}
	jid, err := ParseChatID(chatID)
	if err != nil {
		return err
	}
	_, err = client.SendMessage(ctx, jid, client.BuildRevoke(jid, types.EmptyJID, types.MessageID(messageID)))
	return mapError("delete message", err)
}

// SendTyping implements channels.Typer.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	client, err := a.currentClient()
	if err != nil {
		return err
	}
	jid, err := ParseChatID(chatID)
	if err != nil {
		return err
	}
	return mapError("send typing", client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText))
}

// AddReaction implements channels.Reactor.
func (a *Adapter) AddReaction(ctx context.Context, chatID, messageID, emoji string) error {
	client, err := a.currentClient()
	if err != nil {
		return err
	}
	jid, err := ParseChatID(chatID)
	if err != nil {
		return err
	}
	_, err = client.SendMessage(ctx, jid, client.BuildReaction(jid, types.EmptyJID, types.MessageID(messageID), emoji))
	return mapError("add reaction", err)
}

func (a *Adapter) handleMessage(evt *events.Message) {
	info := evt.Info
	if info.IsFromMe || info.Chat.Server == types.BroadcastServer || evt.Message == nil {
		return
	}
	if a.dedupe.Seen(info.Chat.String() + ":" + string(info.ID)) {
		return
	}
	m := evt.Message

	var text string
	var ctxInfo *waE2E.ContextInfo
	switch {
	case m.GetConversation() != "":
		text = m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		text = m.GetExtendedTextMessage().GetText()
		ctxInfo = m.GetExtendedTextMessage().GetContextInfo()
	case m.GetImageMessage() != nil:
		text = m.GetImageMessage().GetCaption()
		ctxInfo = m.GetImageMessage().GetContextInfo()
	case m.GetVideoMessage() != nil:
		text = m.GetVideoMessage().GetCaption()
		ctxInfo = m.GetVideoMessage().GetContextInfo()
	case m.GetDocumentMessage() != nil:
		text = m.GetDocumentMessage().GetCaption()
		ctxInfo = m.GetDocumentMessage().GetContextInfo()
	case m.GetAudioMessage() != nil:
		ctxInfo = m.GetAudioMessage().GetContextInfo()
	}

	if info.IsGroup && a.cfg.RequireMention && !a.mentioned(ctxInfo) {
		return
	}

	in := &models.IncomingMessage{
		MessageID: string(info.ID),
		UserID:    info.Sender.ToNonAD().String(),
		UserName:  info.PushName,
		ChatID:    info.Chat.String(),
		Text:      strings.TrimSpace(a.stripMention(text)),
		Timestamp: info.Timestamp,
		IsGroup:   info.IsGroup,
		Raw:       evt,
	}
	if in.UserName == "" {
		in.UserName = info.Sender.User
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}
	if ctxInfo != nil {
		in.ReplyTo = ctxInfo.GetStanzaID()
	}
	if !a.cfg.IgnoreMedia {
		if att, ok := a.download(m); ok {
			in.Attachments = append(in.Attachments, att)
		}
	}
	if in.Text == "" && len(in.Attachments) == 0 {
		return
	}
	a.EmitMessage(context.Background(), in)
}

func (a *Adapter) mentioned(ctxInfo *waE2E.ContextInfo) bool {
	own := a.BotID()
	if own == "" || ctxInfo == nil {
		return false
	}
	for _, jid := range ctxInfo.GetMentionedJID() {
		if jid == own {
			return true
		}
	}
	return false
}

func (a *Adapter) stripMention(text string) string {
	if user := a.Info().BotUsername; user != "" {
		text = strings.ReplaceAll(text, "@"+user, "")
	}
	return text
}

func (a *Adapter) download(m *waE2E.Message) (models.Attachment, bool) {
	var (
		media    whatsmeow.DownloadableMessage
		kind     models.AttachmentType
		mime     string
		filename string
	)
	switch {
	case m.GetImageMessage() != nil:
		media, kind, mime = m.GetImageMessage(), models.AttachmentImage, m.GetImageMessage().GetMimetype()
	case m.GetVideoMessage() != nil:
		media, kind, mime = m.GetVideoMessage(), models.AttachmentVideo, m.GetVideoMessage().GetMimetype()
	case m.GetAudioMessage() != nil:
		media, kind, mime = m.GetAudioMessage(), models.AttachmentAudio, m.GetAudioMessage().GetMimetype()
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		media, kind, mime, filename = doc, models.AttachmentDocument, doc.GetMimetype(), doc.GetFileName()
	default:
		return models.Attachment{}, false
	}

	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return models.Attachment{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	data, err := client.Download(ctx, media)
	if err != nil {
		a.Logger().Warn("whatsapp media download failed", "type", kind, "error", err)
		return models.Attachment{}, false
	}
	att := models.Attachment{Type: kind, Data: data, MimeType: mime, Filename: filename, Size: int64(len(data))}
	att.DetectMimeType()
	return att, true
}

// mapError converts whatsmeow failures into channel errors.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var chErr *channels.Error
	if errors.As(err, &chErr) {
		return err
	}
	msg := "whatsapp " + op
	switch {
	case errors.Is(err, whatsmeow.ErrNotLoggedIn):
		return channels.ErrAuthentication(msg, err)
	case errors.Is(err, whatsmeow.ErrNotConnected):
		return channels.ErrUnavailable(msg, err)
	case errors.Is(err, context.DeadlineExceeded):
		return channels.ErrTimeout(msg, err)
	case errors.Is(err, whatsmeow.ErrMessageTimedOut):
		return channels.ErrTimeout(msg, err)
	}
	return channels.ErrConnection(msg, err)
}
