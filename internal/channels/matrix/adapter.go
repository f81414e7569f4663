// Package matrix implements the Matrix channel adapter on the client-server
// API. Encrypted rooms are not supported.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/cowork-oss/cowork-gateway/internal/cache"
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/markup"
	"github.com/cowork-oss/cowork-gateway/internal/ratelimit"
	"github.com/cowork-oss/cowork-gateway/internal/retry"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

const typingTimeout = 30 * time.Second

// Capabilities of the Matrix platform. Buttons are rendered as text.
var Capabilities = channels.Capabilities{
	SupportsReactions:   true,
	SupportsThreads:     true,
	SupportsAttachments: true,
	SupportsEditing:     true,
	SupportsDeleting:    true,
	SupportsRichText:    true,
	SupportsTyping:      true,
	MaxMessageLength:    16000,
}

// Descriptor returns the registry entry for Matrix.
func Descriptor() channels.Descriptor {
	return channels.Descriptor{
		Type: models.ChannelMatrix,
		Meta: channels.ChannelMeta{
			Label:          "Matrix",
			SelectionLabel: "Matrix (access token)",
			DocsPath:       "/channels/matrix",
			Blurb:          "Log the bot account in once and paste its access token.",
		},
		Capabilities: Capabilities,
		NewConfig:    func() channels.PlatformConfig { return &Config{} },
		Factory: func(cfg channels.PlatformConfig, logger *slog.Logger) (channels.Adapter, error) {
			c, ok := cfg.(*Config)
			if !ok {
				return nil, channels.ErrConfig(fmt.Sprintf("matrix: unexpected config %T", cfg), nil)
			}
			return New(*c, logger), nil
		},
		BuiltIn: true,
	}
}

// Adapter implements channels.Adapter for Matrix.
type Adapter struct {
	*channels.BaseAdapter

	cfg     Config
	allowed map[id.RoomID]bool
	chunker *channels.Chunker
	dedupe  *cache.Dedupe
	limiter *ratelimit.Bucket

	mu     sync.Mutex
	client *mautrix.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup

	roomsMu sync.Mutex
	groups  map[id.RoomID]bool
}

// New creates a Matrix adapter. cfg must already be validated.
func New(cfg Config, logger *slog.Logger) *Adapter {
	cfg = cfg.withDefaults()
	a := &Adapter{
		BaseAdapter: channels.NewBaseAdapter(models.ChannelMatrix, logger),
		cfg:         cfg,
		chunker:     channels.ChunkerFor(Capabilities),
		dedupe:      cache.NewDedupe(cache.DedupeOptions{}),
		limiter:     ratelimit.NewBucket(cfg.RateLimit, 0),
		groups:      make(map[id.RoomID]bool),
	}
	if len(cfg.AllowedRooms) > 0 {
		a.allowed = make(map[id.RoomID]bool, len(cfg.AllowedRooms))
		for _, room := range cfg.AllowedRooms {
			a.allowed[id.RoomID(room)] = true
		}
	}
	return a
}

// syncer stops the sync loop on the first failure so the adapter can
// report it and reconnect with its own backoff.
type syncer struct {
	*mautrix.DefaultSyncer
}

func (s *syncer) OnFailedSync(_ *mautrix.RespSync, err error) (time.Duration, error) {
	return 0, err
}

// Connect verifies the access token and starts syncing.
func (a *Adapter) Connect(ctx context.Context) error {
	if !a.BeginConnect() {
		return nil
	}
	client, err := mautrix.NewClient(a.cfg.Homeserver, id.UserID(a.cfg.UserID), a.cfg.AccessToken)
	if err != nil {
		err = channels.ErrConfig("matrix client", err)
		a.MarkError(err)
		return err
	}
	if a.cfg.DeviceID != "" {
		client.DeviceID = id.DeviceID(a.cfg.DeviceID)
	}
	if err := a.whoami(ctx, client); err != nil {
		err = mapError("connect", err)
		a.MarkError(err)
		return err
	}

	s := &syncer{DefaultSyncer: mautrix.NewDefaultSyncer()}
	s.OnSync(client.DontProcessOldEvents)
	s.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		a.handleMessage(ctx, client, evt)
	})
	s.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		a.handleMember(ctx, client, evt)
	})
	client.Syncer = s

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.client = client
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go a.syncLoop(runCtx, client)
	a.MarkConnected()
	a.Logger().Info("matrix adapter connected", "user", a.cfg.UserID)
	return nil
}

func (a *Adapter) whoami(ctx context.Context, client *mautrix.Client) error {
	resp, err := client.Whoami(ctx)
	if err != nil {
		return err
	}
	if resp.UserID != "" && resp.UserID != client.UserID {
		return channels.ErrAuthentication(fmt.Sprintf("matrix token belongs to %s, not %s", resp.UserID, client.UserID), nil)
	}
	name := localpart(client.UserID)
	a.SetIdentity(client.UserID.String(), name, name)
	a.SetExtra("homeserver", a.cfg.Homeserver)
	return nil
}

func (a *Adapter) syncLoop(ctx context.Context, client *mautrix.Client) {
	defer a.wg.Done()
	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil || err == nil {
			return
		}
		if isAuthFailure(err) {
			a.MarkError(channels.ErrAuthentication("matrix sync", err))
			return
		}
		a.Logger().Warn("matrix sync failed", "error", err)
		r := &channels.Reconnector{Config: a.cfg.Reconnect, Base: a.BaseAdapter}
		err = r.Run(ctx, func(ctx context.Context) error {
			if err := a.whoami(ctx, client); err != nil {
				if isAuthFailure(err) {
					return retry.Permanent(err)
				}
				return err
			}
			return nil
		})
		if err != nil {
			a.Logger().Error("matrix reconnection gave up", "error", err)
			return
		}
	}
}

// Disconnect stops syncing.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cancel, client := a.cancel, a.client
	a.cancel, a.client = nil, nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.StopSync()
	}
	err := channels.WaitGroup(ctx, &a.wg)
	a.dedupe.Clear()
	a.roomsMu.Lock()
	clear(a.groups)
	a.roomsMu.Unlock()
	a.MarkDisconnected()
	return err
}

func (a *Adapter) currentClient() (*mautrix.Client, error) {
	if err := a.RequireConnected(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, channels.ErrNotConnected(models.ChannelMatrix)
	}
	return a.client, nil
}

// SendMessage sends text chunks followed by one media event per attachment.
// The returned ID is the first event's ID.
func (a *Adapter) SendMessage(ctx context.Context, msg *models.OutgoingMessage) (string, error) {
	client, err := a.currentClient()
	if err != nil {
		return "", err
	}
	if msg.ChatID == "" {
		return "", channels.ErrInvalidInput("matrix room id is required", nil)
	}
	room := id.RoomID(msg.ChatID)

	text := msg.Text
	if summary := channels.ButtonSummary(msg.Buttons); summary != "" {
		text = strings.TrimSpace(text + "\n\n" + summary)
	}
	first := true
	firstID, err := channels.DeliverText(ctx, a.chunker, text, func(ctx context.Context, chunk string, _ bool) (string, error) {
		content := textContent(chunk, msg.ParseMode)
		content.RelatesTo = relation(msg, first)
		first = false
		return a.send(ctx, client, room, event.EventMessage, content)
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
		att.DetectMimeType()
		name := att.Filename
		if name == "" {
			name = "attachment"
		}
		up, err := client.UploadBytesWithName(ctx, data, att.MimeType, name)
		if err != nil {
			err = mapError("upload media", err)
			a.RecordFailed(err)
			return firstID, err
		}
		content := &event.MessageEventContent{
			MsgType:   mediaType(att),
			Body:      name,
			FileName:  name,
			URL:       up.ContentURI.CUString(),
			Info:      &event.FileInfo{MimeType: att.MimeType, Size: len(data)},
			RelatesTo: relation(msg, first),
		}
		first = false
		eventID, err := a.send(ctx, client, room, event.EventMessage, content)
		if err != nil {
			return firstID, err
		}
		if firstID == "" {
			firstID = eventID
		}
	}
	return firstID, nil
}

func (a *Adapter) send(ctx context.Context, client *mautrix.Client, room id.RoomID, typ event.Type, content any) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", channels.ErrTimeout("matrix send", err)
	}
	resp, err := client.SendMessageEvent(ctx, room, typ, content)
	if err != nil {
		err = mapError("send event", err)
		a.RecordFailed(err)
		return "", err
	}
	a.RecordSent()
	return resp.EventID.String(), nil
}

func textContent(text string, mode models.ParseMode) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    markup.Format(text, mode, markup.Plain),
	}
	if mode == models.ParseModeMarkdown || mode == models.ParseModeHTML {
		content.Format = event.FormatHTML
		content.FormattedBody = markup.Format(text, mode, markup.MatrixHTML)
	}
	return content
}

// relation threads every event of a message and attaches the reply to
// the first one only.
func relation(msg *models.OutgoingMessage, first bool) *event.RelatesTo {
	switch {
	case msg.ThreadID != "":
		rel := &event.RelatesTo{Type: event.RelThread, EventID: id.EventID(msg.ThreadID)}
		if first && msg.ReplyTo != "" {
			rel.InReplyTo = &event.InReplyTo{EventID: id.EventID(msg.ReplyTo)}
		} else {
			rel.IsFallingBack = true
			rel.InReplyTo = &event.InReplyTo{EventID: id.EventID(msg.ThreadID)}
		}
		return rel
	case first && msg.ReplyTo != "":
		return &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: id.EventID(msg.ReplyTo)}}
	}
	return nil
}

func mediaType(att *models.Attachment) event.MessageType {
	kind := att.Type
	if kind == "" {
		major, _, _ := strings.Cut(att.MimeType, "/")
		kind = models.AttachmentType(major)
	}
	switch kind {
	case "image", "photo":
		return event.MsgImage
	case "video":
		return event.MsgVideo
	case "audio", "voice":
		return event.MsgAudio
	}
	return event.MsgFile
}

// EditMessage implements channels.Editor with an m.replace relation.
func (a *Adapter) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	client, err := a.currentClient()
	if err != nil {
		return err
	}
	replacement := textContent(text, models.ParseModeMarkdown)
	content := &event.MessageEventContent{
		MsgType:    event.MsgText,
		Body:       "* " + replacement.Body,
		NewContent: replacement,
		RelatesTo:  &event.RelatesTo{Type: event.RelReplace, EventID: id.EventID(messageID)},
	}
	if replacement.FormattedBody != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = "* " + replacement.FormattedBody
	}
	_, err = a.send(ctx, client, id.RoomID(chatID), event.EventMessage, content)
	return err
}

// DeleteMessage implements channels.Deleter by redacting the event.
func (a *Adapter) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	client, err := a.currentClient()
	if err != nil {
		return err
	}
	_, err = client.RedactEvent(ctx, id.RoomID(chatID), id.EventID(messageID))
	return mapError("redact event", err)
}

// SendTyping implements channels.Typer.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	client, err := a.currentClient()
	if err != nil {
		return err
	}
	_, err = client.UserTyping(ctx, id.RoomID(chatID), true, typingTimeout)
	return mapError("typing", err)
}

// AddReaction implements channels.Reactor with an m.annotation relation.
func (a *Adapter) AddReaction(ctx context.Context, chatID, messageID, emoji string) error {
	client, err := a.currentClient()
	if err != nil {
		return err
	}
	content := &event.ReactionEventContent{RelatesTo: event.RelatesTo{
		Type:    event.RelAnnotation,
		EventID: id.EventID(messageID),
		Key:     emoji,
	}}
	_, err = a.send(ctx, client, id.RoomID(chatID), event.EventReaction, content)
	return err
}

func (a *Adapter) roomAllowed(room id.RoomID) bool {
	return a.allowed == nil || a.allowed[room]
}

func (a *Adapter) handleMember(ctx context.Context, client *mautrix.Client, evt *event.Event) {
	a.roomsMu.Lock()
	delete(a.groups, evt.RoomID)
	a.roomsMu.Unlock()

	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || content.Membership != event.MembershipInvite {
		return
	}
	if evt.GetStateKey() != client.UserID.String() || !a.cfg.JoinOnInvite || !a.roomAllowed(evt.RoomID) {
		return
	}
	if _, err := client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		a.Logger().Warn("matrix join failed", "room", evt.RoomID, "error", err)
		a.EmitError(mapError("join room", err))
		return
	}
	a.Logger().Info("matrix joined room", "room", evt.RoomID, "inviter", evt.Sender)
}

func (a *Adapter) handleMessage(ctx context.Context, client *mautrix.Client, evt *event.Event) {
	if evt.Sender == client.UserID || !a.roomAllowed(evt.RoomID) {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	rel := content.RelatesTo
	if rel != nil && rel.Type == event.RelReplace {
		return
	}

	msg := &models.IncomingMessage{
		MessageID: evt.ID.String(),
		UserID:    evt.Sender.String(),
		UserName:  localpart(evt.Sender),
		ChatID:    evt.RoomID.String(),
		Timestamp: time.UnixMilli(evt.Timestamp),
		Raw:       evt,
	}
	switch content.MsgType {
	case event.MsgText, event.MsgEmote:
		msg.Text = content.Body
		if rel != nil && rel.InReplyTo != nil {
			msg.Text = stripReplyFallback(msg.Text)
		}
		if content.MsgType == event.MsgEmote {
			msg.Text = "* " + msg.Text
		}
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		att := models.Attachment{
			Type:     models.AttachmentType(mediaKind(content.MsgType)),
			URL:      string(content.URL),
			Filename: content.FileName,
		}
		if att.Filename == "" {
			att.Filename = content.Body
		} else if content.Body != content.FileName {
			msg.Text = content.Body
		}
		if content.Info != nil {
			att.MimeType = content.Info.MimeType
			att.Size = int64(content.Info.Size)
		}
		msg.Attachments = []models.Attachment{att}
	default:
		return
	}
	if rel != nil {
		if rel.Type == event.RelThread {
			msg.ThreadID = rel.EventID.String()
		}
		if rel.InReplyTo != nil && !rel.IsFallingBack {
			msg.ReplyTo = rel.InReplyTo.EventID.String()
		}
	}

	if a.dedupe.Seen(msg.MessageID) {
		return
	}
	msg.IsGroup = a.isGroup(ctx, client, evt.RoomID)
	if msg.IsGroup && a.cfg.RequireMention && msg.ThreadID == "" && !mentions(content, client.UserID) {
		return
	}
	a.EmitMessage(ctx, msg)
}

// isGroup reports whether room has more than two joined members. Lookups
// are cached until the room's membership changes.
func (a *Adapter) isGroup(ctx context.Context, client *mautrix.Client, room id.RoomID) bool {
	a.roomsMu.Lock()
	group, ok := a.groups[room]
	a.roomsMu.Unlock()
	if ok {
		return group
	}
	resp, err := client.JoinedMembers(ctx, room)
	if err != nil {
		a.Logger().Debug("matrix member lookup failed", "room", room, "error", err)
		return true
	}
	group = len(resp.Joined) > 2
	a.roomsMu.Lock()
	a.groups[room] = group
	a.roomsMu.Unlock()
	return group
}

func mentions(content *event.MessageEventContent, user id.UserID) bool {
	if content.Mentions != nil {
		for _, u := range content.Mentions.UserIDs {
			if u == user {
				return true
			}
		}
	}
	return strings.Contains(content.Body, user.String()) ||
		strings.Contains(content.FormattedBody, "matrix.to/#/"+user.String())
}

func mediaKind(t event.MessageType) string {
	switch t {
	case event.MsgImage:
		return "image"
	case event.MsgVideo:
		return "video"
	case event.MsgAudio:
		return "audio"
	}
	return "file"
}

// stripReplyFallback drops the quoted "> " lines clients prepend to replies.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	return strings.TrimSpace(strings.Join(lines[i:], "\n"))
}

func localpart(user id.UserID) string {
	name, _, _ := strings.Cut(strings.TrimPrefix(user.String(), "@"), ":")
	return name
}

func isAuthFailure(err error) bool {
	return errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MMissingToken)
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var chErr *channels.Error
	if errors.As(err, &chErr) {
		return err
	}
	msg := "matrix " + op
	switch {
	case isAuthFailure(err):
		return channels.ErrAuthentication(msg, err)
	case errors.Is(err, mautrix.MLimitExceeded):
		return channels.ErrRateLimit(msg, err)
	case errors.Is(err, mautrix.MNotFound):
		return channels.ErrNotFound(msg, err)
	case errors.Is(err, mautrix.MForbidden), errors.Is(err, mautrix.MBadJSON):
		return channels.ErrInvalidInput(msg, err)
	case errors.Is(err, context.DeadlineExceeded):
		return channels.ErrTimeout(msg, err)
	}
	return channels.ErrConnection(msg, err)
}
