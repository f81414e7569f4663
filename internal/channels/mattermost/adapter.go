// Package mattermost implements the Mattermost channel adapter over the v4
// REST API and the event WebSocket.
package mattermost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/cowork-oss/cowork-gateway/internal/cache"
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/markup"
	"github.com/cowork-oss/cowork-gateway/internal/ratelimit"
	"github.com/cowork-oss/cowork-gateway/internal/retry"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// Capabilities of the Mattermost platform. Interactive buttons need an
// integration endpoint, so they are rendered as text.
var Capabilities = channels.Capabilities{
	SupportsReactions:   true,
	SupportsThreads:     true,
	SupportsAttachments: true,
	SupportsEditing:     true,
	SupportsDeleting:    true,
	SupportsRichText:    true,
	SupportsTyping:      true,
	MaxMessageLength:    16383,
}

// Descriptor returns the registry entry for Mattermost.
func Descriptor() channels.Descriptor {
	return channels.Descriptor{
		Type: models.ChannelMattermost,
		Meta: channels.ChannelMeta{
			Label:          "Mattermost",
			SelectionLabel: "Mattermost (bot account)",
			DocsPath:       "/channels/mattermost",
			Blurb:          "Create a bot account and paste its access token.",
			Aliases:        []string{"mm"},
		},
		Capabilities: Capabilities,
		NewConfig:    func() channels.PlatformConfig { return &Config{} },
		Factory: func(cfg channels.PlatformConfig, logger *slog.Logger) (channels.Adapter, error) {
			c, ok := cfg.(*Config)
			if !ok {
				return nil, channels.ErrConfig(fmt.Sprintf("mattermost: unexpected config %T", cfg), nil)
			}
			return New(*c, logger), nil
		},
		BuiltIn: true,
	}
}

// API is the subset of *model.Client4 the adapter uses.
type API interface {
	GetMe(ctx context.Context, etag string) (*model.User, *model.Response, error)
	Login(ctx context.Context, loginID, password string) (*model.User, *model.Response, error)
	CreatePost(ctx context.Context, post *model.Post) (*model.Post, *model.Response, error)
	PatchPost(ctx context.Context, postID string, patch *model.PostPatch) (*model.Post, *model.Response, error)
	DeletePost(ctx context.Context, postID string) (*model.Response, error)
	SaveReaction(ctx context.Context, reaction *model.Reaction) (*model.Reaction, *model.Response, error)
	UploadFile(ctx context.Context, data []byte, channelID, filename string) (*model.FileUploadResponse, *model.Response, error)
	PublishUserTyping(ctx context.Context, userID string, req model.TypingRequest) (*model.Response, error)
}

var _ API = (*model.Client4)(nil)

// Socket is the event WebSocket. Events closes when the connection drops.
type Socket interface {
	Listen()
	Events() <-chan *model.WebSocketEvent
	Close()
}

type wsSocket struct{ c *model.WebSocketClient }

func (s wsSocket) Listen() { s.c.Listen() }

func (s wsSocket) Events() <-chan *model.WebSocketEvent { return s.c.EventChannel }

func (s wsSocket) Close() { s.c.Close() }

// Dialer builds the REST client for cfg.
type Dialer func(cfg Config) API

// SocketDialer opens the event WebSocket at url with token.
type SocketDialer func(url, token string) (Socket, error)

func newClient(cfg Config) API {
	client := model.NewAPIv4Client(cfg.ServerURL)
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	return client
}

func dialSocket(url, token string) (Socket, error) {
	ws, err := model.NewWebSocketClient4(url, token)
	if err != nil {
		return nil, err
	}
	return wsSocket{c: ws}, nil
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithDialer replaces the REST client constructor.
func WithDialer(d Dialer) Option {
	return func(a *Adapter) { a.dialer = d }
}

// WithSocketDialer replaces the WebSocket constructor.
func WithSocketDialer(d SocketDialer) Option {
	return func(a *Adapter) { a.socketDialer = d }
}

// Adapter implements channels.Adapter for Mattermost.
type Adapter struct {
	*channels.BaseAdapter

	cfg          Config
	dialer       Dialer
	socketDialer SocketDialer
	chunker      *channels.Chunker
	dedupe       *cache.Dedupe
	limiter      *ratelimit.Bucket

	mu     sync.Mutex
	api    API
	socket Socket
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Mattermost adapter. cfg must already be validated.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Adapter {
	cfg = cfg.withDefaults()
	a := &Adapter{
		BaseAdapter:  channels.NewBaseAdapter(models.ChannelMattermost, logger),
		cfg:          cfg,
		dialer:       newClient,
		socketDialer: dialSocket,
		chunker:      channels.ChunkerFor(Capabilities),
		dedupe:       cache.NewDedupe(cache.DedupeOptions{}),
		limiter:      ratelimit.NewBucket(cfg.RateLimit, 0),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect authenticates and opens the event WebSocket.
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
	a.Logger().Info("mattermost adapter connected", "server", a.cfg.ServerURL, "bot", a.Info().BotUsername)
	return nil
}

func (a *Adapter) open(ctx context.Context) error {
	api := a.dialer(a.cfg)
	token := a.cfg.Token
	var (
		me   *model.User
		resp *model.Response
		err  error
	)
	if token == "" {
		me, resp, err = api.Login(ctx, a.cfg.Username, a.cfg.Password)
		if err == nil && resp != nil {
			token = resp.Header.Get(model.HeaderToken)
		}
	} else {
		me, _, err = api.GetMe(ctx, "")
	}
	if err != nil {
		if isAuthFailure(err) {
			return retry.Permanent(err)
		}
		return err
	}
	a.SetIdentity(me.Id, me.Username, displayName(me))

	sock, err := a.socketDialer(websocketURL(a.cfg.ServerURL), token)
	if err != nil {
		return err
	}

	a.mu.Lock()
	runCtx := a.runCtx
	if runCtx == nil || runCtx.Err() != nil {
		a.mu.Unlock()
		sock.Close()
		return context.Canceled
	}
	a.api = api
	a.socket = sock
	a.mu.Unlock()

	sock.Listen()
	a.wg.Add(1)
	go a.readEvents(runCtx, sock)
	return nil
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
				a.socketClosed(ctx, sock)
				return
			}
			a.handleEvent(ctx, evt)
		}
	}
}

func (a *Adapter) socketClosed(ctx context.Context, sock Socket) {
	a.mu.Lock()
	current := a.socket == sock
	if current {
		a.socket = nil
	}
	a.mu.Unlock()
	if !current || ctx.Err() != nil {
		return
	}
	a.Logger().Warn("mattermost websocket closed")
	r := &channels.Reconnector{Config: a.cfg.Reconnect, Base: a.BaseAdapter}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := r.Run(ctx, a.open); err != nil {
			a.Logger().Error("mattermost reconnection gave up", "error", err)
		}
	}()
}

// Disconnect closes the WebSocket and stops any reconnection in progress.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cancel, sock := a.cancel, a.socket
	a.cancel, a.socket, a.api, a.runCtx = nil, nil, nil, nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sock != nil {
		sock.Close()
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
		return nil, channels.ErrNotConnected(models.ChannelMattermost)
	}
	return a.api, nil
}

// SendMessage uploads attachments, then posts the text in chunks. Files
// ride on the last chunk. The returned ID is the first post's ID.
func (a *Adapter) SendMessage(ctx context.Context, msg *models.OutgoingMessage) (string, error) {
	api, err := a.currentAPI()
	if err != nil {
		return "", err
	}
	if msg.ChatID == "" {
		return "", channels.ErrInvalidInput("mattermost channel id is required", nil)
	}

	var fileIDs []string
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		data, err := channels.LoadAttachment(ctx, att)
		if err != nil {
			a.RecordFailed(err)
			return "", err
		}
		name := att.Filename
		if name == "" {
			name = "attachment"
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return "", channels.ErrTimeout("mattermost upload", err)
		}
		up, _, err := api.UploadFile(ctx, data, msg.ChatID, name)
		if err != nil {
			err = mapError("upload file", err)
			a.RecordFailed(err)
			return "", err
		}
		for _, info := range up.FileInfos {
			fileIDs = append(fileIDs, info.Id)
		}
	}

	root := msg.ThreadID
	if root == "" {
		root = msg.ReplyTo
	}
	text := markup.Format(msg.Text, msg.ParseMode, markup.Markdown)
	if summary := channels.ButtonSummary(msg.Buttons); summary != "" {
		text = strings.TrimSpace(text + "\n\n" + summary)
	}
	if strings.TrimSpace(text) == "" && len(fileIDs) > 0 {
		return a.post(ctx, api, &model.Post{ChannelId: msg.ChatID, RootId: root, FileIds: fileIDs})
	}
	return channels.DeliverText(ctx, a.chunker, text, func(ctx context.Context, chunk string, last bool) (string, error) {
		post := &model.Post{ChannelId: msg.ChatID, RootId: root, Message: chunk}
		if last {
			post.FileIds = fileIDs
		}
		return a.post(ctx, api, post)
	})
}

func (a *Adapter) post(ctx context.Context, api API, post *model.Post) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", channels.ErrTimeout("mattermost send", err)
	}
	created, _, err := api.CreatePost(ctx, post)
	if err != nil {
		err = mapError("create post", err)
		a.RecordFailed(err)
		return "", err
	}
	a.RecordSent()
	return created.Id, nil
}

// EditMessage implements channels.Editor.
func (a *Adapter) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	api, err := a.currentAPI()
	if err != nil {
		return err
	}
	_, _, err = api.PatchPost(ctx, messageID, &model.PostPatch{Message: &text})
	return mapError("edit post", err)
}

// DeleteMessage implements channels.Deleter.
func (a *Adapter) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	api, err := a.currentAPI()
	if err != nil {
		return err
	}
	_, err = api.DeletePost(ctx, messageID)
	return mapError("delete post", err)
}

// SendTyping implements channels.Typer.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	api, err := a.currentAPI()
	if err != nil {
		return err
	}
	_, err = api.PublishUserTyping(ctx, a.BotID(), model.TypingRequest{ChannelId: chatID})
	return mapError("typing", err)
}

// AddReaction implements channels.Reactor.
func (a *Adapter) AddReaction(ctx context.Context, chatID, messageID, emoji string) error {
	api, err := a.currentAPI()
	if err != nil {
		return err
	}
	_, _, err = api.SaveReaction(ctx, &model.Reaction{
		UserId:    a.BotID(),
		PostId:    messageID,
		EmojiName: emojiName(emoji),
	})
	return mapError("add reaction", err)
}

var emojiNames = map[string]string{
	"👍":  "+1",
	"👎":  "-1",
	"👀":  "eyes",
	"✅":  "white_check_mark",
	"❌":  "x",
	"⏳":  "hourglass_flowing_sand",
	"🎉":  "tada",
	"❤️": "heart",
}

func emojiName(emoji string) string {
	if name, ok := emojiNames[emoji]; ok {
		return name
	}
	return strings.Trim(emoji, ":")
}

func (a *Adapter) handleEvent(ctx context.Context, evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		a.handlePosted(ctx, evt)
	case model.WebsocketEventHello:
		a.Logger().Debug("mattermost websocket hello")
	}
}

func (a *Adapter) handlePosted(ctx context.Context, evt *model.WebSocketEvent) {
	data := evt.GetData()
	raw, _ := data["post"].(string)
	if raw == "" {
		return
	}
	var post model.Post
	if err := json.Unmarshal([]byte(raw), &post); err != nil {
		a.Logger().Warn("mattermost post decode failed", "error", err)
		return
	}
	if post.UserId == a.BotID() || post.Type != "" {
		return
	}

	channelType, _ := data["channel_type"].(string)
	isGroup := channelType != string(model.ChannelTypeDirect)
	if isGroup && a.cfg.RequireMention && post.RootId == "" && !a.mentioned(&post, data) {
		return
	}
	if a.dedupe.Seen(post.Id) {
		return
	}

	msg := &models.IncomingMessage{
		MessageID: post.Id,
		UserID:    post.UserId,
		UserName:  strings.TrimPrefix(stringValue(data["sender_name"]), "@"),
		ChatID:    post.ChannelId,
		Text:      post.Message,
		Timestamp: time.UnixMilli(post.CreateAt),
		ThreadID:  post.RootId,
		IsGroup:   isGroup,
		Raw:       &post,
	}
	msg.Attachments = a.attachments(&post)
	a.EmitMessage(ctx, msg)
}

func (a *Adapter) mentioned(post *model.Post, data map[string]any) bool {
	if raw, ok := data["mentions"].(string); ok {
		var ids []string
		if json.Unmarshal([]byte(raw), &ids) == nil {
			for _, id := range ids {
				if id == a.BotID() {
					return true
				}
			}
		}
	}
	name := a.Info().BotUsername
	return name != "" && strings.Contains(post.Message, "@"+name)
}

func (a *Adapter) attachments(post *model.Post) []models.Attachment {
	if len(post.FileIds) == 0 {
		return nil
	}
	infos := map[string]*model.FileInfo{}
	if post.Metadata != nil {
		for _, f := range post.Metadata.Files {
			infos[f.Id] = f
		}
	}
	out := make([]models.Attachment, 0, len(post.FileIds))
	for _, id := range post.FileIds {
		att := models.Attachment{
			Type: "file",
			URL:  a.cfg.ServerURL + "/api/v4/files/" + id,
		}
		if f := infos[id]; f != nil {
			att.Filename = f.Name
			att.MimeType = f.MimeType
			att.Size = f.Size
			if strings.HasPrefix(f.MimeType, "image/") {
				att.Type = "image"
			}
		}
		out = append(out, att)
	}
	return out
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func displayName(u *model.User) string {
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		return name
	}
	return u.Username
}

func websocketURL(serverURL string) string {
	url := strings.Replace(serverURL, "https://", "wss://", 1)
	return strings.Replace(url, "http://", "ws://", 1)
}

func statusCode(err error) int {
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 0
}

func isAuthFailure(err error) bool {
	return statusCode(err) == http.StatusUnauthorized
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var chErr *channels.Error
	if errors.As(err, &chErr) {
		return err
	}
	msg := "mattermost " + op
	switch code := statusCode(err); {
	case code == http.StatusUnauthorized:
		return channels.ErrAuthentication(msg, err)
	case code == http.StatusTooManyRequests:
		return channels.ErrRateLimit(msg, err)
	case code == http.StatusNotFound:
		return channels.ErrNotFound(msg, err)
	case code >= 500:
		return channels.ErrUnavailable(msg, err)
	case code >= 400:
		return channels.ErrInvalidInput(msg, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return channels.ErrTimeout(msg, err)
	}
	return channels.ErrConnection(msg, err)
}
