package mattermost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

const botUserID = "bot123"

type fakeAPI struct {
	mu        sync.Mutex
	meErr     error
	createErr error
	posts     []*model.Post
	patches   map[string]string
	deleted   []string
	reactions []*model.Reaction
	typing    []model.TypingRequest
	uploads   []string
	logins    int
}

func (f *fakeAPI) GetMe(context.Context, string) (*model.User, *model.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meErr != nil {
		return nil, nil, f.meErr
	}
	return &model.User{Id: botUserID, Username: "cowork", FirstName: "Co", LastName: "Work"}, &model.Response{}, nil
}

func (f *fakeAPI) Login(_ context.Context, loginID, _ string) (*model.User, *model.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	header := http.Header{}
	header.Set(model.HeaderToken, "session-token")
	return &model.User{Id: botUserID, Username: loginID}, &model.Response{Header: header}, nil
}

func (f *fakeAPI) CreatePost(_ context.Context, post *model.Post) (*model.Post, *model.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, nil, f.createErr
	}
	f.posts = append(f.posts, post)
	created := post.Clone()
	created.Id = fmt.Sprintf("post%d", len(f.posts))
	return created, &model.Response{}, nil
}

func (f *fakeAPI) PatchPost(_ context.Context, postID string, patch *model.PostPatch) (*model.Post, *model.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.patches == nil {
		f.patches = map[string]string{}
	}
	f.patches[postID] = *patch.Message
	return &model.Post{Id: postID}, &model.Response{}, nil
}

func (f *fakeAPI) DeletePost(_ context.Context, postID string) (*model.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, postID)
	return &model.Response{}, nil
}

func (f *fakeAPI) SaveReaction(_ context.Context, r *model.Reaction) (*model.Reaction, *model.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, r)
	return r, &model.Response{}, nil
}

func (f *fakeAPI) UploadFile(_ context.Context, _ []byte, _ string, filename string) (*model.FileUploadResponse, *model.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, filename)
	id := fmt.Sprintf("file%d", len(f.uploads))
	return &model.FileUploadResponse{FileInfos: []*model.FileInfo{{Id: id, Name: filename}}}, &model.Response{}, nil
}

func (f *fakeAPI) PublishUserTyping(_ context.Context, _ string, req model.TypingRequest) (*model.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, req)
	return &model.Response{}, nil
}

type fakeSocket struct {
	events chan *model.WebSocketEvent
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan *model.WebSocketEvent, 16)}
}

func (s *fakeSocket) Listen() {}

func (s *fakeSocket) Events() <-chan *model.WebSocketEvent { return s.events }

func (s *fakeSocket) Close() { s.once.Do(func() { close(s.events) }) }

type harness struct {
	api *fakeAPI

	mu      sync.Mutex
	sockets []*fakeSocket
	tokens  []string
	dialErr error
}

func (h *harness) dialSocket(_ string, token string) (Socket, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	s := newFakeSocket()
	h.sockets = append(h.sockets, s)
	h.tokens = append(h.tokens, token)
	return s, nil
}

func (h *harness) socket(i int) *fakeSocket {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sockets[i]
}

func (h *harness) socketCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sockets)
}

func newTestAdapter(t *testing.T, cfg Config) (*Adapter, *harness) {
	t.Helper()
	if cfg.ServerURL == "" {
		cfg.ServerURL = "https://chat.example.com"
	}
	if cfg.Token == "" && cfg.Username == "" {
		cfg.Token = "bot-token"
	}
	cfg.Reconnect = channels.ReconnectConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	h := &harness{api: &fakeAPI{}}
	a := New(cfg, nil,
		WithDialer(func(Config) API { return h.api }),
		WithSocketDialer(h.dialSocket),
	)
	t.Cleanup(func() { _ = a.Disconnect(context.Background()) })
	return a, h
}

func postedEvent(t *testing.T, post *model.Post, channelType string, extra map[string]any) *model.WebSocketEvent {
	t.Helper()
	raw, err := json.Marshal(post)
	if err != nil {
		t.Fatal(err)
	}
	data := map[string]any{"post": string(raw), "channel_type": channelType, "sender_name": "@ana"}
	for k, v := range extra {
		data[k] = v
	}
	body, err := json.Marshal(map[string]any{"event": "posted", "data": data, "broadcast": map[string]any{"channel_id": post.ChannelId}})
	if err != nil {
		t.Fatal(err)
	}
	evt, err := model.WebSocketEventFromJSON(strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("WebSocketEventFromJSON() error = %v", err)
	}
	return evt
}

type inbox struct {
	mu   sync.Mutex
	msgs []*models.IncomingMessage
}

func (i *inbox) handle(_ context.Context, msg *models.IncomingMessage) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, msg)
	return nil
}

func (i *inbox) all() []*models.IncomingMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*models.IncomingMessage(nil), i.msgs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"token", Config{ServerURL: "https://chat.example.com", Token: "t"}, false},
		{"password", Config{ServerURL: "https://chat.example.com", Username: "bot", Password: "pw"}, false},
		{"no credentials", Config{ServerURL: "https://chat.example.com", Username: "bot"}, true},
		{"bad url", Config{ServerURL: "chat", Token: "t"}, true},
		{"negative rate", Config{ServerURL: "https://chat.example.com", Token: "t", RateLimit: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate().Err()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConnect(t *testing.T) {
	a, h := newTestAdapter(t, Config{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	info := a.Info()
	if info.BotID != botUserID || info.BotUsername != "cowork" {
		t.Fatalf("identity = %+v", info)
	}
	if h.tokens[0] != "bot-token" {
		t.Fatalf("socket token = %q", h.tokens[0])
	}
}

func TestConnectWithPassword(t *testing.T) {
	a, h := newTestAdapter(t, Config{Username: "cowork", Password: "pw"})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if h.api.logins != 1 || h.tokens[0] != "session-token" {
		t.Fatalf("logins = %d, token = %q", h.api.logins, h.tokens[0])
	}
}

func TestConnectRejectsBadToken(t *testing.T) {
	a, h := newTestAdapter(t, Config{})
	h.api.meErr = model.NewAppError("GetMe", "api.context.session_expired.app_error", nil, "", http.StatusUnauthorized)
	err := a.Connect(context.Background())
	if got := channels.GetErrorCode(err); got != channels.ErrCodeAuthentication {
		t.Fatalf("Connect() code = %v (%v)", got, err)
	}
	if a.Status() != models.StatusError {
		t.Fatalf("Status() = %v", a.Status())
	}
}

func TestSendMessage(t *testing.T) {
	a, h := newTestAdapter(t, Config{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	id, err := a.SendMessage(context.Background(), &models.OutgoingMessage{
		ChatID:      "chan1",
		Text:        "**Build** passed",
		ParseMode:   models.ParseModeMarkdown,
		ThreadID:    "root1",
		Buttons:     [][]models.Button{{{Text: "Docs", URL: "https://docs.example.com"}}},
		Attachments: []models.Attachment{{Filename: "log.txt", Data: []byte("ok")}},
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if id != "post1" {
		t.Fatalf("id = %q", id)
	}
	if len(h.api.posts) != 1 {
		t.Fatalf("posts = %d", len(h.api.posts))
	}
	post := h.api.posts[0]
	if post.Message != "**Build** passed\n\nDocs: https://docs.example.com" {
		t.Fatalf("message = %q", post.Message)
	}
	if post.RootId != "root1" || post.ChannelId != "chan1" {
		t.Fatalf("post = %+v", post)
	}
	if len(post.FileIds) != 1 || post.FileIds[0] != "file1" {
		t.Fatalf("file ids = %v", post.FileIds)
	}
}

func TestSendChunksAndAttachmentOnly(t *testing.T) {
	a, h := newTestAdapter(t, Config{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	long := strings.Repeat("word ", 4000)
	if _, err := a.SendMessage(context.Background(), &models.OutgoingMessage{ChatID: "chan1", Text: long, ReplyTo: "p9"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if len(h.api.posts) < 2 {
		t.Fatalf("expected chunked posts, got %d", len(h.api.posts))
	}
	for _, p := range h.api.posts {
		if len(p.Message) > Capabilities.MaxMessageLength || p.RootId != "p9" {
			t.Fatalf("chunk = %d bytes, root %q", len(p.Message), p.RootId)
		}
	}

	h.api.posts = nil
	if _, err := a.SendMessage(context.Background(), &models.OutgoingMessage{
		ChatID:      "chan1",
		Attachments: []models.Attachment{{Filename: "a.png", Data: []byte("png")}},
	}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if len(h.api.posts) != 1 || h.api.posts[0].Message != "" || len(h.api.posts[0].FileIds) != 1 {
		t.Fatalf("attachment post = %+v", h.api.posts)
	}
}

func TestSendErrorsAreMapped(t *testing.T) {
	a, h := newTestAdapter(t, Config{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.api.createErr = model.NewAppError("CreatePost", "app.post.rate_limit", nil, "", http.StatusTooManyRequests)
	_, err := a.SendMessage(context.Background(), &models.OutgoingMessage{ChatID: "chan1", Text: "hi"})
	if got := channels.GetErrorCode(err); got != channels.ErrCodeRateLimit {
		t.Fatalf("SendMessage() code = %v (%v)", got, err)
	}
	if a.Metrics().MessagesFailed != 1 {
		t.Fatalf("failed = %d", a.Metrics().MessagesFailed)
	}
}

func TestEditDeleteTypingReact(t *testing.T) {
	a, h := newTestAdapter(t, Config{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := a.EditMessage(ctx, "chan1", "post1", "fixed"); err != nil {
		t.Fatal(err)
	}
	if err := a.DeleteMessage(ctx, "chan1", "post2"); err != nil {
		t.Fatal(err)
	}
	if err := a.SendTyping(ctx, "chan1"); err != nil {
		t.Fatal(err)
	}
	if err := a.AddReaction(ctx, "chan1", "post1", "👍"); err != nil {
		t.Fatal(err)
	}
	if h.api.patches["post1"] != "fixed" {
		t.Fatalf("patches = %v", h.api.patches)
	}
	if len(h.api.deleted) != 1 || h.api.deleted[0] != "post2" {
		t.Fatalf("deleted = %v", h.api.deleted)
	}
	if len(h.api.typing) != 1 || h.api.typing[0].ChannelId != "chan1" {
		t.Fatalf("typing = %v", h.api.typing)
	}
	r := h.api.reactions[0]
	if r.EmojiName != "+1" || r.UserId != botUserID || r.PostId != "post1" {
		t.Fatalf("reaction = %+v", r)
	}
}

func TestInboundPosts(t *testing.T) {
	a, h := newTestAdapter(t, Config{RequireMention: true})
	var in inbox
	a.OnMessage(in.handle)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sock := h.socket(0)

	sock.events <- postedEvent(t, &model.Post{Id: "p1", UserId: "u1", ChannelId: "dm1", Message: "hello", CreateAt: 1700000000000}, "D", nil)
	sock.events <- postedEvent(t, &model.Post{Id: "p2", UserId: botUserID, ChannelId: "dm1", Message: "echo"}, "D", nil)
	sock.events <- postedEvent(t, &model.Post{Id: "p3", UserId: "u1", ChannelId: "town", Message: "chatter"}, "O", nil)
	sock.events <- postedEvent(t, &model.Post{Id: "p4", UserId: "u1", ChannelId: "town", Message: "@cowork status?"}, "O", nil)
	sock.events <- postedEvent(t, &model.Post{Id: "p5", UserId: "u1", ChannelId: "town", Message: "ping", FileIds: []string{"f1"}}, "O",
		map[string]any{"mentions": `["bot123"]`})
	sock.events <- postedEvent(t, &model.Post{Id: "p6", UserId: "u1", ChannelId: "town", RootId: "p4", Message: "more"}, "O", nil)
	sock.events <- postedEvent(t, &model.Post{Id: "p7", UserId: "u1", ChannelId: "dm1", Type: "system_join_channel"}, "D", nil)
	sock.events <- postedEvent(t, &model.Post{Id: "p1", UserId: "u1", ChannelId: "dm1", Message: "hello"}, "D", nil)

	waitFor(t, func() bool { return len(in.all()) == 4 })
	time.Sleep(10 * time.Millisecond)
	msgs := in.all()
	if len(msgs) != 4 {
		t.Fatalf("got %d messages", len(msgs))
	}
	dm := msgs[0]
	if dm.MessageID != "p1" || dm.IsGroup || dm.UserName != "ana" || dm.Channel != models.ChannelMattermost {
		t.Fatalf("dm = %+v", dm)
	}
	if !dm.Timestamp.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("timestamp = %v", dm.Timestamp)
	}
	if msgs[1].MessageID != "p4" || !msgs[1].IsGroup {
		t.Fatalf("mention = %+v", msgs[1])
	}
	if msgs[2].MessageID != "p5" || len(msgs[2].Attachments) != 1 || msgs[2].Attachments[0].URL != "https://chat.example.com/api/v4/files/f1" {
		t.Fatalf("file post = %+v", msgs[2])
	}
	if msgs[3].ThreadID != "p4" {
		t.Fatalf("thread reply = %+v", msgs[3])
	}
}

func TestSocketDropReconnects(t *testing.T) {
	a, h := newTestAdapter(t, Config{})
	var in inbox
	a.OnMessage(in.handle)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.socket(0).Close()
	waitFor(t, func() bool { return h.socketCount() == 2 && a.Status() == models.StatusConnected })

	h.socket(1).events <- postedEvent(t, &model.Post{Id: "p1", UserId: "u1", ChannelId: "dm1", Message: "back"}, "D", nil)
	waitFor(t, func() bool { return len(in.all()) == 1 })
	if a.Metrics().ReconnectAttempts != 1 {
		t.Fatalf("reconnect attempts = %d", a.Metrics().ReconnectAttempts)
	}
}

func TestReconnectGivesUp(t *testing.T) {
	a, h := newTestAdapter(t, Config{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.mu.Lock()
	h.dialErr = errors.New("connection refused")
	h.mu.Unlock()
	h.socket(0).Close()
	waitFor(t, func() bool { return a.Status() == models.StatusError })
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		want channels.ErrorCode
	}{
		{model.NewAppError("x", "id", nil, "", http.StatusUnauthorized), channels.ErrCodeAuthentication},
		{model.NewAppError("x", "id", nil, "", http.StatusTooManyRequests), channels.ErrCodeRateLimit},
		{model.NewAppError("x", "id", nil, "", http.StatusNotFound), channels.ErrCodeNotFound},
		{model.NewAppError("x", "id", nil, "", http.StatusBadRequest), channels.ErrCodeInvalidInput},
		{model.NewAppError("x", "id", nil, "", http.StatusBadGateway), channels.ErrCodeUnavailable},
		{context.DeadlineExceeded, channels.ErrCodeTimeout},
		{errors.New("dial tcp: refused"), channels.ErrCodeConnection},
	}
	for _, tt := range tests {
		if got := channels.GetErrorCode(mapError("op", tt.err)); got != tt.want {
			t.Errorf("mapError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestWebsocketURL(t *testing.T) {
	if got := websocketURL("https://chat.example.com"); got != "wss://chat.example.com" {
		t.Fatalf("websocketURL() = %q", got)
	}
	if got := websocketURL("http://localhost:8065"); got != "ws://localhost:8065" {
		t.Fatalf("websocketURL() = %q", got)
	}
}
