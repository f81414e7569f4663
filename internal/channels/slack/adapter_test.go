package slack

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

type post struct {
	channel  string
	text     string
	threadTS string
	blocks   string
}

type fakeAPI struct {
	mu        sync.Mutex
	authErr   error
	postErr   error
	posts     []post
	updates   []string
	deletes   []string
	reactions []string
	uploads   []slack.UploadFileV2Parameters
	lookups   int
}

func (f *fakeAPI) AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &slack.AuthTestResponse{UserID: "UBOT", User: "cowork", Team: "Acme"}, nil
}

func (f *fakeAPI) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", "", f.postErr
	}
	_, values, err := slack.UnsafeApplyMsgOptions("xoxb-test", channelID, "https://slack.com/api/", options...)
	if err != nil {
		return "", "", err
	}
	f.posts = append(f.posts, post{
		channel:  channelID,
		text:     values.Get("text"),
		threadTS: values.Get("thread_ts"),
		blocks:   values.Get("blocks"),
	})
	return channelID, "1700000000.00010" + string(rune('0'+len(f.posts))), nil
}

func (f *fakeAPI) UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, values, _ := slack.UnsafeApplyMsgOptions("xoxb-test", channelID, "https://slack.com/api/", options...)
	f.updates = append(f.updates, timestamp+"="+values.Get("text"))
	return channelID, timestamp, "", nil
}

func (f *fakeAPI) DeleteMessageContext(ctx context.Context, channelID, timestamp string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, timestamp)
	return channelID, timestamp, nil
}

func (f *fakeAPI) AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, name+"@"+item.Timestamp)
	return nil
}

func (f *fakeAPI) UploadFileV2Context(ctx context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, params)
	return &slack.FileSummary{ID: "F1"}, nil
}

func (f *fakeAPI) GetUserInfoContext(ctx context.Context, user string) (*slack.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	u := &slack.User{ID: user, Name: "ada", RealName: "Ada Lovelace"}
	u.Profile.DisplayName = "Ada"
	return u, nil
}

type fakeSocket struct {
	mu     sync.Mutex
	events chan socketmode.Event
	acks   int
	runErr chan error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan socketmode.Event, 8), runErr: make(chan error, 1)}
}

func (f *fakeSocket) RunContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-f.runErr:
		return err
	}
}

func (f *fakeSocket) Ack(req socketmode.Request, payload ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
}

func (f *fakeSocket) Events() <-chan socketmode.Event { return f.events }

func (f *fakeSocket) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acks
}

type harness struct {
	a     *Adapter
	api   *fakeAPI
	sock  *fakeSocket
	mu    sync.Mutex
	dials int
	socks []*fakeSocket
}

func (h *harness) dial(cfg Config) (API, Socket, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dials++
	if h.dials > 1 {
		s := newFakeSocket()
		h.socks = append(h.socks, s)
		return h.api, s, nil
	}
	return h.api, h.sock, nil
}

func (h *harness) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{api: &fakeAPI{}, sock: newFakeSocket()}
	cfg.BotToken = "xoxb-1"
	cfg.AppToken = "xapp-1"
	cfg.RateLimit = 1000
	h.a = New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), WithDialer(h.dial))
	t.Cleanup(func() { _ = h.a.Disconnect(context.Background()) })
	return h
}

func connectedHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := newHarness(t, cfg)
	if err := h.a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return h
}

func collect(a *Adapter) *[]*models.IncomingMessage {
	var got []*models.IncomingMessage
	a.OnMessage(func(ctx context.Context, msg *models.IncomingMessage) error {
		got = append(got, msg)
		return nil
	})
	return &got
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{BotToken: "xoxb-1", AppToken: "xapp-1"}, false},
		{"secret refs", Config{BotToken: "env:SLACK_BOT", AppToken: "keyring:cowork/slack"}, false},
		{"missing app token", Config{BotToken: "xoxb-1"}, true},
		{"swapped tokens", Config{BotToken: "xapp-1", AppToken: "xoxb-1"}, true},
		{"negative rate", Config{BotToken: "xoxb-1", AppToken: "xapp-1", RateLimit: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.cfg.Validate()
			if (len(errs) > 0) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", errs, tt.wantErr)
			}
		})
	}
}

func TestConnectSetsIdentity(t *testing.T) {
	h := connectedHarness(t, Config{})
	info := h.a.Info()
	if info.Status != models.StatusConnected {
		t.Fatalf("status = %s", info.Status)
	}
	if info.BotID != "UBOT" || info.BotUsername != "cowork" || info.Extra["team"] != "Acme" {
		t.Errorf("info = %+v", info)
	}
}

func TestConnectInvalidAuth(t *testing.T) {
	h := newHarness(t, Config{})
	h.api.authErr = slack.SlackErrorResponse{Err: "invalid_auth"}
	err := h.a.Connect(context.Background())
	if channels.GetErrorCode(err) != channels.ErrCodeAuthentication {
		t.Fatalf("Connect() error = %v, want auth error", err)
	}
	if h.a.Info().Status != models.StatusError {
		t.Errorf("status = %s", h.a.Info().Status)
	}
}

func TestSendMessage(t *testing.T) {
	h := connectedHarness(t, Config{})
	id, err := h.a.SendMessage(context.Background(), &models.OutgoingMessage{
		ChatID:    "C1",
		ThreadID:  "1690000000.000001",
		Text:      "**Approve** `rm -rf build`?",
		ParseMode: models.ParseModeMarkdown,
		Buttons:   [][]models.Button{{{Text: "Approve", Data: "approve:t1"}, {Text: "Deny", Data: "deny:t1"}}},
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if id != "1700000000.000101" {
		t.Errorf("id = %q", id)
	}
	if len(h.api.posts) != 1 {
		t.Fatalf("posts = %d", len(h.api.posts))
	}
	p := h.api.posts[0]
	if p.text != "*Approve* `rm -rf build`?" {
		t.Errorf("text = %q", p.text)
	}
	if p.threadTS != "1690000000.000001" {
		t.Errorf("thread_ts = %q", p.threadTS)
	}
	for _, want := range []string{"approve:t1", "deny:t1", `"style":"danger"`, `"type":"actions"`} {
		if !strings.Contains(p.blocks, want) {
			t.Errorf("blocks missing %s: %s", want, p.blocks)
		}
	}
}

func TestSendMessageChunks(t *testing.T) {
	h := connectedHarness(t, Config{})
	text := strings.Repeat("word ", 1000)
	_, err := h.a.SendMessage(context.Background(), &models.OutgoingMessage{
		ChatID:  "C1",
		Text:    text,
		Buttons: [][]models.Button{{{Text: "Open", URL: "https://example.com"}}},
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if len(h.api.posts) != 2 {
		t.Fatalf("posts = %d, want 2", len(h.api.posts))
	}
	if h.api.posts[0].blocks != "" || h.api.posts[1].blocks == "" {
		t.Errorf("buttons should ride on the last chunk only")
	}
}

func TestSendAttachments(t *testing.T) {
	h := connectedHarness(t, Config{})
	id, err := h.a.SendMessage(context.Background(), &models.OutgoingMessage{
		ChatID:      "C1",
		Attachments: []models.Attachment{{Data: []byte("%PDF-1.4"), Filename: "report.pdf"}},
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if id != "F1" || len(h.api.uploads) != 1 {
		t.Fatalf("id = %q uploads = %d", id, len(h.api.uploads))
	}
	if up := h.api.uploads[0]; up.Channel != "C1" || up.Filename != "report.pdf" || up.FileSize != 8 {
		t.Errorf("upload = %+v", up)
	}
}

func TestSendErrors(t *testing.T) {
	h := newHarness(t, Config{})
	if _, err := h.a.SendMessage(context.Background(), &models.OutgoingMessage{ChatID: "C1", Text: "x"}); !channels.IsNotConnected(err) {
		t.Errorf("not connected: %v", err)
	}
	if err := h.a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := h.a.SendMessage(context.Background(), &models.OutgoingMessage{Text: "x"}); channels.GetErrorCode(err) != channels.ErrCodeInvalidInput {
		t.Errorf("missing chat: %v", err)
	}
	h.api.postErr = slack.SlackErrorResponse{Err: "channel_not_found"}
	if _, err := h.a.SendMessage(context.Background(), &models.OutgoingMessage{ChatID: "C9", Text: "x"}); channels.GetErrorCode(err) != channels.ErrCodeNotFound {
		t.Errorf("unknown channel: %v", err)
	}
	if got := h.a.Metrics().MessagesFailed; got != 1 {
		t.Errorf("failed = %d", got)
	}
}

func TestEditDeleteReact(t *testing.T) {
	h := connectedHarness(t, Config{})
	ctx := context.Background()
	if err := h.a.EditMessage(ctx, "C1", "1.1", "**done**"); err != nil {
		t.Fatal(err)
	}
	if err := h.a.DeleteMessage(ctx, "C1", "1.2"); err != nil {
		t.Fatal(err)
	}
	if err := h.a.AddReaction(ctx, "C1", "1.3", "👀"); err != nil {
		t.Fatal(err)
	}
	if err := h.a.AddReaction(ctx, "C1", "1.4", ":rocket:"); err != nil {
		t.Fatal(err)
	}
	if len(h.api.updates) != 1 || h.api.updates[0] != "1.1=*done*" {
		t.Errorf("updates = %v", h.api.updates)
	}
	if len(h.api.deletes) != 1 || h.api.deletes[0] != "1.2" {
		t.Errorf("deletes = %v", h.api.deletes)
	}
	if strings.Join(h.api.reactions, ",") != "eyes@1.3,rocket@1.4" {
		t.Errorf("reactions = %v", h.api.reactions)
	}
}

func eventsAPI(inner interface{}) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: inner},
		},
		Request: &socketmode.Request{EnvelopeID: "env"},
	}
}

func TestInboundMessages(t *testing.T) {
	h := connectedHarness(t, Config{RequireMention: true})
	got := collect(h.a)

	dm := &slackevents.MessageEvent{User: "U1", Text: "hello", Channel: "D1", ChannelType: "im", TimeStamp: "1700000000.000100"}
	h.a.handleEvent(h.sock, eventsAPI(dm))
	h.a.handleEvent(h.sock, eventsAPI(dm))
	h.a.handleEvent(h.sock, eventsAPI(&slackevents.MessageEvent{User: "U2", Text: "chatter", Channel: "C1", ChannelType: "channel", TimeStamp: "1.2"}))
	h.a.handleEvent(h.sock, eventsAPI(&slackevents.AppMentionEvent{User: "U2", Text: "<@UBOT> /status", Channel: "C1", TimeStamp: "1.3"}))
	h.a.handleEvent(h.sock, eventsAPI(&slackevents.MessageEvent{BotID: "B1", Text: "echo", Channel: "C1", TimeStamp: "1.4"}))
	h.a.handleEvent(h.sock, eventsAPI(&slackevents.MessageEvent{User: "U1", SubType: "message_changed", Channel: "D1", ChannelType: "im", TimeStamp: "1.5"}))

	if h.sock.ackCount() != 6 {
		t.Errorf("acks = %d, want 6", h.sock.ackCount())
	}
	if len(*got) != 2 {
		t.Fatalf("got %d messages, want 2", len(*got))
	}
	first := (*got)[0]
	if first.Channel != models.ChannelSlack || first.ChatID != "D1" || first.IsGroup || first.UserName != "Ada" {
		t.Errorf("first = %+v", first)
	}
	if first.Timestamp.Unix() != 1700000000 {
		t.Errorf("timestamp = %v", first.Timestamp)
	}
	second := (*got)[1]
	if !second.IsGroup || second.Text != "/status" || second.UserID != "U2" {
		t.Errorf("second = %+v", second)
	}
	if h.api.lookups != 2 {
		t.Errorf("user lookups = %d, want 2 (cached per user)", h.api.lookups)
	}
}

func TestBlockActionBecomesMessage(t *testing.T) {
	h := connectedHarness(t, Config{})
	got := collect(h.a)

	cb := slack.InteractionCallback{
		Type: slack.InteractionTypeBlockActions,
		User: slack.User{ID: "U1", Name: "ada"},
		ActionCallback: slack.ActionCallbacks{
			BlockActions: []*slack.BlockAction{{ActionID: "btn_0_0", Value: "approve:t1", ActionTs: "1.9"}},
		},
	}
	cb.Channel.ID = "D1"
	cb.Message.Timestamp = "1.8"
	evt := socketmode.Event{Type: socketmode.EventTypeInteractive, Data: cb, Request: &socketmode.Request{}}
	h.a.handleEvent(h.sock, evt)
	h.a.handleEvent(h.sock, evt)

	if len(*got) != 1 {
		t.Fatalf("got %d messages, want 1", len(*got))
	}
	msg := (*got)[0]
	if msg.Text != "approve:t1" || msg.ChatID != "D1" || msg.ReplyTo != "1.8" || msg.IsGroup {
		t.Errorf("msg = %+v", msg)
	}
}

func TestSlashCommand(t *testing.T) {
	h := connectedHarness(t, Config{})
	got := collect(h.a)
	h.a.handleEvent(h.sock, socketmode.Event{
		Type:    socketmode.EventTypeSlashCommand,
		Data:    slack.SlashCommand{Command: "/cowork", Text: "pair 123456", UserID: "U1", UserName: "ada", ChannelID: "C1", TriggerID: "tr"},
		Request: &socketmode.Request{},
	})
	if len(*got) != 1 || (*got)[0].Text != "/pair 123456" || !(*got)[0].IsGroup {
		t.Fatalf("got = %+v", *got)
	}
}

func TestSocketFailureReconnects(t *testing.T) {
	h := newHarness(t, Config{Reconnect: channels.ReconnectConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}})
	if err := h.a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.sock.runErr <- errors.New("websocket closed")

	deadline := time.Now().Add(2 * time.Second)
	for h.dialCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", h.dialCount())
	}
	for h.a.Info().Status != models.StatusConnected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.a.Info().Status != models.StatusConnected {
		t.Errorf("status = %s", h.a.Info().Status)
	}
}

func TestParseTimestamp(t *testing.T) {
	ts := parseTimestamp("1700000000.000250")
	if ts.Unix() != 1700000000 || ts.Nanosecond() != 250000 {
		t.Errorf("parseTimestamp = %v", ts)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		want channels.ErrorCode
	}{
		{slack.SlackErrorResponse{Err: "invalid_auth"}, channels.ErrCodeAuthentication},
		{slack.SlackErrorResponse{Err: "ratelimited"}, channels.ErrCodeRateLimit},
		{&slack.RateLimitedError{RetryAfter: time.Second}, channels.ErrCodeRateLimit},
		{slack.SlackErrorResponse{Err: "message_not_found"}, channels.ErrCodeNotFound},
		{slack.SlackErrorResponse{Err: "msg_too_long"}, channels.ErrCodeInvalidInput},
		{context.DeadlineExceeded, channels.ErrCodeTimeout},
		{errors.New("dial tcp: refused"), channels.ErrCodeConnection},
	}
	for _, tt := range tests {
		if got := channels.GetErrorCode(mapError("op", tt.err)); got != tt.want {
			t.Errorf("mapError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if mapError("op", nil) != nil {
		t.Error("mapError(nil) != nil")
	}
}
