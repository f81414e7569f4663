package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/cowork-oss/cowork-gateway/internal/agent"
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/storage"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

type fakeConfig struct {
	Token string `json:"token"`
}

func (c *fakeConfig) Type() models.ChannelType { return models.ChannelTelegram }

func (c *fakeConfig) Validate() channels.ValidationErrors {
	var errs channels.ValidationErrors
	errs.Require("token", c.Token)
	return errs
}

type fakeAdapter struct {
	*channels.BaseAdapter

	mu         sync.Mutex
	sent       []*models.OutgoingMessage
	typing     int
	connectErr error
}

func (a *fakeAdapter) Connect(ctx context.Context) error {
	if !a.BeginConnect() {
		return nil
	}
	if a.connectErr != nil {
		a.MarkError(a.connectErr)
		return a.connectErr
	}
	a.SetIdentity("bot-1", "testbot", "Test Bot")
	a.MarkConnected()
	return nil
}

func (a *fakeAdapter) Disconnect(ctx context.Context) error {
	a.MarkDisconnected()
	return nil
}

func (a *fakeAdapter) SendMessage(ctx context.Context, msg *models.OutgoingMessage) (string, error) {
	if err := a.RequireConnected(); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg)
	return fmt.Sprintf("m%d", len(a.sent)), nil
}

func (a *fakeAdapter) SendTyping(ctx context.Context, chatID string) error {
	a.mu.Lock()
	a.typing++
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.sent))
	for _, m := range a.sent {
		out = append(out, m.Text)
	}
	return out
}

func (a *fakeAdapter) last() *models.OutgoingMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return nil
	}
	return a.sent[len(a.sent)-1]
}

func (a *fakeAdapter) count(text string) int {
	n := 0
	for _, t := range a.texts() {
		if t == text {
			n++
		}
	}
	return n
}

type fakeDaemon struct {
	*agent.Bus

	mu        sync.Mutex
	started   []agent.TaskRequest
	followUps []string
	cancelled []string
	approvals map[string]bool

	startErr error
	sendErr  error
	// onStart runs inside StartTask before the id is returned.
	onStart func(ctx context.Context, taskID string)
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		Bus:       agent.NewBus(slog.New(slog.NewTextHandler(io.Discard, nil))),
		approvals: make(map[string]bool),
	}
}

func (d *fakeDaemon) StartTask(ctx context.Context, req agent.TaskRequest) (string, error) {
	d.mu.Lock()
	if d.startErr != nil {
		d.mu.Unlock()
		return "", d.startErr
	}
	d.started = append(d.started, req)
	id := fmt.Sprintf("task-%d", len(d.started))
	hook := d.onStart
	d.mu.Unlock()
	if hook != nil {
		hook(ctx, id)
	}
	return id, nil
}

func (d *fakeDaemon) SendMessage(ctx context.Context, taskID, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	d.followUps = append(d.followUps, text)
	return nil
}

func (d *fakeDaemon) CancelTask(ctx context.Context, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, taskID)
	return nil
}

func (d *fakeDaemon) RespondToApproval(ctx context.Context, approvalID string, approved bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.approvals[approvalID] = approved
	return nil
}

func (d *fakeDaemon) startedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.started)
}

func (d *fakeDaemon) followUpCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.followUps)
}

// recordingStore logs the bulk deletes issued through a unit of work.
type recordingStore struct {
	storage.Store
	mu    *sync.Mutex
	calls *[]string
}

func (s recordingStore) note(call string) {
	s.mu.Lock()
	*s.calls = append(*s.calls, call)
	s.mu.Unlock()
}

func (s recordingStore) WithTx(ctx context.Context, fn func(tx storage.Store) error) error {
	return s.Store.WithTx(ctx, func(tx storage.Store) error {
		return fn(recordingStore{Store: tx, mu: s.mu, calls: s.calls})
	})
}

func (s recordingStore) Messages() storage.MessageStore {
	return recordingMessages{MessageStore: s.Store.Messages(), s: s}
}

func (s recordingStore) Sessions() storage.SessionStore {
	return recordingSessions{SessionStore: s.Store.Sessions(), s: s}
}

func (s recordingStore) Users() storage.UserStore {
	return recordingUsers{UserStore: s.Store.Users(), s: s}
}

func (s recordingStore) Channels() storage.ChannelStore {
	return recordingChannels{ChannelStore: s.Store.Channels(), s: s}
}

type recordingMessages struct {
	storage.MessageStore
	s recordingStore
}

func (r recordingMessages) DeleteByChannel(ctx context.Context, id string) (int64, error) {
	r.s.note("messages")
	return r.MessageStore.DeleteByChannel(ctx, id)
}

type recordingSessions struct {
	storage.SessionStore
	s recordingStore
}

func (r recordingSessions) DeleteByChannel(ctx context.Context, id string) (int64, error) {
	r.s.note("sessions")
	return r.SessionStore.DeleteByChannel(ctx, id)
}

type recordingUsers struct {
	storage.UserStore
	s recordingStore
}

func (r recordingUsers) DeleteByChannel(ctx context.Context, id string) (int64, error) {
	r.s.note("users")
	return r.UserStore.DeleteByChannel(ctx, id)
}

type recordingChannels struct {
	storage.ChannelStore
	s recordingStore
}

func (r recordingChannels) Delete(ctx context.Context, id string) error {
	r.s.note("channel")
	return r.ChannelStore.Delete(ctx, id)
}

type fixture struct {
	t      *testing.T
	gw     *Gateway
	store  storage.Store
	daemon *fakeDaemon
	calls  []string

	mu       sync.Mutex
	adapters []*fakeAdapter
	// connectErr is handed to adapters built after it is set.
	connectErr error
}

func newFixture(t *testing.T, caps channels.Capabilities) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{t: t, daemon: newFakeDaemon()}
	f.store = recordingStore{Store: storage.NewMemoryStore(), mu: &sync.Mutex{}, calls: &f.calls}

	reg := channels.NewRegistry(logger)
	err := reg.Register(channels.Descriptor{
		Type:         models.ChannelTelegram,
		Meta:         channels.ChannelMeta{Label: "Telegram"},
		Capabilities: caps,
		NewConfig:    func() channels.PlatformConfig { return &fakeConfig{} },
		Factory: func(cfg channels.PlatformConfig, logger *slog.Logger) (channels.Adapter, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			a := &fakeAdapter{
				BaseAdapter: channels.NewBaseAdapter(models.ChannelTelegram, logger),
				connectErr:  f.connectErr,
			}
			f.adapters = append(f.adapters, a)
			return a, nil
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	gw, err := New(Config{
		Store:    f.store,
		Registry: reg,
		Daemon:   f.daemon,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.gw = gw
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return f
}

func (f *fixture) adapter() *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.adapters) == 0 {
		f.t.Fatal("no adapter was built")
	}
	return f.adapters[len(f.adapters)-1]
}

func (f *fixture) addChannel(sec models.SecurityConfig) *models.Channel {
	f.t.Helper()
	ch, err := f.gw.AddChannel(context.Background(), AddChannelRequest{
		Type:     models.ChannelTelegram,
		Config:   &fakeConfig{Token: "123:abc"},
		Security: &sec,
		Enabled:  true,
	})
	if err != nil {
		f.t.Fatalf("AddChannel() error = %v", err)
	}
	return ch
}

func (f *fixture) send(chatID, userID, text string) {
	f.t.Helper()
	err := f.gw.Router().HandleMessage(context.Background(), &models.IncomingMessage{
		MessageID: "in-" + text,
		Channel:   models.ChannelTelegram,
		ChatID:    chatID,
		UserID:    userID,
		UserName:  "User " + userID,
		Text:      text,
	})
	if err != nil {
		f.t.Fatalf("HandleMessage(%q) error = %v", text, err)
	}
}

func (f *fixture) emit(ev agent.Event) {
	f.daemon.Emit(context.Background(), ev)
}

func openMode() models.SecurityConfig {
	return models.SecurityConfig{Mode: models.SecurityOpen}
}

func containsText(texts []string, substr string) bool {
	for _, t := range texts {
		if strings.Contains(t, substr) {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

// tracking reports whether the router still holds state for taskID.
func (r *Router) tracking(taskID string) bool {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	_, ok := r.tasks[taskID]
	return ok
}
