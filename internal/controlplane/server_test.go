package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cowork-oss/cowork-gateway/internal/auth"
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/channels/builtin"
	"github.com/cowork-oss/cowork-gateway/internal/channels/telegram"
	"github.com/cowork-oss/cowork-gateway/internal/gateway"
	"github.com/cowork-oss/cowork-gateway/internal/observability"
	"github.com/cowork-oss/cowork-gateway/internal/security"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// fakeGateway implements Gateway with overridable function fields.
type fakeGateway struct {
	addFn      func(req gateway.AddChannelRequest) (*models.Channel, error)
	updateFn   func(id string, req gateway.UpdateChannelRequest) (*models.Channel, error)
	enableFn   func(id string) error
	disableFn  func(id string) error
	removeFn   func(id string) error
	testFn     func(id string) (models.ChannelInfo, error)
	channels   map[string]*models.Channel
	qrFn       func(id string) (string, error)
	grantFn    func(id, userID, name string) (*models.ChannelUser, error)
	revokeFn   func(id, userID string) (*models.ChannelUser, error)
	users      []*models.ChannelUser
	sendFn     func(id, chatID, text string) (string, error)
	sendSessFn func(sessionID, text string) (string, error)
}

func (f *fakeGateway) AddChannel(_ context.Context, req gateway.AddChannelRequest) (*models.Channel, error) {
	return f.addFn(req)
}

func (f *fakeGateway) UpdateChannel(_ context.Context, id string, req gateway.UpdateChannelRequest) (*models.Channel, error) {
	return f.updateFn(id, req)
}

func (f *fakeGateway) EnableChannel(_ context.Context, id string) error {
	if f.enableFn == nil {
		return nil
	}
	return f.enableFn(id)
}

func (f *fakeGateway) DisableChannel(_ context.Context, id string) error {
	if f.disableFn == nil {
		return nil
	}
	return f.disableFn(id)
}

func (f *fakeGateway) RemoveChannel(_ context.Context, id string) error {
	return f.removeFn(id)
}

func (f *fakeGateway) TestChannel(_ context.Context, id string) (models.ChannelInfo, error) {
	return f.testFn(id)
}

func (f *fakeGateway) ListChannels(context.Context) ([]*models.Channel, error) {
	out := make([]*models.Channel, 0, len(f.channels))
	for _, ch := range f.channels {
		out = append(out, ch)
	}
	return out, nil
}

func (f *fakeGateway) GetChannel(_ context.Context, id string) (*models.Channel, error) {
	ch, ok := f.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", gateway.ErrChannelNotFound, id)
	}
	return ch, nil
}

func (f *fakeGateway) ChannelInfo(_ context.Context, id string) (models.ChannelInfo, error) {
	ch, ok := f.channels[id]
	if !ok {
		return models.ChannelInfo{}, gateway.ErrChannelNotFound
	}
	return models.ChannelInfo{Type: ch.Type, Status: ch.Status, BotUsername: ch.BotUsername}, nil
}

func (f *fakeGateway) LoginQR(_ context.Context, id string) (string, error) {
	return f.qrFn(id)
}

func (f *fakeGateway) GeneratePairingCode(_ context.Context, id string) (security.PairingCode, error) {
	if _, ok := f.channels[id]; !ok {
		return security.PairingCode{}, gateway.ErrChannelNotFound
	}
	return security.PairingCode{Code: "ABCD2345", ExpiresAt: time.Now().Add(5 * time.Minute)}, nil
}

func (f *fakeGateway) GrantUserAccess(_ context.Context, id, userID, name string) (*models.ChannelUser, error) {
	return f.grantFn(id, userID, name)
}

func (f *fakeGateway) RevokeUserAccess(_ context.Context, id, userID string) (*models.ChannelUser, error) {
	return f.revokeFn(id, userID)
}

func (f *fakeGateway) GetChannelUsers(_ context.Context, id string) ([]*models.ChannelUser, error) {
	if _, ok := f.channels[id]; !ok {
		return nil, gateway.ErrChannelNotFound
	}
	return f.users, nil
}

func (f *fakeGateway) SendMessage(_ context.Context, id, chatID, text string) (string, error) {
	return f.sendFn(id, chatID, text)
}

func (f *fakeGateway) SendMessageToSession(_ context.Context, sessionID, text string) (string, error) {
	return f.sendSessFn(sessionID, text)
}

func newTestServer(t *testing.T, gw *fakeGateway, authCfg auth.Config) (*Server, *prometheus.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := channels.NewRegistry(logger)
	if err := builtin.Register(reg); err != nil {
		t.Fatalf("register builtin: %v", err)
	}
	promReg := prometheus.NewRegistry()
	srv, err := New(Config{
		Gateway:  gw,
		Registry: reg,
		Auth:     auth.NewService(authCfg),
		Metrics:  observability.NewMetrics(promReg),
		Gatherer: promReg,
		Version:  "test",
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, promReg
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

var openAuth = auth.Config{Disabled: true}

func telegramChannel() *models.Channel {
	return &models.Channel{
		ID:          "ch-1",
		Type:        models.ChannelTelegram,
		Name:        "Telegram",
		Enabled:     true,
		Config:      json.RawMessage(`{"token":"123:secret","api_url":"https://api.telegram.org"}`),
		Security:    models.DefaultSecurityConfig(),
		Status:      models.StatusConnected,
		BotUsername: "cowork_bot",
	}
}

func TestHealthzNeedsNoToken(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGateway{}, auth.Config{JWTSecret: "0123456789abcdef", AdminSecret: "let-me-in"})
	rec := do(t, srv.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}

func TestTokenFlow(t *testing.T) {
	gw := &fakeGateway{channels: map[string]*models.Channel{}}
	srv, _ := newTestServer(t, gw, auth.Config{JWTSecret: "0123456789abcdef", AdminSecret: "let-me-in", TokenTTL: time.Hour})
	h := srv.Handler()

	if rec := do(t, h, http.MethodGet, "/api/channels", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/token", `{"admin_secret":"guess"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/api/token", `{"admin_secret":"let-me-in","subject":"cli"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("token = %d %s", rec.Code, rec.Body.String())
	}
	tok := decodeBody[tokenResponse](t, rec)
	if tok.Token == "" || tok.ExpiresAt == nil {
		t.Fatalf("unexpected token response %+v", tok)
	}

	rec = do(t, h, http.MethodGet, "/api/channels", "", "Authorization", "Bearer "+tok.Token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}

func TestTokenWhenAuthDisabled(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGateway{}, openAuth)
	rec := do(t, srv.Handler(), http.MethodPost, "/api/token", `{"admin_secret":"x"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAddChannel(t *testing.T) {
	var got gateway.AddChannelRequest
	gw := &fakeGateway{channels: map[string]*models.Channel{}}
	gw.addFn = func(req gateway.AddChannelRequest) (*models.Channel, error) {
		got = req
		raw, _ := json.Marshal(req.Config)
		ch := &models.Channel{ID: "new", Type: req.Type, Name: req.Name, Enabled: req.Enabled, Config: raw, Status: models.StatusConnecting}
		gw.channels[ch.ID] = ch
		return ch, nil
	}
	srv, _ := newTestServer(t, gw, openAuth)

	rec := do(t, srv.Handler(), http.MethodPost, "/api/channels",
		`{"type":"tg","name":"Ops bot","enabled":true,"config":{"token":"env:TELEGRAM_TOKEN"},"security":{"mode":"allowlist","allowed_users":["42"]}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add = %d %s", rec.Code, rec.Body.String())
	}
	if got.Type != models.ChannelTelegram || got.Name != "Ops bot" || !got.Enabled {
		t.Fatalf("unexpected request %+v", got)
	}
	cfg, ok := got.Config.(*telegram.Config)
	if !ok || cfg.Token != "env:TELEGRAM_TOKEN" {
		t.Fatalf("config = %#v", got.Config)
	}
	if got.Security == nil || got.Security.Mode != models.SecurityAllowlist {
		t.Fatalf("security = %+v", got.Security)
	}

	view := decodeBody[map[string]any](t, rec)
	conf := view["config"].(map[string]any)
	if conf["token"] != "env:TELEGRAM_TOKEN" {
		t.Fatalf("secret references should be shown as written, got %v", conf["token"])
	}
}

func TestAddChannelErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"unknown type", `{"type":"fax"}`, nil, http.StatusBadRequest},
		{"unknown field", `{"type":"telegram","colour":"blue"}`, nil, http.StatusBadRequest},
		{"bad config json", `{"type":"telegram","config":{"token":5}}`, nil, http.StatusBadRequest},
		{"duplicate", `{"type":"telegram","config":{"token":"x"}}`, fmt.Errorf("add channel telegram: %w", gateway.ErrChannelExists), http.StatusConflict},
		{"invalid", `{"type":"telegram"}`, channels.ValidationErrors{{Field: "token", Message: "is required"}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{addFn: func(gateway.AddChannelRequest) (*models.Channel, error) {
				if tt.err == nil {
					t.Fatal("gateway should not be called")
				}
				return nil, tt.err
			}}
			srv, _ := newTestServer(t, gw, openAuth)
			rec := do(t, srv.Handler(), http.MethodPost, "/api/channels", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestValidationErrorsListFields(t *testing.T) {
	gw := &fakeGateway{addFn: func(gateway.AddChannelRequest) (*models.Channel, error) {
		return nil, channels.ValidationErrors{{Field: "token", Message: "is required"}}
	}}
	srv, _ := newTestServer(t, gw, openAuth)
	rec := do(t, srv.Handler(), http.MethodPost, "/api/channels", `{"type":"telegram"}`)
	resp := decodeBody[errorResponse](t, rec)
	if resp.Code != string(channels.ErrCodeConfig) || len(resp.Fields) != 1 || resp.Fields[0].Field != "token" {
		t.Fatalf("unexpected error body %+v", resp)
	}
}

func TestGetChannelRedactsSecrets(t *testing.T) {
	gw := &fakeGateway{channels: map[string]*models.Channel{"ch-1": telegramChannel()}}
	srv, _ := newTestServer(t, gw, openAuth)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/channels/ch-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "123:secret") {
		t.Fatalf("secret leaked: %s", rec.Body.String())
	}
	view := decodeBody[map[string]any](t, rec)
	conf := view["config"].(map[string]any)
	if conf["token"] != redacted || conf["api_url"] != "https://api.telegram.org" {
		t.Fatalf("config = %v", conf)
	}
	info := view["info"].(map[string]any)
	if info["bot_username"] != "cowork_bot" {
		t.Fatalf("info = %v", info)
	}

	if rec := do(t, srv.Handler(), http.MethodGet, "/api/channels/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUpdateChannelDecodesStoredType(t *testing.T) {
	var got gateway.UpdateChannelRequest
	gw := &fakeGateway{channels: map[string]*models.Channel{"ch-1": telegramChannel()}}
	gw.updateFn = func(id string, req gateway.UpdateChannelRequest) (*models.Channel, error) {
		got = req
		return gw.channels[id], nil
	}
	srv, _ := newTestServer(t, gw, openAuth)

	rec := do(t, srv.Handler(), http.MethodPatch, "/api/channels/ch-1", `{"name":"Renamed","config":{"token":"keyring:telegram"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch = %d %s", rec.Code, rec.Body.String())
	}
	if got.Name == nil || *got.Name != "Renamed" {
		t.Fatalf("name = %v", got.Name)
	}
	cfg, ok := got.Config.(*telegram.Config)
	if !ok || cfg.Token != "keyring:telegram" {
		t.Fatalf("config = %#v", got.Config)
	}

	got = gateway.UpdateChannelRequest{}
	do(t, srv.Handler(), http.MethodPatch, "/api/channels/ch-1", `{"security":{"mode":"open"}}`)
	if got.Config != nil || got.Security == nil {
		t.Fatalf("expected security-only update, got %+v", got)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	var calls []string
	gw := &fakeGateway{channels: map[string]*models.Channel{"ch-1": telegramChannel()}}
	gw.enableFn = func(id string) error { calls = append(calls, "enable:"+id); return nil }
	gw.disableFn = func(id string) error { calls = append(calls, "disable:"+id); return nil }
	gw.removeFn = func(id string) error { calls = append(calls, "remove:"+id); return nil }
	gw.testFn = func(id string) (models.ChannelInfo, error) {
		return models.ChannelInfo{Type: models.ChannelTelegram, Status: models.StatusConnected, BotUsername: "probe"}, nil
	}
	srv, _ := newTestServer(t, gw, openAuth)
	h := srv.Handler()

	for _, path := range []string{"/api/channels/ch-1/enable", "/api/channels/ch-1/disable"} {
		if rec := do(t, h, http.MethodPost, path, ""); rec.Code != http.StatusOK {
			t.Fatalf("%s = %d", path, rec.Code)
		}
	}
	rec := do(t, h, http.MethodPost, "/api/channels/ch-1/test", "")
	if info := decodeBody[models.ChannelInfo](t, rec); info.BotUsername != "probe" {
		t.Fatalf("test info = %+v", info)
	}
	if rec := do(t, h, http.MethodDelete, "/api/channels/ch-1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	want := []string{"enable:ch-1", "disable:ch-1", "remove:ch-1"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v", calls)
	}
}

func TestLoginQR(t *testing.T) {
	gw := &fakeGateway{qrFn: func(id string) (string, error) {
		if id != "wa" {
			return "", gateway.ErrNoLoginQR
		}
		return "2@abc,def,ghi", nil
	}}
	srv, _ := newTestServer(t, gw, openAuth)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/channels/wa/qr", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("qr = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Fatal("expected PNG body")
	}

	rec = do(t, h, http.MethodGet, "/api/channels/wa/qr?format=text", "")
	if body := decodeBody[map[string]string](t, rec); body["code"] != "2@abc,def,ghi" {
		t.Fatalf("text qr = %v", body)
	}

	if rec := do(t, h, http.MethodGet, "/api/channels/other/qr", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUserEndpoints(t *testing.T) {
	gw := &fakeGateway{
		channels: map[string]*models.Channel{"ch-1": telegramChannel()},
		users:    []*models.ChannelUser{{ID: "u1", ChannelID: "ch-1", ChannelUserID: "42", Allowed: true}},
	}
	var granted string
	gw.grantFn = func(id, userID, name string) (*models.ChannelUser, error) {
		granted = id + "/" + userID + "/" + name
		return &models.ChannelUser{ChannelID: id, ChannelUserID: userID, DisplayName: name, Allowed: true}, nil
	}
	gw.revokeFn = func(id, userID string) (*models.ChannelUser, error) {
		return &models.ChannelUser{ChannelID: id, ChannelUserID: userID}, nil
	}
	srv, _ := newTestServer(t, gw, openAuth)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/channels/ch-1/users", "")
	if users := decodeBody[[]models.ChannelUser](t, rec); len(users) != 1 || users[0].ChannelUserID != "42" {
		t.Fatalf("users = %+v", users)
	}

	rec = do(t, h, http.MethodPost, "/api/channels/ch-1/pairing-codes", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("pairing = %d", rec.Code)
	}
	if code := decodeBody[security.PairingCode](t, rec); code.Code != "ABCD2345" {
		t.Fatalf("code = %+v", code)
	}

	rec = do(t, h, http.MethodPost, "/api/channels/ch-1/users/77/grant", `{"display_name":"Ana"}`)
	if rec.Code != http.StatusOK || granted != "ch-1/77/Ana" {
		t.Fatalf("grant = %d %q", rec.Code, granted)
	}
	rec = do(t, h, http.MethodPost, "/api/channels/ch-1/users/78/grant", "")
	if rec.Code != http.StatusOK || granted != "ch-1/78/" {
		t.Fatalf("grant without body = %d %q", rec.Code, granted)
	}
	rec = do(t, h, http.MethodPost, "/api/channels/ch-1/users/77/revoke", "")
	if user := decodeBody[models.ChannelUser](t, rec); user.Allowed {
		t.Fatalf("revoke = %+v", user)
	}
}

func TestSendEndpoints(t *testing.T) {
	gw := &fakeGateway{
		sendFn: func(id, chatID, text string) (string, error) {
			if id == "offline" {
				return "", channels.ErrNotConnected(models.ChannelSlack)
			}
			return "m-" + chatID, nil
		},
		sendSessFn: func(sessionID, text string) (string, error) {
			return "s-" + sessionID, nil
		},
	}
	srv, _ := newTestServer(t, gw, openAuth)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/channels/ch-1/messages", `{"chat_id":"c9","text":"hello"}`)
	if resp := decodeBody[sendResponse](t, rec); resp.MessageID != "m-c9" {
		t.Fatalf("send = %+v", resp)
	}
	if rec := do(t, h, http.MethodPost, "/api/channels/ch-1/messages", `{"text":"hello"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without chat_id, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/api/channels/offline/messages", `{"chat_id":"c9","text":"hello"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for disconnected adapter, got %d", rec.Code)
	}
	if resp := decodeBody[errorResponse](t, rec); resp.Code != string(channels.ErrCodeNotConnected) {
		t.Fatalf("error code = %q", resp.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/sessions/sess-1/messages", `{"text":"update"}`)
	if resp := decodeBody[sendResponse](t, rec); resp.MessageID != "s-sess-1" {
		t.Fatalf("session send = %+v", resp)
	}
}

func TestStatusAndChannelTypes(t *testing.T) {
	gw := &fakeGateway{channels: map[string]*models.Channel{"ch-1": telegramChannel()}}
	srv, _ := newTestServer(t, gw, openAuth)
	h := srv.Handler()

	status := decodeBody[GatewayStatus](t, do(t, h, http.MethodGet, "/api/status", ""))
	if status.Channels != 1 || status.ByStatus[models.StatusConnected] != 1 || status.Version != "test" {
		t.Fatalf("status = %+v", status)
	}

	types := decodeBody[[]channelTypeView](t, do(t, h, http.MethodGet, "/api/channel-types", ""))
	if len(types) != 8 {
		t.Fatalf("expected 8 channel types, got %d", len(types))
	}

	rec := do(t, h, http.MethodGet, "/api/config/schema", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "jwt_secret") {
		t.Fatalf("schema = %d", rec.Code)
	}
}

func TestMetricsRecordRoutes(t *testing.T) {
	gw := &fakeGateway{channels: map[string]*models.Channel{"ch-1": telegramChannel()}}
	srv, _ := newTestServer(t, gw, openAuth)
	h := srv.Handler()

	do(t, h, http.MethodGet, "/api/channels/ch-1", "")
	rec := do(t, h, http.MethodGet, "/metrics", "")
	body := rec.Body.String()
	if !strings.Contains(body, "cowork_gateway_http_request_duration_seconds") {
		t.Fatal("expected request histogram in /metrics")
	}
	if !strings.Contains(body, `path="GET /api/channels/{id}"`) {
		t.Fatalf("expected route pattern label, got:\n%s", body)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGateway{}, openAuth)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, listener) }()

	resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
