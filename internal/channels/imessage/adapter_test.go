package imessage

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

const schema = `
CREATE TABLE handle (ROWID INTEGER PRIMARY KEY, id TEXT, service TEXT);
CREATE TABLE chat (ROWID INTEGER PRIMARY KEY, guid TEXT, chat_identifier TEXT, display_name TEXT, style INTEGER);
CREATE TABLE message (ROWID INTEGER PRIMARY KEY, guid TEXT, text TEXT, date INTEGER, is_from_me INTEGER,
	handle_id INTEGER, thread_originator_guid TEXT, cache_has_attachments INTEGER DEFAULT 0);
CREATE TABLE chat_message_join (chat_id INTEGER, message_id INTEGER);
CREATE TABLE attachment (ROWID INTEGER PRIMARY KEY, guid TEXT, filename TEXT, mime_type TEXT, transfer_name TEXT, total_bytes INTEGER);
CREATE TABLE message_attachment_join (message_id INTEGER, attachment_id INTEGER);
INSERT INTO handle VALUES (1, '+15552223333', 'iMessage'), (2, 'bo@example.com', 'iMessage');
INSERT INTO chat VALUES (1, 'iMessage;-;+15552223333', '+15552223333', '', 45),
	(2, 'iMessage;+;chat42', 'chat42', 'Ops', 43);
`

// chatDB is a writable copy of the Messages schema in a temp dir.
type chatDB struct {
	path string
	db   *sql.DB
}

func newChatDB(t *testing.T) *chatDB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return &chatDB{path: path, db: db}
}

func (c *chatDB) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	if _, err := c.db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// nanos returns a chat.db date for tm.
func nanos(tm time.Time) int64 { return int64(tm.Sub(appleEpoch)) }

type scripts struct {
	mu   sync.Mutex
	ran  []string
	out  []byte
	fail error
}

func (s *scripts) run(ctx context.Context, script string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, script)
	return s.out, s.fail
}

func (s *scripts) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ran...)
}

func newTestAdapter(t *testing.T, cfg Config, s *scripts) *Adapter {
	t.Helper()
	cfg.RateLimit = 1000
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), WithRunner(s.run))
	t.Cleanup(func() { _ = a.Disconnect(context.Background()) })
	return a
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{}, false},
		{"sms", Config{Service: "SMS"}, false},
		{"bad service", Config{Service: "RCS"}, true},
		{"negative poll", Config{PollInterval: -time.Second}, true},
		{"negative rate", Config{RateLimit: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if errs := tt.cfg.Validate(); (len(errs) > 0) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", errs, tt.wantErr)
			}
		})
	}
	cfg := Config{}.withDefaults()
	if cfg.DatabasePath != defaultDatabasePath || cfg.PollInterval != time.Second || cfg.Service != "iMessage" {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestConnectMissingDatabase(t *testing.T) {
	a := newTestAdapter(t, Config{DatabasePath: filepath.Join(t.TempDir(), "missing.db")}, &scripts{})
	err := a.Connect(context.Background())
	if channels.GetErrorCode(err) != channels.ErrCodeNotFound {
		t.Fatalf("Connect() error = %v, want not found", err)
	}
	if a.Status() != models.StatusError {
		t.Errorf("status = %s", a.Status())
	}
}

func TestPollEmitsNewMessages(t *testing.T) {
	store := newChatDB(t)
	now := time.Now().Truncate(time.Second)
	store.exec(t, `INSERT INTO message (ROWID, guid, text, date, is_from_me, handle_id) VALUES (1, 'OLD', 'history', ?, 0, 1)`, nanos(now))
	store.exec(t, `INSERT INTO chat_message_join VALUES (1, 1)`)

	a := newTestAdapter(t, Config{DatabasePath: store.path}, &scripts{})
	var got []*models.IncomingMessage
	a.OnMessage(func(ctx context.Context, msg *models.IncomingMessage) error {
		got = append(got, msg)
		return nil
	})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	store.exec(t, `INSERT INTO message (ROWID, guid, text, date, is_from_me, handle_id) VALUES (2, 'DM1', ' hello ', ?, 0, 1)`, nanos(now))
	store.exec(t, `INSERT INTO chat_message_join VALUES (1, 2)`)
	store.exec(t, `INSERT INTO message (ROWID, guid, text, date, is_from_me, handle_id) VALUES (3, 'MINE', 'sent by me', ?, 1, 0)`, nanos(now))
	store.exec(t, `INSERT INTO message (ROWID, guid, text, date, is_from_me, handle_id, thread_originator_guid, cache_has_attachments)
		VALUES (4, 'GRP1', 'look', ?, 0, 2, 'DM1', 1)`, nanos(now))
	store.exec(t, `INSERT INTO chat_message_join VALUES (2, 4)`)
	store.exec(t, `INSERT INTO attachment VALUES (1, 'A1', '/tmp/Attachments/IMG_1.png', 'image/png', 'IMG_1.png', 2048)`)
	store.exec(t, `INSERT INTO message_attachment_join VALUES (4, 1)`)
	store.exec(t, `INSERT INTO message (ROWID, guid, text, date, is_from_me, handle_id) VALUES (5, 'EMPTY', NULL, ?, 0, 1)`, nanos(now))

	a.checkOnce(context.Background())
	a.checkOnce(context.Background())

	if len(got) != 2 {
		t.Fatalf("messages = %d, want 2", len(got))
	}
	dm := got[0]
	if dm.Channel != models.ChannelIMessage || dm.MessageID != "DM1" || dm.ChatID != "+15552223333" || dm.Text != "hello" || dm.IsGroup {
		t.Errorf("dm = %+v", dm)
	}
	if !dm.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", dm.Timestamp, now)
	}
	grp := got[1]
	if grp.ChatID != "iMessage;+;chat42" || !grp.IsGroup || grp.UserID != "bo@example.com" || grp.ReplyTo != "DM1" {
		t.Errorf("group = %+v", grp)
	}
	if len(grp.Attachments) != 1 {
		t.Fatalf("attachments = %d", len(grp.Attachments))
	}
	att := grp.Attachments[0]
	if att.Path != "/tmp/Attachments/IMG_1.png" || att.Type != models.AttachmentImage || att.Filename != "IMG_1.png" || att.Size != 2048 {
		t.Errorf("attachment = %+v", att)
	}
}

func TestPollFailuresDegrade(t *testing.T) {
	store := newChatDB(t)
	var handle *sql.DB
	a := New(Config{DatabasePath: store.path, PollInterval: time.Hour}, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithRunner((&scripts{}).run),
		WithOpener(func(ctx context.Context, path string) (*sql.DB, error) {
			db, err := openDatabase(ctx, path)
			handle = db
			return db, err
		}))
	t.Cleanup(func() { _ = a.Disconnect(context.Background()) })
	var errs []error
	a.OnError(func(err error) { errs = append(errs, err) })
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_ = handle.Close()

	for i := 0; i < degradedAfter; i++ {
		a.checkOnce(context.Background())
	}
	if !a.IsDegraded() {
		t.Error("adapter should be degraded after repeated poll failures")
	}
	if len(errs) != 1 || channels.GetErrorCode(errs[0]) != channels.ErrCodeUnavailable {
		t.Errorf("errors = %v", errs)
	}
}

func TestSendMessage(t *testing.T) {
	store := newChatDB(t)
	s := &scripts{}
	outbox := t.TempDir()
	a := newTestAdapter(t, Config{DatabasePath: store.path, OutboxDir: outbox}, s)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	id, err := a.SendMessage(context.Background(), &models.OutgoingMessage{
		ChatID:    "+15552223333",
		Text:      `Run **"make"**?`,
		ParseMode: models.ParseModeMarkdown,
		Buttons:   [][]models.Button{{{Text: "Approve", Data: "approve:t1"}}},
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if !strings.HasPrefix(id, "local:") {
		t.Errorf("id = %q", id)
	}

	_, err = a.SendMessage(context.Background(), &models.OutgoingMessage{
		ChatID:      "iMessage;+;chat42",
		Attachments: []models.Attachment{{Data: []byte("report"), Filename: "r.txt"}},
	})
	if err != nil {
		t.Fatalf("SendMessage() attachment error = %v", err)
	}

	ran := s.all()
	if len(ran) != 2 {
		t.Fatalf("scripts = %d, want 2", len(ran))
	}
	if !strings.Contains(ran[0], `send "Run \"make\"?`) || !strings.Contains(ran[0], "Approve: reply /approve t1") {
		t.Errorf("text script = %s", ran[0])
	}
	if !strings.Contains(ran[0], `participant "+15552223333" of (1st account whose service type = iMessage)`) {
		t.Errorf("text target = %s", ran[0])
	}
	if !strings.Contains(ran[1], `send POSIX file "`+outbox) || !strings.Contains(ran[1], `to chat id "iMessage;+;chat42"`) {
		t.Errorf("file script = %s", ran[1])
	}
	files, _ := os.ReadDir(outbox)
	if len(files) != 1 || !strings.HasSuffix(files[0].Name(), "-r.txt") {
		t.Errorf("outbox = %v", files)
	}
}

func TestSendErrors(t *testing.T) {
	store := newChatDB(t)
	s := &scripts{out: []byte("execution error: Not authorized to send Apple events to Messages. (-1743)"), fail: errors.New("exit status 1")}
	a := newTestAdapter(t, Config{DatabasePath: store.path}, s)

	if _, err := a.SendMessage(context.Background(), &models.OutgoingMessage{ChatID: "x", Text: "hi"}); !channels.IsNotConnected(err) {
		t.Fatalf("SendMessage() before connect error = %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_, err := a.SendMessage(context.Background(), &models.OutgoingMessage{ChatID: "+15552223333", Text: "hi"})
	if channels.GetErrorCode(err) != channels.ErrCodeAuthentication {
		t.Fatalf("SendMessage() error = %v, want authentication", err)
	}
	if a.Metrics().MessagesFailed != 1 {
		t.Errorf("failed = %d", a.Metrics().MessagesFailed)
	}
	if _, err := a.SendMessage(context.Background(), &models.OutgoingMessage{Text: "hi"}); channels.GetErrorCode(err) != channels.ErrCodeInvalidInput {
		t.Errorf("missing chat error = %v", err)
	}
}

func TestMapScriptError(t *testing.T) {
	tests := []struct {
		out  string
		err  error
		want channels.ErrorCode
	}{
		{"Messages got an error: Can’t get participant \"x\". (-1728)", errors.New("exit status 1"), channels.ErrCodeNotFound},
		{"", context.DeadlineExceeded, channels.ErrCodeTimeout},
		{"", &os.PathError{Op: "exec", Path: "osascript", Err: os.ErrNotExist}, channels.ErrCodeConnection},
		{"boom", errors.New("exit status 1"), channels.ErrCodeConnection},
	}
	for _, tt := range tests {
		if got := channels.GetErrorCode(mapScriptError("send", []byte(tt.out), tt.err)); got != tt.want {
			t.Errorf("mapScriptError(%q, %v) = %s, want %s", tt.out, tt.err, got, tt.want)
		}
	}
}

func TestAppleTime(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := appleTime(nanos(want)); !got.Equal(want) {
		t.Errorf("nanoseconds: got %v", got)
	}
	if got := appleTime(int64(want.Sub(appleEpoch) / time.Second)); !got.Equal(want) {
		t.Errorf("seconds: got %v", got)
	}
}

func TestQuote(t *testing.T) {
	if got := quote(`a "b" \c`); got != `"a \"b\" \\c"` {
		t.Errorf("quote = %s", got)
	}
}
