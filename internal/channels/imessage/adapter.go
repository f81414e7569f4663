// Package imessage implements the iMessage channel adapter for macOS. New
// messages are read by polling the Messages database and replies are sent
// by scripting Messages.app.
package imessage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cowork-oss/cowork-gateway/internal/cache"
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/markup"
	"github.com/cowork-oss/cowork-gateway/internal/ratelimit"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// degradedAfter is the number of consecutive failed polls before the
// adapter reports itself degraded.
const degradedAfter = 3

// Capabilities of the iMessage adapter. Messages.app scripting can only
// send text and files.
var Capabilities = channels.Capabilities{
	SupportsAttachments: true,
	MaxMessageLength:    4000,
}

// Descriptor returns the registry entry for iMessage.
func Descriptor() channels.Descriptor {
	return channels.Descriptor{
		Type: models.ChannelIMessage,
		Meta: channels.ChannelMeta{
			Label:          "iMessage",
			SelectionLabel: "iMessage (macOS Messages.app)",
			DocsPath:       "/channels/imessage",
			Blurb:          "Runs on a Mac signed in to Messages. Grant Full Disk Access and Automation permission to the gateway.",
			Aliases:        []string{"imsg"},
		},
		Capabilities: Capabilities,
		NewConfig:    func() channels.PlatformConfig { return &Config{} },
		Factory: func(cfg channels.PlatformConfig, logger *slog.Logger) (channels.Adapter, error) {
			c, ok := cfg.(*Config)
			if !ok {
				return nil, channels.ErrConfig(fmt.Sprintf("imessage: unexpected config %T", cfg), nil)
			}
			return New(*c, logger), nil
		},
		BuiltIn: true,
	}
}

// Runner executes an AppleScript and returns its combined output.
type Runner func(ctx context.Context, script string) ([]byte, error)

func runOsascript(ctx context.Context, script string) ([]byte, error) {
	return exec.CommandContext(ctx, "osascript", "-e", script).CombinedOutput()
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithRunner replaces the AppleScript runner.
func WithRunner(r Runner) Option {
	return func(a *Adapter) { a.run = r }
}

// WithOpener replaces the database opener.
func WithOpener(o Opener) Option {
	return func(a *Adapter) { a.open = o }
}

// Adapter implements channels.Adapter for iMessage.
type Adapter struct {
	*channels.BaseAdapter

	cfg     Config
	run     Runner
	open    Opener
	chunker *channels.Chunker
	dedupe  *cache.Dedupe
	limiter *ratelimit.Bucket

	mu       sync.Mutex
	db       *sql.DB
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pollMu   sync.Mutex
	lastRow  int64
	failures int
}

// New creates an iMessage adapter. cfg must already be validated.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Adapter {
	cfg = cfg.withDefaults()
	a := &Adapter{
		BaseAdapter: channels.NewBaseAdapter(models.ChannelIMessage, logger),
		cfg:         cfg,
		run:         runOsascript,
		open:        openDatabase,
		chunker:     channels.ChunkerFor(Capabilities),
		dedupe:      cache.NewDedupe(cache.DedupeOptions{}),
		limiter:     ratelimit.NewBucket(cfg.RateLimit, 0),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect opens the database, skips history, and starts polling.
func (a *Adapter) Connect(ctx context.Context) error {
	if !a.BeginConnect() {
		return nil
	}
	path := channels.ExpandPath(a.cfg.DatabasePath)
	db, err := a.open(ctx, path)
	if err != nil {
		err = mapError("open database", err)
		a.MarkError(err)
		return err
	}
	last, err := lastRowID(ctx, db)
	if err != nil {
		_ = db.Close()
		err = channels.ErrConnection("read messages database", err)
		a.MarkError(err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.db, a.cancel = db, cancel
	a.mu.Unlock()
	a.pollMu.Lock()
	a.lastRow, a.failures = last, 0
	a.pollMu.Unlock()
	a.SetExtra("database", path)

	a.wg.Add(1)
	go a.pollLoop(runCtx)

	a.MarkConnected()
	a.Logger().Info("imessage adapter connected", "database", path, "poll_interval", a.cfg.PollInterval)
	return nil
}

// Disconnect stops polling and closes the database.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cancel, db := a.cancel, a.db
	a.cancel, a.db = nil, nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := channels.WaitGroup(ctx, &a.wg)
	if db != nil {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	a.dedupe.Clear()
	a.SetDegraded(false)
	a.MarkDisconnected()
	return err
}

func (a *Adapter) currentDB() *sql.DB {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db
}

func (a *Adapter) pollLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkOnce(ctx)
		}
	}
}

// checkOnce polls and tracks consecutive failures.
func (a *Adapter) checkOnce(ctx context.Context) {
	err := a.poll(ctx)
	if ctx.Err() != nil {
		return
	}
	a.pollMu.Lock()
	if err == nil {
		recovered := a.failures >= degradedAfter
		a.failures = 0
		a.pollMu.Unlock()
		if recovered {
			a.SetDegraded(false)
			a.Logger().Info("imessage database readable again")
		}
		return
	}
	a.failures++
	failures := a.failures
	a.pollMu.Unlock()

	a.Logger().Warn("imessage poll failed", "error", err, "consecutive_failures", failures)
	if failures == degradedAfter {
		a.SetDegraded(true)
		a.EmitError(channels.ErrUnavailable("messages database unreadable", err))
	}
}

// poll emits every incoming message newer than the last seen row.
func (a *Adapter) poll(ctx context.Context) error {
	db := a.currentDB()
	if db == nil {
		return channels.ErrNotConnected(models.ChannelIMessage)
	}
	a.pollMu.Lock()
	defer a.pollMu.Unlock()

	for {
		rows, err := incomingSince(ctx, db, a.lastRow)
		if err != nil {
			return err
		}
		for _, r := range rows {
			a.lastRow = r.rowID
			if msg := a.toIncoming(ctx, db, r); msg != nil {
				a.EmitMessage(ctx, msg)
			}
		}
		if len(rows) < pollBatch {
			return nil
		}
	}
}

func (a *Adapter) toIncoming(ctx context.Context, db *sql.DB, r messageRow) *models.IncomingMessage {
	if !r.handle.Valid || r.handle.String == "" {
		return nil
	}
	if a.dedupe.Seen(r.guid) {
		return nil
	}
	msg := &models.IncomingMessage{
		MessageID: r.guid,
		UserID:    r.handle.String,
		UserName:  r.handle.String,
		ChatID:    r.handle.String,
		Text:      strings.TrimSpace(strings.ReplaceAll(r.text.String, "\ufffc", "")),
		Timestamp: appleTime(r.date),
		ReplyTo:   r.replyTo.String,
		Raw:       r,
	}
	if r.isGroup() && r.chatGUID.String != "" {
		msg.ChatID = r.chatGUID.String
		msg.IsGroup = true
	}
	if r.hasAttachments {
		atts, err := attachmentsFor(ctx, db, r.rowID)
		if err != nil {
			a.Logger().Warn("imessage attachments unreadable", "message", r.guid, "error", err)
		}
		for _, row := range atts {
			if !row.filename.Valid || row.filename.String == "" {
				continue
			}
			att := models.Attachment{
				Path:     channels.ExpandPath(row.filename.String),
				Filename: attachmentName(row),
				MimeType: row.mimeType.String,
				Size:     row.size.Int64,
			}
			att.DetectMimeType()
			msg.Attachments = append(msg.Attachments, att)
		}
	}
	if msg.Text == "" && len(msg.Attachments) == 0 {
		return nil
	}
	return msg
}

// SendMessage sends plain-text chunks followed by attachments. Messages.app
// does not report message IDs, so the returned ID is generated locally.
func (a *Adapter) SendMessage(ctx context.Context, msg *models.OutgoingMessage) (string, error) {
	if err := a.RequireConnected(); err != nil {
		return "", err
	}
	if msg.ChatID == "" {
		return "", channels.ErrInvalidInput("imessage chat_id is required", nil)
	}
	target := targetClause(msg.ChatID, a.cfg.Service)

	text := msg.Text
	if msg.HasButtons() {
		text = strings.TrimSpace(text + "\n\n" + channels.ButtonSummary(msg.Buttons))
	}
	firstID, err := channels.DeliverText(ctx, a.chunker, text, func(ctx context.Context, chunk string, last bool) (string, error) {
		body := markup.Format(chunk, msg.ParseMode, markup.Plain)
		return a.send(ctx, "send message", fmt.Sprintf("send %s to %s", quote(body), target))
	})
	if err != nil {
		return firstID, err
	}

	for i := range msg.Attachments {
		path, err := a.stageAttachment(ctx, &msg.Attachments[i])
		if err != nil {
			a.RecordFailed(err)
			return firstID, err
		}
		id, err := a.send(ctx, "send file", fmt.Sprintf("send POSIX file %s to %s", quote(path), target))
		if err != nil {
			return firstID, err
		}
		if firstID == "" {
			firstID = id
		}
	}
	return firstID, nil
}

func (a *Adapter) send(ctx context.Context, op, statement string) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", channels.ErrTimeout("imessage "+op, err)
	}
	script := "tell application \"Messages\"\n\t" + statement + "\nend tell"
	if out, err := a.run(ctx, script); err != nil {
		err = mapScriptError(op, out, err)
		a.RecordFailed(err)
		return "", err
	}
	a.RecordSent()
	return "local:" + uuid.NewString(), nil
}

// stageAttachment returns a file path Messages.app can read, writing
// in-memory or remote content to the outbox directory first.
func (a *Adapter) stageAttachment(ctx context.Context, att *models.Attachment) (string, error) {
	if att.Path != "" && len(att.Data) == 0 {
		path := channels.ExpandPath(att.Path)
		if _, err := os.Stat(path); err != nil {
			return "", channels.ErrInvalidInput("attachment not readable", err)
		}
		return path, nil
	}
	data, err := channels.LoadAttachment(ctx, att)
	if err != nil {
		return "", err
	}
	dir := a.cfg.OutboxDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "cowork-imessage")
	}
	dir = channels.ExpandPath(dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", channels.ErrInternal("create outbox directory", err)
	}
	name := filepath.Base(att.Filename)
	if name == "" || name == "." || name == string(os.PathSeparator) {
		name = "attachment"
	}
	path := filepath.Join(dir, uuid.NewString()+"-"+name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", channels.ErrInternal("write attachment", err)
	}
	return path, nil
}

// targetClause addresses a group chat by GUID and a person through the
// configured service account.
func targetClause(chatID, service string) string {
	if isGroupChat(chatID) {
		return "chat id " + quote(chatID)
	}
	return fmt.Sprintf("participant %s of (1st account whose service type = %s)", quote(chatID), service)
}

// quote renders s as an AppleScript string literal.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func mapScriptError(op string, output []byte, err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return channels.ErrUnavailable("osascript not available; iMessage requires macOS", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return channels.ErrTimeout(op, err)
	}
	out := strings.TrimSpace(string(output))
	if out != "" {
		err = fmt.Errorf("%w: %s", err, out)
	}
	switch {
	case strings.Contains(out, "Not authorized") || strings.Contains(out, "-1743"):
		return channels.ErrAuthentication("automation permission for Messages denied", err)
	case strings.Contains(out, "Can’t get") || strings.Contains(out, "Can't get") || strings.Contains(out, "-1728"):
		return channels.ErrNotFound(op+": unknown recipient", err)
	}
	return channels.ErrConnection(op, err)
}

func mapError(op string, err error) error {
	var chErr *channels.Error
	if errors.As(err, &chErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return channels.ErrTimeout(op, err)
	}
	return channels.ErrConnection(op, err)
}
