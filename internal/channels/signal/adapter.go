// Package signal implements the Signal channel adapter on top of a
// signal-cli process running in JSON-RPC mode.
package signal

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cowork-oss/cowork-gateway/internal/cache"
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/markup"
	"github.com/cowork-oss/cowork-gateway/internal/ratelimit"
	"github.com/cowork-oss/cowork-gateway/internal/retry"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

const (
	groupPrefix    = "group:"
	maxLineSize    = 1024 * 1024
	objectReplacer = '\ufffc'
)

// Capabilities of the Signal platform. Buttons are rendered as a text
// summary and there are no threads or edits.
var Capabilities = channels.Capabilities{
	SupportsReactions:   true,
	SupportsAttachments: true,
	SupportsDeleting:    true,
	SupportsTyping:      true,
	MaxMessageLength:    2000,
}

// Descriptor returns the registry entry for Signal.
func Descriptor() channels.Descriptor {
	return channels.Descriptor{
		Type: models.ChannelSignal,
		Meta: channels.ChannelMeta{
			Label:          "Signal",
			SelectionLabel: "Signal (signal-cli)",
			DocsPath:       "/channels/signal",
			Blurb:          "Register or link a number with signal-cli, then set it as the account.",
		},
		Capabilities: Capabilities,
		NewConfig:    func() channels.PlatformConfig { return &Config{} },
		Factory: func(cfg channels.PlatformConfig, logger *slog.Logger) (channels.Adapter, error) {
			c, ok := cfg.(*Config)
			if !ok {
				return nil, channels.ErrConfig(fmt.Sprintf("signal: unexpected config %T", cfg), nil)
			}
			return New(*c, logger), nil
		},
		BuiltIn: true,
	}
}

// Process is a running signal-cli instance.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	// Stderr may be nil.
	Stderr io.Reader
	// Wait blocks until the process exits.
	Wait func() error
}

// Launcher starts signal-cli for cfg. The process must exit when ctx is
// canceled or its stdin is closed.
type Launcher func(ctx context.Context, cfg Config) (*Process, error)

func launchCLI(ctx context.Context, cfg Config) (*Process, error) {
	args := []string{"--output=json", "-a", cfg.Account}
	if cfg.ConfigDir != "" {
		args = append(args, "--config", channels.ExpandPath(cfg.ConfigDir))
	}
	args = append(args, "jsonRpc")

	cmd := exec.CommandContext(ctx, cfg.CLIPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &Process{Stdin: stdin, Stdout: stdout, Stderr: stderr, Wait: cmd.Wait}, nil
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithLauncher replaces the signal-cli launcher.
func WithLauncher(l Launcher) Option {
	return func(a *Adapter) { a.launch = l }
}

// Adapter implements channels.Adapter for Signal.
type Adapter struct {
	*channels.BaseAdapter

	cfg     Config
	launch  Launcher
	chunker *channels.Chunker
	dedupe  *cache.Dedupe
	limiter *ratelimit.Bucket
	authors *authorBook

	mu     sync.Mutex
	conn   *rpcConn
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Signal adapter. cfg must already be validated.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Adapter {
	cfg = cfg.withDefaults()
	a := &Adapter{
		BaseAdapter: channels.NewBaseAdapter(models.ChannelSignal, logger),
		cfg:         cfg,
		launch:      launchCLI,
		chunker:     channels.ChunkerFor(Capabilities),
		dedupe:      cache.NewDedupe(cache.DedupeOptions{}),
		limiter:     ratelimit.NewBucket(cfg.RateLimit, 0),
		authors:     newAuthorBook(1024),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect starts signal-cli and checks that the account answers.
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
	a.SetIdentity(a.cfg.Account, a.cfg.Account, a.cfg.Account)
	a.MarkConnected()
	a.Logger().Info("signal adapter connected", "account", a.cfg.Account)
	return nil
}

func (a *Adapter) open(ctx context.Context) error {
	a.mu.Lock()
	runCtx := a.runCtx
	a.mu.Unlock()
	if runCtx == nil {
		return context.Canceled
	}

	connCtx, connCancel := context.WithCancel(runCtx)
	proc, err := a.launch(connCtx, a.cfg)
	if err != nil {
		connCancel()
		if errors.Is(err, exec.ErrNotFound) {
			return retry.Permanent(channels.ErrConfig("signal-cli not found at "+a.cfg.CLIPath, err))
		}
		return channels.ErrConnection("start signal-cli", err)
	}

	conn := newRPCConn(proc.Stdin)
	notes := make(chan json.RawMessage, 64)
	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		<-connCtx.Done()
		_ = proc.Stdin.Close()
	}()
	go a.readLoop(connCancel, proc, conn, notes)
	go a.deliver(notes)
	if proc.Stderr != nil {
		a.wg.Add(1)
		go a.logStderr(proc.Stderr)
	}

	if err := conn.call(ctx, "listGroups", nil, nil); err != nil {
		connCancel()
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return retry.Permanent(channels.ErrAuthentication("signal account "+a.cfg.Account, err))
		}
		return err
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	return nil
}

func (a *Adapter) readLoop(cancel context.CancelFunc, proc *Process, conn *rpcConn, notes chan<- json.RawMessage) {
	defer a.wg.Done()
	scanner := bufio.NewScanner(proc.Stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		err := conn.dispatch(line, func(method string, params json.RawMessage) {
			if method == "receive" {
				notes <- append(json.RawMessage(nil), params...)
			}
		})
		if err != nil {
			a.Logger().Debug("signal-cli sent unparseable line", "error", err)
		}
	}
	readErr := scanner.Err()
	conn.fail(readErr)
	close(notes)
	cancel()
	if proc.Wait != nil {
		if err := proc.Wait(); err != nil && readErr == nil {
			readErr = err
		}
	}

	a.mu.Lock()
	current := a.conn == conn
	if current {
		a.conn = nil
	}
	runCtx := a.runCtx
	a.mu.Unlock()
	if !current || runCtx == nil || runCtx.Err() != nil {
		return
	}
	if readErr == nil {
		readErr = errConnClosed
	}
	a.Logger().Warn("signal-cli exited", "error", readErr)
	r := &channels.Reconnector{Config: a.cfg.Reconnect, Base: a.BaseAdapter}
	if err := r.Run(runCtx, a.open); err != nil {
		a.Logger().Error("signal reconnection gave up", "error", err)
	}
}

// deliver runs inbound handlers off the read loop so they can make calls.
func (a *Adapter) deliver(notes <-chan json.RawMessage) {
	defer a.wg.Done()
	for params := range notes {
		var note struct {
			Envelope envelope `json:"envelope"`
		}
		if err := json.Unmarshal(params, &note); err != nil {
			a.Logger().Debug("signal receive notification not decodable", "error", err)
			continue
		}
		a.handleEnvelope(note.Envelope)
	}
}

func (a *Adapter) logStderr(r io.Reader) {
	defer a.wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			a.Logger().Debug("signal-cli", "stderr", line)
		}
	}
}

// Disconnect stops signal-cli and any reconnection in progress.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.conn = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := channels.WaitGroup(ctx, &a.wg)
	a.dedupe.Clear()
	a.MarkDisconnected()
	return err
}

func (a *Adapter) currentConn() (*rpcConn, error) {
	if err := a.RequireConnected(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil, channels.ErrNotConnected(models.ChannelSignal)
	}
	return a.conn, nil
}

func (a *Adapter) call(ctx context.Context, conn *rpcConn, op, method string, params, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("signal "+op, err)
	}
	if err := conn.call(ctx, method, params, out); err != nil {
		return mapError(op, err)
	}
	return nil
}

type sendResult struct {
	Timestamp int64 `json:"timestamp"`
}

// SendMessage sends plain-text chunks. Attachments ride on the last chunk
// and buttons are appended as a text summary. The returned ID is the first
// chunk's timestamp.
func (a *Adapter) SendMessage(ctx context.Context, msg *models.OutgoingMessage) (string, error) {
	conn, err := a.currentConn()
	if err != nil {
		return "", err
	}
	if msg.ChatID == "" {
		return "", channels.ErrInvalidInput("signal chat_id is required", nil)
	}

	var uris []string
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		data, err := channels.LoadAttachment(ctx, att)
		if err != nil {
			a.RecordFailed(err)
			return "", err
		}
		att.DetectMimeType()
		uris = append(uris, dataURI(att, data))
	}

	text := msg.Text
	if msg.HasButtons() {
		text = strings.TrimSpace(text + "\n\n" + channels.ButtonSummary(msg.Buttons))
	}

	first := true
	send := func(ctx context.Context, chunk string, last bool) (string, error) {
		params := target(msg.ChatID)
		params["message"] = markup.Format(chunk, msg.ParseMode, markup.Plain)
		if first && msg.ReplyTo != "" {
			a.addQuote(params, msg.ReplyTo)
		}
		first = false
		if last && len(uris) > 0 {
			params["attachments"] = uris
		}
		var res sendResult
		if err := a.call(ctx, conn, "send message", "send", params, &res); err != nil {
			a.RecordFailed(err)
			return "", err
		}
		a.RecordSent()
		id := strconv.FormatInt(res.Timestamp, 10)
		a.authors.put(id, a.cfg.Account)
		return id, nil
	}

	if strings.TrimSpace(text) == "" {
		if len(uris) == 0 {
			return "", channels.ErrInvalidInput("signal message is empty", nil)
		}
		return send(ctx, "", true)
	}
	return channels.DeliverText(ctx, a.chunker, text, send)
}

func (a *Adapter) addQuote(params map[string]any, replyTo string) {
	ts, err := strconv.ParseInt(replyTo, 10, 64)
	if err != nil {
		return
	}
	author, ok := a.authors.get(replyTo)
	if !ok {
		a.Logger().Debug("signal quote author unknown; sending without quote", "reply_to", replyTo)
		return
	}
	params["quoteTimestamp"] = ts
	params["quoteAuthor"] = author
}

// EditMessage is a no-op: Signal does not advertise editing, so callers
// going through the registry never reach it.
func (a *Adapter) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	a.Logger().Warn("signal does not support editing messages; ignoring edit", "chat_id", chatID, "message_id", messageID)
	return nil
}

// DeleteMessage implements channels.Deleter.
func (a *Adapter) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	conn, err := a.currentConn()
	if err != nil {
		return err
	}
	ts, err := parseTimestamp(messageID)
	if err != nil {
		return err
	}
	params := target(chatID)
	params["targetTimestamp"] = ts
	return a.call(ctx, conn, "delete message", "remoteDelete", params, nil)
}

// SendTyping implements channels.Typer.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	conn, err := a.currentConn()
	if err != nil {
		return err
	}
	return a.call(ctx, conn, "send typing", "sendTyping", target(chatID), nil)
}

// AddReaction implements channels.Reactor. Signal needs the original author,
// so only messages seen by this adapter can be reacted to.
func (a *Adapter) AddReaction(ctx context.Context, chatID, messageID, emoji string) error {
	conn, err := a.currentConn()
	if err != nil {
		return err
	}
	ts, err := parseTimestamp(messageID)
	if err != nil {
		return err
	}
	author, ok := a.authors.get(messageID)
	if !ok {
		return channels.ErrNotFound("signal message author unknown for "+messageID, nil)
	}
	params := target(chatID)
	params["emoji"] = emoji
	params["targetAuthor"] = author
	params["targetTimestamp"] = ts
	return a.call(ctx, conn, "add reaction", "sendReaction", params, nil)
}

type envelope struct {
	Source       string       `json:"source"`
	SourceNumber string       `json:"sourceNumber"`
	SourceUUID   string       `json:"sourceUuid"`
	SourceName   string       `json:"sourceName"`
	Timestamp    int64        `json:"timestamp"`
	DataMessage  *dataMessage `json:"dataMessage"`
}

type dataMessage struct {
	Timestamp   int64        `json:"timestamp"`
	Message     string       `json:"message"`
	GroupInfo   *groupInfo   `json:"groupInfo"`
	Attachments []attachment `json:"attachments"`
	Quote       *quote       `json:"quote"`
	Mentions    []mention    `json:"mentions"`
}

type groupInfo struct {
	GroupID string `json:"groupId"`
}

type attachment struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
}

type quote struct {
	ID           int64  `json:"id"`
	Author       string `json:"author"`
	AuthorNumber string `json:"authorNumber"`
}

type mention struct {
	Name   string `json:"name"`
	Number string `json:"number"`
	Start  int    `json:"start"`
}

func (a *Adapter) handleEnvelope(env envelope) {
	dm := env.DataMessage
	if dm == nil {
		return
	}
	sender := firstNonEmpty(env.SourceNumber, env.Source, env.SourceUUID)
	if sender == "" || sender == a.cfg.Account {
		return
	}
	ts := dm.Timestamp
	if ts == 0 {
		ts = env.Timestamp
	}
	id := strconv.FormatInt(ts, 10)

	chatID, isGroup := sender, false
	if dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
		chatID, isGroup = groupPrefix+dm.GroupInfo.GroupID, true
	}
	mentioned := false
	for _, m := range dm.Mentions {
		if m.Number == a.cfg.Account {
			mentioned = true
		}
	}
	repliedToBot := dm.Quote != nil && firstNonEmpty(dm.Quote.AuthorNumber, dm.Quote.Author) == a.cfg.Account
	if isGroup && a.cfg.RequireMention && !mentioned && !repliedToBot {
		return
	}
	if a.dedupe.Seen(sender + ":" + id) {
		return
	}
	a.authors.put(id, sender)

	in := &models.IncomingMessage{
		MessageID: id,
		UserID:    sender,
		UserName:  env.SourceName,
		ChatID:    chatID,
		Text:      strings.TrimSpace(a.resolveMentions(dm.Message, dm.Mentions)),
		Timestamp: time.UnixMilli(ts),
		IsGroup:   isGroup,
		Raw:       env,
	}
	if dm.Quote != nil && dm.Quote.ID != 0 {
		in.ReplyTo = strconv.FormatInt(dm.Quote.ID, 10)
	}
	dir := channels.ExpandPath(a.cfg.AttachmentsDir)
	for _, att := range dm.Attachments {
		if att.ID == "" {
			continue
		}
		item := models.Attachment{
			Path:     filepath.Join(dir, att.ID),
			Filename: att.Filename,
			MimeType: att.ContentType,
			Size:     att.Size,
		}
		item.DetectMimeType()
		in.Attachments = append(in.Attachments, item)
	}
	if in.Text == "" && len(in.Attachments) == 0 {
		return
	}
	a.EmitMessage(context.Background(), in)
}

// resolveMentions replaces Signal's mention placeholders in order. Mentions
// of the account itself are dropped; others become @name.
func (a *Adapter) resolveMentions(text string, mentions []mention) string {
	if !strings.ContainsRune(text, objectReplacer) {
		return text
	}
	var b strings.Builder
	i := 0
	for _, r := range text {
		if r != objectReplacer {
			b.WriteRune(r)
			continue
		}
		if i < len(mentions) {
			m := mentions[i]
			if m.Number != a.cfg.Account {
				b.WriteString("@" + firstNonEmpty(m.Name, m.Number))
			}
		}
		i++
	}
	return b.String()
}

func target(chatID string) map[string]any {
	if id, ok := strings.CutPrefix(chatID, groupPrefix); ok {
		return map[string]any{"groupId": id}
	}
	return map[string]any{"recipient": []string{chatID}}
}

func dataURI(att *models.Attachment, data []byte) string {
	mime := att.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	uri := "data:" + mime
	if att.Filename != "" {
		uri += ";filename=" + att.Filename
	}
	return uri + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func parseTimestamp(id string) (int64, error) {
	ts, err := strconv.ParseInt(id, 10, 64)
	if err != nil || ts <= 0 {
		return 0, channels.ErrInvalidInput("signal message id must be a timestamp: "+id, err)
	}
	return ts, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var chErr *channels.Error
	if errors.As(err, &chErr) {
		return err
	}
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message)
		switch {
		case strings.Contains(msg, "rate limit"):
			return channels.ErrRateLimit(op, err)
		case strings.Contains(msg, "unregistered") || strings.Contains(msg, "not registered") || strings.Contains(msg, "not found"):
			return channels.ErrNotFound(op, err)
		case strings.Contains(msg, "authorization") || strings.Contains(msg, "not authorized"):
			return channels.ErrAuthentication(op, err)
		default:
			return channels.ErrInvalidInput(op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return channels.ErrTimeout(op, err)
	}
	return channels.ErrConnection(op, err)
}

// authorBook remembers the sender of recent messages, which Signal needs
// for quotes and reactions.
type authorBook struct {
	mu    sync.Mutex
	limit int
	m     map[string]string
	order []string
}

func newAuthorBook(limit int) *authorBook {
	return &authorBook{limit: limit, m: make(map[string]string)}
}

func (b *authorBook) put(id, author string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.m[id]; !ok {
		if len(b.order) >= b.limit {
			delete(b.m, b.order[0])
			b.order = b.order[1:]
		}
		b.order = append(b.order, id)
	}
	b.m[id] = author
}

func (b *authorBook) get(id string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	author, ok := b.m[id]
	return author, ok
}
