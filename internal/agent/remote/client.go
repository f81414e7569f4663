// Package remote implements agent.Daemon against an out-of-process agent
// daemon speaking JSON frames over a WebSocket.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cowork-oss/cowork-gateway/internal/agent"
	"github.com/cowork-oss/cowork-gateway/internal/retry"
)

const (
	maxPayloadBytes = 4 << 20
	pingInterval    = 15 * time.Second
	pongWait        = 45 * time.Second
	writeWait       = 10 * time.Second
)

// Frame types.
const (
	FrameStartTask        = "start_task"
	FrameSendMessage      = "send_message"
	FrameCancelTask       = "cancel_task"
	FrameApprovalResponse = "approval_response"
	FrameResponse         = "response"
	FrameEvent            = "event"
)

// ErrNotConnected is returned when a request is made without a live connection.
var ErrNotConnected = errors.New("agent daemon not connected")

// Frame is the wire envelope for requests, responses and events.
type Frame struct {
	Type       string             `json:"type"`
	ID         string             `json:"id,omitempty"`
	TaskID     string             `json:"task_id,omitempty"`
	Text       string             `json:"text,omitempty"`
	ApprovalID string             `json:"approval_id,omitempty"`
	Approved   *bool              `json:"approved,omitempty"`
	Task       *agent.TaskRequest `json:"task,omitempty"`
	Event      *agent.Event       `json:"event,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// Config configures a Client.
type Config struct {
	URL            string
	Token          string
	RequestTimeout time.Duration
	// Reconnect controls delays between dial attempts. MaxAttempts of zero
	// retries until the Run context ends.
	Reconnect retry.Config
	Dialer    *websocket.Dialer
	Logger    *slog.Logger
}

// Client is a reconnecting agent.Daemon.
type Client struct {
	cfg    Config
	bus    *agent.Bus
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	ready   chan struct{}
	pending map[string]chan Frame
}

var _ agent.Daemon = (*Client)(nil)

// New creates a client. Call Run to connect.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Reconnect.InitialDelay <= 0 {
		cfg.Reconnect = retry.Config{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Factor: 2, Jitter: true}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Client{
		cfg:     cfg,
		bus:     agent.NewBus(cfg.Logger),
		logger:  cfg.Logger.With("component", "agent_remote"),
		ready:   make(chan struct{}),
		pending: make(map[string]chan Frame),
	}
}

// Subscribe implements agent.Daemon.
func (c *Client) Subscribe(h agent.EventHandler) func() {
	return c.bus.Subscribe(h)
}

// Run maintains the connection until ctx is done or reconnect attempts run out.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}
		attempt++
		if max := c.cfg.Reconnect.MaxAttempts; max > 0 && attempt > max {
			return fmt.Errorf("agent daemon: giving up after %d attempts: %w", max, err)
		}

		delay := retry.Backoff(attempt, c.cfg.Reconnect.InitialDelay, c.cfg.Reconnect.MaxDelay, c.cfg.Reconnect.Factor)
		if c.cfg.Reconnect.Jitter {
			delay = retry.BackoffWithJitter(attempt, c.cfg.Reconnect.InitialDelay, c.cfg.Reconnect.MaxDelay, c.cfg.Reconnect.Factor)
		}
		c.logger.Warn("agent daemon connection lost", "error", err, "attempt", attempt, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// WaitReady blocks until a connection is established or ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) session(ctx context.Context) (bool, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	//nolint:bodyclose // response body is owned by gorilla/websocket
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	close(c.ready)
	c.mu.Unlock()
	c.logger.Info("connected to agent daemon", "url", c.cfg.URL)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()
	go c.pingLoop(sessCtx, conn)

	err = c.readLoop(sessCtx, conn)
	c.disconnect(conn)
	return true, err
}

func (c *Client) disconnect(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		c.ready = make(chan struct{})
	}
	for id, ch := range c.pending {
		ch <- Frame{Type: FrameResponse, ID: id, Error: ErrNotConnected.Error()}
		delete(c.pending, id)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck

		switch f.Type {
		case FrameResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case FrameEvent:
			if f.Event == nil || !f.Event.Type.Known() {
				c.logger.Debug("ignoring event frame", "event", f.Event)
				continue
			}
			c.bus.Emit(ctx, *f.Event)
		default:
			c.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) call(ctx context.Context, f Frame) (Frame, error) {
	f.ID = uuid.NewString()
	reply := make(chan Frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Frame{}, ErrNotConnected
	}
	c.pending[f.ID] = reply
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}

	data, err := json.Marshal(f)
	if err != nil {
		forget()
		return Frame{}, fmt.Errorf("encode %s: %w", f.Type, err)
	}
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return Frame{}, fmt.Errorf("write %s: %w", f.Type, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-reply:
		if resp.Error != "" {
			return resp, fmt.Errorf("%s: %s", f.Type, resp.Error)
		}
		return resp, nil
	case <-timer.C:
		forget()
		return Frame{}, fmt.Errorf("%s: timed out after %s", f.Type, c.cfg.RequestTimeout)
	case <-ctx.Done():
		forget()
		return Frame{}, ctx.Err()
	}
}

// StartTask implements agent.Daemon.
func (c *Client) StartTask(ctx context.Context, req agent.TaskRequest) (string, error) {
	if req.Title == "" {
		req.Title = agent.TitleFromPrompt(req.Prompt)
	}
	resp, err := c.call(ctx, Frame{Type: FrameStartTask, Task: &req})
	if err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", errors.New("start_task: daemon returned no task id")
	}
	return resp.TaskID, nil
}

// SendMessage implements agent.Daemon.
func (c *Client) SendMessage(ctx context.Context, taskID, text string) error {
	_, err := c.call(ctx, Frame{Type: FrameSendMessage, TaskID: taskID, Text: text})
	return err
}

// CancelTask implements agent.Daemon.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	_, err := c.call(ctx, Frame{Type: FrameCancelTask, TaskID: taskID})
	return err
}

// RespondToApproval implements agent.Daemon.
func (c *Client) RespondToApproval(ctx context.Context, approvalID string, approved bool) error {
	_, err := c.call(ctx, Frame{Type: FrameApprovalResponse, ApprovalID: approvalID, Approved: &approved})
	return err
}
