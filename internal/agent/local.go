package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// Runner executes task work for a LocalDaemon.
type Runner interface {
	// Run handles the initial prompt. Returning nil completes the task.
	Run(ctx context.Context, t *Task) error
	// FollowUp handles a message sent to a running or finished task.
	FollowUp(ctx context.Context, t *Task, text string) error
}

// Task is the runner's view of one task.
type Task struct {
	ID      string
	Request TaskRequest

	d      *LocalDaemon
	ctx    context.Context
	cancel context.CancelFunc
	// turn serializes the initial run and follow-ups.
	turn sync.Mutex

	mu        sync.Mutex
	artifacts []models.Attachment
}

// Say emits an assistant message for the task.
func (t *Task) Say(ctx context.Context, text string) {
	t.d.emit(ctx, Event{Type: EventAssistantMessage, TaskID: t.ID, Message: text})
}

// ToolError reports a non-fatal tool failure.
func (t *Task) ToolError(ctx context.Context, tool string, err error) {
	t.d.emit(ctx, Event{Type: EventToolError, TaskID: t.ID, Tool: tool, Error: err.Error()})
}

// AddArtifact queues a file to deliver when the current follow-up completes.
func (t *Task) AddArtifact(a models.Attachment) {
	t.mu.Lock()
	t.artifacts = append(t.artifacts, a)
	t.mu.Unlock()
}

func (t *Task) drainArtifacts() []models.Attachment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.artifacts
	t.artifacts = nil
	return out
}

// RequestApproval emits approval_requested and blocks until the user answers
// or ctx is done.
func (t *Task) RequestApproval(ctx context.Context, a Approval) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	answer := make(chan bool, 1)
	t.d.mu.Lock()
	t.d.approvals[a.ID] = answer
	t.d.mu.Unlock()
	defer func() {
		t.d.mu.Lock()
		delete(t.d.approvals, a.ID)
		t.d.mu.Unlock()
	}()

	t.d.emit(ctx, Event{Type: EventApprovalRequested, TaskID: t.ID, Approval: &a})

	select {
	case ok := <-answer:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// LocalDaemon runs tasks in-process on a Runner and publishes their events
// on a Bus.
type LocalDaemon struct {
	runner Runner
	bus    *Bus
	logger *slog.Logger

	mu        sync.Mutex
	tasks     map[string]*Task
	approvals map[string]chan bool
	closed    bool
	wg        sync.WaitGroup
}

// NewLocalDaemon creates an in-process daemon.
func NewLocalDaemon(runner Runner, logger *slog.Logger) *LocalDaemon {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = EchoRunner{}
	}
	return &LocalDaemon{
		runner:    runner,
		bus:       NewBus(logger),
		logger:    logger.With("component", "agent_daemon"),
		tasks:     make(map[string]*Task),
		approvals: make(map[string]chan bool),
	}
}

// Subscribe implements Daemon.
func (d *LocalDaemon) Subscribe(h EventHandler) func() {
	return d.bus.Subscribe(h)
}

// StartTask implements Daemon. The task runs in the background.
func (d *LocalDaemon) StartTask(ctx context.Context, req TaskRequest) (string, error) {
	if req.Prompt == "" {
		return "", errors.New("agent: prompt is required")
	}
	if req.Title == "" {
		req.Title = TitleFromPrompt(req.Prompt)
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &Task{ID: uuid.NewString(), Request: req, d: d, ctx: taskCtx, cancel: cancel}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	d.tasks[t.ID] = t
	d.wg.Add(1)
	d.mu.Unlock()

	d.logger.Debug("task started", "task_id", t.ID, "title", req.Title)
	go func() {
		defer d.wg.Done()
		t.turn.Lock()
		defer t.turn.Unlock()

		err := d.runner.Run(taskCtx, t)
		switch {
		case taskCtx.Err() != nil:
			d.logger.Debug("task cancelled", "task_id", t.ID)
		case err != nil:
			d.emit(taskCtx, Event{Type: EventError, TaskID: t.ID, Error: err.Error()})
		default:
			d.emit(taskCtx, Event{Type: EventTaskCompleted, TaskID: t.ID})
		}
	}()
	return t.ID, nil
}

// SendMessage implements Daemon. Follow-ups for one task run one at a time.
func (d *LocalDaemon) SendMessage(ctx context.Context, taskID, text string) error {
	d.mu.Lock()
	t, ok := d.tasks[taskID]
	if ok && !d.closed {
		d.wg.Add(1)
	}
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	go func() {
		defer d.wg.Done()
		t.turn.Lock()
		defer t.turn.Unlock()
		if t.ctx.Err() != nil {
			return
		}

		if err := d.runner.FollowUp(t.ctx, t, text); err != nil {
			if t.ctx.Err() == nil {
				d.emit(t.ctx, Event{Type: EventFollowUpFailed, TaskID: t.ID, Error: err.Error()})
			}
			return
		}
		d.emit(t.ctx, Event{Type: EventFollowUpCompleted, TaskID: t.ID, Artifacts: t.drainArtifacts()})
	}()
	return nil
}

// CancelTask implements Daemon.
func (d *LocalDaemon) CancelTask(ctx context.Context, taskID string) error {
	d.mu.Lock()
	t, ok := d.tasks[taskID]
	delete(d.tasks, taskID)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	t.cancel()
	return nil
}

// RespondToApproval implements Daemon.
func (d *LocalDaemon) RespondToApproval(ctx context.Context, approvalID string, approved bool) error {
	d.mu.Lock()
	answer, ok := d.approvals[approvalID]
	delete(d.approvals, approvalID)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrApprovalNotFound, approvalID)
	}
	answer <- approved
	return nil
}

// Close cancels every task and waits for runners to return.
func (d *LocalDaemon) Close() error {
	d.mu.Lock()
	d.closed = true
	for id, t := range d.tasks {
		t.cancel()
		delete(d.tasks, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

func (d *LocalDaemon) emit(ctx context.Context, ev Event) {
	d.bus.Emit(context.WithoutCancel(ctx), ev)
}

// EchoRunner replies with the text it receives. It backs the in-process
// daemon when no remote agent is configured.
type EchoRunner struct{}

func (EchoRunner) Run(ctx context.Context, t *Task) error {
	t.Say(ctx, t.Request.Prompt)
	return nil
}

func (EchoRunner) FollowUp(ctx context.Context, t *Task, text string) error {
	t.Say(ctx, text)
	return nil
}
