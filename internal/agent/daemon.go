// Package agent defines the contract between the gateway and the agent
// daemon that executes tasks, plus an in-process implementation.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// EventType names a daemon lifecycle event.
type EventType string

const (
	EventAssistantMessage  EventType = "assistant_message"
	EventTaskCompleted     EventType = "task_completed"
	EventError             EventType = "error"
	EventToolError         EventType = "tool_error"
	EventFollowUpCompleted EventType = "follow_up_completed"
	EventFollowUpFailed    EventType = "follow_up_failed"
	EventApprovalRequested EventType = "approval_requested"
)

// Known reports whether t is one of the event types the gateway handles.
func (t EventType) Known() bool {
	switch t {
	case EventAssistantMessage, EventTaskCompleted, EventError, EventToolError,
		EventFollowUpCompleted, EventFollowUpFailed, EventApprovalRequested:
		return true
	}
	return false
}

// Approval is a pending request for the user to allow a task action.
type Approval struct {
	ID          string         `json:"id"`
	Type        string         `json:"type,omitempty"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
}

// Event is one message on the daemon event stream.
type Event struct {
	Type      EventType           `json:"event"`
	TaskID    string              `json:"task_id"`
	Message   string              `json:"message,omitempty"`
	Error     string              `json:"error,omitempty"`
	Tool      string              `json:"tool,omitempty"`
	Approval  *Approval           `json:"approval,omitempty"`
	Artifacts []models.Attachment `json:"artifacts,omitempty"`
	Time      time.Time           `json:"time"`
}

// Text returns the error text of an error event, falling back to Message.
func (e Event) Text() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

// Source identifies the chat a task was started from.
type Source struct {
	ChannelType models.ChannelType `json:"channel_type"`
	ChannelID   string             `json:"channel_id"`
	ChatID      string             `json:"chat_id"`
	UserID      string             `json:"user_id"`
	SessionID   string             `json:"session_id"`
}

// TaskRequest starts a new task.
type TaskRequest struct {
	Title       string `json:"title"`
	Prompt      string `json:"prompt"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Source      Source `json:"source"`
}

// EventHandler receives daemon events.
type EventHandler func(ctx context.Context, ev Event)

// Daemon is the agent task executor the gateway drives.
type Daemon interface {
	StartTask(ctx context.Context, req TaskRequest) (string, error)
	SendMessage(ctx context.Context, taskID, text string) error
	CancelTask(ctx context.Context, taskID string) error
	RespondToApproval(ctx context.Context, approvalID string, approved bool) error
	// Subscribe registers h for every event. The returned func removes it.
	Subscribe(h EventHandler) (unsubscribe func())
}

var (
	ErrTaskNotFound     = errors.New("agent: task not found")
	ErrApprovalNotFound = errors.New("agent: approval not found")
	ErrClosed           = errors.New("agent: daemon closed")
)

// TitleFromPrompt derives a short task title from the first line of a prompt.
func TitleFromPrompt(prompt string) string {
	const max = 60
	title := prompt
	for i, r := range title {
		if r == '\n' || r == '\r' {
			title = title[:i]
			break
		}
	}
	if len([]rune(title)) > max {
		title = string([]rune(title)[:max-3]) + "..."
	}
	if title == "" {
		title = "Chat task"
	}
	return title
}
