package models

import "time"

// SessionState is the lifecycle state of a chat session.
type SessionState string

const (
	SessionIdle            SessionState = "idle"
	SessionActive          SessionState = "active"
	SessionWaitingApproval SessionState = "waiting_approval"
	SessionEnded           SessionState = "ended"
)

// IsTerminal reports whether a session in this state can no longer be reused.
func (s SessionState) IsTerminal() bool {
	return s == SessionEnded
}

// ChannelSession binds one chat conversation to an agent task.
type ChannelSession struct {
	ID             string            `json:"id"`
	ChannelID      string            `json:"channel_id"`
	ChannelType    ChannelType       `json:"channel_type"`
	ChatID         string            `json:"chat_id"`
	UserID         string            `json:"user_id,omitempty"`
	TaskID         string            `json:"task_id,omitempty"`
	WorkspaceID    string            `json:"workspace_id,omitempty"`
	State          SessionState      `json:"state"`
	Context        map[string]string `json:"context,omitempty"`
	EndReason      string            `json:"end_reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
}

// SessionKey builds the per-chat key used for locking and lookups.
func SessionKey(channelID, chatID string) string {
	return channelID + ":" + chatID
}
