package models

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// ParseMode selects the markup dialect of an outgoing message body.
type ParseMode string

const (
	ParseModeText     ParseMode = "text"
	ParseModeMarkdown ParseMode = "markdown"
	ParseModeHTML     ParseMode = "html"
)

// Direction indicates if a stored message was received or sent.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// AttachmentType classifies attachments for platforms that send media differently.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentVideo    AttachmentType = "video"
	AttachmentDocument AttachmentType = "document"
)

// Attachment is a file or media item. Exactly one of URL, Path or Data is expected.
type Attachment struct {
	Type     AttachmentType `json:"type"`
	URL      string         `json:"url,omitempty"`
	Path     string         `json:"path,omitempty"`
	Data     []byte         `json:"-"`
	Filename string         `json:"filename,omitempty"`
	MimeType string         `json:"mime_type,omitempty"`
	Size     int64          `json:"size,omitempty"`
}

// DetectMimeType fills MimeType and Type from content when they are not set.
func (a *Attachment) DetectMimeType() {
	if a.MimeType == "" {
		switch {
		case len(a.Data) > 0:
			a.MimeType = mimetype.Detect(a.Data).String()
		case a.Path != "":
			if mt, err := mimetype.DetectFile(a.Path); err == nil {
				a.MimeType = mt.String()
			}
		}
	}
	if a.Filename == "" && a.Path != "" {
		a.Filename = filepath.Base(a.Path)
	}
	if a.Type == "" {
		a.Type = attachmentTypeFor(a.MimeType)
	}
}

func attachmentTypeFor(mime string) AttachmentType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return AttachmentImage
	case strings.HasPrefix(mime, "audio/"):
		return AttachmentAudio
	case strings.HasPrefix(mime, "video/"):
		return AttachmentVideo
	default:
		return AttachmentDocument
	}
}

// Button is one inline keyboard control.
type Button struct {
	Text string `json:"text"`
	// Data is returned to the gateway when the button is pressed.
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}

// IncomingMessage is the adapter-normalized inbound envelope.
type IncomingMessage struct {
	MessageID   string       `json:"message_id"`
	Channel     ChannelType  `json:"channel"`
	UserID      string       `json:"user_id"`
	UserName    string       `json:"user_name,omitempty"`
	ChatID      string       `json:"chat_id"`
	Text        string       `json:"text"`
	Timestamp   time.Time    `json:"timestamp"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	ThreadID    string       `json:"thread_id,omitempty"`
	IsGroup     bool         `json:"is_group,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	// Raw is the platform payload; the router never inspects it.
	Raw any `json:"-"`
}

// OutgoingMessage is the adapter-normalized outbound envelope.
type OutgoingMessage struct {
	ChatID      string       `json:"chat_id"`
	Text        string       `json:"text"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	ThreadID    string       `json:"thread_id,omitempty"`
	ParseMode   ParseMode    `json:"parse_mode,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	// Buttons are rows of inline keyboard controls.
	Buttons [][]Button `json:"buttons,omitempty"`
}

// HasButtons reports whether any button row is non-empty.
func (m *OutgoingMessage) HasButtons() bool {
	for _, row := range m.Buttons {
		if len(row) > 0 {
			return true
		}
	}
	return false
}

// StoredMessage is the audit/history record of a routed message.
type StoredMessage struct {
	ID               string    `json:"id"`
	ChannelID        string    `json:"channel_id"`
	SessionID        string    `json:"session_id,omitempty"`
	ChatID           string    `json:"chat_id"`
	UserID           string    `json:"user_id,omitempty"`
	ChannelMessageID string    `json:"channel_message_id,omitempty"`
	Direction        Direction `json:"direction"`
	Text             string    `json:"text"`
	CreatedAt        time.Time `json:"created_at"`
}
