// Package models defines the data types shared by the gateway packages.
package models

import (
	"encoding/json"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelTelegram   ChannelType = "telegram"
	ChannelDiscord    ChannelType = "discord"
	ChannelSlack      ChannelType = "slack"
	ChannelWhatsApp   ChannelType = "whatsapp"
	ChannelSignal     ChannelType = "signal"
	ChannelIMessage   ChannelType = "imessage"
	ChannelMatrix     ChannelType = "matrix"
	ChannelMattermost ChannelType = "mattermost"
)

// ChannelTypes lists every supported platform in display order.
func ChannelTypes() []ChannelType {
	return []ChannelType{
		ChannelTelegram,
		ChannelDiscord,
		ChannelSlack,
		ChannelWhatsApp,
		ChannelSignal,
		ChannelIMessage,
		ChannelMatrix,
		ChannelMattermost,
	}
}

// Valid reports whether t names a supported platform.
func (t ChannelType) Valid() bool {
	for _, known := range ChannelTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// ChannelStatus represents an adapter's connection state.
type ChannelStatus string

const (
	StatusDisconnected ChannelStatus = "disconnected"
	StatusConnecting   ChannelStatus = "connecting"
	StatusConnected    ChannelStatus = "connected"
	StatusError        ChannelStatus = "error"
)

// Channel is a configured platform connection.
type Channel struct {
	ID          string          `json:"id"`
	Type        ChannelType     `json:"type"`
	Name        string          `json:"name"`
	Enabled     bool            `json:"enabled"`
	Config      json.RawMessage `json:"config,omitempty"`
	Security    SecurityConfig  `json:"security"`
	Status      ChannelStatus   `json:"status"`
	BotUsername string          `json:"bot_username,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ChannelInfo describes an adapter's live state and bot identity.
type ChannelInfo struct {
	Type           ChannelType   `json:"type"`
	Status         ChannelStatus `json:"status"`
	BotID          string        `json:"bot_id,omitempty"`
	BotUsername    string        `json:"bot_username,omitempty"`
	BotDisplayName string        `json:"bot_display_name,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	LastInboundAt  *time.Time    `json:"last_inbound_at,omitempty"`
	LastOutboundAt *time.Time    `json:"last_outbound_at,omitempty"`
	// Extra carries platform details such as a pending login QR payload.
	Extra map[string]string `json:"extra,omitempty"`
}
