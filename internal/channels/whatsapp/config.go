package whatsapp

import (
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

const defaultSessionPath = "~/.cowork/whatsapp/session.db"

// Config holds configuration for the WhatsApp adapter. The account is linked
// by scanning a QR code; credentials live in the SQLite session store.
type Config struct {
	// SessionPath is the SQLite database holding the linked device.
	SessionPath string `json:"session_path,omitempty" yaml:"session_path,omitempty"`

	// RequireMention ignores group messages that do not mention the linked
	// account. Direct chats are always delivered.
	RequireMention bool `json:"require_mention,omitempty" yaml:"require_mention,omitempty"`

	// IgnoreMedia skips downloading inbound images, audio, video and documents.
	IgnoreMedia bool `json:"ignore_media,omitempty" yaml:"ignore_media,omitempty"`

	// RateLimit is the outbound call budget per second (default 2).
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	Reconnect channels.ReconnectConfig `json:"reconnect,omitempty" yaml:"reconnect,omitempty"`
}

// Type implements channels.PlatformConfig.
func (c *Config) Type() models.ChannelType { return models.ChannelWhatsApp }

// Validate implements channels.PlatformConfig.
func (c *Config) Validate() channels.ValidationErrors {
	var errs channels.ValidationErrors
	errs.NonNegative("rate_limit", c.RateLimit)
	return errs
}

func (c Config) withDefaults() Config {
	if c.SessionPath == "" {
		c.SessionPath = defaultSessionPath
	}
	if c.RateLimit == 0 {
		c.RateLimit = 2
	}
	return c
}
