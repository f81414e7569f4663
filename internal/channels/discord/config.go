package discord

import (
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// Config holds configuration for the Discord adapter.
type Config struct {
	// Token is the bot token from the Discord Developer Portal.
	Token string `json:"token" yaml:"token"`

	// RequireMention ignores guild messages that do not mention the bot.
	// Direct messages are always delivered.
	RequireMention bool `json:"require_mention,omitempty" yaml:"require_mention,omitempty"`

	// RateLimit is the outbound call budget per second (default 5).
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	Reconnect channels.ReconnectConfig `json:"reconnect,omitempty" yaml:"reconnect,omitempty"`
}

// Type implements channels.PlatformConfig.
func (c *Config) Type() models.ChannelType { return models.ChannelDiscord }

// Validate implements channels.PlatformConfig.
func (c *Config) Validate() channels.ValidationErrors {
	var errs channels.ValidationErrors
	errs.Require("token", c.Token)
	errs.NonNegative("rate_limit", c.RateLimit)
	return errs
}

func (c Config) withDefaults() Config {
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	return c
}
