package slack

import (
	"strings"

	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// Config holds configuration for the Slack adapter.
type Config struct {
	// BotToken is the xoxb- token used for Web API calls.
	BotToken string `json:"bot_token" yaml:"bot_token"`

	// AppToken is the xapp- token used to open the Socket Mode connection.
	AppToken string `json:"app_token" yaml:"app_token"`

	// RequireMention ignores channel messages that neither mention the bot
	// nor continue a thread. Direct messages are always delivered.
	RequireMention bool `json:"require_mention,omitempty" yaml:"require_mention,omitempty"`

	// RateLimit is the outbound call budget per second (default 1).
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	Reconnect channels.ReconnectConfig `json:"reconnect,omitempty" yaml:"reconnect,omitempty"`
}

// Type implements channels.PlatformConfig.
func (c *Config) Type() models.ChannelType { return models.ChannelSlack }

// Validate implements channels.PlatformConfig.
func (c *Config) Validate() channels.ValidationErrors {
	var errs channels.ValidationErrors
	errs.Require("bot_token", c.BotToken)
	errs.Require("app_token", c.AppToken)
	checkPrefix(&errs, "bot_token", c.BotToken, "xoxb-")
	checkPrefix(&errs, "app_token", c.AppToken, "xapp-")
	errs.NonNegative("rate_limit", c.RateLimit)
	return errs
}

func checkPrefix(errs *channels.ValidationErrors, field, value, prefix string) {
	if value == "" || channels.IsSecretRef(value) || strings.HasPrefix(value, prefix) {
		return
	}
	errs.Add(field, "must start with %s", prefix)
}

func (c Config) withDefaults() Config {
	if c.RateLimit == 0 {
		c.RateLimit = 1
	}
	return c
}
