package telegram

import (
	"regexp"

	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

var tokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Config holds configuration for the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string `json:"token" yaml:"token"`

	// APIURL overrides the Bot API server, e.g. a self-hosted one.
	APIURL string `json:"api_url,omitempty" yaml:"api_url,omitempty"`

	// RateLimit is the outbound call budget per second (default 30).
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	Reconnect channels.ReconnectConfig `json:"reconnect,omitempty" yaml:"reconnect,omitempty"`
}

// Type implements channels.PlatformConfig.
func (c *Config) Type() models.ChannelType { return models.ChannelTelegram }

// Validate implements channels.PlatformConfig.
func (c *Config) Validate() channels.ValidationErrors {
	var errs channels.ValidationErrors
	errs.Require("token", c.Token)
	if c.Token != "" && !tokenPattern.MatchString(c.Token) && !channels.IsSecretRef(c.Token) {
		errs.Add("token", "must look like <bot id>:<secret>")
	}
	if c.APIURL != "" {
		errs.RequireURL("api_url", c.APIURL)
	}
	errs.NonNegative("rate_limit", c.RateLimit)
	return errs
}

func (c Config) withDefaults() Config {
	if c.RateLimit == 0 {
		c.RateLimit = 30
	}
	return c
}
