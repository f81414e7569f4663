package mattermost

import (
	"strings"

	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// Config holds configuration for the Mattermost adapter.
type Config struct {
	// ServerURL is the Mattermost site URL.
	ServerURL string `json:"server_url" yaml:"server_url"`

	// Token is a bot or personal access token. Either Token or
	// Username and Password must be set.
	Token string `json:"token,omitempty" yaml:"token,omitempty"`

	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// RequireMention ignores channel posts that neither mention the bot
	// nor reply in a thread. Direct messages are always delivered.
	RequireMention bool `json:"require_mention,omitempty" yaml:"require_mention,omitempty"`

	// RateLimit is the outbound call budget per second (default 10).
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	Reconnect channels.ReconnectConfig `json:"reconnect,omitempty" yaml:"reconnect,omitempty"`
}

// Type implements channels.PlatformConfig.
func (c *Config) Type() models.ChannelType { return models.ChannelMattermost }

// Validate implements channels.PlatformConfig.
func (c *Config) Validate() channels.ValidationErrors {
	var errs channels.ValidationErrors
	errs.RequireURL("server_url", c.ServerURL)
	if c.Token == "" && (c.Username == "" || c.Password == "") {
		errs.Add("token", "either token or username and password is required")
	}
	errs.NonNegative("rate_limit", c.RateLimit)
	return errs
}

func (c Config) withDefaults() Config {
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if c.RateLimit == 0 {
		c.RateLimit = 10
	}
	return c
}
