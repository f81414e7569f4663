package matrix

import (
	"strings"

	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// Config holds configuration for the Matrix adapter.
type Config struct {
	// Homeserver is the client-server API base URL.
	Homeserver string `json:"homeserver" yaml:"homeserver"`

	// UserID is the bot's full Matrix ID, e.g. @cowork:example.org.
	UserID string `json:"user_id" yaml:"user_id"`

	AccessToken string `json:"access_token" yaml:"access_token"`
	DeviceID    string `json:"device_id,omitempty" yaml:"device_id,omitempty"`

	// AllowedRooms limits the rooms the bot listens in. Empty means all.
	AllowedRooms []string `json:"allowed_rooms,omitempty" yaml:"allowed_rooms,omitempty"`

	// JoinOnInvite accepts room invites automatically.
	JoinOnInvite bool `json:"join_on_invite,omitempty" yaml:"join_on_invite,omitempty"`

	// RequireMention ignores group room messages that do not mention the bot.
	RequireMention bool `json:"require_mention,omitempty" yaml:"require_mention,omitempty"`

	// RateLimit is the outbound event budget per second (default 5).
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	Reconnect channels.ReconnectConfig `json:"reconnect,omitempty" yaml:"reconnect,omitempty"`
}

// Type implements channels.PlatformConfig.
func (c *Config) Type() models.ChannelType { return models.ChannelMatrix }

// Validate implements channels.PlatformConfig.
func (c *Config) Validate() channels.ValidationErrors {
	var errs channels.ValidationErrors
	errs.RequireURL("homeserver", c.Homeserver)
	errs.Require("user_id", c.UserID)
	if c.UserID != "" && (!strings.HasPrefix(c.UserID, "@") || !strings.Contains(c.UserID, ":")) {
		errs.Add("user_id", "must look like @name:server")
	}
	errs.Require("access_token", c.AccessToken)
	for _, room := range c.AllowedRooms {
		if !strings.HasPrefix(room, "!") {
			errs.Add("allowed_rooms", "%q is not a room ID", room)
		}
	}
	errs.NonNegative("rate_limit", c.RateLimit)
	return errs
}

func (c Config) withDefaults() Config {
	c.Homeserver = strings.TrimRight(c.Homeserver, "/")
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	return c
}
