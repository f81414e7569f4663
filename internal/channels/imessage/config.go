package imessage

import (
	"time"

	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

const (
	defaultDatabasePath = "~/Library/Messages/chat.db"
	defaultPollInterval = time.Second
)

// Config holds iMessage adapter configuration. The adapter reads the local
// Messages database and sends through Messages.app, so it only works on a
// signed-in Mac with Full Disk Access granted to the gateway.
type Config struct {
	// DatabasePath is the Messages SQLite database.
	DatabasePath string `json:"database_path,omitempty" yaml:"database_path,omitempty"`

	// PollInterval is how often the database is checked for new rows.
	PollInterval time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`

	// Service is the Messages account type used for direct sends,
	// "iMessage" (default) or "SMS".
	Service string `json:"service,omitempty" yaml:"service,omitempty"`

	// OutboxDir receives attachment files that must be written to disk
	// before Messages can send them. Defaults to the system temp dir.
	OutboxDir string `json:"outbox_dir,omitempty" yaml:"outbox_dir,omitempty"`

	// RateLimit is the outbound send budget per second (default 1).
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// Type implements channels.PlatformConfig.
func (c *Config) Type() models.ChannelType { return models.ChannelIMessage }

// Validate implements channels.PlatformConfig.
func (c *Config) Validate() channels.ValidationErrors {
	var errs channels.ValidationErrors
	if c.PollInterval < 0 {
		errs.Add("poll_interval", "must not be negative")
	}
	switch c.Service {
	case "", "iMessage", "SMS":
	default:
		errs.Add("service", "must be iMessage or SMS")
	}
	errs.NonNegative("rate_limit", c.RateLimit)
	return errs
}

func (c Config) withDefaults() Config {
	if c.DatabasePath == "" {
		c.DatabasePath = defaultDatabasePath
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Service == "" {
		c.Service = "iMessage"
	}
	if c.RateLimit == 0 {
		c.RateLimit = 1
	}
	return c
}
