package signal

import (
	"regexp"

	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

var accountPattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// Config holds configuration for the Signal adapter, which drives a
// registered signal-cli account in JSON-RPC mode.
type Config struct {
	// Account is the registered phone number in E.164 form.
	Account string `json:"account" yaml:"account"`

	// CLIPath is the signal-cli executable (default "signal-cli").
	CLIPath string `json:"cli_path,omitempty" yaml:"cli_path,omitempty"`

	// ConfigDir overrides signal-cli's data directory.
	ConfigDir string `json:"config_dir,omitempty" yaml:"config_dir,omitempty"`

	// AttachmentsDir is where signal-cli stores received attachments.
	AttachmentsDir string `json:"attachments_dir,omitempty" yaml:"attachments_dir,omitempty"`

	// RequireMention ignores group messages that do not mention the account.
	RequireMention bool `json:"require_mention,omitempty" yaml:"require_mention,omitempty"`

	// RateLimit is the outbound call budget per second (default 1).
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	Reconnect channels.ReconnectConfig `json:"reconnect,omitempty" yaml:"reconnect,omitempty"`
}

// Type implements channels.PlatformConfig.
func (c *Config) Type() models.ChannelType { return models.ChannelSignal }

// Validate implements channels.PlatformConfig.
func (c *Config) Validate() channels.ValidationErrors {
	var errs channels.ValidationErrors
	errs.Require("account", c.Account)
	if c.Account != "" && !accountPattern.MatchString(c.Account) {
		errs.Add("account", "must be an E.164 phone number such as +15551234567")
	}
	errs.NonNegative("rate_limit", c.RateLimit)
	return errs
}

func (c Config) withDefaults() Config {
	if c.CLIPath == "" {
		c.CLIPath = "signal-cli"
	}
	if c.AttachmentsDir == "" {
		c.AttachmentsDir = "~/.local/share/signal-cli/attachments"
	}
	if c.RateLimit == 0 {
		c.RateLimit = 1
	}
	return c
}
