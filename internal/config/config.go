// Package config loads the gateway service configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/invopop/jsonschema"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/cowork-oss/cowork-gateway/internal/storage"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// AgentInProcess selects the embedded event bus instead of a remote daemon.
const AgentInProcess = "inprocess"

// Config is the main configuration structure for the gateway.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Database      storage.Config      `yaml:"database"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Janitor       JanitorConfig       `yaml:"janitor"`
	Agent         AgentConfig         `yaml:"agent"`
	// Channels are created at startup when no channel of that type exists.
	Channels []ChannelSeed `yaml:"channels"`
}

type ServerConfig struct {
	// Listen is the control plane address.
	Listen          string   `yaml:"listen"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	// Disabled turns off bearer auth on the control plane. Only use it on
	// loopback listeners.
	Disabled  bool   `yaml:"disabled"`
	JWTSecret string `yaml:"jwt_secret"`
	// AdminSecret is exchanged for a token at POST /api/token.
	AdminSecret string   `yaml:"admin_secret"`
	TokenTTL    Duration `yaml:"token_ttl"`
	Issuer      string   `yaml:"issuer"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format string `yaml:"format" jsonschema:"enum=json,enum=text"`
}

type ObservabilityConfig struct {
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	TraceEndpoint  string  `yaml:"trace_endpoint"`
	TraceInsecure  bool    `yaml:"trace_insecure"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

type GatewayConfig struct {
	WorkspaceID string `yaml:"workspace_id"`
	// PairingPrompt is sent to unpaired users in pairing mode.
	PairingPrompt string `yaml:"pairing_prompt"`
	// PromptInterval limits pairing prompts per user.
	PromptInterval Duration `yaml:"prompt_interval"`
}

type JanitorConfig struct {
	PairingCleanup string   `yaml:"pairing_cleanup"`
	SessionSweep   string   `yaml:"session_sweep"`
	SessionIdleTTL Duration `yaml:"session_idle_ttl"`
}

type AgentConfig struct {
	// URL is the daemon WebSocket endpoint, or "inprocess".
	URL            string   `yaml:"url"`
	Token          string   `yaml:"token"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// ChannelSeed declares a channel to create on first start.
type ChannelSeed struct {
	Type     models.ChannelType     `yaml:"type" jsonschema:"required"`
	Name     string                 `yaml:"name"`
	Enabled  bool                   `yaml:"enabled"`
	Config   map[string]any         `yaml:"config"`
	Security *models.SecurityConfig `yaml:"security"`
}

// Duration is a time.Duration written as "30s" or "5m".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// JSONSchema implements jsonschema.JSONSchemer.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:    "string",
		Pattern: `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
	}
}

// Defaults returns the values applied to unset fields.
func Defaults() Config {
	return Config{
		Version: CurrentVersion,
		Server: ServerConfig{
			Listen:          "127.0.0.1:7420",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Auth: AuthConfig{
			TokenTTL: Duration(24 * time.Hour),
			Issuer:   "cowork-gateway",
		},
		// Pool and DSN defaults are applied by storage.Open per driver.
		Database: storage.Config{Driver: storage.DriverSQLite},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Observability: ObservabilityConfig{
			ServiceName:  "cowork-gateway",
			SamplingRate: 1,
		},
		Gateway: GatewayConfig{
			WorkspaceID:    "default",
			PromptInterval: Duration(10 * time.Minute),
		},
		Janitor: JanitorConfig{
			PairingCleanup: "@every 1m",
			SessionSweep:   "@every 10m",
			SessionIdleTTL: Duration(24 * time.Hour),
		},
		Agent: AgentConfig{
			URL:            AgentInProcess,
			RequestTimeout: Duration(30 * time.Second),
		},
	}
}

// applyDefaults fills zero fields of cfg from Defaults.
func applyDefaults(cfg *Config) error {
	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return fmt.Errorf("apply defaults: %w", err)
	}
	for i := range cfg.Channels {
		if cfg.Channels[i].Name == "" {
			cfg.Channels[i].Name = string(cfg.Channels[i].Type)
		}
	}
	return nil
}

// Validate checks values the schema cannot express.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", field, fmt.Sprintf(format, args...)))
	}

	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		add("server.listen", "must be host:port (%v)", err)
	}
	if !c.Auth.Disabled {
		if len(c.Auth.JWTSecret) < 16 {
			add("auth.jwt_secret", "must be at least 16 characters unless auth.disabled is set")
		}
		if c.Auth.AdminSecret == "" {
			add("auth.admin_secret", "is required unless auth.disabled is set")
		}
	}
	switch c.Database.Driver {
	case storage.DriverSQLite, storage.DriverMemory:
	case storage.DriverPostgres:
		if c.Database.DSN == "" {
			add("database.dsn", "is required for postgres")
		}
	default:
		add("database.driver", "unknown driver %q", c.Database.Driver)
	}
	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		add("observability.sampling_rate", "must be between 0 and 1")
	}
	for field, spec := range map[string]string{
		"janitor.pairing_cleanup": c.Janitor.PairingCleanup,
		"janitor.session_sweep":   c.Janitor.SessionSweep,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			add(field, "invalid schedule %q: %v", spec, err)
		}
	}
	if c.Agent.URL != AgentInProcess {
		u, err := url.Parse(c.Agent.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			add("agent.url", "must be %q or a ws:// or wss:// URL", AgentInProcess)
		}
	}

	seen := map[models.ChannelType]bool{}
	for i, seed := range c.Channels {
		field := fmt.Sprintf("channels[%d]", i)
		typ := models.ChannelType(strings.ToLower(string(seed.Type)))
		if typ == "" {
			add(field+".type", "is required")
			continue
		}
		if seen[typ] {
			add(field+".type", "duplicate channel type %q", typ)
		}
		seen[typ] = true
		if seed.Security != nil && seed.Security.Mode != "" && !seed.Security.Mode.Valid() {
			add(field+".security.mode", "unknown mode %q", seed.Security.Mode)
		}
	}
	return errors.Join(errs...)
}
