package channels

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// PlatformConfig is one variant of the per-platform configuration union.
// Each adapter package defines its own strongly typed variant.
type PlatformConfig interface {
	// Type names the platform the variant belongs to.
	Type() models.ChannelType

	// Validate checks required fields and value ranges. It must not mutate
	// the config; defaults are applied by the adapter constructor.
	Validate() ValidationErrors
}

// FieldError describes one invalid configuration field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors is the list of field problems found in a configuration.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, fe := range v {
		parts[i] = fe.String()
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Add appends a field error.
func (v *ValidationErrors) Add(field, format string, args ...any) {
	*v = append(*v, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Require appends an error when value is blank.
func (v *ValidationErrors) Require(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.Add(field, "is required")
	}
}

// RequireURL appends an error when value is blank or not an absolute http(s) URL.
func (v *ValidationErrors) RequireURL(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.Add(field, "is required")
		return
	}
	u, err := url.Parse(value)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		v.Add(field, "must be an http(s) URL")
	}
}

// NonNegative appends an error when value is below zero.
func (v *ValidationErrors) NonNegative(field string, value float64) {
	if value < 0 {
		v.Add(field, "must not be negative")
	}
}

// Err returns nil for an empty list so callers can use the usual err != nil check.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// ValidateSecurity checks a channel security policy.
func ValidateSecurity(cfg models.SecurityConfig) ValidationErrors {
	var errs ValidationErrors
	if !cfg.Mode.Valid() {
		errs.Add("security.mode", "must be one of open, allowlist, pairing (got %q)", cfg.Mode)
	}
	if cfg.PairingCodeTTL < 0 {
		errs.Add("security.pairing_code_ttl", "must not be negative")
	}
	if cfg.MaxPairingAttempts < 0 {
		errs.Add("security.max_pairing_attempts", "must not be negative")
	}
	if cfg.RateLimitPerMinute < 0 {
		errs.Add("security.rate_limit_per_minute", "must not be negative")
	}
	for i, user := range cfg.AllowedUsers {
		if strings.TrimSpace(user) == "" {
			errs.Add(fmt.Sprintf("security.allowed_users[%d]", i), "must not be blank")
		}
	}
	return errs
}

// IsSecretRef reports whether v is an unresolved secret reference such as
// "env:NAME" or "keyring:service/key". Format checks skip these values.
func IsSecretRef(v string) bool {
	return strings.HasPrefix(v, "env:") || strings.HasPrefix(v, "keyring:")
}
