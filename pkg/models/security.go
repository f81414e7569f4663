package models

import (
	"strings"
	"time"
)

// SecurityMode selects the authorization algorithm for a channel.
type SecurityMode string

const (
	SecurityOpen      SecurityMode = "open"
	SecurityAllowlist SecurityMode = "allowlist"
	SecurityPairing   SecurityMode = "pairing"
)

// Defaults applied to zero-valued security fields.
const (
	DefaultPairingCodeTTL     = 300
	DefaultMaxPairingAttempts = 5
	DefaultRateLimitPerMinute = 30
)

// SecurityConfig is the per-channel access control policy.
type SecurityConfig struct {
	Mode         SecurityMode `json:"mode" yaml:"mode"`
	AllowedUsers []string     `json:"allowed_users,omitempty" yaml:"allowed_users"`
	// PairingCodeTTL is the pairing code lifetime in seconds.
	PairingCodeTTL int `json:"pairing_code_ttl" yaml:"pairing_code_ttl"`
	// MaxPairingAttempts locks out a user after that many failed redemptions; 0 disables the lockout.
	MaxPairingAttempts int `json:"max_pairing_attempts" yaml:"max_pairing_attempts"`
	// RateLimitPerMinute caps inbound messages per user; 0 means unlimited.
	RateLimitPerMinute int `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
}

// DefaultSecurityConfig returns the policy used for new channels.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		Mode:               SecurityPairing,
		PairingCodeTTL:     DefaultPairingCodeTTL,
		MaxPairingAttempts: DefaultMaxPairingAttempts,
		RateLimitPerMinute: DefaultRateLimitPerMinute,
	}
}

// WithDefaults fills unset fields. Negative limits are left for validation to reject.
func (c SecurityConfig) WithDefaults() SecurityConfig {
	if c.Mode == "" {
		c.Mode = SecurityPairing
	}
	if c.PairingCodeTTL == 0 {
		c.PairingCodeTTL = DefaultPairingCodeTTL
	}
	return c
}

// PairingTTL returns the pairing code lifetime.
func (c SecurityConfig) PairingTTL() time.Duration {
	if c.PairingCodeTTL <= 0 {
		return DefaultPairingCodeTTL * time.Second
	}
	return time.Duration(c.PairingCodeTTL) * time.Second
}

// IsAllowlisted reports whether userID appears in AllowedUsers.
func (c SecurityConfig) IsAllowlisted(userID string) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false
	}
	for _, allowed := range c.AllowedUsers {
		if strings.TrimSpace(allowed) == userID {
			return true
		}
	}
	return false
}

// Valid reports whether the mode is one of the known modes.
func (m SecurityMode) Valid() bool {
	switch m {
	case SecurityOpen, SecurityAllowlist, SecurityPairing:
		return true
	}
	return false
}
