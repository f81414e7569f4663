// Package auth issues and checks control plane bearer tokens.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"
)

var (
	ErrAuthDisabled       = errors.New("auth disabled")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidCredentials = errors.New("invalid admin secret")
)

// Config configures the control plane auth service.
type Config struct {
	Disabled    bool
	JWTSecret   string
	AdminSecret string
	TokenTTL    time.Duration
	Issuer      string
}

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject   string
	ExpiresAt time.Time
}

// Service mints tokens for holders of the admin secret and validates them.
type Service struct {
	jwt         *JWTService
	adminSecret string
}

// NewService constructs an auth service. A disabled config or an empty
// JWT secret yields a service whose Enabled reports false.
func NewService(cfg Config) *Service {
	service := &Service{adminSecret: strings.TrimSpace(cfg.AdminSecret)}
	if !cfg.Disabled && strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenTTL, cfg.Issuer)
	}
	return service
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && s.jwt != nil
}

// IssueToken exchanges the admin secret for a signed token naming subject.
func (s *Service) IssueToken(adminSecret, subject string) (string, time.Time, error) {
	if !s.Enabled() {
		return "", time.Time{}, ErrAuthDisabled
	}
	// Constant-time comparison so response timing does not leak the secret.
	if s.adminSecret == "" || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(adminSecret)), []byte(s.adminSecret)) != 1 {
		return "", time.Time{}, ErrInvalidCredentials
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "admin"
	}
	return s.jwt.Generate(subject)
}

// ValidateToken validates a bearer token.
func (s *Service) ValidateToken(token string) (*Principal, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}
