package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTService handles token signing and verification.
type JWTService struct {
	secret []byte
	expiry time.Duration
	issuer string
}

// NewJWTService builds a JWT helper with the given secret, expiry and issuer.
func NewJWTService(secret string, expiry time.Duration, issuer string) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry, issuer: issuer}
}

type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for subject. The zero time is returned as
// expiry when tokens do not expire.
func (s *JWTService) Generate(subject string) (string, time.Time, error) {
	if s == nil || len(s.secret) == 0 {
		return "", time.Time{}, ErrAuthDisabled
	}
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, errors.New("subject required")
	}

	now := time.Now()
	claims := Claims{
		Scope: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	var expiresAt time.Time
	if s.expiry > 0 {
		expiresAt = now.Add(s.expiry)
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate parses and validates a JWT.
func (s *JWTService) Validate(token string) (*Principal, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.Scope != "admin" {
		return nil, ErrInvalidToken
	}
	principal := &Principal{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}
	return principal, nil
}
