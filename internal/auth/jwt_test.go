package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", time.Hour, "cowork-gateway")
	token, expiresAt, err := service.Generate("ops")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if time.Until(expiresAt) < 59*time.Minute {
		t.Fatalf("expected expiry about an hour out, got %v", expiresAt)
	}
	principal, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if principal.Subject != "ops" {
		t.Fatalf("expected subject, got %q", principal.Subject)
	}
}

func TestJWTServiceWithoutExpiry(t *testing.T) {
	service := NewJWTService("secret", 0, "")
	token, expiresAt, err := service.Generate("ops")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !expiresAt.IsZero() {
		t.Fatalf("expected no expiry, got %v", expiresAt)
	}
	if _, err := service.Validate(token); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestJWTServiceRejects(t *testing.T) {
	service := NewJWTService("secret", time.Hour, "cowork-gateway")
	sign := func(secret string, method jwt.SigningMethod, claims Claims) string {
		token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return token
	}
	valid := Claims{
		Scope: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			Issuer:    "cowork-gateway",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	otherIssuer := valid
	otherIssuer.Issuer = "someone-else"
	noScope := valid
	noScope.Scope = ""

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", sign("other", jwt.SigningMethodHS256, valid)},
		{"expired", sign("secret", jwt.SigningMethodHS256, expired)},
		{"other issuer", sign("secret", jwt.SigningMethodHS256, otherIssuer)},
		{"missing scope", sign("secret", jwt.SigningMethodHS256, noScope)},
		{"hs512", sign("secret", jwt.SigningMethodHS512, valid)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := service.Validate(tt.token); err != ErrInvalidToken {
				t.Fatalf("Validate() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTServiceDisabled(t *testing.T) {
	var service *JWTService
	if _, _, err := service.Generate("ops"); err != ErrAuthDisabled {
		t.Fatalf("expected ErrAuthDisabled, got %v", err)
	}
	if _, err := service.Validate("x"); err != ErrAuthDisabled {
		t.Fatalf("expected ErrAuthDisabled, got %v", err)
	}
}
