package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func protected(t *testing.T, service *Service) (http.Handler, *bool) {
	t.Helper()
	called := false
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := Middleware(service, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if service.Enabled() {
			if _, ok := PrincipalFromContext(r.Context()); !ok {
				t.Error("expected principal in context")
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	return handler, &called
}

func TestMiddlewareAllowsWhenDisabled(t *testing.T) {
	handler, called := protected(t, NewService(Config{Disabled: true}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/channels", nil))

	if rec.Code != http.StatusNoContent || !*called {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}

func TestMiddlewareRejectsMissingCredentials(t *testing.T) {
	handler, called := protected(t, NewService(Config{JWTSecret: "0123456789abcdef"}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/channels", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if *called {
		t.Fatal("handler should not run")
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
}

func TestMiddlewareRejectsBadToken(t *testing.T) {
	handler, _ := protected(t, NewService(Config{JWTSecret: "0123456789abcdef"}))
	req := httptest.NewRequest(http.MethodGet, "/api/channels", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	service := NewService(Config{JWTSecret: "0123456789abcdef", AdminSecret: "let-me-in", TokenTTL: time.Hour})
	token, _, err := service.IssueToken("let-me-in", "ops")
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	handler, called := protected(t, service)
	req := httptest.NewRequest(http.MethodGet, "/api/channels", nil)
	req.Header.Set("Authorization", "bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent || !*called {
		t.Fatalf("expected handler to run, got %d", rec.Code)
	}
}
