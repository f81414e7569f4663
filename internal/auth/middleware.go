package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// Middleware enforces bearer auth on HTTP handlers. Requests pass through
// untouched when the service is disabled.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !service.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			token := extractBearer(r.Header)
			if token == "" {
				unauthorized(w, "missing credentials")
				return
			}
			principal, err := service.ValidateToken(token)
			if err != nil {
				if logger != nil {
					logger.Warn("jwt validation failed", "path", r.URL.Path, "error", err)
				}
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="cowork-gateway"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`)) //nolint:errcheck
}

func extractBearer(h http.Header) string {
	for _, value := range h.Values("Authorization") {
		lower := strings.ToLower(value)
		if strings.HasPrefix(lower, "bearer ") {
			return strings.TrimSpace(value[len("bearer "):])
		}
	}
	return ""
}
