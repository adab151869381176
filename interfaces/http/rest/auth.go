package rest

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"graphmesh-backend/internal/config"
)

// Authenticate enforces bearer-token auth. With RequireTokens set and
// no secret configured the middleware fails closed: every request gets
// 503 rather than silently running unauthenticated.
func Authenticate(cfg config.Auth, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.RequireTokens {
				next.ServeHTTP(w, r)
				return
			}
			if cfg.TokenSecret == "" {
				logger.Error("Token auth required but no secret configured, refusing all requests")
				respondError(w, http.StatusServiceUnavailable, "authentication unavailable")
				return
			}
			token := bearerToken(r)
			if token == "" {
				respondError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.TokenSecret)) != 1 {
				respondError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
