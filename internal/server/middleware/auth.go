package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/iudanet/ctxsync/internal/server/handlers"
)

// AccessTokenParam carries the token for clients that cannot set headers,
// such as browser WebSocket connections.
const AccessTokenParam = "access_token"

// AuthMiddleware создает middleware для проверки JWT токена
func AuthMiddleware(logger *slog.Logger, jwtConfig handlers.JWTConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := extractToken(r)
			if !ok {
				logger.Warn("Missing or malformed credentials", "path", r.URL.Path)
				writeUnauthorized(w, "invalid token format")
				return
			}
			if tokenString == "" {
				logger.Warn("Missing Authorization header", "path", r.URL.Path)
				writeUnauthorized(w, "missing token")
				return
			}

			claims, err := handlers.ValidateAccessToken(jwtConfig, tokenString)
			if err != nil {
				logger.Warn("Invalid access token", "error", err)
				writeUnauthorized(w, "invalid token")
				return
			}

			// Добавляем данные из токена в контекст
			ctx := context.WithValue(r.Context(), handlers.UserIDKey, claims.UserID)
			ctx = context.WithValue(ctx, handlers.UsernameKey, claims.Username)

			logger.Debug("User authenticated", "user_id", claims.UserID, "username", claims.Username)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractToken reads a "Bearer <token>" header, falling back to the
// access_token query parameter. ok is false for a malformed header.
func extractToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return r.URL.Query().Get(AccessTokenParam), true
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

func writeUnauthorized(w http.ResponseWriter, reason string) {
	writeJSONError(w, http.StatusUnauthorized, "unauthorized", reason)
}
