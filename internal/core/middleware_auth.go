package core

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"courier/internal/types"
)

// AuthMiddleware guards the /v1 routes with the shared internal API key.
// The bearer token is compared in constant time. Missing and malformed
// headers answer auth_token_missing, a wrong key auth_token_invalid.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	var key []byte
	if s.Config != nil {
		key = []byte(s.Config.Security.InternalAPIKey.Unmask())
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		if len(key) == 0 || subtle.ConstantTimeCompare([]byte(token), key) != 1 {
			s.Logger.WarnContext(r.Context(), "authentication failed: token invalid",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractBearerToken returns the token of a "Bearer <token>" header. The
// scheme is case-insensitive per RFC 7235.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	Error(w, r, types.NewAppError(code, message, nil))
}
