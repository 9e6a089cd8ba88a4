package core

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"inactivity/internal/types"
)

var authPublicPaths = map[string]bool{
	"/health": true,
}

// AdminKeyMiddleware requires "Authorization: Bearer <ADMIN_API_KEY>" on
// every non-public path. With no key configured (local only, enforced by
// NewServer) requests pass through.
func (s *Server) AdminKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.Config.Server.AdminAPIKey
		if key.IsEmpty() || authPublicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

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
		if subtle.ConstantTimeCompare([]byte(token), []byte(key.Unmask())) != 1 {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractBearerToken returns the token of a "Bearer <token>" header, with a
// case-insensitive scheme, or "".
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	s.Logger.WarnContext(r.Context(), "admin authentication failed",
		"code", string(code),
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
	)
	w.Header().Set("WWW-Authenticate", `Bearer realm="inactivity-admin"`)
	Error(w, r, types.NewAppError(code, message, nil))
}
