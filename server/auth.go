package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"privacyvaults/vault-core/logging"
)

type authMiddleware struct {
	next http.Handler
	keys []string
}

// NewAPIKeyMiddleware accepts a request when it presents any of keys. An
// empty key list disables authentication.
func NewAPIKeyMiddleware(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &authMiddleware{
			next: next,
			keys: keys,
		}
	}
}

func (m *authMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !m.isAuthenticated(r) {
		logging.Logger().Warn().
			Str("remote_addr", r.RemoteAddr).
			Str("path", r.URL.Path).
			Str("method", r.Method).
			Msg("Unauthorized API request - missing or invalid API key")

		unauthorizedError := &Error{
			StatusCode: http.StatusUnauthorized,
			Code:       "unauthorized",
			Message:    "Invalid or missing API key. Provide it in the X-API-Key header or as 'Authorization: Bearer <api-key>'.",
		}
		unauthorizedError.send(w)
		return
	}

	m.next.ServeHTTP(w, r)
}

func (m *authMiddleware) isAuthenticated(r *http.Request) bool {
	if len(m.keys) == 0 {
		return true
	}

	providedKey := extractAPIKey(r)
	if providedKey == "" {
		return false
	}

	matched := 0
	for _, key := range m.keys {
		matched |= subtle.ConstantTimeCompare([]byte(key), []byte(providedKey))
	}
	return matched == 1
}

func extractAPIKey(r *http.Request) string {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return apiKey
	}

	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}

func requiresAuthentication(path string) bool {
	publicPaths := []string{
		"/health",
	}

	for _, publicPath := range publicPaths {
		if path == publicPath {
			return false
		}
	}

	return true
}

func conditionalAuthMiddleware(keys []string) func(http.Handler) http.Handler {
	auth := NewAPIKeyMiddleware(keys)
	return func(next http.Handler) http.Handler {
		protected := auth(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiresAuthentication(r.URL.Path) {
				protected.ServeHTTP(w, r)
			} else {
				next.ServeHTTP(w, r)
			}
		})
	}
}
