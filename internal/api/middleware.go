// Package api provides HTTP handlers for the backend.
package api

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AuthConfig controls API-key authentication for mutation routes.
type AuthConfig struct {
	// Enabled controls whether the key check is enforced.
	// Read paths are never gated.
	Enabled bool

	// KeyHash is the bcrypt hash of the accepted API key.
	KeyHash string
}

// RequireAPIKey wraps mutation handlers with bearer-token validation.
// When auth is disabled the handler runs unwrapped.
func (s *Server) RequireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	if !s.auth.Enabled {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			s.logger.Warn("api auth failed: missing credentials", "path", r.URL.Path)
			s.writeError(w, http.StatusUnauthorized, "unauthorized: missing credentials")
			return
		}

		apiKey := strings.TrimPrefix(authHeader, "Bearer ")
		if err := bcrypt.CompareHashAndPassword([]byte(s.auth.KeyHash), []byte(apiKey)); err != nil {
			s.logger.Warn("api auth failed: invalid API key", "path", r.URL.Path)
			s.writeError(w, http.StatusUnauthorized, "unauthorized: invalid API key")
			return
		}

		next(w, r)
	}
}
