package server

import (
	"crypto/subtle"
	"net/http"
)

// AuthHeader carries the shared API credential.
const AuthHeader = "X-API-Key"

// authMiddleware enforces the shared credential on every grouped route.
// Comparison is constant-time. With no credential configured, auth is off.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := s.cfg.AuthCredential
		if credential == "" {
			next.ServeHTTP(w, r)
			return
		}

		presented := r.Header.Get(AuthHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(credential)) != 1 {
			s.metrics.RecordAuthAttempt(r.Context(), "failure")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		s.metrics.RecordAuthAttempt(r.Context(), "success")
		next.ServeHTTP(w, r)
	})
}
