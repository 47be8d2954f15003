package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireAuth enforces bearer key auth on the request facade when enabled.
// Observability endpoints are registered outside this middleware.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.BearerAuthentication {
			next.ServeHTTP(w, r)
			return
		}

		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, "missing bearer token", "invalid_request_error")
			return
		}
		key := strings.TrimPrefix(header, prefix)

		for _, k := range s.cfg.Keys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "invalid bearer token", "invalid_request_error")
	})
}
