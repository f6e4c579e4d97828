// auth/middleware.go
package auth

import (
	"net/http"
)

// RequireConnection rejects requests with 401 unless a valid Microsoft token
// can be produced, refreshing it when needed.
func RequireConnection(manager *Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := manager.EnsureValidToken(r.Context()); err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
