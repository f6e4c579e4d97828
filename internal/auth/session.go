// auth/session.go
package auth

import (
	"net/http"

	"github.com/gorilla/sessions"
)

const sessionName = "invoicesync-auth"

// SessionStore holds the browser cookie session used across the login redirect.
type SessionStore struct {
	store sessions.Store
}

// NewSessionStore creates a cookie-backed session store
func NewSessionStore(secret []byte, secure bool) *SessionStore {
	store := sessions.NewCookieStore(secret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   15 * 60,
		HttpOnly: true,
		Secure:   secure,
		// Lax so the cookie survives the top-level redirect back from the provider.
		SameSite: http.SameSiteLaxMode,
	}
	return &SessionStore{store: store}
}

// Get retrieves the session. A cookie that fails to decode yields a fresh session.
func (s *SessionStore) Get(r *http.Request) *sessions.Session {
	session, err := s.store.Get(r, sessionName)
	if err != nil {
		session, _ = s.store.New(r, sessionName)
	}
	return session
}
