// auth/handlers.go
package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/eGGnogSC/invoicesync/internal/apperr"
)

const returnToKey = "return_to"

// Handler provides HTTP handlers for the Microsoft login flow
type Handler struct {
	manager  *Manager
	sessions *SessionStore
	logger   *slog.Logger
}

// NewHandler creates a new auth handler
func NewHandler(manager *Manager, sessions *SessionStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager:  manager,
		sessions: sessions,
		logger:   logger,
	}
}

// ConnectHandler starts the authorization flow and redirects to Microsoft
func (h *Handler) ConnectHandler(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.Get(r)
	if returnTo := r.URL.Query().Get(returnToKey); isLocalPath(returnTo) {
		session.Values[returnToKey] = returnTo
	} else {
		delete(session.Values, returnToKey)
	}
	if err := session.Save(r, w); err != nil {
		http.Error(w, "Failed to save session", http.StatusInternalServerError)
		return
	}

	authURL, err := h.manager.InitiateLogin(r.Context())
	if err != nil {
		h.logger.Error("failed to initiate login", slog.Any("error", err))
		http.Error(w, "Failed to start login", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// CallbackHandler completes the flow with the code and state Microsoft returns
func (h *Handler) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if providerErr := query.Get("error"); providerErr != "" {
		if err := h.manager.CancelLogin(r.Context()); err != nil {
			h.logger.Warn("failed to discard pkce state", slog.Any("error", err))
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":   providerErr,
			"message": query.Get("error_description"),
		})
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		if err := h.manager.CancelLogin(r.Context()); err != nil {
			h.logger.Warn("failed to discard pkce state", slog.Any("error", err))
		}
		http.Error(w, "Invalid callback parameters", http.StatusBadRequest)
		return
	}

	if err := h.manager.CompleteLogin(r.Context(), code, state); err != nil {
		h.logger.Warn("login failed", slog.String("kind", apperr.KindOf(err).String()), slog.Any("error", err))
		writeError(w, err)
		return
	}

	session := h.sessions.Get(r)
	returnTo, _ := session.Values[returnToKey].(string)
	delete(session.Values, returnToKey)
	if err := session.Save(r, w); err != nil {
		h.logger.Warn("failed to save session", slog.Any("error", err))
	}
	if isLocalPath(returnTo) {
		http.Redirect(w, r, returnTo, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// LogoutHandler removes the stored credential
func (h *Handler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Logout(r.Context()); err != nil {
		http.Error(w, "Failed to logout: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// StatusHandler returns the connection status
func (h *Handler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Status(r.Context()))
}

// isLocalPath accepts only same-origin absolute paths for post-login redirects.
func isLocalPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.Contains(p, "\\")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	writeJSON(w, apperr.HTTPStatus(kind), map[string]string{
		"error":   kind.String(),
		"message": err.Error(),
	})
}
