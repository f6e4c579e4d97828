// settings/handlers.go
package settings

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler serves the settings API
type Handler struct {
	provider *StorageProvider
	logger   *slog.Logger
}

// NewHandler creates a new settings handler
func NewHandler(provider *StorageProvider, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{provider: provider, logger: logger}
}

// GetHandler returns the current settings
func (h *Handler) GetHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.provider.Get(r.Context())
	if err != nil {
		h.logger.Error("failed to load settings", slog.Any("error", err))
		http.Error(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// PutHandler replaces the settings
func (h *Handler) PutHandler(w http.ResponseWriter, r *http.Request) {
	var cfg Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	saved, err := h.provider.Save(r.Context(), cfg)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_settings", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
