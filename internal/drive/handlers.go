// drive/handlers.go
package drive

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/eGGnogSC/invoicesync/internal/apperr"
)

// Handler serves the folder and workbook pickers
type Handler struct {
	adapter *Adapter
	logger  *slog.Logger
}

// NewHandler creates a new drive handler
func NewHandler(adapter *Adapter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{adapter: adapter, logger: logger}
}

// FoldersHandler lists the folders under ?path= (the root when empty)
func (h *Handler) FoldersHandler(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.adapter.ListFolders)
}

// SpreadsheetsHandler lists the spreadsheet files under ?path=
func (h *Handler) SpreadsheetsHandler(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.adapter.ListSpreadsheets)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) ([]Item, error)) {
	path := r.URL.Query().Get("path")
	items, err := fn(r.Context(), path)
	if err != nil {
		kind := apperr.KindOf(err)
		h.logger.Warn("failed to list drive items", slog.String("path", path), slog.Any("error", err))
		writeJSON(w, apperr.HTTPStatus(kind), map[string]string{"error": kind.String(), "message": err.Error()})
		return
	}
	if items == nil {
		items = []Item{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": JoinPath(path), "items": items})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
