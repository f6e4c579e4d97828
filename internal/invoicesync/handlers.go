// invoicesync/handlers.go
package invoicesync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/eGGnogSC/invoicesync/internal/apperr"
)

// Handler serves the sync API
type Handler struct {
	service *Service
	runner  *BatchRunner
	logger  *slog.Logger
}

// NewHandler creates a new sync handler
func NewHandler(service *Service, runner *BatchRunner, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, runner: runner, logger: logger}
}

type resultResponse struct {
	Result
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// SyncHandler uploads or resyncs one invoice depending on its sync status
func (h *Handler) SyncHandler(w http.ResponseWriter, r *http.Request) {
	h.invoiceOp(w, r, h.service.SyncByID)
}

// ResyncHandler pushes local edits into the invoice's workbook row
func (h *Handler) ResyncHandler(w http.ResponseWriter, r *http.Request) {
	h.invoiceOp(w, r, h.service.ResyncByID)
}

// RemoveHandler deletes the invoice's remote file and row
func (h *Handler) RemoveHandler(w http.ResponseWriter, r *http.Request) {
	h.invoiceOp(w, r, h.service.RemoveByID)
}

func (h *Handler) invoiceOp(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) Result) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, "Missing invoice id", http.StatusBadRequest)
		return
	}
	writeResult(w, fn(r.Context(), id))
}

// StartBatchHandler starts syncing a month's unsynced invoices
func (h *Handler) StartBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Month string `json:"month"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	id, err := h.runner.Start(r.Context(), req.Month)
	if err != nil {
		h.logger.Warn("failed to start batch", slog.String("month", req.Month), slog.Any("error", err))
		writeError(w, err)
		return
	}
	report, err := h.runner.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, report)
}

// GetBatchHandler returns a batch report
func (h *Handler) GetBatchHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.runner.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// StopBatchHandler asks a batch to stop after its current invoice
func (h *Handler) StopBatchHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.runner.Stop(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, report)
}

func writeResult(w http.ResponseWriter, res Result) {
	resp := resultResponse{Result: res}
	status := http.StatusOK
	if !res.Success {
		kind := res.Kind()
		status = apperr.HTTPStatus(kind)
		resp.Error = kind.String()
		if res.Err != nil {
			resp.Message = res.Err.Error()
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if errors.Is(err, ErrInvalidMonth) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{
		"error":   kind.String(),
		"message": err.Error(),
	})
}
