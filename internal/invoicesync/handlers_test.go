package invoicesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(e *testEnv, runner *BatchRunner) *mux.Router {
	h := NewHandler(e.service, runner, nil)
	r := mux.NewRouter()
	r.HandleFunc("/api/invoices/{id}/sync", h.SyncHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/invoices/{id}/resync", h.ResyncHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/invoices/{id}/remote", h.RemoveHandler).Methods(http.MethodDelete)
	r.HandleFunc("/api/batches", h.StartBatchHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/batches/{id}", h.GetBatchHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/batches/{id}/stop", h.StopBatchHandler).Methods(http.MethodPost)
	return r
}

func serve(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestSyncHandlers(t *testing.T) {
	e := newTestEnv(t)
	inv := e.jane(t)
	r := newTestRouter(e, NewBatchRunner(e.service, e.store, WithDelay(time.Millisecond)))

	rec := serve(r, http.MethodPost, "/api/invoices/"+inv.ID+"/resync", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"conflict"`)

	rec = serve(r, http.MethodPost, "/api/invoices/"+inv.ID+"/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["file_url"])

	rec = serve(r, http.MethodPost, "/api/invoices/"+inv.ID+"/resync", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(r, http.MethodDelete, "/api/invoices/"+inv.ID+"/remote", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, e.fake.Exists(janePath))

	rec = serve(r, http.MethodPost, "/api/invoices/unknown/sync", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchHandlers(t *testing.T) {
	e := newTestEnv(t)
	e.jane(t)
	runner := NewBatchRunner(e.service, e.store, WithDelay(time.Millisecond))
	r := newTestRouter(e, runner)

	rec := serve(r, http.MethodPost, "/api/batches", `{"month":"03/2024"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(r, http.MethodPost, "/api/batches", `{"month":"2024-03"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started BatchReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Equal(t, 1, started.Total)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := runner.Wait(ctx, started.ID)
	require.NoError(t, err)

	rec = serve(r, http.MethodGet, "/api/batches/"+started.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var done BatchReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.Equal(t, BatchCompleted, done.State)
	assert.Equal(t, 1, done.Succeeded)

	rec = serve(r, http.MethodPost, "/api/batches/"+started.ID+"/stop", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = serve(r, http.MethodGet, "/api/batches/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
