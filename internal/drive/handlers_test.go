package drive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFoldersHandler(t *testing.T) {
	a, fake, _ := newTestAdapter(t)
	_, err := a.EnsureFolder(context.Background(), "Invoices/2024")
	require.NoError(t, err)
	fake.PutFile("Invoices/Invoice_Tracker.xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", nil)
	h := NewHandler(a, nil)

	rec := httptest.NewRecorder()
	h.FoldersHandler(rec, httptest.NewRequest(http.MethodGet, "/api/drive/folders?path=/Invoices/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Path  string `json:"path"`
		Items []Item `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Invoices", body.Path)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "2024", body.Items[0].Name)

	rec = httptest.NewRecorder()
	h.SpreadsheetsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/drive/spreadsheets?path=Invoices", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "Invoice_Tracker.xlsx", body.Items[0].Name)
}

func TestFoldersHandlerMissingPath(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	h := NewHandler(a, nil)

	rec := httptest.NewRecorder()
	h.FoldersHandler(rec, httptest.NewRequest(http.MethodGet, "/api/drive/folders?path=Nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
}
