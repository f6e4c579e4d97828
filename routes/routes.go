// routes/routes.go
package routes

import (
	"github.com/gorilla/mux"

	"github.com/eGGnogSC/invoicesync/infrastructure"
	"github.com/eGGnogSC/invoicesync/internal/auth"
	"github.com/eGGnogSC/invoicesync/internal/drive"
	"github.com/eGGnogSC/invoicesync/internal/invoicesync"
	"github.com/eGGnogSC/invoicesync/internal/settings"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *mux.Router, c *infrastructure.Container) {
	RegisterAuthRoutes(router, c.AuthHandler)

	// API routes - require a usable Microsoft token
	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(auth.RequireConnection(c.AuthManager))

	RegisterSettingsRoutes(apiRouter, c.SettingsHandler)
	RegisterDriveRoutes(apiRouter, c.DriveHandler)
	RegisterSyncRoutes(apiRouter, c.SyncHandler)
}

// RegisterSettingsRoutes registers the drive location settings
func RegisterSettingsRoutes(router *mux.Router, h *settings.Handler) {
	router.HandleFunc("/settings", h.GetHandler).Methods("GET")
	router.HandleFunc("/settings", h.PutHandler).Methods("PUT")
}

// RegisterDriveRoutes registers the folder and workbook pickers
func RegisterDriveRoutes(router *mux.Router, h *drive.Handler) {
	router.HandleFunc("/drive/folders", h.FoldersHandler).Methods("GET")
	router.HandleFunc("/drive/spreadsheets", h.SpreadsheetsHandler).Methods("GET")
}

// RegisterSyncRoutes registers per-invoice sync and month batches
func RegisterSyncRoutes(router *mux.Router, h *invoicesync.Handler) {
	router.HandleFunc("/invoices/{id}/sync", h.SyncHandler).Methods("POST")
	router.HandleFunc("/invoices/{id}/resync", h.ResyncHandler).Methods("POST")
	router.HandleFunc("/invoices/{id}/remote", h.RemoveHandler).Methods("DELETE")
	router.HandleFunc("/batches", h.StartBatchHandler).Methods("POST")
	router.HandleFunc("/batches/{id}", h.GetBatchHandler).Methods("GET")
	router.HandleFunc("/batches/{id}/stop", h.StopBatchHandler).Methods("POST")
}
