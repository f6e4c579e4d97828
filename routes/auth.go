// routes/auth.go
package routes

import (
	"github.com/gorilla/mux"

	"github.com/eGGnogSC/invoicesync/internal/auth"
)

// RegisterAuthRoutes registers the Microsoft login routes. They are public;
// everything under /api requires a connected account.
func RegisterAuthRoutes(router *mux.Router, authHandler *auth.Handler) {
	router.HandleFunc("/auth/connect", authHandler.ConnectHandler).Methods("GET")
	router.HandleFunc("/auth/callback", authHandler.CallbackHandler).Methods("GET")
	router.HandleFunc("/auth/logout", authHandler.LogoutHandler).Methods("POST")
	router.HandleFunc("/auth/status", authHandler.StatusHandler).Methods("GET")
}
