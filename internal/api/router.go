package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every route the service exposes. Reads are open;
// anything that acts on behalf of a wallet requires a bearer token.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.Health).Methods("GET")

	authRoutes := r.PathPrefix("/auth").Subrouter()
	authRoutes.HandleFunc("/register", h.Register).Methods("POST")
	authRoutes.HandleFunc("/login", h.Login).Methods("POST")
	authRoutes.HandleFunc("/import", h.Import).Methods("POST")
	authRoutes.HandleFunc("/verify/{address}", h.VerifyWallet).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/wallet", h.requireAuth("/wallet", h.GetWallet)).Methods("GET")
	apiV1.HandleFunc("/accounts/{address}", h.GetAccount).Methods("GET")
	apiV1.HandleFunc("/accounts/{address}/transfers", h.ListTransfers).Methods("GET")
	apiV1.HandleFunc("/transfers", h.requireAuth("/transfers", h.CreateTransfer)).Methods("POST")
	apiV1.HandleFunc("/transfers/{id}", h.GetTransfer).Methods("GET")
	apiV1.HandleFunc("/notifications", h.requireAuth("/notifications", h.ListNotifications)).Methods("GET")
	apiV1.HandleFunc("/notifications/{id}/read", h.requireAuth("/notifications/{id}/read", h.MarkNotificationRead)).Methods("PUT")
	apiV1.HandleFunc("/notifications/{id}", h.requireAuth("/notifications/{id}", h.DeleteNotification)).Methods("DELETE")

	return r
}
