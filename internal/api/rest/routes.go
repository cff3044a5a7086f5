package rest

import "github.com/gorilla/mux"

// SetupRoutes registers the run endpoints on r.
func SetupRoutes(r *mux.Router, h *Handler) {
	r.HandleFunc("/healthz", h.Health).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/runs", h.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", h.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/hypotheses", h.GetHypotheses).Methods("GET")
	api.HandleFunc("/runs/{id}/findings", h.GetFindings).Methods("GET")
	api.HandleFunc("/runs/{id}/progress", h.GetProgress).Methods("GET")
	api.HandleFunc("/runs/{id}/sessions/{hid}", h.GetSession).Methods("GET")
	api.HandleFunc("/runs/{id}/memory", h.GetMemory).Methods("GET")
}
