package handlers

import (
	"net/http"
)

// Backend is a stand-in origin used when the engine runs as a demo or for
// load testing. Production deployments put a reverse proxy here instead.
type Backend struct{}

// Register mounts the demo routes on mux.
func (Backend) Register(mux *http.ServeMux) {
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"service": "bastion", "path": r.URL.Path})
	})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
