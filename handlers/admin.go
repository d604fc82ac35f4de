// Package handlers exposes the operational HTTP surface: statistics,
// attack listings, manual block control, and emergency toggling. It is
// mounted on a separate mux from protected traffic.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"bastion/guard"
	"bastion/guard/mitigate"
	"bastion/guard/netutil"
)

// Admin serves the management API.
type Admin struct {
	engine *guard.Engine
}

// NewAdmin wraps the engine with the management handlers.
func NewAdmin(e *guard.Engine) *Admin {
	return &Admin{engine: e}
}

// Register mounts the admin routes on mux.
func (a *Admin) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/stats", a.Stats)
	mux.HandleFunc("/admin/attacks", a.Attacks)
	mux.HandleFunc("/admin/blocked", a.Blocked)
	mux.HandleFunc("/admin/events", a.Events)
	mux.HandleFunc("/admin/block", a.Block)
	mux.HandleFunc("/admin/unblock", a.Unblock)
	mux.HandleFunc("/admin/emergency", a.Emergency)
}

// Stats returns the aggregated operational counters.
func (a *Admin) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Stats())
}

// Attacks lists retained attack signatures, newest last. ?active=true
// restricts to signatures inside the detection window.
func (a *Admin) Attacks(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("active") == "true" {
		writeJSON(w, http.StatusOK, a.engine.Detector.Active())
		return
	}
	writeJSON(w, http.StatusOK, a.engine.Detector.History())
}

// Blocked lists active block records.
func (a *Admin) Blocked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Mitigation.Blocked())
}

// Events returns the recent security event history.
func (a *Admin) Events(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Bus.History())
}

type blockRequest struct {
	Address         string `json:"address"`
	Reason          string `json:"reason"`
	DurationSeconds int64  `json:"durationSeconds"`
}

// Block installs a manual block at the reserved operator level.
func (a *Admin) Block(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	addr := netutil.NormalizeIP(req.Address)
	if !netutil.ValidateIP(addr) {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual block"
	}
	a.engine.Mitigation.Block(addr, req.Reason, time.Duration(req.DurationSeconds)*time.Second, mitigate.ManualLevel)
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked", "address": addr})
}

// Unblock removes a block.
func (a *Admin) Unblock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	addr := netutil.NormalizeIP(req.Address)
	if !netutil.ValidateIP(addr) {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	a.engine.Mitigation.Unblock(addr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked", "address": addr})
}

type emergencyRequest struct {
	Active bool   `json:"active"`
	Reason string `json:"reason"`
}

// Emergency toggles emergency mode manually. GET returns the state.
func (a *Admin) Emergency(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.engine.Emergency.State())
	case http.MethodPost:
		var req emergencyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Reason == "" {
			req.Reason = "manual toggle"
		}
		if req.Active {
			a.engine.Emergency.Activate(req.Reason)
		} else {
			a.engine.Emergency.Deactivate(req.Reason)
		}
		writeJSON(w, http.StatusOK, a.engine.Emergency.State())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
