package handlers

import (
	"net/http"
	"runtime"
	"time"

	"bastion/guard"
)

// Health reports liveness plus a coarse protection summary.
type Health struct {
	engine  *guard.Engine
	started time.Time
}

// NewHealth creates the health handler.
func NewHealth(e *guard.Engine) *Health {
	return &Health{engine: e, started: time.Now()}
}

// ServeHTTP implements http.Handler.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := h.engine.Emergency.State()
	status := "ok"
	if st.Active {
		status = "degraded"
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"uptimeSeconds": int64(time.Since(h.started).Seconds()),
		"goroutines":    runtime.NumGoroutine(),
		"heapAllocMB":   ms.HeapAlloc / (1 << 20),
		"emergency":     st,
		"blocked":       h.engine.Mitigation.BlockedCount(),
	})
}
