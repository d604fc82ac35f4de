package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/guard"
	"bastion/guard/config"
	"bastion/guard/mitigate"
)

func newTestMux(t *testing.T) (*http.ServeMux, *guard.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Events.LogPath = ""
	engine, err := guard.NewEngine(cfg, nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewAdmin(engine).Register(mux)
	mux.Handle("/health", NewHealth(engine))
	return mux, engine
}

func TestStatsEndpoint(t *testing.T) {
	mux, _ := newTestMux(t)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/admin/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Contains(t, stats, "mitigation")
	assert.Contains(t, stats, "emergency")
}

func TestManualBlockAndUnblock(t *testing.T) {
	mux, engine := newTestMux(t)

	body := `{"address":"203.0.113.9","reason":"abuse report","durationSeconds":600}`
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("POST", "/admin/block", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, engine.Mitigation.IsBlocked("203.0.113.9"))

	rec, ok := engine.Mitigation.Lookup("203.0.113.9")
	require.True(t, ok)
	assert.Equal(t, mitigate.ManualLevel, rec.Level)
	assert.Equal(t, "abuse report", rec.Reason)
	assert.InDelta(t, 600, rec.Remaining(time.Now()).Seconds(), 5)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("POST", "/admin/unblock", strings.NewReader(`{"address":"203.0.113.9"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, engine.Mitigation.IsBlocked("203.0.113.9"))
}

func TestBlockRejectsBadInput(t *testing.T) {
	mux, _ := newTestMux(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid address", `{"address":"not-an-ip"}`, http.StatusBadRequest},
		{"malformed json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, httptest.NewRequest("POST", "/admin/block", strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, rr.Code)
		})
	}

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/admin/block", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestEmergencyToggle(t *testing.T) {
	mux, engine := newTestMux(t)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("POST", "/admin/emergency", strings.NewReader(`{"active":true,"reason":"drill"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, engine.Emergency.Active())

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/admin/emergency", nil))
	var st map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, true, st["active"])
	assert.Equal(t, "drill", st["reason"])

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("POST", "/admin/emergency", strings.NewReader(`{"active":false}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, engine.Emergency.Active())
}

func TestHealthReflectsEmergency(t *testing.T) {
	mux, engine := newTestMux(t)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])

	engine.Emergency.Activate("drill")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestAttacksListing(t *testing.T) {
	mux, _ := newTestMux(t)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/admin/attacks", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}
