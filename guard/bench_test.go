package guard

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"bastion/guard/config"
)

func BenchmarkProtectAllowedRequest(b *testing.B) {
	cfg := config.Default()
	cfg.Thresholds.GlobalRPS = 1 << 30
	cfg.Thresholds.PerSourceRPS = 1 << 30
	cfg.Thresholds.UniqueSourcesMin = 0
	cfg.RateLimit.Global = config.Rule{WindowMs: 60_000, MaxRequests: 1 << 30}
	cfg.RateLimit.PerEndpoint = config.Rule{WindowMs: 60_000, MaxRequests: 1 << 30}
	cfg.Events.LogPath = ""

	e, err := NewEngine(cfg, nil)
	if err != nil {
		b.Fatal(err)
	}
	defer e.store.Close()
	h := e.Protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/items", nil)
	req.RemoteAddr = "192.0.2.1:4431"

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
		}
	})
}

func BenchmarkProtectBlockedRequest(b *testing.B) {
	cfg := config.Default()
	cfg.Events.LogPath = ""
	e, err := NewEngine(cfg, nil)
	if err != nil {
		b.Fatal(err)
	}
	defer e.store.Close()
	e.Mitigation.Block("192.0.2.1", "bench", 0, 1)
	h := e.Protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/items", nil)
	req.RemoteAddr = "192.0.2.1:4431"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
	}
}
