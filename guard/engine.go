// Package guard assembles the protection engine and exposes it as HTTP
// middleware. Every collaborator is constructed here and passed explicit
// references; there is no process-wide instance.
package guard

import (
	"context"
	"log"
	"sync"
	"time"

	"bastion/guard/alert"
	"bastion/guard/config"
	"bastion/guard/detect"
	"bastion/guard/emergency"
	"bastion/guard/events"
	"bastion/guard/metrics"
	"bastion/guard/mitigate"
	"bastion/guard/netutil"
	"bastion/guard/ratelimit"
	"bastion/guard/reputation"
	"bastion/guard/sysload"
	"bastion/guard/traffic"
)

// Engine owns the protection components and their lifecycle.
type Engine struct {
	cfg *config.Config

	Proxies    *netutil.TrustedProxies
	Bus        *events.Bus
	Reputation *reputation.Store
	Recorder   *traffic.Recorder
	Mitigation *mitigate.Controller
	Detector   *detect.Detector
	Limiter    *ratelimit.Limiter
	Emergency  *emergency.Controller
	Load       *sysload.Monitor

	store    ratelimit.CounterStore
	eventLog *alert.EventLog

	done chan struct{}
	wg   sync.WaitGroup
}

// NewEngine wires the full pipeline from config. scorer may be nil to use
// the default heuristic scorer.
func NewEngine(cfg *config.Config, scorer detect.Scorer) (*Engine, error) {
	proxies, err := netutil.NewTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(cfg.Events.BufferSize, cfg.Events.HistorySize)

	mitigation, err := mitigate.NewController(cfg.Mitigation, bus)
	if err != nil {
		return nil, err
	}

	store := newCounterStore(cfg.RateLimit)
	load := sysload.NewMonitor(0)

	recorder := traffic.NewRecorder(cfg.Recorder.Capacity)
	detector := detect.NewDetector(cfg.Detector, cfg.Thresholds, recorder, mitigation, bus, scorer)

	e := &Engine{
		cfg:        cfg,
		Proxies:    proxies,
		Bus:        bus,
		Reputation: reputation.NewStore(0),
		Recorder:   recorder,
		Mitigation: mitigation,
		Detector:   detector,
		Limiter:    ratelimit.NewLimiter(cfg.RateLimit, store, load),
		Emergency:  emergency.NewController(cfg.Emergency, detector, mitigation, bus),
		Load:       load,
		store:      store,
		done:       make(chan struct{}),
	}

	if cfg.Events.LogPath != "" {
		e.eventLog = alert.NewEventLog(cfg.Events.LogPath)
		bus.Subscribe(e.eventLog)
	}
	if len(cfg.Events.WebhookURLs) > 0 {
		bus.Subscribe(alert.NewWebhookNotifier(alert.WebhookConfig{
			URLs:        cfg.Events.WebhookURLs,
			MinSeverity: events.Severity(cfg.Events.MinSeverity),
		}))
	}
	bus.Subscribe(events.HandlerFunc(e.observeEvent))

	return e, nil
}

// newCounterStore prefers Redis when configured but falls back to the
// in-process store if Redis is unreachable at startup. Runtime failures
// are handled per check by failing open.
func newCounterStore(cfg config.RateLimit) ratelimit.CounterStore {
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemoryStore()
	}
	rs := ratelimit.NewRedisStore(cfg.RedisAddr, cfg.RedisDB)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		log.Printf("redis %s unreachable, using in-process counters: %v", cfg.RedisAddr, err)
		rs.Close()
		return ratelimit.NewMemoryStore()
	}
	return rs
}

// Start launches every background loop.
func (e *Engine) Start() {
	e.Bus.Start()
	e.Reputation.Start()
	e.Mitigation.Start()
	e.Detector.Start()
	e.Limiter.Start()
	e.Emergency.Start()
	e.Load.Start()

	// Gauges derived from whole-map scans refresh on a timer instead of
	// per request.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		var lastDropped int64
		for {
			select {
			case <-ticker.C:
				metrics.SuspiciousAddresses.Set(float64(len(e.Reputation.Suspicious())))
				metrics.BlockedAddresses.Set(float64(e.Mitigation.BlockedCount()))
				if d := e.Bus.Dropped(); d > lastDropped {
					metrics.EventsDropped.Add(float64(d - lastDropped))
					lastDropped = d
				}
			case <-e.done:
				return
			}
		}
	}()

	log.Printf("protection engine started")
}

// Stop shuts the engine down in reverse dependency order. The bus stops
// last so shutdown-time events still reach the alert sinks.
func (e *Engine) Stop() {
	close(e.done)
	e.wg.Wait()
	e.Load.Stop()
	e.Emergency.Stop()
	e.Limiter.Stop()
	e.Detector.Stop()
	e.Mitigation.Stop()
	e.Reputation.Stop()
	e.Bus.Stop()
	e.store.Close()
	if e.eventLog != nil {
		e.eventLog.Close()
	}
	log.Printf("protection engine stopped")
}

// observeEvent keeps gauges in sync as a bus subscriber instead of
// polling components.
func (e *Engine) observeEvent(ev events.Event) {
	switch ev.Type {
	case events.AttackDetected:
		metrics.AttacksDetected.WithLabelValues(ev.Metadata.AttackType).Inc()
	case events.IPBlocked, events.IPUnblocked:
		metrics.BlockedAddresses.Set(float64(e.Mitigation.BlockedCount()))
	case events.EmergencyActivated:
		metrics.EmergencyActive.Set(1)
	case events.EmergencyDeactivated:
		metrics.EmergencyActive.Set(0)
	}
}

// Stats aggregates the operational counters for the admin surface.
func (e *Engine) Stats() map[string]interface{} {
	now := traffic.Now()
	return map[string]interface{}{
		"requestsPerSecond":       e.Recorder.CountSince(now-1000, ""),
		"samplesHeld":             e.Recorder.Len(),
		"samplesTotal":            e.Recorder.Total(),
		"uniqueSourcesLastMinute": e.Recorder.UniqueSourcesSince(now - 60_000),
		"detector":                e.Detector.Stats(),
		"mitigation":              e.Mitigation.Stats(),
		"rateLimit":               e.Limiter.Stats(),
		"reputation":              e.Reputation.Distribution(),
		"suspiciousCount":         len(e.Reputation.Suspicious()),
		"emergency":               e.Emergency.State(),
		"eventsDropped":           e.Bus.Dropped(),
	}
}
