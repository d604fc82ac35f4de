// Package ratelimit enforces layered fixed-window budgets: one global
// budget, one per endpoint per source, one per authenticated user, and a
// tight overlay on critical operations. The most restrictive applicable
// tier decides.
package ratelimit

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"bastion/guard/config"
	"bastion/guard/sysload"
)

// LoadSource supplies the current process load for adaptive throttling.
type LoadSource interface {
	Current() sysload.Snapshot
}

// Request is the identity a check runs against. Throttled applies the
// configured shrink factor regardless of process load, used for addresses
// under a mitigation throttle.
type Request struct {
	Address   string
	Path      string
	UserID    string
	Throttled bool
}

// Result is the outcome of one layered check. On denial it carries
// everything the deny response needs; on success Remaining and ResetTime
// describe the tightest tier.
type Result struct {
	Allowed    bool
	Rule       string // tier that decided: global, endpoint, user, critical
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
	Throttled  bool // budgets shrunk by process load
	Penalty    bool // denial from the repeat-violation penalty box
	Degraded   bool // one or more tiers skipped on store failure
}

// Limiter runs the layered checks against a shared counter store.
type Limiter struct {
	cfg      config.RateLimit
	store    CounterStore
	load     LoadSource
	tracker  *violationTracker
	critical map[string]struct{}
	timeout  time.Duration

	mu       sync.RWMutex
	denied   int64
	degraded int64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewLimiter builds a limiter. load may be nil to disable adaptive
// throttling.
func NewLimiter(cfg config.RateLimit, store CounterStore, load LoadSource) *Limiter {
	timeout := cfg.StoreTimeout.Duration
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	critical := make(map[string]struct{}, len(cfg.CriticalPaths))
	for _, p := range cfg.CriticalPaths {
		critical[p] = struct{}{}
	}
	return &Limiter{
		cfg:      cfg,
		store:    store,
		load:     load,
		tracker:  newViolationTracker(cfg.ViolationLimit, cfg.ViolationWindow.Duration, cfg.PenaltyDuration.Duration),
		critical: critical,
		timeout:  timeout,
		done:     make(chan struct{}),
	}
}

// Start launches the violation-tracker sweep.
func (l *Limiter) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.tracker.sweep(time.Now())
			case <-l.done:
				return
			}
		}
	}()
}

// Stop halts background work.
func (l *Limiter) Stop() {
	close(l.done)
	l.wg.Wait()
}

type tierCheck struct {
	rule string
	key  string
	spec config.Rule
}

// Check runs every applicable tier for the request. Unreachable counters
// never deny: a tier whose store call fails is skipped and the result is
// marked degraded.
func (l *Limiter) Check(ctx context.Context, req Request) Result {
	now := time.Now()

	if rem := l.tracker.penaltyRemaining(req.Address, now); rem > 0 {
		return Result{
			Rule:       "penalty",
			RetryAfter: rem,
			Penalty:    true,
		}
	}

	endpoint := NormalizePath(req.Path)
	checks := make([]tierCheck, 0, 4)
	if _, ok := l.critical[req.Path]; ok {
		checks = append(checks, tierCheck{"critical", "c:" + req.Address + ":" + endpoint, l.cfg.Critical})
	}
	if req.UserID != "" {
		checks = append(checks, tierCheck{"user", "u:" + req.UserID, l.cfg.PerUser})
	}
	checks = append(checks,
		tierCheck{"endpoint", "e:" + req.Address + ":" + endpoint, l.cfg.PerEndpoint},
		tierCheck{"global", "g", l.cfg.Global},
	)

	throttled, factor := l.throttle()
	if req.Throttled && l.cfg.ThrottleFactor > factor {
		throttled, factor = true, l.cfg.ThrottleFactor
	}

	best := Result{Allowed: true, Remaining: -1, Throttled: throttled}
	for _, tc := range checks {
		limit := tc.spec.MaxRequests
		if throttled {
			limit = int(float64(limit) / factor)
			if limit < 1 {
				limit = 1
			}
		}
		window := time.Duration(tc.spec.WindowMs) * time.Millisecond
		slot := now.UnixMilli() / tc.spec.WindowMs
		key := "rl:" + tc.rule + ":" + tc.key + ":" + strconv.FormatInt(slot, 10)

		count, err := l.incr(ctx, key, window)
		if err != nil {
			best.Degraded = true
			l.mu.Lock()
			l.degraded++
			l.mu.Unlock()
			log.Printf("rate limit store error on %s tier, failing open: %v", tc.rule, err)
			continue
		}

		reset := time.UnixMilli((slot + 1) * tc.spec.WindowMs)
		if count > int64(limit) {
			l.mu.Lock()
			l.denied++
			l.mu.Unlock()
			l.tracker.note(req.Address, now)
			return Result{
				Rule:       tc.rule,
				Limit:      limit,
				Remaining:  0,
				ResetTime:  reset,
				RetryAfter: time.Until(reset),
				Throttled:  throttled,
				Degraded:   best.Degraded,
			}
		}

		remaining := limit - int(count)
		if best.Remaining < 0 || remaining < best.Remaining {
			best.Rule = tc.rule
			best.Limit = limit
			best.Remaining = remaining
			best.ResetTime = reset
		}
	}
	if best.Remaining < 0 {
		// Every tier failed open.
		best.Remaining = 0
	}
	return best
}

// incr runs one store increment under the bounded timeout so a hung store
// cannot stall the request path.
func (l *Limiter) incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.store.Incr(cctx, key, ttl)
}

func (l *Limiter) throttle() (bool, float64) {
	if l.load == nil || l.cfg.ThrottleFactor <= 1 {
		return false, 1
	}
	snap := l.load.Current()
	if snap.CPURatio > l.cfg.CPUThreshold || snap.HeapRatio > l.cfg.MemoryThreshold {
		return true, l.cfg.ThrottleFactor
	}
	return false, 1
}

// PenaltyActive reports whether the address is currently in the penalty
// box.
func (l *Limiter) PenaltyActive(address string) bool {
	return l.tracker.penaltyRemaining(address, time.Now()) > 0
}

// Stats reports counters for the admin surface.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.RLock()
	denied, degraded := l.denied, l.degraded
	l.mu.RUnlock()
	return map[string]interface{}{
		"denied":         denied,
		"degradedChecks": degraded,
		"penaltyBoxed":   l.tracker.boxed(time.Now()),
	}
}
