package ratelimit

import (
	"sync"
	"time"
)

// violationTracker counts rate-limit denials per address in a rolling
// window. Crossing the limit puts the address in a penalty box with a much
// longer retry horizon than any single window.
type violationTracker struct {
	mu      sync.Mutex
	entries map[string]*violationEntry

	limit   int
	window  time.Duration
	penalty time.Duration
}

type violationEntry struct {
	count        int
	windowStart  time.Time
	penaltyUntil time.Time
}

func newViolationTracker(limit int, window, penalty time.Duration) *violationTracker {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	if penalty <= 0 {
		penalty = time.Hour
	}
	return &violationTracker{
		entries: make(map[string]*violationEntry),
		limit:   limit,
		window:  window,
		penalty: penalty,
	}
}

// note records one denial and reports whether the address just entered the
// penalty box.
func (t *violationTracker) note(address string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[address]
	if !ok || now.Sub(e.windowStart) > t.window {
		e = &violationEntry{windowStart: now}
		t.entries[address] = e
	}
	e.count++
	if e.count >= t.limit && now.After(e.penaltyUntil) {
		e.penaltyUntil = now.Add(t.penalty)
		e.count = 0
		e.windowStart = now
		return true
	}
	return false
}

// penaltyRemaining returns how long the address stays boxed, zero when it
// is not.
func (t *violationTracker) penaltyRemaining(address string, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[address]
	if !ok {
		return 0
	}
	if rem := e.penaltyUntil.Sub(now); rem > 0 {
		return rem
	}
	return 0
}

// sweep drops entries that are neither boxed nor inside an active window.
func (t *violationTracker) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, e := range t.entries {
		if now.After(e.penaltyUntil) && now.Sub(e.windowStart) > t.window {
			delete(t.entries, addr)
		}
	}
}

// boxed returns the number of addresses currently in the penalty box.
func (t *violationTracker) boxed(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.penaltyUntil.After(now) {
			n++
		}
	}
	return n
}
