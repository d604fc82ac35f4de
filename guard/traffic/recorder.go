// Package traffic keeps a bounded window of recent request samples for the
// pattern detector and the inline threshold checks.
package traffic

import (
	"sync"
	"time"
)

// Sample is the metadata recorded for one request.
type Sample struct {
	Address     string
	Method      string
	Path        string
	UserAgent   string
	Referer     string
	Country     string
	Timestamp   int64 // unix millis
	PayloadSize int64
	StatusCode  int
	LatencyMs   int64
}

// Recorder is a fixed-capacity ring of samples. Appends are O(1) and safe
// from the hot request path; once full, the oldest sample is overwritten.
// Dropping old samples under sustained overload is deliberate lossy
// sampling, not data loss the engine needs to care about.
type Recorder struct {
	mu    sync.RWMutex
	ring  []Sample
	next  int
	full  bool
	total int64
}

// NewRecorder allocates a ring with the given capacity.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &Recorder{ring: make([]Sample, capacity)}
}

// Record appends one sample, evicting the oldest when full.
func (r *Recorder) Record(s Sample) {
	r.mu.Lock()
	r.ring[r.next] = s
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.full = true
	}
	r.total++
	r.mu.Unlock()
}

// RecentSince returns a copy of all samples with Timestamp >= since
// (unix millis), oldest first.
func (r *Recorder) RecentSince(since int64) []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Sample
	scan := func(s Sample) {
		if s.Timestamp >= since {
			out = append(out, s)
		}
	}

	if r.full {
		for i := r.next; i < len(r.ring); i++ {
			scan(r.ring[i])
		}
	}
	for i := 0; i < r.next; i++ {
		scan(r.ring[i])
	}
	return out
}

// CountSince counts samples newer than since, optionally restricted to one
// source address ("" matches all). Cheaper than RecentSince for the inline
// threshold checks.
func (r *Recorder) CountSince(since int64, address string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	scan := func(s Sample) {
		if s.Timestamp >= since && (address == "" || s.Address == address) {
			count++
		}
	}
	if r.full {
		for i := r.next; i < len(r.ring); i++ {
			scan(r.ring[i])
		}
	}
	for i := 0; i < r.next; i++ {
		scan(r.ring[i])
	}
	return count
}

// UniqueSourcesSince counts distinct source addresses seen since the given
// time.
func (r *Recorder) UniqueSourcesSince(since int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	scan := func(s Sample) {
		if s.Timestamp >= since {
			seen[s.Address] = struct{}{}
		}
	}
	if r.full {
		for i := r.next; i < len(r.ring); i++ {
			scan(r.ring[i])
		}
	}
	for i := 0; i < r.next; i++ {
		scan(r.ring[i])
	}
	return len(seen)
}

// Len returns the number of samples currently held.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.ring)
	}
	return r.next
}

// Total returns the lifetime count of recorded samples, including evicted
// ones.
func (r *Recorder) Total() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Now returns the current time in unix millis. Small helper so callers and
// tests agree on the clock representation.
func Now() int64 {
	return time.Now().UnixMilli()
}
