// Package reputation tracks a per-source trust score in [0,1]. The score is
// one advisory signal among several; it never blocks on its own.
package reputation

import (
	"sync"
	"time"
)

const (
	// DefaultScore is assigned on first sighting.
	DefaultScore = 0.5
	// SuspiciousThreshold flags an address for the pattern detector.
	SuspiciousThreshold = 0.2

	successDelta   = 0.01
	clientErrDelta = -0.02
	slowDelta      = -0.01

	slowLatencyMs = 5000
)

// Record holds the trust state for one source address.
type Record struct {
	Address     string    `json:"address"`
	Score       float64   `json:"score"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Store keeps reputation records with bounded memory: entries untouched for
// the stale TTL are evicted by a background sweep.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record

	staleTTL time.Duration
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewStore creates a reputation store. staleTTL bounds how long an idle
// entry survives; zero selects 24h.
func NewStore(staleTTL time.Duration) *Store {
	if staleTTL <= 0 {
		staleTTL = 24 * time.Hour
	}
	return &Store{
		records:  make(map[string]*Record),
		staleTTL: staleTTL,
		interval: 10 * time.Minute,
		done:     make(chan struct{}),
	}
}

// Start launches the stale-entry sweeper.
func (s *Store) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.evictStale()
			case <-s.done:
				return
			}
		}
	}()
}

// Stop halts the sweeper.
func (s *Store) Stop() {
	close(s.done)
	s.wg.Wait()
}

// Get returns the score for an address, DefaultScore when unseen. It never
// fails.
func (s *Store) Get(address string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[address]; ok {
		return rec.Score
	}
	return DefaultScore
}

// RecordOutcome nudges the score from one observed response. 2xx/3xx earn
// trust, 4xx lose it, slow responses lose a little regardless of status.
// 5xx responses are the server's fault and leave the score alone.
func (s *Store) RecordOutcome(address string, statusCode int, latencyMs int64) {
	delta := 0.0
	switch {
	case statusCode >= 200 && statusCode < 400:
		delta += successDelta
	case statusCode >= 400 && statusCode < 500:
		delta += clientErrDelta
	}
	if latencyMs > slowLatencyMs {
		delta += slowDelta
	}
	if delta == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[address]
	if !ok {
		rec = &Record{Address: address, Score: DefaultScore}
		s.records[address] = rec
	}
	rec.Score = clamp(rec.Score + delta)
	rec.LastUpdated = time.Now()
}

// IsSuspicious reports whether the address has fallen below the low-trust
// threshold.
func (s *Store) IsSuspicious(address string) bool {
	return s.Get(address) < SuspiciousThreshold
}

// Suspicious returns all addresses currently below the low-trust threshold.
func (s *Store) Suspicious() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for addr, rec := range s.records {
		if rec.Score < SuspiciousThreshold {
			out = append(out, addr)
		}
	}
	return out
}

// Distribution buckets tracked scores for the stats surface: keys are
// "low" (<0.2), "neutral" (0.2..0.8), "high" (>0.8).
func (s *Store) Distribution() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dist := map[string]int{"low": 0, "neutral": 0, "high": 0}
	for _, rec := range s.records {
		switch {
		case rec.Score < SuspiciousThreshold:
			dist["low"]++
		case rec.Score > 0.8:
			dist["high"]++
		default:
			dist["neutral"]++
		}
	}
	return dist
}

// Len returns the number of tracked addresses.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) evictStale() {
	cutoff := time.Now().Add(-s.staleTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, rec := range s.records {
		if rec.LastUpdated.Before(cutoff) {
			delete(s.records, addr)
		}
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
