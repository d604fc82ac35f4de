package reputation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnseenAddressGetsDefaultScore(t *testing.T) {
	s := NewStore(0)
	assert.Equal(t, DefaultScore, s.Get("203.0.113.9"))
	assert.False(t, s.IsSuspicious("203.0.113.9"))
}

func TestOutcomeDeltas(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		latency int64
		want    float64
	}{
		{"success earns trust", 200, 10, 0.51},
		{"redirect earns trust", 301, 10, 0.51},
		{"client error loses trust", 404, 10, 0.48},
		{"server error is neutral", 500, 10, 0.5},
		{"slow success nets zero", 200, 6000, 0.5},
		{"slow client error compounds", 429, 6000, 0.47},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(0)
			s.RecordOutcome("203.0.113.9", tt.status, tt.latency)
			assert.InDelta(t, tt.want, s.Get("203.0.113.9"), 0.0001)
		})
	}
}

func TestScoreClampsToUnitInterval(t *testing.T) {
	s := NewStore(0)
	for i := 0; i < 100; i++ {
		s.RecordOutcome("bad", 404, 10)
		s.RecordOutcome("good", 200, 10)
	}
	assert.Equal(t, 0.0, s.Get("bad"))
	assert.Equal(t, 1.0, s.Get("good"))
}

func TestSuspiciousThreshold(t *testing.T) {
	s := NewStore(0)
	// 0.5 - 16*0.02 = 0.18, just under the threshold.
	for i := 0; i < 16; i++ {
		s.RecordOutcome("203.0.113.9", 403, 10)
	}
	assert.True(t, s.IsSuspicious("203.0.113.9"))
	assert.Contains(t, s.Suspicious(), "203.0.113.9")
}

func TestDistribution(t *testing.T) {
	s := NewStore(0)
	for i := 0; i < 40; i++ {
		s.RecordOutcome("bad", 404, 10)
		s.RecordOutcome("good", 200, 10)
	}
	s.RecordOutcome("meh", 200, 10)

	dist := s.Distribution()
	assert.Equal(t, 1, dist["low"])
	assert.Equal(t, 1, dist["high"])
	assert.Equal(t, 1, dist["neutral"])
	assert.Equal(t, 3, s.Len())
}

func TestServerErrorsNeverCreateRecords(t *testing.T) {
	s := NewStore(0)
	s.RecordOutcome("203.0.113.9", 502, 10)
	assert.Equal(t, 0, s.Len(), "a neutral outcome should not allocate state")
}
