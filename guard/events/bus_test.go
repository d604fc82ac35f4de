package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu  sync.Mutex
	got []Event
}

func (c *collector) HandleEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, ev)
}

func (c *collector) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.got))
	copy(out, c.got)
	return out
}

func TestPublishFillsIDAndTimestamp(t *testing.T) {
	b := NewBus(8, 8)
	b.Publish(Event{Type: AttackDetected, Severity: SeverityHigh})

	hist := b.History()
	require.Len(t, hist, 1)
	assert.NotEmpty(t, hist[0].ID)
	assert.False(t, hist[0].Timestamp.IsZero())
}

func TestDispatchReachesAllHandlers(t *testing.T) {
	b := NewBus(8, 8)
	a, c := &collector{}, &collector{}
	b.Subscribe(a)
	b.Subscribe(c)
	b.Start()

	b.Publish(Event{Type: IPBlocked, Severity: SeverityMedium})
	b.Stop()

	assert.Len(t, a.events(), 1)
	assert.Len(t, c.events(), 1)
}

func TestPublishNeverBlocksWhenSaturated(t *testing.T) {
	b := NewBus(2, 10)
	// No Start: nothing drains the channel.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish(Event{Type: RateLimitExceeded, Severity: SeverityLow})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full bus")
	}
	assert.Equal(t, int64(48), b.Dropped())
}

func TestStopDrainsBufferedEvents(t *testing.T) {
	b := NewBus(16, 16)
	c := &collector{}
	b.Subscribe(c)

	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: AttackDetected, Severity: SeverityLow})
	}
	b.Start()
	b.Stop()

	assert.Len(t, c.events(), 10, "events published before Start still deliver on drain")
}

func TestHistoryIsBounded(t *testing.T) {
	b := NewBus(64, 5)
	for i := 0; i < 20; i++ {
		b.Publish(Event{Type: AttackDetected, Severity: SeverityLow, Details: string(rune('a' + i))})
	}
	hist := b.History()
	require.Len(t, hist, 5)
	assert.Equal(t, string(rune('a'+19)), hist[4].Details, "newest last, oldest evicted")
}

func TestPanickingHandlerDoesNotStopDispatch(t *testing.T) {
	b := NewBus(8, 8)
	c := &collector{}
	b.Subscribe(HandlerFunc(func(Event) { panic("boom") }))
	b.Subscribe(c)
	b.Start()

	b.Publish(Event{Type: AttackDetected, Severity: SeverityHigh})
	b.Stop()

	assert.Len(t, c.events(), 1)
}

func TestSeverityAtLeast(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityLow))
	assert.True(t, SeverityMedium.AtLeast(SeverityMedium))
	assert.False(t, SeverityLow.AtLeast(SeverityHigh))
	assert.False(t, Severity("unknown").AtLeast(SeverityLow))
}
