// Package events carries security events from the protection engine to the
// alerting collaborator. Fan-out is explicit channel passing with a bounded
// buffer: when consumers fall behind, events are dropped and counted rather
// than blocking the request path.
package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type names a security event.
type Type string

const (
	AttackDetected       Type = "attack_detected"
	IPBlocked            Type = "ip_blocked"
	IPUnblocked          Type = "ip_unblocked"
	RateLimitExceeded    Type = "rate_limit_exceeded"
	EmergencyActivated   Type = "emergency_mode_activated"
	EmergencyDeactivated Type = "emergency_mode_deactivated"
)

// Severity grades an event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// AtLeast reports whether s meets the given floor. Unknown severities rank
// lowest.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Metadata carries optional per-event context.
type Metadata struct {
	Address    string  `json:"address,omitempty"`
	UserAgent  string  `json:"userAgent,omitempty"`
	Endpoint   string  `json:"endpoint,omitempty"`
	AttackType string  `json:"attackType,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Event is immutable once published.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Severity  Severity  `json:"severity"`
	Source    string    `json:"source"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  Metadata  `json:"metadata"`
}

// Handler consumes events off the bus. Handlers run on the bus goroutine;
// slow handlers delay later events but never the publishers.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(Event)

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }

// Bus is a bounded fan-out of security events.
type Bus struct {
	ch       chan Event
	handlers []Handler
	dropped  atomic.Int64

	mu      sync.RWMutex
	history []Event
	histCap int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBus creates a bus with the given channel buffer and history bound.
func NewBus(bufferSize, historySize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if historySize <= 0 {
		historySize = 1000
	}
	return &Bus{
		ch:      make(chan Event, bufferSize),
		history: make([]Event, 0, historySize),
		histCap: historySize,
		done:    make(chan struct{}),
	}
}

// Subscribe registers a handler. Must be called before Start.
func (b *Bus) Subscribe(h Handler) {
	b.handlers = append(b.handlers, h)
}

// Start launches the dispatch goroutine.
func (b *Bus) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case ev := <-b.ch:
				b.dispatch(ev)
			case <-b.done:
				// Drain whatever is already buffered before exiting.
				for {
					select {
					case ev := <-b.ch:
						b.dispatch(ev)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop shuts down dispatch after draining the buffer.
func (b *Bus) Stop() {
	close(b.done)
	b.wg.Wait()
}

// Publish enqueues an event without blocking. Missing ID and timestamp are
// filled in. When the buffer is full the event is dropped and counted; the
// request path never waits on alerting.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.record(ev)

	select {
	case b.ch <- ev:
	default:
		if n := b.dropped.Add(1); n%100 == 1 {
			log.Printf("event bus saturated, %d events dropped so far", n)
		}
	}
}

// History returns a copy of the most recent events, newest last.
func (b *Bus) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Dropped returns the count of events discarded due to a full buffer.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) record(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.history) >= b.histCap {
		copy(b.history, b.history[1:])
		b.history = b.history[:len(b.history)-1]
	}
	b.history = append(b.history, ev)
}

func (b *Bus) dispatch(ev Event) {
	for _, h := range b.handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("event handler panic: %v", r)
				}
			}()
			h.HandleEvent(ev)
		}()
	}
}
