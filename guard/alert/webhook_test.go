package alert

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/guard/events"
)

func TestWebhookDeliversEvent(t *testing.T) {
	var mu sync.Mutex
	var received []events.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ev events.Event
		require.NoError(t, json.Unmarshal(body, &ev))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URLs: []string{srv.URL}, MinSeverity: events.SeverityLow})
	n.HandleEvent(events.Event{ID: "ev-1", Type: events.AttackDetected, Severity: events.SeverityHigh})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0].ID == "ev-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebhookSeverityFloor(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URLs: []string{srv.URL}, MinSeverity: events.SeverityHigh})
	n.HandleEvent(events.Event{ID: "ev-low", Severity: events.SeverityLow})
	n.HandleEvent(events.Event{ID: "ev-med", Severity: events.SeverityMedium})
	n.HandleEvent(events.Event{ID: "ev-high", Severity: events.SeverityHigh})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hits == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebhookFloodCap(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{
		URLs:         []string{srv.URL},
		MinSeverity:  events.SeverityLow,
		MaxPerSecond: 2,
	})
	for i := 0; i < 50; i++ {
		n.HandleEvent(events.Event{Severity: events.SeverityCritical})
	}

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, hits, 4, "a burst of events must not flood the alert endpoint")
}

func TestWebhookNoURLsIsNoop(t *testing.T) {
	n := NewWebhookNotifier(WebhookConfig{})
	// Must not panic or block.
	n.HandleEvent(events.Event{Severity: events.SeverityCritical})
}

func TestEventLogWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "security.log")

	l := NewEventLog(path)
	l.HandleEvent(events.Event{ID: "ev-1", Type: events.IPBlocked, Severity: events.SeverityMedium})
	l.HandleEvent(events.Event{ID: "ev-2", Type: events.IPUnblocked, Severity: events.SeverityLow})
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	dec := json.NewDecoder(bytes.NewReader(data))
	var first, second events.Event
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	assert.Equal(t, "ev-1", first.ID)
	assert.Equal(t, events.IPUnblocked, second.Type)
}
