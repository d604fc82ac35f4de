// Package alert contains the delivery side of the security event bus: a
// webhook notifier for the external alerting collaborator and a JSON event
// log for operators.
package alert

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"bastion/guard/events"
)

// WebhookConfig configures outbound alert delivery.
type WebhookConfig struct {
	URLs        []string
	MinSeverity events.Severity
	Timeout     time.Duration
	MaxRetries  int
	// MaxPerSecond caps outbound deliveries so an attack can't amplify
	// into a webhook flood at the alerting collaborator.
	MaxPerSecond float64
}

// WebhookNotifier posts security events as JSON to configured endpoints.
// It implements events.Handler.
type WebhookNotifier struct {
	config  WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookNotifier builds a notifier. Zero-value fields get defaults.
func NewWebhookNotifier(config WebhookConfig) *WebhookNotifier {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 2
	}
	if config.MinSeverity == "" {
		config.MinSeverity = events.SeverityMedium
	}
	if config.MaxPerSecond == 0 {
		config.MaxPerSecond = 5
	}

	return &WebhookNotifier{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.MaxPerSecond), int(config.MaxPerSecond)+1),
	}
}

// HandleEvent delivers one event to every configured URL. Events below the
// severity floor or over the delivery budget are skipped.
func (n *WebhookNotifier) HandleEvent(ev events.Event) {
	if len(n.config.URLs) == 0 {
		return
	}
	if !ev.Severity.AtLeast(n.config.MinSeverity) {
		return
	}
	if !n.limiter.Allow() {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("alert: marshal event %s: %v", ev.ID, err)
		return
	}

	for _, url := range n.config.URLs {
		go n.deliver(url, payload)
	}
}

func (n *WebhookNotifier) deliver(url string, payload []byte) {
	for attempt := 0; attempt <= n.config.MaxRetries; attempt++ {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			log.Printf("alert: build request for %s: %v", url, err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Bastion/1.0")

		resp, err := n.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return
			}
		}

		if attempt < n.config.MaxRetries {
			time.Sleep(time.Duration(attempt+1) * time.Second)
			continue
		}
		if err != nil {
			log.Printf("alert: delivery to %s failed after %d attempts: %v", url, attempt+1, err)
		} else {
			log.Printf("alert: delivery to %s failed after %d attempts: status %d", url, attempt+1, resp.StatusCode)
		}
	}
}
