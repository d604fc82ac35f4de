package guard

import (
	"log"
	"net/http"
	"time"

	"bastion/guard/events"
	"bastion/guard/metrics"
	"bastion/guard/mitigate"
	"bastion/guard/ratelimit"
	"bastion/guard/traffic"
)

type decision struct {
	allow  bool
	status int
	reason string
	write  func(http.ResponseWriter)
}

var allowDecision = decision{allow: true}

// Protect wraps next with the full protection pipeline: emergency mode,
// block list, allow list, layered rate limits, then recording and
// detection once the response is served.
//
// The pipeline fails open: any panic while deciding lets the request
// through. An outage of the protection layer must not become an outage of
// the service behind it.
func (e *Engine) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		addr := e.Proxies.ClientIP(r)
		metrics.RequestsTotal.WithLabelValues(r.Method, ratelimit.NormalizePath(r.URL.Path)).Inc()

		dec := e.decide(r, addr)
		metrics.DecisionDuration.Observe(time.Since(start).Seconds())

		if !dec.allow {
			metrics.RequestsDenied.WithLabelValues(dec.reason).Inc()
			dec.write(w)
			e.finish(addr, r, dec.status, time.Since(start))
			return
		}

		metrics.RequestsAllowed.Inc()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		e.finish(addr, r, sw.status, time.Since(start))
	})
}

// decide runs every check that can deny. Recovered panics turn into an
// allow with the error logged for the operator.
func (e *Engine) decide(r *http.Request, addr string) (dec decision) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("protection decision panic, failing open: %v", rec)
			dec = allowDecision
		}
	}()

	if e.Emergency.Active() && !e.Emergency.PermitPath(r.URL.Path) {
		retry := int64(e.Emergency.RetryAfterSeconds())
		return decision{
			status: http.StatusServiceUnavailable,
			reason: "emergency",
			write:  func(w http.ResponseWriter) { denyEmergency(w, retry) },
		}
	}

	if e.Mitigation.Allowed(addr) {
		return allowDecision
	}

	if e.Mitigation.DenyListed(addr) {
		rec := mitigate.BlockRecord{
			Address: addr,
			Reason:  "deny list",
			Level:   mitigate.ManualLevel,
			Until:   time.Now().Add(24 * time.Hour),
		}
		return decision{
			status: http.StatusForbidden,
			reason: "deny_list",
			write:  func(w http.ResponseWriter) { denyBlocked(w, rec) },
		}
	}

	if rec, blocked := e.Mitigation.Lookup(addr); blocked {
		return decision{
			status: http.StatusForbidden,
			reason: "blocked",
			write:  func(w http.ResponseWriter) { denyBlocked(w, rec) },
		}
	}

	res := e.Limiter.Check(r.Context(), ratelimit.Request{
		Address:   addr,
		Path:      r.URL.Path,
		UserID:    ratelimit.UserFromRequest(r, e.cfg.RateLimit.JWTSecret),
		Throttled: e.Mitigation.IsThrottled(addr),
	})
	if res.Degraded {
		metrics.StoreFailures.Inc()
	}
	if res.Penalty {
		return decision{
			status: http.StatusTooManyRequests,
			reason: "penalty",
			write:  func(w http.ResponseWriter) { denyPenalty(w, res) },
		}
	}
	if !res.Allowed {
		metrics.RateLimitExceeded.WithLabelValues(res.Rule).Inc()
		e.Bus.Publish(events.Event{
			Type:     events.RateLimitExceeded,
			Severity: events.SeverityLow,
			Source:   "ratelimit",
			Details:  "rate limit exceeded on " + res.Rule + " tier",
			Metadata: events.Metadata{Address: addr, Endpoint: r.URL.Path},
		})
		return decision{
			status: http.StatusTooManyRequests,
			reason: "rate_limit",
			write:  func(w http.ResponseWriter) { denyRateLimited(w, res) },
		}
	}

	return allowDecision
}

// finish records the completed request and feeds the advisory signals.
// Denied requests are recorded too; a blocked source hammering the door
// still counts as traffic.
func (e *Engine) finish(addr string, r *http.Request, status int, latency time.Duration) {
	sample := traffic.Sample{
		Address:     addr,
		Method:      r.Method,
		Path:        r.URL.Path,
		UserAgent:   r.UserAgent(),
		Referer:     r.Referer(),
		Country:     countryOf(r),
		Timestamp:   traffic.Now(),
		PayloadSize: r.ContentLength,
		StatusCode:  status,
		LatencyMs:   latency.Milliseconds(),
	}
	e.Recorder.Record(sample)
	e.Detector.CheckRequest(sample)
	e.Reputation.RecordOutcome(addr, status, sample.LatencyMs)
}

// countryOf reads the edge-provided geo header, if any.
func countryOf(r *http.Request) string {
	if c := r.Header.Get("CF-IPCountry"); c != "" {
		return c
	}
	return r.Header.Get("X-Country-Code")
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
