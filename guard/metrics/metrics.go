package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_requests_total",
			Help: "Total number of HTTP requests seen by the protection layer",
		},
		[]string{"method", "path"},
	)

	RequestsDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_requests_denied_total",
			Help: "Total number of requests denied, by reason",
		},
		[]string{"reason"},
	)

	RequestsAllowed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_requests_allowed_total",
			Help: "Total number of requests allowed through",
		},
	)

	DecisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bastion_decision_duration_seconds",
			Help:    "Time spent in the protection decision per request",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)

	// Detection metrics
	AttacksDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_attacks_detected_total",
			Help: "Total number of attack signatures raised, by type",
		},
		[]string{"type"},
	)

	// Rate limiting metrics
	RateLimitExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_rate_limit_exceeded_total",
			Help: "Total number of requests exceeding rate limits, by tier",
		},
		[]string{"rule"},
	)

	StoreFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_counter_store_failures_total",
			Help: "Total number of counter store calls that failed open",
		},
	)

	// Mitigation metrics
	BlockedAddresses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_blocked_addresses",
			Help: "Number of currently blocked addresses",
		},
	)

	SuspiciousAddresses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_suspicious_addresses",
			Help: "Number of addresses below the reputation threshold",
		},
	)

	// Emergency mode metrics
	EmergencyActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_emergency_active",
			Help: "1 while emergency mode is active, 0 otherwise",
		},
	)

	// Event bus metrics
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_events_dropped_total",
			Help: "Total number of security events dropped on a full bus",
		},
	)

	// Configuration reload metrics
	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_config_reloads_total",
			Help: "Total number of configuration reloads, by outcome",
		},
		[]string{"outcome"},
	)
)
