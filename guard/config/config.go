package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full engine configuration tree. Every knob the engine
// exposes lives here; components receive their section at construction and
// never read files themselves.
type Config struct {
	Server     Server     `toml:"server"`
	Thresholds Thresholds `toml:"thresholds"`
	Recorder   Recorder   `toml:"recorder"`
	Detector   Detector   `toml:"detector"`
	RateLimit  RateLimit  `toml:"ratelimit"`
	Mitigation Mitigation `toml:"mitigation"`
	Emergency  Emergency  `toml:"emergency"`
	Events     Events     `toml:"events"`
	Logging    Logging    `toml:"logging"`
}

// Server holds listener and proxy-trust settings.
type Server struct {
	Addr           string   `toml:"addr"`
	TrustedProxies []string `toml:"trusted_proxies"`
}

// Thresholds are the inline per-request breach checks. A breach raises an
// attack signature immediately, outside the periodic sweep.
type Thresholds struct {
	GlobalRPS        int   `toml:"global_rps"`
	PerSourceRPS     int   `toml:"per_source_rps"`
	UniqueSourcesMin int   `toml:"unique_sources_per_minute"`
	MaxPayloadBytes  int64 `toml:"max_payload_bytes"`
	MaxDurationMs    int64 `toml:"max_duration_ms"`
}

// Recorder bounds the traffic sample window.
type Recorder struct {
	Capacity int `toml:"capacity"`
}

// Detector configures the periodic pattern sweep.
type Detector struct {
	Interval        Duration `toml:"interval"`
	Window          Duration `toml:"window"`
	MinSamples      int      `toml:"min_samples"`
	UAEntropyBits   float64  `toml:"ua_entropy_bits"`
	UAMinSamples    int      `toml:"ua_min_samples"`
	PathEntropyBits float64  `toml:"path_entropy_bits"`
	PathMinSamples  int      `toml:"path_min_samples"`
	GeoShare        float64  `toml:"geo_concentration_share"`
	GeoMinSamples   int      `toml:"geo_min_samples"`
	EnabledTypes    []string `toml:"enabled_types"`
}

// Rule is a fixed-window rate budget.
type Rule struct {
	WindowMs    int64 `toml:"window_ms"`
	MaxRequests int   `toml:"max_requests"`
}

// RateLimit configures the multi-tier limiter.
type RateLimit struct {
	Global        Rule     `toml:"global"`
	PerEndpoint   Rule     `toml:"per_endpoint"`
	PerUser       Rule     `toml:"per_user"`
	Critical      Rule     `toml:"critical"`
	CriticalPaths []string `toml:"critical_paths"`
	JWTSecret     string   `toml:"jwt_secret"`

	// Adaptive throttling under process load.
	CPUThreshold    float64 `toml:"cpu_threshold"`
	MemoryThreshold float64 `toml:"memory_threshold"`
	ThrottleFactor  float64 `toml:"throttle_factor"`

	// Repeated-violation penalty.
	ViolationLimit  int      `toml:"violation_limit"`
	ViolationWindow Duration `toml:"violation_window"`
	PenaltyDuration Duration `toml:"penalty_duration"`

	// Shared counter store. Empty RedisAddr keeps counters in-process.
	RedisAddr    string   `toml:"redis_addr"`
	RedisDB      int      `toml:"redis_db"`
	StoreTimeout Duration `toml:"store_timeout"`
}

// EscalationTier maps a cumulative attack count to an action.
type EscalationTier struct {
	Threshold int      `toml:"threshold"`
	Action    string   `toml:"action"` // "throttle" or "block"
	Duration  Duration `toml:"duration"`
	Level     int      `toml:"level"`
}

// Mitigation configures blocking behavior.
type Mitigation struct {
	BlockDuration    Duration                 `toml:"block_duration"`
	SeverityDuration map[string]time.Duration `toml:"-"`
	EscalationWindow Duration                 `toml:"escalation_window"`
	Ladder           []EscalationTier         `toml:"ladder"`
	AllowList        []string                 `toml:"allow_list"`
	DenyList         []string                 `toml:"deny_list"`
}

// Emergency configures the service-wide degraded mode.
type Emergency struct {
	AttacksPerMinute  int      `toml:"attacks_per_minute"`
	BlockedThreshold  int      `toml:"blocked_threshold"`
	Action            string   `toml:"action"` // throttle | lockdown | maintenance
	Cooldown          Duration `toml:"cooldown"`
	CriticalEndpoints []string `toml:"critical_endpoints"`
}

// Events configures the security event bus and alert delivery.
type Events struct {
	BufferSize  int      `toml:"buffer_size"`
	HistorySize int      `toml:"history_size"`
	LogPath     string   `toml:"log_path"`
	WebhookURLs []string `toml:"webhook_urls"`
	MinSeverity string   `toml:"min_severity"`
}

// Logging configures general log rotation.
type Logging struct {
	Filename   string `toml:"filename"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Duration wraps time.Duration for TOML ("90s", "15m") decoding.
type Duration struct {
	time.Duration
}

// UnmarshalText implements toml decoding for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when no file is given. Values
// mirror production defaults and every one can be overridden in TOML.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr: ":8080",
		},
		Thresholds: Thresholds{
			GlobalRPS:        2000,
			PerSourceRPS:     20,
			UniqueSourcesMin: 500,
			MaxPayloadBytes:  10 << 20,
			MaxDurationMs:    30_000,
		},
		Recorder: Recorder{Capacity: 10_000},
		Detector: Detector{
			Interval:        Duration{60 * time.Second},
			Window:          Duration{5 * time.Minute},
			MinSamples:      20,
			UAEntropyBits:   2.0,
			UAMinSamples:    100,
			PathEntropyBits: 1.5,
			PathMinSamples:  50,
			GeoShare:        0.9,
			GeoMinSamples:   100,
			EnabledTypes:    []string{"volumetric", "botnet", "slowloris", "application_layer", "automated", "geographic_anomaly"},
		},
		RateLimit: RateLimit{
			Global:          Rule{WindowMs: 1000, MaxRequests: 2000},
			PerEndpoint:     Rule{WindowMs: 60_000, MaxRequests: 300},
			PerUser:         Rule{WindowMs: 60_000, MaxRequests: 120},
			Critical:        Rule{WindowMs: 60_000, MaxRequests: 10},
			CriticalPaths:   []string{"/api/withdraw", "/api/transfer", "/api/keys"},
			CPUThreshold:    0.85,
			MemoryThreshold: 0.90,
			ThrottleFactor:  4,
			ViolationLimit:  10,
			ViolationWindow: Duration{24 * time.Hour},
			PenaltyDuration: Duration{1 * time.Hour},
			StoreTimeout:    Duration{250 * time.Millisecond},
		},
		Mitigation: Mitigation{
			BlockDuration: Duration{5 * time.Minute},
			SeverityDuration: map[string]time.Duration{
				"low":      2 * time.Minute,
				"medium":   5 * time.Minute,
				"high":     30 * time.Minute,
				"critical": 2 * time.Hour,
			},
			EscalationWindow: Duration{10 * time.Minute},
			Ladder: []EscalationTier{
				{Threshold: 3, Action: "throttle", Duration: Duration{0}, Level: 1},
				{Threshold: 5, Action: "block", Duration: Duration{5 * time.Minute}, Level: 2},
				{Threshold: 8, Action: "block", Duration: Duration{1 * time.Hour}, Level: 3},
			},
			AllowList: []string{"127.0.0.1/32", "::1/128"},
		},
		Emergency: Emergency{
			AttacksPerMinute:  10,
			BlockedThreshold:  100,
			Action:            "throttle",
			Cooldown:          Duration{15 * time.Minute},
			CriticalEndpoints: []string{"/health", "/api/status"},
		},
		Events: Events{
			BufferSize:  1024,
			HistorySize: 1000,
			LogPath:     "./logs/security.log",
			MinSeverity: "medium",
		},
		Logging: Logging{
			Filename:   "./logs/bastion.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// Load reads a TOML file over the defaults. A missing path returns the
// defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validEmergencyActions = map[string]bool{
	"throttle":    true,
	"lockdown":    true,
	"maintenance": true,
}

// Validate rejects configurations that would otherwise fail at request
// time. Called once at startup; the engine never validates per request.
func (c *Config) Validate() error {
	for _, rule := range []struct {
		name string
		r    Rule
	}{
		{"ratelimit.global", c.RateLimit.Global},
		{"ratelimit.per_endpoint", c.RateLimit.PerEndpoint},
		{"ratelimit.per_user", c.RateLimit.PerUser},
		{"ratelimit.critical", c.RateLimit.Critical},
	} {
		if rule.r.WindowMs <= 0 {
			return fmt.Errorf("%s: window_ms must be positive, got %d", rule.name, rule.r.WindowMs)
		}
		if rule.r.MaxRequests <= 0 {
			return fmt.Errorf("%s: max_requests must be positive, got %d", rule.name, rule.r.MaxRequests)
		}
	}

	if c.RateLimit.ThrottleFactor < 1 {
		return fmt.Errorf("ratelimit.throttle_factor must be >= 1, got %v", c.RateLimit.ThrottleFactor)
	}

	for _, list := range [][]string{c.Mitigation.AllowList, c.Mitigation.DenyList, c.Server.TrustedProxies} {
		for _, entry := range list {
			if err := validateAddrOrCIDR(entry); err != nil {
				return err
			}
		}
	}

	if !validEmergencyActions[c.Emergency.Action] {
		return fmt.Errorf("emergency.action must be one of throttle/lockdown/maintenance, got %q", c.Emergency.Action)
	}

	if c.Recorder.Capacity <= 0 {
		return fmt.Errorf("recorder.capacity must be positive, got %d", c.Recorder.Capacity)
	}

	if c.Detector.Interval.Duration <= 0 {
		return fmt.Errorf("detector.interval must be positive")
	}

	prev := 0
	for i, tier := range c.Mitigation.Ladder {
		if tier.Threshold <= prev {
			return fmt.Errorf("mitigation.ladder[%d]: thresholds must be strictly increasing", i)
		}
		if tier.Action != "throttle" && tier.Action != "block" {
			return fmt.Errorf("mitigation.ladder[%d]: action must be throttle or block, got %q", i, tier.Action)
		}
		prev = tier.Threshold
	}

	return nil
}

func validateAddrOrCIDR(entry string) error {
	if strings.Contains(entry, "/") {
		if _, _, err := net.ParseCIDR(entry); err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		return nil
	}
	if net.ParseIP(entry) == nil {
		return fmt.Errorf("invalid address %q", entry)
	}
	return nil
}
