package guard

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"bastion/guard/mitigate"
	"bastion/guard/ratelimit"
)

// Deny response shapes. Field names are part of the external contract;
// clients parse them.

type blockedResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Reason        string `json:"reason"`
	Level         int    `json:"level"`
	TimeRemaining int64  `json:"timeRemaining"`
	RetryAfter    int64  `json:"retryAfter"`
	Timestamp     string `json:"timestamp"`
}

type rateLimitDetails struct {
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	ResetTime  string `json:"resetTime"`
	RetryAfter int64  `json:"retryAfter"`
	Rule       string `json:"rule"`
}

type rateLimitResponse struct {
	Error     string           `json:"error"`
	Message   string           `json:"message"`
	Details   rateLimitDetails `json:"details"`
	Timestamp string           `json:"timestamp"`
}

type penaltyResponse struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter"`
}

type emergencyResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	EmergencyMode bool   `json:"emergencyMode"`
	RetryAfter    int64  `json:"retryAfter"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func denyBlocked(w http.ResponseWriter, rec mitigate.BlockRecord) {
	remaining := int64(rec.Remaining(time.Now()).Seconds())
	if remaining < 1 {
		remaining = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(remaining, 10))
	writeJSON(w, http.StatusForbidden, blockedResponse{
		Error:         "Forbidden",
		Message:       "Your address is temporarily blocked",
		Reason:        rec.Reason,
		Level:         rec.Level,
		TimeRemaining: remaining,
		RetryAfter:    remaining,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

func denyRateLimited(w http.ResponseWriter, res ratelimit.Result) {
	retryAfter := int64(res.RetryAfter.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))
	writeJSON(w, http.StatusTooManyRequests, rateLimitResponse{
		Error:   "Too Many Requests",
		Message: "Rate limit exceeded",
		Details: rateLimitDetails{
			Limit:      res.Limit,
			Remaining:  res.Remaining,
			ResetTime:  res.ResetTime.UTC().Format(time.RFC3339),
			RetryAfter: retryAfter,
			Rule:       res.Rule,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func denyPenalty(w http.ResponseWriter, res ratelimit.Result) {
	retryAfter := int64(res.RetryAfter.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	writeJSON(w, http.StatusTooManyRequests, penaltyResponse{
		Error:      "Too many violations, extended penalty in effect",
		RetryAfter: retryAfter,
	})
}

func denyEmergency(w http.ResponseWriter, retryAfter int64) {
	if retryAfter < 1 {
		retryAfter = 60
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	writeJSON(w, http.StatusServiceUnavailable, emergencyResponse{
		Error:         "Service Unavailable",
		Message:       "Service is in emergency protection mode",
		EmergencyMode: true,
		RetryAfter:    retryAfter,
	})
}
