package detect

import (
	"time"

	"bastion/guard/events"
)

// Attack type names. Each can be toggled off in config.
const (
	TypeVolumetric       = "volumetric"
	TypeBotnet           = "botnet"
	TypeSlowloris        = "slowloris"
	TypeApplicationLayer = "application_layer"
	TypeAutomated        = "automated"
	TypeGeographic       = "geographic_anomaly"
)

// AttackSignature is the detector's advisory finding. Enforcement is the
// mitigation controller's job.
type AttackSignature struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Severity   string    `json:"severity"`
	Confidence float64   `json:"confidence"`
	Sources    []string  `json:"sources"`
	Indicators []string  `json:"indicators"`
	DetectedAt time.Time `json:"detectedAt"`
}

// Scorer turns a set of indicators into a confidence in [0,1]. It is a
// seam for swapping the scoring strategy without touching detection.
type Scorer interface {
	Score(attackType string, indicators []string) float64
}

// HeuristicScorer is the default: a base confidence plus a fixed bump per
// corroborating indicator, capped below certainty. Deterministic, so the
// same evidence always scores the same.
type HeuristicScorer struct{}

// Score implements Scorer.
func (HeuristicScorer) Score(_ string, indicators []string) float64 {
	c := 0.5 + 0.1*float64(len(indicators))
	if c > 0.95 {
		c = 0.95
	}
	return c
}

// severityFor maps confidence to severity the same way everywhere.
func severityFor(confidence float64) events.Severity {
	switch {
	case confidence >= 0.9:
		return events.SeverityCritical
	case confidence >= 0.7:
		return events.SeverityHigh
	case confidence >= 0.5:
		return events.SeverityMedium
	default:
		return events.SeverityLow
	}
}
