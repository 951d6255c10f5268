package models

import "time"

// Indicator types accepted from feeds.
const (
	IndicatorIP        = "ip"
	IndicatorDomain    = "domain"
	IndicatorURL       = "url"
	IndicatorHash      = "hash"
	IndicatorEmail     = "email"
	IndicatorBehavior  = "behavior"
	IndicatorTechnique = "technique"
	IndicatorCVE       = "cve"
)

// Severity hints a feed may attach.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// ThreatIntelligenceData is one observed indicator as delivered by a feed.
// It is input only and never persisted as-is.
type ThreatIntelligenceData struct {
	Source         string    `json:"source" validate:"required,max=128"`
	IndicatorType  string    `json:"indicator_type" validate:"required,oneof=ip domain url hash email behavior technique cve"`
	IndicatorValue string    `json:"indicator_value" validate:"required,max=2048"`
	Confidence     float64   `json:"confidence" validate:"gte=0,lte=1"`
	SeverityHint   string    `json:"severity_hint,omitempty" validate:"omitempty,oneof=low medium high critical"`
	ObservedAt     time.Time `json:"observed_at,omitempty"`
	Description    string    `json:"description,omitempty" validate:"max=4096"`
	Tags           []string  `json:"tags,omitempty" validate:"max=32,dive,max=64"`
}
