package models

import "time"

// IngestOutcome reports what a TI record did to the risk register.
type IngestOutcome struct {
	Risk *DynamicRisk `json:"risk"`
	// Created is false when the record was folded into an existing risk.
	Created bool `json:"created"`
	// PreviousConfidence is the confidence before a revision.
	PreviousConfidence float64 `json:"previous_confidence,omitempty"`
}

// Sighting aggregates how often one indicator was reported by one source.
type Sighting struct {
	Source         string    `json:"source"`
	IndicatorType  string    `json:"indicator_type"`
	IndicatorValue string    `json:"indicator_value"`
	Count          int64     `json:"count"`
	FirstSeen      time.Time `json:"first_seen,omitempty"`
	LastSeen       time.Time `json:"last_seen,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}
