package models

import "time"

// SourceTypeDynamicTI marks risks created by the pipeline rather than authored by hand.
const SourceTypeDynamicTI = "Dynamic-TI"

// Probability and impact bounds.
const (
	MinRating = 1
	MaxRating = 5
)

// DynamicRisk is a risk register entry driven by TI ingestion.
type DynamicRisk struct {
	ID             int64        `json:"id"`
	RiskID         string       `json:"risk_id"`
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	Category       string       `json:"category"`
	Probability    int          `json:"probability"`
	Impact         int          `json:"impact"`
	RiskScore      int          `json:"risk_score"`
	SourceType     string       `json:"source_type"`
	Source         string       `json:"source"`
	IndicatorType  string       `json:"indicator_type"`
	IndicatorValue string       `json:"indicator_value"`
	DynamicState   DynamicState `json:"dynamic_state"`
	Confidence     float64      `json:"confidence"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Rescore recomputes RiskScore from probability and impact.
func (r *DynamicRisk) Rescore() {
	if r == nil {
		return
	}
	r.RiskScore = r.Probability * r.Impact
}

// Clone returns a copy safe to hand to callers.
func (r *DynamicRisk) Clone() *DynamicRisk {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// RatingInRange reports whether v is a valid probability or impact.
func RatingInRange(v int) bool {
	return v >= MinRating && v <= MaxRating
}

// RiskPatch is a partial update of the fields not governed by the state machine.
// DynamicState exists only so that attempts to set it can be rejected.
type RiskPatch struct {
	Title        *string       `json:"title,omitempty"`
	Description  *string       `json:"description,omitempty"`
	Category     *string       `json:"category,omitempty"`
	Probability  *int          `json:"probability,omitempty"`
	Impact       *int          `json:"impact,omitempty"`
	Confidence   *float64      `json:"confidence,omitempty"`
	DynamicState *DynamicState `json:"dynamic_state,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p RiskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Category == nil &&
		p.Probability == nil && p.Impact == nil && p.Confidence == nil && p.DynamicState == nil
}

// Apply copies the set fields onto r and rescores it.
func (p RiskPatch) Apply(r *DynamicRisk) {
	if p.Title != nil {
		r.Title = *p.Title
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Category != nil {
		r.Category = *p.Category
	}
	if p.Probability != nil {
		r.Probability = *p.Probability
	}
	if p.Impact != nil {
		r.Impact = *p.Impact
	}
	if p.Confidence != nil {
		r.Confidence = *p.Confidence
	}
	r.Rescore()
}
