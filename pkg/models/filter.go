package models

// MaxQueryLimit caps every risk query.
const MaxQueryLimit = 500

// RiskFilter selects dynamic risks. Zero values disable a filter.
type RiskFilter struct {
	State          DynamicState `json:"state,omitempty"`
	Source         string       `json:"source,omitempty"`
	IndicatorType  string       `json:"indicator_type,omitempty"`
	IndicatorValue string       `json:"indicator_value,omitempty"`
	MinConfidence  *float64     `json:"min_confidence,omitempty"`
	// BeforeID restricts results to risks created before the given id, for paging.
	BeforeID int64 `json:"before_id,omitempty"`
	Limit    int   `json:"limit,omitempty"`
}

// EffectiveLimit clamps Limit into (0, MaxQueryLimit].
func (f RiskFilter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return f.Limit
}

// Matches reports whether r passes every set filter except Limit.
func (f RiskFilter) Matches(r *DynamicRisk) bool {
	if r == nil {
		return false
	}
	if f.State != "" && r.DynamicState != f.State {
		return false
	}
	if f.Source != "" && r.Source != f.Source {
		return false
	}
	if f.IndicatorType != "" && r.IndicatorType != f.IndicatorType {
		return false
	}
	if f.IndicatorValue != "" && r.IndicatorValue != f.IndicatorValue {
		return false
	}
	if f.MinConfidence != nil && r.Confidence < *f.MinConfidence {
		return false
	}
	if f.BeforeID > 0 && r.ID >= f.BeforeID {
		return false
	}
	return true
}
