package rules

import "riskflow/pkg/models"

// Classification is what a rule contributes to a new risk. Empty fields fall
// back to the defaults derived from the TI record.
type Classification struct {
	RuleID   string
	Title    string
	Category string
	Severity string
	Tags     []string
}

// Classifier maps TI records onto risk taxonomy.
type Classifier interface {
	Classify(rec *models.ThreatIntelligenceData) (Classification, bool)
}

// NoopClassifier never matches.
type NoopClassifier struct{}

// Classify reports no match.
func (NoopClassifier) Classify(*models.ThreatIntelligenceData) (Classification, bool) {
	return Classification{}, false
}
