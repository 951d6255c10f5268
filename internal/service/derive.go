package service

import (
	"fmt"
	"math"

	"riskflow/internal/rules"
	"riskflow/pkg/models"
)

// Risk categories assigned when no rule supplies one.
const (
	CategoryNetwork       = "Network"
	CategoryMalware       = "Malware"
	CategoryPhishing      = "Phishing"
	CategoryThreatActor   = "Threat Actor Activity"
	CategoryVulnerability = "Vulnerability"
	CategoryThreatIntel   = "Threat Intelligence"
)

var indicatorLabels = map[string]string{
	models.IndicatorIP:        "IP",
	models.IndicatorDomain:    "Domain",
	models.IndicatorURL:       "URL",
	models.IndicatorHash:      "Hash",
	models.IndicatorEmail:     "Email",
	models.IndicatorBehavior:  "Behavior",
	models.IndicatorTechnique: "Technique",
	models.IndicatorCVE:       "CVE",
}

var indicatorCategories = map[string]string{
	models.IndicatorIP:        CategoryNetwork,
	models.IndicatorDomain:    CategoryNetwork,
	models.IndicatorURL:       CategoryNetwork,
	models.IndicatorHash:      CategoryMalware,
	models.IndicatorEmail:     CategoryPhishing,
	models.IndicatorBehavior:  CategoryThreatActor,
	models.IndicatorTechnique: CategoryThreatActor,
	models.IndicatorCVE:       CategoryVulnerability,
}

var severityImpact = map[string]int{
	models.SeverityLow:      2,
	models.SeverityMedium:   3,
	models.SeverityHigh:     4,
	models.SeverityCritical: 5,
}

// DeriveRisk builds the unsaved risk for a validated TI record. A matched
// classification overrides title, category and severity.
func DeriveRisk(rec *models.ThreatIntelligenceData, cls rules.Classification, matched bool) *models.DynamicRisk {
	title := DefaultTitle(rec)
	category := indicatorCategories[rec.IndicatorType]
	if category == "" {
		category = CategoryThreatIntel
	}
	severity := rec.SeverityHint
	if matched {
		if cls.Title != "" {
			title = cls.Title
		}
		if cls.Category != "" {
			category = cls.Category
		}
		if cls.Severity != "" {
			severity = cls.Severity
		}
	}

	return &models.DynamicRisk{
		Title:          title,
		Description:    rec.Description,
		Category:       category,
		Probability:    ProbabilityFor(rec.Confidence),
		Impact:         ImpactFor(severity),
		Source:         rec.Source,
		IndicatorType:  rec.IndicatorType,
		IndicatorValue: rec.IndicatorValue,
		Confidence:     rec.Confidence,
	}
}

// DefaultTitle names a risk after its indicator and source.
func DefaultTitle(rec *models.ThreatIntelligenceData) string {
	label := indicatorLabels[rec.IndicatorType]
	if label == "" {
		label = "Unclassified"
	}
	return fmt.Sprintf("%s indicator %s reported by %s", label, rec.IndicatorValue, rec.Source)
}

// ProbabilityFor maps confidence in [0,1] onto the 1-5 scale.
func ProbabilityFor(confidence float64) int {
	p := int(math.Ceil(confidence * models.MaxRating))
	if p < models.MinRating {
		return models.MinRating
	}
	if p > models.MaxRating {
		return models.MaxRating
	}
	return p
}

// ImpactFor maps a severity hint onto the 1-5 scale, 3 when unknown.
func ImpactFor(severity string) int {
	if v, ok := severityImpact[severity]; ok {
		return v
	}
	return 3
}
