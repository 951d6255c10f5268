package rules

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"riskflow/pkg/models"
)

// LogsourceProduct is the Sigma logsource product that classification rules target.
const LogsourceProduct = "threat_intel"

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles        int
	Loaded            int
	SkippedComplex    int
	SkippedDatasource int
	SkippedInvalid    int
}

type compiledSigmaRule struct {
	eval  *sigmaevaluator.RuleEvaluator
	label Classification
}

// SigmaClassifier evaluates Sigma rules against TI records. The first
// matching rule, in file path order, wins.
type SigmaClassifier struct {
	rules []compiledSigmaRule
	ctx   context.Context
}

var _ Classifier = (*SigmaClassifier)(nil)

// NewSigmaClassifier loads Sigma rules from a file or directory. Rules for
// other logsources, and rules needing more than one record to match, are
// skipped and counted in stats.
func NewSigmaClassifier(path string) (*SigmaClassifier, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	files, err := ruleFiles(path)
	if err != nil {
		return nil, stats, err
	}

	stats.TotalFiles = len(files)
	compiled := make([]compiledSigmaRule, 0, len(files))
	for _, ruleFile := range files {
		rule, err := parseSigmaRuleFile(ruleFile)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		if !isThreatIntelRule(rule) {
			stats.SkippedDatasource++
			continue
		}
		if !isSingleRecordRule(rule) {
			stats.SkippedComplex++
			continue
		}
		compiled = append(compiled, compiledSigmaRule{
			eval:  sigmaevaluator.ForRule(rule),
			label: classificationFromRule(rule),
		})
		stats.Loaded++
	}

	return &SigmaClassifier{rules: compiled, ctx: context.Background()}, stats, nil
}

// Classify returns the label of the first rule matching rec.
func (c *SigmaClassifier) Classify(rec *models.ThreatIntelligenceData) (Classification, bool) {
	if c == nil || rec == nil || len(c.rules) == 0 {
		return Classification{}, false
	}
	event := sigmaEventFrom(rec)
	for _, rule := range c.rules {
		res, err := rule.eval.Matches(c.ctx, event)
		if err != nil {
			continue
		}
		if res.Match {
			return rule.label, true
		}
	}
	return Classification{}, false
}

// Len returns the number of compiled rules.
func (c *SigmaClassifier) Len() int {
	if c == nil {
		return 0
	}
	return len(c.rules)
}

func ruleFiles(path string) ([]string, error) {
	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve rule path: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat rule path: %w", err)
	}
	if !info.IsDir() {
		if !isYAMLFile(resolved) {
			return nil, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		return []string{resolved}, nil
	}

	var files []string
	err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !entry.IsDir() && isYAMLFile(filePath) {
			files = append(files, filePath)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk rule directory: %w", err)
	}
	return files, nil
}

func parseSigmaRuleFile(path string) (sigma.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("read sigma rule %s: %w", path, err)
	}
	rule, err := sigma.ParseRule(raw)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("parse sigma rule %s: %w", path, err)
	}
	return rule, nil
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

func isThreatIntelRule(rule sigma.Rule) bool {
	product := strings.ToLower(strings.TrimSpace(rule.Logsource.Product))
	return product == "" || product == LogsourceProduct
}

func isSingleRecordRule(rule sigma.Rule) bool {
	if rule.Detection.Timeframe > 0 {
		return false
	}
	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false
		}
	}
	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 || len(search.EventMatchers) == 0 {
			return false
		}
	}
	return true
}

func sigmaEventFrom(rec *models.ThreatIntelligenceData) map[string]interface{} {
	event := map[string]interface{}{
		"source":          rec.Source,
		"indicator_type":  rec.IndicatorType,
		"indicator_value": rec.IndicatorValue,
		"confidence":      strconv.FormatFloat(rec.Confidence, 'f', -1, 64),
	}
	if rec.SeverityHint != "" {
		event["severity_hint"] = rec.SeverityHint
	}
	if rec.Description != "" {
		event["description"] = rec.Description
	}
	if len(rec.Tags) > 0 {
		event["tags"] = strings.Join(rec.Tags, ",")
	}
	return event
}

func classificationFromRule(rule sigma.Rule) Classification {
	id := strings.TrimSpace(rule.ID)
	if id == "" {
		id = strings.TrimSpace(rule.Title)
	}
	category, tactic := parseCategoryTags(rule.Tags)
	if category == "" && tactic != "" {
		category = humanize(tactic)
	}
	return Classification{
		RuleID:   id,
		Title:    strings.TrimSpace(rule.Title),
		Category: category,
		Severity: severityFromLevel(rule.Level),
		Tags:     rule.Tags,
	}
}

// parseCategoryTags reads an explicit "category.<name>" tag and the first
// ATT&CK tactic tag.
func parseCategoryTags(tags []string) (string, string) {
	var category, tactic string
	for _, raw := range tags {
		tag := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case category == "" && strings.HasPrefix(tag, "category."):
			category = humanize(strings.TrimPrefix(tag, "category."))
		case tactic == "" && strings.HasPrefix(tag, "attack."):
			suffix := strings.TrimPrefix(tag, "attack.")
			if suffix != "" && !(suffix[0] == 't' && len(suffix) > 1 && suffix[1] >= '0' && suffix[1] <= '9') {
				tactic = suffix
			}
		}
	}
	return category, tactic
}

func severityFromLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "critical":
		return models.SeverityCritical
	case "high":
		return models.SeverityHigh
	case "medium":
		return models.SeverityMedium
	case "low", "informational":
		return models.SeverityLow
	default:
		return ""
	}
}

func humanize(slug string) string {
	words := strings.FieldsFunc(slug, func(r rune) bool { return r == '_' || r == '-' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
