package rules

import (
	"os"
	"path/filepath"
	"testing"

	"riskflow/pkg/models"
)

const c2Rule = `title: OTX command and control address
id: 6f3b6a50-0d8b-4a5f-9a59-2d0c0e6c0a11
status: experimental
level: high
logsource:
  product: threat_intel
detection:
  selection:
    indicator_type: ip
    source: otx
  condition: selection
tags:
  - attack.command_and_control
`

const phishingRule = `title: Phishing sender
id: phishing-sender
level: medium
logsource:
  product: threat_intel
detection:
  selection:
    indicator_type: email
  condition: selection
tags:
  - category.phishing
`

const windowsRule = `title: Not for TI
level: low
logsource:
  product: windows
  service: sysmon
detection:
  selection:
    EventID: 1
  condition: selection
`

func writeRule(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
		t.Fatalf("write rule: %v", err)
	}
}

func TestSigmaClassifierLoadsOnlyThreatIntelRules(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "a_c2.yml", c2Rule)
	writeRule(t, dir, "b_phishing.yaml", phishingRule)
	writeRule(t, dir, "c_windows.yml", windowsRule)
	writeRule(t, dir, "d_broken.yml", "title: [unterminated")
	writeRule(t, dir, "notes.txt", "ignored")

	c, stats, err := NewSigmaClassifier(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stats.TotalFiles != 4 {
		t.Fatalf("expected 4 yaml files, got %d", stats.TotalFiles)
	}
	if stats.Loaded != 2 || stats.SkippedDatasource != 1 || stats.SkippedInvalid != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 compiled rules, got %d", c.Len())
	}
}

func TestSigmaClassifierClassifiesMatchingRecord(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "a_c2.yml", c2Rule)
	writeRule(t, dir, "b_phishing.yml", phishingRule)

	c, _, err := NewSigmaClassifier(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	got, ok := c.Classify(&models.ThreatIntelligenceData{Source: "otx", IndicatorType: "ip", IndicatorValue: "1.2.3.4", Confidence: 0.9})
	if !ok {
		t.Fatalf("expected a match")
	}
	if got.Title != "OTX command and control address" || got.Severity != models.SeverityHigh {
		t.Fatalf("unexpected classification: %+v", got)
	}
	if got.Category != "Command And Control" {
		t.Fatalf("expected tactic-derived category, got %q", got.Category)
	}

	got, ok = c.Classify(&models.ThreatIntelligenceData{Source: "abuse", IndicatorType: "email", IndicatorValue: "ceo@evil.test"})
	if !ok || got.Category != "Phishing" || got.RuleID != "phishing-sender" {
		t.Fatalf("unexpected phishing classification: %+v ok=%t", got, ok)
	}

	if _, ok := c.Classify(&models.ThreatIntelligenceData{Source: "abuse", IndicatorType: "hash", IndicatorValue: "abc"}); ok {
		t.Fatalf("did not expect a match for hash indicator")
	}
}

func TestNoopClassifierNeverMatches(t *testing.T) {
	if _, ok := (NoopClassifier{}).Classify(&models.ThreatIntelligenceData{}); ok {
		t.Fatalf("noop classifier matched")
	}
}

func TestNewSigmaClassifierRejectsNonYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rule.txt")
	writeRule(t, filepath.Dir(path), "rule.txt", c2Rule)
	if _, _, err := NewSigmaClassifier(path); err == nil {
		t.Fatalf("expected error for non-yaml rule file")
	}
}
