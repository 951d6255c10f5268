package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"riskflow/internal/audit"
	"riskflow/internal/lifecycle"
	"riskflow/internal/scheduler"
	"riskflow/pkg/models"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
riskflow:
  store:
    mode: bolt
    bolt:
      path: %s
  logging:
    enabled: false
`, filepath.Join(dir, "riskflow.db"))
	path := filepath.Join(dir, "riskflow.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, cfgPath, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, cfgPath, stdin string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, cfgPath, stdin, args...)
	if err != nil {
		t.Fatalf("riskflow %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func decode[T any](t *testing.T, raw string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return v
}

func TestCLILifecycle(t *testing.T) {
	cfg := writeTestConfig(t)

	high := decode[models.DynamicRisk](t, mustRun(t, cfg,
		`{"source":"otx","indicator_type":"ip","indicator_value":"203.0.113.7","confidence":0.9}`, "create"))
	low := decode[models.DynamicRisk](t, mustRun(t, cfg,
		`{"source":"abuse.ch","indicator_type":"domain","indicator_value":"bad.example","confidence":0.3}`, "create", "-"))
	if high.DynamicState != models.StateDetected || low.DynamicState != models.StateDetected {
		t.Fatalf("new risks must start DETECTED: %s %s", high.DynamicState, low.DynamicState)
	}

	scan := decode[scheduler.ScanResult](t, mustRun(t, cfg, "", "scan"))
	if scan.Scanned != 2 || scan.Validated != 1 || scan.Drafted != 0 {
		t.Fatalf("unexpected scan result: %+v", scan)
	}

	res := decode[lifecycle.Result](t, mustRun(t, cfg, "", "transition", fmt.Sprint(high.ID), "active", "--actor", "7", "--reason", "approved"))
	if res.Risk.DynamicState != models.StateActive || res.Record.ActorID == nil || *res.Record.ActorID != 7 {
		t.Fatalf("unexpected transition result: %+v %+v", res.Risk, res.Record)
	}

	if _, err := runCLI(t, cfg, "", "transition", fmt.Sprint(high.ID), "retired", "--automated", "--expected", "VALIDATED"); err == nil {
		t.Fatalf("expected conflict when the observed state is stale")
	}
	if _, err := runCLI(t, cfg, "", "transition", fmt.Sprint(low.ID), "active", "--actor", "7"); err == nil {
		t.Fatalf("expected DETECTED -> ACTIVE to be rejected")
	}

	history := decode[[]models.DynamicRiskStateRecord](t, mustRun(t, cfg, "", "history", high.RiskID))
	if len(history) != 3 || history[0].CurrentState != models.StateActive || history[2].PreviousState != "" {
		t.Fatalf("unexpected history: %+v", history)
	}

	report := decode[audit.Report](t, mustRun(t, cfg, "", "verify", fmt.Sprint(high.ID)))
	if !report.Valid || report.Records != 3 {
		t.Fatalf("unexpected verify report: %+v", report)
	}

	stats := decode[models.PipelineStats](t, mustRun(t, cfg, "", "stats"))
	if stats.Total != 2 || stats.Counts[models.StateActive] != 1 || stats.Counts[models.StateDetected] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	listed := decode[[]models.DynamicRisk](t, mustRun(t, cfg, "", "list", "--state", "detected"))
	if len(listed) != 1 || listed[0].ID != low.ID {
		t.Fatalf("unexpected list: %+v", listed)
	}
	listed = decode[[]models.DynamicRisk](t, mustRun(t, cfg, "", "list", "--min-confidence", "0.5"))
	if len(listed) != 1 || listed[0].ID != high.ID {
		t.Fatalf("unexpected confidence filter result: %+v", listed)
	}

	updated := decode[models.DynamicRisk](t, mustRun(t, cfg, "", "update", low.RiskID, "--title", "Parked domain", "--impact", "4"))
	if updated.Title != "Parked domain" || updated.Impact != 4 || updated.RiskScore != updated.Probability*4 {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	shown := decode[models.DynamicRisk](t, mustRun(t, cfg, "", "show", low.RiskID))
	if shown.ID != low.ID || shown.Title != "Parked domain" {
		t.Fatalf("unexpected show result: %+v", shown)
	}
}

func TestCLICreateFoldRaisesConfidence(t *testing.T) {
	cfg := writeTestConfig(t)
	first := decode[models.IngestOutcome](t, mustRun(t, cfg,
		`{"source":"otx","indicator_type":"hash","indicator_value":"44d88612fea8a8f36de82e1278abb02f","confidence":0.4}`, "create", "--fold"))
	second := decode[models.IngestOutcome](t, mustRun(t, cfg,
		`{"source":"otx","indicator_type":"hash","indicator_value":"44d88612fea8a8f36de82e1278abb02f","confidence":0.8}`, "create", "--fold"))
	if !first.Created || second.Created {
		t.Fatalf("second record should fold into the first: %+v %+v", first, second)
	}
	if second.Risk.ID != first.Risk.ID || second.Risk.Confidence != 0.8 {
		t.Fatalf("confidence not raised: %+v", second.Risk)
	}
}

func TestCLIRejectsBadInput(t *testing.T) {
	cfg := writeTestConfig(t)
	if _, err := runCLI(t, cfg, `{"source":"otx","indicator_type":"ip","indicator_value":"1.2.3.4","confidence":0.5,"extra":1}`, "create"); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
	if _, err := runCLI(t, cfg, "", "show", "RISK-missing"); err == nil {
		t.Fatalf("expected unknown reference to fail")
	}
	if _, err := runCLI(t, cfg, "", "list", "--state", "pending"); err == nil {
		t.Fatalf("expected unknown state to be rejected")
	}
	if _, err := runCLI(t, filepath.Join(t.TempDir(), "missing.yml"), "", "stats"); err == nil {
		t.Fatalf("expected missing config to fail")
	}
}

func TestFindConfigFilePrefersArgument(t *testing.T) {
	if got := findConfigFile("custom.yml"); got != "custom.yml" {
		t.Fatalf("findConfigFile = %q", got)
	}
}
