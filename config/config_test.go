package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "riskflow.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigParsesSections(t *testing.T) {
	path := writeConfig(t, `
riskflow:
  store:
    mode: postgres
    postgres:
      dsn: postgres://localhost/riskflow
      max_conns: 4
  input:
    redis:
      addr: redis:6379
      key: feed
      block_timeout: 2s
  scheduler:
    enabled: true
    spec: "@every 10m"
    high_threshold: 0.9
    low_threshold: 0.4
  notify:
    enabled: true
    mode: nats
    nats:
      url: nats://localhost:4222
  logging:
    level: debug
    format: json
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rf := cfg.Riskflow
	if rf.Store.Mode != "postgres" || rf.Store.Postgres.DSN != "postgres://localhost/riskflow" || rf.Store.Postgres.MaxConns != 4 {
		t.Fatalf("unexpected store config: %+v", rf.Store)
	}
	if rf.Input.Redis.Addr != "redis:6379" || rf.Input.Redis.BlockTimeout != 2*time.Second {
		t.Fatalf("unexpected redis config: %+v", rf.Input.Redis)
	}
	if !rf.Scheduler.Enabled || rf.Scheduler.HighThreshold != 0.9 || rf.Scheduler.LowThreshold != 0.4 {
		t.Fatalf("unexpected scheduler config: %+v", rf.Scheduler)
	}
	if rf.Notify.Mode != "nats" || rf.Notify.NATS.URL != "nats://localhost:4222" {
		t.Fatalf("unexpected notify config: %+v", rf.Notify)
	}
	if rf.Logging.Format != "json" {
		t.Fatalf("logging format = %q", rf.Logging.Format)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	ApplyDefaults(&cfg)
	rf := cfg.Riskflow
	if rf.Store.Mode != "bolt" || rf.Store.Bolt.Path == "" {
		t.Fatalf("store defaults: %+v", rf.Store)
	}
	if rf.Scheduler.HighThreshold != 0.85 || rf.Scheduler.LowThreshold != 0.5 || rf.Scheduler.Spec != "@every 1h" {
		t.Fatalf("scheduler defaults: %+v", rf.Scheduler)
	}
	if rf.Notify.ClickHouse.Table != "risk_transitions" || rf.Notify.NATS.Subject != "riskflow.transitions" {
		t.Fatalf("notify defaults: %+v", rf.Notify)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RiskflowConfig)
		want   string
	}{
		{"store mode", func(rf *RiskflowConfig) { rf.Store.Mode = "sqlite" }, "unknown store mode"},
		{"postgres dsn", func(rf *RiskflowConfig) { rf.Store.Mode = "postgres" }, "store.postgres.dsn"},
		{"inverted thresholds", func(rf *RiskflowConfig) { rf.Scheduler.LowThreshold = 0.9; rf.Scheduler.HighThreshold = 0.6 }, "thresholds"},
		{"threshold above one", func(rf *RiskflowConfig) { rf.Scheduler.HighThreshold = 1.5 }, "thresholds"},
		{"rules path", func(rf *RiskflowConfig) { rf.Rules.Enabled = true }, "rules.path"},
		{"notify mode", func(rf *RiskflowConfig) { rf.Notify.Enabled = true; rf.Notify.Mode = "kafka" }, "unknown notify mode"},
		{"http url", func(rf *RiskflowConfig) { rf.Notify.Enabled = true; rf.Notify.Mode = "http" }, "notify.http.url"},
		{"tracing exporter", func(rf *RiskflowConfig) { rf.Tracing.Enabled = true; rf.Tracing.Exporter = "jaeger" }, "tracing exporter"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			ApplyDefaults(&cfg)
			tc.mutate(&cfg.Riskflow)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"RISKFLOW_POSTGRES_DSN":   "postgres://env/riskflow",
		"RISKFLOW_REDIS_PASSWORD": "secret",
		"RISKFLOW_REDIS_DB":       "3",
		"RISKFLOW_NATS_URL":       "nats://env:4222",
		"RISKFLOW_WEBHOOK_SECRET": "hook",
	}
	var cfg Config
	cfg.Riskflow.Input.Redis.Password = "from-file"
	if err := cfg.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	rf := cfg.Riskflow
	if rf.Store.Postgres.DSN != "postgres://env/riskflow" || rf.Input.Redis.Password != "secret" || rf.Input.Redis.DB != 3 || rf.Notify.NATS.URL != "nats://env:4222" {
		t.Fatalf("env overrides not applied: %+v", rf)
	}
	if rf.Notify.HTTP.Secret != "hook" {
		t.Fatalf("expected webhook secret from env, got %q", rf.Notify.HTTP.Secret)
	}

	env["RISKFLOW_REDIS_DB"] = "three"
	if err := cfg.applyEnv(func(k string) string { return env[k] }); err == nil {
		t.Fatalf("expected error for non-numeric redis db")
	}
}
