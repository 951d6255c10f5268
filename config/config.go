package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Riskflow RiskflowConfig `yaml:"riskflow"`
}

// RiskflowConfig is the project configuration.
type RiskflowConfig struct {
	Store     StoreConfig     `yaml:"store"`
	Input     InputConfig     `yaml:"input"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Rules     RulesConfig     `yaml:"rules"`
	Notify    NotifyConfig    `yaml:"notify"`
	Sightings SightingsConfig `yaml:"sightings"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig selects the risk store backend.
type StoreConfig struct {
	Mode     string         `yaml:"mode"` // bolt|postgres
	Bolt     BoltConfig     `yaml:"bolt"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// BoltConfig controls the embedded store.
type BoltConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
	NoSync  bool          `yaml:"no_sync"`
}

// PostgresConfig controls the SQL store.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// InputConfig controls the input reader.
type InputConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig controls Redis input.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// PipelineConfig controls ingest pipeline behavior.
type PipelineConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// SchedulerConfig controls periodic promotion of DETECTED risks.
type SchedulerConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Spec          string  `yaml:"spec"`
	HighThreshold float64 `yaml:"high_threshold"`
	LowThreshold  float64 `yaml:"low_threshold"`
	Workers       int     `yaml:"workers"`
	PageSize      int     `yaml:"page_size"`
}

// RulesConfig controls Sigma classification rules.
type RulesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// NotifyConfig controls the transition event sink.
type NotifyConfig struct {
	Enabled       bool                   `yaml:"enabled"`
	Mode          string                 `yaml:"mode"` // file|http|clickhouse|nats
	QueueSize     int                    `yaml:"queue_size"`
	BatchSize     int                    `yaml:"batch_size"`
	FlushInterval time.Duration          `yaml:"flush_interval"`
	File          FileOutputConfig       `yaml:"file"`
	HTTP          HTTPOutputConfig       `yaml:"http"`
	ClickHouse    ClickHouseOutputConfig `yaml:"clickhouse"`
	NATS          NATSOutputConfig       `yaml:"nats"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`

	// CreateTable issues CREATE TABLE IF NOT EXISTS at startup.
	CreateTable bool `yaml:"create_table"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`

	// Secret signs each delivery with HMAC-SHA256.
	Secret string `yaml:"secret"`
}

// NATSOutputConfig config for subject-per-state publishing.
type NATSOutputConfig struct {
	URL          string        `yaml:"url"`
	Subject      string        `yaml:"subject"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// SightingsConfig controls the Redis indicator sighting tracker.
type SightingsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig controls OpenTelemetry spans.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // stdout|none
	File        string  `yaml:"file"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"` // text|json
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file. Values from a .env file in
// the working directory and RISKFLOW_* variables override the file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	_ = godotenv.Load()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	rf := &c.Riskflow
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("RISKFLOW_STORE_MODE", &rf.Store.Mode)
	setString("RISKFLOW_BOLT_PATH", &rf.Store.Bolt.Path)
	setString("RISKFLOW_POSTGRES_DSN", &rf.Store.Postgres.DSN)
	setString("RISKFLOW_REDIS_ADDR", &rf.Input.Redis.Addr)
	setString("RISKFLOW_REDIS_PASSWORD", &rf.Input.Redis.Password)
	setString("RISKFLOW_REDIS_KEY", &rf.Input.Redis.Key)
	setString("RISKFLOW_NATS_URL", &rf.Notify.NATS.URL)
	setString("RISKFLOW_CLICKHOUSE_PASSWORD", &rf.Notify.ClickHouse.Password)
	setString("RISKFLOW_WEBHOOK_SECRET", &rf.Notify.HTTP.Secret)
	setString("RISKFLOW_SCHEDULE", &rf.Scheduler.Spec)
	setString("RISKFLOW_LOG_LEVEL", &rf.Logging.Level)

	if v := strings.TrimSpace(getenv("RISKFLOW_REDIS_DB")); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RISKFLOW_REDIS_DB: %w", err)
		}
		rf.Input.Redis.DB = db
	}
	return nil
}

// ApplyDefaults fills zero values with working defaults.
func ApplyDefaults(cfg *Config) {
	rf := &cfg.Riskflow

	if rf.Store.Mode == "" {
		rf.Store.Mode = "bolt"
	}
	if rf.Store.Bolt.Path == "" {
		rf.Store.Bolt.Path = "data/riskflow.db"
	}
	if rf.Store.Bolt.Timeout <= 0 {
		rf.Store.Bolt.Timeout = 5 * time.Second
	}
	if rf.Store.Postgres.MaxConns <= 0 {
		rf.Store.Postgres.MaxConns = 10
	}

	if rf.Input.Redis.Addr == "" {
		rf.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if rf.Input.Redis.Key == "" {
		rf.Input.Redis.Key = "riskflow:ti"
	}
	if rf.Input.Redis.BlockTimeout == 0 {
		rf.Input.Redis.BlockTimeout = 5 * time.Second
	}

	if rf.Pipeline.Workers <= 0 {
		rf.Pipeline.Workers = 4
	}
	if rf.Pipeline.BatchSize <= 0 {
		rf.Pipeline.BatchSize = 500
	}
	if rf.Pipeline.FlushInterval <= 0 {
		rf.Pipeline.FlushInterval = 2 * time.Second
	}

	if rf.Scheduler.Spec == "" {
		rf.Scheduler.Spec = "@every 1h"
	}
	if rf.Scheduler.HighThreshold == 0 {
		rf.Scheduler.HighThreshold = 0.85
	}
	if rf.Scheduler.LowThreshold == 0 {
		rf.Scheduler.LowThreshold = 0.5
	}
	if rf.Scheduler.Workers <= 0 {
		rf.Scheduler.Workers = 4
	}
	if rf.Scheduler.PageSize <= 0 {
		rf.Scheduler.PageSize = 500
	}

	if rf.Notify.Mode == "" {
		rf.Notify.Mode = "file"
	}
	if rf.Notify.QueueSize <= 0 {
		rf.Notify.QueueSize = 1024
	}
	if rf.Notify.BatchSize <= 0 {
		rf.Notify.BatchSize = 100
	}
	if rf.Notify.FlushInterval <= 0 {
		rf.Notify.FlushInterval = time.Second
	}
	if rf.Notify.File.Path == "" {
		rf.Notify.File.Path = "output/transitions.jsonl"
	}
	if rf.Notify.ClickHouse.Database == "" {
		rf.Notify.ClickHouse.Database = "riskflow"
	}
	if rf.Notify.ClickHouse.Table == "" {
		rf.Notify.ClickHouse.Table = "risk_transitions"
	}
	if rf.Notify.NATS.Subject == "" {
		rf.Notify.NATS.Subject = "riskflow.transitions"
	}
	if rf.Notify.NATS.FlushTimeout <= 0 {
		rf.Notify.NATS.FlushTimeout = 2 * time.Second
	}

	if rf.Sightings.KeyPrefix == "" {
		rf.Sightings.KeyPrefix = "riskflow:sightings"
	}

	if rf.Metrics.Addr == "" {
		rf.Metrics.Addr = ":9464"
	}

	if rf.Tracing.Exporter == "" {
		rf.Tracing.Exporter = "stdout"
	}
	if rf.Tracing.SampleRatio == 0 {
		rf.Tracing.SampleRatio = 1
	}

	if rf.Logging.Level == "" {
		rf.Logging.Level = "info"
	}
	if rf.Logging.Format == "" {
		rf.Logging.Format = "text"
	}
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	rf := c.Riskflow
	var errs []error

	switch rf.Store.Mode {
	case "bolt":
		if strings.TrimSpace(rf.Store.Bolt.Path) == "" {
			errs = append(errs, errors.New("store.bolt.path is empty"))
		}
	case "postgres":
		if strings.TrimSpace(rf.Store.Postgres.DSN) == "" {
			errs = append(errs, errors.New("store.postgres.dsn is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store mode: %q", rf.Store.Mode))
	}

	high, low := rf.Scheduler.HighThreshold, rf.Scheduler.LowThreshold
	if low < 0 || high > 1 || low > high {
		errs = append(errs, fmt.Errorf("scheduler thresholds must satisfy 0 <= low (%g) <= high (%g) <= 1", low, high))
	}

	if rf.Rules.Enabled && strings.TrimSpace(rf.Rules.Path) == "" {
		errs = append(errs, errors.New("rules enabled but rules.path is empty"))
	}

	if rf.Notify.Enabled {
		switch rf.Notify.Mode {
		case "file":
		case "http":
			if rf.Notify.HTTP.URL == "" {
				errs = append(errs, errors.New("notify.http.url is empty"))
			}
		case "clickhouse":
			if rf.Notify.ClickHouse.URL == "" {
				errs = append(errs, errors.New("notify.clickhouse.url is empty"))
			}
		case "nats":
			if rf.Notify.NATS.URL == "" {
				errs = append(errs, errors.New("notify.nats.url is empty"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown notify mode: %q", rf.Notify.Mode))
		}
	}

	if rf.Tracing.Enabled {
		switch rf.Tracing.Exporter {
		case "stdout", "none":
		default:
			errs = append(errs, fmt.Errorf("unknown tracing exporter: %q", rf.Tracing.Exporter))
		}
		if rf.Tracing.SampleRatio < 0 || rf.Tracing.SampleRatio > 1 {
			errs = append(errs, fmt.Errorf("tracing.sample_ratio %g outside [0,1]", rf.Tracing.SampleRatio))
		}
	}

	return errors.Join(errs...)
}
