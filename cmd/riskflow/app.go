package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"riskflow/config"
	"riskflow/internal/logger"
	"riskflow/internal/output/transitionclickhouse"
	"riskflow/internal/output/transitionhttp"
	"riskflow/internal/output/transitionjson"
	"riskflow/internal/output/transitionnats"
	"riskflow/internal/pipeline"
	"riskflow/internal/rules"
	"riskflow/internal/scheduler"
	"riskflow/internal/service"
	"riskflow/internal/store"
	"riskflow/internal/store/bolt"
	"riskflow/internal/store/postgres"
	"riskflow/internal/tracing"
)

const defaultConfigName = "riskflow.yml"

// app carries what every subcommand needs once the config is loaded.
type app struct {
	configArg  string
	configPath string
	cfg        *config.Config
	shutdown   tracing.Shutdown
}

func findConfigFile(configArg string) string {
	if configArg != "" {
		return configArg
	}
	if v := strings.TrimSpace(os.Getenv("RISKFLOW_CONFIG")); v != "" {
		return v
	}

	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}

	exePath, err := os.Executable()
	if err == nil {
		path := filepath.Join(filepath.Dir(exePath), defaultConfigName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return defaultConfigName
}

func (a *app) load() error {
	a.configPath = findConfigFile(a.configArg)
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config %s: %w", a.configPath, err)
	}
	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", a.configPath, err)
	}
	a.cfg = cfg

	lc := cfg.Riskflow.Logging
	if err := logger.Init(logger.Config{
		Enabled: lc.Enabled,
		Level:   lc.Level,
		Format:  lc.Format,
		File:    lc.File,
		Console: lc.Console,
		Service: "riskflow",
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	tc := cfg.Riskflow.Tracing
	shutdown, err := tracing.Init(tracing.Config{
		Enabled:     tc.Enabled,
		Exporter:    tc.Exporter,
		File:        tc.File,
		ServiceName: "riskflow",
		SampleRatio: tc.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.shutdown = shutdown
	logger.Debugf("Config loaded from: %s", a.configPath)
	return nil
}

func (a *app) close() {
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdown(ctx); err != nil {
			logger.Errorf("Failed to flush traces: %v", err)
		}
	}
	logger.Close()
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	sc := a.cfg.Riskflow.Store
	switch sc.Mode {
	case "bolt":
		st, err := bolt.Open(bolt.Config{
			Path:    sc.Bolt.Path,
			Timeout: sc.Bolt.Timeout,
			NoSync:  sc.Bolt.NoSync,
		})
		if err != nil {
			return nil, err
		}
		logger.Infof("Store mode: bolt (%s)", sc.Bolt.Path)
		return st, nil
	case "postgres":
		st, err := postgres.Open(ctx, postgres.Config{
			DSN:      sc.Postgres.DSN,
			MaxConns: sc.Postgres.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		logger.Infof("Store mode: postgres")
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store mode: %s", sc.Mode)
	}
}

func (a *app) loadClassifier() (rules.Classifier, error) {
	rc := a.cfg.Riskflow.Rules
	if !rc.Enabled {
		return rules.NoopClassifier{}, nil
	}
	classifier, stats, err := rules.NewSigmaClassifier(rc.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load Sigma rules from %s: %w", rc.Path, err)
	}
	logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_datasource=%d skipped_invalid=%d files=%d",
		stats.Loaded,
		stats.SkippedComplex,
		stats.SkippedDatasource,
		stats.SkippedInvalid,
		stats.TotalFiles,
	)
	if stats.Loaded == 0 {
		logger.Warnf("No compatible Sigma rules loaded; risks use default titles and categories")
	}
	return classifier, nil
}

// openService opens the store and builds the facade over it. publisher may
// be nil. The caller closes the returned store.
func (a *app) openService(ctx context.Context, publisher service.Publisher) (*service.Service, store.Store, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	classifier, err := a.loadClassifier()
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	sc := a.cfg.Riskflow.Scheduler
	svc, err := service.New(st, service.Options{
		Classifier: classifier,
		Publisher:  publisher,
		Promotion: scheduler.Config{
			HighThreshold: sc.HighThreshold,
			LowThreshold:  sc.LowThreshold,
			Workers:       sc.Workers,
			PageSize:      sc.PageSize,
		},
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return svc, st, nil
}

func (a *app) newTransitionWriter() (pipeline.TransitionWriter, error) {
	nc := a.cfg.Riskflow.Notify
	switch nc.Mode {
	case "file":
		w, err := transitionjson.NewWriter(nc.File.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create transition file writer: %w", err)
		}
		logger.Infof("Notify mode: file (%s)", nc.File.Path)
		return w, nil
	case "http":
		w, err := transitionhttp.NewWriter(transitionhttp.Config{
			URL:     nc.HTTP.URL,
			Timeout: nc.HTTP.Timeout,
			Headers: nc.HTTP.Headers,
			Secret:  nc.HTTP.Secret,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create transition HTTP writer: %w", err)
		}
		logger.Infof("Notify mode: http (%s)", nc.HTTP.URL)
		return w, nil
	case "clickhouse":
		w, err := transitionclickhouse.NewWriter(transitionclickhouse.Config{
			URL:      nc.ClickHouse.URL,
			Database: nc.ClickHouse.Database,
			Table:    nc.ClickHouse.Table,
			Username: nc.ClickHouse.Username,
			Password: nc.ClickHouse.Password,
			Timeout:  nc.ClickHouse.Timeout,
			Headers:  nc.ClickHouse.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create transition ClickHouse writer: %w", err)
		}
		if nc.ClickHouse.CreateTable {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := w.EnsureTable(ctx)
			cancel()
			if err != nil {
				w.Close()
				return nil, err
			}
		}
		logger.Infof("Notify mode: clickhouse (%s/%s.%s)", nc.ClickHouse.URL, nc.ClickHouse.Database, nc.ClickHouse.Table)
		return w, nil
	case "nats":
		w, err := transitionnats.NewWriter(transitionnats.Config{
			URL:          nc.NATS.URL,
			Subject:      nc.NATS.Subject,
			FlushTimeout: nc.NATS.FlushTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create transition NATS writer: %w", err)
		}
		logger.Infof("Notify mode: nats (%s, subject %s.*)", nc.NATS.URL, nc.NATS.Subject)
		return w, nil
	default:
		return nil, fmt.Errorf("unknown notify mode: %s", nc.Mode)
	}
}

// withService runs fn against a facade without a notifier, for one-shot
// commands.
func (a *app) withService(cmd *cobra.Command, fn func(ctx context.Context, svc *service.Service) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, st, err := a.openService(ctx, nil)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, svc)
}

// resolveRiskID accepts a surrogate id or a RISK-... reference.
func resolveRiskID(ctx context.Context, svc *service.Service, arg string) (int64, error) {
	arg = strings.TrimSpace(arg)
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return id, nil
	}
	risk, err := svc.GetDynamicRiskByRef(ctx, arg)
	if err != nil {
		return 0, err
	}
	return risk.ID, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
