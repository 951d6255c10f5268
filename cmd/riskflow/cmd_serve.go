package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	inputredis "riskflow/internal/input/redis"
	"riskflow/internal/logger"
	"riskflow/internal/pipeline"
	"riskflow/internal/scheduler"
	"riskflow/internal/service"
	"riskflow/internal/sightings"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the feed pipeline, the promotion scheduler and the transition notifier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	rf := a.cfg.Riskflow
	logger.Infof("riskflow starting")
	logger.Infof("Config loaded from: %s", a.configPath)

	var (
		notifier  *pipeline.Notifier
		publisher service.Publisher
	)
	if rf.Notify.Enabled {
		writer, err := a.newTransitionWriter()
		if err != nil {
			return err
		}
		notifier = pipeline.NewNotifier(writer, rf.Notify.QueueSize, rf.Notify.BatchSize, rf.Notify.FlushInterval)
		publisher = notifier
	}

	svc, st, err := a.openService(ctx, publisher)
	if err != nil {
		if notifier != nil {
			notifier.Close()
		}
		return err
	}
	defer st.Close()

	// The notifier outlives the producers so queued events are flushed last.
	notifyCtx, notifyCancel := context.WithCancel(context.Background())
	defer notifyCancel()
	var notifyDone sync.WaitGroup
	if notifier != nil {
		notifyDone.Add(1)
		go func() {
			defer notifyDone.Done()
			if err := notifier.Run(notifyCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("Notifier error: %v", err)
			}
		}()
	}

	var metricsSrv *http.Server
	if rf.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              rf.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("Metrics server error: %v", err)
			}
		}()
		logger.Infof("Metrics listening on %s/metrics", rf.Metrics.Addr)
	}

	var sched *scheduler.Scheduler
	if rf.Scheduler.Enabled {
		sched, err = scheduler.NewScheduler(svc.Promoter(), rf.Scheduler.Spec)
		if err != nil {
			return err
		}
		sched.Start()
	}

	var (
		pipe     *pipeline.TIPipeline
		pipeDone sync.WaitGroup
	)
	if rf.Pipeline.Enabled {
		pipe, err = a.newTIPipeline(svc)
		if err != nil {
			if sched != nil {
				sched.Stop(context.Background())
			}
			return err
		}
		pipeDone.Add(1)
		go func() {
			defer pipeDone.Done()
			if err := pipe.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("Pipeline error: %v", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Infof("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	pipeDone.Wait()
	if pipe != nil {
		if err := pipe.Close(); err != nil {
			logger.Errorf("Error closing pipeline: %v", err)
		}
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Errorf("Error stopping scheduler: %v", err)
		}
	}
	if notifier != nil {
		notifyCancel()
		notifyDone.Wait()
		if err := notifier.Close(); err != nil {
			logger.Errorf("Error closing notifier: %v", err)
		}
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Error stopping metrics server: %v", err)
		}
	}

	logger.Infof("riskflow stopped")
	return nil
}

func (a *app) newTIPipeline(svc *service.Service) (*pipeline.TIPipeline, error) {
	rf := a.cfg.Riskflow
	consumer, err := inputredis.NewConsumer(inputredis.Config{
		Addr:         rf.Input.Redis.Addr,
		Password:     rf.Input.Redis.Password,
		DB:           rf.Input.Redis.DB,
		Key:          rf.Input.Redis.Key,
		BlockTimeout: rf.Input.Redis.BlockTimeout,
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("Feed queue: redis %s key=%s", rf.Input.Redis.Addr, rf.Input.Redis.Key)

	var sw pipeline.SightingWriter
	if rf.Sightings.Enabled {
		tracker, err := a.newSightingStore()
		if err != nil {
			consumer.Close()
			return nil, err
		}
		sw = tracker
		logger.Infof("Sighting tracker enabled (prefix %s)", rf.Sightings.KeyPrefix)
	}

	return pipeline.NewTIPipeline(
		consumer,
		svc,
		sw,
		rf.Pipeline.Workers,
		rf.Pipeline.BatchSize,
		rf.Pipeline.FlushInterval,
	), nil
}

func (a *app) newSightingStore() (*sightings.RedisStore, error) {
	rf := a.cfg.Riskflow
	return sightings.NewRedisStore(sightings.RedisConfig{
		Addr:      rf.Input.Redis.Addr,
		Password:  rf.Input.Redis.Password,
		DB:        rf.Input.Redis.DB,
		KeyPrefix: rf.Sightings.KeyPrefix,
	})
}
