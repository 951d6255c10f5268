package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"riskflow/internal/logger"
)

// DefaultSpec runs the scan hourly.
const DefaultSpec = "@every 1h"

// Scheduler runs the promoter on a cron schedule. A run that is still in
// progress when the next one fires causes that firing to be skipped.
type Scheduler struct {
	cron     *cron.Cron
	promoter *Promoter
	spec     string
	entry    cron.EntryID
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewScheduler registers the promoter under spec, a six-field cron
// expression or an @-descriptor.
func NewScheduler(p *Promoter, spec string) (*Scheduler, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSpec
	}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, promoter: p, spec: spec, ctx: ctx, cancel: cancel}
	id, err := c.AddFunc(spec, s.run)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("add promotion schedule %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

// Start begins firing the schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Infof("Auto-promotion scheduler started: spec=%s next=%s", s.spec, s.cron.Entry(s.entry).Next)
}

// Stop stops the schedule and waits for a running scan, bounded by ctx.
// When ctx expires first the running scan is cancelled between items.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.cancel()
		logger.Infof("Auto-promotion scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		logger.Warnf("Auto-promotion scheduler stop timed out")
		return ctx.Err()
	}
}

func (s *Scheduler) run() {
	if _, err := s.promoter.ProcessDetectedThreats(s.ctx); err != nil {
		logger.Errorf("Auto-promotion scan failed: %v", err)
	}
}
