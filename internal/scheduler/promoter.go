// Package scheduler promotes DETECTED risks by confidence on a timer.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"riskflow/internal/lifecycle"
	"riskflow/internal/logger"
	"riskflow/internal/metrics"
	"riskflow/internal/riskerr"
	"riskflow/internal/store"
	"riskflow/pkg/models"
)

// Rule names recorded as the transition reason of automated promotions.
const (
	ReasonAutoValidate = "auto-validate-high-confidence"
	ReasonAutoDraft    = "auto-draft-medium-confidence"
)

// Default confidence thresholds.
const (
	DefaultHighThreshold = 0.85
	DefaultLowThreshold  = 0.5
)

// Transitioner commits one state transition.
type Transitioner interface {
	Transition(ctx context.Context, req lifecycle.TransitionRequest) (*lifecycle.Result, error)
}

// Config holds the promotion thresholds and worker count.
type Config struct {
	HighThreshold float64
	LowThreshold  float64
	Workers       int
	PageSize      int
}

// ScanResult summarizes one pass over the DETECTED risks.
type ScanResult struct {
	Scanned   int           `json:"scanned"`
	Validated int           `json:"validated"`
	Drafted   int           `json:"drafted"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Promoter moves DETECTED risks to VALIDATED or DRAFT by confidence.
type Promoter struct {
	store store.Store
	tr    Transitioner
	cfg   Config
}

// NewPromoter creates a promoter. Zero thresholds take the defaults.
func NewPromoter(st store.Store, tr Transitioner, cfg Config) (*Promoter, error) {
	if cfg.HighThreshold == 0 {
		cfg.HighThreshold = DefaultHighThreshold
	}
	if cfg.LowThreshold == 0 {
		cfg.LowThreshold = DefaultLowThreshold
	}
	if cfg.LowThreshold < 0 || cfg.HighThreshold > 1 || cfg.LowThreshold > cfg.HighThreshold {
		return nil, riskerr.Invalid("thresholds", "need 0 <= low <= high <= 1, got low=%v high=%v", cfg.LowThreshold, cfg.HighThreshold)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PageSize <= 0 || cfg.PageSize > models.MaxQueryLimit {
		cfg.PageSize = models.MaxQueryLimit
	}
	return &Promoter{store: st, tr: tr, cfg: cfg}, nil
}

// Decide returns the target state and rule name for a DETECTED risk with the
// given confidence, or ok=false when it stays put.
func (p *Promoter) Decide(confidence float64) (models.DynamicState, string, bool) {
	switch {
	case confidence >= p.cfg.HighThreshold:
		return models.StateValidated, ReasonAutoValidate, true
	case confidence >= p.cfg.LowThreshold:
		return models.StateDraft, ReasonAutoDraft, true
	default:
		return "", "", false
	}
}

// ProcessDetectedThreats scans every DETECTED risk once. Per-risk failures
// are logged and counted; only a failure to list candidates is returned.
// A cancelled ctx stops the scan between items.
func (p *Promoter) ProcessDetectedThreats(ctx context.Context) (ScanResult, error) {
	started := time.Now()
	metrics.ScanRuns.Inc()
	defer func() { metrics.ScanDuration.Observe(time.Since(started).Seconds()) }()

	candidates, err := p.detected(ctx)
	if err != nil {
		return ScanResult{}, err
	}

	var (
		mu  sync.Mutex
		res = ScanResult{Scanned: len(candidates)}
	)
	count := func(outcome string) {
		mu.Lock()
		switch outcome {
		case "validated":
			res.Validated++
		case "drafted":
			res.Drafted++
		case "skipped":
			res.Skipped++
		default:
			res.Failed++
		}
		mu.Unlock()
		metrics.ScanOutcomes.WithLabelValues(outcome).Inc()
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, risk := range candidates {
		if ctx.Err() != nil {
			break
		}
		risk := risk
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			count(p.promote(ctx, risk))
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = time.Since(started)
	logger.Infof("Auto-promotion scan: scanned=%d validated=%d drafted=%d skipped=%d failed=%d in %s",
		res.Scanned, res.Validated, res.Drafted, res.Skipped, res.Failed, res.Duration)
	if err := ctx.Err(); err != nil {
		logger.Warnf("Auto-promotion scan interrupted: %v", err)
	}
	return res, nil
}

func (p *Promoter) promote(ctx context.Context, risk *models.DynamicRisk) string {
	target, rule, ok := p.Decide(risk.Confidence)
	if !ok {
		return "skipped"
	}
	_, err := p.tr.Transition(ctx, lifecycle.TransitionRequest{
		RiskID:        risk.ID,
		Target:        target,
		Reason:        rule,
		Automated:     true,
		ExpectedState: models.StateDetected,
	})
	switch {
	case err == nil:
		if target == models.StateValidated {
			return "validated"
		}
		return "drafted"
	case riskerr.IsConflict(err), riskerr.IsIllegalTransition(err), riskerr.IsNotFound(err):
		logger.Infof("Auto-promotion skipped risk %d (%s): %v", risk.ID, risk.RiskID, err)
		return "skipped"
	default:
		logger.Errorf("Auto-promotion failed for risk %d (%s): %v", risk.ID, risk.RiskID, err)
		return "failed"
	}
}

func (p *Promoter) detected(ctx context.Context) ([]*models.DynamicRisk, error) {
	var out []*models.DynamicRisk
	filter := models.RiskFilter{State: models.StateDetected, Limit: p.cfg.PageSize}
	for {
		page, err := p.store.Query(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("list detected risks: %w", err)
		}
		out = append(out, page...)
		if len(page) < filter.Limit {
			return out, nil
		}
		filter.BeforeID = page[len(page)-1].ID
	}
}
