// Package service is the single entry point to the dynamic risk pipeline.
// Every operation here delegates to the store, state machine, audit writer,
// promoter and stats aggregator it was constructed with.
package service

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"riskflow/internal/audit"
	"riskflow/internal/lifecycle"
	"riskflow/internal/logger"
	"riskflow/internal/metrics"
	"riskflow/internal/riskerr"
	"riskflow/internal/rules"
	"riskflow/internal/scheduler"
	"riskflow/internal/stats"
	"riskflow/internal/store"
	"riskflow/internal/tracing"
	"riskflow/internal/transform/ti"
	"riskflow/pkg/models"
)

// Publisher receives committed transition events. Publish must not block.
type Publisher interface {
	Publish(ev *models.TransitionEvent)
}

// Options carries the optional collaborators of a Service.
type Options struct {
	Classifier rules.Classifier
	Publisher  Publisher
	Promotion  scheduler.Config
}

const ingestStripes = 64

// Service is the pipeline facade.
type Service struct {
	store      store.Store
	audit      *audit.Writer
	machine    *lifecycle.Machine
	promoter   *scheduler.Promoter
	stats      *stats.Aggregator
	classifier rules.Classifier
	publisher  Publisher
	tracer     trace.Tracer
	now        func() time.Time

	// ingestLocks serialize re-detection lookups per indicator.
	ingestLocks [ingestStripes]sync.Mutex
}

var _ scheduler.Transitioner = (*Service)(nil)

// New wires a Service over st.
func New(st store.Store, opts Options) (*Service, error) {
	if st == nil {
		return nil, riskerr.Invalid("store", "is required")
	}
	s := &Service{
		store:      st,
		audit:      audit.NewWriter(st, lifecycle.CanTransition),
		stats:      stats.NewAggregator(st),
		classifier: opts.Classifier,
		publisher:  opts.Publisher,
		tracer:     tracing.Tracer(),
		now:        time.Now,
	}
	if s.classifier == nil {
		s.classifier = rules.NoopClassifier{}
	}
	s.machine = lifecycle.NewMachine(st, s.audit)
	promoter, err := scheduler.NewPromoter(st, s, opts.Promotion)
	if err != nil {
		return nil, err
	}
	s.promoter = promoter
	return s, nil
}

// Promoter exposes the auto-promotion job for scheduling.
func (s *Service) Promoter() *scheduler.Promoter {
	return s.promoter
}

// CreateDynamicRisk validates rec and stores a new risk in DETECTED together
// with its initial audit record. It always creates.
func (s *Service) CreateDynamicRisk(ctx context.Context, rec *models.ThreatIntelligenceData) (*models.DynamicRisk, error) {
	ctx, span := s.tracer.Start(ctx, "riskflow.create_dynamic_risk")
	defer span.End()

	in, err := s.checkTI(rec)
	if err != nil {
		return nil, fail(span, err)
	}
	risk, err := s.create(ctx, in)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int64("risk.id", risk.ID), attribute.String("risk.ref", risk.RiskID))
	return risk, nil
}

// IngestThreatIntel folds rec into the register. A non-retired risk with
// the same source and indicator has its confidence raised to the larger of
// both values; otherwise a new risk is created.
func (s *Service) IngestThreatIntel(ctx context.Context, rec *models.ThreatIntelligenceData) (*models.IngestOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "riskflow.ingest_threat_intel")
	defer span.End()

	in, err := s.checkTI(rec)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(
		attribute.String("ti.source", in.Source),
		attribute.String("ti.indicator_type", in.IndicatorType),
	)

	mu := s.ingestLock(in)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.findOpen(ctx, in)
	if err != nil {
		return nil, fail(span, err)
	}
	if existing == nil {
		risk, err := s.create(ctx, in)
		if err != nil {
			return nil, fail(span, err)
		}
		span.SetAttributes(attribute.Bool("ingest.created", true), attribute.Int64("risk.id", risk.ID))
		return &models.IngestOutcome{Risk: risk, Created: true}, nil
	}

	out := &models.IngestOutcome{Risk: existing, PreviousConfidence: existing.Confidence}
	span.SetAttributes(attribute.Bool("ingest.created", false), attribute.Int64("risk.id", existing.ID))
	if in.Confidence <= existing.Confidence {
		return out, nil
	}

	confidence := in.Confidence
	patch := models.RiskPatch{Confidence: &confidence}
	if p := ProbabilityFor(confidence); p > existing.Probability {
		patch.Probability = &p
	}
	updated, err := s.store.Update(ctx, existing.ID, patch, s.now().UTC())
	if err != nil {
		return nil, fail(span, err)
	}
	metrics.ConfidenceRevisions.Inc()
	logger.Infof("Risk %d (%s) confidence revised %.2f -> %.2f by %s", updated.ID, updated.RiskID, existing.Confidence, updated.Confidence, in.Source)
	out.Risk = updated
	return out, nil
}

// GetDynamicRisks returns risks matching filter, newest first.
func (s *Service) GetDynamicRisks(ctx context.Context, filter models.RiskFilter) ([]*models.DynamicRisk, error) {
	ctx, span := s.tracer.Start(ctx, "riskflow.get_dynamic_risks")
	defer span.End()

	if filter.State != "" {
		state, ok := models.ParseState(string(filter.State))
		if !ok {
			return nil, fail(span, riskerr.Invalid("state", "unrecognized state %q", filter.State))
		}
		filter.State = state
	}
	if filter.MinConfidence != nil && (*filter.MinConfidence < 0 || *filter.MinConfidence > 1) {
		return nil, fail(span, riskerr.Invalid("min_confidence", "must be within [0,1]"))
	}
	if filter.Limit < 0 {
		return nil, fail(span, riskerr.Invalid("limit", "must not be negative"))
	}
	risks, err := s.store.Query(ctx, filter)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("risk.count", len(risks)))
	return risks, nil
}

// GetDynamicRisk loads one risk by id.
func (s *Service) GetDynamicRisk(ctx context.Context, id int64) (*models.DynamicRisk, error) {
	ctx, span := s.tracer.Start(ctx, "riskflow.get_dynamic_risk", trace.WithAttributes(attribute.Int64("risk.id", id)))
	defer span.End()

	risk, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fail(span, err)
	}
	return risk, nil
}

// GetDynamicRiskByRef loads one risk by its RISK-... identifier.
func (s *Service) GetDynamicRiskByRef(ctx context.Context, ref string) (*models.DynamicRisk, error) {
	ctx, span := s.tracer.Start(ctx, "riskflow.get_dynamic_risk_by_ref", trace.WithAttributes(attribute.String("risk.ref", ref)))
	defer span.End()

	risk, err := s.store.GetByRiskID(ctx, ref)
	if err != nil {
		return nil, fail(span, err)
	}
	return risk, nil
}

// UpdateDynamicRisk patches the fields outside the state machine.
func (s *Service) UpdateDynamicRisk(ctx context.Context, id int64, patch models.RiskPatch) (*models.DynamicRisk, error) {
	ctx, span := s.tracer.Start(ctx, "riskflow.update_dynamic_risk", trace.WithAttributes(attribute.Int64("risk.id", id)))
	defer span.End()

	if patch.Empty() {
		return s.store.Get(ctx, id)
	}
	risk, err := s.store.Update(ctx, id, patch, s.now().UTC())
	if err != nil {
		return nil, fail(span, err)
	}
	return risk, nil
}

// TransitionRiskState commits one state change and its audit record, then
// publishes the transition event.
func (s *Service) TransitionRiskState(ctx context.Context, req lifecycle.TransitionRequest) (*lifecycle.Result, error) {
	ctx, span := s.tracer.Start(ctx, "riskflow.transition_risk_state", trace.WithAttributes(
		attribute.Int64("risk.id", req.RiskID),
		attribute.String("risk.target_state", string(req.Target)),
		attribute.Bool("transition.automated", req.Automated),
	))
	defer span.End()

	res, err := s.machine.Transition(ctx, req)
	if err != nil {
		return nil, fail(span, err)
	}
	s.publish(res.Risk, res.Record)
	return res, nil
}

// Transition lets the promoter route through the facade.
func (s *Service) Transition(ctx context.Context, req lifecycle.TransitionRequest) (*lifecycle.Result, error) {
	return s.TransitionRiskState(ctx, req)
}

// GetRiskPipelineStats returns per-state counts.
func (s *Service) GetRiskPipelineStats(ctx context.Context) (models.PipelineStats, error) {
	ctx, span := s.tracer.Start(ctx, "riskflow.get_risk_pipeline_stats")
	defer span.End()

	st, err := s.stats.PipelineStats(ctx)
	if err != nil {
		return st, fail(span, err)
	}
	span.SetAttributes(attribute.Int("risk.total", st.Total))
	return st, nil
}

// ProcessDetectedThreats runs one auto-promotion pass.
func (s *Service) ProcessDetectedThreats(ctx context.Context) (scheduler.ScanResult, error) {
	ctx, span := s.tracer.Start(ctx, "riskflow.process_detected_threats")
	defer span.End()

	res, err := s.promoter.ProcessDetectedThreats(ctx)
	if err != nil {
		return res, fail(span, err)
	}
	span.SetAttributes(
		attribute.Int("scan.scanned", res.Scanned),
		attribute.Int("scan.validated", res.Validated),
		attribute.Int("scan.drafted", res.Drafted),
		attribute.Int("scan.failed", res.Failed),
	)
	return res, nil
}

// History returns the audit records of a risk, newest first.
func (s *Service) History(ctx context.Context, id int64) ([]*models.DynamicRiskStateRecord, error) {
	ctx, span := s.tracer.Start(ctx, "riskflow.history", trace.WithAttributes(attribute.Int64("risk.id", id)))
	defer span.End()

	records, err := s.audit.History(ctx, id)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("audit.records", len(records)))
	return records, nil
}

// VerifyHistory checks the hash chain and transition path of a risk.
func (s *Service) VerifyHistory(ctx context.Context, id int64) (audit.Report, error) {
	ctx, span := s.tracer.Start(ctx, "riskflow.verify_history", trace.WithAttributes(attribute.Int64("risk.id", id)))
	defer span.End()

	report, err := s.audit.Verify(ctx, id)
	if err != nil {
		return report, fail(span, err)
	}
	span.SetAttributes(attribute.Bool("audit.valid", report.Valid))
	if !report.Valid {
		logger.Warnf("Audit chain of risk %d broken at record %d: %s", id, report.BrokenAt, report.Problem)
	}
	return report, nil
}

func (s *Service) create(ctx context.Context, in *models.ThreatIntelligenceData) (*models.DynamicRisk, error) {
	cls, matched := s.classifier.Classify(in)
	risk := DeriveRisk(in, cls, matched)
	res, err := s.machine.Create(ctx, risk)
	if err != nil {
		return nil, err
	}
	if matched {
		logger.Debugf("Risk %d (%s) classified by rule %s", res.Risk.ID, res.Risk.RiskID, cls.RuleID)
	}
	logger.Infof("Risk %d (%s) created from %s %s=%s confidence=%.2f",
		res.Risk.ID, res.Risk.RiskID, in.Source, in.IndicatorType, in.IndicatorValue, in.Confidence)
	s.publish(res.Risk, res.Record)
	return res.Risk, nil
}

func (s *Service) findOpen(ctx context.Context, in *models.ThreatIntelligenceData) (*models.DynamicRisk, error) {
	filter := models.RiskFilter{
		Source:         in.Source,
		IndicatorType:  in.IndicatorType,
		IndicatorValue: in.IndicatorValue,
		Limit:          models.MaxQueryLimit,
	}
	for {
		page, err := s.store.Query(ctx, filter)
		if err != nil {
			return nil, err
		}
		for _, risk := range page {
			if !risk.DynamicState.Terminal() {
				return risk, nil
			}
		}
		if len(page) < filter.Limit {
			return nil, nil
		}
		filter.BeforeID = page[len(page)-1].ID
	}
}

// checkTI validates a copy of rec so the caller's value is left untouched.
func (s *Service) checkTI(rec *models.ThreatIntelligenceData) (*models.ThreatIntelligenceData, error) {
	if rec == nil {
		return nil, riskerr.Invalid("payload", "is empty")
	}
	in := *rec
	in.Tags = append([]string(nil), rec.Tags...)
	if err := ti.Validate(&in); err != nil {
		return nil, err
	}
	if in.ObservedAt.IsZero() {
		in.ObservedAt = s.now().UTC()
	}
	return &in, nil
}

func (s *Service) ingestLock(in *models.ThreatIntelligenceData) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(in.Source))
	h.Write([]byte{0})
	h.Write([]byte(in.IndicatorType))
	h.Write([]byte{0})
	h.Write([]byte(in.IndicatorValue))
	return &s.ingestLocks[h.Sum32()%ingestStripes]
}

func (s *Service) publish(risk *models.DynamicRisk, rec *models.DynamicRiskStateRecord) {
	if s.publisher == nil || risk == nil || rec == nil {
		return
	}
	s.publisher.Publish(models.NewTransitionEvent(risk, rec))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, riskerr.Kind(err))
	return err
}
