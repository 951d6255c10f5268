package lifecycle

import (
	"context"
	"strings"
	"time"

	"riskflow/internal/audit"
	"riskflow/internal/logger"
	"riskflow/internal/metrics"
	"riskflow/internal/riskerr"
	"riskflow/internal/store"
	"riskflow/pkg/models"
)

const (
	defaultManualReason    = "manual transition"
	defaultAutomatedReason = "automated transition"
	initialReason          = "detected from threat intelligence"
)

// TransitionRequest asks for one state change.
type TransitionRequest struct {
	RiskID    int64
	Target    models.DynamicState
	Reason    string
	Automated bool
	ActorID   *int64
	// ExpectedState is the state the caller observed. When empty, the state
	// read as the request arrives is used. The transition fails with
	// ConcurrencyConflictError if it no longer holds at commit.
	ExpectedState models.DynamicState
}

// Result is a committed change and the audit record written with it.
type Result struct {
	Risk   *models.DynamicRisk            `json:"risk"`
	Record *models.DynamicRiskStateRecord `json:"record"`
}

// Machine applies transitions through the store's unit of work.
type Machine struct {
	store store.Store
	audit *audit.Writer
	now   func() time.Time
}

// NewMachine creates a state machine writing history through w.
func NewMachine(st store.Store, w *audit.Writer) *Machine {
	return &Machine{
		store: st,
		audit: w,
		now:   time.Now,
	}
}

// Create inserts a copy of risk in DETECTED together with its initial audit
// record. risk itself is left untouched; the stored copy is returned.
func (m *Machine) Create(ctx context.Context, risk *models.DynamicRisk) (*Result, error) {
	if risk == nil {
		return nil, riskerr.Invalid("risk", "is nil")
	}
	at := m.now().UTC()
	var out Result
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		row := risk.Clone()
		row.CreatedAt = at
		if err := tx.InsertRisk(row); err != nil {
			return err
		}
		rec, err := m.audit.Append(tx, audit.Entry{
			RiskID:       row.ID,
			CurrentState: models.StateDetected,
			Reason:       initialReason,
			Automated:    true,
			At:           at,
		})
		if err != nil {
			return err
		}
		out = Result{Risk: row, Record: rec}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RisksCreated.Inc()
	return &out, nil
}

// Transition validates req against the edge table and commits the state
// change and its audit record atomically. The state observed when the request
// arrives is compared-and-set inside the transaction, so of two racing
// callers only the first to commit succeeds.
func (m *Machine) Transition(ctx context.Context, req TransitionRequest) (*Result, error) {
	res, err := m.transition(ctx, req)
	if err != nil {
		metrics.TransitionFailures.WithLabelValues(riskerr.Kind(err)).Inc()
		return nil, err
	}
	metrics.Transitions.WithLabelValues(string(res.Record.PreviousState), string(res.Record.CurrentState), metrics.Mode(req.Automated)).Inc()
	logger.Debugf("Risk %d (%s) %s -> %s automated=%t reason=%q",
		res.Risk.ID, res.Risk.RiskID, res.Record.PreviousState, res.Record.CurrentState, req.Automated, res.Record.TransitionReason)
	return res, nil
}

func (m *Machine) transition(ctx context.Context, req TransitionRequest) (*Result, error) {
	if err := checkRequest(&req); err != nil {
		return nil, err
	}
	if req.ExpectedState == "" {
		observed, err := m.store.Get(ctx, req.RiskID)
		if err != nil {
			return nil, err
		}
		req.ExpectedState = observed.DynamicState
	}
	at := m.now().UTC()

	var out Result
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		risk, err := tx.Risk(req.RiskID)
		if err != nil {
			return err
		}
		from := risk.DynamicState
		if from != req.ExpectedState {
			return &riskerr.ConcurrencyConflictError{RiskID: risk.ID, Expected: req.ExpectedState, Actual: from}
		}
		if !CanTransition(from, req.Target) {
			return &riskerr.IllegalTransitionError{RiskID: risk.ID, From: from, To: req.Target}
		}

		updated, err := tx.SwapState(risk.ID, from, req.Target, at)
		if err != nil {
			return err
		}
		rec, err := m.audit.Append(tx, audit.Entry{
			RiskID:        risk.ID,
			PreviousState: from,
			CurrentState:  req.Target,
			Reason:        req.Reason,
			Automated:     req.Automated,
			ActorID:       req.ActorID,
			At:            at,
		})
		if err != nil {
			return err
		}
		out = Result{Risk: updated, Record: rec}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func checkRequest(req *TransitionRequest) error {
	if req.RiskID <= 0 {
		return riskerr.Invalid("risk_id", "must be positive")
	}
	if target, ok := models.ParseState(string(req.Target)); ok {
		req.Target = target
	} else {
		return riskerr.Invalid("target_state", "unrecognized state %q", req.Target)
	}
	if req.ExpectedState != "" {
		expected, ok := models.ParseState(string(req.ExpectedState))
		if !ok {
			return riskerr.Invalid("expected_state", "unrecognized state %q", req.ExpectedState)
		}
		req.ExpectedState = expected
	}
	if req.Automated && req.ActorID != nil {
		return riskerr.Invalid("actor_id", "automated transitions carry no actor")
	}
	if !req.Automated && req.ActorID == nil {
		return riskerr.Invalid("actor_id", "manual transitions require an actor")
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		if req.Automated {
			req.Reason = defaultAutomatedReason
		} else {
			req.Reason = defaultManualReason
		}
	}
	return nil
}
