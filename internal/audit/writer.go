// Package audit appends and verifies the immutable transition history of
// dynamic risks. Records are hash-chained per risk; there is no update or
// delete path.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"riskflow/internal/riskerr"
	"riskflow/internal/store"
	"riskflow/pkg/models"
)

// EdgeFunc reports whether from -> to is a legal transition.
type EdgeFunc func(from, to models.DynamicState) bool

// Entry describes one transition to record.
type Entry struct {
	RiskID        int64
	PreviousState models.DynamicState
	CurrentState  models.DynamicState
	Reason        string
	Automated     bool
	ActorID       *int64
	At            time.Time
}

// Writer appends audit records and reads them back.
type Writer struct {
	store store.Store
	legal EdgeFunc
}

// NewWriter creates a writer over st. legal is used by Verify; nil skips the
// edge check.
func NewWriter(st store.Store, legal EdgeFunc) *Writer {
	return &Writer{store: st, legal: legal}
}

// Append writes one record inside tx. The entry must continue the chain:
// PreviousState equals the newest record's CurrentState, or is empty for the
// first record of a risk.
func (w *Writer) Append(tx store.Tx, e Entry) (*models.DynamicRiskStateRecord, error) {
	if !e.CurrentState.Valid() {
		return nil, riskerr.Invalid("current_state", "unrecognized state %q", e.CurrentState)
	}
	if e.PreviousState != "" && !e.PreviousState.Valid() {
		return nil, riskerr.Invalid("previous_state", "unrecognized state %q", e.PreviousState)
	}
	if strings.TrimSpace(e.Reason) == "" {
		return nil, riskerr.Invalid("transition_reason", "is required")
	}
	if e.Automated && e.ActorID != nil {
		return nil, riskerr.Invalid("actor_id", "automated transitions carry no actor")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	last, err := tx.LastRecord(e.RiskID)
	if err != nil {
		return nil, fmt.Errorf("read history head: %w", err)
	}
	rec := &models.DynamicRiskStateRecord{
		RiskID:           e.RiskID,
		PreviousState:    e.PreviousState,
		CurrentState:     e.CurrentState,
		TransitionReason: strings.TrimSpace(e.Reason),
		Automated:        e.Automated,
		ActorID:          e.ActorID,
		CreatedAt:        recordTime(e.At),
	}
	switch {
	case last == nil && e.PreviousState != "":
		return nil, riskerr.Invalid("previous_state", "first record of risk %d must not have a previous state", e.RiskID)
	case last != nil && last.CurrentState != e.PreviousState:
		return nil, &riskerr.ConcurrencyConflictError{RiskID: e.RiskID, Expected: e.PreviousState, Actual: last.CurrentState}
	case last != nil:
		rec.PrevHash = last.Hash
	}
	rec.Hash = Seal(rec)

	if err := tx.InsertRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// History returns the transitions of a risk, newest first.
func (w *Writer) History(ctx context.Context, riskID int64) ([]*models.DynamicRiskStateRecord, error) {
	return w.store.History(ctx, riskID)
}

// Report is the outcome of Verify.
type Report struct {
	RiskID   int64  `json:"risk_id"`
	Records  int    `json:"records"`
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Problem  string `json:"problem,omitempty"`
}

// Verify replays the history of a risk oldest first, checking hash links,
// the legal-edge path, and that the head matches the live state.
func (w *Writer) Verify(ctx context.Context, riskID int64) (Report, error) {
	report := Report{RiskID: riskID}
	risk, err := w.store.Get(ctx, riskID)
	if err != nil {
		return report, err
	}
	history, err := w.store.History(ctx, riskID)
	if err != nil {
		return report, err
	}
	report.Records = len(history)
	if len(history) == 0 {
		report.Problem = "risk has no history"
		return report, nil
	}

	prevHash := ""
	var prevState models.DynamicState
	for i := len(history) - 1; i >= 0; i-- {
		rec := history[i]
		fail := func(problem string) (Report, error) {
			report.BrokenAt = rec.ID
			report.Problem = problem
			return report, nil
		}
		if rec.PrevHash != prevHash {
			return fail("previous hash does not link to the prior record")
		}
		if Seal(rec) != rec.Hash {
			return fail("record hash does not match its contents")
		}
		if rec.PreviousState != prevState {
			return fail(fmt.Sprintf("previous state %q does not continue from %q", rec.PreviousState, prevState))
		}
		if prevState == "" && rec.CurrentState != models.StateDetected {
			return fail("history does not start in DETECTED")
		}
		if prevState != "" && w.legal != nil && !w.legal(prevState, rec.CurrentState) {
			return fail(fmt.Sprintf("illegal transition %s -> %s", prevState, rec.CurrentState))
		}
		prevHash = rec.Hash
		prevState = rec.CurrentState
	}
	if prevState != risk.DynamicState {
		report.BrokenAt = history[0].ID
		report.Problem = fmt.Sprintf("newest record ends in %s but risk is %s", prevState, risk.DynamicState)
		return report, nil
	}
	report.Valid = true
	return report, nil
}
