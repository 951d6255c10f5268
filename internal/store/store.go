// Package store defines persistence for dynamic risks and their audit history.
//
// Backends implement Store. Every write that touches dynamic_state runs inside
// Store.InTx so that the state change and its audit record commit together.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"riskflow/internal/riskerr"
	"riskflow/pkg/models"
)

// Tx is the unit of work handed to InTx callbacks.
type Tx interface {
	// Risk loads a risk for update. Backends lock the row where they can.
	Risk(id int64) (*models.DynamicRisk, error)
	// InsertRisk persists a new risk in DETECTED, assigning ID and RiskID.
	InsertRisk(risk *models.DynamicRisk) error
	// SwapState moves id from expected to target, failing with
	// ConcurrencyConflictError when the stored state is not expected.
	SwapState(id int64, expected, target models.DynamicState, at time.Time) (*models.DynamicRisk, error)
	// LastRecord returns the newest audit record of a risk, or nil.
	LastRecord(riskID int64) (*models.DynamicRiskStateRecord, error)
	// InsertRecord appends an audit record, assigning its ID.
	InsertRecord(rec *models.DynamicRiskStateRecord) error
}

// Store persists dynamic risks and their append-only history.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	Get(ctx context.Context, id int64) (*models.DynamicRisk, error)
	GetByRiskID(ctx context.Context, riskID string) (*models.DynamicRisk, error)
	Query(ctx context.Context, filter models.RiskFilter) ([]*models.DynamicRisk, error)
	Update(ctx context.Context, id int64, patch models.RiskPatch, at time.Time) (*models.DynamicRisk, error)
	// History returns the audit records of a risk, newest first.
	History(ctx context.Context, riskID int64) ([]*models.DynamicRiskStateRecord, error)
	CountByState(ctx context.Context) (map[models.DynamicState]int, error)
	Close() error
}

// NewRiskRef builds the externally visible risk identifier.
func NewRiskRef(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "RISK-" + now.UTC().Format("20060102150405") + "-" + suffix
}

// PrepareNew normalizes a risk before its first insert.
func PrepareNew(risk *models.DynamicRisk) error {
	if risk == nil {
		return riskerr.Invalid("risk", "is nil")
	}
	if !models.RatingInRange(risk.Probability) {
		return riskerr.Invalid("probability", "must be between %d and %d, got %d", models.MinRating, models.MaxRating, risk.Probability)
	}
	if !models.RatingInRange(risk.Impact) {
		return riskerr.Invalid("impact", "must be between %d and %d, got %d", models.MinRating, models.MaxRating, risk.Impact)
	}
	if risk.Confidence < 0 || risk.Confidence > 1 {
		return riskerr.Invalid("confidence", "must be within [0,1], got %v", risk.Confidence)
	}
	if risk.CreatedAt.IsZero() {
		risk.CreatedAt = time.Now().UTC()
	}
	risk.UpdatedAt = risk.CreatedAt
	if risk.RiskID == "" {
		risk.RiskID = NewRiskRef(risk.CreatedAt)
	}
	risk.SourceType = models.SourceTypeDynamicTI
	risk.DynamicState = models.StateDetected
	risk.Rescore()
	return nil
}

// CheckPatch rejects patches that touch state or carry out-of-range values.
func CheckPatch(patch models.RiskPatch) error {
	if patch.DynamicState != nil {
		return riskerr.Invalid("dynamic_state", "state changes must go through a transition")
	}
	problems := map[string]string{}
	if patch.Probability != nil && !models.RatingInRange(*patch.Probability) {
		problems["probability"] = "must be between 1 and 5"
	}
	if patch.Impact != nil && !models.RatingInRange(*patch.Impact) {
		problems["impact"] = "must be between 1 and 5"
	}
	if patch.Confidence != nil && (*patch.Confidence < 0 || *patch.Confidence > 1) {
		problems["confidence"] = "must be within [0,1]"
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		problems["title"] = "must not be blank"
	}
	return riskerr.Invalids(problems)
}

// PatchRisk applies a checked patch to a loaded risk.
func PatchRisk(risk *models.DynamicRisk, patch models.RiskPatch, at time.Time) error {
	if risk.DynamicState.Terminal() {
		return &riskerr.IllegalTransitionError{RiskID: risk.ID, From: risk.DynamicState, To: risk.DynamicState}
	}
	patch.Apply(risk)
	risk.UpdatedAt = at
	return nil
}
