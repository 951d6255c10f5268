package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DynamicRiskStateRecord is one append-only audit entry for a state transition.
// PreviousState is empty for the record written at creation.
type DynamicRiskStateRecord struct {
	ID               int64        `json:"id"`
	RiskID           int64        `json:"risk_id"`
	PreviousState    DynamicState `json:"previous_state,omitempty"`
	CurrentState     DynamicState `json:"current_state"`
	TransitionReason string       `json:"transition_reason"`
	Automated        bool         `json:"automated"`
	ActorID          *int64       `json:"actor_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	PrevHash         string       `json:"prev_hash,omitempty"`
	Hash             string       `json:"hash"`
}

// TransitionEvent is the post-commit notification emitted for every audit record.
type TransitionEvent struct {
	Timestamp     time.Time    `json:"ts"`
	RiskID        int64        `json:"risk_id"`
	RiskRef       string       `json:"risk_ref"`
	Source        string       `json:"source,omitempty"`
	PreviousState DynamicState `json:"previous_state,omitempty"`
	CurrentState  DynamicState `json:"current_state"`
	Reason        string       `json:"reason"`
	Automated     bool         `json:"automated"`
	ActorID       *int64       `json:"actor_id,omitempty"`
	Confidence    float64      `json:"confidence"`
	RiskScore     int          `json:"risk_score"`
	RecordHash    string       `json:"record_hash"`
}

// NewTransitionEvent builds the notification for rec applied to risk.
func NewTransitionEvent(risk *DynamicRisk, rec *DynamicRiskStateRecord) *TransitionEvent {
	return &TransitionEvent{
		Timestamp:     rec.CreatedAt,
		RiskID:        risk.ID,
		RiskRef:       risk.RiskID,
		Source:        risk.Source,
		PreviousState: rec.PreviousState,
		CurrentState:  rec.CurrentState,
		Reason:        rec.TransitionReason,
		Automated:     rec.Automated,
		ActorID:       rec.ActorID,
		Confidence:    risk.Confidence,
		RiskScore:     risk.RiskScore,
		RecordHash:    rec.Hash,
	}
}

// TransitionBatchKey identifies a batch of events by their record hashes. A
// retried batch yields the same key, so sinks can use it to deduplicate.
func TransitionBatchKey(events []*TransitionEvent) string {
	h := sha256.New()
	for _, ev := range events {
		h.Write([]byte(ev.RecordHash))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
