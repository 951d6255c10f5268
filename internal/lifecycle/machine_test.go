package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"riskflow/internal/audit"
	"riskflow/internal/riskerr"
	"riskflow/internal/store"
	"riskflow/internal/store/bolt"
	"riskflow/pkg/models"
)

func newMachine(t *testing.T) (*Machine, *bolt.Store) {
	t.Helper()
	st, err := bolt.Open(bolt.Config{Path: filepath.Join(t.TempDir(), "risk.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewMachine(st, audit.NewWriter(st, CanTransition)), st
}

func newRisk() *models.DynamicRisk {
	return &models.DynamicRisk{Title: "t", Probability: 2, Impact: 4, Source: "otx", Confidence: 0.4}
}

func TestCreateWritesRiskAndInitialRecord(t *testing.T) {
	m, st := newMachine(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	res, err := m.Create(context.Background(), newRisk())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Risk.ID == 0 || res.Risk.DynamicState != models.StateDetected || res.Risk.RiskScore != 8 {
		t.Fatalf("unexpected risk: %+v", res.Risk)
	}
	if !res.Risk.CreatedAt.Equal(fixed) || !res.Record.CreatedAt.Equal(fixed) {
		t.Fatalf("expected timestamps from clock, got risk=%s record=%s", res.Risk.CreatedAt, res.Record.CreatedAt)
	}
	if res.Record.TransitionReason != initialReason {
		t.Fatalf("unexpected reason %q", res.Record.TransitionReason)
	}
	history, err := st.History(context.Background(), res.Risk.ID)
	if err != nil || len(history) != 1 {
		t.Fatalf("expected one record, got %d %v", len(history), err)
	}
}

func TestCreateRejectsBadRatingsWithoutWriting(t *testing.T) {
	m, st := newMachine(t)
	risk := newRisk()
	risk.Impact = 0
	if _, err := m.Create(context.Background(), risk); !riskerr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	counts, err := st.CountByState(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[models.StateDetected] != 0 {
		t.Fatalf("rejected create left a risk behind")
	}
}

func TestTransitionDefaultsReason(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	created, err := m.Create(ctx, newRisk())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	actor := int64(42)
	res, err := m.Transition(ctx, TransitionRequest{RiskID: created.Risk.ID, Target: "draft", ActorID: &actor})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.Record.TransitionReason != defaultManualReason || res.Record.PreviousState != models.StateDetected {
		t.Fatalf("unexpected record: %+v", res.Record)
	}
	if res.Risk.DynamicState != models.StateDraft || !res.Risk.UpdatedAt.After(created.Risk.CreatedAt.Add(-time.Nanosecond)) {
		t.Fatalf("unexpected risk after transition: %+v", res.Risk)
	}

	res, err = m.Transition(ctx, TransitionRequest{RiskID: created.Risk.ID, Target: models.StateValidated, Automated: true, Reason: "  "})
	if err != nil {
		t.Fatalf("automated transition: %v", err)
	}
	if res.Record.TransitionReason != defaultAutomatedReason || res.Record.PrevHash == "" {
		t.Fatalf("unexpected automated record: %+v", res.Record)
	}
}

// rendezvousStore makes the first two Get callers wait for each other.
type rendezvousStore struct {
	store.Store
	wg sync.WaitGroup
}

func (r *rendezvousStore) Get(ctx context.Context, id int64) (*models.DynamicRisk, error) {
	risk, err := r.Store.Get(ctx, id)
	r.wg.Done()
	r.wg.Wait()
	return risk, err
}

func TestManualTransitionsWithoutExpectedStateRace(t *testing.T) {
	seed, st := newMachine(t)
	ctx := context.Background()
	created, err := seed.Create(ctx, newRisk())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rs := &rendezvousStore{Store: st}
	rs.wg.Add(2)
	m := NewMachine(rs, audit.NewWriter(rs, CanTransition))

	targets := []models.DynamicState{models.StateDraft, models.StateValidated}
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target models.DynamicState) {
			defer wg.Done()
			actor := int64(100 + i)
			_, errs[i] = m.Transition(ctx, TransitionRequest{RiskID: created.Risk.ID, Target: target, ActorID: &actor})
		}(i, target)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case riskerr.IsConflict(err):
		default:
			t.Fatalf("expected conflict for the loser, got %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected one winner, got %d (%v)", wins, errs)
	}
	history, err := st.History(ctx, created.Risk.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].PreviousState != models.StateDetected {
		t.Fatalf("expected a single DETECTED transition, got %+v", history)
	}
}

var errRecordWrite = errors.New("record write failed")

type failingRecordStore struct {
	store.Store
}

func (f failingRecordStore) InTx(ctx context.Context, fn func(store.Tx) error) error {
	return f.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(failingRecordTx{tx})
	})
}

type failingRecordTx struct {
	store.Tx
}

func (failingRecordTx) InsertRecord(*models.DynamicRiskStateRecord) error {
	return errRecordWrite
}

func TestCreateLeavesInputUntouchedOnRollback(t *testing.T) {
	_, st := newMachine(t)
	fs := failingRecordStore{Store: st}
	m := NewMachine(fs, audit.NewWriter(fs, CanTransition))
	ctx := context.Background()

	risk := newRisk()
	if _, err := m.Create(ctx, risk); !errors.Is(err, errRecordWrite) {
		t.Fatalf("expected record write error, got %v", err)
	}
	if risk.ID != 0 || risk.RiskID != "" || risk.DynamicState != "" || !risk.CreatedAt.IsZero() {
		t.Fatalf("caller's risk was modified: %+v", risk)
	}
	counts, err := st.CountByState(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	for state, n := range counts {
		if n != 0 {
			t.Fatalf("rolled back create left %d risks in %s", n, state)
		}
	}
}

func TestCreateReturnsCopy(t *testing.T) {
	m, _ := newMachine(t)
	risk := newRisk()
	res, err := m.Create(context.Background(), risk)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if risk.ID != 0 || res.Risk == risk {
		t.Fatalf("expected stored copy, caller risk %+v", risk)
	}
}
