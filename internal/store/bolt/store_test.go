package bolt

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.etcd.io/bbolt"

	"riskflow/internal/audit"
	"riskflow/internal/lifecycle"
	"riskflow/internal/riskerr"
	"riskflow/internal/store"
	"riskflow/pkg/models"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "nested", "risk.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func insert(t *testing.T, st *Store, source string, confidence float64) *models.DynamicRisk {
	t.Helper()
	risk := &models.DynamicRisk{Title: "r", Probability: 3, Impact: 2, Source: source, IndicatorType: "ip", IndicatorValue: "10.0.0.1", Confidence: confidence}
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertRisk(risk)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return risk
}

func TestInsertAssignsIdentity(t *testing.T) {
	st := openTemp(t)
	a := insert(t, st, "otx", 0.5)
	b := insert(t, st, "otx", 0.5)
	if a.ID != 1 || b.ID != 2 {
		t.Fatalf("expected sequential ids, got %d and %d", a.ID, b.ID)
	}
	if !strings.HasPrefix(a.RiskID, "RISK-") || a.RiskID == b.RiskID {
		t.Fatalf("unexpected risk refs %q %q", a.RiskID, b.RiskID)
	}
	if a.DynamicState != models.StateDetected || a.RiskScore != 6 || a.SourceType != models.SourceTypeDynamicTI {
		t.Fatalf("unexpected defaults: %+v", a)
	}

	ctx := context.Background()
	byRef, err := st.GetByRiskID(ctx, b.RiskID)
	if err != nil || byRef.ID != b.ID {
		t.Fatalf("get by ref: %+v %v", byRef, err)
	}
	if _, err := st.GetByRiskID(ctx, "RISK-missing"); !riskerr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := st.Get(ctx, 99); !riskerr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInsertRejectsDuplicateRef(t *testing.T) {
	st := openTemp(t)
	a := insert(t, st, "otx", 0.5)
	dup := &models.DynamicRisk{RiskID: a.RiskID, Title: "d", Probability: 1, Impact: 1}
	err := st.InTx(context.Background(), func(tx store.Tx) error { return tx.InsertRisk(dup) })
	if !riskerr.IsValidation(err) {
		t.Fatalf("expected validation error for duplicate ref, got %v", err)
	}
}

func TestQueryOrdersNewestFirstAndPages(t *testing.T) {
	st := openTemp(t)
	for i := 0; i < 5; i++ {
		insert(t, st, "otx", float64(i)/10)
	}
	insert(t, st, "abuse", 0.9)

	ctx := context.Background()
	all, err := st.Query(ctx, models.RiskFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 6 || all[0].ID != 6 || all[5].ID != 1 {
		t.Fatalf("expected ids 6..1, got %d risks starting at %d", len(all), all[0].ID)
	}

	page, err := st.Query(ctx, models.RiskFilter{Source: "otx", Limit: 2})
	if err != nil {
		t.Fatalf("query page: %v", err)
	}
	if len(page) != 2 || page[0].ID != 5 || page[1].ID != 4 {
		t.Fatalf("unexpected first page: %d", len(page))
	}
	next, err := st.Query(ctx, models.RiskFilter{Source: "otx", Limit: 2, BeforeID: page[1].ID})
	if err != nil {
		t.Fatalf("query next: %v", err)
	}
	if len(next) != 2 || next[0].ID != 3 || next[1].ID != 2 {
		t.Fatalf("unexpected second page")
	}

	min := 0.3
	confident, err := st.Query(ctx, models.RiskFilter{Source: "otx", MinConfidence: &min})
	if err != nil {
		t.Fatalf("query confidence: %v", err)
	}
	if len(confident) != 2 {
		t.Fatalf("expected inclusive min confidence to keep 0.3 and 0.4, got %d", len(confident))
	}
}

func TestSwapStateIsCompareAndSet(t *testing.T) {
	st := openTemp(t)
	risk := insert(t, st, "otx", 0.5)
	ctx := context.Background()
	at := time.Now().UTC()

	err := st.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.SwapState(risk.ID, models.StateDetected, models.StateDraft, at)
		return err
	})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	err = st.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.SwapState(risk.ID, models.StateDetected, models.StateValidated, at)
		return err
	})
	if !riskerr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, err := st.Get(ctx, risk.ID)
	if err != nil || got.DynamicState != models.StateDraft {
		t.Fatalf("expected DRAFT after failed swap, got %+v %v", got, err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	st := openTemp(t)
	ctx := context.Background()
	err := st.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertRisk(&models.DynamicRisk{Title: "x", Probability: 1, Impact: 1}); err != nil {
			return err
		}
		return riskerr.Invalid("test", "abort")
	})
	if !riskerr.IsValidation(err) {
		t.Fatalf("expected abort error, got %v", err)
	}
	counts, err := st.CountByState(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[models.StateDetected] != 0 {
		t.Fatalf("aborted insert was committed")
	}
}

func TestUpdatePatchesAndRescores(t *testing.T) {
	st := openTemp(t)
	risk := insert(t, st, "otx", 0.5)
	ctx := context.Background()

	p, desc := 5, "updated"
	got, err := st.Update(ctx, risk.ID, models.RiskPatch{Probability: &p, Description: &desc}, time.Now().UTC())
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.RiskScore != 10 || got.Description != "updated" {
		t.Fatalf("unexpected update: %+v", got)
	}
	reloaded, err := st.Get(ctx, risk.ID)
	if err != nil || reloaded.RiskScore != 10 {
		t.Fatalf("update not persisted: %+v %v", reloaded, err)
	}
	blank := " "
	if _, err := st.Update(ctx, risk.ID, models.RiskPatch{Title: &blank}, time.Now()); !riskerr.IsValidation(err) {
		t.Fatalf("expected validation error for blank title, got %v", err)
	}
	if _, err := st.Update(ctx, 99, models.RiskPatch{Description: &desc}, time.Now()); !riskerr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHistoryAndVerifyDetectTampering(t *testing.T) {
	st := openTemp(t)
	ctx := context.Background()
	w := audit.NewWriter(st, lifecycle.CanTransition)
	m := lifecycle.NewMachine(st, w)

	created, err := m.Create(ctx, &models.DynamicRisk{Title: "r", Probability: 2, Impact: 2, Confidence: 0.9})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := created.Risk.ID
	for _, target := range []models.DynamicState{models.StateValidated, models.StateActive} {
		if _, err := m.Transition(ctx, lifecycle.TransitionRequest{RiskID: id, Target: target, Automated: true}); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	other, err := m.Create(ctx, &models.DynamicRisk{Title: "o", Probability: 1, Impact: 1})
	if err != nil {
		t.Fatalf("create other: %v", err)
	}

	history, err := st.History(ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 || history[0].CurrentState != models.StateActive || history[2].PreviousState != "" {
		t.Fatalf("expected newest-first history of 3, got %d", len(history))
	}
	if _, err := st.History(ctx, 99); !riskerr.IsNotFound(err) {
		t.Fatalf("expected not found for unknown risk, got %v", err)
	}

	report, err := w.Verify(ctx, id)
	if err != nil || !report.Valid {
		t.Fatalf("expected valid chain: %+v %v", report, err)
	}

	// Rewrite the middle record's reason behind the writer's back.
	middle := history[1]
	err = st.db.Update(func(tx *bbolt.Tx) error {
		middle.TransitionReason = "rewritten"
		data, err := json.Marshal(middle)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketHistory).Put(historyKey(id, middle.ID), data)
	})
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}
	report, err = w.Verify(ctx, id)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid || report.BrokenAt != middle.ID {
		t.Fatalf("expected chain broken at %d, got %+v", middle.ID, report)
	}

	untouched, err := w.Verify(ctx, other.Risk.ID)
	if err != nil || !untouched.Valid {
		t.Fatalf("other risk chain should stay valid: %+v %v", untouched, err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.db")
	st, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	risk := insert(t, st, "otx", 0.5)
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, err := st.Get(context.Background(), risk.ID)
	if err != nil || got.RiskID != risk.RiskID {
		t.Fatalf("expected persisted risk, got %+v %v", got, err)
	}
}
