// Package bolt is the embedded bbolt backend of the risk store.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"riskflow/internal/riskerr"
	"riskflow/internal/store"
	"riskflow/pkg/models"
)

var (
	bucketRisks   = []byte("risks")
	bucketRefs    = []byte("risk_refs")
	bucketHistory = []byte("history")
)

// Config configures the bbolt store.
type Config struct {
	Path    string
	Timeout time.Duration
	NoSync  bool
}

// Store keeps risks and history in a single bbolt file. bbolt allows one
// writer at a time, so every InTx callback observes a serialized view.
type Store struct {
	db *bbolt.DB
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database file.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = "data/riskflow.db"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := bbolt.Open(cfg.Path, 0600, &bbolt.Options{
		Timeout:      cfg.Timeout,
		NoSync:       cfg.NoSync,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRisks, bucketRefs, bucketHistory} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InTx runs fn in one read-write transaction.
func (s *Store) InTx(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Get loads one risk by surrogate id.
func (s *Store) Get(ctx context.Context, id int64) (*models.DynamicRisk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *models.DynamicRisk
	err := s.db.View(func(tx *bbolt.Tx) error {
		risk, err := loadRisk(tx, id)
		out = risk
		return err
	})
	return out, err
}

// GetByRiskID loads one risk by its external identifier.
func (s *Store) GetByRiskID(ctx context.Context, riskID string) (*models.DynamicRisk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *models.DynamicRisk
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketRefs).Get([]byte(riskID))
		if raw == nil {
			return &riskerr.NotFoundError{Kind: "risk", Key: riskID}
		}
		risk, err := loadRisk(tx, btoi(raw))
		out = risk
		return err
	})
	return out, err
}

// Query returns matching risks, newest first.
func (s *Store) Query(ctx context.Context, filter models.RiskFilter) ([]*models.DynamicRisk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := filter.EffectiveLimit()
	out := make([]*models.DynamicRisk, 0, 16)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRisks).Cursor()
		var k, v []byte
		if filter.BeforeID > 0 {
			k, _ = c.Seek(itob(filter.BeforeID))
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}
		for ; k != nil && len(out) < limit; k, v = c.Prev() {
			risk, err := decodeRisk(v)
			if err != nil {
				return err
			}
			if filter.Matches(risk) {
				out = append(out, risk)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query risks: %w", err)
	}
	return out, nil
}

// Update applies a patch to the fields outside the state machine.
func (s *Store) Update(ctx context.Context, id int64, patch models.RiskPatch, at time.Time) (*models.DynamicRisk, error) {
	if err := store.CheckPatch(patch); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *models.DynamicRisk
	err := s.db.Update(func(tx *bbolt.Tx) error {
		risk, err := loadRisk(tx, id)
		if err != nil {
			return err
		}
		if err := store.PatchRisk(risk, patch, at); err != nil {
			return err
		}
		if err := putRisk(tx, risk); err != nil {
			return err
		}
		out = risk
		return nil
	})
	return out, err
}

// History returns the audit records of a risk, newest first.
func (s *Store) History(ctx context.Context, riskID int64) ([]*models.DynamicRiskStateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*models.DynamicRiskStateRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketRisks).Get(itob(riskID)) == nil {
			return riskerr.NotFound(riskID)
		}
		prefix := itob(riskID)
		c := tx.Bucket(bucketHistory).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec models.DynamicRiskStateRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode history record: %w", err)
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountByState scans every risk and tallies its state.
func (s *Store) CountByState(ctx context.Context) (map[models.DynamicState]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	counts := make(map[models.DynamicState]int, len(models.AllStates))
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRisks).ForEach(func(_, v []byte) error {
			var head struct {
				State models.DynamicState `json:"dynamic_state"`
			}
			if err := json.Unmarshal(v, &head); err != nil {
				return fmt.Errorf("decode risk: %w", err)
			}
			counts[head.State]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

type boltTx struct {
	tx *bbolt.Tx
}

func (t *boltTx) Risk(id int64) (*models.DynamicRisk, error) {
	return loadRisk(t.tx, id)
}

func (t *boltTx) InsertRisk(risk *models.DynamicRisk) error {
	if err := store.PrepareNew(risk); err != nil {
		return err
	}
	refs := t.tx.Bucket(bucketRefs)
	if refs.Get([]byte(risk.RiskID)) != nil {
		return riskerr.Invalid("risk_id", "%s already exists", risk.RiskID)
	}
	seq, err := t.tx.Bucket(bucketRisks).NextSequence()
	if err != nil {
		return fmt.Errorf("allocate risk id: %w", err)
	}
	risk.ID = int64(seq)
	if err := putRisk(t.tx, risk); err != nil {
		return err
	}
	if err := refs.Put([]byte(risk.RiskID), itob(risk.ID)); err != nil {
		return fmt.Errorf("index risk ref: %w", err)
	}
	return nil
}

func (t *boltTx) SwapState(id int64, expected, target models.DynamicState, at time.Time) (*models.DynamicRisk, error) {
	risk, err := loadRisk(t.tx, id)
	if err != nil {
		return nil, err
	}
	if risk.DynamicState != expected {
		return nil, &riskerr.ConcurrencyConflictError{RiskID: id, Expected: expected, Actual: risk.DynamicState}
	}
	risk.DynamicState = target
	risk.UpdatedAt = at
	if err := putRisk(t.tx, risk); err != nil {
		return nil, err
	}
	return risk, nil
}

func (t *boltTx) LastRecord(riskID int64) (*models.DynamicRiskStateRecord, error) {
	prefix := itob(riskID)
	c := t.tx.Bucket(bucketHistory).Cursor()
	k, v := c.Seek(itob(riskID + 1))
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	if k == nil || !bytes.HasPrefix(k, prefix) {
		return nil, nil
	}
	var rec models.DynamicRiskStateRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decode history record: %w", err)
	}
	return &rec, nil
}

func (t *boltTx) InsertRecord(rec *models.DynamicRiskStateRecord) error {
	if t.tx.Bucket(bucketRisks).Get(itob(rec.RiskID)) == nil {
		return riskerr.NotFound(rec.RiskID)
	}
	history := t.tx.Bucket(bucketHistory)
	seq, err := history.NextSequence()
	if err != nil {
		return fmt.Errorf("allocate history id: %w", err)
	}
	rec.ID = int64(seq)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode history record: %w", err)
	}
	if err := history.Put(historyKey(rec.RiskID, rec.ID), data); err != nil {
		return fmt.Errorf("write history record: %w", err)
	}
	return nil
}

func loadRisk(tx *bbolt.Tx, id int64) (*models.DynamicRisk, error) {
	raw := tx.Bucket(bucketRisks).Get(itob(id))
	if raw == nil {
		return nil, riskerr.NotFound(id)
	}
	return decodeRisk(raw)
}

func decodeRisk(raw []byte) (*models.DynamicRisk, error) {
	var risk models.DynamicRisk
	if err := json.Unmarshal(raw, &risk); err != nil {
		return nil, fmt.Errorf("decode risk: %w", err)
	}
	risk.Rescore()
	return &risk, nil
}

func putRisk(tx *bbolt.Tx, risk *models.DynamicRisk) error {
	risk.Rescore()
	data, err := json.Marshal(risk)
	if err != nil {
		return fmt.Errorf("encode risk: %w", err)
	}
	if err := tx.Bucket(bucketRisks).Put(itob(risk.ID), data); err != nil {
		return fmt.Errorf("write risk: %w", err)
	}
	return nil
}

func historyKey(riskID, recID int64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(riskID))
	binary.BigEndian.PutUint64(key[8:], uint64(recID))
	return key
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
