// Package postgres is the PostgreSQL backend of the risk store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"riskflow/internal/riskerr"
	"riskflow/internal/store"
	"riskflow/pkg/models"
)

const riskColumns = `id, risk_id, title, description, category, probability, impact, risk_score,
	source_type, source, indicator_type, indicator_value, dynamic_state, confidence, created_at, updated_at`

const recordColumns = `id, risk_id, previous_state, current_state, transition_reason, automated, actor_id,
	created_at, prev_hash, hash`

// schema is applied statement by statement on Open. History rows are guarded
// by a trigger so that no UPDATE or DELETE path exists even for raw SQL.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS dynamic_risks (
		id BIGSERIAL PRIMARY KEY,
		risk_id TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		probability SMALLINT NOT NULL CHECK (probability BETWEEN 1 AND 5),
		impact SMALLINT NOT NULL CHECK (impact BETWEEN 1 AND 5),
		risk_score SMALLINT GENERATED ALWAYS AS (probability * impact) STORED,
		source_type TEXT NOT NULL DEFAULT 'Dynamic-TI',
		source TEXT NOT NULL,
		indicator_type TEXT NOT NULL,
		indicator_value TEXT NOT NULL,
		dynamic_state TEXT NOT NULL CHECK (dynamic_state IN ('DETECTED','DRAFT','VALIDATED','ACTIVE','RETIRED')),
		confidence DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS dynamic_risks_state_idx ON dynamic_risks (dynamic_state, id DESC)`,
	`CREATE INDEX IF NOT EXISTS dynamic_risks_indicator_idx ON dynamic_risks (source, indicator_type, indicator_value)`,
	`CREATE TABLE IF NOT EXISTS dynamic_risk_state_records (
		id BIGSERIAL PRIMARY KEY,
		risk_id BIGINT NOT NULL REFERENCES dynamic_risks(id),
		previous_state TEXT,
		current_state TEXT NOT NULL,
		transition_reason TEXT NOT NULL,
		automated BOOLEAN NOT NULL,
		actor_id BIGINT,
		created_at TIMESTAMPTZ NOT NULL,
		prev_hash TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS dynamic_risk_state_records_risk_idx ON dynamic_risk_state_records (risk_id, id DESC)`,
	`CREATE OR REPLACE FUNCTION dynamic_risk_state_records_immutable() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'dynamic_risk_state_records is append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS dynamic_risk_state_records_append_only ON dynamic_risk_state_records`,
	`CREATE TRIGGER dynamic_risk_state_records_append_only
		BEFORE UPDATE OR DELETE ON dynamic_risk_state_records
		FOR EACH ROW EXECUTE FUNCTION dynamic_risk_state_records_immutable()`,
}

// Config configures the PostgreSQL store.
type Config struct {
	DSN      string
	MaxConns int32
}

// Store is a pgx-pool backed risk store. Transitions use a row lock plus a
// conditional UPDATE on the expected state.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects, pings, and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// InTx runs fn in a read-committed transaction.
func (s *Store) InTx(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Get loads one risk by surrogate id.
func (s *Store) Get(ctx context.Context, id int64) (*models.DynamicRisk, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+riskColumns+` FROM dynamic_risks WHERE id = $1`, id)
	risk, err := scanRisk(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, riskerr.NotFound(id)
	}
	return risk, err
}

// GetByRiskID loads one risk by its external identifier.
func (s *Store) GetByRiskID(ctx context.Context, riskID string) (*models.DynamicRisk, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+riskColumns+` FROM dynamic_risks WHERE risk_id = $1`, riskID)
	risk, err := scanRisk(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &riskerr.NotFoundError{Kind: "risk", Key: riskID}
	}
	return risk, err
}

// Query returns matching risks, newest first.
func (s *Store) Query(ctx context.Context, filter models.RiskFilter) ([]*models.DynamicRisk, error) {
	var where []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.State != "" {
		add("dynamic_state = $%d", string(filter.State))
	}
	if filter.Source != "" {
		add("source = $%d", filter.Source)
	}
	if filter.IndicatorType != "" {
		add("indicator_type = $%d", filter.IndicatorType)
	}
	if filter.IndicatorValue != "" {
		add("indicator_value = $%d", filter.IndicatorValue)
	}
	if filter.MinConfidence != nil {
		add("confidence >= $%d", *filter.MinConfidence)
	}
	if filter.BeforeID > 0 {
		add("id < $%d", filter.BeforeID)
	}

	sql := `SELECT ` + riskColumns + ` FROM dynamic_risks`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, filter.EffectiveLimit())
	sql += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query risks: %w", err)
	}
	defer rows.Close()

	out := make([]*models.DynamicRisk, 0, 16)
	for rows.Next() {
		risk, err := scanRisk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, risk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query risks: %w", err)
	}
	return out, nil
}

// Update applies a patch to the fields outside the state machine.
func (s *Store) Update(ctx context.Context, id int64, patch models.RiskPatch, at time.Time) (*models.DynamicRisk, error) {
	if err := store.CheckPatch(patch); err != nil {
		return nil, err
	}
	var out *models.DynamicRisk
	err := s.InTx(ctx, func(t store.Tx) error {
		risk, err := t.Risk(id)
		if err != nil {
			return err
		}
		if err := store.PatchRisk(risk, patch, at); err != nil {
			return err
		}
		row := t.(*pgTx).tx.QueryRow(ctx, `UPDATE dynamic_risks
			SET title = $2, description = $3, category = $4, probability = $5, impact = $6,
				confidence = $7, updated_at = $8
			WHERE id = $1
			RETURNING `+riskColumns,
			risk.ID, risk.Title, risk.Description, risk.Category, risk.Probability, risk.Impact,
			risk.Confidence, risk.UpdatedAt)
		out, err = scanRisk(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// History returns the audit records of a risk, newest first.
func (s *Store) History(ctx context.Context, riskID int64) ([]*models.DynamicRiskStateRecord, error) {
	if _, err := s.Get(ctx, riskID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM dynamic_risk_state_records
		WHERE risk_id = $1 ORDER BY id DESC`, riskID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*models.DynamicRiskStateRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return out, nil
}

// CountByState groups risks by state in the database.
func (s *Store) CountByState(ctx context.Context) (map[models.DynamicState]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT dynamic_state, COUNT(*) FROM dynamic_risks GROUP BY dynamic_state`)
	if err != nil {
		return nil, fmt.Errorf("count risks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.DynamicState]int, len(models.AllStates))
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.DynamicState(state)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count risks: %w", err)
	}
	return counts, nil
}

type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgTx) Risk(id int64) (*models.DynamicRisk, error) {
	row := t.tx.QueryRow(t.ctx, `SELECT `+riskColumns+` FROM dynamic_risks WHERE id = $1 FOR UPDATE`, id)
	risk, err := scanRisk(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, riskerr.NotFound(id)
	}
	return risk, err
}

func (t *pgTx) InsertRisk(risk *models.DynamicRisk) error {
	if err := store.PrepareNew(risk); err != nil {
		return err
	}
	row := t.tx.QueryRow(t.ctx, `INSERT INTO dynamic_risks
		(risk_id, title, description, category, probability, impact, source_type, source,
		 indicator_type, indicator_value, dynamic_state, confidence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		risk.RiskID, risk.Title, risk.Description, risk.Category, risk.Probability, risk.Impact,
		risk.SourceType, risk.Source, risk.IndicatorType, risk.IndicatorValue,
		string(risk.DynamicState), risk.Confidence, risk.CreatedAt, risk.UpdatedAt)
	if err := row.Scan(&risk.ID); err != nil {
		return fmt.Errorf("insert risk: %w", err)
	}
	return nil
}

func (t *pgTx) SwapState(id int64, expected, target models.DynamicState, at time.Time) (*models.DynamicRisk, error) {
	row := t.tx.QueryRow(t.ctx, `UPDATE dynamic_risks SET dynamic_state = $3, updated_at = $4
		WHERE id = $1 AND dynamic_state = $2
		RETURNING `+riskColumns, id, string(expected), string(target), at)
	risk, err := scanRisk(row)
	if err == nil {
		return risk, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("swap state: %w", err)
	}

	var actual string
	err = t.tx.QueryRow(t.ctx, `SELECT dynamic_state FROM dynamic_risks WHERE id = $1`, id).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, riskerr.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("read state after failed swap: %w", err)
	}
	return nil, &riskerr.ConcurrencyConflictError{RiskID: id, Expected: expected, Actual: models.DynamicState(actual)}
}

func (t *pgTx) LastRecord(riskID int64) (*models.DynamicRiskStateRecord, error) {
	row := t.tx.QueryRow(t.ctx, `SELECT `+recordColumns+` FROM dynamic_risk_state_records
		WHERE risk_id = $1 ORDER BY id DESC LIMIT 1`, riskID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (t *pgTx) InsertRecord(rec *models.DynamicRiskStateRecord) error {
	var prev *string
	if rec.PreviousState != "" {
		p := string(rec.PreviousState)
		prev = &p
	}
	row := t.tx.QueryRow(t.ctx, `INSERT INTO dynamic_risk_state_records
		(risk_id, previous_state, current_state, transition_reason, automated, actor_id, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		rec.RiskID, prev, string(rec.CurrentState), rec.TransitionReason, rec.Automated, rec.ActorID,
		rec.CreatedAt, rec.PrevHash, rec.Hash)
	if err := row.Scan(&rec.ID); err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRisk(row rowScanner) (*models.DynamicRisk, error) {
	var risk models.DynamicRisk
	var state string
	var probability, impact, score int16
	err := row.Scan(&risk.ID, &risk.RiskID, &risk.Title, &risk.Description, &risk.Category,
		&probability, &impact, &score, &risk.SourceType, &risk.Source, &risk.IndicatorType,
		&risk.IndicatorValue, &state, &risk.Confidence, &risk.CreatedAt, &risk.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan risk: %w", err)
	}
	risk.Probability = int(probability)
	risk.Impact = int(impact)
	risk.DynamicState = models.DynamicState(state)
	risk.CreatedAt = risk.CreatedAt.UTC()
	risk.UpdatedAt = risk.UpdatedAt.UTC()
	risk.Rescore()
	return &risk, nil
}

func scanRecord(row rowScanner) (*models.DynamicRiskStateRecord, error) {
	var rec models.DynamicRiskStateRecord
	var prev *string
	var current string
	err := row.Scan(&rec.ID, &rec.RiskID, &prev, &current, &rec.TransitionReason, &rec.Automated,
		&rec.ActorID, &rec.CreatedAt, &rec.PrevHash, &rec.Hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan history record: %w", err)
	}
	if prev != nil {
		rec.PreviousState = models.DynamicState(*prev)
	}
	rec.CurrentState = models.DynamicState(current)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}
