package transitionclickhouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"riskflow/pkg/models"
)

// tsLayout matches the DateTime64(6) text form ClickHouse parses without
// best_effort.
const tsLayout = "2006-01-02 15:04:05.000000"

// Config configures the ClickHouse HTTP writer.
type Config struct {
	URL      string
	Database string
	Table    string
	Username string
	Password string
	Timeout  time.Duration
	Headers  map[string]string
}

// Writer sends transition events to ClickHouse via HTTP JSONEachRow.
//
// Every insert carries insert_deduplication_token set to the batch key, so a
// batch retried after a lost response is stored once.
type Writer struct {
	base    string
	table   string
	headers map[string]string
	client  *http.Client
}

// row is the column mapping of the transitions table.
type row struct {
	TS            string  `json:"ts"`
	RiskID        int64   `json:"risk_id"`
	RiskRef       string  `json:"risk_ref"`
	Source        string  `json:"source"`
	PreviousState *string `json:"previous_state"`
	CurrentState  string  `json:"current_state"`
	Reason        string  `json:"reason"`
	Automated     uint8   `json:"automated"`
	ActorID       *int64  `json:"actor_id"`
	Confidence    float64 `json:"confidence"`
	RiskScore     int32   `json:"risk_score"`
	RecordHash    string  `json:"record_hash"`
}

func toRow(ev *models.TransitionEvent) row {
	r := row{
		TS:           ev.Timestamp.UTC().Format(tsLayout),
		RiskID:       ev.RiskID,
		RiskRef:      ev.RiskRef,
		Source:       ev.Source,
		CurrentState: string(ev.CurrentState),
		Reason:       ev.Reason,
		ActorID:      ev.ActorID,
		Confidence:   ev.Confidence,
		RiskScore:    int32(ev.RiskScore),
		RecordHash:   ev.RecordHash,
	}
	if ev.PreviousState != "" {
		prev := string(ev.PreviousState)
		r.PreviousState = &prev
	}
	if ev.Automated {
		r.Automated = 1
	}
	return r
}

// NewWriter creates a ClickHouse HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "risk_transitions"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	return &Writer{
		base:    strings.TrimRight(cfg.URL, "/") + "/",
		table:   quoteIdent(cfg.Database) + "." + quoteIdent(cfg.Table),
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// CreateTableSQL returns the DDL of the transitions table.
func CreateTableSQL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
    ts DateTime64(6, 'UTC'),
    risk_id Int64,
    risk_ref String,
    source LowCardinality(String),
    previous_state LowCardinality(Nullable(String)),
    current_state LowCardinality(String),
    reason String,
    automated UInt8,
    actor_id Nullable(Int64),
    confidence Float64,
    risk_score Int32,
    record_hash String
) ENGINE = MergeTree
ORDER BY (risk_id, ts)
SETTINGS non_replicated_deduplication_window = 1000`
}

// EnsureTable creates the transitions table when it does not exist.
func (w *Writer) EnsureTable(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.base, strings.NewReader(CreateTableSQL(w.table)))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return w.do(req, "create table")
}

// WriteEvents sends a batch of transition events.
func (w *Writer) WriteEvents(events []*models.TransitionEvent) error {
	if len(events) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, ev := range events {
		if err := enc.Encode(toRow(ev)); err != nil {
			return fmt.Errorf("failed to marshal transition event: %w", err)
		}
	}

	params := url.Values{}
	params.Set("query", "INSERT INTO "+w.table+" FORMAT JSONEachRow")
	params.Set("insert_deduplication_token", models.TransitionBatchKey(events))
	req, err := http.NewRequest(http.MethodPost, w.base+"?"+params.Encode(), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return w.do(req, fmt.Sprintf("insert of %d transitions", len(events)))
}

func (w *Writer) do(req *http.Request, what string) error {
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse %s failed: %w", what, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clickhouse %s failed with status %s: %s", what, resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Close releases resources.
func (w *Writer) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

func quoteIdent(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "`", "")
	return "`" + v + "`"
}
