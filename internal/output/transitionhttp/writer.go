package transitionhttp

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"riskflow/pkg/models"
)

// Headers set on every webhook delivery.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderEventCount     = "X-Riskflow-Event-Count"
	HeaderSignature      = "X-Riskflow-Signature"
)

// Writer posts transition event batches to a webhook as a JSON array.
//
// Each request carries an Idempotency-Key derived from the record hashes of
// the batch, so a receiver can drop a batch the notifier retried after a
// timeout. A 409 Conflict answer means the receiver already has the batch.
type Writer struct {
	url     string
	headers map[string]string
	secret  []byte
	client  *http.Client
}

// Config configures the HTTP writer. When Secret is set the body is signed
// with HMAC-SHA256 in the X-Riskflow-Signature header.
type Config struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
	Secret  string
}

// NewWriter creates an HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http notify URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w := &Writer{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}
	if cfg.Secret != "" {
		w.secret = []byte(cfg.Secret)
	}
	return w, nil
}

// WriteEvents posts a batch of events.
func (w *Writer) WriteEvents(events []*models.TransitionEvent) error {
	if len(events) == 0 {
		return nil
	}

	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal transition events: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, models.TransitionBatchKey(events))
	req.Header.Set(HeaderEventCount, strconv.Itoa(len(events)))
	if w.secret != nil {
		req.Header.Set(HeaderSignature, Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http request for %d transitions failed with status %s", len(events), resp.Status)
	}
	return nil
}

// Close releases HTTP resources.
func (w *Writer) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
