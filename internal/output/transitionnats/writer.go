package transitionnats

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"riskflow/internal/logger"
	"riskflow/pkg/models"
)

// Config configures the NATS publisher.
type Config struct {
	URL          string
	Subject      string
	FlushTimeout time.Duration
}

// Writer publishes each transition event on "<subject>.<state>".
type Writer struct {
	conn         *nats.Conn
	subject      string
	flushTimeout time.Duration
}

// NewWriter connects to NATS.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = "riskflow.transitions"
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("riskflow"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	logger.Infof("Transition NATS writer connected: %s subject=%s", cfg.URL, cfg.Subject)
	return &Writer{conn: conn, subject: cfg.Subject, flushTimeout: cfg.FlushTimeout}, nil
}

// WriteEvents publishes a batch and waits for the server to acknowledge it.
func (w *Writer) WriteEvents(events []*models.TransitionEvent) error {
	if len(events) == 0 {
		return nil
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal transition event: %w", err)
		}
		if err := w.conn.Publish(Subject(w.subject, ev.CurrentState), data); err != nil {
			return fmt.Errorf("publish transition event: %w", err)
		}
	}
	if err := w.conn.FlushTimeout(w.flushTimeout); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (w *Writer) Close() error {
	if w.conn == nil {
		return nil
	}
	err := w.conn.Drain()
	if err != nil {
		w.conn.Close()
	}
	return err
}

// Subject returns the subject an event in state is published on.
func Subject(prefix string, state models.DynamicState) string {
	return prefix + "." + strings.ToLower(string(state))
}
