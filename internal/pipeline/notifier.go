package pipeline

import (
	"context"
	"time"

	"riskflow/internal/logger"
	"riskflow/internal/metrics"
	"riskflow/pkg/models"
)

// Notifier fans committed transition events out to a sink. Publish never
// blocks; events are batched by a single writer goroutine started by Run.
type Notifier struct {
	writer        TransitionWriter
	events        chan *models.TransitionEvent
	batchSize     int
	flushInterval time.Duration
	retryDelay    time.Duration
}

// NewNotifier creates a notifier with a buffer of queueSize events.
func NewNotifier(writer TransitionWriter, queueSize, batchSize int, flushInterval time.Duration) *Notifier {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Notifier{
		writer:        writer,
		events:        make(chan *models.TransitionEvent, queueSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retryDelay:    time.Second,
	}
}

// Publish enqueues ev, dropping it when the queue is full.
func (n *Notifier) Publish(ev *models.TransitionEvent) {
	if n == nil || ev == nil {
		return
	}
	select {
	case n.events <- ev:
	default:
		metrics.NotifyEvents.WithLabelValues("dropped").Inc()
		logger.Warnf("Transition notifier queue full, dropping event for risk %d", ev.RiskID)
	}
}

// Run writes batches until ctx is done, then flushes what is queued.
func (n *Notifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.flushInterval)
	defer ticker.Stop()

	var batch []*models.TransitionEvent

	flush := func(retry bool) {
		for len(batch) > 0 {
			err := n.writer.WriteEvents(batch)
			if err == nil {
				metrics.NotifyEvents.WithLabelValues("delivered").Add(float64(len(batch)))
				batch = nil
				return
			}
			logger.Errorf("Failed to deliver %d transition events: %v", len(batch), err)
			if !retry {
				metrics.NotifyEvents.WithLabelValues("failed").Add(float64(len(batch)))
				batch = nil
				return
			}
			select {
			case <-ctx.Done():
				retry = false
			case <-time.After(n.retryDelay):
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case ev := <-n.events:
					batch = append(batch, ev)
				default:
					break drain
				}
			}
			flush(false)
			return ctx.Err()
		case <-ticker.C:
			flush(true)
		case ev := <-n.events:
			batch = append(batch, ev)
			if len(batch) >= n.batchSize {
				flush(true)
			}
		}
	}
}

// Close closes the sink.
func (n *Notifier) Close() error {
	if n == nil || n.writer == nil {
		return nil
	}
	return n.writer.Close()
}
