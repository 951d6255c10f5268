package pipeline

import (
	"context"
	"sync"
	"time"

	"riskflow/internal/logger"
	"riskflow/internal/metrics"
	"riskflow/internal/transform/ti"
	"riskflow/pkg/models"
)

// Source yields raw TI payloads. Pop returns nil, nil when nothing arrived
// within its blocking window.
type Source interface {
	Pop(ctx context.Context) ([]byte, error)
	Close() error
}

// Ingester folds one validated TI record into the risk register.
type Ingester interface {
	IngestThreatIntel(ctx context.Context, rec *models.ThreatIntelligenceData) (*models.IngestOutcome, error)
}

// TIPipeline consumes TI payloads from a queue, parses them, hands them to
// the ingester and records sightings in batches.
type TIPipeline struct {
	source        Source
	ingester      Ingester
	sightings     SightingWriter
	workers       int
	batchSize     int
	flushInterval time.Duration
}

// NewTIPipeline creates a feed ingestion pipeline. sightings may be nil.
func NewTIPipeline(source Source, ingester Ingester, sightings SightingWriter, workers, batchSize int, flushInterval time.Duration) *TIPipeline {
	return &TIPipeline{
		source:        source,
		ingester:      ingester,
		sightings:     sightings,
		workers:       workers,
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

// Run starts the pipeline loop and blocks until ctx is done. Every payload
// popped from the source before cancellation is ingested before Run returns.
func (p *TIPipeline) Run(ctx context.Context) error {
	logger.Infof("TI ingest pipeline started")

	if p.workers <= 0 {
		p.workers = 4
	}
	if p.batchSize <= 0 {
		p.batchSize = 500
	}
	if p.flushInterval <= 0 {
		p.flushInterval = 2 * time.Second
	}

	msgCh := make(chan []byte, p.workers*4)
	workCh := make(chan *models.ThreatIntelligenceData, p.workers*4)

	var readers, workers, writer sync.WaitGroup

	readers.Add(1)
	go func() {
		defer readers.Done()
		p.readLoop(ctx, msgCh)
		close(msgCh)
	}()

	for i := 0; i < p.workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			p.workerLoop(ctx, msgCh, workCh)
		}()
	}

	writer.Add(1)
	go func() {
		defer writer.Done()
		p.writeLoop(workCh)
	}()

	readers.Wait()
	workers.Wait()
	close(workCh)
	writer.Wait()
	logger.Infof("TI ingest pipeline stopped")
	return ctx.Err()
}

// Close releases pipeline resources.
func (p *TIPipeline) Close() error {
	if p.sightings != nil {
		if err := p.sightings.Close(); err != nil {
			logger.Errorf("Failed to close sighting writer: %v", err)
		}
	}
	if p.source != nil {
		return p.source.Close()
	}
	return nil
}

func (p *TIPipeline) readLoop(ctx context.Context, out chan<- []byte) {
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := p.source.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("Failed to pop TI message: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if payload == nil {
			continue
		}
		// A popped payload is gone from the queue. Workers drain out until
		// it is closed, so this send completes during shutdown too.
		out <- payload
	}
}

func (p *TIPipeline) workerLoop(ctx context.Context, in <-chan []byte, out chan<- *models.ThreatIntelligenceData) {
	// Payloads drained after cancellation are still ingested.
	ingestCtx := context.WithoutCancel(ctx)
	for payload := range in {
		rec, err := ti.Parse(payload)
		if err != nil {
			metrics.IngestMessages.WithLabelValues("invalid").Inc()
			logger.Warnf("Dropping invalid TI payload: %v", err)
			continue
		}

		outcome, err := p.ingester.IngestThreatIntel(ingestCtx, rec)
		if err != nil {
			metrics.IngestMessages.WithLabelValues("failed").Inc()
			logger.Errorf("Failed to ingest TI record %s/%s from %s: %v", rec.IndicatorType, rec.IndicatorValue, rec.Source, err)
			continue
		}
		if outcome.Created {
			metrics.IngestMessages.WithLabelValues("created").Inc()
		} else {
			metrics.IngestMessages.WithLabelValues("revised").Inc()
		}

		if p.sightings != nil {
			out <- rec
		}
	}
}

func (p *TIPipeline) writeLoop(in <-chan *models.ThreatIntelligenceData) {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	var batch []*models.ThreatIntelligenceData

	flush := func() {
		if len(batch) == 0 || p.sightings == nil {
			batch = nil
			return
		}
		if err := p.sightings.RecordSightings(batch); err != nil {
			logger.Errorf("Failed to record %d sightings: %v", len(batch), err)
		}
		batch = nil
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case rec, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= p.batchSize {
				flush()
			}
		}
	}
}
