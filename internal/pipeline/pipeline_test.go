package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"riskflow/pkg/models"
)

type fakeSource struct {
	mu       sync.Mutex
	payloads [][]byte
	closed   bool
}

func (s *fakeSource) Pop(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if len(s.payloads) > 0 {
		p := s.payloads[0]
		s.payloads = s.payloads[1:]
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type fakeIngester struct {
	mu   sync.Mutex
	seen map[string]int
}

func (f *fakeIngester) IngestThreatIntel(_ context.Context, rec *models.ThreatIntelligenceData) (*models.IngestOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string]int{}
	}
	key := rec.Source + "|" + rec.IndicatorType + "|" + rec.IndicatorValue
	f.seen[key]++
	return &models.IngestOutcome{Risk: &models.DynamicRisk{Source: rec.Source}, Created: f.seen[key] == 1}, nil
}

func (f *fakeIngester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.seen {
		n += v
	}
	return n
}

type fakeSightings struct {
	mu      sync.Mutex
	records []*models.ThreatIntelligenceData
	closed  bool
}

func (f *fakeSightings) RecordSightings(records []*models.ThreatIntelligenceData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, records...)
	return nil
}

func (f *fakeSightings) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestTIPipelineIngestsValidPayloadsAndDropsInvalid(t *testing.T) {
	source := &fakeSource{payloads: [][]byte{
		[]byte(`{"source":"otx","indicator_type":"ip","indicator_value":"1.2.3.4","confidence":0.9}`),
		[]byte(`{"source":"otx","indicator_type":"ip","indicator_value":"1.2.3.4","confidence":0.95}`),
		[]byte(`{"source":"otx","indicator_type":"planet","indicator_value":"mars","confidence":0.9}`),
		[]byte(`not json`),
		[]byte(`{"source":"abuse","indicator_type":"domain","indicator_value":"Evil.Example","confidence":0.4,"unknown":1}`),
	}}
	ingester := &fakeIngester{}
	sightings := &fakeSightings{}

	p := NewTIPipeline(source, ingester, sightings, 2, 10, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && ingester.count() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("pipeline did not stop")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if ingester.count() != 2 {
		t.Fatalf("expected 2 ingested records, got %d", ingester.count())
	}
	if len(sightings.records) != 2 {
		t.Fatalf("expected 2 sightings flushed on shutdown, got %d", len(sightings.records))
	}
	if !sightings.closed || !source.closed {
		t.Fatalf("expected source and sighting writer closed")
	}
}

// endlessSource always has a payload ready and counts what it hands out.
type endlessSource struct {
	popped atomic.Int64
}

func (s *endlessSource) Pop(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := s.popped.Add(1)
	return []byte(fmt.Sprintf(`{"source":"otx","indicator_type":"ip","indicator_value":"10.0.%d.%d","confidence":0.5}`, n/250, n%250+1)), nil
}

func (s *endlessSource) Close() error { return nil }

// slowIngester refuses work on a done context, as the stores do.
type slowIngester struct {
	ingested atomic.Int64
}

func (s *slowIngester) IngestThreatIntel(ctx context.Context, rec *models.ThreatIntelligenceData) (*models.IngestOutcome, error) {
	time.Sleep(20 * time.Millisecond)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.ingested.Add(1)
	return &models.IngestOutcome{Risk: &models.DynamicRisk{Source: rec.Source}, Created: true}, nil
}

func TestTIPipelineIngestsPoppedPayloadsOnShutdown(t *testing.T) {
	source := &endlessSource{}
	ingester := &slowIngester{}
	p := NewTIPipeline(source, ingester, nil, 2, 10, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	atCancel := ingester.ingested.Load()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("pipeline did not stop")
	}

	popped, ingested := source.popped.Load(), ingester.ingested.Load()
	if popped != ingested {
		t.Fatalf("popped %d payloads but ingested %d", popped, ingested)
	}
	if ingested <= atCancel {
		t.Fatalf("expected queued payloads to be drained after cancel, ingested %d at cancel and %d at stop", atCancel, ingested)
	}
}

type recordingWriter struct {
	mu       sync.Mutex
	batches  [][]*models.TransitionEvent
	failures int
}

func (w *recordingWriter) WriteEvents(events []*models.TransitionEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("sink unavailable")
	}
	cp := append([]*models.TransitionEvent(nil), events...)
	w.batches = append(w.batches, cp)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func (w *recordingWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func TestNotifierBatchesAndRetries(t *testing.T) {
	w := &recordingWriter{failures: 1}
	n := NewNotifier(w, 16, 3, 20*time.Millisecond)
	n.retryDelay = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	for i := int64(1); i <= 5; i++ {
		n.Publish(&models.TransitionEvent{RiskID: i, CurrentState: models.StateDetected})
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && w.total() < 5 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if w.total() != 5 {
		t.Fatalf("expected 5 delivered events, got %d", w.total())
	}
	for _, b := range w.batches {
		if len(b) > 3 {
			t.Fatalf("batch exceeds batch size: %d", len(b))
		}
	}
}

func TestNotifierFlushesQueuedEventsOnShutdown(t *testing.T) {
	w := &recordingWriter{}
	n := NewNotifier(w, 16, 100, time.Hour)
	for i := int64(1); i <= 4; i++ {
		n.Publish(&models.TransitionEvent{RiskID: i})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if w.total() != 4 {
		t.Fatalf("expected queued events flushed, got %d", w.total())
	}
}

func TestNotifierPublishDropsWhenFull(t *testing.T) {
	w := &recordingWriter{}
	n := NewNotifier(w, 1, 1, time.Hour)
	n.Publish(&models.TransitionEvent{RiskID: 1})
	n.Publish(&models.TransitionEvent{RiskID: 2})
	if len(n.events) != 1 {
		t.Fatalf("expected queue to hold 1 event, got %d", len(n.events))
	}
	var nilNotifier *Notifier
	nilNotifier.Publish(&models.TransitionEvent{RiskID: 3})
}
