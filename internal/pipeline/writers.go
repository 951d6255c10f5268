package pipeline

import "riskflow/pkg/models"

// TransitionWriter delivers committed transition events to a sink.
type TransitionWriter interface {
	WriteEvents(events []*models.TransitionEvent) error
	Close() error
}

// SightingWriter records indicator sightings.
type SightingWriter interface {
	RecordSightings(records []*models.ThreatIntelligenceData) error
	Close() error
}
