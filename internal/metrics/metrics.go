// Package metrics holds the Prometheus collectors of the risk pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RisksCreated counts risks created from TI records.
	RisksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskflow_risks_created_total",
		Help: "Dynamic risks created from threat-intelligence records",
	})

	// ConfidenceRevisions counts re-detections that raised an existing risk's confidence.
	ConfidenceRevisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskflow_confidence_revisions_total",
		Help: "Re-detections folded into an existing risk",
	})

	// Transitions counts committed state transitions.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskflow_transitions_total",
		Help: "Committed state transitions by endpoints and mode",
	}, []string{"from", "to", "mode"})

	// TransitionFailures counts rejected transitions by error kind.
	TransitionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskflow_transition_failures_total",
		Help: "Rejected state transitions by error kind",
	}, []string{"kind"})

	// ScanRuns counts auto-promotion scans.
	ScanRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskflow_scan_runs_total",
		Help: "Auto-promotion scans executed",
	})

	// ScanDuration tracks auto-promotion scan latency.
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "riskflow_scan_duration_seconds",
		Help:    "Auto-promotion scan duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	})

	// ScanOutcomes counts per-candidate scan outcomes.
	ScanOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskflow_scan_outcomes_total",
		Help: "Per-candidate outcomes of auto-promotion scans",
	}, []string{"outcome"})

	// PipelineRisks reports the last observed count of risks per state.
	PipelineRisks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "riskflow_pipeline_risks",
		Help: "Dynamic risks per lifecycle state as of the last stats call",
	}, []string{"state"})

	// IngestMessages counts TI payloads consumed from the feed queue.
	IngestMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskflow_ingest_messages_total",
		Help: "Threat-intelligence payloads consumed by result",
	}, []string{"result"})

	// NotifyEvents counts transition events handed to sinks.
	NotifyEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskflow_notify_events_total",
		Help: "Transition events delivered to sinks by result",
	}, []string{"result"})
)

// Mode labels a transition as automated or manual.
func Mode(automated bool) string {
	if automated {
		return "automated"
	}
	return "manual"
}
