// Package stats derives pipeline health from the risk store.
package stats

import (
	"context"
	"fmt"

	"riskflow/internal/metrics"
	"riskflow/internal/store"
	"riskflow/pkg/models"
)

// Aggregator counts risks per lifecycle state.
type Aggregator struct {
	store store.Store
}

// NewAggregator creates an aggregator over st.
func NewAggregator(st store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// PipelineStats returns the count per state with all five states present,
// and refreshes the pipeline gauge.
func (a *Aggregator) PipelineStats(ctx context.Context) (models.PipelineStats, error) {
	counts, err := a.store.CountByState(ctx)
	if err != nil {
		return models.PipelineStats{}, fmt.Errorf("count risks by state: %w", err)
	}
	out := models.NewPipelineStats()
	for _, s := range models.AllStates {
		out.Add(s, counts[s])
		metrics.PipelineRisks.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	return out, nil
}
