package models

// PipelineStats counts risks per lifecycle state.
type PipelineStats struct {
	Counts map[DynamicState]int `json:"counts"`
	Total  int                  `json:"total"`
}

// NewPipelineStats returns stats with every state present at zero.
func NewPipelineStats() PipelineStats {
	counts := make(map[DynamicState]int, len(AllStates))
	for _, s := range AllStates {
		counts[s] = 0
	}
	return PipelineStats{Counts: counts}
}

// Add increments the count for s.
func (p *PipelineStats) Add(s DynamicState, n int) {
	p.Counts[s] += n
	p.Total += n
}
