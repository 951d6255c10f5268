// Package lifecycle is the state machine of dynamic risks. It is the only
// writer of dynamic_state and the only place legal transitions are defined.
package lifecycle

import "riskflow/pkg/models"

// edges lists the legal successors of every state. RETIRED is terminal.
var edges = map[models.DynamicState][]models.DynamicState{
	models.StateDetected:  {models.StateDraft, models.StateValidated, models.StateRetired},
	models.StateDraft:     {models.StateValidated, models.StateRetired},
	models.StateValidated: {models.StateActive, models.StateRetired},
	models.StateActive:    {models.StateRetired},
	models.StateRetired:   nil,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.DynamicState) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Successors returns the legal targets of from.
func Successors(from models.DynamicState) []models.DynamicState {
	out := make([]models.DynamicState, len(edges[from]))
	copy(out, edges[from])
	return out
}

// ValidPath reports whether states, oldest first, starts in DETECTED and
// follows legal edges only.
func ValidPath(states []models.DynamicState) bool {
	if len(states) == 0 || states[0] != models.StateDetected {
		return false
	}
	for i := 1; i < len(states); i++ {
		if !CanTransition(states[i-1], states[i]) {
			return false
		}
	}
	return true
}
