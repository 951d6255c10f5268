package models

import "strings"

// DynamicState is the lifecycle stage of a pipeline-managed risk.
type DynamicState string

const (
	StateDetected  DynamicState = "DETECTED"
	StateDraft     DynamicState = "DRAFT"
	StateValidated DynamicState = "VALIDATED"
	StateActive    DynamicState = "ACTIVE"
	StateRetired   DynamicState = "RETIRED"
)

// AllStates lists every state in lifecycle order.
var AllStates = []DynamicState{
	StateDetected,
	StateDraft,
	StateValidated,
	StateActive,
	StateRetired,
}

// Valid reports whether s is one of the defined states.
func (s DynamicState) Valid() bool {
	switch s {
	case StateDetected, StateDraft, StateValidated, StateActive, StateRetired:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s DynamicState) Terminal() bool {
	return s == StateRetired
}

func (s DynamicState) String() string {
	return string(s)
}

// ParseState normalizes user input into a state. The second return is false
// for unrecognized values.
func ParseState(raw string) (DynamicState, bool) {
	s := DynamicState(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.Valid()
}
