// Package riskerr defines the typed failures surfaced by the risk pipeline.
package riskerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"riskflow/pkg/models"
)

// NotFoundError reports a reference to a risk that does not exist.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "risk"
	}
	return fmt.Sprintf("%s %s not found", kind, e.Key)
}

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// IllegalTransitionError reports a target state that is not a legal successor.
type IllegalTransitionError struct {
	RiskID int64
	From   models.DynamicState
	To     models.DynamicState
}

func (e *IllegalTransitionError) Error() string {
	if e.From.Terminal() {
		return fmt.Sprintf("risk %d is %s; no further transitions are accepted (requested %s)", e.RiskID, e.From, e.To)
	}
	return fmt.Sprintf("illegal transition %s -> %s for risk %d", e.From, e.To, e.RiskID)
}

// ConcurrencyConflictError reports that a competing write changed the risk
// between the caller's read and its compare-and-set.
type ConcurrencyConflictError struct {
	RiskID   int64
	Expected models.DynamicState
	Actual   models.DynamicState
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent transition on risk %d: expected state %s, found %s", e.RiskID, e.Expected, e.Actual)
}

// NotFound builds a NotFoundError for a risk surrogate id.
func NotFound(id int64) error {
	return &NotFoundError{Kind: "risk", Key: fmt.Sprintf("%d", id)}
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Invalids joins several field problems into one ValidationError.
func Invalids(problems map[string]string) error {
	if len(problems) == 0 {
		return nil
	}
	fields := make([]string, 0, len(problems))
	parts := make([]string, 0, len(problems))
	for f := range problems {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		parts = append(parts, f+": "+problems[f])
	}
	return &ValidationError{Field: strings.Join(fields, ","), Message: strings.Join(parts, "; ")}
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsIllegalTransition reports whether err wraps an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var target *IllegalTransitionError
	return errors.As(err, &target)
}

// IsConflict reports whether err wraps a ConcurrencyConflictError.
func IsConflict(err error) bool {
	var target *ConcurrencyConflictError
	return errors.As(err, &target)
}

// Kind names the error class for logs and metrics labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsNotFound(err):
		return "not_found"
	case IsValidation(err):
		return "validation"
	case IsIllegalTransition(err):
		return "illegal_transition"
	case IsConflict(err):
		return "conflict"
	default:
		return "internal"
	}
}
