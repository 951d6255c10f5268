// Package ti decodes and validates threat-intelligence payloads at the
// ingestion boundary.
package ti

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"riskflow/internal/riskerr"
	"riskflow/pkg/models"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// Parse decodes one JSON payload into a validated TI record. Unknown fields
// are rejected.
func Parse(data []byte) (*models.ThreatIntelligenceData, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var rec models.ThreatIntelligenceData
	if err := dec.Decode(&rec); err != nil {
		return nil, riskerr.Invalid("payload", "%v", err)
	}
	if dec.More() {
		return nil, riskerr.Invalid("payload", "trailing data after TI record")
	}
	if err := Validate(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Normalize trims and lowercases the enumerated fields in place.
func Normalize(rec *models.ThreatIntelligenceData) {
	rec.Source = strings.TrimSpace(rec.Source)
	rec.IndicatorType = strings.ToLower(strings.TrimSpace(rec.IndicatorType))
	rec.IndicatorValue = strings.TrimSpace(rec.IndicatorValue)
	rec.SeverityHint = strings.ToLower(strings.TrimSpace(rec.SeverityHint))
	rec.Description = strings.TrimSpace(rec.Description)
	if rec.IndicatorType == models.IndicatorDomain || rec.IndicatorType == models.IndicatorEmail || rec.IndicatorType == models.IndicatorHash {
		rec.IndicatorValue = strings.ToLower(rec.IndicatorValue)
	}
	if !rec.ObservedAt.IsZero() {
		rec.ObservedAt = rec.ObservedAt.UTC()
	}
}

// Validate normalizes rec and checks required fields and ranges.
func Validate(rec *models.ThreatIntelligenceData) error {
	if rec == nil {
		return riskerr.Invalid("payload", "is empty")
	}
	Normalize(rec)

	err := validatorInstance().Struct(rec)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate TI record: %w", err)
	}
	problems := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		problems[fe.Field()] = describe(fe)
	}
	return riskerr.Invalids(problems)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "max":
		return "exceeds maximum " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}
