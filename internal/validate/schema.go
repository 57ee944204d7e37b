package validate

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"aegisflux/backend/fleetwatch/internal/model"
)

//go:embed schemas/activity_report.json
var schemaFS embed.FS

const schemaName = "activity_report.json"

// ValidationError describes the first offending field of a rejected report
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid report: %s", e.Message)
	}
	return fmt.Sprintf("invalid report: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return model.ErrInvalidReport
}

// SchemaValidator checks activity reports against the embedded JSON schema
type SchemaValidator struct {
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewSchemaValidator compiles the activity report schema
func NewSchemaValidator(logger *slog.Logger) (*SchemaValidator, error) {
	schemaData, err := schemaFS.ReadFile("schemas/" + schemaName)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", schemaName, err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaName, bytes.NewReader(schemaData)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaName)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &SchemaValidator{schema: schema, logger: logger}, nil
}

// ValidateReport returns a *ValidationError when the report is malformed or out of range
func (v *SchemaValidator) ValidateReport(r *model.ActivityReport) error {
	if r == nil {
		return &ValidationError{Message: "report is required"}
	}
	// encoding/json refuses NaN and Inf, so catch them with a precise field first
	if math.IsNaN(r.CPUPercent) || math.IsInf(r.CPUPercent, 0) {
		return &ValidationError{Field: "cpu_percent", Message: "must be a finite number"}
	}

	data, err := json.Marshal(r)
	if err != nil {
		return &ValidationError{Message: err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &ValidationError{Message: err.Error()}
	}

	if err := v.schema.Validate(doc); err != nil {
		verr := toValidationError(err)
		v.logger.Debug("report validation failed",
			"endpoint_id", r.EndpointID,
			"field", verr.Field,
			"error", verr.Message)
		return verr
	}
	return nil
}

// toValidationError reduces a schema error tree to its first leaf
func toValidationError(err error) *ValidationError {
	var serr *jsonschema.ValidationError
	if !errors.As(err, &serr) {
		return &ValidationError{Message: err.Error()}
	}
	for len(serr.Causes) > 0 {
		serr = serr.Causes[0]
	}
	field := strings.ReplaceAll(strings.TrimPrefix(serr.InstanceLocation, "/"), "/", ".")
	return &ValidationError{Field: field, Message: serr.Message}
}
