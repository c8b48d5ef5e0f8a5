package compiler

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

//go:embed trigger_machine.schema.json
var triggerMachineSchema []byte

// SchemaError lists every reason a compiled document failed the
// TriggerMachine schema.
type SchemaError struct {
	Reasons []string
}

func (e *SchemaError) Error() string {
	return "trigger machine schema: " + strings.Join(e.Reasons, "; ")
}

// Unwrap lets callers match models.ErrSchemaValidation.
func (e *SchemaError) Unwrap() error { return models.ErrSchemaValidation }

// loadSchema parses the embedded schema and checks that it is itself valid.
func loadSchema() (*openapi3.Schema, error) {
	var schema openapi3.Schema
	if err := json.Unmarshal(triggerMachineSchema, &schema); err != nil {
		return nil, fmt.Errorf("failed to parse trigger machine schema: %w", err)
	}
	if err := schema.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid trigger machine schema: %w", err)
	}
	return &schema, nil
}

// validateDocument checks a serialized TriggerMachine against the schema and
// collects all violations.
func validateDocument(schema *openapi3.Schema, doc []byte) error {
	var value any
	if err := json.Unmarshal(doc, &value); err != nil {
		return &SchemaError{Reasons: []string{err.Error()}}
	}
	err := schema.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		reasons := make([]string, 0, len(multi))
		for _, e := range multi {
			reasons = append(reasons, e.Error())
		}
		return &SchemaError{Reasons: reasons}
	}
	return &SchemaError{Reasons: []string{err.Error()}}
}
