// Package codegen defines the contract for generated trigger predicates and
// validates generated Python source against it. Generated code is parsed and
// inspected, never executed.
package codegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// ErrContractViolation matches every *Rejection.
var ErrContractViolation = errors.New("generated code violates the predicate contract")

// ParameterNames is the required predicate signature, in order.
var ParameterNames = []string{"time", "activity_data", "sensor_data", "blackboard"}

// MaxBlackboardKeys bounds the state a predicate may keep between calls.
const MaxBlackboardKeys = 4

// GeneratedCode is a trigger predicate and its cancel predicate.
type GeneratedCode struct {
	TriggerCode string `json:"generated_trigger_code"`
	CancelCode  string `json:"generated_cancel_code"`
}

// Synthesizer produces predicate source for a frozen conversation state.
type Synthesizer interface {
	Synthesize(ctx context.Context, state models.ConversationState) (GeneratedCode, error)
}

// DecodeGeneratedCode strictly decodes a generated code document.
func DecodeGeneratedCode(data []byte) (GeneratedCode, error) {
	var code GeneratedCode
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&code); err != nil {
		return GeneratedCode{}, fmt.Errorf("%w: %v", models.ErrSchemaValidation, err)
	}
	if strings.TrimSpace(code.TriggerCode) == "" || strings.TrimSpace(code.CancelCode) == "" {
		return GeneratedCode{}, fmt.Errorf("%w: both generated_trigger_code and generated_cancel_code are required", models.ErrSchemaValidation)
	}
	return code, nil
}

// Rules reported in violations.
const (
	RuleSyntax      = "syntax"
	RuleStructure   = "structure"
	RuleSignature   = "signature"
	RuleImport      = "import"
	RuleLoop        = "loop"
	RuleIO          = "io"
	RuleTimer       = "timer"
	RuleTimeParsing = "time-parsing"
	RuleScope       = "scope"
	RuleConstruct   = "construct"
	RuleCall        = "call"
	RuleName        = "name"
	RuleInterval    = "interval"
	RuleAssignment  = "assignment"
	RuleBlackboard  = "blackboard"
	RuleMutation    = "mutation"
	RuleReturn      = "return"
	RuleCatalog     = "catalog"
	RuleCancel      = "cancel"
)

// Predicate roles used in Violation.Function.
const (
	RoleTrigger = "trigger"
	RoleCancel  = "cancel"
)

// Violation is one contract breach found in generated code.
type Violation struct {
	Rule      string `json:"rule"`
	Function  string `json:"function"`
	Construct string `json:"construct"`
	Line      int    `json:"line,omitempty"`
}

func (v Violation) String() string {
	if v.Line > 0 {
		return fmt.Sprintf("%s: %s (%s line %d)", v.Rule, v.Construct, v.Function, v.Line)
	}
	return fmt.Sprintf("%s: %s (%s)", v.Rule, v.Construct, v.Function)
}

// Rejection lists every violation found in a GeneratedCode.
type Rejection struct {
	Violations []Violation `json:"violations"`
}

func (r *Rejection) Error() string {
	parts := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("generated code rejected: %s", strings.Join(parts, "; "))
}

// Is lets callers match a Rejection with ErrContractViolation.
func (r *Rejection) Is(target error) bool {
	return target == ErrContractViolation
}

// Has reports whether any violation carries the given rule.
func (r *Rejection) Has(rule string) bool {
	for _, v := range r.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}
