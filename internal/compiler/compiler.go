// Package compiler turns a finished, feasible reminder conversation and its
// validated predicates into a schema-valid TriggerMachine.
package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/BTreeMap/ReminderPipe/internal/catalog"
	"github.com/BTreeMap/ReminderPipe/internal/codegen"
	"github.com/BTreeMap/ReminderPipe/internal/feasibility"
	"github.com/BTreeMap/ReminderPipe/internal/flow"
	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/recurrence"
)

// MaxTriggerNameLength bounds TriggerName in runes.
const MaxTriggerNameLength = 64

// Metadata keys read by the compiler.
const (
	MetaCancelDelay = "cancel_delay_seconds"
	MetaDeviceID    = "device_id"
)

// CodeValidator checks generated predicates before they are compiled in.
type CodeValidator interface {
	Validate(ctx context.Context, code codegen.GeneratedCode) error
}

// Request is the input of one compilation.
type Request struct {
	State      models.ConversationState
	Code       codegen.GeneratedCode
	Transcript []models.ConversationMessage
	// Sequence numbers the TriggerId; zero means 1.
	Sequence     int
	ExtraActions []models.Action
}

// Result is a compiled trigger machine, its serialized form and any
// non-fatal issues found while compiling.
type Result struct {
	Machine models.TriggerMachine
	JSON    []byte
	Issues  []string
}

// Compiler builds TriggerMachines. It is safe for concurrent use.
type Compiler struct {
	catalog   *catalog.Catalog
	validator CodeValidator
	schema    *openapi3.Schema
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithValidator replaces the predicate validator.
func WithValidator(v CodeValidator) Option {
	return func(c *Compiler) {
		c.validator = v
	}
}

// NewCompiler creates a Compiler over a catalog. The predicate validator
// defaults to codegen.NewValidator(c).
func NewCompiler(c *catalog.Catalog, opts ...Option) (*Compiler, error) {
	schema, err := loadSchema()
	if err != nil {
		return nil, err
	}
	comp := &Compiler{catalog: c, schema: schema}
	for _, opt := range opts {
		opt(comp)
	}
	if comp.validator == nil {
		comp.validator = codegen.NewValidator(c)
	}
	return comp, nil
}

// Compile builds and fully validates a TriggerMachine. It is deterministic
// for a given request, so retries are safe.
func (c *Compiler) Compile(ctx context.Context, req Request) (*Result, error) {
	slots := req.State.Slots
	if !req.State.Feasibility.Feasible() || !slots.HasWhat() || !slots.HasWhen() {
		return nil, models.ErrNotFeasible
	}
	if err := c.validator.Validate(ctx, req.Code); err != nil {
		slog.Warn("Compiler.Compile: generated code rejected", "what", slots.WhatText(), "error", err)
		return nil, err
	}

	var issues []string
	rec, err := buildRecurrence(slots.RecurrenceText())
	if err != nil {
		return nil, err
	}
	priority, ok := QuantizePriority(slots.Priority)
	if !ok {
		issues = append(issues, fmt.Sprintf("priority %q not recognized, using %d", slots.Priority, DefaultPriority))
	}
	delay, err := cancelDelay(slots.Metadata)
	if err != nil {
		return nil, err
	}

	seq := req.Sequence
	if seq <= 0 {
		seq = 1
	}
	reminder := models.ReminderAction{
		Title:    ConditionTitle(slots),
		Content:  Remediation(slots.WhatText()),
		Priority: priority,
	}
	if dev, ok := slots.Metadata[MetaDeviceID].(string); ok && strings.TrimSpace(dev) != "" {
		reminder.DeviceID = models.StringPtr(strings.TrimSpace(dev))
	}
	actions := models.ActionList{reminder}
	actions = append(actions, req.ExtraActions...)

	machine := models.TriggerMachine{
		TriggerID:   TriggerID(slots.WhatText(), seq),
		TriggerName: TriggerName(slots.WhatText()),
		TriggerCondition: models.TriggerCondition{
			GeneratedTriggerCode: req.Code.TriggerCode,
			Recurrence:           rec,
		},
		CancelCondition: models.CancelCondition{
			Delay:               delay,
			GeneratedCancelCode: req.Code.CancelCode,
		},
		Actions:          actions,
		ConstructionInfo: c.constructionInfo(slots, req.Transcript, priority),
	}

	doc, err := json.Marshal(machine)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSchemaValidation, err)
	}
	if err := validateDocument(c.schema, doc); err != nil {
		slog.Error("Compiler.Compile: schema validation failed", "trigger_id", machine.TriggerID, "error", err)
		return nil, err
	}
	decoded, err := models.DecodeTriggerMachine(doc)
	if err != nil {
		slog.Error("Compiler.Compile: round trip failed", "trigger_id", machine.TriggerID, "error", err)
		return nil, err
	}

	slog.Info("Compiler.Compile: trigger compiled", "trigger_id", decoded.TriggerID, "frequency", rec.OccurrenceFrequency, "priority", priority)
	return &Result{Machine: decoded, JSON: doc, Issues: issues}, nil
}

// TriggerID derives "<subject>_trigger_id_<n>" from the WHAT slot.
func TriggerID(what string, seq int) string {
	if seq <= 0 {
		seq = 1
	}
	return fmt.Sprintf("%s_trigger_id_%d", codegen.Subject(what), seq)
}

// TriggerName is the normalized WHAT, cut to MaxTriggerNameLength runes.
func TriggerName(what string) string {
	name := catalog.Normalize(what)
	if name == "" {
		return codegen.DefaultSubject
	}
	if utf8.RuneCountInString(name) <= MaxTriggerNameLength {
		return name
	}
	runes := []rune(name)
	return strings.TrimSpace(string(runes[:MaxTriggerNameLength]))
}

var leadingConnectives = []string{"as soon as ", "right when ", "whenever ", "when ", "once ", "if "}

// ConditionTitle describes what sets the reminder off, e.g. "the microwave is
// done" or "at 5 p.m.".
func ConditionTitle(slots models.Slots) string {
	inferred := strings.TrimRight(slots.When.Inferred(), ".!? ")
	if inferred == "" {
		return flow.WhenPhrase(slots.When)
	}
	lower := strings.ToLower(inferred)
	for _, c := range leadingConnectives {
		if strings.HasPrefix(lower, c) {
			inferred = strings.TrimSpace(inferred[len(c):])
			break
		}
	}
	if slots.When.HasExact() {
		inferred += " " + flow.WhenPhrase(&models.When{ExactTime: slots.When.ExactTime})
	}
	return inferred
}

var remediationPrefixes = []string{"remind me to ", "please ", "to "}

// Remediation turns the WHAT slot into a terse instruction, not a sentence.
func Remediation(what string) string {
	out := strings.Join(strings.Fields(what), " ")
	for {
		lower := strings.ToLower(out)
		trimmed := false
		for _, p := range remediationPrefixes {
			if strings.HasPrefix(lower, p) {
				out, trimmed = out[len(p):], true
				break
			}
		}
		if !trimmed {
			break
		}
	}
	out = strings.TrimRight(out, ".!?; ")
	if r, size := utf8.DecodeRuneInString(out); size > 0 && r < utf8.RuneSelf {
		out = strings.ToLower(out[:size]) + out[size:]
	}
	return out
}

func buildRecurrence(label string) (models.Recurrence, error) {
	spec, err := recurrence.Parse(label)
	if err != nil {
		return models.Recurrence{}, fmt.Errorf("%w: %w", models.ErrInvalidRecurrence, err)
	}
	if spec.SubDaily() || spec.Frequency == "" {
		return models.Recurrence{}, fmt.Errorf("%w: %q is more frequent than daily", models.ErrInvalidRecurrence, label)
	}
	rec := models.Recurrence{Repeat: spec.Repeat(), OccurrenceFrequency: spec.Frequency}
	if len(spec.Days) > 0 || spec.Interval > 1 {
		rec.Details = &models.RecurrenceDetails{Days: spec.Days, Interval: spec.Interval}
	}
	if err := rec.Validate(); err != nil {
		return models.Recurrence{}, err
	}
	return rec, nil
}

func cancelDelay(meta map[string]any) (int, error) {
	raw, ok := meta[MetaCancelDelay]
	if !ok || raw == nil {
		return 0, nil
	}
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s is not a number", models.ErrSchemaValidation, MetaCancelDelay)
		}
		f = n
	default:
		return 0, fmt.Errorf("%w: %s must be a number, got %T", models.ErrSchemaValidation, MetaCancelDelay, raw)
	}
	if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s must be a non-negative whole number of seconds", models.ErrSchemaValidation, MetaCancelDelay)
	}
	return int(f), nil
}

func (c *Compiler) constructionInfo(slots models.Slots, transcript []models.ConversationMessage, priority int) *models.ConstructionInfo {
	turns := make([]models.ConversationTurn, 0, len(transcript))
	for _, m := range transcript {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		turns = append(turns, models.ConversationTurn{Role: m.Role, Content: m.Content})
	}
	analysis := feasibility.Analyze(c.catalog, slots).ToMap()
	analysis["priority_label"] = slots.Priority
	analysis["priority"] = priority
	if label := slots.RecurrenceText(); label != "" {
		analysis["recurrence_label"] = label
	}
	if len(slots.Constraints) > 0 {
		analysis["constraints"] = slots.Constraints
	}
	return &models.ConstructionInfo{
		Conversations: turns,
		Summary:       flow.Summarize(slots),
		AnalysisData:  analysis,
	}
}
