// Package feasibility decides whether a requested reminder can be detected by
// the home: by clock time, by a catalog activity or by a catalog sensor.
//
// The evaluator is a deterministic rule engine. Its only input besides the
// slots is an injected clock used to stamp last_checked_at.
package feasibility

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/catalog"
	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/recurrence"
)

// Issue strings reported in Feasibility.Issues.
const (
	IssueNotEnoughInformation = "not enough information"
	IssueNotDetectable        = "activity or sensor not detectable"
	IssueBeforeActivity       = "cannot trigger before an activity"
	IssueTooFrequent          = "recurrence too frequent"
	IssueRecurrenceUnknown    = "recurrence not recognized"
	IssueNoTrigger            = "no detectable trigger"
)

// Outcome is the result of one evaluation.
type Outcome struct {
	Feasibility models.Feasibility `json:"feasibility"`
	State       models.StateType   `json:"state"`
	Analysis    Analysis           `json:"analysis"`
}

// Evaluator applies the feasibility rules against a catalog.
type Evaluator struct {
	catalog *catalog.Catalog
	now     func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock sets the clock used for last_checked_at.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates an evaluator bound to a loaded catalog.
func NewEvaluator(c *catalog.Catalog, opts ...Option) *Evaluator {
	e := &Evaluator{catalog: c, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate implements the feasibility capability boundary used by the
// conversation orchestrator. The built-in rules never fail.
func (e *Evaluator) Evaluate(_ context.Context, slots models.Slots) (Outcome, error) {
	return e.Check(slots), nil
}

// Check runs the rules in order; the first failing rule decides the outcome.
func (e *Evaluator) Check(slots models.Slots) Outcome {
	checkedAt := e.now().UTC()
	out := Outcome{Feasibility: models.Feasibility{
		LastCheckedAt: &checkedAt,
		Issues:        []string{},
		Alternatives:  []string{},
	}}

	// Missing information: nothing else is evaluated.
	if !slots.HasWhat() || !slots.HasWhen() {
		out.State = models.StateNeedWhen
		if !slots.HasWhat() {
			out.State = models.StateNeedWhat
		}
		out.Feasibility.Issues = []string{IssueNotEnoughInformation}
		return out
	}

	a := Analyze(e.catalog, slots)
	out.Analysis = a

	// "before <activity>" can never be detected in advance. Checked ahead of
	// the catalog lookup since no catalog entry can make it feasible.
	if a.BeforeEvent != "" {
		return e.fail(out, IssueBeforeActivity, slots)
	}

	if len(a.Unresolved) > 0 {
		slog.Debug("Evaluator.Check: unresolved references", "unresolved", a.Unresolved)
		return e.fail(out, IssueNotDetectable, slots)
	}

	if issue := recurrenceIssue(slots); issue != "" {
		return e.fail(out, issue, slots)
	}

	if !a.Detectable() {
		return e.fail(out, IssueNoTrigger, slots)
	}

	out.Feasibility.IsFeasible = models.BoolPtr(true)
	out.State = models.StateReadyToSchedule
	return out
}

func (e *Evaluator) fail(out Outcome, issue string, slots models.Slots) Outcome {
	out.Feasibility.IsFeasible = models.BoolPtr(false)
	out.Feasibility.Issues = []string{issue}
	out.Feasibility.Alternatives = suggest(e.catalog, issue, slots, out.Analysis)
	out.State = models.StateNeedsFix
	return out
}

// recurrenceIssue checks the recurrence slot and any recurrence phrased inside
// an inferred WHEN.
func recurrenceIssue(slots models.Slots) string {
	if label := slots.RecurrenceText(); label != "" {
		spec, err := recurrence.Parse(label)
		if err != nil {
			return IssueRecurrenceUnknown
		}
		if spec.SubDaily() {
			return IssueTooFrequent
		}
	}
	if inferred := slots.When.Inferred(); inferred != "" {
		if spec, err := recurrence.Parse(inferred); err == nil && spec.SubDaily() {
			return IssueTooFrequent
		}
	}
	return ""
}
