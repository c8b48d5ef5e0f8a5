package flow

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/BTreeMap/ReminderPipe/internal/feasibility"
	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// DeriveState computes the state implied by the slots and the last verdict.
// DONE is absorbing.
func DeriveState(cs models.ConversationState) models.StateType {
	switch {
	case cs.State == models.StateDone:
		return models.StateDone
	case !cs.Slots.HasWhat():
		return models.StateNeedWhat
	case !cs.Slots.HasWhen():
		return models.StateNeedWhen
	case cs.Feasibility.IsFeasible == nil:
		return models.StateReadyToCheck
	case *cs.Feasibility.IsFeasible:
		return models.StateReadyToSchedule
	default:
		return models.StateNeedsFix
	}
}

// ApplyExtraction merges an extractor's output into prev and returns the new
// state. The extractor may only contribute slots: its feasibility block and
// any post-feasibility state it reports are ignored. A frozen state is
// returned unchanged.
func ApplyExtraction(prev, extracted models.ConversationState) models.ConversationState {
	if prev.State == models.StateDone {
		slog.Warn("ApplyExtraction: ignoring extraction for finished conversation")
		return prev.Clone()
	}
	out := prev.Clone()
	out.Normalize()
	ext := extracted.Clone()

	if ext.Feasibility.IsFeasible != nil || len(ext.Feasibility.Issues) > 0 || len(ext.Feasibility.Alternatives) > 0 {
		slog.Debug("ApplyExtraction: ignoring feasibility written by extractor")
	}
	if ext.State != "" && !models.IsPreFeasibility(ext.State) {
		slog.Debug("ApplyExtraction: ignoring extractor state", "state", ext.State)
	}

	s := &out.Slots
	if ext.Slots.HasWhat() && ext.Slots.WhatText() != s.WhatText() {
		s.What = models.StringPtr(ext.Slots.WhatText())
	}
	if ext.Slots.HasWhen() && !ext.Slots.When.Equal(s.When) {
		s.When = ext.Slots.When
	}
	if r := ext.Slots.RecurrenceText(); r != "" && r != s.RecurrenceText() {
		s.Recurrence = models.StringPtr(r)
	}
	if ext.Slots.Constraints != nil {
		s.Constraints = cleanList(ext.Slots.Constraints)
	}
	if p := strings.TrimSpace(ext.Slots.Priority); p != "" {
		s.Priority = p
	}
	if ch := strings.TrimSpace(ext.Slots.Channel); ch != "" {
		s.Channel = ch
	}
	maps.Copy(s.Metadata, ext.Slots.Metadata)

	if triggerChanged(prev.Slots, out.Slots) {
		out.Feasibility.IsFeasible = nil
		out.Feasibility.Issues = []string{}
		out.Feasibility.Alternatives = []string{}
	}
	out.State = DeriveState(out)
	return out
}

// ApplyOutcome records an evaluator verdict after checking it against the
// state machine. A verdict that breaks the invariants is a schema failure.
func ApplyOutcome(cs models.ConversationState, outcome feasibility.Outcome) (models.ConversationState, error) {
	f := outcome.Feasibility
	if f.LastCheckedAt == nil {
		return cs, fmt.Errorf("%w: evaluation carries no last_checked_at", models.ErrSchemaValidation)
	}
	if len(f.Alternatives) > models.MaxAlternatives {
		return cs, fmt.Errorf("%w: evaluation returned %d alternatives", models.ErrSchemaValidation, len(f.Alternatives))
	}

	out := cs.Clone()
	out.Feasibility = models.Feasibility{
		LastCheckedAt: f.LastCheckedAt,
		IsFeasible:    f.IsFeasible,
		Issues:        slices.Clone(f.Issues),
		Alternatives:  slices.Clone(f.Alternatives),
	}
	out.Normalize()
	want := DeriveState(out)
	if outcome.State != want {
		return cs, fmt.Errorf("%w: evaluation reported state %s, slots imply %s", models.ErrSchemaValidation, outcome.State, want)
	}
	out.State = want
	return out, nil
}

// triggerChanged reports whether any slot that feeds feasibility differs.
func triggerChanged(a, b models.Slots) bool {
	return a.WhatText() != b.WhatText() ||
		!a.When.Equal(b.When) ||
		a.RecurrenceText() != b.RecurrenceText() ||
		!slices.Equal(cleanList(a.Constraints), cleanList(b.Constraints))
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
