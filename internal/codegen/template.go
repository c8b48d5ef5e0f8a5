package codegen

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/BTreeMap/ReminderPipe/internal/catalog"
	"github.com/BTreeMap/ReminderPipe/internal/feasibility"
	"github.com/BTreeMap/ReminderPipe/internal/models"
)

var endCueRe = regexp.MustCompile(`\b(after|once|finish|finishes|finished|ends|ended|done|over)\b`)

// Template writes predicates from the catalog references found in the slots,
// without a language model. Clock-only reminders fire unconditionally since
// the scheduler owns the time window.
type Template struct {
	catalog *catalog.Catalog
}

// NewTemplate creates a template synthesizer over a catalog.
func NewTemplate(c *catalog.Catalog) *Template {
	return &Template{catalog: c}
}

var _ Synthesizer = (*Template)(nil)

// Synthesize implements Synthesizer.
func (t *Template) Synthesize(_ context.Context, state models.ConversationState) (GeneratedCode, error) {
	if !state.Feasibility.Feasible() {
		return GeneratedCode{}, models.ErrNotFeasible
	}
	a := feasibility.Analyze(t.catalog, state.Slots)
	triggerName, cancelName := FunctionNames(state.Slots.WhatText())

	var pre, conds, cancels []string
	for _, ref := range a.Activities {
		status, opposite := "start", "end"
		if endsActivity(state.Slots, ref.Name) {
			status, opposite = "end", "start"
		}
		conds = append(conds, activityCheck(ref.Name, status))
		cancels = append(cancels, activityCheck(ref.Name, opposite))
	}
	edges := 0
	for _, ref := range a.Sensors {
		if ref.Edge != catalog.EdgeFalling {
			conds = append(conds, fmt.Sprintf("sensor_data.get('%s', False)", ref.Name))
			cancels = append(cancels, fmt.Sprintf("not sensor_data.get('%s', False)", ref.Name))
			continue
		}
		if edges == MaxBlackboardKeys {
			return GeneratedCode{}, fmt.Errorf("too many edge-triggered sensors for %q", state.Slots.WhatText())
		}
		key := ref.Name + "_on"
		pre = append(pre,
			fmt.Sprintf("on_%d = sensor_data.get('%s', False)", edges, ref.Name),
			fmt.Sprintf("was_on_%d = blackboard.get('%s', False)", edges, key),
			fmt.Sprintf("blackboard['%s'] = on_%d", key, edges),
		)
		cond := fmt.Sprintf("was_on_%d and not on_%d", edges, edges)
		if door := t.doorFor(ref.Name); door != "" {
			cond += fmt.Sprintf(" and not sensor_data.get('%s', False)", door)
		}
		conds = append(conds, "("+cond+")")
		cancels = append(cancels, fmt.Sprintf("sensor_data.get('%s', False)", ref.Name))
		edges++
	}

	if len(conds) == 0 {
		return GeneratedCode{
			TriggerCode: function(triggerName, nil, "True"),
			CancelCode:  function(cancelName, nil, "False"),
		}, nil
	}
	return GeneratedCode{
		TriggerCode: function(triggerName, pre, strings.Join(conds, " and ")),
		CancelCode:  function(cancelName, nil, strings.Join(cancels, " or ")),
	}, nil
}

// doorFor returns the contact sensor on the door of a powered appliance
// ("plug_kitchen_microwave" -> "contact_kitchen_microwave"), or "" when the
// catalog has none. A falling edge only counts while that door is closed.
func (t *Template) doorFor(plugID string) string {
	rest, ok := strings.CutPrefix(plugID, "plug_")
	if !ok {
		return ""
	}
	s, _, ok := t.catalog.Sensor("contact_" + rest)
	if !ok || s.Class != catalog.ClassContact {
		return ""
	}
	return s.ID
}

func activityCheck(name, status string) string {
	return fmt.Sprintf("(activity_data.get('activity') == '%s' and activity_data.get('status') == '%s')", name, status)
}

// endsActivity reports whether the condition naming the activity refers to
// its end ("after dinner") rather than its start ("when I start cooking").
func endsActivity(slots models.Slots, name string) bool {
	texts := append([]string{slots.When.Inferred()}, slots.Constraints...)
	for _, text := range texts {
		lower := strings.ToLower(text)
		if strings.Contains(lower, strings.ToLower(name)) {
			return endCueRe.MatchString(lower)
		}
	}
	return true
}

func function(name string, pre []string, expr string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "def %s(time, activity_data, sensor_data, blackboard):\n", name)
	for _, line := range pre {
		b.WriteString("    " + line + "\n")
	}
	b.WriteString("    return " + expr + "\n")
	return b.String()
}
