package feasibility

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BTreeMap/ReminderPipe/internal/catalog"
	"github.com/BTreeMap/ReminderPipe/internal/models"
)

const clockAlternative = "at a specific clock time instead, e.g. 9 a.m."

var stopWords = wordSet("a", "an", "the", "of", "to", "my", "me", "i", "im", "is", "it", "in", "on", "at",
	"for", "and", "or", "when", "after", "before", "while", "if", "from", "with", "up", "out", "get", "go",
	"leave", "take", "check", "remind", "please", "room", "area")

// suggest proposes up to models.MaxAlternatives detectable substitutes.
// Catalog-based suggestions are phrased with names Scan resolves and are kept
// only when they would pass the detectability rules themselves.
func suggest(c *catalog.Catalog, issue string, slots models.Slots, a Analysis) []string {
	var out []string
	add := func(s string) {
		if s == "" || len(out) >= models.MaxAlternatives {
			return
		}
		for _, have := range out {
			if have == s {
				return
			}
		}
		out = append(out, s)
	}
	addWhen := func(s string) {
		if s != "" && detectable(c, s) {
			add(s)
		}
	}

	switch issue {
	case IssueTooFrequent:
		add("once a day at a fixed time")
		add("once a week")
		add("each time the condition is detected, without a fixed interval")
		return out
	case IssueRecurrenceUnknown:
		add("repeat daily")
		add("repeat weekly")
		add("no repetition")
		return out
	case IssueBeforeActivity:
		add(clockAlternative)
		for _, ref := range related(c, a.BeforeEvent) {
			addWhen(describeStart(c, ref))
		}
	case IssueNotDetectable:
		for _, phrase := range a.Unresolved {
			for _, ref := range related(c, phrase) {
				addWhen(describe(c, ref))
			}
		}
		add(clockAlternative)
	default:
		add(clockAlternative)
		for _, ref := range related(c, slots.WhatText()) {
			addWhen(describe(c, ref))
		}
	}
	for _, s := range fallbacks(c) {
		addWhen(s)
	}
	return out
}

// fallbacks draws one aliased sensor, one activity and one motion sensor from
// the loaded catalog.
func fallbacks(c *catalog.Catalog) []string {
	var aliased, act, motion string
	for _, s := range c.Sensors() {
		ref := catalog.Reference{Kind: catalog.KindSensor, Name: s.ID}
		if aliased == "" && len(s.Aliases) > 0 && s.AliasEdge == catalog.EdgeNone {
			aliased = describe(c, ref)
		}
		if motion == "" && s.Class == catalog.ClassMotion {
			motion = describe(c, ref)
		}
	}
	for _, a := range c.Activities() {
		if !a.CatchAll {
			act = describe(c, catalog.Reference{Kind: catalog.KindActivity, Name: a.Name})
			break
		}
	}
	return []string{aliased, act, motion}
}

// detectable reports whether phrase, used as an inferred WHEN, resolves to
// catalog references with nothing left unresolved.
func detectable(c *catalog.Catalog, phrase string) bool {
	a := Analyze(c, models.Slots{When: &models.When{InferredTime: models.StringPtr(phrase)}})
	return a.BeforeEvent == "" && len(a.Unresolved) == 0 && a.Detectable()
}

// related returns catalog entries sharing a content word with text, best
// overlap first. Suggestions only; feasibility never depends on it.
func related(c *catalog.Catalog, text string) []catalog.Reference {
	words := contentWords(text)
	if len(words) == 0 {
		return nil
	}
	type scored struct {
		ref   catalog.Reference
		score int
	}
	var hits []scored
	for _, act := range c.Activities() {
		if act.CatchAll {
			continue
		}
		if n := overlap(words, contentWords(act.Name)); n > 0 {
			hits = append(hits, scored{catalog.Reference{Kind: catalog.KindActivity, Name: act.Name}, n})
		}
	}
	for _, s := range c.Sensors() {
		vocab := contentWords(string(s.Class) + " " + strings.ReplaceAll(s.Location, "_", " ") + " " + strings.Join(s.Aliases, " "))
		if n := overlap(words, vocab); n > 0 {
			hits = append(hits, scored{catalog.Reference{Kind: catalog.KindSensor, Name: s.ID}, n})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	out := make([]catalog.Reference, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.ref)
	}
	return out
}

// describe phrases ref as a WHEN condition. Sensors are named by their first
// alias, or by id when they have none, since locations are not scan phrases.
func describe(c *catalog.Catalog, ref catalog.Reference) string {
	if ref.Kind == catalog.KindActivity {
		return fmt.Sprintf("after %s ends", ref.Name)
	}
	s, _, ok := c.Sensor(ref.Name)
	if !ok {
		return ""
	}
	if len(s.Aliases) > 0 {
		alias := s.Aliases[0]
		if s.AliasEdge != catalog.EdgeNone {
			// The alias already names the event.
			return "when the " + alias
		}
		return fmt.Sprintf("when the %s %s", alias, sensorVerb(s.Class))
	}
	return fmt.Sprintf("when %s %s", s.ID, sensorVerb(s.Class))
}

func sensorVerb(class catalog.SensorClass) string {
	switch class {
	case catalog.ClassContact:
		return "opens"
	case catalog.ClassMotion:
		return "detects movement"
	default:
		return "turns off"
	}
}

func describeStart(c *catalog.Catalog, ref catalog.Reference) string {
	if ref.Kind == catalog.KindActivity {
		return fmt.Sprintf("when %s starts", ref.Name)
	}
	return describe(c, ref)
}

func contentWords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(catalog.Normalize(text)) {
		if stopWords[w] || len(w) < 3 {
			continue
		}
		words[strings.TrimSuffix(w, "s")] = true
	}
	return words
}

func overlap(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}
