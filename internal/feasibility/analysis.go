package feasibility

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BTreeMap/ReminderPipe/internal/catalog"
	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// Metadata keys an extractor may use to name catalog references explicitly.
const (
	MetadataActivities = "activities"
	MetadataSensors    = "sensors"
)

var (
	clockPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b([01]?[0-9]|2[0-3]):[0-5][0-9]\b`),
		regexp.MustCompile(`\b(1[0-2]|0?[1-9])(:[0-5][0-9])?\s*[ap]\.?\s?m\b\.?`),
		regexp.MustCompile(`\b(noon|midday|midnight)\b`),
		regexp.MustCompile(`\b(1[0-2]|[1-9])\s*o'?clock\b`),
		regexp.MustCompile(`\bin\s+(\d+|a|an|one|two|three|four|five|ten|fifteen|twenty|thirty|half an?)\s+(minutes?|mins?|hours?|hrs?)\b`),
		regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}`),
	}

	timeFillers = wordSet("at", "on", "the", "a", "today", "tonight", "tomorrow", "morning", "afternoon", "evening", "night")

	beforeRe     = regexp.MustCompile(`\bbefore\b\s*(.*)$`)
	connectiveRe = regexp.MustCompile(`\b(after|when|whenever|while|during|upon|if|until|as soon as)\b|\bonce (i|i'm|im|the|my|we|you|it|they|he|she)\b`)

	// signalCues name a sensed device or its output; they count as a
	// reference wherever they appear.
	signalCues = wordSet("sensor", "sensors", "detector", "detectors", "alert", "alerts", "alarm", "alarms",
		"gadget", "gadgets", "device", "devices", "beep", "beeps", "beeping", "signal", "signals", "reading", "readings")
	// deviceCues name household fixtures; they count as a reference only in a
	// trigger condition (WHEN or a constraint).
	deviceCues = wordSet("door", "doors", "window", "windows", "oven", "stove", "burner", "microwave", "fridge",
		"refrigerator", "freezer", "lamp", "light", "lights", "tv", "television", "plug", "outlet", "cabinet",
		"pantry", "motion", "washer", "dryer", "dishwasher", "kettle", "faucet", "tap", "garage", "mailbox",
		"doorbell", "thermostat", "heater", "fan", "toaster", "closet")
)

// Analysis is what the evaluator found in the slots. It is also used as
// provenance for compiled triggers.
type Analysis struct {
	Clock       bool                `json:"clock"`
	ClockPhrase string              `json:"clock_phrase,omitempty"`
	Activities  []catalog.Reference `json:"activities,omitempty"`
	Sensors     []catalog.Reference `json:"sensors,omitempty"`
	Unresolved  []string            `json:"unresolved,omitempty"`
	BeforeEvent string              `json:"before_event,omitempty"`
}

// Detectable reports whether at least one trigger source was found.
func (a Analysis) Detectable() bool {
	return a.Clock || len(a.Activities) > 0 || len(a.Sensors) > 0
}

// ToMap renders the analysis for construction_info.analysis_data.
func (a Analysis) ToMap() map[string]any {
	names := func(refs []catalog.Reference) []any {
		out := make([]any, 0, len(refs))
		for _, r := range refs {
			out = append(out, r.Name)
		}
		return out
	}
	m := map[string]any{
		"clock":      a.Clock,
		"activities": names(a.Activities),
		"sensors":    names(a.Sensors),
	}
	if a.ClockPhrase != "" {
		m["clock_phrase"] = a.ClockPhrase
	}
	return m
}

// Analyze gathers clock times and catalog references from the slots.
func Analyze(c *catalog.Catalog, slots models.Slots) Analysis {
	var a Analysis
	seen := make(map[string]bool)
	addRef := func(ref catalog.Reference) {
		key := string(ref.Kind) + "/" + ref.Name
		if seen[key] {
			return
		}
		seen[key] = true
		if ref.Kind == catalog.KindActivity {
			a.Activities = append(a.Activities, ref)
		} else {
			a.Sensors = append(a.Sensors, ref)
		}
	}
	addUnresolved := func(phrase string) {
		phrase = strings.TrimSpace(phrase)
		if phrase == "" || seen["?/"+phrase] {
			return
		}
		seen["?/"+phrase] = true
		a.Unresolved = append(a.Unresolved, phrase)
	}

	if slots.When.HasExact() {
		a.Clock = true
		a.ClockPhrase = strings.TrimSpace(slots.When.ExactTime.StartTime)
	}

	// WHAT is the task; only device-signal words in it count as references.
	if what := slots.WhatText(); what != "" {
		res := c.Scan(what)
		for _, ref := range res.References {
			addRef(ref)
		}
		if cue := firstCue(res.Residual, signalCues); cue != "" {
			addUnresolved(cue)
		}
	}

	conditions := make([]string, 0, 1+len(slots.Constraints))
	if inferred := slots.When.Inferred(); inferred != "" {
		conditions = append(conditions, inferred)
	}
	for _, c := range slots.Constraints {
		if s := strings.TrimSpace(c); s != "" {
			conditions = append(conditions, s)
		}
	}
	for _, text := range conditions {
		clock := findClock(text)
		if clock != "" && !a.Clock {
			a.Clock = true
			a.ClockPhrase = clock
		}
		if ev := beforeEvent(text); ev != "" && a.BeforeEvent == "" {
			a.BeforeEvent = ev
		}

		res := c.Scan(text)
		for _, ref := range res.References {
			addRef(ref)
		}
		residual := res.Residual
		if cue := firstCue(residual, signalCues); cue != "" {
			addUnresolved(cue)
			continue
		}
		if cue := firstCue(residual, deviceCues); cue != "" {
			addUnresolved(cue)
			continue
		}
		// An event condition that names nothing in the catalog.
		if len(res.References) == 0 && connectiveRe.MatchString(catalog.Normalize(stripClock(text))) {
			addUnresolved(text)
		}
	}

	for _, name := range metadataNames(slots.Metadata, MetadataActivities) {
		if act, ok := c.Activity(name); ok {
			addRef(catalog.Reference{Kind: catalog.KindActivity, Name: act.Name})
		} else {
			addUnresolved(name)
		}
	}
	for _, name := range metadataNames(slots.Metadata, MetadataSensors) {
		if s, edge, ok := c.Sensor(name); ok {
			addRef(catalog.Reference{Kind: catalog.KindSensor, Name: s.ID, Edge: edge})
		} else {
			addUnresolved(name)
		}
	}
	return a
}

// findClock returns the first clock expression in text, or "".
func findClock(text string) string {
	lower := strings.ToLower(text)
	for _, re := range clockPatterns {
		if m := re.FindString(lower); m != "" {
			return strings.TrimSpace(m)
		}
	}
	return ""
}

func stripClock(text string) string {
	lower := strings.ToLower(text)
	for _, re := range clockPatterns {
		lower = re.ReplaceAllString(lower, " ")
	}
	return lower
}

// beforeEvent returns the event named after "before", unless only a clock
// time follows it.
func beforeEvent(text string) string {
	m := beforeRe.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return ""
	}
	rest := strings.TrimSpace(m[1])
	for _, w := range strings.Fields(catalog.Normalize(stripClock(rest))) {
		if !timeFillers[w] {
			return rest
		}
	}
	return ""
}

func firstCue(normalized string, cues map[string]bool) string {
	for _, w := range strings.Fields(normalized) {
		if cues[w] {
			return w
		}
	}
	return ""
}

func metadataNames(meta map[string]any, key string) []string {
	raw, ok := meta[key]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
