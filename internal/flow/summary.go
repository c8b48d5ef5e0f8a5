package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/recurrence"
)

// TerminationMarker ends the assistant's final message of a conversation.
const TerminationMarker = "[ChatEnded]"

var clockLayouts = []string{"15:04", "15:04:05", "2006-01-02T15:04:05Z07:00", "2006-01-02T15:04:05", "2006-01-02 15:04"}

// IsTerminal reports whether msg carries the termination marker.
func IsTerminal(msg string) bool {
	return strings.Contains(msg, TerminationMarker)
}

// StripMarker removes every termination marker from msg.
func StripMarker(msg string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(msg, TerminationMarker, " ")), " ")
}

// FormatClock renders a clock time for people: "17:00" is "5 p.m.",
// "09:30" is "9:30 a.m.". Unparseable input is returned trimmed.
func FormatClock(s string) string {
	s = strings.TrimSpace(s)
	for _, layout := range clockLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		hour, suffix := t.Hour(), "a.m."
		if hour >= 12 {
			suffix = "p.m."
		}
		if hour = hour % 12; hour == 0 {
			hour = 12
		}
		if t.Minute() == 0 {
			return fmt.Sprintf("%d %s", hour, suffix)
		}
		return fmt.Sprintf("%d:%02d %s", hour, t.Minute(), suffix)
	}
	return s
}

// Summarize writes the one-line confirmation of a finished reminder.
func Summarize(slots models.Slots) string {
	what := strings.TrimRight(slots.WhatText(), ".!? ")
	what = strings.TrimPrefix(what, "to ")

	var b strings.Builder
	b.WriteString("I'll remind you to ")
	b.WriteString(what)
	if when := WhenPhrase(slots.When); when != "" {
		b.WriteString(" ")
		b.WriteString(when)
	}
	if rec := recurrencePhrase(slots.RecurrenceText()); rec != "" {
		b.WriteString(" ")
		b.WriteString(rec)
	}
	b.WriteString(".")
	return strings.Join(strings.Fields(b.String()), " ")
}

// WhenPhrase renders the WHEN slot as a phrase: "at 5 p.m.", "between 9 a.m.
// and 10 a.m." or the inferred text.
func WhenPhrase(w *models.When) string {
	if w.HasExact() {
		start := FormatClock(w.ExactTime.StartTime)
		end := strings.TrimSpace(w.ExactTime.EndTime)
		if end != "" && end != strings.TrimSpace(w.ExactTime.StartTime) {
			return fmt.Sprintf("between %s and %s", start, FormatClock(end))
		}
		return "at " + start
	}
	return strings.TrimRight(w.Inferred(), ".!? ")
}

func recurrencePhrase(label string) string {
	if label == "" {
		return ""
	}
	spec, err := recurrence.Parse(label)
	if err != nil {
		return label
	}
	unit := map[models.OccurrenceFrequency]string{
		models.FrequencyDaily:   "day",
		models.FrequencyWeekly:  "week",
		models.FrequencyMonthly: "month",
		models.FrequencyYearly:  "year",
	}[spec.Frequency]
	switch {
	case spec.Frequency == models.FrequencyOnce:
		return ""
	case spec.Frequency == models.FrequencyAlways:
		return "every time"
	case len(spec.Days) > 0:
		days := make([]string, len(spec.Days))
		for i, d := range spec.Days {
			days[i] = strings.ToUpper(d[:1]) + d[1:]
		}
		if len(days) == 1 {
			return "every " + days[0]
		}
		return "every " + strings.Join(days[:len(days)-1], ", ") + " and " + days[len(days)-1]
	case spec.Interval > 1 && unit != "":
		return fmt.Sprintf("every %d %ss", spec.Interval, unit)
	case unit != "":
		return "every " + unit
	default:
		return label
	}
}
