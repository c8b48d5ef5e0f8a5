package compiler

import (
	"strings"

	"github.com/BTreeMap/ReminderPipe/internal/catalog"
)

// DefaultPriority is used for labels outside the mapping.
const DefaultPriority = 3

var priorityLabels = map[string]int{
	"very high": 5,
	"urgent":    5,
	"critical":  5,
	"highest":   5,
	"high":      4,
	"important": 4,
	"medium":    3,
	"normal":    3,
	"default":   3,
	"low":       2,
	"very low":  1,
	"lowest":    1,
	"1":         1,
	"2":         2,
	"3":         3,
	"4":         4,
	"5":         5,
}

// QuantizePriority maps a priority label to the 1-5 scale. The second result
// is false when the label is not recognized and DefaultPriority was used.
// An empty label counts as normal.
func QuantizePriority(label string) (int, bool) {
	key := catalog.Normalize(label)
	key = strings.TrimSuffix(key, " priority")
	if key == "" {
		return DefaultPriority, true
	}
	if p, ok := priorityLabels[key]; ok {
		return p, true
	}
	return DefaultPriority, false
}
