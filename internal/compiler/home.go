package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// DefaultNewDayStartTime is used when HomeConfig leaves it blank.
const DefaultNewDayStartTime = "04:00"

// HomeConfig describes the home a trigger bundle is installed in.
type HomeConfig struct {
	HomeID              string `yaml:"home_id" json:"home_id"`
	HomeName            string `yaml:"home_name" json:"home_name"`
	PrintDebugInfo      bool   `yaml:"print_debug_info" json:"print_debug_info"`
	NewDayStartTime     string `yaml:"new_day_start_time" json:"new_day_start_time"`
	TimeBetweenTriggers int    `yaml:"time_between_triggers" json:"time_between_triggers"`
}

// BuildHomeTriggerList bundles machines for one home, ordered by TriggerId.
// The bundle is validated as a whole, so duplicate ids are rejected.
func BuildHomeTriggerList(home HomeConfig, machines []models.TriggerMachine) (models.HomeTriggerList, error) {
	start := strings.TrimSpace(home.NewDayStartTime)
	if start == "" {
		start = DefaultNewDayStartTime
	}
	sorted := slices.Clone(machines)
	if sorted == nil {
		sorted = []models.TriggerMachine{}
	}
	slices.SortFunc(sorted, func(a, b models.TriggerMachine) int {
		return strings.Compare(a.TriggerID, b.TriggerID)
	})
	list := models.HomeTriggerList{
		HomeID:              strings.TrimSpace(home.HomeID),
		HomeName:            home.HomeName,
		PrintDebugInfo:      home.PrintDebugInfo,
		NewDayStartTime:     start,
		TimeBetweenTriggers: home.TimeBetweenTriggers,
		TriggerMachines:     sorted,
	}
	if err := list.Validate(); err != nil {
		return models.HomeTriggerList{}, fmt.Errorf("failed to build trigger list for home %q: %w", home.HomeID, err)
	}
	return list, nil
}
