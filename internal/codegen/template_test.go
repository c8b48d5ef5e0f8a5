package codegen

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/catalog"
	"github.com/BTreeMap/ReminderPipe/internal/models"
)

func feasibleState(what string, when *models.When) models.ConversationState {
	cs := models.NewConversationState()
	cs.Slots.What = models.StringPtr(what)
	cs.Slots.When = when
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cs.Feasibility = models.Feasibility{LastCheckedAt: &at, IsFeasible: models.BoolPtr(true), Issues: []string{}, Alternatives: []string{}}
	cs.State = models.StateDone
	return cs
}

func TestTemplateOutputPassesValidation(t *testing.T) {
	c := catalog.Default()
	tmpl := NewTemplate(c)
	v := NewValidator(c)

	tests := []struct {
		name     string
		state    models.ConversationState
		contains []string
	}{
		{
			name:     "clock only",
			state:    feasibleState("take dog for walk", &models.When{ExactTime: &models.ExactTime{StartTime: "17:00"}}),
			contains: []string{"def dog_walk_trigger(", "return True", "def dog_walk_cancel(", "return False"},
		},
		{
			name:     "after activity",
			state:    feasibleState("clean the stove", &models.When{InferredTime: models.StringPtr("after Cooking Dinner")}),
			contains: []string{"'Cooking Dinner'", "== 'end'"},
		},
		{
			name:     "falling edge alias",
			state:    feasibleState("take out the food", &models.When{InferredTime: models.StringPtr("when the microwave is done")}),
			contains: []string{"blackboard['plug_kitchen_microwave_on']", "not on_0", "not sensor_data.get('contact_kitchen_microwave', False)"},
		},
		{
			name:     "door opens",
			state:    feasibleState("grab the mail", &models.When{InferredTime: models.StringPtr("when the front door opens")}),
			contains: []string{"sensor_data.get('contact_front_door', False)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := tmpl.Synthesize(context.Background(), tt.state)
			if err != nil {
				t.Fatalf("Synthesize: %v", err)
			}
			all := code.TriggerCode + code.CancelCode
			for _, want := range tt.contains {
				if !strings.Contains(all, want) {
					t.Errorf("generated code missing %q:\n%s", want, all)
				}
			}
			if err := v.Validate(context.Background(), code); err != nil {
				t.Errorf("template output rejected: %v\n%s", err, all)
			}
		})
	}
}

func TestTemplateFallingEdgeWithoutDoorSensor(t *testing.T) {
	c, err := catalog.Load([]byte(`
sensors:
  - id: plug_kettle
    class: power
    location: kitchen_kettle_outlet
    alias_edge: falling
    aliases: [kettle is done]
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	code, err := NewTemplate(c).Synthesize(context.Background(),
		feasibleState("pour the tea", &models.When{InferredTime: models.StringPtr("when the kettle is done")}))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !strings.Contains(code.TriggerCode, "return (was_on_0 and not on_0)") {
		t.Errorf("unexpected trigger:\n%s", code.TriggerCode)
	}
	if err := NewValidator(c).Validate(context.Background(), code); err != nil {
		t.Errorf("template output rejected: %v", err)
	}
}

func TestTemplateRequiresFeasibleState(t *testing.T) {
	cs := models.NewConversationState()
	cs.Slots.What = models.StringPtr("water plants")
	if _, err := NewTemplate(catalog.Default()).Synthesize(context.Background(), cs); !errors.Is(err, models.ErrNotFeasible) {
		t.Fatalf("expected ErrNotFeasible, got %v", err)
	}
}

func TestSubject(t *testing.T) {
	tests := map[string]string{
		"take dog for walk":           "dog_walk",
		"Take the medicine!":          "medicine",
		"check the stove is off":      "stove",
		"":                            DefaultSubject,
		"to the":                      DefaultSubject,
		"water café plants every day": "water_plants",
	}
	for in, want := range tests {
		if got := Subject(in); got != want {
			t.Errorf("Subject(%q) = %q, want %q", in, got, want)
		}
	}
}
