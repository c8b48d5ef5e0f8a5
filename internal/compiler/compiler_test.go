package compiler

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/catalog"
	"github.com/BTreeMap/ReminderPipe/internal/codegen"
	"github.com/BTreeMap/ReminderPipe/internal/models"
)

func newCompiler(t *testing.T) *Compiler {
	t.Helper()
	c, err := NewCompiler(catalog.Default())
	if err != nil {
		t.Fatalf("NewCompiler: %v", err)
	}
	return c
}

func doneState(what string, when *models.When) models.ConversationState {
	cs := models.NewConversationState()
	cs.Slots.What = models.StringPtr(what)
	cs.Slots.When = when
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cs.Feasibility = models.Feasibility{LastCheckedAt: &at, IsFeasible: models.BoolPtr(true), Issues: []string{}, Alternatives: []string{}}
	cs.State = models.StateDone
	return cs
}

func templateCode(t *testing.T, cs models.ConversationState) codegen.GeneratedCode {
	t.Helper()
	code, err := codegen.NewTemplate(catalog.Default()).Synthesize(context.Background(), cs)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	return code
}

func exactAt(start string) *models.When {
	return &models.When{ExactTime: &models.ExactTime{StartTime: start, EndTime: start}}
}

func TestCompileWalkAtFive(t *testing.T) {
	cs := doneState("take dog for walk", exactAt("17:00"))
	transcript := []models.ConversationMessage{
		{Role: models.RoleUser, Content: "remind me to take dog for walk at 5pm"},
		{Role: models.RoleAssistant, Content: "I'll remind you to take dog for walk at 5 p.m. [ChatEnded]"},
	}

	res, err := newCompiler(t).Compile(context.Background(), Request{State: cs, Code: templateCode(t, cs), Transcript: transcript})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m := res.Machine
	if m.TriggerID != "dog_walk_trigger_id_1" {
		t.Errorf("TriggerId = %q", m.TriggerID)
	}
	if m.TriggerName != "take dog for walk" {
		t.Errorf("TriggerName = %q", m.TriggerName)
	}
	rec := m.TriggerCondition.Recurrence
	if rec.Repeat || rec.OccurrenceFrequency != models.FrequencyOnce || rec.Details != nil {
		t.Errorf("recurrence = %+v", rec)
	}
	if m.CancelCondition.Delay != 0 {
		t.Errorf("delay = %d", m.CancelCondition.Delay)
	}
	if len(m.Actions) != 1 {
		t.Fatalf("expected one action, got %d", len(m.Actions))
	}
	reminder, ok := m.Actions[0].(models.ReminderAction)
	if !ok {
		t.Fatalf("expected reminder action, got %T", m.Actions[0])
	}
	if reminder.Title != "at 5 p.m." || reminder.Content != "take dog for walk" || reminder.Priority != 3 {
		t.Errorf("reminder = %+v", reminder)
	}
	if len(res.Issues) != 0 {
		t.Errorf("unexpected issues: %v", res.Issues)
	}
	if m.ConstructionInfo == nil || len(m.ConstructionInfo.Conversations) != 2 {
		t.Fatalf("construction info = %+v", m.ConstructionInfo)
	}
	if !strings.Contains(m.ConstructionInfo.Summary, "5 p.m.") {
		t.Errorf("summary = %q", m.ConstructionInfo.Summary)
	}

	again, err := models.DecodeTriggerMachine(res.JSON)
	if err != nil {
		t.Fatalf("compiled JSON does not re-parse: %v", err)
	}
	if again.TriggerID != m.TriggerID {
		t.Errorf("round trip changed TriggerId: %q", again.TriggerID)
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	cs := doneState("take out the food", &models.When{InferredTime: models.StringPtr("when the microwave is done")})
	code := templateCode(t, cs)
	c := newCompiler(t)
	a, err := c.Compile(context.Background(), Request{State: cs, Code: code})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	b, err := c.Compile(context.Background(), Request{State: cs, Code: code})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if string(a.JSON) != string(b.JSON) {
		t.Errorf("compilation is not deterministic:\n%s\n%s", a.JSON, b.JSON)
	}
	reminder := a.Machine.Actions[0].(models.ReminderAction)
	if reminder.Title != "the microwave is done" || reminder.Content != "take out the food" {
		t.Errorf("reminder = %+v", reminder)
	}
	if a.Machine.TriggerID != "food_trigger_id_1" {
		t.Errorf("TriggerId = %q", a.Machine.TriggerID)
	}
}

func TestCompileRequiresFeasibleState(t *testing.T) {
	c := newCompiler(t)
	cs := doneState("take dog for walk", exactAt("17:00"))
	code := templateCode(t, cs)

	notFeasible := cs.Clone()
	notFeasible.Feasibility.IsFeasible = models.BoolPtr(false)
	unknown := cs.Clone()
	unknown.Feasibility.IsFeasible = nil
	noWhen := cs.Clone()
	noWhen.Slots.When = nil

	for name, state := range map[string]models.ConversationState{"infeasible": notFeasible, "unknown": unknown, "no when": noWhen} {
		t.Run(name, func(t *testing.T) {
			if _, err := c.Compile(context.Background(), Request{State: state, Code: code}); !errors.Is(err, models.ErrNotFeasible) {
				t.Errorf("expected ErrNotFeasible, got %v", err)
			}
		})
	}
}

func TestCompileRejectsContractViolation(t *testing.T) {
	cs := doneState("take dog for walk", exactAt("17:00"))
	code := codegen.GeneratedCode{
		TriggerCode: "def dog_walk_trigger(time, activity_data, sensor_data, blackboard):\n    time.sleep(60)\n    return True\n",
		CancelCode:  "def dog_walk_cancel(time, activity_data, sensor_data, blackboard):\n    return False\n",
	}
	_, err := newCompiler(t).Compile(context.Background(), Request{State: cs, Code: code})
	if !errors.Is(err, codegen.ErrContractViolation) {
		t.Fatalf("expected contract violation, got %v", err)
	}
}

func TestCompileRecurrence(t *testing.T) {
	tests := []struct {
		label    string
		repeat   bool
		freq     models.OccurrenceFrequency
		days     []string
		interval int
	}{
		{"", false, models.FrequencyOnce, nil, 0},
		{"every day", true, models.FrequencyDaily, nil, 0},
		{"every Monday and Thursday", true, models.FrequencyWeekly, []string{"monday", "thursday"}, 0},
		{"every 2 weeks", true, models.FrequencyWeekly, nil, 2},
		{"monthly", true, models.FrequencyMonthly, nil, 0},
		{"always", true, models.FrequencyAlways, nil, 0},
	}

	c := newCompiler(t)
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			cs := doneState("water the plants", exactAt("09:00"))
			if tt.label != "" {
				cs.Slots.Recurrence = models.StringPtr(tt.label)
			}
			res, err := c.Compile(context.Background(), Request{State: cs, Code: templateCode(t, cs)})
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			rec := res.Machine.TriggerCondition.Recurrence
			if rec.Repeat != tt.repeat || rec.OccurrenceFrequency != tt.freq {
				t.Errorf("recurrence = %+v", rec)
			}
			var days []string
			interval := 0
			if rec.Details != nil {
				days, interval = rec.Details.Days, rec.Details.Interval
			}
			if !slices.Equal(days, tt.days) || interval != tt.interval {
				t.Errorf("details = %v/%d, want %v/%d", days, interval, tt.days, tt.interval)
			}
		})
	}
}

func TestCompileRejectsSubDailyRecurrence(t *testing.T) {
	cs := doneState("stretch", exactAt("09:00"))
	cs.Slots.Recurrence = models.StringPtr("every hour")
	_, err := newCompiler(t).Compile(context.Background(), Request{State: cs, Code: templateCode(t, cs)})
	if !errors.Is(err, models.ErrInvalidRecurrence) {
		t.Fatalf("expected ErrInvalidRecurrence, got %v", err)
	}
}

func TestQuantizePriority(t *testing.T) {
	tests := []struct {
		label string
		want  int
		ok    bool
	}{
		{"very high", 5, true},
		{"Urgent", 5, true},
		{"critical", 5, true},
		{"high", 4, true},
		{"High priority", 4, true},
		{"medium", 3, true},
		{"normal", 3, true},
		{"", 3, true},
		{"low", 2, true},
		{"very low", 1, true},
		{"4", 4, true},
		{"whenever", 3, false},
		{"9", 3, false},
	}
	for _, tt := range tests {
		got, ok := QuantizePriority(tt.label)
		if got != tt.want || ok != tt.ok {
			t.Errorf("QuantizePriority(%q) = %d, %v; want %d, %v", tt.label, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCompileUnknownPriorityIsFlagged(t *testing.T) {
	cs := doneState("take dog for walk", exactAt("17:00"))
	cs.Slots.Priority = "super duper"
	res, err := newCompiler(t).Compile(context.Background(), Request{State: cs, Code: templateCode(t, cs)})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if p := res.Machine.Actions[0].(models.ReminderAction).Priority; p != DefaultPriority {
		t.Errorf("priority = %d", p)
	}
	if len(res.Issues) != 1 || !strings.Contains(res.Issues[0], "super duper") {
		t.Errorf("issues = %v", res.Issues)
	}
}

func TestCompileMetadata(t *testing.T) {
	c := newCompiler(t)
	cs := doneState("take dog for walk", exactAt("17:00"))
	cs.Slots.Metadata = map[string]any{MetaCancelDelay: float64(120), MetaDeviceID: "tablet-1"}
	res, err := c.Compile(context.Background(), Request{State: cs, Code: templateCode(t, cs), Sequence: 3})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if res.Machine.CancelCondition.Delay != 120 {
		t.Errorf("delay = %d", res.Machine.CancelCondition.Delay)
	}
	if res.Machine.TriggerID != "dog_walk_trigger_id_3" {
		t.Errorf("TriggerId = %q", res.Machine.TriggerID)
	}
	reminder := res.Machine.Actions[0].(models.ReminderAction)
	if reminder.DeviceID == nil || *reminder.DeviceID != "tablet-1" {
		t.Errorf("device_id = %v", reminder.DeviceID)
	}

	cs.Slots.Metadata = map[string]any{MetaCancelDelay: float64(-5)}
	if _, err := c.Compile(context.Background(), Request{State: cs, Code: templateCode(t, cs)}); !errors.Is(err, models.ErrSchemaValidation) {
		t.Errorf("expected schema error for negative delay, got %v", err)
	}
}

func TestCompileExtraActions(t *testing.T) {
	cs := doneState("take dog for walk", exactAt("17:00"))
	extra := []models.Action{
		models.BroadcastAction{Location: "kitchen", EventName: "reminder", TopicName: "home/kitchen/speaker", Payload: map[string]any{"volume": 3}},
		models.ConversationAction{Message: "Did you walk the dog?", Explanation: "follow-up"},
	}
	res, err := newCompiler(t).Compile(context.Background(), Request{State: cs, Code: templateCode(t, cs), ExtraActions: extra})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(res.Machine.Actions) != 3 {
		t.Fatalf("actions = %d", len(res.Machine.Actions))
	}
	if res.Machine.Actions[1].Type() != models.ActionTypeBroadcast || res.Machine.Actions[2].Type() != models.ActionTypeConversation {
		t.Errorf("unexpected action order: %v", res.Machine.Actions)
	}
}

func TestCompileRejectsInvalidExtraAction(t *testing.T) {
	cs := doneState("take dog for walk", exactAt("17:00"))
	extra := []models.Action{models.BroadcastAction{Location: "kitchen"}}
	_, err := newCompiler(t).Compile(context.Background(), Request{State: cs, Code: templateCode(t, cs), ExtraActions: extra})
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) || !errors.Is(err, models.ErrSchemaValidation) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
}

func TestSchemaRejectsMalformedDocuments(t *testing.T) {
	schema, err := loadSchema()
	if err != nil {
		t.Fatalf("loadSchema: %v", err)
	}
	cs := doneState("take dog for walk", exactAt("17:00"))
	res, err := newCompiler(t).Compile(context.Background(), Request{State: cs, Code: templateCode(t, cs)})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := validateDocument(schema, res.JSON); err != nil {
		t.Fatalf("compiled document fails its own schema: %v", err)
	}

	mutations := map[string]func(doc map[string]any){
		"unknown field": func(doc map[string]any) { doc["category"] = "x" },
		"bad priority": func(doc map[string]any) {
			doc["actions"].([]any)[0].(map[string]any)["priority"] = 7
		},
		"unknown action type": func(doc map[string]any) {
			doc["actions"].([]any)[0].(map[string]any)["type"] = "ca"
		},
		"bad frequency": func(doc map[string]any) {
			doc["trigger_condition"].(map[string]any)["recurrence"].(map[string]any)["occurrence_frequency"] = "once_per_day"
		},
		"negative delay": func(doc map[string]any) {
			doc["cancel_condition"].(map[string]any)["delay"] = -1
		},
		"bad trigger id": func(doc map[string]any) { doc["TriggerId"] = "Dog Walk" },
		"no actions":     func(doc map[string]any) { doc["actions"] = []any{} },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			var doc map[string]any
			if err := json.Unmarshal(res.JSON, &doc); err != nil {
				t.Fatal(err)
			}
			mutate(doc)
			data, _ := json.Marshal(doc)
			err := validateDocument(schema, data)
			if !errors.Is(err, models.ErrSchemaValidation) {
				t.Errorf("expected schema error, got %v", err)
			}
		})
	}
}
