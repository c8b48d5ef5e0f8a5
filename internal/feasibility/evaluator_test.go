package feasibility

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/catalog"
	"github.com/BTreeMap/ReminderPipe/internal/models"
)

var fixedNow = time.Date(2025, 3, 14, 16, 30, 0, 0, time.UTC)

func newTestEvaluator() *Evaluator {
	return NewEvaluator(catalog.Default(), WithClock(func() time.Time { return fixedNow }))
}

func slotsWith(what string, when *models.When) models.Slots {
	s := models.NewConversationState().Slots
	if what != "" {
		s.What = models.StringPtr(what)
	}
	s.When = when
	return s
}

func inferred(text string) *models.When {
	return &models.When{InferredTime: models.StringPtr(text)}
}

func exact(start, end string) *models.When {
	return &models.When{ExactTime: &models.ExactTime{StartTime: start, EndTime: end}}
}

func assertStamped(t *testing.T, out Outcome) {
	t.Helper()
	if out.Feasibility.LastCheckedAt == nil || !out.Feasibility.LastCheckedAt.Equal(fixedNow) {
		t.Errorf("last_checked_at = %v, want %v", out.Feasibility.LastCheckedAt, fixedNow)
	}
	if len(out.Feasibility.Alternatives) > models.MaxAlternatives {
		t.Errorf("too many alternatives: %v", out.Feasibility.Alternatives)
	}
}

func TestCheckMissingInformation(t *testing.T) {
	e := newTestEvaluator()

	tests := []struct {
		name  string
		slots models.Slots
		want  models.StateType
	}{
		{"nothing", slotsWith("", nil), models.StateNeedWhat},
		{"blank what", slotsWith("   ", exact("17:00", "")), models.StateNeedWhat},
		{"when only", slotsWith("", inferred("at 5pm")), models.StateNeedWhat},
		{"what only", slotsWith("water the plants", nil), models.StateNeedWhen},
		{"empty when", slotsWith("water the plants", &models.When{}), models.StateNeedWhen},
		{"blank exact start", slotsWith("water the plants", exact(" ", "")), models.StateNeedWhen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := e.Check(tt.slots)
			if out.State != tt.want {
				t.Errorf("state = %s, want %s", out.State, tt.want)
			}
			if out.Feasibility.IsFeasible != nil {
				t.Errorf("is_feasible must stay unknown, got %v", *out.Feasibility.IsFeasible)
			}
			if !slices.Equal(out.Feasibility.Issues, []string{IssueNotEnoughInformation}) {
				t.Errorf("issues = %v", out.Feasibility.Issues)
			}
			assertStamped(t, out)
		})
	}
}

func TestCheckExactClockTime(t *testing.T) {
	out := newTestEvaluator().Check(slotsWith("take dog for walk", exact("17:00", "17:00")))

	if out.State != models.StateReadyToSchedule {
		t.Fatalf("state = %s, want READY_TO_SCHEDULE (issues %v)", out.State, out.Feasibility.Issues)
	}
	if !out.Feasibility.Feasible() {
		t.Error("expected is_feasible true")
	}
	if len(out.Feasibility.Issues) != 0 || len(out.Feasibility.Alternatives) != 0 {
		t.Errorf("success must carry no issues or alternatives: %+v", out.Feasibility)
	}
	if !out.Analysis.Clock || out.Analysis.ClockPhrase != "17:00" {
		t.Errorf("unexpected analysis %+v", out.Analysis)
	}
	assertStamped(t, out)
}

func TestCheckBeforeActivity(t *testing.T) {
	e := newTestEvaluator()

	for _, when := range []*models.When{
		inferred("before I leave the house"),
		inferred("before Cooking Dinner"),
		inferred("right before Sleeping at 10pm"),
	} {
		out := e.Check(slotsWith("take my keys", when))
		if out.State != models.StateNeedsFix {
			t.Errorf("%q: state = %s, want NEEDS_FIX", when.Inferred(), out.State)
		}
		if out.Feasibility.IsFeasible == nil || *out.Feasibility.IsFeasible {
			t.Errorf("%q: expected is_feasible false", when.Inferred())
		}
		if !slices.Contains(out.Feasibility.Issues, IssueBeforeActivity) {
			t.Errorf("%q: issues = %v", when.Inferred(), out.Feasibility.Issues)
		}
		if len(out.Feasibility.Alternatives) == 0 {
			t.Errorf("%q: expected alternatives", when.Inferred())
		}
		assertStamped(t, out)
	}
}

func TestCheckBeforeClockTimeIsNotAnActivity(t *testing.T) {
	out := newTestEvaluator().Check(slotsWith("take my pills", inferred("before 9am")))
	if out.State != models.StateReadyToSchedule {
		t.Fatalf("state = %s, issues %v", out.State, out.Feasibility.Issues)
	}
}

func TestCheckBeforeActivityWithConstraint(t *testing.T) {
	s := slotsWith("take my pills", exact("08:00", ""))
	s.Constraints = []string{"before Eating Breakfast"}
	out := newTestEvaluator().Check(s)
	if !slices.Contains(out.Feasibility.Issues, IssueBeforeActivity) {
		t.Fatalf("issues = %v", out.Feasibility.Issues)
	}
}

func TestCheckUndetectableReference(t *testing.T) {
	e := newTestEvaluator()

	tests := []struct {
		name  string
		slots models.Slots
	}{
		{"signal word in what", slotsWith("check the unknown gadget alert", exact("09:00", ""))},
		{"event without catalog match", slotsWith("unpack groceries", inferred("when I get home"))},
		{"device not in catalog", slotsWith("close it", inferred("when the garage door opens"))},
		{"unknown metadata sensor", func() models.Slots {
			s := slotsWith("feed the cat", exact("07:00", ""))
			s.Metadata[MetadataSensors] = []any{"cat_flap"}
			return s
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := e.Check(tt.slots)
			if out.State != models.StateNeedsFix {
				t.Fatalf("state = %s, want NEEDS_FIX", out.State)
			}
			if !slices.Equal(out.Feasibility.Issues, []string{IssueNotDetectable}) {
				t.Errorf("issues = %v", out.Feasibility.Issues)
			}
			n := len(out.Feasibility.Alternatives)
			if n < 1 || n > models.MaxAlternatives {
				t.Errorf("expected 1..%d alternatives, got %v", models.MaxAlternatives, out.Feasibility.Alternatives)
			}
			assertStamped(t, out)
		})
	}
}

func TestCheckCatalogReferences(t *testing.T) {
	e := newTestEvaluator()

	tests := []struct {
		name       string
		slots      models.Slots
		activities int
		sensors    int
	}{
		{"activity", slotsWith("clean the stove", inferred("after Cooking Dinner")), 1, 0},
		{"sensor alias", slotsWith("take out the food", inferred("when the microwave is done")), 0, 1},
		{"door alias", slotsWith("grab the mail", inferred("when the front door opens")), 0, 1},
		{"metadata", func() models.Slots {
			s := slotsWith("close the fridge", inferred("at 9pm"))
			s.Metadata[MetadataSensors] = "contact_kitchen_fridge"
			return s
		}(), 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := e.Check(tt.slots)
			if out.State != models.StateReadyToSchedule {
				t.Fatalf("state = %s, issues %v", out.State, out.Feasibility.Issues)
			}
			if len(out.Analysis.Activities) != tt.activities || len(out.Analysis.Sensors) != tt.sensors {
				t.Errorf("analysis = %+v", out.Analysis)
			}
		})
	}
}

func TestCheckMicrowaveAliasIsFallingEdge(t *testing.T) {
	out := newTestEvaluator().Check(slotsWith("take out the food", inferred("when the microwave is done")))
	if len(out.Analysis.Sensors) != 1 {
		t.Fatalf("sensors = %+v", out.Analysis.Sensors)
	}
	ref := out.Analysis.Sensors[0]
	if ref.Name != "plug_kitchen_microwave" || ref.Edge != catalog.EdgeFalling {
		t.Errorf("unexpected reference %+v", ref)
	}
}

func TestCheckClockIsConjunctive(t *testing.T) {
	// A clock time does not rescue an undetectable event.
	out := newTestEvaluator().Check(slotsWith("unpack groceries", inferred("at 6pm when I get home")))
	if out.Feasibility.Feasible() {
		t.Fatal("clock time must not override an undetectable condition")
	}
}

func TestCheckRecurrence(t *testing.T) {
	e := newTestEvaluator()

	tests := []struct {
		name       string
		recurrence string
		when       *models.When
		issue      string
	}{
		{"every two hours", "every 2 hours", exact("09:00", ""), IssueTooFrequent},
		{"hourly", "hourly", exact("09:00", ""), IssueTooFrequent},
		{"twice a day", "twice a day", exact("09:00", ""), IssueTooFrequent},
		{"inferred sub-daily", "", inferred("every 5 minutes"), IssueTooFrequent},
		{"unrecognized", "sometimes", exact("09:00", ""), IssueRecurrenceUnknown},
		{"overflowing interval", "every 99999999999 hours", exact("09:00", ""), IssueRecurrenceUnknown},
		{"daily", "daily", exact("09:00", ""), ""},
		{"weekly", "every Monday", exact("09:00", ""), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := slotsWith("drink water", tt.when)
			if tt.recurrence != "" {
				s.Recurrence = models.StringPtr(tt.recurrence)
			}
			out := e.Check(s)
			if tt.issue == "" {
				if out.State != models.StateReadyToSchedule {
					t.Errorf("state = %s, issues %v", out.State, out.Feasibility.Issues)
				}
				return
			}
			if out.State != models.StateNeedsFix || !slices.Equal(out.Feasibility.Issues, []string{tt.issue}) {
				t.Errorf("state = %s, issues = %v, want %q", out.State, out.Feasibility.Issues, tt.issue)
			}
			if len(out.Feasibility.Alternatives) == 0 {
				t.Error("expected alternatives")
			}
		})
	}
}

func TestCheckNoDetectableTrigger(t *testing.T) {
	out := newTestEvaluator().Check(slotsWith("call mom", inferred("tomorrow morning")))
	if !slices.Equal(out.Feasibility.Issues, []string{IssueNoTrigger}) {
		t.Fatalf("issues = %v", out.Feasibility.Issues)
	}
	if !slices.Contains(out.Feasibility.Alternatives, clockAlternative) {
		t.Errorf("expected a clock alternative, got %v", out.Feasibility.Alternatives)
	}
}

func TestCheckInferredClockTimes(t *testing.T) {
	e := newTestEvaluator()
	for _, when := range []string{"at 5pm", "5 p.m.", "at 17:30", "at noon", "in 10 minutes", "around 7 o'clock"} {
		out := e.Check(slotsWith("stretch", inferred(when)))
		if out.State != models.StateReadyToSchedule {
			t.Errorf("%q: state = %s, issues %v", when, out.State, out.Feasibility.Issues)
		}
	}
}

func TestCheckIsDeterministic(t *testing.T) {
	e := newTestEvaluator()
	s := slotsWith("check the unknown gadget alert", exact("09:00", ""))

	first := e.Check(s)
	second := e.Check(s)
	if first.State != second.State ||
		!slices.Equal(first.Feasibility.Issues, second.Feasibility.Issues) ||
		!slices.Equal(first.Feasibility.Alternatives, second.Feasibility.Alternatives) {
		t.Errorf("evaluation not repeatable:\n%+v\n%+v", first, second)
	}
}

func TestEvaluateMatchesCheck(t *testing.T) {
	e := newTestEvaluator()
	s := slotsWith("take dog for walk", exact("17:00", "17:00"))
	out, err := e.Evaluate(context.Background(), s)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out.State != e.Check(s).State {
		t.Error("Evaluate and Check disagree")
	}
}

func TestAnalysisToMap(t *testing.T) {
	out := newTestEvaluator().Check(slotsWith("clean the stove", inferred("after Cooking Dinner at 8pm")))
	m := out.Analysis.ToMap()
	if m["clock"] != true {
		t.Errorf("clock = %v", m["clock"])
	}
	acts, _ := m["activities"].([]any)
	if len(acts) != 1 || acts[0] != "Cooking Dinner" {
		t.Errorf("activities = %v", m["activities"])
	}
}
