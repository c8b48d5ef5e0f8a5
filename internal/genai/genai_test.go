package genai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/ReminderPipe/internal/catalog"
	"github.com/BTreeMap/ReminderPipe/internal/codegen"
	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params []openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = append(m.params, params)
	return m.resp, m.err
}

func reply(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func newTestClient(t *testing.T, chat chatService) *Client {
	t.Helper()
	prompts, err := loadPrompts("")
	if err != nil {
		t.Fatalf("loadPrompts: %v", err)
	}
	return &Client{chat: chat, model: "test-model", temperature: 0.1, maxTokens: 100, catalog: catalog.Default(), prompts: prompts}
}

var transcript = []models.ConversationMessage{
	{Role: models.RoleUser, Content: "remind me to take dog for walk at 5pm", Timestamp: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)},
}

func TestExtractSlots_Success(t *testing.T) {
	mock := &mockChatService{resp: reply("```json\n" + `{
  "state": "READY_TO_CHECK",
  "slots": {"what": "take dog for walk", "when": {"inferred_time": null, "exact_time": {"start_time": "17:00", "end_time": "17:00"}},
            "recurrence": null, "constraints": [], "priority": "normal", "channel": "default", "metadata": {}},
  "feasibility": {"last_checked_at": null, "is_feasible": null, "issues": [], "alternatives": []}
}` + "\n```")}
	client := newTestClient(t, mock)

	cs, err := client.ExtractSlots(context.Background(), transcript, models.NewConversationState())
	if err != nil {
		t.Fatalf("ExtractSlots: %v", err)
	}
	if cs.Slots.WhatText() != "take dog for walk" || !cs.Slots.When.HasExact() {
		t.Errorf("unexpected slots: %+v", cs.Slots)
	}
	if len(mock.params) != 1 {
		t.Fatalf("expected one request, got %d", len(mock.params))
	}
	// system prompt, one transcript message, current state
	if n := len(mock.params[0].Messages); n != 3 {
		t.Errorf("expected 3 messages, got %d", n)
	}
}

func TestExtractSlots_Malformed(t *testing.T) {
	for _, out := range []string{
		"Sure! The user wants to walk the dog.",
		`{"state": "READY_TO_CHECK", "slots": {}, "feasibility": {}, "mood": "happy"}`,
		`{"state": "SOMETHING_ELSE"}`,
	} {
		client := newTestClient(t, &mockChatService{resp: reply(out)})
		_, err := client.ExtractSlots(context.Background(), transcript, models.NewConversationState())
		if !errors.Is(err, models.ErrSchemaValidation) {
			t.Errorf("expected schema error for %q, got %v", out, err)
		}
	}
}

func TestGenerateReply_Success(t *testing.T) {
	client := newTestClient(t, &mockChatService{resp: reply("  When should I remind you?\n")})
	out, err := client.GenerateReply(context.Background(), transcript, models.NewConversationState())
	if err != nil {
		t.Fatalf("GenerateReply: %v", err)
	}
	if out != "When should I remind you?" {
		t.Errorf("unexpected reply %q", out)
	}
}

func TestGenerateReply_ServiceError(t *testing.T) {
	client := newTestClient(t, &mockChatService{err: errors.New("service failure")})
	_, err := client.GenerateReply(context.Background(), transcript, models.NewConversationState())
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerateReply_NoChoices(t *testing.T) {
	client := newTestClient(t, &mockChatService{resp: openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}})
	_, err := client.GenerateReply(context.Background(), transcript, models.NewConversationState())
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func feasibleState() models.ConversationState {
	cs := models.NewConversationState()
	cs.Slots.What = models.StringPtr("take out the food")
	cs.Slots.When = &models.When{InferredTime: models.StringPtr("when the microwave is done")}
	at := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	cs.Feasibility = models.Feasibility{LastCheckedAt: &at, IsFeasible: models.BoolPtr(true), Issues: []string{}, Alternatives: []string{}}
	cs.State = models.StateDone
	return cs
}

func TestSynthesize_Success(t *testing.T) {
	doc := `{"generated_trigger_code": "` + "```python\\ndef food_trigger(time, activity_data, sensor_data, blackboard):\\n    return True\\n```" + `",
"generated_cancel_code": "def food_cancel(time, activity_data, sensor_data, blackboard):\n    return False\n"}`
	mock := &mockChatService{resp: reply(doc)}
	client := newTestClient(t, mock)

	code, err := client.Synthesize(context.Background(), feasibleState())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !strings.HasPrefix(code.TriggerCode, "def food_trigger(") {
		t.Errorf("fence not stripped: %q", code.TriggerCode)
	}
	if err := codegen.NewValidator(catalog.Default()).Validate(context.Background(), code); err != nil {
		t.Errorf("decoded code should validate: %v", err)
	}
}

func TestSynthesize_RequiresFeasibleState(t *testing.T) {
	mock := &mockChatService{resp: reply("{}")}
	client := newTestClient(t, mock)
	if _, err := client.Synthesize(context.Background(), models.NewConversationState()); !errors.Is(err, models.ErrNotFeasible) {
		t.Errorf("expected ErrNotFeasible, got %v", err)
	}
	if len(mock.params) != 0 {
		t.Error("no request should be sent for an infeasible state")
	}
}

func TestSynthesize_Malformed(t *testing.T) {
	client := newTestClient(t, &mockChatService{resp: reply(`{"generated_trigger_code": "def a(): pass"}`)})
	if _, err := client.Synthesize(context.Background(), feasibleState()); !errors.Is(err, models.ErrSchemaValidation) {
		t.Errorf("expected schema error, got %v", err)
	}
}

func TestCodegenPromptDescribesCatalog(t *testing.T) {
	prompts, err := loadPrompts("")
	if err != nil {
		t.Fatal(err)
	}
	c := catalog.Default()
	out, err := render(prompts.codegen, codegenPrompt{
		TriggerName: "food_trigger", CancelName: "food_cancel",
		Activities: c.Activities(), Sensors: c.Sensors(), MaxBlackboardKeys: 4, Task: "{}",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"def food_trigger(", "plug_kitchen_microwave", "Cooking Dinner", "microwave is done"} {
		if !strings.Contains(out, want) {
			t.Errorf("codegen prompt missing %q", want)
		}
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := map[string]string{
		"{}":                 "{}",
		"```json\n{}\n```":   "{}",
		"```\n{\"a\":1}```":  "{\"a\":1}",
		"  plain text  ":     "plain text",
		"```python\nx = 1\n": "x = 1",
	}
	for in, want := range tests {
		if got := stripCodeFence(in); got != want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithTemperature(0))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-4o" || cli.temperature != 0 {
		t.Errorf("options not applied: model=%q temperature=%v", cli.model, cli.temperature)
	}
}
