package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/ReminderPipe/internal/codegen"
	"github.com/BTreeMap/ReminderPipe/internal/flow"
	"github.com/BTreeMap/ReminderPipe/internal/models"
)

var (
	_ flow.LanguageCapability = (*Client)(nil)
	_ codegen.Synthesizer     = (*Client)(nil)
)

// transcriptMessages replays the transcript as chat messages.
func transcriptMessages(transcript []models.ConversationMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(transcript))
	for _, m := range transcript {
		switch m.Role {
		case models.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case models.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		}
	}
	return out
}

func stateMessage(label string, cs models.ConversationState) (openai.ChatCompletionMessageParamUnion, error) {
	data, err := json.MarshalIndent(cs, "", "  ")
	if err != nil {
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("failed to marshal state: %w", err)
	}
	return openai.SystemMessage(label + ":\n" + string(data)), nil
}

// ExtractSlots implements flow.SlotExtractor. Output that is not a state
// document is a schema failure.
func (c *Client) ExtractSlots(ctx context.Context, transcript []models.ConversationMessage, current models.ConversationState) (models.ConversationState, error) {
	system, err := render(c.prompts.extract, nil)
	if err != nil {
		return models.ConversationState{}, err
	}
	state, err := stateMessage("Current state JSON", current)
	if err != nil {
		return models.ConversationState{}, err
	}
	messages := append([]openai.ChatCompletionMessageParamUnion{openai.SystemMessage(system)}, transcriptMessages(transcript)...)
	messages = append(messages, state)

	out, err := c.complete(ctx, "ExtractSlots", messages)
	if err != nil {
		return models.ConversationState{}, err
	}
	cs, err := models.DecodeConversationState([]byte(stripCodeFence(out)))
	if err != nil {
		slog.Warn("Client.ExtractSlots: malformed extraction", "error", err, "length", len(out))
		return models.ConversationState{}, err
	}
	return cs, nil
}

// GenerateReply implements flow.ReplyGenerator.
func (c *Client) GenerateReply(ctx context.Context, transcript []models.ConversationMessage, current models.ConversationState) (string, error) {
	system, err := render(c.prompts.reply, struct{ Marker string }{flow.TerminationMarker})
	if err != nil {
		return "", err
	}
	state, err := stateMessage("Current state JSON", current)
	if err != nil {
		return "", err
	}
	messages := append([]openai.ChatCompletionMessageParamUnion{openai.SystemMessage(system)}, transcriptMessages(transcript)...)
	messages = append(messages, state)

	out, err := c.complete(ctx, "GenerateReply", messages)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

type codegenPrompt struct {
	TriggerName       string
	CancelName        string
	Activities        any
	Sensors           any
	MaxBlackboardKeys int
	Task              string
}

// Synthesize implements codegen.Synthesizer. The returned code is not
// validated here.
func (c *Client) Synthesize(ctx context.Context, state models.ConversationState) (codegen.GeneratedCode, error) {
	if !state.Feasibility.Feasible() {
		return codegen.GeneratedCode{}, models.ErrNotFeasible
	}
	task, err := json.MarshalIndent(state.Slots, "", "  ")
	if err != nil {
		return codegen.GeneratedCode{}, fmt.Errorf("failed to marshal slots: %w", err)
	}
	triggerName, cancelName := codegen.FunctionNames(state.Slots.WhatText())
	activities := c.catalog.Activities()
	visible := activities[:0]
	for _, a := range activities {
		if !a.CatchAll {
			visible = append(visible, a)
		}
	}
	system, err := render(c.prompts.codegen, codegenPrompt{
		TriggerName:       triggerName,
		CancelName:        cancelName,
		Activities:        visible,
		Sensors:           c.catalog.Sensors(),
		MaxBlackboardKeys: codegen.MaxBlackboardKeys,
		Task:              string(task),
	})
	if err != nil {
		return codegen.GeneratedCode{}, err
	}

	out, err := c.complete(ctx, "Synthesize", []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(flow.Summarize(state.Slots)),
	})
	if err != nil {
		return codegen.GeneratedCode{}, err
	}
	code, err := codegen.DecodeGeneratedCode([]byte(stripCodeFence(out)))
	if err != nil {
		slog.Warn("Client.Synthesize: malformed code document", "error", err, "length", len(out))
		return codegen.GeneratedCode{}, err
	}
	code.TriggerCode = stripCodeFence(code.TriggerCode)
	code.CancelCode = stripCodeFence(code.CancelCode)
	return code, nil
}
