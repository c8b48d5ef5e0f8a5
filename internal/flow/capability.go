// Package flow runs the slot-filling conversation that collects a reminder.
//
// The package owns the state machine and the per-turn orchestration. Natural
// language understanding, reply wording and feasibility evaluation are
// consumed through the interfaces below.
package flow

import (
	"context"

	"github.com/BTreeMap/ReminderPipe/internal/feasibility"
	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// SlotExtractor turns the transcript into updated slot values.
type SlotExtractor interface {
	ExtractSlots(ctx context.Context, transcript []models.ConversationMessage, current models.ConversationState) (models.ConversationState, error)
}

// ReplyGenerator words the next assistant message.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, transcript []models.ConversationMessage, current models.ConversationState) (string, error)
}

// LanguageCapability is the full natural-language side of a turn.
type LanguageCapability interface {
	SlotExtractor
	ReplyGenerator
}

// FeasibilityEvaluator decides whether the collected slots can be detected.
type FeasibilityEvaluator interface {
	Evaluate(ctx context.Context, slots models.Slots) (feasibility.Outcome, error)
}

var _ FeasibilityEvaluator = (*feasibility.Evaluator)(nil)
