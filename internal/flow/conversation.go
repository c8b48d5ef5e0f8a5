package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/feasibility"
	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// DefaultCallTimeout bounds each external call of a turn.
const DefaultCallTimeout = 30 * time.Second

// Causes recorded on transitions.
const (
	CauseExtraction  = "extraction"
	CauseFeasibility = "feasibility"
	CauseTermination = "termination"
)

// Transition is one state change within a turn.
type Transition struct {
	From  models.StateType `json:"from"`
	To    models.StateType `json:"to"`
	Cause string           `json:"cause"`
}

// TurnResult is what a turn produced.
type TurnResult struct {
	Reply       string           `json:"reply"`
	State       models.StateType `json:"state"`
	Transitions []Transition     `json:"transitions"`
	Done        bool             `json:"done"`
}

// Conversation orchestrates single turns of the reminder conversation.
type Conversation struct {
	language    LanguageCapability
	evaluator   FeasibilityEvaluator
	callTimeout time.Duration
	now         func() time.Time
}

// Option configures a Conversation.
type Option func(*Conversation)

// WithCallTimeout sets the timeout applied to every external call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Conversation) { c.callTimeout = d }
}

// WithClock sets the clock used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Conversation) { c.now = now }
}

// NewConversation creates an orchestrator over the given capabilities.
func NewConversation(language LanguageCapability, evaluator FeasibilityEvaluator, opts ...Option) *Conversation {
	c := &Conversation{
		language:    language,
		evaluator:   evaluator,
		callTimeout: DefaultCallTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleTurn processes one user message. The session is updated only when
// the turn succeeds; on error it is left exactly as it was. A blank message
// skips extraction and only asks the next question.
func (c *Conversation) HandleTurn(ctx context.Context, sess *models.Session, userText string) (TurnResult, error) {
	if sess == nil {
		return TurnResult{}, models.ErrEmptySessionID
	}
	if sess.State.State == models.StateDone {
		return TurnResult{State: models.StateDone, Done: true}, models.ErrConversationDone
	}

	work := sess.Clone()
	work.State.Normalize()
	now := c.now().UTC()
	result := TurnResult{Transitions: []Transition{}}
	move := func(next models.ConversationState, cause string) {
		if next.State != work.State.State {
			result.Transitions = append(result.Transitions, Transition{From: work.State.State, To: next.State, Cause: cause})
			slog.Debug("Conversation.HandleTurn: transition", "session_id", work.ID, "from", work.State.State, "to", next.State, "cause", cause)
		}
		work.State = next
	}

	if text := strings.TrimSpace(userText); text != "" {
		work.AppendMessage(models.RoleUser, text, now)
		transcript := work.History
		current := work.State.Clone()
		extracted, err := CallWithRetry(ctx, "extract_slots", c.callTimeout, func(ctx context.Context) (models.ConversationState, error) {
			return c.language.ExtractSlots(ctx, transcript, current)
		})
		if err != nil {
			slog.Error("Conversation.HandleTurn: slot extraction failed", "session_id", work.ID, "error", err)
			return TurnResult{}, err
		}
		move(ApplyExtraction(work.State, extracted), CauseExtraction)
	}

	if work.State.State == models.StateReadyToCheck {
		slots := work.State.Slots
		outcome, err := CallWithRetry(ctx, "evaluate_feasibility", c.callTimeout, func(ctx context.Context) (feasibility.Outcome, error) {
			return c.evaluator.Evaluate(ctx, slots)
		})
		if err != nil {
			slog.Error("Conversation.HandleTurn: feasibility evaluation failed", "session_id", work.ID, "error", err)
			return TurnResult{}, err
		}
		next, err := ApplyOutcome(work.State, outcome)
		if err != nil {
			slog.Error("Conversation.HandleTurn: rejected evaluation", "session_id", work.ID, "error", err)
			return TurnResult{}, err
		}
		move(next, CauseFeasibility)
	}

	if work.State.State == models.StateReadyToSchedule {
		result.Reply = Summarize(work.State.Slots) + " " + TerminationMarker
		next := work.State.Clone()
		next.State = models.StateDone
		move(next, CauseTermination)
		result.Done = true
	} else {
		transcript := work.History
		current := work.State.Clone()
		reply, err := CallWithRetry(ctx, "generate_reply", c.callTimeout, func(ctx context.Context) (string, error) {
			return c.language.GenerateReply(ctx, transcript, current)
		})
		if err != nil {
			slog.Error("Conversation.HandleTurn: reply generation failed", "session_id", work.ID, "error", err)
			return TurnResult{}, err
		}
		if IsTerminal(reply) {
			slog.Warn("Conversation.HandleTurn: stripping termination marker from reply", "session_id", work.ID, "state", work.State.State)
		}
		result.Reply = StripMarker(reply)
		if result.Reply == "" {
			return TurnResult{}, fmt.Errorf("%w: empty reply", models.ErrSchemaValidation)
		}
	}

	if err := work.State.Validate(); err != nil {
		return TurnResult{}, err
	}
	work.AppendMessage(models.RoleAssistant, result.Reply, now)
	work.UpdatedAt = now
	*sess = *work

	result.State = work.State.State
	slog.Info("Conversation.HandleTurn: turn complete", "session_id", sess.ID, "state", result.State, "done", result.Done)
	return result, nil
}
