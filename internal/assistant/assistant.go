// Package assistant ties the reminder pipeline together for adapters: it runs
// conversation turns under the session lock and turns finished conversations
// into stored, published trigger machines.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/codegen"
	"github.com/BTreeMap/ReminderPipe/internal/compiler"
	"github.com/BTreeMap/ReminderPipe/internal/flow"
	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/publish"
	"github.com/BTreeMap/ReminderPipe/internal/session"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

// DefaultSynthesisTimeout bounds each synthesis attempt.
const DefaultSynthesisTimeout = 60 * time.Second

// maxSequenceAttempts bounds TriggerId collision retries during Finalize.
const maxSequenceAttempts = 20

// TurnResponse is the outcome of one turn, with the trigger when the turn
// finished the conversation and auto-finalize is enabled.
type TurnResponse struct {
	SessionID string `json:"session_id"`
	flow.TurnResult
	Trigger *store.TriggerRecord `json:"trigger,omitempty"`
	Issues  []string             `json:"issues,omitempty"`
}

// FinalizeResult is a stored trigger and the non-fatal compile issues.
type FinalizeResult struct {
	Trigger *store.TriggerRecord `json:"trigger"`
	Issues  []string             `json:"issues,omitempty"`
}

// Service runs the reminder pipeline.
type Service struct {
	sessions     *session.Manager
	store        store.Store
	conversation *flow.Conversation
	synthesizer  codegen.Synthesizer
	compiler     *compiler.Compiler
	publisher    publish.Publisher
	autoFinalize bool
	synthTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets where compiled triggers are delivered.
func WithPublisher(p publish.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithAutoFinalize compiles the trigger in the turn that ends the conversation.
func WithAutoFinalize(enabled bool) Option {
	return func(s *Service) { s.autoFinalize = enabled }
}

// WithSynthesisTimeout bounds each synthesis attempt.
func WithSynthesisTimeout(d time.Duration) Option {
	return func(s *Service) { s.synthTimeout = d }
}

// NewService creates a Service.
func NewService(sessions *session.Manager, st store.Store, conv *flow.Conversation, synth codegen.Synthesizer, comp *compiler.Compiler, opts ...Option) *Service {
	s := &Service{
		sessions:     sessions,
		store:        st,
		conversation: conv,
		synthesizer:  synth,
		compiler:     comp,
		publisher:    publish.NopPublisher{},
		synthTimeout: DefaultSynthesisTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartSession creates a new conversation.
func (s *Service) StartSession(ctx context.Context) (*models.Session, error) {
	return s.sessions.Start(ctx)
}

// GetSession returns a stored conversation.
func (s *Service) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.sessions.Get(ctx, id)
}

// HandleTurn runs one user turn. The session is saved only if the turn
// succeeds. A failed auto-finalize does not fail the turn; Finalize can be
// called again.
func (s *Service) HandleTurn(ctx context.Context, sessionID, userText string) (*TurnResponse, error) {
	var result flow.TurnResult
	err := s.sessions.WithSession(ctx, sessionID, func(ctx context.Context, sess *models.Session) error {
		var err error
		result, err = s.conversation.HandleTurn(ctx, sess, userText)
		return err
	})
	if err != nil {
		return nil, err
	}
	resp := &TurnResponse{SessionID: sessionID, TurnResult: result}
	if result.Done && s.autoFinalize {
		fin, err := s.Finalize(ctx, sessionID)
		if err != nil {
			slog.Warn("Service.HandleTurn: auto-finalize failed", "session_id", sessionID, "error", err)
		} else {
			resp.Trigger = fin.Trigger
			resp.Issues = fin.Issues
		}
	}
	return resp, nil
}

// Chat runs a turn, starting a session first when sessionID is empty.
func (s *Service) Chat(ctx context.Context, sessionID, userText string) (*TurnResponse, error) {
	if strings.TrimSpace(sessionID) == "" {
		sess, err := s.StartSession(ctx)
		if err != nil {
			return nil, err
		}
		sessionID = sess.ID
	}
	return s.HandleTurn(ctx, sessionID, userText)
}

// Finalize compiles, stores and publishes the trigger of a finished
// conversation. It is idempotent: a stored trigger is returned as is, and
// published again if its earlier delivery failed.
func (s *Service) Finalize(ctx context.Context, sessionID string) (*FinalizeResult, error) {
	unlock, err := s.sessions.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State.State != models.StateDone {
		return nil, fmt.Errorf("%w: session %s is in state %s", models.ErrNotReady, sessionID, sess.State.State)
	}

	existing, err := s.store.GetTriggerBySession(ctx, sessionID)
	switch {
	case err == nil:
		slog.Debug("Service.Finalize: trigger already stored", "session_id", sessionID, "trigger_id", existing.TriggerID)
		s.deliver(ctx, existing)
		return &FinalizeResult{Trigger: existing}, nil
	case !errors.Is(err, models.ErrTriggerNotFound):
		return nil, err
	}

	state := sess.State.Clone()
	code, err := flow.CallWithRetry(ctx, "synthesize", s.synthTimeout, func(ctx context.Context) (codegen.GeneratedCode, error) {
		return s.synthesizer.Synthesize(ctx, state)
	})
	if err != nil {
		slog.Error("Service.Finalize: synthesis failed", "session_id", sessionID, "error", err)
		return nil, err
	}

	seq, err := s.nextSequence(ctx, sessionID, state.Slots.WhatText())
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxSequenceAttempts; attempt++ {
		res, err := s.compiler.Compile(ctx, compiler.Request{
			State:      state,
			Code:       code,
			Transcript: sess.History,
			Sequence:   seq,
		})
		if err != nil {
			slog.Error("Service.Finalize: compile failed", "session_id", sessionID, "error", err)
			return nil, err
		}
		rec := store.TriggerRecord{TriggerID: res.Machine.TriggerID, SessionID: sessionID, Machine: res.Machine}
		err = s.store.SaveTrigger(ctx, rec)
		if errors.Is(err, store.ErrDuplicateTriggerID) {
			slog.Debug("Service.Finalize: trigger id taken, trying next", "trigger_id", rec.TriggerID)
			seq++
			continue
		}
		if err != nil {
			return nil, err
		}
		stored, err := s.store.GetTriggerBySession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		s.deliver(ctx, stored)
		slog.Info("Service.Finalize: trigger stored", "session_id", sessionID, "trigger_id", stored.TriggerID, "published", stored.Published)
		return &FinalizeResult{Trigger: stored, Issues: res.Issues}, nil
	}
	return nil, fmt.Errorf("%w: no free trigger id for %q", store.ErrDuplicateTriggerID, state.Slots.WhatText())
}

// deliver publishes an unpublished trigger and records the delivery. Failures
// leave the trigger unpublished for the relay.
func (s *Service) deliver(ctx context.Context, rec *store.TriggerRecord) {
	if rec.Published {
		return
	}
	if err := s.publisher.Publish(ctx, *rec); err != nil {
		slog.Warn("Service.deliver: publish failed, leaving for relay", "trigger_id", rec.TriggerID, "error", err)
		return
	}
	if err := s.store.MarkTriggerPublished(ctx, rec.TriggerID); err != nil {
		slog.Warn("Service.deliver: mark published failed", "trigger_id", rec.TriggerID, "error", err)
		return
	}
	rec.Published = true
}

// nextSequence returns the lowest sequence whose TriggerId no other session owns.
func (s *Service) nextSequence(ctx context.Context, sessionID, what string) (int, error) {
	recs, err := s.store.ListTriggers(ctx)
	if err != nil {
		return 0, err
	}
	taken := make(map[string]bool, len(recs))
	for _, r := range recs {
		if r.SessionID != sessionID {
			taken[r.TriggerID] = true
		}
	}
	seq := 1
	for taken[compiler.TriggerID(what, seq)] {
		seq++
	}
	return seq, nil
}

// GetTrigger returns a stored trigger by id.
func (s *Service) GetTrigger(ctx context.Context, triggerID string) (*store.TriggerRecord, error) {
	return s.store.GetTrigger(ctx, triggerID)
}

// HomeTriggers bundles every stored trigger. A store belongs to a single home,
// so the bundle is not filtered by home.HomeID.
func (s *Service) HomeTriggers(ctx context.Context, home compiler.HomeConfig) (models.HomeTriggerList, error) {
	recs, err := s.store.ListTriggers(ctx)
	if err != nil {
		return models.HomeTriggerList{}, err
	}
	machines := make([]models.TriggerMachine, 0, len(recs))
	for _, r := range recs {
		machines = append(machines, r.Machine)
	}
	return compiler.BuildHomeTriggerList(home, machines)
}
