// Package publish delivers compiled triggers to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

// EventTriggerCompiled is the event type and routing key of a new trigger.
const EventTriggerCompiled = "trigger.compiled"

// Event is the JSON envelope published for a compiled trigger.
type Event struct {
	ID         string                `json:"id"`
	Type       string                `json:"type"`
	OccurredAt time.Time             `json:"occurred_at"`
	SessionID  string                `json:"session_id"`
	TriggerID  string                `json:"trigger_id"`
	Machine    models.TriggerMachine `json:"machine"`
}

// NewEvent wraps a stored trigger in an envelope.
func NewEvent(rec store.TriggerRecord, now time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       EventTriggerCompiled,
		OccurredAt: now.UTC(),
		SessionID:  rec.SessionID,
		TriggerID:  rec.TriggerID,
		Machine:    rec.Machine,
	}
}

// Publisher delivers compiled triggers.
type Publisher interface {
	Publish(ctx context.Context, rec store.TriggerRecord) error
	Close() error
}

// NopPublisher accepts every trigger and delivers nothing.
type NopPublisher struct{}

var _ Publisher = NopPublisher{}

func (NopPublisher) Publish(_ context.Context, rec store.TriggerRecord) error {
	slog.Debug("NopPublisher.Publish: discarding trigger", "trigger_id", rec.TriggerID)
	return nil
}

func (NopPublisher) Close() error { return nil }

func marshalEvent(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
	}
	return body, nil
}
