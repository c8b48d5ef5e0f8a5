package publish

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/store"
)

// DefaultRelayInterval is how often the relay looks for undelivered triggers.
const DefaultRelayInterval = 30 * time.Second

// TriggerSource is the part of store.Store the relay reads and updates.
type TriggerSource interface {
	ListUnpublishedTriggers(ctx context.Context) ([]store.TriggerRecord, error)
	MarkTriggerPublished(ctx context.Context, triggerID string) error
}

// Relay periodically publishes stored triggers whose delivery failed.
type Relay struct {
	source    TriggerSource
	publisher Publisher
	interval  time.Duration
	backoff   map[string]relayBackoff
	now       func() time.Time
}

type relayBackoff struct {
	attempts int
	next     time.Time
}

// NewRelay creates a relay. A non-positive interval uses DefaultRelayInterval.
func NewRelay(source TriggerSource, publisher Publisher, interval time.Duration) *Relay {
	if interval <= 0 {
		interval = DefaultRelayInterval
	}
	return &Relay{
		source:    source,
		publisher: publisher,
		interval:  interval,
		backoff:   make(map[string]relayBackoff),
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	slog.Info("Relay.Run: starting trigger relay", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Relay.Run: stopping")
			return
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll publishes every due unpublished trigger once and returns how many
// were delivered.
func (r *Relay) Poll(ctx context.Context) int {
	recs, err := r.source.ListUnpublishedTriggers(ctx)
	if err != nil {
		slog.Error("Relay.Poll: list failed", "error", err)
		return 0
	}
	now := r.now()
	sent := 0
	for _, rec := range recs {
		if b, ok := r.backoff[rec.TriggerID]; ok && now.Before(b.next) {
			continue
		}
		if err := r.publisher.Publish(ctx, rec); err != nil {
			b := r.backoff[rec.TriggerID]
			b.attempts++
			// Exponential backoff: 10s, 20s, 40s, ... capped at one hour.
			delay := time.Duration(10*(1<<min(b.attempts-1, 8))) * time.Second
			b.next = now.Add(min(delay, time.Hour))
			r.backoff[rec.TriggerID] = b
			slog.Error("Relay.Poll: publish failed", "trigger_id", rec.TriggerID, "attempts", b.attempts, "error", err)
			continue
		}
		delete(r.backoff, rec.TriggerID)
		if err := r.source.MarkTriggerPublished(ctx, rec.TriggerID); err != nil {
			slog.Error("Relay.Poll: mark published failed", "trigger_id", rec.TriggerID, "error", err)
			continue
		}
		sent++
		slog.Debug("Relay.Poll: trigger published", "trigger_id", rec.TriggerID)
	}
	return sent
}
