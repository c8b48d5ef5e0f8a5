package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// DefaultKeyPrefix namespaces every key the Redis store writes.
const DefaultKeyPrefix = "reminderpipe:"

const maxWatchRetries = 5

// RedisStore persists sessions and triggers in Redis.
//
// Layout under the key prefix:
//
//	session:<id>            session JSON
//	sessions                zset of session ids by creation time
//	trigger:<trigger id>    trigger record JSON
//	session_trigger:<id>    trigger id owned by a session
//	triggers                zset of trigger ids by creation time
//	unpublished             set of trigger ids not yet published
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ownClient bool
}

var _ Store = (*RedisStore)(nil)

// redisTrigger is the stored form of a TriggerRecord; the machine is
// decoded strictly on read.
type redisTrigger struct {
	TriggerID string          `json:"trigger_id"`
	SessionID string          `json:"session_id"`
	Machine   json.RawMessage `json:"machine"`
	Published bool            `json:"published"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewRedisStore connects to Redis using WithRedisURL or WithRedisClient.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	cfg := Opts{KeyPrefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(&cfg)
	}
	client := cfg.RedisClient
	own := false
	if client == nil {
		if cfg.DSN == "" {
			slog.Error("RedisStore URL not set")
			return nil, fmt.Errorf("redis URL not set")
		}
		ropts, err := redis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		client = redis.NewClient(ropts)
		own = true
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		slog.Error("Redis ping failed", "error", err)
		if own {
			client.Close()
		}
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	slog.Debug("RedisStore.NewRedisStore: connected", "prefix", cfg.KeyPrefix)
	return &RedisStore{client: client, prefix: cfg.KeyPrefix, ownClient: own}, nil
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *RedisStore) SaveSession(ctx context.Context, sess *models.Session) error {
	if err := validateSession(sess); err != nil {
		return err
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", sess.ID, err)
	}
	created := sess.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("session", sess.ID), data, 0)
		pipe.ZAddNX(ctx, s.key("sessions"), redis.Z{Score: float64(created.UnixNano()), Member: sess.ID})
		return nil
	})
	if err != nil {
		slog.Error("RedisStore.SaveSession: write failed", "session_id", sess.ID, "error", err)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("RedisStore.SaveSession: saved", "session_id", sess.ID, "state", sess.State.State)
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	data, err := s.client.Get(ctx, s.key("session", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return decodeSession(data)
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key("session", id))
		pipe.ZRem(ctx, s.key("sessions"), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	ids, err := s.client.ZRange(ctx, s.key("sessions"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := []*models.Session{}
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if errors.Is(err, models.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *RedisStore) SaveTrigger(ctx context.Context, rec TriggerRecord) error {
	if err := validateTrigger(rec); err != nil {
		return err
	}
	machine, err := json.Marshal(rec.Machine)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger %s: %w", rec.TriggerID, err)
	}
	triggerKey := s.key("trigger", rec.TriggerID)
	ownerKey := s.key("session_trigger", rec.SessionID)

	txf := func(tx *redis.Tx) error {
		if existing, err := s.loadRaw(ctx, tx, rec.TriggerID); err == nil && existing.SessionID != rec.SessionID {
			return fmt.Errorf("%w: %s", ErrDuplicateTriggerID, rec.TriggerID)
		} else if err != nil && !errors.Is(err, models.ErrTriggerNotFound) {
			return err
		}

		now := time.Now().UTC()
		stored := redisTrigger{
			TriggerID: rec.TriggerID,
			SessionID: rec.SessionID,
			Machine:   machine,
			Published: rec.Published,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: now,
		}
		previous, err := tx.Get(ctx, ownerKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if previous != "" {
			if old, err := s.loadRaw(ctx, tx, previous); err == nil {
				stored.CreatedAt = old.CreatedAt
			}
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if previous != "" && previous != rec.TriggerID {
				pipe.Del(ctx, s.key("trigger", previous))
				pipe.ZRem(ctx, s.key("triggers"), previous)
				pipe.SRem(ctx, s.key("unpublished"), previous)
			}
			pipe.Set(ctx, triggerKey, data, 0)
			pipe.Set(ctx, ownerKey, rec.TriggerID, 0)
			pipe.ZAdd(ctx, s.key("triggers"), redis.Z{Score: float64(stored.CreatedAt.UnixNano()), Member: rec.TriggerID})
			if rec.Published {
				pipe.SRem(ctx, s.key("unpublished"), rec.TriggerID)
			} else {
				pipe.SAdd(ctx, s.key("unpublished"), rec.TriggerID)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err = s.client.Watch(ctx, txf, triggerKey, ownerKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		slog.Debug("RedisStore.SaveTrigger: concurrent write, retrying", "trigger_id", rec.TriggerID, "attempt", i+1)
	}
	if err != nil {
		if !errors.Is(err, ErrDuplicateTriggerID) {
			slog.Error("RedisStore.SaveTrigger: write failed", "trigger_id", rec.TriggerID, "error", err)
		}
		return fmt.Errorf("failed to save trigger %s: %w", rec.TriggerID, err)
	}
	slog.Debug("RedisStore.SaveTrigger: saved", "trigger_id", rec.TriggerID, "session_id", rec.SessionID)
	return nil
}

func (s *RedisStore) GetTrigger(ctx context.Context, triggerID string) (*TriggerRecord, error) {
	raw, err := s.loadRaw(ctx, s.client, triggerID)
	if err != nil {
		return nil, err
	}
	return decodeRedisTrigger(raw)
}

func (s *RedisStore) GetTriggerBySession(ctx context.Context, sessionID string) (*TriggerRecord, error) {
	id, err := s.client.Get(ctx, s.key("session_trigger", sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrTriggerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trigger of session %s: %w", sessionID, err)
	}
	return s.GetTrigger(ctx, id)
}

func (s *RedisStore) ListTriggers(ctx context.Context) ([]TriggerRecord, error) {
	ids, err := s.client.ZRange(ctx, s.key("triggers"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	return s.collect(ctx, ids)
}

func (s *RedisStore) ListUnpublishedTriggers(ctx context.Context) ([]TriggerRecord, error) {
	ids, err := s.client.SMembers(ctx, s.key("unpublished")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list unpublished triggers: %w", err)
	}
	out, err := s.collect(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortTriggers(out)
	return out, nil
}

func (s *RedisStore) MarkTriggerPublished(ctx context.Context, triggerID string) error {
	raw, err := s.loadRaw(ctx, s.client, triggerID)
	if err != nil {
		return err
	}
	raw.Published = true
	raw.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("trigger", triggerID), data, 0)
		pipe.SRem(ctx, s.key("unpublished"), triggerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark trigger %s published: %w", triggerID, err)
	}
	return nil
}

// Close closes the client if the store dialed it.
func (s *RedisStore) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) loadRaw(ctx context.Context, c redis.Cmdable, triggerID string) (*redisTrigger, error) {
	data, err := c.Get(ctx, s.key("trigger", triggerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrTriggerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trigger %s: %w", triggerID, err)
	}
	var raw redisTrigger
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode trigger %s: %w", triggerID, err)
	}
	return &raw, nil
}

func (s *RedisStore) collect(ctx context.Context, ids []string) ([]TriggerRecord, error) {
	out := make([]TriggerRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetTrigger(ctx, id)
		if errors.Is(err, models.ErrTriggerNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func decodeRedisTrigger(raw *redisTrigger) (*TriggerRecord, error) {
	m, err := models.DecodeTriggerMachine(raw.Machine)
	if err != nil {
		return nil, err
	}
	return &TriggerRecord{
		TriggerID: raw.TriggerID,
		SessionID: raw.SessionID,
		Machine:   m,
		Published: raw.Published,
		CreatedAt: raw.CreatedAt,
		UpdatedAt: raw.UpdatedAt,
	}, nil
}
