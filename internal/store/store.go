// Package store provides storage backends for ReminderPipe.
//
// It persists conversation sessions and compiled triggers. Backends: in-memory,
// SQLite, PostgreSQL and Redis. Only validated sessions and triggers are written.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
	DSNTypeRedis    = "redis"
)

// ErrDuplicateTriggerID is returned when a trigger id is already owned by
// another session.
var ErrDuplicateTriggerID = errors.New("trigger id already in use")

// TriggerRecord is a compiled trigger and its delivery status.
type TriggerRecord struct {
	TriggerID string                `json:"trigger_id"`
	SessionID string                `json:"session_id"`
	Machine   models.TriggerMachine `json:"machine"`
	Published bool                  `json:"published"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Store persists sessions and compiled triggers.
type Store interface {
	SaveSession(ctx context.Context, sess *models.Session) error
	// GetSession returns models.ErrSessionNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]*models.Session, error)

	// SaveTrigger upserts the trigger of a session, so recompiling a session
	// replaces its trigger instead of adding another.
	SaveTrigger(ctx context.Context, rec TriggerRecord) error
	// GetTrigger returns models.ErrTriggerNotFound for unknown ids.
	GetTrigger(ctx context.Context, triggerID string) (*TriggerRecord, error)
	GetTriggerBySession(ctx context.Context, sessionID string) (*TriggerRecord, error)
	ListTriggers(ctx context.Context) ([]TriggerRecord, error)
	ListUnpublishedTriggers(ctx context.Context) ([]TriggerRecord, error)
	MarkTriggerPublished(ctx context.Context, triggerID string) error

	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN         string
	RedisClient *redis.Client
	KeyPrefix   string
}

// Option defines a function that modifies store options.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithRedisURL sets the Redis URL, e.g. redis://localhost:6379/0.
func WithRedisURL(url string) Option {
	return func(o *Opts) {
		o.DSN = url
	}
}

// WithRedisClient uses an existing Redis client instead of dialing a URL.
func WithRedisClient(client *redis.Client) Option {
	return func(o *Opts) {
		o.RedisClient = client
	}
}

// WithKeyPrefix namespaces Redis keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *Opts) {
		o.KeyPrefix = prefix
	}
}

// DetectDSNType determines the database driver for a DSN.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "redis://"), strings.HasPrefix(lower, "rediss://"):
		return DSNTypeRedis
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"),
		strings.Contains(lower, "host=") || strings.Contains(lower, "dbname="):
		return DSNTypePostgres
	default:
		return DSNTypeSQLite
	}
}

// Open creates the store a DSN points at. An empty DSN gives an in-memory store.
func Open(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		slog.Debug("store.Open: no DSN provided, using in-memory store")
		return NewInMemoryStore(), nil
	}
	switch kind := DetectDSNType(dsn); kind {
	case DSNTypePostgres:
		slog.Debug("store.Open: detected PostgreSQL DSN")
		return NewPostgresStore(WithPostgresDSN(dsn))
	case DSNTypeRedis:
		slog.Debug("store.Open: detected Redis URL")
		return NewRedisStore(WithRedisURL(dsn))
	default:
		slog.Debug("store.Open: detected SQLite DSN", "db_path", dsn)
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

func validateSession(sess *models.Session) error {
	if sess == nil {
		return models.ErrEmptySessionID
	}
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid session: %w", err)
	}
	return nil
}

func validateTrigger(rec TriggerRecord) error {
	if strings.TrimSpace(rec.SessionID) == "" {
		return models.ErrEmptySessionID
	}
	if rec.TriggerID != rec.Machine.TriggerID {
		return fmt.Errorf("%w: record id %q does not match machine id %q", models.ErrSchemaValidation, rec.TriggerID, rec.Machine.TriggerID)
	}
	if err := rec.Machine.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid trigger: %w", err)
	}
	return nil
}
