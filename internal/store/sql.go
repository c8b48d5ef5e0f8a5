package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// sqlStore implements Store over database/sql. Queries are written with ?
// placeholders and rebound for drivers that number their parameters.
type sqlStore struct {
	db       *sql.DB
	name     string
	numbered bool
}

func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) SaveSession(ctx context.Context, sess *models.Session) error {
	if err := validateSession(sess); err != nil {
		return err
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", sess.ID, err)
	}
	updated := sess.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	created := sess.CreatedAt
	if created.IsZero() {
		created = updated
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO sessions (id, state, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET state = excluded.state, data = excluded.data, updated_at = excluded.updated_at`),
		sess.ID, string(sess.State.State), string(data), created.UTC(), updated.UTC())
	if err != nil {
		slog.Error(s.name+".SaveSession: upsert failed", "session_id", sess.ID, "error", err)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug(s.name+".SaveSession: saved", "session_id", sess.ID, "state", sess.State.State)
	return nil
}

func (s *sqlStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM sessions WHERE id = ?`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		slog.Error(s.name+".GetSession: query failed", "session_id", id, "error", err)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return decodeSession([]byte(data))
}

func (s *sqlStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE id = ?`), id); err != nil {
		slog.Error(s.name+".DeleteSession: delete failed", "session_id", id, "error", err)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func (s *sqlStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM sessions ORDER BY created_at, id`)
	if err != nil {
		slog.Error(s.name+".ListSessions: query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	out := []*models.Session{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sess, err := decodeSession([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) SaveTrigger(ctx context.Context, rec TriggerRecord) error {
	if err := validateTrigger(rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec.Machine)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger %s: %w", rec.TriggerID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var owner string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT session_id FROM triggers WHERE trigger_id = ?`), rec.TriggerID).Scan(&owner)
	switch {
	case err == nil && owner != rec.SessionID:
		return fmt.Errorf("%w: %s", ErrDuplicateTriggerID, rec.TriggerID)
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to check trigger owner: %w", err)
	}

	now := time.Now().UTC()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO triggers (session_id, trigger_id, machine, published, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET trigger_id = excluded.trigger_id, machine = excluded.machine, published = excluded.published, updated_at = excluded.updated_at`),
		rec.SessionID, rec.TriggerID, string(data), rec.Published, created.UTC(), now)
	if err != nil {
		slog.Error(s.name+".SaveTrigger: upsert failed", "trigger_id", rec.TriggerID, "session_id", rec.SessionID, "error", err)
		return fmt.Errorf("failed to save trigger %s: %w", rec.TriggerID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trigger %s: %w", rec.TriggerID, err)
	}
	slog.Debug(s.name+".SaveTrigger: saved", "trigger_id", rec.TriggerID, "session_id", rec.SessionID)
	return nil
}

const triggerColumns = `session_id, trigger_id, machine, published, created_at, updated_at`

func (s *sqlStore) GetTrigger(ctx context.Context, triggerID string) (*TriggerRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+triggerColumns+` FROM triggers WHERE trigger_id = ?`), triggerID)
	return s.scanTrigger(row)
}

func (s *sqlStore) GetTriggerBySession(ctx context.Context, sessionID string) (*TriggerRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+triggerColumns+` FROM triggers WHERE session_id = ?`), sessionID)
	return s.scanTrigger(row)
}

func (s *sqlStore) ListTriggers(ctx context.Context) ([]TriggerRecord, error) {
	return s.queryTriggers(ctx, `SELECT `+triggerColumns+` FROM triggers ORDER BY created_at, trigger_id`)
}

func (s *sqlStore) ListUnpublishedTriggers(ctx context.Context) ([]TriggerRecord, error) {
	return s.queryTriggers(ctx, s.rebind(`SELECT `+triggerColumns+` FROM triggers WHERE published = ? ORDER BY created_at, trigger_id`), false)
}

func (s *sqlStore) MarkTriggerPublished(ctx context.Context, triggerID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE triggers SET published = ?, updated_at = ? WHERE trigger_id = ?`), true, time.Now().UTC(), triggerID)
	if err != nil {
		slog.Error(s.name+".MarkTriggerPublished: update failed", "trigger_id", triggerID, "error", err)
		return fmt.Errorf("failed to mark trigger %s published: %w", triggerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return models.ErrTriggerNotFound
	}
	return nil
}

func (s *sqlStore) Close() error {
	slog.Debug(s.name + ".Close: closing database connection")
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) scanTrigger(row rowScanner) (*TriggerRecord, error) {
	var (
		rec  TriggerRecord
		data string
	)
	err := row.Scan(&rec.SessionID, &rec.TriggerID, &data, &rec.Published, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTriggerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan trigger row: %w", err)
	}
	m, err := models.DecodeTriggerMachine([]byte(data))
	if err != nil {
		slog.Error(s.name+".scanTrigger: stored trigger is invalid", "trigger_id", rec.TriggerID, "error", err)
		return nil, err
	}
	rec.Machine = m
	return &rec, nil
}

func (s *sqlStore) queryTriggers(ctx context.Context, query string, args ...any) ([]TriggerRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error(s.name+".queryTriggers: query failed", "error", err)
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}
	defer rows.Close()

	out := []TriggerRecord{}
	for rows.Next() {
		rec, err := s.scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trigger rows: %w", err)
	}
	return out, nil
}

func decodeSession(data []byte) (*models.Session, error) {
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if sess.History == nil {
		sess.History = []models.ConversationMessage{}
	}
	return &sess, nil
}
