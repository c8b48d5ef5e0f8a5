package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// InMemoryStore keeps sessions and triggers in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	triggers map[string]storedTrigger // by session id
	owners   map[string]string        // trigger id -> session id
}

type storedTrigger struct {
	rec  TriggerRecord
	data []byte
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*models.Session),
		triggers: make(map[string]storedTrigger),
		owners:   make(map[string]string),
	}
}

func (s *InMemoryStore) SaveSession(_ context.Context, sess *models.Session) error {
	if err := validateSession(sess); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *InMemoryStore) ListSessions(_ context.Context) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) SaveTrigger(_ context.Context, rec TriggerRecord) error {
	if err := validateTrigger(rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec.Machine)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger %s: %w", rec.TriggerID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.owners[rec.TriggerID]; ok && owner != rec.SessionID {
		return fmt.Errorf("%w: %s", ErrDuplicateTriggerID, rec.TriggerID)
	}
	now := time.Now()
	if old, ok := s.triggers[rec.SessionID]; ok {
		delete(s.owners, old.rec.TriggerID)
		rec.CreatedAt = old.rec.CreatedAt
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Machine = models.TriggerMachine{}
	s.triggers[rec.SessionID] = storedTrigger{rec: rec, data: data}
	s.owners[rec.TriggerID] = rec.SessionID
	return nil
}

func (s *InMemoryStore) GetTrigger(_ context.Context, triggerID string) (*TriggerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessionID, ok := s.owners[triggerID]
	if !ok {
		return nil, models.ErrTriggerNotFound
	}
	return s.load(sessionID)
}

func (s *InMemoryStore) GetTriggerBySession(_ context.Context, sessionID string) (*TriggerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(sessionID)
}

func (s *InMemoryStore) ListTriggers(_ context.Context) ([]TriggerRecord, error) {
	return s.list(func(TriggerRecord) bool { return true })
}

func (s *InMemoryStore) ListUnpublishedTriggers(_ context.Context) ([]TriggerRecord, error) {
	return s.list(func(r TriggerRecord) bool { return !r.Published })
}

func (s *InMemoryStore) MarkTriggerPublished(_ context.Context, triggerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID, ok := s.owners[triggerID]
	if !ok {
		return models.ErrTriggerNotFound
	}
	t := s.triggers[sessionID]
	t.rec.Published = true
	t.rec.UpdatedAt = time.Now()
	s.triggers[sessionID] = t
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

// load decodes a stored trigger; callers hold the lock.
func (s *InMemoryStore) load(sessionID string) (*TriggerRecord, error) {
	t, ok := s.triggers[sessionID]
	if !ok {
		return nil, models.ErrTriggerNotFound
	}
	m, err := models.DecodeTriggerMachine(t.data)
	if err != nil {
		return nil, err
	}
	rec := t.rec
	rec.Machine = m
	return &rec, nil
}

func (s *InMemoryStore) list(keep func(TriggerRecord) bool) ([]TriggerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TriggerRecord, 0, len(s.triggers))
	for sessionID, t := range s.triggers {
		if !keep(t.rec) {
			continue
		}
		rec, err := s.load(sessionID)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	sortTriggers(out)
	return out, nil
}

func sortTriggers(recs []TriggerRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].TriggerID < recs[j].TriggerID
	})
}
