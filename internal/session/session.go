// Package session serializes work on conversation sessions.
//
// A Manager hands out per-session locks so that only one turn of a session
// runs at a time. Locks are in-process and reference counted; a
// DistributedLocker extends the exclusion across replicas.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/store"
	"github.com/BTreeMap/ReminderPipe/internal/util"
)

// DefaultLockTTL bounds how long a distributed lock outlives a crashed holder.
const DefaultLockTTL = 2 * time.Minute

// DistributedLocker provides mutual exclusion across processes.
type DistributedLocker interface {
	// Acquire blocks until the lock is held or ctx is done. The returned
	// release function must be called exactly once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

// Manager owns session locking and persistence around a unit of work.
type Manager struct {
	store   store.Store
	locker  DistributedLocker
	lockTTL time.Duration
	now     func() time.Time
	newID   func() string

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// Option configures a Manager.
type Option func(*Manager)

// WithDistributedLocker adds a cross-process lock on top of the local one.
func WithDistributedLocker(l DistributedLocker) Option {
	return func(m *Manager) { m.locker = l }
}

// WithLockTTL sets the distributed lock expiry.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.lockTTL = ttl }
}

// WithClock sets the clock used for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// NewManager creates a Manager over st.
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:   st,
		lockTTL: DefaultLockTTL,
		now:     time.Now,
		newID:   util.NewSessionID,
		locks:   make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start creates and persists a new session.
func (m *Manager) Start(ctx context.Context) (*models.Session, error) {
	sess := models.NewSession(m.newID(), m.now().UTC())
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	slog.Info("Manager.Start: session started", "session_id", sess.ID)
	return sess, nil
}

// Get loads a session without locking it.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	return m.store.GetSession(ctx, id)
}

// WithSession locks the session, loads it and runs fn. The session is saved
// only when fn returns nil; otherwise the stored copy is left untouched.
func (m *Manager) WithSession(ctx context.Context, id string, fn func(ctx context.Context, sess *models.Session) error) error {
	if id == "" {
		return models.ErrEmptySessionID
	}
	unlock, err := m.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(ctx, sess); err != nil {
		return err
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		slog.Error("Manager.WithSession: save failed", "session_id", id, "error", err)
		return err
	}
	return nil
}

// Lock acquires the session lock, waiting until it is free or ctx is done.
func (m *Manager) Lock(ctx context.Context, id string) (unlock func(), err error) {
	l := m.ref(id)
	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.unref(id)
		return nil, ctx.Err()
	}

	release := func(context.Context) error { return nil }
	if m.locker != nil {
		release, err = m.locker.Acquire(ctx, "session:"+id, m.lockTTL)
		if err != nil {
			<-l.ch
			m.unref(id)
			return nil, fmt.Errorf("failed to lock session %s: %w", id, err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := release(context.Background()); err != nil {
				slog.Warn("Manager.Lock: distributed release failed", "session_id", id, "error", err)
			}
			<-l.ch
			m.unref(id)
		})
	}, nil
}

func (m *Manager) ref(id string) *sessionLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sessionLock{ch: make(chan struct{}, 1)}
		m.locks[id] = l
	}
	l.refs++
	return l
}

func (m *Manager) unref(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.locks[id]
	l.refs--
	if l.refs == 0 {
		delete(m.locks, id)
	}
}

// activeLocks reports how many sessions have lock holders or waiters.
func (m *Manager) activeLocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
