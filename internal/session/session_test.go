package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/goleak"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

func TestStartPersistsSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	st := store.NewInMemoryStore()
	m := NewManager(st, WithIDGenerator(func() string { return "fixed" }))

	sess, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sess.ID != "fixed" || sess.State.State != models.StateNeedWhat {
		t.Errorf("unexpected session %+v", sess)
	}
	if _, err := st.GetSession(context.Background(), "fixed"); err != nil {
		t.Errorf("session not stored: %v", err)
	}
}

func TestWithSessionSavesOnSuccessOnly(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	st := store.NewInMemoryStore()
	m := NewManager(st)
	sess, err := m.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err = m.WithSession(ctx, sess.ID, func(_ context.Context, s *models.Session) error {
		s.State.Slots.What = models.StringPtr("water the plants")
		return nil
	})
	if err != nil {
		t.Fatalf("WithSession failed: %v", err)
	}

	boom := errors.New("boom")
	err = m.WithSession(ctx, sess.ID, func(_ context.Context, s *models.Session) error {
		s.State.Slots.What = models.StringPtr("should not persist")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}

	got, _ := st.GetSession(ctx, sess.ID)
	if got.State.Slots.WhatText() != "water the plants" {
		t.Errorf("expected successful change only, got %q", got.State.Slots.WhatText())
	}
	if n := m.activeLocks(); n != 0 {
		t.Errorf("expected no lock entries left, got %d", n)
	}
}

func TestWithSessionUnknownSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := NewManager(store.NewInMemoryStore())
	err := m.WithSession(context.Background(), "missing", func(context.Context, *models.Session) error { return nil })
	if !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	err = m.WithSession(context.Background(), "", func(context.Context, *models.Session) error { return nil })
	if !errors.Is(err, models.ErrEmptySessionID) {
		t.Errorf("expected ErrEmptySessionID, got %v", err)
	}
}

func TestLockSerializesSameSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	st := store.NewInMemoryStore()
	m := NewManager(st)
	sess, _ := m.Start(ctx)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithSession(ctx, sess.ID, func(_ context.Context, s *models.Session) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				s.AppendMessage(models.RoleUser, "hi", time.Now())
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected one holder at a time, saw %d", maxInside)
	}
	got, _ := st.GetSession(ctx, sess.ID)
	if len(got.History) != 8 {
		t.Errorf("expected 8 serialized updates, got %d", len(got.History))
	}
	if n := m.activeLocks(); n != 0 {
		t.Errorf("expected no lock entries left, got %d", n)
	}
}

func TestLockHonorsContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := NewManager(store.NewInMemoryStore())
	unlock, err := m.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	// Other sessions are independent.
	other, err := m.Lock(context.Background(), "s2")
	if err != nil {
		t.Fatalf("Lock on other session failed: %v", err)
	}
	other()
	unlock()
	unlock()
	if n := m.activeLocks(); n != 0 {
		t.Errorf("expected no lock entries left, got %d", n)
	}
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := NewRedisLocker(client, "test:")
	l.retryInterval = 5 * time.Millisecond
	return l, mr
}

func TestRedisLockerExclusion(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "session:a", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !mr.Exists("test:lock:session:a") {
		t.Fatal("expected lock key to exist")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(waitCtx, "session:a", time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected second acquire to time out, got %v", err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if mr.Exists("test:lock:session:a") {
		t.Error("expected lock key to be deleted")
	}
	again, err := l.Acquire(ctx, "session:a", time.Minute)
	if err != nil {
		t.Fatalf("re-acquire failed: %v", err)
	}
	_ = again(ctx)
}

func TestRedisLockerReleaseAfterExpiry(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "session:b", time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	mr.FastForward(2 * time.Second)
	other, err := l.Acquire(ctx, "session:b", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after expiry failed: %v", err)
	}
	if err := release(ctx); !errors.Is(err, ErrLockLost) {
		t.Errorf("expected ErrLockLost, got %v", err)
	}
	if !mr.Exists("test:lock:session:b") {
		t.Error("stale release must not delete the new holder's key")
	}
	_ = other(ctx)
}

func TestManagerWithRedisLocker(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()
	m := NewManager(store.NewInMemoryStore(), WithDistributedLocker(l), WithLockTTL(time.Minute))
	sess, err := m.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	err = m.WithSession(ctx, sess.ID, func(context.Context, *models.Session) error {
		if !mr.Exists("test:lock:session:" + sess.ID) {
			t.Error("expected distributed lock while running")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSession failed: %v", err)
	}
	if mr.Exists("test:lock:session:" + sess.ID) {
		t.Error("expected distributed lock released")
	}
}
