package assistant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/catalog"
	"github.com/BTreeMap/ReminderPipe/internal/codegen"
	"github.com/BTreeMap/ReminderPipe/internal/compiler"
	"github.com/BTreeMap/ReminderPipe/internal/feasibility"
	"github.com/BTreeMap/ReminderPipe/internal/flow"
	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/session"
	"github.com/BTreeMap/ReminderPipe/internal/store"
	"github.com/BTreeMap/ReminderPipe/internal/testutil"
)

var testNow = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (p *recordingPublisher) Publish(_ context.Context, rec store.TriggerRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, rec.TriggerID)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

// countingSynth counts calls to the template synthesizer.
type countingSynth struct {
	inner codegen.Synthesizer
	calls int
}

func (c *countingSynth) Synthesize(ctx context.Context, state models.ConversationState) (codegen.GeneratedCode, error) {
	c.calls++
	return c.inner.Synthesize(ctx, state)
}

type fixture struct {
	svc   *Service
	store store.Store
	pub   *recordingPublisher
	synth codegen.Synthesizer
}

func newFixture(t *testing.T, lang flow.LanguageCapability, synth codegen.Synthesizer, opts ...Option) *fixture {
	t.Helper()
	cat := catalog.Default()
	st := store.NewInMemoryStore()
	mgr := session.NewManager(st, session.WithClock(func() time.Time { return testNow }))
	eval := feasibility.NewEvaluator(cat, feasibility.WithClock(func() time.Time { return testNow }))
	conv := flow.NewConversation(lang, eval, flow.WithCallTimeout(time.Second), flow.WithClock(func() time.Time { return testNow }))
	comp, err := compiler.NewCompiler(cat)
	if err != nil {
		t.Fatalf("NewCompiler: %v", err)
	}
	if synth == nil {
		synth = &countingSynth{inner: codegen.NewTemplate(cat)}
	}
	pub := &recordingPublisher{}
	opts = append([]Option{WithPublisher(pub), WithSynthesisTimeout(time.Second)}, opts...)
	return &fixture{
		svc:   NewService(mgr, st, conv, synth, comp, opts...),
		store: st,
		pub:   pub,
		synth: synth,
	}
}

func (f *fixture) seedDone(t *testing.T, id, what, clock string) {
	t.Helper()
	if err := f.store.SaveSession(context.Background(), testutil.DoneSession(id, testutil.SlotsAt(what, clock), testNow)); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
}

func TestHandleTurnAutoFinalize(t *testing.T) {
	ctx := context.Background()
	lang := testutil.NewStubLanguage(testutil.SlotsAt("take dog for walk", "17:00"))
	f := newFixture(t, lang, nil, WithAutoFinalize(true))

	sess, err := f.svc.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	resp, err := f.svc.HandleTurn(ctx, sess.ID, "remind me to take the dog for a walk at 5pm")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if !resp.Done || resp.State != models.StateDone {
		t.Fatalf("expected finished conversation, got %+v", resp.TurnResult)
	}
	if resp.Trigger == nil {
		t.Fatal("expected trigger from auto-finalize")
	}
	if resp.Trigger.TriggerID != "dog_walk_trigger_id_1" || !resp.Trigger.Published {
		t.Errorf("unexpected trigger %+v", resp.Trigger)
	}
	if len(f.pub.sent) != 1 || f.pub.sent[0] != "dog_walk_trigger_id_1" {
		t.Errorf("published = %v", f.pub.sent)
	}

	stored, err := f.svc.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if stored.State.State != models.StateDone || len(stored.History) != 2 {
		t.Errorf("session not saved after turn: state=%s history=%d", stored.State.State, len(stored.History))
	}
}

func TestHandleTurnWithoutAutoFinalize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.NewStubLanguage(testutil.SlotsAt("water plants", "09:00")), nil)
	sess, _ := f.svc.StartSession(ctx)

	resp, err := f.svc.HandleTurn(ctx, sess.ID, "water the plants at 9")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if !resp.Done || resp.Trigger != nil {
		t.Errorf("expected done without trigger, got %+v", resp)
	}
	if _, err := f.store.GetTriggerBySession(ctx, sess.ID); !errors.Is(err, models.ErrTriggerNotFound) {
		t.Errorf("expected no stored trigger, got %v", err)
	}

	_, err = f.svc.HandleTurn(ctx, sess.ID, "also the flowers")
	if !errors.Is(err, models.ErrConversationDone) {
		t.Errorf("expected ErrConversationDone, got %v", err)
	}
}

func TestHandleTurnFailureLeavesSession(t *testing.T) {
	ctx := context.Background()
	lang := &testutil.StubLanguage{Err: errors.New("model offline")}
	f := newFixture(t, lang, nil)
	sess, _ := f.svc.StartSession(ctx)

	_, err := f.svc.HandleTurn(ctx, sess.ID, "remind me")
	if !errors.Is(err, models.ErrCapabilityUnavailable) {
		t.Fatalf("expected capability error, got %v", err)
	}
	stored, _ := f.svc.GetSession(ctx, sess.ID)
	if len(stored.History) != 0 || stored.State.State != models.StateNeedWhat {
		t.Errorf("failed turn changed the session: %+v", stored)
	}

	if _, err := f.svc.HandleTurn(ctx, "missing", "hi"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestFinalizeRequiresDone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.NewStubLanguage(), nil)
	sess, _ := f.svc.StartSession(ctx)

	if _, err := f.svc.Finalize(ctx, sess.ID); !errors.Is(err, models.ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
	if _, err := f.svc.Finalize(ctx, "missing"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.NewStubLanguage(), nil)
	f.seedDone(t, "s1", "take dog for walk", "17:00")

	first, err := f.svc.Finalize(ctx, "s1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	second, err := f.svc.Finalize(ctx, "s1")
	if err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	if first.Trigger.TriggerID != second.Trigger.TriggerID {
		t.Errorf("ids differ: %s vs %s", first.Trigger.TriggerID, second.Trigger.TriggerID)
	}
	if calls := f.synth.(*countingSynth).calls; calls != 1 {
		t.Errorf("expected one synthesis, got %d", calls)
	}
	if len(f.pub.sent) != 1 {
		t.Errorf("expected one publish, got %v", f.pub.sent)
	}
}

func TestFinalizeRepublishesAfterFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.NewStubLanguage(), nil)
	f.seedDone(t, "s1", "take dog for walk", "17:00")
	f.pub.err = errors.New("broker down")

	res, err := f.svc.Finalize(ctx, "s1")
	if err != nil {
		t.Fatalf("Finalize should succeed without delivery: %v", err)
	}
	if res.Trigger.Published {
		t.Error("trigger marked published although delivery failed")
	}
	pending, _ := f.store.ListUnpublishedTriggers(ctx)
	if len(pending) != 1 {
		t.Fatalf("expected one pending trigger, got %d", len(pending))
	}

	f.pub.err = nil
	res, err = f.svc.Finalize(ctx, "s1")
	if err != nil {
		t.Fatalf("retry Finalize: %v", err)
	}
	if !res.Trigger.Published || len(f.pub.sent) != 1 {
		t.Errorf("expected republish, got published=%v sent=%v", res.Trigger.Published, f.pub.sent)
	}
}

func TestFinalizeAvoidsTriggerIDCollision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.NewStubLanguage(), nil)
	f.seedDone(t, "s1", "take dog for walk", "17:00")
	f.seedDone(t, "s2", "take dog for walk", "07:00")

	a, err := f.svc.Finalize(ctx, "s1")
	if err != nil {
		t.Fatalf("Finalize s1: %v", err)
	}
	b, err := f.svc.Finalize(ctx, "s2")
	if err != nil {
		t.Fatalf("Finalize s2: %v", err)
	}
	if a.Trigger.TriggerID != "dog_walk_trigger_id_1" || b.Trigger.TriggerID != "dog_walk_trigger_id_2" {
		t.Errorf("ids = %s, %s", a.Trigger.TriggerID, b.Trigger.TriggerID)
	}

	got, err := f.svc.GetTrigger(ctx, "dog_walk_trigger_id_2")
	if err != nil || got.SessionID != "s2" {
		t.Errorf("GetTrigger = %+v, %v", got, err)
	}
}

func TestFinalizeSynthesisFailure(t *testing.T) {
	ctx := context.Background()
	synth := &testutil.StubSynthesizer{Err: errors.New("timeout")}
	f := newFixture(t, testutil.NewStubLanguage(), synth)
	f.seedDone(t, "s1", "take dog for walk", "17:00")

	_, err := f.svc.Finalize(ctx, "s1")
	if !errors.Is(err, models.ErrCapabilityUnavailable) {
		t.Fatalf("expected capability error, got %v", err)
	}
	if synth.Calls != 2 {
		t.Errorf("expected one retry, got %d calls", synth.Calls)
	}
	if _, err := f.store.GetTriggerBySession(ctx, "s1"); !errors.Is(err, models.ErrTriggerNotFound) {
		t.Errorf("nothing should be stored, got %v", err)
	}
}

func TestFinalizeRejectsUnsafeCode(t *testing.T) {
	ctx := context.Background()
	synth := &testutil.StubSynthesizer{Code: codegen.GeneratedCode{
		TriggerCode: "def take_dog_for_walk_trigger(time, activity_data, sensor_data, blackboard):\n    import os\n    return True",
		CancelCode:  "def take_dog_for_walk_cancel(time, activity_data, sensor_data, blackboard):\n    return False",
	}}
	f := newFixture(t, testutil.NewStubLanguage(), synth)
	f.seedDone(t, "s1", "take dog for walk", "17:00")

	_, err := f.svc.Finalize(ctx, "s1")
	if !errors.Is(err, codegen.ErrContractViolation) {
		t.Fatalf("expected contract violation, got %v", err)
	}
	if len(f.pub.sent) != 0 {
		t.Errorf("nothing should be published, got %v", f.pub.sent)
	}
}

func TestHomeTriggers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.NewStubLanguage(), nil)
	f.seedDone(t, "s1", "water plants", "09:00")
	f.seedDone(t, "s2", "take dog for walk", "17:00")
	for _, id := range []string{"s1", "s2"} {
		if _, err := f.svc.Finalize(ctx, id); err != nil {
			t.Fatalf("Finalize %s: %v", id, err)
		}
	}

	list, err := f.svc.HomeTriggers(ctx, compiler.HomeConfig{HomeID: "home-1", HomeName: "Test Home", NewDayStartTime: "04:00", TimeBetweenTriggers: 300})
	if err != nil {
		t.Fatalf("HomeTriggers: %v", err)
	}
	if list.HomeID != "home-1" || len(list.TriggerMachines) != 2 {
		t.Fatalf("unexpected bundle %+v", list)
	}
	if list.TriggerMachines[0].TriggerID > list.TriggerMachines[1].TriggerID {
		t.Error("machines not sorted by TriggerId")
	}

	if _, err := f.svc.HomeTriggers(ctx, compiler.HomeConfig{}); !errors.Is(err, models.ErrInvalidHomeTriggerList) {
		t.Errorf("expected invalid bundle error, got %v", err)
	}
}

func TestChatStartsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.NewStubLanguage(), nil)

	resp, err := f.svc.Chat(ctx, "", "hello")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.SessionID == "" || resp.State != models.StateNeedWhat || resp.Reply == "" {
		t.Errorf("unexpected response %+v", resp)
	}
	again, err := f.svc.Chat(ctx, resp.SessionID, "still here")
	if err != nil {
		t.Fatalf("Chat continue: %v", err)
	}
	if again.SessionID != resp.SessionID {
		t.Errorf("expected same session, got %s", again.SessionID)
	}
}
