package outie

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/everydev1618/outie/engine"
	"github.com/everydev1618/outie/prompt"
	"github.com/everydev1618/outie/scheduler"
	"github.com/everydev1618/outie/store"
)

// fakeEngine records prompts and blocks turns on demand.
type fakeEngine struct {
	mu             sync.Mutex
	prompts        []string
	promptSessions []string
	sessions       int
	aborts         int
	failNext       bool
	gate           chan struct{} // when set, WaitIdle blocks until closed
	abortUnblocks  bool          // Abort closes the gate, like a real engine
}

func (f *fakeEngine) CreateSession(context.Context) (engine.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	return engine.Session{ID: "s" + strings.Repeat("x", f.sessions), State: engine.StateIdle}, nil
}

func (f *fakeEngine) Prompt(_ context.Context, id, _, envelope string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, envelope)
	f.promptSessions = append(f.promptSessions, id)
	return nil
}

func (f *fakeEngine) WaitIdle(_ context.Context, id string) (engine.Session, error) {
	f.mu.Lock()
	gate := f.gate
	fail := f.failNext
	f.failNext = false
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if fail {
		return engine.Session{ID: id, State: engine.StateFailed, LastMessage: "boom"}, nil
	}
	return engine.Session{ID: id, State: engine.StateIdle, LastMessage: "reply text"}, nil
}

func (f *fakeEngine) Abort(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	if f.abortUnblocks && f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
	return nil
}

func (f *fakeEngine) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeEngine) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborts
}

// fakeSink collects outbound replies.
type fakeSink struct {
	mu    sync.Mutex
	texts []string
}

func (s *fakeSink) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func newCoordStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "coord.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestMessageTurnRecordsAndReplies(t *testing.T) {
	st := newCoordStore(t)
	eng := &fakeEngine{}
	sink := &fakeSink{}
	c := NewCoordinator(st, eng, prompt.New(st), WithSink(sink))

	c.HandleUserMessage(context.Background(), "hello there", "telegram")
	waitUntil(t, func() bool { return len(sink.all()) == 1 })

	if sink.all()[0] != "reply text" {
		t.Errorf("reply = %q", sink.all()[0])
	}
	msgs, _ := st.RecentMessages(10)
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	roles := map[string]bool{}
	for _, m := range msgs {
		roles[m.Role] = true
	}
	if !roles[store.RoleUser] || !roles[store.RoleAssistant] {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestEachTurnRunsOnFreshSession(t *testing.T) {
	st := newCoordStore(t)
	eng := &fakeEngine{}
	sink := &fakeSink{}
	c := NewCoordinator(st, eng, prompt.New(st), WithSink(sink))
	ctx := context.Background()

	c.HandleUserMessage(ctx, "first", "telegram")
	waitUntil(t, func() bool { return len(sink.all()) == 1 })
	// Let the first turn fully unwind so the second does not preempt it.
	time.Sleep(50 * time.Millisecond)
	c.HandleUserMessage(ctx, "second", "telegram")
	waitUntil(t, func() bool { return len(sink.all()) == 2 })

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.sessions != 2 {
		t.Errorf("sessions = %d, want a fresh session per uninterrupted turn", eng.sessions)
	}
	if eng.aborts != 0 {
		t.Errorf("aborts = %d, no preemption happened", eng.aborts)
	}
}

func TestNewTriggerAbortsInFlightTurn(t *testing.T) {
	st := newCoordStore(t)
	eng := &fakeEngine{gate: make(chan struct{}), abortUnblocks: true}
	sink := &fakeSink{}
	c := NewCoordinator(st, eng, prompt.New(st), WithSink(sink))
	ctx := context.Background()

	c.HandleUserMessage(ctx, "search the web for X", "telegram")
	waitUntil(t, func() bool { return eng.promptCount() == 1 })

	// The second message must abort the blocked turn rather than wait for
	// it, and then continue on the same session.
	c.HandleUserMessage(ctx, "cancel, search for Y", "telegram")
	waitUntil(t, func() bool { return eng.promptCount() == 2 })

	if eng.abortCount() == 0 {
		t.Fatal("in-flight session was not aborted")
	}
	eng.mu.Lock()
	sameSession := eng.promptSessions[0] == eng.promptSessions[1]
	sessions := eng.sessions
	eng.mu.Unlock()
	if !sameSession {
		t.Errorf("sessions per prompt = %v, interrupted session must be reused", eng.promptSessions)
	}
	if sessions != 1 {
		t.Errorf("sessions created = %d, want 1", sessions)
	}

	// Only the second turn's reply is delivered; the interrupted turn's
	// output is superseded.
	waitUntil(t, func() bool { return len(sink.all()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(sink.all()); n != 1 {
		t.Errorf("replies = %d, interrupted turn must not reply", n)
	}
}

func TestFailedPreemptionFallsBackToFreshSession(t *testing.T) {
	st := newCoordStore(t)
	gate := make(chan struct{})
	eng := &failingAbortEngine{fakeEngine: fakeEngine{gate: gate}}
	sink := &fakeSink{}
	c := NewCoordinator(st, eng, prompt.New(st), WithSink(sink))
	ctx := context.Background()

	c.HandleUserMessage(ctx, "long task", "telegram")
	waitUntil(t, func() bool { return eng.promptCount() == 1 })
	c.HandleUserMessage(ctx, "new thing", "telegram")
	waitUntil(t, func() bool { return eng.abortCount() == 1 })

	// Abort failed; the first turn completes on its own and the second
	// gets a fresh session.
	eng.mu.Lock()
	eng.gate = nil
	eng.mu.Unlock()
	close(gate)

	waitUntil(t, func() bool { return eng.promptCount() == 2 })
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.promptSessions[0] == eng.promptSessions[1] {
		t.Error("failed abort must not reuse the in-flight session")
	}
	if eng.sessions != 2 {
		t.Errorf("sessions = %d, want 2", eng.sessions)
	}
}

func TestConcurrentMessagesCoalesce(t *testing.T) {
	st := newCoordStore(t)
	eng := &fakeEngine{gate: make(chan struct{}), abortUnblocks: true}
	sink := &fakeSink{}
	c := NewCoordinator(st, eng, prompt.New(st), WithSink(sink))
	ctx := context.Background()

	c.HandleUserMessage(ctx, "first", "telegram")
	waitUntil(t, func() bool { return eng.promptCount() == 1 })

	// These arrive while the first turn is in flight; they coalesce into
	// one follow-up turn.
	c.HandleUserMessage(ctx, "second", "telegram")
	c.HandleUserMessage(ctx, "third", "telegram")

	waitUntil(t, func() bool { return eng.promptCount() == 2 })
	time.Sleep(50 * time.Millisecond)
	if n := eng.promptCount(); n != 2 {
		t.Fatalf("prompts = %d, want 2 (second and third share a turn)", n)
	}

	eng.mu.Lock()
	last := eng.prompts[1]
	eng.mu.Unlock()
	if !strings.Contains(last, "second\nthird") {
		t.Errorf("coalesced payload missing:\n%s", last)
	}
}

func TestAmbientDroppedWhileBusy(t *testing.T) {
	st := newCoordStore(t)
	gate := make(chan struct{})
	eng := &fakeEngine{gate: gate}
	c := NewCoordinator(st, eng, prompt.New(st))
	ctx := context.Background()

	c.HandleUserMessage(ctx, "busy now", "telegram")
	waitUntil(t, func() bool { return eng.promptCount() == 1 })

	c.HandleAmbient(ctx)

	eng.mu.Lock()
	eng.gate = nil
	eng.mu.Unlock()
	close(gate)

	time.Sleep(100 * time.Millisecond)
	if n := eng.promptCount(); n != 1 {
		t.Errorf("prompts = %d, ambient should have been dropped", n)
	}
	if n := eng.abortCount(); n != 0 {
		t.Errorf("aborts = %d, a dropped ambient must not preempt", n)
	}
}

func TestAlarmTurnPersistsReplyWithoutDelivering(t *testing.T) {
	st := newCoordStore(t)
	eng := &fakeEngine{}
	sink := &fakeSink{}
	c := NewCoordinator(st, eng, prompt.New(st), WithSink(sink))

	c.HandleAlarm(scheduler.Alarm{ReminderID: "r1", Description: "water", Payload: "drink"})
	waitUntil(t, func() bool {
		msgs, _ := st.RecentMessages(10)
		return len(msgs) == 1
	})
	time.Sleep(50 * time.Millisecond)

	if len(sink.all()) != 0 {
		t.Errorf("alarm turns must not auto-reply, sink saw %v", sink.all())
	}
	msgs, _ := st.RecentMessages(10)
	if msgs[0].Role != store.RoleAssistant || msgs[0].Trigger != store.TriggerAlarm {
		t.Errorf("alarm reply must be persisted with its trigger kind, got %+v", msgs[0])
	}
	eng.mu.Lock()
	envelope := eng.prompts[0]
	eng.mu.Unlock()
	if !strings.Contains(envelope, "Reminder: water") {
		t.Errorf("envelope missing alarm tail:\n%s", envelope)
	}
}

func TestFailedTurnRepliesAndRecovers(t *testing.T) {
	st := newCoordStore(t)
	eng := &fakeEngine{failNext: true}
	sink := &fakeSink{}
	c := NewCoordinator(st, eng, prompt.New(st), WithSink(sink))
	ctx := context.Background()

	c.HandleUserMessage(ctx, "break please", "telegram")
	waitUntil(t, func() bool { return len(sink.all()) == 1 })
	if !strings.Contains(sink.all()[0], "went wrong") {
		t.Errorf("failure reply = %q", sink.all()[0])
	}

	c.HandleUserMessage(ctx, "try again", "telegram")
	waitUntil(t, func() bool { return len(sink.all()) == 2 })
	if sink.all()[1] != "reply text" {
		t.Errorf("recovery reply = %q", sink.all()[1])
	}
}

func TestClearResetsBufferAndLeavesJournalNote(t *testing.T) {
	st := newCoordStore(t)
	eng := &fakeEngine{}
	c := NewCoordinator(st, eng, prompt.New(st))
	ctx := context.Background()

	c.HandleUserMessage(ctx, "remember this", "telegram")
	waitUntil(t, func() bool { return eng.promptCount() == 1 })
	time.Sleep(50 * time.Millisecond)

	if err := c.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	stats, _ := st.ConversationStats()
	if stats.Count != 0 {
		t.Errorf("messages after clear = %d", stats.Count)
	}
	entries, _ := st.RecentJournal(5)
	found := false
	for _, e := range entries {
		if strings.Contains(e.Content, "cleared") {
			found = true
		}
	}
	if !found {
		t.Error("clear should leave a journal note")
	}
}

// failingAbortEngine simulates an engine that ignores abort requests.
type failingAbortEngine struct {
	fakeEngine
}

func (f *failingAbortEngine) Abort(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	return context.DeadlineExceeded
}
