package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "outie.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMessagesAscendingOrder(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		err := s.AppendMessage(Message{
			ID:        fmt.Sprintf("m%d", i),
			Role:      RoleUser,
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: int64(1000 + i),
			Trigger:   TriggerMessage,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := s.RecentMessages(3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	// Newest 3, but in ascending conversation order.
	want := []int64{1002, 1003, 1004}
	for i, m := range msgs {
		if m.Timestamp != want[i] {
			t.Errorf("msg %d: timestamp = %d, want %d", i, m.Timestamp, want[i])
		}
	}
}

func TestSaveSummaryPrunesAbsorbedMessages(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 10; i++ {
		s.AppendMessage(Message{
			ID: fmt.Sprintf("m%d", i), Role: RoleUser, Content: "x",
			Timestamp: int64(1000 + i), Trigger: TriggerMessage,
		})
	}

	err := s.SaveSummary(Summary{
		ID:            "s1",
		Timestamp:     2000,
		Content:       "summary of the first seven",
		FromTimestamp: 1000,
		ToTimestamp:   1006,
		MessageCount:  7,
		KeyDecisions:  []string{"use sqlite"},
	})
	if err != nil {
		t.Fatalf("save summary: %v", err)
	}

	msgs, err := s.RecentMessages(100)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 surviving messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.Timestamp <= 1006 {
			t.Errorf("message %s at %d should have been absorbed", m.ID, m.Timestamp)
		}
	}

	sums, err := s.RecentSummaries(5)
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(sums))
	}
	if got := sums[0].KeyDecisions; len(got) != 1 || got[0] != "use sqlite" {
		t.Errorf("key decisions round trip failed: %v", got)
	}
}

func TestConversationStats(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "outie.db"), WithCompactThreshold(10))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	stats, err := s.ConversationStats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Count != 0 || stats.ApproxTokens != 0 || stats.NeedsCompaction {
		t.Fatalf("empty buffer stats wrong: %+v", stats)
	}
	if stats.CompactThreshold != 10 {
		t.Errorf("compact threshold = %d, want the configured 10", stats.CompactThreshold)
	}

	// 41 chars -> ceil(41/4) = 11 tokens > threshold 10.
	s.AppendMessage(Message{ID: "m1", Role: RoleUser, Content: "0123456789012345678901234567890123456789x", Timestamp: 1, Trigger: TriggerMessage})
	stats, err = s.ConversationStats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ApproxTokens != 11 {
		t.Errorf("approx tokens = %d, want 11", stats.ApproxTokens)
	}
	if !stats.NeedsCompaction {
		t.Error("expected needs_compaction")
	}
}

func TestReminderShapeInvariant(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveReminder(Reminder{ID: "r1", Description: "neither"}); !errors.Is(err, ErrReminderShape) {
		t.Errorf("neither set: err = %v, want ErrReminderShape", err)
	}
	if err := s.SaveReminder(Reminder{ID: "r2", Description: "both", CronExpression: "* * * * *", ScheduledTime: 5}); !errors.Is(err, ErrReminderShape) {
		t.Errorf("both set: err = %v, want ErrReminderShape", err)
	}
	if err := s.SaveReminder(Reminder{ID: "r3", Description: "cron", CronExpression: "0 9 * * *", CreatedAt: 1}); err != nil {
		t.Errorf("cron reminder: %v", err)
	}
	if err := s.SaveReminder(Reminder{ID: "r4", Description: "once", ScheduledTime: 12345, CreatedAt: 2}); err != nil {
		t.Errorf("one-shot reminder: %v", err)
	}

	list, err := s.ListReminders()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 reminders, got %d", len(list))
	}
	if list[0].OneShot() || !list[1].OneShot() {
		t.Errorf("one-shot flags wrong: %+v", list)
	}
}

func TestDeleteReminderNotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.DeleteReminder("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpsertTopicPreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpsertTopic(Topic{ID: "t1", Name: "go", Content: "v1", CreatedAt: 100, UpdatedAt: 100}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertTopic(Topic{ID: "t2", Name: "go", Content: "v2", CreatedAt: 200, UpdatedAt: 200}); err != nil {
		t.Fatalf("upsert overwrite: %v", err)
	}

	got, err := s.GetTopic("go")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "v2" {
		t.Errorf("content = %q, want v2", got.Content)
	}
	if got.CreatedAt != 100 {
		t.Errorf("created_at = %d, want preserved 100", got.CreatedAt)
	}
	if got.UpdatedAt != 200 {
		t.Errorf("updated_at = %d, want 200", got.UpdatedAt)
	}
}

func TestEmbeddingDimensionPinning(t *testing.T) {
	s := newTestStore(t)

	e1 := JournalEntry{ID: "j1", Timestamp: 1, Topic: "a", Content: "first", Embedding: []float32{1, 0, 0}}
	if err := s.WriteJournal(e1); err != nil {
		t.Fatalf("first embedded write: %v", err)
	}

	bad := JournalEntry{ID: "j2", Timestamp: 2, Topic: "a", Content: "wrong dim", Embedding: []float32{1, 0}}
	if err := s.WriteJournal(bad); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("mismatched write: err = %v, want ErrDimensionMismatch", err)
	}

	// Unembedded entries are always fine.
	if err := s.WriteJournal(JournalEntry{ID: "j3", Timestamp: 3, Topic: "a", Content: "no vector"}); err != nil {
		t.Fatalf("unembedded write: %v", err)
	}

	embedded, err := s.ListJournalWithEmbeddings(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(embedded) != 1 || embedded[0].ID != "j1" {
		t.Fatalf("embedded list = %+v, want only j1", embedded)
	}

	all, err := s.RecentJournal(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("recent journal = %d entries, want 2", len(all))
	}
}

func TestStateFileRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.ReadStateFile("identity"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing file: err = %v, want ErrNotFound", err)
	}
	if err := s.WriteStateFile("identity", "I am outie."); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.WriteStateFile("identity", "I am still outie."); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	// Unknown names round-trip too.
	if err := s.WriteStateFile("scratchpad", "notes"); err != nil {
		t.Fatalf("write unknown name: %v", err)
	}

	f, err := s.ReadStateFile("identity")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Content != "I am still outie." {
		t.Errorf("content = %q", f.Content)
	}

	files, err := s.ListStateFiles()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("expected 2 state files, got %d", len(files))
	}
}

func TestCodingTaskState(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetCodingTaskState("https://github.com/x/y"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing state: err = %v, want ErrNotFound", err)
	}

	st := CodingTaskState{
		RepoURL: "https://github.com/x/y", Branch: "outie/add-logging-a1b2c3",
		SessionID: "s1", LastTask: "Add logging", LastTimestamp: 42,
	}
	if err := s.SaveCodingTaskState(st); err != nil {
		t.Fatalf("save: %v", err)
	}
	st.SessionID = "s2"
	if err := s.SaveCodingTaskState(st); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, err := s.GetCodingTaskState(st.RepoURL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SessionID != "s2" || got.Branch != st.Branch {
		t.Errorf("round trip = %+v", got)
	}
}

func TestWithRetryGivesUpAfterBackoff(t *testing.T) {
	old := retryBackoff
	retryBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { retryBackoff = old }()

	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return fmt.Errorf("%w: locked", ErrRetryable)
	})
	if !IsRetryable(err) {
		t.Errorf("final error = %v, want retryable", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4 (initial + 3 retries)", calls)
	}

	calls = 0
	err = WithRetry(context.Background(), func() error {
		calls++
		if calls < 2 {
			return fmt.Errorf("%w: locked", ErrRetryable)
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("err = %v calls = %d, want success on second attempt", err, calls)
	}
}
