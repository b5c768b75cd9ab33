package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go).
type SQLiteStore struct {
	db *sql.DB

	compactThreshold int

	mu        sync.Mutex
	pinnedDim int // embedding dimension, 0 until first embedded write
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithCompactThreshold overrides the approx-token threshold that flips
// needs_compaction.
func WithCompactThreshold(n int) SQLiteOption {
	return func(s *SQLiteStore) {
		s.compactThreshold = n
	}
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	s := &SQLiteStore{db: db, compactThreshold: DefaultCompactThreshold}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Init creates the schema tables.
func (s *SQLiteStore) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id        TEXT PRIMARY KEY,
		role      TEXT NOT NULL,
		content   TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		trigger   TEXT NOT NULL DEFAULT 'message',
		source    TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS journal (
		id            TEXT PRIMARY KEY,
		timestamp     INTEGER NOT NULL,
		topic         TEXT NOT NULL DEFAULT '',
		content       TEXT NOT NULL,
		embedding     BLOB,
		embedding_dim INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS state_files (
		name       TEXT PRIMARY KEY,
		content    TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS topics (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL UNIQUE,
		content       TEXT NOT NULL,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		embedding     BLOB,
		embedding_dim INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS reminders (
		id              TEXT PRIMARY KEY,
		description     TEXT NOT NULL,
		payload         TEXT NOT NULL DEFAULT '',
		cron_expression TEXT,
		scheduled_time  INTEGER,
		created_at      INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS summaries (
		id                    TEXT PRIMARY KEY,
		timestamp             INTEGER NOT NULL,
		content               TEXT NOT NULL,
		notes                 TEXT NOT NULL DEFAULT '',
		key_decisions_json    TEXT NOT NULL DEFAULT '[]',
		open_threads_json     TEXT NOT NULL DEFAULT '[]',
		learned_patterns_json TEXT NOT NULL DEFAULT '[]',
		from_timestamp        INTEGER NOT NULL,
		to_timestamp          INTEGER NOT NULL,
		message_count         INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS coding_task_state (
		repo_url       TEXT PRIMARY KEY,
		branch         TEXT NOT NULL,
		session_id     TEXT NOT NULL,
		last_task      TEXT NOT NULL,
		last_timestamp INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
	CREATE INDEX IF NOT EXISTS idx_journal_timestamp ON journal(timestamp);
	CREATE INDEX IF NOT EXISTS idx_topics_updated ON topics(updated_at);
	CREATE INDEX IF NOT EXISTS idx_summaries_timestamp ON summaries(timestamp);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return classify(err)
	}
	return s.loadPinnedDim()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// loadPinnedDim restores the persisted embedding dimension.
func (s *SQLiteStore) loadPinnedDim() error {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'embedding_dim'`).Scan(&v)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return classify(err)
	}
	dim, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("corrupt embedding_dim meta row %q: %w", v, err)
	}
	s.mu.Lock()
	s.pinnedDim = dim
	s.mu.Unlock()
	return nil
}

// pinDim records the dimension of the first embedded write and rejects any
// vector that disagrees with it afterwards.
func (s *SQLiteStore) pinDim(dim int) error {
	if dim == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinnedDim == 0 {
		if _, err := s.db.Exec(
			`INSERT OR REPLACE INTO meta (key, value) VALUES ('embedding_dim', ?)`,
			strconv.Itoa(dim),
		); err != nil {
			return classify(err)
		}
		s.pinnedDim = dim
		return nil
	}
	if dim != s.pinnedDim {
		return fmt.Errorf("%w: store holds %d-dim vectors, got %d", ErrDimensionMismatch, s.pinnedDim, dim)
	}
	return nil
}

// --- Messages ---

// AppendMessage appends a message to the conversation buffer.
func (s *SQLiteStore) AppendMessage(m Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (id, role, content, timestamp, trigger, source)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Role, m.Content, m.Timestamp, m.Trigger, m.Source,
	)
	return classify(err)
}

// RecentMessages returns the newest limit messages, ascending by timestamp.
func (s *SQLiteStore) RecentMessages(limit int) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, role, content, timestamp, trigger, source
		 FROM messages ORDER BY timestamp DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Timestamp, &m.Trigger, &m.Source); err != nil {
			return nil, classify(err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	// Flip newest-first scan order into conversation order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DeleteMessagesThrough removes all messages with timestamp <= ts.
func (s *SQLiteStore) DeleteMessagesThrough(ts int64) (int, error) {
	res, err := s.db.Exec(`DELETE FROM messages WHERE timestamp <= ?`, ts)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClearMessages empties the conversation buffer.
func (s *SQLiteStore) ClearMessages() error {
	_, err := s.db.Exec(`DELETE FROM messages`)
	return classify(err)
}

// ConversationStats returns buffer size and the compaction signal.
func (s *SQLiteStore) ConversationStats() (ConversationStats, error) {
	var count int
	var chars int64
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(content)), 0) FROM messages`,
	).Scan(&count, &chars)
	if err != nil {
		return ConversationStats{}, classify(err)
	}
	tokens := int((chars + 3) / 4)
	return ConversationStats{
		Count:            count,
		ApproxTokens:     tokens,
		CompactThreshold: s.compactThreshold,
		NeedsCompaction:  tokens > s.compactThreshold,
	}, nil
}

// --- Journal ---

// WriteJournal appends a journal entry. The embedding may be nil.
func (s *SQLiteStore) WriteJournal(e JournalEntry) error {
	if err := s.pinDim(len(e.Embedding)); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO journal (id, timestamp, topic, content, embedding, embedding_dim)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.Topic, e.Content, encodeVector(e.Embedding), len(e.Embedding),
	)
	return classify(err)
}

// RecentJournal returns the newest limit entries, newest first.
func (s *SQLiteStore) RecentJournal(limit int) ([]JournalEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, topic, content FROM journal
		 ORDER BY timestamp DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Topic, &e.Content); err != nil {
			return nil, classify(err)
		}
		entries = append(entries, e)
	}
	return entries, classify(rows.Err())
}

// ListJournalWithEmbeddings returns up to maxScanned embedded entries,
// newest first. Entries whose stored dimension disagrees with the pinned
// dimension are returned without their vector.
func (s *SQLiteStore) ListJournalWithEmbeddings(maxScanned int) ([]JournalEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, topic, content, embedding, embedding_dim
		 FROM journal WHERE embedding IS NOT NULL
		 ORDER BY timestamp DESC, id DESC LIMIT ?`, maxScanned,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	s.mu.Lock()
	pinned := s.pinnedDim
	s.mu.Unlock()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var blob []byte
		var dim int
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Topic, &e.Content, &blob, &dim); err != nil {
			return nil, classify(err)
		}
		if pinned != 0 && dim != pinned {
			slog.Warn("store: journal embedding dimension mismatch, skipping vector", "id", e.ID, "dim", dim, "pinned", pinned)
		} else if v, err := decodeVector(blob, dim); err != nil {
			slog.Warn("store: undecodable journal embedding", "id", e.ID, "error", err)
		} else {
			e.Embedding = v
		}
		entries = append(entries, e)
	}
	return entries, classify(rows.Err())
}

// --- Topics ---

// UpsertTopic creates or overwrites a topic by name, preserving CreatedAt.
func (s *SQLiteStore) UpsertTopic(t Topic) error {
	if err := s.pinDim(len(t.Embedding)); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO topics (id, name, content, created_at, updated_at, embedding, embedding_dim)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   content = excluded.content,
		   updated_at = excluded.updated_at,
		   embedding = excluded.embedding,
		   embedding_dim = excluded.embedding_dim`,
		t.ID, t.Name, t.Content, t.CreatedAt, t.UpdatedAt, encodeVector(t.Embedding), len(t.Embedding),
	)
	return classify(err)
}

// GetTopic returns a topic by name.
func (s *SQLiteStore) GetTopic(name string) (Topic, error) {
	var t Topic
	var blob []byte
	var dim int
	err := s.db.QueryRow(
		`SELECT id, name, content, created_at, updated_at, embedding, embedding_dim
		 FROM topics WHERE name = ?`, name,
	).Scan(&t.ID, &t.Name, &t.Content, &t.CreatedAt, &t.UpdatedAt, &blob, &dim)
	if err != nil {
		return Topic{}, classify(err)
	}
	if v, err := decodeVector(blob, dim); err == nil {
		t.Embedding = v
	}
	return t, nil
}

// ListTopics returns all topics, newest-updated first, without embeddings.
func (s *SQLiteStore) ListTopics() ([]Topic, error) {
	rows, err := s.db.Query(
		`SELECT id, name, content, created_at, updated_at
		 FROM topics ORDER BY updated_at DESC, name ASC`,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var topics []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.Name, &t.Content, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, classify(err)
		}
		topics = append(topics, t)
	}
	return topics, classify(rows.Err())
}

// ListTopicsWithEmbeddings returns up to maxScanned embedded topics,
// newest-updated first.
func (s *SQLiteStore) ListTopicsWithEmbeddings(maxScanned int) ([]Topic, error) {
	rows, err := s.db.Query(
		`SELECT id, name, content, created_at, updated_at, embedding, embedding_dim
		 FROM topics WHERE embedding IS NOT NULL
		 ORDER BY updated_at DESC, name ASC LIMIT ?`, maxScanned,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	s.mu.Lock()
	pinned := s.pinnedDim
	s.mu.Unlock()

	var topics []Topic
	for rows.Next() {
		var t Topic
		var blob []byte
		var dim int
		if err := rows.Scan(&t.ID, &t.Name, &t.Content, &t.CreatedAt, &t.UpdatedAt, &blob, &dim); err != nil {
			return nil, classify(err)
		}
		if pinned != 0 && dim != pinned {
			slog.Warn("store: topic embedding dimension mismatch, skipping vector", "name", t.Name, "dim", dim, "pinned", pinned)
		} else if v, err := decodeVector(blob, dim); err == nil {
			t.Embedding = v
		}
		topics = append(topics, t)
	}
	return topics, classify(rows.Err())
}

// --- State files ---

// WriteStateFile creates or overwrites a named state file.
func (s *SQLiteStore) WriteStateFile(name, content string) error {
	_, err := s.db.Exec(
		`INSERT INTO state_files (name, content, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		name, content, time.Now().UnixMilli(),
	)
	return classify(err)
}

// ReadStateFile returns a state file by name.
func (s *SQLiteStore) ReadStateFile(name string) (StateFile, error) {
	var f StateFile
	err := s.db.QueryRow(
		`SELECT name, content, updated_at FROM state_files WHERE name = ?`, name,
	).Scan(&f.Name, &f.Content, &f.UpdatedAt)
	if err != nil {
		return StateFile{}, classify(err)
	}
	return f, nil
}

// ListStateFiles returns all state files ordered by name.
func (s *SQLiteStore) ListStateFiles() ([]StateFile, error) {
	rows, err := s.db.Query(`SELECT name, content, updated_at FROM state_files ORDER BY name ASC`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var files []StateFile
	for rows.Next() {
		var f StateFile
		if err := rows.Scan(&f.Name, &f.Content, &f.UpdatedAt); err != nil {
			return nil, classify(err)
		}
		files = append(files, f)
	}
	return files, classify(rows.Err())
}

// --- Reminders ---

// SaveReminder creates or replaces a reminder.
func (s *SQLiteStore) SaveReminder(r Reminder) error {
	if (r.CronExpression == "") == (r.ScheduledTime == 0) {
		return ErrReminderShape
	}
	var cron sql.NullString
	var at sql.NullInt64
	if r.CronExpression != "" {
		cron = sql.NullString{String: r.CronExpression, Valid: true}
	}
	if r.ScheduledTime != 0 {
		at = sql.NullInt64{Int64: r.ScheduledTime, Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO reminders (id, description, payload, cron_expression, scheduled_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Description, r.Payload, cron, at, r.CreatedAt,
	)
	return classify(err)
}

// DeleteReminder removes a reminder by id.
func (s *SQLiteStore) DeleteReminder(id string) error {
	res, err := s.db.Exec(`DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListReminders returns all reminders, oldest first.
func (s *SQLiteStore) ListReminders() ([]Reminder, error) {
	rows, err := s.db.Query(
		`SELECT id, description, payload, cron_expression, scheduled_time, created_at
		 FROM reminders ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var reminders []Reminder
	for rows.Next() {
		var r Reminder
		var cron sql.NullString
		var at sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Description, &r.Payload, &cron, &at, &r.CreatedAt); err != nil {
			return nil, classify(err)
		}
		r.CronExpression = cron.String
		r.ScheduledTime = at.Int64
		reminders = append(reminders, r)
	}
	return reminders, classify(rows.Err())
}

// --- Summaries ---

// SaveSummary writes the summary and prunes the absorbed messages in one
// transaction.
func (s *SQLiteStore) SaveSummary(sum Summary) error {
	decisions, _ := json.Marshal(emptyIfNil(sum.KeyDecisions))
	threads, _ := json.Marshal(emptyIfNil(sum.OpenThreads))
	patterns, _ := json.Marshal(emptyIfNil(sum.LearnedPatterns))

	tx, err := s.db.Begin()
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO summaries
		 (id, timestamp, content, notes, key_decisions_json, open_threads_json, learned_patterns_json,
		  from_timestamp, to_timestamp, message_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.Timestamp, sum.Content, sum.Notes, string(decisions), string(threads), string(patterns),
		sum.FromTimestamp, sum.ToTimestamp, sum.MessageCount,
	); err != nil {
		return classify(err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE timestamp <= ?`, sum.ToTimestamp); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

// RecentSummaries returns the newest count summaries, newest first.
func (s *SQLiteStore) RecentSummaries(count int) ([]Summary, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, content, notes, key_decisions_json, open_threads_json, learned_patterns_json,
		        from_timestamp, to_timestamp, message_count
		 FROM summaries ORDER BY timestamp DESC, id DESC LIMIT ?`, count,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		var decisions, threads, patterns string
		if err := rows.Scan(
			&sum.ID, &sum.Timestamp, &sum.Content, &sum.Notes, &decisions, &threads, &patterns,
			&sum.FromTimestamp, &sum.ToTimestamp, &sum.MessageCount,
		); err != nil {
			return nil, classify(err)
		}
		json.Unmarshal([]byte(decisions), &sum.KeyDecisions)
		json.Unmarshal([]byte(threads), &sum.OpenThreads)
		json.Unmarshal([]byte(patterns), &sum.LearnedPatterns)
		summaries = append(summaries, sum)
	}
	return summaries, classify(rows.Err())
}

// --- Coding task state ---

// GetCodingTaskState returns the continuation state for a repo.
func (s *SQLiteStore) GetCodingTaskState(repoURL string) (CodingTaskState, error) {
	var st CodingTaskState
	err := s.db.QueryRow(
		`SELECT repo_url, branch, session_id, last_task, last_timestamp
		 FROM coding_task_state WHERE repo_url = ?`, repoURL,
	).Scan(&st.RepoURL, &st.Branch, &st.SessionID, &st.LastTask, &st.LastTimestamp)
	if err != nil {
		return CodingTaskState{}, classify(err)
	}
	return st, nil
}

// SaveCodingTaskState creates or overwrites a repo's continuation state.
func (s *SQLiteStore) SaveCodingTaskState(st CodingTaskState) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO coding_task_state (repo_url, branch, session_id, last_task, last_timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		st.RepoURL, st.Branch, st.SessionID, st.LastTask, st.LastTimestamp,
	)
	return classify(err)
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
