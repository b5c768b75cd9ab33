// Package store persists the orchestrator's memory: the conversation
// buffer, journal, state files, topics, reminders, summaries, and
// coding-task continuations.
package store

// Trigger kinds recorded on messages.
const (
	TriggerMessage = "message"
	TriggerAlarm   = "alarm"
	TriggerAmbient = "ambient"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultCompactThreshold is the approximate token count above which the
// conversation buffer should be summarised.
const DefaultCompactThreshold = 50_000

// Message is one entry in the conversation buffer. Timestamps are integer
// milliseconds since epoch, ascending order is conversation order.
type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Trigger   string `json:"trigger"`
	Source    string `json:"source,omitempty"`
}

// JournalEntry is an append-only observation. An entry without an
// embedding is invisible to semantic search but still listed by recency.
type JournalEntry struct {
	ID        string    `json:"id"`
	Timestamp int64     `json:"timestamp"`
	Topic     string    `json:"topic"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
}

// StateFile is a named, overwritable short text injected into prompts.
// Reserved names the core uses: "identity", "today", "user".
type StateFile struct {
	Name      string `json:"name"`
	Content   string `json:"content"`
	UpdatedAt int64  `json:"updated_at"`
}

// Topic is a mutable, named distillation of knowledge.
type Topic struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
	Embedding []float32 `json:"-"`
}

// Reminder is either recurring (CronExpression set) or one-shot
// (ScheduledTime set). Exactly one of the two must be set.
type Reminder struct {
	ID             string `json:"id"`
	Description    string `json:"description"`
	Payload        string `json:"payload"`
	CronExpression string `json:"cron_expression,omitempty"`
	ScheduledTime  int64  `json:"scheduled_time,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// OneShot reports whether the reminder fires once at a fixed time.
func (r Reminder) OneShot() bool { return r.ScheduledTime != 0 }

// Summary is a compressed record replacing a prefix of the message buffer.
type Summary struct {
	ID              string   `json:"id"`
	Timestamp       int64    `json:"timestamp"`
	Content         string   `json:"content"`
	Notes           string   `json:"notes,omitempty"`
	KeyDecisions    []string `json:"key_decisions,omitempty"`
	OpenThreads     []string `json:"open_threads,omitempty"`
	LearnedPatterns []string `json:"learned_patterns,omitempty"`
	FromTimestamp   int64    `json:"from_timestamp"`
	ToTimestamp     int64    `json:"to_timestamp"`
	MessageCount    int      `json:"message_count"`
}

// CodingTaskState records the continuation handle for a per-repo
// long-running coding session.
type CodingTaskState struct {
	RepoURL       string `json:"repo_url"`
	Branch        string `json:"branch"`
	SessionID     string `json:"session_id"`
	LastTask      string `json:"last_task"`
	LastTimestamp int64  `json:"last_timestamp"`
}

// ConversationStats summarises the live message buffer.
type ConversationStats struct {
	Count            int  `json:"count"`
	ApproxTokens     int  `json:"approx_tokens"`
	CompactThreshold int  `json:"compact_threshold"`
	NeedsCompaction  bool `json:"needs_compaction"`
}

// Store persists all orchestrator state.
type Store interface {
	// Init creates tables if they don't exist.
	Init() error

	// Close closes the store.
	Close() error

	// AppendMessage appends a message to the conversation buffer.
	AppendMessage(m Message) error

	// RecentMessages returns the newest limit messages, ascending by timestamp.
	RecentMessages(limit int) ([]Message, error)

	// DeleteMessagesThrough removes all messages with timestamp <= ts and
	// returns how many were removed.
	DeleteMessagesThrough(ts int64) (int, error)

	// ClearMessages empties the conversation buffer.
	ClearMessages() error

	// ConversationStats returns buffer size and the compaction signal.
	ConversationStats() (ConversationStats, error)

	// WriteJournal appends a journal entry. The embedding may be nil.
	WriteJournal(e JournalEntry) error

	// RecentJournal returns the newest limit entries, newest first.
	RecentJournal(limit int) ([]JournalEntry, error)

	// ListJournalWithEmbeddings returns up to maxScanned entries that carry
	// an embedding, newest first.
	ListJournalWithEmbeddings(maxScanned int) ([]JournalEntry, error)

	// UpsertTopic creates or overwrites a topic by name. CreatedAt of an
	// existing topic is preserved; UpdatedAt is bumped.
	UpsertTopic(t Topic) error

	// GetTopic returns a topic by name, or ErrNotFound.
	GetTopic(name string) (Topic, error)

	// ListTopics returns all topics, newest-updated first, without embeddings.
	ListTopics() ([]Topic, error)

	// ListTopicsWithEmbeddings returns up to maxScanned topics that carry an
	// embedding, newest-updated first.
	ListTopicsWithEmbeddings(maxScanned int) ([]Topic, error)

	// WriteStateFile creates or overwrites a named state file.
	WriteStateFile(name, content string) error

	// ReadStateFile returns a state file, or ErrNotFound.
	ReadStateFile(name string) (StateFile, error)

	// ListStateFiles returns all state files ordered by name.
	ListStateFiles() ([]StateFile, error)

	// SaveReminder creates or replaces a reminder. Exactly one of
	// CronExpression/ScheduledTime must be set.
	SaveReminder(r Reminder) error

	// DeleteReminder removes a reminder. Deleting an unknown id returns
	// ErrNotFound.
	DeleteReminder(id string) error

	// ListReminders returns all reminders, oldest first.
	ListReminders() ([]Reminder, error)

	// SaveSummary writes the summary and deletes all messages with
	// timestamp <= s.ToTimestamp in a single transaction.
	SaveSummary(s Summary) error

	// RecentSummaries returns the newest count summaries, newest first.
	RecentSummaries(count int) ([]Summary, error)

	// GetCodingTaskState returns the continuation state for a repo, or
	// ErrNotFound.
	GetCodingTaskState(repoURL string) (CodingTaskState, error)

	// SaveCodingTaskState creates or overwrites a repo's continuation state.
	SaveCodingTaskState(s CodingTaskState) error
}
