package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/everydev1618/outie/search"
	"github.com/everydev1618/outie/store"
)

// DocumentEmbedder embeds text for storage. Write paths treat embedding
// failures as soft: the entry is persisted without a vector.
type DocumentEmbedder interface {
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
}

// MemoryTools registers the journal, topic, and state-file tools.
type MemoryTools struct {
	Store    store.Store
	Embedder DocumentEmbedder // nil disables vectors on writes
	Searcher *search.Searcher // nil disables semantic search
	Now      func() time.Time
}

func (m *MemoryTools) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryTools) embed(ctx context.Context, text string) []float32 {
	if m.Embedder == nil {
		return nil
	}
	vec, err := m.Embedder.EmbedDocument(ctx, text)
	if err != nil {
		slog.Warn("embedding unavailable, storing without vector", "error", err)
		return nil
	}
	return vec
}

// Register adds the memory tool set to the registry.
func (m *MemoryTools) Register(r *Registry) {
	r.MustRegister(Tool{
		Name:        "journal_write",
		Description: "Append an observation to the journal. Use for anything worth remembering across conversations.",
		InputSchema: objectSchema(map[string]any{
			"topic":   map[string]any{"type": "string", "description": "Short topic label for the entry."},
			"content": map[string]any{"type": "string", "description": "The observation to record."},
		}, "content"),
		Handler: m.journalWrite,
	})
	r.MustRegister(Tool{
		Name:        "journal_search",
		Description: "Semantic search over journal entries. Returns the best matches with scores.",
		InputSchema: objectSchema(map[string]any{
			"query": map[string]any{"type": "string"},
			"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
		}, "query"),
		Handler: m.journalSearch,
	})
	r.MustRegister(Tool{
		Name:        "topic_write",
		Description: "Create or overwrite a named topic: distilled, reusable knowledge rather than raw observations.",
		InputSchema: objectSchema(map[string]any{
			"name":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		}, "name", "content"),
		Handler: m.topicWrite,
	})
	r.MustRegister(Tool{
		Name:        "topic_get",
		Description: "Read a topic by exact name.",
		InputSchema: objectSchema(map[string]any{
			"name": map[string]any{"type": "string"},
		}, "name"),
		Handler: m.topicGet,
	})
	r.MustRegister(Tool{
		Name:        "topic_list",
		Description: "List all topic names with their last-updated times.",
		InputSchema: objectSchema(map[string]any{}),
		Handler:     m.topicList,
	})
	r.MustRegister(Tool{
		Name:        "topic_search",
		Description: "Semantic search over topics.",
		InputSchema: objectSchema(map[string]any{
			"query": map[string]any{"type": "string"},
			"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
		}, "query"),
		Handler: m.topicSearch,
	})
	r.MustRegister(Tool{
		Name:        "state_read",
		Description: "Read a named state file.",
		InputSchema: objectSchema(map[string]any{
			"name": map[string]any{"type": "string"},
		}, "name"),
		Handler: m.stateRead,
	})
	r.MustRegister(Tool{
		Name:        "state_write",
		Description: "Create or overwrite a named state file. The files identity, today, and user are injected into every prompt.",
		InputSchema: objectSchema(map[string]any{
			"name":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		}, "name", "content"),
		Handler: m.stateWrite,
	})
}

func (m *MemoryTools) journalWrite(ctx context.Context, args map[string]any) (string, error) {
	content := argString(args, "content")
	if content == "" {
		return "", errors.New("content must not be empty")
	}
	e := store.JournalEntry{
		ID:        uuid.NewString(),
		Timestamp: m.now().UnixMilli(),
		Topic:     argString(args, "topic"),
		Content:   content,
		Embedding: m.embed(ctx, content),
	}
	if err := store.WithRetry(ctx, func() error { return m.Store.WriteJournal(e) }); err != nil {
		return "", fmt.Errorf("write journal: %w", err)
	}
	return "Journal entry recorded.", nil
}

func (m *MemoryTools) journalSearch(ctx context.Context, args map[string]any) (string, error) {
	if m.Searcher == nil {
		return "", errors.New("semantic search is not available")
	}
	limit := argInt(args, "limit", 5)
	results, err := m.Searcher.SearchJournal(ctx, argString(args, "query"), limit)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No matching journal entries.", nil
	}
	return marshalJSON(results)
}

func (m *MemoryTools) topicWrite(ctx context.Context, args map[string]any) (string, error) {
	name := argString(args, "name")
	content := argString(args, "content")
	if name == "" || content == "" {
		return "", errors.New("name and content must not be empty")
	}
	nowMs := m.now().UnixMilli()
	t := store.Topic{
		ID:        uuid.NewString(),
		Name:      name,
		Content:   content,
		CreatedAt: nowMs,
		UpdatedAt: nowMs,
		Embedding: m.embed(ctx, name+"\n"+content),
	}
	if err := store.WithRetry(ctx, func() error { return m.Store.UpsertTopic(t) }); err != nil {
		return "", fmt.Errorf("upsert topic: %w", err)
	}
	return fmt.Sprintf("Topic %q saved.", name), nil
}

func (m *MemoryTools) topicGet(_ context.Context, args map[string]any) (string, error) {
	name := argString(args, "name")
	t, err := m.Store.GetTopic(name)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Sprintf("No topic named %q.", name), nil
	}
	if err != nil {
		return "", err
	}
	return t.Content, nil
}

func (m *MemoryTools) topicList(_ context.Context, _ map[string]any) (string, error) {
	topics, err := m.Store.ListTopics()
	if err != nil {
		return "", err
	}
	if len(topics) == 0 {
		return "No topics yet.", nil
	}
	type row struct {
		Name      string `json:"name"`
		UpdatedAt string `json:"updated_at"`
	}
	rows := make([]row, 0, len(topics))
	for _, t := range topics {
		rows = append(rows, row{Name: t.Name, UpdatedAt: time.UnixMilli(t.UpdatedAt).UTC().Format(time.RFC3339)})
	}
	return marshalJSON(rows)
}

func (m *MemoryTools) topicSearch(ctx context.Context, args map[string]any) (string, error) {
	if m.Searcher == nil {
		return "", errors.New("semantic search is not available")
	}
	limit := argInt(args, "limit", 5)
	results, err := m.Searcher.SearchTopics(ctx, argString(args, "query"), limit)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No matching topics.", nil
	}
	return marshalJSON(results)
}

func (m *MemoryTools) stateRead(_ context.Context, args map[string]any) (string, error) {
	name := argString(args, "name")
	f, err := m.Store.ReadStateFile(name)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Sprintf("State file %q is not set.", name), nil
	}
	if err != nil {
		return "", err
	}
	return f.Content, nil
}

func (m *MemoryTools) stateWrite(ctx context.Context, args map[string]any) (string, error) {
	name := argString(args, "name")
	if name == "" {
		return "", errors.New("name must not be empty")
	}
	if err := store.WithRetry(ctx, func() error { return m.Store.WriteStateFile(name, argString(args, "content")) }); err != nil {
		return "", err
	}
	return fmt.Sprintf("State file %q updated.", name), nil
}

func marshalJSON(v any) (string, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(raw), nil
}
