package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/everydev1618/outie/store"
)

// absorbFraction is how much of the buffer (oldest first) one summary
// absorbs. The remainder stays live so the conversation keeps its tail.
const absorbFraction = 0.7

// ConversationTools registers summary compaction tools.
type ConversationTools struct {
	Store store.Store
	Now   func() time.Time
}

func (c *ConversationTools) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Register adds the conversation tool set to the registry.
func (c *ConversationTools) Register(r *Registry) {
	r.MustRegister(Tool{
		Name:        "save_conversation_summary",
		Description: "Compress the oldest portion of the conversation buffer into a durable summary. Call when the context status flags compaction.",
		InputSchema: objectSchema(map[string]any{
			"summary":          map[string]any{"type": "string", "description": "Narrative summary of the absorbed messages."},
			"notes":            map[string]any{"type": "string"},
			"key_decisions":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"open_threads":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"learned_patterns": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		}, "summary"),
		Handler: c.saveSummary,
	})
	r.MustRegister(Tool{
		Name:        "get_recent_summaries",
		Description: "Read back recent conversation summaries, newest first.",
		InputSchema: objectSchema(map[string]any{
			"count": map[string]any{"type": "integer", "minimum": 1, "maximum": 20},
		}),
		Handler: c.getRecentSummaries,
	})
}

func (c *ConversationTools) saveSummary(ctx context.Context, args map[string]any) (string, error) {
	content := argString(args, "summary")
	if content == "" {
		return "", errors.New("summary must not be empty")
	}

	stats, err := c.Store.ConversationStats()
	if err != nil {
		return "", fmt.Errorf("conversation stats: %w", err)
	}

	s := store.Summary{
		ID:              uuid.NewString(),
		Timestamp:       c.now().UnixMilli(),
		Content:         content,
		Notes:           argString(args, "notes"),
		KeyDecisions:    argStrings(args, "key_decisions"),
		OpenThreads:     argStrings(args, "open_threads"),
		LearnedPatterns: argStrings(args, "learned_patterns"),
	}

	var remain int
	if stats.Count > 0 {
		msgs, err := c.Store.RecentMessages(stats.Count)
		if err != nil {
			return "", fmt.Errorf("load messages: %w", err)
		}
		absorb := int(float64(len(msgs)) * absorbFraction)
		if absorb < 1 {
			absorb = 1
		}
		absorbed := msgs[:absorb]
		s.FromTimestamp = absorbed[0].Timestamp
		s.ToTimestamp = absorbed[len(absorbed)-1].Timestamp
		s.MessageCount = len(absorbed)
		remain = len(msgs) - len(absorbed)
	}

	// SaveSummary deletes the absorbed prefix in the same transaction, so
	// a crash never loses messages without their summary. An empty buffer
	// still yields a summary row with a zero absorbed range.
	if err := store.WithRetry(ctx, func() error { return c.Store.SaveSummary(s) }); err != nil {
		return "", fmt.Errorf("save summary: %w", err)
	}
	if s.MessageCount == 0 {
		return "Summary saved; the conversation buffer was already empty.", nil
	}
	return fmt.Sprintf("Summary saved; %d messages absorbed, %d remain.", s.MessageCount, remain), nil
}

func (c *ConversationTools) getRecentSummaries(_ context.Context, args map[string]any) (string, error) {
	count := argInt(args, "count", 3)
	sums, err := c.Store.RecentSummaries(count)
	if err != nil {
		return "", err
	}
	if len(sums) == 0 {
		return "No summaries yet.", nil
	}
	return marshalJSON(sums)
}
