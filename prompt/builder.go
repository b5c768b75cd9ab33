// Package prompt assembles the system prompt and the dynamic context
// envelope sent to the reasoning engine on every turn.
package prompt

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/everydev1618/outie/store"
)

// Envelope sizing.
const (
	RecentJournalCount      = 40
	RecentConversationCount = 30
	MessageTruncateChars    = 5000
)

// reservedStateFiles are the names surfaced in the envelope, in order.
var reservedStateFiles = []string{"identity", "today", "user"}

// DefaultIdentity is used until the engine writes an identity state file.
const DefaultIdentity = `You are outie, a personal AI agent. You live in a long-running
orchestrator with durable memory: a journal, topics, state files, and
reminders. You act on the user's behalf between conversations.`

// operatingPrinciples is appended to every system prompt. It must not vary
// between turns: the engine caches the system prompt by content.
const operatingPrinciples = `Operating principles:
- Use journal_write for observations worth keeping; use topic_write for
  distilled, reusable knowledge.
- Keep the "user" and "today" state files current as you learn things.
- Schedule follow-ups with schedule_once or schedule_recurring instead of
  promising to remember.
- Prefer short, direct replies. One message, no filler.
- When asked to do something in a repository, delegate with run_coding_task.`

// Trigger is the prompt-facing description of what woke the agent.
type Trigger struct {
	Kind        string // store.TriggerMessage, TriggerAlarm, TriggerAmbient
	Payload     string
	Description string // reminder description, alarm triggers only
}

// Builder renders prompts from the store.
type Builder struct {
	store store.Store
	now   func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		b.now = now
	}
}

// New creates a Builder.
func New(st store.Store, opts ...Option) *Builder {
	b := &Builder{store: st, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SystemPrompt returns the identity plus the fixed operating-principles
// block. The output is byte-identical across calls while the identity
// state file is unchanged, so downstream prompt caching stays warm.
func (b *Builder) SystemPrompt() (string, error) {
	identity := DefaultIdentity
	f, err := b.store.ReadStateFile("identity")
	switch {
	case err == nil:
		identity = f.Content
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("read identity: %w", err)
	}
	return identity + "\n\n" + operatingPrinciples, nil
}

// DynamicContext renders the per-turn envelope and trigger tail.
func (b *Builder) DynamicContext(trig Trigger) (string, error) {
	now := b.now()
	var sb strings.Builder

	fmt.Fprintf(&sb, "<current_time>\n%s (%s)\n</current_time>\n\n",
		now.UTC().Format(time.RFC3339), now.Format("Monday, January 2 2006, 15:04 MST"))

	stats, err := b.store.ConversationStats()
	if err != nil {
		return "", fmt.Errorf("conversation stats: %w", err)
	}
	fmt.Fprintf(&sb, "<context_status>\nmessages: %d\napprox_tokens: %d\ncompact_threshold: %d\nneeds_compaction: %t\n</context_status>\n\n",
		stats.Count, stats.ApproxTokens, stats.CompactThreshold, stats.NeedsCompaction)

	sb.WriteString("<state_files>\n")
	for _, name := range reservedStateFiles {
		f, err := b.store.ReadStateFile(name)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(&sb, "<%s>(not set)</%s>\n", name, name)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read state file %s: %w", name, err)
		}
		fmt.Fprintf(&sb, "<%s>\n%s\n</%s>\n", name, f.Content, name)
	}
	sb.WriteString("</state_files>\n\n")

	entries, err := b.store.RecentJournal(RecentJournalCount)
	if err != nil {
		return "", fmt.Errorf("recent journal: %w", err)
	}
	fmt.Fprintf(&sb, "<recent_journal count=\"%d\">\n", RecentJournalCount)
	// The store returns newest first; the block reads oldest first.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		fmt.Fprintf(&sb, "[%s] %s: %s\n", time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339), e.Topic, e.Content)
	}
	sb.WriteString("</recent_journal>\n\n")

	sb.WriteString("<last_summary>\n")
	sums, err := b.store.RecentSummaries(1)
	if err != nil {
		return "", fmt.Errorf("recent summaries: %w", err)
	}
	if len(sums) == 0 {
		sb.WriteString("(none)\n")
	} else {
		s := sums[0]
		fmt.Fprintf(&sb, "[%s, %d messages] %s\n", time.UnixMilli(s.Timestamp).UTC().Format(time.RFC3339), s.MessageCount, s.Content)
		if s.Notes != "" {
			fmt.Fprintf(&sb, "notes: %s\n", s.Notes)
		}
	}
	sb.WriteString("</last_summary>\n\n")

	msgs, err := b.store.RecentMessages(RecentConversationCount)
	if err != nil {
		return "", fmt.Errorf("recent messages: %w", err)
	}
	sb.WriteString("<recent_conversation>\n")
	for _, m := range msgs {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, truncate(m.Content, MessageTruncateChars))
	}
	sb.WriteString("</recent_conversation>\n\n")

	sb.WriteString(triggerTail(trig))

	if stats.NeedsCompaction {
		sb.WriteString("\n\nThe conversation buffer is over the compaction threshold. Call save_conversation_summary now to compress the oldest messages before replying.")
	}
	return sb.String(), nil
}

func triggerTail(trig Trigger) string {
	switch trig.Kind {
	case store.TriggerAlarm:
		return fmt.Sprintf(
			"A scheduled reminder fired.\nReminder: %s\nPayload: %s\n\nNote: your reply here is NOT delivered to the chat. If the user should see anything, call send_telegram.",
			trig.Description, trig.Payload)
	case store.TriggerAmbient:
		return "Ambient check-in. Nothing you write here reaches the user; call send_telegram only if something genuinely needs their attention. A brief note for the log is fine."
	default:
		return "User message: " + trig.Payload
	}
}

// truncate cuts s to at most max bytes without splitting a multi-byte
// rune at the boundary.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
