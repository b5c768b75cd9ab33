// Package outie is the stateful agent orchestrator: it coordinates
// triggers (user messages, alarms, ambient wake-ups) into serialized
// reasoning turns against the engine, backed by durable memory.
package outie

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/everydev1618/outie/engine"
	"github.com/everydev1618/outie/prompt"
	"github.com/everydev1618/outie/scheduler"
	"github.com/everydev1618/outie/store"
)

// Engine is the session surface the coordinator drives.
type Engine interface {
	CreateSession(ctx context.Context) (engine.Session, error)
	Prompt(ctx context.Context, id, system, prompt string) error
	WaitIdle(ctx context.Context, id string) (engine.Session, error)
	Abort(ctx context.Context, id string) error
}

// Sink delivers the agent's reply for message-triggered turns. Alarm and
// ambient turns reach the user only through the send_telegram tool.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// trigger is one queued wake-up.
type trigger struct {
	kind        string
	payload     string
	description string
	source      string
}

// Coordinator serializes all reasoning turns: at most one engine session
// runs at a time. A trigger arriving mid-turn aborts the in-flight
// session; on abort success the new trigger reuses that session so the
// engine keeps the interrupted turn's context. Consecutive user messages
// coalesce into one turn.
type Coordinator struct {
	store       store.Store
	engine      Engine
	builder     *prompt.Builder
	sink        Sink
	collectURLs func(text string)
	now         func() time.Time

	mu           sync.Mutex
	isProcessing bool
	queue        []trigger
	// currentSessionID is the session of the in-flight turn, empty when
	// idle. interruptedSessionID is set when a preemption abort succeeded;
	// the next turn reuses it instead of creating a fresh session.
	currentSessionID     string
	interruptedSessionID string
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithSink wires reply delivery.
func WithSink(s Sink) CoordinatorOption {
	return func(c *Coordinator) {
		c.sink = s
	}
}

// SetSink wires reply delivery after construction; the sink and the
// intake layer reference each other.
func (c *Coordinator) SetSink(s Sink) {
	c.mu.Lock()
	c.sink = s
	c.mu.Unlock()
}

// WithURLCollector registers a hook that sees every incoming user
// message, used to harvest URLs into the fetch allowlist.
func WithURLCollector(fn func(text string)) CoordinatorOption {
	return func(c *Coordinator) {
		c.collectURLs = fn
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(st store.Store, eng Engine, builder *prompt.Builder, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:   st,
		engine:  eng,
		builder: builder,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleUserMessage records the message and queues a reasoning turn.
func (c *Coordinator) HandleUserMessage(ctx context.Context, text, source string) {
	if c.collectURLs != nil {
		c.collectURLs(text)
	}
	m := store.Message{
		ID:        uuid.NewString(),
		Role:      store.RoleUser,
		Content:   text,
		Timestamp: c.now().UnixMilli(),
		Trigger:   store.TriggerMessage,
		Source:    source,
	}
	if err := store.WithRetry(ctx, func() error { return c.store.AppendMessage(m) }); err != nil {
		slog.Error("coordinator: record user message failed", "error", err)
	}
	c.enqueue(trigger{kind: store.TriggerMessage, payload: text, source: source})
}

// HandleAlarm queues a turn for a fired reminder.
func (c *Coordinator) HandleAlarm(alarm scheduler.Alarm) {
	c.enqueue(trigger{
		kind:        store.TriggerAlarm,
		payload:     alarm.Payload,
		description: alarm.Description,
	})
}

// HandleAmbient queues an unprompted wake-up. Ambient triggers are
// droppable: a busy agent skips them rather than piling them up.
func (c *Coordinator) HandleAmbient(ctx context.Context) {
	c.mu.Lock()
	busy := c.isProcessing || len(c.queue) > 0
	c.mu.Unlock()
	if busy {
		slog.Debug("coordinator: dropping ambient trigger, agent busy")
		return
	}
	c.enqueue(trigger{kind: store.TriggerAmbient})
}

// Clear resets the conversation buffer and forgets any session
// continuity.
func (c *Coordinator) Clear(ctx context.Context) error {
	if err := store.WithRetry(ctx, c.store.ClearMessages); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	c.mu.Lock()
	c.interruptedSessionID = ""
	c.mu.Unlock()

	note := store.JournalEntry{
		ID:        uuid.NewString(),
		Timestamp: c.now().UnixMilli(),
		Topic:     "conversation",
		Content:   "Conversation buffer cleared at the user's request.",
	}
	if err := store.WithRetry(ctx, func() error { return c.store.WriteJournal(note) }); err != nil {
		slog.Warn("coordinator: journal clear note failed", "error", err)
	}
	return nil
}

// enqueue adds a trigger and starts the drain loop when idle. When a
// turn is in flight, the trigger preempts it: the coordinator aborts the
// running session so the newer trigger runs promptly instead of waiting
// out the engine deadline.
func (c *Coordinator) enqueue(t trigger) {
	c.mu.Lock()
	c.queue = append(c.queue, t)
	start := !c.isProcessing
	if start {
		c.isProcessing = true
	}
	inFlight := c.currentSessionID
	c.mu.Unlock()

	if start {
		go c.drain()
		return
	}
	if inFlight == "" {
		return
	}

	// Mark the session interrupted before aborting: the abort unblocks the
	// in-flight WaitIdle, which must already see the interruption. On
	// abort failure the mark is withdrawn and the next turn gets a fresh
	// session; the old turn runs to its own deadline.
	c.mu.Lock()
	if c.currentSessionID == inFlight {
		c.interruptedSessionID = inFlight
	}
	c.mu.Unlock()
	if err := c.engine.Abort(context.Background(), inFlight); err != nil {
		slog.Debug("coordinator: preemption abort failed", "session", inFlight, "error", err)
		c.mu.Lock()
		if c.interruptedSessionID == inFlight {
			c.interruptedSessionID = ""
		}
		c.mu.Unlock()
	}
}

// drain processes queued triggers until none remain. isProcessing is
// cleared on every exit path; the final re-check closes the window where
// a trigger lands between the last pop and the flag reset.
func (c *Coordinator) drain() {
	ctx := context.Background()
	for {
		t, ok := c.next()
		if !ok {
			return
		}
		c.process(ctx, t)
	}
}

// next pops the next trigger, coalescing consecutive user messages into
// one turn. With the queue empty it clears isProcessing and reports done.
func (c *Coordinator) next() (trigger, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		c.isProcessing = false
		return trigger{}, false
	}
	t := c.queue[0]
	c.queue = c.queue[1:]
	if t.kind == store.TriggerMessage {
		var parts []string
		parts = append(parts, t.payload)
		for len(c.queue) > 0 && c.queue[0].kind == store.TriggerMessage {
			parts = append(parts, c.queue[0].payload)
			c.queue = c.queue[1:]
		}
		t.payload = strings.Join(parts, "\n")
	}
	return t, true
}

// process runs one reasoning turn.
func (c *Coordinator) process(ctx context.Context, t trigger) {
	system, err := c.builder.SystemPrompt()
	if err != nil {
		slog.Error("coordinator: system prompt failed", "error", err)
		return
	}
	envelope, err := c.builder.DynamicContext(prompt.Trigger{
		Kind:        t.kind,
		Payload:     t.payload,
		Description: t.description,
	})
	if err != nil {
		slog.Error("coordinator: context build failed", "error", err)
		return
	}

	sessionID, err := c.session(ctx)
	if err != nil {
		slog.Error("coordinator: no engine session", "error", err)
		c.reply(ctx, t, "I can't reach my reasoning engine right now.")
		return
	}
	c.mu.Lock()
	c.currentSessionID = sessionID
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.currentSessionID == sessionID {
			c.currentSessionID = ""
		}
		c.mu.Unlock()
	}()

	if err := c.engine.Prompt(ctx, sessionID, system, envelope); err != nil {
		if c.interrupted(sessionID) {
			return
		}
		slog.Error("coordinator: prompt failed", "session", sessionID, "error", err)
		c.reply(ctx, t, "Something went wrong while thinking about that.")
		return
	}
	session, err := c.engine.WaitIdle(ctx, sessionID)
	if c.interrupted(sessionID) {
		// A newer trigger aborted this turn; its output is superseded and
		// the next turn continues on the same session.
		slog.Info("coordinator: turn interrupted", "session", sessionID, "trigger", t.kind)
		return
	}
	if err != nil || session.State == engine.StateFailed {
		slog.Error("coordinator: turn failed", "session", sessionID, "state", session.State, "error", err)
		c.reply(ctx, t, "Something went wrong while thinking about that.")
		return
	}

	if session.LastMessage != "" {
		m := store.Message{
			ID:        uuid.NewString(),
			Role:      store.RoleAssistant,
			Content:   session.LastMessage,
			Timestamp: c.now().UnixMilli(),
			Trigger:   t.kind,
		}
		if err := store.WithRetry(ctx, func() error { return c.store.AppendMessage(m) }); err != nil {
			slog.Error("coordinator: record reply failed", "error", err)
		}
		c.reply(ctx, t, session.LastMessage)
	}
}

// session picks the session for this turn: an interrupted session is
// reused so the engine keeps its context, otherwise every turn runs on a
// fresh session.
func (c *Coordinator) session(ctx context.Context) (string, error) {
	c.mu.Lock()
	reuse := c.interruptedSessionID
	c.interruptedSessionID = ""
	c.mu.Unlock()
	if reuse != "" {
		return reuse, nil
	}
	s, err := c.engine.CreateSession(ctx)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

func (c *Coordinator) interrupted(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interruptedSessionID == sessionID
}

// reply delivers text for message-triggered turns only.
func (c *Coordinator) reply(ctx context.Context, t trigger, text string) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if t.kind != store.TriggerMessage || sink == nil {
		return
	}
	if err := sink.Send(ctx, text); err != nil {
		slog.Error("coordinator: reply delivery failed", "error", err)
	}
}
