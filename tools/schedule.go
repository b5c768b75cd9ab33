package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/everydev1618/outie/cronexpr"
	"github.com/everydev1618/outie/store"
)

// Rescheduler recomputes the next alarm after a reminder mutation.
type Rescheduler interface {
	Reschedule() error
}

// ScheduleTools registers the reminder tools.
type ScheduleTools struct {
	Store     store.Store
	Scheduler Rescheduler
	Now       func() time.Time
}

func (s *ScheduleTools) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Register adds the scheduling tool set to the registry.
func (s *ScheduleTools) Register(r *Registry) {
	r.MustRegister(Tool{
		Name:        "schedule_recurring",
		Description: "Create a recurring reminder from a 5-field cron expression (minute hour day-of-month month day-of-week).",
		InputSchema: objectSchema(map[string]any{
			"description":     map[string]any{"type": "string"},
			"cron_expression": map[string]any{"type": "string"},
			"payload":         map[string]any{"type": "string", "description": "Instructions for yourself when the reminder fires."},
		}, "description", "cron_expression"),
		Handler: s.scheduleRecurring,
	})
	r.MustRegister(Tool{
		Name:        "schedule_once",
		Description: "Create a one-shot reminder at a fixed time.",
		InputSchema: objectSchema(map[string]any{
			"description":    map[string]any{"type": "string"},
			"scheduled_time": map[string]any{"type": "string", "description": "RFC 3339 time, e.g. 2026-08-24T15:00:00Z."},
			"payload":        map[string]any{"type": "string"},
		}, "description", "scheduled_time"),
		Handler: s.scheduleOnce,
	})
	r.MustRegister(Tool{
		Name:        "cancel_reminder",
		Description: "Cancel a reminder by id. Cancelling an unknown id succeeds.",
		InputSchema: objectSchema(map[string]any{
			"id": map[string]any{"type": "string"},
		}, "id"),
		Handler: s.cancelReminder,
	})
	r.MustRegister(Tool{
		Name:        "list_reminders",
		Description: "List all reminders with their next fire times.",
		InputSchema: objectSchema(map[string]any{}),
		Handler:     s.listReminders,
	})
}

func (s *ScheduleTools) scheduleRecurring(ctx context.Context, args map[string]any) (string, error) {
	expr := argString(args, "cron_expression")
	if err := cronexpr.Validate(expr); err != nil {
		return "", fmt.Errorf("cron expression %q: %w", expr, err)
	}
	r := store.Reminder{
		ID:             uuid.NewString(),
		Description:    argString(args, "description"),
		Payload:        argString(args, "payload"),
		CronExpression: expr,
		CreatedAt:      s.now().UnixMilli(),
	}
	if err := store.WithRetry(ctx, func() error { return s.Store.SaveReminder(r) }); err != nil {
		return "", fmt.Errorf("save reminder: %w", err)
	}
	s.reschedule()
	next, _ := cronexpr.Next(expr, s.now())
	return fmt.Sprintf("Recurring reminder %s created. Next fire: %s.", r.ID, next.UTC().Format(time.RFC3339)), nil
}

func (s *ScheduleTools) scheduleOnce(ctx context.Context, args map[string]any) (string, error) {
	raw := argString(args, "scheduled_time")
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return "", fmt.Errorf("scheduled_time %q is not RFC 3339: %w", raw, err)
	}
	if !at.After(s.now()) {
		return "", fmt.Errorf("scheduled_time %s is in the past", raw)
	}
	r := store.Reminder{
		ID:            uuid.NewString(),
		Description:   argString(args, "description"),
		Payload:       argString(args, "payload"),
		ScheduledTime: at.UnixMilli(),
		CreatedAt:     s.now().UnixMilli(),
	}
	if err := store.WithRetry(ctx, func() error { return s.Store.SaveReminder(r) }); err != nil {
		return "", fmt.Errorf("save reminder: %w", err)
	}
	s.reschedule()
	return fmt.Sprintf("One-shot reminder %s created for %s.", r.ID, at.UTC().Format(time.RFC3339)), nil
}

// cancelReminder is idempotent: a missing id is reported as already gone,
// not as an error.
func (s *ScheduleTools) cancelReminder(ctx context.Context, args map[string]any) (string, error) {
	id := argString(args, "id")
	err := store.WithRetry(ctx, func() error { return s.Store.DeleteReminder(id) })
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Sprintf("Reminder %s was already gone.", id), nil
	case err != nil:
		return "", fmt.Errorf("delete reminder: %w", err)
	}
	s.reschedule()
	return fmt.Sprintf("Reminder %s cancelled.", id), nil
}

func (s *ScheduleTools) listReminders(_ context.Context, _ map[string]any) (string, error) {
	reminders, err := s.Store.ListReminders()
	if err != nil {
		return "", err
	}
	if len(reminders) == 0 {
		return "No reminders scheduled.", nil
	}
	type row struct {
		ID          string `json:"id"`
		Description string `json:"description"`
		Schedule    string `json:"schedule"`
		NextFire    string `json:"next_fire,omitempty"`
	}
	now := s.now()
	rows := make([]row, 0, len(reminders))
	for _, r := range reminders {
		out := row{ID: r.ID, Description: r.Description}
		if r.OneShot() {
			out.Schedule = "once"
			out.NextFire = time.UnixMilli(r.ScheduledTime).UTC().Format(time.RFC3339)
		} else {
			out.Schedule = r.CronExpression
			if next, err := cronexpr.Next(r.CronExpression, now); err == nil {
				out.NextFire = next.UTC().Format(time.RFC3339)
			}
		}
		rows = append(rows, out)
	}
	return marshalJSON(rows)
}

func (s *ScheduleTools) reschedule() {
	if s.Scheduler == nil {
		return
	}
	if err := s.Scheduler.Reschedule(); err != nil {
		slog.Error("reschedule after reminder change failed", "error", err)
	}
}
