// Package scheduler drives reminder firing. All source state lives in the
// store's reminders table; the scheduler only holds the single wall-clock
// alarm for the earliest next fire.
package scheduler

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/everydev1618/outie/cronexpr"
	"github.com/everydev1618/outie/store"
)

const (
	// FireWindow is the tolerance within which a due reminder fires.
	FireWindow = time.Minute
	// MissWindow is how far past its time a one-shot may be before it is
	// dropped without firing.
	MissWindow = time.Minute
)

// Alarm is the synthetic trigger payload dispatched when a reminder fires.
type Alarm struct {
	ReminderID  string
	Description string
	Payload     string
}

// Scheduler computes the next fire across all reminders and installs one
// wall-clock alarm for it.
type Scheduler struct {
	store    store.Store
	dispatch func(Alarm)
	now      func() time.Time

	mu     sync.Mutex
	timer  *time.Timer
	nextAt time.Time // zero when no alarm is installed
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a Scheduler. dispatch is called once per fired reminder.
func New(st store.Store, dispatch func(Alarm), opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		dispatch: dispatch,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stop cancels any installed alarm.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.nextAt = time.Time{}
}

// NextAlarm returns the installed alarm time, zero when none.
func (s *Scheduler) NextAlarm() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextAt
}

// Reschedule recomputes the earliest next fire over all reminders and
// installs a single alarm for it, replacing any prior alarm. An empty
// reminder set clears the alarm. Calling twice with no intervening
// mutation is a no-op.
func (s *Scheduler) Reschedule() error {
	reminders, err := s.store.ListReminders()
	if err != nil {
		return err
	}
	now := s.now()

	var next time.Time
	for _, r := range reminders {
		t, ok := s.nextFire(r, now)
		if !ok {
			continue
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if next.IsZero() {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.nextAt = time.Time{}
		return nil
	}
	if !s.nextAt.IsZero() && next.Equal(s.nextAt) {
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	wait := next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	s.timer = time.AfterFunc(wait, s.OnAlarm)
	s.nextAt = next
	slog.Debug("scheduler: alarm installed", "at", next, "in", wait)
	return nil
}

// nextFire returns when a reminder should next be considered. A one-shot
// already past its time still returns it so the next alarm scan can fire
// or expire it.
func (s *Scheduler) nextFire(r store.Reminder, now time.Time) (time.Time, bool) {
	if r.OneShot() {
		t := time.UnixMilli(r.ScheduledTime)
		if t.Before(now) {
			return now, true
		}
		return t, true
	}
	t, err := cronexpr.Next(r.CronExpression, now)
	if err != nil {
		slog.Warn("scheduler: unschedulable reminder", "id", r.ID, "cron", r.CronExpression, "error", err)
		return time.Time{}, false
	}
	return t, true
}

// OnAlarm scans all reminders once: expired one-shots are deleted without
// firing, due reminders are dispatched (one-shots are deleted before
// dispatch so retries cannot double-fire), everything else is left alone.
// The scan ends with a Reschedule.
func (s *Scheduler) OnAlarm() {
	now := s.now()
	reminders, err := s.store.ListReminders()
	if err != nil {
		slog.Error("scheduler: list reminders failed", "error", err)
		return
	}

	for _, r := range reminders {
		if r.OneShot() {
			t := time.UnixMilli(r.ScheduledTime)
			if t.Before(now.Add(-MissWindow)) {
				if err := s.deleteReminder(r.ID); err != nil {
					slog.Warn("scheduler: delete missed reminder failed", "id", r.ID, "error", err)
					continue
				}
				slog.Info("scheduler: one-shot missed its window, dropped", "id", r.ID, "scheduled", t)
				continue
			}
			if inFireWindow(t, now) {
				// Delete before dispatch: at-most-once even across retries.
				if err := s.deleteReminder(r.ID); err != nil {
					slog.Warn("scheduler: delete fired reminder failed", "id", r.ID, "error", err)
					continue
				}
				s.fire(r)
			}
			continue
		}

		// Recurring: catch the occurrence the alarm was installed for, which
		// is now slightly in the past, without reaching further back than the
		// fire window.
		t, err := cronexpr.Next(r.CronExpression, now.Add(-FireWindow))
		if err != nil {
			slog.Warn("scheduler: skipping reminder with invalid cron", "id", r.ID, "error", err)
			continue
		}
		if inFireWindow(t, now) {
			s.fire(r)
		}
	}

	if err := s.Reschedule(); err != nil {
		slog.Error("scheduler: reschedule after alarm failed", "error", err)
	}
}

func inFireWindow(t, now time.Time) bool {
	d := t.Sub(now)
	if d < 0 {
		d = -d
	}
	return d <= FireWindow
}

func (s *Scheduler) deleteReminder(id string) error {
	err := s.store.DeleteReminder(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Scheduler) fire(r store.Reminder) {
	slog.Info("scheduler: reminder fired", "id", r.ID, "description", r.Description)
	s.dispatch(Alarm{ReminderID: r.ID, Description: r.Description, Payload: r.Payload})
}
