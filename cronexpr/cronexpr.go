// Package cronexpr evaluates 5-field cron expressions
// (minute hour day-of-month month day-of-week, 0=Sunday).
package cronexpr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalid is returned for expressions outside the supported grammar.
var ErrInvalid = errors.New("invalid cron expression")

// parser accepts the standard 5-field grammar: literals, '*', ranges,
// steps, and lists. Anything else is rejected, not silently accepted.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks that expr is a well-formed 5-field expression.
func Validate(expr string) error {
	_, err := parse(expr)
	return err
}

// Next returns the first fire time strictly after now. Scheduling exactly
// at a matching instant therefore yields the following occurrence.
func Next(expr string, now time.Time) (time.Time, error) {
	sched, err := parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	t := sched.Next(now)
	if t.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalid, expr)
	}
	return t, nil
}

func parse(expr string) (cron.Schedule, error) {
	if n := len(strings.Fields(expr)); n != 5 {
		return nil, fmt.Errorf("%w: %q has %d fields, want 5 (minute hour day-of-month month day-of-week)", ErrInvalid, expr, n)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v (supported: integers, '*', ranges, steps, lists)", ErrInvalid, expr, err)
	}
	return sched, nil
}
