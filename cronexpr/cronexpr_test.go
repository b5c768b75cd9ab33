package cronexpr

import (
	"errors"
	"testing"
	"time"
)

func TestNextStrictlyAfterNow(t *testing.T) {
	// Evaluated exactly at 09:00:00.000, "0 9 * * *" fires tomorrow.
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	next, err := Next("0 9 * * *", now)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextTable(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC) // a Monday

	cases := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", base.Add(time.Minute)},
		{"45 10 * * *", time.Date(2026, 8, 24, 10, 45, 0, 0, time.UTC)},
		{"0 9 * * 0", time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)}, // next Sunday
		{"*/15 * * * *", time.Date(2026, 8, 24, 10, 45, 0, 0, time.UTC)},
		{"0 0 1 1 *", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		next, err := Next(tc.expr, base)
		if err != nil {
			t.Errorf("%q: %v", tc.expr, err)
			continue
		}
		if !next.Equal(tc.want) {
			t.Errorf("%q: next = %v, want %v", tc.expr, next, tc.want)
		}
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"* * * *",       // 4 fields
		"* * * * * *",   // 6 fields
		"x * * * *",     // unparseable literal
		"61 * * * *",    // out of range
		"@hourly",       // descriptors are not part of the grammar
		"* * * * MONDAY", // only 3-letter names parse
	}
	for _, expr := range bad {
		if err := Validate(expr); !errors.Is(err, ErrInvalid) {
			t.Errorf("Validate(%q) = %v, want ErrInvalid", expr, err)
		}
	}

	good := []string{"* * * * *", "0 9 * * *", "30 6 1 * 1-5", "*/10 8-18 * * mon"}
	for _, expr := range good {
		if err := Validate(expr); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", expr, err)
		}
	}
}
