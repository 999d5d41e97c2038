package sched

import (
	"testing"
	"time"
)

func TestNextRunHourly(t *testing.T) {
	j := job{hourly: true, minute: 5}

	after := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	next := nextRun(after, j)
	want := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	// Already past the minute: roll to the next hour.
	after = time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	next = nextRun(after, j)
	want = time.Date(2026, 3, 1, 11, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunDaily(t *testing.T) {
	j := job{hour: 2, minute: 30}

	after := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)
	next := nextRun(after, j)
	want := time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	after = time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)
	next = nextRun(after, j)
	want = time.Date(2026, 3, 2, 2, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestClamping(t *testing.T) {
	s := New(nil, nil)
	s.Daily("late", 99, -1, nil)
	s.Hourly("often", 600, nil)
	if s.jobs[0].hour != 23 || s.jobs[0].minute != 0 {
		t.Fatalf("daily clamp = %d:%d", s.jobs[0].hour, s.jobs[0].minute)
	}
	if s.jobs[1].minute != 59 {
		t.Fatalf("hourly clamp = %d", s.jobs[1].minute)
	}
}
