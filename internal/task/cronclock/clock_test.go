package cronclock

import (
	"errors"
	"testing"
	"time"
)

func utcClock(seconds bool) *Clock {
	return New(Options{Seconds: seconds, Location: time.UTC})
}

func TestPrevNextEveryFiveMinutes(t *testing.T) {
	t.Parallel()
	c := utcClock(false)
	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		now      time.Time
		wantPrev time.Time
		wantNext time.Time
	}{
		{name: "on boundary", now: base, wantPrev: base, wantNext: base.Add(5 * time.Minute)},
		{name: "just before next", now: base.Add(4*time.Minute + 59*time.Second), wantPrev: base, wantNext: base.Add(5 * time.Minute)},
		{name: "next boundary", now: base.Add(5 * time.Minute), wantPrev: base.Add(5 * time.Minute), wantNext: base.Add(10 * time.Minute)},
		{name: "sub-second", now: base.Add(300 * time.Millisecond), wantPrev: base, wantNext: base.Add(5 * time.Minute)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p, err := c.Prev("*/5 * * * *", tt.now)
			if err != nil {
				t.Fatalf("Prev error: %v", err)
			}
			if !p.Equal(tt.wantPrev) {
				t.Fatalf("Prev = %v, want %v", p, tt.wantPrev)
			}
			n, err := c.Next("*/5 * * * *", tt.now)
			if err != nil {
				t.Fatalf("Next error: %v", err)
			}
			if !n.Equal(tt.wantNext) {
				t.Fatalf("Next = %v, want %v", n, tt.wantNext)
			}
		})
	}
}

func TestRoundTripProperties(t *testing.T) {
	t.Parallel()
	c := utcClock(false)
	exprs := []string{"*/5 * * * *", "0 3 * * 1", "15 10 1 * *", "@daily", "0 0 29 2 *"}
	start := time.Date(2023, 7, 14, 9, 41, 17, 0, time.UTC)
	for _, expr := range exprs {
		n1, err := c.Next(expr, start)
		if err != nil {
			t.Fatalf("Next(%q) error: %v", expr, err)
		}
		n2, err := c.Next(expr, n1)
		if err != nil {
			t.Fatalf("Next(%q) error: %v", expr, err)
		}
		if !n2.After(n1) {
			t.Fatalf("%q: Next(Next(t)) = %v not after %v", expr, n2, n1)
		}
		p, err := c.Prev(expr, n1)
		if err != nil {
			t.Fatalf("Prev(%q) error: %v", expr, err)
		}
		if !p.Equal(n1) {
			t.Fatalf("%q: Prev(Next(t)) = %v, want %v", expr, p, n1)
		}
		if p2, _ := c.Prev(expr, n1.Add(-time.Second)); !p2.Before(n1) {
			t.Fatalf("%q: Prev just before a fire should return the earlier fire, got %v", expr, p2)
		}
	}
}

func TestSecondsField(t *testing.T) {
	t.Parallel()
	c := utcClock(true)
	if c.Fields() != 6 {
		t.Fatalf("Fields = %d, want 6", c.Fields())
	}
	now := time.Date(2024, 1, 1, 0, 0, 7, 0, time.UTC)
	p, err := c.Prev("*/5 * * * * *", now)
	if err != nil {
		t.Fatalf("Prev error: %v", err)
	}
	if want := now.Add(-2 * time.Second); !p.Equal(want) {
		t.Fatalf("Prev = %v, want %v", p, want)
	}
	if err := c.Validate("*/5 * * * *"); err == nil {
		t.Fatal("expected 5-field expression to be rejected in seconds mode")
	}
}

func TestInvalidSchedule(t *testing.T) {
	t.Parallel()
	c := utcClock(false)
	for _, expr := range []string{"", "not a cron", "61 * * * *", "@every 5m", "* * * * * *"} {
		_, err := c.Next(expr, time.Now())
		var ise *InvalidScheduleError
		if !errors.As(err, &ise) {
			t.Fatalf("Next(%q) error = %v, want InvalidScheduleError", expr, err)
		}
	}
}

func TestLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	c := New(Options{Location: loc})
	now := time.Date(2024, 5, 1, 0, 30, 0, 0, time.UTC) // 07:30 local
	n, err := c.Next("0 8 * * *", now)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if want := time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC); !n.Equal(want) {
		t.Fatalf("Next = %v, want %v", n.UTC(), want)
	}
	p, err := c.Prev("0 8 * * *", now)
	if err != nil {
		t.Fatalf("Prev error: %v", err)
	}
	if want := time.Date(2024, 4, 30, 1, 0, 0, 0, time.UTC); !p.Equal(want) {
		t.Fatalf("Prev = %v, want %v", p.UTC(), want)
	}
	// An explicit zone prefix wins over the clock's location.
	n, err = c.Next("CRON_TZ=UTC 0 8 * * *", now)
	if err != nil {
		t.Fatalf("Next with prefix error: %v", err)
	}
	if want := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC); !n.Equal(want) {
		t.Fatalf("Next with prefix = %v, want %v", n.UTC(), want)
	}
}

func TestNextN(t *testing.T) {
	t.Parallel()
	c := utcClock(false)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := c.NextN("0 * * * *", start, 3)
	if err != nil {
		t.Fatalf("NextN error: %v", err)
	}
	if len(got) != 3 || !got[2].Equal(start.Add(3*time.Hour)) {
		t.Fatalf("NextN = %v", got)
	}
}
