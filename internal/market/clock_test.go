package market

import (
	"testing"
	"time"
)

func etTime(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("loading timezone: %v", err)
	}
	parsed, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	if err != nil {
		t.Fatalf("parsing %q: %v", value, err)
	}
	return parsed
}

func TestSession(t *testing.T) {
	c := NewClock()

	tests := []struct {
		name string
		at   string // ET, Mon 2026-08-24 week
		want SessionState
	}{
		{"weekday morning", "2026-08-25 09:30", SessionOpen},
		{"weekday overnight", "2026-08-25 03:00", SessionOpen},
		{"maintenance break start", "2026-08-25 17:00", SessionMaintenance},
		{"maintenance break end", "2026-08-25 17:59", SessionMaintenance},
		{"reopen at 18:00", "2026-08-25 18:00", SessionOpen},
		{"friday before close", "2026-08-28 16:59", SessionOpen},
		{"friday close", "2026-08-28 17:00", SessionWeekendClosed},
		{"saturday", "2026-08-29 12:00", SessionWeekendClosed},
		{"sunday before open", "2026-08-30 17:59", SessionWeekendClosed},
		{"sunday open", "2026-08-30 18:00", SessionOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Session(etTime(t, tt.at)); got != tt.want {
				t.Errorf("Session(%s) = %s, want %s", tt.at, got, tt.want)
			}
		})
	}
}

func TestNextOpen(t *testing.T) {
	c := NewClock()

	tests := []struct {
		name string
		at   string
		want string
	}{
		{"friday evening waits for sunday", "2026-08-28 19:00", "2026-08-30 18:00"},
		{"saturday waits for sunday", "2026-08-29 12:00", "2026-08-30 18:00"},
		{"sunday afternoon waits for 18:00", "2026-08-30 15:00", "2026-08-30 18:00"},
		{"maintenance waits for 18:00", "2026-08-25 17:30", "2026-08-25 18:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.NextOpen(etTime(t, tt.at))
			want := etTime(t, tt.want)
			if !got.Equal(want) {
				t.Errorf("NextOpen(%s) = %s, want %s", tt.at, got, want)
			}
		})
	}

	// Already open: returns the input instant.
	open := etTime(t, "2026-08-25 10:00")
	if !c.NextOpen(open).Equal(open) {
		t.Errorf("NextOpen while open should return the input time")
	}
}

func TestInFlattenWindow(t *testing.T) {
	c := NewClock()

	tests := []struct {
		at   string
		want bool
	}{
		{"2026-08-28 16:49", false},
		{"2026-08-28 16:50", true},
		{"2026-08-28 16:59", true},
		{"2026-08-28 17:00", false},
		{"2026-08-27 16:55", false}, // Thursday
	}

	for _, tt := range tests {
		if got := c.InFlattenWindow(etTime(t, tt.at)); got != tt.want {
			t.Errorf("InFlattenWindow(%s) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestOptionExpiry(t *testing.T) {
	c := NewClock()

	tests := []struct {
		name string
		at   string
		want string
	}{
		// Tuesday 09:00: past the 08:00 cutoff, trade Wednesday's expiry.
		{"weekday after cutoff", "2026-08-25 09:00", "20260826"},
		// Tuesday 03:00: overnight session still trades today's expiry.
		{"weekday before cutoff", "2026-08-25 03:00", "20260825"},
		// Thursday after cutoff rolls to Friday.
		{"thursday after cutoff", "2026-08-27 10:00", "20260828"},
		// Friday morning keeps Friday's expiry; the cutoff rule is Mon-Thu.
		{"friday morning", "2026-08-28 10:00", "20260828"},
		// Friday evening (post 16:00, pre close) rolls over the weekend.
		{"friday evening", "2026-08-28 16:30", "20260831"},
		// Sunday evening: next business day is Monday.
		{"sunday evening", "2026-08-30 19:00", "20260831"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.OptionExpiry(etTime(t, tt.at)); got != tt.want {
				t.Errorf("OptionExpiry(%s) = %s, want %s", tt.at, got, tt.want)
			}
		})
	}
}

func TestCounterKeys(t *testing.T) {
	at := etTime(t, "2026-08-25 10:00")
	if got := DateKey(at); got != "2026-08-25" {
		t.Errorf("DateKey = %s", got)
	}
	if got := ISOWeekKey(at); got != "2026-W35" {
		t.Errorf("ISOWeekKey = %s", got)
	}

	// ISO week years differ from calendar years at the boundary.
	newYear := etTime(t, "2027-01-01 10:00")
	if got := ISOWeekKey(newYear); got != "2026-W53" {
		t.Errorf("ISOWeekKey at year boundary = %s", got)
	}
}

func TestUntil(t *testing.T) {
	from := etTime(t, "2026-08-28 19:00")
	target := etTime(t, "2026-08-30 18:00")
	h, m := Until(from, target)
	if h != 47 || m != 0 {
		t.Errorf("Until = %dh%dm, want 47h0m", h, m)
	}

	h, m = Until(target, from)
	if h != 0 || m != 0 {
		t.Errorf("Until past target = %dh%dm, want 0h0m", h, m)
	}
}
