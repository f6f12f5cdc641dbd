// Package market provides pure session-state and expiry resolution for the
// CME Globex trading calendar.
package market

import (
	"fmt"
	"time"
)

// SessionState describes whether the Globex session is tradable right now.
type SessionState string

const (
	// SessionOpen means the market is open for trading.
	SessionOpen SessionState = "open"
	// SessionMaintenance is the daily 17:00-18:00 ET maintenance break.
	SessionMaintenance SessionState = "maintenance"
	// SessionWeekendClosed covers Friday 17:00 ET through Sunday 18:00 ET.
	SessionWeekendClosed SessionState = "weekend_closed"
)

// Clock resolves session state and contract expiries in the exchange
// timezone. The zero value is not usable; construct with NewClock.
type Clock struct {
	loc *time.Location
}

// NewClock loads the exchange timezone, falling back to a fixed ET offset
// for minimal containers without tzdata.
func NewClock() *Clock {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("ET", -5*60*60)
	}
	return &Clock{loc: loc}
}

// Now returns the current time in the exchange timezone.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.loc)
}

// Session returns the session state at time t.
func (c *Clock) Session(t time.Time) SessionState {
	now := t.In(c.loc)
	wd := now.Weekday()
	hm := now.Hour()*60 + now.Minute()

	const (
		close17 = 17 * 60
		open18  = 18 * 60
	)

	switch {
	case wd == time.Saturday:
		return SessionWeekendClosed
	case wd == time.Sunday && hm < open18:
		return SessionWeekendClosed
	case wd == time.Friday && hm >= close17:
		return SessionWeekendClosed
	case hm >= close17 && hm < open18:
		return SessionMaintenance
	default:
		return SessionOpen
	}
}

// IsOpen reports whether the session is open at time t.
func (c *Clock) IsOpen(t time.Time) bool {
	return c.Session(t) == SessionOpen
}

// NextOpen returns the next instant the session reopens at or after t.
// If the market is already open, t itself is returned.
func (c *Clock) NextOpen(t time.Time) time.Time {
	now := t.In(c.loc)
	wd := now.Weekday()
	hm := now.Hour()*60 + now.Minute()

	at1800 := func(d time.Time) time.Time {
		return time.Date(d.Year(), d.Month(), d.Day(), 18, 0, 0, 0, c.loc)
	}

	switch {
	case (wd == time.Friday && hm >= 17*60) || wd == time.Saturday:
		daysAhead := (int(time.Sunday) - int(wd) + 7) % 7
		return at1800(now.AddDate(0, 0, daysAhead))
	case wd == time.Sunday && hm < 18*60:
		return at1800(now)
	case hm >= 17*60 && hm < 18*60:
		return at1800(now)
	default:
		return now
	}
}

// InFlattenWindow reports whether t falls in the Friday 16:50-17:00 ET
// pre-weekend window. The end-of-week auto-flatten fires only here.
func (c *Clock) InFlattenWindow(t time.Time) bool {
	now := t.In(c.loc)
	if now.Weekday() != time.Friday {
		return false
	}
	hm := now.Hour()*60 + now.Minute()
	return hm >= 16*60+50 && hm < 17*60
}

// OptionExpiry resolves the option expiry date (YYYYMMDD) to trade at time t.
// Before the 16:00 ET cutoff today's expiry is used, otherwise the next
// business day. After 08:00 ET on Monday-Thursday the tradable expiry moves
// to the next business day to avoid selling a contract about to expire.
func (c *Clock) OptionExpiry(t time.Time) string {
	now := t.In(c.loc)

	if now.Hour() >= 8 && now.Weekday() >= time.Monday && now.Weekday() <= time.Thursday {
		return formatDay(nextBusinessDay(now))
	}

	if now.Hour() < 16 {
		return formatDay(now)
	}
	return formatDay(nextBusinessDay(now))
}

// FutureMonth resolves the futures contract month (YYYYMM) paired with the
// option expiry at time t.
func (c *Clock) FutureMonth(t time.Time) string {
	now := t.In(c.loc)
	d := now
	if now.Hour() >= 16 {
		d = nextBusinessDay(now)
	}
	return fmt.Sprintf("%04d%02d", d.Year(), int(d.Month()))
}

// Until returns hours and minutes from t until target, floored at zero.
func Until(t, target time.Time) (hours, minutes int) {
	d := target.Sub(t)
	if d < 0 {
		return 0, 0
	}
	total := int(d.Minutes())
	return total / 60, total % 60
}

func nextBusinessDay(t time.Time) time.Time {
	d := t.AddDate(0, 0, 1)
	switch d.Weekday() {
	case time.Saturday:
		d = d.AddDate(0, 0, 2)
	case time.Sunday:
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func formatDay(t time.Time) string {
	return fmt.Sprintf("%04d%02d%02d", t.Year(), int(t.Month()), t.Day())
}

// ISOWeekKey formats t's ISO week as "YYYY-Www", the roll counter key.
func ISOWeekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// DateKey formats t's date as "YYYY-MM-DD", the daily roll counter key.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
