// Package timeutil provides civil-date arithmetic for timezone-correct day
// boundary decisions.
//
// All "has the day rolled over" logic in LingoPipe goes through this package.
// Comparisons are made on the calendar date observed in a specific timezone,
// never on elapsed durations, so DST transitions and leap years need no
// special handling.
package timeutil

import (
	"log/slog"
	"time"
)

// CivilDate is a calendar date (year, month, day) as observed in some timezone.
type CivilDate struct {
	Year  int
	Month time.Month
	Day   int
}

// CivilDateOf returns the civil date of instant t as observed in loc.
func CivilDateOf(t time.Time, loc *time.Location) CivilDate {
	local := t.In(loc)
	y, m, d := local.Date()
	return CivilDate{Year: y, Month: m, Day: d}
}

// String renders the civil date in ISO form (YYYY-MM-DD).
func (c CivilDate) String() string {
	return time.Date(c.Year, c.Month, c.Day, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}

// Before reports whether c is strictly earlier than other.
func (c CivilDate) Before(other CivilDate) bool {
	if c.Year != other.Year {
		return c.Year < other.Year
	}
	if c.Month != other.Month {
		return c.Month < other.Month
	}
	return c.Day < other.Day
}

// SameCivilDay reports whether a and b fall on the same calendar date in loc.
func SameCivilDay(a, b time.Time, loc *time.Location) bool {
	return CivilDateOf(a, loc) == CivilDateOf(b, loc)
}

// DaysBetween returns the number of whole civil days from a to b in loc.
// It counts calendar-date steps, not 24-hour periods, so a DST transition
// between a and b does not change the result.
func DaysBetween(a, b time.Time, loc *time.Location) int {
	ca := CivilDateOf(a, loc)
	cb := CivilDateOf(b, loc)
	// Midnights in UTC of each civil date give an exact whole-day difference.
	ua := time.Date(ca.Year, ca.Month, ca.Day, 0, 0, 0, 0, time.UTC)
	ub := time.Date(cb.Year, cb.Month, cb.Day, 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}

// StartOfCivilDay returns the instant at which t's civil date began in loc.
// On DST-gap days this is whatever time.Date resolves local midnight to.
func StartOfCivilDay(t time.Time, loc *time.Location) time.Time {
	c := CivilDateOf(t, loc)
	return time.Date(c.Year, c.Month, c.Day, 0, 0, 0, 0, loc)
}

// LoadLocation resolves a subscriber timezone name, falling back to fallback
// when the name is empty or invalid. The returned location must be used for
// every date computation within a single evaluation; callers resolve once and
// pass the result around rather than re-resolving mid-calculation.
func LoadLocation(name string, fallback *time.Location) *time.Location {
	if name == "" {
		return fallback
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("timeutil: invalid timezone, using fallback", "timezone", name, "fallback", fallback.String())
		return fallback
	}
	return loc
}
