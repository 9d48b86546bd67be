// Package timeutil holds the calendar and window arithmetic shared by the
// importer and the leaderboard scheduler. All functions operate in UTC.
package timeutil

import "time"

// RFC3339Millis is RFC3339 with exactly three fractional digits and a Z suffix
const RFC3339Millis = "2006-01-02T15:04:05.000Z07:00"

// Epoch is the period date used for all-time leaderboards
var Epoch = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

// FormatRFC3339Millis formats t in UTC with millisecond precision
func FormatRFC3339Millis(t time.Time) string {
	return t.UTC().Format(RFC3339Millis)
}

// SplitMidpoint returns the instant halfway between start and end.
// ok is false when the window is empty or too small to have a midpoint
// strictly inside it.
func SplitMidpoint(start, end time.Time) (mid time.Time, ok bool) {
	if !end.After(start) {
		return time.Time{}, false
	}

	half := end.Sub(start) / 2
	if half <= 0 {
		return time.Time{}, false
	}

	mid = start.Add(half)
	if !mid.After(start) || !mid.Before(end) {
		return time.Time{}, false
	}
	return mid, true
}

// MonthWindow returns the import window ending at periodEnd.
// monthStart is the first instant of the month containing the last
// nanosecond before periodEnd; rangeStart is monthStart clamped to cutoff.
func MonthWindow(periodEnd, cutoff time.Time) (rangeStart, monthStart time.Time) {
	adjusted := periodEnd.UTC().Add(-time.Nanosecond)
	monthStart = time.Date(adjusted.Year(), adjusted.Month(), 1, 0, 0, 0, 0, time.UTC)

	if monthStart.After(cutoff) {
		return monthStart, monthStart
	}
	return cutoff, monthStart
}

// StartOfDay truncates t to midnight UTC
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// WeekStart returns midnight UTC of the Monday on or before t
func WeekStart(t time.Time) time.Time {
	day := StartOfDay(t)
	sinceMonday := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -sinceMonday)
}

// NextFiveMinuteBoundary returns the next multiple of five minutes since
// midnight strictly after now, rolling into the next day past 24:00.
func NextFiveMinuteBoundary(now time.Time) time.Time {
	const step = 300
	day := StartOfDay(now)
	secs := int64(now.UTC().Sub(day) / time.Second)

	next := (secs/step + 1) * step
	if next >= 86400 {
		return day.AddDate(0, 0, 1)
	}
	return day.Add(time.Duration(next) * time.Second)
}

// NextTopOfHour returns now plus one hour, truncated to the hour
func NextTopOfHour(now time.Time) time.Time {
	return now.UTC().Add(time.Hour).Truncate(time.Hour)
}

// NextMidnight returns the start of the next UTC calendar day
func NextMidnight(now time.Time) time.Time {
	return StartOfDay(now).AddDate(0, 0, 1)
}

// Advance steps fireTime forward by whole multiples of step until the
// result is strictly after now. Missed intervals are skipped.
func Advance(fireTime time.Time, step time.Duration, now time.Time) time.Time {
	if step <= 0 {
		panic("timeutil: non-positive step")
	}

	next := fireTime.Add(step)
	if next.After(now) {
		return next
	}

	// Skip whole missed intervals at once.
	missed := now.Sub(next) / step
	next = next.Add(missed * step)
	for !next.After(now) {
		next = next.Add(step)
	}
	return next
}
