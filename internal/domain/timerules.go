package domain

import "time"

// CancellationWindow is how far ahead of its start an appointment must be
// cancelled.
const CancellationWindow = 2 * time.Hour

// TruncateToHour zeroes the sub-hour components of t in t's own location.
func TruncateToHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

// SlotStart is the hour of t as seen in loc. Zones with a sub-hour offset get
// slots that start off the UTC hour.
func SlotStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return TruncateToHour(t.In(loc))
}

func IsPast(t, now time.Time) bool {
	return t.Before(now)
}

func CancellationDeadline(t time.Time) time.Time {
	return t.Add(-CancellationWindow)
}

// IsCancelable is false from the deadline onwards; the deadline instant itself
// is already too late.
func IsCancelable(t, now time.Time) bool {
	return now.Before(CancellationDeadline(t))
}

func StartOfDay(day time.Time, loc *time.Location) time.Time {
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
}

func EndOfDay(day time.Time, loc *time.Location) time.Time {
	return StartOfDay(day, loc).AddDate(0, 0, 1).Add(-time.Nanosecond)
}
