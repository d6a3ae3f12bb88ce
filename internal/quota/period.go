package quota

import "time"

// MonthStart returns the first instant (UTC) of the calendar month containing t.
// New counters are anchored here so concurrent creators agree on the period.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextPeriod returns start plus one calendar month. Days past the end of the
// target month clamp to its last day (Jan 31 -> Feb 28).
func NextPeriod(start time.Time) time.Time {
	y, m, d := start.Date()
	hh, mm, ss := start.Clock()
	last := time.Date(y, m+2, 0, 0, 0, 0, 0, start.Location()).Day()
	if d > last {
		d = last
	}
	return time.Date(y, m+1, d, hh, mm, ss, start.Nanosecond(), start.Location())
}

// Expired reports whether at least one calendar month has elapsed since start.
func Expired(start, now time.Time) bool {
	return !now.Before(NextPeriod(start))
}

// Current rolls start forward by whole months until now falls inside the period.
func Current(start, now time.Time) time.Time {
	for Expired(start, now) {
		start = NextPeriod(start)
	}
	return start
}
