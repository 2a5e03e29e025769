package schedule

import "time"

// Supported schedule frequencies.
const (
	FreqOnce     = "once"
	FreqDaily    = "daily"
	FreqWeekly   = "weekly"
	FreqWeekdays = "weekdays"
	FreqWeekends = "weekends"
)

// ValidFrequency reports whether f is a supported frequency.
func ValidFrequency(f string) bool {
	switch f {
	case FreqOnce, FreqDaily, FreqWeekly, FreqWeekdays, FreqWeekends:
		return true
	}
	return false
}

// NextTrigger computes when a schedule fires next, strictly after ref.
// Only the time of day (and for weekly, the weekday) of scheduledTime
// matters for recurring frequencies; all math is UTC. Returns nil when
// the schedule is disabled, the timestamp is unparseable, or a once
// schedule has already passed.
//
// Strictly-after matters: recomputing at the fire instant itself must
// land on the next occurrence, not the current one.
func NextTrigger(scheduledTime, frequency string, enabled bool, ref time.Time) *time.Time {
	if !enabled {
		return nil
	}
	st, err := time.Parse(time.RFC3339, scheduledTime)
	if err != nil {
		return nil
	}
	st = st.UTC()
	ref = ref.UTC()

	switch frequency {
	case FreqOnce:
		if st.After(ref) {
			return &st
		}
		return nil

	case FreqDaily:
		cand := atTimeOf(ref, st)
		if !cand.After(ref) {
			cand = cand.AddDate(0, 0, 1)
		}
		return &cand

	case FreqWeekly:
		delta := (int(st.Weekday()) - int(ref.Weekday()) + 7) % 7
		cand := atTimeOf(ref.AddDate(0, 0, delta), st)
		if !cand.After(ref) {
			cand = cand.AddDate(0, 0, 7)
		}
		return &cand

	case FreqWeekdays:
		return nextMatching(st, ref, func(d time.Weekday) bool {
			return d >= time.Monday && d <= time.Friday
		})

	case FreqWeekends:
		return nextMatching(st, ref, func(d time.Weekday) bool {
			return d == time.Saturday || d == time.Sunday
		})
	}
	return nil
}

// nextMatching walks day by day from ref's date and returns the first
// candidate at st's time of day whose weekday passes the filter and that
// lies strictly after ref.
func nextMatching(st, ref time.Time, match func(time.Weekday) bool) *time.Time {
	for i := 0; i < 8; i++ {
		cand := atTimeOf(ref.AddDate(0, 0, i), st)
		if match(cand.Weekday()) && cand.After(ref) {
			return &cand
		}
	}
	return nil
}

// atTimeOf returns day's date at st's UTC time of day.
func atTimeOf(day, st time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), st.Hour(), st.Minute(), st.Second(), 0, time.UTC)
}
