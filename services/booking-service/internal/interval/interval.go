package interval

import "time"

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// ComputeEnd returns start plus the service duration. A zero duration yields a
// zero-length interval (end == start). Negative durations are a caller error
// and must be rejected before this point; the function does not validate.
//
// This runs identically on the booking form (instant feedback) and in the
// conflict guard (final authority), so it must stay free of side effects.
func ComputeEnd(start time.Time, durationMinutes int) time.Time {
	return start.Add(time.Duration(durationMinutes) * time.Minute)
}

// Overlaps reports whether [startA, endA) and [startB, endB) intersect.
// Back-to-back intervals (endA == startB) do not overlap; identical intervals
// do. A zero-length interval strictly inside another counts as overlapping,
// while one sitting exactly on the other's start does not — that boundary
// behavior is load-bearing for existing bookings and must not change without
// a product decision.
func Overlaps(startA, endA, startB, endB time.Time) bool {
	return startA.Before(endB) && startB.Before(endA)
}

// OverlapsAny reports whether [start, end) intersects any busy interval.
func OverlapsAny(start, end time.Time, busy []Interval) bool {
	for _, b := range busy {
		if Overlaps(start, end, b.Start, b.End) {
			return true
		}
	}
	return false
}

// AvailableSlots returns candidate start times within [windowStart, windowEnd)
// where a booking of the given duration would not overlap any busy interval.
// Starts before now are skipped. The result is advisory only: the conflict
// guard re-checks under row locks before anything is written.
func AvailableSlots(windowStart, windowEnd time.Time, duration, step time.Duration, busy []Interval, now time.Time) []time.Time {
	if duration <= 0 || step <= 0 {
		return nil
	}
	if !windowEnd.After(windowStart) {
		return nil
	}
	if windowStart.Add(duration).After(windowEnd) {
		return nil
	}

	var slots []time.Time
	for t := windowStart; !t.Add(duration).After(windowEnd); t = t.Add(step) {
		if t.Before(now) {
			continue
		}
		if !OverlapsAny(t, t.Add(duration), busy) {
			slots = append(slots, t)
		}
	}
	return slots
}
