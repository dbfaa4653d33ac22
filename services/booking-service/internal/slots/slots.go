// Package slots holds the pure time arithmetic behind the booking
// engine: quantizing instants to the slot grid, folding busy intervals
// into a minimal timeline, and scanning that timeline for the first
// free slot.
package slots

import (
	"sort"
	"time"
)

// Interval is a half-open busy span [Start, End) in absolute time.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Normalize rounds t up to the next multiple of granularity measured
// from the Unix epoch. An instant already on the grid is returned
// unchanged. The computation runs on Unix milliseconds, so the result
// is the same absolute instant regardless of the zone t carries.
func Normalize(t time.Time, granularity time.Duration) time.Time {
	if granularity <= 0 {
		return t
	}
	step := granularity.Milliseconds()
	ms := t.UnixMilli()
	rem := ms % step
	if rem < 0 {
		rem += step
	}
	if rem != 0 {
		ms += step - rem
	}
	return time.UnixMilli(ms).In(t.Location())
}

// Merge sorts intervals by start and coalesces every overlapping or
// touching pair. Intervals without positive duration are dropped. The
// result is minimal: no two entries overlap or touch.
func Merge(intervals []Interval) []Interval {
	cleaned := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		if iv.End.After(iv.Start) {
			cleaned = append(cleaned, iv)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}

	sort.Slice(cleaned, func(i, j int) bool {
		return cleaned[i].Start.Before(cleaned[j].Start)
	})

	merged := []Interval{cleaned[0]}
	for _, iv := range cleaned[1:] {
		last := &merged[len(merged)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// FindFirstFree returns the earliest grid-aligned instant at or after
// from such that [instant, instant+granularity) does not overlap any
// busy interval. busy must be merged (sorted, non-overlapping); handing
// it anything else voids the guarantee.
//
// The scan is greedy first-fit: a gap shorter than granularity before a
// busy interval is skipped, never split.
func FindFirstFree(from time.Time, granularity time.Duration, busy []Interval) time.Time {
	t := Normalize(from, granularity)
	for _, b := range busy {
		if !t.Add(granularity).After(b.Start) {
			// The slot fits entirely before this busy interval.
			return t
		}
		if t.Before(b.End) {
			t = Normalize(b.End, granularity)
		}
	}
	return t
}
