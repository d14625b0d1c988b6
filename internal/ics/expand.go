package ics

import (
	"time"

	"github.com/teambition/rrule-go"
)

// MaxOccurrences caps Upcoming so that previews of dense rules stay small.
const MaxOccurrences = 500

// Upcoming expands the schedule into at most n occurrences at or after
// from, in ascending order and in UTC. EXDATEs are removed; DTSTART counts
// as an occurrence only when the schedule has no RRULE.
//
// Unlike Resolver.Next it applies no catch-up or grace window, so it is
// meant for previews rather than due detection.
func Upcoming(s Schedule, from time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	if n > MaxOccurrences {
		n = MaxOccurrences
	}

	// Build a set so we can apply RDATE and EXDATE together.
	var set rrule.Set
	if s.Rule != nil {
		set.RRule(s.Rule)
	} else {
		set.RDate(s.Start)
	}
	for _, a := range s.Additions {
		set.RDate(a)
	}

	out := make([]time.Time, 0, n)
	cursor, inc := from, true
	for hops := 0; len(out) < n && hops < n+maxExclusionHops; hops++ {
		next := set.After(cursor, inc)
		if next.IsZero() {
			break
		}
		cursor, inc = next, false
		// Second-granularity exclusion, matching Resolver.
		if s.excluded(next) {
			continue
		}
		out = append(out, next.UTC())
	}
	return out
}
