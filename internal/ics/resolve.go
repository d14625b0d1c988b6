package ics

import (
	"errors"
	"time"

	appLog "taskcal/internal/log"
)

const (
	// DefaultCatchUpWindow is how late a one-off task may still fire.
	DefaultCatchUpWindow = 5 * time.Minute

	// maxExclusionHops bounds the re-query loop for consecutive EXDATEs.
	maxExclusionHops = 1000
)

// Resolver computes next firing instants for parsed schedules. It is a pure
// value type; the same inputs always produce the same output.
type Resolver struct {
	// CatchUp (W) is how far in the past a schedule without RRULE may
	// still produce a candidate.
	CatchUp time.Duration
	// Grace (G) is how far in the past an RRULE occurrence is still
	// treated as "next". Normally twice the poll interval.
	Grace time.Duration
}

// NewResolver returns a Resolver with the given windows. A non-positive
// catch-up window falls back to DefaultCatchUpWindow.
func NewResolver(catchUp, grace time.Duration) Resolver {
	if catchUp <= 0 {
		catchUp = DefaultCatchUpWindow
	}
	if grace < 0 {
		grace = 0
	}
	return Resolver{CatchUp: catchUp, Grace: grace}
}

// Next returns the schedule's next occurrence relative to now, or false if
// there is none (expired one-off, exhausted rule, excluded sole instant).
//
//   - Without RRULE the candidate is DTSTART if DTSTART >= now-CatchUp.
//   - With RRULE the candidate is the first rule instant at or after
//     now-Grace.
//   - An RDATE at or after the same floor that is earlier than the
//     candidate replaces it.
//   - A candidate equal (to the second) to an EXDATE is dropped. With
//     RRULE the rule is re-queried strictly after it, and RDATEs between
//     the excluded instant and the new rule instant may take its place.
//     Without RRULE the result is none.
func (r Resolver) Next(s Schedule, now time.Time) (time.Time, bool) {
	now = now.UTC()

	var (
		floor time.Time
		cand  time.Time
		ok    bool
	)
	if s.Rule == nil {
		floor = now.Add(-r.CatchUp)
		if !s.Start.Before(floor) {
			cand, ok = s.Start, true
		}
	} else {
		floor = now.Add(-r.Grace)
		cand, ok = ruleAfter(s, floor, true)
	}

	cand, ok = earliestAddition(s.Additions, floor, true, cand, ok)

	for hop := 0; ok && s.excluded(cand); hop++ {
		if s.Rule == nil || hop >= maxExclusionHops {
			return time.Time{}, false
		}
		excl := cand
		cand, ok = ruleAfter(s, excl, false)
		cand, ok = earliestAddition(s.Additions, excl, false, cand, ok)
	}

	if !ok {
		return time.Time{}, false
	}
	return cand.UTC(), true
}

// NextAfter returns the first non-excluded occurrence strictly after the
// given instant, ignoring the catch-up and grace windows.
func (r Resolver) NextAfter(s Schedule, after time.Time) (time.Time, bool) {
	after = after.UTC()

	var (
		cand time.Time
		ok   bool
	)
	if s.Rule != nil {
		cand, ok = ruleAfter(s, after, false)
	} else if s.Start.After(after) {
		cand, ok = s.Start, true
	}
	cand, ok = earliestAddition(s.Additions, after, false, cand, ok)

	for hop := 0; ok && s.excluded(cand); hop++ {
		if hop >= maxExclusionHops {
			return time.Time{}, false
		}
		excl := cand
		cand, ok = ruleAfter(s, excl, false)
		cand, ok = earliestAddition(s.Additions, excl, false, cand, ok)
	}

	if !ok {
		return time.Time{}, false
	}
	return cand.UTC(), true
}

// NextOccurrence parses the fragment and resolves it against now. Parse
// failures are logged and reported as "no occurrence"; it never returns an
// error to the caller.
func (r Resolver) NextOccurrence(fragment string, now time.Time) (time.Time, bool) {
	s, err := ParseSchedule(fragment)
	if err != nil {
		if errors.Is(err, ErrNoStart) {
			appLog.Warn("schedule has no DTSTART", "fragment", snippet(fragment))
		} else {
			appLog.Error("schedule parse failed", err, "fragment", snippet(fragment))
		}
		return time.Time{}, false
	}
	return r.Next(s, now)
}

// ruleAfter queries the rule and reports false when there is no rule or the
// rule is exhausted.
func ruleAfter(s Schedule, t time.Time, inc bool) (time.Time, bool) {
	if s.Rule == nil {
		return time.Time{}, false
	}
	next := s.Rule.After(t, inc)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next.UTC(), true
}

// earliestAddition lets an RDATE at or after (inclusive) / strictly after
// (exclusive) the bound pre-empt the current candidate when it is earlier.
func earliestAddition(adds []time.Time, bound time.Time, inclusive bool, cand time.Time, ok bool) (time.Time, bool) {
	for _, a := range adds {
		if a.Before(bound) || (!inclusive && a.Equal(bound)) {
			continue
		}
		if !ok || a.Before(cand) {
			cand, ok = a, true
		}
	}
	return cand, ok
}

// excluded compares at whole-second granularity.
func (s Schedule) excluded(t time.Time) bool {
	ts := t.Truncate(time.Second)
	for _, x := range s.Exclusions {
		if x.Truncate(time.Second).Equal(ts) {
			return true
		}
	}
	return false
}

func snippet(fragment string) string {
	const max = 80
	if len(fragment) <= max {
		return fragment
	}
	return fragment[:max] + "..."
}
