package ics

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"
)

// Kind tags a parsed Schedule.
type Kind int

const (
	// KindOneOff: no RRULE and no RDATE. Fires at most once.
	KindOneOff Kind = iota
	// KindRecurring: RRULE and/or RDATE present.
	KindRecurring
)

func (k Kind) String() string {
	switch k {
	case KindOneOff:
		return "one-off"
	case KindRecurring:
		return "recurring"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Schedule is the normalized form of a VEVENT schedule fragment.
//
// Start, Additions and Exclusions are UTC instants. Rule, when present, is
// seeded with the start in its original TZID location so that wall-clock
// recurrences keep their local time across DST changes.
type Schedule struct {
	Kind Kind

	Start   time.Time
	StartTZ string
	AllDay  bool

	Rule     *rrule.RRule
	RawRRule string

	Additions  []time.Time // RDATE, sorted ascending
	Exclusions []time.Time // EXDATE
}

// OneOff reports whether the schedule can fire at most once.
func (s Schedule) OneOff() bool { return s.Kind == KindOneOff }

// ErrNoStart is returned by ParseSchedule when the VEVENT has no DTSTART.
var ErrNoStart = errors.New("ics: schedule has no DTSTART")

// ParseError describes a fragment that could not be turned into a Schedule.
type ParseError struct {
	Property string // offending property, empty for structural errors
	Value    string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Property == "" {
		return "ics: invalid schedule: " + e.Err.Error()
	}
	return fmt.Sprintf("ics: invalid %s %q: %v", e.Property, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// HasStructure reports whether the fragment carries the literal markers a
// schedule needs: BEGIN:VEVENT, END:VEVENT and DTSTART.
func HasStructure(fragment string) bool {
	return strings.Contains(fragment, "BEGIN:VEVENT") &&
		strings.Contains(fragment, "END:VEVENT") &&
		strings.Contains(fragment, "DTSTART")
}

const calendarEnvelope = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//taskcal//schedule//EN\r\n"

// ParseSchedule parses a single VEVENT block (optionally already wrapped in
// a VCALENDAR) into a Schedule.
//
//   - Exactly one VEVENT is accepted.
//   - DTSTART is required; its absence yields ErrNoStart.
//   - RRULE, RDATE and EXDATE are optional. RDATE/EXDATE may repeat and may
//     hold comma separated lists.
//   - Any other failure yields a *ParseError.
func ParseSchedule(fragment string) (Schedule, error) {
	body := strings.TrimSpace(fragment)
	if body == "" {
		return Schedule{}, &ParseError{Err: errors.New("empty schedule")}
	}
	if !strings.Contains(strings.ToUpper(body), "BEGIN:VCALENDAR") {
		body = calendarEnvelope + body + "\r\nEND:VCALENDAR\r\n"
	}

	cal, err := ical.ParseCalendar(strings.NewReader(body))
	if err != nil {
		return Schedule{}, &ParseError{Err: err}
	}

	events := cal.Events()
	switch len(events) {
	case 0:
		return Schedule{}, &ParseError{Err: errors.New("no VEVENT block")}
	case 1:
	default:
		return Schedule{}, &ParseError{Err: fmt.Errorf("expected one VEVENT, got %d", len(events))}
	}

	return parseVEvent(events[0])
}

func parseVEvent(ve *ical.VEvent) (Schedule, error) {
	var out Schedule

	dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStartProp == nil || strings.TrimSpace(dtStartProp.Value) == "" {
		return out, ErrNoStart
	}
	start, allDay, err := parsePropertyTime(dtStartProp.Value, dtStartProp.ICalParameters)
	if err != nil {
		return out, &ParseError{Property: "DTSTART", Value: dtStartProp.Value, Err: err}
	}
	out.Start = start.UTC()
	out.AllDay = allDay
	out.StartTZ = firstParam(dtStartProp.ICalParameters, "TZID")

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil && strings.TrimSpace(rruleProp.Value) != "" {
		out.RawRRule = strings.TrimSpace(rruleProp.Value)
		rule, err := buildRule(out.RawRRule, start)
		if err != nil {
			return out, &ParseError{Property: "RRULE", Value: out.RawRRule, Err: err}
		}
		out.Rule = rule
	}

	for _, p := range ve.GetProperties("RDATE") {
		ts, err := parseTimeList(p.Value, p.ICalParameters)
		if err != nil {
			return out, &ParseError{Property: "RDATE", Value: p.Value, Err: err}
		}
		out.Additions = append(out.Additions, ts...)
	}
	sort.Slice(out.Additions, func(i, j int) bool { return out.Additions[i].Before(out.Additions[j]) })

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		ts, err := parseTimeList(p.Value, p.ICalParameters)
		if err != nil {
			return out, &ParseError{Property: "EXDATE", Value: p.Value, Err: err}
		}
		out.Exclusions = append(out.Exclusions, ts...)
	}

	if out.Rule == nil && len(out.Additions) == 0 {
		out.Kind = KindOneOff
	} else {
		out.Kind = KindRecurring
	}
	return out, nil
}

// buildRule turns an RRULE value into a rule anchored at dtstart.
func buildRule(raw string, dtstart time.Time) (*rrule.RRule, error) {
	value := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(raw)), "RRULE:")
	opt, err := rrule.StrToROptionInLocation(value, dtstart.Location())
	if err != nil {
		return nil, err
	}
	opt.Dtstart = dtstart
	return rrule.NewRRule(*opt)
}

// parsePropertyTime resolves a DATE or DATE-TIME value using the property's
// TZID and VALUE parameters. Floating times are taken as UTC.
func parsePropertyTime(v string, params map[string][]string) (time.Time, bool, error) {
	loc, err := paramLocation(params)
	if err != nil {
		return time.Time{}, false, err
	}
	return parseICSTime(v, loc, strings.EqualFold(firstParam(params, "VALUE"), "DATE"))
}

// parseTimeList parses a comma separated RDATE/EXDATE value. PERIOD values
// contribute their start instant.
func parseTimeList(v string, params map[string][]string) ([]time.Time, error) {
	loc, err := paramLocation(params)
	if err != nil {
		return nil, err
	}
	dateOnly := strings.EqualFold(firstParam(params, "VALUE"), "DATE")

	var out []time.Time
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '/'); i >= 0 {
			part = part[:i]
		}
		t, _, err := parseICSTime(part, loc, dateOnly)
		if err != nil {
			return nil, err
		}
		out = append(out, t.UTC())
	}
	return out, nil
}

// parseICSTime parses a basic ICS date/date-time string into time.Time and
// reports whether it was a date-only (all-day) value.
func parseICSTime(v string, loc *time.Location, dateOnly bool) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") && !dateOnly {
		t, err := time.ParseInLocation("20060102T150405", v, loc)
		return t, false, err
	}

	// Date-only (all-day), e.g., 20250101
	t, err := time.ParseInLocation("20060102", v, loc)
	return t, true, err
}

func paramLocation(params map[string][]string) (*time.Location, error) {
	tz := strings.Trim(firstParam(params, "TZID"), `"`)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown TZID %q: %w", tz, err)
	}
	return loc, nil
}

func firstParam(params map[string][]string, key string) string {
	if params == nil {
		return ""
	}
	if vs, ok := params[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}
