// Package cronexpr parses and evaluates the five-field cron expressions
// used by the scheduler plugin to materialize recurring jobs (spec §4.2).
//
// github.com/robfig/cron/v3 validates expressions at registration time
// (see registry.Register) the same way the teacher validates at schedule
// creation, but its Schedule interface is Next()-oriented: it can compute
// the next fire time but can't report whether an arbitrary instant matches,
// nor expose the parsed field sets. The scheduler plugin samples membership
// once a minute rather than computing a next-fire time, and needs the
// classical day-of-month/day-of-week OR rule and alias resolution on top,
// so this package parses and evaluates independently. See DESIGN.md.
package cronexpr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Expression is a parsed five-field cron expression.
type Expression struct {
	minute  fieldSet
	hour    fieldSet
	day     fieldSet
	month   fieldSet
	weekday fieldSet

	domWildcard bool
	dowWildcard bool
}

type fieldSet [64]bool

var aliases = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
}

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var weekdayNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

type fieldSpec struct {
	name    string
	min, max int
	names   map[string]int
}

var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59, nil},
	{"hour", 0, 23, nil},
	{"day of month", 1, 31, nil},
	{"month", 1, 12, monthNames},
	{"day of week", 0, 6, weekdayNames},
}

// Parse parses a five-field expression or one of the supported @aliases.
// Field order is minute, hour, day-of-month, month, day-of-week.
func Parse(expr string) (*Expression, error) {
	expr = strings.TrimSpace(expr)
	if canonical, ok := aliases[strings.ToLower(expr)]; ok {
		expr = canonical
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cronexpr: expected 5 fields, got %d in %q", len(fields), expr)
	}

	e := &Expression{}
	var err error

	if e.minute, err = parseField(fields[0], fieldSpecs[0]); err != nil {
		return nil, err
	}
	if e.hour, err = parseField(fields[1], fieldSpecs[1]); err != nil {
		return nil, err
	}
	if e.day, err = parseField(fields[2], fieldSpecs[2]); err != nil {
		return nil, err
	}
	if e.month, err = parseField(fields[3], fieldSpecs[3]); err != nil {
		return nil, err
	}
	if e.weekday, err = parseField(fields[4], fieldSpecs[4]); err != nil {
		return nil, err
	}

	e.domWildcard = fields[2] == "*"
	e.dowWildcard = fields[4] == "*"

	return e, nil
}

func parseField(raw string, spec fieldSpec) (fieldSet, error) {
	var set fieldSet

	for _, atom := range strings.Split(raw, ",") {
		if atom == "" {
			return set, fmt.Errorf("cronexpr: empty atom in %s field %q", spec.name, raw)
		}

		rangePart, step, err := splitStep(atom)
		if err != nil {
			return set, fmt.Errorf("cronexpr: %s field %q: %w", spec.name, raw, err)
		}

		lo, hi := spec.min, spec.max
		switch {
		case rangePart == "*":
			// lo, hi already cover the full range
		case strings.Contains(rangePart, "-"):
			lo, hi, err = parseRange(rangePart, spec)
			if err != nil {
				return set, fmt.Errorf("cronexpr: %s field %q: %w", spec.name, raw, err)
			}
		default:
			v, err := parseAtomValue(rangePart, spec)
			if err != nil {
				return set, fmt.Errorf("cronexpr: %s field %q: %w", spec.name, raw, err)
			}
			lo, hi = v, v
			if step > 1 {
				hi = spec.max
			}
		}

		if lo < spec.min || hi > spec.max || lo > hi {
			return set, fmt.Errorf("cronexpr: %s field %q: value out of range [%d,%d]", spec.name, raw, spec.min, spec.max)
		}

		for v := lo; v <= hi; v += step {
			set[v] = true
		}
	}

	return set, nil
}

// splitStep splits "A-B/S" or "*/S" into its range part and step (default 1).
func splitStep(atom string) (string, int, error) {
	parts := strings.SplitN(atom, "/", 2)
	if len(parts) == 1 {
		return parts[0], 1, nil
	}
	step, err := strconv.Atoi(parts[1])
	if err != nil || step <= 0 {
		return "", 0, fmt.Errorf("invalid step %q", parts[1])
	}
	return parts[0], step, nil
}

func parseRange(s string, spec fieldSpec) (int, int, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range %q", s)
	}
	lo, err := parseAtomValue(parts[0], spec)
	if err != nil {
		return 0, 0, err
	}
	hi, err := parseAtomValue(parts[1], spec)
	if err != nil {
		return 0, 0, err
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("range %q is descending", s)
	}
	return lo, hi, nil
}

func parseAtomValue(s string, spec fieldSpec) (int, error) {
	if spec.names != nil {
		if v, ok := spec.names[strings.ToLower(s)]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return v, nil
}

// Matches reports whether t — already converted to the scheduler's
// configured timezone by the caller — falls on a minute this expression
// fires on. The day-of-month/day-of-week rule follows classical cron: if
// either field is a wildcard, only the other constrains; if both are
// restricted, either one matching is sufficient (an OR, not an AND).
func (e *Expression) Matches(t time.Time) bool {
	if !e.minute[t.Minute()] {
		return false
	}
	if !e.hour[t.Hour()] {
		return false
	}
	if !e.month[int(t.Month())] {
		return false
	}

	dayOK := e.day[t.Day()]
	weekdayOK := e.weekday[int(t.Weekday())]

	switch {
	case e.domWildcard && e.dowWildcard:
		return true
	case e.domWildcard:
		return weekdayOK
	case e.dowWildcard:
		return dayOK
	default:
		return dayOK || weekdayOK
	}
}

// Next returns the first minute-aligned instant strictly after from (in
// from's own location) that the expression matches. It searches at most
// four years of minutes before giving up, which only happens for
// contradictory expressions (e.g. Feb 30).
func (e *Expression) Next(from time.Time) (time.Time, error) {
	loc := from.Location()
	t := from.Truncate(time.Minute).Add(time.Minute)
	t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)

	const maxMinutes = 4 * 366 * 24 * 60
	for i := 0; i < maxMinutes; i++ {
		if e.Matches(t) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("cronexpr: no match within four years of %s", from)
}

// String renders the expression's canonical form: each field as an
// ascending comma list of the exact values it matches (or "*" when every
// value in range matches). Re-parsing this form always yields a set
// identical to the original, regardless of how the original was written
// (e.g. "*/15" and its canonical "0,15,30,45" match the same minutes).
func (e *Expression) String() string {
	return strings.Join([]string{
		renderField(e.minute[:], 0, 59),
		renderField(e.hour[:], 0, 23),
		renderField(e.day[:], 1, 31),
		renderField(e.month[:], 1, 12),
		renderField(e.weekday[:], 0, 6),
	}, " ")
}

func renderField(set []bool, min, max int) string {
	full := true
	var values []int
	for v := min; v <= max; v++ {
		if set[v] {
			values = append(values, v)
		} else {
			full = false
		}
	}
	if full {
		return "*"
	}
	sort.Ints(values)
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	if len(parts) == 0 {
		return "" // unreachable for a successfully-parsed expression
	}
	return strings.Join(parts, ",")
}
