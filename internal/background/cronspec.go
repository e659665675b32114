package background

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronSpec is a parsed 5-field cron expression (minute hour day-of-month
// month day-of-week). No cron-parsing library appears anywhere in the
// example corpus this package was grounded on, so this is a deliberate
// standard-library module: a small fixed-field parser rather than an
// external dependency pulled in for five integer-set fields.
type cronSpec struct {
	minutes    fieldSet
	hours      fieldSet
	daysOfMon  fieldSet
	months     fieldSet
	daysOfWeek fieldSet
}

type fieldSet map[int]bool

// parseCronSpec parses a standard 5-field expression. Supported syntax:
// "*", a single integer, a comma list, "a-b" ranges, and "*/n" or "a-b/n"
// step expressions. Day-of-month and day-of-week are OR'd together when
// both are restricted, matching cron's historical behavior.
func parseCronSpec(expr string) (cronSpec, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSpec{}, fmt.Errorf("cron: expected 5 fields, got %d in %q", len(fields), expr)
	}
	minutes, err := parseField(fields[0], 0, 59)
	if err != nil {
		return cronSpec{}, fmt.Errorf("cron: minute field: %w", err)
	}
	hours, err := parseField(fields[1], 0, 23)
	if err != nil {
		return cronSpec{}, fmt.Errorf("cron: hour field: %w", err)
	}
	dom, err := parseField(fields[2], 1, 31)
	if err != nil {
		return cronSpec{}, fmt.Errorf("cron: day-of-month field: %w", err)
	}
	months, err := parseField(fields[3], 1, 12)
	if err != nil {
		return cronSpec{}, fmt.Errorf("cron: month field: %w", err)
	}
	dow, err := parseField(fields[4], 0, 7)
	if err != nil {
		return cronSpec{}, fmt.Errorf("cron: day-of-week field: %w", err)
	}
	// Normalize 7 (Sunday) to 0.
	if dow[7] {
		delete(dow, 7)
		dow[0] = true
	}
	return cronSpec{minutes: minutes, hours: hours, daysOfMon: dom, months: months, daysOfWeek: dow}, nil
}

func parseField(raw string, min, max int) (fieldSet, error) {
	set := make(fieldSet)
	for _, part := range strings.Split(raw, ",") {
		if err := parseFieldPart(part, min, max, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func parseFieldPart(part string, min, max int, set fieldSet) error {
	step := 1
	base := part
	if idx := strings.Index(part, "/"); idx >= 0 {
		base = part[:idx]
		n, err := strconv.Atoi(part[idx+1:])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid step in %q", part)
		}
		step = n
	}

	lo, hi := min, max
	switch {
	case base == "*":
		// full range, already set above
	case strings.Contains(base, "-"):
		bounds := strings.SplitN(base, "-", 2)
		if len(bounds) != 2 {
			return fmt.Errorf("invalid range %q", base)
		}
		l, err := strconv.Atoi(bounds[0])
		if err != nil {
			return fmt.Errorf("invalid range start %q", base)
		}
		h, err := strconv.Atoi(bounds[1])
		if err != nil {
			return fmt.Errorf("invalid range end %q", base)
		}
		lo, hi = l, h
	default:
		v, err := strconv.Atoi(base)
		if err != nil {
			return fmt.Errorf("invalid value %q", base)
		}
		lo, hi = v, v
	}

	if lo < min || hi > max || lo > hi {
		return fmt.Errorf("value out of range [%d,%d]: %q", min, max, part)
	}
	for v := lo; v <= hi; v += step {
		set[v] = true
	}
	return nil
}

// matches reports whether t (interpreted in its own location) satisfies
// c, OR-ing day-of-month and day-of-week when both fields are
// restricted from "*", per standard cron semantics.
func (c cronSpec) matches(t time.Time) bool {
	if !c.minutes[t.Minute()] || !c.hours[t.Hour()] || !c.months[int(t.Month())] {
		return false
	}
	domRestricted := len(c.daysOfMon) < 31
	dowRestricted := len(c.daysOfWeek) < 7
	domMatch := c.daysOfMon[t.Day()]
	dowMatch := c.daysOfWeek[int(t.Weekday())]
	switch {
	case domRestricted && dowRestricted:
		return domMatch || dowMatch
	case domRestricted:
		return domMatch
	case dowRestricted:
		return dowMatch
	default:
		return true
	}
}

// next returns the first instant strictly after after that matches c, in
// loc. It scans minute-by-minute, which is sufficient for a background
// processor that evaluates on a polling interval, not a hot path.
func (c cronSpec) next(after time.Time, loc *time.Location) time.Time {
	t := after.In(loc).Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)
	for t.Before(limit) {
		if c.matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return limit
}
