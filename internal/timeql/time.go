package timeql

import (
	"strconv"
	"strings"
	"time"

	dps "github.com/markusmobius/go-dateparser"

	"github.com/moolen/retrace/internal/models"
)

type timeMode int

const (
	// timeNow resolves to the executor clock at execution time.
	timeNow timeMode = iota
	// timeAbsolute resolves to a fixed epoch-millisecond instant.
	timeAbsolute
	// timeRelative resolves to now plus a (negative) offset.
	timeRelative
)

// TimeExpr is a time literal as written in the query. Resolution against
// "now" is deferred to execution so that the canonical form of a query
// containing "now" or "5 minutes ago" stays stable across calls.
type TimeExpr struct {
	Raw   string
	mode  timeMode
	value int64
}

// ResolveMillis returns the instant the expression denotes, in epoch
// milliseconds, given the execution-time clock reading.
func (t TimeExpr) ResolveMillis(nowMs int64) int64 {
	switch t.mode {
	case timeAbsolute:
		return t.value
	case timeRelative:
		return nowMs + t.value
	default:
		return nowMs
	}
}

// zero reports whether the expression was never set.
func (t TimeExpr) zero() bool {
	return t.Raw == ""
}

var absoluteLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimeLiteral interprets a time literal. The accepted forms, in
// order: "now", raw epoch milliseconds, "N <unit> ago", ISO-8601
// timestamps, and finally anything go-dateparser understands
// ("yesterday", "March 5 2024 10:30").
func parseTimeLiteral(raw string, pos int) (TimeExpr, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.EqualFold(trimmed, "now") {
		return TimeExpr{Raw: trimmed, mode: timeNow}, nil
	}

	if ms, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return TimeExpr{Raw: trimmed, mode: timeAbsolute, value: ms}, nil
	}

	if fields := strings.Fields(trimmed); len(fields) == 3 && strings.EqualFold(fields[2], "ago") {
		n, err := strconv.ParseInt(fields[0], 10, 64)
		if err == nil {
			if unit, ok := unitMillis(fields[1]); ok {
				return TimeExpr{Raw: trimmed, mode: timeRelative, value: -n * unit}, nil
			}
		}
	}

	for _, layout := range absoluteLayouts {
		if ts, err := time.Parse(layout, trimmed); err == nil {
			return TimeExpr{Raw: trimmed, mode: timeAbsolute, value: ts.UnixMilli()}, nil
		}
	}

	parser := dps.Parser{}
	parsed, err := parser.Parse(&dps.Configuration{
		PreferredDateSource: dps.CurrentPeriod,
	}, trimmed)
	if err == nil && !parsed.Time.IsZero() {
		return TimeExpr{Raw: trimmed, mode: timeAbsolute, value: parsed.Time.UnixMilli()}, nil
	}

	return TimeExpr{}, models.NewParseError(pos, raw, "invalid time literal")
}

// ParseTimePoint resolves a standalone time literal against nowMs. It
// accepts the same forms as time literals inside statements; hosts use it
// for flags like --since.
func ParseTimePoint(raw string, nowMs int64) (int64, error) {
	expr, err := parseTimeLiteral(raw, 0)
	if err != nil {
		return 0, err
	}
	return expr.ResolveMillis(nowMs), nil
}

// unitMillis maps a duration unit token to milliseconds. Short and long
// spellings are accepted; matching is case-insensitive.
func unitMillis(unit string) (int64, bool) {
	switch strings.ToLower(unit) {
	case "ms", "millisecond", "milliseconds":
		return 1, true
	case "s", "sec", "second", "seconds":
		return int64(time.Second / time.Millisecond), true
	case "m", "min", "minute", "minutes":
		return int64(time.Minute / time.Millisecond), true
	case "h", "hour", "hours":
		return int64(time.Hour / time.Millisecond), true
	case "d", "day", "days":
		return 24 * int64(time.Hour/time.Millisecond), true
	default:
		return 0, false
	}
}
