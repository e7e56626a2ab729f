package timeql

import (
	"strconv"
	"strings"

	"github.com/moolen/retrace/internal/engine"
)

// Statement kinds, used for result typing and metrics labels.
const (
	KindState    = "state"
	KindTraverse = "traverse"
	KindMatch    = "match_pattern"
	KindTimeline = "timeline"
	KindCompare  = "compare"
	KindPredict  = "predict"
)

// Statement is a parsed TimeQL statement. Canonical returns a normalized
// serialization: keyword case, whitespace, operator spelling, and duration
// units are all folded, so equivalent query texts share one cache entry.
type Statement interface {
	Kind() string
	Canonical() string
}

// Op is a comparison operator in a WHERE or UNTIL condition.
type Op string

const (
	OpEq  Op = "=="
	OpNeq Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

// Operand is the right-hand side of a condition: a string or a number,
// as written in the query.
type Operand struct {
	Number bool
	Text   string
	Value  float64
}

func numberOperand(v float64) Operand {
	return Operand{Number: true, Value: v, Text: strconv.FormatFloat(v, 'g', -1, 64)}
}

func stringOperand(s string) Operand {
	return Operand{Text: s}
}

func (o Operand) canonical() string {
	if o.Number {
		return strconv.FormatFloat(o.Value, 'g', -1, 64)
	}
	return quote(o.Text)
}

// Condition is one "field op value" clause. Clauses in a list are joined
// with AND; there is no OR.
type Condition struct {
	Field string
	Op    Op
	Arg   Operand
}

func (c Condition) canonical() string {
	return c.Field + " " + string(c.Op) + " " + c.Arg.canonical()
}

func canonicalConditions(conds []Condition) string {
	parts := make([]string, len(conds))
	for i, c := range conds {
		parts[i] = c.canonical()
	}
	return strings.Join(parts, " AND ")
}

// quote renders s as a single-quoted TimeQL string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// StateStatement is STATE AT <time> [WHERE <conds>].
type StateStatement struct {
	At    TimeExpr
	Where []Condition
}

func (s *StateStatement) Kind() string { return KindState }

func (s *StateStatement) Canonical() string {
	var sb strings.Builder
	sb.WriteString("STATE AT ")
	sb.WriteString(quote(s.At.Raw))
	if len(s.Where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(canonicalConditions(s.Where))
	}
	return sb.String()
}

// TraverseStatement is TRAVERSE FROM <event_id> [FOLLOWING <direction>]
// [UNTIL <conds>]. Direction defaults to forward.
type TraverseStatement struct {
	EventID   string
	Direction engine.Direction
	Until     []Condition
}

func (s *TraverseStatement) Kind() string { return KindTraverse }

func (s *TraverseStatement) Canonical() string {
	var sb strings.Builder
	sb.WriteString("TRAVERSE FROM ")
	sb.WriteString(quote(s.EventID))
	sb.WriteString(" FOLLOWING ")
	sb.WriteString(strings.ToUpper(string(s.Direction)))
	if len(s.Until) > 0 {
		sb.WriteString(" UNTIL ")
		sb.WriteString(canonicalConditions(s.Until))
	}
	return sb.String()
}

// MatchStatement is MATCH PATTERN WHERE <conds> [FOLLOWED BY <conds>]
// WITHIN <n> <unit> [IN LAST <n> <unit>]. LastMs zero means the default
// 24 hour lookback.
type MatchStatement struct {
	First    []Condition
	Second   []Condition
	WithinMs int64
	LastMs   int64
}

func (s *MatchStatement) Kind() string { return KindMatch }

func (s *MatchStatement) Canonical() string {
	var sb strings.Builder
	sb.WriteString("MATCH PATTERN WHERE ")
	sb.WriteString(canonicalConditions(s.First))
	if len(s.Second) > 0 {
		sb.WriteString(" FOLLOWED BY ")
		sb.WriteString(canonicalConditions(s.Second))
	}
	sb.WriteString(" WITHIN ")
	sb.WriteString(strconv.FormatInt(s.WithinMs, 10))
	sb.WriteString(" ms")
	if s.LastMs > 0 {
		sb.WriteString(" IN LAST ")
		sb.WriteString(strconv.FormatInt(s.LastMs, 10))
		sb.WriteString(" ms")
	}
	return sb.String()
}

// TimelineStatement is TIMELINE FROM <time> TO <time> [WHERE <conds>].
type TimelineStatement struct {
	From  TimeExpr
	To    TimeExpr
	Where []Condition
}

func (s *TimelineStatement) Kind() string { return KindTimeline }

func (s *TimelineStatement) Canonical() string {
	var sb strings.Builder
	sb.WriteString("TIMELINE FROM ")
	sb.WriteString(quote(s.From.Raw))
	sb.WriteString(" TO ")
	sb.WriteString(quote(s.To.Raw))
	if len(s.Where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(canonicalConditions(s.Where))
	}
	return sb.String()
}

// CompareStatement is COMPARE <time> WITH <time> [FOR <metric>, ...].
type CompareStatement struct {
	Left    TimeExpr
	Right   TimeExpr
	Metrics []string
}

func (s *CompareStatement) Kind() string { return KindCompare }

func (s *CompareStatement) Canonical() string {
	var sb strings.Builder
	sb.WriteString("COMPARE ")
	sb.WriteString(quote(s.Left.Raw))
	sb.WriteString(" WITH ")
	sb.WriteString(quote(s.Right.Raw))
	if len(s.Metrics) > 0 {
		sb.WriteString(" FOR ")
		sb.WriteString(strings.Join(s.Metrics, ", "))
	}
	return sb.String()
}

// PredictStatement is PREDICT NEXT <n> <unit> [FROM <time>]. From defaults
// to now.
type PredictStatement struct {
	HorizonMs int64
	From      TimeExpr
}

func (s *PredictStatement) Kind() string { return KindPredict }

func (s *PredictStatement) Canonical() string {
	var sb strings.Builder
	sb.WriteString("PREDICT NEXT ")
	sb.WriteString(strconv.FormatInt(s.HorizonMs, 10))
	sb.WriteString(" ms")
	if !s.From.zero() {
		sb.WriteString(" FROM ")
		sb.WriteString(quote(s.From.Raw))
	}
	return sb.String()
}
