package timeql

import (
	"strconv"
	"strings"

	"github.com/moolen/retrace/internal/engine"
	"github.com/moolen/retrace/internal/models"
)

// Parse turns one TimeQL statement into its AST. Parsing is pure: no
// clock reads, no engine access, so the same text always yields the same
// tree and the same canonical form.
func Parse(input string) (Statement, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tokenEOF {
		return nil, p.errorf(p.cur(), "unexpected trailing input")
	}
	return stmt, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) cur() token {
	return p.tokens[p.pos]
}

func (p *parser) peek() token {
	if p.pos+1 < len(p.tokens) {
		return p.tokens[p.pos+1]
	}
	return p.tokens[len(p.tokens)-1]
}

func (p *parser) advance() token {
	t := p.tokens[p.pos]
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
	return t
}

func (p *parser) accept(word string) bool {
	if p.cur().keyword(word) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expect(word string) error {
	if !p.accept(word) {
		return p.errorf(p.cur(), "expected %s", strings.ToUpper(word))
	}
	return nil
}

func (p *parser) errorf(t token, format string, args ...interface{}) error {
	text := t.text
	if t.kind == tokenEOF {
		text = "<eof>"
	}
	return models.NewParseError(t.pos, text, format, args...)
}

func (p *parser) parseStatement() (Statement, error) {
	t := p.cur()
	switch {
	case t.keyword("state"):
		return p.parseState()
	case t.keyword("traverse"):
		return p.parseTraverse()
	case t.keyword("match"):
		return p.parseMatch()
	case t.keyword("timeline"):
		return p.parseTimeline()
	case t.keyword("compare"):
		return p.parseCompare()
	case t.keyword("predict"):
		return p.parsePredict()
	default:
		return nil, p.errorf(t, "expected a statement keyword")
	}
}

// parseState handles STATE AT '<time>' [WHERE <conds>].
func (p *parser) parseState() (Statement, error) {
	p.advance()
	if err := p.expect("at"); err != nil {
		return nil, err
	}
	at, err := p.parseTime()
	if err != nil {
		return nil, err
	}
	stmt := &StateStatement{At: at}
	if p.accept("where") {
		stmt.Where, err = p.parseConditions()
		if err != nil {
			return nil, err
		}
	}
	return stmt, nil
}

// parseTraverse handles TRAVERSE FROM <event_id> FOLLOWING <direction>
// [UNTIL <conds>].
func (p *parser) parseTraverse() (Statement, error) {
	p.advance()
	if err := p.expect("from"); err != nil {
		return nil, err
	}
	id := p.cur()
	if id.kind != tokenString && id.kind != tokenIdent {
		return nil, p.errorf(id, "expected an event id")
	}
	p.advance()

	if err := p.expect("following"); err != nil {
		return nil, err
	}
	dirTok := p.cur()
	if dirTok.kind != tokenIdent {
		return nil, p.errorf(dirTok, "expected a direction")
	}
	dir, err := engine.ParseDirection(strings.ToLower(dirTok.text))
	if err != nil {
		return nil, p.errorf(dirTok, "expected backward, forward, or both")
	}
	p.advance()

	stmt := &TraverseStatement{EventID: id.text, Direction: dir}
	if p.accept("until") {
		stmt.Until, err = p.parseConditions()
		if err != nil {
			return nil, err
		}
	}
	return stmt, nil
}

// parseMatch handles MATCH PATTERN WHERE <conds> [FOLLOWED BY <conds>]
// WITHIN <int> <unit> [IN LAST <int> <unit>].
func (p *parser) parseMatch() (Statement, error) {
	p.advance()
	if err := p.expect("pattern"); err != nil {
		return nil, err
	}
	if err := p.expect("where"); err != nil {
		return nil, err
	}
	first, err := p.parseConditions()
	if err != nil {
		return nil, err
	}
	stmt := &MatchStatement{First: first}

	if p.accept("followed") {
		if err := p.expect("by"); err != nil {
			return nil, err
		}
		stmt.Second, err = p.parseConditions()
		if err != nil {
			return nil, err
		}
	}

	if err := p.expect("within"); err != nil {
		return nil, err
	}
	stmt.WithinMs, err = p.parseDuration()
	if err != nil {
		return nil, err
	}

	if p.accept("in") {
		if err := p.expect("last"); err != nil {
			return nil, err
		}
		stmt.LastMs, err = p.parseDuration()
		if err != nil {
			return nil, err
		}
	}
	return stmt, nil
}

// parseTimeline handles TIMELINE FROM '<time>' TO '<time>' [WHERE <conds>].
func (p *parser) parseTimeline() (Statement, error) {
	p.advance()
	if err := p.expect("from"); err != nil {
		return nil, err
	}
	from, err := p.parseTime()
	if err != nil {
		return nil, err
	}
	if err := p.expect("to"); err != nil {
		return nil, err
	}
	to, err := p.parseTime()
	if err != nil {
		return nil, err
	}
	stmt := &TimelineStatement{From: from, To: to}
	if p.accept("where") {
		stmt.Where, err = p.parseConditions()
		if err != nil {
			return nil, err
		}
	}
	return stmt, nil
}

// parseCompare handles COMPARE '<time>' WITH '<time>' [FOR <metric_list>].
func (p *parser) parseCompare() (Statement, error) {
	p.advance()
	left, err := p.parseTime()
	if err != nil {
		return nil, err
	}
	if err := p.expect("with"); err != nil {
		return nil, err
	}
	right, err := p.parseTime()
	if err != nil {
		return nil, err
	}
	stmt := &CompareStatement{Left: left, Right: right}
	if p.accept("for") {
		stmt.Metrics, err = p.parseMetricList()
		if err != nil {
			return nil, err
		}
	}
	return stmt, nil
}

// parseMetricList consumes one or more comma-separated metric names.
func (p *parser) parseMetricList() ([]string, error) {
	var metrics []string
	for {
		t := p.cur()
		if t.kind != tokenIdent && t.kind != tokenString {
			return nil, p.errorf(t, "expected a metric name, got %q", t.text)
		}
		p.advance()
		metrics = append(metrics, t.text)
		if p.cur().kind != tokenComma {
			return metrics, nil
		}
		p.advance()
	}
}

// parsePredict handles PREDICT NEXT <int> <unit> [FROM '<time>'].
func (p *parser) parsePredict() (Statement, error) {
	p.advance()
	if err := p.expect("next"); err != nil {
		return nil, err
	}
	horizon, err := p.parseDuration()
	if err != nil {
		return nil, err
	}
	stmt := &PredictStatement{HorizonMs: horizon}
	if p.accept("from") {
		stmt.From, err = p.parseTime()
		if err != nil {
			return nil, err
		}
	}
	return stmt, nil
}

// parseTime consumes one time literal: a quoted string, a bare integer,
// the keyword now, or the unquoted relative form <int> <unit> ago.
func (p *parser) parseTime() (TimeExpr, error) {
	t := p.cur()
	switch {
	case t.kind == tokenString:
		p.advance()
		return parseTimeLiteral(t.text, t.pos)

	case t.keyword("now"):
		p.advance()
		return TimeExpr{Raw: "now", mode: timeNow}, nil

	case t.kind == tokenNumber:
		// Either a bare epoch-ms integer or the head of "N unit ago".
		if unit, ok := unitMillis(p.peek().text); ok && p.peek().kind == tokenIdent {
			n, err := strconv.ParseInt(t.text, 10, 64)
			if err != nil {
				return TimeExpr{}, p.errorf(t, "invalid time literal")
			}
			numTok := p.advance()
			unitTok := p.advance()
			if !p.accept("ago") {
				return TimeExpr{}, p.errorf(p.cur(), "expected AGO")
			}
			raw := numTok.text + " " + strings.ToLower(unitTok.text) + " ago"
			return TimeExpr{Raw: raw, mode: timeRelative, value: -n * unit}, nil
		}
		p.advance()
		return parseTimeLiteral(t.text, t.pos)

	default:
		return TimeExpr{}, p.errorf(t, "expected a time literal")
	}
}

// parseDuration consumes <int> <unit> and returns milliseconds.
func (p *parser) parseDuration() (int64, error) {
	numTok := p.cur()
	if numTok.kind != tokenNumber {
		return 0, p.errorf(numTok, "expected a duration")
	}
	n, err := strconv.ParseInt(numTok.text, 10, 64)
	if err != nil {
		return 0, p.errorf(numTok, "duration must be an integer")
	}
	if n < 0 {
		return 0, p.errorf(numTok, "duration must not be negative")
	}
	p.advance()

	unitTok := p.cur()
	if unitTok.kind != tokenIdent {
		return 0, p.errorf(unitTok, "expected a duration unit")
	}
	unit, ok := unitMillis(unitTok.text)
	if !ok {
		return 0, p.errorf(unitTok, "unknown duration unit %q", unitTok.text)
	}
	p.advance()
	return n * unit, nil
}

// parseConditions consumes one or more AND-joined conditions.
func (p *parser) parseConditions() ([]Condition, error) {
	var conds []Condition
	for {
		cond, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
		if !p.accept("and") {
			return conds, nil
		}
	}
}

// parseCondition consumes one "field op value" primary.
func (p *parser) parseCondition() (Condition, error) {
	fieldTok := p.cur()
	if fieldTok.kind != tokenIdent {
		return Condition{}, p.errorf(fieldTok, "expected a field name")
	}
	p.advance()

	opTok := p.cur()
	if opTok.kind != tokenOp {
		return Condition{}, p.errorf(opTok, "expected a comparison operator")
	}
	op, err := parseOp(opTok.text)
	if err != nil {
		return Condition{}, p.errorf(opTok, "unknown operator %q", opTok.text)
	}
	p.advance()

	valTok := p.cur()
	var arg Operand
	switch valTok.kind {
	case tokenString:
		arg = stringOperand(valTok.text)
	case tokenNumber:
		v, err := strconv.ParseFloat(valTok.text, 64)
		if err != nil {
			return Condition{}, p.errorf(valTok, "invalid numeric literal")
		}
		arg = numberOperand(v)
	default:
		return Condition{}, p.errorf(valTok, "expected a quoted string or number")
	}
	p.advance()

	return Condition{Field: fieldTok.text, Op: op, Arg: arg}, nil
}

func parseOp(s string) (Op, error) {
	switch s {
	case "=", "==":
		return OpEq, nil
	case "!=":
		return OpNeq, nil
	case "<":
		return OpLt, nil
	case "<=":
		return OpLte, nil
	case ">":
		return OpGt, nil
	case ">=":
		return OpGte, nil
	default:
		return "", models.NewParseError(0, s, "unknown operator")
	}
}
