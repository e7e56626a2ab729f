// Package timeql implements the TimeQL query language: a hand-written
// lexer and recursive-descent parser producing a typed AST, and an
// executor that runs the six statement forms against the engine under a
// single read-lock hold per statement.
package timeql

import (
	"strings"

	"github.com/moolen/retrace/internal/models"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenString
	tokenNumber
	tokenOp
	tokenComma
)

func (k tokenKind) String() string {
	switch k {
	case tokenEOF:
		return "end of input"
	case tokenIdent:
		return "identifier"
	case tokenString:
		return "string"
	case tokenNumber:
		return "number"
	case tokenOp:
		return "operator"
	case tokenComma:
		return "comma"
	default:
		return "unknown"
	}
}

type token struct {
	kind tokenKind
	text string
	pos  int
}

// keyword reports whether the token is the given keyword, matched
// case-insensitively. Keywords are ordinary identifiers; nothing is
// reserved, so an event named "state" still works as a value.
func (t token) keyword(word string) bool {
	return t.kind == tokenIdent && strings.EqualFold(t.text, word)
}

// lex tokenizes the whole input. Strings are single-quoted with ''
// as the escape for a literal quote. Identifiers cover dot paths
// (data.status), namespaced event types (http:request), and hyphenated
// IDs (evt-123).
func lex(input string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(input)

	for i < n {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '\'':
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < n {
				if input[i] == '\'' {
					if i+1 < n && input[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(input[i])
				i++
			}
			if !closed {
				return nil, models.NewParseError(start, input[start:], "unterminated string")
			}
			tokens = append(tokens, token{kind: tokenString, text: sb.String(), pos: start})

		case c == ',':
			tokens = append(tokens, token{kind: tokenComma, text: ",", pos: i})
			i++

		case c == '=' || c == '!' || c == '<' || c == '>':
			start := i
			i++
			if i < n && input[i] == '=' {
				i++
			}
			op := input[start:i]
			if op == "!" {
				return nil, models.NewParseError(start, op, "incomplete operator")
			}
			tokens = append(tokens, token{kind: tokenOp, text: op, pos: start})

		case c >= '0' && c <= '9' || (c == '-' && i+1 < n && input[i+1] >= '0' && input[i+1] <= '9'):
			start := i
			i++
			seenDot := false
			for i < n {
				d := input[i]
				if d >= '0' && d <= '9' {
					i++
					continue
				}
				if d == '.' && !seenDot {
					seenDot = true
					i++
					continue
				}
				break
			}
			tokens = append(tokens, token{kind: tokenNumber, text: input[start:i], pos: start})

		case isIdentStart(c):
			start := i
			i++
			for i < n && isIdentPart(input[i]) {
				i++
			}
			tokens = append(tokens, token{kind: tokenIdent, text: input[start:i], pos: start})

		default:
			return nil, models.NewParseError(i, string(c), "unexpected character")
		}
	}

	tokens = append(tokens, token{kind: tokenEOF, text: "", pos: n})
	return tokens, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '.' || c == ':' || c == '-'
}
