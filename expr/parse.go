package expr

import (
	"fmt"
	"strconv"
	"strings"
)

type Operator string

const (
	OpEq    Operator = "=="
	OpNe    Operator = "!="
	OpLt    Operator = "<"
	OpLe    Operator = "<="
	OpGt    Operator = ">"
	OpGe    Operator = ">="
	OpIn    Operator = "in"
	OpNotIn Operator = "not in"
)

// Longest symbols first so that "<=" is never read as "<".
var symbolOperators = []Operator{OpEq, OpNe, OpLe, OpGe, OpLt, OpGt}

type Expression struct {
	Operator Operator
	Value    Value
}

func (e Expression) String() string {
	return fmt.Sprintf("%s %s", e.Operator, e.Value)
}

// Match applies the expression to v, v being the left-hand side.
func (e Expression) Match(v Value) (bool, error) {
	return v.Compare(e.Operator, e.Value)
}

// ParseExpression parses "[operator] value". A missing operator means "==".
func ParseExpression(s string) (Expression, error) {
	rest := strings.TrimSpace(s)
	if rest == "" {
		return Expression{}, fmt.Errorf("empty expression")
	}

	op := OpEq
	if word, ok := cutKeyword(rest, "not"); ok {
		if word, ok = cutKeyword(word, "in"); !ok {
			return Expression{}, fmt.Errorf("expected 'in' after 'not' in '%s'", s)
		}
		op, rest = OpNotIn, word
	} else if word, ok := cutKeyword(rest, "in"); ok {
		op, rest = OpIn, word
	} else {
		for _, candidate := range symbolOperators {
			if strings.HasPrefix(rest, string(candidate)) {
				op, rest = candidate, rest[len(candidate):]
				break
			}
		}
	}

	value, err := ParseValue(rest)
	if err != nil {
		return Expression{}, fmt.Errorf("invalid expression '%s': %w", s, err)
	}

	return Expression{Operator: op, Value: value}, nil
}

// ParseValue parses a single literal. The whole input must be consumed.
func ParseValue(s string) (Value, error) {
	p := &parser{input: s}
	v, err := p.value("")
	if err != nil {
		return Value{}, err
	}

	p.skipSpace()
	if !p.eof() {
		return Value{}, fmt.Errorf("unexpected '%s' at offset %d", p.input[p.pos:], p.pos)
	}
	return v, nil
}

// Infer parses s as a literal when possible and falls back to a string value.
// Probe and command output go through here.
func Infer(s string) Value {
	trimmed := strings.TrimSpace(s)
	if v, err := ParseValue(trimmed); err == nil {
		return v
	}
	return String(trimmed)
}

// cutKeyword strips a leading keyword followed by whitespace or '['.
func cutKeyword(s, keyword string) (string, bool) {
	if !strings.HasPrefix(s, keyword) || len(s) == len(keyword) {
		return s, false
	}
	next := s[len(keyword)]
	if next != ' ' && next != '\t' && next != '[' {
		return s, false
	}
	return strings.TrimSpace(s[len(keyword):]), true
}

type parser struct {
	input string
	pos   int
}

func (p *parser) eof() bool {
	return p.pos >= len(p.input)
}

func (p *parser) skipSpace() {
	for !p.eof() && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t' || p.input[p.pos] == '\n' || p.input[p.pos] == '\r') {
		p.pos++
	}
}

// value parses the next literal; stops lists the characters ending a bareword.
func (p *parser) value(stops string) (Value, error) {
	p.skipSpace()
	if p.eof() {
		return Value{}, fmt.Errorf("expected a value at offset %d", p.pos)
	}

	switch c := p.input[p.pos]; c {
	case '[':
		return p.list()
	case '"', '\'':
		return p.quoted(c)
	default:
		return p.scalar(stops)
	}
}

func (p *parser) list() (Value, error) {
	p.pos++ // '['
	items := []Value{}

	p.skipSpace()
	if !p.eof() && p.input[p.pos] == ']' {
		p.pos++
		return List(items...), nil
	}

	for {
		item, err := p.value(",] \t\r\n")
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)

		p.skipSpace()
		if p.eof() {
			return Value{}, fmt.Errorf("unterminated list")
		}
		switch p.input[p.pos] {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return List(items...), nil
		default:
			return Value{}, fmt.Errorf("expected ',' or ']' at offset %d", p.pos)
		}
	}
}

func (p *parser) quoted(quote byte) (Value, error) {
	start := p.pos
	p.pos++

	var sb strings.Builder
	for !p.eof() {
		c := p.input[p.pos]
		switch {
		case c == '\\' && p.pos+1 < len(p.input):
			sb.WriteByte(p.input[p.pos+1])
			p.pos += 2
		case c == quote:
			p.pos++
			return String(sb.String()), nil
		default:
			sb.WriteByte(c)
			p.pos++
		}
	}

	return Value{}, fmt.Errorf("unterminated string starting at offset %d", start)
}

func (p *parser) scalar(stops string) (Value, error) {
	start := p.pos
	for !p.eof() && !strings.ContainsRune(stops, rune(p.input[p.pos])) {
		if c := p.input[p.pos]; c == '[' || c == '"' || c == '\'' {
			return Value{}, fmt.Errorf("unexpected '%c' at offset %d", c, p.pos)
		}
		p.pos++
	}

	word := strings.TrimSpace(p.input[start:p.pos])
	if word == "" {
		return Value{}, fmt.Errorf("expected a value at offset %d", start)
	}

	switch word {
	case "true":
		return Bool(true), nil
	case "false":
		return Bool(false), nil
	}

	if f, err := strconv.ParseFloat(word, 64); err == nil {
		return Number(f), nil
	}
	return String(word), nil
}
