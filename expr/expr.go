// Package expr parses the small typed-literal language used by requirement
// thresholds and error handler return code tests.
//
//	expression := [operator] value
//	operator   := "==" | "!=" | "<=" | ">=" | "<" | ">" | "in" | "not in"
//	value      := number | string | bool | list
//	list       := "[" [value {"," value}] "]"
//	string     := '"' chars '"' | "'" chars "'" | bareword
//
// Nothing is ever evaluated: a value is data, and comparisons are a fixed
// set of operators.
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

type Kind int

const (
	KindNumber Kind = iota
	KindString
	KindBool
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Value struct {
	Kind  Kind
	Num   float64
	Str   string
	Bool  bool
	Items []Value
}

func Number(f float64) Value { return Value{Kind: KindNumber, Num: f} }
func String(s string) Value { return Value{Kind: KindString, Str: s} }
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }
func List(items ...Value) Value { return Value{Kind: KindList, Items: items} }

func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.Str)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindList:
		return "[" + strings.Join(lo.Map(v.Items, func(item Value, _ int) string { return item.String() }), ", ") + "]"
	default:
		return "<invalid>"
	}
}

// Equal reports whether both values have the same kind and content.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}

	switch v.Kind {
	case KindNumber:
		return v.Num == other.Num
	case KindString:
		return v.Str == other.Str
	case KindBool:
		return v.Bool == other.Bool
	case KindList:
		if len(v.Items) != len(other.Items) {
			return false
		}
		for i := range v.Items {
			if !v.Items[i].Equal(other.Items[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Compare applies op with v on the left-hand side and other on the right.
func (v Value) Compare(op Operator, other Value) (bool, error) {
	switch op {
	case OpEq:
		return v.Equal(other), nil
	case OpNe:
		return !v.Equal(other), nil
	case OpIn, OpNotIn:
		if other.Kind != KindList {
			return false, fmt.Errorf("operator '%s' requires a list, got %s", op, other.Kind)
		}
		found := lo.ContainsBy(other.Items, func(item Value) bool { return v.Equal(item) })
		return found == (op == OpIn), nil
	}

	c, err := v.order(other)
	if err != nil {
		return false, err
	}

	switch op {
	case OpLt:
		return c < 0, nil
	case OpLe:
		return c <= 0, nil
	case OpGt:
		return c > 0, nil
	case OpGe:
		return c >= 0, nil
	default:
		return false, fmt.Errorf("unknown operator '%s'", op)
	}
}

func (v Value) order(other Value) (int, error) {
	switch {
	case v.Kind == KindNumber && other.Kind == KindNumber:
		switch {
		case v.Num < other.Num:
			return -1, nil
		case v.Num > other.Num:
			return 1, nil
		default:
			return 0, nil
		}
	case v.Kind == KindString && other.Kind == KindString:
		return strings.Compare(v.Str, other.Str), nil
	default:
		return 0, fmt.Errorf("cannot order %s and %s", v.Kind, other.Kind)
	}
}
