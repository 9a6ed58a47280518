package query

import (
	"fmt"
	"strings"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/value"
)

// Op is a primitive comparison operator.
type Op string

const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpIn  Op = "in"
)

var ops = []Op{OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpIn}

// ParseOp parses an operator as written in CLI input and config.
func ParseOp(s string) (Op, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "=" {
		return OpEq, nil
	}
	for _, op := range ops {
		if string(op) == s {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operator %q", s)
}

// IsRange reports whether op is an ordering comparison.
func (o Op) IsRange() bool {
	switch o {
	case OpLt, OpLte, OpGt, OpGte:
		return true
	default:
		return false
	}
}

func (o Op) valid() bool {
	for _, op := range ops {
		if op == o {
			return true
		}
	}
	return false
}

// Filter is one predicate. Value is set for every operator except OpIn,
// which uses Values instead.
type Filter struct {
	Field  string
	Op     Op
	Value  value.Value
	Values []value.Value
}

func (f Filter) String() string {
	if f.Op == OpIn {
		parts := make([]string, len(f.Values))
		for i, v := range f.Values {
			parts[i] = value.Format(v)
		}
		return fmt.Sprintf("%s in [%s]", f.Field, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s %s %s", f.Field, f.Op, value.Format(f.Value))
}

// Kind returns the kind of the filter's operand(s).
func (f Filter) Kind() value.Kind {
	if f.Op == OpIn {
		if len(f.Values) == 0 {
			return value.KindNull
		}
		return f.Values[0].Kind()
	}
	if f.Value == nil {
		return value.KindNull
	}
	return f.Value.Kind()
}

func (f Filter) equal(other Filter) bool {
	if f.Field != other.Field || f.Op != other.Op || len(f.Values) != len(other.Values) {
		return false
	}
	if f.Op != OpIn {
		return value.Equal(f.Value, other.Value)
	}
	for i := range f.Values {
		if !value.Equal(f.Values[i], other.Values[i]) {
			return false
		}
	}
	return true
}

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// ParseDirection accepts asc/desc in any case. An empty string is Asc.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "asc":
		return Asc, nil
	case "desc":
		return Desc, nil
	default:
		return "", fmt.Errorf("unknown sort direction %q", s)
	}
}

// Order sorts results by one field.
type Order struct {
	Field     string
	Direction Direction
}

// Spec is a validated, immutable query. The zero Spec matches every record
// in ID order.
type Spec struct {
	filters []Filter
	order   *Order
	limit   int
	offset  int
}

// Filters returns a copy of the filter list. All filters must match.
func (s Spec) Filters() []Filter {
	out := make([]Filter, len(s.filters))
	for i, f := range s.filters {
		f.Values = append([]value.Value(nil), f.Values...)
		out[i] = f
	}
	return out
}

// Order returns the requested ordering, if any.
func (s Spec) Order() (Order, bool) {
	if s.order == nil {
		return Order{}, false
	}
	return *s.order, true
}

// Limit returns the maximum number of results; 0 means unlimited.
func (s Spec) Limit() int { return s.limit }

// Offset returns how many matching results are skipped.
func (s Spec) Offset() int { return s.offset }

func (s Spec) String() string {
	var parts []string
	for _, f := range s.filters {
		parts = append(parts, f.String())
	}
	out := "where " + strings.Join(parts, " and ")
	if len(parts) == 0 {
		out = "all"
	}
	if s.order != nil {
		out += fmt.Sprintf(" order by %s %s", s.order.Field, s.order.Direction)
	}
	if s.limit > 0 {
		out += fmt.Sprintf(" limit %d", s.limit)
	}
	if s.offset > 0 {
		out += fmt.Sprintf(" offset %d", s.offset)
	}
	return out
}
