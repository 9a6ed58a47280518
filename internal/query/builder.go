package query

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dberr"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/record"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/value"
)

// prefixUpperBound is appended to a prefix to form an exclusive upper bound
// that sorts after every string starting with the prefix.
const prefixUpperBound = "\U0010FFFF"

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidField reports whether name can be used as a field path.
func ValidField(name string) bool {
	return fieldPattern.MatchString(name)
}

// Executor runs a Spec against one collection of one tenant.
// Every adapter satisfies it.
type Executor interface {
	Query(ctx context.Context, collection string, tenant record.TenantScope, spec Spec) (record.Cursor, error)
}

// Builder accumulates a query fluently. Methods never fail on their own:
// problems are recorded and reported by Build. A Builder is not safe for
// concurrent use.
type Builder struct {
	filters []Filter
	order   *Order
	limit   *int
	offset  *int
	errs    []error
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{}
}

// Where adds a primitive predicate. For OpIn, v must be a slice ([]any or
// []value.Value); prefer In.
func (b *Builder) Where(field string, op Op, v any) *Builder {
	if !op.valid() {
		b.fail("unknown operator %q on field %q", op, field)
		return b
	}
	if op == OpIn {
		switch vals := v.(type) {
		case []any:
			return b.In(field, vals...)
		case []value.Value:
			anys := make([]any, len(vals))
			for i, x := range vals {
				anys[i] = x
			}
			return b.In(field, anys...)
		default:
			b.fail("operator in on field %q needs a list, got %T", field, v)
			return b
		}
	}
	if !b.checkField(field) {
		return b
	}
	val, err := value.FromAny(v)
	if err != nil {
		b.fail("field %q: %v", field, err)
		return b
	}
	val = value.Normalize(val)
	if op.IsRange() && (val.Kind() == value.KindNull || val.Kind() == value.KindBool) {
		b.fail("operator %s on field %q cannot compare %s values", op, field, val.Kind())
		return b
	}
	b.add(Filter{Field: field, Op: op, Value: val})
	return b
}

// Eq adds field == v.
func (b *Builder) Eq(field string, v any) *Builder { return b.Where(field, OpEq, v) }

// NotEq adds field != v.
func (b *Builder) NotEq(field string, v any) *Builder { return b.Where(field, OpNe, v) }

// Lt adds field < v.
func (b *Builder) Lt(field string, v any) *Builder { return b.Where(field, OpLt, v) }

// Lte adds field <= v.
func (b *Builder) Lte(field string, v any) *Builder { return b.Where(field, OpLte, v) }

// Gt adds field > v.
func (b *Builder) Gt(field string, v any) *Builder { return b.Where(field, OpGt, v) }

// Gte adds field >= v.
func (b *Builder) Gte(field string, v any) *Builder { return b.Where(field, OpGte, v) }

// In matches records whose field equals one of vals. Duplicates are
// dropped; all values must share one kind.
func (b *Builder) In(field string, vals ...any) *Builder {
	if !b.checkField(field) {
		return b
	}
	if len(vals) == 0 {
		b.fail("operator in on field %q needs at least one value", field)
		return b
	}
	var list []value.Value
	for _, raw := range vals {
		v, err := value.FromAny(raw)
		if err != nil {
			b.fail("field %q: %v", field, err)
			return b
		}
		v = value.Normalize(v)
		if len(list) > 0 && list[0].Kind() != v.Kind() {
			b.fail("operator in on field %q mixes %s and %s values", field, list[0].Kind(), v.Kind())
			return b
		}
		if !containsValue(list, v) {
			list = append(list, v)
		}
	}
	b.add(Filter{Field: field, Op: OpIn, Values: list})
	return b
}

// Prefix matches string fields starting with p. It expands to
// field >= p and field < p+U+10FFFF.
func (b *Builder) Prefix(field, p string) *Builder {
	if p == "" {
		b.fail("prefix on field %q is empty", field)
		return b
	}
	p = value.NormalizeString(p)
	b.Where(field, OpGte, p)
	b.Where(field, OpLt, p+prefixUpperBound)
	return b
}

// DateRange matches timestamps between from and to, both inclusive. A zero
// bound leaves that side open.
func (b *Builder) DateRange(field string, from, to time.Time) *Builder {
	switch {
	case from.IsZero() && to.IsZero():
		b.fail("date range on field %q has no bounds", field)
		return b
	case !from.IsZero() && !to.IsZero() && from.After(to):
		b.fail("date range on field %q: from %s is after to %s", field,
			value.NewTimestamp(from), value.NewTimestamp(to))
		return b
	}
	if !from.IsZero() {
		b.Where(field, OpGte, from)
	}
	if !to.IsZero() {
		b.Where(field, OpLte, to)
	}
	return b
}

// OrderBy sets the result ordering. Only one ordering is allowed; repeating
// the same one is harmless.
func (b *Builder) OrderBy(field string, dir Direction) *Builder {
	if !b.checkField(field) {
		return b
	}
	if dir == "" {
		dir = Asc
	}
	if dir != Asc && dir != Desc {
		b.fail("unknown sort direction %q", dir)
		return b
	}
	next := Order{Field: field, Direction: dir}
	if b.order != nil && *b.order != next {
		b.fail("conflicting orderings: %s %s and %s %s", b.order.Field, b.order.Direction, field, dir)
		return b
	}
	b.order = &next
	return b
}

// Limit caps the number of results. n must be positive.
func (b *Builder) Limit(n int) *Builder {
	if n <= 0 {
		b.fail("limit must be positive, got %d", n)
		return b
	}
	if b.limit != nil && *b.limit != n {
		b.fail("conflicting limits %d and %d", *b.limit, n)
		return b
	}
	b.limit = &n
	return b
}

// Offset skips the first n results. n must not be negative.
func (b *Builder) Offset(n int) *Builder {
	if n < 0 {
		b.fail("offset must not be negative, got %d", n)
		return b
	}
	if b.offset != nil && *b.offset != n {
		b.fail("conflicting offsets %d and %d", *b.offset, n)
		return b
	}
	b.offset = &n
	return b
}

// Build returns the immutable Spec, or a dberr.KindValidation error listing
// every problem found.
func (b *Builder) Build() (Spec, error) {
	errs := append([]error(nil), b.errs...)
	errs = append(errs, conflictingEqualities(b.filters)...)
	if len(errs) > 0 {
		return Spec{}, dberr.Validation("query", errors.Join(errs...))
	}

	s := Spec{filters: make([]Filter, len(b.filters))}
	copy(s.filters, b.filters)
	if b.order != nil {
		o := *b.order
		s.order = &o
	}
	if b.limit != nil {
		s.limit = *b.limit
	}
	if b.offset != nil {
		s.offset = *b.offset
	}
	return s, nil
}

// Execute builds the Spec and runs it on ex. Validation problems are
// returned without calling ex.
func (b *Builder) Execute(ctx context.Context, ex Executor, collection string, tenant record.TenantScope) (record.Cursor, error) {
	spec, err := b.Build()
	if err != nil {
		return nil, err
	}
	return ex.Query(ctx, collection, tenant, spec)
}

func (b *Builder) add(f Filter) {
	for _, existing := range b.filters {
		if existing.equal(f) {
			return
		}
	}
	b.filters = append(b.filters, f)
}

func (b *Builder) checkField(field string) bool {
	if !ValidField(field) {
		b.fail("invalid field path %q", field)
		return false
	}
	return true
}

func (b *Builder) fail(format string, args ...any) {
	b.errs = append(b.errs, fmt.Errorf(format, args...))
}

// conflictingEqualities reports fields constrained to two different values.
func conflictingEqualities(filters []Filter) []error {
	var errs []error
	seen := make(map[string]value.Value)
	for _, f := range filters {
		if f.Op != OpEq {
			continue
		}
		if prev, ok := seen[f.Field]; ok && !value.Equal(prev, f.Value) {
			errs = append(errs, fmt.Errorf("field %q cannot equal both %s and %s",
				f.Field, value.Format(prev), value.Format(f.Value)))
			continue
		}
		seen[f.Field] = f.Value
	}
	return errs
}

func containsValue(list []value.Value, v value.Value) bool {
	for _, x := range list {
		if value.Equal(x, v) {
			return true
		}
	}
	return false
}
