package query

import (
	"slices"
	"strings"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/record"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/value"
)

// Matches reports whether fields satisfy f.
func (f Filter) Matches(fields value.Fields) bool {
	v, ok := fields.Get(f.Field)
	if !ok {
		return false
	}
	switch f.Op {
	case OpEq:
		return value.Equal(v, f.Value)
	case OpNe:
		return !value.Equal(v, f.Value)
	case OpIn:
		return containsValue(f.Values, v)
	}

	c, ok := value.Compare(v, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	default:
		return false
	}
}

// Match reports whether fields satisfy every filter of s.
func (s Spec) Match(fields value.Fields) bool {
	for _, f := range s.filters {
		if !f.Matches(fields) {
			return false
		}
	}
	return true
}

// Compare orders two records by s's ordering, then by ID ascending.
func (s Spec) Compare(a, b record.Record) int {
	if s.order != nil {
		av, _ := a.Fields.Get(s.order.Field)
		bv, _ := b.Fields.Get(s.order.Field)
		c := value.Order(av, bv)
		if s.order.Direction == Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return strings.Compare(a.ID, b.ID)
}

// Sort orders recs in place.
func (s Spec) Sort(recs []record.Record) {
	slices.SortStableFunc(recs, s.Compare)
}

// Page applies offset and limit to an already sorted slice.
func (s Spec) Page(recs []record.Record) []record.Record {
	if s.offset >= len(recs) {
		return nil
	}
	recs = recs[s.offset:]
	if s.limit > 0 && s.limit < len(recs) {
		recs = recs[:s.limit]
	}
	return recs
}

// Apply filters, sorts and pages recs. The input slice is not modified.
func (s Spec) Apply(recs []record.Record) []record.Record {
	var out []record.Record
	for _, r := range recs {
		if s.Match(r.Fields) {
			out = append(out, r)
		}
	}
	s.Sort(out)
	return s.Page(out)
}
