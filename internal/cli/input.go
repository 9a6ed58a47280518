package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/query"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/record"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/value"
)

// parseScalar reads a command-line value. null, true, false, numbers and
// RFC 3339 timestamps are recognized; double quotes force a string.
func parseScalar(s string) any {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		if unq, err := strconv.Unquote(s); err == nil {
			return unq
		}
	}
	switch s {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return s
}

// parseFields builds fields from a JSON object and key=value pairs. Pairs are
// applied after the JSON object, in order.
func parseFields(data string, pairs []string) (value.Fields, error) {
	var fields value.Fields
	if strings.TrimSpace(data) != "" {
		decoded, err := value.DecodeFields([]byte(data), nil)
		if err != nil {
			return value.Fields{}, fmt.Errorf("invalid --data JSON: %w", err)
		}
		fields = decoded
	}
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return value.Fields{}, fmt.Errorf("invalid field %q: want key=value", pair)
		}
		v, err := value.FromAny(parseScalar(raw))
		if err != nil {
			return value.Fields{}, fmt.Errorf("field %q: %w", name, err)
		}
		fields.Set(strings.TrimSpace(name), v)
	}
	return fields, nil
}

// parseWhere adds one "field op value" clause to b. The in operator takes a
// comma-separated list; prefix takes a string.
func parseWhere(b *query.Builder, clause string) error {
	field, rest, _ := strings.Cut(strings.TrimSpace(clause), " ")
	opText, raw, _ := strings.Cut(strings.TrimSpace(rest), " ")
	raw = strings.TrimSpace(raw)
	if field == "" || opText == "" || raw == "" {
		return fmt.Errorf("invalid --where %q: want \"field op value\"", clause)
	}

	if strings.EqualFold(opText, "prefix") {
		b.Prefix(field, strings.Trim(raw, `"`))
		return nil
	}
	op, err := query.ParseOp(opText)
	if err != nil {
		return fmt.Errorf("invalid --where %q: %w", clause, err)
	}
	if op == query.OpIn {
		var vals []any
		for _, item := range strings.Split(raw, ",") {
			vals = append(vals, parseScalar(strings.TrimSpace(item)))
		}
		b.In(field, vals...)
		return nil
	}
	b.Where(field, op, parseScalar(raw))
	return nil
}

// parseOrder reads "field" or "field:desc".
func parseOrder(b *query.Builder, s string) error {
	field, dirText, _ := strings.Cut(s, ":")
	dir, err := query.ParseDirection(dirText)
	if err != nil {
		return fmt.Errorf("invalid --order %q: %w", s, err)
	}
	b.OrderBy(strings.TrimSpace(field), dir)
	return nil
}

// recordView is how a record is printed.
type recordView struct {
	Collection string       `json:"collection"`
	ID         string       `json:"id"`
	Tenant     string       `json:"tenant"`
	Fields     value.Fields `json:"fields"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func viewOf(r record.Record) recordView {
	return recordView{
		Collection: r.Collection,
		ID:         r.ID,
		Tenant:     string(r.Tenant),
		Fields:     r.Fields,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func (v recordView) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s/%s (tenant %s)\n", v.Collection, v.ID, v.Tenant)
	for name, val := range v.Fields.All() {
		fmt.Fprintf(&sb, "  %s: %s\n", name, textOf(val))
	}
	fmt.Fprintf(&sb, "  created: %s\n", v.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "  updated: %s", v.UpdatedAt.UTC().Format(time.RFC3339))
	return sb.String()
}

func textOf(v value.Value) string {
	switch val := v.(type) {
	case nil, value.Null:
		return "null"
	case value.String:
		return strconv.Quote(string(val))
	case value.Number:
		return strconv.FormatFloat(float64(val), 'f', -1, 64)
	case value.Bool:
		return strconv.FormatBool(bool(val))
	case value.Timestamp:
		return val.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// recordList prints one record per block in text mode.
type recordList []recordView

func viewsOf(recs []record.Record) recordList {
	out := make(recordList, 0, len(recs))
	for _, r := range recs {
		out = append(out, viewOf(r))
	}
	return out
}

func (l recordList) String() string {
	if len(l) == 0 {
		return "no records"
	}
	blocks := make([]string, len(l))
	for i, v := range l {
		blocks[i] = v.String()
	}
	return strings.Join(blocks, "\n")
}
