// Package querysql compiles backend-neutral query specs into parameterized
// SQLite SQL over the records table.
package querysql

import (
	"fmt"
	"strings"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/query"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/record"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/value"
)

// DefaultTable is the table written by the SQLite adapter.
const DefaultTable = "records"

// Columns is the column list every compiled query selects, in scan order.
const Columns = "id, collection, tenant, fields, kinds, created_at, updated_at"

// SQLCompiler compiles query.Spec to parameterized SQL for SQLite.
//
// Record fields live in a JSON text column; timestamps are stored there as
// fixed-width strings and flagged in the kinds column, so every comparison is
// guarded by the JSON type of the stored value. That keeps SQL results
// identical to query.Spec.Match: a missing field never matches, and values of
// different kinds are never compared.
//
// CRITICAL: ALL queries include ORDER BY with the id tiebreaker.
// CRITICAL: All values are parameterized (never interpolated), JSON paths included.
type SQLCompiler struct {
	Table string
}

// NewSQLCompiler creates a compiler for DefaultTable.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{Table: DefaultTable}
}

// Compile converts spec into (sql, params) scoped to collection and tenant.
func (c *SQLCompiler) Compile(collection string, tenant record.TenantScope, spec query.Spec) (string, []any, error) {
	table := c.Table
	if table == "" {
		table = DefaultTable
	}

	where := []string{"collection = ?", "tenant = ?"}
	params := []any{collection, string(tenant)}

	for _, f := range spec.Filters() {
		sql, p, err := c.compileFilter(f)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter %s: %w", f, err)
		}
		where = append(where, sql)
		params = append(params, p...)
	}

	orderSQL, orderParams, err := c.compileOrder(spec)
	if err != nil {
		return "", nil, err
	}
	params = append(params, orderParams...)

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s",
		Columns,
		table,
		strings.Join(where, " AND "),
		orderSQL)

	if spec.Limit() > 0 || spec.Offset() > 0 {
		limit := int64(-1) // SQLite: negative LIMIT means no limit
		if spec.Limit() > 0 {
			limit = int64(spec.Limit())
		}
		sql += " LIMIT ? OFFSET ?"
		params = append(params, limit, int64(spec.Offset()))
	}

	return sql, params, nil
}

// compileOrder returns the ORDER BY clause.
// SQLite sorts NULL before numbers before text, and json_extract yields NULL
// for missing fields and JSON null, 0/1 for booleans, numbers for numbers and
// text for strings and timestamps: the same grouping as value.Order.
func (c *SQLCompiler) compileOrder(spec query.Spec) (string, []any, error) {
	const tiebreak = "id ASC COLLATE BINARY"

	order, ok := spec.Order()
	if !ok {
		return tiebreak, nil, nil
	}
	path, err := jsonPath(order.Field)
	if err != nil {
		return "", nil, err
	}
	dir := "ASC"
	if order.Direction == query.Desc {
		dir = "DESC"
	}
	return fmt.Sprintf("json_extract(fields, ?) %s, %s", dir, tiebreak), []any{path}, nil
}

// compileFilter compiles one predicate.
func (c *SQLCompiler) compileFilter(f query.Filter) (string, []any, error) {
	path, err := jsonPath(f.Field)
	if err != nil {
		return "", nil, err
	}

	switch f.Op {
	case query.OpEq:
		return compileEquals(path, f.Value)
	case query.OpNe:
		eq, p, err := compileEquals(path, f.Value)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("(json_type(fields, ?) IS NOT NULL AND NOT %s)", eq), append([]any{path}, p...), nil
	case query.OpIn:
		return compileIn(path, f.Values)
	case query.OpLt, query.OpLte, query.OpGt, query.OpGte:
		return compileComparison(path, string(f.Op), f.Value)
	default:
		return "", nil, fmt.Errorf("unsupported operator %q", f.Op)
	}
}

// compileEquals compiles field == v.
func compileEquals(path string, v value.Value) (string, []any, error) {
	switch val := v.(type) {
	case nil, value.Null:
		return "json_type(fields, ?) = 'null'", []any{path}, nil
	case value.Bool:
		return "json_type(fields, ?) = ?", []any{path, boolJSONType(bool(val))}, nil
	default:
		return compileComparison(path, "=", v)
	}
}

// compileComparison compiles a guarded scalar comparison.
func compileComparison(path, op string, v value.Value) (string, []any, error) {
	param, err := valueToParam(v)
	if err != nil {
		return "", nil, err
	}
	guard, params, err := kindGuard(path, v.Kind())
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf("(%s AND json_extract(fields, ?) %s ?)", guard, op)
	return sql, append(params, path, param), nil
}

// compileIn compiles field in (v1, v2, ...). Values share one kind.
func compileIn(path string, vals []value.Value) (string, []any, error) {
	if len(vals) == 0 {
		return "", nil, fmt.Errorf("empty value list")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ")

	switch vals[0].Kind() {
	case value.KindNull:
		return "json_type(fields, ?) = 'null'", []any{path}, nil
	case value.KindBool:
		params := []any{path}
		for _, v := range vals {
			b, ok := v.(value.Bool)
			if !ok {
				return "", nil, fmt.Errorf("mixed kinds in value list")
			}
			params = append(params, boolJSONType(bool(b)))
		}
		return fmt.Sprintf("json_type(fields, ?) IN (%s)", placeholders), params, nil
	}

	guard, params, err := kindGuard(path, vals[0].Kind())
	if err != nil {
		return "", nil, err
	}
	params = append(params, path)
	for _, v := range vals {
		if v.Kind() != vals[0].Kind() {
			return "", nil, fmt.Errorf("mixed kinds in value list")
		}
		p, err := valueToParam(v)
		if err != nil {
			return "", nil, err
		}
		params = append(params, p)
	}
	return fmt.Sprintf("(%s AND json_extract(fields, ?) IN (%s))", guard, placeholders), params, nil
}

// kindGuard restricts a comparison to stored values of kind k.
// Strings and timestamps are both JSON text; the kinds column tells them apart.
func kindGuard(path string, k value.Kind) (string, []any, error) {
	switch k {
	case value.KindString:
		return "json_type(fields, ?) = 'text' AND json_extract(kinds, ?) IS NULL", []any{path, path}, nil
	case value.KindTimestamp:
		return "json_extract(kinds, ?) = 'timestamp'", []any{path}, nil
	case value.KindNumber:
		return "json_type(fields, ?) IN ('integer', 'real')", []any{path}, nil
	default:
		return "", nil, fmt.Errorf("no comparison guard for %s values", k)
	}
}

// jsonPath builds the JSON path of a top-level field.
func jsonPath(field string) (string, error) {
	if !query.ValidField(field) {
		return "", fmt.Errorf("invalid field path %q", field)
	}
	return "$." + field, nil
}

// boolJSONType is what json_type reports for a stored boolean.
func boolJSONType(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// valueToParam converts a value.Value to a Go native type for an SQL parameter.
func valueToParam(v value.Value) (any, error) {
	switch val := v.(type) {
	case value.String:
		return string(val), nil
	case value.Number:
		return float64(val), nil
	case value.Timestamp:
		return val.String(), nil
	case value.Bool:
		return bool(val), nil
	case nil, value.Null:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported value type for SQL parameter: %T", v)
	}
}
