// Package query is the backend-neutral query model of the data access layer.
//
// A Builder accumulates filter predicates, an ordering and pagination into an
// immutable Spec. Builder never branches on a backend: adapters either
// translate the Spec (see internal/querysql) or evaluate it in process with
// Match and Apply, which define the reference semantics:
//
//   - a filter on a field the record does not have never matches
//   - values of different kinds are not comparable: "!=" is true, every
//     other operator is false
//   - ordering groups kinds as missing/null < bool/number < string/timestamp,
//     ties broken by record ID ascending; without an ordering results come
//     back by ID ascending
//
// Invalid input never reaches an adapter. Problems are collected while
// building and returned together from Build or Execute as a single
// dberr.KindValidation error.
//
// Example:
//
//	spec, err := query.New().
//	    Eq("ativo", true).
//	    Prefix("nome_aluno", "An").
//	    OrderBy("nome_aluno", query.Asc).
//	    Limit(20).
//	    Build()
package query
