// Package record defines the tenant-scoped document model shared by every
// adapter: Record, TenantScope, batch Operation and the streaming Cursor.
package record

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/value"
)

// ErrInvalidTenant is returned by TenantScope.Validate.
var ErrInvalidTenant = errors.New("invalid tenant scope")

// TenantScope identifies the tenant that owns a record. It is opaque to the
// layer; the only requirement is that it is non-empty and free of the key
// separator used by the document store.
type TenantScope string

// Validate rejects empty, whitespace-only and separator-containing scopes.
func (t TenantScope) Validate() error {
	s := string(t)
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTenant)
	}
	if strings.Contains(s, ":") {
		return fmt.Errorf("%w: %q contains ':'", ErrInvalidTenant, s)
	}
	return nil
}

func (t TenantScope) String() string { return string(t) }

// Record is one document as stored by an adapter.
type Record struct {
	Collection string
	ID         string
	Tenant     TenantScope
	Fields     value.Fields
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Clone returns a copy whose Fields can be mutated independently.
func (r Record) Clone() Record {
	r.Fields = r.Fields.Clone()
	return r
}

// OpKind is the kind of a batch operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// ParseOpKind is the inverse of OpKind's string form.
func ParseOpKind(s string) (OpKind, error) {
	switch k := OpKind(strings.ToLower(strings.TrimSpace(s))); k {
	case OpCreate, OpUpdate, OpDelete:
		return k, nil
	default:
		return "", fmt.Errorf("unknown operation kind %q", s)
	}
}

// Operation describes one step of a batch.
//
// Create ignores ID unless it is set, in which case the adapter uses it as the
// record ID. Update merges Fields into the existing record. Delete ignores
// Fields.
type Operation struct {
	Kind       OpKind
	Collection string
	ID         string
	Fields     value.Fields
}

// Validate checks the operation shape without touching any store.
func (op Operation) Validate() error {
	switch op.Kind {
	case OpCreate:
	case OpUpdate, OpDelete:
		if op.ID == "" {
			return fmt.Errorf("%s on %q: missing id", op.Kind, op.Collection)
		}
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	return ValidateCollection(op.Collection)
}

// ValidateCollection rejects empty names and names containing the key
// separator.
func ValidateCollection(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("collection name is empty")
	}
	if strings.ContainsAny(name, ": \t\n") {
		return fmt.Errorf("collection name %q contains a separator", name)
	}
	return nil
}

// Cursor iterates query results. It follows the database/sql.Rows shape:
//
//	for cur.Next() {
//	    rec := cur.Record()
//	}
//	if err := cur.Err(); err != nil { ... }
//
// A Cursor is finite and not restartable. Close must be called; it is safe
// to call more than once.
type Cursor interface {
	Next() bool
	Record() Record
	Err() error
	Close() error
}

// Collect drains cur and closes it.
func Collect(cur Cursor) ([]Record, error) {
	defer cur.Close()
	var out []Record
	for cur.Next() {
		out = append(out, cur.Record())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SliceCursor is a Cursor over records already in memory.
type SliceCursor struct {
	records []Record
	pos     int
	closed  bool
}

// NewSliceCursor returns a cursor over records.
func NewSliceCursor(records []Record) *SliceCursor {
	return &SliceCursor{records: records, pos: -1}
}

func (c *SliceCursor) Next() bool {
	if c.closed || c.pos+1 >= len(c.records) {
		return false
	}
	c.pos++
	return true
}

func (c *SliceCursor) Record() Record {
	if c.pos < 0 || c.pos >= len(c.records) {
		return Record{}
	}
	return c.records[c.pos]
}

func (c *SliceCursor) Err() error { return nil }

func (c *SliceCursor) Close() error {
	c.closed = true
	return nil
}
