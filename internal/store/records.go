package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/adapter"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dberr"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/query"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/querysql"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/record"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/value"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Create inserts a new record under id, or a generated UUIDv7 id when id is
// empty.
func (s *Store) Create(ctx context.Context, collection string, tenant record.TenantScope, id string, fields value.Fields) (record.Record, error) {
	if err := checkScope(collection, tenant); err != nil {
		return record.Record{}, dberr.Tag(s.name, "create", err)
	}
	if id == "" {
		var err error
		if id, err = adapter.NewID(); err != nil {
			return record.Record{}, s.fail("create", err)
		}
	}

	r, err := insertRecord(ctx, s.db, collection, tenant, id, fields)
	if err != nil {
		return record.Record{}, s.fail("create", err)
	}
	return r, nil
}

// Get returns one record of tenant, or dberr.ErrNotFound.
func (s *Store) Get(ctx context.Context, collection string, tenant record.TenantScope, id string) (record.Record, error) {
	if err := checkScope(collection, tenant); err != nil {
		return record.Record{}, dberr.Tag(s.name, "get", err)
	}
	r, err := selectRecord(ctx, s.db, collection, tenant, id)
	if err != nil {
		if errors.Is(err, dberr.ErrNotFound) {
			return record.Record{}, err
		}
		return record.Record{}, s.fail("get", err)
	}
	return r, nil
}

// Update merges partial into an existing record inside a transaction.
func (s *Store) Update(ctx context.Context, collection string, tenant record.TenantScope, id string, partial value.Fields) (record.Record, error) {
	if err := checkScope(collection, tenant); err != nil {
		return record.Record{}, dberr.Tag(s.name, "update", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return record.Record{}, s.fail("update", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() // No-op if committed

	r, err := updateRecord(ctx, tx, collection, tenant, id, partial)
	if err != nil {
		if errors.Is(err, dberr.ErrNotFound) {
			return record.Record{}, err
		}
		return record.Record{}, s.fail("update", err)
	}

	if err := tx.Commit(); err != nil {
		return record.Record{}, s.fail("update", fmt.Errorf("commit: %w", err))
	}
	return r, nil
}

// Delete removes a record and reports whether a row was deleted.
func (s *Store) Delete(ctx context.Context, collection string, tenant record.TenantScope, id string) (bool, error) {
	if err := checkScope(collection, tenant); err != nil {
		return false, dberr.Tag(s.name, "delete", err)
	}
	deleted, err := deleteRecord(ctx, s.db, collection, tenant, id)
	if err != nil {
		return false, s.fail("delete", err)
	}
	return deleted, nil
}

// Query compiles spec and streams matching rows. The cursor holds the
// store's only connection until it is closed, so drain or close it before
// issuing other calls on the same Store.
func (s *Store) Query(ctx context.Context, collection string, tenant record.TenantScope, spec query.Spec) (record.Cursor, error) {
	if err := checkScope(collection, tenant); err != nil {
		return nil, dberr.Tag(s.name, "query", err)
	}

	sqlText, params, err := s.compiler.Compile(collection, tenant, spec)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindValidation, s.name, "query", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, s.fail("query", fmt.Errorf("query records: %w", err))
	}
	return &rowsCursor{store: s, rows: rows, tenant: tenant}, nil
}

// Batch applies ops in one transaction. The first failing operation rolls
// back everything before it.
func (s *Store) Batch(ctx context.Context, tenant record.TenantScope, ops []record.Operation) error {
	if err := tenant.Validate(); err != nil {
		return dberr.Wrap(dberr.KindValidation, s.name, "batch", err)
	}
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return dberr.Wrap(dberr.KindValidation, s.name, "batch", fmt.Errorf("operation %d: %w", i, err))
		}
	}
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("batch", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() // No-op if committed

	for i, op := range ops {
		if err := applyOperation(ctx, tx, tenant, op); err != nil {
			err = fmt.Errorf("operation %d: %w", i, err)
			if errors.Is(err, dberr.ErrNotFound) {
				return err
			}
			return s.fail("batch", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.fail("batch", fmt.Errorf("commit: %w", err))
	}
	return nil
}

func applyOperation(ctx context.Context, tx *sql.Tx, tenant record.TenantScope, op record.Operation) error {
	switch op.Kind {
	case record.OpCreate:
		id := op.ID
		if id == "" {
			var err error
			if id, err = adapter.NewID(); err != nil {
				return err
			}
		}
		_, err := insertRecord(ctx, tx, op.Collection, tenant, id, op.Fields)
		return err
	case record.OpUpdate:
		_, err := updateRecord(ctx, tx, op.Collection, tenant, op.ID, op.Fields)
		return err
	case record.OpDelete:
		deleted, err := deleteRecord(ctx, tx, op.Collection, tenant, op.ID)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("%s/%s: %w", op.Collection, op.ID, dberr.ErrNotFound)
		}
		return nil
	default:
		return dberr.Validation("batch", fmt.Errorf("unknown operation kind %q", op.Kind))
	}
}

func insertRecord(ctx context.Context, ex execer, collection string, tenant record.TenantScope, id string, fields value.Fields) (record.Record, error) {
	fieldsJSON, err := marshalFields(fields)
	if err != nil {
		return record.Record{}, dberr.Validation("create", err)
	}
	kindsJSON, err := marshalKinds(fields)
	if err != nil {
		return record.Record{}, dberr.Validation("create", err)
	}

	now := adapter.Now()
	_, err = ex.ExecContext(ctx, `
		INSERT INTO records
		(collection, tenant, id, fields, kinds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		collection,
		string(tenant),
		id,
		fieldsJSON,
		kindsJSON,
		formatTime(now),
		formatTime(now),
	)
	if isDuplicate(err) {
		return record.Record{}, fmt.Errorf("insert %s/%s: %w", collection, id, dberr.ErrExists)
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("insert %s/%s: %w", collection, id, err)
	}

	return record.Record{
		Collection: collection,
		ID:         id,
		Tenant:     tenant,
		Fields:     fields.Clone(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func selectRecord(ctx context.Context, ex execer, collection string, tenant record.TenantScope, id string) (record.Record, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT `+querysql.Columns+`
		FROM records
		WHERE collection = ? AND tenant = ? AND id = ?
	`, collection, string(tenant), id)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, fmt.Errorf("%s/%s: %w", collection, id, dberr.ErrNotFound)
	}
	if err != nil {
		return record.Record{}, err
	}
	if r.Tenant != tenant {
		return record.Record{}, fmt.Errorf("%s/%s: %w", collection, id, dberr.ErrNotFound)
	}
	return r, nil
}

func updateRecord(ctx context.Context, ex execer, collection string, tenant record.TenantScope, id string, partial value.Fields) (record.Record, error) {
	current, err := selectRecord(ctx, ex, collection, tenant, id)
	if err != nil {
		return record.Record{}, err
	}

	current.Fields = current.Fields.Merge(partial)
	current.UpdatedAt = adapter.Now()

	fieldsJSON, err := marshalFields(current.Fields)
	if err != nil {
		return record.Record{}, dberr.Validation("update", err)
	}
	kindsJSON, err := marshalKinds(current.Fields)
	if err != nil {
		return record.Record{}, dberr.Validation("update", err)
	}

	_, err = ex.ExecContext(ctx, `
		UPDATE records
		SET fields = ?, kinds = ?, updated_at = ?
		WHERE collection = ? AND tenant = ? AND id = ?
	`,
		fieldsJSON,
		kindsJSON,
		formatTime(current.UpdatedAt),
		collection,
		string(tenant),
		id,
	)
	if err != nil {
		return record.Record{}, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return current, nil
}

func deleteRecord(ctx context.Context, ex execer, collection string, tenant record.TenantScope, id string) (bool, error) {
	result, err := ex.ExecContext(ctx, `
		DELETE FROM records
		WHERE collection = ? AND tenant = ? AND id = ?
	`, collection, string(tenant), id)
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: rows affected: %w", collection, id, err)
	}
	return n > 0, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanRecord reads the querysql.Columns column list.
func scanRecord(sc scanner) (record.Record, error) {
	var (
		r                 record.Record
		tenant            string
		fieldsJSON, kinds string
		created, updated  string
	)
	if err := sc.Scan(&r.ID, &r.Collection, &tenant, &fieldsJSON, &kinds, &created, &updated); err != nil {
		return record.Record{}, err
	}
	r.Tenant = record.TenantScope(tenant)

	fields, err := unmarshalFields(fieldsJSON, kinds)
	if err != nil {
		return record.Record{}, fmt.Errorf("scan %s/%s: %w", r.Collection, r.ID, err)
	}
	r.Fields = fields

	if r.CreatedAt, err = parseTime(created); err != nil {
		return record.Record{}, fmt.Errorf("scan %s/%s: created_at: %w", r.Collection, r.ID, err)
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return record.Record{}, fmt.Errorf("scan %s/%s: updated_at: %w", r.Collection, r.ID, err)
	}
	return r, nil
}

func checkScope(collection string, tenant record.TenantScope) error {
	if err := tenant.Validate(); err != nil {
		return dberr.Validation("", err)
	}
	if err := record.ValidateCollection(collection); err != nil {
		return dberr.Validation("", err)
	}
	return nil
}

// rowsCursor streams *sql.Rows as records.
type rowsCursor struct {
	store  *Store
	rows   *sql.Rows
	tenant record.TenantScope
	cur    record.Record
	err    error
	closed bool
}

func (c *rowsCursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	for c.rows.Next() {
		r, err := scanRecord(c.rows)
		if err != nil {
			c.err = c.store.fail("query", err)
			return false
		}
		if r.Tenant != c.tenant {
			continue
		}
		c.cur = r
		return true
	}
	return false
}

func (c *rowsCursor) Record() record.Record {
	return c.cur
}

func (c *rowsCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	if err := c.rows.Err(); err != nil {
		return c.store.fail("query", fmt.Errorf("iterate records: %w", err))
	}
	return nil
}

func (c *rowsCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rows.Close()
}
