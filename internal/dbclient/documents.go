package dbclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/adapter"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/breaker"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dberr"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/query"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/record"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/value"
)

var _ query.Executor = (*Client)(nil)

// CreateDocument stores fields as a new record of collection owned by
// tenant and returns it with its generated ID.
//
// The ID is generated once, before the first attempt, so a retry after a
// write whose reply was lost finds the record instead of creating a second
// one.
func (c *Client) CreateDocument(ctx context.Context, collection string, tenant record.TenantScope, fields value.Fields) (record.Record, error) {
	const op = "create"
	if err := validateScope(op, collection, tenant); err != nil {
		return record.Record{}, err
	}
	fields = fields.Normalize()
	id, err := adapter.NewID()
	if err != nil {
		return record.Record{}, dberr.Wrap(dberr.KindDatabase, "", op, err)
	}

	var (
		out   record.Record
		tries int
	)
	err = c.run(ctx, call{op: op, class: breaker.ClassWrite, collection: collection, tenant: string(tenant)},
		func(ctx context.Context, a adapter.Adapter) error {
			tries++
			r, err := a.Create(ctx, collection, tenant, id, fields)
			if tries > 1 && errors.Is(err, dberr.ErrExists) {
				stored, gerr := a.Get(ctx, collection, tenant, id)
				if gerr == nil && stored.Tenant == tenant {
					r, err = stored, nil
				}
			}
			if err != nil {
				return err
			}
			out = r
			return nil
		})
	return out, err
}

// GetDocument returns one record of tenant. A missing record, or one owned
// by another tenant, yields an error wrapping dberr.ErrNotFound.
func (c *Client) GetDocument(ctx context.Context, collection string, tenant record.TenantScope, id string) (record.Record, error) {
	const op = "get"
	if err := validateTarget(op, collection, tenant, id); err != nil {
		return record.Record{}, err
	}

	var out record.Record
	err := c.run(ctx, call{op: op, class: breaker.ClassRead, collection: collection, tenant: string(tenant)},
		func(ctx context.Context, a adapter.Adapter) error {
			r, err := a.Get(ctx, collection, tenant, id)
			if err != nil {
				return err
			}
			if r.Tenant != tenant {
				c.logger.Warn("adapter returned a record of another tenant",
					"adapter", a.Name(), "collection", collection, "id", id)
				return fmt.Errorf("%s/%s: %w", collection, id, dberr.ErrNotFound)
			}
			out = r
			return nil
		})
	return out, err
}

// UpdateDocument merges partial into an existing record and returns the
// result. Missing records yield an error wrapping dberr.ErrNotFound.
func (c *Client) UpdateDocument(ctx context.Context, collection string, tenant record.TenantScope, id string, partial value.Fields) (record.Record, error) {
	const op = "update"
	if err := validateTarget(op, collection, tenant, id); err != nil {
		return record.Record{}, err
	}
	if partial.Len() == 0 {
		return record.Record{}, dberr.Validation(op, errors.New("update has no fields"))
	}
	partial = partial.Normalize()

	var out record.Record
	err := c.run(ctx, call{op: op, class: breaker.ClassWrite, collection: collection, tenant: string(tenant)},
		func(ctx context.Context, a adapter.Adapter) error {
			r, err := a.Update(ctx, collection, tenant, id, partial)
			if err != nil {
				return err
			}
			out = r
			return nil
		})
	return out, err
}

// DeleteDocument removes a record and reports whether it existed.
func (c *Client) DeleteDocument(ctx context.Context, collection string, tenant record.TenantScope, id string) (bool, error) {
	const op = "delete"
	if err := validateTarget(op, collection, tenant, id); err != nil {
		return false, err
	}

	var deleted bool
	err := c.run(ctx, call{op: op, class: breaker.ClassWrite, collection: collection, tenant: string(tenant)},
		func(ctx context.Context, a adapter.Adapter) error {
			ok, err := a.Delete(ctx, collection, tenant, id)
			if err != nil {
				return err
			}
			deleted = ok
			return nil
		})
	return deleted, err
}

// QueryDocuments builds b and returns every matching record of tenant.
// Builder errors surface as a Validation error before any adapter is
// touched.
func (c *Client) QueryDocuments(ctx context.Context, collection string, tenant record.TenantScope, b *query.Builder) ([]record.Record, error) {
	if b == nil {
		b = query.New()
	}
	spec, err := b.Build()
	if err != nil {
		return nil, err
	}
	return c.querySpec(ctx, collection, tenant, spec)
}

// Query runs a built spec and returns the drained results as a cursor, so
// the client can serve as a query.Executor:
//
//	cur, err := query.New().Eq("ativo", true).Execute(ctx, client, "alunos", tenant)
func (c *Client) Query(ctx context.Context, collection string, tenant record.TenantScope, spec query.Spec) (record.Cursor, error) {
	recs, err := c.querySpec(ctx, collection, tenant, spec)
	if err != nil {
		return nil, err
	}
	return record.NewSliceCursor(recs), nil
}

// querySpec drains the cursor inside the retried call so that a failure
// mid-stream retries the whole query. Records of another tenant are dropped.
func (c *Client) querySpec(ctx context.Context, collection string, tenant record.TenantScope, spec query.Spec) ([]record.Record, error) {
	const op = "query"
	if err := validateScope(op, collection, tenant); err != nil {
		return nil, err
	}

	var out []record.Record
	err := c.run(ctx, call{op: op, class: breaker.ClassRead, collection: collection, tenant: string(tenant)},
		func(ctx context.Context, a adapter.Adapter) error {
			cur, err := a.Query(ctx, collection, tenant, spec)
			if err != nil {
				return err
			}
			recs, err := record.Collect(cur)
			if err != nil {
				return err
			}
			out = out[:0]
			for _, r := range recs {
				if r.Tenant != tenant || r.Collection != collection {
					c.logger.Warn("dropping foreign record from query result",
						"adapter", a.Name(), "collection", collection, "id", r.ID)
					continue
				}
				out = append(out, r)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BatchOperation applies ops on whichever adapter the breaker selects, with
// that adapter's atomicity. There is no atomicity across adapters: when an
// error is returned the batch must be treated as failed and re-issued in
// full. A batch that failed on the primary may have been partially applied
// there if the primary cannot apply it atomically; the client never replays
// it on the secondary by itself.
//
// Creates without an ID get one before the first attempt. A retry that
// fails because those records already exist counts as success when the
// stored records match what the batch leaves behind.
func (c *Client) BatchOperation(ctx context.Context, tenant record.TenantScope, ops []record.Operation) error {
	const op = "batch"
	if err := tenant.Validate(); err != nil {
		return dberr.Validation(op, err)
	}
	normalized := make([]record.Operation, len(ops))
	collections := make([]string, 0, len(ops))
	generated := make(map[recordKey]bool)
	for i, o := range ops {
		if err := o.Validate(); err != nil {
			return dberr.Validation(op, fmt.Errorf("operation %d: %w", i, err))
		}
		o.Fields = o.Fields.Normalize()
		if o.Kind == record.OpCreate && o.ID == "" {
			id, err := adapter.NewID()
			if err != nil {
				return dberr.Wrap(dberr.KindDatabase, "", op, err)
			}
			o.ID = id
			generated[recordKey{o.Collection, id}] = true
		}
		normalized[i] = o
		collections = append(collections, o.Collection)
	}
	if len(normalized) == 0 {
		return nil
	}

	var tries int
	return c.run(ctx, call{op: op, class: breaker.ClassWrite, collection: strings.Join(dedupe(collections), ","), tenant: string(tenant)},
		func(ctx context.Context, a adapter.Adapter) error {
			tries++
			err := a.Batch(ctx, tenant, normalized)
			if tries > 1 && errors.Is(err, dberr.ErrExists) {
				applied, cerr := batchApplied(ctx, a, tenant, normalized, generated)
				if cerr != nil {
					return cerr
				}
				if applied {
					c.logger.Debug("batch already applied by an earlier attempt", "adapter", a.Name())
					return nil
				}
			}
			return err
		})
}

type recordKey struct {
	collection string
	id         string
}

// batchApplied reports whether every record created by ops is stored in
// the state the batch leaves it in. Records deleted later in the batch must
// be absent. For generated IDs, presence alone proves an earlier attempt
// committed.
func batchApplied(ctx context.Context, a adapter.Adapter, tenant record.TenantScope, ops []record.Operation, generated map[recordKey]bool) (bool, error) {
	want := make(map[recordKey]*value.Fields)
	var order []recordKey
	for _, o := range ops {
		k := recordKey{o.Collection, o.ID}
		switch o.Kind {
		case record.OpCreate:
			f := o.Fields.Clone()
			if _, seen := want[k]; !seen {
				order = append(order, k)
			}
			want[k] = &f
		case record.OpUpdate:
			if cur := want[k]; cur != nil {
				merged := cur.Merge(o.Fields)
				want[k] = &merged
			}
		case record.OpDelete:
			if _, ok := want[k]; ok {
				want[k] = nil
			}
		}
	}

	for _, k := range order {
		r, err := a.Get(ctx, k.collection, tenant, k.id)
		switch {
		case errors.Is(err, dberr.ErrNotFound):
			if want[k] != nil {
				return false, nil
			}
		case err != nil:
			return false, err
		case want[k] == nil, r.Tenant != tenant:
			return false, nil
		case !generated[k] && !r.Fields.Equal(*want[k]):
			return false, nil
		}
	}
	return true, nil
}

func validateScope(op, collection string, tenant record.TenantScope) error {
	if err := tenant.Validate(); err != nil {
		return dberr.Validation(op, err)
	}
	if err := record.ValidateCollection(collection); err != nil {
		return dberr.Validation(op, err)
	}
	return nil
}

func validateTarget(op, collection string, tenant record.TenantScope, id string) error {
	if err := validateScope(op, collection, tenant); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return dberr.Validation(op, errors.New("document id is empty"))
	}
	return nil
}

func dedupe(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	out := ss[:0:0]
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
