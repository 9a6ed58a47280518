package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/adapter"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dberr"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/query"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/record"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/value"
)

func notFound(collection, id string) error {
	return fmt.Errorf("%s/%s: %w", collection, id, dberr.ErrNotFound)
}

// Create stores a new document under id, or a generated UUIDv7 id when id
// is empty.
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

	now := adapter.Now()
	r := record.Record{
		Collection: collection,
		ID:         id,
		Tenant:     tenant,
		Fields:     fields.Clone(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	data, err := encodeRecord(r)
	if err != nil {
		return record.Record{}, dberr.Wrap(dberr.KindValidation, s.name, "create", err)
	}

	var created *goredis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		created = pipe.SetNX(ctx, s.docKey(collection, tenant, id), data, 0)
		pipe.SAdd(ctx, s.idxKey(collection, tenant), id)
		return nil
	})
	if err != nil {
		return record.Record{}, s.fail("create", fmt.Errorf("store %s/%s: %w", collection, id, err))
	}
	if !created.Val() {
		return record.Record{}, dberr.Wrap(dberr.KindValidation, s.name, "create", fmt.Errorf("%s/%s: %w", collection, id, dberr.ErrExists))
	}
	return r, nil
}

// Get loads one document of tenant, or dberr.ErrNotFound.
func (s *Store) Get(ctx context.Context, collection string, tenant record.TenantScope, id string) (record.Record, error) {
	if err := checkScope(collection, tenant); err != nil {
		return record.Record{}, dberr.Tag(s.name, "get", err)
	}
	data, err := s.client.Get(ctx, s.docKey(collection, tenant, id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return record.Record{}, notFound(collection, id)
	}
	if err != nil {
		return record.Record{}, s.fail("get", fmt.Errorf("load %s/%s: %w", collection, id, err))
	}
	r, err := decodeRecord(data)
	if err != nil {
		return record.Record{}, s.fail("get", err)
	}
	if r.Tenant != tenant {
		return record.Record{}, notFound(collection, id)
	}
	return r, nil
}

// Update merges partial into a document under WATCH. A concurrent write
// retries the read-merge-write a bounded number of times.
func (s *Store) Update(ctx context.Context, collection string, tenant record.TenantScope, id string, partial value.Fields) (record.Record, error) {
	if err := checkScope(collection, tenant); err != nil {
		return record.Record{}, dberr.Tag(s.name, "update", err)
	}
	key := s.docKey(collection, tenant, id)

	var updated record.Record
	txf := func(tx *goredis.Tx) error {
		current, ok, err := s.load(ctx, tx, key, tenant)
		if err != nil {
			return err
		}
		if !ok {
			return notFound(collection, id)
		}
		current.Fields = current.Fields.Merge(partial)
		current.UpdatedAt = adapter.Now()

		data, err := encodeRecord(current)
		if err != nil {
			return dberr.Validation("update", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			updated = current
		}
		return err
	}

	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, goredis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, dberr.ErrNotFound) {
		return record.Record{}, err
	}
	return record.Record{}, s.fail("update", fmt.Errorf("update %s/%s: %w", collection, id, err))
}

// Delete removes a document and its index entry.
func (s *Store) Delete(ctx context.Context, collection string, tenant record.TenantScope, id string) (bool, error) {
	if err := checkScope(collection, tenant); err != nil {
		return false, dberr.Tag(s.name, "delete", err)
	}

	var deleted *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		deleted = pipe.Del(ctx, s.docKey(collection, tenant, id))
		pipe.SRem(ctx, s.idxKey(collection, tenant), id)
		return nil
	})
	if err != nil {
		return false, s.fail("delete", fmt.Errorf("delete %s/%s: %w", collection, id, err))
	}
	return deleted.Val() > 0, nil
}

// Query evaluates spec client-side. Without an ordering, documents stream
// in ID order one MGET chunk at a time; with one, every match is loaded,
// sorted and paged.
func (s *Store) Query(ctx context.Context, collection string, tenant record.TenantScope, spec query.Spec) (record.Cursor, error) {
	if err := checkScope(collection, tenant); err != nil {
		return nil, dberr.Tag(s.name, "query", err)
	}

	ids, err := s.client.SMembers(ctx, s.idxKey(collection, tenant)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, s.fail("query", fmt.Errorf("list %s ids: %w", collection, err))
	}
	sort.Strings(ids)

	cur := &scanCursor{
		ctx:        ctx,
		store:      s,
		collection: collection,
		tenant:     tenant,
		spec:       spec,
		ids:        ids,
	}
	if _, ordered := spec.Order(); !ordered {
		return cur, nil
	}

	// Ordered queries need every match before the first can be returned.
	cur.spec = query.Spec{}
	all, err := record.Collect(cur)
	if err != nil {
		return nil, err
	}
	matches := all[:0]
	for _, r := range all {
		if spec.Match(r.Fields) {
			matches = append(matches, r)
		}
	}
	return record.NewSliceCursor(spec.Apply(matches)), nil
}

// Batch applies ops atomically. Every key an operation names is WATCHed and
// all preconditions are checked before MULTI; the queued SET/DEL/SADD/SREM
// commands cannot fail for this key layout, so EXEC applies all or nothing.
// A concurrent write to a watched key aborts the batch.
func (s *Store) Batch(ctx context.Context, tenant record.TenantScope, ops []record.Operation) error {
	if err := tenant.Validate(); err != nil {
		return dberr.Wrap(dberr.KindValidation, s.name, "batch", err)
	}
	ops = append([]record.Operation(nil), ops...)
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return dberr.Wrap(dberr.KindValidation, s.name, "batch", fmt.Errorf("operation %d: %w", i, err))
		}
		if op.Kind == record.OpCreate && op.ID == "" {
			id, err := adapter.NewID()
			if err != nil {
				return s.fail("batch", err)
			}
			ops[i].ID = id
		}
	}
	if len(ops) == 0 {
		return nil
	}

	keys := make([]string, 0, len(ops))
	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		k := s.docKey(op.Collection, tenant, op.ID)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	txf := func(tx *goredis.Tx) error {
		staged, err := s.stageBatch(ctx, tx, tenant, ops)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, d := range staged {
				idx := s.idxKey(d.collection, tenant)
				if d.data == nil {
					pipe.Del(ctx, d.key)
					pipe.SRem(ctx, idx, d.id)
					continue
				}
				pipe.Set(ctx, d.key, d.data, 0)
				pipe.SAdd(ctx, idx, d.id)
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, keys...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, dberr.ErrNotFound):
		return err
	case errors.Is(err, goredis.TxFailedErr):
		return s.fail("batch", fmt.Errorf("concurrent write to a batch key: %w", err))
	default:
		return s.fail("batch", err)
	}
}

// stagedDoc is the final state of one key after a batch. A nil data means
// the key is deleted.
type stagedDoc struct {
	key        string
	collection string
	id         string
	rec        record.Record
	exists     bool
	data       []byte
}

// stageBatch replays ops against the watched state and returns the final
// state of every touched key in first-touch order.
func (s *Store) stageBatch(ctx context.Context, tx *goredis.Tx, tenant record.TenantScope, ops []record.Operation) ([]*stagedDoc, error) {
	var order []*stagedDoc
	byKey := make(map[string]*stagedDoc)

	lookup := func(op record.Operation) (*stagedDoc, error) {
		k := s.docKey(op.Collection, tenant, op.ID)
		if d, ok := byKey[k]; ok {
			return d, nil
		}
		r, ok, err := s.load(ctx, tx, k, tenant)
		if err != nil {
			return nil, err
		}
		d := &stagedDoc{key: k, collection: op.Collection, id: op.ID, rec: r, exists: ok}
		byKey[k] = d
		order = append(order, d)
		return d, nil
	}

	for i, op := range ops {
		d, err := lookup(op)
		if err != nil {
			return nil, err
		}
		switch op.Kind {
		case record.OpCreate:
			if d.exists {
				return nil, dberr.Validation("batch", fmt.Errorf("operation %d: %s/%s: %w", i, op.Collection, op.ID, dberr.ErrExists))
			}
			now := adapter.Now()
			d.rec = record.Record{
				Collection: op.Collection,
				ID:         op.ID,
				Tenant:     tenant,
				Fields:     op.Fields.Clone(),
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			d.exists = true
		case record.OpUpdate:
			if !d.exists {
				return nil, fmt.Errorf("operation %d: %w", i, notFound(op.Collection, op.ID))
			}
			d.rec.Fields = d.rec.Fields.Merge(op.Fields)
			d.rec.UpdatedAt = adapter.Now()
		case record.OpDelete:
			if !d.exists {
				return nil, fmt.Errorf("operation %d: %w", i, notFound(op.Collection, op.ID))
			}
			d.rec = record.Record{}
			d.exists = false
		}
	}

	for _, d := range order {
		if !d.exists {
			d.data = nil
			continue
		}
		data, err := encodeRecord(d.rec)
		if err != nil {
			return nil, dberr.Validation("batch", err)
		}
		d.data = data
	}
	return order, nil
}

// load reads one document inside a WATCH transaction. A missing key or a
// document of another tenant reports ok == false.
func (s *Store) load(ctx context.Context, tx *goredis.Tx, key string, tenant record.TenantScope) (record.Record, bool, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, err
	}
	r, err := decodeRecord(data)
	if err != nil {
		return record.Record{}, false, err
	}
	if r.Tenant != tenant {
		return record.Record{}, false, nil
	}
	return r, true, nil
}

// fetch loads the documents of ids with one MGET. IDs whose document has
// vanished since the index was read are skipped.
func (s *Store) fetch(ctx context.Context, collection string, tenant record.TenantScope, ids []string) ([]record.Record, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(collection, tenant, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.fail("query", fmt.Errorf("load %s documents: %w", collection, err))
	}

	out := make([]record.Record, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		r, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, s.fail("query", err)
		}
		if r.Tenant != tenant || r.Collection != collection {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// scanCursor streams matching documents in ID order, applying offset and
// limit as it goes.
type scanCursor struct {
	ctx        context.Context
	store      *Store
	collection string
	tenant     record.TenantScope
	spec       query.Spec

	ids     []string
	pos     int
	buf     []record.Record
	skipped int
	emitted int

	cur    record.Record
	err    error
	closed bool
}

func (c *scanCursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	for {
		if limit := c.spec.Limit(); limit > 0 && c.emitted >= limit {
			return false
		}
		if len(c.buf) == 0 {
			if c.pos >= len(c.ids) {
				return false
			}
			end := min(c.pos+scanChunk, len(c.ids))
			recs, err := c.store.fetch(c.ctx, c.collection, c.tenant, c.ids[c.pos:end])
			c.pos = end
			if err != nil {
				c.err = err
				return false
			}
			for _, r := range recs {
				if c.spec.Match(r.Fields) {
					c.buf = append(c.buf, r)
				}
			}
			continue
		}

		r := c.buf[0]
		c.buf = c.buf[1:]
		if c.skipped < c.spec.Offset() {
			c.skipped++
			continue
		}
		c.cur = r
		c.emitted++
		return true
	}
}

func (c *scanCursor) Record() record.Record {
	return c.cur
}

func (c *scanCursor) Err() error {
	return c.err
}

func (c *scanCursor) Close() error {
	c.closed = true
	c.buf = nil
	return nil
}
