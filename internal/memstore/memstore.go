// Package memstore is an in-process Adapter. It backs tests and local
// development, and can stand in for either side of the client.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/adapter"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dberr"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/query"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/record"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/value"
)

// DefaultName is the adapter name unless WithName is given.
const DefaultName = "memory"

var errClosed = errors.New("memory store is closed")

type key struct {
	collection string
	tenant     record.TenantScope
	id         string
}

// Store keeps records in maps guarded by one RWMutex. Records are cloned on
// the way in and out so callers never share Fields with the store.
type Store struct {
	name string

	mu      sync.RWMutex
	records map[key]record.Record
	closed  bool
}

var _ adapter.Adapter = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithName overrides the adapter name.
func WithName(name string) Option {
	return func(s *Store) { s.name = name }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{name: DefaultName, records: make(map[key]record.Record)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Name() string { return s.name }

func (s *Store) Create(ctx context.Context, collection string, tenant record.TenantScope, id string, fields value.Fields) (record.Record, error) {
	if err := s.check(ctx, "create", collection, tenant); err != nil {
		return record.Record{}, err
	}
	if id == "" {
		var err error
		if id, err = adapter.NewID(); err != nil {
			return record.Record{}, dberr.Wrap(dberr.KindDatabase, s.name, "create", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return record.Record{}, dberr.Wrap(dberr.KindConnection, s.name, "create", errClosed)
	}
	if _, ok := s.records[key{collection, tenant, id}]; ok {
		return record.Record{}, dberr.Wrap(dberr.KindValidation, s.name, "create",
			fmt.Errorf("%s/%s: %w", collection, id, dberr.ErrExists))
	}
	r := newRecord(collection, tenant, id, fields)
	s.records[key{collection, tenant, id}] = r
	return r.Clone(), nil
}

func (s *Store) Get(ctx context.Context, collection string, tenant record.TenantScope, id string) (record.Record, error) {
	if err := s.check(ctx, "get", collection, tenant); err != nil {
		return record.Record{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return record.Record{}, dberr.Wrap(dberr.KindConnection, s.name, "get", errClosed)
	}
	r, ok := s.records[key{collection, tenant, id}]
	if !ok || r.Tenant != tenant {
		return record.Record{}, fmt.Errorf("%s/%s: %w", collection, id, dberr.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) Update(ctx context.Context, collection string, tenant record.TenantScope, id string, partial value.Fields) (record.Record, error) {
	if err := s.check(ctx, "update", collection, tenant); err != nil {
		return record.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return record.Record{}, dberr.Wrap(dberr.KindConnection, s.name, "update", errClosed)
	}
	k := key{collection, tenant, id}
	r, ok := s.records[k]
	if !ok {
		return record.Record{}, fmt.Errorf("%s/%s: %w", collection, id, dberr.ErrNotFound)
	}
	r = applyUpdate(r, partial)
	s.records[k] = r
	return r.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, collection string, tenant record.TenantScope, id string) (bool, error) {
	if err := s.check(ctx, "delete", collection, tenant); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, dberr.Wrap(dberr.KindConnection, s.name, "delete", errClosed)
	}
	k := key{collection, tenant, id}
	if _, ok := s.records[k]; !ok {
		return false, nil
	}
	delete(s.records, k)
	return true, nil
}

// Query evaluates spec against a snapshot taken under the read lock.
func (s *Store) Query(ctx context.Context, collection string, tenant record.TenantScope, spec query.Spec) (record.Cursor, error) {
	if err := s.check(ctx, "query", collection, tenant); err != nil {
		return nil, err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, dberr.Wrap(dberr.KindConnection, s.name, "query", errClosed)
	}
	var candidates []record.Record
	for k, r := range s.records {
		if k.collection == collection && k.tenant == tenant && spec.Match(r.Fields) {
			candidates = append(candidates, r.Clone())
		}
	}
	s.mu.RUnlock()

	spec.Sort(candidates)
	return record.NewSliceCursor(spec.Page(candidates)), nil
}

// Batch validates every operation, stages the changes against the current
// state and commits them under one lock. Either all apply or none do.
func (s *Store) Batch(ctx context.Context, tenant record.TenantScope, ops []record.Operation) error {
	if err := ctx.Err(); err != nil {
		return dberr.Wrap(dberr.KindTimeout, s.name, "batch", err)
	}
	if err := validateBatch(tenant, ops); err != nil {
		return dberr.Tag(s.name, "batch", err)
	}
	if len(ops) == 0 {
		return nil
	}

	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
		if op.Kind == record.OpCreate && op.ID == "" {
			id, err := adapter.NewID()
			if err != nil {
				return dberr.Wrap(dberr.KindDatabase, s.name, "batch", err)
			}
			ids[i] = id
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dberr.Wrap(dberr.KindConnection, s.name, "batch", errClosed)
	}

	staged := make(map[key]*record.Record)
	lookup := func(k key) (record.Record, bool) {
		if r, ok := staged[k]; ok {
			if r == nil {
				return record.Record{}, false
			}
			return *r, true
		}
		r, ok := s.records[k]
		return r, ok
	}

	for i, op := range ops {
		k := key{op.Collection, tenant, ids[i]}
		current, exists := lookup(k)
		switch op.Kind {
		case record.OpCreate:
			if exists {
				return dberr.Wrap(dberr.KindValidation, s.name, "batch",
					fmt.Errorf("operation %d: %s/%s: %w", i, op.Collection, ids[i], dberr.ErrExists))
			}
			r := newRecord(op.Collection, tenant, ids[i], op.Fields)
			staged[k] = &r
		case record.OpUpdate:
			if !exists {
				return fmt.Errorf("operation %d: %s/%s: %w", i, op.Collection, ids[i], dberr.ErrNotFound)
			}
			r := applyUpdate(current, op.Fields)
			staged[k] = &r
		case record.OpDelete:
			if !exists {
				return fmt.Errorf("operation %d: %s/%s: %w", i, op.Collection, ids[i], dberr.ErrNotFound)
			}
			staged[k] = nil
		}
	}

	for k, r := range staged {
		if r == nil {
			delete(s.records, k)
			continue
		}
		s.records[k] = *r
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return dberr.Wrap(dberr.KindTimeout, s.name, "ping", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return dberr.Wrap(dberr.KindConnection, s.name, "ping", errClosed)
	}
	return nil
}

// Close marks the store closed; later calls fail with a connection error.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of stored records across all tenants.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) check(ctx context.Context, op, collection string, tenant record.TenantScope) error {
	if err := ctx.Err(); err != nil {
		return dberr.Wrap(dberr.KindTimeout, s.name, op, err)
	}
	if err := tenant.Validate(); err != nil {
		return dberr.Wrap(dberr.KindValidation, s.name, op, err)
	}
	if err := record.ValidateCollection(collection); err != nil {
		return dberr.Wrap(dberr.KindValidation, s.name, op, err)
	}
	return nil
}

func validateBatch(tenant record.TenantScope, ops []record.Operation) error {
	if err := tenant.Validate(); err != nil {
		return dberr.Validation("batch", err)
	}
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return dberr.Validation("batch", fmt.Errorf("operation %d: %w", i, err))
		}
	}
	return nil
}

func newRecord(collection string, tenant record.TenantScope, id string, fields value.Fields) record.Record {
	now := adapter.Now()
	return record.Record{
		Collection: collection,
		ID:         id,
		Tenant:     tenant,
		Fields:     fields.Clone(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func applyUpdate(r record.Record, partial value.Fields) record.Record {
	r.Fields = r.Fields.Merge(partial)
	r.UpdatedAt = adapter.Now()
	return r
}
