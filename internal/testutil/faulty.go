package testutil

import (
	"context"
	"sync"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/adapter"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/query"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/record"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/value"
)

// Method names an Adapter method for fault scripting and call counting.
type Method string

const (
	MethodCreate Method = "create"
	MethodGet    Method = "get"
	MethodUpdate Method = "update"
	MethodDelete Method = "delete"
	MethodQuery  Method = "query"
	MethodBatch  Method = "batch"
	MethodPing   Method = "ping"
)

// dataMethods are the methods counted by TotalCalls.
var dataMethods = []Method{MethodCreate, MethodGet, MethodUpdate, MethodDelete, MethodQuery, MethodBatch}

// Hook runs before every call reaches the wrapped adapter. A non-nil error
// is returned in place of the call.
type Hook func(ctx context.Context, m Method) error

// FaultyAdapter wraps an Adapter and injects scripted failures. Breaker and
// retry tests use it to make the primary fail on demand and to count how
// often it was actually touched.
//
// Errors are taken in this order: the hook, the per-method queue from
// FailNext, then the FailAlways error. Errors queued with LoseReplyNext are
// returned only after the wrapped call succeeded, as when a write commits
// but its reply never arrives.
//
// Thread-safety: All methods are safe for concurrent use.
type FaultyAdapter struct {
	inner adapter.Adapter
	name  string

	mu     sync.Mutex
	queued map[Method][]error
	lost   map[Method][]error
	always error
	hook   Hook
	calls  map[Method]int
}

var _ adapter.Adapter = (*FaultyAdapter)(nil)

// NewFaultyAdapter wraps inner. name overrides inner.Name() when non-empty.
func NewFaultyAdapter(inner adapter.Adapter, name string) *FaultyAdapter {
	if name == "" {
		name = inner.Name()
	}
	return &FaultyAdapter{
		inner:  inner,
		name:   name,
		queued: make(map[Method][]error),
		lost:   make(map[Method][]error),
		calls:  make(map[Method]int),
	}
}

// FailNext queues errs for the next calls of m, one error per call.
func (f *FaultyAdapter) FailNext(m Method, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[m] = append(f.queued[m], errs...)
}

// LoseReplyNext lets the next calls of m reach the wrapped adapter and then
// replaces their successful result with errs, one error per call.
func (f *FaultyAdapter) LoseReplyNext(m Method, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost[m] = append(f.lost[m], errs...)
}

// FailAlways makes every call fail with err until cleared with nil.
func (f *FaultyAdapter) FailAlways(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.always = err
}

// SetHook installs h (nil removes it).
func (f *FaultyAdapter) SetHook(h Hook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = h
}

// Calls returns how many times m was invoked, failed calls included.
func (f *FaultyAdapter) Calls(m Method) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[m]
}

// TotalCalls returns the number of data operations invoked (Ping excluded).
func (f *FaultyAdapter) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, m := range dataMethods {
		total += f.calls[m]
	}
	return total
}

// ResetCalls zeroes every counter.
func (f *FaultyAdapter) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[Method]int)
}

func (f *FaultyAdapter) before(ctx context.Context, m Method) error {
	f.mu.Lock()
	f.calls[m]++
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, m); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.queued[m]; len(q) > 0 {
		f.queued[m] = q[1:]
		return q[0]
	}
	return f.always
}

// after returns the queued lost-reply error for m when err is nil.
func (f *FaultyAdapter) after(m Method, err error) error {
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.lost[m]; len(q) > 0 {
		f.lost[m] = q[1:]
		return q[0]
	}
	return nil
}

func (f *FaultyAdapter) Name() string { return f.name }

func (f *FaultyAdapter) Create(ctx context.Context, collection string, tenant record.TenantScope, id string, fields value.Fields) (record.Record, error) {
	if err := f.before(ctx, MethodCreate); err != nil {
		return record.Record{}, err
	}
	r, err := f.inner.Create(ctx, collection, tenant, id, fields)
	if err = f.after(MethodCreate, err); err != nil {
		return record.Record{}, err
	}
	return r, nil
}

func (f *FaultyAdapter) Get(ctx context.Context, collection string, tenant record.TenantScope, id string) (record.Record, error) {
	if err := f.before(ctx, MethodGet); err != nil {
		return record.Record{}, err
	}
	return f.inner.Get(ctx, collection, tenant, id)
}

func (f *FaultyAdapter) Update(ctx context.Context, collection string, tenant record.TenantScope, id string, partial value.Fields) (record.Record, error) {
	if err := f.before(ctx, MethodUpdate); err != nil {
		return record.Record{}, err
	}
	r, err := f.inner.Update(ctx, collection, tenant, id, partial)
	if err = f.after(MethodUpdate, err); err != nil {
		return record.Record{}, err
	}
	return r, nil
}

func (f *FaultyAdapter) Delete(ctx context.Context, collection string, tenant record.TenantScope, id string) (bool, error) {
	if err := f.before(ctx, MethodDelete); err != nil {
		return false, err
	}
	return f.inner.Delete(ctx, collection, tenant, id)
}

func (f *FaultyAdapter) Query(ctx context.Context, collection string, tenant record.TenantScope, spec query.Spec) (record.Cursor, error) {
	if err := f.before(ctx, MethodQuery); err != nil {
		return nil, err
	}
	return f.inner.Query(ctx, collection, tenant, spec)
}

func (f *FaultyAdapter) Batch(ctx context.Context, tenant record.TenantScope, ops []record.Operation) error {
	if err := f.before(ctx, MethodBatch); err != nil {
		return err
	}
	return f.after(MethodBatch, f.inner.Batch(ctx, tenant, ops))
}

func (f *FaultyAdapter) Ping(ctx context.Context) error {
	if err := f.before(ctx, MethodPing); err != nil {
		return err
	}
	return f.inner.Ping(ctx)
}

func (f *FaultyAdapter) Close() error {
	return f.inner.Close()
}
