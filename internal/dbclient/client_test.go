package dbclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/adapter"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/breaker"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/config"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dberr"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/memstore"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/query"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/record"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/retry"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/testutil"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/value"
)

var connRefused = fmt.Errorf("dial tcp 10.0.0.1:6379: %w", syscall.ECONNREFUSED)

type harness struct {
	client         *Client
	primary        *testutil.FaultyAdapter
	secondary      *testutil.FaultyAdapter
	primaryStore   *memstore.Store
	secondaryStore *memstore.Store
	sleeper        *testutil.RecordingSleeper
	exporter       *tracetest.InMemoryExporter
}

// newHarness wires a client over two fault-injecting memory stores with a
// recording sleeper, a fixed jitter source and an in-memory span exporter.
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		primaryStore:   memstore.New(memstore.WithName("primary")),
		secondaryStore: memstore.New(memstore.WithName("secondary")),
		sleeper:        testutil.NewRecordingSleeper(),
		exporter:       tracetest.NewInMemoryExporter(),
	}
	h.primary = testutil.NewFaultyAdapter(h.primaryStore, "")
	h.secondary = testutil.NewFaultyAdapter(h.secondaryStore, "")

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(h.exporter))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBreakerSettings(breaker.Settings{FailureThreshold: 5, RecoveryTimeout: 50 * time.Millisecond}),
		WithRetryPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: 0.2}),
		WithRetrySleep(h.sleeper.Sleep),
		WithRetryRand(func() float64 { return 0.5 }),
		WithTracerProvider(tp),
	}
	c, err := New(h.primary, h.secondary, append(base, opts...)...)
	require.NoError(t, err)
	h.client = c
	return h
}

// singleAttempt disables retries so that every failed call is one breaker
// failure.
func singleAttempt() Option {
	return WithRetryPolicy(retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
}

func student(name string) value.Fields {
	return value.NewFields(value.F("nome_aluno", value.String(name)))
}

func TestCreateThenGet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.client.CreateDocument(ctx, "students", "t1", student("Ana"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := h.client.GetDocument(ctx, "students", "t1", created.ID)
	require.NoError(t, err)
	nome, ok := got.Fields.Get("nome_aluno")
	require.True(t, ok)
	assert.Equal(t, value.String("Ana"), nome)
	assert.Equal(t, record.TenantScope("t1"), got.Tenant)
}

func TestGetOtherTenantIsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.client.CreateDocument(ctx, "students", "t1", student("Ana"))
	require.NoError(t, err)

	got, err := h.client.GetDocument(ctx, "students", "t2", created.ID)
	require.ErrorIs(t, err, dberr.ErrNotFound)
	assert.Empty(t, got.ID)
	_, classified := dberr.KindOf(err)
	assert.False(t, classified, "not found is a result, not a failure kind")
	assert.Equal(t, 1, h.primary.Calls(testutil.MethodGet), "not found is never retried")
}

func TestGetIsRepeatable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.client.CreateDocument(ctx, "students", "t1", value.NewFields(
		value.F("nome_aluno", value.String("Ana")),
		value.F("idade", value.Number(20)),
	))
	require.NoError(t, err)

	first, err := h.client.GetDocument(ctx, "students", "t1", created.ID)
	require.NoError(t, err)
	second, err := h.client.GetDocument(ctx, "students", "t1", created.ID)
	require.NoError(t, err)
	assert.True(t, first.Fields.Equal(second.Fields))
	assert.Equal(t, first.Fields.Names(), second.Fields.Names())
}

func TestValidationTouchesNoAdapter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"empty tenant", func() error {
			_, err := h.client.CreateDocument(ctx, "students", "", student("Ana"))
			return err
		}},
		{"blank collection", func() error {
			_, err := h.client.GetDocument(ctx, " ", "t1", "id")
			return err
		}},
		{"empty id", func() error {
			_, err := h.client.DeleteDocument(ctx, "students", "t1", "")
			return err
		}},
		{"empty update", func() error {
			_, err := h.client.UpdateDocument(ctx, "students", "t1", "id", value.Fields{})
			return err
		}},
		{"bad query", func() error {
			_, err := h.client.QueryDocuments(ctx, "students", "t1", query.New().Limit(-1))
			return err
		}},
		{"batch op without id", func() error {
			return h.client.BatchOperation(ctx, "t1", []record.Operation{
				{Kind: record.OpCreate, Collection: "students", Fields: student("Ana")},
				{Kind: record.OpDelete, Collection: "students"},
			})
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			require.Error(t, err)
			assert.True(t, dberr.IsKind(err, dberr.KindValidation), "got %v", err)
			assert.Empty(t, dberr.AdapterOf(err))
		})
	}
	assert.Zero(t, h.primary.TotalCalls())
	assert.Zero(t, h.secondary.TotalCalls())
}

func TestConnectionErrorsRetriedWithBackoff(t *testing.T) {
	h := newHarness(t)
	h.primary.FailAlways(connRefused)

	_, err := h.client.GetDocument(context.Background(), "students", "t1", "x")
	require.Error(t, err)
	assert.True(t, dberr.IsKind(err, dberr.KindConnection), "got %v", err)
	assert.Equal(t, "primary", dberr.AdapterOf(err))
	assert.Equal(t, 3, h.primary.Calls(testutil.MethodGet))

	delays := h.sleeper.Delays()
	assert.Equal(t, []time.Duration{110 * time.Millisecond, 220 * time.Millisecond}, delays)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
		assert.LessOrEqual(t, delays[i], 2*time.Second)
	}
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.client.CreateDocument(ctx, "students", "t1", student("Ana"))
	require.NoError(t, err)

	h.primary.FailNext(testutil.MethodGet, connRefused, context.DeadlineExceeded)
	got, err := h.client.GetDocument(ctx, "students", "t1", created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, 3, h.primary.Calls(testutil.MethodGet))
	assert.Equal(t, breaker.StateClosed, h.client.Breaker().State(breaker.ClassRead))
	assert.Zero(t, h.client.Breaker().Snapshot().Scopes[0].ConsecutiveFailures)
}

func TestCreateRetryAfterLostReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lost := dberr.Wrap(dberr.KindTimeout, "primary", "create", context.DeadlineExceeded)
	h.primary.LoseReplyNext(testutil.MethodCreate, lost)

	created, err := h.client.CreateDocument(ctx, "students", "t1", student("Ana"))
	require.NoError(t, err)
	assert.Equal(t, 2, h.primary.Calls(testutil.MethodCreate))

	recs, err := h.client.QueryDocuments(ctx, "students", "t1", nil)
	require.NoError(t, err)
	require.Len(t, recs, 1, "the retry must not store a second copy")
	assert.Equal(t, created.ID, recs[0].ID)
	nome, _ := recs[0].Fields.Get("nome_aluno")
	assert.Equal(t, value.String("Ana"), nome)
}

func TestBatchRetryAfterLostReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lost := dberr.Wrap(dberr.KindTimeout, "primary", "batch", context.DeadlineExceeded)
	h.primary.LoseReplyNext(testutil.MethodBatch, lost)

	err := h.client.BatchOperation(ctx, "t1", []record.Operation{
		{Kind: record.OpCreate, Collection: "students", Fields: student("Ana")},
		{Kind: record.OpCreate, Collection: "students", ID: "s2", Fields: student("Bruno")},
		{Kind: record.OpUpdate, Collection: "students", ID: "s2", Fields: value.NewFields(value.F("ativo", value.Bool(true)))},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, h.primary.Calls(testutil.MethodBatch))

	recs, err := h.client.QueryDocuments(ctx, "students", "t1", nil)
	require.NoError(t, err)
	assert.Len(t, recs, 2, "the retry must not store a second copy")
}

func TestBatchRetryKeepsConflictWithForeignRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.primaryStore.Create(ctx, "students", "t1", "s1", student("Ana"))
	require.NoError(t, err)

	h.primary.FailNext(testutil.MethodBatch, dberr.Wrap(dberr.KindTimeout, "primary", "batch", context.DeadlineExceeded))
	err = h.client.BatchOperation(ctx, "t1", []record.Operation{
		{Kind: record.OpCreate, Collection: "students", ID: "s1", Fields: student("Bruno")},
	})
	require.ErrorIs(t, err, dberr.ErrExists)
	assert.True(t, dberr.IsKind(err, dberr.KindValidation))
	assert.Equal(t, 2, h.primary.Calls(testutil.MethodBatch))
}

func TestAttemptBudgetByKind(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		calls int
	}{
		{"validation", dberr.Validation("get", errors.New("bad document")), 1},
		{"authentication", dberr.Wrap(dberr.KindAuthentication, "primary", "get", errors.New("WRONGPASS")), 1},
		{"database", dberr.Wrap(dberr.KindDatabase, "primary", "get", errors.New("corrupt")), 2},
		{"timeout", dberr.Wrap(dberr.KindTimeout, "primary", "get", context.DeadlineExceeded), 3},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.primary.FailAlways(tc.err)

			_, err := h.client.GetDocument(context.Background(), "students", "t1", "x")
			require.Error(t, err)
			assert.Equal(t, tc.calls, h.primary.Calls(testutil.MethodGet))
			assert.Len(t, h.sleeper.Delays(), tc.calls-1)
		})
	}
}

func TestRejectionsFromAdapterDoNotTrip(t *testing.T) {
	tests := []struct {
		name string
		kind dberr.Kind
	}{
		{"validation", dberr.KindValidation},
		{"authentication", dberr.KindAuthentication},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, singleAttempt(), WithBreakerSettings(breaker.Settings{FailureThreshold: 2, RecoveryTimeout: time.Hour}))
			ctx := context.Background()

			h.primary.FailNext(testutil.MethodGet, connRefused)
			_, err := h.client.GetDocument(ctx, "students", "t1", "x")
			require.Error(t, err)

			h.primary.FailAlways(dberr.Wrap(tc.kind, "primary", "get", errors.New("rejected")))
			for range 5 {
				_, err := h.client.GetDocument(ctx, "students", "t1", "x")
				require.Error(t, err)
				assert.True(t, dberr.IsKind(err, tc.kind))
			}
			assert.Equal(t, breaker.StateClosed, h.client.Breaker().State(breaker.ClassRead))
			assert.Equal(t, 6, h.primary.Calls(testutil.MethodGet))
			assert.Equal(t, uint32(1), h.client.Breaker().Snapshot().Scopes[0].ConsecutiveFailures,
				"rejections neither count nor reset the failure streak")
		})
	}
}

func TestBreakerFailsOverToSecondary(t *testing.T) {
	h := newHarness(t, WithBreakerSettings(breaker.Settings{FailureThreshold: 5, RecoveryTimeout: time.Hour}))
	ctx := context.Background()

	fallback, err := h.secondaryStore.Create(ctx, "students", "t1", "", student("Bruno"))
	require.NoError(t, err)

	h.primary.FailAlways(connRefused)
	for i := range 5 {
		_, err := h.client.GetDocument(ctx, "students", "t1", fallback.ID)
		require.Error(t, err, "call %d", i+1)
		assert.Equal(t, "primary", dberr.AdapterOf(err))
	}
	assert.Equal(t, breaker.StateOpen, h.client.Breaker().State(breaker.ClassRead))

	h.primary.ResetCalls()
	got, err := h.client.GetDocument(ctx, "students", "t1", fallback.ID)
	require.NoError(t, err)
	nome, _ := got.Fields.Get("nome_aluno")
	assert.Equal(t, value.String("Bruno"), nome)
	assert.Zero(t, h.primary.TotalCalls(), "open breaker must not touch the primary")

	// Writes go to the secondary too.
	_, err = h.client.CreateDocument(ctx, "students", "t1", student("Carla"))
	require.NoError(t, err)
	assert.Equal(t, 2, h.secondaryStore.Len())
}

func TestConcurrentFailuresOpenBreakerOnce(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []breaker.State
	)
	h := newHarness(t, singleAttempt(),
		WithBreakerSettings(breaker.Settings{FailureThreshold: 3, RecoveryTimeout: time.Hour}),
		WithStateChange(func(_ string, _, to breaker.State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, to)
		}))
	ctx := context.Background()
	h.primary.FailAlways(connRefused)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _ = h.client.GetDocument(ctx, "students", "t1", "x")
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, breaker.StateOpen, h.client.Breaker().State(breaker.ClassRead))
	mu.Lock()
	assert.Equal(t, []breaker.State{breaker.StateOpen}, transitions)
	mu.Unlock()

	h.primary.ResetCalls()
	h.secondary.ResetCalls()
	for range 5 {
		_, err := h.client.GetDocument(ctx, "students", "t1", "x")
		require.ErrorIs(t, err, dberr.ErrNotFound)
	}
	assert.Zero(t, h.primary.TotalCalls())
	assert.Equal(t, 5, h.secondary.Calls(testutil.MethodGet))
}

func TestHalfOpenAllowsSingleTrial(t *testing.T) {
	h := newHarness(t, singleAttempt(), WithBreakerSettings(breaker.Settings{FailureThreshold: 1, RecoveryTimeout: 50 * time.Millisecond}))
	ctx := context.Background()

	h.primary.FailAlways(connRefused)
	_, err := h.client.QueryDocuments(ctx, "students", "t1", nil)
	require.Error(t, err)
	require.Equal(t, breaker.StateOpen, h.client.Breaker().State(breaker.ClassRead))

	h.primary.FailAlways(nil)
	h.primary.ResetCalls()
	time.Sleep(70 * time.Millisecond)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.primary.SetHook(func(ctx context.Context, m testutil.Method) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	})

	trialErr := make(chan error, 1)
	go func() {
		_, err := h.client.QueryDocuments(ctx, "students", "t1", nil)
		trialErr <- err
	}()
	<-entered

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.client.QueryDocuments(ctx, "students", "t1", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.primary.Calls(testutil.MethodQuery), "only the trial reaches the primary")
	assert.Equal(t, 8, h.secondary.Calls(testutil.MethodQuery))

	close(release)
	require.NoError(t, <-trialErr)
	assert.Equal(t, breaker.StateClosed, h.client.Breaker().State(breaker.ClassRead))
	assert.Zero(t, h.client.Breaker().Snapshot().Scopes[0].ConsecutiveFailures)
}

func TestTrialFailureReopens(t *testing.T) {
	h := newHarness(t, singleAttempt(), WithBreakerSettings(breaker.Settings{FailureThreshold: 1, RecoveryTimeout: 50 * time.Millisecond}))
	ctx := context.Background()

	h.primary.FailAlways(connRefused)
	_, err := h.client.QueryDocuments(ctx, "students", "t1", nil)
	require.Error(t, err)

	time.Sleep(70 * time.Millisecond)
	_, err = h.client.QueryDocuments(ctx, "students", "t1", nil)
	require.Error(t, err, "the trial hits the failing primary")
	assert.Equal(t, breaker.StateOpen, h.client.Breaker().State(breaker.ClassRead))

	h.primary.ResetCalls()
	_, err = h.client.QueryDocuments(ctx, "students", "t1", nil)
	require.NoError(t, err, "served by the secondary while the timer restarts")
	assert.Zero(t, h.primary.TotalCalls())

	h.primary.FailAlways(nil)
	time.Sleep(70 * time.Millisecond)
	_, err = h.client.QueryDocuments(ctx, "students", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, h.primary.Calls(testutil.MethodQuery))
	assert.Equal(t, breaker.StateClosed, h.client.Breaker().State(breaker.ClassRead))
}

func TestPerOperationClassIsolatesReadsAndWrites(t *testing.T) {
	h := newHarness(t, singleAttempt(), WithBreakerSettings(breaker.Settings{
		FailureThreshold:  2,
		RecoveryTimeout:   time.Hour,
		PerOperationClass: true,
	}))
	ctx := context.Background()

	h.primary.FailNext(testutil.MethodCreate, connRefused, connRefused)
	for range 2 {
		_, err := h.client.CreateDocument(ctx, "students", "t1", student("Ana"))
		require.Error(t, err)
	}
	assert.Equal(t, breaker.StateOpen, h.client.Breaker().State(breaker.ClassWrite))
	assert.Equal(t, breaker.StateClosed, h.client.Breaker().State(breaker.ClassRead))

	_, err := h.client.QueryDocuments(ctx, "students", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, h.primary.Calls(testutil.MethodQuery))
}

func TestCallerCancellationStopsRetries(t *testing.T) {
	h := newHarness(t, WithBreakerSettings(breaker.Settings{FailureThreshold: 1, RecoveryTimeout: time.Hour}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.primary.SetHook(func(context.Context, testutil.Method) error {
		cancel()
		return connRefused
	})

	_, err := h.client.GetDocument(ctx, "students", "t1", "x")
	require.Error(t, err)
	assert.Equal(t, 1, h.primary.Calls(testutil.MethodGet))
	assert.Empty(t, h.sleeper.Delays())
	assert.Equal(t, breaker.StateClosed, h.client.Breaker().State(breaker.ClassRead),
		"a call abandoned by its caller is not a primary failure")
}

func TestPerAttemptTimeout(t *testing.T) {
	h := newHarness(t, singleAttempt(), WithOperationTimeout(20*time.Millisecond))
	h.primary.SetHook(func(ctx context.Context, _ testutil.Method) error {
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := h.client.GetDocument(context.Background(), "students", "t1", "x")
	require.Error(t, err)
	assert.True(t, dberr.IsKind(err, dberr.KindTimeout), "got %v", err)
	assert.Equal(t, "primary", dberr.AdapterOf(err))
	assert.Equal(t, uint32(1), h.client.Breaker().Snapshot().Scopes[0].ConsecutiveFailures)
}

func TestQueryDocuments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, s := range []struct {
		name  string
		idade float64
	}{{"Ana", 20}, {"Bruno", 25}, {"Carla", 22}, {"Anderson", 19}} {
		_, err := h.client.CreateDocument(ctx, "students", "t1", value.NewFields(
			value.F("nome_aluno", value.String(s.name)),
			value.F("idade", value.Number(s.idade)),
		))
		require.NoError(t, err)
	}
	_, err := h.client.CreateDocument(ctx, "students", "t2", student("Ana"))
	require.NoError(t, err)

	recs, err := h.client.QueryDocuments(ctx, "students", "t1",
		query.New().Gte("idade", 20).OrderBy("idade", query.Desc).Limit(2))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, []string{"Bruno", "Carla"}, names(recs))

	recs, err = h.client.QueryDocuments(ctx, "students", "t1", query.New().Prefix("nome_aluno", "An"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Ana", "Anderson"}, names(recs))
	for _, r := range recs {
		assert.Equal(t, record.TenantScope("t1"), r.Tenant)
	}
}

func TestClientIsQueryExecutor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.CreateDocument(ctx, "students", "t1", student("Ana"))
	require.NoError(t, err)

	cur, err := query.New().Eq("nome_aluno", "Ana").Execute(ctx, h.client, "students", "t1")
	require.NoError(t, err)
	recs, err := record.Collect(cur)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

// leakyAdapter returns records regardless of tenant, as a buggy or
// misconfigured store might.
type leakyAdapter struct {
	adapter.Adapter
	records []record.Record
}

func (l *leakyAdapter) Query(context.Context, string, record.TenantScope, query.Spec) (record.Cursor, error) {
	return record.NewSliceCursor(l.records), nil
}

func (l *leakyAdapter) Get(_ context.Context, _ string, _ record.TenantScope, id string) (record.Record, error) {
	for _, r := range l.records {
		if r.ID == id {
			return r, nil
		}
	}
	return record.Record{}, dberr.ErrNotFound
}

func TestQueryNeverReturnsOtherTenant(t *testing.T) {
	leaky := &leakyAdapter{
		Adapter: memstore.New(memstore.WithName("leaky")),
		records: []record.Record{
			{Collection: "students", ID: "a", Tenant: "t1", Fields: student("Ana")},
			{Collection: "students", ID: "b", Tenant: "t2", Fields: student("Bruno")},
			{Collection: "partners", ID: "c", Tenant: "t1", Fields: student("Carla")},
		},
	}
	c, err := New(leaky, memstore.New(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	ctx := context.Background()

	recs, err := c.QueryDocuments(ctx, "students", "t1", nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ID)

	_, err = c.GetDocument(ctx, "students", "t1", "b")
	assert.ErrorIs(t, err, dberr.ErrNotFound)
}

func TestBatchOperation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	existing, err := h.client.CreateDocument(ctx, "students", "t1", student("Ana"))
	require.NoError(t, err)

	err = h.client.BatchOperation(ctx, "t1", []record.Operation{
		{Kind: record.OpCreate, Collection: "promotions", ID: "promo-1", Fields: value.NewFields(value.F("titulo", value.String("10% off")))},
		{Kind: record.OpUpdate, Collection: "students", ID: existing.ID, Fields: value.NewFields(value.F("ativo", value.Bool(true)))},
	})
	require.NoError(t, err)

	got, err := h.client.GetDocument(ctx, "students", "t1", existing.ID)
	require.NoError(t, err)
	ativo, _ := got.Fields.Get("ativo")
	assert.Equal(t, value.Bool(true), ativo)

	_, err = h.client.GetDocument(ctx, "promotions", "t1", "promo-1")
	require.NoError(t, err)

	err = h.client.BatchOperation(ctx, "t1", []record.Operation{
		{Kind: record.OpDelete, Collection: "promotions", ID: "promo-1"},
		{Kind: record.OpDelete, Collection: "students", ID: "missing"},
	})
	require.ErrorIs(t, err, dberr.ErrNotFound)
	_, err = h.client.GetDocument(ctx, "promotions", "t1", "promo-1")
	assert.NoError(t, err, "failed batch leaves the memory store untouched")

	assert.NoError(t, h.client.BatchOperation(ctx, "t1", nil))
}

func TestBatchFailsOverAsAWhole(t *testing.T) {
	h := newHarness(t, singleAttempt(), WithBreakerSettings(breaker.Settings{FailureThreshold: 1, RecoveryTimeout: time.Hour}))
	ctx := context.Background()

	ops := []record.Operation{
		{Kind: record.OpCreate, Collection: "students", ID: "s1", Fields: student("Ana")},
		{Kind: record.OpCreate, Collection: "students", ID: "s2", Fields: student("Bruno")},
	}

	h.primary.FailNext(testutil.MethodBatch, connRefused)
	err := h.client.BatchOperation(ctx, "t1", ops)
	require.Error(t, err)
	assert.Equal(t, 0, h.secondaryStore.Len(), "the client never replays a failed batch by itself")

	// The caller re-issues; the open breaker sends it to the secondary.
	require.NoError(t, h.client.BatchOperation(ctx, "t1", ops))
	assert.Equal(t, 2, h.secondaryStore.Len())
	assert.Equal(t, 0, h.primaryStore.Len())
}

func TestStringsNormalizedOnWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.client.CreateDocument(ctx, "students", "t1", student("Jose\u0301"))
	require.NoError(t, err)

	got, err := h.primaryStore.Get(ctx, "students", "t1", created.ID)
	require.NoError(t, err)
	nome, _ := got.Fields.Get("nome_aluno")
	assert.Equal(t, value.String("Jos\u00e9"), nome)

	updated, err := h.client.UpdateDocument(ctx, "students", "t1", created.ID, value.NewFields(value.F("cidade", value.String("Sa\u0303o Paulo"))))
	require.NoError(t, err)
	cidade, _ := updated.Fields.Get("cidade")
	assert.Equal(t, value.String("S\u00e3o Paulo"), cidade)
}

func TestDeleteDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.client.CreateDocument(ctx, "students", "t1", student("Ana"))
	require.NoError(t, err)

	deleted, err := h.client.DeleteDocument(ctx, "students", "t2", created.ID)
	require.NoError(t, err)
	assert.False(t, deleted, "another tenant cannot delete the record")

	deleted, err = h.client.DeleteDocument(ctx, "students", "t1", created.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = h.client.GetDocument(ctx, "students", "t1", created.ID)
	assert.ErrorIs(t, err, dberr.ErrNotFound)
}

func TestSpansDescribeOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.primary.FailNext(testutil.MethodCreate, connRefused)
	_, err := h.client.CreateDocument(ctx, "students", "t1", student("Ana"))
	require.NoError(t, err)

	h.primary.FailAlways(dberr.Wrap(dberr.KindAuthentication, "primary", "get", errors.New("WRONGPASS")))
	_, err = h.client.GetDocument(ctx, "students", "t1", "x")
	require.Error(t, err)

	spans := h.exporter.GetSpans()
	require.Len(t, spans, 2)

	create := attrMap(spans[0].Attributes)
	assert.Equal(t, "portaldb.create", spans[0].Name)
	assert.Equal(t, "students", create["db.collection"].AsString())
	assert.Equal(t, "primary", create["portaldb.adapter"].AsString())
	assert.Equal(t, int64(2), create["portaldb.attempts"].AsInt64())

	get := attrMap(spans[1].Attributes)
	assert.Equal(t, "portaldb.get", spans[1].Name)
	assert.Equal(t, "authentication", get["portaldb.error_kind"].AsString())
	assert.Equal(t, "Error", spans[1].Status.Code.String())
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st := h.client.Status(ctx)
	require.Len(t, st.Adapters, 2)
	assert.True(t, st.Adapters[0].Healthy)
	assert.Equal(t, "primary", st.Adapters[0].Role)
	assert.Equal(t, "closed", string(st.Breaker.Scopes[0].State))

	require.NoError(t, h.primaryStore.Close())
	st = h.client.Status(ctx)
	assert.False(t, st.Adapters[0].Healthy)
	assert.NotEmpty(t, st.Adapters[0].Error)
	assert.True(t, st.Adapters[1].Healthy)
	assert.True(t, st.Healthy())
	assert.Zero(t, h.primary.TotalCalls(), "pings are not data calls")
}

func TestNewRequiresBothAdapters(t *testing.T) {
	_, err := New(memstore.New(), nil)
	assert.Error(t, err)
	_, err = New(nil, memstore.New())
	assert.Error(t, err)
}

func TestOpenFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Primary = config.PrimaryConfig{Backend: config.BackendMemory, Prefix: "portal"}
	cfg.Secondary = config.SecondaryConfig{Backend: config.BackendSQLite, Path: filepath.Join(t.TempDir(), "portal.db")}
	cfg.Breaker.FailureThreshold = 2

	c, err := Open(context.Background(), cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	defer c.Close()

	st := c.Status(context.Background())
	assert.Equal(t, "primary-memory", st.Adapters[0].Name)
	assert.Equal(t, "secondary-sqlite", st.Adapters[1].Name)
	assert.Equal(t, uint32(2), st.Breaker.FailureThreshold)

	created, err := c.CreateDocument(context.Background(), "students", "t1", student("Ana"))
	require.NoError(t, err)
	_, err = c.GetDocument(context.Background(), "students", "t1", created.ID)
	require.NoError(t, err)
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Primary.Backend = "mongo"
	_, err := Open(context.Background(), cfg)
	assert.Error(t, err)
}

func names(recs []record.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		v, _ := r.Fields.Get("nome_aluno")
		out[i] = value.Format(v)
	}
	return out
}

func attrMap(attrs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(attrs))
	for _, kv := range attrs {
		m[kv.Key] = kv.Value
	}
	return m
}
