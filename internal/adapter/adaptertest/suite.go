// Package adaptertest is a conformance suite run against every Adapter
// implementation, so that all backends agree on tenant isolation, not-found
// handling, query semantics and batch atomicity.
package adaptertest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/adapter"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dberr"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/query"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/record"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/value"
)

// Factory returns a fresh, empty adapter. It should register its own
// cleanup with t.Cleanup.
type Factory func(t *testing.T) adapter.Adapter

// Run executes the whole suite.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, a adapter.Adapter)
	}{
		{"CreateThenGet", testCreateThenGet},
		{"CreateWithID", testCreateWithID},
		{"GetIsRepeatable", testGetIsRepeatable},
		{"CrossTenantIsolation", testCrossTenantIsolation},
		{"UpdateMerges", testUpdateMerges},
		{"UpdateMissing", testUpdateMissing},
		{"Delete", testDelete},
		{"QueryFilters", testQueryFilters},
		{"QueryOrderAndPaging", testQueryOrderAndPaging},
		{"QueryTimestamps", testQueryTimestamps},
		{"QueryTenantScoped", testQueryTenantScoped},
		{"BatchApplies", testBatchApplies},
		{"BatchIsAtomic", testBatchIsAtomic},
		{"Ping", testPing},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, factory(t))
		})
	}
}

func fields(kv ...value.Field) value.Fields {
	return value.NewFields(kv...)
}

func mustCreate(t *testing.T, a adapter.Adapter, collection string, tenant record.TenantScope, f value.Fields) record.Record {
	t.Helper()
	r, err := a.Create(context.Background(), collection, tenant, "", f)
	require.NoError(t, err)
	return r
}

func queryIDs(t *testing.T, a adapter.Adapter, collection string, tenant record.TenantScope, b *query.Builder) []string {
	t.Helper()
	cur, err := b.Execute(context.Background(), a, collection, tenant)
	require.NoError(t, err)
	recs, err := record.Collect(cur)
	require.NoError(t, err)

	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		assert.Equal(t, tenant, r.Tenant, "record %s leaked from another tenant", r.ID)
		assert.Equal(t, collection, r.Collection)
		ids = append(ids, r.ID)
	}
	return ids
}

func testCreateThenGet(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	in := fields(
		value.F("nome_aluno", value.String("Ana")),
		value.F("idade", value.Number(20)),
		value.F("ativo", value.Bool(true)),
		value.F("obs", value.Null{}),
	)

	created, err := a.Create(ctx, "students", "t1", "", in)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, record.TenantScope("t1"), created.Tenant)
	assert.Equal(t, "students", created.Collection)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	got, err := a.Get(ctx, "students", "t1", created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, []string{"nome_aluno", "idade", "ativo", "obs"}, got.Fields.Names(), "field order survives storage")
	nome, _ := got.Fields.Get("nome_aluno")
	assert.Equal(t, value.String("Ana"), nome)
	assert.True(t, in.Equal(got.Fields))
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt))

	_, err = a.Get(ctx, "students", "t1", "missing")
	assert.ErrorIs(t, err, dberr.ErrNotFound)
	_, err = a.Get(ctx, "partners", "t1", created.ID)
	assert.ErrorIs(t, err, dberr.ErrNotFound)
}

func testCreateWithID(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()

	created, err := a.Create(ctx, "students", "t1", "aluno-1", fields(value.F("nome_aluno", value.String("Ana"))))
	require.NoError(t, err)
	assert.Equal(t, "aluno-1", created.ID)

	_, err = a.Create(ctx, "students", "t1", "aluno-1", fields(value.F("nome_aluno", value.String("Bruno"))))
	require.ErrorIs(t, err, dberr.ErrExists)
	assert.True(t, dberr.IsKind(err, dberr.KindValidation), "got %v", err)

	got, err := a.Get(ctx, "students", "t1", "aluno-1")
	require.NoError(t, err)
	nome, _ := got.Fields.Get("nome_aluno")
	assert.Equal(t, value.String("Ana"), nome, "the duplicate left the record untouched")

	other, err := a.Create(ctx, "students", "t2", "aluno-1", fields(value.F("nome_aluno", value.String("Carla"))))
	require.NoError(t, err, "ids are scoped by tenant")
	assert.Equal(t, record.TenantScope("t2"), other.Tenant)

	err = a.Batch(ctx, "t1", []record.Operation{
		{Kind: record.OpCreate, Collection: "students", ID: "aluno-1", Fields: fields(value.F("nome_aluno", value.String("Dora")))},
	})
	require.ErrorIs(t, err, dberr.ErrExists)
	assert.True(t, dberr.IsKind(err, dberr.KindValidation), "got %v", err)
}

func testGetIsRepeatable(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	when := time.Date(2024, 6, 1, 12, 30, 0, 123456000, time.UTC)
	created := mustCreate(t, a, "codes", "t1", fields(
		value.F("codigo", value.String("XYZ-1")),
		value.F("validade", value.NewTimestamp(when)),
	))

	first, err := a.Get(ctx, "codes", "t1", created.ID)
	require.NoError(t, err)
	second, err := a.Get(ctx, "codes", "t1", created.ID)
	require.NoError(t, err)

	assert.True(t, first.Fields.Equal(second.Fields))
	assert.Equal(t, first.Fields.Names(), second.Fields.Names())
	validade, _ := first.Fields.Get("validade")
	assert.Equal(t, value.KindTimestamp, validade.Kind())
	assert.True(t, value.Equal(value.NewTimestamp(when), validade))
}

func testCrossTenantIsolation(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	r := mustCreate(t, a, "students", "t1", fields(value.F("nome_aluno", value.String("Ana"))))

	_, err := a.Get(ctx, "students", "t2", r.ID)
	assert.ErrorIs(t, err, dberr.ErrNotFound)

	_, err = a.Update(ctx, "students", "t2", r.ID, fields(value.F("nome_aluno", value.String("Eve"))))
	assert.ErrorIs(t, err, dberr.ErrNotFound)

	deleted, err := a.Delete(ctx, "students", "t2", r.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	got, err := a.Get(ctx, "students", "t1", r.ID)
	require.NoError(t, err)
	nome, _ := got.Fields.Get("nome_aluno")
	assert.Equal(t, value.String("Ana"), nome)
}

func testUpdateMerges(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	r := mustCreate(t, a, "students", "t1", fields(
		value.F("nome_aluno", value.String("Ana")),
		value.F("turma", value.String("A1")),
	))

	updated, err := a.Update(ctx, "students", "t1", r.ID, fields(
		value.F("turma", value.String("B2")),
		value.F("ativo", value.Bool(false)),
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"nome_aluno", "turma", "ativo"}, updated.Fields.Names())
	assert.True(t, r.CreatedAt.Equal(updated.CreatedAt))
	assert.False(t, updated.UpdatedAt.Before(r.UpdatedAt))

	got, err := a.Get(ctx, "students", "t1", r.ID)
	require.NoError(t, err)
	assert.True(t, updated.Fields.Equal(got.Fields))
	turma, _ := got.Fields.Get("turma")
	assert.Equal(t, value.String("B2"), turma)
}

func testUpdateMissing(t *testing.T, a adapter.Adapter) {
	_, err := a.Update(context.Background(), "students", "t1", "nope", fields(value.F("x", value.Number(1))))
	assert.ErrorIs(t, err, dberr.ErrNotFound)
}

func testDelete(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	r := mustCreate(t, a, "promotions", "t1", fields(value.F("titulo", value.String("10% off"))))

	deleted, err := a.Delete(ctx, "promotions", "t1", r.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = a.Delete(ctx, "promotions", "t1", r.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = a.Get(ctx, "promotions", "t1", r.ID)
	assert.ErrorIs(t, err, dberr.ErrNotFound)
	assert.Empty(t, queryIDs(t, a, "promotions", "t1", query.New()))
}

func seedStudents(t *testing.T, a adapter.Adapter) map[string]string {
	t.Helper()
	rows := []struct {
		nome  string
		idade float64
		turma string
		ativo bool
	}{
		{"Ana", 20, "A1", true},
		{"Bruno", 17, "A1", false},
		{"Carla", 22, "B2", true},
		{"Anderson", 30, "C3", true},
	}
	ids := make(map[string]string)
	for _, row := range rows {
		r := mustCreate(t, a, "students", "t1", fields(
			value.F("nome_aluno", value.String(row.nome)),
			value.F("idade", value.Number(row.idade)),
			value.F("turma", value.String(row.turma)),
			value.F("ativo", value.Bool(row.ativo)),
		))
		ids[row.nome] = r.ID
	}
	// A record without the turma field and with a string-typed idade.
	r := mustCreate(t, a, "students", "t1", fields(
		value.F("nome_aluno", value.String("Dora")),
		value.F("idade", value.String("19")),
		value.F("ativo", value.Bool(true)),
	))
	ids["Dora"] = r.ID
	return ids
}

func testQueryFilters(t *testing.T, a adapter.Adapter) {
	ids := seedStudents(t, a)
	by := func(names ...string) []string {
		out := make([]string, len(names))
		for i, n := range names {
			out[i] = ids[n]
		}
		return out
	}

	tests := []struct {
		name  string
		build *query.Builder
		want  []string
	}{
		{"eq", query.New().Eq("turma", "A1").OrderBy("nome_aluno", query.Asc), by("Ana", "Bruno")},
		{"eq bool", query.New().Eq("ativo", false), by("Bruno")},
		{"ne skips missing field", query.New().NotEq("turma", "A1").OrderBy("nome_aluno", query.Asc), by("Anderson", "Carla")},
		{"ne across kinds", query.New().NotEq("idade", 20).OrderBy("nome_aluno", query.Asc), by("Anderson", "Bruno", "Carla", "Dora")},
		{"range ignores other kinds", query.New().Gte("idade", 20).OrderBy("nome_aluno", query.Asc), by("Ana", "Anderson", "Carla")},
		{"lt", query.New().Lt("idade", 20), by("Bruno")},
		{"in", query.New().In("turma", "B2", "C3").OrderBy("nome_aluno", query.Asc), by("Anderson", "Carla")},
		{"prefix", query.New().Prefix("nome_aluno", "An").OrderBy("nome_aluno", query.Asc), by("Ana", "Anderson")},
		{"conjunction", query.New().Eq("ativo", true).Gt("idade", 21).OrderBy("idade", query.Desc), by("Anderson", "Carla")},
		{"no match", query.New().Eq("turma", "Z9"), by()},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := queryIDs(t, a, "students", "t1", tc.build)
			assert.Equal(t, tc.want, got)
		})
	}
}

func testQueryOrderAndPaging(t *testing.T, a adapter.Adapter) {
	ids := seedStudents(t, a)

	got := queryIDs(t, a, "students", "t1", query.New().OrderBy("nome_aluno", query.Desc).Offset(1).Limit(2))
	assert.Equal(t, []string{ids["Carla"], ids["Bruno"]}, got)

	// Without an ordering results come back by ID.
	all := queryIDs(t, a, "students", "t1", query.New())
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1], all[i])
	}

	paged := queryIDs(t, a, "students", "t1", query.New().Offset(3).Limit(10))
	assert.Equal(t, all[3:], paged)
	assert.Empty(t, queryIDs(t, a, "students", "t1", query.New().Offset(50)))
}

func testQueryTimestamps(t *testing.T, a adapter.Adapter) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := range 4 {
		r := mustCreate(t, a, "codes", "t1", fields(
			value.F("validade", value.NewTimestamp(base.AddDate(0, i, 0))),
		))
		ids = append(ids, r.ID)
	}
	// A string that looks like a date is not a timestamp.
	mustCreate(t, a, "codes", "t1", fields(value.F("validade", value.String("2024-04-15T00:00:00.000000000Z"))))

	got := queryIDs(t, a, "codes", "t1", query.New().
		DateRange("validade", base.AddDate(0, 1, 0), base.AddDate(0, 2, 0)).
		OrderBy("validade", query.Asc))
	assert.Equal(t, []string{ids[1], ids[2]}, got)

	got = queryIDs(t, a, "codes", "t1", query.New().
		DateRange("validade", base.AddDate(0, 2, 0), time.Time{}).
		OrderBy("validade", query.Desc))
	assert.Equal(t, []string{ids[3], ids[2]}, got)
}

func testQueryTenantScoped(t *testing.T, a adapter.Adapter) {
	mine := mustCreate(t, a, "students", "t1", fields(value.F("nome_aluno", value.String("Ana"))))
	mustCreate(t, a, "students", "t2", fields(value.F("nome_aluno", value.String("Ana"))))
	mustCreate(t, a, "partners", "t1", fields(value.F("nome_aluno", value.String("Ana"))))

	got := queryIDs(t, a, "students", "t1", query.New().Eq("nome_aluno", "Ana"))
	assert.Equal(t, []string{mine.ID}, got)
	assert.Empty(t, queryIDs(t, a, "students", "t3", query.New()))
}

func testBatchApplies(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	keep := mustCreate(t, a, "students", "t1", fields(value.F("nome_aluno", value.String("Ana"))))
	drop := mustCreate(t, a, "students", "t1", fields(value.F("nome_aluno", value.String("Bia"))))

	err := a.Batch(ctx, "t1", []record.Operation{
		{Kind: record.OpCreate, Collection: "students", ID: "preset-id", Fields: fields(value.F("nome_aluno", value.String("Caio")))},
		{Kind: record.OpUpdate, Collection: "students", ID: keep.ID, Fields: fields(value.F("turma", value.String("A1")))},
		{Kind: record.OpDelete, Collection: "students", ID: drop.ID},
	})
	require.NoError(t, err)

	created, err := a.Get(ctx, "students", "t1", "preset-id")
	require.NoError(t, err)
	nome, _ := created.Fields.Get("nome_aluno")
	assert.Equal(t, value.String("Caio"), nome)

	updated, err := a.Get(ctx, "students", "t1", keep.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"nome_aluno", "turma"}, updated.Fields.Names())

	_, err = a.Get(ctx, "students", "t1", drop.ID)
	assert.ErrorIs(t, err, dberr.ErrNotFound)

	assert.NoError(t, a.Batch(ctx, "t1", nil))
}

func testBatchIsAtomic(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	existing := mustCreate(t, a, "students", "t1", fields(value.F("nome_aluno", value.String("Ana"))))
	other := mustCreate(t, a, "students", "t2", fields(value.F("nome_aluno", value.String("Eve"))))

	err := a.Batch(ctx, "t1", []record.Operation{
		{Kind: record.OpCreate, Collection: "students", ID: "never", Fields: fields(value.F("nome_aluno", value.String("Caio")))},
		{Kind: record.OpDelete, Collection: "students", ID: existing.ID},
		{Kind: record.OpUpdate, Collection: "students", ID: other.ID, Fields: fields(value.F("x", value.Number(1)))},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, dberr.ErrNotFound, "updating another tenant's record must fail as not found")

	_, err = a.Get(ctx, "students", "t1", "never")
	assert.ErrorIs(t, err, dberr.ErrNotFound)
	_, err = a.Get(ctx, "students", "t1", existing.ID)
	assert.NoError(t, err, "earlier operations of a failed batch are not applied")

	got, err := a.Get(ctx, "students", "t2", other.ID)
	require.NoError(t, err)
	_, ok := got.Fields.Get("x")
	assert.False(t, ok)

	err = a.Batch(ctx, "t1", []record.Operation{{Kind: record.OpUpdate, Collection: "students"}})
	assert.True(t, dberr.IsKind(err, dberr.KindValidation))
}

func testPing(t *testing.T, a adapter.Adapter) {
	assert.NoError(t, a.Ping(context.Background()))
	assert.NotEmpty(t, a.Name())
}
