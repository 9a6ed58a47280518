package store

import (
	"path/filepath"
	"testing"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/record"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/value"
)

// createTestStore creates a new file-backed store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

const testTenant = record.TenantScope("escola-norte")

// createTestStudent builds the fields of a minimal student record.
func createTestStudent(name string, age float64) value.Fields {
	return value.NewFields(
		value.F("nome_aluno", value.String(name)),
		value.F("idade", value.Number(age)),
		value.F("ativo", value.Bool(true)),
	)
}
