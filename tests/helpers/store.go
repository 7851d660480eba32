// Package helpers holds shared test fixtures.
package helpers

import (
	"path/filepath"
	"testing"

	"github.com/xiaot623/gogo/tasker/internal/repository"
)

// NewTestSQLiteStore opens an in-memory store that is closed when the test ends.
func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// NewTestFileStore opens a file-backed store in a temporary directory, configured
// the way the server opens its default database.
func NewTestFileStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(repository.FileDSN(filepath.Join(t.TempDir(), "tasker.db")))
	if err != nil {
		t.Fatalf("failed to create sqlite file store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}
