// Package archivetest provides in-memory archives for tests.
package archivetest

import (
	"testing"

	"github.com/mizkun/project-anima3-sub000/internal/archive"
)

// NewTestArchive opens an in-memory archive with driver and closes it on cleanup.
func NewTestArchive(t *testing.T, driver string) *archive.SQLiteArchive {
	t.Helper()

	a, err := archive.Open(driver, ":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite archive: %v", err)
	}

	t.Cleanup(func() {
		_ = a.Close()
	})

	return a
}
