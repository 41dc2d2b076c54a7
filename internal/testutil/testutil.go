// Package testutil provides shared test helpers for setting up manifest
// databases and artifact stores.
package testutil

import (
	"os"
	"testing"

	"github.com/calveira/cpspflow/internal/artifact"
	"github.com/calveira/cpspflow/internal/manifest"
)

// TestManifest creates a temporary SQLite manifest database that is
// automatically cleaned up.
func TestManifest(t *testing.T) *manifest.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "cpspflow-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := manifest.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestStore creates an artifact store rooted in a temporary directory.
// rec may be nil when nothing needs to observe registrations.
func TestStore(t *testing.T, rec artifact.Recorder) *artifact.Store {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir(), rec)
	if err != nil {
		t.Fatal(err)
	}
	return store
}
