package testsupport

import (
	"testing"

	"lectern/internal/config"
	"lectern/internal/jobqueue"
	"lectern/internal/library"
)

// MustOpenLibrary opens a library.Store for tests and registers cleanup.
func MustOpenLibrary(t testing.TB, cfg *config.Config) *library.Store {
	t.Helper()

	store, err := library.Open(cfg)
	if err != nil {
		t.Fatalf("library.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// MustOpenQueue opens a jobqueue.Store for tests and registers cleanup.
func MustOpenQueue(t testing.TB, cfg *config.Config) *jobqueue.Store {
	t.Helper()

	store, err := jobqueue.Open(cfg)
	if err != nil {
		t.Fatalf("jobqueue.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
