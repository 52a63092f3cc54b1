package testutil

import (
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/nhle/nicemail/internal/credential"
	"github.com/nhle/nicemail/internal/store"
)

// NewTestStore creates a throwaway event store with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"), "test")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// TempPaths returns profile paths rooted in a per-test temporary directory.
func TempPaths(t *testing.T) credential.Paths {
	t.Helper()

	root := t.TempDir()
	return credential.Paths{
		Profile:   "test",
		ConfigDir: root + "/config",
		StateDir:  root + "/state",
	}
}

// NewSecureStore creates a secure store in a temporary directory with a
// fresh random key, bypassing keyring resolution.
func NewSecureStore(t *testing.T) *credential.SecureStore {
	t.Helper()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generating test key: %v", err)
	}

	s, err := credential.NewSecureStore(TempPaths(t), key, credential.KeySourceFile)
	if err != nil {
		t.Fatalf("creating test secure store: %v", err)
	}

	return s
}
