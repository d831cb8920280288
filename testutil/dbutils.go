package testutil

import (
	"path/filepath"
	"testing"

	"gitlab.com/arcanecrypto/troncoil/db"
)

// GetDatabaseConfig returns a DB config suitable for testing purposes.
// The database file lives in a per-test temp dir the runtime cleans up.
func GetDatabaseConfig(t *testing.T, name string) db.DatabaseConfig {
	t.Helper()
	return db.DatabaseConfig{
		Path:     filepath.Join(t.TempDir(), name+".db"),
		PoolSize: 3,
	}
}

// InitDatabase opens a migrated pool for the given config such that
// tests can be run against it
func InitDatabase(t *testing.T, conf db.DatabaseConfig) *db.Pool {
	t.Helper()
	pool, err := db.Open(conf)
	if err != nil {
		t.Fatalf("Could not open test database: %+v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Logf("Could not close test database: %v", err)
		}
	})
	return pool
}
