// Package db provides the embedded SQLite persistence layer: a
// fixed-size pool of pinned connections, schema migrations tracked in
// user_version, and the pragmas that make a single-file database safe
// for a concurrent reconciler.
package db

import (
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	sqlite "modernc.org/sqlite"

	"gitlab.com/arcanecrypto/troncoil/build"
)

var log = build.AddSubLogger("STOR")

// DatabaseConfig has all the values we need to open a database
type DatabaseConfig struct {
	// Path is the database file. Distinct paths are fully independent
	// databases.
	Path string
	// PoolSize is the number of preallocated connections, default 5
	PoolSize int
	// ConnectionTimeout is the per-connection busy timeout, default 30s
	ConnectionTimeout time.Duration
	// PoolTimeout bounds how long an acquire waits before spawning a
	// temporary connection, default 10s
	PoolTimeout time.Duration
	// CacheSize is the page-cache size pragma, default 10000
	CacheSize int
	// MmapSize is the mmap pragma in bytes, default 256 MiB
	MmapSize int64
}

const (
	defaultPoolSize          = 5
	defaultConnectionTimeout = 30 * time.Second
	defaultPoolTimeout       = 10 * time.Second
	defaultCacheSize         = 10_000
	defaultMmapSize          = 268_435_456
)

func (c DatabaseConfig) withDefaults() DatabaseConfig {
	if c.PoolSize == 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = defaultConnectionTimeout
	}
	if c.PoolTimeout == 0 {
		c.PoolTimeout = defaultPoolTimeout
	}
	if c.CacheSize == 0 {
		c.CacheSize = defaultCacheSize
	}
	if c.MmapSize == 0 {
		c.MmapSize = defaultMmapSize
	}
	return c
}

// openHandle opens a *sqlx.DB pinned to exactly one underlying SQLite
// connection, so statements issued on it are guaranteed to share a
// session (and therefore a transaction once one is begun).
func openHandle(conf DatabaseConfig) (*sqlx.DB, error) {
	q := make(url.Values)
	q.Set("_time_format", "sqlite")

	dsn := fmt.Sprintf("file:%s?%s", conf.Path, q.Encode())
	handle, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open database at %s", conf.Path)
	}
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)
	handle.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", conf.ConnectionTimeout.Milliseconds()),
		fmt.Sprintf("PRAGMA cache_size=%d", conf.CacheSize),
		"PRAGMA temp_store=MEMORY",
		fmt.Sprintf("PRAGMA mmap_size=%d", conf.MmapSize),
	}
	for _, pragma := range pragmas {
		if _, err := handle.Exec(pragma); err != nil {
			_ = handle.Close()
			return nil, errors.Wrapf(err, "could not apply %q", pragma)
		}
	}
	return handle, nil
}

// sqlite result codes we branch on
const (
	sqliteBusy             = 5
	sqliteLocked           = 6
	sqliteConstraint       = 19
	sqliteConstraintUnique = 2067
)

// IsBusy reports whether the error is SQLite lock contention, the only
// storage error class worth retrying
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code() & 0xff
	return code == sqliteBusy || code == sqliteLocked
}

// IsUniqueViolation reports whether the error is a uniqueness
// constraint failure
func IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqliteConstraintUnique || se.Code()&0xff == sqliteConstraint
}

// Getter can get from a db
type Getter interface {
	Get(dest interface{}, query string, args ...interface{}) error
}

// Selecter can select multiple rows from a db
type Selecter interface {
	Select(dest interface{}, query string, args ...interface{}) error
}
