package db

import (
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Pool is a fixed-size pool of pinned SQLite connections. The bounded
// channel is the synchronization primitive: acquisition blocks on it,
// release feeds it back. Every connection is probed with SELECT 1 on
// acquire and replaced if dead; when the pool is exhausted past the
// configured wait, a temporary connection is spawned and closed on
// release instead of returned.
type Pool struct {
	conf    DatabaseConfig
	handles chan *sqlx.DB
}

// Open migrates the schema and preallocates the connection pool
func Open(conf DatabaseConfig) (*Pool, error) {
	conf = conf.withDefaults()

	first, err := openHandle(conf)
	if err != nil {
		return nil, err
	}
	if err := migrate(first); err != nil {
		_ = first.Close()
		return nil, err
	}

	pool := &Pool{
		conf:    conf,
		handles: make(chan *sqlx.DB, conf.PoolSize),
	}
	pool.handles <- first
	for i := 1; i < conf.PoolSize; i++ {
		handle, err := openHandle(conf)
		if err != nil {
			_ = pool.Close()
			return nil, err
		}
		pool.handles <- handle
	}

	log.WithField("path", conf.Path).WithField("poolSize", conf.PoolSize).
		Info("Opened connection pool")
	return pool, nil
}

// acquire returns a live handle. The second return value reports
// whether the handle is temporary and must be closed rather than
// returned to the pool.
func (p *Pool) acquire() (*sqlx.DB, bool, error) {
	var handle *sqlx.DB
	select {
	case handle = <-p.handles:
	default:
		select {
		case handle = <-p.handles:
		case <-time.After(p.conf.PoolTimeout):
			log.Warn("Connection pool exhausted, creating temporary connection")
			temp, err := openHandle(p.conf)
			if err != nil {
				return nil, false, errors.Wrap(err, "could not open temporary connection")
			}
			return temp, true, nil
		}
	}

	// liveness probe; discard and replace dead connections
	if _, err := handle.Exec("SELECT 1"); err != nil {
		log.WithError(err).Warn("Discarding dead pooled connection")
		_ = handle.Close()
		replacement, err := openHandle(p.conf)
		if err != nil {
			return nil, false, errors.Wrap(err, "could not replace dead connection")
		}
		handle = replacement
	}
	return handle, false, nil
}

func (p *Pool) release(handle *sqlx.DB, temporary bool) {
	if temporary {
		_ = handle.Close()
		return
	}
	select {
	case p.handles <- handle:
	default:
		// pool already full, a temporary handle slipped through
		_ = handle.Close()
	}
}

// With scopes a pooled connection to fn, guaranteeing release on every
// exit path
func (p *Pool) With(fn func(handle *sqlx.DB) error) error {
	handle, temporary, err := p.acquire()
	if err != nil {
		return err
	}
	defer p.release(handle, temporary)
	return fn(handle)
}

// Close drains and closes all pooled connections
func (p *Pool) Close() error {
	var firstErr error
	for {
		select {
		case handle := <-p.handles:
			if err := handle.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		default:
			log.Info("Connection pool closed")
			return firstErr
		}
	}
}
