package database

import (
	"context"
	"time"

	"github.com/fly-apps/litevfs/internal/locks"
	"github.com/fly-apps/litevfs/internal/pager"
)

// Conn is one engine-level handle's view of a Database: its lock state and
// its per-query remote-fetch budget. Multiple Conns may share one
// Database; each Conn owns exactly one locks.ConnLock against the
// Database's locks.DBLock.
type Conn struct {
	db   *Database
	lock *locks.ConnLock

	currentPagesPerQuery int
	maxPagesPerQuery     int
}

// NewConn opens a fresh, unlocked handle against db.
func NewConn(db *Database) *Conn {
	return &Conn{
		db:               db,
		lock:             db.dbLock.NewConn(),
		maxPagesPerQuery: defaultMaxPagesPerQuery,
	}
}

// SetMaxPagesPerQuery implements the litevfs_max_reqs_per_query pragma,
// capped at 1024.
func (c *Conn) SetMaxPagesPerQuery(n int) {
	if n > maxMaxPagesPerQuery {
		n = maxMaxPagesPerQuery
	}
	if n <= 0 {
		n = defaultMaxPagesPerQuery
	}
	c.maxPagesPerQuery = n
}

// MaxPagesPerQuery returns the handle's current per-query remote-fetch
// budget.
func (c *Conn) MaxPagesPerQuery() int { return c.maxPagesPerQuery }

// Lock exposes the handle's lock state machine to the VFS facade.
func (c *Conn) Lock() *locks.ConnLock { return c.lock }

// Acquire transitions the handle's lock, resetting the per-query remote
// fetch budget whenever the handle drops back to None — the contract a
// fresh query starts a fresh budget under.
func (c *Conn) Acquire(want locks.Kind, deadline, pollInterval time.Duration) error {
	err := c.lock.Acquire(want, deadline, pollInterval)
	if c.lock.Kind() == locks.None {
		c.currentPagesPerQuery = 0
	}
	return err
}

// ReadAt reads through to the shared Database, deciding localOnly from the
// handle's remaining per-query budget and counting every read actually
// served from LFSC against it.
func (c *Conn) ReadAt(ctx context.Context, buf []byte, offset int64) (pager.Source, error) {
	localOnly := c.currentPagesPerQuery >= c.maxPagesPerQuery
	src, err := c.db.ReadAt(ctx, buf, offset, localOnly)
	if err == nil && src == pager.SourceRemote {
		c.currentPagesPerQuery++
	}
	return src, err
}

// WriteAt reads through to the shared Database. Writes are never subject
// to the per-query remote-fetch budget; they always touch the local cache.
func (c *Conn) WriteAt(ctx context.Context, buf []byte, offset int64) error {
	return c.db.WriteAt(ctx, buf, offset)
}

// Close releases the handle's lock. Safe to call multiple times.
func (c *Conn) Close() error {
	return c.lock.Close()
}
