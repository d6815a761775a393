package database

import (
	"context"
	"time"

	"github.com/fly-apps/litevfs/internal/locks"
	"github.com/fly-apps/litevfs/internal/ltx"
	"github.com/fly-apps/litevfs/internal/syncer"
	"github.com/fly-apps/litevfs/internal/vfserr"
)

// NeedsSync reports whether this database's cache may be stale: either the
// syncer has observed a different remote position, or too much time has
// passed since the last reconciliation.
func (d *Database) NeedsSync() bool {
	return d.syncer.NeedsSync(d.name, toSyncerPos(d.Pos()))
}

// Sync reconciles the local cache against the syncer's accumulated change
// set. If force is set, it first drives a synchronous round trip to LFSC
// ahead of the background loop's own schedule. Cache mutation happens
// under conn's Exclusive lock, so no reader observes a partially
// invalidated snapshot.
func (d *Database) Sync(ctx context.Context, conn *Conn, force bool) error {
	const op = "database.sync"

	if force {
		if err := d.syncer.SyncOne(ctx, d.name); err != nil {
			return vfserr.Wrap(op, err)
		}
	}

	newPos, changes := d.syncer.GetChanges(d.name)
	if changes.IsZero() {
		d.promotePos(newPos)
		return nil
	}

	if err := conn.Acquire(locks.Exclusive, time.Second, time.Millisecond); err != nil {
		d.syncer.PutChanges(d.name, changes)
		return vfserr.New(vfserr.CodeWouldBlock, op, err)
	}
	defer conn.lock.Release()

	if changes.All {
		if _, err := d.pager.Clear(d.name); err != nil {
			return vfserr.Wrap(op, err)
		}
		d.mu.Lock()
		d.committedCommit = 0
		d.pos = fromSyncerPos(newPos)
		d.mu.Unlock()
		return nil
	}

	evictedPage1 := false
	for _, n := range changes.Pgnos {
		removed, err := d.pager.DelPage(d.name, ltx.PageNumber(n))
		if err != nil {
			return vfserr.Wrap(op, err)
		}
		if removed && n == 1 {
			evictedPage1 = true
		}
	}
	d.mu.Lock()
	if evictedPage1 {
		d.committedCommit = 0
	}
	d.pos = fromSyncerPos(newPos)
	d.mu.Unlock()
	return nil
}

func (d *Database) promotePos(newPos syncer.Pos) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if newPos.TXID > d.pos.TXID {
		d.pos = fromSyncerPos(newPos)
	}
}
