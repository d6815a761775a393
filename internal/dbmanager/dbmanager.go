// Package dbmanager caches one shared *database.Database per database
// name and vends fresh per-open-file *database.Conn handles against it,
// mirroring the lazy-create-under-lock registry the teacher corpus uses
// for its own per-tenant table catalog.
package dbmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/fly-apps/litevfs/internal/database"
	"github.com/fly-apps/litevfs/internal/leaser"
	"github.com/fly-apps/litevfs/internal/lfsc"
	"github.com/fly-apps/litevfs/internal/locks"
	"github.com/fly-apps/litevfs/internal/pager"
	"github.com/fly-apps/litevfs/internal/syncer"
)

// entry is the bookkeeping record for one cached database: its shared
// state machine plus a count of currently-open handles. Each Open and
// Close is mirrored to the Syncer's own per-name conn count, which stops
// tracking the name when its last handle closes.
type entry struct {
	db      *database.Database
	dbLock  *locks.DBLock
	refs    int
	initErr error
}

// Manager is the per-process cache of Database instances, keyed by name.
// Database, Pager, and LFSC client are shared, immutable infrastructure;
// Manager only owns the name-indexed registry above them.
type Manager struct {
	root   string
	pager  *pager.Pager
	client *lfsc.Client
	leaser *leaser.Leaser
	syncer *syncer.Syncer

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Manager rooted at root, sharing the given infrastructure
// across every database it opens.
func New(root string, pgr *pager.Pager, client *lfsc.Client, lsr *leaser.Leaser, snc *syncer.Syncer) *Manager {
	return &Manager{
		root:    root,
		pager:   pgr,
		client:  client,
		leaser:  lsr,
		syncer:  snc,
		entries: make(map[string]*entry),
	}
}

// getOrCreate returns the entry for name, constructing its Database on
// first access. Callers must hold m.mu.
func (m *Manager) getOrCreate(ctx context.Context, name string) (*entry, error) {
	e, ok := m.entries[name]
	if ok {
		return e, e.initErr
	}
	e = &entry{dbLock: locks.NewDBLock()}
	m.entries[name] = e

	db, err := database.New(ctx, m.root, name, m.pager, m.client, m.leaser, m.syncer, e.dbLock)
	if err != nil {
		e.initErr = fmt.Errorf("dbmanager: open %q: %w", name, err)
		delete(m.entries, name)
		return e, e.initErr
	}
	e.db = db
	return e, nil
}

// Open returns a fresh Conn against the shared Database for name,
// creating the Database on the first call for that name and registering
// the new handle with the Syncer's conn-tracking.
func (m *Manager) Open(ctx context.Context, name string) (*database.Conn, error) {
	m.mu.Lock()
	e, err := m.getOrCreate(ctx, name)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	e.refs++
	db := e.db
	m.mu.Unlock()

	conn := database.NewConn(db)
	m.syncer.OpenConn(name, toSyncerPos(db.Pos()))
	return conn, nil
}

// Close releases a handle previously returned by Open. Once the last
// handle against a name closes, the Syncer stops tracking that name —
// the Database itself stays cached, ready for the next Open.
func (m *Manager) Close(name string, conn *database.Conn) error {
	err := conn.Close()

	m.mu.Lock()
	if e, ok := m.entries[name]; ok {
		e.refs--
		m.syncer.CloseConn(name)
	}
	m.mu.Unlock()

	return err
}

// Lookup returns the cached Database for name without creating it,
// reporting ok=false if no handle has ever been opened against it. Used
// by pragmas that target an already-open database by name.
func (m *Manager) Lookup(name string) (*database.Database, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok || e.db == nil {
		return nil, false
	}
	return e.db, true
}

func toSyncerPos(p lfsc.Pos) syncer.Pos {
	return syncer.Pos{TXID: p.TXID, PostApplyChecksum: p.PostApplyChecksum}
}
