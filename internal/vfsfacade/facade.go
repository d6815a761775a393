package vfsfacade

import (
	"context"
	"fmt"
	"log"

	"github.com/fly-apps/litevfs/internal/dbmanager"
	"github.com/fly-apps/litevfs/internal/leaser"
	"github.com/fly-apps/litevfs/internal/pager"
	"github.com/fly-apps/litevfs/internal/syncer"
	"github.com/fly-apps/litevfs/internal/vfserr"
)

// Facade is the engine-facing entry point: it classifies open() names,
// vends File handles of the appropriate Kind, and answers the control
// pragmas listed in the external-interfaces section.
type Facade struct {
	root   string
	mgr    *dbmanager.Manager
	pgr    *pager.Pager
	lsr    *leaser.Leaser
	syncer *syncer.Syncer
	log    *log.Logger
}

// Option configures a Facade at construction.
type Option func(*Facade)

// WithLogger overrides the default logger used at the handle boundary —
// the one layer in this stack, per the error-handling design, responsible
// for logging failures the engine itself won't surface.
func WithLogger(l *log.Logger) Option {
	return func(f *Facade) { f.log = l }
}

// New creates a Facade rooted at root, routing every opened database
// through mgr, every cache-sizing pragma through pgr, and the lease and
// sync-period pragmas through lsr and snc respectively.
func New(root string, mgr *dbmanager.Manager, pgr *pager.Pager, lsr *leaser.Leaser, snc *syncer.Syncer, opts ...Option) *Facade {
	f := &Facade{root: root, mgr: mgr, pgr: pgr, lsr: lsr, syncer: snc}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Facade) logger() *log.Logger {
	if f.log != nil {
		return f.log
	}
	return log.Default()
}

// engineError surfaces the engine-level integer code an error crossing
// the handle boundary needs to carry (currently only a PosMismatch,
// translated per vfserr.IOErrCode) and logs it, since a bare Go error
// value would otherwise lose that distinction on the way back to the
// engine. err is returned unchanged.
func (f *Facade) engineError(err error) error {
	if err == nil {
		return err
	}
	if code, ok := vfserr.EngineCodeOf(err); ok {
		f.logger().Printf("vfsfacade: engine error code %d: %v", code, err)
	}
	return err
}

// Open classifies name and returns the corresponding File handle: a
// MainDb handle backed by a fresh Conn against the shared Database, a
// Journal handle backed by the host filesystem, or a TempDb handle
// likewise host-backed. WAL names are refused outright.
func (f *Facade) Open(ctx context.Context, name string) (*File, error) {
	kind, dbName, err := ClassifyName(name)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindMainDB:
		conn, err := f.mgr.Open(ctx, dbName)
		if err != nil {
			f.logger().Printf("vfsfacade: open %s: %v", dbName, err)
			return nil, err
		}
		db, _ := f.mgr.Lookup(dbName)
		return &File{kind: kind, name: name, facade: f, mainDB: &mainHandle{dbName: dbName, conn: conn, db: db}}, nil

	case KindJournal:
		db, ok := f.mgr.Lookup(dbName)
		if !ok {
			return nil, fmt.Errorf("vfsfacade: journal opened before its main database %q", dbName)
		}
		jh, err := openJournal(journalPath(f.root, dbName), dbName, db, f.logger())
		if err != nil {
			return nil, err
		}
		return &File{kind: kind, name: name, facade: f, journal: jh}, nil

	case KindTempDB:
		th, err := openTemp(tempPath(f.root, name))
		if err != nil {
			return nil, err
		}
		return &File{kind: kind, name: name, facade: f, temp: th}, nil

	default:
		return nil, fmt.Errorf("vfsfacade: open: unknown kind %v", kind)
	}
}
