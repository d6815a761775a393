// Package litevfs wires an embedded SQL engine's virtual file system to a
// LiteFS Cloud (LFSC) cluster: local pages are served from an on-disk cache
// and lazily backfilled from the remote store, writes are captured into a
// content-addressed transaction log and shipped to LFSC on every commit,
// and a background leaser and syncer keep the write lease fresh and the
// local cache apprised of changes made elsewhere.
//
// # Basic usage
//
//	cfg, err := config.Load(os.Getenv("LITEVFS_CONFIG_FILE"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	vfs, err := litevfs.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer vfs.Close()
//
//	f, err := vfs.Open(ctx, "app.db")
//	...
package litevfs

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fly-apps/litevfs/internal/config"
	"github.com/fly-apps/litevfs/internal/dbmanager"
	"github.com/fly-apps/litevfs/internal/leaser"
	"github.com/fly-apps/litevfs/internal/lfsc"
	"github.com/fly-apps/litevfs/internal/pager"
	"github.com/fly-apps/litevfs/internal/syncer"
	"github.com/fly-apps/litevfs/internal/vfsfacade"
)

const (
	defaultLeaseDuration = time.Minute
	defaultSyncPeriod    = time.Second
)

// Kind re-exports vfsfacade's handle-shape classification for callers that
// need to branch on it without importing the internal package directly.
type Kind = vfsfacade.Kind

const (
	KindMainDB  = vfsfacade.KindMainDB
	KindJournal = vfsfacade.KindJournal
	KindTempDB  = vfsfacade.KindTempDB
)

// File is the handle the engine operates on, re-exported from vfsfacade.
type File = vfsfacade.File

// VFS is the top-level entry point the embedding SQL engine talks to: one
// per process, rooted at a single on-disk cache directory and a single
// LFSC connection.
type VFS struct {
	cacheDir string
	client   *lfsc.Client
	pager    *pager.Pager
	leaser   *leaser.Leaser
	syncer   *syncer.Syncer
	mgr      *dbmanager.Manager
	facade   *vfsfacade.Facade
	log      *log.Logger
}

// Option configures a VFS at construction.
type Option func(*VFS)

// WithLogger overrides the default logger used throughout the stack for
// best-effort failures that are logged but not fatal.
func WithLogger(l *log.Logger) Option {
	return func(v *VFS) { v.log = l }
}

// New assembles a VFS from cfg: an LFSC client authenticated against
// cfg.CloudToken, a filesystem page cache rooted at cfg.CacheDir (or a
// fresh process-private directory under os.TempDir if unset), and the
// leaser/syncer background loops that keep it current. Of cfg's tunables,
// MinAvailableSpace, MaxCachedPages and CacheSyncPeriod are applied when
// set; MaxReqsPerQuery and MaxPrefetchPages are not used here. Call Start
// before handing the VFS to the engine, and Close when the process shuts
// down.
func New(cfg config.Config, opts ...Option) (*VFS, error) {
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), fmt.Sprintf("litevfs-%d-%s", os.Getpid(), uuid.NewString()))
	}

	v := &VFS{cacheDir: cacheDir, log: log.Default()}
	for _, opt := range opts {
		opt(v)
	}

	client, err := lfsc.New(cfg.CloudHost, cfg.CloudToken, cfg.CloudCluster)
	if err != nil {
		return nil, fmt.Errorf("litevfs: create lfsc client: %w", err)
	}
	v.client = client

	pgr, err := pager.New(cacheDir, remoteFetcherAdapter{client}, pager.WithLogger(v.log))
	if err != nil {
		return nil, fmt.Errorf("litevfs: create pager: %w", err)
	}
	if cfg.MinAvailableSpace > 0 {
		pgr.SetMinAvailableSpace(cfg.MinAvailableSpace)
	}
	if cfg.MaxCachedPages > 0 {
		pgr.SetMaxCachedPages(cfg.MaxCachedPages)
	}
	v.pager = pgr

	v.leaser = leaser.New(leaseClientAdapter{client}, defaultLeaseDuration, leaser.WithLogger(v.log))

	syncPeriod := defaultSyncPeriod
	if cfg.CacheSyncPeriod > 0 {
		syncPeriod = cfg.CacheSyncPeriod
	}
	v.syncer = syncer.New(syncClientAdapter{client}, syncPeriod, syncer.WithLogger(v.log))

	v.mgr = dbmanager.New(cacheDir, v.pager, v.client, v.leaser, v.syncer)

	facadeOpts := []vfsfacade.Option{vfsfacade.WithLogger(v.log)}
	v.facade = vfsfacade.New(cacheDir, v.mgr, v.pager, v.leaser, v.syncer, facadeOpts...)

	return v, nil
}

// Start begins the leaser and syncer background loops.
func (v *VFS) Start() {
	v.leaser.Start()
	v.syncer.Start()
}

// Close stops the background loops. It does not remove the on-disk cache
// directory — the cache is expected to outlive any single VFS instance
// within the same process-private root.
func (v *VFS) Close() error {
	v.leaser.Stop()
	v.syncer.Stop()
	return nil
}

// CacheDir returns the root directory backing the on-disk page cache.
func (v *VFS) CacheDir() string { return v.cacheDir }

// Open classifies name and returns the corresponding File handle, per the
// three handle shapes a SQL engine opens against a VFS: the main database
// file, its rollback journal, or a scratch temp-database file.
func (v *VFS) Open(ctx context.Context, name string) (*File, error) {
	return v.facade.Open(ctx, name)
}

// Pragma answers one of the litevfs_* control pragmas (or refuses
// journal_mode=WAL) against an already-open handle. handled reports
// whether name was one of ours; the engine should fall back to its own
// pragma handling when it is false.
func (v *VFS) Pragma(ctx context.Context, file *File, name, value string) (result string, handled bool, err error) {
	return v.facade.Pragma(ctx, file, name, value)
}

// NextTempName produces a fresh scratch-database name for the engine to
// Open when it needs temporary storage.
func NextTempName() string { return vfsfacade.NextTempName() }

// remoteFetcherAdapter satisfies pager.RemoteFetcher against the concrete
// *lfsc.Client, converting between lfsc's wire types and pager's
// dependency-free mirrors of them.
type remoteFetcherAdapter struct{ client *lfsc.Client }

func (a remoteFetcherAdapter) GetPages(ctx context.Context, db string, pos pager.PosArg, pgnos []uint32) ([]pager.RemotePage, error) {
	pages, err := a.client.GetPages(ctx, db, lfsc.Pos{TXID: pos.TXID, PostApplyChecksum: pos.PostApplyChecksum}, pgnos)
	if err != nil {
		return nil, err
	}
	out := make([]pager.RemotePage, len(pages))
	for i, p := range pages {
		out[i] = pager.RemotePage{Pgno: p.Pgno, Data: p.Data}
	}
	return out, nil
}

// leaseClientAdapter satisfies leaser.Client against the concrete
// *lfsc.Client.
type leaseClientAdapter struct{ client *lfsc.Client }

func (a leaseClientAdapter) AcquireLease(ctx context.Context, db string, d time.Duration) (leaser.Lease, error) {
	l, err := a.client.AcquireLease(ctx, db, d)
	return leaser.Lease{ID: l.ID, ExpiresAt: l.ExpiresAt}, err
}

func (a leaseClientAdapter) RefreshLease(ctx context.Context, db, id string, d time.Duration) (leaser.Lease, error) {
	l, err := a.client.RefreshLease(ctx, db, id, d)
	return leaser.Lease{ID: l.ID, ExpiresAt: l.ExpiresAt}, err
}

func (a leaseClientAdapter) ReleaseLease(ctx context.Context, db, id string) error {
	return a.client.ReleaseLease(ctx, db, id)
}

// syncClientAdapter satisfies syncer.Client against the concrete
// *lfsc.Client.
type syncClientAdapter struct{ client *lfsc.Client }

func (a syncClientAdapter) GetSync(ctx context.Context, db string, pos syncer.Pos) (syncer.Changes, syncer.Pos, error) {
	changes, newPos, err := a.client.GetSync(ctx, db, lfsc.Pos{TXID: pos.TXID, PostApplyChecksum: pos.PostApplyChecksum})
	return toSyncerChanges(changes), toSyncerPos(newPos), err
}

func (a syncClientAdapter) PostSync(ctx context.Context, positions map[string]syncer.Pos) (map[string]syncer.Changes, map[string]syncer.Pos, error) {
	in := make(map[string]lfsc.Pos, len(positions))
	for db, pos := range positions {
		in[db] = lfsc.Pos{TXID: pos.TXID, PostApplyChecksum: pos.PostApplyChecksum}
	}
	changes, newPositions, err := a.client.PostSync(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	outChanges := make(map[string]syncer.Changes, len(changes))
	for db, c := range changes {
		outChanges[db] = toSyncerChanges(c)
	}
	outPositions := make(map[string]syncer.Pos, len(newPositions))
	for db, pos := range newPositions {
		outPositions[db] = toSyncerPos(pos)
	}
	return outChanges, outPositions, nil
}

func toSyncerPos(p lfsc.Pos) syncer.Pos {
	return syncer.Pos{TXID: p.TXID, PostApplyChecksum: p.PostApplyChecksum}
}

func toSyncerChanges(c lfsc.Changes) syncer.Changes {
	return syncer.Changes{All: c.All, Pgnos: c.Pgnos}
}
