// Package database implements the per-database state machine: page reads
// and writes, dirty-page buffering during an in-progress transaction,
// rollback-journal interpretation, and the LTX commit algorithm that ships
// a transaction to LFSC.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fly-apps/litevfs/internal/leaser"
	"github.com/fly-apps/litevfs/internal/lfsc"
	"github.com/fly-apps/litevfs/internal/locks"
	"github.com/fly-apps/litevfs/internal/ltx"
	"github.com/fly-apps/litevfs/internal/pager"
	"github.com/fly-apps/litevfs/internal/syncer"
	"github.com/fly-apps/litevfs/internal/vfserr"
)

const (
	defaultMaxPagesPerQuery = 64
	maxMaxPagesPerQuery     = 1024
)

// dirtyEntry records a dirty page's pre-edit checksum, so the commit
// algorithm can XOR it back out of the running database checksum.
// hadPrior is false when the page was beyond committedCommit at the time
// it was first touched this transaction — it didn't exist yet.
type dirtyEntry struct {
	preChecksum ltx.Checksum
	hadPrior    bool
}

// Database is the shared, per-name state every handle opened against the
// same database name sees. Lock state lives separately, per handle, in
// Conn — everything here is the state behind the read/write lock readers
// and writers actually contend on.
type Database struct {
	name string
	dir  string // <root>/<name>

	pager      *pager.Pager
	lfscClient *lfsc.Client
	leaser     *leaser.Leaser
	syncer     *syncer.Syncer
	dbLock     *locks.DBLock
	log        *log.Logger

	mu               sync.RWMutex
	pageSize         ltx.PageSize
	pos              lfsc.Pos
	committedCommit  ltx.PageNumber
	currentCommit    ltx.PageNumber
	dirty            map[ltx.PageNumber]dirtyEntry
	prefetchHint     []ltx.PageNumber
	wal              bool
	autoVacuum       bool
	maxPrefetchHints int
}

// Option configures a Database at construction.
type Option func(*Database)

func WithMaxPrefetchHints(n int) Option {
	return func(d *Database) { d.maxPrefetchHints = n }
}

func WithLogger(l *log.Logger) Option {
	return func(d *Database) { d.log = l }
}

func (d *Database) logger() *log.Logger {
	if d.log != nil {
		return d.log
	}
	return log.Default()
}

// New creates the shared state for database name rooted at <root>/<name>,
// loading its last known position from the sidecar pos file (if any) and
// its header fields from page 1 (if cached or fetchable).
func New(ctx context.Context, root, name string, pgr *pager.Pager, client *lfsc.Client, lsr *leaser.Leaser, snc *syncer.Syncer, dbLock *locks.DBLock, opts ...Option) (*Database, error) {
	d := &Database{
		name:             name,
		dir:              filepath.Join(root, name),
		pager:            pgr,
		lfscClient:       client,
		leaser:           lsr,
		syncer:           snc,
		dbLock:           dbLock,
		dirty:            make(map[ltx.PageNumber]dirtyEntry),
		maxPrefetchHints: defaultPrefetchLimit,
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := os.MkdirAll(filepath.Join(d.dir, "ltx"), 0o755); err != nil {
		return nil, fmt.Errorf("database: create ltx dir: %w", err)
	}
	pos, err := d.loadPos()
	if err != nil {
		return nil, err
	}
	d.pos = pos
	if err := d.loadHeader(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// Name returns the database name this instance was created for.
func (d *Database) Name() string { return d.name }

func (d *Database) posPath() string { return filepath.Join(d.dir, "pos") }

func (d *Database) loadPos() (lfsc.Pos, error) {
	data, err := os.ReadFile(d.posPath())
	if err != nil {
		if os.IsNotExist(err) {
			return lfsc.Pos{}, nil
		}
		return lfsc.Pos{}, vfserr.New(vfserr.CodeOther, "database.load_pos", err)
	}
	var wire struct {
		TXID              uint64 `json:"txid"`
		PostApplyChecksum uint64 `json:"postApplyChecksum"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return lfsc.Pos{}, vfserr.New(vfserr.CodeInvalidData, "database.load_pos", err)
	}
	return lfsc.Pos{TXID: wire.TXID, PostApplyChecksum: wire.PostApplyChecksum}, nil
}

// savePos persists pos atomically (temp file + rename), matching the
// pager's own write-then-rename convention.
func (d *Database) savePos(pos lfsc.Pos) error {
	data, err := json.Marshal(struct {
		TXID              uint64 `json:"txid"`
		PostApplyChecksum uint64 `json:"postApplyChecksum"`
	}{TXID: pos.TXID, PostApplyChecksum: pos.PostApplyChecksum})
	if err != nil {
		return err
	}
	tmp := d.posPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("database: write temp pos file: %w", err)
	}
	if err := os.Rename(tmp, d.posPath()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("database: rename pos file into place: %w", err)
	}
	return nil
}

// loadHeader attempts to read page 1 at the database's known position and
// records pageSize, committedCommit, wal and autoVacuum from it. A
// completely empty, never-synced database (null pos, no cached page 1)
// leaves these fields at their zero values until the engine's first write.
func (d *Database) loadHeader(ctx context.Context) error {
	page, _, err := d.pager.GetPage(ctx, d.name, toPagerPos(d.pos), 1, nil)
	if err != nil {
		if vfserr.Is(err, vfserr.CodeShortRead) {
			return nil
		}
		return vfserr.Wrap("database.load_header", err)
	}
	h, ok := parseHeader(page.Data)
	if !ok {
		return nil
	}
	d.mu.Lock()
	d.pageSize = ltx.DecodeHeaderPageSize(h.pageSizeRaw)
	d.committedCommit = ltx.PageNumber(h.commit)
	d.currentCommit = d.committedCommit
	d.wal = isWAL(h)
	d.autoVacuum = h.autoVacuum
	d.mu.Unlock()
	return nil
}

// Pos returns the database's currently known position.
func (d *Database) Pos() lfsc.Pos {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pos
}

// SetMaxPrefetchHints implements the litevfs_max_prefetch_pages pragma,
// clamped to maxPrefetchLimit and floored to defaultPrefetchLimit when n
// is non-positive.
func (d *Database) SetMaxPrefetchHints(n int) {
	if n > maxPrefetchLimit {
		n = maxPrefetchLimit
	}
	if n <= 0 {
		n = defaultPrefetchLimit
	}
	d.mu.Lock()
	d.maxPrefetchHints = n
	d.mu.Unlock()
}

// MaxPrefetchHints returns the database's current prefetch-hint cap.
func (d *Database) MaxPrefetchHints() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.maxPrefetchHints
}

// ReadOnly reports whether this database was opened in WAL or auto-vacuum
// mode, both of which LiteVFS only ever serves reads for.
func (d *Database) ReadOnly() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.wal || d.autoVacuum
}

// Size returns the database's logical size in bytes, derived from the
// current commit page count and page size.
func (d *Database) Size() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.pageSize == 0 {
		return 0
	}
	return int64(d.currentCommit) * int64(d.pageSize)
}

func lockPageNumber(pageSize ltx.PageSize) ltx.PageNumber {
	return ltx.PageNumber(0x40000000/uint32(pageSize)) + 1
}

// ReadAt reads len(buf) bytes starting at offset. Every read except one
// that falls entirely within the first 100 bytes (the file header) must be
// exactly one page, aligned to a page boundary.
func (d *Database) ReadAt(ctx context.Context, buf []byte, offset int64, localOnly bool) (pager.Source, error) {
	const op = "database.read_at"

	d.mu.RLock()
	pageSize := d.pageSize
	pos := d.pos
	hints := append([]ltx.PageNumber(nil), d.prefetchHint...)
	_, page1Dirty := d.dirty[1]
	d.mu.RUnlock()

	if offset <= 100 && offset+int64(len(buf)) <= 100 {
		src, err := d.pager.GetPageSlice(ctx, d.name, toPagerPos(pos), 1, buf, int(offset), localOnly, hints)
		if err != nil {
			return src, vfserr.Wrap(op, err)
		}
		d.postReadHook(1, buf, offset, pageSize, page1Dirty)
		return src, nil
	}

	if pageSize == 0 {
		return pager.SourceLocal, vfserr.New(vfserr.CodeInvalidData, op, fmt.Errorf("page size unknown"))
	}
	if offset%int64(pageSize) != 0 || int64(len(buf)) != int64(pageSize) {
		return pager.SourceLocal, vfserr.New(vfserr.CodeInvalidData, op, fmt.Errorf("unaligned read at offset %d len %d", offset, len(buf)))
	}
	n := ltx.PageNumber(offset/int64(pageSize)) + 1

	src, err := d.pager.GetPageSlice(ctx, d.name, toPagerPos(pos), n, buf, 0, localOnly, hints)
	if err != nil {
		return src, vfserr.Wrap(op, err)
	}
	d.postReadHook(n, buf, offset, pageSize, page1Dirty)
	return src, nil
}

// postReadHook implements the three opportunistic bookkeeping steps that
// follow every successful read: WAL-marker masking, committedCommit
// refresh from an observed page-1 header, and b-tree prefetch-hint
// extraction.
func (d *Database) postReadHook(n ltx.PageNumber, buf []byte, bufOffset int64, pageSize ltx.PageSize, page1Dirty bool) {
	if n == 1 {
		d.mu.RLock()
		wal := d.wal
		d.mu.RUnlock()
		if wal {
			maskWALVersionBytes(buf, bufOffset)
		}
		if !page1Dirty && coversCommitRange(bufOffset, len(buf)) {
			if idx := headerCommitOffset - bufOffset; idx >= 0 && idx+4 <= int64(len(buf)) {
				commit, ok := parseCommitField(buf[idx : idx+4])
				if ok {
					d.mu.Lock()
					d.committedCommit = ltx.PageNumber(commit)
					d.mu.Unlock()
				}
			}
		}
	}

	if pageSize != 0 && int64(len(buf)) == int64(pageSize) && bufOffset == int64(n-1)*int64(pageSize) {
		d.mu.RLock()
		limit := d.maxPrefetchHints
		d.mu.RUnlock()
		hint := extractPrefetchHint(uint32(n), buf, limit)
		if len(hint) > 0 {
			pns := make([]ltx.PageNumber, len(hint))
			for i, h := range hint {
				pns[i] = ltx.PageNumber(h)
			}
			d.mu.Lock()
			d.prefetchHint = pns
			d.mu.Unlock()
		}
	}
}

// WriteAt stages a full-page write into the dirty set and the pager cache.
// Every write must be exactly one page, aligned to a page boundary.
func (d *Database) WriteAt(ctx context.Context, buf []byte, offset int64) error {
	const op = "database.write_at"

	d.mu.RLock()
	wal := d.wal
	pageSize := d.pageSize
	pos := d.pos
	committed := d.committedCommit
	d.mu.RUnlock()

	if offset == 0 {
		if h, ok := parseHeader(buf); ok {
			d.mu.Lock()
			if d.pageSize == 0 {
				d.pageSize = ltx.DecodeHeaderPageSize(h.pageSizeRaw)
				pageSize = d.pageSize
			}
			d.currentCommit = ltx.PageNumber(h.commit)
			d.mu.Unlock()
		}
	}

	if wal {
		return vfserr.New(vfserr.CodeUnsupported, op, fmt.Errorf("database is in WAL mode"))
	}
	if _, err := d.leaser.Get(d.name); err != nil {
		return vfserr.Wrap(op, err)
	}

	if pageSize == 0 {
		return vfserr.New(vfserr.CodeInvalidData, op, fmt.Errorf("page size unknown"))
	}
	if offset%int64(pageSize) != 0 || int64(len(buf)) != int64(pageSize) {
		return vfserr.New(vfserr.CodeInvalidData, op, fmt.Errorf("unaligned write at offset %d len %d", offset, len(buf)))
	}
	n := ltx.PageNumber(offset/int64(pageSize)) + 1

	var entry dirtyEntry
	if n <= committed {
		old, _, err := d.pager.GetPage(ctx, d.name, toPagerPos(pos), n, nil)
		if err != nil {
			return vfserr.Wrap(op, err)
		}
		entry = dirtyEntry{preChecksum: ltx.PageChecksum(n, old.Data), hadPrior: true}
	}

	cp := make([]byte, len(buf))
	copy(cp, buf)
	if err := d.pager.PutPage(d.name, pager.PageRef{Number: n, Data: cp}); err != nil {
		return vfserr.Wrap(op, err)
	}

	if n != lockPageNumber(pageSize) {
		d.mu.Lock()
		if _, exists := d.dirty[n]; !exists {
			d.dirty[n] = entry
		}
		d.mu.Unlock()
	}
	return nil
}

// Truncate shrinks the cache's view of db to size bytes, which must be a
// multiple of pageSize.
func (d *Database) Truncate(size int64) error {
	d.mu.RLock()
	pageSize := d.pageSize
	d.mu.RUnlock()
	if pageSize == 0 || size%int64(pageSize) != 0 {
		return vfserr.New(vfserr.CodeInvalidData, "database.truncate", fmt.Errorf("size %d not a multiple of page size %d", size, pageSize))
	}
	n := ltx.PageNumber(size / int64(pageSize))
	return vfserr.Wrap("database.truncate", d.pager.Truncate(d.name, n))
}

// Cache brings every page from 1..committedCommit into the local cache,
// batched in groups of MaxPrefetchBatch ascending page numbers. Idempotent:
// pages already resident are skipped.
func (d *Database) Cache(ctx context.Context) error {
	d.mu.RLock()
	commit := d.committedCommit
	pos := d.pos
	d.mu.RUnlock()

	for start := ltx.PageNumber(1); start <= commit; start += MaxPrefetchBatch {
		end := start + MaxPrefetchBatch - 1
		if end > commit {
			end = commit
		}
		var missing []ltx.PageNumber
		for n := start; n <= end; n++ {
			if !d.pager.HasPage(d.name, n) {
				missing = append(missing, n)
			}
		}
		if len(missing) == 0 {
			continue
		}
		if _, _, err := d.pager.GetPage(ctx, d.name, toPagerPos(pos), missing[0], missing[1:]); err != nil {
			return vfserr.Wrap("database.cache", err)
		}
	}
	return nil
}

// sortedDirtyPages returns the currently dirty page numbers in ascending
// order, the order the commit algorithm must write them in.
func (d *Database) sortedDirtyPages() []ltx.PageNumber {
	pns := make([]ltx.PageNumber, 0, len(d.dirty))
	for n := range d.dirty {
		pns = append(pns, n)
	}
	sort.Slice(pns, func(i, j int) bool { return pns[i] < pns[j] })
	return pns
}
