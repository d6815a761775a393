// Package pager implements the per-process, multi-database, filesystem-
// backed page cache: an LRU- and free-space-aware store populated on
// demand from LFSC, with every cached page durably present as its own file
// under <root>/<db>/pages/<pageNumber>.
package pager

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sync/singleflight"

	"github.com/fly-apps/litevfs/internal/ltx"
	"github.com/fly-apps/litevfs/internal/vfserr"
)

// RemoteFetcher is the subset of *lfsc.Client the Pager needs, narrowed to
// an interface so tests can inject a fake and so this package doesn't need
// to import lfsc directly.
type RemoteFetcher interface {
	GetPages(ctx context.Context, db string, pos PosArg, pgnos []uint32) ([]RemotePage, error)
}

// PosArg and RemotePage mirror lfsc.Pos / lfsc.PageData structurally so
// this package does not need to import lfsc directly (the composition root
// adapts the lfsc client to RemoteFetcher, keeping the dependency graph a
// DAG).
type PosArg struct {
	TXID              uint64
	PostApplyChecksum uint64
}

func (p PosArg) IsZero() bool { return p.TXID == 0 && p.PostApplyChecksum == 0 }

type RemotePage struct {
	Pgno uint32
	Data []byte
}

// Source tags which tier served a read: the local on-disk cache or a
// fallback fetch from LFSC.
type Source int

const (
	SourceLocal Source = iota
	SourceRemote
)

const (
	defaultMinAvailableSpace = 64 << 20 // 64 MiB
	defaultMaxCachedPages    = 0        // unlimited by count; only space-gated
)

// Pager is the central page-cache authority. It exclusively owns the
// on-disk cache and the LRU index.
type Pager struct {
	root    string
	fetcher RemoteFetcher
	logger  *log.Logger

	mu      sync.Mutex // guards lru + symbols; file I/O itself is lock-free per page
	symbols *symbolTable
	lru     *segmentedLRU

	minAvailableSpace atomic.Int64
	maxCachedPages    atomic.Int64

	sf singleflight.Group // collapses concurrent identical remote fetches
}

// Option configures a Pager at construction.
type Option func(*Pager)

// WithLogger overrides the default logger used for best-effort failures:
// eviction file-removal errors are logged but never abort the cache.
func WithLogger(l *log.Logger) Option {
	return func(p *Pager) { p.logger = l }
}

// New creates a Pager rooted at root, the process-private cache directory,
// fetching cache misses through fetcher.
func New(root string, fetcher RemoteFetcher, opts ...Option) (*Pager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("pager: create root %q: %w", root, err)
	}
	p := &Pager{
		root:    root,
		fetcher: fetcher,
		logger:  log.Default(),
		symbols: newSymbolTable(),
		lru:     newSegmentedLRU(0, 0),
	}
	p.minAvailableSpace.Store(defaultMinAvailableSpace)
	p.maxCachedPages.Store(defaultMaxCachedPages)
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SetMinAvailableSpace / SetMaxCachedPages implement the runtime-tunable
// litevfs_min_available_space / litevfs_max_cached_pages pragma knobs.
func (p *Pager) SetMinAvailableSpace(bytes int64) { p.minAvailableSpace.Store(bytes) }
func (p *Pager) MinAvailableSpace() int64         { return p.minAvailableSpace.Load() }
func (p *Pager) SetMaxCachedPages(n int64)        { p.maxCachedPages.Store(n) }
func (p *Pager) MaxCachedPages() int64            { return p.maxCachedPages.Load() }

func (p *Pager) dbDir(db string) string    { return filepath.Join(p.root, db) }
func (p *Pager) pagesDir(db string) string { return filepath.Join(p.dbDir(db), "pages") }
func (p *Pager) tmpDir(db string) string   { return filepath.Join(p.dbDir(db), "tmp") }
func (p *Pager) pagePath(db string, n ltx.PageNumber) string {
	return filepath.Join(p.pagesDir(db), fmt.Sprintf("%d", n))
}

func (p *Pager) ensureDirs(db string) error {
	if err := os.MkdirAll(p.pagesDir(db), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(p.tmpDir(db), 0o755)
}

// HasPage reports whether n is resident in db's local cache, without
// touching its LRU position (a pure existence check).
func (p *Pager) HasPage(db string, n ltx.PageNumber) bool {
	if _, err := os.Stat(p.pagePath(db, n)); err == nil {
		return true
	}
	return false
}

// readLocal reads a page straight from disk, returning os.ErrNotExist
// (wrapped) on a cache miss.
func (p *Pager) readLocal(db string, n ltx.PageNumber) ([]byte, error) {
	data, err := os.ReadFile(p.pagePath(db, n))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// GetPage fetches page n of db at pos, consulting the local cache first
// and falling back to a remote fetch. prefetchHints are additional page
// numbers to opportunistically fetch and cache alongside n in the same
// remote round trip.
func (p *Pager) GetPage(ctx context.Context, db string, pos PosArg, n ltx.PageNumber, prefetchHints []ltx.PageNumber) (*Page, Source, error) {
	const op = "pager.get_page"

	if data, err := p.readLocal(db, n); err == nil {
		p.touch(db, n, len(data))
		return NewPage(n, data), SourceLocal, nil
	} else if !os.IsNotExist(err) {
		return nil, SourceLocal, vfserr.New(vfserr.CodeOther, op, err)
	}

	if pos.IsZero() {
		// A zero Pos means the database has never been synced; the engine
		// expects a short read past EOF here, not an error.
		return nil, SourceLocal, vfserr.New(vfserr.CodeShortRead, op, fmt.Errorf("page %d not cached and database is empty", n))
	}

	pages, err := p.fetchRemote(ctx, db, pos, n, prefetchHints)
	if err != nil {
		return nil, SourceRemote, vfserr.Wrap(op, err)
	}
	var want *Page
	for _, rp := range pages {
		if err := p.putPageBytes(db, ltx.PageNumber(rp.Pgno), rp.Data); err != nil {
			return nil, SourceRemote, vfserr.New(vfserr.CodeOther, op, err)
		}
		if ltx.PageNumber(rp.Pgno) == n {
			cp := make([]byte, len(rp.Data))
			copy(cp, rp.Data)
			want = NewPage(n, cp)
		}
	}
	if want == nil {
		return nil, SourceRemote, vfserr.New(vfserr.CodeOther, op, fmt.Errorf("LFSC response did not include requested page %d", n))
	}
	return want, SourceRemote, nil
}

// fetchRemote collapses concurrent fetches of the same (db, pos, n) via
// singleflight, so a cache stampede on a hot page costs one LFSC round
// trip instead of one per waiting goroutine.
func (p *Pager) fetchRemote(ctx context.Context, db string, pos PosArg, n ltx.PageNumber, hints []ltx.PageNumber) ([]RemotePage, error) {
	sfKey := fmt.Sprintf("%s|%d/%d|%d", db, pos.TXID, pos.PostApplyChecksum, n)
	v, err, _ := p.sf.Do(sfKey, func() (any, error) {
		pgnos := make([]uint32, 0, 1+len(hints))
		pgnos = append(pgnos, uint32(n))
		for _, h := range hints {
			pgnos = append(pgnos, uint32(h))
		}
		pgnos = lo.Uniq(pgnos)
		return p.fetcher.GetPages(ctx, db, pos, pgnos)
	})
	if err != nil {
		return nil, err
	}
	return v.([]RemotePage), nil
}

// GetPageSlice reads a byte range out of page n into buf[offset:], honoring
// localOnly: when set, a cache miss fails immediately with WouldBlock
// instead of making a network call. The database layer uses this to cap
// how many remote fetches a single query may trigger.
func (p *Pager) GetPageSlice(ctx context.Context, db string, pos PosArg, n ltx.PageNumber, buf []byte, offset int, localOnly bool, prefetchHints []ltx.PageNumber) (Source, error) {
	const op = "pager.get_page_slice"

	if data, err := p.readLocal(db, n); err == nil {
		p.touch(db, n, len(data))
		copy(buf, data[offset:])
		return SourceLocal, nil
	} else if !os.IsNotExist(err) {
		return SourceLocal, vfserr.New(vfserr.CodeOther, op, err)
	}

	if localOnly {
		return SourceLocal, vfserr.New(vfserr.CodeWouldBlock, op, fmt.Errorf("page %d not cached, local-only fetch requested", n))
	}

	page, src, err := p.GetPage(ctx, db, pos, n, prefetchHints)
	if err != nil {
		return src, err
	}
	copy(buf, page.Data[offset:])
	return src, nil
}

// PutPage writes ref into the local cache atomically: a temp file followed
// by a rename into place.
func (p *Pager) PutPage(db string, ref PageRef) error {
	return vfserr.Wrap("pager.put_page", p.putPageBytes(db, ref.Number, ref.Data))
}

func (p *Pager) putPageBytes(db string, n ltx.PageNumber, data []byte) error {
	if err := p.ensureDirs(db); err != nil {
		return err
	}
	if err := p.reclaim(db); err != nil {
		p.logger.Printf("pager: reclaim before put_page(%s, %d): %v", db, n, err)
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.Reset()
	_, _ = buf.Write(data)

	tmpPath := filepath.Join(p.tmpDir(db), fmt.Sprintf("%d", n))
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("pager: write temp page %d: %w", n, err)
	}
	if err := os.Rename(tmpPath, p.pagePath(db, n)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("pager: rename page %d into place: %w", n, err)
	}
	p.touch(db, n, len(data))
	return nil
}

// DelPage removes n from db's cache. Reports whether a file was actually
// removed.
func (p *Pager) DelPage(db string, n ltx.PageNumber) (bool, error) {
	err := os.Remove(p.pagePath(db, n))
	removed := err == nil
	if err != nil && !os.IsNotExist(err) {
		return false, vfserr.New(vfserr.CodeOther, "pager.del_page", err)
	}
	p.mu.Lock()
	sym := p.symbols.intern(db)
	p.lru.remove(key{db: sym, pgno: uint32(n)})
	p.mu.Unlock()
	return removed, nil
}

// Truncate removes every cached page with number > n.
func (p *Pager) Truncate(db string, n ltx.PageNumber) error {
	entries, err := os.ReadDir(p.pagesDir(db))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return vfserr.New(vfserr.CodeOther, "pager.truncate", err)
	}
	for _, e := range entries {
		pgno, err := parsePageFilename(e.Name())
		if err != nil || pgno <= n {
			continue
		}
		if _, err := p.DelPage(db, pgno); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes every cached page for db and returns the page numbers that
// were removed (used after a syncer "All" change set invalidation).
func (p *Pager) Clear(db string) ([]ltx.PageNumber, error) {
	entries, err := os.ReadDir(p.pagesDir(db))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, vfserr.New(vfserr.CodeOther, "pager.clear", err)
	}
	removed := make([]ltx.PageNumber, 0, len(entries))
	for _, e := range entries {
		pgno, err := parsePageFilename(e.Name())
		if err != nil {
			continue
		}
		if _, err := p.DelPage(db, pgno); err != nil {
			return removed, err
		}
		removed = append(removed, pgno)
	}
	return removed, nil
}

func parsePageFilename(name string) (ltx.PageNumber, error) {
	var n uint64
	_, err := fmt.Sscanf(name, "%d", &n)
	if err != nil {
		return 0, err
	}
	return ltx.PageNumber(n), nil
}

// touch records an access against the LRU index, inserting a new entry if
// this is the page's first appearance.
func (p *Pager) touch(db string, n ltx.PageNumber, nbytes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sym := p.symbols.intern(db)
	k := key{db: sym, pgno: uint32(n)}
	if !p.lru.touch(k) {
		p.lru.insert(k, nbytes)
	}
}

// reclaim runs the eviction loop ahead of storing a page: while the
// resident count leaves no room for that page under max_cached_pages (when
// set) or available space is below min_available_space, evict the coldest
// entry. Eviction is best-effort: failed file removals are logged, never
// fatal.
func (p *Pager) reclaim(db string) error {
	for {
		p.mu.Lock()
		overCount := p.maxCachedPages.Load() > 0 && int64(p.lru.len()) >= p.maxCachedPages.Load()
		p.mu.Unlock()

		space, spaceErr := availableSpace(p.root)
		underSpace := spaceErr == nil && space < p.minAvailableSpace.Load()

		if !overCount && !underSpace {
			return nil
		}

		p.mu.Lock()
		k, ok := p.lru.evictOne()
		var name string
		if ok {
			name = p.symbols.name(k.db)
		}
		p.mu.Unlock()
		if !ok {
			return nil // nothing left to evict
		}
		if err := os.Remove(p.pagePath(name, ltx.PageNumber(k.pgno))); err != nil && !os.IsNotExist(err) {
			p.logger.Printf("pager: evict %s/%d: %v", name, k.pgno, err)
		}
	}
}

// residentCount reports how many pages the LRU index currently tracks,
// for tests verifying that eviction actually bounds cache size.
func (p *Pager) residentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.len()
}
