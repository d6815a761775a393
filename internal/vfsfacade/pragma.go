package vfsfacade

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fly-apps/litevfs/internal/database"
)

// Pragma answers one of the litevfs_* control pragmas (or refuses
// journal_mode=WAL) the engine proxies through as an ordinary PRAGMA
// statement against file. name is case-insensitive and unqualified
// ("litevfs_max_cached_pages"); value is the argument text for a set form,
// or empty for a bare query. handled reports whether name was one of
// ours — false lets the engine fall back to its own pragma handling.
func (f *Facade) Pragma(ctx context.Context, file *File, name, value string) (result string, handled bool, err error) {
	switch strings.ToLower(name) {
	case "journal_mode":
		if strings.EqualFold(strings.TrimSpace(value), "wal") {
			return "", true, fmt.Errorf("vfsfacade: journal_mode=WAL is not supported")
		}
		return "", false, nil

	case "litevfs_min_available_space":
		return f.pragmaInt64(value, f.pgr.MinAvailableSpace, f.pgr.SetMinAvailableSpace)

	case "litevfs_max_cached_pages":
		return f.pragmaInt64(value, f.pgr.MaxCachedPages, f.pgr.SetMaxCachedPages)

	case "litevfs_max_reqs_per_query":
		conn, err := mainConn(file)
		if err != nil {
			return "", true, err
		}
		return f.pragmaInt(value, conn.MaxPagesPerQuery, conn.SetMaxPagesPerQuery)

	case "litevfs_max_prefetch_pages":
		db, err := mainDB(file)
		if err != nil {
			return "", true, err
		}
		return f.pragmaInt(value, db.MaxPrefetchHints, db.SetMaxPrefetchHints)

	case "litevfs_cache_sync_period":
		dbName, err := mainName(file)
		if err != nil {
			return "", true, err
		}
		if value == "" {
			return "", true, nil
		}
		d, perr := time.ParseDuration(value)
		if perr != nil {
			secs, serr := strconv.Atoi(value)
			if serr != nil {
				return "", true, fmt.Errorf("vfsfacade: litevfs_cache_sync_period: invalid duration %q", value)
			}
			d = time.Duration(secs) * time.Second
		}
		f.syncer.SetPeriod(dbName, d)
		return d.String(), true, nil

	case "litevfs_acquire_lease":
		dbName, err := mainName(file)
		if err != nil {
			return "", true, err
		}
		if err := f.lsr.Acquire(ctx, dbName); err != nil {
			return "", true, err
		}
		id, _ := f.lsr.Get(dbName)
		return id, true, nil

	case "litevfs_release_lease":
		dbName, err := mainName(file)
		if err != nil {
			return "", true, err
		}
		return "", true, f.lsr.Release(ctx, dbName)

	case "litevfs_cache_db":
		db, err := mainDB(file)
		if err != nil {
			return "", true, err
		}
		return "", true, db.Cache(ctx)

	default:
		return "", false, nil
	}
}

// pragmaInt64 implements the get-or-set shape shared by the byte-size and
// page-count pragmas that live on the Pager, global across every database.
func (f *Facade) pragmaInt64(value string, get func() int64, set func(int64)) (string, bool, error) {
	if value == "" {
		return strconv.FormatInt(get(), 10), true, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return "", true, fmt.Errorf("vfsfacade: invalid integer %q: %w", value, err)
	}
	set(n)
	return strconv.FormatInt(get(), 10), true, nil
}

// pragmaInt is pragmaInt64's counterpart for the per-database int pragmas.
func (f *Facade) pragmaInt(value string, get func() int, set func(int)) (string, bool, error) {
	if value == "" {
		return strconv.Itoa(get()), true, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return "", true, fmt.Errorf("vfsfacade: invalid integer %q: %w", value, err)
	}
	set(n)
	return strconv.Itoa(get()), true, nil
}

func mainName(file *File) (string, error) {
	if file == nil || file.kind != KindMainDB {
		return "", fmt.Errorf("vfsfacade: pragma requires an open main database handle")
	}
	return file.mainDB.dbName, nil
}

func mainDB(file *File) (*database.Database, error) {
	if file == nil || file.kind != KindMainDB {
		return nil, fmt.Errorf("vfsfacade: pragma requires an open main database handle")
	}
	return file.mainDB.db, nil
}

func mainConn(file *File) (*database.Conn, error) {
	if file == nil || file.kind != KindMainDB {
		return nil, fmt.Errorf("vfsfacade: pragma requires an open main database handle")
	}
	return file.mainDB.conn, nil
}
