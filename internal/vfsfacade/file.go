// Package vfsfacade translates the SQL engine's per-file operations
// (open/read/write/truncate/lock, plus the control pragmas) into calls on
// the core LiteVFS components, dispatching on the three handle shapes the
// engine actually opens: the main database file, its rollback journal,
// and scratch temp-database files.
package vfsfacade

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/fly-apps/litevfs/internal/database"
	"github.com/fly-apps/litevfs/internal/locks"
	"github.com/fly-apps/litevfs/internal/vfserr"
)

// File is a tagged union over the three handle shapes the engine opens
// through this facade. Only one of mainDB/journal/temp is populated,
// selected by kind.
type File struct {
	kind   Kind
	name   string
	facade *Facade

	mainDB  *mainHandle
	journal *journalHandle
	temp    *tempHandle
}

// Kind reports which handle shape this file is.
func (f *File) Kind() Kind { return f.kind }

// Name returns the engine-facing name this file was opened with.
func (f *File) Name() string { return f.name }

// ReadAt reads len(buf) bytes at offset, per Kind's own semantics.
func (f *File) ReadAt(ctx context.Context, buf []byte, offset int64) error {
	switch f.kind {
	case KindMainDB:
		_, err := f.mainDB.conn.ReadAt(ctx, buf, offset)
		return f.facade.engineError(err)
	case KindJournal:
		return f.journal.readAt(buf, offset)
	case KindTempDB:
		return f.temp.readAt(buf, offset)
	default:
		return fmt.Errorf("vfsfacade: read: unknown kind %v", f.kind)
	}
}

// WriteAt writes buf at offset. For the journal, this also evaluates the
// journal-invalidation commit trigger (a 28-byte all-zero write at
// offset 0).
func (f *File) WriteAt(ctx context.Context, buf []byte, offset int64) error {
	switch f.kind {
	case KindMainDB:
		return f.facade.engineError(f.mainDB.conn.WriteAt(ctx, buf, offset))
	case KindJournal:
		return f.journal.writeAt(ctx, buf, offset)
	case KindTempDB:
		return f.temp.writeAt(buf, offset)
	default:
		return fmt.Errorf("vfsfacade: write: unknown kind %v", f.kind)
	}
}

// Truncate resizes the file. For the journal this also evaluates the
// set_len commit trigger.
func (f *File) Truncate(ctx context.Context, size int64) error {
	switch f.kind {
	case KindMainDB:
		return f.facade.engineError(f.mainDB.db.Truncate(size))
	case KindJournal:
		return f.journal.truncate(ctx, size)
	case KindTempDB:
		return f.temp.truncate(size)
	default:
		return fmt.Errorf("vfsfacade: truncate: unknown kind %v", f.kind)
	}
}

// Size returns the file's current logical size in bytes.
func (f *File) Size() (int64, error) {
	switch f.kind {
	case KindMainDB:
		return f.mainDB.db.Size(), nil
	case KindJournal:
		return f.journal.size()
	case KindTempDB:
		return f.temp.size()
	default:
		return 0, fmt.Errorf("vfsfacade: size: unknown kind %v", f.kind)
	}
}

// Lock exposes the lock state machine for handle kinds that carry one
// (only the main database file does; journal and temp files are
// host-backed and rely on the OS for any locking the engine needs).
func (f *File) Lock() *locks.ConnLock {
	if f.kind != KindMainDB {
		return nil
	}
	return f.mainDB.conn.Lock()
}

// Close releases whatever the handle holds open: the main database's
// ConnLock, or the journal/temp file descriptor. For the journal, this
// also evaluates the journal-deletion commit trigger — the engine deletes
// the journal file to signal a successful commit once `deleteOnClose` was
// requested.
func (f *File) Close(ctx context.Context, deleteOnClose bool) error {
	switch f.kind {
	case KindMainDB:
		err := f.mainDB.conn.Close()
		f.facade.mgr.Close(f.mainDB.dbName, f.mainDB.conn)
		return err
	case KindJournal:
		return f.journal.close(ctx, deleteOnClose)
	case KindTempDB:
		return f.temp.close(deleteOnClose)
	default:
		return nil
	}
}

// mainHandle is the MainDb handle: a per-open-file Conn against the
// shared Database the dbmanager vends for this name.
type mainHandle struct {
	dbName string
	conn   *database.Conn
	db     *database.Database
}

// journalHandle is the Journal handle: a host-backed rollback journal
// file, whose offset-0 invalidation write, truncate, and deletion are the
// three triggers that forward to Database.CommitJournal.
type journalHandle struct {
	f      *os.File
	dbName string
	db     *database.Database
	log    *log.Logger
}

func openJournal(path, dbName string, db *database.Database, logger *log.Logger) (*journalHandle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, vfserr.New(vfserr.CodeOther, "vfsfacade.open_journal", err)
	}
	return &journalHandle{f: f, dbName: dbName, db: db, log: logger}, nil
}

func (j *journalHandle) readAt(buf []byte, offset int64) error {
	_, err := j.f.ReadAt(buf, offset)
	if err == io.EOF {
		return nil
	}
	return err
}

func (j *journalHandle) writeAt(ctx context.Context, buf []byte, offset int64) error {
	if _, err := j.f.WriteAt(buf, offset); err != nil {
		return vfserr.New(vfserr.CodeOther, "vfsfacade.journal_write", err)
	}
	if offset == 0 && len(buf) == 28 && isAllZero(buf) {
		return j.fireCommit(ctx)
	}
	return nil
}

func (j *journalHandle) truncate(ctx context.Context, size int64) error {
	if err := j.f.Truncate(size); err != nil {
		return vfserr.New(vfserr.CodeOther, "vfsfacade.journal_truncate", err)
	}
	return j.fireCommit(ctx)
}

func (j *journalHandle) size() (int64, error) {
	fi, err := j.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (j *journalHandle) close(ctx context.Context, deleteOnClose bool) error {
	path := j.f.Name()
	if deleteOnClose {
		if cerr := j.fireCommit(ctx); cerr != nil && j.log != nil {
			j.log.Printf("vfsfacade: journal %s: commit on delete: %v", j.dbName, cerr)
		}
	}
	err := j.f.Close()
	if deleteOnClose {
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	}
	return err
}

// fireCommit reads whatever header bytes are currently on disk (fewer
// than 8, including none at all, reads as a rollback) and forwards them
// to CommitJournal.
func (j *journalHandle) fireCommit(ctx context.Context) error {
	header := make([]byte, 8)
	n, err := j.f.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return vfserr.New(vfserr.CodeOther, "vfsfacade.journal_read_header", err)
	}
	err = j.db.CommitJournal(ctx, header[:n])
	if code, ok := vfserr.EngineCodeOf(err); ok && j.log != nil {
		j.log.Printf("vfsfacade: journal %s: engine error code %d: %v", j.dbName, code, err)
	}
	return err
}

func isAllZero(buf []byte) bool {
	return bytes.Count(buf, []byte{0}) == len(buf)
}

// tempHandle is the TempDb handle: a scratch file backed directly by the
// host filesystem, never shipped to LFSC. The engine uses these for
// sorting, transient indices, and similar throwaway state.
type tempHandle struct {
	f    *os.File
	path string
}

func openTemp(path string) (*tempHandle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, vfserr.New(vfserr.CodeOther, "vfsfacade.open_temp", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, vfserr.New(vfserr.CodeOther, "vfsfacade.open_temp", err)
	}
	return &tempHandle{f: f, path: path}, nil
}

func (t *tempHandle) readAt(buf []byte, offset int64) error {
	_, err := t.f.ReadAt(buf, offset)
	if err == io.EOF {
		return nil
	}
	return err
}

func (t *tempHandle) writeAt(buf []byte, offset int64) error {
	_, err := t.f.WriteAt(buf, offset)
	return err
}

func (t *tempHandle) truncate(size int64) error {
	return t.f.Truncate(size)
}

func (t *tempHandle) size() (int64, error) {
	fi, err := t.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (t *tempHandle) close(deleteOnClose bool) error {
	err := t.f.Close()
	if deleteOnClose {
		if rerr := os.Remove(t.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	}
	return err
}

// journalPath returns the host-backed path a database's rollback journal
// is stored at, per the persisted layout <root>/<db>/journal.
func journalPath(root, dbName string) string {
	return filepath.Join(root, dbName, "journal")
}

// tempPath returns the host-backed path a temp database's scratch file
// is stored at, under <root>/tmp/<name>.
func tempPath(root, name string) string {
	return filepath.Join(root, "tmp", name)
}
