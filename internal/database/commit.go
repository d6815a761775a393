package database

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fly-apps/litevfs/internal/lfsc"
	"github.com/fly-apps/litevfs/internal/ltx"
	"github.com/fly-apps/litevfs/internal/vfserr"
)

// rollbackJournalMagic is the 8-byte prefix a valid commit record carries
// at the start of the rollback journal. Any other prefix — including all
// zeros, the shape of a journal-invalidation write — means the engine is
// rolling back rather than committing.
var rollbackJournalMagic = [8]byte{0xD9, 0xD5, 0x05, 0xF9, 0x20, 0xA1, 0x63, 0xD7}

// CommitJournal interprets one of the three journal events the VFS facade
// forwards here (a journal-header invalidation write, a truncate, or a
// journal deletion) as a commit or rollback signal, per journalHeader: the
// first 8+ bytes of the journal file as last observed by the caller.
func (d *Database) CommitJournal(ctx context.Context, journalHeader []byte) error {
	const op = "database.commit_journal"

	if len(journalHeader) < 8 || !bytes.Equal(journalHeader[:8], rollbackJournalMagic[:]) {
		d.mu.Lock()
		d.dirty = make(map[ltx.PageNumber]dirtyEntry)
		d.mu.Unlock()
		return nil
	}

	d.mu.Lock()
	if d.currentCommit < d.committedCommit {
		d.mu.Unlock()
		return vfserr.New(vfserr.CodeUnsupported, op, fmt.Errorf("commit would shrink the database (VACUUM)"))
	}
	leaseID, err := d.leaser.Get(d.name)
	if err != nil {
		d.mu.Unlock()
		return vfserr.Wrap(op, err)
	}

	prevPos := d.pos
	newTXID := prevPos.TXID + 1
	pageSize := d.pageSize
	currentCommit := d.currentCommit
	dirtyPages := d.sortedDirtyPages()
	dirty := make(map[ltx.PageNumber]dirtyEntry, len(d.dirty))
	for n, e := range d.dirty {
		dirty[n] = e
	}
	d.mu.Unlock()

	file, err := d.buildLTX(ctx, pageSize, currentCommit, newTXID, prevPos, dirtyPages, dirty)
	if err != nil {
		d.failCommit(dirtyPages)
		return vfserr.Wrap(op, err)
	}

	encoded, err := file.Encode()
	if err != nil {
		d.failCommit(dirtyPages)
		return vfserr.New(vfserr.CodeInvalidData, op, err)
	}

	stagePath := filepath.Join(d.dir, "ltx", fmt.Sprintf("%d-%d.ltx", file.Header.MinTXID, file.Header.MaxTXID))
	if err := os.WriteFile(stagePath, encoded, 0o644); err != nil {
		d.failCommit(dirtyPages)
		return vfserr.New(vfserr.CodeOther, op, fmt.Errorf("stage ltx file: %w", err))
	}

	if err := d.lfscClient.PostTx(ctx, d.name, leaseID, encoded); err != nil {
		d.failCommit(dirtyPages)
		return vfserr.Wrap(op, err)
	}

	newPos := lfsc.Pos{TXID: newTXID, PostApplyChecksum: uint64(file.Checksum)}
	if err := d.savePos(newPos); err != nil {
		d.logger().Printf("database: commit %s: save pos file: %v", d.name, err)
	}
	if err := os.Remove(stagePath); err != nil && !os.IsNotExist(err) {
		d.logger().Printf("database: commit %s: remove staged ltx: %v", d.name, err)
	}

	d.mu.Lock()
	d.pos = newPos
	d.committedCommit = currentCommit
	d.dirty = make(map[ltx.PageNumber]dirtyEntry)
	d.mu.Unlock()

	d.syncer.SetPos(d.name, toSyncerPos(newPos))
	return nil
}

// buildLTX assembles the LTX file for a commit: header plus ascending page
// records, skipping any dirty page beyond currentCommit (post-truncate
// garbage) and the lock page (never shipped), while accumulating the
// running XOR checksum per record.
func (d *Database) buildLTX(ctx context.Context, pageSize ltx.PageSize, currentCommit ltx.PageNumber, newTXID uint64, prevPos lfsc.Pos, dirtyPages []ltx.PageNumber, dirty map[ltx.PageNumber]dirtyEntry) (*ltx.File, error) {
	lockPage := lockPageNumber(pageSize)
	running := ltx.Checksum(prevPos.PostApplyChecksum)

	pages := make([]ltx.PageRecord, 0, len(dirtyPages))
	for _, n := range dirtyPages {
		if n > currentCommit || n == lockPage {
			continue
		}
		page, _, err := d.pager.GetPage(ctx, d.name, toPagerPos(prevPos), n, nil)
		if err != nil {
			return nil, err
		}
		entry := dirty[n]
		rec := ltx.PageRecord{
			Pgno:             n,
			PreApplyChecksum: entry.preChecksum,
			HadPreApply:      entry.hadPrior,
			Data:             page.Data,
		}
		running ^= rec.delta()
		pages = append(pages, rec)
	}

	hdr := ltx.Header{
		PageSize:         pageSize,
		Commit:           currentCommit,
		MinTXID:          ltx.TXID(newTXID),
		MaxTXID:          ltx.TXID(newTXID),
		Timestamp:        ltx.Now().UnixMilli(),
		PreApplyChecksum: ltx.Checksum(prevPos.PostApplyChecksum),
		HasPreApply:      !prevPos.IsZero(),
	}
	return &ltx.File{Header: hdr, Pages: pages, Checksum: running}, nil
}

// failCommit implements the commit-failure cleanup: every previously dirty
// page is evicted from the local cache so subsequent reads refetch from
// LFSC, and the dirty set is cleared.
func (d *Database) failCommit(dirtyPages []ltx.PageNumber) {
	for _, n := range dirtyPages {
		if _, err := d.pager.DelPage(d.name, n); err != nil {
			d.logger().Printf("database: commit failure cleanup %s/%d: %v", d.name, n, err)
		}
	}
	d.mu.Lock()
	d.dirty = make(map[ltx.PageNumber]dirtyEntry)
	d.mu.Unlock()
}
