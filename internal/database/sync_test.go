package database

import (
	"context"
	"testing"

	"github.com/fly-apps/litevfs/internal/syncer"
)

func TestNeedsSyncTrueForAnUntrackedDatabase(t *testing.T) {
	h := newHarness(t, &fakeFetcher{})
	if !h.db.NeedsSync() {
		t.Fatal("a database the syncer has never opened should report NeedsSync true")
	}
}

func TestSyncWithZeroChangesPromotesPos(t *testing.T) {
	h := newHarness(t, &fakeFetcher{})
	ctx := context.Background()

	h.syncer.OpenConn(h.db.Name(), syncer.Pos{})
	h.syncer.SetPos(h.db.Name(), syncer.Pos{TXID: 5, PostApplyChecksum: 0xAB})

	if err := h.db.Sync(ctx, h.conn, false); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := h.db.Pos().TXID; got != 5 {
		t.Fatalf("expected Pos().TXID == 5, got %d", got)
	}
}

func TestSyncWithAllChangesClearsTheWholeCache(t *testing.T) {
	h := newHarness(t, &fakeFetcher{})
	ctx := context.Background()
	h.acquireLease()

	page1 := makePage(testPageSize, 0x21)
	setHeaderFields(page1, testPageSize, 1, 1, 1)
	if err := h.db.WriteAt(ctx, page1, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := h.db.CommitJournal(ctx, rollbackJournalMagic[:]); err != nil {
		t.Fatalf("CommitJournal: %v", err)
	}

	h.syncer = syncer.New(fakeSyncClient{
		getSyncFn: func(db string, pos syncer.Pos) (syncer.Changes, syncer.Pos, error) {
			return syncer.Changes{All: true}, syncer.Pos{TXID: 9}, nil
		},
	}, 0)
	h.db.syncer = h.syncer
	h.syncer.OpenConn(h.db.Name(), toSyncerPos(h.db.Pos()))

	if err := h.db.Sync(ctx, h.conn, true); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if h.pager.HasPage(h.db.Name(), 1) {
		t.Fatal("expected Sync(All) to evict every cached page")
	}
	h.db.mu.RLock()
	commit := h.db.committedCommit
	h.db.mu.RUnlock()
	if commit != 0 {
		t.Fatalf("expected committedCommit reset to 0 after a whole-cache invalidation, got %d", commit)
	}
	if h.db.Pos().TXID != 9 {
		t.Fatalf("expected Pos().TXID == 9, got %d", h.db.Pos().TXID)
	}
}

func TestSyncWithSpecificPagesOnlyResetsCommittedCommitWhenPage1IsEvicted(t *testing.T) {
	h := newHarness(t, &fakeFetcher{})
	ctx := context.Background()
	h.acquireLease()

	page1 := makePage(testPageSize, 0x31)
	setHeaderFields(page1, testPageSize, 2, 1, 1)
	if err := h.db.WriteAt(ctx, page1, 0); err != nil {
		t.Fatalf("WriteAt page1: %v", err)
	}
	page2 := makePage(testPageSize, 0x32)
	if err := h.db.WriteAt(ctx, page2, testPageSize); err != nil {
		t.Fatalf("WriteAt page2: %v", err)
	}
	if err := h.db.CommitJournal(ctx, rollbackJournalMagic[:]); err != nil {
		t.Fatalf("CommitJournal: %v", err)
	}

	h.syncer = syncer.New(fakeSyncClient{
		getSyncFn: func(db string, pos syncer.Pos) (syncer.Changes, syncer.Pos, error) {
			return syncer.Changes{Pgnos: []uint32{2}}, syncer.Pos{TXID: 9}, nil
		},
	}, 0)
	h.db.syncer = h.syncer
	h.syncer.OpenConn(h.db.Name(), toSyncerPos(h.db.Pos()))

	if err := h.db.Sync(ctx, h.conn, true); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if h.pager.HasPage(h.db.Name(), 2) {
		t.Fatal("expected page 2 to be evicted")
	}
	if !h.pager.HasPage(h.db.Name(), 1) {
		t.Fatal("page 1 was never touched by this change set and should remain cached")
	}
	h.db.mu.RLock()
	commit := h.db.committedCommit
	h.db.mu.RUnlock()
	if commit != 2 {
		t.Fatalf("expected committedCommit to survive since page 1 was not evicted, got %d", commit)
	}
}
