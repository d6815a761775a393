package database

import (
	"context"
	"testing"
	"time"

	"github.com/fly-apps/litevfs/internal/locks"
	"github.com/fly-apps/litevfs/internal/pager"
)

func TestSetMaxPagesPerQueryClampsAndFloors(t *testing.T) {
	h := newHarness(t, &fakeFetcher{})
	h.conn.SetMaxPagesPerQuery(5000)
	if h.conn.maxPagesPerQuery != maxMaxPagesPerQuery {
		t.Fatalf("expected clamp to %d, got %d", maxMaxPagesPerQuery, h.conn.maxPagesPerQuery)
	}
	h.conn.SetMaxPagesPerQuery(0)
	if h.conn.maxPagesPerQuery != defaultMaxPagesPerQuery {
		t.Fatalf("expected floor to default %d, got %d", defaultMaxPagesPerQuery, h.conn.maxPagesPerQuery)
	}
	h.conn.SetMaxPagesPerQuery(10)
	if h.conn.maxPagesPerQuery != 10 {
		t.Fatalf("expected 10, got %d", h.conn.maxPagesPerQuery)
	}
}

func TestAcquireResetsBudgetOnReleaseToNone(t *testing.T) {
	h := newHarness(t, &fakeFetcher{})
	h.conn.currentPagesPerQuery = 3
	if err := h.conn.Acquire(locks.Shared, time.Second, time.Millisecond); err != nil {
		t.Fatalf("Acquire(Shared): %v", err)
	}
	if h.conn.currentPagesPerQuery != 3 {
		t.Fatal("budget must survive a transition that does not drop to None")
	}
	if err := h.conn.Acquire(locks.None, time.Second, time.Millisecond); err != nil {
		t.Fatalf("Acquire(None): %v", err)
	}
	if h.conn.currentPagesPerQuery != 0 {
		t.Fatal("budget must reset once the handle drops back to None")
	}
}

func TestConnReadAtCountsRemoteFetchesAgainstBudget(t *testing.T) {
	page1 := makePage(testPageSize, 0x12)
	setHeaderFields(page1, testPageSize, 2, 1, 1)
	page2Bytes := makePage(testPageSize, 0x13)

	h := newHarness(t, &fakeFetcher{pages: map[uint32][]byte{
		1: page1,
		2: page2Bytes,
	}})
	h.acquireLease()
	ctx := context.Background()

	// Establish a non-zero known position so the pager treats a cache miss
	// as a remote fetch instead of a short read.
	if err := h.db.savePos(h.db.Pos()); err != nil {
		t.Fatalf("savePos: %v", err)
	}
	h.db.mu.Lock()
	h.db.pos.TXID = 1
	h.db.pos.PostApplyChecksum = 1
	h.db.pageSize = testPageSize
	h.db.mu.Unlock()

	h.conn.SetMaxPagesPerQuery(1)

	buf := make([]byte, testPageSize)
	src, err := h.conn.ReadAt(ctx, buf, 0)
	if err != nil {
		t.Fatalf("first ReadAt: %v", err)
	}
	if src != pager.SourceRemote {
		t.Fatalf("expected the first miss to be served remotely, got %v", src)
	}
	if h.conn.currentPagesPerQuery != 1 {
		t.Fatalf("expected budget to be consumed, got %d", h.conn.currentPagesPerQuery)
	}

	// The budget is now exhausted: a second distinct-page miss must be
	// forced local-only and fail rather than silently going remote again.
	buf2 := make([]byte, testPageSize)
	_, err = h.conn.ReadAt(ctx, buf2, testPageSize)
	if err == nil {
		t.Fatal("expected the second miss to fail once the per-query budget is exhausted")
	}
}
