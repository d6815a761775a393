package vfsfacade

import (
	"context"
	"testing"
)

func TestPragmaJournalModeWALIsRefused(t *testing.T) {
	rig := newTestRig(t)
	_, handled, err := rig.facade.Pragma(context.Background(), nil, "journal_mode", "WAL")
	if !handled {
		t.Fatal("expected journal_mode=WAL to be handled")
	}
	if err == nil {
		t.Fatal("expected journal_mode=WAL to be refused")
	}
}

func TestPragmaJournalModeOtherValuesPassThrough(t *testing.T) {
	rig := newTestRig(t)
	_, handled, err := rig.facade.Pragma(context.Background(), nil, "journal_mode", "delete")
	if handled {
		t.Fatal("expected non-WAL journal_mode values to fall through to the engine")
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPragmaMinAvailableSpaceGetAndSet(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	got, handled, err := rig.facade.Pragma(ctx, nil, "litevfs_min_available_space", "")
	if !handled || err != nil {
		t.Fatalf("get: handled=%v err=%v", handled, err)
	}
	if got == "" {
		t.Fatal("expected a non-empty default value")
	}

	set, handled, err := rig.facade.Pragma(ctx, nil, "litevfs_min_available_space", "1048576")
	if !handled || err != nil {
		t.Fatalf("set: handled=%v err=%v", handled, err)
	}
	if set != "1048576" {
		t.Fatalf("expected the set value echoed back, got %q", set)
	}
}

func TestPragmaMaxCachedPagesGetAndSet(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if _, handled, err := rig.facade.Pragma(ctx, nil, "litevfs_max_cached_pages", "5000"); !handled || err != nil {
		t.Fatalf("set: handled=%v err=%v", handled, err)
	}
	got, _, err := rig.facade.Pragma(ctx, nil, "litevfs_max_cached_pages", "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "5000" {
		t.Fatalf("expected 5000, got %q", got)
	}
}

func TestPragmaRequiringMainHandleRejectsTempAndNilFiles(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if _, handled, err := rig.facade.Pragma(ctx, nil, "litevfs_max_reqs_per_query", "10"); !handled || err == nil {
		t.Fatalf("expected an error for a nil file handle, handled=%v err=%v", handled, err)
	}

	tempName := NextTempName()
	tf, err := rig.facade.Open(ctx, tempName)
	if err != nil {
		t.Fatalf("open temp: %v", err)
	}
	defer tf.Close(ctx, true)
	if _, handled, err := rig.facade.Pragma(ctx, tf, "litevfs_max_prefetch_pages", "10"); !handled || err == nil {
		t.Fatalf("expected an error for a temp-file handle, handled=%v err=%v", handled, err)
	}
}

func TestPragmaMaxReqsPerQueryOnMainHandle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	mf, err := rig.facade.Open(ctx, "reqs.db")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer mf.Close(ctx, false)

	got, handled, err := rig.facade.Pragma(ctx, mf, "litevfs_max_reqs_per_query", "2000")
	if !handled || err != nil {
		t.Fatalf("set: handled=%v err=%v", handled, err)
	}
	if got != "1024" {
		t.Fatalf("expected the set value clamped to 1024, got %q", got)
	}
}

func TestPragmaMaxPrefetchPagesOnMainHandle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	mf, err := rig.facade.Open(ctx, "prefetch.db")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer mf.Close(ctx, false)

	got, handled, err := rig.facade.Pragma(ctx, mf, "litevfs_max_prefetch_pages", "16")
	if !handled || err != nil {
		t.Fatalf("set: handled=%v err=%v", handled, err)
	}
	if got != "16" {
		t.Fatalf("expected 16, got %q", got)
	}
}

func TestPragmaCacheSyncPeriod(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	mf, err := rig.facade.Open(ctx, "period.db")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer mf.Close(ctx, false)

	got, handled, err := rig.facade.Pragma(ctx, mf, "litevfs_cache_sync_period", "5s")
	if !handled || err != nil {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if got != "5s" {
		t.Fatalf("expected 5s, got %q", got)
	}
}

func TestPragmaAcquireAndReleaseLease(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	mf, err := rig.facade.Open(ctx, "leased.db")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer mf.Close(ctx, false)

	id, handled, err := rig.facade.Pragma(ctx, mf, "litevfs_acquire_lease", "")
	if !handled || err != nil {
		t.Fatalf("acquire: handled=%v err=%v", handled, err)
	}
	if id != "lease-leased.db" {
		t.Fatalf("expected the fake lease client's id, got %q", id)
	}

	if _, handled, err := rig.facade.Pragma(ctx, mf, "litevfs_release_lease", ""); !handled || err != nil {
		t.Fatalf("release: handled=%v err=%v", handled, err)
	}
}

func TestPragmaCacheDB(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	mf, err := rig.facade.Open(ctx, "cache.db")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer mf.Close(ctx, false)

	if _, handled, err := rig.facade.Pragma(ctx, mf, "litevfs_cache_db", ""); !handled || err != nil {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
}

func TestPragmaUnknownNameIsNotHandled(t *testing.T) {
	rig := newTestRig(t)
	_, handled, err := rig.facade.Pragma(context.Background(), nil, "not_a_real_pragma", "")
	if handled {
		t.Fatal("expected an unrecognized pragma to report handled=false")
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
