package dbmanager

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fly-apps/litevfs/internal/leaser"
	"github.com/fly-apps/litevfs/internal/lfsc"
	"github.com/fly-apps/litevfs/internal/pager"
	"github.com/fly-apps/litevfs/internal/syncer"
)

type fakeFetcher struct{}

func (fakeFetcher) GetPages(ctx context.Context, db string, pos pager.PosArg, pgnos []uint32) ([]pager.RemotePage, error) {
	return nil, nil
}

type fakeLeaseClient struct{}

func (fakeLeaseClient) AcquireLease(ctx context.Context, db string, d time.Duration) (leaser.Lease, error) {
	return leaser.Lease{ID: "lease-" + db, ExpiresAt: time.Now().Add(d).UnixMilli()}, nil
}
func (fakeLeaseClient) RefreshLease(ctx context.Context, db, id string, d time.Duration) (leaser.Lease, error) {
	return leaser.Lease{ID: id, ExpiresAt: time.Now().Add(d).UnixMilli()}, nil
}
func (fakeLeaseClient) ReleaseLease(ctx context.Context, db, id string) error { return nil }

type fakeSyncClient struct{}

func (fakeSyncClient) GetSync(ctx context.Context, db string, pos syncer.Pos) (syncer.Changes, syncer.Pos, error) {
	return syncer.Changes{}, pos, nil
}
func (fakeSyncClient) PostSync(ctx context.Context, positions map[string]syncer.Pos) (map[string]syncer.Changes, map[string]syncer.Pos, error) {
	return nil, nil, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	pgr, err := pager.New(t.TempDir(), fakeFetcher{})
	if err != nil {
		t.Fatalf("pager.New: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/db/tx", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := lfsc.New(srv.URL, "test-token", "", lfsc.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("lfsc.New: %v", err)
	}

	lsr := leaser.New(fakeLeaseClient{}, time.Minute)
	snc := syncer.New(fakeSyncClient{}, time.Hour)
	return New(t.TempDir(), pgr, client, lsr, snc)
}

func TestOpenCreatesTheDatabaseOnlyOnce(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	c1, err := m.Open(ctx, "a.db")
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	c2, err := m.Open(ctx, "a.db")
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}

	m.mu.Lock()
	e := m.entries["a.db"]
	refs := e.refs
	m.mu.Unlock()
	if refs != 2 {
		t.Fatalf("expected refs == 2 after two opens, got %d", refs)
	}

	if err := m.Close("a.db", c1); err != nil {
		t.Fatalf("close c1: %v", err)
	}
	if err := m.Close("a.db", c2); err != nil {
		t.Fatalf("close c2: %v", err)
	}

	m.mu.Lock()
	refs = m.entries["a.db"].refs
	m.mu.Unlock()
	if refs != 0 {
		t.Fatalf("expected refs == 0 after closing both handles, got %d", refs)
	}
	// The Database itself stays cached across handle close/open cycles.
	if _, ok := m.Lookup("a.db"); !ok {
		t.Fatal("expected the Database to remain cached after all handles close")
	}
}

func TestDistinctNamesGetDistinctDatabases(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Open(ctx, "a.db"); err != nil {
		t.Fatalf("open a.db: %v", err)
	}
	if _, err := m.Open(ctx, "b.db"); err != nil {
		t.Fatalf("open b.db: %v", err)
	}

	dbA, ok := m.Lookup("a.db")
	if !ok {
		t.Fatal("expected a.db to be cached")
	}
	dbB, ok := m.Lookup("b.db")
	if !ok {
		t.Fatal("expected b.db to be cached")
	}
	if dbA == dbB {
		t.Fatal("expected distinct names to resolve to distinct Database instances")
	}
}

func TestLookupMissingNameReportsNotOK(t *testing.T) {
	m := newTestManager(t)
	if _, ok := m.Lookup("never-opened.db"); ok {
		t.Fatal("expected Lookup to report false for a name never opened")
	}
}
