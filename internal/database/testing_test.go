package database

import (
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fly-apps/litevfs/internal/leaser"
	"github.com/fly-apps/litevfs/internal/lfsc"
	"github.com/fly-apps/litevfs/internal/locks"
	"github.com/fly-apps/litevfs/internal/pager"
	"github.com/fly-apps/litevfs/internal/syncer"
)

// fakeFetcher is a pager.RemoteFetcher that serves a fixed in-memory page
// set, counting how many fetches it was asked for.
type fakeFetcher struct {
	pages map[uint32][]byte
	calls int
}

func (f *fakeFetcher) GetPages(ctx context.Context, db string, pos pager.PosArg, pgnos []uint32) ([]pager.RemotePage, error) {
	f.calls++
	out := make([]pager.RemotePage, 0, len(pgnos))
	for _, n := range pgnos {
		if data, ok := f.pages[n]; ok {
			out = append(out, pager.RemotePage{Pgno: n, Data: data})
		}
	}
	return out, nil
}

// fakeLeaseClient always grants whatever lease is asked of it, without a
// network round trip.
type fakeLeaseClient struct{}

func (fakeLeaseClient) AcquireLease(ctx context.Context, db string, d time.Duration) (leaser.Lease, error) {
	return leaser.Lease{ID: "lease-" + db, ExpiresAt: time.Now().Add(d).UnixMilli()}, nil
}

func (fakeLeaseClient) RefreshLease(ctx context.Context, db, id string, d time.Duration) (leaser.Lease, error) {
	return leaser.Lease{ID: id, ExpiresAt: time.Now().Add(d).UnixMilli()}, nil
}

func (fakeLeaseClient) ReleaseLease(ctx context.Context, db, id string) error { return nil }

// fakeSyncClient lets each test script exactly what GetSync returns.
type fakeSyncClient struct {
	getSyncFn func(db string, pos syncer.Pos) (syncer.Changes, syncer.Pos, error)
}

func (f fakeSyncClient) GetSync(ctx context.Context, db string, pos syncer.Pos) (syncer.Changes, syncer.Pos, error) {
	if f.getSyncFn == nil {
		return syncer.Changes{}, pos, nil
	}
	return f.getSyncFn(db, pos)
}

func (f fakeSyncClient) PostSync(ctx context.Context, positions map[string]syncer.Pos) (map[string]syncer.Changes, map[string]syncer.Pos, error) {
	return nil, nil, nil
}

// harness wires a Database against fakes for every collaborator except
// lfsc.Client, which talks to an in-process httptest.Server so PostTx
// exercises the real wire path.
type harness struct {
	t        *testing.T
	db       *Database
	conn     *Conn
	pager    *pager.Pager
	leaser   *leaser.Leaser
	syncer   *syncer.Syncer
	srv      *httptest.Server
	postedTx [][]byte
	txStatus int
}

func newHarness(t *testing.T, fetcher pager.RemoteFetcher) *harness {
	t.Helper()
	pgr, err := pager.New(t.TempDir(), fetcher)
	if err != nil {
		t.Fatalf("pager.New: %v", err)
	}
	return newHarnessWithPager(t, pgr, "test.db")
}

// newHarnessWithPager wires a harness around a caller-supplied Pager,
// letting a test pre-seed cached pages before the Database ever observes
// them through loadHeader.
func newHarnessWithPager(t *testing.T, pgr *pager.Pager, name string) *harness {
	t.Helper()
	h := &harness{t: t, txStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/db/tx", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		h.postedTx = append(h.postedTx, data)
		w.WriteHeader(h.txStatus)
	})
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)

	client, err := lfsc.New(h.srv.URL, "test-token", "", lfsc.WithHTTPClient(h.srv.Client()))
	if err != nil {
		t.Fatalf("lfsc.New: %v", err)
	}

	lsr := leaser.New(fakeLeaseClient{}, time.Minute)
	snc := syncer.New(fakeSyncClient{}, time.Hour)
	dbLock := locks.NewDBLock()

	db, err := New(context.Background(), t.TempDir(), name, pgr, client, lsr, snc, dbLock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h.db = db
	h.pager = pgr
	h.leaser = lsr
	h.syncer = snc
	h.conn = NewConn(db)
	return h
}

func (h *harness) acquireLease() {
	h.t.Helper()
	if err := h.leaser.Acquire(context.Background(), h.db.Name()); err != nil {
		h.t.Fatalf("acquire lease: %v", err)
	}
}

// makePage builds a full pageSize-byte page with every byte set to fill.
// Tests that need header fields on page 1 add them with setHeaderFields.
func makePage(pageSize int, fill byte) []byte {
	buf := make([]byte, pageSize)
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

func setHeaderFields(buf []byte, pageSize uint16, commit uint32, writeVer, readVer byte) {
	binary.BigEndian.PutUint16(buf[16:18], pageSize)
	buf[18] = writeVer
	buf[19] = readVer
	binary.BigEndian.PutUint32(buf[28:32], commit)
}
