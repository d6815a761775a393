// Package lfsc implements the typed client for the LFSC wire protocol: the
// remote, content-addressed, transaction-log-based store that backs every
// LiteVFS database. It owns no mutable database state of its own beyond
// sticky-routing bookkeeping; Pager, Database, Leaser, and Syncer all
// share one *Client.
package lfsc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/google/uuid"
)

// DefaultBaseURL is used when the host process does not set
// LITEFS_CLOUD_HOST.
const DefaultBaseURL = "https://litefs.fly.io"

// Client is a typed HTTP client for the LFSC endpoints. It is safe for
// concurrent use; the only mutable field is the sticky instance id, guarded
// by instanceMu.
type Client struct {
	baseURL *url.URL
	token   string
	cluster string
	hc      *http.Client

	instanceMu sync.RWMutex
	instanceID string
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithHTTPClient overrides the default *http.Client (used by tests to point
// at an httptest.Server, and by hosts that need custom transport settings).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// New builds a Client against baseURL, authenticating with token and
// optionally selecting a cluster (empty string selects the default
// cluster). baseURL defaults to DefaultBaseURL when empty.
func New(baseURL, token, cluster string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("lfsc: parse base url %q: %w", baseURL, err)
	}
	hc := &http.Client{Timeout: 0} // long polls (e.g. GetSync) can legitimately suspend for a while
	if tr, ok := hc.Transport.(*http.Transport); ok || hc.Transport == nil {
		transport := tr
		if transport == nil {
			transport = http.DefaultTransport.(*http.Transport).Clone()
		}
		// Allow h2 over the plain dial path; LFSC may be fronted by a
		// proxy that negotiates HTTP/2 without TLS-ALPN in test setups.
		_ = http2.ConfigureTransport(transport)
		hc.Transport = transport
	}
	c := &Client{baseURL: u, token: token, cluster: cluster, hc: hc}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) url(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if c.cluster != "" {
		if query == nil {
			query = url.Values{}
		}
		query.Set("cluster", c.cluster)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do executes an HTTP request, attaching auth, sticky routing, and a
// request id, then decodes either a success body into out or an LFSC
// application error.
func (c *Client) do(ctx context.Context, method, rawURL string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	if id := c.stickyInstanceID(); id != "" {
		req.Header.Set("fly-force-instance-id", id)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.observeInstanceID(resp.Header.Get("Lfsc-Instance-Id"))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var ae appError
		// A malformed error body still carries a meaningful status code.
		_ = json.Unmarshal(data, &ae)
		return &httpError{status: resp.StatusCode, body: ae}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// stickyInstanceID/observeInstanceID implement a read-then-upgrade
// pattern: most callers only read, so the common path takes a read lock;
// only a genuinely new instance id pays for the write lock.
func (c *Client) stickyInstanceID() string {
	c.instanceMu.RLock()
	defer c.instanceMu.RUnlock()
	return c.instanceID
}

func (c *Client) observeInstanceID(id string) {
	if id == "" {
		return
	}
	c.instanceMu.RLock()
	same := c.instanceID == id
	c.instanceMu.RUnlock()
	if same {
		return
	}
	c.instanceMu.Lock()
	c.instanceID = id
	c.instanceMu.Unlock()
}

// GetPos returns the server's known position for every database it tracks.
func (c *Client) GetPos(ctx context.Context) (map[string]Pos, error) {
	var wire map[string]Pos
	if err := c.do(ctx, http.MethodGet, c.url("/pos", nil), nil, &wire); err != nil {
		return nil, classify("lfsc.GetPos", err)
	}
	return wire, nil
}

// GetPages fetches one or more pages of db at pos. pgnos must be
// non-empty; the first entry is the page the caller actually wants, the
// rest are prefetch hints.
func (c *Client) GetPages(ctx context.Context, db string, pos Pos, pgnos []uint32) ([]PageData, error) {
	if len(pgnos) == 0 {
		return nil, fmt.Errorf("lfsc: GetPages: no page numbers given")
	}
	strs := make([]string, len(pgnos))
	for i, n := range pgnos {
		strs[i] = strconv.FormatUint(uint64(n), 10)
	}
	q := url.Values{}
	q.Set("db", db)
	q.Set("pos", pos.String())
	q.Set("pgno", strings.Join(strs, ","))

	var resp getPagesResponse
	if err := c.do(ctx, http.MethodGet, c.url("/db/page", q), nil, &resp); err != nil {
		return nil, classify("lfsc.GetPages", err)
	}
	pages := make([]PageData, 0, len(resp.Pages))
	for _, w := range resp.Pages {
		pd, err := w.toPageData()
		if err != nil {
			return nil, vfserrInvalid("lfsc.GetPages", err)
		}
		pages = append(pages, pd)
	}
	return pages, nil
}

// PostTx ships an LTX file to LFSC under the given lease id.
func (c *Client) PostTx(ctx context.Context, db, leaseID string, ltx []byte) error {
	q := url.Values{}
	q.Set("db", db)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/db/tx", q), bytes.NewReader(ltx))
	if err != nil {
		return err
	}
	req.Header.Set("Lfsc-Lease-Id", leaseID)
	req.Header.Set("Content-Length", strconv.Itoa(len(ltx)))
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	if id := c.stickyInstanceID(); id != "" {
		req.Header.Set("fly-force-instance-id", id)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return classify("lfsc.PostTx", err)
	}
	defer resp.Body.Close()
	c.observeInstanceID(resp.Header.Get("Lfsc-Instance-Id"))
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		var ae appError
		_ = json.Unmarshal(data, &ae)
		return classify("lfsc.PostTx", &httpError{status: resp.StatusCode, body: ae})
	}
	return nil
}

// GetSync fetches the change set for a single database since pos.
func (c *Client) GetSync(ctx context.Context, db string, pos Pos) (Changes, Pos, error) {
	q := url.Values{}
	q.Set("db", db)
	q.Set("pos", pos.String())
	var wc wireChanges
	if err := c.do(ctx, http.MethodGet, c.url("/db/sync", q), nil, &wc); err != nil {
		return Changes{}, Pos{}, classify("lfsc.GetSync", err)
	}
	return Changes{All: wc.All, Pgnos: wc.Pgnos}, wc.Pos, nil
}

// PostSync fetches change sets for every database in positions in a single
// round trip, used by the background Syncer loop.
func (c *Client) PostSync(ctx context.Context, positions map[string]Pos) (map[string]Changes, map[string]Pos, error) {
	body, err := json.Marshal(struct {
		Positions map[string]Pos `json:"positions"`
	}{Positions: positions})
	if err != nil {
		return nil, nil, err
	}
	var resp struct {
		Changes map[string]wireChanges `json:"changes"`
	}
	if err := c.do(ctx, http.MethodPost, c.url("/sync", nil), bytes.NewReader(body), &resp); err != nil {
		return nil, nil, classify("lfsc.PostSync", err)
	}
	changes := make(map[string]Changes, len(resp.Changes))
	newPos := make(map[string]Pos, len(resp.Changes))
	for db, wc := range resp.Changes {
		changes[db] = Changes{All: wc.All, Pgnos: wc.Pgnos}
		newPos[db] = wc.Pos
	}
	return changes, newPos, nil
}

// AcquireLease obtains a new write lease for db, valid for duration.
func (c *Client) AcquireLease(ctx context.Context, db string, duration time.Duration) (Lease, error) {
	q := url.Values{}
	q.Set("db", db)
	q.Set("duration", strconv.FormatInt(duration.Milliseconds(), 10)+"ms")
	var wl wireLease
	if err := c.do(ctx, http.MethodPost, c.url("/lease", q), nil, &wl); err != nil {
		return Lease{}, classify("lfsc.AcquireLease", err)
	}
	return wl.toLease(), nil
}

// RefreshLease extends an existing lease.
func (c *Client) RefreshLease(ctx context.Context, db, id string, duration time.Duration) (Lease, error) {
	q := url.Values{}
	q.Set("db", db)
	q.Set("id", id)
	q.Set("duration", strconv.FormatInt(duration.Milliseconds(), 10)+"ms")
	var wl wireLease
	if err := c.do(ctx, http.MethodPost, c.url("/lease", q), nil, &wl); err != nil {
		return Lease{}, classify("lfsc.RefreshLease", err)
	}
	return wl.toLease(), nil
}

// ReleaseLease releases a lease before it naturally expires.
func (c *Client) ReleaseLease(ctx context.Context, db, id string) error {
	q := url.Values{}
	q.Set("db", db)
	q.Set("id", id)
	if err := c.do(ctx, http.MethodDelete, c.url("/lease", q), nil, nil); err != nil {
		return classify("lfsc.ReleaseLease", err)
	}
	return nil
}

// Info returns cluster identification, used only for diagnostics.
func (c *Client) Info(ctx context.Context) (Info, error) {
	var info Info
	if err := c.do(ctx, http.MethodGet, c.url("/info", nil), nil, &info); err != nil {
		return Info{}, classify("lfsc.Info", err)
	}
	return info, nil
}

func vfserrInvalid(op string, err error) error {
	return classify(op, &httpError{status: 0, body: appError{Code: "EINVALID", Error: err.Error()}})
}
