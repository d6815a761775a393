// Package leaser manages the lifecycle of LFSC write leases: a time-bounded
// token that gates every LTX submission. A background loop
// refreshes each held lease at roughly a third of its remaining lifetime,
// always sleeping until the soonest deadline and waking early the instant
// a lease is acquired or released.
package leaser

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fly-apps/litevfs/internal/vfserr"
	"github.com/fly-apps/litevfs/internal/wakeloop"
)

// farFutureYears stands in for "no leases held, sleep until notified" —
// cron has no native indefinite-sleep schedule, so nextDeadline returns a
// sentinel this far out instead.
const farFutureYears = wakeloop.FarFutureYears

// Client is the subset of *lfsc.Client the leaser needs.
type Client interface {
	AcquireLease(ctx context.Context, db string, duration time.Duration) (Lease, error)
	RefreshLease(ctx context.Context, db, id string, duration time.Duration) (Lease, error)
	ReleaseLease(ctx context.Context, db, id string) error
}

// Lease mirrors lfsc.Lease structurally (see pager.RemoteFetcher for why
// this package avoids importing lfsc directly).
type Lease struct {
	ID        string
	ExpiresAt int64 // unix millis
}

type heldLease struct {
	id        string
	expiresAt time.Time
}

// Leaser owns every lease currently held by this process, across all open
// databases, and refreshes them in the background.
type Leaser struct {
	client   Client
	duration time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	leases  map[string]heldLease
	cronRun *cron.Cron
	entryID cron.EntryID
}

// Option configures a Leaser at construction.
type Option func(*Leaser)

func WithLogger(l *log.Logger) Option { return func(le *Leaser) { le.logger = l } }

// New creates a Leaser that requests leaseDuration on every acquire or
// refresh.
func New(client Client, leaseDuration time.Duration, opts ...Option) *Leaser {
	l := &Leaser{
		client:   client,
		duration: leaseDuration,
		logger:   log.Default(),
		leases:   make(map[string]heldLease),
		cronRun:  cron.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start begins the background refresh loop.
func (l *Leaser) Start() {
	l.cronRun.Start()
	l.reschedule()
}

// Stop halts the background refresh loop. Leases held at Stop time simply
// expire server-side; Stop does not attempt to release them.
func (l *Leaser) Stop() {
	l.cronRun.Stop()
}

// Acquire obtains a new write lease for db, replacing any existing one.
func (l *Leaser) Acquire(ctx context.Context, db string) error {
	lease, err := l.client.AcquireLease(ctx, db, l.duration)
	if err != nil {
		return vfserr.Wrap("leaser.acquire_lease", err)
	}
	l.mu.Lock()
	l.leases[db] = heldLease{id: lease.ID, expiresAt: time.UnixMilli(lease.ExpiresAt)}
	l.mu.Unlock()
	l.reschedule()
	return nil
}

// Release releases db's lease, if any, removing it from the refresh set
// regardless of whether the remote call succeeds (a lease that cannot be
// released will simply expire server-side).
func (l *Leaser) Release(ctx context.Context, db string) error {
	l.mu.Lock()
	held, ok := l.leases[db]
	delete(l.leases, db)
	l.mu.Unlock()
	l.reschedule()
	if !ok {
		return nil
	}
	if err := l.client.ReleaseLease(ctx, db, held.id); err != nil {
		return vfserr.Wrap("leaser.release_lease", err)
	}
	return nil
}

// Get returns the currently held lease id for db, or CodePermissionDenied
// if no lease is currently held for that database.
func (l *Leaser) Get(db string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.leases[db]
	if !ok {
		return "", vfserr.New(vfserr.CodePermissionDenied, "leaser.get_lease", fmt.Errorf("no lease held for %q", db))
	}
	return held.id, nil
}

// nextDeadline computes the earliest refresh time across all held leases:
// expires_at − duration/3. With no leases held it returns a sentinel far
// enough in the future to behave as "block indefinitely".
func (l *Leaser) nextDeadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.leases) == 0 {
		return time.Now().AddDate(farFutureYears, 0, 0)
	}
	var earliest time.Time
	first := true
	for _, held := range l.leases {
		refreshAt := held.expiresAt.Add(-l.duration / 3)
		if first || refreshAt.Before(earliest) {
			earliest = refreshAt
			first = false
		}
	}
	return earliest
}

// reschedule replaces the pending wake-up entry with one at the current
// nextDeadline(). Called on Start, and on every Acquire/Release so the
// loop wakes immediately rather than waiting out its current sleep.
func (l *Leaser) reschedule() {
	l.mu.Lock()
	if l.entryID != 0 {
		l.cronRun.Remove(l.entryID)
	}
	l.mu.Unlock()

	deadline := l.nextDeadline()
	l.mu.Lock()
	l.entryID = l.cronRun.Schedule(wakeloop.NewOnceAt(deadline), cron.FuncJob(l.onWake))
	l.mu.Unlock()
}

// onWake is the cron job body: it refreshes every lease whose deadline
// has arrived, drops any lease whose refresh failed, and reschedules
// itself for the new soonest deadline.
func (l *Leaser) onWake() {
	ctx := context.Background()
	now := time.Now()

	l.mu.Lock()
	due := make([]string, 0, len(l.leases))
	for db, held := range l.leases {
		if !now.Before(held.expiresAt.Add(-l.duration / 3)) {
			due = append(due, db)
		}
	}
	l.mu.Unlock()

	for _, db := range due {
		l.mu.Lock()
		held, ok := l.leases[db]
		l.mu.Unlock()
		if !ok {
			continue
		}
		lease, err := l.client.RefreshLease(ctx, db, held.id, l.duration)
		if err != nil {
			l.logger.Printf("leaser: refresh %s/%s failed, dropping: %v", db, held.id, err)
			l.mu.Lock()
			// Only drop if it's still the same lease id — an acquire may
			// have replaced it concurrently.
			if cur, ok := l.leases[db]; ok && cur.id == held.id {
				delete(l.leases, db)
			}
			l.mu.Unlock()
			continue
		}
		l.mu.Lock()
		l.leases[db] = heldLease{id: lease.ID, expiresAt: time.UnixMilli(lease.ExpiresAt)}
		l.mu.Unlock()
	}

	l.reschedule()
}
