// Package syncer tracks, per open database, the latest position known to
// LFSC and the set of locally cached pages that set invalidates, and runs
// the background loop that periodically reconciles both against the
// remote store.
package syncer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fly-apps/litevfs/internal/wakeloop"
)

// DefaultPeriod is how often an open database is reconciled against LFSC
// when nothing else forces a sync sooner.
const DefaultPeriod = time.Second

// Client is the subset of *lfsc.Client the Syncer needs.
type Client interface {
	GetSync(ctx context.Context, db string, pos Pos) (Changes, Pos, error)
	PostSync(ctx context.Context, positions map[string]Pos) (map[string]Changes, map[string]Pos, error)
}

type dbState struct {
	conns    int
	pos      Pos
	pending  Changes
	period   time.Duration
	lastSync time.Time
}

// Syncer owns per-database sync bookkeeping for every database currently
// open in this process.
type Syncer struct {
	client        Client
	defaultPeriod time.Duration
	logger        *log.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	dbs     map[string]*dbState
	cronRun *cron.Cron
	entryID cron.EntryID
}

// Option configures a Syncer at construction.
type Option func(*Syncer)

func WithLogger(l *log.Logger) Option { return func(s *Syncer) { s.logger = l } }

// New creates a Syncer. defaultPeriod is used for any database that does
// not get an explicit period via SetPeriod; pass 0 to use DefaultPeriod.
func New(client Client, defaultPeriod time.Duration, opts ...Option) *Syncer {
	if defaultPeriod <= 0 {
		defaultPeriod = DefaultPeriod
	}
	s := &Syncer{
		client:        client,
		defaultPeriod: defaultPeriod,
		logger:        log.Default(),
		dbs:           make(map[string]*dbState),
		cronRun:       cron.New(),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background reconciliation loop.
func (s *Syncer) Start() {
	s.cronRun.Start()
	s.reschedule()
}

// Stop halts the background reconciliation loop.
func (s *Syncer) Stop() {
	s.cronRun.Stop()
}

// OpenConn registers a newly opened connection to db. The first open
// records pos as the database's known position; subsequent opens only
// bump the connection count.
func (s *Syncer) OpenConn(db string, pos Pos) {
	s.mu.Lock()
	st, ok := s.dbs[db]
	if !ok {
		st = &dbState{pos: pos, period: s.defaultPeriod, lastSync: time.Now()}
		s.dbs[db] = st
	}
	st.conns++
	s.mu.Unlock()
	s.reschedule()
}

// CloseConn unregisters one connection to db, dropping all tracked state
// for db once its connection count reaches zero.
func (s *Syncer) CloseConn(db string) {
	s.mu.Lock()
	if st, ok := s.dbs[db]; ok {
		st.conns--
		if st.conns <= 0 {
			delete(s.dbs, db)
		}
	}
	s.mu.Unlock()
	s.reschedule()
}

// SetPeriod overrides db's reconciliation period. Has no effect on a
// database that is not currently open.
func (s *Syncer) SetPeriod(db string, period time.Duration) {
	if period <= 0 {
		period = s.defaultPeriod
	}
	s.mu.Lock()
	if st, ok := s.dbs[db]; ok {
		st.period = period
	}
	s.mu.Unlock()
	s.reschedule()
}

// NeedsSync reports whether db's known position differs from pos, or too
// much time has passed since the last reconciliation.
func (s *Syncer) NeedsSync(db string, pos Pos) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.dbs[db]
	if !ok {
		return true
	}
	return st.pos != pos || time.Since(st.lastSync) > st.period
}

// SetPos promotes db's known position after a successful local commit.
// Ignored if the Syncer already knows about a later remote position (the
// local commit would then be stale information).
func (s *Syncer) SetPos(db string, pos Pos) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.dbs[db]
	if !ok {
		return
	}
	if st.pos.TXID > pos.TXID {
		return
	}
	st.pos = pos
}

// GetChanges blocks until db has been reconciled recently enough (within
// its period), then drains and returns the accumulated Changes along with
// the position they apply against.
func (s *Syncer) GetChanges(db string) (Pos, Changes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.dbs[db]
	if !ok {
		return Pos{}, Changes{}
	}
	for time.Since(st.lastSync) > st.period {
		s.cond.Wait()
		st, ok = s.dbs[db]
		if !ok {
			return Pos{}, Changes{}
		}
	}
	changes := st.pending
	st.pending = Changes{}
	return st.pos, changes
}

// PutChanges merge-prepends prev back onto db's pending changes, used when
// a consumer drained changes via GetChanges but failed to apply them.
func (s *Syncer) PutChanges(db string, prev Changes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.dbs[db]; ok {
		st.pending = prev.Merge(st.pending)
	}
}

// SyncOne reconciles a single database against LFSC synchronously, ahead
// of the background loop's next scheduled tick.
func (s *Syncer) SyncOne(ctx context.Context, db string) error {
	s.mu.Lock()
	st, ok := s.dbs[db]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	sentPos := st.pos
	s.mu.Unlock()

	changes, newPos, err := s.client.GetSync(ctx, db, sentPos)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if st, ok := s.dbs[db]; ok {
		if st.pos == sentPos {
			st.pending = st.pending.Merge(changes)
		}
		st.pos = newPos
		st.lastSync = time.Now()
	}
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

// nextDeadline computes the earliest "last_sync + period" across all
// tracked databases, or a far-future sentinel if nothing is tracked.
func (s *Syncer) nextDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.dbs) == 0 {
		return time.Now().AddDate(wakeloop.FarFutureYears, 0, 0)
	}
	var earliest time.Time
	first := true
	for _, st := range s.dbs {
		deadline := st.lastSync.Add(st.period)
		if first || deadline.Before(earliest) {
			earliest = deadline
			first = false
		}
	}
	return earliest
}

func (s *Syncer) reschedule() {
	s.mu.Lock()
	if s.entryID != 0 {
		s.cronRun.Remove(s.entryID)
	}
	s.mu.Unlock()

	deadline := s.nextDeadline()
	s.mu.Lock()
	s.entryID = s.cronRun.Schedule(wakeloop.NewOnceAt(deadline), cron.FuncJob(s.onWake))
	s.mu.Unlock()
}

// onWake is the cron job body: it snapshots every tracked database's
// position, reconciles them all in a single POST /sync round trip, and
// applies the results before rescheduling itself.
func (s *Syncer) onWake() {
	ctx := context.Background()

	s.mu.Lock()
	positions := make(map[string]Pos, len(s.dbs))
	for db, st := range s.dbs {
		positions[db] = st.pos
	}
	s.mu.Unlock()

	if len(positions) > 0 {
		changes, newPos, err := s.client.PostSync(ctx, positions)
		if err != nil {
			s.logger.Printf("syncer: PostSync failed: %v", err)
		} else {
			now := time.Now()
			s.mu.Lock()
			for db, sentPos := range positions {
				st, ok := s.dbs[db]
				if !ok {
					continue
				}
				if st.pos == sentPos {
					st.pending = st.pending.Merge(changes[db])
				}
				if np, ok := newPos[db]; ok {
					st.pos = np
				}
				st.lastSync = now
			}
			s.mu.Unlock()
			s.cond.Broadcast()
		}
	}

	s.reschedule()
}
