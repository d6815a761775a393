// Package wakeloop provides the one-shot cron.Schedule shared by every
// background refresh loop in LiteVFS (the leaser's lease refresher and the
// syncer's periodic puller): both need to sleep until a dynamically
// recomputed deadline and wake early on demand, rather than firing on a
// fixed cron expression.
package wakeloop

import (
	"sync"
	"time"
)

// OnceAt is a cron.Schedule that fires exactly once, at a fixed instant.
// cron.Cron queries Next twice per entry lifetime: once when the entry is
// scheduled (to compute its first run) and once right after the job runs
// (to compute whether it should run again). OnceAt answers the first query
// with the deadline and every query after that with a far-future instant,
// so the entry goes dormant on its own instead of refiring in a tight
// loop. Callers are still expected to Remove the dormant entry and
// Schedule a fresh OnceAt once they've recomputed the next deadline.
type OnceAt struct {
	mu   sync.Mutex
	at   time.Time
	used bool
}

// NewOnceAt returns a schedule that fires once, at at.
func NewOnceAt(at time.Time) *OnceAt { return &OnceAt{at: at} }

// FarFutureYears is how far past "now" Next answers once it has already
// fired, and the sentinel a caller with nothing tracked should schedule
// against to approximate "sleep indefinitely until notified".
const FarFutureYears = 100

func (o *OnceAt) Next(t time.Time) time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.used {
		o.used = true
		return o.at
	}
	return t.AddDate(FarFutureYears, 0, 0)
}
