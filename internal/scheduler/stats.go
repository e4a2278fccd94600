package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Counters are publish outcome totals.
type Counters struct {
	Published  int64
	Suppressed int64
	Failed     int64
	Discovery  int64
}

type stat int

const (
	statPublished stat = iota
	statSuppressed
	statFailed
	statDiscovery
)

// DailyStats tracks publish outcomes that reset at local midnight,
// alongside totals for the life of the process. It is safe for
// concurrent use, so a signal handler may read it while the loop is
// running.
type DailyStats struct {
	mu       sync.Mutex
	counts   Counters
	total    Counters
	resetDay int // day-of-year of last reset
	clock    clock.Clock
	loc      *time.Location
}

// NewDailyStats creates counters using clk for the current time and loc
// for midnight detection. Nil arguments mean the wall clock and
// [time.Local].
func NewDailyStats(clk clock.Clock, loc *time.Location) *DailyStats {
	if clk == nil {
		clk = clock.New()
	}
	if loc == nil {
		loc = time.Local
	}
	return &DailyStats{
		resetDay: clk.Now().In(loc).YearDay(),
		clock:    clk,
		loc:      loc,
	}
}

func (d *DailyStats) record(s stat) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.counts.add(s)
	d.total.add(s)
}

func (c *Counters) add(s stat) {
	switch s {
	case statPublished:
		c.Published++
	case statSuppressed:
		c.Suppressed++
	case statFailed:
		c.Failed++
	case statDiscovery:
		c.Discovery++
	}
}

// Snapshot returns today's totals after checking for midnight rollover.
func (d *DailyStats) Snapshot() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.counts
}

// Total returns the counts since the stats were created.
func (d *DailyStats) Total() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// maybeReset zeroes the counters if the local day-of-year has changed.
// Must be called with d.mu held.
func (d *DailyStats) maybeReset() {
	today := d.clock.Now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.counts = Counters{}
		d.resetDay = today
	}
}
