// Package priority picks one head request from the three per-type I/O
// schedulers (read, write, format) each time the scheduler thread has
// device capacity to dispatch, per spec.md §4.5. Heads are passed in the
// fixed [read, write, format] order throughout this package.
package priority

import "github.com/tapeforge/lrs/internal/model"

// Heads is one head request from each of the three I/O schedulers, in
// read/write/format order; a nil entry means that scheduler's queue was
// empty when sampled.
type Heads [3]*model.Request

// Selector picks at most one request out of a Heads triple.
type Selector interface {
	Select(heads Heads) (*model.Request, bool)
}

// FIFO returns the oldest by arrival timestamp across all non-nil heads,
// null-safe (spec.md §4.5's "fifo_next_request").
type FIFO struct{}

func (FIFO) Select(heads Heads) (*model.Request, bool) {
	var best *model.Request
	for _, h := range heads {
		if h == nil {
			continue
		}
		if best == nil || h.Arrival.Before(best.Arrival) {
			best = h
		}
	}
	return best, best != nil
}

// RoundRobin is a thread-local rotating cursor over {read, write,
// format}: it returns the non-null head at the current cursor position
// if any, advances the cursor by one regardless, and gives up after
// three consecutive misses (one full revolution), grounded on go-ublk's
// queue-runner CPU-affinity cursor (`cpuAffinity[queueID % len]`) — a
// plain modular index into a fixed-size slot set.
type RoundRobin struct {
	cursor int
}

func (rr *RoundRobin) Select(heads Heads) (*model.Request, bool) {
	for attempt := 0; attempt < len(heads); attempt++ {
		idx := rr.cursor % len(heads)
		rr.cursor++
		if h := heads[idx]; h != nil {
			return h, true
		}
	}
	return nil, false
}

var (
	_ Selector = FIFO{}
	_ Selector = (*RoundRobin)(nil)
)
