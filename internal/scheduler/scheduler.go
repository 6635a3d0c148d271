// Package scheduler is the scheduler thread (component A): the single
// goroutine that owns the incoming/retry queues, the three per-type I/O
// schedulers, the device dispatcher and the priority selector, and wires
// them to the fleet of device threads (spec.md §4.6).
//
// It plays the orchestrator role backend/union's Fs does for its
// upstreams: a thin struct holding references to its collaborators,
// whose methods do nothing but route a call to the right one of them.
// Its own loop reuses the device thread's channel-driven suspension
// shape (a work channel, a signal channel, a ticker, a stop channel).
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tapeforge/lrs/internal/device"
	"github.com/tapeforge/lrs/internal/dispatch"
	"github.com/tapeforge/lrs/internal/iosched"
	"github.com/tapeforge/lrs/internal/model"
	"github.com/tapeforge/lrs/internal/priority"
	"github.com/tapeforge/lrs/internal/release"
)

// typeIndex maps a request's serving I/O scheduler onto the fixed
// read/write/format slot dispatch.Schedulers and priority.Heads both use.
func typeIndex(kind model.RequestKind) (int, bool) {
	switch kind {
	case model.KindRead:
		return 0, true
	case model.KindWrite:
		return 1, true
	case model.KindFormat:
		return 2, true
	default:
		return 0, false
	}
}

// Config bundles the scheduler thread's tunables (spec.md §6's
// configuration surface).
type Config struct {
	DispatchInterval time.Duration
	DispatchAlgo     dispatch.Algorithm
	Thresholds       map[string]dispatch.Thresholds
}

// Scheduler is the scheduler thread. Construct with New, register every
// device with AddDevice, then run it with go s.Run(ctx).
type Scheduler struct {
	dir        *iosched.Directory
	scheds     dispatch.Schedulers
	dispatcher *dispatch.Dispatcher
	selector   priority.Selector
	interval   time.Duration
	log        *logrus.Entry
	release    *release.Aggregator

	mu             sync.Mutex
	devices        []*device.Thread
	ongoingFormats map[string]bool

	incomingCh chan *model.Request
	retryCh    chan *model.SubRequest
	wakeCh     chan struct{}
	responseCh chan *model.Request
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// New constructs a Scheduler. dir is the shared device Directory every
// iosched algorithm instance was built against; scheds is the
// [read, write, format] triple of already-constructed iosched.Scheduler
// instances; selector picks among their heads each dispatch pass.
func New(dir *iosched.Directory, scheds dispatch.Schedulers, cfg Config, selector priority.Selector) *Scheduler {
	interval := cfg.DispatchInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		dir:            dir,
		scheds:         scheds,
		dispatcher:     dispatch.New(cfg.DispatchAlgo, cfg.Thresholds),
		selector:       selector,
		interval:       interval,
		log:            logrus.WithField("component", "scheduler"),
		release:        release.NewAggregator(),
		ongoingFormats: make(map[string]bool),
		incomingCh:     make(chan *model.Request, 256),
		retryCh:        make(chan *model.SubRequest, 256),
		wakeCh:         make(chan struct{}, 1),
		responseCh:     make(chan *model.Request, 256),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// AddDevice registers d with the fleet and wires its retry/completion
// callbacks back into this scheduler.
func (s *Scheduler) AddDevice(d *device.Thread) {
	s.mu.Lock()
	s.devices = append(s.devices, d)
	s.mu.Unlock()
	d.SetCallbacks(s.handleRetry, s.handleDone)
	s.dir.Track(d)
}

// Devices returns a snapshot of the registered fleet, for monitor
// responses.
func (s *Scheduler) Devices() []*device.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*device.Thread, len(s.devices))
	copy(out, s.devices)
	return out
}

// PushRequest enqueues a freshly decoded request (spec.md §4.6 step 1's
// "incoming request queue"). Safe to call from any goroutine.
func (s *Scheduler) PushRequest(req *model.Request) {
	s.incomingCh <- req
	s.wake()
}

// Responses returns the channel finished requests are published to, for
// the transport layer to turn into client responses.
func (s *Scheduler) Responses() <-chan *model.Request { return s.responseCh }

// Stop asks the scheduler loop to exit after its current iteration.
func (s *Scheduler) Stop() { close(s.stopCh) }

// Done closes once Run has returned.
func (s *Scheduler) Done() <-chan struct{} { return s.doneCh }

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run is the main loop (spec.md §4.6 steps 1-4).
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.drainIncoming()
		s.drainRetries()
		s.dispatcher.Run(s.Devices(), s.dir, s.scheds)
		s.tryDispatch()

		select {
		case <-s.wakeCh:
		case <-ticker.C:
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// drainIncoming is step 1: hand each queued request to the right
// io_sched.push_request, or to processRelease for releases.
func (s *Scheduler) drainIncoming() {
	for {
		select {
		case req := <-s.incomingCh:
			s.routeIncoming(req)
		default:
			return
		}
	}
}

func (s *Scheduler) routeIncoming(req *model.Request) {
	switch req.Kind {
	case model.KindRelease:
		s.processRelease(req)
	case model.KindNotify, model.KindMonitor:
		// Pass-through kinds: the core does not interpret their body
		// (spec.md §6), so there is nothing to schedule — just echo the
		// request straight back as its own response.
		s.publish(req)
	default:
		idx, ok := typeIndex(req.Kind)
		if !ok {
			return
		}
		s.scheds[idx].PushRequest(req)
	}
}

// drainRetries is step 2: hand each queued sub-request back to
// io_sched.retry. Only the sub-requests queued when the pass starts are
// handled, so one that resolveRetry queues again waits for the next pass.
func (s *Scheduler) drainRetries() {
	for n := len(s.retryCh); n > 0; n-- {
		s.resolveRetry(<-s.retryCh)
	}
}

func (s *Scheduler) resolveRetry(sr *model.SubRequest) {
	idx, ok := typeIndex(sr.Request.Kind)
	if !ok {
		return
	}
	sched := s.scheds[idx]
	drive, ok := sched.Retry(sr)
	if !ok {
		// No compatible candidate right now; try again on a later pass
		// rather than busy-looping this one.
		s.retryCh <- sr
		return
	}
	if !drive.Ready() {
		s.retryCh <- sr
		return
	}
	drive.Submit(sr)
}

// handleRetry is a device thread's OnRetry callback.
func (s *Scheduler) handleRetry(sr *model.SubRequest) {
	s.retryCh <- sr
	s.wake()
}

// handleDone is a device thread's OnDone callback: it decides whether
// the parent request is now finished and, for a read/write allocation,
// implements the "first fatal error cancels every peer" rule (spec.md
// §5's cancellation guarantee).
func (s *Scheduler) handleDone(req *model.Request) {
	switch {
	case req.Kind == model.KindRead || req.Kind == model.KindWrite:
		s.handleRWDone(req)
	case req.Kind == model.KindFormat:
		s.handleFormatDone(req)
	case req.Kind == model.KindRelease:
		s.handleReleaseDone(req)
	}
	s.wake()
}

func (s *Scheduler) handleRWDone(req *model.Request) {
	payload, ok := req.RWAlloc()
	if !ok {
		return
	}

	req.Lock()
	failed := false
	for i := 0; i < payload.NRequired; i++ {
		if payload.Slots[i].Status == model.StatusError {
			failed = true
			break
		}
	}
	if failed && !req.Failed {
		// Roll back slots this request already completed so their
		// drives are freed for other work; the slots still in flight
		// elsewhere are cancelled by their device threads on their next
		// loop iteration once MarkFailed below takes effect.
		for i := range payload.Slots {
			if payload.Slots[i].Status == model.StatusDone {
				payload.Slots[i].Status = model.StatusCancel
			}
		}
	}
	allDone := payload.AllDone()
	req.Unlock()

	if failed {
		req.MarkFailed()
		s.publish(req)
		return
	}
	if allDone {
		s.publish(req)
	}
}

func (s *Scheduler) handleFormatDone(req *model.Request) {
	payload, ok := req.Format()
	if !ok {
		return
	}
	s.clearFormatInFlight(payload.Medium.Name)
	s.publish(req)
}

func (s *Scheduler) handleReleaseDone(req *model.Request) {
	payload, ok := req.Release()
	if !ok {
		return
	}
	req.Lock()
	ended := payload.Ended()
	entries := append([]model.ReleaseEntry(nil), payload.Entries...)
	req.Unlock()
	if !ended {
		return
	}
	for _, e := range entries {
		s.release.Record(req, e)
	}
	s.release.Finish(req)
	s.publish(req)
}

// ReleaseStats returns the durability counters accumulated so far for a
// still in-flight release request, for monitor responses (spec.md §6).
func (s *Scheduler) ReleaseStats(requestID string) (release.Snapshot, bool) {
	return s.release.Snapshot(requestID)
}

func (s *Scheduler) publish(req *model.Request) {
	select {
	case s.responseCh <- req:
	default:
		s.log.WithField("request", req.ID).Warn("response queue full, dropping oldest response")
		select {
		case <-s.responseCh:
		default:
		}
		s.responseCh <- req
	}
}

// processRelease is §4.7's per-entry routing: find the device currently
// holding each medium and hand it the sub-release.
func (s *Scheduler) processRelease(req *model.Request) {
	payload, ok := req.Release()
	if !ok {
		return
	}
	s.release.Begin(req, len(payload.Entries))
	for i := range payload.Entries {
		entry := &payload.Entries[i]
		holder, ok := s.dir.HolderOf(entry.Medium.Name)
		if !ok {
			req.Lock()
			entry.Status = model.StatusError
			req.Unlock()
			continue
		}
		holder.RequestSync(req, i, entry.WrittenSize)
	}
	req.Lock()
	ended := payload.Ended()
	entries := append([]model.ReleaseEntry(nil), payload.Entries...)
	req.Unlock()
	if ended {
		for _, e := range entries {
			s.release.Record(req, e)
		}
		s.release.Finish(req)
		s.publish(req)
	}
}

func (s *Scheduler) formatInFlight(mediumName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ongoingFormats[mediumName]
}

func (s *Scheduler) markFormatInFlight(mediumName string) {
	s.mu.Lock()
	s.ongoingFormats[mediumName] = true
	s.mu.Unlock()
}

func (s *Scheduler) clearFormatInFlight(mediumName string) {
	s.mu.Lock()
	delete(s.ongoingFormats, mediumName)
	s.mu.Unlock()
}

// tryDispatch is step 4: sample one head from each scheduler, let the
// priority selector pick among them, resolve a device/medium pair for
// it, and either publish it to a ready drive or requeue and move on.
func (s *Scheduler) tryDispatch() {
	for {
		var heads priority.Heads
		for i := range s.scheds {
			if req, ok := s.scheds[i].PeekRequest(); ok {
				heads[i] = req
			}
		}
		req, ok := s.selector.Select(heads)
		if !ok {
			return
		}
		idx := 0
		for i, h := range heads {
			if h == req {
				idx = i
			}
		}
		sched := s.scheds[idx]

		if req.Kind == model.KindFormat {
			payload, ok := req.Format()
			if !ok {
				sched.RemoveRequest(req)
				continue
			}
			if s.formatInFlight(payload.Medium.Name) {
				// Already being formatted elsewhere; end this pass
				// rather than pick the same head again, so the other
				// heads also wait for the next pass.
				return
			}
		}

		ioIndex, ok := nextIOIndex(req)
		if !ok {
			sched.RemoveRequest(req)
			continue
		}

		drive, mediumIdx, ok := sched.GetDeviceMediumPair(req, ioIndex)
		if !ok {
			// No compatible device anywhere in the fleet right now.
			return
		}
		if !drive.Ready() {
			sched.Requeue(req)
			continue
		}

		sr := model.NewSubRequest(req, mediumIdx)
		complete := advanceDispatch(req, ioIndex)
		if req.Kind == model.KindFormat {
			if payload, ok := req.Format(); ok {
				s.markFormatInFlight(payload.Medium.Name)
			}
		}
		drive.Submit(sr)
		if complete {
			sched.RemoveRequest(req)
		}
	}
}

// nextIOIndex is the slot index GetDeviceMediumPair should resolve next:
// the first not-yet-dispatched slot for a read/write allocation, or 0
// (once) for a format.
func nextIOIndex(req *model.Request) (int, bool) {
	if payload, ok := req.RWAlloc(); ok {
		req.Lock()
		defer req.Unlock()
		if payload.Dispatched >= payload.NRequired {
			return 0, false
		}
		return payload.Dispatched, true
	}
	if _, ok := req.Format(); ok {
		return 0, true
	}
	return 0, false
}

// advanceDispatch records that ioIndex has now been handed to a device,
// and reports whether the request has no slots left to dispatch.
func advanceDispatch(req *model.Request, ioIndex int) bool {
	payload, ok := req.RWAlloc()
	if !ok {
		return true // format: always a single, one-shot dispatch
	}
	req.Lock()
	defer req.Unlock()
	if ioIndex >= payload.Dispatched {
		payload.Dispatched = ioIndex + 1
	}
	return payload.Dispatched >= payload.NRequired
}
