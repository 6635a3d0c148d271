// Package device is the per-drive worker (component B): one goroutine
// per physical drive, owning all drive state except the small set of
// fields the scheduler and dispatcher also touch (the assigned
// sub-request, the sync queue, the needs_sync/ongoing_io/
// ongoing_scheduled flags, and the loaded-medium reference), which live
// behind Thread's own mutex.
//
// The main loop is a channel+select translation of spec.md's
// condition-variable suspension points, grounded on aistore's
// ec/putjogger.go run() shape: drain the assigned-work channel first,
// then wait on a timer standing in for the oldest-sync-entry deadline.
package device

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/tapeforge/lrs/internal/fsadapter"
	"github.com/tapeforge/lrs/internal/mediacache"
	"github.com/tapeforge/lrs/internal/model"
	"github.com/tapeforge/lrs/internal/store"
	"github.com/tapeforge/lrs/internal/transport"
)

// SyncThresholds is the per-family sync policy from the configuration
// surface (spec.md §6).
type SyncThresholds struct {
	QueueLength        int
	TimeThreshold      time.Duration
	WriteSizeThreshold int64
}

// DefaultWaitInterval is the wakeup period used when the sync queue is
// empty, clamped below by MinWaitInterval.
const DefaultWaitInterval = 5 * time.Second

// MinWaitInterval is the floor spec.md's main loop step 6 clamps the
// condition-variable deadline to.
const MinWaitInterval = 10 * time.Millisecond

type syncEntry struct {
	req       *model.Request
	entryIdx  int
	queuedAt  time.Time
	writeSize int64
}

// Thread runs one drive. Construct with New and start with go t.Run(ctx).
type Thread struct {
	id          model.DeviceID
	store       store.Store
	cache       *mediacache.Cache
	lib         transport.Library
	fsys        fsadapter.Adapter
	mountPrefix string
	thresholds  SyncThresholds
	log         *logrus.Entry
	retry       *backoff.Backoff

	subReqCh   chan *model.SubRequest
	syncSignal chan struct{}
	stopCh     chan struct{}
	doneCh     chan struct{}

	mu               sync.Mutex
	dev              model.Device
	assigned         *model.SubRequest
	syncQueue        []*syncEntry
	needsSync        bool
	ongoingIO        bool
	ongoingScheduled bool
	stopping         bool
	lastClientRC     int
	globalShutdown   bool

	onRetry       OnRetry
	onReleaseDone OnDone
	onRWDone      OnDone
	onFormatDone  OnDone
}

// New constructs a Thread for an already-persisted device record.
func New(dev model.Device, st store.Store, cache *mediacache.Cache, lib transport.Library, fsys fsadapter.Adapter, mountPrefix string, thresholds SyncThresholds) *Thread {
	return &Thread{
		id:          dev.ID,
		store:       st,
		cache:       cache,
		lib:         lib,
		fsys:        fsys,
		mountPrefix: mountPrefix,
		thresholds:  thresholds,
		log:         logrus.WithField("component", "device").WithField("drive", dev.ID.Name),
		retry:       &backoff.Backoff{Min: 50 * time.Millisecond, Max: 5 * time.Second, Factor: 2},
		dev:         dev,
		subReqCh:    make(chan *model.SubRequest, 1),
		syncSignal:  make(chan struct{}, 1),
		stopCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}
}

// ID returns the drive identity this thread manages.
func (t *Thread) ID() model.DeviceID { return t.id }

// Submit hands the thread a new assigned sub-request. It blocks if the
// thread has not yet drained a previously assigned one — spec.md's
// "assigned sub-request" field is singular.
func (t *Thread) Submit(sr *model.SubRequest) {
	t.subReqCh <- sr
}

// RequestSync enqueues a release sub-request's medium entry onto this
// drive's sync queue and wakes the loop. The release ends the I/O the
// drive's last allocation opened, so ongoing_io is cleared and the loop
// can sync; a partial release sets it again once its sync completes.
func (t *Thread) RequestSync(req *model.Request, entryIdx int, writeSize int64) {
	t.mu.Lock()
	t.ongoingIO = false
	t.syncQueue = append(t.syncQueue, &syncEntry{req: req, entryIdx: entryIdx, queuedAt: time.Now(), writeSize: writeSize})
	t.mu.Unlock()
	t.wake()
}

// NotifyShutdown marks a global shutdown in progress, forcing needs_sync
// to true on the next evaluation per spec.md step 3.
func (t *Thread) NotifyShutdown() {
	t.mu.Lock()
	t.globalShutdown = true
	t.mu.Unlock()
	t.wake()
}

// Stop asks the loop to finish its current work and exit. Done() closes
// once the loop has actually returned.
func (t *Thread) Stop() {
	t.mu.Lock()
	t.stopping = true
	t.mu.Unlock()
	select {
	case t.stopCh <- struct{}{}:
	default:
	}
}

// Done returns a channel that closes when Run returns.
func (t *Thread) Done() <-chan struct{} { return t.doneCh }

func (t *Thread) wake() {
	select {
	case t.syncSignal <- struct{}{}:
	default:
	}
}

// Ready reports whether this drive currently has no sub-request assigned
// and is administratively unlocked, the "sched_ready" condition the
// scheduler thread's dispatch loop checks before publishing work to it
// (spec.md §4.6 step 4).
func (t *Thread) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.assigned == nil && t.dev.Admin == model.AdminUnlocked && !t.stopping
}

// Snapshot returns a copy of the drive's current record, for monitor
// responses and tests.
func (t *Thread) Snapshot() model.Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dev
}

// SetAssigned updates which request types this drive currently serves,
// the dispatcher's per-pass repartition output (spec.md §4.4).
func (t *Thread) SetAssigned(types model.RequestTypeSet) {
	t.mu.Lock()
	t.dev.Assigned = types
	t.mu.Unlock()
}

// Run is the main loop (spec.md §4.2 steps 1-6). It takes this drive's
// permanent cross-process lock before entering the loop and holds it for
// the thread's entire lifetime (spec.md §5); shutdown never releases it,
// since the lock marks the drive as owned by this process, not by a
// particular operation.
func (t *Thread) Run(ctx context.Context) {
	defer close(t.doneCh)
	if err := t.store.LockDevice(ctx, t.id); err != nil {
		t.log.WithError(err).Error("failed to acquire permanent device lock")
		return
	}
	timer := time.NewTimer(DefaultWaitInterval)
	defer timer.Stop()

	for {
		t.cancelFailedAssigned()
		t.purgeCancelledSyncEntries()
		t.recomputeNeedsSync()

		if t.shouldExit() {
			t.shutdown(ctx)
			return
		}

		if !t.isOngoingIO() {
			if t.needsSyncNow() {
				t.performSync(ctx)
			}
			if sr := t.currentAssigned(); sr != nil {
				t.dispatch(ctx, sr)
			}
		}

		wait := t.nextWait()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case sr := <-t.subReqCh:
			t.setAssigned(sr)
		case <-t.syncSignal:
		case <-timer.C:
		case <-t.stopCh:
			t.mu.Lock()
			t.stopping = true
			t.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

func (t *Thread) cancelFailedAssigned() {
	t.mu.Lock()
	sr := t.assigned
	t.mu.Unlock()
	if sr == nil {
		return
	}
	if sr.Request.IsFailed() {
		t.mu.Lock()
		t.assigned = nil
		t.mu.Unlock()
	}
}

func (t *Thread) purgeCancelledSyncEntries() {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.syncQueue[:0]
	for _, e := range t.syncQueue {
		if e.req.IsFailed() {
			continue
		}
		kept = append(kept, e)
	}
	t.syncQueue = kept
}

func (t *Thread) recomputeNeedsSync() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.syncQueue) == 0 {
		t.needsSync = false
		return
	}
	oldest := t.syncQueue[0].queuedAt
	var totalSize int64
	for _, e := range t.syncQueue {
		if e.queuedAt.Before(oldest) {
			oldest = e.queuedAt
		}
		totalSize += e.writeSize
	}
	t.needsSync = len(t.syncQueue) >= t.thresholds.QueueLength ||
		time.Since(oldest) >= t.thresholds.TimeThreshold ||
		totalSize >= t.thresholds.WriteSizeThreshold ||
		t.globalShutdown ||
		t.stopping ||
		t.lastClientRC != 0
}

func (t *Thread) shouldExit() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopping && !t.ongoingIO && t.assigned == nil && len(t.syncQueue) == 0
}

func (t *Thread) isOngoingIO() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ongoingIO
}

func (t *Thread) needsSyncNow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.needsSync
}

func (t *Thread) currentAssigned() *model.SubRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.assigned
}

func (t *Thread) setAssigned(sr *model.SubRequest) {
	t.mu.Lock()
	t.assigned = sr
	t.mu.Unlock()
}

func (t *Thread) nextWait() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.syncQueue) == 0 {
		return DefaultWaitInterval
	}
	oldest := t.syncQueue[0].queuedAt
	for _, e := range t.syncQueue {
		if e.queuedAt.Before(oldest) {
			oldest = e.queuedAt
		}
	}
	d := time.Until(oldest.Add(t.thresholds.TimeThreshold))
	if d < MinWaitInterval {
		return MinWaitInterval
	}
	return d
}

func (t *Thread) shutdown(ctx context.Context) {
	if t.dev.IsMounted() {
		_ = t.unmount(ctx)
	}
	if t.dev.IsLoaded() || t.dev.IsMounted() {
		_ = t.unload(ctx)
	}
	_ = t.lib.Close()
}
