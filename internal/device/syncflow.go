package device

import (
	"context"

	"github.com/tapeforge/lrs/internal/model"
)

// performSync runs the filesystem sync, updates the medium record, and
// drains every queued release entry against the outcome (spec.md §4.2
// "Sync flow").
func (t *Thread) performSync(ctx context.Context) {
	err := t.sync(ctx)

	var syncErr error
	if err != nil {
		syncErr = t.classify(err, nil, true)
	} else {
		t.updateMediumAfterSync(ctx)
		t.recordSuccess(nil)
	}
	t.drainSyncQueue(ctx, syncErr)
}

func (t *Thread) updateMediumAfterSync(ctx context.Context) {
	loadedID, ok := t.dev.LoadedMedium()
	if !ok {
		return
	}
	h, err := t.cache.Acquire(ctx, loadedID)
	if err != nil {
		t.log.WithError(err).Error("sync: failed to acquire loaded medium")
		return
	}
	defer h.Release()

	t.mu.Lock()
	var totalWritten int64
	groupings := make(map[string]struct{})
	for _, e := range t.syncQueue {
		totalWritten += e.writeSize
		if rp, ok := e.req.Release(); ok && e.entryIdx < len(rp.Entries) {
			if g := rp.Entries[e.entryIdx].Grouping; g != "" {
				groupings[g] = struct{}{}
			}
		}
	}
	t.mu.Unlock()

	usage, uerr := t.fsys.Usage(ctx, t.dev.MountPath())

	h.Lock()
	m := h.Medium()
	m.LogicalUsed += totalWritten
	if uerr == nil {
		m.PhysSpaceFree = usage.PhysFree
		m.PhysSpaceUsed = usage.PhysUsed
	}
	if m.FS == model.FSEmpty {
		m.FS = model.FSUsed
	}
	if m.PhysSpaceFree <= 0 {
		m.FS = model.FSFull
	}
	for g := range groupings {
		m.AddGrouping(g)
	}
	h.Unlock()

	if err := t.store.SaveMedium(ctx, m); err != nil {
		t.log.WithError(err).Error("sync: failed to persist medium record")
	}
}

// drainSyncQueue resolves every queued release entry against syncErr (nil
// on a successful sync), posts responses for releases that are now
// Ended, and re-arms ongoing_io only when an Ended release was partial
// (spec.md §9's open-question resolution).
func (t *Thread) drainSyncQueue(ctx context.Context, syncErr error) {
	t.mu.Lock()
	entries := t.syncQueue
	t.syncQueue = nil
	t.mu.Unlock()

	touched := make(map[*model.Request]struct{}, len(entries))
	for _, e := range entries {
		e.req.Lock()
		if rp, ok := e.req.Release(); ok && e.entryIdx < len(rp.Entries) {
			entry := &rp.Entries[e.entryIdx]
			if syncErr != nil {
				entry.Status = model.StatusError
				if rp.FirstError == nil {
					rp.FirstError = syncErr
				}
			} else {
				entry.Status = model.StatusDone
			}
		}
		e.req.Unlock()
		touched[e.req] = struct{}{}
	}

	for req := range touched {
		req.Lock()
		rp, ok := req.Release()
		if !ok {
			req.Unlock()
			continue
		}
		ended := rp.Ended()
		partial := rp.Partial
		req.Unlock()
		if !ended {
			continue
		}
		if t.onReleaseDone != nil {
			t.onReleaseDone(req)
		}
		t.mu.Lock()
		t.ongoingIO = partial
		t.mu.Unlock()
	}
}
