package device

import (
	"context"

	"github.com/tapeforge/lrs/internal/errkind"
	"github.com/tapeforge/lrs/internal/model"
)

// OnRetry is called when a sub-request must be handed back to the
// scheduler rather than completed here: a transport outage (requeue
// verbatim), or a medium-attributable failure of a read that still has
// spare candidates (retry on a different candidate).
type OnRetry func(sr *model.SubRequest)

// OnDone is called when dispatching sr brought its parent request to
// completion (all slots done, or the single format/release entry
// resolved), so the scheduler can post the client response.
type OnDone func(req *model.Request)

// SetCallbacks wires the scheduler's retry/completion hooks. Must be
// called before Run.
func (t *Thread) SetCallbacks(onRetry OnRetry, onDone OnDone) {
	t.onRetry = onRetry
	t.onReleaseDone = onDone
	t.onRWDone = onDone
	t.onFormatDone = onDone
}

func (t *Thread) clearAssigned() {
	t.mu.Lock()
	t.assigned = nil
	t.mu.Unlock()
}

func (t *Thread) dispatch(ctx context.Context, sr *model.SubRequest) {
	switch sr.Request.Kind {
	case model.KindFormat:
		t.dispatchFormat(ctx, sr)
	case model.KindRead, model.KindWrite:
		t.dispatchRW(ctx, sr)
	default:
		t.log.WithField("kind", sr.Request.Kind).Warn("device thread cannot dispatch this request kind")
		t.clearAssigned()
	}
}

func (t *Thread) dispatchFormat(ctx context.Context, sr *model.SubRequest) {
	defer t.clearAssigned()

	payload, ok := sr.Request.Format()
	if !ok {
		return
	}

	h, err := t.cache.Acquire(ctx, payload.Medium)
	if err != nil {
		t.log.WithError(err).Error("format: failed to acquire medium")
		sr.Request.Lock()
		payload.Status = model.StatusError
		sr.Request.Unlock()
		if t.onFormatDone != nil {
			t.onFormatDone(sr.Request)
		}
		return
	}
	defer h.Release()

	loadedID, ok := t.dev.LoadedMedium()
	if !ok || loadedID != payload.Medium {
		if err := t.load(ctx, payload.Medium); err != nil {
			t.finishFormat(sr, payload, err)
			return
		}
	} else if t.dev.IsMounted() {
		if err := t.unmount(ctx); err != nil {
			t.finishFormat(sr, payload, err)
			return
		}
	}

	err = t.format(ctx, h, payload.FSType, payload.UnlockAfter)
	t.finishFormat(sr, payload, err)
}

func (t *Thread) finishFormat(sr *model.SubRequest, payload *model.FormatPayload, err error) {
	if err != nil && errkind.Is(err, errkind.TransportUnreachable) {
		if t.onRetry != nil {
			t.onRetry(sr)
		}
		return
	}

	sr.Request.Lock()
	if err != nil {
		payload.Status = model.StatusError
	} else {
		payload.Status = model.StatusDone
	}
	sr.Request.Unlock()
	if t.onFormatDone != nil {
		t.onFormatDone(sr.Request)
	}
}

func (t *Thread) dispatchRW(ctx context.Context, sr *model.SubRequest) {
	defer t.clearAssigned()

	payload, ok := sr.Request.RWAlloc()
	if !ok || sr.MediumIndex >= len(payload.Slots) {
		return
	}
	slot := &payload.Slots[sr.MediumIndex]
	if slot.Medium == nil {
		return
	}
	mediumID := *slot.Medium

	h, err := t.cache.Acquire(ctx, mediumID)
	if err != nil {
		t.failSlot(sr, payload, slot, err)
		return
	}
	defer h.Release()

	if loadedID, ok := t.dev.LoadedMedium(); !ok || loadedID != mediumID {
		if err := t.load(ctx, mediumID); err != nil {
			t.failSlot(sr, payload, slot, err)
			return
		}
	}
	if !t.dev.IsMounted() {
		if err := t.mount(ctx); err != nil {
			t.failSlot(sr, payload, slot, err)
			return
		}
		if payload.Kind == model.ReqWrite {
			if err := t.verifyWriteMount(ctx, h); err != nil {
				t.failSlot(sr, payload, slot, err)
				return
			}
		}
	}

	root := t.dev.MountPath()
	slot.MountPath = root
	slot.FSType = h.Medium().FSType
	slot.AddrType = h.Medium().AddrScheme
	if payload.Kind == model.ReqWrite {
		if usage, err := t.fsys.Usage(ctx, root); err == nil {
			slot.AvailSize = usage.PhysFree
		}
	}

	sr.Request.Lock()
	slot.Status = model.StatusDone
	payload.NumAllocated++
	allDone := payload.AllDone()
	sr.Request.Unlock()

	t.recordSuccess(h)

	if allDone {
		t.mu.Lock()
		t.ongoingIO = true
		t.mu.Unlock()
		if t.onRWDone != nil {
			t.onRWDone(sr.Request)
		}
	}
}

// failSlot classifies a read/write failure and decides between requeue
// (transport outage), retry-on-another-candidate (medium defect or full
// filesystem on a read with spare candidates left), and terminal error.
func (t *Thread) failSlot(sr *model.SubRequest, payload *model.RWAllocPayload, slot *model.RWAllocSlot, err error) {
	if errkind.Is(err, errkind.TransportUnreachable) {
		if t.onRetry != nil {
			t.onRetry(sr)
		}
		return
	}

	if errkind.Is(err, errkind.MediumDefect) || errkind.Is(err, errkind.FullFilesystem) {
		sr.FailureOnMedium = true
		if payload.Kind == model.ReqRead && payload.UsableCandidates() > 0 {
			if t.onRetry != nil {
				t.onRetry(sr)
			}
			return
		}
	}

	sr.Request.Lock()
	slot.Status = model.StatusError
	sr.Request.Unlock()
	if t.onRWDone != nil {
		t.onRWDone(sr.Request)
	}
}
