package scheduler

import (
	"context"

	"github.com/tapeforge/lrs/internal/model"
	"github.com/tapeforge/lrs/internal/store"
)

// StorePicker is an iosched.MediumPicker backed directly by the external
// metadata store: the write-allocation path's "trigger a medium
// selection from the store" step (spec.md §4.3.1), implemented as a
// linear scan of ListMedia filtering on writability, lock state, health
// and the caller's exclude list.
type StorePicker struct {
	st  store.Store
	ctx context.Context
}

// NewStorePicker constructs a StorePicker. ctx bounds every ListMedia
// call it makes.
func NewStorePicker(ctx context.Context, st store.Store) *StorePicker {
	return &StorePicker{st: st, ctx: ctx}
}

// PickForWrite returns the first unlocked, writable, non-dead medium of
// family with enough free space for sizeHint, excluding any id already in
// exclude — the candidate search a grouped-read or fifo write allocation
// falls back to when no already-cached medium satisfies the request.
func (p *StorePicker) PickForWrite(family model.ResourceFamily, sizeHint int64, tags []string, exclude []model.MediumID) (model.MediumID, bool) {
	media, err := p.st.ListMedia(p.ctx, family)
	if err != nil {
		return model.MediumID{}, false
	}
	for _, m := range media {
		if !m.CanPut || m.IsDead() || m.Admin != model.AdminUnlocked {
			continue
		}
		if sizeHint > 0 && m.PhysSpaceFree < sizeHint {
			continue
		}
		if excluded(m.ID, exclude) {
			continue
		}
		if !hasAllTags(m, tags) {
			continue
		}
		return m.ID, true
	}
	return model.MediumID{}, false
}

func excluded(id model.MediumID, list []model.MediumID) bool {
	for _, e := range list {
		if e == id {
			return true
		}
	}
	return false
}

func hasAllTags(m *model.Medium, tags []string) bool {
	for _, t := range tags {
		if !m.HasTag(t) {
			return false
		}
	}
	return true
}
