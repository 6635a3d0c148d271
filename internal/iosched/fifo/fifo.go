// Package fifo implements iosched.Scheduler as a single FIFO queue, the
// default algorithm for every request type (spec.md §4.3.1).
package fifo

import (
	"sync"

	"github.com/tapeforge/lrs/internal/device"
	"github.com/tapeforge/lrs/internal/iosched"
	"github.com/tapeforge/lrs/internal/model"
)

func init() {
	iosched.Register("fifo", New)
}

// New satisfies iosched.Factory.
func New(kind model.RequestType, dir *iosched.Directory, picker iosched.MediumPicker) iosched.Scheduler {
	return &Scheduler{kind: kind, dir: dir, picker: picker}
}

// Scheduler is a deque of requests: push prepends, peek/remove only ever
// touch the tail, matching spec.md §4.3.1's queue discipline exactly.
type Scheduler struct {
	kind   model.RequestType
	dir    *iosched.Directory
	picker iosched.MediumPicker

	mu      sync.Mutex
	queue   []*model.Request
	devices []*device.Thread
}

func (s *Scheduler) Kind() model.RequestType { return s.kind }

func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) PushRequest(req *model.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append([]*model.Request{req}, s.queue...)
}

func (s *Scheduler) PeekRequest() (*model.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	return s.queue[len(s.queue)-1], true
}

func (s *Scheduler) RemoveRequest(req *model.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || s.queue[len(s.queue)-1] != req {
		return
	}
	s.queue = s.queue[:len(s.queue)-1]
}

// Requeue resets the request's allocation progress and re-heads it,
// exactly as spec.md §4.3.1 describes: only the tail may be requeued, so
// callers that hold a request obtained from PeekRequest satisfy that by
// construction.
func (s *Scheduler) Requeue(req *model.Request) {
	s.mu.Lock()
	if len(s.queue) > 0 && s.queue[len(s.queue)-1] == req {
		s.queue = s.queue[:len(s.queue)-1]
	}
	s.queue = append([]*model.Request{req}, s.queue...)
	s.mu.Unlock()

	if p, ok := req.RWAlloc(); ok {
		req.Lock()
		p.NumAllocated = 0
		req.Unlock()
	}
}

func (s *Scheduler) AddDevice(d *device.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.devices {
		if existing == d {
			return
		}
	}
	s.devices = append(s.devices, d)
}

func (s *Scheduler) RemoveDevice(d *device.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.devices {
		if existing == d {
			s.devices = append(s.devices[:i], s.devices[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) GetDevice(i int) (*device.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.devices) {
		return nil, false
	}
	return s.devices[i], true
}

// GetDeviceMediumPair resolves the (device, mediumIndex) pair to dispatch
// ioIndex of req to, per spec.md §4.3.1's three per-kind rules.
func (s *Scheduler) GetDeviceMediumPair(req *model.Request, ioIndex int) (*device.Thread, int, bool) {
	switch req.Kind {
	case model.KindRead:
		return s.resolveRead(req, ioIndex)
	case model.KindWrite:
		return s.resolveWrite(req, ioIndex)
	case model.KindFormat:
		return s.resolveFormat(req)
	default:
		return nil, 0, false
	}
}

// Retry re-resolves a failed sub-request at its own required slot index.
// A transport-attributable failure just re-resolves a device for the
// slot's already-chosen medium; a medium-attributable one substitutes
// the slot's medium with the next fresh candidate from its shared spare
// pool first — spec.md §4.2's "retry on another candidate medium... when
// usable_candidates > n_required", and §4.3.1's "start from index
// n_required to skip already-failed media" (the primaries occupy
// [0, n_required), the spare pool is everything the client supplied
// beyond that).
func (s *Scheduler) Retry(sr *model.SubRequest) (*device.Thread, bool) {
	req := sr.Request
	payload, ok := req.RWAlloc()
	if !ok {
		d, _, ok := s.resolveFormat(req)
		return d, ok
	}

	idx := sr.MediumIndex
	if sr.FailureOnMedium {
		if !substituteCandidate(req, payload, idx) {
			return nil, false
		}
		sr.FailureOnMedium = false
	}

	if d, _, ok := s.GetDeviceMediumPair(req, idx); ok {
		return d, true
	}
	return nil, false
}

// substituteCandidate replaces slot idx's medium with the next unused
// candidate from the request's shared spare pool, removing it from every
// slot's pool so no other required index retries onto the same medium.
// Reports false if idx is out of range or the pool is exhausted.
func substituteCandidate(req *model.Request, payload *model.RWAllocPayload, idx int) bool {
	req.Lock()
	defer req.Unlock()
	if idx < 0 || idx >= len(payload.Slots) || len(payload.Slots[idx].Candidates) == 0 {
		return false
	}
	next := payload.Slots[idx].Candidates[0]
	remaining := payload.Slots[idx].Candidates[1:]
	for i := range payload.Slots {
		payload.Slots[i].Candidates = remaining
	}
	payload.Slots[idx].Medium = &next
	return true
}

func (s *Scheduler) resolveRead(req *model.Request, ioIndex int) (*device.Thread, int, bool) {
	payload, ok := req.RWAlloc()
	if !ok || ioIndex >= len(payload.Slots) {
		return nil, 0, false
	}
	slot := &payload.Slots[ioIndex]
	if slot.Medium == nil {
		return nil, 0, false
	}

	if holder, ok := s.dir.HolderOf(slot.Medium.Name); ok {
		if owner, ok := s.dir.OwnerOf(holder); !ok || owner == s {
			return holder, ioIndex, true
		}
		if s.exchangeIn(holder) {
			return holder, ioIndex, true
		}
	}

	if d, ok := s.pickAvailable(model.ReqRead); ok {
		return d, ioIndex, true
	}
	return nil, 0, false
}

func (s *Scheduler) resolveWrite(req *model.Request, ioIndex int) (*device.Thread, int, bool) {
	payload, ok := req.RWAlloc()
	if !ok || ioIndex >= len(payload.Slots) {
		return nil, 0, false
	}
	slot := &payload.Slots[ioIndex]

	if d, ok := s.pickMountedWithSpace(); ok {
		s.bindWriteMedium(slot, d)
		return d, ioIndex, true
	}
	if d, ok := s.pickLoadedWithSpace(); ok {
		s.bindWriteMedium(slot, d)
		return d, ioIndex, true
	}

	if slot.Medium == nil && s.picker != nil {
		exclude := writeExclusions(payload)
		if id, ok := s.picker.PickForWrite(payload.Family, payload.SizeHint, payload.Tags, exclude); ok {
			slot.Medium = &id
		}
	}
	if slot.Medium == nil {
		return nil, 0, false
	}
	if d, ok := s.pickAvailable(model.ReqWrite); ok {
		return d, ioIndex, true
	}
	return nil, 0, false
}

func (s *Scheduler) resolveFormat(req *model.Request) (*device.Thread, int, bool) {
	if _, ok := req.Format(); !ok {
		return nil, 0, false
	}
	if d, ok := s.pickAvailable(model.ReqFormat); ok {
		return d, 0, true
	}
	return nil, 0, false
}

func (s *Scheduler) bindWriteMedium(slot *model.RWAllocSlot, d *device.Thread) {
	if slot.Medium != nil {
		return
	}
	if id, ok := d.Snapshot().LoadedMedium(); ok {
		slot.Medium = &id
	}
}

// writeExclusions lists every medium already assigned to a preceding
// slot of this write allocation, so the store search never picks the
// same volume twice for one request.
func writeExclusions(p *model.RWAllocPayload) []model.MediumID {
	var out []model.MediumID
	for i := range p.Slots {
		if p.Slots[i].Medium != nil {
			out = append(out, *p.Slots[i].Medium)
		}
	}
	return out
}

func (s *Scheduler) pickMountedWithSpace() (*device.Thread, bool) {
	return s.pickByState(func(snap model.Device) bool {
		return snap.IsMounted() && snap.Assigned.Has(model.ReqWrite)
	})
}

func (s *Scheduler) pickLoadedWithSpace() (*device.Thread, bool) {
	return s.pickByState(func(snap model.Device) bool {
		return snap.IsLoaded() && snap.Assigned.Has(model.ReqWrite)
	})
}

// pickAvailable implements the "empty/loaded/mounted" device policy: an
// idle drive already holding no medium is preferred over one that would
// need to be swapped, and a loaded-but-unmounted drive over a mounted
// one, since each step down the list costs one more drive operation to
// repurpose.
func (s *Scheduler) pickAvailable(kind model.RequestType) (*device.Thread, bool) {
	if d, ok := s.pickByState(func(snap model.Device) bool {
		return snap.IsEmpty() && snap.Assigned.Has(kind)
	}); ok {
		return d, true
	}
	if d, ok := s.pickByState(func(snap model.Device) bool {
		return snap.IsLoaded() && snap.Assigned.Has(kind)
	}); ok {
		return d, true
	}
	return s.pickByState(func(snap model.Device) bool {
		return snap.IsMounted() && snap.Assigned.Has(kind)
	})
}

func (s *Scheduler) pickByState(match func(model.Device) bool) (*device.Thread, bool) {
	s.mu.Lock()
	devices := make([]*device.Thread, len(s.devices))
	copy(devices, s.devices)
	s.mu.Unlock()

	for _, d := range devices {
		snap := d.Snapshot()
		if snap.Admin != model.AdminUnlocked {
			continue
		}
		if match(snap) {
			return d, true
		}
	}
	return nil, false
}

// exchangeIn attempts to pull holder into this scheduler by offering one
// of its own idle drives in return (spec.md §4.3.1's EXCHANGE rule).
func (s *Scheduler) exchangeIn(holder *device.Thread) bool {
	var offer *device.Thread
	s.mu.Lock()
	for _, d := range s.devices {
		snap := d.Snapshot()
		if snap.IsEmpty() {
			offer = d
			break
		}
	}
	s.mu.Unlock()
	if offer == nil {
		return false
	}
	return s.dir.Exchange(s, holder, offer)
}

func (s *Scheduler) ClaimDevice(kind iosched.ClaimKind, technology string) (*device.Thread, bool) {
	for _, d := range s.dir.All() {
		if owner, ok := s.dir.OwnerOf(d); ok && owner == s {
			continue
		}
		snap := d.Snapshot()
		if snap.Technology != technology || snap.Admin != model.AdminUnlocked {
			continue
		}
		owner, owned := s.dir.OwnerOf(d)

		switch kind {
		case iosched.Take:
			if owned {
				owner.RemoveDevice(d)
			}
			s.AddDevice(d)
			s.dir.SetOwner(d, s)
			return d, true
		case iosched.Borrow, iosched.Exchange:
			if !owned {
				s.AddDevice(d)
				s.dir.SetOwner(d, s)
				return d, true
			}
			var offer *device.Thread
			s.mu.Lock()
			for _, own := range s.devices {
				if own.Snapshot().Assigned.Empty() {
					offer = own
					break
				}
			}
			s.mu.Unlock()
			if offer == nil {
				continue
			}
			if s.dir.Exchange(s, d, offer) {
				return d, true
			}
		}
	}
	return nil, false
}

var _ iosched.Scheduler = (*Scheduler)(nil)
