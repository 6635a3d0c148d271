// Package grouped implements the grouped-read I/O scheduler algorithm:
// one queue per candidate medium rather than one queue per request, so a
// single loaded tape serves every pending read it can before the drive
// is given up (spec.md §4.3.2).
package grouped

import (
	"sync"

	"github.com/aalpar/deheap"

	"github.com/tapeforge/lrs/internal/device"
	"github.com/tapeforge/lrs/internal/errkind"
	"github.com/tapeforge/lrs/internal/iosched"
	"github.com/tapeforge/lrs/internal/model"
)

func init() {
	iosched.Register("grouped", New)
	iosched.Register("ordered_grouped_read", NewOrdered)
}

// New builds a FIFO-ordered grouped-read scheduler.
func New(kind model.RequestType, dir *iosched.Directory, picker iosched.MediumPicker) iosched.Scheduler {
	return newScheduler(kind, dir, picker, false)
}

// NewOrdered builds a grouped-read scheduler whose per-medium queues are
// kept in QoS/priority order instead of plain arrival order.
func NewOrdered(kind model.RequestType, dir *iosched.Directory, picker iosched.MediumPicker) iosched.Scheduler {
	return newScheduler(kind, dir, picker, true)
}

func newScheduler(kind model.RequestType, dir *iosched.Directory, picker iosched.MediumPicker, ordered bool) *Scheduler {
	return &Scheduler{
		kind:    kind,
		dir:     dir,
		picker:  picker,
		ordered: ordered,
		queues:  make(map[model.MediumID]*requestQueue),
		pairs:   make(map[*model.Request]*sharedPair),
		devAssoc: make(map[*device.Thread]*requestQueue),
	}
}

// sharedPair is the bookkeeping object every queueElement of one request
// shares: which of its candidate-medium slots are still free and which
// have already been handed a device ("used"), per spec.md §4.3.2.
type sharedPair struct {
	used []*queueElement
	free []*queueElement
}

type queueElement struct {
	req      *model.Request
	ioIndex  int
	medium   model.MediumID
	pair     *sharedPair
	priority int
	seq      int64
}

// requestQueue is the per-medium FIFO (or priority heap) of pending
// elements, plus the drive currently associated to it, if any.
type requestQueue struct {
	medium   model.MediumID
	elements []*queueElement
	heap     *elementHeap
	device   *device.Thread
}

func (q *requestQueue) len() int {
	if q.heap != nil {
		return q.heap.Len()
	}
	return len(q.elements)
}

func (q *requestQueue) empty() bool { return q.len() == 0 }

func (q *requestQueue) head() *queueElement {
	if q.heap != nil {
		if q.heap.Len() == 0 {
			return nil
		}
		return q.heap.items[0]
	}
	if len(q.elements) == 0 {
		return nil
	}
	return q.elements[0]
}

func (q *requestQueue) insert(el *queueElement) {
	if q.heap != nil {
		deheap.Push(q.heap, el)
		return
	}
	q.elements = append(q.elements, el)
}

func (q *requestQueue) remove(el *queueElement) {
	if q.heap != nil {
		for i, e := range q.heap.items {
			if e == el {
				deheap.Remove(q.heap, i)
				return
			}
		}
		return
	}
	for i, e := range q.elements {
		if e == el {
			q.elements = append(q.elements[:i], q.elements[i+1:]...)
			return
		}
	}
}

func (q *requestQueue) all() []*queueElement {
	if q.heap != nil {
		out := make([]*queueElement, len(q.heap.items))
		copy(out, q.heap.items)
		return out
	}
	out := make([]*queueElement, len(q.elements))
	copy(out, q.elements)
	return out
}

// elementHeap orders queueElements by priority (descending) then
// insertion order, satisfying container/heap's Interface (deheap embeds
// it and adds PopMax, unused here — only the ascending Pop side is
// needed for queue-head ordering).
type elementHeap struct {
	items []*queueElement
}

func (h *elementHeap) Len() int { return len(h.items) }
func (h *elementHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}
func (h *elementHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *elementHeap) Push(x any)    { h.items = append(h.items, x.(*queueElement)) }
func (h *elementHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// Scheduler is the grouped-read algorithm: requests are indexed by
// candidate medium rather than kept in a single queue, so the scheduler
// can keep dispatching reads against whichever tape is already mounted.
type Scheduler struct {
	kind    model.RequestType
	dir     *iosched.Directory
	picker  iosched.MediumPicker
	ordered bool

	mu       sync.Mutex
	queues   map[model.MediumID]*requestQueue
	pairs    map[*model.Request]*sharedPair
	devices  []*device.Thread
	devAssoc map[*device.Thread]*requestQueue
	seq      int64
}

func (s *Scheduler) Kind() model.RequestType { return s.kind }

func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairs)
}

// PushRequest inserts one queueElement per candidate medium of every
// slot the request still needs, per spec.md §4.3.2's "push" rule.
func (s *Scheduler) PushRequest(req *model.Request) {
	payload, ok := req.RWAlloc()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pair := &sharedPair{}
	s.pairs[req] = pair

	req.Lock()
	defer req.Unlock()
	for i := range payload.Slots {
		slot := &payload.Slots[i]
		candidates := candidateMedia(slot)
		for _, mid := range candidates {
			q := s.queues[mid]
			if q == nil {
				q = &requestQueue{medium: mid}
				if s.ordered {
					q.heap = &elementHeap{}
					deheap.Init(q.heap)
				}
				s.queues[mid] = q
			}
			s.seq++
			el := &queueElement{req: req, ioIndex: i, medium: mid, pair: pair, priority: payload.Priority, seq: s.seq}
			pair.free = append(pair.free, el)
			q.insert(el)
		}
	}
}

func candidateMedia(slot *model.RWAllocSlot) []model.MediumID {
	var out []model.MediumID
	if slot.Medium != nil {
		out = append(out, *slot.Medium)
	}
	out = append(out, slot.Candidates...)
	return out
}

// PeekRequest implements spec.md §4.3.2's three-step search: devices
// already associated to an allocatable queue first, then a fresh queue
// found by preferring an already-loaded medium, EXCHANGE, then any free
// compatible drive.
func (s *Scheduler) PeekRequest() (*model.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.devices {
		q := s.devAssoc[d]
		if q == nil || q.empty() {
			continue
		}
		el := q.head()
		if s.remainingNeeded(el.req) <= s.availableForRequestLocked(el.req) {
			return el.req, true
		}
	}

	for mid, q := range s.queues {
		if q.device != nil || q.empty() {
			continue
		}
		el := q.head()
		if s.remainingNeeded(el.req) <= 0 {
			continue
		}
		d, ok := s.pickOrClaimForMediumLocked(mid)
		if !ok {
			s.handleIncompatibleQueueLocked(q)
			continue
		}
		s.associateLocked(d, q)
		return el.req, true
	}
	return nil, false
}

func (s *Scheduler) remainingNeeded(req *model.Request) int {
	p, ok := req.RWAlloc()
	if !ok {
		return 0
	}
	req.Lock()
	defer req.Unlock()
	return p.NRequired - p.NumAllocated
}

func (s *Scheduler) availableForRequestLocked(req *model.Request) int {
	pair := s.pairs[req]
	if pair == nil {
		return 0
	}
	seen := make(map[model.MediumID]bool)
	count := 0
	for _, el := range pair.free {
		if seen[el.medium] {
			continue
		}
		seen[el.medium] = true
		if q, ok := s.queues[el.medium]; ok && q.device != nil {
			count++
		}
	}
	return count
}

// RemoveRequest sweeps every queue element belonging to req via its
// shared pair and frees the pair.
func (s *Scheduler) RemoveRequest(req *model.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeRequestLocked(req)
}

func (s *Scheduler) removeRequestLocked(req *model.Request) {
	pair := s.pairs[req]
	if pair == nil {
		return
	}
	all := append(append([]*queueElement{}, pair.used...), pair.free...)
	for _, el := range all {
		q, ok := s.queues[el.medium]
		if !ok {
			continue
		}
		q.remove(el)
		if q.empty() && q.device == nil {
			delete(s.queues, el.medium)
		}
	}
	delete(s.pairs, req)
}

// Requeue moves every used element back to free, then re-inserts each of
// req's free elements (used or not) into its queue with a fresh sequence
// number, respecting the configured ordering policy.
func (s *Scheduler) Requeue(req *model.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair := s.pairs[req]
	if pair == nil {
		return
	}
	pair.free = append(pair.free, pair.used...)
	pair.used = nil

	for _, el := range pair.free {
		q, ok := s.queues[el.medium]
		if !ok {
			continue
		}
		q.remove(el)
		s.seq++
		el.seq = s.seq
		q.insert(el)
	}

	if p, ok := req.RWAlloc(); ok {
		req.Lock()
		p.NumAllocated = 0
		req.Unlock()
	}
}

// GetDeviceMediumPair finds a queue whose head belongs to req at
// ioIndex, preferring one already associated to a drive, associates one
// if needed, and marks that element used.
func (s *Scheduler) GetDeviceMediumPair(req *model.Request, ioIndex int) (*device.Thread, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair := s.pairs[req]
	if pair == nil {
		return nil, 0, false
	}

	var best *queueElement
	for _, el := range pair.free {
		if el.ioIndex != ioIndex {
			continue
		}
		q, ok := s.queues[el.medium]
		if !ok || q.head() != el {
			continue
		}
		if q.device != nil {
			best = el
			break
		}
		if best == nil {
			best = el
		}
	}
	if best == nil {
		return nil, 0, false
	}

	q := s.queues[best.medium]
	if q.device == nil {
		d, ok := s.pickOrClaimForMediumLocked(best.medium)
		if !ok {
			return nil, 0, false
		}
		s.associateLocked(d, q)
	}

	moveToUsed(pair, best)
	return q.device, ioIndex, true
}

func moveToUsed(pair *sharedPair, el *queueElement) {
	for i, e := range pair.free {
		if e == el {
			pair.free = append(pair.free[:i], pair.free[i+1:]...)
			break
		}
	}
	pair.used = append(pair.used, el)
}

// Retry picks an alternative queue among req's free elements for sr's
// slot: the first whose queue already has a drive associated, else the
// longest queue, else the element for the slot's first pool candidate.
// Whether the associated drive is ready, or whether a drive is free for
// the longest queue, is not checked, and the medium just tried is not
// reconsidered.
func (s *Scheduler) Retry(sr *model.SubRequest) (*device.Thread, bool) {
	req := sr.Request
	payload, ok := req.RWAlloc()
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pair := s.pairs[req]
	if pair == nil {
		return nil, false
	}

	var associated, longest *queueElement
	longestLen := -1
	for _, el := range pair.free {
		if el.ioIndex != sr.MediumIndex {
			continue
		}
		q, ok := s.queues[el.medium]
		if !ok {
			continue
		}
		if q.device != nil && associated == nil {
			associated = el
		}
		if q.len() > longestLen {
			longestLen = q.len()
			longest = el
		}
	}

	pick := associated
	if pick == nil {
		pick = longest
	}
	if pick == nil {
		req.Lock()
		slot := payload.Slots[sr.MediumIndex]
		req.Unlock()
		if len(slot.Candidates) > 0 {
			pick = s.elementFor(pair, sr.MediumIndex, slot.Candidates[0])
		}
	}
	if pick == nil {
		return nil, false
	}

	q := s.queues[pick.medium]
	if q.device == nil {
		d, ok := s.pickOrClaimForMediumLocked(pick.medium)
		if !ok {
			return nil, false
		}
		s.associateLocked(d, q)
	}
	return q.device, true
}

func (s *Scheduler) elementFor(pair *sharedPair, ioIndex int, mid model.MediumID) *queueElement {
	for _, el := range pair.free {
		if el.ioIndex == ioIndex && el.medium == mid {
			return el
		}
	}
	return nil
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
			break
		}
	}
	if q := s.devAssoc[d]; q != nil {
		q.device = nil
	}
	delete(s.devAssoc, d)
}

func (s *Scheduler) GetDevice(i int) (*device.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.devices) {
		return nil, false
	}
	return s.devices[i], true
}

func (s *Scheduler) associateLocked(d *device.Thread, q *requestQueue) {
	if old := s.devAssoc[d]; old != nil && old != q {
		old.device = nil
	}
	q.device = d
	s.devAssoc[d] = q
}

func (s *Scheduler) findIdleOfferLocked() (*device.Thread, bool) {
	for _, d := range s.devices {
		q := s.devAssoc[d]
		if q == nil || q.empty() {
			return d, true
		}
	}
	return nil, false
}

// pickOrClaimForMediumLocked finds a drive to associate to mid's queue:
// an own idle drive already holding it, an EXCHANGE pulling the holder
// from another scheduler, or any free compatible drive.
func (s *Scheduler) pickOrClaimForMediumLocked(mid model.MediumID) (*device.Thread, bool) {
	for _, d := range s.devices {
		if s.devAssoc[d] != nil {
			continue
		}
		snap := d.Snapshot()
		if loaded, ok := snap.LoadedMedium(); ok && loaded == mid {
			return d, true
		}
	}

	if holder, ok := s.dir.HolderOf(mid.Name); ok {
		owner, owned := s.dir.OwnerOf(holder)
		switch {
		case !owned:
			s.AddDevice(holder)
			s.dir.SetOwner(holder, s)
			return holder, true
		case owner == s:
			if s.devAssoc[holder] == nil {
				return holder, true
			}
		default:
			if offer, ok := s.findIdleOfferLocked(); ok {
				if s.dir.Exchange(s, holder, offer) {
					return holder, true
				}
			}
		}
	}

	for _, d := range s.devices {
		if s.devAssoc[d] != nil {
			continue
		}
		snap := d.Snapshot()
		if snap.Admin != model.AdminUnlocked || !snap.Assigned.Has(s.kind) {
			continue
		}
		return d, true
	}
	return nil, false
}

// handleIncompatibleQueueLocked relocates every pending element of an
// unallocatable queue to another candidate medium of its request, or
// cancels it with ENODEV when no candidate remains.
func (s *Scheduler) handleIncompatibleQueueLocked(q *requestQueue) {
	for _, el := range q.all() {
		s.relocateOrCancelLocked(el)
	}
	delete(s.queues, q.medium)
}

func (s *Scheduler) relocateOrCancelLocked(el *queueElement) {
	req := el.req
	payload, ok := req.RWAlloc()
	if !ok {
		return
	}

	req.Lock()
	slot := &payload.Slots[el.ioIndex]
	candidates := append([]model.MediumID(nil), slot.Candidates...)
	req.Unlock()

	for _, alt := range candidates {
		if alt == el.medium || s.elementFor(el.pair, el.ioIndex, alt) != nil {
			continue
		}
		q := s.queues[alt]
		if q == nil {
			q = &requestQueue{medium: alt}
			if s.ordered {
				q.heap = &elementHeap{}
				deheap.Init(q.heap)
			}
			s.queues[alt] = q
		}
		s.seq++
		moved := &queueElement{req: req, ioIndex: el.ioIndex, medium: alt, pair: el.pair, priority: el.priority, seq: s.seq}
		for i, e := range el.pair.free {
			if e == el {
				el.pair.free[i] = moved
				break
			}
		}
		q.insert(moved)
		return
	}

	req.Lock()
	slot.Status = model.StatusCancel
	slot.Err = errkind.ENODEV
	req.Unlock()
	for i, e := range el.pair.free {
		if e == el {
			el.pair.free = append(el.pair.free[:i], el.pair.free[i+1:]...)
			break
		}
	}
}

// ClaimDevice honours the EXCHANGE refusal rule: a device this scheduler
// would give up is never offered while its associated queue is
// non-empty.
func (s *Scheduler) ClaimDevice(kind iosched.ClaimKind, technology string) (*device.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
			offer, ok := s.findIdleOfferLocked()
			if !ok {
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
