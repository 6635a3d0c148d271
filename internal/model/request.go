package model

import (
	"sync"
	"time"
)

// RequestKind enumerates the request kinds accepted at the external
// boundary (spec.md §6).
type RequestKind string

const (
	KindRead    RequestKind = "read"
	KindWrite   RequestKind = "write"
	KindFormat  RequestKind = "format"
	KindRelease RequestKind = "release"
	KindNotify  RequestKind = "notify"
	KindMonitor RequestKind = "monitor"
)

// SubRequestStatus is the terminal-or-not status of one medium slot within
// a request.
type SubRequestStatus int

const (
	StatusTodo SubRequestStatus = iota
	StatusDone
	StatusError
	StatusCancel
)

func (s SubRequestStatus) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancel
}

func (s SubRequestStatus) String() string {
	switch s {
	case StatusTodo:
		return "todo"
	case StatusDone:
		return "done"
	case StatusError:
		return "error"
	case StatusCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Payload is the discriminated body of a Request: exactly one of
// *RWAllocPayload, *FormatPayload, *ReleasePayload, *NotifyPayload or
// *MonitorPayload.
type Payload interface {
	isPayload()
}

// RWAllocSlot is one of the N media slots of a read or write allocation.
type RWAllocSlot struct {
	Medium *MediumID
	Status SubRequestStatus

	// Candidates is the bounded list of candidate medium IDs for a read
	// slot (len==1 for write, since write media are chosen by the
	// scheduler rather than supplied by the client).
	Candidates []MediumID

	// MountPath/FSType/AddrType/AvailSize are filled in on success, to be
	// copied into the response slot.
	MountPath string
	FSType    string
	AddrType  string
	AvailSize int64

	// Err records why a slot reached StatusError/StatusCancel, e.g. a
	// grouped-read queue with no compatible drive (errkind.ENODEV).
	Err error
}

// RWAllocPayload is the payload of a read or write allocation request.
//
// NumAllocated tracks allocation *progress* (how many leading slots are
// resolved) only. iosched.Scheduler.Retry keeps no cursor here: it draws
// alternates from the slots' Candidates pools (fifo) or the request's
// free queue elements (grouped).
type RWAllocPayload struct {
	Kind         RequestType // ReqRead or ReqWrite
	Family       ResourceFamily
	Tags         []string
	SizeHint     int64
	NRequired    int
	Slots        []RWAllocSlot
	NumAllocated int

	// Dispatched is the number of leading slots already handed to a
	// device thread (whether still in flight or already terminal),
	// distinct from NumAllocated's *completed* count — the scheduler
	// thread's dispatch loop advances this once per GetDeviceMediumPair
	// call so it never resubmits a slot still awaiting its device.
	Dispatched int

	// Priority orders grouped-read's per-medium queues when QoS/priority
	// ordering is configured (spec.md §4.3.2); zero is the default class.
	Priority int
}

func (*RWAllocPayload) isPayload() {}

// NextUnallocatedIndex returns the index of the first slot still Todo, or
// -1 if every required slot has a terminal status.
func (p *RWAllocPayload) NextUnallocatedIndex() int {
	for i := 0; i < p.NRequired; i++ {
		if p.Slots[i].Status == StatusTodo {
			return i
		}
	}
	return -1
}

// AllDone reports whether every required slot reached StatusDone.
func (p *RWAllocPayload) AllDone() bool {
	for i := 0; i < p.NRequired; i++ {
		if p.Slots[i].Status != StatusDone {
			return false
		}
	}
	return true
}

// UsableCandidates counts the spare candidate media still available as
// alternates for a read (the shared pool every required slot's
// Candidates carries), used by the "retry on another candidate" rule
// when a medium's health reaches 0.
func (p *RWAllocPayload) UsableCandidates() int {
	if len(p.Slots) == 0 {
		return 0
	}
	return len(p.Slots[0].Candidates)
}

// FormatPayload is the payload of a format request.
type FormatPayload struct {
	Medium      MediumID
	FSType      string
	UnlockAfter bool
	Status      SubRequestStatus
}

func (*FormatPayload) isPayload() {}

// ReleaseEntry is one medium's worth of release/durability information.
type ReleaseEntry struct {
	Medium      MediumID
	WrittenSize int64
	NExtents    int
	ClientRC    int
	Grouping    string
	Status      SubRequestStatus
}

// ReleasePayload is the payload of a release request.
type ReleasePayload struct {
	Entries []ReleaseEntry
	Partial bool
	Kind    RequestType

	// FirstError records the first error seen across entries so the
	// parent release response is poisoned exactly once (spec.md §4.7).
	FirstError error
}

func (*ReleasePayload) isPayload() {}

// Ended reports whether every entry of the release reached a terminal
// status.
func (p *ReleasePayload) Ended() bool {
	for _, e := range p.Entries {
		if !e.Status.Terminal() {
			return false
		}
	}
	return true
}

// NotifyPayload is a pass-through notification; the core does not
// interpret its body, per spec.md §6 naming it without further detail.
type NotifyPayload struct {
	Body any
}

func (*NotifyPayload) isPayload() {}

// MonitorPayload requests a snapshot of scheduler/device state.
type MonitorPayload struct{}

func (*MonitorPayload) isPayload() {}

// Request is the container spec.md §3 describes: the decoded request, a
// per-request mutex, the arrival timestamp, and a discriminated payload.
type Request struct {
	ID      string
	Kind    RequestKind
	Arrival time.Time

	mu     sync.Mutex
	Failed bool
	Payload Payload
}

func NewRequest(id string, kind RequestKind, arrival time.Time, payload Payload) *Request {
	return &Request{ID: id, Kind: kind, Arrival: arrival, Payload: payload}
}

// Lock/Unlock expose the per-request mutex to callers that must mutate
// payload slots from multiple goroutines (a device thread and the
// scheduler thread may touch the same request concurrently).
func (r *Request) Lock()   { r.mu.Lock() }
func (r *Request) Unlock() { r.mu.Unlock() }

// MarkFailed marks the request as failed; device threads consult this on
// each loop iteration to decide whether to cancel their assigned
// sub-request (spec.md §4.2 step 1).
func (r *Request) MarkFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failed = true
}

func (r *Request) IsFailed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Failed
}

// RWAlloc type-asserts the payload, for call sites that already know the
// request is a read/write allocation.
func (r *Request) RWAlloc() (*RWAllocPayload, bool) {
	p, ok := r.Payload.(*RWAllocPayload)
	return p, ok
}

func (r *Request) Format() (*FormatPayload, bool) {
	p, ok := r.Payload.(*FormatPayload)
	return p, ok
}

func (r *Request) Release() (*ReleasePayload, bool) {
	p, ok := r.Payload.(*ReleasePayload)
	return p, ok
}
