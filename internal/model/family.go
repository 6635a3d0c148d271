// Package model holds the data types shared by every LRS component: the
// resource identities (medium, device), their state machines, and the
// request/sub-request containers the scheduler routes between them.
package model

// ResourceFamily tags a resource as tape, directory or object-pool backed.
// Most invariants in the core apply to tape; directory and object-pool
// media degenerate (no mount/unload step).
type ResourceFamily string

const (
	FamilyTape       ResourceFamily = "tape"
	FamilyDirectory  ResourceFamily = "dir"
	FamilyObjectPool ResourceFamily = "object-pool"
)

// AdminStatus is the administrative lock state of a medium or device.
type AdminStatus int

const (
	AdminUnlocked AdminStatus = iota
	AdminLocked
	AdminFailed
)

func (s AdminStatus) String() string {
	switch s {
	case AdminUnlocked:
		return "unlocked"
	case AdminLocked:
		return "locked"
	case AdminFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FSStatus is the filesystem occupancy state of a medium.
type FSStatus int

const (
	FSBlank FSStatus = iota
	FSEmpty
	FSUsed
	FSFull
)

func (s FSStatus) String() string {
	switch s {
	case FSBlank:
		return "blank"
	case FSEmpty:
		return "empty"
	case FSUsed:
		return "used"
	case FSFull:
		return "full"
	default:
		return "unknown"
	}
}

// RequestType is one of the three request kinds an I/O scheduler and a
// device can be assigned to handle.
type RequestType uint8

const (
	ReqRead RequestType = 1 << iota
	ReqWrite
	ReqFormat
)

func (t RequestType) String() string {
	switch t {
	case ReqRead:
		return "read"
	case ReqWrite:
		return "write"
	case ReqFormat:
		return "format"
	default:
		return "unknown"
	}
}

// RequestTypeSet is the bitset of request types a device is currently
// assigned to serve.
type RequestTypeSet uint8

func NewRequestTypeSet(types ...RequestType) RequestTypeSet {
	var s RequestTypeSet
	for _, t := range types {
		s = s.Add(t)
	}
	return s
}

func (s RequestTypeSet) Has(t RequestType) bool { return s&RequestTypeSet(t) != 0 }
func (s RequestTypeSet) Add(t RequestType) RequestTypeSet {
	return s | RequestTypeSet(t)
}
func (s RequestTypeSet) Remove(t RequestType) RequestTypeSet {
	return s &^ RequestTypeSet(t)
}
func (s RequestTypeSet) Empty() bool { return s == 0 }

// AllRequestTypes is the full set {read, write, format}.
var AllRequestTypes = []RequestType{ReqRead, ReqWrite, ReqFormat}

// ParseRequestType parses a release request's "kind" wire field back into
// a RequestType; the second return is false for anything else.
func ParseRequestType(s string) (RequestType, bool) {
	switch s {
	case "read":
		return ReqRead, true
	case "write":
		return ReqWrite, true
	case "format":
		return ReqFormat, true
	default:
		return 0, false
	}
}
