// Package iosched declares the I/O scheduler algorithm capability set
// (component C) and a name-keyed registry for selecting an
// implementation, mirroring rclone's backend/union/policy package:
// registerPolicy/Get there becomes Register/Get here, so
// read_algo/write_algo/format_algo configuration values pick an
// implementation by name at startup.
package iosched

import (
	"fmt"
	"sync"

	"github.com/tapeforge/lrs/internal/device"
	"github.com/tapeforge/lrs/internal/model"
)

// ClaimKind is a scheduler's attempt to obtain a drive from another
// scheduler (spec.md §4.3/§9 "Claim").
type ClaimKind int

const (
	Borrow ClaimKind = iota
	Exchange
	Take
)

func (k ClaimKind) String() string {
	switch k {
	case Borrow:
		return "borrow"
	case Exchange:
		return "exchange"
	case Take:
		return "take"
	default:
		return "unknown"
	}
}

// Scheduler is the capability set every I/O scheduler algorithm
// implements, named exactly per spec.md §4.3.
type Scheduler interface {
	PushRequest(req *model.Request)
	PeekRequest() (*model.Request, bool)
	RemoveRequest(req *model.Request)
	Requeue(req *model.Request)

	// GetDeviceMediumPair resolves the drive and medium-slot index to
	// dispatch ioIndex of req to, or ok=false if none is available yet.
	GetDeviceMediumPair(req *model.Request, ioIndex int) (drive *device.Thread, mediumIndex int, ok bool)

	// Retry re-resolves a sub-request that failed, starting its search
	// from NRequired (skipping already-tried candidates).
	Retry(sr *model.SubRequest) (drive *device.Thread, ok bool)

	AddDevice(d *device.Thread)
	RemoveDevice(d *device.Thread)
	GetDevice(i int) (*device.Thread, bool)

	// ClaimDevice attempts to obtain a drive from another scheduler via
	// the shared Directory.
	ClaimDevice(kind ClaimKind, technology string) (*device.Thread, bool)

	// Kind is the request type this scheduler instance serves.
	Kind() model.RequestType

	// PendingCount is the number of distinct requests currently held,
	// the weight input to internal/dispatch's fair_share_number_of_requests
	// algorithm (spec.md §4.4 step 1).
	PendingCount() int
}

// MediumPicker is the write-allocation path's "trigger a medium
// selection from the store" collaborator (spec.md §4.3.1): find an
// unlocked, writable, correctly sized medium of family, excluding ids
// already tried.
type MediumPicker interface {
	PickForWrite(family model.ResourceFamily, sizeHint int64, tags []string, exclude []model.MediumID) (model.MediumID, bool)
}

// Factory constructs a fresh Scheduler instance of one algorithm, bound
// to the given request kind and shared device Directory.
type Factory func(kind model.RequestType, dir *Directory, picker MediumPicker) Scheduler

var (
	mu         sync.Mutex
	registered = make(map[string]Factory)
)

// Register adds a named scheduler algorithm to the registry. Call from
// each algorithm package's init().
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registered[name] = f
}

// Get looks up a registered algorithm by name (a read_algo/write_algo/
// format_algo configuration value).
func Get(name string) (Factory, bool) {
	mu.Lock()
	defer mu.Unlock()
	f, ok := registered[name]
	return f, ok
}

// MustGet is Get, panicking on an unknown name — used at daemon startup
// where an unrecognised configured algorithm is a fatal misconfiguration.
func MustGet(name string) Factory {
	f, ok := Get(name)
	if !ok {
		panic(fmt.Sprintf("iosched: no scheduler algorithm registered as %q", name))
	}
	return f
}
