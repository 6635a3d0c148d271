package iosched

import (
	"sync"

	"github.com/tapeforge/lrs/internal/device"
)

// Directory is the process-wide device list and ownership map every
// scheduler algorithm shares, the "global_device_list" spec.md's open
// questions resolve onto (SPEC_FULL.md §9). It lets ClaimDevice find
// which scheduler currently owns a drive without each algorithm needing
// a back-reference to every sibling scheduler.
type Directory struct {
	mu      sync.Mutex
	owner   map[*device.Thread]Scheduler
	devices []*device.Thread
}

// NewDirectory returns an empty Directory. cmd/lrsd builds one per
// process and hands it to every algorithm instance and to scheduler.New.
func NewDirectory() *Directory {
	return &Directory{owner: make(map[*device.Thread]Scheduler)}
}

// Track registers d as known to the process, independent of which
// scheduler currently owns it. Idempotent: re-tracking an already-known
// drive (the dispatcher's periodic pass sees every drive each time it
// runs) is a no-op.
func (dir *Directory) Track(d *device.Thread) {
	dir.mu.Lock()
	defer dir.mu.Unlock()
	for _, existing := range dir.devices {
		if existing == d {
			return
		}
	}
	dir.devices = append(dir.devices, d)
}

// Untrack removes d from the process-wide list (hot-remove).
func (dir *Directory) Untrack(d *device.Thread) {
	dir.mu.Lock()
	defer dir.mu.Unlock()
	for i, existing := range dir.devices {
		if existing == d {
			dir.devices = append(dir.devices[:i], dir.devices[i+1:]...)
			break
		}
	}
	delete(dir.owner, d)
}

// SetOwner records which scheduler currently holds d, or clears
// ownership when s is nil (free stock after fetch_devices_to_give).
func (dir *Directory) SetOwner(d *device.Thread, s Scheduler) {
	dir.mu.Lock()
	defer dir.mu.Unlock()
	if s == nil {
		delete(dir.owner, d)
		return
	}
	dir.owner[d] = s
}

// OwnerOf reports which scheduler currently owns d, if any.
func (dir *Directory) OwnerOf(d *device.Thread) (Scheduler, bool) {
	dir.mu.Lock()
	defer dir.mu.Unlock()
	s, ok := dir.owner[d]
	return s, ok
}

// All returns a snapshot of every known device, for the dispatcher's
// periodic repartition pass.
func (dir *Directory) All() []*device.Thread {
	dir.mu.Lock()
	defer dir.mu.Unlock()
	out := make([]*device.Thread, len(dir.devices))
	copy(out, dir.devices)
	return out
}

// HolderOf scans every known device for one currently loaded with or
// mounted on mediumName, regardless of owning scheduler.
func (dir *Directory) HolderOf(mediumName string) (*device.Thread, bool) {
	dir.mu.Lock()
	devices := make([]*device.Thread, len(dir.devices))
	copy(devices, dir.devices)
	dir.mu.Unlock()

	for _, d := range devices {
		snap := d.Snapshot()
		if med, ok := snap.LoadedMedium(); ok && med.Name == mediumName {
			return d, true
		}
	}
	return nil, false
}

// Exchange hands holder to requesting, reassigning it away from whatever
// scheduler currently owns it, and in return hands offer (one of
// requesting's own idle drives, or nil for a plain BORROW/TAKE) back to
// that prior owner — spec.md §4.3.1's "attempt an EXCHANGE with a free
// drive of this scheduler".
func (dir *Directory) Exchange(requesting Scheduler, holder, offer *device.Thread) bool {
	dir.mu.Lock()
	holderOwner, hasHolder := dir.owner[holder]
	dir.mu.Unlock()

	if hasHolder && holderOwner == requesting {
		return true
	}
	if hasHolder {
		holderOwner.RemoveDevice(holder)
	}
	requesting.AddDevice(holder)
	dir.SetOwner(holder, requesting)

	if offer != nil {
		requesting.RemoveDevice(offer)
		if hasHolder {
			holderOwner.AddDevice(offer)
			dir.SetOwner(offer, holderOwner)
		} else {
			dir.SetOwner(offer, nil)
		}
	}
	return true
}
