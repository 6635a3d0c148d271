// Package store declares the external metadata store collaborator:
// device table, media table, lock table and audit log (spec.md §6). The
// core only invokes these operations; their persistence and
// cross-process linearisability are the store's responsibility
// (spec.md §1, §5).
package store

import (
	"context"

	"github.com/tapeforge/lrs/internal/model"
)

// AuditAction is one of the actions spec.md §6 requires an audit log
// entry for, whether the underlying operation succeeded or failed.
type AuditAction string

const (
	AuditLibraryScan  AuditAction = "library_scan"
	AuditLibraryOpen  AuditAction = "library_open"
	AuditDeviceLookup AuditAction = "device_lookup"
	AuditMediumLookup AuditAction = "medium_lookup"
	AuditDeviceLoad   AuditAction = "device_load"
	AuditDeviceUnload AuditAction = "device_unload"
	AuditLTFSMount    AuditAction = "ltfs_mount"
	AuditLTFSUmount   AuditAction = "ltfs_umount"
	AuditLTFSFormat   AuditAction = "ltfs_format"
	AuditLTFSDf       AuditAction = "ltfs_df"
	AuditLTFSSync     AuditAction = "ltfs_sync"
)

// Store is the metadata store collaborator. Implementations must be safe
// for concurrent use: the scheduler thread and every device thread call
// it concurrently.
type Store interface {
	// LoadMedium reads the current record for id, or ErrNotFound.
	LoadMedium(ctx context.Context, id model.MediumID) (*model.Medium, error)
	// SaveMedium persists the full record for m.ID.
	SaveMedium(ctx context.Context, m *model.Medium) error

	// LoadDevice reads the current record for id, or ErrNotFound.
	LoadDevice(ctx context.Context, id model.DeviceID) (*model.Device, error)
	// SaveDevice persists the full record for d.ID.
	SaveDevice(ctx context.Context, d *model.Device) error
	// ListDevices returns every device row, read once at startup.
	ListDevices(ctx context.Context) ([]*model.Device, error)
	// ListMedia returns every medium row of the given family, used by the
	// write-allocation path's "trigger a medium selection from the store"
	// step (spec.md §4.3.1) to find an unlocked, writable candidate.
	ListMedia(ctx context.Context, family model.ResourceFamily) ([]*model.Medium, error)

	// LockMedium takes the cross-process lock on a medium. Every
	// successful device load takes this lock; every unload releases it.
	LockMedium(ctx context.Context, id model.MediumID) error
	UnlockMedium(ctx context.Context, id model.MediumID) error

	// LockDevice/UnlockDevice bracket a drive's lifetime: the scheduler
	// holds a permanent lock on each of its drives for the process
	// lifetime (spec.md §5), taken at thread startup and held from then
	// on; UnlockDevice is called only when the drive is admin-failed.
	LockDevice(ctx context.Context, id model.DeviceID) error
	UnlockDevice(ctx context.Context, id model.DeviceID) error

	// AppendAuditLog appends one row per spec.md §6's action list. outcome
	// is nil on success; a non-nil outcome is recorded, not returned.
	AppendAuditLog(ctx context.Context, action AuditAction, subject string, outcome error)

	// Close releases any resources (file handles, connections) held by
	// the store.
	Close() error
}

// ErrNotFound is returned by LoadMedium/LoadDevice when the id has no
// row in the store.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "store: not found" }
