// Package fsadapter declares the external filesystem-adapter
// collaborator (spec.md §1, §4.2, §6): LTFS/POSIX/RADOS-style mount,
// format, sync and free-space operations performed against a drive's
// mount point. The wire protocol and on-tape layout are out of scope;
// only the operations the device thread invokes are named here.
package fsadapter

import "context"

// Usage is the result of a free-space query (the "ltfs_df" audit
// action).
type Usage struct {
	PhysFree int64
	PhysUsed int64
	ReadOnly bool
}

// Adapter is the filesystem-adapter collaborator for one resource
// family.
type Adapter interface {
	// Mount mounts the medium currently loaded in the drive at mountRoot
	// (audit: ltfs_mount).
	Mount(ctx context.Context, mountRoot string) error

	// Unmount reverses Mount (audit: ltfs_umount).
	Unmount(ctx context.Context, mountRoot string) error

	// Format initialises the filesystem at mountRoot with the given type
	// (audit: ltfs_format). The device thread calls it with the medium
	// loaded but not mounted, unmounting it first if needed.
	Format(ctx context.Context, mountRoot, fsType string) error

	// Sync flushes pending writes at mountRoot to the medium
	// (audit: ltfs_sync).
	Sync(ctx context.Context, mountRoot string) error

	// Usage queries free/used space at mountRoot (audit: ltfs_df). A
	// near-full tape commonly reports ReadOnly rather than ENOSPC on the
	// next write attempt; callers use this to detect that case during
	// write-mount verification (spec.md §4.2).
	Usage(ctx context.Context, mountRoot string) (Usage, error)
}
