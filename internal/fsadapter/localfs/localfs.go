// Package localfs is a fsadapter.Adapter implementation against a plain
// local POSIX directory, used by cmd/lrsd's demo wiring and by tests in
// place of a real LTFS mount. Free-space queries go through
// github.com/shirou/gopsutil/v3/disk rather than a raw syscall.Statfs_t
// call, so the same code path works on the platforms gopsutil supports
// (backend/local/about_unix.go is the teacher's syscall-based shape for
// the same query, Linux/BSD only).
package localfs

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/tapeforge/lrs/internal/fsadapter"
)

// Adapter is a fsadapter.Adapter that uses each mountRoot argument
// directly as a local directory path.
type Adapter struct {
	// MinFreeReadOnly is the free-byte threshold below which Usage
	// reports ReadOnly, mirroring a near-full tape's behaviour.
	MinFreeReadOnly int64
}

// New returns an Adapter. minFreeReadOnly of 0 disables the
// near-full simulation.
func New(minFreeReadOnly int64) *Adapter {
	return &Adapter{MinFreeReadOnly: minFreeReadOnly}
}

func (a *Adapter) Mount(ctx context.Context, mountRoot string) error {
	if err := os.MkdirAll(mountRoot, 0755); err != nil {
		return errors.Wrapf(err, "localfs: mount %q", mountRoot)
	}
	return nil
}

func (a *Adapter) Unmount(ctx context.Context, mountRoot string) error {
	// A plain directory has nothing to unmount; the mount point is left
	// in place so a later Mount of the same medium finds its contents.
	if _, err := os.Stat(mountRoot); err != nil {
		return errors.Wrapf(err, "localfs: unmount %q", mountRoot)
	}
	return nil
}

func (a *Adapter) Format(ctx context.Context, mountRoot, fsType string) error {
	entries, err := os.ReadDir(mountRoot)
	if err != nil {
		return errors.Wrapf(err, "localfs: format %q", mountRoot)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(mountRoot, e.Name())); err != nil {
			return errors.Wrapf(err, "localfs: format %q", mountRoot)
		}
	}
	marker := filepath.Join(mountRoot, ".lrs-fstype")
	return errors.Wrapf(os.WriteFile(marker, []byte(fsType), 0644), "localfs: format %q", mountRoot)
}

func (a *Adapter) Sync(ctx context.Context, mountRoot string) error {
	f, err := os.Open(mountRoot)
	if err != nil {
		return errors.Wrapf(err, "localfs: sync %q", mountRoot)
	}
	defer f.Close()
	return errors.Wrapf(f.Sync(), "localfs: sync %q", mountRoot)
}

func (a *Adapter) Usage(ctx context.Context, mountRoot string) (fsadapter.Usage, error) {
	u, err := disk.UsageWithContext(ctx, mountRoot)
	if err != nil {
		return fsadapter.Usage{}, errors.Wrapf(err, "localfs: usage %q", mountRoot)
	}
	free := int64(u.Free)
	ro := a.MinFreeReadOnly > 0 && free < a.MinFreeReadOnly
	return fsadapter.Usage{
		PhysFree: free,
		PhysUsed: int64(u.Used),
		ReadOnly: ro,
	}, nil
}

var _ fsadapter.Adapter = (*Adapter)(nil)
