package device

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tapeforge/lrs/internal/errkind"
	"github.com/tapeforge/lrs/internal/mediacache"
	"github.com/tapeforge/lrs/internal/model"
	"github.com/tapeforge/lrs/internal/store"
	"github.com/tapeforge/lrs/internal/transport"
)

var errNotLoaded = errors.New("device: mount requested with no medium loaded")

// classify turns a collaborator error into an errkind.Kind and applies
// the matching health bookkeeping. Connection errors touch neither
// device nor medium health, per spec.md's health model.
func (t *Thread) classify(err error, medium *mediacache.Handle, deviceAttributable bool) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*transport.ErrConnectionFailed); ok {
		return errkind.Wrap(errkind.TransportUnreachable, err)
	}

	if medium != nil {
		medium.Lock()
		justDied := medium.Medium().RecordFailure()
		medium.Unlock()
		if justDied {
			t.failMedium(medium.ID())
		}
		return errkind.Wrap(errkind.MediumDefect, err)
	}
	if deviceAttributable {
		justDied := t.dev.RecordFailure()
		if justDied {
			t.failSelf()
		}
		return errkind.Wrap(errkind.DriveDefect, err)
	}
	return err
}

func (t *Thread) recordSuccess(medium *mediacache.Handle) {
	if medium != nil {
		medium.Lock()
		medium.Medium().RecordSuccess()
		medium.Unlock()
	}
	t.dev.RecordSuccess()
}

func (t *Thread) failMedium(id model.MediumID) {
	h, err := t.cache.Acquire(context.Background(), id)
	if err != nil {
		t.log.WithError(err).Error("failed to acquire dying medium for admin-fail")
		return
	}
	defer h.Release()
	h.Lock()
	h.Medium().Admin = model.AdminFailed
	h.Unlock()
	_ = t.store.SaveMedium(context.Background(), h.Medium())
	_ = t.store.UnlockMedium(context.Background(), id)
}

func (t *Thread) failSelf() {
	t.dev.Admin = model.AdminFailed
	_ = t.store.UnlockDevice(context.Background(), t.id)
	t.mu.Lock()
	t.stopping = true
	t.mu.Unlock()
}

func (t *Thread) mountPath() string {
	return filepath.Join(t.mountPrefix, filepath.Base(t.id.Name))
}

// load moves mediumID into this drive, unmounting/unloading whatever it
// currently holds first.
func (t *Thread) load(ctx context.Context, mediumID model.MediumID) error {
	if t.dev.IsMounted() {
		if err := t.unmount(ctx); err != nil {
			return err
		}
	}
	if t.dev.IsLoaded() {
		if err := t.unload(ctx); err != nil {
			return err
		}
	}

	err := t.lib.Move(ctx, mediumID.Name, t.id.Name)
	t.store.AppendAuditLog(ctx, store.AuditDeviceLoad, mediumID.Name, err)
	if err != nil {
		return t.classify(err, nil, true)
	}

	t.dev.Status = model.StatusLoaded{Medium: mediumID}
	t.recordSuccess(nil)
	if err := t.store.SaveDevice(ctx, &t.dev); err != nil {
		return err
	}
	return t.store.LockMedium(ctx, mediumID)
}

// mount mounts the medium currently loaded in this drive.
func (t *Thread) mount(ctx context.Context) error {
	loaded, ok := t.dev.LoadedMedium()
	if !ok {
		return errkind.Wrap(errkind.DriveDefect, errNotLoaded)
	}
	root := t.mountPath()
	err := t.fsys.Mount(ctx, root)
	t.store.AppendAuditLog(ctx, store.AuditLTFSMount, loaded.Name, err)
	if err != nil {
		return t.classify(err, nil, true)
	}
	t.dev.Status = model.StatusMounted{Medium: loaded, MountPath: root}
	t.recordSuccess(nil)
	return t.store.SaveDevice(ctx, &t.dev)
}

// verifyWriteMount queries free space after mounting for a write; a
// read-only filesystem marks the medium full and reports ENOSPC.
// failSlot does not retry writes, so the slot ends in error.
func (t *Thread) verifyWriteMount(ctx context.Context, h *mediacache.Handle) error {
	root := t.dev.MountPath()
	usage, err := t.fsys.Usage(ctx, root)
	t.store.AppendAuditLog(ctx, store.AuditLTFSDf, h.ID().Name, err)
	if err != nil {
		return t.classify(err, h, false)
	}
	if usage.ReadOnly {
		h.Lock()
		h.Medium().FS = model.FSFull
		h.Unlock()
		_ = t.store.SaveMedium(ctx, h.Medium())
		return errkind.Wrap(errkind.FullFilesystem, errkind.ENOSPC)
	}
	return nil
}

// unmount clears the mount path, returning the drive to loaded status.
func (t *Thread) unmount(ctx context.Context) error {
	root := t.dev.MountPath()
	err := t.fsys.Unmount(ctx, root)
	medium, _ := t.dev.LoadedMedium()
	t.store.AppendAuditLog(ctx, store.AuditLTFSUmount, medium.Name, err)
	if err != nil {
		return t.classify(err, nil, true)
	}
	t.dev.Status = model.StatusLoaded{Medium: medium}
	t.recordSuccess(nil)
	return t.store.SaveDevice(ctx, &t.dev)
}

// unload ejects the drive's medium and releases its external lock. The
// drive holds no medium-cache reference between operations, so none is
// released here.
func (t *Thread) unload(ctx context.Context) error {
	mediumID, ok := t.dev.LoadedMedium()
	if !ok {
		return nil
	}
	err := t.lib.Eject(ctx, t.id.Name)
	t.store.AppendAuditLog(ctx, store.AuditDeviceUnload, mediumID.Name, err)
	if err != nil {
		return t.classify(err, nil, true)
	}

	t.dev.Status = model.StatusEmpty{}
	t.recordSuccess(nil)
	if saveErr := t.store.SaveDevice(ctx, &t.dev); saveErr != nil {
		return saveErr
	}
	return t.store.UnlockMedium(ctx, mediumID)
}

// format initialises the filesystem on the medium currently loaded in
// this drive, per spec.md's field-reset list.
func (t *Thread) format(ctx context.Context, h *mediacache.Handle, fsType string, unlockAfter bool) error {
	if t.dev.IsMounted() {
		if err := t.unmount(ctx); err != nil {
			return err
		}
	}
	root := t.mountPath()
	err := t.fsys.Format(ctx, root, fsType)
	t.store.AppendAuditLog(ctx, store.AuditLTFSFormat, h.ID().Name, err)
	if err != nil {
		return t.classify(err, h, false)
	}

	usage, uerr := t.fsys.Usage(ctx, root)

	h.Lock()
	m := h.Medium()
	m.Label = m.ID.Name
	m.ObjectCount = 0
	m.LogicalUsed = 0
	if uerr == nil {
		m.PhysSpaceFree = usage.PhysFree
		m.PhysSpaceUsed = usage.PhysUsed
	}
	m.FSType = fsType
	m.FS = model.FSEmpty
	if unlockAfter {
		m.Admin = model.AdminUnlocked
	}
	h.Unlock()

	if err := t.store.SaveMedium(ctx, m); err != nil {
		return err
	}
	t.recordSuccess(h)
	return nil
}

// sync calls the filesystem's sync operation on this drive's mount path.
func (t *Thread) sync(ctx context.Context) error {
	root := t.dev.MountPath()
	medium, _ := t.dev.LoadedMedium()
	err := t.fsys.Sync(ctx, root)
	t.store.AppendAuditLog(ctx, store.AuditLTFSSync, medium.Name, err)
	return err
}
