package fifo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeforge/lrs/internal/device"
	"github.com/tapeforge/lrs/internal/fsadapter"
	"github.com/tapeforge/lrs/internal/iosched"
	"github.com/tapeforge/lrs/internal/mediacache"
	"github.com/tapeforge/lrs/internal/model"
	"github.com/tapeforge/lrs/internal/store/memstore"
	"github.com/tapeforge/lrs/internal/transport/faketape"
)

type noopFS struct{}

func (noopFS) Mount(ctx context.Context, root string) error                    { return nil }
func (noopFS) Unmount(ctx context.Context, root string) error                  { return nil }
func (noopFS) Format(ctx context.Context, root, fsType string) error           { return nil }
func (noopFS) Sync(ctx context.Context, root string) error                     { return nil }
func (noopFS) Usage(ctx context.Context, root string) (fsadapter.Usage, error) {
	return fsadapter.Usage{PhysFree: 1 << 30}, nil
}

var _ fsadapter.Adapter = noopFS{}

type fakePicker struct {
	id model.MediumID
	ok bool
}

func (p *fakePicker) PickForWrite(family model.ResourceFamily, sizeHint int64, tags []string, exclude []model.MediumID) (model.MediumID, bool) {
	return p.id, p.ok
}

func newDrive(t *testing.T, name string, status model.DeviceStatus, assigned model.RequestTypeSet, st *memstore.Store) *device.Thread {
	t.Helper()
	cache := mediacache.New(st)
	lib := faketape.New(nil)
	dev := model.NewDevice(model.DeviceID{Family: model.FamilyTape, Name: name, Library: "lib0"}, "LTO8")
	dev.Status = status
	dev.Assigned = assigned
	return device.New(*dev, st, cache, lib, noopFS{}, t.TempDir(), device.SyncThresholds{TimeThreshold: time.Second})
}

func readRequest(mediumID model.MediumID) *model.Request {
	payload := &model.RWAllocPayload{Kind: model.ReqRead, NRequired: 1, Slots: []model.RWAllocSlot{{Medium: &mediumID}}}
	return model.NewRequest("r1", model.KindRead, time.Now(), payload)
}

func TestPushPeekRemoveOrdering(t *testing.T) {
	s := New(model.ReqRead, iosched.NewDirectory(), nil).(*Scheduler)

	r1 := readRequest(model.MediumID{Family: model.FamilyTape, Name: "A", Library: "lib0"})
	r2 := readRequest(model.MediumID{Family: model.FamilyTape, Name: "B", Library: "lib0"})

	s.PushRequest(r1)
	s.PushRequest(r2)

	// push prepends, so peek (tail) still returns the first-pushed request.
	got, ok := s.PeekRequest()
	require.True(t, ok)
	assert.Same(t, r1, got)

	s.RemoveRequest(r1)
	got, ok = s.PeekRequest()
	require.True(t, ok)
	assert.Same(t, r2, got)
}

func TestRequeueResetsProgressAndReheads(t *testing.T) {
	s := New(model.ReqRead, iosched.NewDirectory(), nil).(*Scheduler)
	r1 := readRequest(model.MediumID{Family: model.FamilyTape, Name: "A", Library: "lib0"})
	r2 := readRequest(model.MediumID{Family: model.FamilyTape, Name: "B", Library: "lib0"})
	s.PushRequest(r1)
	s.PushRequest(r2)

	p, _ := r1.RWAlloc()
	p.NumAllocated = 1

	s.Requeue(r1)

	assert.Equal(t, 0, p.NumAllocated)
	got, _ := s.PeekRequest()
	assert.Same(t, r2, got, "requeue re-heads the tail element, so the other queued request is peeked next")
}

func TestResolveReadPicksEmptyDriveFirst(t *testing.T) {
	st := memstore.New()
	dir := iosched.NewDirectory()
	s := New(model.ReqRead, dir, nil).(*Scheduler)

	mounted := newDrive(t, "mounted0", model.StatusMounted{Medium: model.MediumID{Family: model.FamilyTape, Name: "OTHER", Library: "lib0"}, MountPath: "/x"}, model.NewRequestTypeSet(model.ReqRead), st)
	empty := newDrive(t, "empty0", model.StatusEmpty{}, model.NewRequestTypeSet(model.ReqRead), st)
	s.AddDevice(mounted)
	s.AddDevice(empty)

	req := readRequest(model.MediumID{Family: model.FamilyTape, Name: "VOL1", Library: "lib0"})
	d, idx, ok := s.GetDeviceMediumPair(req, 0)
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, empty.ID(), d.ID())
}

func TestResolveReadFindsHolderAcrossSchedulers(t *testing.T) {
	st := memstore.New()
	dir := iosched.NewDirectory()
	reader := New(model.ReqRead, dir, nil).(*Scheduler)
	writer := New(model.ReqWrite, dir, nil).(*Scheduler)

	holder := newDrive(t, "drive0", model.StatusMounted{Medium: model.MediumID{Family: model.FamilyTape, Name: "VOL1", Library: "lib0"}, MountPath: "/m"}, model.NewRequestTypeSet(model.ReqWrite), st)
	writer.AddDevice(holder)
	dir.Track(holder)
	dir.SetOwner(holder, writer)

	free := newDrive(t, "drive1", model.StatusEmpty{}, model.NewRequestTypeSet(model.ReqRead), st)
	reader.AddDevice(free)
	dir.Track(free)
	dir.SetOwner(free, reader)

	req := readRequest(model.MediumID{Family: model.FamilyTape, Name: "VOL1", Library: "lib0"})
	d, _, ok := reader.GetDeviceMediumPair(req, 0)
	require.True(t, ok)
	assert.Equal(t, holder.ID(), d.ID())

	owner, ok := dir.OwnerOf(holder)
	require.True(t, ok)
	assert.Same(t, reader, owner)

	offerOwner, ok := dir.OwnerOf(free)
	require.True(t, ok)
	assert.Same(t, writer, offerOwner)
}

func TestResolveWriteUsesStorePickerWhenNoDriveAlreadyHolds(t *testing.T) {
	st := memstore.New()
	dir := iosched.NewDirectory()
	picked := model.MediumID{Family: model.FamilyTape, Name: "FRESH", Library: "lib0"}
	s := New(model.ReqWrite, dir, &fakePicker{id: picked, ok: true}).(*Scheduler)

	empty := newDrive(t, "drive0", model.StatusEmpty{}, model.NewRequestTypeSet(model.ReqWrite), st)
	s.AddDevice(empty)

	payload := &model.RWAllocPayload{Kind: model.ReqWrite, Family: model.FamilyTape, NRequired: 1, Slots: []model.RWAllocSlot{{}}}
	req := model.NewRequest("w1", model.KindWrite, time.Now(), payload)

	d, idx, ok := s.GetDeviceMediumPair(req, 0)
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, empty.ID(), d.ID())
	require.NotNil(t, payload.Slots[0].Medium)
	assert.Equal(t, picked, *payload.Slots[0].Medium)
}

func TestRetryOnMediumDefectSubstitutesCandidateAtTheSameRequiredIndex(t *testing.T) {
	st := memstore.New()
	dir := iosched.NewDirectory()
	s := New(model.ReqRead, dir, nil).(*Scheduler)

	empty := newDrive(t, "drive0", model.StatusEmpty{}, model.NewRequestTypeSet(model.ReqRead), st)
	s.AddDevice(empty)

	failed := model.MediumID{Family: model.FamilyTape, Name: "DEAD", Library: "lib0"}
	alt := model.MediumID{Family: model.FamilyTape, Name: "ALT", Library: "lib0"}
	payload := &model.RWAllocPayload{
		Kind:      model.ReqRead,
		NRequired: 1,
		Slots: []model.RWAllocSlot{
			{Medium: &failed, Candidates: []model.MediumID{alt}},
		},
	}
	req := model.NewRequest("r2", model.KindRead, time.Now(), payload)
	sr := model.NewSubRequest(req, 0)
	sr.FailureOnMedium = true

	d, ok := s.Retry(sr)
	require.True(t, ok)
	assert.Equal(t, 0, sr.MediumIndex, "retry must stay at the failed slot's own required index, not a disjoint array position")
	assert.Equal(t, empty.ID(), d.ID())
	require.NotNil(t, payload.Slots[0].Medium)
	assert.Equal(t, alt, *payload.Slots[0].Medium)
	assert.False(t, sr.FailureOnMedium, "the flag must be consumed so a later transport retry doesn't re-substitute")
	assert.Empty(t, payload.Slots[0].Candidates, "the spent candidate must be removed from the shared pool")
}

// TestRetryThenSuccessReachesAllDone drives the exact hang scenario a
// medium-defect retry used to produce: AllDone only ever inspects
// [0, NRequired), so a retry that lands outside that range could never
// mark the request complete. Retrying within the same required index
// must let the request reach completion once the substituted medium
// succeeds.
func TestRetryThenSuccessReachesAllDone(t *testing.T) {
	st := memstore.New()
	dir := iosched.NewDirectory()
	s := New(model.ReqRead, dir, nil).(*Scheduler)

	empty := newDrive(t, "drive0", model.StatusEmpty{}, model.NewRequestTypeSet(model.ReqRead), st)
	s.AddDevice(empty)

	failed := model.MediumID{Family: model.FamilyTape, Name: "DEAD", Library: "lib0"}
	alt := model.MediumID{Family: model.FamilyTape, Name: "ALT", Library: "lib0"}
	payload := &model.RWAllocPayload{
		Kind:      model.ReqRead,
		NRequired: 1,
		Slots: []model.RWAllocSlot{
			{Medium: &failed, Candidates: []model.MediumID{alt}},
		},
	}
	req := model.NewRequest("r3", model.KindRead, time.Now(), payload)
	sr := model.NewSubRequest(req, 0)
	sr.FailureOnMedium = true

	_, ok := s.Retry(sr)
	require.True(t, ok)

	req.Lock()
	payload.Slots[sr.MediumIndex].Status = model.StatusDone
	payload.NumAllocated++
	allDone := payload.AllDone()
	req.Unlock()

	assert.True(t, allDone, "the retried slot must still be one AllDone inspects")
}

func TestGetDeviceAndRemoveDevice(t *testing.T) {
	st := memstore.New()
	s := New(model.ReqFormat, iosched.NewDirectory(), nil).(*Scheduler)
	d0 := newDrive(t, "drive0", model.StatusEmpty{}, model.NewRequestTypeSet(model.ReqFormat), st)
	s.AddDevice(d0)

	got, ok := s.GetDevice(0)
	require.True(t, ok)
	assert.Equal(t, d0.ID(), got.ID())

	s.RemoveDevice(d0)
	_, ok = s.GetDevice(0)
	assert.False(t, ok)
}
