package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeforge/lrs/internal/device"
	"github.com/tapeforge/lrs/internal/fsadapter"
	"github.com/tapeforge/lrs/internal/iosched"
	"github.com/tapeforge/lrs/internal/iosched/fifo"
	"github.com/tapeforge/lrs/internal/mediacache"
	"github.com/tapeforge/lrs/internal/model"
	"github.com/tapeforge/lrs/internal/store/memstore"
	"github.com/tapeforge/lrs/internal/transport/faketape"
)

type noopFS struct{}

func (noopFS) Mount(ctx context.Context, root string) error          { return nil }
func (noopFS) Unmount(ctx context.Context, root string) error        { return nil }
func (noopFS) Format(ctx context.Context, root, fsType string) error { return nil }
func (noopFS) Sync(ctx context.Context, root string) error           { return nil }
func (noopFS) Usage(ctx context.Context, root string) (fsadapter.Usage, error) {
	return fsadapter.Usage{PhysFree: 1 << 30}, nil
}

var _ fsadapter.Adapter = noopFS{}

func newDrive(t *testing.T, name string, st *memstore.Store) *device.Thread {
	t.Helper()
	cache := mediacache.New(st)
	lib := faketape.New(nil)
	dev := model.NewDevice(model.DeviceID{Family: model.FamilyTape, Name: name, Library: "lib0"}, "LTO8")
	dev.Status = model.StatusEmpty{}
	return device.New(*dev, st, cache, lib, noopFS{}, t.TempDir(), device.SyncThresholds{TimeThreshold: time.Second})
}

// fakeSched is a minimal iosched.Scheduler stub for exercising reconcile in
// isolation, without pulling in a real queue discipline.
type fakeSched struct {
	kind    model.RequestType
	pending int
	devices []*device.Thread
}

func (f *fakeSched) PushRequest(req *model.Request)      {}
func (f *fakeSched) PeekRequest() (*model.Request, bool) { return nil, false }
func (f *fakeSched) RemoveRequest(req *model.Request)    {}
func (f *fakeSched) Requeue(req *model.Request)          {}
func (f *fakeSched) GetDeviceMediumPair(req *model.Request, ioIndex int) (*device.Thread, int, bool) {
	return nil, 0, false
}
func (f *fakeSched) Retry(sr *model.SubRequest) (*device.Thread, bool) { return nil, false }
func (f *fakeSched) AddDevice(d *device.Thread) {
	for _, existing := range f.devices {
		if existing == d {
			return
		}
	}
	f.devices = append(f.devices, d)
}
func (f *fakeSched) RemoveDevice(d *device.Thread) {
	for i, existing := range f.devices {
		if existing == d {
			f.devices = append(f.devices[:i], f.devices[i+1:]...)
			return
		}
	}
}
func (f *fakeSched) GetDevice(i int) (*device.Thread, bool) {
	if i < 0 || i >= len(f.devices) {
		return nil, false
	}
	return f.devices[i], true
}
func (f *fakeSched) ClaimDevice(kind iosched.ClaimKind, technology string) (*device.Thread, bool) {
	return nil, false
}
func (f *fakeSched) Kind() model.RequestType { return f.kind }
func (f *fakeSched) PendingCount() int       { return f.pending }

var _ iosched.Scheduler = (*fakeSched)(nil)

func TestRunNoDispatchAssignsEveryDeviceToAllThreeSchedulers(t *testing.T) {
	st := memstore.New()
	dir := iosched.NewDirectory()
	d0 := newDrive(t, "drive0", st)
	d1 := newDrive(t, "drive1", st)

	r := &fakeSched{kind: model.ReqRead}
	w := &fakeSched{kind: model.ReqWrite}
	f := &fakeSched{kind: model.ReqFormat}

	disp := New(NoDispatch, nil)
	disp.Run([]*device.Thread{d0, d1}, dir, Schedulers{r, w, f})

	for _, sched := range []*fakeSched{r, w, f} {
		assert.Len(t, sched.devices, 2)
	}
	snap := d0.Snapshot()
	assert.True(t, snap.Assigned.Has(model.ReqRead))
	assert.True(t, snap.Assigned.Has(model.ReqWrite))
	assert.True(t, snap.Assigned.Has(model.ReqFormat))
}

func TestComputeRepartitionSplitsProportionallyWithinBounds(t *testing.T) {
	counts := [3]int{30, 10, 0}
	min := [3]int{1, 1, 0}
	max := [3]int{10, 10, 10}

	target := computeRepartition(counts, 40, 10, min, max)
	assert.Equal(t, 10, sum3(target))
	// format has zero demand, so it should get none of the split.
	assert.Equal(t, 0, target[2])
	// read outweighs write 3:1, so it should receive the larger share.
	assert.Greater(t, target[0], target[1])
}

func TestComputeRepartitionClampsToMax(t *testing.T) {
	counts := [3]int{100, 1, 0}
	min := [3]int{0, 0, 0}
	max := [3]int{3, 10, 10}

	target := computeRepartition(counts, 101, 10, min, max)
	assert.Equal(t, 3, target[0], "read is clamped to its max even though it dominates demand")
	assert.Equal(t, 10, sum3(target))
}

func TestComputeRepartitionGivesNoDevicesToTypesWithNoDemand(t *testing.T) {
	counts := [3]int{5, 0, 0}
	min := [3]int{0, 1, 1}
	max := [3]int{10, 10, 10}

	// computeRepartition zeroes no-demand types before applying min/max,
	// so write and format get nothing despite their min of 1 and read
	// takes all five devices.
	target := computeRepartition(counts, 5, 5, min, max)
	assert.Equal(t, 5, sum3(target))
	assert.Equal(t, 0, target[1])
	assert.Equal(t, 0, target[2])
}

func TestRunFairShareOneDriveAssignsHeaviestRequester(t *testing.T) {
	st := memstore.New()
	dir := iosched.NewDirectory()
	d0 := newDrive(t, "drive0", st)

	r := &fakeSched{kind: model.ReqRead, pending: 5}
	w := &fakeSched{kind: model.ReqWrite, pending: 50}
	f := &fakeSched{kind: model.ReqFormat, pending: 1}

	disp := New(FairShare, map[string]Thresholds{
		"LTO8": {Min: [3]int{0, 0, 0}, Max: [3]int{1, 1, 1}},
	})
	disp.Run([]*device.Thread{d0}, dir, Schedulers{r, w, f})

	assert.Len(t, w.devices, 1, "the single drive must go to the heaviest requester")
	assert.Len(t, r.devices, 0)
	assert.Len(t, f.devices, 0)
}

func TestRunFairShareTwoDrivesAssignsHeaviestTwo(t *testing.T) {
	st := memstore.New()
	dir := iosched.NewDirectory()
	d0 := newDrive(t, "drive0", st)
	d1 := newDrive(t, "drive1", st)

	r := &fakeSched{kind: model.ReqRead, pending: 5}
	w := &fakeSched{kind: model.ReqWrite, pending: 50}
	f := &fakeSched{kind: model.ReqFormat, pending: 20}

	disp := New(FairShare, map[string]Thresholds{
		"LTO8": {Min: [3]int{0, 0, 0}, Max: [3]int{2, 2, 2}},
	})
	disp.Run([]*device.Thread{d0, d1}, dir, Schedulers{r, w, f})

	assert.Len(t, w.devices, 1)
	assert.Len(t, f.devices, 1)
	assert.Len(t, r.devices, 0, "read has the least demand of the three so loses the two-drive tie-break")
}

func TestReconcileReclaimsExcessAndDispatchesToUnderQuotaSchedulers(t *testing.T) {
	st := memstore.New()
	dir := iosched.NewDirectory()
	d0 := newDrive(t, "drive0", st)
	d1 := newDrive(t, "drive1", st)
	d2 := newDrive(t, "drive2", st)

	r := &fakeSched{kind: model.ReqRead}
	w := &fakeSched{kind: model.ReqWrite}
	f := &fakeSched{kind: model.ReqFormat}

	// Seed current ownership: read holds all three, over its target of 1.
	for _, d := range []*device.Thread{d0, d1, d2} {
		dir.Track(d)
		r.AddDevice(d)
		dir.SetOwner(d, r)
	}

	disp := New(FairShare, nil)
	disp.reconcile([]*device.Thread{d0, d1, d2}, dir, Schedulers{r, w, f}, [3]int{1, 1, 1})

	assert.Len(t, r.devices, 1)
	assert.Len(t, w.devices, 1)
	assert.Len(t, f.devices, 1)

	for _, sched := range []*fakeSched{r, w, f} {
		for _, d := range sched.devices {
			owner, ok := dir.OwnerOf(d)
			require.True(t, ok)
			assert.Same(t, sched, owner)
		}
	}
}

func TestFifoSchedulerReportsPendingCountForDispatchWeighting(t *testing.T) {
	s := fifo.New(model.ReqRead, iosched.NewDirectory(), nil)
	assert.Equal(t, 0, s.PendingCount())

	payload := &model.RWAllocPayload{Kind: model.ReqRead, NRequired: 1, Slots: []model.RWAllocSlot{{}}}
	req := model.NewRequest("r1", model.KindRead, time.Now(), payload)
	s.PushRequest(req)
	assert.Equal(t, 1, s.PendingCount())
}
