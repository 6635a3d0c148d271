package grouped

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

func (noopFS) Mount(ctx context.Context, root string) error          { return nil }
func (noopFS) Unmount(ctx context.Context, root string) error        { return nil }
func (noopFS) Format(ctx context.Context, root, fsType string) error { return nil }
func (noopFS) Sync(ctx context.Context, root string) error           { return nil }
func (noopFS) Usage(ctx context.Context, root string) (fsadapter.Usage, error) {
	return fsadapter.Usage{PhysFree: 1 << 30}, nil
}

var _ fsadapter.Adapter = noopFS{}

func newDrive(t *testing.T, name string, status model.DeviceStatus, assigned model.RequestTypeSet) *device.Thread {
	t.Helper()
	st := memstore.New()
	cache := mediacache.New(st)
	lib := faketape.New(nil)
	dev := model.NewDevice(model.DeviceID{Family: model.FamilyTape, Name: name, Library: "lib0"}, "LTO8")
	dev.Status = status
	dev.Assigned = assigned
	return device.New(*dev, st, cache, lib, noopFS{}, t.TempDir(), device.SyncThresholds{TimeThreshold: time.Second})
}

func readRequest(id string, nRequired int, candidates ...model.MediumID) *model.Request {
	payload := &model.RWAllocPayload{
		Kind:      model.ReqRead,
		NRequired: nRequired,
		Slots:     []model.RWAllocSlot{{Candidates: candidates}},
	}
	return model.NewRequest(id, model.KindRead, time.Now(), payload)
}

func vol(name string) model.MediumID {
	return model.MediumID{Family: model.FamilyTape, Name: name, Library: "lib0"}
}

func TestPushGroupsRequestsSharingAMedium(t *testing.T) {
	dir := iosched.NewDirectory()
	s := New(model.ReqRead, dir, nil).(*Scheduler)

	r1 := readRequest("r1", 1, vol("VOL1"))
	r2 := readRequest("r2", 1, vol("VOL1"))
	s.PushRequest(r1)
	s.PushRequest(r2)

	q := s.queues[vol("VOL1")]
	require.NotNil(t, q)
	assert.Equal(t, 2, q.len())
	assert.Same(t, r1, q.head().req, "push appends, FIFO head stays the first request pushed")
}

func TestGetDeviceMediumPairAssociatesThenReuses(t *testing.T) {
	dir := iosched.NewDirectory()
	s := New(model.ReqRead, dir, nil).(*Scheduler)

	d := newDrive(t, "drive0", model.StatusEmpty{}, model.NewRequestTypeSet(model.ReqRead))
	s.AddDevice(d)

	r1 := readRequest("r1", 1, vol("VOL1"))
	s.PushRequest(r1)

	got, idx, ok := s.GetDeviceMediumPair(r1, 0)
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, d.ID(), got.ID())

	q := s.queues[vol("VOL1")]
	assert.Same(t, d, q.device, "the medium's queue stays associated to the drive across calls")
}

func TestClaimDeviceExchangeRefusedWhenOfferQueueNonEmpty(t *testing.T) {
	dir := iosched.NewDirectory()
	reader := New(model.ReqRead, dir, nil).(*Scheduler)
	other := New(model.ReqRead, dir, nil).(*Scheduler)

	busy := newDrive(t, "busy0", model.StatusEmpty{}, model.NewRequestTypeSet(model.ReqRead))
	reader.AddDevice(busy)
	dir.Track(busy)
	dir.SetOwner(busy, reader)

	// Associate reader's only drive to a non-empty queue so it cannot be
	// offered back in an exchange.
	r1 := readRequest("r1", 1, vol("VOL1"))
	reader.PushRequest(r1)
	reader.associateLocked(busy, reader.queues[vol("VOL1")])

	held := newDrive(t, "held0", model.StatusMounted{Medium: vol("VOL2"), MountPath: "/m"}, model.NewRequestTypeSet(model.ReqRead))
	other.AddDevice(held)
	dir.Track(held)
	dir.SetOwner(held, other)

	_, ok := reader.ClaimDevice(iosched.Exchange, "LTO8")
	assert.False(t, ok, "no idle drive to offer means the exchange must be refused")
}

func TestRemoveRequestClearsAllItsQueueElements(t *testing.T) {
	dir := iosched.NewDirectory()
	s := New(model.ReqRead, dir, nil).(*Scheduler)

	r1 := readRequest("r1", 1, vol("VOL1"), vol("VOL2"))
	s.PushRequest(r1)
	require.Equal(t, 1, s.queues[vol("VOL1")].len())
	require.Equal(t, 1, s.queues[vol("VOL2")].len())

	s.RemoveRequest(r1)
	assert.Nil(t, s.queues[vol("VOL1")])
	assert.Nil(t, s.queues[vol("VOL2")])
	assert.Nil(t, s.pairs[r1])
}

func TestRequeueMovesUsedBackToFreeAndResetsProgress(t *testing.T) {
	dir := iosched.NewDirectory()
	s := New(model.ReqRead, dir, nil).(*Scheduler)

	d := newDrive(t, "drive0", model.StatusEmpty{}, model.NewRequestTypeSet(model.ReqRead))
	s.AddDevice(d)

	r1 := readRequest("r1", 1, vol("VOL1"))
	s.PushRequest(r1)
	_, _, ok := s.GetDeviceMediumPair(r1, 0)
	require.True(t, ok)

	payload, _ := r1.RWAlloc()
	payload.NumAllocated = 1

	s.Requeue(r1)

	assert.Equal(t, 0, payload.NumAllocated)
	pair := s.pairs[r1]
	assert.Empty(t, pair.used)
	assert.Len(t, pair.free, 1)
}
