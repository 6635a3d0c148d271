package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeforge/lrs/internal/errkind"
	"github.com/tapeforge/lrs/internal/model"
)

func TestReadAllocRequestToRequestBuildsMatchingPayload(t *testing.T) {
	req := ReadAllocRequest{
		RequestID: "r1",
		NRequired: 1,
		MediumIDs: []MediumRef{{Family: "tape", Name: "VOL1", Library: "lib0"}},
	}
	modelReq := req.ToRequest(time.Now())

	assert.Equal(t, model.KindRead, modelReq.Kind)
	payload, ok := modelReq.RWAlloc()
	require.True(t, ok)
	assert.Equal(t, model.ReqRead, payload.Kind)
	assert.Equal(t, 1, payload.NRequired)
	assert.Equal(t, "VOL1", payload.Slots[0].Medium.Name)
}

func TestReadAllocRequestToRequestSharesSpareCandidatesAcrossEveryRequiredSlot(t *testing.T) {
	req := ReadAllocRequest{
		RequestID: "r1",
		NRequired: 2,
		MediumIDs: []MediumRef{
			{Family: "tape", Name: "VOL1", Library: "lib0"},
			{Family: "tape", Name: "VOL2", Library: "lib0"},
			{Family: "tape", Name: "SPARE1", Library: "lib0"},
			{Family: "tape", Name: "SPARE2", Library: "lib0"},
		},
	}
	modelReq := req.ToRequest(time.Now())

	payload, ok := modelReq.RWAlloc()
	require.True(t, ok)
	// n_med_ids (4) > n_required (2): the payload must carry exactly
	// NRequired slots, not one slot per supplied medium id, or AllDone
	// (which only ever inspects [0, NRequired)) can never be satisfied
	// once a retry lands on a spare.
	require.Len(t, payload.Slots, 2)
	assert.Equal(t, "VOL1", payload.Slots[0].Medium.Name)
	assert.Equal(t, "VOL2", payload.Slots[1].Medium.Name)
	require.Len(t, payload.Slots[0].Candidates, 2)
	assert.Equal(t, "SPARE1", payload.Slots[0].Candidates[0].Name)
	assert.Equal(t, "SPARE2", payload.Slots[0].Candidates[1].Name)
	assert.Equal(t, payload.Slots[0].Candidates, payload.Slots[1].Candidates)
}

func TestFromReadAllocReturnsErrorResponseWhenASlotFailed(t *testing.T) {
	medium := model.MediumID{Family: model.FamilyTape, Name: "VOL1", Library: "lib0"}
	payload := &model.RWAllocPayload{
		Kind:      model.ReqRead,
		NRequired: 1,
		Slots:     []model.RWAllocSlot{{Medium: &medium, Status: model.StatusError, Err: errkind.Wrap(errkind.NoCompatibleDrive, errkind.ENODEV)}},
	}
	modelReq := model.NewRequest("r2", model.KindRead, time.Now(), payload)

	_, errResp := FromReadAlloc(modelReq)
	require.NotNil(t, errResp)
	assert.Equal(t, "ENODEV", errResp.ErrorCode)
	assert.Equal(t, "r2", errResp.RequestID)
}

func TestFromReadAllocReturnsSlotsOnSuccess(t *testing.T) {
	medium := model.MediumID{Family: model.FamilyTape, Name: "VOL1", Library: "lib0"}
	payload := &model.RWAllocPayload{
		Kind:      model.ReqRead,
		NRequired: 1,
		Slots:     []model.RWAllocSlot{{Medium: &medium, Status: model.StatusDone, MountPath: "/mnt/lib0/VOL1", FSType: "ltfs"}},
	}
	modelReq := model.NewRequest("r3", model.KindRead, time.Now(), payload)

	resp, errResp := FromReadAlloc(modelReq)
	require.Nil(t, errResp)
	require.Len(t, resp.Slots, 1)
	assert.Equal(t, "/mnt/lib0/VOL1", resp.Slots[0].MountRoot)
	assert.Equal(t, "ltfs", resp.Slots[0].FSType)
}

func TestWriteAllocRequestToRequestCarriesSizeHintAndTags(t *testing.T) {
	req := WriteAllocRequest{RequestID: "w1", Family: "tape", NMedia: 2, SizeHint: 1024, Tags: []string{"a"}}
	modelReq := req.ToRequest(time.Now())

	payload, ok := modelReq.RWAlloc()
	require.True(t, ok)
	assert.Equal(t, model.ReqWrite, payload.Kind)
	assert.Equal(t, 2, payload.NRequired)
	assert.Len(t, payload.Slots, 2)
	assert.Equal(t, int64(1024), payload.SizeHint)
	assert.Equal(t, []string{"a"}, payload.Tags)
}

func TestFormatRoundTripsMediumRef(t *testing.T) {
	req := FormatRequest{RequestID: "f1", Medium: MediumRef{Family: "tape", Name: "VOL2", Library: "lib0"}, FSType: "ltfs"}
	modelReq := req.ToRequest(time.Now())
	payload, ok := modelReq.Format()
	require.True(t, ok)
	payload.Status = model.StatusDone

	resp, errResp := FromFormat(modelReq)
	require.Nil(t, errResp)
	assert.Equal(t, "VOL2", resp.Medium.Name)
}

func TestFormatReportsErrorResponseWhenStatusFailed(t *testing.T) {
	req := FormatRequest{RequestID: "f2", Medium: MediumRef{Name: "VOL3"}}
	modelReq := req.ToRequest(time.Now())
	payload, _ := modelReq.Format()
	payload.Status = model.StatusError

	_, errResp := FromFormat(modelReq)
	require.NotNil(t, errResp)
	assert.Equal(t, "format_failed", errResp.ErrorCode)
}

func TestReleaseRequestToRequestParsesKindAndEntries(t *testing.T) {
	req := ReleaseRequest{
		RequestID: "rel1",
		Kind:      "write",
		Entries: []ReleaseEntryInput{
			{Medium: MediumRef{Name: "VOL1"}, WrittenSize: 100, NExtentsWrite: 1},
		},
	}
	modelReq := req.ToRequest(time.Now())
	payload, ok := modelReq.Release()
	require.True(t, ok)
	assert.Equal(t, model.ReqWrite, payload.Kind)
	require.Len(t, payload.Entries, 1)
	assert.Equal(t, int64(100), payload.Entries[0].WrittenSize)
}

func TestFromReleaseEchoesEveryMediumIDRegardlessOfOutcome(t *testing.T) {
	payload := &model.ReleasePayload{
		Entries: []model.ReleaseEntry{
			{Medium: model.MediumID{Name: "VOL1"}, Status: model.StatusDone},
			{Medium: model.MediumID{Name: "VOL2"}, Status: model.StatusError},
		},
		FirstError: errkind.Wrap(errkind.MediumDefect, nil),
	}
	modelReq := model.NewRequest("rel2", model.KindRelease, time.Now(), payload)

	resp, errResp := FromRelease(modelReq)
	require.NotNil(t, errResp)
	assert.Len(t, resp.MediumIDs, 2)
	assert.Equal(t, "medium_defect", errResp.ErrorCode)
}

func TestFromNotifyEchoesBody(t *testing.T) {
	modelReq := NotifyRequest{RequestID: "n1", Body: "hello"}.ToRequest(time.Now())
	resp := FromNotify(modelReq)
	assert.Equal(t, "hello", resp.Body)
	assert.Equal(t, "n1", resp.RequestID)
}

func TestErrorCodeOfMapsFullFilesystemToENOSPC(t *testing.T) {
	err := errkind.Wrap(errkind.FullFilesystem, nil)
	assert.Equal(t, "ENOSPC", errorCodeOf(err))
}

func TestErrorCodeOfFallsBackToInternalForUnwrappedErrors(t *testing.T) {
	assert.Equal(t, "internal", errorCodeOf(assertPlainError()))
}

func assertPlainError() error {
	return errAnonymous{}
}

type errAnonymous struct{}

func (errAnonymous) Error() string { return "boom" }
