// Package api holds the wire-independent request/response structs named
// in spec.md §6, plus the translation between them and internal/model's
// Request/Payload types and between internal/errkind's taxonomy and the
// client-facing error_code string — the same boundary role rclone's
// backends play translating internal errors to fs.Error* sentinels.
//
// No socket/RPC framing lives here: per SPEC_FULL.md §1, external
// protocol framing is out of scope, so cmd/lrsd is expected to call
// these constructors/translators directly against whatever in-process
// submission queue it wires up.
package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/tapeforge/lrs/internal/errkind"
	"github.com/tapeforge/lrs/internal/model"
)

// MediumRef names a medium the way every request kind's wire struct does:
// family, name and owning library.
type MediumRef struct {
	Family  string
	Name    string
	Library string
}

func (r MediumRef) toModel() model.MediumID {
	return model.MediumID{Family: model.ResourceFamily(r.Family), Name: r.Name, Library: r.Library}
}

func mediumRefFromModel(id model.MediumID) MediumRef {
	return MediumRef{Family: string(id.Family), Name: id.Name, Library: id.Library}
}

// ReadAllocRequest is the wire input of a read allocation (spec.md §6).
type ReadAllocRequest struct {
	RequestID string
	NRequired int
	MediumIDs []MediumRef // len >= NRequired; first NRequired are the primary slots
}

// AllocSlot is one resolved slot, common to read and write alloc
// responses.
type AllocSlot struct {
	Medium    MediumRef
	MountRoot string
	FSType    string
	AddrType  string
	AvailSize int64 // only meaningful for write alloc
}

// ReadAllocResponse is the wire output of a read allocation.
type ReadAllocResponse struct {
	RequestID string
	Slots     []AllocSlot
}

// ToRequest builds the internal model.Request this read alloc asks for.
//
// spec.md §3's rwalloc payload holds exactly N (== NRequired) slots, each
// with its own bounded candidate list for reads; med_ids beyond the first
// NRequired are the request's shared spare pool (spec.md §4.2's
// usable_candidates, retried "starting from index n_required"), so every
// required slot gets the same Candidates slice rather than becoming a
// slot of its own.
func (req ReadAllocRequest) ToRequest(arrival time.Time) *model.Request {
	n := req.NRequired
	if n > len(req.MediumIDs) {
		n = len(req.MediumIDs)
	}
	var candidates []model.MediumID
	for _, m := range req.MediumIDs[n:] {
		candidates = append(candidates, m.toModel())
	}
	slots := make([]model.RWAllocSlot, n)
	for i := 0; i < n; i++ {
		slots[i] = model.RWAllocSlot{Medium: idPtr(req.MediumIDs[i].toModel()), Candidates: candidates}
	}
	payload := &model.RWAllocPayload{
		Kind:      model.ReqRead,
		NRequired: req.NRequired,
		Slots:     slots,
	}
	return model.NewRequest(req.RequestID, model.KindRead, arrival, payload)
}

func idPtr(id model.MediumID) *model.MediumID { return &id }

// WriteAllocRequest is the wire input of a write allocation.
type WriteAllocRequest struct {
	RequestID string
	Family    string
	NMedia    int
	SizeHint  int64
	Tags      []string
	Grouping  string
}

// WriteAllocResponse is the wire output of a write allocation.
type WriteAllocResponse struct {
	RequestID string
	Slots     []AllocSlot
}

// ToRequest builds the internal model.Request this write alloc asks for.
func (req WriteAllocRequest) ToRequest(arrival time.Time) *model.Request {
	slots := make([]model.RWAllocSlot, req.NMedia)
	payload := &model.RWAllocPayload{
		Kind:      model.ReqWrite,
		Family:    model.ResourceFamily(req.Family),
		Tags:      req.Tags,
		SizeHint:  req.SizeHint,
		NRequired: req.NMedia,
		Slots:     slots,
	}
	return model.NewRequest(req.RequestID, model.KindWrite, arrival, payload)
}

// FormatRequest is the wire input of a format request.
type FormatRequest struct {
	RequestID   string
	Medium      MediumRef
	FSType      string
	UnlockAfter bool
}

// FormatResponse echoes the formatted medium_id.
type FormatResponse struct {
	RequestID string
	Medium    MediumRef
}

// ToRequest builds the internal model.Request this format asks for.
func (req FormatRequest) ToRequest(arrival time.Time) *model.Request {
	payload := &model.FormatPayload{
		Medium:      req.Medium.toModel(),
		FSType:      req.FSType,
		UnlockAfter: req.UnlockAfter,
	}
	return model.NewRequest(req.RequestID, model.KindFormat, arrival, payload)
}

// ReleaseEntryInput is one medium's durability report within a release.
type ReleaseEntryInput struct {
	Medium        MediumRef
	WrittenSize   int64
	NExtentsWrite int
	ClientRC      int
	Grouping      string
}

// ReleaseRequest is the wire input of a release request.
type ReleaseRequest struct {
	RequestID string
	Entries   []ReleaseEntryInput
	Partial   bool
	Kind      string // "read", "write" or "format"
}

// ReleaseResponse echoes the released medium_ids.
type ReleaseResponse struct {
	RequestID string
	MediumIDs []MediumRef
}

// ToRequest builds the internal model.Request this release asks for.
func (req ReleaseRequest) ToRequest(arrival time.Time) *model.Request {
	entries := make([]model.ReleaseEntry, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = model.ReleaseEntry{
			Medium:      e.Medium.toModel(),
			WrittenSize: e.WrittenSize,
			NExtents:    e.NExtentsWrite,
			ClientRC:    e.ClientRC,
			Grouping:    e.Grouping,
		}
	}
	kind, _ := model.ParseRequestType(req.Kind)
	payload := &model.ReleasePayload{
		Entries: entries,
		Partial: req.Partial,
		Kind:    kind,
	}
	return model.NewRequest(req.RequestID, model.KindRelease, arrival, payload)
}

// NotifyRequest/NotifyResponse are the pass-through notify kind: the core
// does not interpret the body, it is echoed back verbatim as its own
// response (spec.md §6 names the kind without further operational
// detail).
type NotifyRequest struct {
	RequestID string
	Body      any
}

type NotifyResponse struct {
	RequestID string
	Body      any
}

func (req NotifyRequest) ToRequest(arrival time.Time) *model.Request {
	return model.NewRequest(req.RequestID, model.KindNotify, arrival, &model.NotifyPayload{Body: req.Body})
}

// MonitorRequest/MonitorResponse request and return a snapshot of
// scheduler/device state. No code in this module fills a MonitorResponse:
// the scheduler publishes a monitor request back unchanged.
type MonitorRequest struct {
	RequestID string
}

type MonitorResponse struct {
	RequestID string
	Devices   []DeviceStatus
}

// DeviceStatus is one drive's row of a monitor snapshot.
type DeviceStatus struct {
	Name      string
	Library   string
	Admin     string
	Mounted   bool
	MountPath string
	Medium    string
}

func (req MonitorRequest) ToRequest(arrival time.Time) *model.Request {
	return model.NewRequest(req.RequestID, model.KindMonitor, arrival, &model.MonitorPayload{})
}

// ErrorResponse is spec.md §6's error wire shape: { request_id,
// error_code, kind }.
type ErrorResponse struct {
	RequestID string
	ErrorCode string
	Kind      string
}

// NewUUID mints a fresh request id the way rclone's cryptomator backend
// mints vault IDs, for callers that don't already have a client-supplied
// one.
func NewUUID() string { return uuid.NewString() }

// errorCodeOf maps an error to its wire error_code: "ENOSPC" for the
// FullFilesystem kind, "ENODEV" for NoCompatibleDrive, else the attached
// Kind's string, else "internal".
func errorCodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errkind.Is(err, errkind.FullFilesystem):
		return "ENOSPC"
	case errkind.Is(err, errkind.NoCompatibleDrive):
		return "ENODEV"
	}
	if kind, ok := errkind.KindOf(err); ok {
		return kind.String()
	}
	return "internal"
}

// ErrorResponseFor builds an ErrorResponse for a request that failed
// outright (e.g. at intake, before a model.Request existed).
func ErrorResponseFor(requestID string, kind string, err error) ErrorResponse {
	return ErrorResponse{RequestID: requestID, ErrorCode: errorCodeOf(err), Kind: kind}
}

// FromReadAlloc translates a completed read-alloc model.Request back to
// its wire response, or an ErrorResponse if any required slot failed.
func FromReadAlloc(req *model.Request) (ReadAllocResponse, *ErrorResponse) {
	payload, _ := req.RWAlloc()
	if errResp := errorFromSlots(req.ID, "read", payload); errResp != nil {
		return ReadAllocResponse{}, errResp
	}
	return ReadAllocResponse{RequestID: req.ID, Slots: slotsToWire(payload)}, nil
}

// FromWriteAlloc is FromReadAlloc's write-alloc counterpart.
func FromWriteAlloc(req *model.Request) (WriteAllocResponse, *ErrorResponse) {
	payload, _ := req.RWAlloc()
	if errResp := errorFromSlots(req.ID, "write", payload); errResp != nil {
		return WriteAllocResponse{}, errResp
	}
	return WriteAllocResponse{RequestID: req.ID, Slots: slotsToWire(payload)}, nil
}

// FromFormat translates a completed format model.Request back to its
// wire response, or an ErrorResponse.
func FromFormat(req *model.Request) (FormatResponse, *ErrorResponse) {
	payload, _ := req.Format()
	if payload.Status == model.StatusError || payload.Status == model.StatusCancel {
		return FormatResponse{}, &ErrorResponse{RequestID: req.ID, ErrorCode: "format_failed", Kind: "format"}
	}
	return FormatResponse{RequestID: req.ID, Medium: mediumRefFromModel(payload.Medium)}, nil
}

// FromRelease translates a completed release model.Request back to its
// wire response. Per spec.md, a release echoes every medium_id regardless
// of per-entry outcome; FirstError (if any) surfaces as the ErrorResponse
// alongside the echoed ids.
func FromRelease(req *model.Request) (ReleaseResponse, *ErrorResponse) {
	payload, _ := req.Release()
	ids := make([]MediumRef, len(payload.Entries))
	for i, e := range payload.Entries {
		ids[i] = mediumRefFromModel(e.Medium)
	}
	resp := ReleaseResponse{RequestID: req.ID, MediumIDs: ids}
	if payload.FirstError != nil {
		errResp := ErrorResponseFor(req.ID, payload.Kind.String(), payload.FirstError)
		return resp, &errResp
	}
	return resp, nil
}

// FromNotify echoes the notify body back.
func FromNotify(req *model.Request) NotifyResponse {
	payload, _ := req.Payload.(*model.NotifyPayload)
	return NotifyResponse{RequestID: req.ID, Body: payload.Body}
}

func slotsToWire(payload *model.RWAllocPayload) []AllocSlot {
	out := make([]AllocSlot, payload.NRequired)
	for i := 0; i < payload.NRequired; i++ {
		s := payload.Slots[i]
		ref := MediumRef{}
		if s.Medium != nil {
			ref = mediumRefFromModel(*s.Medium)
		}
		out[i] = AllocSlot{Medium: ref, MountRoot: s.MountPath, FSType: s.FSType, AddrType: s.AddrType, AvailSize: s.AvailSize}
	}
	return out
}

func errorFromSlots(requestID, kind string, payload *model.RWAllocPayload) *ErrorResponse {
	for i := 0; i < payload.NRequired; i++ {
		s := payload.Slots[i]
		if s.Status == model.StatusError || s.Status == model.StatusCancel {
			return &ErrorResponse{RequestID: requestID, ErrorCode: errorCodeOf(s.Err), Kind: kind}
		}
	}
	return nil
}
