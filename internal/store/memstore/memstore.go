// Package memstore is an in-memory store.Store used by tests and by the
// faketape/localfs wiring in cmd/lrsd's demo mode. It has no teacher
// analogue beyond the interface it satisfies: a deterministic test
// double needs nothing a third-party library would improve.
package memstore

import (
	"context"
	"sync"

	"github.com/tapeforge/lrs/internal/model"
	"github.com/tapeforge/lrs/internal/store"
)

type auditEntry struct {
	Action  store.AuditAction
	Subject string
	Err     error
}

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu      sync.Mutex
	media   map[model.MediumID]*model.Medium
	devices map[model.DeviceID]*model.Device
	locks   map[string]bool
	audit   []auditEntry
}

func New() *Store {
	return &Store{
		media:   make(map[model.MediumID]*model.Medium),
		devices: make(map[model.DeviceID]*model.Device),
		locks:   make(map[string]bool),
	}
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func (s *Store) PutMedium(m *model.Medium) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media[m.ID] = clone(m)
}

func (s *Store) PutDevice(d *model.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = clone(d)
}

func (s *Store) LoadMedium(_ context.Context, id model.MediumID) (*model.Medium, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.media[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(m), nil
}

func (s *Store) SaveMedium(_ context.Context, m *model.Medium) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media[m.ID] = clone(m)
	return nil
}

func (s *Store) LoadDevice(_ context.Context, id model.DeviceID) (*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(d), nil
}

func (s *Store) SaveDevice(_ context.Context, d *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = clone(d)
	return nil
}

func (s *Store) ListDevices(_ context.Context) ([]*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, clone(d))
	}
	return out, nil
}

func (s *Store) ListMedia(_ context.Context, family model.ResourceFamily) ([]*model.Medium, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Medium
	for _, m := range s.media {
		if m.ID.Family == family {
			out = append(out, clone(m))
		}
	}
	return out, nil
}

func (s *Store) LockMedium(_ context.Context, id model.MediumID) error {
	return s.setLock("medium/"+string(id.Family)+"/"+id.Library+"/"+id.Name, true)
}

func (s *Store) UnlockMedium(_ context.Context, id model.MediumID) error {
	return s.setLock("medium/"+string(id.Family)+"/"+id.Library+"/"+id.Name, false)
}

func (s *Store) LockDevice(_ context.Context, id model.DeviceID) error {
	return s.setLock("device/"+string(id.Family)+"/"+id.Library+"/"+id.Name, true)
}

func (s *Store) UnlockDevice(_ context.Context, id model.DeviceID) error {
	return s.setLock("device/"+string(id.Family)+"/"+id.Library+"/"+id.Name, false)
}

func (s *Store) setLock(key string, held bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held {
		s.locks[key] = true
	} else {
		delete(s.locks, key)
	}
	return nil
}

// IsLocked is a test helper exposing lock state for assertions.
func (s *Store) IsLocked(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locks[key]
}

func (s *Store) AppendAuditLog(_ context.Context, action store.AuditAction, subject string, outcome error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, auditEntry{Action: action, Subject: subject, Err: outcome})
}

// AuditLen is a test helper returning the number of audit entries recorded.
func (s *Store) AuditLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audit)
}

func (s *Store) Close() error { return nil }

var _ store.Store = (*Store)(nil)
