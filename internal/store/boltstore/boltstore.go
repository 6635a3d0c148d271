// Package boltstore is the default store.Store implementation, a thin
// wrapper around a single bbolt database file. It is grounded on
// rclone's backend/cache persistent-store shape: one bucket per table
// (devices, media, locks, audit log), JSON-encoded records, keyed by a
// stringified model ID, with a package-level open-by-path singleton so
// two callers asking for the same database file share one *bolt.DB
// (backend/cache/storage_persistent.go's boltMap/GetPersistent).
package boltstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tapeforge/lrs/internal/model"
	"github.com/tapeforge/lrs/internal/store"
)

const (
	bucketDevices = "devices"
	bucketMedia   = "media"
	bucketLocks   = "locks"
	bucketAudit   = "audit_log"
)

var (
	openMu sync.Mutex
	open   = make(map[string]*Store)
)

// Store is a bbolt-backed store.Store.
type Store struct {
	path string
	db   *bolt.DB
	log  *logrus.Entry

	mu   sync.Mutex
	refs int
}

// Open returns the Store for path, opening the underlying database file
// on first use and sharing it across subsequent Opens of the same path.
func Open(path string) (*Store, error) {
	openMu.Lock()
	defer openMu.Unlock()

	if s, ok := open[path]; ok {
		s.mu.Lock()
		s.refs++
		s.mu.Unlock()
		return s, nil
	}

	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "boltstore: failed to open %q", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketDevices, bucketMedia, bucketLocks, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "boltstore: failed to initialise buckets in %q", path)
	}

	s := &Store{
		path: path,
		db:   db,
		log:  logrus.WithField("component", "boltstore").WithField("path", path),
		refs: 1,
	}
	open[path] = s
	return s, nil
}

func mediumKey(id model.MediumID) []byte {
	return []byte(string(id.Family) + "/" + id.Library + "/" + id.Name)
}

func deviceKey(id model.DeviceID) []byte {
	return []byte(string(id.Family) + "/" + id.Library + "/" + id.Name)
}

func (s *Store) LoadMedium(_ context.Context, id model.MediumID) (*model.Medium, error) {
	m := &model.Medium{}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketMedia)).Get(mediumKey(id))
		if data == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(data, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) SaveMedium(_ context.Context, m *model.Medium) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "boltstore: marshal medium")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMedia)).Put(mediumKey(m.ID), data)
	})
}

func (s *Store) LoadDevice(_ context.Context, id model.DeviceID) (*model.Device, error) {
	d := &model.Device{}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketDevices)).Get(deviceKey(id))
		if data == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(data, d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) SaveDevice(_ context.Context, d *model.Device) error {
	data, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "boltstore: marshal device")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDevices)).Put(deviceKey(d.ID), data)
	})
}

func (s *Store) ListDevices(_ context.Context) ([]*model.Device, error) {
	var devices []*model.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDevices)).ForEach(func(_, data []byte) error {
			d := &model.Device{}
			if err := json.Unmarshal(data, d); err != nil {
				return err
			}
			devices = append(devices, d)
			return nil
		})
	})
	return devices, err
}

func (s *Store) ListMedia(_ context.Context, family model.ResourceFamily) ([]*model.Medium, error) {
	var media []*model.Medium
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMedia)).ForEach(func(_, data []byte) error {
			m := &model.Medium{}
			if err := json.Unmarshal(data, m); err != nil {
				return err
			}
			if m.ID.Family == family {
				media = append(media, m)
			}
			return nil
		})
	})
	return media, err
}

func (s *Store) LockMedium(_ context.Context, id model.MediumID) error {
	return s.setLock(append([]byte("medium/"), mediumKey(id)...), true)
}

func (s *Store) UnlockMedium(_ context.Context, id model.MediumID) error {
	return s.setLock(append([]byte("medium/"), mediumKey(id)...), false)
}

func (s *Store) LockDevice(_ context.Context, id model.DeviceID) error {
	return s.setLock(append([]byte("device/"), deviceKey(id)...), true)
}

func (s *Store) UnlockDevice(_ context.Context, id model.DeviceID) error {
	return s.setLock(append([]byte("device/"), deviceKey(id)...), false)
}

func (s *Store) setLock(key []byte, held bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLocks))
		if held {
			return b.Put(key, []byte("1"))
		}
		return b.Delete(key)
	})
}

func (s *Store) AppendAuditLog(_ context.Context, action store.AuditAction, subject string, outcome error) {
	entry := struct {
		Action  string `json:"action"`
		Subject string `json:"subject"`
		Error   string `json:"error,omitempty"`
		At      int64  `json:"at"`
	}{
		Action:  string(action),
		Subject: subject,
		At:      time.Now().UnixNano(),
	}
	if outcome != nil {
		entry.Error = outcome.Error()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		s.log.WithError(err).Error("failed to marshal audit log entry")
		return
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAudit))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
	if err != nil {
		s.log.WithError(err).WithField("action", action).Error("failed to append audit log entry")
	}
}

func (s *Store) Close() error {
	openMu.Lock()
	defer openMu.Unlock()

	s.mu.Lock()
	s.refs--
	remaining := s.refs
	s.mu.Unlock()

	if remaining > 0 {
		return nil
	}
	delete(open, s.path)
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

var _ store.Store = (*Store)(nil)
