// Package mediacache is the thread-safe, refcounted identity map for
// medium records (component A). It is grounded on rclone's fs/cache
// Get/Pin-until-finalized idea and backend/cache/storage_persistent.go's
// backing-store access pattern, reworked into an explicit refcount:
// Go has no reliable finalizer to hook a hot path to, so acquire/release
// are the only means of count change, matching the invariant that a
// record is never destroyed while a holder has not released it.
package mediacache

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/tapeforge/lrs/internal/model"
	"github.com/tapeforge/lrs/internal/store"
)

// entry is one cache slot. A Handle never looks entries up by id again
// once it holds one, so release is O(1) regardless of which table (current
// or stale) the entry currently lives in.
type entry struct {
	id    model.MediumID
	mu    sync.Mutex
	value *model.Medium
	refs  int32
}

// Cache is the dual-table medium cache: current holds the canonical
// entry per id, stale holds entries demoted by Insert whose holders have
// not yet all released. Either table's entry may drop to a zero refcount
// independently; only a stale entry is actually removed on reaching zero,
// since the current entry must remain addressable for the next acquire.
type Cache struct {
	store store.Store

	mu      sync.RWMutex
	current map[model.MediumID]*entry
	stale   map[*entry]struct{}

	sf singleflight.Group
}

// New returns a Cache reading misses through st.
func New(st store.Store) *Cache {
	return &Cache{
		store:   st,
		current: make(map[model.MediumID]*entry),
		stale:   make(map[*entry]struct{}),
	}
}

// Handle is a shared reference to one cached medium record.
type Handle struct {
	cache *Cache
	e     *entry
}

// Medium returns the underlying record. Callers must hold Lock while
// mutating it; the Medium itself carries no lock of its own.
func (h *Handle) Medium() *model.Medium { return h.e.value }

// ID returns the handle's medium id.
func (h *Handle) ID() model.MediumID { return h.e.id }

// Lock serializes mutation of the underlying Medium against other
// holders of the same cache slot.
func (h *Handle) Lock() { h.e.mu.Lock() }

// Unlock releases the lock taken by Lock.
func (h *Handle) Unlock() { h.e.mu.Unlock() }

// Release drops this handle's reference. The backing entry is destroyed
// only once its refcount reaches zero and it is no longer the current
// entry for its id (refcount-safety, partial-release-exclusion do not
// apply here — this is the cache's own invariant, spec.md §8).
func (h *Handle) Release() {
	h.cache.release(h.e)
}

// Acquire returns a shared reference to id, building the record from the
// backing store on first use. Concurrent first-acquires of the same id
// collapse into a single store read via singleflight — the idiomatic
// replacement for "take the read lock, upgrade to write on miss, recheck".
func (c *Cache) Acquire(ctx context.Context, id model.MediumID) (*Handle, error) {
	c.mu.RLock()
	e, ok := c.current[id]
	c.mu.RUnlock()
	if ok {
		atomic.AddInt32(&e.refs, 1)
		return &Handle{cache: c, e: e}, nil
	}

	v, err, _ := c.sf.Do(sfKey(id), func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if e, ok := c.current[id]; ok {
			return e, nil
		}
		m, err := c.store.LoadMedium(ctx, id)
		if err != nil {
			return nil, err
		}
		e := &entry{id: id, value: m}
		c.current[id] = e
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	e = v.(*entry)
	atomic.AddInt32(&e.refs, 1)
	return &Handle{cache: c, e: e}, nil
}

// Insert publishes an externally built record, returning a reference to
// it. If one is already current for id, the old entry is demoted to the
// stale table; references already held to it remain valid until released.
func (c *Cache) Insert(id model.MediumID, value *model.Medium) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.current[id]; ok {
		c.stale[old] = struct{}{}
	}
	e := &entry{id: id, value: value, refs: 1}
	c.current[id] = e
	return &Handle{cache: c, e: e}
}

func (c *Cache) release(e *entry) {
	if left := atomic.AddInt32(&e.refs, -1); left > 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current[e.id] == e {
		// Still the canonical entry: a refcount of zero here just means
		// nobody currently holds it, not that it's unreachable.
		return
	}
	delete(c.stale, e)
}

func sfKey(id model.MediumID) string {
	return string(id.Family) + "/" + id.Library + "/" + id.Name
}
