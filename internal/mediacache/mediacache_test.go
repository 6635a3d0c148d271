package mediacache

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeforge/lrs/internal/model"
	"github.com/tapeforge/lrs/internal/store/memstore"
)

func newFixture(t *testing.T) (*Cache, *memstore.Store, model.MediumID) {
	t.Helper()
	st := memstore.New()
	id := model.MediumID{Family: model.FamilyTape, Name: "VOL001", Library: "lib0"}
	st.PutMedium(&model.Medium{ID: id, Health: model.HealthMax})
	return New(st), st, id
}

func TestAcquireBuildsFromStoreOnFirstUse(t *testing.T) {
	c, _, id := newFixture(t)
	h, err := c.Acquire(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, h.ID())
	assert.Equal(t, model.HealthMax, h.Medium().Health)
}

func TestAcquireMissingMediumErrors(t *testing.T) {
	c, _, _ := newFixture(t)
	_, err := c.Acquire(context.Background(), model.MediumID{Name: "nope"})
	assert.Error(t, err)
}

func TestAcquireSharesEntryAcrossCallers(t *testing.T) {
	c, _, id := newFixture(t)
	h1, err := c.Acquire(context.Background(), id)
	require.NoError(t, err)
	h2, err := c.Acquire(context.Background(), id)
	require.NoError(t, err)
	assert.Same(t, h1.e, h2.e)
}

func TestConcurrentFirstAcquiresCollapseToOneLoad(t *testing.T) {
	c, st, id := newFixture(t)
	const n = 50
	var wg sync.WaitGroup
	handles := make([]*Handle, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.Acquire(context.Background(), id)
			require.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()
	for _, h := range handles {
		assert.Same(t, handles[0].e, h.e)
	}
	assert.Equal(t, int32(n), handles[0].e.refs)
	_ = st
}

func TestReleaseDoesNotDestroyCurrentEntryAtZeroRefs(t *testing.T) {
	c, _, id := newFixture(t)
	h, err := c.Acquire(context.Background(), id)
	require.NoError(t, err)
	h.Release()
	assert.Equal(t, int32(0), h.e.refs)

	h2, err := c.Acquire(context.Background(), id)
	require.NoError(t, err)
	assert.Same(t, h.e, h2.e)
}

func TestInsertDemotesOldEntryAndKeepsItAliveForHolders(t *testing.T) {
	c, _, id := newFixture(t)
	old, err := c.Acquire(context.Background(), id)
	require.NoError(t, err)

	replacement := &model.Medium{ID: id, Health: 1}
	fresh := c.Insert(id, replacement)
	assert.NotSame(t, old.e, fresh.e)

	// old holder's data is still coherent
	assert.Equal(t, model.HealthMax, old.Medium().Health)

	_, inStale := c.stale[old.e]
	assert.True(t, inStale)

	old.Release()
	_, stillInStale := c.stale[old.e]
	assert.False(t, stillInStale)
}

func TestLockSerializesMutation(t *testing.T) {
	c, _, id := newFixture(t)
	h, err := c.Acquire(context.Background(), id)
	require.NoError(t, err)

	h.Lock()
	h.Medium().RecordFailure()
	h.Unlock()

	assert.Equal(t, model.HealthMax-1, h.Medium().Health)
}
