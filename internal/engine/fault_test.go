package engine

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulodb/cumulo/internal/manifest"
	"github.com/cumulodb/cumulo/model"
	"github.com/cumulodb/cumulo/objstore"
)

// corruptSegmentObject rewrites the tail three quarters of the only segment
// object under prefix. The resident header and table survive, so the damage
// is only visible once a query fetches blocks.
func corruptSegmentObject(t *testing.T, store objstore.Store, prefix string) string {
	t.Helper()
	ctx := context.Background()
	keys, err := store.List(ctx, prefix+"/segments/")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	obj, _, err := store.Get(ctx, keys[0])
	require.NoError(t, err)
	bad := append([]byte{}, obj...)
	for i := len(bad) / 4; i < len(bad); i++ {
		bad[i] ^= 0x5a
	}
	_, err = store.Put(ctx, keys[0], bad)
	require.NoError(t, err)
	return keys[0]
}

func TestSearchQuarantinesCorruptSegment(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	createNamespace(t, store, "ns/quar", 8)
	e := openTestEngine(t, store, "ns/quar", nil)

	rng := rand.New(rand.NewPCG(14, 14))
	recs := makeRecords(rng, 200, 8)
	require.NoError(t, e.InsertBatch(ctx, recs))
	require.NoError(t, e.Flush(ctx))

	corruptSegmentObject(t, store, "ns/quar")

	// The damaged layer is skipped, not served.
	res, err := e.Search(ctx, model.SearchRequest{Vector: queryVec(rng, 8), K: 10, EF: 200})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, 1, res.SkippedSegments)
	assert.Empty(t, res.Hits)

	// The engine takes the segment out of rotation in the background.
	require.Eventually(t, func() bool {
		st := e.Stats()
		return st.QuarantinedSegments == 1 && st.Segments == 0
	}, 5*time.Second, 10*time.Millisecond)

	man, _, err := manifest.NewStore(store, "ns/quar").Load(ctx)
	require.NoError(t, err)
	require.Len(t, man.Segments, 1)
	assert.True(t, man.Segments[0].Quarantined)

	// With the segment out of rotation its rows are simply gone.
	_, err = e.Get(ctx, recs[0].ID)
	require.ErrorIs(t, err, model.ErrNotFound)
	res, err = e.Search(ctx, model.SearchRequest{Vector: queryVec(rng, 8), K: 5})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Empty(t, res.Hits)

	// New writes keep flowing.
	fresh := model.Record{ID: 9001, Vector: queryVec(rng, 8)}
	require.NoError(t, e.Insert(ctx, fresh))
	got, err := e.Get(ctx, 9001)
	require.NoError(t, err)
	assert.Equal(t, fresh.Vector, got.Vector)
}

func TestGetSurfacesCorruption(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	createNamespace(t, store, "ns/getcor", 8)
	e := openTestEngine(t, store, "ns/getcor", nil)

	rng := rand.New(rand.NewPCG(15, 15))
	recs := makeRecords(rng, 200, 8)
	require.NoError(t, e.InsertBatch(ctx, recs))
	require.NoError(t, e.Flush(ctx))

	corruptSegmentObject(t, store, "ns/getcor")

	// A lookup cannot skip the damaged layer: that could resurrect an older
	// version of the id, so the corruption is returned to the caller.
	_, err := e.Get(ctx, recs[5].ID)
	require.ErrorIs(t, err, model.ErrCorruptSegment)

	// The failed lookup still schedules the quarantine.
	require.Eventually(t, func() bool {
		return e.Stats().QuarantinedSegments == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOpenQuarantinesCorruptSegment(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	createNamespace(t, store, "ns/opencor", 8)

	rng := rand.New(rand.NewPCG(16, 16))
	recs := makeRecords(rng, 100, 8)
	e1 := openTestEngine(t, store, "ns/opencor", nil)
	require.NoError(t, e1.InsertBatch(ctx, recs))
	require.NoError(t, e1.Close(ctx))

	// Smash the header so validation fails at open.
	keys, err := store.List(ctx, "ns/opencor/segments/")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	obj, _, err := store.Get(ctx, keys[0])
	require.NoError(t, err)
	bad := append([]byte{}, obj...)
	bad[0] ^= 0xff
	_, err = store.Put(ctx, keys[0], bad)
	require.NoError(t, err)

	e2 := openTestEngine(t, store, "ns/opencor", nil)
	st := e2.Stats()
	assert.Zero(t, st.Segments)
	assert.Equal(t, 1, st.QuarantinedSegments)

	man, _, err := manifest.NewStore(store, "ns/opencor").Load(ctx)
	require.NoError(t, err)
	require.Len(t, man.Segments, 1)
	assert.True(t, man.Segments[0].Quarantined)

	res, err := e2.Search(ctx, model.SearchRequest{Vector: queryVec(rng, 8), K: 5})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Empty(t, res.Hits)
}

func TestConcurrentChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("timing heavy")
	}
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	createNamespace(t, store, "ns/churn", 8)
	e := openTestEngine(t, store, "ns/churn", func(c *Config) {
		c.CompactSmallCount = 2
	})

	rng := rand.New(rand.NewPCG(17, 17))
	anchors := makeRecords(rng, 20, 8)
	for i := range anchors {
		anchors[i].ID += 10000
	}
	require.NoError(t, e.InsertBatch(ctx, anchors))

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() { // upserts over a rolling id range
		defer wg.Done()
		r := rand.New(rand.NewPCG(1, 42))
		next := uint64(0)
		for {
			select {
			case <-stop:
				return
			default:
			}
			batch := make([]model.Record, 10)
			for i := range batch {
				vec := make([]float32, 8)
				for j := range vec {
					vec[j] = r.Float32()
				}
				batch[i] = model.Record{ID: next%500 + 1, Vector: vec}
				next++
			}
			assert.NoError(t, e.InsertBatch(ctx, batch))
		}
	}()

	wg.Add(1)
	go func() { // deletes within the same range
		defer wg.Done()
		r := rand.New(rand.NewPCG(2, 42))
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
			assert.NoError(t, e.Delete(ctx, r.Uint64N(500)+1))
		}
	}()

	wg.Add(1)
	go func() { // flushes
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
			}
			assert.NoError(t, e.Flush(ctx))
		}
	}()

	wg.Add(1)
	go func() { // compactions
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			case <-time.After(15 * time.Millisecond):
			}
			assert.NoError(t, e.Compact(ctx))
		}
	}()

	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(seed uint64) { // concurrent searches
			defer wg.Done()
			r := rand.New(rand.NewPCG(3, seed))
			for {
				select {
				case <-stop:
					return
				default:
				}
				res, err := e.Search(ctx, model.SearchRequest{Vector: queryVec(r, 8), K: 10, EF: 64})
				if !assert.NoError(t, err) {
					return
				}
				assert.False(t, res.Degraded)
				seen := make(map[uint64]bool, len(res.Hits))
				for i, hit := range res.Hits {
					assert.False(t, seen[hit.ID], "duplicate id %d", hit.ID)
					seen[hit.ID] = true
					if i > 0 {
						assert.GreaterOrEqual(t, hit.Distance, res.Hits[i-1].Distance)
					}
				}
			}
		}(uint64(w))
	}

	time.Sleep(300 * time.Millisecond)
	close(stop)
	wg.Wait()

	// The untouched anchor rows survived every flush and compaction.
	for _, rec := range anchors {
		got, err := e.Get(ctx, rec.ID)
		require.NoError(t, err, "anchor %d", rec.ID)
		assert.Equal(t, rec, got)
	}

	// And they are still there after a clean restart.
	require.NoError(t, e.Close(ctx))
	e2 := openTestEngine(t, store, "ns/churn", nil)
	for _, rec := range anchors {
		got, err := e2.Get(ctx, rec.ID)
		require.NoError(t, err, "anchor %d", rec.ID)
		assert.Equal(t, rec, got)
	}
}
