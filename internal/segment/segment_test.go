package segment

import (
	"context"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulodb/cumulo/attrs"
	"github.com/cumulodb/cumulo/distance"
	"github.com/cumulodb/cumulo/internal/cache"
	"github.com/cumulodb/cumulo/internal/codec"
	"github.com/cumulodb/cumulo/internal/hnsw"
	"github.com/cumulodb/cumulo/internal/manifest"
	"github.com/cumulodb/cumulo/internal/resource"
	"github.com/cumulodb/cumulo/model"
	"github.com/cumulodb/cumulo/objstore"
)

func testConfig(dim int) manifest.Config {
	return manifest.Config{Dimension: dim, Metric: distance.MetricL2}
}

// makeRecords returns n records with even ids 2, 4, ... so tests can probe
// absent odd ids, with categories cycling a, b, c.
func makeRecords(rng *rand.Rand, n, dim int) []model.Record {
	categories := []string{"a", "b", "c"}
	recs := make([]model.Record, n)
	for i := range recs {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		recs[i] = model.Record{
			ID:     uint64(2*i + 2),
			Vector: v,
			Attrs: attrs.Map{
				"category": attrs.String(categories[i%3]),
				"rank":     attrs.Int(int64(i)),
			},
		}
	}
	return recs
}

func bruteSearch(query []float32, recs []model.Record, k int, filter *attrs.FilterSet) []model.Candidate {
	var out []model.Candidate
	for _, rec := range recs {
		if filter != nil && !filter.Matches(rec.Attrs) {
			continue
		}
		out = append(out, model.Candidate{ID: rec.ID, Distance: distance.SquaredL2(query, rec.Vector), Attrs: rec.Attrs})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func writeSegment(t *testing.T, store objstore.Store, cfg manifest.Config, recs []model.Record, deleted *roaring64.Bitmap, opts WriteOptions) manifest.SegmentInfo {
	t.Helper()
	info, err := Write(context.Background(), store, nil, NewKey("ns"), cfg, recs, deleted, opts)
	require.NoError(t, err)
	info.ID = 1
	return info
}

func openReader(t *testing.T, store objstore.Store, cfg manifest.Config, info manifest.SegmentInfo) *Reader {
	t.Helper()
	gov := resource.NewGovernor(resource.Config{})
	r, err := Open(context.Background(), store, cache.New(1<<22, gov), gov, cfg, info)
	require.NoError(t, err)
	return r
}

func TestWriteValidation(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	cfg := testConfig(4)
	vec := []float32{1, 2, 3, 4}

	t.Run("nothing to write", func(t *testing.T) {
		_, err := Write(ctx, store, nil, NewKey("ns"), cfg, nil, nil, WriteOptions{})
		require.Error(t, err)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		recs := []model.Record{{ID: 1, Vector: []float32{1, 2}}}
		_, err := Write(ctx, store, nil, NewKey("ns"), cfg, recs, nil, WriteOptions{})
		require.ErrorContains(t, err, "dimension")
	})

	t.Run("ids must ascend", func(t *testing.T) {
		recs := []model.Record{{ID: 5, Vector: vec}, {ID: 4, Vector: vec}}
		_, err := Write(ctx, store, nil, NewKey("ns"), cfg, recs, nil, WriteOptions{})
		require.ErrorContains(t, err, "ascending")
	})

	t.Run("duplicate id", func(t *testing.T) {
		recs := []model.Record{{ID: 5, Vector: vec}, {ID: 5, Vector: vec}}
		_, err := Write(ctx, store, nil, NewKey("ns"), cfg, recs, nil, WriteOptions{})
		require.ErrorContains(t, err, "ascending")
	})

	t.Run("live id in deleted set", func(t *testing.T) {
		recs := []model.Record{{ID: 5, Vector: vec}}
		deleted := roaring64.New()
		deleted.Add(5)
		_, err := Write(ctx, store, nil, NewKey("ns"), cfg, recs, deleted, WriteOptions{})
		require.ErrorContains(t, err, "both live and deleted")
	})
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	cfg := testConfig(8)
	rng := rand.New(rand.NewPCG(7, 12))
	recs := makeRecords(rng, 400, 8)
	recs[10].Attrs = nil // rows without attributes must round-trip as nil

	deleted := roaring64.New()
	for _, id := range []uint64{1, 3, 777} {
		deleted.Add(id)
	}

	info := writeSegment(t, store, cfg, recs, deleted, WriteOptions{RowsPerBlock: 64, Index: hnsw.Config{Seed: 42}})
	assert.Equal(t, uint64(2), info.MinID)
	assert.Equal(t, uint64(800), info.MaxID)
	assert.Equal(t, uint32(400), info.Count)
	assert.Equal(t, uint32(3), info.Tombstones)

	obj, _, err := store.Get(ctx, info.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(len(obj)), info.Bytes)

	r := openReader(t, store, cfg, info)
	defer r.Close()

	assert.Equal(t, 400, r.Count())
	assert.Equal(t, model.SegmentID(1), r.ID())
	assert.Equal(t, info.Key, r.Key())
	assert.Equal(t, info, r.Info())
	assert.Equal(t, uint64(3), r.Deleted().GetCardinality())
	assert.Equal(t, uint64(403), r.Shadow().GetCardinality())
	assert.True(t, r.Shadow().Contains(777))
	assert.True(t, r.Shadow().Contains(2))

	t.Run("get live rows", func(t *testing.T) {
		// First and last row of a block, plus the short tail block.
		for _, i := range []int{0, 63, 64, 200, 399} {
			rec, found, del, err := r.Get(ctx, recs[i].ID)
			require.NoError(t, err)
			require.True(t, found, "id %d", recs[i].ID)
			assert.False(t, del)
			assert.Equal(t, recs[i], rec)
		}
	})

	t.Run("get deleted id", func(t *testing.T) {
		_, found, del, err := r.Get(ctx, 777)
		require.NoError(t, err)
		assert.False(t, found)
		assert.True(t, del)
	})

	t.Run("get unknown id", func(t *testing.T) {
		for _, id := range []uint64{0, 9, 801, 1 << 40} {
			_, found, del, err := r.Get(ctx, id)
			require.NoError(t, err)
			assert.False(t, found, "id %d", id)
			assert.False(t, del, "id %d", id)
		}
	})
}

func TestSearchMatchesBruteForce(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	cfg := testConfig(8)
	rng := rand.New(rand.NewPCG(3, 9))
	recs := makeRecords(rng, 400, 8)

	info := writeSegment(t, store, cfg, recs, nil, WriteOptions{RowsPerBlock: 64, Index: hnsw.Config{Seed: 42}})
	r := openReader(t, store, cfg, info)
	defer r.Close()
	require.NotZero(t, r.layout.graph.n, "400 rows must build a graph")

	// EF covering every row makes the graph search exact.
	for q := 0; q < 20; q++ {
		query := make([]float32, 8)
		for j := range query {
			query[j] = rng.Float32()*2 - 1
		}
		want := bruteSearch(query, recs, 10, nil)
		got, err := r.Search(ctx, query, SearchParams{K: 10, EF: 400})
		require.NoError(t, err)
		assert.Equal(t, want, got, "query %d", q)
	}
}

func TestSearchScanPath(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	cfg := testConfig(8)
	rng := rand.New(rand.NewPCG(21, 5))
	recs := makeRecords(rng, 100, 8)

	info := writeSegment(t, store, cfg, recs, nil, WriteOptions{RowsPerBlock: 32})
	r := openReader(t, store, cfg, info)
	defer r.Close()
	require.Zero(t, r.layout.graph.n, "100 rows stay below the graph threshold")

	query := recs[37].Vector

	t.Run("exact results", func(t *testing.T) {
		want := bruteSearch(query, recs, 10, nil)
		got, err := r.Search(ctx, query, SearchParams{K: 10})
		require.NoError(t, err)
		require.Equal(t, want, got)
		assert.Equal(t, recs[37].ID, got[0].ID)
		assert.Zero(t, got[0].Distance)
	})

	t.Run("k beyond rows", func(t *testing.T) {
		got, err := r.Search(ctx, query, SearchParams{K: 500})
		require.NoError(t, err)
		assert.Len(t, got, 100)
	})

	t.Run("filtered scan", func(t *testing.T) {
		filter := attrs.NewFilterSet(attrs.Filter{Field: "category", Operator: attrs.OpEqual, Value: attrs.String("b")})
		want := bruteSearch(query, recs, 10, filter)
		got, err := r.Search(ctx, query, SearchParams{K: 10, Filter: filter})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestSearchFilter(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	cfg := testConfig(8)
	rng := rand.New(rand.NewPCG(8, 8))
	recs := makeRecords(rng, 400, 8)
	// Make a handful of rows rare enough that over-fetch must escalate to
	// the whole segment.
	for _, i := range []int{50, 180, 333} {
		recs[i].Attrs["category"] = attrs.String("rare")
	}

	info := writeSegment(t, store, cfg, recs, nil, WriteOptions{RowsPerBlock: 64, Index: hnsw.Config{Seed: 42}})
	r := openReader(t, store, cfg, info)
	defer r.Close()

	query := make([]float32, 8)
	for j := range query {
		query[j] = rng.Float32()*2 - 1
	}

	t.Run("common filter", func(t *testing.T) {
		filter := attrs.NewFilterSet(attrs.Filter{Field: "category", Operator: attrs.OpEqual, Value: attrs.String("b")})
		want := bruteSearch(query, recs, 10, filter)
		got, err := r.Search(ctx, query, SearchParams{K: 10, EF: 400, Filter: filter})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("selective filter returns what exists", func(t *testing.T) {
		filter := attrs.NewFilterSet(attrs.Filter{Field: "category", Operator: attrs.OpEqual, Value: attrs.String("rare")})
		got, err := r.Search(ctx, query, SearchParams{K: 10, EF: 400, Filter: filter})
		require.NoError(t, err)
		require.Len(t, got, 3, "three matching rows exist")
		assert.Equal(t, bruteSearch(query, recs, 10, filter), got)
	})

	t.Run("filter excludes everything", func(t *testing.T) {
		filter := attrs.NewFilterSet(attrs.Filter{Field: "category", Operator: attrs.OpEqual, Value: attrs.String("nope")})
		got, err := r.Search(ctx, query, SearchParams{K: 10, EF: 400, Filter: filter})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestSearchFallsBackWhenGraphMemoryDenied(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	cfg := testConfig(8)
	rng := rand.New(rand.NewPCG(14, 2))
	recs := makeRecords(rng, 400, 8)

	info := writeSegment(t, store, cfg, recs, nil, WriteOptions{RowsPerBlock: 64, Index: hnsw.Config{Seed: 42}})

	gov := resource.NewGovernor(resource.Config{MemoryLimitBytes: 1})
	r, err := Open(ctx, store, cache.New(1<<22, gov), gov, cfg, info)
	require.NoError(t, err)
	defer r.Close()
	require.NotZero(t, r.layout.graph.n)

	query := recs[0].Vector
	got, err := r.Search(ctx, query, SearchParams{K: 10})
	require.NoError(t, err)
	assert.Equal(t, bruteSearch(query, recs, 10, nil), got)
	assert.Nil(t, r.graph, "denied graph must not be pinned")
}

func TestGraphMemoryAccounting(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	cfg := testConfig(8)
	rng := rand.New(rand.NewPCG(6, 13))
	recs := makeRecords(rng, 300, 8)

	info := writeSegment(t, store, cfg, recs, nil, WriteOptions{Index: hnsw.Config{Seed: 9}})

	gov := resource.NewGovernor(resource.Config{})
	blocks := cache.New(1<<22, gov)
	r, err := Open(ctx, store, blocks, gov, cfg, info)
	require.NoError(t, err)

	_, err = r.Search(ctx, recs[0].Vector, SearchParams{K: 5})
	require.NoError(t, err)
	withGraph := gov.MemoryUsage()
	assert.Positive(t, withGraph)

	r.Close()
	assert.Less(t, gov.MemoryUsage(), withGraph, "close must release the graph reservation")

	blocks.EvictAll()
	assert.Zero(t, gov.MemoryUsage())
}

func TestDeleteOnlySegment(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	cfg := testConfig(4)

	deleted := roaring64.New()
	for _, id := range []uint64{10, 20, 30} {
		deleted.Add(id)
	}

	info := writeSegment(t, store, cfg, nil, deleted, WriteOptions{})
	assert.Zero(t, info.Count)
	assert.Equal(t, uint32(3), info.Tombstones)

	r := openReader(t, store, cfg, info)
	defer r.Close()

	assert.Zero(t, r.Count())
	assert.Equal(t, uint64(3), r.Shadow().GetCardinality())

	_, found, del, err := r.Get(ctx, 20)
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, del)

	got, err := r.Search(ctx, []float32{1, 2, 3, 4}, SearchParams{K: 5})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCompressionRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(8)
	rng := rand.New(rand.NewPCG(4, 4))
	recs := makeRecords(rng, 50, 8)

	for name, opts := range map[string]WriteOptions{
		"lz4":  {RowsPerBlock: 16},
		"zstd": {RowsPerBlock: 16, Compression: codec.Zstd},
	} {
		t.Run(name, func(t *testing.T) {
			store := objstore.NewMemoryStore()
			info := writeSegment(t, store, cfg, recs, nil, opts)
			r := openReader(t, store, cfg, info)
			defer r.Close()

			rec, found, _, err := r.Get(ctx, recs[25].ID)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, recs[25], rec)

			got, err := r.Search(ctx, recs[25].Vector, SearchParams{K: 3})
			require.NoError(t, err)
			assert.Equal(t, bruteSearch(recs[25].Vector, recs, 3, nil), got)
		})
	}
}

func TestIterate(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	cfg := testConfig(8)
	rng := rand.New(rand.NewPCG(19, 1))
	recs := makeRecords(rng, 150, 8)
	recs[3].Attrs = nil

	info := writeSegment(t, store, cfg, recs, nil, WriteOptions{RowsPerBlock: 32})
	r := openReader(t, store, cfg, info)
	defer r.Close()

	var got []model.Record
	require.NoError(t, r.Iterate(ctx, func(rec model.Record) error {
		got = append(got, rec)
		return nil
	}))
	assert.Equal(t, recs, got)

	stats := r.fetcher.Cache().Stats()
	assert.Zero(t, stats.Entries, "bulk iteration must not populate the cache")

	t.Run("callback error stops iteration", func(t *testing.T) {
		calls := 0
		err := r.Iterate(ctx, func(model.Record) error {
			calls++
			return context.Canceled
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestTinyCacheStillCorrect(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	cfg := testConfig(8)
	rng := rand.New(rand.NewPCG(30, 7))
	recs := makeRecords(rng, 400, 8)

	info := writeSegment(t, store, cfg, recs, nil, WriteOptions{RowsPerBlock: 64, Index: hnsw.Config{Seed: 42}})

	// A cache too small to hold a single block forces a fetch per access.
	gov := resource.NewGovernor(resource.Config{})
	r, err := Open(ctx, store, cache.New(16, gov), gov, cfg, info)
	require.NoError(t, err)
	defer r.Close()

	for q := 0; q < 5; q++ {
		query := make([]float32, 8)
		for j := range query {
			query[j] = rng.Float32()*2 - 1
		}
		got, err := r.Search(ctx, query, SearchParams{K: 10, EF: 400})
		require.NoError(t, err)
		assert.Equal(t, bruteSearch(query, recs, 10, nil), got)
	}

	rec, found, _, err := r.Get(ctx, recs[123].ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, recs[123], rec)
}

func TestOpenRejectsCorruption(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(8)
	rng := rand.New(rand.NewPCG(2, 2))
	recs := makeRecords(rng, 300, 8)

	newStore := func(t *testing.T) (objstore.Store, manifest.SegmentInfo, []byte) {
		t.Helper()
		store := objstore.NewMemoryStore()
		info := writeSegment(t, store, cfg, recs, nil, WriteOptions{RowsPerBlock: 64, Index: hnsw.Config{Seed: 42}})
		obj, _, err := store.Get(ctx, info.Key)
		require.NoError(t, err)
		return store, info, obj
	}
	open := func(store objstore.Store, cfg manifest.Config, info manifest.SegmentInfo) error {
		gov := resource.NewGovernor(resource.Config{})
		_, err := Open(ctx, store, cache.New(1<<22, gov), gov, cfg, info)
		return err
	}

	t.Run("missing object", func(t *testing.T) {
		store, info, _ := newStore(t)
		info.Key = "ns/segments/gone"
		err := open(store, cfg, info)
		require.ErrorIs(t, err, model.ErrCorruptSegment)
	})

	t.Run("namespace dimension mismatch", func(t *testing.T) {
		store, info, _ := newStore(t)
		bad := cfg
		bad.Dimension = 16
		require.ErrorIs(t, open(store, bad, info), model.ErrCorruptSegment)
	})

	t.Run("namespace metric mismatch", func(t *testing.T) {
		store, info, _ := newStore(t)
		bad := cfg
		bad.Metric = distance.MetricCosine
		require.ErrorIs(t, open(store, bad, info), model.ErrCorruptSegment)
	})

	t.Run("catalog count mismatch", func(t *testing.T) {
		store, info, _ := newStore(t)
		info.Count++
		require.ErrorIs(t, open(store, cfg, info), model.ErrCorruptSegment)
	})

	t.Run("catalog bytes mismatch", func(t *testing.T) {
		store, info, _ := newStore(t)
		info.Bytes++
		require.ErrorIs(t, open(store, cfg, info), model.ErrCorruptSegment)
	})

	t.Run("bad magic", func(t *testing.T) {
		store, info, obj := newStore(t)
		bad := append([]byte{}, obj...)
		bad[0] ^= 0xff
		_, err := store.Put(ctx, info.Key, bad)
		require.NoError(t, err)
		require.ErrorIs(t, open(store, cfg, info), model.ErrCorruptSegment)
	})

	t.Run("section table bit flip", func(t *testing.T) {
		store, info, obj := newStore(t)
		bad := append([]byte{}, obj...)
		bad[headerSize+2] ^= 1
		_, err := store.Put(ctx, info.Key, bad)
		require.NoError(t, err)
		require.ErrorIs(t, open(store, cfg, info), model.ErrCorruptSegment)
	})

	t.Run("rows bitmap bit flip", func(t *testing.T) {
		store, info, obj := newStore(t)
		l, tableLen, sum, err := decodeHeader(obj)
		require.NoError(t, err)
		require.NoError(t, l.decodeTable(obj[headerSize:headerSize+tableLen], sum))

		bad := append([]byte{}, obj...)
		bad[l.rows.off+13] ^= 1
		_, err = store.Put(ctx, info.Key, bad)
		require.NoError(t, err)
		require.ErrorIs(t, open(store, cfg, info), model.ErrCorruptSegment)
	})

	t.Run("truncated into bitmaps", func(t *testing.T) {
		store, info, obj := newStore(t)
		_, err := store.Put(ctx, info.Key, obj[:headerSize+64])
		require.NoError(t, err)
		require.ErrorIs(t, open(store, cfg, info), model.ErrCorruptSegment)
	})
}

func TestBlockCorruptionSurfacesOnRead(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(8)
	rng := rand.New(rand.NewPCG(17, 3))
	recs := makeRecords(rng, 100, 8)

	store := objstore.NewMemoryStore()
	info := writeSegment(t, store, cfg, recs, nil, WriteOptions{RowsPerBlock: 32})
	obj, _, err := store.Get(ctx, info.Key)
	require.NoError(t, err)

	// Resident state stays intact; only a vector block payload is flipped,
	// so the damage must surface on first access, as a segment corruption.
	r := openReader(t, store, cfg, info)
	defer r.Close()

	bad := append([]byte{}, obj...)
	bad[r.layout.vecBlocks[1].off+13] ^= 1
	_, err = store.Put(ctx, info.Key, bad)
	require.NoError(t, err)

	_, err = r.Search(ctx, recs[0].Vector, SearchParams{K: 5})
	require.ErrorIs(t, err, model.ErrCorruptSegment)

	var cerr *model.CorruptSegmentError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, info.Key, cerr.Key)

	_, _, _, err = r.Get(ctx, recs[40].ID)
	require.ErrorIs(t, err, model.ErrCorruptSegment)
}

func TestTruncatedGraphSurfacesOnSearch(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(8)
	rng := rand.New(rand.NewPCG(9, 27))
	recs := makeRecords(rng, 300, 8)

	store := objstore.NewMemoryStore()
	info := writeSegment(t, store, cfg, recs, nil, WriteOptions{RowsPerBlock: 64, Index: hnsw.Config{Seed: 42}})
	obj, _, err := store.Get(ctx, info.Key)
	require.NoError(t, err)

	// The graph sits at the object tail. Cutting into it leaves Open and
	// point reads working; only graph residency fails.
	r := openReader(t, store, cfg, info)
	defer r.Close()
	require.NotZero(t, r.layout.graph.n)

	truncated := obj[:r.layout.graph.off+4]
	_, err = store.Put(ctx, info.Key, truncated)
	require.NoError(t, err)
	// The catalog byte count no longer matches, which a fresh Open would
	// catch; this reader already validated and goes straight to the graph.

	_, err = r.Search(ctx, recs[0].Vector, SearchParams{K: 5})
	require.ErrorIs(t, err, model.ErrCorruptSegment)

	rec, found, _, err := r.Get(ctx, recs[10].ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, recs[10], rec)
}
