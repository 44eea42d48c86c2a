package wal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulodb/cumulo/objstore"
)

// gatedStore blocks the first PutIf until released so appends can pile up
// behind the in-flight upload.
type gatedStore struct {
	objstore.Store
	arrived chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStore(inner objstore.Store) *gatedStore {
	return &gatedStore{
		Store:   inner,
		arrived: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedStore) PutIf(ctx context.Context, key string, data []byte, expected objstore.Version) (objstore.Version, error) {
	g.once.Do(func() {
		close(g.arrived)
		<-g.release
	})
	return g.Store.PutIf(ctx, key, data, expected)
}

func (w *Writer) queuedForTest() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func TestGroupCommitCoalesces(t *testing.T) {
	mem := objstore.NewMemoryStore()
	gated := newGatedStore(mem)
	w := NewWriter(gated, "wal", 1, nil, DefaultOptions())

	ctx := context.Background()
	var wg sync.WaitGroup
	appendOne := func(id uint64) {
		defer wg.Done()
		_, _, err := w.Append(ctx, []Entry{insertEntry(id, float32(id))})
		assert.NoError(t, err)
	}

	wg.Add(1)
	go appendOne(1)
	<-gated.arrived // first object is in flight

	wg.Add(3)
	go appendOne(2)
	go appendOne(3)
	go appendOne(4)

	require.Eventually(t, func() bool { return w.queuedForTest() == 3 },
		time.Second, time.Millisecond, "later appends must queue behind the upload")

	close(gated.release)
	wg.Wait()
	require.NoError(t, w.Close())

	// One object for the first append, one merged object for the rest.
	keys, err := mem.List(ctx, "wal/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	entries := collectReplay(t, mem, "wal", 1)
	require.Len(t, entries, 4)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
}

func TestGroupCommitHonorsEntryCap(t *testing.T) {
	mem := objstore.NewMemoryStore()
	gated := newGatedStore(mem)

	opts := DefaultOptions()
	opts.MaxBatchEntries = 2
	w := NewWriter(gated, "wal", 1, nil, opts)

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, err := w.Append(ctx, []Entry{insertEntry(1, 1)})
		assert.NoError(t, err)
	}()
	<-gated.arrived

	wg.Add(3)
	for id := uint64(2); id <= 4; id++ {
		go func() {
			defer wg.Done()
			_, _, err := w.Append(ctx, []Entry{insertEntry(id, float32(id))})
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return w.queuedForTest() == 3 },
		time.Second, time.Millisecond)

	close(gated.release)
	wg.Wait()
	require.NoError(t, w.Close())

	// First object alone, then the three queued appends split 2+1.
	keys, err := mem.List(ctx, "wal/")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	entries := collectReplay(t, mem, "wal", 1)
	require.Len(t, entries, 4)
}

func TestOnCommitObservesObjectsInOrder(t *testing.T) {
	mem := objstore.NewMemoryStore()

	var mu sync.Mutex
	var seqs []uint64
	opts := DefaultOptions()
	opts.OnCommit = func(entries []Entry) {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range entries {
			seqs = append(seqs, e.Seq)
		}
	}

	w := NewWriter(mem, "wal", 1, nil, opts)
	ctx := context.Background()

	_, _, err := w.Append(ctx, []Entry{insertEntry(1, 1), insertEntry(2, 2)})
	require.NoError(t, err)

	// OnCommit runs before the append is acknowledged.
	mu.Lock()
	assert.Equal(t, []uint64{1, 2}, seqs)
	mu.Unlock()

	_, _, err = w.Append(ctx, []Entry{deleteEntry(1)})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	mu.Lock()
	assert.Equal(t, []uint64{1, 2, 3}, seqs, "commit callbacks arrive in sequence order")
	mu.Unlock()
}
