package s3

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulodb/cumulo"
	"github.com/cumulodb/cumulo/objstore"
)

// fakeDDB is an in-memory DynamoDB that interprets the condition
// expressions the commit store emits.
type fakeDDB struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue

	// pageSize forces Query pagination when > 0.
	pageSize int
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{items: make(map[string]map[string]types.AttributeValue)}
}

func ddbItemKey(pk, sk string) string { return pk + "\x00" + sk }

func attrS(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func attrN(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberN); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDDB) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := ddbItemKey(attrS(params.Item, "base_uri"), attrS(params.Item, "obj_key"))
	old, exists := f.items[key]

	if params.ConditionExpression != nil {
		switch cond := aws.ToString(params.ConditionExpression); cond {
		case "attribute_not_exists(base_uri)":
			if exists {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
			}
		case "ver = :exp":
			exp := params.ExpressionAttributeValues[":exp"].(*types.AttributeValueMemberN).Value
			if !exists || attrN(old, "ver") != exp {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
			}
		default:
			return nil, fmt.Errorf("fakeDDB: unexpected condition %q", cond)
		}
	}

	f.items[key] = params.Item
	out := &dynamodb.PutItemOutput{}
	if exists && params.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = old
	}
	return out, nil
}

func (f *fakeDDB) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := ddbItemKey(attrS(params.Key, "base_uri"), attrS(params.Key, "obj_key"))
	if item, ok := f.items[key]; ok {
		return &dynamodb.GetItemOutput{Item: item}, nil
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (f *fakeDDB) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	scope := params.ExpressionAttributeValues[":scope"].(*types.AttributeValueMemberS).Value
	var prefix string
	if strings.Contains(aws.ToString(params.KeyConditionExpression), "begins_with") {
		prefix = params.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value
	}

	var matches []map[string]types.AttributeValue
	for _, item := range f.items {
		if attrS(item, "base_uri") == scope && strings.HasPrefix(attrS(item, "obj_key"), prefix) {
			matches = append(matches, item)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return attrS(matches[i], "obj_key") < attrS(matches[j], "obj_key")
	})

	start := 0
	if len(params.ExclusiveStartKey) > 0 {
		last := attrS(params.ExclusiveStartKey, "obj_key")
		start = sort.Search(len(matches), func(i int) bool {
			return attrS(matches[i], "obj_key") > last
		})
	}
	end := len(matches)
	if f.pageSize > 0 && start+f.pageSize < end {
		end = start + f.pageSize
	}

	out := &dynamodb.QueryOutput{Items: matches[start:end]}
	if end < len(matches) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: scope},
			"obj_key":  &types.AttributeValueMemberS{Value: attrS(matches[end-1], "obj_key")},
		}
	}
	return out, nil
}

func (f *fakeDDB) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.items, ddbItemKey(attrS(params.Key, "base_uri"), attrS(params.Key, "obj_key")))
	return &dynamodb.DeleteItemOutput{}, nil
}

func newTestCommitStore() (*CommitStore, objstore.Store, *fakeDDB) {
	inner := objstore.NewMemoryStore()
	ddb := newFakeDDB()
	return NewCommitStore(inner, ddb, "commits", "bucket/root"), inner, ddb
}

// stagingCount lists the wrapped store directly and counts staged objects.
func stagingCount(t *testing.T, inner objstore.Store) int {
	t.Helper()
	keys, err := inner.List(context.Background(), "")
	require.NoError(t, err)
	n := 0
	for _, k := range keys {
		if isStagingKey(k) {
			n++
		}
	}
	return n
}

func TestCommitStoreCreate(t *testing.T) {
	ctx := context.Background()
	cs, inner, _ := newTestCommitStore()

	ver, err := cs.PutIf(ctx, "manifest", []byte("v1"), objstore.VersionAbsent)
	require.NoError(t, err)
	assert.Equal(t, objstore.Version("1"), ver)

	data, got, err := cs.Get(ctx, "manifest")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)
	assert.Equal(t, ver, got)

	// The content lives under a staged key; the logical key has no object.
	_, _, err = inner.Get(ctx, "manifest")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
	assert.Equal(t, 1, stagingCount(t, inner))

	// A losing creator's staged object is cleaned up.
	_, err = cs.PutIf(ctx, "manifest", []byte("v1b"), objstore.VersionAbsent)
	assert.ErrorIs(t, err, objstore.ErrPreconditionFailed)
	assert.Equal(t, 1, stagingCount(t, inner))
}

func TestCommitStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	cs, inner, _ := newTestCommitStore()

	v1, err := cs.PutIf(ctx, "manifest", []byte("v1"), objstore.VersionAbsent)
	require.NoError(t, err)

	v2, err := cs.PutIf(ctx, "manifest", []byte("v2"), v1)
	require.NoError(t, err)
	assert.Equal(t, objstore.Version("2"), v2)

	// Stale expected version must fail, and the winner's content stays.
	_, err = cs.PutIf(ctx, "manifest", []byte("v3"), v1)
	assert.ErrorIs(t, err, objstore.ErrPreconditionFailed)

	data, got, err := cs.Get(ctx, "manifest")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
	assert.Equal(t, v2, got)

	// The replaced version's staged object is gone.
	assert.Equal(t, 1, stagingCount(t, inner))
}

func TestCommitStoreForeignVersion(t *testing.T) {
	ctx := context.Background()
	cs, inner, _ := newTestCommitStore()

	// An ETag minted by a plain store can never match a ledger counter.
	_, err := cs.PutIf(ctx, "manifest", []byte("x"), objstore.Version("\"d41d8cd9\""))
	assert.ErrorIs(t, err, objstore.ErrPreconditionFailed)
	assert.Equal(t, 0, stagingCount(t, inner))

	// Expecting a ledger version that was never written fails too.
	_, err = cs.PutIf(ctx, "manifest", []byte("x"), objstore.Version("4"))
	assert.ErrorIs(t, err, objstore.ErrPreconditionFailed)
}

func TestCommitStorePassthrough(t *testing.T) {
	ctx := context.Background()
	cs, _, ddb := newTestCommitStore()

	ver, err := cs.Put(ctx, "segments/seg1", []byte("hello world"))
	require.NoError(t, err)

	data, got, err := cs.Get(ctx, "segments/seg1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), data)
	assert.Equal(t, ver, got)

	rng, err := cs.GetRange(ctx, "segments/seg1", 6, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), rng)

	info, err := cs.Stat(ctx, "segments/seg1")
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Size)

	// Plain writes never touch the ledger.
	assert.Empty(t, ddb.items)
}

func TestCommitStoreList(t *testing.T) {
	ctx := context.Background()
	cs, inner, ddb := newTestCommitStore()

	_, err := cs.PutIf(ctx, "manifest", []byte("m"), objstore.VersionAbsent)
	require.NoError(t, err)
	_, err = cs.PutIf(ctx, "wal/00000001", []byte("w"), objstore.VersionAbsent)
	require.NoError(t, err)
	_, err = cs.Put(ctx, "segments/seg1", []byte("s"))
	require.NoError(t, err)

	t.Run("merged", func(t *testing.T) {
		keys, err := cs.List(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"manifest", "segments/seg1", "wal/00000001"}, keys)
	})

	t.Run("prefixed", func(t *testing.T) {
		keys, err := cs.List(ctx, "wal/")
		require.NoError(t, err)
		assert.Equal(t, []string{"wal/00000001"}, keys)

		keys, err = cs.List(ctx, "segments/")
		require.NoError(t, err)
		assert.Equal(t, []string{"segments/seg1"}, keys)
	})

	t.Run("staged objects stay hidden", func(t *testing.T) {
		raw, err := inner.List(ctx, "")
		require.NoError(t, err)
		staged := 0
		for _, k := range raw {
			if isStagingKey(k) {
				staged++
			}
		}
		assert.Equal(t, 2, staged)
	})

	t.Run("paginated query", func(t *testing.T) {
		ddb.pageSize = 1
		defer func() { ddb.pageSize = 0 }()

		keys, err := cs.List(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"manifest", "segments/seg1", "wal/00000001"}, keys)
	})
}

func TestCommitStoreDelete(t *testing.T) {
	ctx := context.Background()
	cs, inner, _ := newTestCommitStore()

	_, err := cs.PutIf(ctx, "wal/00000001", []byte("w"), objstore.VersionAbsent)
	require.NoError(t, err)
	_, err = cs.Put(ctx, "segments/seg1", []byte("s"))
	require.NoError(t, err)

	require.NoError(t, cs.Delete(ctx, "wal/00000001"))
	_, _, err = cs.Get(ctx, "wal/00000001")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
	assert.Equal(t, 0, stagingCount(t, inner))

	require.NoError(t, cs.Delete(ctx, "segments/seg1"))
	_, _, err = cs.Get(ctx, "segments/seg1")
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	// Deleting a missing key is not an error.
	assert.NoError(t, cs.Delete(ctx, "wal/00000001"))
}

func TestCommitStoreScopeIsolation(t *testing.T) {
	ctx := context.Background()
	inner := objstore.NewMemoryStore()
	ddb := newFakeDDB()
	csA := NewCommitStore(inner, ddb, "commits", "bucket/a")
	csB := NewCommitStore(inner, ddb, "commits", "bucket/b")

	_, err := csA.PutIf(ctx, "manifest", []byte("from-a"), objstore.VersionAbsent)
	require.NoError(t, err)
	_, err = csB.PutIf(ctx, "manifest", []byte("from-b"), objstore.VersionAbsent)
	require.NoError(t, err)

	dataA, _, err := csA.Get(ctx, "manifest")
	require.NoError(t, err)
	assert.Equal(t, []byte("from-a"), dataA)

	dataB, _, err := csB.Get(ctx, "manifest")
	require.NoError(t, err)
	assert.Equal(t, []byte("from-b"), dataB)

	keysA, err := csA.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"manifest"}, keysA)
}

func TestCommitStoreMissingStagedObject(t *testing.T) {
	ctx := context.Background()
	cs, inner, _ := newTestCommitStore()

	_, err := cs.PutIf(ctx, "manifest", []byte("v1"), objstore.VersionAbsent)
	require.NoError(t, err)

	// Remove the staged object behind the ledger's back. Get keeps
	// re-resolving and finally reports a transient error.
	keys, err := inner.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.NoError(t, inner.Delete(ctx, keys[0]))

	_, _, err = cs.Get(ctx, "manifest")
	require.Error(t, err)
	assert.True(t, objstore.IsTransient(err))
}

func TestStagingKeys(t *testing.T) {
	assert.True(t, isStagingKey(stagingKey("manifest", 3)))
	assert.True(t, isStagingKey(stagingKey("wal/00000042", 1)))
	assert.True(t, isStagingKey("manifest.v12-a1b2c3d4"))

	assert.False(t, isStagingKey("manifest"))
	assert.False(t, isStagingKey("wal/00000042"))
	assert.False(t, isStagingKey("segments/0000000000000007-deadbeef.seg"))
	assert.False(t, isStagingKey("notes.v2-draft"))
}

// TestCommitStoreDrivesEngine runs a full ingest, flush, reopen and search
// cycle with every conditional write routed through the ledger: manifest
// commits, WAL fencing, replay listings and garbage collection.
func TestCommitStoreDrivesEngine(t *testing.T) {
	ctx := context.Background()
	inner := objstore.NewMemoryStore()
	store := NewCommitStore(inner, newFakeDDB(), "commits", "bucket/db")

	db, err := cumulo.Open(store, cumulo.WithoutBackground(), cumulo.WithoutFlushOnClose())
	require.NoError(t, err)

	require.NoError(t, db.CreateNamespace(ctx, "vectors", cumulo.NamespaceConfig{
		Dimension: 3,
		Metric:    cumulo.MetricL2,
	}))
	ns, err := db.Namespace(ctx, "vectors")
	require.NoError(t, err)

	for i := 1; i <= 20; i++ {
		require.NoError(t, ns.Insert(ctx, cumulo.Record{
			ID:     uint64(i),
			Vector: []float32{float32(i), 0, 0},
		}))
	}
	require.NoError(t, ns.Flush(ctx))

	// Leave a WAL tail behind so reopening has to replay through the
	// ledger listing.
	for i := 21; i <= 25; i++ {
		require.NoError(t, ns.Insert(ctx, cumulo.Record{
			ID:     uint64(i),
			Vector: []float32{float32(i), 0, 0},
		}))
	}
	require.NoError(t, db.Close(ctx))

	db2, err := cumulo.Open(store, cumulo.WithoutBackground())
	require.NoError(t, err)
	defer func() { require.NoError(t, db2.Close(ctx)) }()

	ns2, err := db2.Namespace(ctx, "vectors")
	require.NoError(t, err)

	stats := ns2.Stats()
	assert.Equal(t, 1, stats.Segments)
	assert.Equal(t, 5, stats.MemtableRecords)
	assert.Equal(t, uint64(25), stats.LiveRecords)

	rec, err := ns2.Get(ctx, 23)
	require.NoError(t, err)
	assert.Equal(t, []float32{23, 0, 0}, rec.Vector)

	res, err := ns2.Search(ctx, cumulo.SearchRequest{Vector: []float32{3, 0, 0}, K: 1})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, uint64(3), res.Hits[0].ID)

	// The flushed prefix of the WAL is garbage now.
	deleted, err := ns2.RunGC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, deleted)
}
