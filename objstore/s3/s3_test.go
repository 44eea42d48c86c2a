package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulodb/cumulo/objstore"
)

type fakeObject struct {
	data []byte
	etag string
	mod  time.Time
}

type fakeUpload struct {
	key   string
	parts map[int32][]byte
}

// fakeS3 is an in-memory stand-in for the S3 API surface the store uses.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	uploads map[string]*fakeUpload
	seq     int

	// pageSize forces ListObjectsV2 pagination when > 0.
	pageSize int

	multipartCompleted bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string]fakeObject),
		uploads: make(map[string]*fakeUpload),
	}
}

func (f *fakeS3) nextETag() string {
	f.seq++
	return fmt.Sprintf("etag-%d", f.seq)
}

func (f *fakeS3) GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	data := obj.data
	if params.Range != nil {
		start, end := parseByteRange(aws.ToString(params.Range), len(data))
		data = data[start:end]
	}
	return &awss3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ETag:          aws.String(obj.etag),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func parseByteRange(r string, size int) (int, int) {
	var start, end int
	if n, _ := fmt.Sscanf(r, "bytes=%d-%d", &start, &end); n == 2 {
		return start, min(end+1, size)
	}
	_, _ = fmt.Sscanf(r, "bytes=%d-", &start)
	return start, size
}

func (f *fakeS3) PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := aws.ToString(params.Key)
	obj, exists := f.objects[key]
	if params.IfNoneMatch != nil && exists {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}
	}
	if params.IfMatch != nil {
		if !exists {
			return nil, &types.NoSuchKey{}
		}
		if obj.etag != aws.ToString(params.IfMatch) {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}
		}
	}

	etag := f.nextETag()
	f.objects[key] = fakeObject{data: data, etag: etag, mod: time.Now()}
	return &awss3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, params *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &awss3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ETag:          aws.String(obj.etag),
		LastModified:  aws.Time(obj.mod),
	}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.objects, aws.ToString(params.Key))
	return &awss3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(params.Prefix)
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if params.ContinuationToken != nil {
		start, _ = strconv.Atoi(aws.ToString(params.ContinuationToken))
	}
	end := len(keys)
	if f.pageSize > 0 && start+f.pageSize < end {
		end = start + f.pageSize
	}

	out := &awss3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, params *awss3.CreateMultipartUploadInput, optFns ...func(*awss3.Options)) (*awss3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	id := fmt.Sprintf("upload-%d", f.seq)
	f.uploads[id] = &fakeUpload{key: aws.ToString(params.Key), parts: make(map[int32][]byte)}
	return &awss3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, params *awss3.UploadPartInput, optFns ...func(*awss3.Options)) (*awss3.UploadPartOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	up, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}
	}
	part := aws.ToInt32(params.PartNumber)
	up.parts[part] = data
	return &awss3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("part-%d", part))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, params *awss3.CompleteMultipartUploadInput, optFns ...func(*awss3.Options)) (*awss3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := aws.ToString(params.UploadId)
	up, ok := f.uploads[id]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}
	}

	nums := make([]int32, 0, len(up.parts))
	for n := range up.parts {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	var data []byte
	for _, n := range nums {
		data = append(data, up.parts[n]...)
	}
	etag := f.nextETag()
	f.objects[up.key] = fakeObject{data: data, etag: etag, mod: time.Now()}
	delete(f.uploads, id)
	f.multipartCompleted = true
	return &awss3.CompleteMultipartUploadOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, params *awss3.AbortMultipartUploadInput, optFns ...func(*awss3.Options)) (*awss3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.uploads, aws.ToString(params.UploadId))
	return &awss3.AbortMultipartUploadOutput{}, nil
}

func TestStoreGetPut(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := NewWithClient(fake, "bucket", WithPrefix("root"))

	_, _, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	ver, err := store.Put(ctx, "a/b", []byte("hello"))
	require.NoError(t, err)
	require.NotEqual(t, objstore.VersionAbsent, ver)

	// The bucket key carries the store prefix.
	_, ok := fake.objects["root/a/b"]
	assert.True(t, ok)

	data, got, err := store.Get(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, ver, got)

	ver2, err := store.Put(ctx, "a/b", []byte("world"))
	require.NoError(t, err)
	assert.NotEqual(t, ver, ver2)
}

func TestStorePutIf(t *testing.T) {
	ctx := context.Background()
	store := NewWithClient(newFakeS3(), "bucket")

	t.Run("create only", func(t *testing.T) {
		ver, err := store.PutIf(ctx, "key", []byte("v1"), objstore.VersionAbsent)
		require.NoError(t, err)
		require.NotEqual(t, objstore.VersionAbsent, ver)

		_, err = store.PutIf(ctx, "key", []byte("v2"), objstore.VersionAbsent)
		assert.ErrorIs(t, err, objstore.ErrPreconditionFailed)
	})

	t.Run("compare and swap", func(t *testing.T) {
		_, cur, err := store.Get(ctx, "key")
		require.NoError(t, err)

		next, err := store.PutIf(ctx, "key", []byte("v2"), cur)
		require.NoError(t, err)
		assert.NotEqual(t, cur, next)

		_, err = store.PutIf(ctx, "key", []byte("v3"), cur)
		assert.ErrorIs(t, err, objstore.ErrPreconditionFailed)

		data, _, err := store.Get(ctx, "key")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), data)
	})

	t.Run("expected version on missing key", func(t *testing.T) {
		_, err := store.PutIf(ctx, "gone", []byte("x"), objstore.Version("etag-1"))
		assert.ErrorIs(t, err, objstore.ErrPreconditionFailed)
	})
}

func TestStoreGetRange(t *testing.T) {
	ctx := context.Background()
	store := NewWithClient(newFakeS3(), "bucket")

	_, err := store.Put(ctx, "obj", []byte("hello world"))
	require.NoError(t, err)

	head, err := store.GetRange(ctx, "obj", 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), head)

	tail, err := store.GetRange(ctx, "obj", 6, -1)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), tail)

	// Over-long ranges are clamped to the object size.
	over, err := store.GetRange(ctx, "obj", 6, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), over)

	_, err = store.GetRange(ctx, "missing", 0, 5)
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestStoreList(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := NewWithClient(fake, "bucket", WithPrefix("root"))

	for _, k := range []string{"a", "b/c", "b/d", "bb"} {
		_, err := store.Put(ctx, k, []byte(k))
		require.NoError(t, err)
	}

	t.Run("all", func(t *testing.T) {
		keys, err := store.List(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b/c", "b/d", "bb"}, keys)
	})

	t.Run("trailing slash bounds the directory", func(t *testing.T) {
		keys, err := store.List(ctx, "b/")
		require.NoError(t, err)
		assert.Equal(t, []string{"b/c", "b/d"}, keys)
	})

	t.Run("bare prefix matches siblings", func(t *testing.T) {
		keys, err := store.List(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, []string{"b/c", "b/d", "bb"}, keys)
	})

	t.Run("paginated", func(t *testing.T) {
		fake.pageSize = 1
		defer func() { fake.pageSize = 0 }()

		keys, err := store.List(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b/c", "b/d", "bb"}, keys)
	})
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewWithClient(newFakeS3(), "bucket")

	_, err := store.Put(ctx, "obj", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "obj"))

	_, _, err = store.Get(ctx, "obj")
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	// Deleting a missing key is not an error.
	assert.NoError(t, store.Delete(ctx, "obj"))
}

func TestStoreStat(t *testing.T) {
	ctx := context.Background()
	store := NewWithClient(newFakeS3(), "bucket")

	ver, err := store.Put(ctx, "obj", []byte("hello"))
	require.NoError(t, err)

	info, err := store.Stat(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, "obj", info.Key)
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, ver, info.Version)
	assert.False(t, info.ModTime.IsZero())

	_, err = store.Stat(ctx, "missing")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestStoreMultipartPut(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := NewWithClient(fake, "bucket",
		WithPartSize(5<<20),
		WithMultipartThreshold(1<<20),
	)

	// Two parts at the minimum part size.
	data := bytes.Repeat([]byte{0xAB}, 6<<20)
	ver, err := store.Put(ctx, "big", data)
	require.NoError(t, err)
	assert.NotEqual(t, objstore.VersionAbsent, ver)
	assert.True(t, fake.multipartCompleted)

	got, _, err := store.Get(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestErrorClassification(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		assert.True(t, isNotFound(&types.NoSuchKey{}))
		assert.True(t, isNotFound(&types.NotFound{}))
		assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}))
		assert.False(t, isNotFound(&smithy.GenericAPIError{Code: "SlowDown"}))
	})

	t.Run("precondition failed", func(t *testing.T) {
		assert.True(t, isPreconditionFailed(&smithy.GenericAPIError{Code: "PreconditionFailed"}))
		assert.True(t, isPreconditionFailed(&smithy.GenericAPIError{Code: "ConditionalRequestConflict"}))
		assert.True(t, isPreconditionFailed(httpError(412)))
		assert.False(t, isPreconditionFailed(httpError(400)))
	})

	t.Run("transient", func(t *testing.T) {
		assert.True(t, objstore.IsTransient(classify("put", "k", &smithy.GenericAPIError{Code: "SlowDown"})))
		assert.True(t, objstore.IsTransient(classify("put", "k", httpError(503))))
		assert.False(t, objstore.IsTransient(classify("put", "k", &smithy.GenericAPIError{Code: "AccessDenied"})))
		assert.False(t, objstore.IsTransient(classify("put", "k", errors.New("boom"))))
	})
}

func httpError(status int) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
		Err:      errors.New("http error"),
	}
}

// TestIntegrationStore exercises the store against a real bucket. It is
// skipped unless S3_BUCKET is set.
func TestIntegrationStore(t *testing.T) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		t.Skip("S3_BUCKET not set")
	}

	ctx := context.Background()
	prefix := fmt.Sprintf("cumulo-test-%d", time.Now().UnixNano())
	store, err := New(ctx, bucket, WithPrefix(prefix))
	require.NoError(t, err)

	ver, err := store.PutIf(ctx, "manifest", []byte("v1"), objstore.VersionAbsent)
	require.NoError(t, err)
	defer func() { _ = store.Delete(ctx, "manifest") }()

	_, err = store.PutIf(ctx, "manifest", []byte("v2"), objstore.VersionAbsent)
	assert.ErrorIs(t, err, objstore.ErrPreconditionFailed)

	ver2, err := store.PutIf(ctx, "manifest", []byte("v2"), ver)
	require.NoError(t, err)

	_, err = store.PutIf(ctx, "manifest", []byte("v3"), ver)
	assert.ErrorIs(t, err, objstore.ErrPreconditionFailed)

	data, got, err := store.Get(ctx, "manifest")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
	assert.Equal(t, ver2, got)

	keys, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"manifest"}, keys)
}
