package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/cumulodb/cumulo/objstore"
)

// Client is the subset of the S3 API the store uses. *s3.Client satisfies
// it; tests substitute a fake.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Store implements objstore.Store on an S3 bucket. Versions are ETags.
type Store struct {
	client   Client
	uploader *manager.Uploader
	bucket   string
	prefix   string

	// Puts at or above this size go through the multipart uploader.
	multipartThreshold int64
}

// storeOptions configure the store constructors.
type storeOptions struct {
	prefix             string
	region             string
	endpoint           string
	partSize           int64
	concurrency        int
	multipartThreshold int64
}

// StoreOption configures New and NewWithClient.
type StoreOption func(*storeOptions)

// WithPrefix roots all keys under the given prefix inside the bucket. Keys
// returned by List are relative to it.
func WithPrefix(prefix string) StoreOption {
	return func(o *storeOptions) {
		o.prefix = strings.Trim(prefix, "/")
	}
}

// WithRegion overrides the region resolved from the environment.
func WithRegion(region string) StoreOption {
	return func(o *storeOptions) {
		o.region = region
	}
}

// WithEndpoint points the client at an S3-compatible endpoint and switches
// to path-style addressing.
func WithEndpoint(url string) StoreOption {
	return func(o *storeOptions) {
		o.endpoint = url
	}
}

// WithPartSize sets the multipart part size in bytes. Default 8 MiB.
func WithPartSize(n int64) StoreOption {
	return func(o *storeOptions) {
		o.partSize = n
	}
}

// WithUploadConcurrency sets the number of parts uploaded in parallel.
// Default 5.
func WithUploadConcurrency(n int) StoreOption {
	return func(o *storeOptions) {
		o.concurrency = n
	}
}

// WithMultipartThreshold sets the object size at which Put switches from a
// single PutObject to a multipart upload. Default 16 MiB.
func WithMultipartThreshold(n int64) StoreOption {
	return func(o *storeOptions) {
		o.multipartThreshold = n
	}
}

func applyStoreOptions(optFns []StoreOption) storeOptions {
	o := storeOptions{
		partSize:           8 << 20,
		concurrency:        5,
		multipartThreshold: 16 << 20,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// New creates a store on the given bucket using credentials and region from
// the environment (shared config, instance roles).
func New(ctx context.Context, bucket string, optFns ...StoreOption) (*Store, error) {
	o := applyStoreOptions(optFns)

	var loadOpts []func(*config.LoadOptions) error
	if o.region != "" {
		loadOpts = append(loadOpts, config.WithRegion(o.region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(so *s3.Options) {
		if o.endpoint != "" {
			so.BaseEndpoint = aws.String(o.endpoint)
			so.UsePathStyle = true
		}
	})
	return newStore(client, bucket, o), nil
}

// NewWithClient creates a store on an existing client. Region and endpoint
// options are ignored; they belong to the client.
func NewWithClient(client Client, bucket string, optFns ...StoreOption) *Store {
	return newStore(client, bucket, applyStoreOptions(optFns))
}

func newStore(client Client, bucket string, o storeOptions) *Store {
	return &Store{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = o.partSize
			u.Concurrency = o.concurrency
		}),
		bucket:             bucket,
		prefix:             o.prefix,
		multipartThreshold: o.multipartThreshold,
	}
}

func (s *Store) key(key string) string {
	return path.Join(s.prefix, key)
}

// Get returns the full object content and its ETag.
func (s *Store) Get(ctx context.Context, key string) ([]byte, objstore.Version, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, objstore.VersionAbsent, objstore.ErrNotFound
		}
		return nil, objstore.VersionAbsent, classify("get", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, objstore.VersionAbsent, classify("get", key, objstore.MarkTransient(err))
	}
	return data, objstore.Version(aws.ToString(out.ETag)), nil
}

// GetRange returns length bytes starting at offset. A negative length reads
// to the end of the object.
func (s *Store) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	var rng string
	if length < 0 {
		rng = fmt.Sprintf("bytes=%d-", offset)
	} else {
		rng = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
		Range:  aws.String(rng),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, objstore.ErrNotFound
		}
		return nil, classify("get_range", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, classify("get_range", key, objstore.MarkTransient(err))
	}
	return data, nil
}

// Put writes the object unconditionally. Objects at or above the multipart
// threshold are uploaded in parts; both paths carry CRC32C checksums.
func (s *Store) Put(ctx context.Context, key string, data []byte) (objstore.Version, error) {
	input := &s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(s.key(key)),
		Body:              bytes.NewReader(data),
		ChecksumAlgorithm: types.ChecksumAlgorithmCrc32c,
	}

	if int64(len(data)) >= s.multipartThreshold {
		out, err := s.uploader.Upload(ctx, input)
		if err != nil {
			return objstore.VersionAbsent, classify("put", key, err)
		}
		return objstore.Version(aws.ToString(out.ETag)), nil
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return objstore.VersionAbsent, classify("put", key, err)
	}
	return objstore.Version(aws.ToString(out.ETag)), nil
}

// PutIf writes the object only if its current ETag equals expected, using
// the conditional headers of PutObject. Conditional multipart uploads are
// not supported; objects written with PutIf must stay below the multipart
// threshold, which holds for manifests and WAL batches.
func (s *Store) PutIf(ctx context.Context, key string, data []byte, expected objstore.Version) (objstore.Version, error) {
	input := &s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(s.key(key)),
		Body:              bytes.NewReader(data),
		ChecksumAlgorithm: types.ChecksumAlgorithmCrc32c,
	}
	if expected == objstore.VersionAbsent {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(string(expected))
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		// If-Match against a deleted key reports not-found; for the caller
		// that is the same thing: the precondition does not hold.
		if isPreconditionFailed(err) || isNotFound(err) {
			return objstore.VersionAbsent, objstore.ErrPreconditionFailed
		}
		return objstore.VersionAbsent, classify("put_if", key, err)
	}
	return objstore.Version(aws.ToString(out.ETag)), nil
}

// List returns all keys under prefix, relative to the store's root prefix,
// in lexical order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.key(prefix)
	// path.Join strips the trailing separator that distinguishes "wal/"
	// from "wal*"; put it back. An empty relative prefix lists the whole
	// root, which likewise must not match sibling roots of the bucket.
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		if full != "" && !strings.HasSuffix(full, "/") {
			full += "/"
		}
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(full),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("list", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, s.rel(aws.ToString(obj.Key)))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) rel(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, s.prefix), "/")
}

// Delete removes the object. S3 treats deleting a missing key as success.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return classify("delete", key, err)
	}
	return nil
}

// Stat returns size, ETag and modification time without fetching content.
func (s *Store) Stat(ctx context.Context, key string) (objstore.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return objstore.ObjectInfo{}, objstore.ErrNotFound
		}
		return objstore.ObjectInfo{}, classify("stat", key, err)
	}
	return objstore.ObjectInfo{
		Key:     key,
		Size:    aws.ToInt64(out.ContentLength),
		Version: objstore.Version(aws.ToString(out.ETag)),
		ModTime: aws.ToTime(out.LastModified),
	}, nil
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey"
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 412
}

// classify wraps err with the operation context and marks it transient when
// retrying could help: throttling, 5xx responses, transport failures.
func classify(op, key string, err error) error {
	wrapped := fmt.Errorf("s3: %s %q: %w", op, key, err)

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "ThrottlingException":
			return objstore.MarkTransient(wrapped)
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 500 {
		return objstore.MarkTransient(wrapped)
	}
	if objstore.IsTransient(err) {
		return objstore.MarkTransient(wrapped)
	}
	return wrapped
}
