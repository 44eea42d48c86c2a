package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cumulodb/cumulo/objstore"
)

// Store implements objstore.Store on a MinIO deployment or another
// S3-compatible service reachable through the MinIO client. Versions are
// ETags.
//
// Conditional writes require a MinIO release with If-Match support on PUT.
// For services without it, wrap an s3.Store with s3.NewCommitStore instead.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

type storeOptions struct {
	prefix   string
	region   string
	insecure bool
	creds    *credentials.Credentials
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

// WithRegion sets the bucket region.
func WithRegion(region string) StoreOption {
	return func(o *storeOptions) {
		o.region = region
	}
}

// WithCredentials uses a static access key pair instead of the
// environment.
func WithCredentials(accessKey, secretKey string) StoreOption {
	return func(o *storeOptions) {
		o.creds = credentials.NewStaticV4(accessKey, secretKey, "")
	}
}

// WithInsecure connects over plain HTTP. For local deployments.
func WithInsecure() StoreOption {
	return func(o *storeOptions) {
		o.insecure = true
	}
}

func applyStoreOptions(optFns []StoreOption) storeOptions {
	var o storeOptions
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// New creates a store on the given endpoint and bucket. Without
// WithCredentials the access key pair comes from the environment, MinIO
// variables first.
func New(endpoint, bucket string, optFns ...StoreOption) (*Store, error) {
	o := applyStoreOptions(optFns)

	creds := o.creds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvMinio{},
			&credentials.EnvAWS{},
		})
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: !o.insecure,
		Region: o.region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: new client: %w", err)
	}
	return &Store{client: client, bucket: bucket, prefix: o.prefix}, nil
}

// NewWithClient creates a store on an existing client. Credential, region
// and transport options are ignored; they belong to the client.
func NewWithClient(client *minio.Client, bucket string, optFns ...StoreOption) *Store {
	o := applyStoreOptions(optFns)
	return &Store{client: client, bucket: bucket, prefix: o.prefix}
}

func (s *Store) key(key string) string {
	return path.Join(s.prefix, key)
}

// Get returns the full object content and its ETag.
func (s *Store) Get(ctx context.Context, key string) ([]byte, objstore.Version, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, objstore.VersionAbsent, classify("get", key, err)
	}
	defer func() { _ = obj.Close() }()

	// Stat issues the request and reports existence from the response
	// headers; no extra round trip.
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return nil, objstore.VersionAbsent, objstore.ErrNotFound
		}
		return nil, objstore.VersionAbsent, classify("get", key, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, objstore.VersionAbsent, classify("get", key, objstore.MarkTransient(err))
	}
	return data, objstore.Version(info.ETag), nil
}

// GetRange returns length bytes starting at offset. A negative length reads
// to the end of the object.
func (s *Store) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	switch {
	case length < 0 && offset == 0:
		// Whole object; no Range header.
	case length < 0:
		if err := opts.SetRange(offset, 0); err != nil {
			return nil, fmt.Errorf("minio: get_range %q: %w", key, err)
		}
	case length == 0:
		return []byte{}, nil
	default:
		if err := opts.SetRange(offset, offset+length-1); err != nil {
			return nil, fmt.Errorf("minio: get_range %q: %w", key, err)
		}
	}

	obj, err := s.client.GetObject(ctx, s.bucket, s.key(key), opts)
	if err != nil {
		return nil, classify("get_range", key, err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, objstore.ErrNotFound
		}
		return nil, classify("get_range", key, err)
	}
	return data, nil
}

// Put writes the object unconditionally.
func (s *Store) Put(ctx context.Context, key string, data []byte) (objstore.Version, error) {
	info, err := s.client.PutObject(ctx, s.bucket, s.key(key), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		Checksum: minio.ChecksumCRC32C,
	})
	if err != nil {
		return objstore.VersionAbsent, classify("put", key, err)
	}
	return objstore.Version(info.ETag), nil
}

// PutIf writes the object only if its current ETag equals expected.
// Conditional headers apply to single-request uploads; objects written with
// PutIf must stay below the client's multipart threshold, which holds for
// manifests and WAL batches.
func (s *Store) PutIf(ctx context.Context, key string, data []byte, expected objstore.Version) (objstore.Version, error) {
	opts := minio.PutObjectOptions{Checksum: minio.ChecksumCRC32C}
	if expected == objstore.VersionAbsent {
		opts.SetMatchETagExcept("*")
	} else {
		opts.SetMatchETag(string(expected))
	}

	info, err := s.client.PutObject(ctx, s.bucket, s.key(key), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		// If-Match against a deleted key reports not-found; for the caller
		// that is the same thing: the precondition does not hold.
		if isPreconditionFailed(err) || isNotFound(err) {
			return objstore.VersionAbsent, objstore.ErrPreconditionFailed
		}
		return objstore.VersionAbsent, classify("put_if", key, err)
	}
	return objstore.Version(info.ETag), nil
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
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    full,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, classify("list", prefix, obj.Err)
		}
		keys = append(keys, s.rel(obj.Key))
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

// Delete removes the object. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(key), minio.RemoveObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return classify("delete", key, err)
	}
	return nil
}

// Stat returns size, ETag and modification time without fetching content.
func (s *Store) Stat(ctx context.Context, key string) (objstore.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.key(key), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return objstore.ObjectInfo{}, objstore.ErrNotFound
		}
		return objstore.ObjectInfo{}, classify("stat", key, err)
	}
	return objstore.ObjectInfo{
		Key:     key,
		Size:    info.Size,
		Version: objstore.Version(info.ETag),
		ModTime: info.LastModified,
	}, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound" || resp.StatusCode == 404
}

func isPreconditionFailed(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "PreconditionFailed" || resp.StatusCode == 412
}

// classify wraps err with the operation context and marks it transient when
// retrying could help: throttling, 5xx responses, transport failures.
func classify(op, key string, err error) error {
	wrapped := fmt.Errorf("minio: %s %q: %w", op, key, err)

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "ThrottlingException":
		return objstore.MarkTransient(wrapped)
	}
	if resp.StatusCode >= 500 {
		return objstore.MarkTransient(wrapped)
	}
	if objstore.IsTransient(err) {
		return objstore.MarkTransient(wrapped)
	}
	return wrapped
}
