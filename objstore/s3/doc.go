// Package s3 provides an Amazon S3 implementation of the objstore.Store
// interface.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("vectors"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	db, err := cumulo.Open(store)
//
// # Conditional writes
//
// PutIf maps to the If-Match / If-None-Match headers of PutObject, with the
// object's ETag as the version token. Amazon S3 supports these natively; for
// S3-compatible services that do not, wrap the store with NewCommitStore to
// route conditional writes through a DynamoDB ledger instead.
//
// # Features
//
//   - Range reads for block-granular segment fetches
//   - Multipart uploads with CRC32C checksums for large segments
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
//   - Throttling and 5xx responses surface as transient, ready for
//     objstore.WithRetries
package s3
