// Package minio implements objstore.Store on MinIO and other S3-compatible
// services through the MinIO client.
//
// # Usage
//
//	store, err := minio.New("localhost:9000", "my-bucket",
//		minio.WithPrefix("vectors"),
//		minio.WithCredentials("minioadmin", "minioadmin"),
//		minio.WithInsecure(),
//	)
//	if err != nil {
//		...
//	}
//	db, err := cumulo.Open(store)
//
// # Conditional writes
//
// PutIf maps to If-Match and If-None-Match headers on PUT, which MinIO
// accepts since conditional write support landed in the server. Against an
// S3-compatible service that rejects them, every commit fails; wrap an
// s3.Store with s3.NewCommitStore there instead.
//
// Like the s3 package, the store marks throttling and 5xx failures as
// transient for objstore.WithRetries.
package minio
