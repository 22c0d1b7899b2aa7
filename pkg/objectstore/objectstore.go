// Package objectstore abstracts the warm tier: an S3-compatible object
// store addressed as tenancy://bucket/object, where the bucket is derived
// from the transaction id. Credentials arrive per message, so connections
// are made per callback through a Connector rather than held globally.
package objectstore

import (
	"context"
	"errors"
	"io"
)

// DefaultChunkSize is the streaming chunk for multipart transfers,
// constrained below by the S3 multipart minimum.
const DefaultChunkSize int64 = 5 * 1024 * 1024

// ErrNotFound is returned when an object or bucket does not exist.
var ErrNotFound = errors.New("object not found")

// Credentials are the caller-supplied object store keys carried in the
// message details.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size int64
}

// Store is a connected object store session.
type Store interface {
	// EnsureBucket creates the bucket if it does not exist.
	EnsureBucket(ctx context.Context, bucket string) error

	// Put streams an object; size must be the exact content length.
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error

	// Get opens an object for streaming reads.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)

	// Stat returns object metadata, or ErrNotFound.
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, bucket, key string) error
}

// Connector opens per-message sessions against one tenancy.
type Connector interface {
	// Connect authenticates with the caller's credentials.
	Connect(ctx context.Context, creds Credentials) (Store, error)

	// Tenancy is the endpoint namespace this connector serves.
	Tenancy() string
}
