// Package storage defines the file storage capability behind the binary
// manager and implements it on the local filesystem.
package storage

import (
	"context"
	"time"
)

// ObjectInfo describes one stored object as seen by a listing.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// FileStorage moves whole files in and out of a backend. Keys are digests.
type FileStorage interface {
	// StoreFile stores the file at path under key. Storing a key that
	// already exists is a no-op.
	StoreFile(ctx context.Context, key, path string) error

	// FetchFile writes the object for key to dest. It returns a
	// NotFound error when the key is absent.
	FetchFile(ctx context.Context, key, dest string) error

	// Exists reports whether key is stored.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List calls fn for every stored object. Listing stops at the first
	// error from fn.
	List(ctx context.Context, fn func(ObjectInfo) error) error
}
