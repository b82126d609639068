// Package storage abstracts the shared blob store used to hand build
// archives from the cross-compiling host to the target device.
package storage

import (
	"context"
	"path"
)

// Store abstracts blob store operations
type Store interface {
	// Upload copies the local file at src to key
	Upload(ctx context.Context, src, key string) error

	// Download copies key to the local file dst
	// Returns ErrObjectNotFound if key doesn't exist
	Download(ctx context.Context, key, dst string) error

	// MakePublic grants anonymous read access to key
	MakePublic(ctx context.Context, key string) error

	// Exists reports whether key is present
	Exists(ctx context.Context, key string) (bool, error)
}

// URL renders a key the way the build log shows it
func URL(scheme, bucket, key string) string {
	return scheme + "://" + path.Join(bucket, key)
}
