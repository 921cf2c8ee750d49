package storage

import (
	"context"
	"io"
)

// BlobInfo describes a stored blob
type BlobInfo struct {
	Path   string
	Size   int64
	SHA256 string
}

// BlobStorage holds uploaded artifacts for the store emulator. Resumable
// uploads are appended to a staging blob and promoted once complete.
type BlobStorage interface {
	// Store atomically writes content at the given path
	Store(ctx context.Context, path string, content io.Reader) (BlobInfo, error)

	// Append adds a chunk to a staging blob and returns its new size
	Append(ctx context.Context, path string, chunk io.Reader) (int64, error)

	// Truncate cuts a staging blob back to size bytes
	Truncate(ctx context.Context, path string, size int64) error

	// Promote moves a staging blob to its final path and digests it
	Promote(ctx context.Context, from, to string) (BlobInfo, error)

	// Open reads the blob at the given path
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Size returns the size of the blob, or 0 if it does not exist
	Size(ctx context.Context, path string) (int64, error)

	// Delete removes the blob. Missing blobs are not an error.
	Delete(ctx context.Context, path string) error
}
