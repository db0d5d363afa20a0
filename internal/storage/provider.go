// Package storage defines where fetched record bodies and run manifests are
// written. Implementations live in the memory, local, and gcs subpackages.
package storage

import (
	"context"
	"fmt"
	"io"
)

// BlobStore persists one object and returns a URI for it.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// NoOp discards every object. It backs storage.provider=none.
type NoOp struct{}

// PutObject drains r and returns a noop:// URI.
func (NoOp) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", fmt.Errorf("drain object: %w", err)
	}
	return "noop://" + path, nil
}
