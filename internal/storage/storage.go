// Package storage provides the byte-level object backends the segment store
// writes to: local disk, S3-compatible object stores, and a read cache for
// immutable objects.
package storage

import (
	"context"
	"fmt"

	dberrors "github.com/pancakedb/pancakedb/internal/errors"
)

// Backend abstracts an object store. Objects are written whole and never
// modified; a successful PutObject is durable once it returns.
type Backend interface {
	// PutObject atomically creates or replaces the object at path.
	PutObject(ctx context.Context, path string, data []byte) error

	// GetRange reads length bytes starting at offset. Reads past the end of
	// the object fail.
	GetRange(ctx context.Context, path string, offset, length int64) ([]byte, error)

	// GetObject reads a whole object.
	GetObject(ctx context.Context, path string) ([]byte, error)

	// DeleteObject removes an object. Deleting a missing object succeeds.
	DeleteObject(ctx context.Context, path string) error

	// ListObjects returns all object paths under prefix, sorted.
	ListObjects(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether an object is present.
	Exists(ctx context.Context, path string) (bool, error)
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return dberrors.GetCode(err) == dberrors.CodeNotFound
}

func errNotFound(path string) error {
	return dberrors.NotFound(dberrors.ErrCategoryStorage, "storage: object %q not found", path)
}

func errIO(op, path string, cause error) error {
	return dberrors.NewStorageError(dberrors.CodeIOFailed, fmt.Sprintf("storage: %s %q", op, path), cause)
}
