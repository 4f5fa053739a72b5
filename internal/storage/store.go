package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned when a key has no object.
var ErrObjectNotFound = errors.New("object not found")

// PutOptions describes upload options for object storage.
type PutOptions struct {
	ContentType string
}

// ObjectInfo is what the store reports about one object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// Store abstracts object storage operations over one bucket.
type Store interface {
	PutObject(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) error
	GetObject(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	StatObject(ctx context.Context, key string) (ObjectInfo, error)
	RemoveObject(ctx context.Context, key string) error
	// PresignedGetObject returns a download URL; a non-empty filename sets the
	// attachment name.
	PresignedGetObject(ctx context.Context, key string, expiry time.Duration, filename string) (string, error)
}
