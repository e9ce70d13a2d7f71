package provider

import (
	"context"
	"io"
)

// Optional capabilities, detected with type assertions.

// ObjectGetter streams an object's content.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}

// ObjectPutter creates or overwrites an object.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error
}

// ObjectDeleter removes an object. Deleting a missing object is not an error.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// ReadWriter is the full capability set the blob store needs.
type ReadWriter interface {
	Provider
	ObjectGetter
	ObjectPutter
	ObjectDeleter
}
