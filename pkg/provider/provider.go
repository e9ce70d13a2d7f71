// Package provider defines the object storage surface used by the blob store.
//
// Providers are deliberately small: metadata lookup and prefix listing are
// required, while reads, writes and deletes are optional capabilities detected
// with type assertions. Authentication uses SDK default credential chains;
// providers never implement their own auth.
package provider

import (
	"context"
	"time"
)

// Provider is the minimal object store a blob backend must offer.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// List returns a page of objects under opts.Prefix. Use the returned
	// ContinuationToken to fetch the next page.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Head returns metadata for one object, or ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	Close() error
}

// ListOptions configures a List call.
type ListOptions struct {
	Prefix            string
	ContinuationToken string

	// MaxKeys limits the page size. Zero uses the provider default.
	MaxKeys int
}

// ListResult is one page of a List call. An empty ContinuationToken means
// there are no more pages.
type ListResult struct {
	Objects           []ObjectSummary
	ContinuationToken string
	IsTruncated       bool
}

// ObjectSummary is the metadata returned by List.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ObjectMeta is the metadata returned by Head.
type ObjectMeta struct {
	ObjectSummary

	ContentType string
	Metadata    map[string]string
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	// ProviderFile is a local directory.
	ProviderFile ProviderType = "file"

	// ProviderS3 is AWS S3 or an S3-compatible store.
	ProviderS3 ProviderType = "s3"
)

func (p ProviderType) String() string {
	return string(p)
}

// ParseProviderType accepts "file" or "s3".
func ParseProviderType(s string) (ProviderType, error) {
	switch ProviderType(s) {
	case ProviderFile, ProviderS3:
		return ProviderType(s), nil
	default:
		return "", &ProviderError{Op: "Parse", Provider: ProviderType(s), Err: ErrUnsupportedProvider}
	}
}
