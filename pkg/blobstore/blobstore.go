// Package blobstore is a content-addressed store for artifact bytes.
//
// Blobs are keyed by their lowercase hex SHA-256 under blobs/<sha[0:2]>/<sha>
// on any provider that can read, write and delete objects. The ledger only
// records hashes; nothing in lineage depends on a blob being present.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/3leaps/gofielding/pkg/provider"
)

// KeyPrefix is the top-level prefix of every blob key.
const KeyPrefix = "blobs/"

// Store reads and writes blobs through a provider.
type Store struct {
	p provider.ReadWriter

	// spoolMemoryBytes bounds how much of a Put is buffered in memory before
	// spooling to a temp file.
	spoolMemoryBytes int64
}

// New wraps p. Closing the store closes p.
func New(p provider.ReadWriter) *Store {
	return &Store{p: p, spoolMemoryBytes: DefaultSpoolMemoryBytes}
}

// Provider returns the underlying provider.
func (s *Store) Provider() provider.ReadWriter { return s.p }

func (s *Store) Close() error { return s.p.Close() }

// Key returns the object key for a digest already passed through
// NormalizeDigest.
func Key(sum string) string {
	return KeyPrefix + sum[:2] + "/" + sum
}

// NormalizeDigest lowercases sum and checks it is 64 hex characters.
func NormalizeDigest(sum string) (string, error) {
	sum = strings.ToLower(strings.TrimSpace(sum))
	if len(sum) != sha256.Size*2 {
		return "", &DigestError{Digest: sum}
	}
	if _, err := hex.DecodeString(sum); err != nil {
		return "", &DigestError{Digest: sum}
	}
	return sum, nil
}

// Put stores the content of r and returns its digest and size. Storing bytes
// that are already present is a no-op.
func (s *Store) Put(ctx context.Context, r io.Reader) (string, int64, error) {
	sp, err := spool(ctx, r, s.spoolMemoryBytes)
	if err != nil {
		return "", 0, fmt.Errorf("blobstore put: %w", err)
	}
	defer func() { _ = sp.Close() }()

	ok, err := s.Has(ctx, sp.sum)
	if err != nil {
		return "", 0, err
	}
	if ok {
		return sp.sum, sp.size, nil
	}
	if err := s.p.PutObject(ctx, Key(sp.sum), sp.reader, sp.size); err != nil {
		return "", 0, fmt.Errorf("blobstore put %s: %w", sp.sum, err)
	}
	return sp.sum, sp.size, nil
}

// Get opens the blob for sum. The returned reader fails with ErrCorrupt at
// EOF if the bytes do not hash to sum.
func (s *Store) Get(ctx context.Context, sum string) (io.ReadCloser, int64, error) {
	sum, err := NormalizeDigest(sum)
	if err != nil {
		return nil, 0, err
	}
	body, size, err := s.p.GetObject(ctx, Key(sum))
	if err != nil {
		if provider.IsNotFound(err) {
			return nil, 0, fmt.Errorf("blobstore get %s: %w", sum, ErrBlobNotFound)
		}
		return nil, 0, fmt.Errorf("blobstore get %s: %w", sum, err)
	}
	return newVerifyingReader(body, sum), size, nil
}

// Has reports whether the blob for sum exists.
func (s *Store) Has(ctx context.Context, sum string) (bool, error) {
	sum, err := NormalizeDigest(sum)
	if err != nil {
		return false, err
	}
	if _, err := s.p.Head(ctx, Key(sum)); err != nil {
		if provider.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore head %s: %w", sum, err)
	}
	return true, nil
}

// Delete removes the blob for sum. A missing blob is not an error.
func (s *Store) Delete(ctx context.Context, sum string) error {
	sum, err := NormalizeDigest(sum)
	if err != nil {
		return err
	}
	if err := s.p.DeleteObject(ctx, Key(sum)); err != nil {
		return fmt.Errorf("blobstore delete %s: %w", sum, err)
	}
	return nil
}

// Walk calls fn with the digest of every stored blob, in key order.
func (s *Store) Walk(ctx context.Context, fn func(sum string, size int64) error) error {
	opts := provider.ListOptions{Prefix: KeyPrefix}
	for {
		page, err := s.p.List(ctx, opts)
		if err != nil {
			return fmt.Errorf("blobstore walk: %w", err)
		}
		for _, obj := range page.Objects {
			sum := obj.Key[strings.LastIndex(obj.Key, "/")+1:]
			if _, err := NormalizeDigest(sum); err != nil {
				continue
			}
			if err := fn(sum, obj.Size); err != nil {
				return err
			}
		}
		if !page.IsTruncated || page.ContinuationToken == "" {
			return nil
		}
		opts.ContinuationToken = page.ContinuationToken
	}
}
