package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Materialize copies the blob for sum into a new file under dir and returns
// its path. The caller runs cleanup when done; it removes the file. A corrupt
// blob leaves nothing behind.
func (s *Store) Materialize(ctx context.Context, sum, dir string) (string, func() error, error) {
	sum, err := NormalizeDigest(sum)
	if err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("blobstore materialize: %w", err)
	}

	body, _, err := s.Get(ctx, sum)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = body.Close() }()

	f, err := os.CreateTemp(dir, sum[:12]+"-*")
	if err != nil {
		return "", nil, fmt.Errorf("blobstore materialize: %w", err)
	}
	path := f.Name()
	cleanup := func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	_, copyErr := io.Copy(f, &ctxReader{ctx: ctx, r: body})
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = cleanup()
		return "", nil, fmt.Errorf("blobstore materialize %s: %w", sum, err)
	}
	// Artifacts are binaries; workers execute them.
	if err := os.Chmod(path, 0o755); err != nil {
		_ = cleanup()
		return "", nil, fmt.Errorf("blobstore materialize %s: %w", sum, err)
	}
	return filepath.Clean(path), cleanup, nil
}
