package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"os"
)

// DefaultSpoolMemoryBytes is the largest Put buffered in memory. Larger
// bodies are spooled to a temp file so the hash is known before upload.
const DefaultSpoolMemoryBytes int64 = 16 << 20 // 16 MiB

type spooled struct {
	sum     string
	size    int64
	reader  io.ReadSeeker
	cleanup func() error
}

func (s *spooled) Close() error {
	if s.cleanup == nil {
		return nil
	}
	return s.cleanup()
}

// spool reads all of src, hashing as it goes, and returns a seekable copy.
func spool(ctx context.Context, src io.Reader, maxMemoryBytes int64) (*spooled, error) {
	if maxMemoryBytes <= 0 {
		maxMemoryBytes = DefaultSpoolMemoryBytes
	}
	h := sha256.New()
	tee := io.TeeReader(&ctxReader{ctx: ctx, r: src}, h)

	// Read one byte past the limit to learn whether the body fits.
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(tee, maxMemoryBytes+1))
	if err != nil {
		return nil, err
	}
	if n <= maxMemoryBytes {
		return &spooled{
			sum:    hex.EncodeToString(h.Sum(nil)),
			size:   n,
			reader: bytes.NewReader(buf.Bytes()),
		}, nil
	}

	f, err := os.CreateTemp("", "gofielding-blob-*")
	if err != nil {
		return nil, err
	}
	cleanup := func() error {
		closeErr := f.Close()
		removeErr := os.Remove(f.Name())
		if errors.Is(closeErr, os.ErrClosed) {
			closeErr = nil
		}
		return errors.Join(closeErr, removeErr)
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = cleanup()
		return nil, err
	}
	rest, err := io.Copy(f, tee)
	if err != nil {
		_ = cleanup()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = cleanup()
		return nil, err
	}
	return &spooled{
		sum:     hex.EncodeToString(h.Sum(nil)),
		size:    n + rest,
		reader:  f,
		cleanup: cleanup,
	}, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// verifyingReader hashes what it passes through and checks the digest at EOF.
type verifyingReader struct {
	body io.ReadCloser
	want string
	h    hash.Hash
	done bool
}

func newVerifyingReader(body io.ReadCloser, want string) *verifyingReader {
	return &verifyingReader{body: body, want: want, h: sha256.New()}
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.body.Read(p)
	v.h.Write(p[:n])
	if errors.Is(err, io.EOF) && !v.done {
		v.done = true
		if got := hex.EncodeToString(v.h.Sum(nil)); got != v.want {
			return n, &CorruptError{Want: v.want, Got: got}
		}
	}
	return n, err
}

func (v *verifyingReader) Close() error { return v.body.Close() }
