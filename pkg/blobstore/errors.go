package blobstore

import (
	"errors"
	"fmt"
)

var (
	// ErrBlobNotFound is returned by Get when no blob has the digest.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrCorrupt is returned when stored bytes do not hash to their key.
	ErrCorrupt = errors.New("blob content does not match digest")

	// ErrInvalidDigest is returned for anything that is not 64 hex characters.
	ErrInvalidDigest = errors.New("invalid sha256 digest")
)

// DigestError reports a malformed digest.
type DigestError struct {
	Digest string
}

func (e *DigestError) Error() string {
	return fmt.Sprintf("%v: %q", ErrInvalidDigest, e.Digest)
}

func (e *DigestError) Unwrap() error { return ErrInvalidDigest }

// CorruptError reports a blob whose content hashed to Got instead of Want.
type CorruptError struct {
	Want string
	Got  string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("%v: want %s, got %s", ErrCorrupt, e.Want, e.Got)
}

func (e *CorruptError) Unwrap() error { return ErrCorrupt }

func IsNotFound(err error) bool { return errors.Is(err, ErrBlobNotFound) }

func IsCorrupt(err error) bool { return errors.Is(err, ErrCorrupt) }
