// Package cas implements the content-addressed artifact store. Blobs are
// keyed by the SHA-256 hex digest of their bytes, so byte-identical payloads
// fetched from different release URLs collapse into a single stored object.
package cas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when no blob exists for the requested digest.
var ErrNotFound = errors.New("cas: object not found")

// Object describes one stored blob plus its operator-facing sidecar metadata.
type Object struct {
	Digest   string    `json:"digest"`
	Name     string    `json:"name"`
	Origin   string    `json:"origin,omitempty"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}

// PutMeta carries the declared file name and origin URL recorded alongside a
// blob for operator visibility. Neither field participates in addressing.
type PutMeta struct {
	Name   string
	Origin string
}

// Store is the content-addressed blob store contract shared by the disk and
// S3 backends. Put is idempotent: a second put of byte-identical data returns
// the existing object without rewriting. All methods are safe for concurrent
// use across distinct digests.
type Store interface {
	Put(ctx context.Context, data []byte, meta PutMeta) (Object, error)
	Open(ctx context.Context, digest string) (io.ReadCloser, Object, error)
	Stat(ctx context.Context, digest string) (Object, error)
	Verify(ctx context.Context, digest string) (bool, error)
	Delete(ctx context.Context, digest string) error
	List(ctx context.Context) ([]Object, error)
}

// Presigner is implemented by backends that can hand out a time-limited
// download URL instead of streaming bytes through the service.
type Presigner interface {
	PresignGet(ctx context.Context, digest string, ttl time.Duration) (string, error)
}

// DigestBytes returns the SHA-256 hex digest of data.
func DigestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidDigest reports whether s looks like a SHA-256 hex digest.
func ValidDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
