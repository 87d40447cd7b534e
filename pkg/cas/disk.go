package cas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	blobSuffix    = ".apk"
	sidecarSuffix = ".json"
)

// DiskStore keeps blobs as flat files under a single directory. The blob for
// digest d lives at <dir>/<d>.apk with a JSON sidecar at <dir>/<d>.json.
type DiskStore struct {
	dir string
	now func() time.Time
}

// NewDiskStore creates dir if needed and returns a store rooted there.
func NewDiskStore(dir string) (*DiskStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("cas: store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cas: create store dir: %w", err)
	}
	return &DiskStore{dir: dir, now: time.Now}, nil
}

func (s *DiskStore) blobPath(digest string) string {
	return filepath.Join(s.dir, digest+blobSuffix)
}

func (s *DiskStore) sidecarPath(digest string) string {
	return filepath.Join(s.dir, digest+sidecarSuffix)
}

// Put stores data under its SHA-256 digest. The blob is written to a
// temporary file and renamed into place so a partially written blob is never
// visible under its final name. A blob that already exists for the digest is
// left untouched.
func (s *DiskStore) Put(ctx context.Context, data []byte, meta PutMeta) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	digest := DigestBytes(data)

	if existing, err := s.Stat(ctx, digest); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Object{}, err
	}

	obj := Object{
		Digest:   digest,
		Name:     meta.Name,
		Origin:   meta.Origin,
		Size:     int64(len(data)),
		StoredAt: s.now().UTC(),
	}

	if err := s.writeAtomic(s.blobPath(digest), data); err != nil {
		return Object{}, fmt.Errorf("cas: write blob %s: %w", digest, err)
	}

	sidecar, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return Object{}, fmt.Errorf("cas: marshal sidecar: %w", err)
	}
	if err := s.writeAtomic(s.sidecarPath(digest), sidecar); err != nil {
		// The blob itself is durable; a missing sidecar only degrades List output.
		return Object{}, fmt.Errorf("cas: write sidecar %s: %w", digest, err)
	}

	return obj, nil
}

func (s *DiskStore) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Open returns a reader over the stored bytes along with the object metadata.
func (s *DiskStore) Open(ctx context.Context, digest string) (io.ReadCloser, Object, error) {
	obj, err := s.Stat(ctx, digest)
	if err != nil {
		return nil, Object{}, err
	}
	file, err := os.Open(s.blobPath(digest))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Object{}, ErrNotFound
		}
		return nil, Object{}, fmt.Errorf("cas: open blob %s: %w", digest, err)
	}
	return file, obj, nil
}

// Stat reports metadata for the digest without reading the blob.
func (s *DiskStore) Stat(ctx context.Context, digest string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	if !ValidDigest(digest) {
		return Object{}, ErrNotFound
	}

	info, err := os.Stat(s.blobPath(digest))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("cas: stat blob %s: %w", digest, err)
	}

	obj := Object{Digest: digest, Size: info.Size(), StoredAt: info.ModTime().UTC()}
	if data, err := os.ReadFile(s.sidecarPath(digest)); err == nil {
		var sidecar Object
		if err := json.Unmarshal(data, &sidecar); err == nil && sidecar.Digest == digest {
			obj = sidecar
			obj.Size = info.Size()
		}
	}
	return obj, nil
}

// Verify recomputes the hash of the stored bytes and compares it to the
// digest the blob is filed under. Off the hot path; used by integrity checks.
func (s *DiskStore) Verify(ctx context.Context, digest string) (bool, error) {
	reader, _, err := s.Open(ctx, digest)
	if err != nil {
		return false, err
	}
	defer reader.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, reader); err != nil {
		return false, fmt.Errorf("cas: hash blob %s: %w", digest, err)
	}
	return hex.EncodeToString(hash.Sum(nil)) == digest, nil
}

// Delete removes the blob and its sidecar. Deleting an absent digest is a no-op.
func (s *DiskStore) Delete(ctx context.Context, digest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidDigest(digest) {
		return nil
	}
	if err := os.Remove(s.blobPath(digest)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cas: delete blob %s: %w", digest, err)
	}
	if err := os.Remove(s.sidecarPath(digest)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cas: delete sidecar %s: %w", digest, err)
	}
	return nil
}

// List enumerates every stored object, ordered by digest.
func (s *DiskStore) List(ctx context.Context) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("cas: read store dir: %w", err)
	}

	var objects []Object
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, blobSuffix) {
			continue
		}
		digest := strings.TrimSuffix(name, blobSuffix)
		if !ValidDigest(digest) {
			continue
		}
		obj, err := s.Stat(ctx, digest)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		objects = append(objects, obj)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Digest < objects[j].Digest })
	return objects, nil
}
