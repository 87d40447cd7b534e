package cas

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	gos3 "sideloadd/pkg/s3"
)

const s3KeyPrefix = "apk/"

// S3Store keeps blobs in an S3 bucket under apk/<digest>, with the sidecar
// fields carried as object metadata. Used when several sideloadd instances
// need to share one artifact cache.
type S3Store struct {
	client *gos3.Client
	bucket string
}

// NewS3Store wraps the provided client and bucket as a content-addressed store.
func NewS3Store(client *gos3.Client, bucket string) (*S3Store, error) {
	if client == nil {
		return nil, errors.New("cas: s3 client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("cas: s3 bucket is required")
	}
	return &S3Store{client: client, bucket: bucket}, nil
}

func s3Key(digest string) string {
	return s3KeyPrefix + digest
}

// Put uploads data under its digest unless the key already exists. S3 object
// writes are atomic, so no temp-and-rename dance is needed here.
func (s *S3Store) Put(ctx context.Context, data []byte, meta PutMeta) (Object, error) {
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
		StoredAt: time.Now().UTC(),
	}

	metadata := map[string]string{
		"name":      meta.Name,
		"origin":    meta.Origin,
		"stored-at": obj.StoredAt.Format(time.RFC3339),
	}
	if err := s.client.PutObject(ctx, s.bucket, s3Key(digest), bytes.NewReader(data), obj.Size, digest, metadata); err != nil {
		return Object{}, fmt.Errorf("cas: upload blob %s: %w", digest, err)
	}
	return obj, nil
}

// Open streams the object body. Callers own the returned reader.
func (s *S3Store) Open(ctx context.Context, digest string) (io.ReadCloser, Object, error) {
	if !ValidDigest(digest) {
		return nil, Object{}, ErrNotFound
	}
	body, info, err := s.client.GetObject(ctx, s.bucket, s3Key(digest))
	if err != nil {
		if errors.Is(err, gos3.ErrNoSuchKey) {
			return nil, Object{}, ErrNotFound
		}
		return nil, Object{}, fmt.Errorf("cas: get blob %s: %w", digest, err)
	}
	return body, objectFromInfo(digest, info), nil
}

// Stat reports metadata for the digest without downloading the blob.
func (s *S3Store) Stat(ctx context.Context, digest string) (Object, error) {
	if !ValidDigest(digest) {
		return Object{}, ErrNotFound
	}
	info, err := s.client.HeadObject(ctx, s.bucket, s3Key(digest))
	if err != nil {
		if errors.Is(err, gos3.ErrNoSuchKey) {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("cas: head blob %s: %w", digest, err)
	}
	return objectFromInfo(digest, info), nil
}

// Verify downloads the object and recomputes its hash.
func (s *S3Store) Verify(ctx context.Context, digest string) (bool, error) {
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

// Delete removes the object. Absent keys are a no-op.
func (s *S3Store) Delete(ctx context.Context, digest string) error {
	if !ValidDigest(digest) {
		return nil
	}
	if err := s.client.DeleteObject(ctx, s.bucket, s3Key(digest)); err != nil {
		return fmt.Errorf("cas: delete blob %s: %w", digest, err)
	}
	return nil
}

// List enumerates every stored object under the apk/ prefix.
func (s *S3Store) List(ctx context.Context) ([]Object, error) {
	infos, err := s.client.ListObjects(ctx, s.bucket, s3KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("cas: list blobs: %w", err)
	}

	var objects []Object
	for _, info := range infos {
		digest := path.Base(info.Key)
		if !ValidDigest(digest) {
			continue
		}
		objects = append(objects, objectFromInfo(digest, info))
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Digest < objects[j].Digest })
	return objects, nil
}

// PresignGet hands out a time-limited download URL so headsets fetch blobs
// straight from the bucket instead of through the control plane.
func (s *S3Store) PresignGet(ctx context.Context, digest string, ttl time.Duration) (string, error) {
	if !ValidDigest(digest) {
		return "", ErrNotFound
	}
	return s.client.PresignGet(ctx, s.bucket, s3Key(digest), ttl)
}

func objectFromInfo(digest string, info gos3.ObjectInfo) Object {
	obj := Object{
		Digest:   digest,
		Size:     info.Size,
		StoredAt: info.Modified.UTC(),
	}
	if info.Metadata != nil {
		obj.Name = info.Metadata["name"]
		obj.Origin = info.Metadata["origin"]
		if raw, ok := info.Metadata["stored-at"]; ok {
			if ts, err := time.Parse(time.RFC3339, raw); err == nil {
				obj.StoredAt = ts
			}
		}
	}
	return obj
}
