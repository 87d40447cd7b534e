package cas

import (
	"fmt"
	"os"
	"strings"

	gos3 "sideloadd/pkg/s3"
)

// FromEnv selects and builds the blob store backend.
//
//	SIDELOAD_STORE_BACKEND  disk (default) or s3
//	SIDELOAD_STORE_DIR      blob directory for the disk backend
//	S3_BUCKET               bucket for the s3 backend (plus pkg/s3's S3_* vars)
func FromEnv() (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("SIDELOAD_STORE_BACKEND")))

	switch backend {
	case "", "disk":
		dir := strings.TrimSpace(os.Getenv("SIDELOAD_STORE_DIR"))
		if dir == "" {
			dir = "/var/lib/sideloadd/apks"
		}
		return NewDiskStore(dir)
	case "s3":
		client, err := gos3.NewClientFromEnv()
		if err != nil {
			return nil, fmt.Errorf("cas: init s3 client: %w", err)
		}
		bucket := strings.TrimSpace(os.Getenv("S3_BUCKET"))
		if bucket == "" {
			return nil, fmt.Errorf("cas: S3_BUCKET is required for the s3 backend")
		}
		return NewS3Store(client, bucket)
	default:
		return nil, fmt.Errorf("cas: unknown store backend %q", backend)
	}
}
