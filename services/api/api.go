package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Download status state machine:
//
//	pending --(fetch starts)--> downloading --(success)--> completed
//	pending --(fetch starts)--> downloading --(failure)--> failed
//	failed  --(retrigger)-----> downloading ...
//	downloading --(retrigger)-> rejected ("already in progress")
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// Provenance of a release record: how it was discovered.
const (
	SourceWebhook = "webhook"
	SourceManual  = "manual"
	SourcePoll    = "poll"
)

var (
	// ErrNotFound is returned when no release matches the lookup.
	ErrNotFound = errors.New("release not found")
	// ErrDuplicateTag is returned by Create when the tag is already registered.
	ErrDuplicateTag = errors.New("release tag already exists")
	// ErrDownloadInProgress is returned by Claim when the release is already
	// being downloaded and the claim is not stale yet.
	ErrDownloadInProgress = errors.New("download already in progress")
)

// Release is one discoverable version of the headset application.
type Release struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	Tag         string         `json:"tag" db:"tag"`
	Name        string         `json:"name" db:"name"`
	ApkName     string         `json:"apk_name" db:"apk_name"`
	ApkURL      string         `json:"apk_url" db:"apk_url"`
	ApkHash     *string        `json:"apk_hash,omitempty" db:"apk_hash"`
	ApkSize     *int64         `json:"apk_size,omitempty" db:"apk_size"`
	Status      string         `json:"status" db:"status"`
	Error       *string        `json:"error,omitempty" db:"error"`
	Source      string         `json:"source" db:"source"`
	Meta        map[string]any `json:"meta,omitempty" db:"meta"`
	PublishedAt time.Time      `json:"published_at" db:"published_at"`
	DetectedAt  time.Time      `json:"detected_at" db:"detected_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// ReleaseUpdate is a partial update: nil fields are left untouched. The Clear
// flags exist because setting a column to NULL is distinct from not touching
// it (a failed download keeps its error but must drop any stale hash).
type ReleaseUpdate struct {
	Status      *string
	ApkHash     *string
	ApkSize     *int64
	Error       *string
	CompletedAt *time.Time
	ClearError  bool
	ClearHash   bool
}

// IsEmpty reports whether the update would touch nothing.
func (u ReleaseUpdate) IsEmpty() bool {
	return u.Status == nil && u.ApkHash == nil && u.ApkSize == nil &&
		u.Error == nil && u.CompletedAt == nil && !u.ClearError && !u.ClearHash
}

// RegistryStats summarises the registry for the backfill status endpoint.
type RegistryStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
}

// Registry is the durable release record store. Claim is the serialization
// point for concurrent download triggers: it transitions a release into
// downloading only when it is not already there (or the previous claim has
// gone stale), so at most one fetch per tag is in flight.
type Registry interface {
	Exists(ctx context.Context, tag string) (bool, error)
	GetByTag(ctx context.Context, tag string) (Release, error)
	GetByID(ctx context.Context, id uuid.UUID) (Release, error)
	List(ctx context.Context) ([]Release, error)
	LatestCompleted(ctx context.Context) (Release, error)
	Create(ctx context.Context, release Release) (Release, error)
	Update(ctx context.Context, id uuid.UUID, update ReleaseUpdate) (Release, error)
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
	Claim(ctx context.Context, id uuid.UUID, staleAfter time.Duration) (Release, error)
	CountByHash(ctx context.Context, hash string) (int, error)
	Stats(ctx context.Context) (RegistryStats, error)
}
