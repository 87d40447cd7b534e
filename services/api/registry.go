package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"sideloadd/pkg/db"
)

const releaseColumns = `id, tag, name, apk_name, apk_url, apk_hash, apk_size,
	status, error, source, meta, published_at, detected_at, completed_at, updated_at`

// SQLRegistry implements Registry on top of PostgreSQL: gorm for row
// lifecycle, pgx + scany for reads and the conditional claim.
type SQLRegistry struct {
	pool *pgxpool.Pool
	orm  *gorm.DB
}

// NewRegistry wires a SQLRegistry over the provided pool and ORM handle.
func NewRegistry(pool *pgxpool.Pool, orm *gorm.DB) (*SQLRegistry, error) {
	if pool == nil {
		return nil, errors.New("registry: pgx pool is required")
	}
	if orm == nil {
		return nil, errors.New("registry: gorm handle is required")
	}
	return &SQLRegistry{pool: pool, orm: orm}, nil
}

func (r *SQLRegistry) Exists(ctx context.Context, tag string) (bool, error) {
	var exists bool
	err := db.Get(ctx, r.pool, &exists, `SELECT EXISTS (SELECT 1 FROM releases WHERE tag = $1)`, tag)
	if err != nil {
		return false, fmt.Errorf("registry: exists %q: %w", tag, err)
	}
	return exists, nil
}

func (r *SQLRegistry) GetByTag(ctx context.Context, tag string) (Release, error) {
	var release Release
	err := db.Get(ctx, r.pool, &release,
		`SELECT `+releaseColumns+` FROM releases WHERE tag = $1`, tag)
	if err != nil {
		if pgxscan.NotFound(err) {
			return Release{}, ErrNotFound
		}
		return Release{}, fmt.Errorf("registry: get by tag %q: %w", tag, err)
	}
	return release, nil
}

func (r *SQLRegistry) GetByID(ctx context.Context, id uuid.UUID) (Release, error) {
	var release Release
	err := db.Get(ctx, r.pool, &release,
		`SELECT `+releaseColumns+` FROM releases WHERE id = $1`, id)
	if err != nil {
		if pgxscan.NotFound(err) {
			return Release{}, ErrNotFound
		}
		return Release{}, fmt.Errorf("registry: get by id %s: %w", id, err)
	}
	return release, nil
}

func (r *SQLRegistry) List(ctx context.Context) ([]Release, error) {
	var releases []Release
	err := db.Select(ctx, r.pool, &releases,
		`SELECT `+releaseColumns+` FROM releases ORDER BY published_at DESC, detected_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return releases, nil
}

func (r *SQLRegistry) LatestCompleted(ctx context.Context) (Release, error) {
	var release Release
	err := db.Get(ctx, r.pool, &release,
		`SELECT `+releaseColumns+` FROM releases
		 WHERE status = $1 ORDER BY published_at DESC LIMIT 1`, StatusCompleted)
	if err != nil {
		if pgxscan.NotFound(err) {
			return Release{}, ErrNotFound
		}
		return Release{}, fmt.Errorf("registry: latest completed: %w", err)
	}
	return release, nil
}

// Create inserts a new release row. A duplicate tag fails loudly with
// ErrDuplicateTag; register-if-new callers are expected to check Exists first.
func (r *SQLRegistry) Create(ctx context.Context, release Release) (Release, error) {
	if release.ID == uuid.Nil {
		release.ID = uuid.New()
	}
	if release.Status == "" {
		release.Status = StatusPending
	}
	if release.DetectedAt.IsZero() {
		release.DetectedAt = time.Now().UTC()
	}

	model := modelFromRelease(release)
	if err := r.orm.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return Release{}, fmt.Errorf("%w: %s", ErrDuplicateTag, release.Tag)
		}
		return Release{}, fmt.Errorf("registry: create %q: %w", release.Tag, err)
	}
	return model.toAPI(), nil
}

// Update merges only the supplied fields. An empty update returns the
// unchanged record.
func (r *SQLRegistry) Update(ctx context.Context, id uuid.UUID, update ReleaseUpdate) (Release, error) {
	if update.IsEmpty() {
		return r.GetByID(ctx, id)
	}

	fields := map[string]any{"updated_at": time.Now().UTC()}
	if update.Status != nil {
		fields["status"] = *update.Status
	}
	if update.ApkHash != nil {
		fields["apk_hash"] = *update.ApkHash
	}
	if update.ApkSize != nil {
		fields["apk_size"] = *update.ApkSize
	}
	if update.Error != nil {
		fields["error"] = *update.Error
	}
	if update.CompletedAt != nil {
		fields["completed_at"] = *update.CompletedAt
	}
	if update.ClearError {
		fields["error"] = nil
	}
	if update.ClearHash {
		fields["apk_hash"] = nil
		fields["apk_size"] = nil
	}

	result := r.orm.WithContext(ctx).Model(&releaseModel{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return Release{}, fmt.Errorf("registry: update %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return Release{}, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

// Delete removes the row and reports whether one actually went away.
func (r *SQLRegistry) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	result := r.orm.WithContext(ctx).Where("id = ?", id).Delete(&releaseModel{})
	if result.Error != nil {
		return false, fmt.Errorf("registry: delete %s: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Claim is the single serialization point for download triggers: one
// conditional UPDATE that moves the release into downloading unless it is
// already there. A claim older than staleAfter is treated as abandoned (a
// worker died and its queue message was lost) and may be taken over.
func (r *SQLRegistry) Claim(ctx context.Context, id uuid.UUID, staleAfter time.Duration) (Release, error) {
	var release Release
	err := db.Get(ctx, r.pool, &release, `
		UPDATE releases
		SET status = $2, error = NULL, updated_at = now()
		WHERE id = $1
		  AND (status <> $2 OR updated_at < now() - ($3 * interval '1 second'))
		RETURNING `+releaseColumns,
		id, StatusDownloading, int64(staleAfter/time.Second))
	if err != nil {
		if pgxscan.NotFound(err) {
			// Either the row is gone or somebody else holds a live claim.
			if _, getErr := r.GetByID(ctx, id); getErr != nil {
				return Release{}, getErr
			}
			return Release{}, ErrDownloadInProgress
		}
		return Release{}, fmt.Errorf("registry: claim %s: %w", id, err)
	}
	return release, nil
}

// CountByHash reports how many releases reference the given artifact hash.
// Used to keep a shared blob alive when one of its releases is deleted.
func (r *SQLRegistry) CountByHash(ctx context.Context, hash string) (int, error) {
	var count int
	err := db.Get(ctx, r.pool, &count, `SELECT count(*) FROM releases WHERE apk_hash = $1`, hash)
	if err != nil {
		return 0, fmt.Errorf("registry: count by hash: %w", err)
	}
	return count, nil
}

func (r *SQLRegistry) Stats(ctx context.Context) (RegistryStats, error) {
	var stats RegistryStats
	err := db.Get(ctx, r.pool, &stats, `
		SELECT count(*) AS total,
		       count(*) FILTER (WHERE status = $1) AS completed
		FROM releases`, StatusCompleted)
	if err != nil {
		return RegistryStats{}, fmt.Errorf("registry: stats: %w", err)
	}
	return stats, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
