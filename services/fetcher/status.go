package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"sideloadd/pkg/db"
)

// StatusStore records download outcomes against release rows. The worker only
// ever moves a release out of downloading, so it needs a far narrower contract
// than the API's registry.
type StatusStore interface {
	MarkCompleted(ctx context.Context, id uuid.UUID, hash string, size int64) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// SQLStatusStore is the pgx-backed StatusStore.
type SQLStatusStore struct {
	pool *pgxpool.Pool
}

// NewStatusStore wraps the shared pgx pool.
func NewStatusStore(pool *pgxpool.Pool) *SQLStatusStore {
	return &SQLStatusStore{pool: pool}
}

// MarkCompleted records the stored blob's digest and size and clears any
// error left over from a previous failed attempt.
func (s *SQLStatusStore) MarkCompleted(ctx context.Context, id uuid.UUID, hash string, size int64) error {
	tag, err := db.Exec(ctx, s.pool, `
		UPDATE releases
		SET status = 'completed', apk_hash = $2, apk_size = $3,
		    error = NULL, completed_at = $4, updated_at = now()
		WHERE id = $1`,
		id, hash, size, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark release %s completed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark release %s completed: no such release", id)
	}
	return nil
}

// MarkFailed records the failure reason. The stale hash from any earlier
// successful download is dropped so the record never claims bytes it does not
// have.
func (s *SQLStatusStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := db.Exec(ctx, s.pool, `
		UPDATE releases
		SET status = 'failed', error = $2,
		    apk_hash = NULL, apk_size = NULL, updated_at = now()
		WHERE id = $1`,
		id, reason)
	if err != nil {
		return fmt.Errorf("mark release %s failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark release %s failed: no such release", id)
	}
	return nil
}
