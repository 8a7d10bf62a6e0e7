// Package repository wraps all SQL used by the API server and the worker.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dstanner/shutterbox/internal/model"
	"github.com/dstanner/shutterbox/internal/storage"
)

// ImageRepository persists image metadata rows.
type ImageRepository struct {
	pool *pgxpool.Pool
}

// NewImageRepository constructs a repository.
func NewImageRepository(pool *pgxpool.Pool) *ImageRepository {
	return &ImageRepository{pool: pool}
}

const imageColumns = `id, owner_id, original_path, thumbnail_path, preview_path, status, visibility,
	content_type, size_bytes, width, height, retry_count, error_reason, created_at, updated_at`

func (r *ImageRepository) CreateImage(ctx context.Context, img *model.Image) error {
	now := time.Now().UTC()
	img.CreatedAt = now
	img.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO images (id, owner_id, original_path, status, visibility, content_type, size_bytes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, img.ID, img.OwnerID, img.OriginalPath, img.Status, img.Visibility, img.ContentType, img.Size, img.CreatedAt, img.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

func (r *ImageRepository) GetImage(ctx context.Context, id string) (*model.Image, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id=$1`, id)
	img, err := scanImage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("select image: %w", err)
	}
	return img, nil
}

func (r *ImageRepository) MarkImageProcessing(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE images SET status=$1, updated_at=$2 WHERE id=$3
	`, model.ImageProcessing, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// IncrementImageRetry bumps the retry counter atomically in the database and
// returns the new count.
func (r *ImageRepository) IncrementImageRetry(ctx context.Context, id, reason string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		UPDATE images SET retry_count = retry_count + 1, error_reason=$1, updated_at=$2
		WHERE id=$3
		RETURNING retry_count
	`, reason, time.Now().UTC(), id).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	return count, nil
}

func (r *ImageRepository) MarkImageReady(ctx context.Context, id, thumbnailPath, previewPath string, width, height int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE images SET status=$1, thumbnail_path=$2, preview_path=$3, width=$4, height=$5,
			error_reason=NULL, updated_at=$6
		WHERE id=$7
	`, model.ImageReady, thumbnailPath, previewPath, width, height, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *ImageRepository) MarkImageFailed(ctx context.Context, id, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE images SET status=$1, error_reason=$2, updated_at=$3 WHERE id=$4
	`, model.ImageFailed, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListUnfinished returns images stuck in the uploaded or processing state.
// Uploaded rows mean the upload event was lost; processing rows mean a worker
// died holding a retry timer. The reconciliation sweep re-publishes both, and
// the worker pool's idempotency checks make that safe.
func (r *ImageRepository) ListUnfinished(ctx context.Context, olderThan time.Time) ([]model.Image, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+imageColumns+` FROM images
		WHERE status = ANY($1) AND updated_at < $2
	`, []string{string(model.ImageUploaded), string(model.ImageProcessing)}, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list unfinished images: %w", err)
	}
	defer rows.Close()
	var out []model.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unfinished image: %w", err)
		}
		out = append(out, *img)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (*model.Image, error) {
	var img model.Image
	if err := row.Scan(
		&img.ID, &img.OwnerID, &img.OriginalPath, &img.ThumbnailPath, &img.PreviewPath,
		&img.Status, &img.Visibility, &img.ContentType, &img.Size, &img.Width, &img.Height,
		&img.RetryCount, &img.ErrorReason, &img.CreatedAt, &img.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &img, nil
}
