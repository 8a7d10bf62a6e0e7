package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the tables if needed. Keeping the migration in code
// keeps the stack self-contained so docker-compose can bootstrap everything.
// The partial unique index is what enforces the one-pending-request-per-
// (image, requester) rule; application checks alone cannot close that race.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS images (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	original_path TEXT NOT NULL,
	thumbnail_path TEXT,
	preview_path TEXT,
	status TEXT NOT NULL,
	visibility TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	width INT NOT NULL DEFAULT 0,
	height INT NOT NULL DEFAULT 0,
	retry_count INT NOT NULL DEFAULT 0,
	error_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_images_status ON images(status);
CREATE INDEX IF NOT EXISTS idx_images_owner ON images(owner_id);

CREATE TABLE IF NOT EXISTS share_requests (
	id TEXT PRIMARY KEY,
	image_id TEXT NOT NULL,
	requester_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	decided_at TIMESTAMPTZ,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_share_requests_one_pending
	ON share_requests(image_id, requester_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_share_requests_status ON share_requests(status);
CREATE INDEX IF NOT EXISTS idx_share_requests_viewer ON share_requests(image_id, requester_id, status);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
