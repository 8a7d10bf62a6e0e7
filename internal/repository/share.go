package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dstanner/shutterbox/internal/model"
	"github.com/dstanner/shutterbox/internal/storage"
)

// ShareRequestRepository persists share request rows. Requests are never
// deleted; terminal transitions keep the audit trail intact.
type ShareRequestRepository struct {
	pool *pgxpool.Pool
}

// NewShareRequestRepository constructs a repository.
func NewShareRequestRepository(pool *pgxpool.Pool) *ShareRequestRepository {
	return &ShareRequestRepository{pool: pool}
}

// CreateShareRequest inserts a pending request. The partial unique index on
// (image_id, requester_id) WHERE status='pending' turns a concurrent double
// submit into storage.ErrDuplicatePending.
func (r *ShareRequestRepository) CreateShareRequest(ctx context.Context, req *model.ShareRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO share_requests (id, image_id, requester_id, owner_id, status, message, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, req.ID, req.ImageID, req.RequesterID, req.OwnerID, req.Status, req.Message, req.CreatedAt, req.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return storage.ErrDuplicatePending
		}
		return fmt.Errorf("insert share request: %w", err)
	}
	return nil
}

func (r *ShareRequestRepository) GetShareRequest(ctx context.Context, id string) (*model.ShareRequest, error) {
	var req model.ShareRequest
	row := r.pool.QueryRow(ctx, `
		SELECT id, image_id, requester_id, owner_id, status, message, created_at, decided_at, expires_at
		FROM share_requests WHERE id=$1
	`, id)
	if err := row.Scan(&req.ID, &req.ImageID, &req.RequesterID, &req.OwnerID, &req.Status,
		&req.Message, &req.CreatedAt, &req.DecidedAt, &req.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("select share request: %w", err)
	}
	return &req, nil
}

// TransitionShare moves a pending request into a terminal status. The WHERE
// guard on the current status makes concurrent decisions race-safe: exactly
// one caller wins, the rest observe ErrInvalidTransition.
func (r *ShareRequestRepository) TransitionShare(ctx context.Context, id string, to model.ShareStatus, decidedAt *time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE share_requests SET status=$1, decided_at=$2 WHERE id=$3 AND status=$4
	`, to, decidedAt, id, model.SharePending)
	if err != nil {
		return fmt.Errorf("transition share request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a lost race.
		if _, err := r.GetShareRequest(ctx, id); err != nil {
			return err
		}
		return storage.ErrInvalidTransition
	}
	return nil
}

// ExpireShares transitions every pending request past its expiry to expired
// and returns the affected rows. Re-running is a no-op for terminal requests.
func (r *ShareRequestRepository) ExpireShares(ctx context.Context, now time.Time) ([]model.ShareRequest, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE share_requests SET status=$1
		WHERE status=$2 AND expires_at <= $3
		RETURNING id, image_id, requester_id, owner_id, status, message, created_at, decided_at, expires_at
	`, model.ShareExpired, model.SharePending, now)
	if err != nil {
		return nil, fmt.Errorf("expire share requests: %w", err)
	}
	defer rows.Close()
	var out []model.ShareRequest
	for rows.Next() {
		var req model.ShareRequest
		if err := rows.Scan(&req.ID, &req.ImageID, &req.RequesterID, &req.OwnerID, &req.Status,
			&req.Message, &req.CreatedAt, &req.DecidedAt, &req.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan expired request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *ShareRequestRepository) HasApprovedShare(ctx context.Context, imageID, viewerID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM share_requests
			WHERE image_id=$1 AND requester_id=$2 AND status=$3
		)
	`, imageID, viewerID, model.ShareApproved).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check approved share: %w", err)
	}
	return exists, nil
}
