// Package share implements the cross-user share request state machine.
// Pending is the only non-terminal state; Approved, Rejected, Cancelled, and
// Expired are terminal and each request transitions exactly once.
package share

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dstanner/shutterbox/internal/bus"
	"github.com/dstanner/shutterbox/internal/event"
	"github.com/dstanner/shutterbox/internal/model"
	"github.com/dstanner/shutterbox/internal/storage"
)

var (
	// ErrNotFound covers both a missing entity and a private image queried by
	// a caller without access: the two must be indistinguishable so that
	// existence of private images never leaks.
	ErrNotFound = errors.New("not found")
	// ErrForbidden rejects an actor who is not allowed to drive a transition.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict rejects a second request while one is already pending.
	ErrConflict = errors.New("share request already pending")
	// ErrSelfShare rejects a request for the requester's own image.
	ErrSelfShare = errors.New("cannot request a share of your own image")
	// ErrInvalidState rejects a transition on a request that is not pending.
	ErrInvalidState = errors.New("share request is not pending")
)

// Decision is an owner's verdict on a pending request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ImageStore is the read access the engine needs to images.
type ImageStore interface {
	GetImage(ctx context.Context, id string) (*model.Image, error)
}

// ShareStore persists share requests.
type ShareStore interface {
	CreateShareRequest(ctx context.Context, req *model.ShareRequest) error
	GetShareRequest(ctx context.Context, id string) (*model.ShareRequest, error)
	TransitionShare(ctx context.Context, id string, to model.ShareStatus, decidedAt *time.Time) error
	ExpireShares(ctx context.Context, now time.Time) ([]model.ShareRequest, error)
	HasApprovedShare(ctx context.Context, imageID, viewerID string) (bool, error)
}

// Engine runs synchronously inside API calls; its bus publishes are best
// effort and never gate the state transition already recorded.
type Engine struct {
	images ImageStore
	shares ShareStore
	pub    bus.Publisher
	ttl    time.Duration
	log    *zap.SugaredLogger
}

// NewEngine constructs an Engine. ttl bounds how long a request may stay
// pending before the periodic sweep expires it.
func NewEngine(images ImageStore, shares ShareStore, pub bus.Publisher, ttl time.Duration, log *zap.SugaredLogger) *Engine {
	return &Engine{images: images, shares: shares, pub: pub, ttl: ttl, log: log}
}

// RequestShare opens a pending request from requester to the image's current
// owner. The owner id is denormalized onto the request at creation time and
// never re-validated.
func (e *Engine) RequestShare(ctx context.Context, requesterID, imageID, message string) (*model.ShareRequest, error) {
	img, err := e.images.GetImage(ctx, imageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load image: %w", err)
	}
	if img.OwnerID == requesterID {
		return nil, ErrSelfShare
	}

	now := time.Now().UTC()
	req := &model.ShareRequest{
		ID:          uuid.NewString(),
		ImageID:     img.ID,
		RequesterID: requesterID,
		OwnerID:     img.OwnerID,
		Status:      model.SharePending,
		Message:     message,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.ttl),
	}
	if err := e.shares.CreateShareRequest(ctx, req); err != nil {
		if errors.Is(err, storage.ErrDuplicatePending) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create share request: %w", err)
	}

	e.publish(ctx, event.TopicShareRequested, event.ShareRequested{
		ShareRequestID: req.ID,
		ImageID:        req.ImageID,
		RequesterID:    req.RequesterID,
		OwnerID:        req.OwnerID,
		Message:        req.Message,
	})
	return req, nil
}

// Decide lets the image owner approve or reject a pending request. The
// guarded store transition makes a concurrent double decision impossible.
func (e *Engine) Decide(ctx context.Context, actorID, shareRequestID string, decision Decision) (*model.ShareRequest, error) {
	req, err := e.shares.GetShareRequest(ctx, shareRequestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load share request: %w", err)
	}
	if req.OwnerID != actorID {
		return nil, ErrForbidden
	}
	if req.Status != model.SharePending {
		return nil, ErrInvalidState
	}

	to := model.ShareRejected
	topic := event.TopicShareRejected
	if decision == DecisionApprove {
		to = model.ShareApproved
		topic = event.TopicShareApproved
	}
	now := time.Now().UTC()
	if err := e.shares.TransitionShare(ctx, req.ID, to, &now); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("transition share request: %w", err)
	}
	req.Status = to
	req.DecidedAt = &now

	e.publish(ctx, topic, event.ShareDecided{
		ShareRequestID: req.ID,
		ImageID:        req.ImageID,
		RequesterID:    req.RequesterID,
		OwnerID:        req.OwnerID,
	})
	return req, nil
}

// Cancel lets the requester withdraw a still-pending request.
func (e *Engine) Cancel(ctx context.Context, actorID, shareRequestID string) (*model.ShareRequest, error) {
	req, err := e.shares.GetShareRequest(ctx, shareRequestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load share request: %w", err)
	}
	if req.RequesterID != actorID {
		return nil, ErrForbidden
	}
	if req.Status != model.SharePending {
		return nil, ErrInvalidState
	}
	if err := e.shares.TransitionShare(ctx, req.ID, model.ShareCancelled, nil); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("transition share request: %w", err)
	}
	req.Status = model.ShareCancelled
	return req, nil
}

// ExpireStale transitions every pending request past its TTL to expired.
// Re-running has no effect on requests already in a terminal state.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	expired, err := e.shares.ExpireShares(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire stale requests: %w", err)
	}
	if len(expired) > 0 {
		e.log.Infow("expired stale share requests", "count", len(expired))
	}
	return len(expired), nil
}

// CanView is the single authorization gate over image content. It is
// consulted for every asset read: original, thumbnail, and blurred preview
// alike, regardless of any client-side obfuscation.
func (e *Engine) CanView(ctx context.Context, viewerID, imageID string) (bool, error) {
	img, err := e.images.GetImage(ctx, imageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load image: %w", err)
	}
	if img.OwnerID == viewerID {
		return true, nil
	}
	if img.Visibility == model.VisibilityPublic {
		return true, nil
	}
	return e.shares.HasApprovedShare(ctx, imageID, viewerID)
}

func (e *Engine) publish(ctx context.Context, topic string, payload any) {
	if err := e.pub.Publish(ctx, topic, payload); err != nil {
		e.log.Warnw("publish share event failed", "topic", topic, "error", err)
	}
}
