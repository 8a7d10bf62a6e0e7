package storage

import (
	"context"
	"sync"
	"time"

	"github.com/dstanner/shutterbox/internal/model"
)

// MemoryStore keeps images and share requests in maps guarded by an RWMutex.
// It backs tests and single-process development runs; the pgx repositories are
// the production implementation of the same method sets.
type MemoryStore struct {
	mu     sync.RWMutex
	images map[string]*model.Image
	shares map[string]*model.ShareRequest
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		images: make(map[string]*model.Image),
		shares: make(map[string]*model.ShareRequest),
	}
}

func (m *MemoryStore) CreateImage(_ context.Context, img *model.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now
	}
	img.UpdatedAt = now
	cp := *img
	m.images[img.ID] = &cp
	return nil
}

func (m *MemoryStore) GetImage(_ context.Context, id string) (*model.Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.images[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *img
	return &cp, nil
}

func (m *MemoryStore) MarkImageProcessing(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return ErrNotFound
	}
	img.Status = model.ImageProcessing
	img.UpdatedAt = time.Now().UTC()
	return nil
}

// IncrementImageRetry bumps the retry counter and records the latest error
// reason, returning the new count.
func (m *MemoryStore) IncrementImageRetry(_ context.Context, id, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return 0, ErrNotFound
	}
	img.RetryCount++
	img.ErrorReason = &reason
	img.UpdatedAt = time.Now().UTC()
	return img.RetryCount, nil
}

func (m *MemoryStore) MarkImageReady(_ context.Context, id, thumbnailPath, previewPath string, width, height int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return ErrNotFound
	}
	img.Status = model.ImageReady
	img.ThumbnailPath = &thumbnailPath
	img.PreviewPath = &previewPath
	img.Width = width
	img.Height = height
	img.ErrorReason = nil
	img.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) MarkImageFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return ErrNotFound
	}
	img.Status = model.ImageFailed
	img.ErrorReason = &reason
	img.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListUnfinished(_ context.Context, olderThan time.Time) ([]model.Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Image
	for _, img := range m.images {
		unfinished := img.Status == model.ImageUploaded || img.Status == model.ImageProcessing
		if unfinished && img.UpdatedAt.Before(olderThan) {
			out = append(out, *img)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateShareRequest(_ context.Context, req *model.ShareRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.shares {
		if existing.ImageID == req.ImageID &&
			existing.RequesterID == req.RequesterID &&
			existing.Status == model.SharePending {
			return ErrDuplicatePending
		}
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	cp := *req
	m.shares[req.ID] = &cp
	return nil
}

func (m *MemoryStore) GetShareRequest(_ context.Context, id string) (*model.ShareRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.shares[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

// TransitionShare moves a pending request to a terminal status. The guard on
// the current status makes concurrent decisions race-safe: the loser observes
// ErrInvalidTransition.
func (m *MemoryStore) TransitionShare(_ context.Context, id string, to model.ShareStatus, decidedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.shares[id]
	if !ok {
		return ErrNotFound
	}
	if req.Status != model.SharePending {
		return ErrInvalidTransition
	}
	req.Status = to
	req.DecidedAt = decidedAt
	return nil
}

func (m *MemoryStore) ExpireShares(_ context.Context, now time.Time) ([]model.ShareRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []model.ShareRequest
	for _, req := range m.shares {
		if req.Status == model.SharePending && !req.ExpiresAt.After(now) {
			req.Status = model.ShareExpired
			expired = append(expired, *req)
		}
	}
	return expired, nil
}

func (m *MemoryStore) HasApprovedShare(_ context.Context, imageID, viewerID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, req := range m.shares {
		if req.ImageID == imageID && req.RequesterID == viewerID && req.Status == model.ShareApproved {
			return true, nil
		}
	}
	return false, nil
}
