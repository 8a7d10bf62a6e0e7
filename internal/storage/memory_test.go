package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dstanner/shutterbox/internal/model"
)

func TestImageLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.GetImage(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetImage missing: err = %v, want ErrNotFound", err)
	}

	img := &model.Image{ID: "img1", OwnerID: "alice", Status: model.ImageUploaded}
	if err := store.CreateImage(ctx, img); err != nil {
		t.Fatalf("CreateImage: %v", err)
	}

	if err := store.MarkImageProcessing(ctx, "img1"); err != nil {
		t.Fatalf("MarkImageProcessing: %v", err)
	}
	count, err := store.IncrementImageRetry(ctx, "img1", "transient")
	if err != nil || count != 1 {
		t.Fatalf("IncrementImageRetry = %d, %v; want 1, nil", count, err)
	}
	count, _ = store.IncrementImageRetry(ctx, "img1", "again")
	if count != 2 {
		t.Fatalf("second increment = %d, want 2", count)
	}

	if err := store.MarkImageReady(ctx, "img1", "derived/img1/thumb.jpg", "derived/img1/preview.jpg", 640, 480); err != nil {
		t.Fatalf("MarkImageReady: %v", err)
	}
	got, err := store.GetImage(ctx, "img1")
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if got.Status != model.ImageReady || got.Width != 640 || got.Height != 480 {
		t.Errorf("image = %+v", got)
	}
	if got.ThumbnailPath == nil || *got.ThumbnailPath != "derived/img1/thumb.jpg" {
		t.Errorf("thumbnail path = %v", got.ThumbnailPath)
	}
	if got.ErrorReason != nil {
		t.Error("error reason should clear on ready")
	}
}

func TestListUnfinished(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for id, status := range map[string]model.ImageStatus{
		"a": model.ImageUploaded,
		"b": model.ImageProcessing,
		"c": model.ImageReady,
		"d": model.ImageFailed,
	} {
		if err := store.CreateImage(ctx, &model.Image{ID: id, OwnerID: "alice", Status: status}); err != nil {
			t.Fatalf("CreateImage: %v", err)
		}
	}

	got, err := store.ListUnfinished(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("ListUnfinished: %v", err)
	}
	ids := map[string]bool{}
	for _, img := range got {
		ids[img.ID] = true
	}
	if len(ids) != 2 || !ids["a"] || !ids["b"] {
		t.Errorf("unfinished ids = %v, want a and b", ids)
	}

	got, err = store.ListUnfinished(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil || len(got) != 0 {
		t.Errorf("past cutoff returned %d rows, want 0", len(got))
	}
}

func TestShareRequestGuards(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	req := &model.ShareRequest{
		ID:          "req1",
		ImageID:     "img1",
		RequesterID: "bob",
		OwnerID:     "alice",
		Status:      model.SharePending,
		ExpiresAt:   now.Add(time.Hour),
	}
	if err := store.CreateShareRequest(ctx, req); err != nil {
		t.Fatalf("CreateShareRequest: %v", err)
	}

	dup := &model.ShareRequest{ID: "req2", ImageID: "img1", RequesterID: "bob", Status: model.SharePending}
	if err := store.CreateShareRequest(ctx, dup); !errors.Is(err, ErrDuplicatePending) {
		t.Errorf("duplicate pending: err = %v, want ErrDuplicatePending", err)
	}

	// Same image, different requester is fine.
	other := &model.ShareRequest{ID: "req3", ImageID: "img1", RequesterID: "carol", Status: model.SharePending, ExpiresAt: now.Add(time.Hour)}
	if err := store.CreateShareRequest(ctx, other); err != nil {
		t.Errorf("different requester: %v", err)
	}

	decidedAt := now
	if err := store.TransitionShare(ctx, "req1", model.ShareApproved, &decidedAt); err != nil {
		t.Fatalf("TransitionShare: %v", err)
	}
	if err := store.TransitionShare(ctx, "req1", model.ShareRejected, &decidedAt); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second transition: err = %v, want ErrInvalidTransition", err)
	}
	if err := store.TransitionShare(ctx, "ghost", model.ShareApproved, &decidedAt); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing request: err = %v, want ErrNotFound", err)
	}

	ok, err := store.HasApprovedShare(ctx, "img1", "bob")
	if err != nil || !ok {
		t.Errorf("HasApprovedShare(bob) = %v, %v; want true", ok, err)
	}
	ok, _ = store.HasApprovedShare(ctx, "img1", "carol")
	if ok {
		t.Error("carol's pending request should not grant access")
	}
}

func TestExpireShares(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	stale := &model.ShareRequest{ID: "old", ImageID: "img1", RequesterID: "bob", Status: model.SharePending, ExpiresAt: now.Add(-time.Minute)}
	fresh := &model.ShareRequest{ID: "new", ImageID: "img2", RequesterID: "bob", Status: model.SharePending, ExpiresAt: now.Add(time.Hour)}
	for _, req := range []*model.ShareRequest{stale, fresh} {
		if err := store.CreateShareRequest(ctx, req); err != nil {
			t.Fatalf("CreateShareRequest: %v", err)
		}
	}

	expired, err := store.ExpireShares(ctx, now)
	if err != nil {
		t.Fatalf("ExpireShares: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "old" {
		t.Fatalf("expired = %+v, want only old", expired)
	}

	got, _ := store.GetShareRequest(ctx, "new")
	if got.Status != model.SharePending {
		t.Errorf("fresh request status = %s, want pending", got.Status)
	}
}
