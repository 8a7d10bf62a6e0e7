package share

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dstanner/shutterbox/internal/bus"
	"github.com/dstanner/shutterbox/internal/event"
	"github.com/dstanner/shutterbox/internal/model"
	"github.com/dstanner/shutterbox/internal/storage"
)

func newTestEngine(t *testing.T, ttl time.Duration) (*Engine, *storage.MemoryStore, *bus.Memory) {
	t.Helper()
	store := storage.NewMemoryStore()
	events := bus.NewMemory()
	engine := NewEngine(store, store, events, ttl, zap.NewNop().Sugar())
	return engine, store, events
}

func seedImage(t *testing.T, store *storage.MemoryStore, id, ownerID string, visibility model.Visibility) {
	t.Helper()
	err := store.CreateImage(context.Background(), &model.Image{
		ID:           id,
		OwnerID:      ownerID,
		OriginalPath: "originals/" + ownerID + "/" + id + ".jpg",
		Status:       model.ImageReady,
		Visibility:   visibility,
	})
	if err != nil {
		t.Fatalf("seed image: %v", err)
	}
}

func TestRequestShare(t *testing.T) {
	ctx := context.Background()

	t.Run("creates pending request and publishes event", func(t *testing.T) {
		engine, store, events := newTestEngine(t, time.Hour)
		seedImage(t, store, "img1", "alice", model.VisibilityPrivate)

		var got event.ShareRequested
		events.Register(event.TopicShareRequested, func(_ context.Context, data []byte) error {
			return json.Unmarshal(data, &got)
		})

		req, err := engine.RequestShare(ctx, "bob", "img1", "please")
		if err != nil {
			t.Fatalf("RequestShare: %v", err)
		}
		if req.Status != model.SharePending {
			t.Errorf("status = %s, want pending", req.Status)
		}
		if req.OwnerID != "alice" || req.RequesterID != "bob" {
			t.Errorf("parties = %s/%s, want alice/bob", req.OwnerID, req.RequesterID)
		}
		if !req.ExpiresAt.After(req.CreatedAt) {
			t.Error("ExpiresAt should be after CreatedAt")
		}
		if got.ShareRequestID != req.ID || got.OwnerID != "alice" {
			t.Errorf("published event = %+v", got)
		}
	})

	t.Run("missing image", func(t *testing.T) {
		engine, _, _ := newTestEngine(t, time.Hour)
		if _, err := engine.RequestShare(ctx, "bob", "nope", ""); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("own image", func(t *testing.T) {
		engine, store, _ := newTestEngine(t, time.Hour)
		seedImage(t, store, "img1", "alice", model.VisibilityPrivate)
		if _, err := engine.RequestShare(ctx, "alice", "img1", ""); !errors.Is(err, ErrSelfShare) {
			t.Errorf("err = %v, want ErrSelfShare", err)
		}
	})

	t.Run("second pending request conflicts", func(t *testing.T) {
		engine, store, _ := newTestEngine(t, time.Hour)
		seedImage(t, store, "img1", "alice", model.VisibilityPrivate)
		if _, err := engine.RequestShare(ctx, "bob", "img1", ""); err != nil {
			t.Fatalf("first request: %v", err)
		}
		if _, err := engine.RequestShare(ctx, "bob", "img1", ""); !errors.Is(err, ErrConflict) {
			t.Errorf("err = %v, want ErrConflict", err)
		}
	})

	t.Run("re-request allowed after rejection", func(t *testing.T) {
		engine, store, _ := newTestEngine(t, time.Hour)
		seedImage(t, store, "img1", "alice", model.VisibilityPrivate)
		first, err := engine.RequestShare(ctx, "bob", "img1", "")
		if err != nil {
			t.Fatalf("first request: %v", err)
		}
		if _, err := engine.Decide(ctx, "alice", first.ID, DecisionReject); err != nil {
			t.Fatalf("reject: %v", err)
		}
		if _, err := engine.RequestShare(ctx, "bob", "img1", "second try"); err != nil {
			t.Errorf("re-request after rejection: %v", err)
		}
	})
}

func TestDecide(t *testing.T) {
	ctx := context.Background()

	t.Run("approve grants view access", func(t *testing.T) {
		engine, store, events := newTestEngine(t, time.Hour)
		seedImage(t, store, "img1", "alice", model.VisibilityPrivate)

		var approved event.ShareDecided
		events.Register(event.TopicShareApproved, func(_ context.Context, data []byte) error {
			return json.Unmarshal(data, &approved)
		})

		req, err := engine.RequestShare(ctx, "bob", "img1", "")
		if err != nil {
			t.Fatalf("RequestShare: %v", err)
		}
		if ok, _ := engine.CanView(ctx, "bob", "img1"); ok {
			t.Fatal("bob should not see a private image before approval")
		}

		decided, err := engine.Decide(ctx, "alice", req.ID, DecisionApprove)
		if err != nil {
			t.Fatalf("Decide: %v", err)
		}
		if decided.Status != model.ShareApproved {
			t.Errorf("status = %s, want approved", decided.Status)
		}
		if decided.DecidedAt == nil {
			t.Error("DecidedAt should be set")
		}
		if approved.RequesterID != "bob" {
			t.Errorf("approved event = %+v", approved)
		}
		if ok, err := engine.CanView(ctx, "bob", "img1"); err != nil || !ok {
			t.Errorf("CanView after approval = %v, %v; want true", ok, err)
		}
	})

	t.Run("reject leaves access denied", func(t *testing.T) {
		engine, store, _ := newTestEngine(t, time.Hour)
		seedImage(t, store, "img1", "alice", model.VisibilityPrivate)
		req, _ := engine.RequestShare(ctx, "bob", "img1", "")
		if _, err := engine.Decide(ctx, "alice", req.ID, DecisionReject); err != nil {
			t.Fatalf("Decide: %v", err)
		}
		if ok, _ := engine.CanView(ctx, "bob", "img1"); ok {
			t.Error("bob should not see the image after rejection")
		}
	})

	t.Run("only the owner decides", func(t *testing.T) {
		engine, store, _ := newTestEngine(t, time.Hour)
		seedImage(t, store, "img1", "alice", model.VisibilityPrivate)
		req, _ := engine.RequestShare(ctx, "bob", "img1", "")
		if _, err := engine.Decide(ctx, "mallory", req.ID, DecisionApprove); !errors.Is(err, ErrForbidden) {
			t.Errorf("err = %v, want ErrForbidden", err)
		}
		if _, err := engine.Decide(ctx, "bob", req.ID, DecisionApprove); !errors.Is(err, ErrForbidden) {
			t.Errorf("requester deciding: err = %v, want ErrForbidden", err)
		}
	})

	t.Run("double decide", func(t *testing.T) {
		engine, store, _ := newTestEngine(t, time.Hour)
		seedImage(t, store, "img1", "alice", model.VisibilityPrivate)
		req, _ := engine.RequestShare(ctx, "bob", "img1", "")
		if _, err := engine.Decide(ctx, "alice", req.ID, DecisionApprove); err != nil {
			t.Fatalf("first decide: %v", err)
		}
		if _, err := engine.Decide(ctx, "alice", req.ID, DecisionReject); !errors.Is(err, ErrInvalidState) {
			t.Errorf("err = %v, want ErrInvalidState", err)
		}
	})

	t.Run("missing request", func(t *testing.T) {
		engine, _, _ := newTestEngine(t, time.Hour)
		if _, err := engine.Decide(ctx, "alice", "nope", DecisionApprove); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	engine, store, _ := newTestEngine(t, time.Hour)
	seedImage(t, store, "img1", "alice", model.VisibilityPrivate)
	req, _ := engine.RequestShare(ctx, "bob", "img1", "")

	if _, err := engine.Cancel(ctx, "alice", req.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("owner cancelling: err = %v, want ErrForbidden", err)
	}
	cancelled, err := engine.Cancel(ctx, "bob", req.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != model.ShareCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if _, err := engine.Decide(ctx, "alice", req.ID, DecisionApprove); !errors.Is(err, ErrInvalidState) {
		t.Errorf("decide after cancel: err = %v, want ErrInvalidState", err)
	}
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	// Negative TTL makes every new request immediately expirable.
	engine, store, _ := newTestEngine(t, -time.Minute)
	seedImage(t, store, "img1", "alice", model.VisibilityPrivate)
	req, err := engine.RequestShare(ctx, "bob", "img1", "")
	if err != nil {
		t.Fatalf("RequestShare: %v", err)
	}

	count, err := engine.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if count != 1 {
		t.Fatalf("expired %d requests, want 1", count)
	}

	got, err := store.GetShareRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetShareRequest: %v", err)
	}
	if got.Status != model.ShareExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if _, err := engine.Decide(ctx, "alice", req.ID, DecisionApprove); !errors.Is(err, ErrInvalidState) {
		t.Errorf("decide after expiry: err = %v, want ErrInvalidState", err)
	}

	// Second sweep is a no-op.
	count, err = engine.ExpireStale(ctx)
	if err != nil || count != 0 {
		t.Errorf("second sweep = %d, %v; want 0, nil", count, err)
	}
}

func TestCanView(t *testing.T) {
	ctx := context.Background()
	engine, store, _ := newTestEngine(t, time.Hour)
	seedImage(t, store, "pub", "alice", model.VisibilityPublic)
	seedImage(t, store, "priv", "alice", model.VisibilityPrivate)

	tests := []struct {
		name    string
		viewer  string
		imageID string
		want    bool
	}{
		{"owner sees private", "alice", "priv", true},
		{"stranger blocked from private", "bob", "priv", false},
		{"anyone sees public", "bob", "pub", true},
		{"missing image denied without error", "bob", "ghost", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.CanView(ctx, tt.viewer, tt.imageID)
			if err != nil {
				t.Fatalf("CanView: %v", err)
			}
			if got != tt.want {
				t.Errorf("CanView = %v, want %v", got, tt.want)
			}
		})
	}
}
