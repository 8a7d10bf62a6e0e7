package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/dstanner/shutterbox/internal/event"
	"github.com/dstanner/shutterbox/internal/model"
)

type captureChannel struct {
	mu         sync.Mutex
	delivered  []model.Notification
	deliverErr error
}

func (c *captureChannel) Deliver(_ context.Context, n model.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, n)
	return c.deliverErr
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestHandleShareRequested(t *testing.T) {
	channel := &captureChannel{}
	d := NewDispatcher(channel, zap.NewNop().Sugar())

	evt := event.ShareRequested{
		ShareRequestID: "req1",
		ImageID:        "img1",
		RequesterID:    "bob",
		OwnerID:        "alice",
		Message:        "may I?",
	}
	if err := d.HandleShareRequested(context.Background(), mustMarshal(t, evt)); err != nil {
		t.Fatalf("HandleShareRequested: %v", err)
	}

	if len(channel.delivered) != 1 {
		t.Fatalf("delivered %d notifications, want 1", len(channel.delivered))
	}
	n := channel.delivered[0]
	if n.RecipientID != "alice" {
		t.Errorf("recipient = %s, want the image owner", n.RecipientID)
	}
	if n.Kind != model.NotifyShareRequested || n.SubjectImageID != "img1" || n.Message != "may I?" {
		t.Errorf("notification = %+v", n)
	}
}

func TestHandleShareApproved(t *testing.T) {
	channel := &captureChannel{}
	d := NewDispatcher(channel, zap.NewNop().Sugar())

	evt := event.ShareDecided{ShareRequestID: "req1", ImageID: "img1", RequesterID: "bob", OwnerID: "alice"}
	if err := d.HandleShareApproved(context.Background(), mustMarshal(t, evt)); err != nil {
		t.Fatalf("HandleShareApproved: %v", err)
	}

	if len(channel.delivered) != 1 {
		t.Fatalf("delivered %d notifications, want 1", len(channel.delivered))
	}
	n := channel.delivered[0]
	if n.RecipientID != "bob" {
		t.Errorf("recipient = %s, want the requester", n.RecipientID)
	}
	if n.Kind != model.NotifyShareApproved {
		t.Errorf("kind = %s, want share approved", n.Kind)
	}
}

func TestHandleImageProcessed(t *testing.T) {
	tests := []struct {
		name     string
		evt      event.ImageProcessed
		wantKind model.NotificationKind
		wantMsg  string
	}{
		{
			name:     "success notifies ready",
			evt:      event.ImageProcessed{ImageID: "img1", OwnerID: "alice", Success: true},
			wantKind: model.NotifyImageReady,
		},
		{
			name:     "failure carries the reason",
			evt:      event.ImageProcessed{ImageID: "img1", OwnerID: "alice", Success: false, Reason: "decode image: bad header"},
			wantKind: model.NotifyImageFailed,
			wantMsg:  "decode image: bad header",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			channel := &captureChannel{}
			d := NewDispatcher(channel, zap.NewNop().Sugar())
			if err := d.HandleImageProcessed(context.Background(), mustMarshal(t, tt.evt)); err != nil {
				t.Fatalf("HandleImageProcessed: %v", err)
			}
			if len(channel.delivered) != 1 {
				t.Fatalf("delivered %d notifications, want 1", len(channel.delivered))
			}
			n := channel.delivered[0]
			if n.RecipientID != "alice" || n.Kind != tt.wantKind || n.Message != tt.wantMsg {
				t.Errorf("notification = %+v", n)
			}
		})
	}
}

func TestChannelFailureIsSwallowed(t *testing.T) {
	channel := &captureChannel{deliverErr: errors.New("webhook down")}
	d := NewDispatcher(channel, zap.NewNop().Sugar())

	evt := event.ShareRequested{ShareRequestID: "req1", ImageID: "img1", RequesterID: "bob", OwnerID: "alice"}
	if err := d.HandleShareRequested(context.Background(), mustMarshal(t, evt)); err != nil {
		t.Errorf("handler should ack despite channel failure, got %v", err)
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	channel := &captureChannel{}
	d := NewDispatcher(channel, zap.NewNop().Sugar())
	handlers := map[string]func(context.Context, []byte) error{
		"share requested": d.HandleShareRequested,
		"share approved":  d.HandleShareApproved,
		"image processed": d.HandleImageProcessed,
	}
	for name, h := range handlers {
		t.Run(name, func(t *testing.T) {
			if err := h(context.Background(), []byte("{nope")); err != nil {
				t.Errorf("handler returned %v, want nil", err)
			}
		})
	}
	if len(channel.delivered) != 0 {
		t.Errorf("delivered %d notifications from garbage payloads", len(channel.delivered))
	}
}
