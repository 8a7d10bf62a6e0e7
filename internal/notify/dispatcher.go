// Package notify consumes workflow and processing events and forwards a
// normalized notification to the delivery channel. Delivery is best effort:
// a channel failure is logged, the bus message is acknowledged regardless,
// and the consumer loop keeps running. The durably recorded state transition
// is the source of truth, not the notification.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/dstanner/shutterbox/internal/bus"
	"github.com/dstanner/shutterbox/internal/event"
	"github.com/dstanner/shutterbox/internal/model"
)

// Dispatcher fans bus events out to the notification channel.
type Dispatcher struct {
	channel Channel
	log     *zap.SugaredLogger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(channel Channel, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{channel: channel, log: log}
}

// Run subscribes to every topic the dispatcher cares about and blocks until
// the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context, b bus.Bus) error {
	errCh := make(chan error, 3)
	go func() { errCh <- b.Subscribe(ctx, event.TopicShareRequested, d.HandleShareRequested) }()
	go func() { errCh <- b.Subscribe(ctx, event.TopicShareApproved, d.HandleShareApproved) }()
	go func() { errCh <- b.Subscribe(ctx, event.TopicImageProcessed, d.HandleImageProcessed) }()
	return <-errCh
}

// HandleShareRequested alerts the image owner that someone wants access.
func (d *Dispatcher) HandleShareRequested(ctx context.Context, data []byte) error {
	var evt event.ShareRequested
	if err := json.Unmarshal(data, &evt); err != nil {
		d.log.Errorw("drop malformed share requested event", "error", err)
		return nil
	}
	d.deliver(ctx, model.Notification{
		RecipientID:    evt.OwnerID,
		Kind:           model.NotifyShareRequested,
		SubjectImageID: evt.ImageID,
		Message:        evt.Message,
		Timestamp:      time.Now().UTC(),
	})
	return nil
}

// HandleShareApproved alerts the requester that access was granted.
func (d *Dispatcher) HandleShareApproved(ctx context.Context, data []byte) error {
	var evt event.ShareDecided
	if err := json.Unmarshal(data, &evt); err != nil {
		d.log.Errorw("drop malformed share approved event", "error", err)
		return nil
	}
	d.deliver(ctx, model.Notification{
		RecipientID:    evt.RequesterID,
		Kind:           model.NotifyShareApproved,
		SubjectImageID: evt.ImageID,
		Timestamp:      time.Now().UTC(),
	})
	return nil
}

// HandleImageProcessed tells the owner their upload finished or failed.
func (d *Dispatcher) HandleImageProcessed(ctx context.Context, data []byte) error {
	var evt event.ImageProcessed
	if err := json.Unmarshal(data, &evt); err != nil {
		d.log.Errorw("drop malformed image processed event", "error", err)
		return nil
	}
	kind := model.NotifyImageReady
	message := ""
	if !evt.Success {
		kind = model.NotifyImageFailed
		message = evt.Reason
	}
	d.deliver(ctx, model.Notification{
		RecipientID:    evt.OwnerID,
		Kind:           kind,
		SubjectImageID: evt.ImageID,
		Message:        message,
		Timestamp:      time.Now().UTC(),
	})
	return nil
}

// deliver forwards to the channel and swallows failures; duplicate bus
// deliveries can at worst produce a duplicate alert, which is acceptable for
// an at-most-once, best-effort surface.
func (d *Dispatcher) deliver(ctx context.Context, n model.Notification) {
	if err := d.channel.Deliver(ctx, n); err != nil {
		d.log.Warnw("notification delivery failed",
			"recipient", n.RecipientID, "kind", n.Kind, "error", err)
	}
}
