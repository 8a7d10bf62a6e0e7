// Package processing is the worker pool that turns uploaded originals into
// derived assets. It consumes ImageUploaded events from the bus; delivery is
// at-least-once, so every step is written to tolerate duplicates.
package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dstanner/shutterbox/internal/bus"
	"github.com/dstanner/shutterbox/internal/event"
	"github.com/dstanner/shutterbox/internal/model"
	"github.com/dstanner/shutterbox/internal/storage"
)

// ImageStore is the slice of persistence the pool needs. Only this component
// mutates an image's processing status and retry count.
type ImageStore interface {
	GetImage(ctx context.Context, id string) (*model.Image, error)
	MarkImageProcessing(ctx context.Context, id string) error
	IncrementImageRetry(ctx context.Context, id, reason string) (int, error)
	MarkImageReady(ctx context.Context, id, thumbnailPath, previewPath string, width, height int) error
	MarkImageFailed(ctx context.Context, id, reason string) error
}

// BlobStore reads originals and writes derived assets.
type BlobStore interface {
	GetOriginal(ctx context.Context, key string) ([]byte, error)
	PutDerived(ctx context.Context, key string, data []byte, contentType string) error
}

// Options tune the derivation and retry behavior.
type Options struct {
	ThumbnailMaxDim int
	PreviewMaxDim   int
	BlurSigma       float64
	DerivedQuality  int
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
}

// Pool processes upload events. Any number of Pool replicas may run
// concurrently: upload events are published keyed by image id, so the consumer
// group delivers one image's events to a single replica, and the keyed lock
// serializes duplicate deliveries within that process.
type Pool struct {
	store ImageStore
	blobs BlobStore
	pub   bus.Publisher
	opts  Options
	locks *keyedLock
	log   *zap.SugaredLogger
}

// New constructs a Pool.
func New(store ImageStore, blobs BlobStore, pub bus.Publisher, opts Options, log *zap.SugaredLogger) *Pool {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	if opts.RetryMaxDelay < opts.RetryBaseDelay {
		opts.RetryMaxDelay = opts.RetryBaseDelay
	}
	return &Pool{
		store: store,
		blobs: blobs,
		pub:   pub,
		opts:  opts,
		locks: newKeyedLock(),
		log:   log,
	}
}

// Run consumes ImageUploaded until the context is cancelled.
func (p *Pool) Run(ctx context.Context, b bus.Bus) error {
	return b.Subscribe(ctx, event.TopicImageUploaded, p.Handle)
}

// Handle processes one delivered ImageUploaded message. It always returns nil
// for domain-level failures: retries are driven by re-publication with
// backoff, not by bus redelivery.
func (p *Pool) Handle(ctx context.Context, data []byte) error {
	var evt event.ImageUploaded
	if err := json.Unmarshal(data, &evt); err != nil {
		p.log.Errorw("drop malformed upload event", "error", err)
		return nil
	}

	unlock := p.locks.lock(evt.ImageID)
	defer unlock()

	img, err := p.store.GetImage(ctx, evt.ImageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.log.Warnw("upload event for unknown image", "image_id", evt.ImageID)
			return nil
		}
		return fmt.Errorf("load image %s: %w", evt.ImageID, err)
	}

	// Duplicate delivery: ready and failed are terminal.
	if img.Status == model.ImageReady || img.Status == model.ImageFailed {
		return nil
	}

	if err := p.store.MarkImageProcessing(ctx, img.ID); err != nil {
		return fmt.Errorf("mark processing %s: %w", img.ID, err)
	}

	original, err := p.blobs.GetOriginal(ctx, img.OriginalPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The original can never reappear; retrying is pointless.
			p.fail(ctx, img, "original blob missing")
			return nil
		}
		p.retry(ctx, img, fmt.Errorf("load original: %w", err))
		return nil
	}

	assets, err := derive(original, p.opts.ThumbnailMaxDim, p.opts.PreviewMaxDim, p.opts.BlurSigma, p.opts.DerivedQuality)
	if err != nil {
		var de *decodeError
		if errors.As(err, &de) {
			// Corrupt or unsupported payload despite passing the allow-list.
			p.fail(ctx, img, err.Error())
			return nil
		}
		p.retry(ctx, img, err)
		return nil
	}

	thumbKey := thumbnailKey(img.ID)
	prevKey := previewKey(img.ID)
	if err := p.blobs.PutDerived(ctx, thumbKey, assets.thumbnail, "image/jpeg"); err != nil {
		p.retry(ctx, img, fmt.Errorf("store thumbnail: %w", err))
		return nil
	}
	if err := p.blobs.PutDerived(ctx, prevKey, assets.preview, "image/jpeg"); err != nil {
		p.retry(ctx, img, fmt.Errorf("store preview: %w", err))
		return nil
	}

	if err := p.store.MarkImageReady(ctx, img.ID, thumbKey, prevKey, assets.width, assets.height); err != nil {
		p.retry(ctx, img, fmt.Errorf("mark ready: %w", err))
		return nil
	}

	p.publishProcessed(ctx, event.ImageProcessed{
		ImageID:       img.ID,
		OwnerID:       img.OwnerID,
		Success:       true,
		ThumbnailPath: thumbKey,
		PreviewPath:   prevKey,
	})
	p.log.Infow("image processed", "image_id", img.ID, "width", assets.width, "height", assets.height)
	return nil
}

// retry handles a recoverable failure: the retry count is persisted first so
// it survives a crash, then the event is re-published after an exponential
// backoff, or the image is failed once the cap is reached.
func (p *Pool) retry(ctx context.Context, img *model.Image, cause error) {
	count, err := p.store.IncrementImageRetry(ctx, img.ID, cause.Error())
	if err != nil {
		p.log.Errorw("persist retry count failed", "image_id", img.ID, "error", err)
		return
	}
	if count >= p.opts.MaxRetries {
		p.fail(ctx, img, cause.Error())
		return
	}

	delay := p.backoff(count)
	p.log.Warnw("processing attempt failed, scheduling retry",
		"image_id", img.ID, "attempt", count, "delay", delay, "error", cause)

	evt := event.ImageUploaded{
		ImageID:     img.ID,
		OwnerID:     img.OwnerID,
		BlobPath:    img.OriginalPath,
		Size:        img.Size,
		ContentType: img.ContentType,
		Attempt:     count,
	}
	time.AfterFunc(delay, func() {
		// Detached from the delivery context: the ack has long happened. If
		// the process dies before the timer fires, the reconcile sweep
		// re-publishes the stuck image.
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.pub.Publish(rctx, event.TopicImageUploaded, evt); err != nil {
			p.log.Errorw("republish for retry failed", "image_id", img.ID, "error", err)
		}
	})
}

func (p *Pool) fail(ctx context.Context, img *model.Image, reason string) {
	if err := p.store.MarkImageFailed(ctx, img.ID, reason); err != nil {
		p.log.Errorw("mark failed failed", "image_id", img.ID, "error", err)
		return
	}
	p.publishProcessed(ctx, event.ImageProcessed{
		ImageID: img.ID,
		OwnerID: img.OwnerID,
		Success: false,
		Reason:  reason,
	})
	p.log.Warnw("image failed", "image_id", img.ID, "reason", reason)
}

func (p *Pool) publishProcessed(ctx context.Context, evt event.ImageProcessed) {
	if err := p.pub.Publish(ctx, event.TopicImageProcessed, evt); err != nil {
		p.log.Warnw("publish processed event failed", "image_id", evt.ImageID, "error", err)
	}
}

// backoff returns base * 2^(attempt-1) capped at the configured maximum.
func (p *Pool) backoff(attempt int) time.Duration {
	delay := p.opts.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.opts.RetryMaxDelay {
			return p.opts.RetryMaxDelay
		}
	}
	if delay > p.opts.RetryMaxDelay {
		delay = p.opts.RetryMaxDelay
	}
	return delay
}
