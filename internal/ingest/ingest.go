// Package ingest validates uploads, persists the original asset, and opens the
// processing pipeline with an ImageUploaded event.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dstanner/shutterbox/internal/bus"
	"github.com/dstanner/shutterbox/internal/event"
	"github.com/dstanner/shutterbox/internal/model"
)

var (
	// ErrInvalidFormat rejects files outside the raster image allow-list.
	ErrInvalidFormat = errors.New("unsupported image format")
	// ErrTooLarge rejects files over the configured size cap.
	ErrTooLarge = errors.New("file exceeds size limit")
)

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// ImageStore is the slice of persistence the coordinator needs.
type ImageStore interface {
	CreateImage(ctx context.Context, img *model.Image) error
	ListUnfinished(ctx context.Context, olderThan time.Time) ([]model.Image, error)
}

// BlobStore receives the original bytes.
type BlobStore interface {
	PutOriginal(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// Coordinator runs synchronously inside the upload request. The blob write
// commits before the metadata row is created, so a storage failure never
// leaves a dangling Image record behind.
type Coordinator struct {
	store        ImageStore
	blobs        BlobStore
	pub          bus.Publisher
	maxFileSize  int64
	allowedTypes []string
	log          *zap.SugaredLogger
}

// New constructs a Coordinator.
func New(store ImageStore, blobs BlobStore, pub bus.Publisher, maxFileSize int64, allowedTypes []string, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		store:        store,
		blobs:        blobs,
		pub:          pub,
		maxFileSize:  maxFileSize,
		allowedTypes: allowedTypes,
		log:          log,
	}
}

// Ingest validates the upload, stores the original under a fresh
// collision-resistant key, creates the Image row in the uploaded state, and
// publishes ImageUploaded. The publish is best effort: on failure the record
// stays uploaded until the reconciliation sweep re-publishes it.
func (c *Coordinator) Ingest(ctx context.Context, ownerID, fileName string, visibility model.Visibility, r io.Reader) (*model.Image, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	if !allowedExtensions[ext] {
		return nil, ErrInvalidFormat
	}

	data, err := io.ReadAll(io.LimitReader(r, c.maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > c.maxFileSize {
		return nil, ErrTooLarge
	}
	if len(data) == 0 {
		return nil, ErrInvalidFormat
	}

	sniff := data
	if len(sniff) > 512 {
		sniff = sniff[:512]
	}
	contentType := http.DetectContentType(sniff)
	if !c.allowedType(contentType) {
		return nil, ErrInvalidFormat
	}

	if visibility != model.VisibilityPublic {
		visibility = model.VisibilityPrivate
	}

	id := uuid.NewString()
	key := fmt.Sprintf("originals/%s/%s%s", ownerID, id, ext)
	if err := c.blobs.PutOriginal(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return nil, fmt.Errorf("store original: %w", err)
	}

	img := &model.Image{
		ID:           id,
		OwnerID:      ownerID,
		OriginalPath: key,
		Status:       model.ImageUploaded,
		Visibility:   visibility,
		ContentType:  contentType,
		Size:         int64(len(data)),
	}
	if err := c.store.CreateImage(ctx, img); err != nil {
		return nil, fmt.Errorf("create image record: %w", err)
	}

	c.publishUploaded(ctx, img)
	return img, nil
}

func (c *Coordinator) publishUploaded(ctx context.Context, img *model.Image) {
	evt := event.ImageUploaded{
		ImageID:     img.ID,
		OwnerID:     img.OwnerID,
		BlobPath:    img.OriginalPath,
		Size:        img.Size,
		ContentType: img.ContentType,
	}
	if err := c.pub.Publish(ctx, event.TopicImageUploaded, evt); err != nil {
		c.log.Warnw("publish upload event failed, left for reconcile sweep",
			"image_id", img.ID, "error", err)
	}
}

// Reconcile re-publishes ImageUploaded for records stuck in a non-terminal
// state longer than the threshold: uploads whose publish was dropped while
// the bus was unavailable, and processing attempts whose worker died before
// its retry fired. Duplicate publications are harmless because the worker
// pool is idempotent.
func (c *Coordinator) Reconcile(ctx context.Context, olderThan time.Time) (int, error) {
	stuck, err := c.store.ListUnfinished(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("list unfinished images: %w", err)
	}
	published := 0
	for i := range stuck {
		img := &stuck[i]
		evt := event.ImageUploaded{
			ImageID:     img.ID,
			OwnerID:     img.OwnerID,
			BlobPath:    img.OriginalPath,
			Size:        img.Size,
			ContentType: img.ContentType,
		}
		if err := c.pub.Publish(ctx, event.TopicImageUploaded, evt); err != nil {
			c.log.Warnw("reconcile publish failed", "image_id", img.ID, "error", err)
			continue
		}
		published++
	}
	return published, nil
}

func (c *Coordinator) allowedType(contentType string) bool {
	for _, allowed := range c.allowedTypes {
		if allowed == contentType {
			return true
		}
	}
	return false
}
