// Package model contains the entity types shared across packages.
package model

import "time"

// ImageStatus describes the processing lifecycle of an uploaded image.
type ImageStatus string

const (
	ImageUploaded   ImageStatus = "uploaded"
	ImageProcessing ImageStatus = "processing"
	ImageReady      ImageStatus = "ready"
	ImageFailed     ImageStatus = "failed"
)

// Visibility controls who may view an image without an approved share.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Image is the metadata row for one uploaded picture. OriginalPath is written
// by the ingestion coordinator; ThumbnailPath and PreviewPath are set by the
// worker pool and are non-empty exactly when Status is ImageReady. Status and
// RetryCount are mutated only by the worker pool.
type Image struct {
	ID            string      `json:"id"`
	OwnerID       string      `json:"ownerId"`
	OriginalPath  string      `json:"-"`
	ThumbnailPath *string     `json:"thumbnailPath,omitempty"`
	PreviewPath   *string     `json:"previewPath,omitempty"`
	Status        ImageStatus `json:"status"`
	Visibility    Visibility  `json:"visibility"`
	ContentType   string      `json:"contentType"`
	Size          int64       `json:"size"`
	Width         int         `json:"width,omitempty"`
	Height        int         `json:"height,omitempty"`
	RetryCount    int         `json:"retryCount"`
	ErrorReason   *string     `json:"errorReason,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}
