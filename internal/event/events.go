// Package event defines the messages carried on the bus. Each topic has a
// single closed payload type; records are immutable once published and may be
// delivered more than once, so consumers key their work off the entity ids.
package event

// Topic names. One payload schema per topic.
const (
	TopicImageUploaded  = "images.uploaded"
	TopicImageProcessed = "images.processed"
	TopicShareRequested = "shares.requested"
	TopicShareApproved  = "shares.approved"
	TopicShareRejected  = "shares.rejected"
)

// ImageUploaded is published once per successful ingest, and re-published by
// the worker pool when a processing attempt is retried. Attempt is the ordinal
// of the attempt that produced this message; the authoritative retry count
// lives on the Image row.
type ImageUploaded struct {
	ImageID     string `json:"image_id"`
	OwnerID     string `json:"owner_id"`
	BlobPath    string `json:"blob_path"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Attempt     int    `json:"attempt"`
}

// Key partitions by image id: all deliveries for one image land on the same
// consumer within a group, so only one worker replica sees them.
func (e ImageUploaded) Key() string { return e.ImageID }

// ImageProcessed reports the terminal outcome of processing an image.
type ImageProcessed struct {
	ImageID       string `json:"image_id"`
	OwnerID       string `json:"owner_id"`
	Success       bool   `json:"success"`
	ThumbnailPath string `json:"thumbnail_path,omitempty"`
	PreviewPath   string `json:"preview_path,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Key partitions by image id.
func (e ImageProcessed) Key() string { return e.ImageID }

// ShareRequested is published when a requester opens a pending share request.
type ShareRequested struct {
	ShareRequestID string `json:"share_request_id"`
	ImageID        string `json:"image_id"`
	RequesterID    string `json:"requester_id"`
	OwnerID        string `json:"owner_id"`
	Message        string `json:"message,omitempty"`
}

// Key partitions share traffic by the image it concerns.
func (e ShareRequested) Key() string { return e.ImageID }

// ShareDecided carries an owner decision. The same shape serves both the
// approved and rejected topics.
type ShareDecided struct {
	ShareRequestID string `json:"share_request_id"`
	ImageID        string `json:"image_id"`
	RequesterID    string `json:"requester_id"`
	OwnerID        string `json:"owner_id"`
}

// Key partitions share traffic by the image it concerns.
func (e ShareDecided) Key() string { return e.ImageID }
