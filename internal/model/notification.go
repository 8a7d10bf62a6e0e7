package model

import "time"

// NotificationKind labels the user-facing alert produced from a bus event.
type NotificationKind string

const (
	NotifyShareRequested NotificationKind = "share_requested"
	NotifyShareApproved  NotificationKind = "share_approved"
	NotifyImageReady     NotificationKind = "image_ready"
	NotifyImageFailed    NotificationKind = "image_failed"
)

// Notification is the normalized record handed to the notification channel.
// Delivery is best effort; the workflow state already persisted is the source
// of truth, not this message.
type Notification struct {
	RecipientID    string           `json:"recipientId"`
	Kind           NotificationKind `json:"kind"`
	SubjectImageID string           `json:"subjectImageId"`
	Message        string           `json:"message,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}
