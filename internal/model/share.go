package model

import "time"

// ShareStatus is the state of a cross-user share request. Pending is the only
// non-terminal state; requests are never deleted, only transitioned.
type ShareStatus string

const (
	SharePending   ShareStatus = "pending"
	ShareApproved  ShareStatus = "approved"
	ShareRejected  ShareStatus = "rejected"
	ShareCancelled ShareStatus = "cancelled"
	ShareExpired   ShareStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s ShareStatus) Terminal() bool {
	return s != SharePending
}

// ShareRequest asks an image owner to grant the requester view access.
// OwnerID is a snapshot of the image owner taken at creation time and is not
// re-validated afterwards. At most one pending request may exist per
// (ImageID, RequesterID) pair.
type ShareRequest struct {
	ID          string      `json:"id"`
	ImageID     string      `json:"imageId"`
	RequesterID string      `json:"requesterId"`
	OwnerID     string      `json:"ownerId"`
	Status      ShareStatus `json:"status"`
	Message     string      `json:"message,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	DecidedAt   *time.Time  `json:"decidedAt,omitempty"`
	ExpiresAt   time.Time   `json:"expiresAt"`
}
