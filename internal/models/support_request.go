package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RequestStatus is the lifecycle state of a SupportRequest.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusAccepted  RequestStatus = "accepted"
	StatusCancelled RequestStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusAccepted || s == StatusCancelled
}

// SupportRequest is a requester's outstanding ask for a chat. It is never
// deleted and serves as the audit trail of the matching event.
type SupportRequest struct {
	// ID is the unique identifier of the request (UUID).
	ID string `gorm:"type:varchar(64);primaryKey" json:"id"`
	// RequesterID is the user asking for support. The partial unique index
	// allows at most one pending request per requester.
	RequesterID string `gorm:"type:varchar(64);not null;index:idx_support_requests_one_pending,unique,where:status = 'pending'" json:"requester_id"`
	// OrganizationID scopes which responders see the request.
	OrganizationID string `gorm:"type:text;index" json:"organization_id,omitempty"`
	// Status is pending, accepted or cancelled. Only pending ever changes.
	Status RequestStatus `gorm:"type:text;not null;index" json:"status"`
	// SessionID is set in the same transaction that moves the request to accepted.
	SessionID *string `gorm:"type:varchar(64);uniqueIndex" json:"session_id,omitempty"`
	// CreatedAt is when the requester signalled intent.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the status last changed.
	UpdatedAt time.Time `json:"updated_at"`

	// Requester is loaded for listings that show requester details.
	Requester *User `gorm:"foreignKey:RequesterID;references:ID" json:"-"`
}

// BeforeCreate assigns an ID and the initial pending status.
func (r *SupportRequest) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	return
}
