package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChatSession is one established pairing. Its ID doubles as the room ID.
type ChatSession struct {
	// ID is the session and room identifier (UUID).
	ID string `gorm:"type:varchar(64);primaryKey" json:"id"`
	// RequestID is the accepted SupportRequest. Unique, so a request can
	// never produce two sessions.
	RequestID string `gorm:"type:varchar(64);not null;uniqueIndex" json:"request_id"`
	// RequesterID is the user who asked for support.
	RequesterID string `gorm:"type:varchar(64);not null;index" json:"requester_id"`
	// ResponderID is the user whose claim won.
	ResponderID string `gorm:"type:varchar(64);not null;index" json:"responder_id"`
	// StartedAt is when the claim was applied.
	StartedAt time.Time `gorm:"not null" json:"started_at"`
	// EndedAt is set once when the session is explicitly closed.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// BeforeCreate assigns an ID when the caller did not.
func (s *ChatSession) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return
}

// IsOpen reports whether the session has not been ended.
func (s *ChatSession) IsOpen() bool {
	return s.EndedAt == nil
}

// HasParticipant reports whether userID is the requester or the responder.
func (s *ChatSession) HasParticipant(userID string) bool {
	return userID != "" && (s.RequesterID == userID || s.ResponderID == userID)
}

// Counterpart returns the other participant, or "" when userID is not one.
func (s *ChatSession) Counterpart(userID string) string {
	switch userID {
	case s.RequesterID:
		return s.ResponderID
	case s.ResponderID:
		return s.RequesterID
	}
	return ""
}
