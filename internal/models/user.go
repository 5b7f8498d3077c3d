package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is an account known to the identity verifier. Volunteers are users
// with the responder flag set.
type User struct {
	ID             string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Email          string    `gorm:"type:text;uniqueIndex;not null" json:"email"`
	Name           string    `gorm:"type:text" json:"name,omitempty"`
	Role           string    `gorm:"type:text;not null" json:"role"`
	OrganizationID string    `gorm:"type:text;index" json:"organization_id,omitempty"`
	Volunteer      bool      `gorm:"not null" json:"volunteer"`
	CreatedAt      time.Time `json:"created_at"`
}

// BeforeCreate generates a UUID for the user if ID is not set yet.
func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return
}

// Identity returns the verified identity the rest of the service works with.
func (u *User) Identity() *Identity {
	return &Identity{
		ID:             u.ID,
		Email:          u.Email,
		Role:           u.Role,
		OrganizationID: u.OrganizationID,
		IsResponder:    u.Volunteer,
	}
}

// PublicProfile returns the fields safe to show to a counterpart.
func (u *User) PublicProfile() *PublicProfile {
	return &PublicProfile{ID: u.ID, Email: u.Email}
}

// Identity is the result of a successful verification. It is attached to a
// connection for its whole lifetime.
type Identity struct {
	ID             string `json:"id"`
	Email          string `json:"email,omitempty"`
	Role           string `json:"role"`
	OrganizationID string `json:"organization_id,omitempty"`
	IsResponder    bool   `json:"is_responder"`
}

// PublicProfile is the part of a user shown to the other participant.
type PublicProfile struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}
