package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Message is one line of communication within a session. Append-only.
// Order within a session is Seq, assigned by the server on receipt.
type Message struct {
	ID        string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	SessionID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_messages_session_seq,priority:1" json:"session_id"`
	Seq       int64     `gorm:"not null;uniqueIndex:idx_messages_session_seq,priority:2" json:"seq"`
	SenderID  string    `gorm:"type:varchar(64);not null;index" json:"sender_id"`
	Body      string    `gorm:"type:text;not null" json:"body"`
	SentAt    time.Time `gorm:"not null" json:"sent_at"`
}

func (m *Message) BeforeCreate(tx *gorm.DB) (err error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return
}
