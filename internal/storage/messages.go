package storage

import (
	"context"
	"errors"

	"peersupport/backend/internal/models"

	"gorm.io/gorm"
)

// SaveMessage appends a message. The (session_id, seq) pair is unique.
func (s *Service) SaveMessage(ctx context.Context, msg *models.Message) error {
	return persistence(s.DB.WithContext(ctx).Create(msg).Error)
}

// LastMessage returns the highest-sequence message of a session, or nil.
func (s *Service) LastMessage(ctx context.Context, sessionID string) (*models.Message, error) {
	var msg models.Message
	err := s.DB.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq desc").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, persistence(err)
	}
	return &msg, nil
}

// GetMessages returns up to limit of the most recent messages in sequence
// order. A non-positive limit returns the whole history.
func (s *Service) GetMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	q := s.DB.WithContext(ctx).Where("session_id = ?", sessionID).Order("seq desc")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var msgs []models.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, persistence(err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
