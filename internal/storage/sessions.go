package storage

import (
	"context"
	"errors"
	"time"

	"peersupport/backend/internal/apperror"
	"peersupport/backend/internal/models"

	"gorm.io/gorm"
)

// GetSession returns apperror.ErrSessionNotFound for an unknown id.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	var session models.ChatSession
	err := s.DB.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.ErrSessionNotFound
	}
	if err != nil {
		return nil, persistence(err)
	}
	return &session, nil
}

// FindOpenSessionForUser returns the most recent open session the user takes
// part in, or nil.
func (s *Service) FindOpenSessionForUser(ctx context.Context, userID string) (*models.ChatSession, error) {
	var session models.ChatSession
	err := s.DB.WithContext(ctx).
		Where("ended_at IS NULL").
		Where("requester_id = ? OR responder_id = ?", userID, userID).
		Order("started_at desc").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, persistence(err)
	}
	return &session, nil
}

// EndSession sets ended_at once. Sessions are never deleted.
func (s *Service) EndSession(ctx context.Context, sessionID, userID string) (*models.ChatSession, error) {
	var ended *models.ChatSession

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session models.ChatSession
		err := tx.Where("id = ?", sessionID).First(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperror.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		if !session.HasParticipant(userID) {
			return apperror.ErrRouting
		}
		if !session.IsOpen() {
			return apperror.ErrSessionClosed
		}

		now := time.Now().UTC()
		res := tx.Model(&models.ChatSession{}).
			Where("id = ? AND ended_at IS NULL", sessionID).
			Update("ended_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return apperror.ErrSessionClosed
		}

		session.EndedAt = &now
		ended = &session
		return nil
	})
	if err != nil {
		return nil, persistence(err)
	}
	return ended, nil
}
