package storage

import (
	"context"
	"errors"

	"peersupport/backend/internal/models"

	"gorm.io/gorm"
)

// GetUserByID returns nil without error when the user does not exist.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := s.DB.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, persistence(err)
	}
	return &user, nil
}

// SaveUser inserts or updates a user record.
func (s *Service) SaveUser(ctx context.Context, user *models.User) error {
	return persistence(s.DB.WithContext(ctx).Save(user).Error)
}
