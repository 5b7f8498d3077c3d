// Package storage is the persistence collaborator: support requests, chat
// sessions and messages kept in a relational store through gorm.
package storage

import (
	"context"
	"errors"

	"peersupport/backend/internal/apperror"
	"peersupport/backend/internal/models"

	"gorm.io/gorm"
)

// Storage is everything the chat components need from the durable store.
// Every failure of the underlying driver is reported as apperror.ErrPersistence.
type Storage interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	SaveUser(ctx context.Context, user *models.User) error

	FindPendingRequest(ctx context.Context, requesterID string) (*models.SupportRequest, error)
	CreateRequest(ctx context.Context, req *models.SupportRequest) error
	ListPendingRequests(ctx context.Context, organizationID string) ([]models.SupportRequest, error)
	ListRequestsByRequester(ctx context.Context, requesterID string) ([]models.SupportRequest, error)
	ClaimRequest(ctx context.Context, requesterID, responderID string) (*models.ChatSession, error)
	CancelPendingRequest(ctx context.Context, requesterID string) (*models.SupportRequest, error)

	GetSession(ctx context.Context, sessionID string) (*models.ChatSession, error)
	FindOpenSessionForUser(ctx context.Context, userID string) (*models.ChatSession, error)
	EndSession(ctx context.Context, sessionID, userID string) (*models.ChatSession, error)

	SaveMessage(ctx context.Context, msg *models.Message) error
	LastMessage(ctx context.Context, sessionID string) (*models.Message, error)
	GetMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
}

// Service implements Storage on top of gorm.
type Service struct {
	DB *gorm.DB
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB) *Service {
	return &Service{DB: db}
}

var _ Storage = (*Service)(nil)

// persistence keeps typed errors intact and wraps everything else.
func persistence(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperror.Wrap(apperror.ErrPersistence, err)
}
