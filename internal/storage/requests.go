package storage

import (
	"context"
	"errors"
	"time"

	"peersupport/backend/internal/apperror"
	"peersupport/backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FindPendingRequest returns the requester's pending request, or nil.
func (s *Service) FindPendingRequest(ctx context.Context, requesterID string) (*models.SupportRequest, error) {
	var req models.SupportRequest
	err := s.DB.WithContext(ctx).
		Where("requester_id = ? AND status = ?", requesterID, models.StatusPending).
		First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, persistence(err)
	}
	return &req, nil
}

// CreateRequest inserts a new pending request. Losing the race against a
// concurrent insert for the same requester yields apperror.ErrDuplicateRequest.
func (s *Service) CreateRequest(ctx context.Context, req *models.SupportRequest) error {
	req.Status = models.StatusPending
	req.SessionID = nil
	err := s.DB.WithContext(ctx).Omit("Requester").Create(req).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperror.Wrap(apperror.ErrDuplicateRequest, err)
	}
	return persistence(err)
}

// ListPendingRequests returns pending requests visible to a responder of
// organizationID, newest first: those of the same organisation and those
// without one. This is the rule Presence.Responders applies to advertisements.
func (s *Service) ListPendingRequests(ctx context.Context, organizationID string) ([]models.SupportRequest, error) {
	q := s.DB.WithContext(ctx).
		Preload("Requester").
		Where("status = ?", models.StatusPending).
		Where("organization_id = ? OR organization_id = ''", organizationID)

	var reqs []models.SupportRequest
	if err := q.Order("created_at desc").Find(&reqs).Error; err != nil {
		return nil, persistence(err)
	}
	return reqs, nil
}

// ListRequestsByRequester returns every request the user has made, newest first.
func (s *Service) ListRequestsByRequester(ctx context.Context, requesterID string) ([]models.SupportRequest, error) {
	var reqs []models.SupportRequest
	err := s.DB.WithContext(ctx).
		Where("requester_id = ?", requesterID).
		Order("created_at desc").
		Find(&reqs).Error
	if err != nil {
		return nil, persistence(err)
	}
	return reqs, nil
}

// ClaimRequest moves the requester's pending request to accepted and creates
// the chat session in one transaction. The status change is a conditional
// update on status = pending, so of any number of concurrent claims exactly
// one affects a row. A missing request and a lost race both return
// apperror.ErrStaleAccept.
func (s *Service) ClaimRequest(ctx context.Context, requesterID, responderID string) (*models.ChatSession, error) {
	var session *models.ChatSession

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req models.SupportRequest
		err := tx.Where("requester_id = ? AND status = ?", requesterID, models.StatusPending).
			First(&req).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperror.ErrStaleAccept
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		sessionID := uuid.NewString()

		res := tx.Model(&models.SupportRequest{}).
			Where("id = ? AND status = ?", req.ID, models.StatusPending).
			Updates(map[string]any{
				"status":     models.StatusAccepted,
				"session_id": sessionID,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return apperror.ErrStaleAccept
		}

		session = &models.ChatSession{
			ID:          sessionID,
			RequestID:   req.ID,
			RequesterID: req.RequesterID,
			ResponderID: responderID,
			StartedAt:   now,
		}
		if err := tx.Create(session).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperror.ErrStaleAccept
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, persistence(err)
	}
	return session, nil
}

// CancelPendingRequest moves the requester's pending request to cancelled.
// Without a pending request it returns apperror.ErrNotCancellable.
func (s *Service) CancelPendingRequest(ctx context.Context, requesterID string) (*models.SupportRequest, error) {
	var cancelled *models.SupportRequest

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req models.SupportRequest
		err := tx.Where("requester_id = ? AND status = ?", requesterID, models.StatusPending).
			First(&req).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperror.ErrNotCancellable
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		res := tx.Model(&models.SupportRequest{}).
			Where("id = ? AND status = ?", req.ID, models.StatusPending).
			Updates(map[string]any{"status": models.StatusCancelled, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return apperror.ErrNotCancellable
		}

		req.Status = models.StatusCancelled
		req.UpdatedAt = now
		cancelled = &req
		return nil
	})
	if err != nil {
		return nil, persistence(err)
	}
	return cancelled, nil
}
