package chathub

import (
	"context"
	"errors"

	"peersupport/backend/internal/apperror"
	"peersupport/backend/internal/models"
	"peersupport/backend/internal/storage"

	"go.uber.org/zap"
)

// BrokerOptions tune the Broker.
type BrokerOptions struct {
	// RejectDuplicates reports a second request_chat from a requester with a
	// pending request as apperror.ErrDuplicateRequest instead of ignoring it.
	RejectDuplicates bool
}

// Broker pairs requesters with responders. The durable store arbitrates
// between competing responders; the broker only announces the outcome.
type Broker struct {
	store    storage.Storage
	presence *Presence
	bus      Bus
	opts     BrokerOptions
	metrics  *Metrics
	log      *zap.Logger
}

func NewBroker(store storage.Storage, presence *Presence, bus Bus, opts BrokerOptions, metrics *Metrics, log *zap.Logger) *Broker {
	return &Broker{
		store:    store,
		presence: presence,
		bus:      bus,
		opts:     opts,
		metrics:  metrics,
		log:      log,
	}
}

// RequestChat records a pending request and advertises it to eligible
// responders. A requester with a pending request gets that request back
// unchanged, or apperror.ErrDuplicateRequest when duplicates are rejected.
func (b *Broker) RequestChat(ctx context.Context, requester *models.Identity) (*models.SupportRequest, error) {
	if requester.IsResponder {
		return nil, apperror.WithMessage(apperror.ErrForbidden, "responders cannot request a chat")
	}

	existing, err := b.store.FindPendingRequest(ctx, requester.ID)
	if err != nil {
		b.metrics.recordRequest("error")
		return nil, err
	}
	if existing != nil {
		return b.duplicate(existing)
	}

	req := &models.SupportRequest{
		RequesterID:    requester.ID,
		OrganizationID: requester.OrganizationID,
	}
	if err := b.store.CreateRequest(ctx, req); err != nil {
		if !errors.Is(err, apperror.ErrDuplicateRequest) {
			b.metrics.recordRequest("error")
			return nil, err
		}
		// lost the insert race to a concurrent request_chat
		existing, ferr := b.store.FindPendingRequest(ctx, requester.ID)
		if ferr != nil {
			return nil, ferr
		}
		if existing == nil {
			return nil, err
		}
		return b.duplicate(existing)
	}
	b.metrics.recordRequest("created")

	ev := &models.Event{
		Type:        models.EventNewRequestAdvertised,
		RequestID:   req.ID,
		RequesterID: requester.ID,
		Requester:   &models.PublicProfile{ID: requester.ID, Email: requester.Email},
	}
	audience := Audience{OrganizationID: requester.OrganizationID, ExcludeUserID: requester.ID}
	if err := b.bus.Advertise(ctx, ev, audience); err != nil {
		b.log.Warn("failed to advertise request", zap.String("request_id", req.ID), zap.Error(err))
	}

	b.log.Info("support request created",
		zap.String("request_id", req.ID),
		zap.String("user_id", requester.ID),
		zap.String("organization_id", requester.OrganizationID),
	)
	return req, nil
}

func (b *Broker) duplicate(existing *models.SupportRequest) (*models.SupportRequest, error) {
	b.metrics.recordRequest("duplicate")
	if b.opts.RejectDuplicates {
		return nil, apperror.ErrDuplicateRequest
	}
	return existing, nil
}

// AcceptChat lets a responder claim requesterID's pending request. Of any
// number of concurrent calls for the same request exactly one returns a
// session; the rest get apperror.ErrStaleAccept, as does a call for a
// request that does not exist.
func (b *Broker) AcceptChat(ctx context.Context, responder *models.Identity, requesterID string) (*models.ChatSession, error) {
	if !responder.IsResponder {
		return nil, apperror.WithMessage(apperror.ErrForbidden, "only responders can accept requests")
	}
	if requesterID == "" {
		return nil, apperror.WithMessage(apperror.ErrInvalidPayload, "requester_id is required")
	}
	if requesterID == responder.ID {
		return nil, apperror.WithMessage(apperror.ErrForbidden, "cannot accept your own request")
	}

	session, err := b.store.ClaimRequest(ctx, requesterID, responder.ID)
	if err != nil {
		if errors.Is(err, apperror.ErrStaleAccept) {
			b.metrics.recordClaim("stale")
			b.log.Info("stale accept",
				zap.String("user_id", responder.ID),
				zap.String("requester_id", requesterID),
			)
		} else {
			b.metrics.recordClaim("error")
		}
		return nil, err
	}
	b.metrics.recordClaim("won")

	b.presence.Join(session.ID, session.RequesterID)
	b.presence.Join(session.ID, session.ResponderID)

	requesterProfile := &models.PublicProfile{ID: requesterID}
	user, err := b.store.GetUserByID(ctx, requesterID)
	if err != nil {
		b.log.Warn("failed to load requester profile", zap.String("requester_id", requesterID), zap.Error(err))
	} else if user != nil {
		requesterProfile = user.PublicProfile()
	}

	toRequester := &models.Event{
		Type:        models.EventChatStarted,
		RoomID:      session.ID,
		SessionID:   session.ID,
		RequestID:   session.RequestID,
		RequesterID: requesterID,
		Counterpart: &models.PublicProfile{ID: responder.ID, Email: responder.Email},
	}
	toResponder := &models.Event{
		Type:        models.EventChatStarted,
		RoomID:      session.ID,
		SessionID:   session.ID,
		RequestID:   session.RequestID,
		RequesterID: requesterID,
		Counterpart: requesterProfile,
	}
	b.publish(ctx, requesterID, toRequester)
	b.publish(ctx, responder.ID, toResponder)

	claimed := &models.Event{
		Type:        models.EventRequestClaimed,
		RequestID:   session.RequestID,
		RequesterID: requesterID,
	}
	// the requester's organisation scoped the advertisement
	audience := Audience{ExcludeUserID: responder.ID}
	if user != nil {
		audience.OrganizationID = user.OrganizationID
	}
	if err := b.bus.Advertise(ctx, claimed, audience); err != nil {
		b.log.Warn("failed to announce claim", zap.String("request_id", session.RequestID), zap.Error(err))
	}

	b.log.Info("chat started",
		zap.String("room_id", session.ID),
		zap.String("requester_id", requesterID),
		zap.String("user_id", responder.ID),
	)
	return session, nil
}

// CancelChat withdraws the requester's pending request.
func (b *Broker) CancelChat(ctx context.Context, requester *models.Identity) (*models.SupportRequest, error) {
	if requester.IsResponder {
		return nil, apperror.WithMessage(apperror.ErrForbidden, "responders have no request to cancel")
	}
	return b.Withdraw(ctx, requester.ID)
}

// Withdraw cancels requesterID's pending request on behalf of anyone,
// including operators, and tells responders it is gone.
func (b *Broker) Withdraw(ctx context.Context, requesterID string) (*models.SupportRequest, error) {
	req, err := b.store.CancelPendingRequest(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	b.metrics.recordRequest("cancelled")

	ev := &models.Event{
		Type:        models.EventRequestWithdrawn,
		RequestID:   req.ID,
		RequesterID: requesterID,
	}
	if err := b.bus.Advertise(ctx, ev, Audience{OrganizationID: req.OrganizationID, ExcludeUserID: requesterID}); err != nil {
		b.log.Warn("failed to announce withdrawal", zap.String("request_id", req.ID), zap.Error(err))
	}

	b.log.Info("support request cancelled", zap.String("request_id", req.ID), zap.String("user_id", requesterID))
	return req, nil
}

// ListRequests returns the pending requests a responder may accept, or the
// caller's own pending request when they are not a responder.
func (b *Broker) ListRequests(ctx context.Context, caller *models.Identity) ([]models.RequestSummary, error) {
	var (
		reqs []models.SupportRequest
		err  error
	)
	if caller.IsResponder {
		reqs, err = b.store.ListPendingRequests(ctx, caller.OrganizationID)
	} else {
		reqs, err = b.store.ListRequestsByRequester(ctx, caller.ID)
	}
	if err != nil {
		return nil, err
	}

	out := make([]models.RequestSummary, 0, len(reqs))
	for i := range reqs {
		if caller.IsResponder && reqs[i].RequesterID == caller.ID {
			continue
		}
		if !caller.IsResponder && reqs[i].Status != models.StatusPending {
			continue
		}
		out = append(out, reqs[i].Summarize())
	}
	return out, nil
}

// ActiveSession returns the caller's open session, or nil.
func (b *Broker) ActiveSession(ctx context.Context, caller *models.Identity) (*models.ChatSession, error) {
	return b.store.FindOpenSessionForUser(ctx, caller.ID)
}

// EndChat closes a session. The records stay; only ended_at is set. Both
// participants receive session_ended.
func (b *Broker) EndChat(ctx context.Context, userID, sessionID string) (*models.ChatSession, error) {
	if sessionID == "" {
		return nil, apperror.WithMessage(apperror.ErrInvalidPayload, "room_id is required")
	}

	session, err := b.store.EndSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	b.presence.LeaveRoom(session.ID)

	ev := &models.Event{
		Type:      models.EventSessionEnded,
		RoomID:    session.ID,
		SessionID: session.ID,
		SenderID:  userID,
	}
	b.publish(ctx, session.RequesterID, ev)
	b.publish(ctx, session.ResponderID, ev)

	b.log.Info("chat ended", zap.String("room_id", session.ID), zap.String("user_id", userID))
	return session, nil
}

func (b *Broker) publish(ctx context.Context, userID string, ev *models.Event) {
	if err := b.bus.Publish(ctx, userID, ev); err != nil {
		b.log.Warn("failed to publish event",
			zap.String("user_id", userID),
			zap.String("type", ev.Type),
			zap.Error(err),
		)
	}
}
