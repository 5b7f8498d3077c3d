package chathub

import (
	"context"
	"errors"

	"peersupport/backend/internal/apperror"
	"peersupport/backend/internal/models"

	"go.uber.org/zap"
)

// ManagerService is the hub every connection talks to. It owns the
// connection lifecycle through the Gateway and dispatches inbound events to
// the Broker and the Router.
type ManagerService struct {
	Gateway  *Gateway
	Broker   *Broker
	Router   *Router
	Presence *Presence

	log *zap.Logger
}

func NewManagerService(gateway *Gateway, broker *Broker, router *Router, presence *Presence, log *zap.Logger) *ManagerService {
	return &ManagerService{
		Gateway:  gateway,
		Broker:   broker,
		Router:   router,
		Presence: presence,
		log:      log,
	}
}

// Register attaches an admitted client.
func (m *ManagerService) Register(ctx context.Context, c Client) error {
	return m.Gateway.Attach(ctx, c)
}

// Unregister detaches a client whose connection has gone away. Rooms left
// with nobody on this node lose their routing state; the sessions stay open.
func (m *ManagerService) Unregister(ctx context.Context, c Client) {
	for _, roomID := range m.Gateway.Detach(ctx, c) {
		if len(m.Presence.MembersOf(roomID)) == 0 {
			m.Router.Forget(roomID)
		}
	}
}

// Dispatch handles one inbound event. Failures are reported to the
// originating connection only, as an error_notice.
func (m *ManagerService) Dispatch(ctx context.Context, c Client, ev *models.Event) {
	identity := c.GetIdentity()

	var (
		reply *models.Event
		err   error
	)

	switch ev.Type {
	case models.EventRequestChat:
		_, err = m.Broker.RequestChat(ctx, identity)

	case models.EventCancelRequest:
		_, err = m.Broker.CancelChat(ctx, identity)

	case models.EventAcceptRequest:
		_, err = m.Broker.AcceptChat(ctx, identity, ev.RequesterID)

	case models.EventSendMessage:
		_, err = m.Router.Relay(ctx, identity.ID, ev.RoomID, ev.Body)

	case models.EventJoinRoom:
		var session *models.ChatSession
		if session, err = m.Router.Join(ctx, identity.ID, ev.RoomID); err == nil {
			reply = &models.Event{
				Type:        models.EventRoomJoined,
				RoomID:      session.ID,
				SessionID:   session.ID,
				RequesterID: session.RequesterID,
			}
		}

	case models.EventLeaveRoom:
		err = m.Router.Close(ev.RoomID, func() error {
			_, endErr := m.Broker.EndChat(ctx, identity.ID, ev.RoomID)
			return endErr
		})

	case models.EventGetRequests:
		var list []models.RequestSummary
		if list, err = m.Broker.ListRequests(ctx, identity); err == nil {
			reply = &models.Event{Type: models.EventRequests, Requests: list}
		}

	case models.EventGetMessages:
		var msgs []models.Message
		if msgs, err = m.Router.History(ctx, identity.ID, ev.RoomID); err == nil {
			reply = &models.Event{Type: models.EventMessages, RoomID: ev.RoomID, Messages: msgs}
		}

	case models.EventGetActiveRoom:
		var session *models.ChatSession
		if session, err = m.Broker.ActiveSession(ctx, identity); err == nil {
			reply = &models.Event{Type: models.EventActiveRoom}
			if session != nil {
				reply.RoomID = session.ID
				reply.SessionID = session.ID
			}
		}

	default:
		err = apperror.WithMessage(apperror.ErrInvalidPayload, "unknown event type "+ev.Type)
	}

	if err != nil {
		m.notify(c, ev.Type, err)
		return
	}
	if reply != nil {
		c.Send(reply)
	}
}

func (m *ManagerService) notify(c Client, eventType string, err error) {
	appErr := apperror.From(err)

	fields := []zap.Field{
		zap.String("user_id", c.GetUserID()),
		zap.String("conn_id", c.GetConnID()),
		zap.String("type", eventType),
		zap.String("code", appErr.Code),
	}
	if errors.Is(appErr, apperror.ErrPersistence) {
		m.log.Error("event failed", append(fields, zap.Error(err))...)
	} else {
		m.log.Debug("event rejected", fields...)
	}

	c.Send(models.ErrorNoticeEvent(appErr.Code, appErr.Message))
}

// Shutdown closes every connection on this node.
func (m *ManagerService) Shutdown(ctx context.Context) error {
	clients := m.Presence.All()
	for _, c := range clients {
		c.Close()
	}
	m.log.Info("hub shut down", zap.Int("connections", len(clients)))
	return ctx.Err()
}
