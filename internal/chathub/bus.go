package chathub

import (
	"context"

	"peersupport/backend/internal/models"

	"go.uber.org/zap"
)

// Audience scopes an advertisement to the responders who may act on it.
type Audience struct {
	// OrganizationID limits delivery to responders of one organisation.
	// Empty reaches every responder.
	OrganizationID string `json:"organization_id,omitempty"`
	// ExcludeUserID is never delivered to, even if they are a responder.
	ExcludeUserID string `json:"exclude_user_id,omitempty"`
}

// Bus carries events to personal channels. A personal channel is addressed by
// user id and reaches every connection of that user, on whichever node it is.
type Bus interface {
	// Subscribe starts delivering userID's channel to this node.
	Subscribe(ctx context.Context, userID string) error
	// Unsubscribe stops delivering userID's channel to this node.
	Unsubscribe(ctx context.Context, userID string) error
	// Publish sends ev to every connection of userID.
	Publish(ctx context.Context, userID string, ev *models.Event) error
	// Advertise sends ev to every eligible responder connection.
	Advertise(ctx context.Context, ev *models.Event, audience Audience) error
}

// localDelivery hands events to the connections registered on this node.
type localDelivery struct {
	presence *Presence
	metrics  *Metrics
	log      *zap.Logger
}

// toUser delivers ev to userID's local connections and returns how many
// accepted it. Room membership follows chat_started and session_ended so
// routing works when the participants sit on different nodes.
func (d *localDelivery) toUser(userID string, ev *models.Event) int {
	clients := d.presence.ChannelOf(userID)
	if len(clients) == 0 {
		return 0
	}

	switch ev.Type {
	case models.EventChatStarted:
		d.presence.Join(ev.RoomID, userID)
		if ev.Counterpart != nil {
			d.presence.Join(ev.RoomID, ev.Counterpart.ID)
		}
	case models.EventSessionEnded:
		d.presence.LeaveRoom(ev.RoomID)
	}

	return d.send(clients, ev)
}

func (d *localDelivery) toResponders(ev *models.Event, audience Audience) int {
	return d.send(d.presence.Responders(audience.OrganizationID, audience.ExcludeUserID), ev)
}

func (d *localDelivery) send(clients []Client, ev *models.Event) int {
	delivered := 0
	for _, c := range clients {
		if c.Send(ev) {
			delivered++
			continue
		}
		// slow consumer
		d.metrics.recordDrop()
		d.log.Warn("dropping event for slow connection",
			zap.String("user_id", c.GetUserID()),
			zap.String("conn_id", c.GetConnID()),
			zap.String("type", ev.Type),
		)
		c.Close()
	}
	return delivered
}

// LocalBus delivers straight through the Presence registry. It serves a
// single node; personal channels need no subscription.
type LocalBus struct {
	local *localDelivery
}

func NewLocalBus(presence *Presence, metrics *Metrics, log *zap.Logger) *LocalBus {
	return &LocalBus{local: &localDelivery{presence: presence, metrics: metrics, log: log}}
}

var _ Bus = (*LocalBus)(nil)

func (b *LocalBus) Subscribe(context.Context, string) error   { return nil }
func (b *LocalBus) Unsubscribe(context.Context, string) error { return nil }

func (b *LocalBus) Publish(_ context.Context, userID string, ev *models.Event) error {
	b.local.toUser(userID, ev)
	return nil
}

func (b *LocalBus) Advertise(_ context.Context, ev *models.Event, audience Audience) error {
	b.local.toResponders(ev, audience)
	return nil
}
