package chathub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"peersupport/backend/internal/apperror"
	"peersupport/backend/internal/auth"
	"peersupport/backend/internal/models"

	"go.uber.org/zap"
)

// Gateway admits connections and keeps Presence and the bus subscriptions in
// step with them. It never touches persisted state.
type Gateway struct {
	verifier auth.Verifier
	presence *Presence
	bus      Bus
	metrics  *Metrics
	log      *zap.Logger

	// subMu orders subscribe and unsubscribe for a user's first and last
	// connection.
	subMu sync.Mutex
}

func NewGateway(verifier auth.Verifier, presence *Presence, bus Bus, metrics *Metrics, log *zap.Logger) *Gateway {
	return &Gateway{
		verifier: verifier,
		presence: presence,
		bus:      bus,
		metrics:  metrics,
		log:      log,
	}
}

// Admit verifies a raw credential. An empty credential fails without
// consulting the verifier. Verification failures are returned as
// apperror.ErrAuthentication; an unavailable store as apperror.ErrPersistence.
func (g *Gateway) Admit(ctx context.Context, credential string) (*models.Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		g.metrics.recordAdmission("rejected")
		g.log.Warn("connection rejected", zap.String("reason", "missing credential"))
		return nil, apperror.WithMessage(apperror.ErrAuthentication, "missing credential")
	}

	identity, err := g.verifier.Verify(ctx, credential)
	if err != nil {
		if errors.Is(err, apperror.ErrPersistence) {
			g.metrics.recordAdmission("error")
			g.log.Error("connection verification failed", zap.Error(err))
			return nil, err
		}
		g.metrics.recordAdmission("rejected")
		g.log.Warn("connection rejected", zap.Error(err))
		return nil, apperror.Wrap(apperror.ErrAuthentication, err)
	}

	g.metrics.recordAdmission("admitted")
	g.log.Info("connection admitted",
		zap.String("user_id", identity.ID),
		zap.Bool("is_responder", identity.IsResponder),
	)
	return identity, nil
}

// Attach registers an admitted connection and, for the user's first
// connection on this node, subscribes their personal channel.
func (g *Gateway) Attach(ctx context.Context, c Client) error {
	g.subMu.Lock()
	defer g.subMu.Unlock()

	first := g.presence.Register(c)
	if first {
		if err := g.bus.Subscribe(ctx, c.GetUserID()); err != nil {
			g.presence.Unregister(c)
			return fmt.Errorf("subscribe personal channel: %w", err)
		}
	}
	g.metrics.connOpened()
	g.log.Debug("connection attached",
		zap.String("user_id", c.GetUserID()),
		zap.String("conn_id", c.GetConnID()),
	)
	return nil
}

// Detach removes a connection. When it was the user's last one on this node
// the personal channel is unsubscribed and the user leaves every room here;
// those rooms are returned.
func (g *Gateway) Detach(ctx context.Context, c Client) []string {
	g.subMu.Lock()
	defer g.subMu.Unlock()

	removed, last := g.presence.Unregister(c)
	if !removed {
		return nil
	}
	g.metrics.connClosed()

	if !last {
		return nil
	}
	rooms := g.presence.LeaveAll(c.GetUserID())
	if err := g.bus.Unsubscribe(ctx, c.GetUserID()); err != nil {
		g.log.Warn("failed to unsubscribe personal channel", zap.String("user_id", c.GetUserID()), zap.Error(err))
	}
	g.log.Info("user went offline",
		zap.String("user_id", c.GetUserID()),
		zap.Strings("rooms", rooms),
	)
	return rooms
}
