package chathub

import (
	"context"
	"strings"
	"sync"
	"time"

	"peersupport/backend/internal/apperror"
	"peersupport/backend/internal/models"
	"peersupport/backend/internal/storage"

	"go.uber.org/zap"
)

// Router relays messages between the members of a room.
type Router struct {
	store     storage.Storage
	presence  *Presence
	bus       Bus
	sequencer Sequencer
	metrics   *Metrics
	log       *zap.Logger

	historyLimit int
	now          func() time.Time

	mu    sync.Mutex
	rooms map[string]*sync.Mutex
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithClock replaces time.Now as the source of message timestamps.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// WithHistoryLimit bounds History. Zero or less returns everything.
func WithHistoryLimit(limit int) RouterOption {
	return func(r *Router) { r.historyLimit = limit }
}

// WithSequencer replaces the in-memory sequencer.
func WithSequencer(seq Sequencer) RouterOption {
	return func(r *Router) { r.sequencer = seq }
}

func NewRouter(store storage.Storage, presence *Presence, bus Bus, metrics *Metrics, log *zap.Logger, opts ...RouterOption) *Router {
	r := &Router{
		store:    store,
		presence: presence,
		bus:      bus,
		metrics:  metrics,
		log:      log,
		now:      time.Now,
		rooms:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sequencer == nil {
		r.sequencer = NewLocalSequencer(store)
	}
	return r
}

func (r *Router) roomLock(roomID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.rooms[roomID]
	if !ok {
		l = &sync.Mutex{}
		r.rooms[roomID] = l
	}
	return l
}

// lockRoom acquires the room's current lock. A lock dropped by Close while
// waiting for it is abandoned and the new one is taken instead.
func (r *Router) lockRoom(roomID string) *sync.Mutex {
	for {
		l := r.roomLock(roomID)
		l.Lock()

		r.mu.Lock()
		current := r.rooms[roomID] == l
		r.mu.Unlock()
		if current {
			return l
		}
		l.Unlock()
	}
}

// Relay accepts a message from senderID for roomID. The sender must be a
// member of the room; otherwise nothing is stored or delivered and
// apperror.ErrRouting is returned. Every other member receives the message
// even when it could not be persisted, in which case the returned error is
// apperror.ErrPersistence.
func (r *Router) Relay(ctx context.Context, senderID, roomID, body string) (*models.Message, error) {
	start := time.Now()

	if roomID == "" || strings.TrimSpace(body) == "" {
		r.metrics.recordRelayError(apperror.ErrInvalidPayload.Code)
		return nil, apperror.WithMessage(apperror.ErrInvalidPayload, "room_id and body are required")
	}
	if !r.presence.IsMember(roomID, senderID) {
		r.metrics.recordRelayError(apperror.ErrRouting.Code)
		r.log.Warn("relay rejected",
			zap.String("user_id", senderID),
			zap.String("room_id", roomID),
		)
		return nil, apperror.ErrRouting
	}

	lock := r.lockRoom(roomID)
	defer lock.Unlock()

	// the room may have been closed while waiting for the lock
	if !r.presence.IsMember(roomID, senderID) {
		r.metrics.recordRelayError(apperror.ErrRouting.Code)
		return nil, apperror.ErrRouting
	}

	seq, sentAt, err := r.sequencer.Next(ctx, roomID, r.now())
	if err != nil {
		r.metrics.recordRelayError(apperror.ErrPersistence.Code)
		return nil, apperror.From(err)
	}

	msg := &models.Message{
		SessionID: roomID,
		Seq:       seq,
		SenderID:  senderID,
		Body:      body,
		SentAt:    sentAt,
	}

	persistErr := r.store.SaveMessage(ctx, msg)
	if persistErr != nil {
		r.metrics.recordRelayError(apperror.ErrPersistence.Code)
		r.log.Error("failed to persist message",
			zap.String("room_id", roomID),
			zap.Int64("seq", seq),
			zap.Error(persistErr),
		)
	}

	ev := models.MessageReceivedEvent(msg)
	for _, memberID := range r.presence.MembersOf(roomID) {
		if memberID == senderID {
			continue
		}
		if err := r.bus.Publish(ctx, memberID, ev); err != nil {
			r.metrics.recordRelayError("bus_unavailable")
			r.log.Warn("failed to deliver message",
				zap.String("room_id", roomID),
				zap.String("user_id", memberID),
				zap.Error(err),
			)
		}
	}
	r.metrics.recordRelay(time.Since(start))

	if persistErr != nil {
		return msg, apperror.From(persistErr)
	}
	return msg, nil
}

// Join re-enters a room after a reconnect. The caller must take part in the
// open session named by roomID; both participants are joined on this node.
func (r *Router) Join(ctx context.Context, userID, roomID string) (*models.ChatSession, error) {
	session, err := r.participantSession(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	if !session.IsOpen() {
		return nil, apperror.ErrSessionClosed
	}

	r.presence.Join(session.ID, session.RequesterID)
	r.presence.Join(session.ID, session.ResponderID)

	r.log.Debug("room joined", zap.String("room_id", roomID), zap.String("user_id", userID))
	return session, nil
}

// History returns the persisted messages of a session the caller took part
// in, oldest first.
func (r *Router) History(ctx context.Context, userID, roomID string) ([]models.Message, error) {
	if _, err := r.participantSession(ctx, userID, roomID); err != nil {
		return nil, err
	}
	return r.store.GetMessages(ctx, roomID, r.historyLimit)
}

func (r *Router) participantSession(ctx context.Context, userID, roomID string) (*models.ChatSession, error) {
	if roomID == "" {
		return nil, apperror.WithMessage(apperror.ErrInvalidPayload, "room_id is required")
	}
	session, err := r.store.GetSession(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !session.HasParticipant(userID) {
		return nil, apperror.ErrRouting
	}
	return session, nil
}

// Close runs end while holding the room lock, so no message is accepted
// between a session ending and its members leaving the room. When end
// succeeds the per-room state is dropped.
func (r *Router) Close(roomID string, end func() error) error {
	if roomID == "" {
		return end()
	}

	lock := r.lockRoom(roomID)
	defer lock.Unlock()

	if err := end(); err != nil {
		return err
	}
	r.sequencer.Forget(roomID)
	r.mu.Lock()
	delete(r.rooms, roomID)
	r.mu.Unlock()
	return nil
}

// Forget drops per-room state for a room nobody on this node is in.
func (r *Router) Forget(roomID string) {
	_ = r.Close(roomID, func() error { return nil })
}
