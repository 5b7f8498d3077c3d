package chathub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"peersupport/backend/internal/apperror"
	"peersupport/backend/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ClientOptions bound what a single connection may do.
type ClientOptions struct {
	SendBuffer      int
	MaxFrameSize    int64
	EventsPerSecond float64
	EventBurst      int
}

// WebSocketClient implements Client over a gorilla websocket connection.
type WebSocketClient struct {
	Hub  *ManagerService
	Conn *websocket.Conn

	identity *models.Identity
	connID   string
	opts     ClientOptions
	limiter  *rate.Limiter
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	send   chan *models.Event
}

func NewWebSocketClient(hub *ManagerService, conn *websocket.Conn, identity *models.Identity, opts ClientOptions, log *zap.Logger) *WebSocketClient {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = 16 << 10
	}
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = 10
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = 20
	}

	connID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketClient{
		Hub:      hub,
		Conn:     conn,
		identity: identity,
		connID:   connID,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.EventsPerSecond), opts.EventBurst),
		log:      log.With(zap.String("user_id", identity.ID), zap.String("conn_id", connID)),
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan *models.Event, opts.SendBuffer),
	}
}

var _ Client = (*WebSocketClient)(nil)

func (c *WebSocketClient) GetUserID() string             { return c.identity.ID }
func (c *WebSocketClient) GetConnID() string             { return c.connID }
func (c *WebSocketClient) GetIdentity() *models.Identity { return c.identity }

func (c *WebSocketClient) Send(ev *models.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// Run starts the pumps for the websocket.
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close closes the send channel, which stops writePump and with it the
// connection.
func (c *WebSocketClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	c.cancel()
}

// readPump decodes frames and dispatches them in arrival order.
func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.Unregister(context.Background(), c)
		c.Close()
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.opts.MaxFrameSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("error reading message", zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			c.Send(models.ErrorNoticeEvent(apperror.ErrRateLimited.Code, apperror.ErrRateLimited.Message))
			continue
		}

		var ev models.Event
		if err := json.Unmarshal(message, &ev); err != nil || ev.Type == "" {
			c.Send(models.ErrorNoticeEvent(apperror.ErrInvalidPayload.Code, "frame is not a valid event"))
			continue
		}

		c.Hub.Dispatch(c.ctx, c, &ev)
	}
}

// writePump writes one text frame per queued event and keeps the connection
// alive with pings.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				c.log.Error("error encoding event", zap.String("type", ev.Type), zap.Error(err))
				continue
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
