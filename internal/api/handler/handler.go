package handler

import (
	"net/http"
	"slices"

	"peersupport/backend/internal/chathub"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handler holds what the HTTP surface needs from the hub.
type Handler struct {
	Hub      *chathub.ManagerService
	DB       *gorm.DB
	Options  chathub.ClientOptions
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler builds the handler. allowedOrigins may contain "*" to accept
// any origin.
func NewHandler(hub *chathub.ManagerService, db *gorm.DB, opts chathub.ClientOptions, allowedOrigins []string, log *zap.Logger) *Handler {
	return &Handler{
		Hub:     hub,
		DB:      db,
		Options: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		log: log,
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// non-browser clients send no Origin
		return origin == "" || slices.Contains(allowed, origin)
	}
}
