package handler

import (
	"errors"
	"net/http"
	"strings"

	"peersupport/backend/internal/apperror"
	"peersupport/backend/internal/chathub"
	"peersupport/backend/internal/logging"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// credential reads the bearer token from the Authorization header, or from
// the token query parameter for browsers that cannot set headers on a
// websocket handshake.
func credential(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return c.Query("token")
}

// ServeWebSocket admits the caller and upgrades the HTTP connection.
// Nothing is registered unless admission succeeds.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	log := logging.FromContext(c, h.log)

	identity, err := h.Hub.Gateway.Admit(c.Request.Context(), credential(c))
	if err != nil {
		appErr := apperror.From(err)
		status := http.StatusUnauthorized
		if errors.Is(appErr, apperror.ErrPersistence) {
			status = http.StatusServiceUnavailable
		}
		c.AbortWithStatusJSON(status, gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the response
		log.Warn("failed to upgrade connection", zap.String("user_id", identity.ID), zap.Error(err))
		return
	}

	client := chathub.NewWebSocketClient(h.Hub, conn, identity, h.Options, h.log)
	if err := h.Hub.Register(c.Request.Context(), client); err != nil {
		log.Error("failed to register connection", zap.String("user_id", identity.ID), zap.Error(err))
		conn.Close()
		return
	}

	client.Run()
}
