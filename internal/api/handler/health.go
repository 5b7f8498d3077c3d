package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Healthz reports liveness and whether the database answers.
func (h *Handler) Healthz(c *gin.Context) {
	status := gin.H{
		"status":      "ok",
		"connections": h.Hub.Presence.ConnectionCount(),
	}

	if h.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		sqlDB, err := h.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		status["database"] = "ok"
	}

	c.JSON(http.StatusOK, status)
}
