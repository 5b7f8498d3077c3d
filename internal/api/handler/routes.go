package handler

import (
	"peersupport/backend/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the HTTP routes. gatherer serves /metrics.
func (h *Handler) NewRouter(gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logging.Middleware(h.log))

	r.GET("/ws", h.ServeWebSocket)
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}
