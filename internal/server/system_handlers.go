package server

import (
	"context"
	"net/http"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/api"
	"github.com/Rofiq02bae/coffeepoint/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthTimeout = 2 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

// Health reports whether the ledger store answers.
// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  api.HealthResponse
// @Failure      503  {object}  api.HealthResponse
// @Router       /health [get]
func Health(store Pinger, backend string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			logger.Warn("health check failed", "backend", backend, "error", err)
			c.JSON(http.StatusServiceUnavailable, api.HealthResponse{Status: "unavailable", Store: backend})
			return
		}
		c.JSON(http.StatusOK, api.HealthResponse{Status: "ok", Store: backend})
	}
}

// @Summary      Prometheus metrics
// @Description  Exposes Prometheus metrics in text format
// @Tags         system
// @Produce      text/plain
// @Success      200  {string}  string
// @Router       /metrics [get]
func Metrics() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
