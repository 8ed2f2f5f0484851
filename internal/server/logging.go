package server

import (
	"net/http"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/logger"

	"github.com/gin-gonic/gin"
)

// RequestLoggingMiddleware logs one structured line per request. The token
// query parameter is dropped so redemption links do not end up in logs.
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.Query()
		query.Del("token")
		raw := query.Encode()

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method

		if raw != "" {
			path = path + "?" + raw
		}

		fields := []interface{}{
			"method", method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"client_ip", clientIP,
			"user_agent", c.Request.UserAgent(),
		}
		if status >= http.StatusInternalServerError {
			logger.Error("HTTP request", fields...)
			return
		}
		logger.Info("HTTP request", fields...)
	}
}
