// Package middleware provides HTTP middleware for the script execution engine's
// thin external HTTP surface.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pytask-manager/engine/internal/logger"
)

// StructuredLogger logs each request as a structured zerolog event: method,
// path, status, duration, client IP and the correlation ID set by RequestID.
func StructuredLogger() gin.HandlerFunc {
	log := logger.HTTP()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		event := log.Info()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		}

		event.
			Str("request_id", GetRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", status).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP())

		if len(c.Errors) > 0 {
			event.Str("errors", c.Errors.String())
		}
		event.Msg("request")
	}
}
