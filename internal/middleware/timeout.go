package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// TimeoutConfig configures the request timeout middleware.
type TimeoutConfig struct {
	// Timeout is the maximum duration for the entire request.
	Timeout time.Duration

	// ErrorMessage is the message returned when the timeout fires.
	ErrorMessage string

	// ExcludedSubstrings are path fragments exempt from the timeout — the
	// streaming endpoints hold their connection open for as long as the
	// execution runs, which can exceed any reasonable request timeout.
	ExcludedSubstrings []string
}

// DefaultTimeoutConfig excludes the live-stream endpoints, which are
// long-lived by design (they upgrade to a WebSocket and tail output until
// the execution reaches a terminal status).
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Timeout:      30 * time.Second,
		ErrorMessage: "request timeout",
		ExcludedSubstrings: []string{
			"/stream",
			"/install-log",
		},
	}
}

// Timeout aborts a request with 408 if it runs past config.Timeout, unless
// its path matches one of the excluded substrings.
func Timeout(config TimeoutConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, fragment := range config.ExcludedSubstrings {
			if strings.Contains(path, fragment) {
				c.Next()
				return
			}
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), config.Timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{})
		go func() {
			c.Next()
			close(finished)
		}()

		select {
		case <-finished:
		case <-ctx.Done():
			c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{
				"error":   config.ErrorMessage,
				"timeout": config.Timeout.String(),
			})
		}
	}
}
