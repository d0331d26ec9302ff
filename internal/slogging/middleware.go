package slogging

import (
	"time"

	"github.com/gin-gonic/gin"
)

// LoggerMiddleware returns a Gin middleware for logging requests
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := Get()

		start := time.Now()
		c.Next()
		latency := time.Since(start)

		statusCode := c.Writer.Status()
		switch {
		case statusCode >= 500:
			logger.Error("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, statusCode, latency)
		case statusCode >= 400:
			logger.Warn("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, statusCode, latency)
		default:
			logger.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, statusCode, latency)
		}
	}
}
