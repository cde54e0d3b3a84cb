package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/outbox-relay/pkg/logger"
)

// Logger returns a middleware that logs HTTP requests. Bodies are not
// logged; operator notes and tender payloads stay out of the access log.
func Logger(l *logger.Logger) gin.HandlerFunc {
	zl := l.Zerolog()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Process request
		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		if raw != "" {
			path = path + "?" + raw
		}

		event := zl.Info()
		msg := "Request processed"
		if statusCode >= 500 {
			event = zl.Error()
			msg = "Server error"
			if len(c.Errors) > 0 {
				event = event.Err(c.Errors.Last().Err)
			}
		} else if statusCode >= 400 {
			event = zl.Warn()
			msg = "Client error"
		}

		event.
			Str("request_id", c.GetString(ContextRequestID)).
			Str("operator", c.GetString(ContextOperator)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("ip", c.ClientIP()).
			Int("status", statusCode).
			Dur("duration", latency).
			Str("user_agent", c.Request.UserAgent()).
			Msg(msg)
	}
}
