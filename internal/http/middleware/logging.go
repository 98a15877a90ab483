// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// Correlation and recovery. RequestID tags every request, RedactingLogger
// (redact_logger.go) attaches a logger carrying that tag plus the route and
// conversation id, and LoggerFrom hands it to handlers with the caller added
// once Identity has run. Install in the order RequestID, RedactingLogger,
// Recovery.
package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey      = "requestID"
	requestIDHeader   = "X-Request-ID"
	loggerKey         = "logger"
	maxQueryLogLength = 2048
)

// RequestID reuses an inbound X-Request-ID or mints a UUID, echoing it on
// the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Header(requestIDHeader, rid)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	v, _ := c.Get(requestIDKey)
	return asString(v)
}

func attachLogger(c *gin.Context, path string) {
	lc := log.With().
		Str("request_id", requestID(c)).
		Str("method", c.Request.Method).
		Str("path", path)
	if id := c.Param("id"); id != "" {
		lc = lc.Str("conversation_id", id)
	}
	l := lc.Logger()
	c.Set(loggerKey, &l)
}

// LoggerFrom returns the request-scoped logger, or the global one outside
// RedactingLogger.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	l := log.Logger
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			l = *lg
		}
	}
	if uid := UserID(c); uid != "" {
		l = l.With().Str("user_id", uid).Logger()
	}
	return &l
}

// Recovery turns a panic into a 500 internal_error envelope. When the
// handler already wrote (including hijacked websocket connections) it only
// aborts.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid := requestID(c)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, rid)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// truncate caps s at max bytes plus an ellipsis; max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
