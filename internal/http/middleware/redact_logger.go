// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// RedactingLogger writes one structured access-log line per request. Bodies
// are never logged. Query strings and header values are scrubbed first:
// credentials carried as query parameters (live sessions pass their bearer
// token that way), OTP codes, emails, phone numbers and UUID-shaped ids are
// replaced, and sensitive headers are masked outright.
package middleware

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const masked = "[REDACTED]"

var (
	secretParamRE = regexp.MustCompile(`(?i)\b((?:access_)?token|code|otp)=[^&]*`)
	uuidRE        = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}\b`)
	emailRE       = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits only, so hex runs left over from ids never match.
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// RedactOptions configures RedactingLogger.
type RedactOptions struct {
	// MaskHeaders are masked in addition to Authorization, Cookie and
	// Set-Cookie. Names are case-insensitive.
	MaskHeaders []string
}

type scrubber struct {
	masked map[string]struct{}
}

func newScrubber(extra []string) scrubber {
	s := scrubber{masked: map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}}
	for _, h := range extra {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			s.masked[h] = struct{}{}
		}
	}
	return s
}

// text applies the substitutions in order: secrets first, then ids before
// the looser phone pattern can eat their digit groups.
func (s scrubber) text(in string) string {
	if in == "" {
		return in
	}
	out := secretParamRE.ReplaceAllString(in, "$1="+masked)
	out = uuidRE.ReplaceAllString(out, "[REDACTED:id]")
	out = emailRE.ReplaceAllString(out, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(out, "[REDACTED:phone]")
}

func (s scrubber) headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := s.masked[strings.ToLower(k)]; ok {
			out[k] = masked
			continue
		}
		out[k] = s.text(strings.Join(vv, ", "))
	}
	return out
}

// accessEvent picks the log level: error for 5xx or collected gin errors,
// warn for other 4xx, info otherwise.
func accessEvent(status int, errs []*gin.Error) *zerolog.Event {
	switch {
	case status >= 500 || len(errs) > 0:
		return log.Error()
	case status >= 400:
		return log.Warn()
	}
	return log.Info()
}

// RedactingLogger logs each request after it completes and attaches the
// request-scoped logger that LoggerFrom returns.
//
//	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
//	    MaskHeaders: []string{"X-Api-Key"},
//	}))
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	s := newScrubber(opts.MaskHeaders)

	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		query := truncate(s.text(c.Request.URL.RawQuery), maxQueryLogLength)
		hdrs := s.headers(c.Request.Header)
		attachLogger(c, path)

		c.Next()

		reqID := c.Writer.Header().Get(requestIDHeader)
		if reqID == "" {
			reqID = c.GetHeader(requestIDHeader)
		}
		ev := accessEvent(c.Writer.Status(), c.Errors)
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		if uid := UserID(c); uid != "" {
			ev = ev.Str("user_id", uid)
		}
		if id := c.Param("id"); id != "" {
			ev = ev.Str("conversation_id", id)
		}
		if kind := streamKind(c); kind != "" {
			ev = ev.Str("stream", kind)
		}
		ev.Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Str("remote_ip", c.ClientIP()).
			Int("status", c.Writer.Status()).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", hdrs).
			Msg("http_request")
	}
}
