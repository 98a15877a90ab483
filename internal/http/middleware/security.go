// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// SecurityHeaders hardens JSON responses. The static header set is computed
// once when the middleware is built; per request it only checks the scheme
// for HSTS and merges the exposed header list.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultHSTSMaxAge = 180 * 24 * time.Hour

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	// EnableHSTS sends Strict-Transport-Security on HTTPS requests only.
	EnableHSTS bool
	HSTSMaxAge time.Duration // defaults to 180 days
	// NoStore marks responses uncacheable. Conversation snapshots carry
	// negotiated prices, so deployments behind shared caches should set it.
	NoStore      bool
	EnablePolicy bool // Permissions-Policy and cross-domain policy

	// ExposeHeaders are made readable to browser clients, e.g. ETag for
	// snapshot polling and Retry-After for OTP throttling.
	ExposeHeaders []string
}

type header struct{ name, value string }

// staticHeaders lists the headers every response gets under opt.
func staticHeaders(opt SecurityOptions) []header {
	hs := []header{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Referrer-Policy", "no-referrer"},
	}
	if opt.EnablePolicy {
		hs = append(hs,
			header{"Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()"},
			header{"X-Permitted-Cross-Domain-Policies", "none"},
		)
	}
	if opt.NoStore {
		hs = append(hs,
			header{"Cache-Control", "no-store"},
			header{"Pragma", "no-cache"},
			header{"Expires", "0"},
		)
	}
	return hs
}

func hstsValue(maxAge time.Duration) string {
	if maxAge <= 0 {
		maxAge = defaultHSTSMaxAge
	}
	return "max-age=" + strconv.Itoa(int(maxAge.Seconds())) + "; includeSubDomains; preload"
}

// SecurityHeaders sets the hardening headers before the handler runs. The
// request id, when RequestID has set one, is always exposed.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	static := staticHeaders(opt)
	hsts := hstsValue(opt.HSTSMaxAge)
	expose := append([]string{requestIDHeader}, opt.ExposeHeaders...)

	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range static {
			h.Set(kv.name, kv.value)
		}
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}
		for _, name := range expose {
			if name == requestIDHeader && h.Get(requestIDHeader) == "" {
				continue
			}
			exposeHeader(h, name)
		}
		c.Next()
	}
}

// isHTTPS trusts X-Forwarded-Proto from the fronting proxy.
func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// exposeHeader appends name to Access-Control-Expose-Headers once.
func exposeHeader(h http.Header, name string) {
	const key = "Access-Control-Expose-Headers"
	cur := h.Get(key)
	if cur == "" {
		h.Set(key, name)
		return
	}
	for _, part := range strings.Split(cur, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(key, cur+", "+name)
}
