package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func secured(opt SecurityOptions, pre gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	if pre != nil {
		r.Use(pre)
	}
	r.Use(SecurityHeaders(opt))
	r.GET("/conversations/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestSecurityHeaders_Options(t *testing.T) {
	tlsReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/conversations/c1", nil)
		req.TLS = &tls.ConnectionState{}
		return req
	}
	proxied := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/conversations/c1", nil)
		req.Header.Set("X-Forwarded-Proto", "HTTPS")
		return req
	}
	plain := func() *http.Request { return httptest.NewRequest(http.MethodGet, "/conversations/c1", nil) }

	cases := []struct {
		name   string
		opt    SecurityOptions
		req    func() *http.Request
		want   map[string]string
		absent []string
	}{
		{
			name:   "baseline",
			req:    plain,
			want:   map[string]string{"X-Content-Type-Options": "nosniff", "X-Frame-Options": "DENY", "Referrer-Policy": "no-referrer"},
			absent: []string{"Permissions-Policy", "Cache-Control", "Strict-Transport-Security", "Access-Control-Expose-Headers"},
		},
		{
			name: "policy and no-store",
			opt:  SecurityOptions{EnablePolicy: true, NoStore: true},
			req:  plain,
			want: map[string]string{"X-Permitted-Cross-Domain-Policies": "none", "Cache-Control": "no-store", "Pragma": "no-cache", "Expires": "0"},
		},
		{
			name: "hsts over tls",
			opt:  SecurityOptions{EnableHSTS: true, HSTSMaxAge: 24 * time.Hour},
			req:  tlsReq,
			want: map[string]string{"Strict-Transport-Security": "max-age=86400; includeSubDomains; preload"},
		},
		{
			name: "hsts default age behind proxy",
			opt:  SecurityOptions{EnableHSTS: true},
			req:  proxied,
			want: map[string]string{"Strict-Transport-Security": "max-age=15552000; includeSubDomains; preload"},
		},
		{
			name:   "no hsts over plain http",
			opt:    SecurityOptions{EnableHSTS: true},
			req:    plain,
			absent: []string{"Strict-Transport-Security"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			secured(tc.opt, nil).ServeHTTP(w, tc.req())
			for k, v := range tc.want {
				if got := w.Header().Get(k); got != v {
					t.Fatalf("%s = %q; want %q", k, got, v)
				}
			}
			for _, k := range tc.absent {
				if got := w.Header().Get(k); got != "" {
					t.Fatalf("%s = %q; want unset", k, got)
				}
			}
		})
	}
}

func TestSecurityHeaders_ExposeList(t *testing.T) {
	cases := []struct {
		name string
		pre  gin.HandlerFunc
		opt  SecurityOptions
		want string
	}{
		{
			name: "request id with extras deduplicated",
			pre:  RequestID(),
			opt:  SecurityOptions{ExposeHeaders: []string{"ETag", "Idempotency-Replayed", "etag"}},
			want: "X-Request-ID, ETag, Idempotency-Replayed",
		},
		{
			name: "appends to an existing list",
			pre: func(c *gin.Context) {
				c.Header(requestIDHeader, "rid-1")
				c.Header("Access-Control-Expose-Headers", "Location")
				c.Next()
			},
			opt:  SecurityOptions{ExposeHeaders: []string{"Retry-After", "location"}},
			want: "Location, X-Request-ID, Retry-After",
		},
		{
			name: "no request id",
			opt:  SecurityOptions{ExposeHeaders: []string{"ETag"}},
			want: "ETag",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			secured(tc.opt, tc.pre).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/conversations/c1", nil))
			if got := w.Header().Get("Access-Control-Expose-Headers"); got != tc.want {
				t.Fatalf("expose = %q; want %q", got, tc.want)
			}
		})
	}
}
