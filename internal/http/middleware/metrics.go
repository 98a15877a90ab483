// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// Prometheus instrumentation for HTTP traffic. Labels use the registered
// route (c.FullPath()) so conversation ids never become label values;
// requests that match no route share the "unmatched" label.
//
// Live sessions (websocket and SSE) are tracked separately: they are counted
// on completion like any request, held in a gauge while open, and kept out
// of the latency and size histograms because their duration is the session
// length.
package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const unmatchedPath = "unmatched"

// Live session kinds used as label values.
const (
	streamWS  = "ws"
	streamSSE = "sse"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Latency of non-streaming HTTP requests.",
			// Negotiation writes take a transaction and a fan-out; reads are cheap.
			Buckets: []float64{.002, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Non-streaming HTTP requests currently being served.",
		},
	)

	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_response_size_bytes",
			Help: "Size of non-streaming HTTP responses in bytes.",
			// Snapshots carry the message history and dominate the upper range.
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
		[]string{"method", "path"},
	)

	liveSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_live_sessions",
			Help: "Open websocket and server-sent-event sessions.",
		},
		[]string{"kind"},
	)

	rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by bucket class.",
		},
		[]string{"class"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize, liveSessions, rateLimited)
}

// Metrics returns a Gin middleware that instruments requests with Prometheus.
//
//	r := gin.New()
//	r.Use(middleware.Metrics())
//	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		kind := streamKind(c)
		if kind != "" {
			g := liveSessions.WithLabelValues(kind)
			g.Inc()
			defer g.Dec()
		} else {
			httpInflight.Inc()
			defer httpInflight.Dec()
		}

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = unmatchedPath
		}
		method := c.Request.Method
		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		if kind != "" || isEventStream(c) {
			return
		}
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}

// streamKind classifies a request as a live session before the handler
// runs. Websocket handshakes are recognized by their Upgrade header and SSE
// by the route suffix or an event-stream Accept header.
func streamKind(c *gin.Context) string {
	switch {
	case strings.EqualFold(c.GetHeader("Upgrade"), "websocket"):
		return streamWS
	case strings.HasSuffix(c.FullPath(), "/events"),
		strings.Contains(c.GetHeader("Accept"), "text/event-stream"):
		return streamSSE
	}
	return ""
}

// isEventStream reports responses that turned out to be event streams.
func isEventStream(c *gin.Context) bool {
	return strings.HasPrefix(c.Writer.Header().Get("Content-Type"), "text/event-stream")
}
