// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// IdempotencyValidator checks the Idempotency-Key header on message and
// proposal submissions. A key already recorded for the same caller,
// conversation and scope marks the request as a replay: handlers then return
// the stored message or proposal instead of creating another, and the rate
// limiter lets it through for free.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries the client's retry key.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

const defaultIdemMaxLen = 200

var defaultIdemPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

func ctxBool(c *gin.Context, key string) bool {
	v, _ := c.Get(key)
	b, _ := v.(bool)
	return b
}

// GetIdempotencyKey returns the validated key, if the request carried one.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, _ := c.Get(ctxKeyIdemKey)
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the key was already used for this scope.
func IsReplay(c *gin.Context) bool { return ctxBool(c, ctxKeyIdemReplay) }

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	MaxLen  int            // defaults to 200
	Pattern *regexp.Regexp // defaults to ^[A-Za-z0-9._~\-:]+$
	// ScopeOf maps a request to the record kind it creates ("message",
	// "proposal"). An empty scope, or a nil ScopeOf, skips the lookup.
	ScopeOf func(*gin.Context) string
}

// IdempotencyLookup reports whether an unexpired record exists. Errors are
// treated as a miss so a storage hiccup never blocks a submission.
type IdempotencyLookup func(ctx context.Context, userID, conversationID, scope, key string, now time.Time) (bool, error)

// IdempotencyValidator rejects malformed keys with 400 bad_idempotency_key
// and flags replays. Requests without the header pass untouched.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	if opts.MaxLen <= 0 {
		opts.MaxLen = defaultIdemMaxLen
	}
	if opts.Pattern == nil {
		opts.Pattern = defaultIdemPattern
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		switch {
		case key == "":
			c.Next()
			return
		case len(key) > opts.MaxLen, !opts.Pattern.MatchString(key):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if lookup != nil && opts.ScopeOf != nil {
			if scope := opts.ScopeOf(c); scope != "" {
				hit, err := lookup(c.Request.Context(), UserID(c), c.Param("id"), scope, key, time.Now().UTC())
				if err != nil {
					LoggerFrom(c).Warn().Err(err).Str("scope", scope).Msg("idempotency lookup failed")
				}
				if hit {
					c.Set(ctxKeyIdemReplay, true)
					c.Set(ctxKeyRateBypass, true)
				}
			}
		}
		c.Next()
	}
}
