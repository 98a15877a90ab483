// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the caller's identity. With a configured secret the
// caller must present an HS256 bearer token whose `user_id` (or `sub`) claim
// names them; without one the X-User-ID header is trusted as-is, which is how
// the service runs behind an authenticating gateway and in tests.
//
// Browsers cannot set headers on WebSocket or EventSource requests, so when
// AllowQuery is set the token (or user id) may also travel as the `token`
// (or `user_id`) query parameter.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// HeaderUserID carries the caller identity when no secret is configured.
const HeaderUserID = "X-User-ID"

// ctxKeyUserID is the Gin context key read by handlers and the rate limiter.
const ctxKeyUserID = "userID"

// Claims are the token claims the service understands.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// IdentityOptions configures Identity.
type IdentityOptions struct {
	// Secret enables bearer-token verification when non-empty.
	Secret string
	// AllowQuery accepts `token` / `user_id` query parameters.
	AllowQuery bool
}

var (
	errNoIdentity   = errors.New("caller identity required")
	errBadToken     = errors.New("token is invalid")
	errTokenExpired = errors.New("token has expired")
)

// Identity resolves the caller and stores it under "userID". Requests
// without a usable identity are rejected with 401.
func Identity(opts IdentityOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			uid string
			err error
		)
		if opts.Secret != "" {
			uid, err = userFromToken(bearer(c, opts.AllowQuery), opts.Secret)
		} else {
			uid = strings.TrimSpace(c.GetHeader(HeaderUserID))
			if uid == "" && opts.AllowQuery {
				uid = strings.TrimSpace(c.Query("user_id"))
			}
			if uid == "" {
				err = errNoIdentity
			}
		}
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="negotiator"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "unauthorized",
				"message":    err.Error(),
			})
			return
		}
		c.Set(ctxKeyUserID, uid)
		c.Next()
	}
}

// UserID returns the identity stored by Identity, or "".
func UserID(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyUserID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// bearer extracts the raw token from the Authorization header or, when
// allowed, the `token` query parameter.
func bearer(c *gin.Context, allowQuery bool) string {
	parts := strings.Fields(c.GetHeader("Authorization"))
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	if allowQuery {
		return strings.TrimSpace(c.Query("token"))
	}
	return ""
}

func userFromToken(raw, secret string) (string, error) {
	if raw == "" {
		return "", errNoIdentity
	}
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errBadToken
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", errTokenExpired
	case err != nil || !tok.Valid:
		return "", errBadToken
	}
	uid := claims.UserID
	if uid == "" {
		uid = claims.Subject
	}
	if uid = strings.TrimSpace(uid); uid == "" {
		return "", errBadToken
	}
	return uid, nil
}
