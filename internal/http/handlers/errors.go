// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Generic codes mirror HTTP status semantics. Negotiation and confirmation
// failures carry the stable codes produced by services.ErrorCode so that the
// REST and websocket surfaces report the same reason for the same failure.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "validation_failed",
//	  "field": "selected_port",
//	  "message": "selected_port: port is required"
//	}
package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/negotiation"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/otp"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/services"
)

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeValidation        = services.CodeValidation
	ErrCodeIllegalTransition = services.CodeIllegalTransition
	ErrCodeVersionConflict   = services.CodeConflict
	ErrCodeInvalidCode       = string(otp.ReasonInvalidCode)
	ErrCodeExpired           = string(otp.ReasonExpired)
	ErrCodeAttemptsExhausted = string(otp.ReasonAttemptsExhausted)
	ErrCodeResendTooSoon     = string(otp.ReasonResendTooSoon)
	ErrCodeMethodNotAllowed  = "method_not_allowed"
	ErrCodeUnavailable       = "unavailable"
)

// statusFor maps a stable code to its HTTP status.
var statusFor = map[string]int{
	services.CodeValidation:        http.StatusUnprocessableEntity,
	services.CodeIllegalTransition: http.StatusConflict,
	services.CodeConflict:          http.StatusConflict,
	services.CodeNotFound:          http.StatusNotFound,
	services.CodeForbidden:         http.StatusForbidden,
	services.CodeBadRequest:        http.StatusBadRequest,
	ErrCodeInvalidCode:             http.StatusBadRequest,
	ErrCodeExpired:                 http.StatusGone,
	ErrCodeAttemptsExhausted:       http.StatusTooManyRequests,
	ErrCodeResendTooSoon:           http.StatusTooManyRequests,
}

// failErr translates a service error into the standard envelope. Unknown
// errors become 500 internal_error and are logged by fail.
func failErr(c *gin.Context, err error) {
	code := services.ErrorCode(err)
	status, known := statusFor[code]
	if !known {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	var ce *otp.ChallengeError
	if errors.As(err, &ce) && ce.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(ce.RetryAfter.Seconds()))))
	}

	resp := envelope(c, code, err.Error())
	var ve *negotiation.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
	}
	var conflict *negotiation.ConflictError
	if errors.As(err, &conflict) && conflict.Actual >= 0 {
		v := conflict.Actual
		resp.CurrentVersion = &v
	}
	c.AbortWithStatusJSON(status, resp)
}
