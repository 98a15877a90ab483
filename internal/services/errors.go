// Package services orchestrates the negotiation core: it loads conversations
// from the store, runs the state machine, persists proposals and messages,
// and publishes the resulting events on the real-time channel.
//
// This file centralizes service-level error values. Typed negotiation and
// OTP errors pass through unchanged; translation into HTTP status codes or
// websocket error codes is done by ErrorCode and the handler layer.
package services

import (
	"errors"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/negotiation"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/otp"
)

var (
	// ErrConversationNotFound indicates that the conversation does not exist
	// or the caller is not one of its two parties.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrForbidden is returned when the caller participates but their role
	// may not perform the operation (e.g. the seller editing the selection).
	ErrForbidden = errors.New("operation not permitted for this party")

	// ErrEmptyContent is returned for blank chat messages.
	ErrEmptyContent = errors.New("content is empty")

	// ErrTooLong is returned when a message exceeds the configured rune limit.
	ErrTooLong = errors.New("content too long")

	// ErrInvalidKind is returned when a client tries to post anything other
	// than a chat or price message.
	ErrInvalidKind = errors.New("kind must be chat or price")
)

// Stable error codes shared by the HTTP and websocket surfaces.
const (
	CodeValidation        = "validation_failed"
	CodeIllegalTransition = "illegal_transition"
	CodeConflict          = "version_conflict"
	CodeNotFound          = "not_found"
	CodeForbidden         = "forbidden"
	CodeBadRequest        = "bad_request"
	CodeInternal          = "internal"
)

// ErrorCode maps an error from this package (or the packages it wraps) to a
// stable client-facing code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, negotiation.ErrValidation):
		return CodeValidation
	case errors.Is(err, negotiation.ErrIllegalTransition):
		return CodeIllegalTransition
	case errors.Is(err, negotiation.ErrConflict):
		return CodeConflict
	case errors.Is(err, otp.ErrChallenge):
		return string(otp.ReasonOf(err))
	case errors.Is(err, ErrConversationNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden), errors.Is(err, otp.ErrNotRequester):
		return CodeForbidden
	case errors.Is(err, ErrEmptyContent), errors.Is(err, ErrTooLong), errors.Is(err, ErrInvalidKind):
		return CodeBadRequest
	}
	return CodeInternal
}

// rejectionReason labels negotiation rejections for metrics.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, negotiation.ErrValidation):
		return "validation"
	case errors.Is(err, negotiation.ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, negotiation.ErrConflict):
		return "conflict"
	}
	return ""
}
