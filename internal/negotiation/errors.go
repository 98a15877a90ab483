package negotiation

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching at the transport boundary.
var (
	ErrValidation        = errors.New("validation failed")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrConflict          = errors.New("version conflict")
)

// ValidationError rejects malformed proposal content before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IllegalTransitionError means the action is not permitted from the current
// state for this actor.
type IllegalTransitionError struct {
	From   Status
	Actor  Actor
	Action Action
	Reason string
}

func (e *IllegalTransitionError) Error() string {
	switch {
	case e.Reason != "":
		return e.Reason
	case e.From.Terminal():
		return "negotiation is already accepted; start a new conversation to renegotiate"
	case e.From == StatusNone && e.Action == ActionAccept:
		return "there is no proposal to accept"
	}
	if waiting := AwaitingActor(e.From); waiting != "" && waiting != e.Actor {
		return fmt.Sprintf("%s cannot %s while waiting for the %s (status %s)", e.Actor, e.Action, waiting, e.From)
	}
	return fmt.Sprintf("%s cannot %s from status %s", e.Actor, e.Action, e.From)
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// ConflictError means the caller acted on a stale view: the stored version
// moved past what the caller last observed.
type ConflictError struct {
	Expected int
	Actual   int
}

func (e *ConflictError) Error() string {
	if e.Actual < 0 {
		return fmt.Sprintf("negotiation changed since version %d; reload and retry", e.Expected)
	}
	return fmt.Sprintf("negotiation is at version %d, not %d; someone already responded", e.Actual, e.Expected)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
