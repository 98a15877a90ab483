package otp

import (
	"errors"
	"fmt"
	"time"
)

// Reason classifies a failed challenge operation.
type Reason string

const (
	ReasonInvalidCode       Reason = "invalid_code"
	ReasonExpired           Reason = "expired"
	ReasonAttemptsExhausted Reason = "attempts_exhausted"
	ReasonResendTooSoon     Reason = "resend_too_soon"
)

var (
	// ErrChallenge matches every *ChallengeError with errors.Is.
	ErrChallenge = errors.New("otp challenge failed")
	// ErrNoChallenge is returned by stores when nothing is pending.
	ErrNoChallenge = errors.New("no pending challenge")
	// ErrNotRequester is returned when someone other than the party that
	// requested the challenge tries to verify it.
	ErrNotRequester = errors.New("challenge belongs to the other party")
)

// ChallengeError is a typed verification or issuance failure.
type ChallengeError struct {
	Reason Reason
	// RemainingAttempts is set for invalid_code only.
	RemainingAttempts int
	// RetryAfter is set for resend_too_soon only.
	RetryAfter time.Duration
}

func (e *ChallengeError) Error() string {
	switch e.Reason {
	case ReasonInvalidCode:
		return fmt.Sprintf("invalid code, %d attempt(s) remaining", e.RemainingAttempts)
	case ReasonExpired:
		return "code expired or already used; request a new one"
	case ReasonAttemptsExhausted:
		return "too many wrong codes; request a new one"
	case ReasonResendTooSoon:
		return fmt.Sprintf("a code was just sent; retry in %s", e.RetryAfter.Round(time.Second))
	default:
		return string(e.Reason)
	}
}

func (e *ChallengeError) Is(target error) bool { return target == ErrChallenge }

// ReasonOf extracts the failure reason, or "" for other errors.
func ReasonOf(err error) Reason {
	var ce *ChallengeError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}
