package services

import (
	"context"
	"errors"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/realtime"
)

// Session binds one authenticated user and conversation to the services for
// the lifetime of a websocket connection.
type Session struct {
	UserID         string
	ConversationID string
	Negotiation    *NegotiationService
	Messages       *MessageService
}

var _ realtime.Session = (*Session)(nil)

// Snapshot implements realtime.Session.
func (s *Session) Snapshot(ctx context.Context) (realtime.Event, error) {
	evt, err := s.Negotiation.SnapshotEvent(ctx, s.UserID, s.ConversationID)
	return evt, coded(err)
}

// Chat implements realtime.Session.
func (s *Session) Chat(ctx context.Context, kind, content string) error {
	_, err := s.Messages.Send(ctx, s.UserID, s.ConversationID, kind, content)
	return coded(err)
}

// Typing implements realtime.Session.
func (s *Session) Typing(ctx context.Context) error {
	_, err := s.Messages.Typing(ctx, s.UserID, s.ConversationID)
	return coded(err)
}

// CodedError pairs an error with its stable client-facing code.
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string     { return e.Err.Error() }
func (e *CodedError) Unwrap() error     { return e.Err }
func (e *CodedError) ErrorCode() string { return e.Code }

func coded(err error) error {
	if err == nil {
		return nil
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return err
	}
	return &CodedError{Code: ErrorCode(err), Err: err}
}
