// Package realtime is the per-conversation publish/subscribe channel that
// carries chat messages, typing indicators and state-change notifications to
// live websocket and SSE sessions.
//
// The channel carries no locking semantics and offers no durable replay.
// Chat and typing frames are best-effort; a subscriber too slow to take a
// state frame is disconnected so it resynchronizes from a fresh snapshot.
package realtime

import (
	"context"
	"encoding/json"
	"time"
)

// EventType names a frame on the wire.
type EventType string

const (
	EventHello    EventType = "hello"
	EventSnapshot EventType = "snapshot"
	EventMessage  EventType = "message"
	EventTyping   EventType = "typing"
	EventState    EventType = "state"
	EventError    EventType = "error"
)

// Class groups event types by delivery guarantee.
type Class string

const (
	ClassChat   Class = "chat"
	ClassTyping Class = "typing"
	ClassState  Class = "state"
)

// Class returns the delivery class of t.
func (t EventType) Class() Class {
	switch t {
	case EventMessage:
		return ClassChat
	case EventTyping:
		return ClassTyping
	default:
		return ClassState
	}
}

// Event is what services publish.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	// Seq is the message sequence for message events.
	Seq int64 `json:"seq,omitempty"`
	// Version is the negotiation version for state and snapshot events.
	Version int       `json:"version,omitempty"`
	Data    any       `json:"data,omitempty"`
	At      time.Time `json:"at"`
}

// TypingData is the payload of typing events.
type TypingData struct {
	UserID string `json:"user_id"`
	Active bool   `json:"active"`
}

// HelloData tells a fresh session how to behave when push fails.
type HelloData struct {
	SessionID        string `json:"session_id"`
	Role             string `json:"role"`
	ReconnectAfterMS int64  `json:"reconnect_after_ms"`
	PollIntervalMS   int64  `json:"poll_interval_ms"`
}

// ErrorData reports a rejected inbound frame to its sender only.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame is an encoded event ready for fan-out.
type Frame struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
}

// Encode marshals evt once so every subscriber shares the same bytes.
func Encode(evt Event) (Frame, error) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: evt.Type, ConversationID: evt.ConversationID, Payload: b}, nil
}

// Publisher fans events out to a conversation's subscribers. Implementations
// never block on slow subscribers and never return delivery errors.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}
