package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/observability"
)

// DefaultBuffer is the per-subscriber outbound queue length.
const DefaultBuffer = 64

// Subscription is one live session's view of a conversation topic. Frames
// arrive on C in publish order. C is closed when the session is unsubscribed
// or evicted for being too slow to take a state frame.
type Subscription struct {
	ID             string
	ConversationID string
	UserID         string

	send    chan Frame
	evicted bool
}

// C returns the frame channel.
func (s *Subscription) C() <-chan Frame { return s.send }

// Evicted reports whether the hub closed the subscription because it fell
// behind. Only meaningful after C is closed.
func (s *Subscription) Evicted() bool { return s.evicted }

// Hub holds one topic per conversation.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	buffer int
}

// NewHub builds an empty hub; buffer <= 0 selects DefaultBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{topics: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe registers a session on a conversation topic.
func (h *Hub) Subscribe(conversationID, userID string) *Subscription {
	s := &Subscription{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		send:           make(chan Frame, h.buffer),
	}
	h.mu.Lock()
	topic, ok := h.topics[conversationID]
	if !ok {
		topic = make(map[*Subscription]struct{})
		h.topics[conversationID] = topic
	}
	topic[s] = struct{}{}
	h.mu.Unlock()

	observability.RealtimeSubscribers.Inc()
	return s
}

// Unsubscribe removes s and closes its channel. Safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	removed := h.removeLocked(s)
	h.mu.Unlock()
	if removed {
		observability.RealtimeSubscribers.Dec()
	}
}

func (h *Hub) removeLocked(s *Subscription) bool {
	topic, ok := h.topics[s.ConversationID]
	if !ok {
		return false
	}
	if _, ok := topic[s]; !ok {
		return false
	}
	delete(topic, s)
	if len(topic) == 0 {
		delete(h.topics, s.ConversationID)
	}
	close(s.send)
	return true
}

// Publish encodes and delivers evt locally.
func (h *Hub) Publish(_ context.Context, evt Event) {
	f, err := Encode(evt)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", evt.ConversationID).Str("type", string(evt.Type)).Msg("realtime encode failed")
		return
	}
	h.Deliver(f)
}

// Deliver fans an encoded frame out without blocking. A full queue drops chat
// and typing frames; for state frames the subscriber is evicted instead so
// it reconnects and loads a fresh snapshot.
func (h *Hub) Deliver(f Frame) {
	class := f.Type.Class()
	var slow []*Subscription

	h.mu.RLock()
	for s := range h.topics[f.ConversationID] {
		select {
		case s.send <- f:
		default:
			observability.RealtimeDropped.WithLabelValues(string(class)).Inc()
			if class == ClassState {
				slow = append(slow, s)
			}
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	n := 0
	for _, s := range slow {
		s.evicted = true
		if h.removeLocked(s) {
			n++
		}
	}
	h.mu.Unlock()
	for i := 0; i < n; i++ {
		observability.RealtimeSubscribers.Dec()
	}
	log.Debug().Str("conversation_id", f.ConversationID).Int("evicted", n).Msg("slow subscribers evicted")
}

// Subscribers returns the number of live sessions on a conversation.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[conversationID])
}

// Close drops every subscription, e.g. on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	n := 0
	for _, topic := range h.topics {
		for s := range topic {
			close(s.send)
			n++
		}
	}
	h.topics = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()
	observability.RealtimeSubscribers.Sub(float64(n))
}
