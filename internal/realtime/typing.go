package realtime

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default typing cadence.
const (
	DefaultTypingThrottle = 800 * time.Millisecond
	DefaultTypingTTL      = 2 * time.Second
)

type typingKey struct{ conversationID, userID string }

type typingState struct {
	lim    *rate.Limiter
	timer  *time.Timer
	gen    uint64
	active bool
	last   time.Time
}

// Typing throttles typing signals to one publish per throttle window per
// (conversation, user) and publishes an inactive event after ttl of silence.
type Typing struct {
	pub      Publisher
	throttle time.Duration
	ttl      time.Duration

	mu    sync.Mutex
	state map[typingKey]*typingState
	now   func() time.Time
}

// NewTyping builds a tracker; zero durations select the defaults.
func NewTyping(pub Publisher, throttle, ttl time.Duration) *Typing {
	if throttle <= 0 {
		throttle = DefaultTypingThrottle
	}
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &Typing{
		pub:      pub,
		throttle: throttle,
		ttl:      ttl,
		state:    make(map[typingKey]*typingState),
		now:      time.Now,
	}
}

// Signal records that userID is typing in a conversation. It reports whether
// an active event was published; throttled signals only extend the expiry.
func (t *Typing) Signal(ctx context.Context, conversationID, userID string) bool {
	k := typingKey{conversationID, userID}
	now := t.now()

	t.mu.Lock()
	st, ok := t.state[k]
	if !ok {
		st = &typingState{lim: rate.NewLimiter(rate.Every(t.throttle), 1)}
		t.state[k] = st
	}
	st.last = now
	st.gen++
	gen := st.gen
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(t.ttl, func() { t.expire(k, gen) })
	emit := st.lim.AllowN(now, 1)
	if emit {
		st.active = true
	}
	t.mu.Unlock()

	if emit {
		t.pub.Publish(ctx, typingEvent(conversationID, userID, true))
	}
	return emit
}

// Clear ends a typing run immediately, e.g. when the user sends a message.
func (t *Typing) Clear(ctx context.Context, conversationID, userID string) {
	k := typingKey{conversationID, userID}
	t.mu.Lock()
	st, ok := t.state[k]
	if !ok {
		t.mu.Unlock()
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	wasActive := st.active
	delete(t.state, k)
	t.mu.Unlock()

	if wasActive {
		t.pub.Publish(ctx, typingEvent(conversationID, userID, false))
	}
}

func (t *Typing) expire(k typingKey, gen uint64) {
	t.mu.Lock()
	st, ok := t.state[k]
	if !ok || st.gen != gen || !st.active {
		t.mu.Unlock()
		return
	}
	st.active = false
	st.timer = nil
	t.mu.Unlock()

	t.pub.Publish(context.Background(), typingEvent(k.conversationID, k.userID, false))
}

// Sweep forgets idle entries whose last signal is older than both the ttl
// and the throttle window. It returns how many were removed.
func (t *Typing) Sweep(now time.Time) int {
	idle := t.ttl
	if t.throttle > idle {
		idle = t.throttle
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, st := range t.state {
		if st.active || now.Sub(st.last) < idle {
			continue
		}
		delete(t.state, k)
		n++
	}
	return n
}

// Len returns the number of tracked (conversation, user) pairs.
func (t *Typing) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.state)
}

// Stop cancels every pending expiry without publishing.
func (t *Typing) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, st := range t.state {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(t.state, k)
	}
}

func typingEvent(conversationID, userID string, active bool) Event {
	return Event{
		Type:           EventTyping,
		ConversationID: conversationID,
		Data:           TypingData{UserID: userID, Active: active},
	}
}
