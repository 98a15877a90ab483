package realtime

import (
	"context"
	"encoding/json"
	"testing"
)

func TestHub_FanOutInPublishOrder(t *testing.T) {
	h := NewHub(8)
	a := h.Subscribe("c1", "buyer")
	b := h.Subscribe("c1", "seller")
	other := h.Subscribe("c2", "x")

	for i := 1; i <= 3; i++ {
		h.Publish(context.Background(), Event{Type: EventMessage, ConversationID: "c1", Seq: int64(i)})
	}

	for _, s := range []*Subscription{a, b} {
		for want := int64(1); want <= 3; want++ {
			f := <-s.C()
			var evt Event
			if err := json.Unmarshal(f.Payload, &evt); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if evt.Seq != want {
				t.Fatalf("%s got seq %d; want %d", s.UserID, evt.Seq, want)
			}
		}
	}
	if len(other.C()) != 0 {
		t.Fatal("frames leaked across conversations")
	}
	if h.Subscribers("c1") != 2 {
		t.Fatalf("Subscribers = %d", h.Subscribers("c1"))
	}
}

func TestHub_SlowSubscriber_DropsChatKeepsSession(t *testing.T) {
	h := NewHub(1)
	s := h.Subscribe("c1", "u")

	h.Publish(context.Background(), Event{Type: EventMessage, ConversationID: "c1", Seq: 1})
	h.Publish(context.Background(), Event{Type: EventMessage, ConversationID: "c1", Seq: 2})
	h.Publish(context.Background(), Event{Type: EventTyping, ConversationID: "c1"})

	if h.Subscribers("c1") != 1 {
		t.Fatal("chat/typing drops must not evict the subscriber")
	}
	f := <-s.C()
	if f.Type != EventMessage {
		t.Fatalf("type = %s", f.Type)
	}
}

func TestHub_SlowSubscriber_EvictedOnStateDrop(t *testing.T) {
	h := NewHub(1)
	slow := h.Subscribe("c1", "slow")
	fast := h.Subscribe("c1", "fast")

	h.Publish(context.Background(), Event{Type: EventMessage, ConversationID: "c1", Seq: 1})
	<-fast.C()
	h.Publish(context.Background(), Event{Type: EventState, ConversationID: "c1", Version: 2})

	// slow still holds the queued message, then sees the close.
	if f, ok := <-slow.C(); !ok || f.Type != EventMessage {
		t.Fatalf("expected queued message before close, got %v ok=%v", f.Type, ok)
	}
	if _, ok := <-slow.C(); ok {
		t.Fatal("slow subscriber channel should be closed")
	}
	if !slow.Evicted() {
		t.Fatal("slow subscriber should be flagged evicted")
	}
	if f := <-fast.C(); f.Type != EventState {
		t.Fatalf("fast subscriber got %s", f.Type)
	}
	if h.Subscribers("c1") != 1 {
		t.Fatalf("Subscribers = %d; want 1", h.Subscribers("c1"))
	}
}

func TestHub_UnsubscribeIdempotent_AndClose(t *testing.T) {
	h := NewHub(0)
	s := h.Subscribe("c1", "u")
	h.Unsubscribe(s)
	h.Unsubscribe(s)
	if _, ok := <-s.C(); ok {
		t.Fatal("channel should be closed")
	}
	if s.Evicted() {
		t.Fatal("plain unsubscribe is not an eviction")
	}

	s2 := h.Subscribe("c9", "u")
	h.Close()
	if _, ok := <-s2.C(); ok {
		t.Fatal("Close should close all subscriptions")
	}
	if h.Subscribers("c9") != 0 {
		t.Fatal("topics should be empty after Close")
	}
}

func TestEncode_StampsTimeAndClass(t *testing.T) {
	f, err := Encode(Event{Type: EventSnapshot, ConversationID: "c", Data: map[string]int{"a": 1}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var evt map[string]any
	if err := json.Unmarshal(f.Payload, &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt["at"] == "" || evt["at"] == "0001-01-01T00:00:00Z" {
		t.Fatalf("at not stamped: %v", evt["at"])
	}
	if EventSnapshot.Class() != ClassState || EventMessage.Class() != ClassChat || EventTyping.Class() != ClassTyping {
		t.Fatal("unexpected event classes")
	}
}
