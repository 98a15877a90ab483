package otp

import (
	"context"
	"sync"
	"time"
)

// Challenge is one pending code bound to a conversation. Only the keyed hash
// of the code is kept.
type Challenge struct {
	ID             string
	ConversationID string
	RequesterID    string
	CodeHash       string
	IssuedAt       time.Time
	ExpiresAt      time.Time
	Attempts       int
	MaxAttempts    int
}

// Expired reports whether the challenge is past its validity window.
func (c Challenge) Expired(now time.Time) bool { return !now.Before(c.ExpiresAt) }

// Store keeps at most one pending challenge per conversation.
type Store interface {
	// Save replaces any pending challenge for the conversation.
	Save(ctx context.Context, ch Challenge) error
	// Load returns ErrNoChallenge when nothing is pending.
	Load(ctx context.Context, conversationID string) (Challenge, error)
	// IncrementAttempts bumps the failure counter of challengeID and returns
	// the new count, or ErrNoChallenge if it was replaced or consumed.
	IncrementAttempts(ctx context.Context, conversationID, challengeID string) (int, error)
	// Delete removes challengeID and reports whether this call removed it.
	Delete(ctx context.Context, conversationID, challengeID string) (bool, error)
	// Purge drops expired challenges.
	Purge(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Challenge
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Challenge)}
}

func (s *MemoryStore) Save(_ context.Context, ch Challenge) error {
	s.mu.Lock()
	s.items[ch.ConversationID] = ch
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, conversationID string) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.items[conversationID]
	if !ok {
		return Challenge{}, ErrNoChallenge
	}
	return ch, nil
}

func (s *MemoryStore) IncrementAttempts(_ context.Context, conversationID, challengeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.items[conversationID]
	if !ok || ch.ID != challengeID {
		return 0, ErrNoChallenge
	}
	ch.Attempts++
	s.items[conversationID] = ch
	return ch.Attempts, nil
}

func (s *MemoryStore) Delete(_ context.Context, conversationID, challengeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.items[conversationID]
	if !ok || ch.ID != challengeID {
		return false, nil
	}
	delete(s.items, conversationID)
	return true, nil
}

func (s *MemoryStore) Purge(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, ch := range s.items {
		if ch.Expired(now) {
			delete(s.items, k)
			n++
		}
	}
	return n, nil
}
