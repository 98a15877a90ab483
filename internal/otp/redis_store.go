package otp

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix   = "otp:"
	dialTimeout = 5 * time.Second
)

// Both scripts act only when the stored challenge id still matches, so a
// stale caller can never touch a newer challenge.
var (
	incrScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') == ARGV[1] then
  return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
end
return -1`)

	delScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)
)

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(dialCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis at %s: %w", addr, err)
	}
	return client, nil
}

// RedisStore keeps each challenge in a hash that expires with it, so
// challenges are shared across instances and never outlive their window.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func challengeKey(conversationID string) string { return keyPrefix + conversationID }

func (s *RedisStore) Save(ctx context.Context, ch Challenge) error {
	key := challengeKey(ch.ConversationID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, encodeChallenge(ch))
		pipe.PExpireAt(ctx, key, ch.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save otp challenge for %s: %w", ch.ConversationID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, conversationID string) (Challenge, error) {
	fields, err := s.client.HGetAll(ctx, challengeKey(conversationID)).Result()
	if err != nil {
		return Challenge{}, fmt.Errorf("load otp challenge for %s: %w", conversationID, err)
	}
	if len(fields) == 0 {
		return Challenge{}, ErrNoChallenge
	}
	return decodeChallenge(conversationID, fields)
}

func (s *RedisStore) IncrementAttempts(ctx context.Context, conversationID, challengeID string) (int, error) {
	n, err := incrScript.Run(ctx, s.client, []string{challengeKey(conversationID)}, challengeID).Int()
	if err != nil {
		return 0, fmt.Errorf("increment otp attempts for %s: %w", conversationID, err)
	}
	if n < 0 {
		return 0, ErrNoChallenge
	}
	return n, nil
}

func (s *RedisStore) Delete(ctx context.Context, conversationID, challengeID string) (bool, error) {
	n, err := delScript.Run(ctx, s.client, []string{challengeKey(conversationID)}, challengeID).Int()
	if err != nil {
		return false, fmt.Errorf("delete otp challenge for %s: %w", conversationID, err)
	}
	return n == 1, nil
}

// Purge is a no-op: Redis expires the hashes itself.
func (s *RedisStore) Purge(context.Context, time.Time) (int, error) { return 0, nil }

func encodeChallenge(ch Challenge) map[string]any {
	return map[string]any{
		"id":           ch.ID,
		"requester":    ch.RequesterID,
		"hash":         ch.CodeHash,
		"issued_at":    ch.IssuedAt.UnixMilli(),
		"expires_at":   ch.ExpiresAt.UnixMilli(),
		"attempts":     ch.Attempts,
		"max_attempts": ch.MaxAttempts,
	}
}

func decodeChallenge(conversationID string, f map[string]string) (Challenge, error) {
	ints := make(map[string]int64, 4)
	for _, k := range []string{"issued_at", "expires_at", "attempts", "max_attempts"} {
		v, err := strconv.ParseInt(f[k], 10, 64)
		if err != nil {
			return Challenge{}, fmt.Errorf("decode otp challenge field %s: %w", k, err)
		}
		ints[k] = v
	}
	return Challenge{
		ID:             f["id"],
		ConversationID: conversationID,
		RequesterID:    f["requester"],
		CodeHash:       f["hash"],
		IssuedAt:       time.UnixMilli(ints["issued_at"]).UTC(),
		ExpiresAt:      time.UnixMilli(ints["expires_at"]).UTC(),
		Attempts:       int(ints["attempts"]),
		MaxAttempts:    int(ints["max_attempts"]),
	}, nil
}
