package otp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryStore_IDGuards(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_ = s.Save(ctx, Challenge{ID: "a", ConversationID: "c1", ExpiresAt: now.Add(time.Minute)})
	if _, err := s.IncrementAttempts(ctx, "c1", "stale"); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("stale increment = %v", err)
	}
	if n, _ := s.IncrementAttempts(ctx, "c1", "a"); n != 1 {
		t.Fatalf("attempts = %d", n)
	}
	if ok, _ := s.Delete(ctx, "c1", "stale"); ok {
		t.Fatal("stale id must not delete")
	}
	if ok, _ := s.Delete(ctx, "c1", "a"); !ok {
		t.Fatal("matching id should delete")
	}
	if ok, _ := s.Delete(ctx, "c1", "a"); ok {
		t.Fatal("second delete must report false")
	}
	if _, err := s.Load(ctx, "c1"); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("Load after delete = %v", err)
	}
}

func TestRedisCodec_RoundTrip(t *testing.T) {
	in := Challenge{
		ID: "id-1", ConversationID: "c1", RequesterID: "b1", CodeHash: "abcd",
		IssuedAt:    time.UnixMilli(1_700_000_000_000).UTC(),
		ExpiresAt:   time.UnixMilli(1_700_000_300_000).UTC(),
		Attempts:    2,
		MaxAttempts: 5,
	}
	fields := map[string]string{}
	for k, v := range encodeChallenge(in) {
		fields[k] = fmt.Sprint(v)
	}
	out, err := decodeChallenge("c1", fields)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.IssuedAt.Equal(in.IssuedAt) || !out.ExpiresAt.Equal(in.ExpiresAt) {
		t.Fatalf("times mismatch: %+v", out)
	}
	out.IssuedAt, out.ExpiresAt = in.IssuedAt, in.ExpiresAt
	if out != in {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
	if challengeKey("c1") != "otp:c1" {
		t.Fatalf("key = %q", challengeKey("c1"))
	}

	delete(fields, "attempts")
	if _, err := decodeChallenge("c1", fields); err == nil {
		t.Fatal("missing field should fail")
	}
}
