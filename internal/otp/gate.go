// Package otp is the one-time-code gate that turns an accepted negotiation
// into a binding agreement.
package otp

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/observability"
)

// Defaults used when Options leave a field zero.
const (
	DefaultLength         = 6
	DefaultTTL            = 5 * time.Minute
	DefaultMaxAttempts    = 5
	DefaultResendInterval = 30 * time.Second
)

type Options struct {
	Length         int
	TTL            time.Duration
	MaxAttempts    int
	ResendInterval time.Duration
	// Secret keys the code hash. An empty secret gets a random one, which
	// only works for a single instance.
	Secret []byte
}

func (o Options) withDefaults() Options {
	if o.Length <= 0 {
		o.Length = DefaultLength
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.ResendInterval < 0 {
		o.ResendInterval = 0
	}
	return o
}

// Gate issues and verifies challenges.
type Gate struct {
	store  Store
	sender Sender
	opts   Options

	now  func() time.Time
	rand io.Reader
}

func NewGate(store Store, sender Sender, opts Options) *Gate {
	opts = opts.withDefaults()
	if len(opts.Secret) == 0 {
		opts.Secret = make([]byte, 32)
		_, _ = rand.Read(opts.Secret)
	}
	return &Gate{
		store:  store,
		sender: sender,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		rand:   rand.Reader,
	}
}

// Issued acknowledges a challenge without revealing the code.
type Issued struct {
	ChallengeID string    `json:"challenge_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Issue creates a challenge for requesterID and delivers its code. A pending
// challenge younger than the resend interval is kept and resend_too_soon is
// returned.
func (g *Gate) Issue(ctx context.Context, conversationID, requesterID string) (Issued, error) {
	now := g.now()

	prev, err := g.store.Load(ctx, conversationID)
	switch {
	case err == nil:
		if wait := prev.IssuedAt.Add(g.opts.ResendInterval).Sub(now); wait > 0 && !prev.Expired(now) {
			return Issued{}, &ChallengeError{Reason: ReasonResendTooSoon, RetryAfter: wait}
		}
	case !errors.Is(err, ErrNoChallenge):
		return Issued{}, err
	}

	code, err := g.code()
	if err != nil {
		return Issued{}, fmt.Errorf("generate otp code: %w", err)
	}
	ch := Challenge{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		RequesterID:    requesterID,
		IssuedAt:       now,
		ExpiresAt:      now.Add(g.opts.TTL),
		MaxAttempts:    g.opts.MaxAttempts,
	}
	ch.CodeHash = g.hash(ch, code)

	if err := g.store.Save(ctx, ch); err != nil {
		return Issued{}, err
	}
	if err := g.sender.SendCode(ctx, Delivery{
		ConversationID: conversationID,
		RecipientID:    requesterID,
		Code:           code,
		ExpiresAt:      ch.ExpiresAt,
	}); err != nil {
		_, _ = g.store.Delete(ctx, conversationID, ch.ID)
		return Issued{}, fmt.Errorf("deliver otp code: %w", err)
	}

	observability.OTPChallenges.Inc()
	log.Info().
		Str("conversation_id", conversationID).
		Str("requester_id", requesterID).
		Str("challenge_id", ch.ID).
		Time("expires_at", ch.ExpiresAt).
		Msg("otp challenge issued")
	return Issued{ChallengeID: ch.ID, ExpiresAt: ch.ExpiresAt}, nil
}

// Verify consumes the pending challenge when code matches. Every challenge
// succeeds at most once; later attempts see expired.
func (g *Gate) Verify(ctx context.Context, conversationID, requesterID, code string) error {
	err := g.verify(ctx, conversationID, requesterID, code)
	result := "ok"
	if err != nil {
		result = string(ReasonOf(err))
		if result == "" {
			result = "error"
		}
	}
	observability.OTPVerifications.WithLabelValues(result).Inc()
	return err
}

func (g *Gate) verify(ctx context.Context, conversationID, requesterID, code string) error {
	now := g.now()

	ch, err := g.store.Load(ctx, conversationID)
	if errors.Is(err, ErrNoChallenge) {
		return &ChallengeError{Reason: ReasonExpired}
	}
	if err != nil {
		return err
	}
	if ch.RequesterID != requesterID {
		return ErrNotRequester
	}
	if ch.Expired(now) {
		_, _ = g.store.Delete(ctx, conversationID, ch.ID)
		return &ChallengeError{Reason: ReasonExpired}
	}
	if ch.Attempts >= ch.MaxAttempts {
		_, _ = g.store.Delete(ctx, conversationID, ch.ID)
		return &ChallengeError{Reason: ReasonAttemptsExhausted}
	}

	want, _ := hex.DecodeString(ch.CodeHash)
	got, _ := hex.DecodeString(g.hash(ch, strings.TrimSpace(code)))
	if subtle.ConstantTimeCompare(want, got) == 1 {
		ok, err := g.store.Delete(ctx, conversationID, ch.ID)
		if err != nil {
			return err
		}
		if !ok {
			// A concurrent verify consumed it first.
			return &ChallengeError{Reason: ReasonExpired}
		}
		return nil
	}

	n, err := g.store.IncrementAttempts(ctx, conversationID, ch.ID)
	if errors.Is(err, ErrNoChallenge) {
		return &ChallengeError{Reason: ReasonExpired}
	}
	if err != nil {
		return err
	}
	if n >= ch.MaxAttempts {
		_, _ = g.store.Delete(ctx, conversationID, ch.ID)
		return &ChallengeError{Reason: ReasonAttemptsExhausted}
	}
	return &ChallengeError{Reason: ReasonInvalidCode, RemainingAttempts: ch.MaxAttempts - n}
}

// Purge drops expired challenges from stores that need it.
func (g *Gate) Purge(ctx context.Context) (int, error) {
	return g.store.Purge(ctx, g.now())
}

// code draws a uniformly distributed zero-padded numeric code.
func (g *Gate) code() (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(g.opts.Length)), nil)
	n, err := rand.Int(g.rand, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", g.opts.Length, n.Int64()), nil
}

func (g *Gate) hash(ch Challenge, code string) string {
	mac := hmac.New(sha256.New, g.opts.Secret)
	mac.Write([]byte(ch.ConversationID + ":" + ch.ID + ":" + code))
	return hex.EncodeToString(mac.Sum(nil))
}
