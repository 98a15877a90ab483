package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/negotiation"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/otp"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/realtime"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/repo"
)

type codeSender struct {
	mu   sync.Mutex
	last otp.Delivery
}

func (s *codeSender) SendCode(_ context.Context, d otp.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = d
	return nil
}

func (s *codeSender) code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.Code
}

type confirmFixture struct {
	neg    *NegotiationService
	conf   *ConfirmationService
	pub    *recordingPublisher
	sender *codeSender
	conv   *domain.Conversation
}

// newConfirmFixture returns services sharing one store and publisher, with
// the seeded conversation at BUYER_PROPOSED (81,000.00).
func newConfirmFixture(t *testing.T) *confirmFixture {
	t.Helper()
	db := newSvcDB(t)
	pub := &recordingPublisher{}
	locks := NewKeyedMutex()
	sender := &codeSender{}
	f := &confirmFixture{
		neg:    NewNegotiationService(db, pub, locks),
		pub:    pub,
		sender: sender,
		conv:   seedConversation(t, db),
	}
	f.conf = &ConfirmationService{
		DB:        db,
		Gate:      otp.NewGate(otp.NewMemoryStore(), sender, otp.Options{MaxAttempts: 3, Secret: []byte("test")}),
		Publisher: pub,
		Locks:     locks,
	}
	if _, err := f.neg.Submit(context.Background(), "b1", f.conv.ID, SubmitInput{Terms: terms(t, f.conv, 10)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	return f
}

func (f *confirmFixture) accept(t *testing.T) {
	t.Helper()
	if _, err := f.neg.Accept(context.Background(), "s1", f.conv.ID, nil); err != nil {
		t.Fatalf("accept: %v", err)
	}
}

var agreed = decimal.NewFromInt(81000)

func TestConfirmation_RequiresAccepted(t *testing.T) {
	f := newConfirmFixture(t)
	_, err := f.conf.Request(context.Background(), "b1", f.conv.ID)
	if !errors.Is(err, negotiation.ErrIllegalTransition) {
		t.Fatalf("request before accept: %v", err)
	}
	if _, err := f.conf.Request(context.Background(), "x9", f.conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("outsider request: %v", err)
	}
}

func TestConfirmation_HappyPath(t *testing.T) {
	f := newConfirmFixture(t)
	f.accept(t)
	ctx := context.Background()

	issued, err := f.conf.Request(ctx, "b1", f.conv.ID)
	if err != nil || issued.ChallengeID == "" {
		t.Fatalf("request: %+v err=%v", issued, err)
	}

	a, err := f.conf.Verify(ctx, "b1", f.conv.ID, f.sender.code(), decimal.RequireFromString("81000.00"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !a.Conversation.Finalized() || !a.Conversation.AgreedPrice.Decimal.Equal(agreed) {
		t.Fatalf("agreement = %+v", a.Conversation)
	}
	if a.Proposal.Status != negotiation.StatusAccepted {
		t.Fatalf("proposal status = %s", a.Proposal.Status)
	}

	stored, err := repo.GetConversation(ctx, f.conf.DB, f.conv.ID)
	if err != nil || stored.FinalizedAt == nil || !stored.AgreedPrice.Valid {
		t.Fatalf("finalization not persisted: %+v err=%v", stored, err)
	}

	msg, _ := f.pub.last(realtime.EventMessage)
	if m := msg.Data.(*domain.Message); !strings.Contains(m.Content, "Deal confirmed at 81,000.00 USD") {
		t.Fatalf("info message = %q", m.Content)
	}
	st, _ := f.pub.last(realtime.EventState)
	if sc := st.Data.(StateChange); sc.FinalizedAt == nil {
		t.Fatalf("state event should carry finalized_at")
	}

	// The code was consumed.
	_, err = f.conf.Verify(ctx, "b1", f.conv.ID, f.sender.code(), agreed)
	if otp.ReasonOf(err) != otp.ReasonExpired || ErrorCode(err) != "expired" {
		t.Fatalf("second verify: %v", err)
	}
	if _, err := f.conf.Request(ctx, "b1", f.conv.ID); !errors.Is(err, negotiation.ErrIllegalTransition) {
		t.Fatalf("request after confirmation: %v", err)
	}
}

func TestConfirmation_PriceMismatchKeepsAttempts(t *testing.T) {
	f := newConfirmFixture(t)
	f.accept(t)
	ctx := context.Background()
	if _, err := f.conf.Request(ctx, "s1", f.conv.ID); err != nil {
		t.Fatalf("request: %v", err)
	}

	for i := 0; i < 5; i++ {
		_, err := f.conf.Verify(ctx, "s1", f.conv.ID, "000000", decimal.NewFromInt(80000))
		var ve *negotiation.ValidationError
		if !errors.As(err, &ve) || ve.Field != "agreed_price" {
			t.Fatalf("expected agreed_price validation error, got %v", err)
		}
	}
	if _, err := f.conf.Verify(ctx, "s1", f.conv.ID, f.sender.code(), agreed); err != nil {
		t.Fatalf("price mismatches must not burn attempts: %v", err)
	}
}

func TestConfirmation_WrongCodeThenExhausted(t *testing.T) {
	f := newConfirmFixture(t)
	f.accept(t)
	ctx := context.Background()
	if _, err := f.conf.Request(ctx, "b1", f.conv.ID); err != nil {
		t.Fatalf("request: %v", err)
	}
	wrong := "000000"
	if f.sender.code() == wrong {
		wrong = "111111"
	}

	_, err := f.conf.Verify(ctx, "b1", f.conv.ID, wrong, agreed)
	var ce *otp.ChallengeError
	if !errors.As(err, &ce) || ce.Reason != otp.ReasonInvalidCode || ce.RemainingAttempts != 2 {
		t.Fatalf("first wrong code: %v", err)
	}
	_, _ = f.conf.Verify(ctx, "b1", f.conv.ID, wrong, agreed)
	_, err = f.conf.Verify(ctx, "b1", f.conv.ID, wrong, agreed)
	if otp.ReasonOf(err) != otp.ReasonAttemptsExhausted {
		t.Fatalf("third wrong code: %v", err)
	}
	_, err = f.conf.Verify(ctx, "b1", f.conv.ID, f.sender.code(), agreed)
	if otp.ReasonOf(err) != otp.ReasonExpired {
		t.Fatalf("exhausted challenge must be gone: %v", err)
	}

	stored, _ := repo.GetConversation(ctx, f.conf.DB, f.conv.ID)
	if stored.Finalized() {
		t.Fatal("failed verification must not finalize")
	}
}

func TestConfirmation_OnlyRequesterVerifies(t *testing.T) {
	f := newConfirmFixture(t)
	f.accept(t)
	ctx := context.Background()
	if _, err := f.conf.Request(ctx, "b1", f.conv.ID); err != nil {
		t.Fatalf("request: %v", err)
	}
	_, err := f.conf.Verify(ctx, "s1", f.conv.ID, f.sender.code(), agreed)
	if !errors.Is(err, otp.ErrNotRequester) || ErrorCode(err) != CodeForbidden {
		t.Fatalf("counterparty verify: %v", err)
	}
}
