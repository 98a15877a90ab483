// Package services – ConfirmationService
//
// ConfirmationService puts the OTP gate in front of the final agreement. A
// party of an ACCEPTED negotiation requests a code, then submits it together
// with the price they agreed to. The price must equal the server's final
// price; on success the conversation is locked and both sessions are told.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/negotiation"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/otp"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/realtime"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/repo"
)

// ConfirmationService finalizes accepted negotiations.
type ConfirmationService struct {
	DB        *gorm.DB
	Gate      *otp.Gate
	Publisher realtime.Publisher
	Locks     *KeyedMutex
}

// Agreement is the authoritative summary returned after confirmation.
type Agreement struct {
	Conversation *domain.Conversation `json:"conversation"`
	Proposal     *domain.Proposal     `json:"proposal"`
}

// Request issues a challenge to userID for an accepted conversation.
func (s *ConfirmationService) Request(ctx context.Context, userID, conversationID string) (otp.Issued, error) {
	ctx, span := otel.Tracer("services/ConfirmationService").Start(ctx, "Request",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	c, err := s.load(ctx, userID, conversationID)
	if err != nil {
		return otp.Issued{}, err
	}
	role, _ := c.RoleOf(userID)
	if err := negotiation.CanConfirm(c.Status, role, c.Finalized()); err != nil {
		return otp.Issued{}, err
	}
	return s.Gate.Issue(ctx, conversationID, userID)
}

// Verify checks the code and agreed price and locks the agreement.
func (s *ConfirmationService) Verify(ctx context.Context, userID, conversationID, code string, agreedPrice decimal.Decimal) (*Agreement, error) {
	ctx, span := otel.Tracer("services/ConfirmationService").Start(ctx, "Verify",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	unlock := s.Locks.Lock(conversationID)
	defer unlock()

	c, err := s.load(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if c.Finalized() {
		// The code that finalized it was consumed.
		return nil, &otp.ChallengeError{Reason: otp.ReasonExpired}
	}
	role, _ := c.RoleOf(userID)
	if err := negotiation.CanConfirm(c.Status, role, false); err != nil {
		return nil, err
	}
	p, err := repo.CurrentProposal(ctx, s.DB, c)
	if err != nil {
		return nil, err
	}
	if !agreedPrice.Round(negotiation.MoneyPlaces).Equal(p.FinalPrice) {
		return nil, &negotiation.ValidationError{
			Field:  "agreed_price",
			Reason: fmt.Sprintf("does not match the accepted final price %s", p.FinalPrice.StringFixed(negotiation.MoneyPlaces)),
		}
	}
	if err := s.Gate.Verify(ctx, conversationID, userID, code); err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := time.Now().UTC()
	var info *domain.Message
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.FinalizeConversation(ctx, tx, c.ID, c.Version, p.FinalPrice, now); err != nil {
			return err
		}
		m, err := repo.CreateMessage(ctx, tx, c.ID, domain.SystemSender, domain.KindInfo,
			printer.Sprintf("Deal confirmed at %s.", formatMoney(p.FinalPrice, p.Currency)))
		if err != nil {
			return err
		}
		info = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.FinalizedAt = &now
	c.AgreedPrice = decimal.NewNullDecimal(p.FinalPrice)
	c.UpdatedAt = now

	pub := publisherOr(s.Publisher)
	pub.Publish(ctx, messageEvent(info))
	pub.Publish(ctx, stateEvent(c, p))

	log.Info().
		Str("conversation_id", c.ID).
		Str("actor", string(role)).
		Int("version", c.Version).
		Str("agreed_price", p.FinalPrice.String()).
		Msg("agreement confirmed")
	return &Agreement{Conversation: c, Proposal: p}, nil
}

func (s *ConfirmationService) load(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	c, err := repo.GetConversationFor(ctx, s.DB, conversationID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return c, nil
}
