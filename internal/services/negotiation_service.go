// Package services – NegotiationService
//
// NegotiationService is the single arbiter of proposal transitions. Every
// submit, counter and accept runs the state machine against the stored head,
// reprices the proposal server-side from the conversation's buckets, and
// commits the new head, the immutable proposal row and an info message in one
// transaction. Concurrent writers are serialized by the version check in
// repo.AdvanceConversation; the loser gets a *negotiation.ConflictError.
//
// Events are published only after commit: first the info message, then the
// state change carrying the full proposal.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/bucket"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/negotiation"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/observability"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/realtime"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/repo"
)

// NegotiationService drives the proposal state machine.
type NegotiationService struct {
	DB        *gorm.DB
	Rules     negotiation.Rules
	Publisher realtime.Publisher
	Locks     *KeyedMutex

	// HistoryLimit caps the messages included in a snapshot.
	HistoryLimit int

	now func() time.Time
}

// NewNegotiationService wires a service with default rules.
func NewNegotiationService(db *gorm.DB, pub realtime.Publisher, locks *KeyedMutex) *NegotiationService {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	return &NegotiationService{
		DB:           db,
		Rules:        negotiation.DefaultRules(),
		Publisher:    pub,
		Locks:        locks,
		HistoryLimit: 500,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SubmitInput is one proposal or counter.
type SubmitInput struct {
	Terms negotiation.Terms
	// ExpectedVersion, when set, is the head version the caller last saw.
	ExpectedVersion *int
	// ClientFinalPrice is informational only; the server price always wins.
	ClientFinalPrice *decimal.Decimal
}

// Submit records a proposal (from NONE) or a counter-offer.
func (s *NegotiationService) Submit(ctx context.Context, userID, conversationID string, in SubmitInput) (*domain.Proposal, error) {
	ctx, span := otel.Tracer("services/NegotiationService").Start(ctx, "Submit",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	p, err := s.transition(ctx, userID, conversationID, negotiation.ActionSubmit, in.ExpectedVersion,
		func(c *domain.Conversation) (negotiation.Quote, error) {
			summary := bucket.Aggregate(c.Selection)
			if summary.MixedCurrency {
				return negotiation.Quote{}, &negotiation.ValidationError{Field: "buckets", Reason: "selection mixes currencies"}
			}
			return s.Rules.Quote(summary.Buckets, in.Terms)
		})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if in.ClientFinalPrice != nil && !in.ClientFinalPrice.Equal(p.FinalPrice) {
		log.Warn().
			Str("conversation_id", conversationID).
			Str("client_final_price", in.ClientFinalPrice.String()).
			Str("final_price", p.FinalPrice.String()).
			Msg("client final price ignored")
	}
	return p, nil
}

// Accept accepts the counterparty's current proposal. The acceptance is a new
// proposal version carrying the accepted terms unchanged.
func (s *NegotiationService) Accept(ctx context.Context, userID, conversationID string, expectedVersion *int) (*domain.Proposal, error) {
	ctx, span := otel.Tracer("services/NegotiationService").Start(ctx, "Accept",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	p, err := s.transition(ctx, userID, conversationID, negotiation.ActionAccept, expectedVersion,
		func(c *domain.Conversation) (negotiation.Quote, error) {
			cur, err := repo.CurrentProposal(ctx, s.DB, c)
			if err != nil {
				return negotiation.Quote{}, err
			}
			return cur.Quote(), nil
		})
	if err != nil {
		span.RecordError(err)
	}
	return p, err
}

// transition runs one state-machine step under the conversation lock.
func (s *NegotiationService) transition(
	ctx context.Context,
	userID, conversationID string,
	action negotiation.Action,
	expected *int,
	quote func(*domain.Conversation) (negotiation.Quote, error),
) (p *domain.Proposal, err error) {
	defer func() {
		if reason := rejectionReason(err); reason != "" {
			observability.NegotiationRejections.WithLabelValues(reason).Inc()
		}
	}()

	unlock := s.Locks.Lock(conversationID)
	defer unlock()

	c, err := s.load(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	role, _ := c.RoleOf(userID)

	if expected != nil && *expected != c.Version {
		return nil, &negotiation.ConflictError{Expected: *expected, Actual: c.Version}
	}
	to, err := negotiation.Next(c.Status, role, action)
	if err != nil {
		return nil, err
	}
	q, err := quote(c)
	if err != nil {
		return nil, err
	}

	from := c.Status
	now := s.clock()
	p = domain.NewProposal(c, c.Version+1, to, role, userID, q, now)
	var info *domain.Message
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.AdvanceConversation(ctx, tx, c.ID, c.Version, to, now); err != nil {
			return err
		}
		if err := repo.CreateProposal(ctx, tx, p); err != nil {
			if repo.IsDuplicate(err) {
				return &negotiation.ConflictError{Expected: c.Version, Actual: -1}
			}
			return err
		}
		m, err := repo.CreateMessage(ctx, tx, c.ID, domain.SystemSender, domain.KindInfo, infoText(role, from, to, q))
		if err != nil {
			return err
		}
		info = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.Status, c.Version, c.UpdatedAt = to, p.Version, now
	if to == negotiation.StatusAccepted {
		c.AcceptedAt = &now
	}

	pub := publisherOr(s.Publisher)
	pub.Publish(ctx, messageEvent(info))
	pub.Publish(ctx, stateEvent(c, p))

	observability.NegotiationTransitions.WithLabelValues(string(from), string(to)).Inc()
	log.Info().
		Str("conversation_id", c.ID).
		Str("actor", string(role)).
		Str("from", string(from)).
		Str("to", string(to)).
		Int("version", p.Version).
		Str("final_price", p.FinalPrice.String()).
		Msg("negotiation transition")
	return p, nil
}

func (s *NegotiationService) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

func (s *NegotiationService) load(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	c, err := repo.GetConversationFor(ctx, s.DB, conversationID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return c, nil
}

// Current returns the current proposal, or nil while the status is NONE.
func (s *NegotiationService) Current(ctx context.Context, userID, conversationID string) (*domain.Proposal, error) {
	c, err := s.load(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	return s.current(ctx, c)
}

func (s *NegotiationService) current(ctx context.Context, c *domain.Conversation) (*domain.Proposal, error) {
	p, err := repo.CurrentProposal(ctx, s.DB, c)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return p, err
}

// History returns every proposal version, oldest first.
func (s *NegotiationService) History(ctx context.Context, userID, conversationID string) ([]domain.Proposal, error) {
	if _, err := s.load(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return repo.ListProposals(ctx, s.DB, conversationID)
}

// Preview prices terms against the conversation's buckets without
// submitting anything.
func (s *NegotiationService) Preview(ctx context.Context, userID, conversationID string, t negotiation.Terms) (negotiation.Quote, error) {
	c, err := s.load(ctx, userID, conversationID)
	if err != nil {
		return negotiation.Quote{}, err
	}
	return s.Rules.Quote(bucket.Aggregate(c.Selection).Buckets, t)
}

// Snapshot is everything a session needs to render a conversation from
// scratch.
type Snapshot struct {
	Conversation   *domain.Conversation `json:"conversation"`
	Role           negotiation.Actor    `json:"role"`
	Proposal       *domain.Proposal     `json:"proposal"`
	Buckets        bucket.Summary       `json:"buckets"`
	Messages       []domain.Message     `json:"messages"`
	AllowedActions []negotiation.Action `json:"allowed_actions"`
	AwaitingActor  negotiation.Actor    `json:"awaiting_actor,omitempty"`
}

// Snapshot loads the authoritative view for userID.
func (s *NegotiationService) Snapshot(ctx context.Context, userID, conversationID string) (*Snapshot, error) {
	ctx, span := otel.Tracer("services/NegotiationService").Start(ctx, "Snapshot",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	c, err := s.load(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	p, err := s.current(ctx, c)
	if err != nil {
		return nil, err
	}
	msgs, err := repo.ListMessages(s.DB.WithContext(ctx), c.ID, s.HistoryLimit)
	if err != nil {
		return nil, err
	}
	role, _ := c.RoleOf(userID)
	return &Snapshot{
		Conversation:   c,
		Role:           role,
		Proposal:       p,
		Buckets:        bucket.Aggregate(c.Selection),
		Messages:       msgs,
		AllowedActions: negotiation.Allowed(c.Status, role),
		AwaitingActor:  negotiation.AwaitingActor(c.Status),
	}, nil
}

// SnapshotEvent wraps Snapshot as a realtime event.
func (s *NegotiationService) SnapshotEvent(ctx context.Context, userID, conversationID string) (realtime.Event, error) {
	snap, err := s.Snapshot(ctx, userID, conversationID)
	if err != nil {
		return realtime.Event{}, err
	}
	return realtime.Event{
		Type:           realtime.EventSnapshot,
		ConversationID: conversationID,
		Version:        snap.Conversation.Version,
		Seq:            snap.Conversation.MessageSeq,
		Data:           snap,
	}, nil
}
