// Package services – ConversationService
//
// This file implements ConversationService, which owns the lifecycle of
// conversations: lazy get-or-create by (buyer, seller, item), participant
// checks, listing, and the buyer's unit selection that buckets are derived
// from.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/bucket"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/negotiation"
)

// ConversationRepo defines the repository contract required by
// ConversationService.
type ConversationRepo interface {
	// EnsureConversation inserts c unless its identity triple already exists
	// and returns the stored row.
	EnsureConversation(ctx context.Context, db *gorm.DB, c *domain.Conversation) (*domain.Conversation, bool, error)

	// GetConversationFor fetches a conversation userID participates in.
	GetConversationFor(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Conversation, error)

	// CountConversations returns the total for pagination.
	CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error)

	// ListConversationsPage returns a page of userID's conversations.
	ListConversationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Conversation, error)

	// UpdateSelection replaces the selection while the negotiation is NONE.
	UpdateSelection(ctx context.Context, db *gorm.DB, id string, sel []bucket.Entry) error
}

// ConversationService provides conversation-level operations.
type ConversationService struct {
	DB   *gorm.DB
	Repo ConversationRepo

	// MaxSelection caps the number of selection entries.
	MaxSelection int
}

// NewConversationService constructs a ConversationService with defaults.
func NewConversationService(db *gorm.DB, r ConversationRepo) *ConversationService {
	return &ConversationService{DB: db, Repo: r, MaxSelection: 500}
}

// EnsureInput identifies a conversation and seeds it on first creation.
type EnsureInput struct {
	BuyerID   string
	SellerID  string
	ItemID    string
	Market    string
	Selection []bucket.Entry
}

// Ensure returns the conversation for the triple, creating it if needed.
// Selection is only applied on creation; use SetSelection afterwards.
func (s *ConversationService) Ensure(ctx context.Context, in EnsureInput) (*domain.Conversation, bool, error) {
	ctx, span := otel.Tracer("services/ConversationService").Start(ctx, "Ensure",
		trace.WithAttributes(
			attribute.String("buyer.id", in.BuyerID),
			attribute.String("seller.id", in.SellerID),
			attribute.String("item.id", in.ItemID),
		),
	)
	defer span.End()

	in.BuyerID = strings.TrimSpace(in.BuyerID)
	in.SellerID = strings.TrimSpace(in.SellerID)
	in.ItemID = strings.TrimSpace(in.ItemID)
	switch {
	case in.BuyerID == "":
		return nil, false, &negotiation.ValidationError{Field: "buyer_id", Reason: "buyer is required"}
	case in.SellerID == "":
		return nil, false, &negotiation.ValidationError{Field: "seller_id", Reason: "seller is required"}
	case in.ItemID == "":
		return nil, false, &negotiation.ValidationError{Field: "item_id", Reason: "reference item is required"}
	case in.BuyerID == in.SellerID:
		return nil, false, &negotiation.ValidationError{Field: "seller_id", Reason: "buyer and seller must differ"}
	}
	market, ok := domain.ParseMarket(in.Market)
	if !ok {
		return nil, false, &negotiation.ValidationError{Field: "market", Reason: fmt.Sprintf("unknown market %q", in.Market)}
	}
	sel, err := s.checkSelection(in.SellerID, in.Selection)
	if err != nil {
		return nil, false, err
	}

	return s.Repo.EnsureConversation(ctx, s.DB, &domain.Conversation{
		BuyerID:   in.BuyerID,
		SellerID:  in.SellerID,
		ItemID:    in.ItemID,
		Market:    market,
		Selection: sel,
	})
}

// Get returns a conversation userID participates in.
func (s *ConversationService) Get(ctx context.Context, userID, id string) (*domain.Conversation, error) {
	c, err := s.Repo.GetConversationFor(ctx, s.DB, id, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return c, nil
}

// ListPage returns a page of userID's conversations plus the total count.
func (s *ConversationService) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Conversation, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountConversations(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Conversation{}, 0, nil
	}
	items, err := s.Repo.ListConversationsPage(ctx, s.DB, userID, offset, pageSize)
	return items, total, err
}

// SetSelection replaces the buyer's unit selection. Only the buyer may do
// this, and only before the first proposal.
func (s *ConversationService) SetSelection(ctx context.Context, userID, id string, entries []bucket.Entry) (*domain.Conversation, error) {
	ctx, span := otel.Tracer("services/ConversationService").Start(ctx, "SetSelection",
		trace.WithAttributes(
			attribute.String("conversation.id", id),
			attribute.Int("selection.size", len(entries)),
		),
	)
	defer span.End()

	c, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if role, _ := c.RoleOf(userID); role != negotiation.ActorBuyer {
		return nil, ErrForbidden
	}
	sel, err := s.checkSelection(c.SellerID, entries)
	if err != nil {
		return nil, err
	}
	if err := s.Repo.UpdateSelection(ctx, s.DB, id, sel); err != nil {
		return nil, err
	}
	c.Selection = sel
	return c, nil
}

// Buckets returns the server-computed bucket view of the stored selection.
func (s *ConversationService) Buckets(ctx context.Context, userID, id string) (bucket.Summary, error) {
	c, err := s.Get(ctx, userID, id)
	if err != nil {
		return bucket.Summary{}, err
	}
	return bucket.Aggregate(c.Selection), nil
}

// checkSelection enforces that every entry belongs to the conversation's
// seller; entries without a seller are attributed to it.
func (s *ConversationService) checkSelection(sellerID string, entries []bucket.Entry) ([]bucket.Entry, error) {
	if s.MaxSelection > 0 && len(entries) > s.MaxSelection {
		return nil, &negotiation.ValidationError{Field: "selection", Reason: fmt.Sprintf("at most %d entries", s.MaxSelection)}
	}
	if err := bucket.Validate(entries); err != nil {
		var bad *bucket.InvalidEntry
		if errors.As(err, &bad) {
			return nil, &negotiation.ValidationError{Field: fmt.Sprintf("selection[%d].%s", bad.Index, bad.Field), Reason: bad.Reason}
		}
		return nil, err
	}
	out := make([]bucket.Entry, len(entries))
	for i, e := range entries {
		switch strings.TrimSpace(e.SellerID) {
		case "":
			e.SellerID = sellerID
		case sellerID:
		default:
			return nil, &negotiation.ValidationError{
				Field:  fmt.Sprintf("selection[%d].seller_id", i),
				Reason: "unit belongs to a different seller",
			}
		}
		out[i] = e
	}
	return out, nil
}
