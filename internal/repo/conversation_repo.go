// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model, including the optimistic version check that serializes
// negotiation transitions.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
//
// Error semantics:
//   - When a conversation is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - When a compare-and-swap loses, functions return *negotiation.ConflictError.
//   - On other DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/bucket"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/negotiation"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrIdentityMismatch is returned when the row stored under a derived
// conversation id belongs to a different (buyer, seller, item) triple.
var ErrIdentityMismatch = errors.New("repo: conversation id maps to another triple")

// EnsureConversation returns the conversation for c's (buyer, seller, item)
// triple, inserting c if none exists. The id is derived from the triple, so
// concurrent callers converge on one row. created reports whether this call
// inserted it.
func EnsureConversation(ctx context.Context, db *gorm.DB, c *domain.Conversation) (out *domain.Conversation, created bool, err error) {
	c.ID = domain.ConversationID(c.BuyerID, c.SellerID, c.ItemID)
	if c.Status == "" {
		c.Status = negotiation.StatusNone
	}
	if c.Market == "" {
		c.Market = domain.MarketBulk
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(c)
	if res.Error != nil {
		return nil, false, res.Error
	}
	got, err := GetConversation(ctx, db, c.ID)
	if err != nil {
		return nil, false, err
	}
	if got.BuyerID != c.BuyerID || got.SellerID != c.SellerID || got.ItemID != c.ItemID {
		return nil, false, ErrIdentityMismatch
	}
	return got, res.RowsAffected == 1, nil
}

// GetConversation fetches a conversation by id.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversationFor fetches a conversation only if userID participates in it
// as buyer or seller; otherwise it returns ErrNotFound.
func GetConversationFor(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("id = ? AND (buyer_id = ? OR seller_id = ?)", id, userID, userID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func participantScope(db *gorm.DB, userID string) *gorm.DB {
	return db.Model(&domain.Conversation{}).Where("buyer_id = ? OR seller_id = ?", userID, userID)
}

// CountConversations returns how many conversations userID participates in.
func CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := participantScope(db.WithContext(ctx), userID).Count(&total).Error
	return total, err
}

// ListConversationsPage returns a page of userID's conversations, most
// recently active first.
func ListConversationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := participantScope(db.WithContext(ctx), userID).
		Order("updated_at desc, id asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateSelection replaces the stored unit selection while the negotiation
// has not started. It returns a *negotiation.IllegalTransitionError when a
// proposal already exists.
func UpdateSelection(ctx context.Context, db *gorm.DB, id string, sel []bucket.Entry) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND status = ?", id, negotiation.StatusNone).
		Select("selection", "updated_at").
		Updates(&domain.Conversation{Selection: sel, UpdatedAt: time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	cur, err := GetConversation(ctx, db, id)
	if err != nil {
		return err
	}
	return &negotiation.IllegalTransitionError{
		From: cur.Status, Actor: negotiation.ActorBuyer, Action: negotiation.ActionSubmit,
		Reason: "selection is locked once a proposal exists",
	}
}

// AdvanceConversation moves the negotiation head from version `from` to
// from+1 with the given status. Zero affected rows means another writer got
// there first and yields *negotiation.ConflictError.
func AdvanceConversation(ctx context.Context, db *gorm.DB, id string, from int, to negotiation.Status, at time.Time) error {
	fields := map[string]any{
		"status":     to,
		"version":    gorm.Expr("version + 1"),
		"updated_at": at,
	}
	if to == negotiation.StatusAccepted {
		fields["accepted_at"] = at
	}
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND version = ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return conflictFor(ctx, db, id, from)
	}
	return nil
}

// FinalizeConversation locks an accepted agreement at version. It fails with
// a conflict if the head moved or the agreement is already finalized.
func FinalizeConversation(ctx context.Context, db *gorm.DB, id string, version int, price decimal.Decimal, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND version = ? AND status = ? AND finalized_at IS NULL", id, version, negotiation.StatusAccepted).
		Updates(map[string]any{
			"finalized_at": at,
			"agreed_price": decimal.NewNullDecimal(price),
			"updated_at":   at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return conflictFor(ctx, db, id, version)
	}
	return nil
}

func conflictFor(ctx context.Context, db *gorm.DB, id string, expected int) error {
	cur, err := GetConversation(ctx, db, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return &negotiation.ConflictError{Expected: expected, Actual: -1}
	}
	return &negotiation.ConflictError{Expected: expected, Actual: cur.Version}
}

// NextMessageSeq reserves the next message sequence number for a
// conversation. Call it inside the transaction that inserts the message.
func NextMessageSeq(ctx context.Context, db *gorm.DB, id string) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"message_seq": gorm.Expr("message_seq + 1"),
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrNotFound
	}
	var seq int64
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Select("message_seq").
		Scan(&seq).Error
	return seq, err
}
