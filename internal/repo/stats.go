// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// primarily for conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
)

// ConversationsStats returns the number of conversations userID takes part in
// and the latest UpdatedAt among them (nil when there are none).
func ConversationsStats(ctx context.Context, db *gorm.DB, userID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := participantScope(db.WithContext(ctx), userID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = participantScope(db.WithContext(ctx), userID).
		Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// ConversationHead is the pair that changes whenever anything a snapshot
// shows changes: the negotiation version and the message sequence.
type ConversationHead struct {
	Version     int
	MessageSeq  int64
	FinalizedAt *time.Time
}

// GetConversationHead reads only the head columns.
func GetConversationHead(ctx context.Context, db *gorm.DB, id string) (*ConversationHead, error) {
	var h ConversationHead
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Select("version", "message_seq", "finalized_at").
		Where("id = ?", id).
		Limit(1).
		Scan(&h)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &h, nil
}
