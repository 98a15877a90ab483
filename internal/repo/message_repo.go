// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
package repo

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
)

// CreateMessage reserves the next sequence number and inserts the message.
// Run it inside a transaction so the sequence and row commit together.
func CreateMessage(ctx context.Context, db *gorm.DB, conversationID, senderID string, kind domain.MessageKind, content string) (*domain.Message, error) {
	seq, err := NextMessageSeq(ctx, db, conversationID)
	if err != nil {
		return nil, err
	}
	m := &domain.Message{
		ID:             ulid.Make().String(),
		ConversationID: conversationID,
		Seq:            seq,
		SenderID:       senderID,
		Kind:           kind,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Omit("Conversation").Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns messages in sequence order. When limit > 0 the most
// recent `limit` messages are returned, still ascending.
func ListMessages(db *gorm.DB, conversationID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	if limit <= 0 {
		err := db.Where("conversation_id = ?", conversationID).Order("seq ASC").Find(&out).Error
		return out, err
	}
	err := db.Where("conversation_id = ?", conversationID).
		Order("seq DESC").
		Limit(limit).
		Find(&out).Error
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, err
}

// ListMessagesAfter returns messages with seq > after, ascending.
func ListMessagesAfter(db *gorm.DB, conversationID string, after int64, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.Where("conversation_id = ? AND seq > ?", conversationID, after).Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.Raw("SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice ordered by sequence.
func ListMessagesPage(db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// GetMessage fetches a message by ID.
func GetMessage(db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}
