// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the Proposal Store: append-only,
// versioned negotiation offers.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
)

// CreateProposal appends a proposal version. Rows are never updated; the
// (conversation_id, version) unique index rejects a second writer.
func CreateProposal(ctx context.Context, db *gorm.DB, p *domain.Proposal) error {
	return db.WithContext(ctx).Omit("Conversation").Create(p).Error
}

// GetProposal fetches a specific version.
func GetProposal(ctx context.Context, db *gorm.DB, conversationID string, version int) (*domain.Proposal, error) {
	if version <= 0 {
		return nil, ErrNotFound
	}
	var p domain.Proposal
	err := db.WithContext(ctx).
		Where("conversation_id = ? AND version = ?", conversationID, version).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProposalByID fetches a proposal row by its id.
func GetProposalByID(ctx context.Context, db *gorm.DB, id string) (*domain.Proposal, error) {
	var p domain.Proposal
	if err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// CurrentProposal returns the proposal matching the conversation head, or
// ErrNotFound while the negotiation is still NONE.
func CurrentProposal(ctx context.Context, db *gorm.DB, c *domain.Conversation) (*domain.Proposal, error) {
	return GetProposal(ctx, db, c.ID, c.Version)
}

// ListProposals returns the full history, oldest first.
func ListProposals(ctx context.Context, db *gorm.DB, conversationID string) ([]domain.Proposal, error) {
	var out []domain.Proposal
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("version ASC").
		Find(&out).Error
	return out, err
}
