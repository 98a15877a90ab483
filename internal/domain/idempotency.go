package domain

import "time"

// Idempotency records the resource produced by a previously processed write,
// keyed by (user_id, conversation_id, scope, key). A retry with the same key
// replays the stored resource instead of re-executing side effects.
//
// Scope separates keys used on different endpoints ("message", "proposal").
type Idempotency struct {
	ID             string    `gorm:"type:char(36);primaryKey"`
	UserID         string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_idem_user_conv_key,priority:1"`
	ConversationID string    `gorm:"type:char(36);not null;uniqueIndex:ux_idem_user_conv_key,priority:2"`
	Scope          string    `gorm:"type:varchar(16);not null;uniqueIndex:ux_idem_user_conv_key,priority:3"`
	Key            string    `gorm:"column:idem_key;type:varchar(128);not null;uniqueIndex:ux_idem_user_conv_key,priority:4"`
	ResourceID     string    `gorm:"type:varchar(36);not null"`
	Status         int       `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt      time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }

// Idempotency scopes.
const (
	ScopeMessage  = "message"
	ScopeProposal = "proposal"
)
