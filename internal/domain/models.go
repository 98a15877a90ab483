// Package domain defines the persistence models for conversations, proposals
// and messages. These types are mapped with GORM and form the core data layer
// of the negotiation service.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/bucket"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/negotiation"
)

// MarketMode discriminates bulk (bucketed) from individual-unit negotiations.
type MarketMode string

const (
	MarketBulk       MarketMode = "bulk"
	MarketIndividual MarketMode = "individual"
)

// ParseMarket accepts "", "bulk" and "individual" (case-insensitive); empty
// means bulk.
func ParseMarket(s string) (MarketMode, bool) {
	switch MarketMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", MarketBulk:
		return MarketBulk, true
	case MarketIndividual:
		return MarketIndividual, true
	}
	return "", false
}

// MessageKind classifies chat entries.
type MessageKind string

const (
	KindChat  MessageKind = "chat"
	KindPrice MessageKind = "price"
	KindInfo  MessageKind = "info"
)

// SystemSender authors server-emitted info messages.
const SystemSender = "system"

// conversationNamespace scopes the name-based conversation ids.
var conversationNamespace = uuid.MustParse("6f1c2b9e-4d0a-5e7b-9a43-2c8e1f5d7b60")

var keyEscaper = strings.NewReplacer(`\`, `\\`, ":", `\:`)

// ConversationKey renders the (buyer, seller, item) triple as a composite key.
// Backslashes and colons inside a part are escaped, so distinct triples never
// share a key.
func ConversationKey(buyerID, sellerID, itemID string) string {
	return keyEscaper.Replace(buyerID) + ":" + keyEscaper.Replace(sellerID) + ":" + keyEscaper.Replace(itemID)
}

// ConversationID derives the stable id of a conversation from its parties and
// reference item (UUIDv5 of the composite key).
func ConversationID(buyerID, sellerID, itemID string) string {
	return uuid.NewSHA1(conversationNamespace, []byte(ConversationKey(buyerID, sellerID, itemID))).String()
}

// Conversation is the bilateral channel between one buyer and one seller about
// one reference listing. It also carries the negotiation head: Status and
// Version always describe the current proposal.
//
// Fields:
//   - ID: UUIDv5 of the composite key (char(36)).
//   - BuyerID / SellerID / ItemID: the identity triple (unique together).
//   - Market: explicit market discriminant.
//   - Status / Version: negotiation head; Version is the current proposal's
//     version (0 while NONE) and the optimistic concurrency token.
//   - MessageSeq: last assigned message sequence number.
//   - Selection: the buyer's selected units, aggregated into buckets on read.
//   - AcceptedAt / FinalizedAt / AgreedPrice: set on acceptance and OTP
//     confirmation respectively.
type Conversation struct {
	ID       string     `json:"id"        gorm:"type:char(36);primaryKey"`
	BuyerID  string     `json:"buyer_id"  gorm:"type:varchar(64);not null;uniqueIndex:ux_conversation_parties,priority:1;index:idx_buyer_conversations"`
	SellerID string     `json:"seller_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_conversation_parties,priority:2;index:idx_seller_conversations"`
	ItemID   string     `json:"item_id"   gorm:"type:varchar(64);not null;uniqueIndex:ux_conversation_parties,priority:3"`
	Market   MarketMode `json:"market"    gorm:"type:varchar(16);not null;default:'bulk';check:market IN ('bulk','individual')"`

	Status     negotiation.Status `json:"status"      gorm:"type:varchar(32);not null;default:'NONE'"`
	Version    int                `json:"version"     gorm:"not null;default:0"`
	MessageSeq int64              `json:"message_seq" gorm:"not null;default:0"`

	Selection []bucket.Entry `json:"selection" gorm:"type:text;serializer:json"`

	AcceptedAt  *time.Time          `json:"accepted_at,omitempty"`
	FinalizedAt *time.Time          `json:"finalized_at,omitempty"`
	AgreedPrice decimal.NullDecimal `json:"agreed_price"  gorm:"type:decimal(20,2)"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// RoleOf reports which party userID is, if any.
func (c *Conversation) RoleOf(userID string) (negotiation.Actor, bool) {
	switch userID {
	case "":
		return "", false
	case c.BuyerID:
		return negotiation.ActorBuyer, true
	case c.SellerID:
		return negotiation.ActorSeller, true
	}
	return "", false
}

// Counterparty returns the other participant's id.
func (c *Conversation) Counterparty(userID string) string {
	if userID == c.BuyerID {
		return c.SellerID
	}
	return c.BuyerID
}

// Finalized reports whether the OTP gate has locked the agreement.
func (c *Conversation) Finalized() bool { return c.FinalizedAt != nil }

// Proposal is one immutable, versioned offer. A new row is written for every
// submit, counter and acceptance; rows are never updated.
type Proposal struct {
	ID             string             `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string             `json:"conversation_id" gorm:"type:char(36);not null;uniqueIndex:ux_proposal_version,priority:1"`
	Version        int                `json:"version"         gorm:"not null;uniqueIndex:ux_proposal_version,priority:2"`
	Status         negotiation.Status `json:"status"          gorm:"type:varchar(32);not null"`
	Actor          negotiation.Actor  `json:"actor"           gorm:"type:varchar(16);not null;check:actor IN ('buyer','seller')"`
	ActorID        string             `json:"actor_id"        gorm:"type:varchar(64);not null"`
	Market         MarketMode         `json:"market"          gorm:"type:varchar(16);not null"`

	Lines []negotiation.Line `json:"lines" gorm:"type:text;serializer:json"`

	OriginalTotal      decimal.Decimal `json:"original_total"       gorm:"type:decimal(20,2);not null"`
	DiscountAmount     decimal.Decimal `json:"discount_amount"      gorm:"type:decimal(20,2);not null"`
	DiscountPercent    decimal.Decimal `json:"discount_percent"     gorm:"type:decimal(7,2);not null"`
	FinalPrice         decimal.Decimal `json:"final_price"          gorm:"type:decimal(20,2);not null"`
	DownPaymentPercent decimal.Decimal `json:"down_payment_percent" gorm:"type:decimal(7,2);not null"`
	DownPaymentAmount  decimal.Decimal `json:"down_payment_amount"  gorm:"type:decimal(20,2);not null"`
	RemainingBalance   decimal.Decimal `json:"remaining_balance"    gorm:"type:decimal(20,2);not null"`
	Port               string          `json:"selected_port"        gorm:"type:varchar(64);not null"`
	Currency           string          `json:"currency"             gorm:"type:varchar(8);not null;default:''"`

	SubmittedAt time.Time `json:"submitted_at" gorm:"not null"`

	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Proposal.
func (Proposal) TableName() string { return "proposals" }

// NewProposal stamps a priced quote as a proposal row.
func NewProposal(c *Conversation, version int, status negotiation.Status, actor negotiation.Actor, actorID string, q negotiation.Quote, at time.Time) *Proposal {
	return &Proposal{
		ID:                 uuid.NewString(),
		ConversationID:     c.ID,
		Version:            version,
		Status:             status,
		Actor:              actor,
		ActorID:            actorID,
		Market:             c.Market,
		Lines:              q.Lines,
		OriginalTotal:      q.OriginalTotal,
		DiscountAmount:     q.DiscountAmount,
		DiscountPercent:    q.DiscountPercent,
		FinalPrice:         q.FinalPrice,
		DownPaymentPercent: q.DownPaymentPercent,
		DownPaymentAmount:  q.DownPaymentAmount,
		RemainingBalance:   q.RemainingBalance,
		Port:               q.Port,
		Currency:           q.Currency,
		SubmittedAt:        at,
	}
}

// Quote returns the priced view stored on the proposal.
func (p *Proposal) Quote() negotiation.Quote {
	return negotiation.Quote{
		Lines:              p.Lines,
		OriginalTotal:      p.OriginalTotal,
		DiscountAmount:     p.DiscountAmount,
		DiscountPercent:    p.DiscountPercent,
		FinalPrice:         p.FinalPrice,
		DownPaymentPercent: p.DownPaymentPercent,
		DownPaymentAmount:  p.DownPaymentAmount,
		RemainingBalance:   p.RemainingBalance,
		Port:               p.Port,
		Currency:           p.Currency,
	}
}

// Message is one entry in a conversation's authoritative log. Seq is assigned
// by the store and defines delivery order.
type Message struct {
	ID             string      `json:"id"              gorm:"type:char(26);primaryKey"`
	ConversationID string      `json:"conversation_id" gorm:"type:char(36);not null;uniqueIndex:ux_conversation_seq,priority:1"`
	Seq            int64       `json:"seq"             gorm:"not null;uniqueIndex:ux_conversation_seq,priority:2"`
	SenderID       string      `json:"sender_id"       gorm:"type:varchar(64);not null"`
	Kind           MessageKind `json:"kind"            gorm:"type:varchar(8);not null;check:kind IN ('chat','price','info')"`
	Content        string      `json:"content"         gorm:"type:text;not null"`
	CreatedAt      time.Time   `json:"created_at"`

	// Messages are cascade-deleted with their conversation.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Models lists every table for AutoMigrate, parents first.
func Models() []any {
	return []any{&Conversation{}, &Proposal{}, &Message{}, &Idempotency{}}
}
