// Package handlers exposes the negotiation API over HTTP.
//
// Handlers are transport-thin: they validate input, call application
// services, and translate results into HTTP responses (including conditional
// and replayed responses). Every error path goes through fail or failErr so
// clients always receive the ErrorResponse envelope.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/bucket"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/http/middleware"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/negotiation"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/otp"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/realtime"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/services"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/utils"
)

//
// Service contracts (context-aware)
//

// ConversationService owns conversation lifecycle and the buyer's selection.
type ConversationService interface {
	Ensure(ctx context.Context, in services.EnsureInput) (*domain.Conversation, bool, error)
	Get(ctx context.Context, userID, id string) (*domain.Conversation, error)
	ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Conversation, int64, error)
	SetSelection(ctx context.Context, userID, id string, entries []bucket.Entry) (*domain.Conversation, error)
	Buckets(ctx context.Context, userID, id string) (bucket.Summary, error)
}

// NegotiationService drives proposals through the state machine.
type NegotiationService interface {
	Submit(ctx context.Context, userID, conversationID string, in services.SubmitInput) (*domain.Proposal, error)
	Accept(ctx context.Context, userID, conversationID string, expectedVersion *int) (*domain.Proposal, error)
	History(ctx context.Context, userID, conversationID string) ([]domain.Proposal, error)
	Preview(ctx context.Context, userID, conversationID string, t negotiation.Terms) (negotiation.Quote, error)
	Snapshot(ctx context.Context, userID, conversationID string) (*services.Snapshot, error)
	SnapshotEvent(ctx context.Context, userID, conversationID string) (realtime.Event, error)
}

// MessageService appends to and pages through the conversation log.
type MessageService interface {
	Send(ctx context.Context, userID, conversationID, kind, content string) (*domain.Message, error)
	Get(ctx context.Context, userID, conversationID, messageID string) (*domain.Message, error)
	ListPage(ctx context.Context, userID, conversationID string, page, pageSize int) ([]domain.Message, int64, error)
	ListAfter(ctx context.Context, userID, conversationID string, after int64, limit int) ([]domain.Message, error)
	Typing(ctx context.Context, userID, conversationID string) (bool, error)
}

// ConfirmationService puts the OTP gate in front of the final agreement.
type ConfirmationService interface {
	Request(ctx context.Context, userID, conversationID string) (otp.Issued, error)
	Verify(ctx context.Context, userID, conversationID, code string, agreedPrice decimal.Decimal) (*services.Agreement, error)
}

// Subscriber hands out live subscriptions on conversation topics.
type Subscriber interface {
	Subscribe(conversationID, userID string) *realtime.Subscription
	Unsubscribe(s *realtime.Subscription)
}

//
// Handler wiring
//

// LiveOptions configures the websocket and SSE endpoints.
type LiveOptions struct {
	Hub Subscriber
	// NewSession binds a caller to a conversation for inbound websocket frames.
	NewSession func(userID, conversationID string) realtime.Session

	ReconnectHint time.Duration
	PollInterval  time.Duration
	Heartbeat     time.Duration

	// CheckOrigin validates websocket origins; nil allows any origin.
	CheckOrigin func(*http.Request) bool
}

// Deps groups everything New needs.
type Deps struct {
	Conversations ConversationService
	Negotiation   NegotiationService
	Messages      MessageService
	Confirmation  ConfirmationService

	// DB backs idempotency records and ETag heads. Nil disables both.
	DB             *gorm.DB
	IdempotencyTTL time.Duration

	Ports []string
	Live  LiveOptions
}

// Handlers groups HTTP endpoints for conversations, negotiation, messages,
// live sessions and confirmation.
type Handlers struct {
	conversations ConversationService
	negotiation   NegotiationService
	messages      MessageService
	confirmation  ConfirmationService

	db      *gorm.DB
	idemTTL time.Duration
	ports   []string
	live    LiveOptions
}

// New constructs a Handlers instance bound to the given services.
func New(d Deps) *Handlers {
	ttl := d.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if d.Live.ReconnectHint <= 0 {
		d.Live.ReconnectHint = 2 * time.Second
	}
	if d.Live.PollInterval <= 0 {
		d.Live.PollInterval = 5 * time.Second
	}
	return &Handlers{
		conversations: d.Conversations,
		negotiation:   d.Negotiation,
		messages:      d.Messages,
		confirmation:  d.Confirmation,
		db:            d.DB,
		idemTTL:       ttl,
		ports:         d.Ports,
		live:          d.Live,
	}
}

// Register mounts every endpoint on api. Callers apply identity, idempotency
// and rate limiting to the group beforehand.
func (h *Handlers) Register(api gin.IRoutes) {
	// Catalog
	api.GET("/ports", h.ListPorts)
	api.POST("/buckets/aggregate", h.AggregateBuckets)

	// Conversations
	api.POST("/conversations", h.EnsureConversation)
	api.GET("/conversations", h.ListConversations)
	api.GET("/conversations/:id", h.GetConversation)
	api.PUT("/conversations/:id/selection", h.SetSelection)
	api.GET("/conversations/:id/buckets", h.GetBuckets)

	// Negotiation
	api.GET("/conversations/:id/proposals", h.ListProposals)
	api.POST("/conversations/:id/proposals", h.SubmitProposal)
	api.POST("/conversations/:id/proposals/preview", h.PreviewProposal)
	api.POST("/conversations/:id/accept", h.AcceptProposal)

	// Messages
	api.GET("/conversations/:id/messages", h.ListMessages)
	api.POST("/conversations/:id/messages", h.PostMessage)
	api.POST("/conversations/:id/typing", h.PostTyping)

	// Live
	api.GET("/conversations/:id/ws", h.ServeWS)
	api.GET("/conversations/:id/events", h.ServeEvents)

	// Confirmation
	api.POST("/conversations/:id/otp", h.RequestOTP)
	api.POST("/conversations/:id/otp/verify", h.VerifyOTP)
}

// userID is the caller resolved by middleware.Identity.
func userID(c *gin.Context) string {
	return middleware.UserID(c)
}

// logger is the request-scoped logger.
func logger(c *gin.Context) *zerolog.Logger {
	return middleware.LoggerFrom(c)
}

// idempotencyKey returns the key validated by middleware.IdempotencyValidator,
// falling back to the raw header when the validator is not mounted.
func idempotencyKey(c *gin.Context) string {
	if k, ok := middleware.GetIdempotencyKey(c); ok {
		return k
	}
	return strings.TrimSpace(c.GetHeader(middleware.HeaderIdempotencyKey))
}

//
// Pagination
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.Clamp(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), 1, maxPageSize)
	return
}
