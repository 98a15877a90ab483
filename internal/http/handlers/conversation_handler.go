// Conversation HTTP handlers.
//
// This file exposes REST endpoints for conversation resources:
//   - POST /conversations                  (get-or-create by buyer/seller/item)
//   - GET  /conversations                  (list, paginated, ETag support)
//   - GET  /conversations/{id}             (snapshot for polling, ETag support)
//   - PUT  /conversations/{id}/selection   (replace the buyer's selection)
//   - GET  /conversations/{id}/buckets     (buckets of the stored selection)
//   - POST /buckets/aggregate              (stateless aggregation)
//   - GET  /ports                          (enumerated loading ports)
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/bucket"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/negotiation"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/repo"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/services"
)

// maxAggregateEntries bounds the stateless aggregation input.
const maxAggregateEntries = 500

//
// DTOs
//

// EnsureConversationRequest identifies a conversation. The caller is the buyer;
// BuyerID may be sent for clarity but must then match the caller.
type EnsureConversationRequest struct {
	BuyerID   string         `json:"buyer_id,omitempty" example:"buyer-1"`
	SellerID  string         `json:"seller_id" example:"seller-9"`
	ItemID    string         `json:"item_id" example:"listing-123"`
	Market    string         `json:"market" example:"bulk" enums:"bulk,individual"`
	Selection []bucket.Entry `json:"selection,omitempty"`
}

// ConversationResponse pairs a conversation with its derived buckets.
type ConversationResponse struct {
	Conversation *domain.Conversation `json:"conversation"`
	Buckets      bucket.Summary       `json:"buckets"`
}

// ListConversationsResponse wraps a page of conversations.
type ListConversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
	Pagination    Pagination            `json:"pagination"`
}

// SelectionRequest replaces the buyer's selection.
type SelectionRequest struct {
	Selection []bucket.Entry `json:"selection"`
}

// AggregateRequest is the stateless aggregation input.
type AggregateRequest struct {
	Entries []bucket.Entry `json:"entries"`
}

// SellerBuckets is one seller's share of a stateless aggregation.
type SellerBuckets struct {
	SellerID string `json:"seller_id" example:"s1"`
	bucket.Summary
}

// AggregateResponse groups buckets by seller; a bucket never spans sellers.
type AggregateResponse struct {
	Sellers    []SellerBuckets `json:"sellers"`
	TotalUnits int             `json:"total_units" example:"12"`
	OrderTotal decimal.Decimal `json:"order_total" swaggertype:"string" example:"240000"`
}

// PortsResponse lists the loading ports a proposal may name.
type PortsResponse struct {
	Ports []string `json:"ports" example:"Yantai,Shanghai"`
}

// snapshotETag changes whenever the negotiation head or the message log moves.
func snapshotETag(id string, version int, seq int64) string {
	return fmt.Sprintf(`W/"conv:%s:%d:%d"`, id, version, seq)
}

//
// Handlers
//

// EnsureConversation godoc
// @ID          ensureConversation
// @Summary     Get or create a conversation
// @Description Returns the conversation for (caller, seller, item), creating it on first use.
// @Description The selection is applied only on creation.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "Caller (buyer) when JWT auth is disabled"  example(buyer-1)
// @Param       body       body    handlers.EnsureConversationRequest  true  "Conversation identity"
//
// @Success     201  {object}  handlers.ConversationResponse  "Created"
// @Success     200  {object}  handlers.ConversationResponse  "Existing conversation"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "buyer_id does not match caller"
// @Failure     422  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations [post]
func (h *Handlers) EnsureConversation(c *gin.Context) {
	var req EnsureConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	caller := userID(c)
	if b := strings.TrimSpace(req.BuyerID); b != "" && b != caller {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "buyer_id must be the caller")
		return
	}

	conv, created, err := h.conversations.Ensure(c.Request.Context(), services.EnsureInput{
		BuyerID:   caller,
		SellerID:  req.SellerID,
		ItemID:    req.ItemID,
		Market:    req.Market,
		Selection: req.Selection,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.Header("Location", fmt.Sprintf("%s/%s", strings.TrimSuffix(c.FullPath(), "/"), conv.ID))
	ok(c, status, ConversationResponse{Conversation: conv, Buckets: bucket.Aggregate(conv.Selection)})
}

// ListConversations godoc
// @ID          listConversations
// @Summary     List conversations (paginated)
// @Description Returns the caller's conversations as buyer or seller, most recently updated first.
// @Description Supports weak ETag via If-None-Match and may return 304.
// @Tags        Conversations
// @Produce     json
//
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Param       If-None-Match  header  string  false "Weak ETag from a previous response"
//
// @Success     200  {object}  handlers.ListConversationsResponse
// @Success     304  "Not Modified"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()
	caller := userID(c)
	page, pageSize := clampPagination(c)

	if h.db != nil {
		count, maxTS, err := repo.ConversationsStats(ctx, h.db, caller)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"conversations:%s:%d:%d:%d:%d"`, caller, count, ts, page, pageSize)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.conversations.ListPage(ctx, caller, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListConversationsResponse{
		Conversations: items,
		Pagination:    newPagination(page, pageSize, total),
	})
}

// GetConversation godoc
// @ID          getConversation
// @Summary     Conversation snapshot
// @Description Returns the authoritative snapshot: conversation, current proposal, buckets,
// @Description message history and the caller's allowed actions. Used as the polling fallback;
// @Description the weak ETag moves with (version, message sequence).
// @Tags        Conversations
// @Produce     json
//
// @Param       id             path    string  true  "Conversation ID (UUID)"  format(uuid)
// @Param       If-None-Match  header  string  false "Weak ETag from a previous response"
//
// @Success     200  {object}  services.Snapshot
// @Success     304  "Not Modified"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations/{id} [get]
func (h *Handlers) GetConversation(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	caller := userID(c)

	if inm := c.GetHeader("If-None-Match"); inm != "" && h.db != nil {
		if head, err := repo.GetConversationHead(ctx, h.db, id); err == nil &&
			inm == snapshotETag(id, head.Version, head.MessageSeq) {
			if _, err := h.conversations.Get(ctx, caller, id); err != nil {
				failErr(c, err)
				return
			}
			c.Header("ETag", inm)
			c.Status(http.StatusNotModified)
			return
		}
	}

	snap, err := h.negotiation.Snapshot(ctx, caller, id)
	if err != nil {
		failErr(c, err)
		return
	}
	c.Header("ETag", snapshotETag(id, snap.Conversation.Version, snap.Conversation.MessageSeq))
	ok(c, http.StatusOK, snap)
}

// SetSelection godoc
// @ID          setSelection
// @Summary     Replace the buyer's selection
// @Description Buyer only, and only before the first proposal. Every entry must belong to the conversation's seller.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Conversation ID (UUID)"  format(uuid)
// @Param       body  body  handlers.SelectionRequest  true  "New selection"
//
// @Success     200  {object}  handlers.ConversationResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Caller is not the buyer"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Negotiation already started"
// @Failure     422  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations/{id}/selection [put]
func (h *Handlers) SetSelection(c *gin.Context) {
	var req SelectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	conv, err := h.conversations.SetSelection(c.Request.Context(), userID(c), c.Param("id"), req.Selection)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ConversationResponse{Conversation: conv, Buckets: bucket.Aggregate(conv.Selection)})
}

// GetBuckets godoc
// @ID          getBuckets
// @Summary     Buckets of the stored selection
// @Tags        Buckets
// @Produce     json
//
// @Param       id  path  string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     200  {object}  bucket.Summary
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations/{id}/buckets [get]
func (h *Handlers) GetBuckets(c *gin.Context) {
	sum, err := h.conversations.Buckets(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, sum)
}

// AggregateBuckets godoc
// @ID          aggregateBuckets
// @Summary     Aggregate selection entries into buckets
// @Description Stateless: groups entries per seller by normalized fingerprint and returns server-computed totals.
// @Tags        Buckets
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.AggregateRequest  true  "Selection entries"
//
// @Success     200  {object}  handlers.AggregateResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     422  {object}  handlers.ErrorResponse  "Too many or malformed entries"
// @Router      /buckets/aggregate [post]
func (h *Handlers) AggregateBuckets(c *gin.Context) {
	var req AggregateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if len(req.Entries) > maxAggregateEntries {
		resp := envelope(c, ErrCodeValidation, fmt.Sprintf("entries: at most %d entries", maxAggregateEntries))
		resp.Field = "entries"
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, resp)
		return
	}
	if err := bucket.Validate(req.Entries); err != nil {
		var bad *bucket.InvalidEntry
		if errors.As(err, &bad) {
			err = &negotiation.ValidationError{Field: fmt.Sprintf("entries[%d].%s", bad.Index, bad.Field), Reason: bad.Reason}
		}
		failErr(c, err)
		return
	}

	order, per := bucket.GroupBySeller(req.Entries)
	resp := AggregateResponse{Sellers: make([]SellerBuckets, 0, len(order)), OrderTotal: decimal.Zero}
	for _, seller := range order {
		sum := per[seller]
		resp.Sellers = append(resp.Sellers, SellerBuckets{SellerID: seller, Summary: sum})
		resp.TotalUnits += sum.TotalUnits
		resp.OrderTotal = resp.OrderTotal.Add(sum.OrderTotal)
	}
	ok(c, http.StatusOK, resp)
}

// ListPorts godoc
// @ID          listPorts
// @Summary     Loading ports
// @Tags        Negotiation
// @Produce     json
// @Success     200  {object}  handlers.PortsResponse
// @Router      /ports [get]
func (h *Handlers) ListPorts(c *gin.Context) {
	ports := h.ports
	if ports == nil {
		ports = []string{}
	}
	ok(c, http.StatusOK, PortsResponse{Ports: ports})
}
