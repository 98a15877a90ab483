// Negotiation HTTP handlers.
//
// This file exposes the proposal endpoints:
//   - POST /conversations/{id}/proposals          (submit or counter)
//   - POST /conversations/{id}/proposals/preview  (price terms without submitting)
//   - GET  /conversations/{id}/proposals          (history, ascending versions)
//   - POST /conversations/{id}/accept             (accept the pending proposal)
//
// Prices in requests are never trusted: the server reprices every proposal
// from the conversation's buckets.
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous submit with
// the same key succeeded, the handler returns that proposal again and sets
// `Idempotency-Replayed: true`.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/negotiation"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/repo"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/services"
)

//
// DTOs
//

// SubmitProposalRequest is a proposal or counter-offer.
type SubmitProposalRequest struct {
	BucketDiscounts    []negotiation.BucketDiscount `json:"bucket_discounts"`
	DownPaymentPercent decimal.Decimal              `json:"down_payment_percent" swaggertype:"string" example:"20"`
	SelectedPort       string                       `json:"selected_port" example:"Yantai"`
	// ExpectedVersion is the head version the client last saw.
	ExpectedVersion *int `json:"expected_version,omitempty" example:"2"`
	// FinalPrice is the client's own computation; logged on mismatch, never used.
	FinalPrice *decimal.Decimal `json:"final_price,omitempty" swaggertype:"string" example:"95000.00"`
}

func (r SubmitProposalRequest) terms() negotiation.Terms {
	return negotiation.Terms{
		BucketDiscounts:    r.BucketDiscounts,
		DownPaymentPercent: r.DownPaymentPercent,
		Port:               r.SelectedPort,
	}
}

// AcceptRequest optionally pins the version being accepted.
type AcceptRequest struct {
	ExpectedVersion *int `json:"expected_version,omitempty" example:"3"`
}

// ProposalResponse wraps one proposal.
type ProposalResponse struct {
	Proposal *domain.Proposal `json:"proposal"`
}

// ProposalHistoryResponse lists every version of a negotiation.
type ProposalHistoryResponse struct {
	Proposals []domain.Proposal `json:"proposals"`
}

//
// Handlers
//

// SubmitProposal godoc
// @ID          submitProposal
// @Summary     Submit a proposal or counter-offer
// @Description Validates the terms, reprices them from the conversation's buckets and advances the
// @Description negotiation. Supports idempotency via the Idempotency-Key header.
// @Tags        Negotiation
// @Accept      json
// @Produce     json
//
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       id               path    string  true  "Conversation ID (UUID)"  format(uuid)
// @Param       body             body    handlers.SubmitProposalRequest  true  "Proposal terms"
//
// @Success     201  {object}  handlers.ProposalResponse  "Recorded proposal"
// @Success     200  {object}  handlers.ProposalResponse  "Replayed proposal"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Illegal transition or version conflict"
// @Failure     422  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations/{id}/proposals [post]
func (h *Handlers) SubmitProposal(c *gin.Context) {
	ctx := c.Request.Context()
	convID := c.Param("id")
	caller := userID(c)

	var req SubmitProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	key := idempotencyKey(c)
	if key != "" && h.db != nil {
		if rec, err := repo.GetIdempotency(ctx, h.db, caller, convID, domain.ScopeProposal, key, time.Now().UTC()); err == nil {
			if prev, err := repo.GetProposalByID(ctx, h.db, rec.ResourceID); err == nil {
				c.Header("Idempotency-Replayed", "true")
				ok(c, http.StatusOK, ProposalResponse{Proposal: prev})
				return
			}
		}
	}

	p, err := h.negotiation.Submit(ctx, caller, convID, services.SubmitInput{
		Terms:            req.terms(),
		ExpectedVersion:  req.ExpectedVersion,
		ClientFinalPrice: req.FinalPrice,
	})
	if err != nil {
		failErr(c, err)
		return
	}

	if key != "" && h.db != nil {
		if _, err := repo.CreateIdempotency(ctx, h.db, caller, convID, domain.ScopeProposal, key, p.ID, http.StatusCreated, h.idemTTL); err != nil &&
			!errors.Is(err, repo.ErrDuplicate) {
			logger(c).Warn().Err(err).Msg("idempotency record not stored")
		}
	}
	ok(c, http.StatusCreated, ProposalResponse{Proposal: p})
}

// PreviewProposal godoc
// @ID          previewProposal
// @Summary     Price terms without submitting
// @Description Runs the same validation and pricing as submit and returns the quote. Nothing is stored.
// @Tags        Negotiation
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Conversation ID (UUID)"  format(uuid)
// @Param       body  body  handlers.SubmitProposalRequest  true  "Proposal terms"
//
// @Success     200  {object}  negotiation.Quote
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     422  {object}  handlers.ErrorResponse  "Validation failed"
// @Router      /conversations/{id}/proposals/preview [post]
func (h *Handlers) PreviewProposal(c *gin.Context) {
	var req SubmitProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	q, err := h.negotiation.Preview(c.Request.Context(), userID(c), c.Param("id"), req.terms())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, q)
}

// ListProposals godoc
// @ID          listProposals
// @Summary     Proposal history
// @Tags        Negotiation
// @Produce     json
//
// @Param       id  path  string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     200  {object}  handlers.ProposalHistoryResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations/{id}/proposals [get]
func (h *Handlers) ListProposals(c *gin.Context) {
	items, err := h.negotiation.History(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	if items == nil {
		items = []domain.Proposal{}
	}
	ok(c, http.StatusOK, ProposalHistoryResponse{Proposals: items})
}

// AcceptProposal godoc
// @ID          acceptProposal
// @Summary     Accept the pending proposal
// @Description Only the party the negotiation is waiting on may accept. The body is optional.
// @Tags        Negotiation
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true   "Conversation ID (UUID)"  format(uuid)
// @Param       body  body  handlers.AcceptRequest  false  "Expected version"
//
// @Success     200  {object}  handlers.ProposalResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Illegal transition or version conflict"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations/{id}/accept [post]
func (h *Handlers) AcceptProposal(c *gin.Context) {
	var req AcceptRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	p, err := h.negotiation.Accept(c.Request.Context(), userID(c), c.Param("id"), req.ExpectedVersion)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ProposalResponse{Proposal: p})
}
