// Confirmation HTTP handlers.
//
//   - POST /conversations/{id}/otp         (issue a one-time code out of band)
//   - POST /conversations/{id}/otp/verify  (verify the code and finalize)
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/otp"
)

// VerifyOTPRequest carries the code and the price the caller agreed to.
type VerifyOTPRequest struct {
	Code        string          `json:"code" binding:"required" example:"482913"`
	AgreedPrice decimal.Decimal `json:"agreed_price" swaggertype:"string" example:"95000.00"`
}

// RequestOTP godoc
// @ID          requestOTP
// @Summary     Request a confirmation code
// @Description Issues a one-time code to the caller for an accepted negotiation. The code is delivered
// @Description out of band and never returned. A second request inside the resend interval is rejected.
// @Tags        Confirmation
// @Produce     json
//
// @Param       id  path  string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     202  {object}  otp.Issued
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Negotiation not accepted or already finalized"
// @Failure     429  {object}  handlers.ErrorResponse  "resend_too_soon"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations/{id}/otp [post]
func (h *Handlers) RequestOTP(c *gin.Context) {
	if h.confirmation == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "confirmation is disabled")
		return
	}
	issued, err := h.confirmation.Request(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusAccepted, issued)
}

// VerifyOTP godoc
// @ID          verifyOTP
// @Summary     Verify the confirmation code
// @Description Checks the code and that agreed_price equals the server's final price, then locks the
// @Description conversation and returns the finalized summary.
// @Tags        Confirmation
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Conversation ID (UUID)"  format(uuid)
// @Param       body  body  handlers.VerifyOTPRequest  true  "Code and agreed price"
//
// @Success     200  {object}  services.Agreement
// @Failure     400  {object}  handlers.ErrorResponse  "invalid_code"
// @Failure     403  {object}  handlers.ErrorResponse  "Caller did not request the code"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Negotiation not accepted or already finalized"
// @Failure     410  {object}  handlers.ErrorResponse  "expired"
// @Failure     422  {object}  handlers.ErrorResponse  "Agreed price mismatch"
// @Failure     429  {object}  handlers.ErrorResponse  "attempts_exhausted"
// @Router      /conversations/{id}/otp/verify [post]
func (h *Handlers) VerifyOTP(c *gin.Context) {
	if h.confirmation == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "confirmation is disabled")
		return
	}
	var req VerifyOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "code and agreed_price required")
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		fail(c, http.StatusBadRequest, ErrCodeInvalidCode, string(otp.ReasonInvalidCode))
		return
	}
	agreement, err := h.confirmation.Verify(c.Request.Context(), userID(c), c.Param("id"), code, req.AgreedPrice)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, agreement)
}
