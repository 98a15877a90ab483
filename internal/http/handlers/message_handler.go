// Message HTTP handlers.
//
// This file exposes REST endpoints for the conversation log:
//   - POST /conversations/{id}/messages   (append a chat or price message)
//   - GET  /conversations/{id}/messages   (page through messages by sequence)
//   - POST /conversations/{id}/typing     (throttled typing signal)
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// result exists for (user, conversation, key), the handler returns that
// recorded message and sets `Idempotency-Replayed: true`.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/repo"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/utils"
)

//
// DTOs
//

// PostMessageRequest is the JSON payload for sending a message.
//
// Content is normalized by the service (line endings and excessive blank
// lines) and capped at a configurable rune count.
type PostMessageRequest struct {
	// Kind is chat (default) or price. info messages are server-authored.
	Kind    string `json:"kind,omitempty" example:"chat" enums:"chat,price"`
	Content string `json:"content" binding:"required,min=1" example:"Can you do better on the sedans?"`
}

// PostMessageResponse is the JSON envelope for a stored message.
type PostMessageResponse struct {
	Message *domain.Message `json:"message"`
}

// ListMessagesResponse contains a page of messages and pagination metadata.
// Pagination is omitted for `after` queries.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination *Pagination      `json:"pagination,omitempty"`
}

// TypingResponse reports whether the signal was fanned out or throttled.
type TypingResponse struct {
	Published bool `json:"published"`
}

//
// Handlers
//

// PostMessage godoc
// @ID          postMessage
// @Summary     Send a message
// @Description Appends a chat or price message to the conversation and pushes it to both parties.
// @Description Supports idempotency via the Idempotency-Key header (same key → same message).
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       id               path    string  true  "Conversation ID (UUID)"  format(uuid)
// @Param       body             body    handlers.PostMessageRequest  true  "Message payload"
//
// @Success     201  {object}  handlers.PostMessageResponse  "Stored message"
// @Success     200  {object}  handlers.PostMessageResponse  "Replayed message"
// @Failure     400  {object}  handlers.ErrorResponse        "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse        "Conversation not found"
// @Failure     500  {object}  handlers.ErrorResponse        "Internal error"
// @Router      /conversations/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()
	convID := c.Param("id")
	caller := userID(c)

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	// Idempotency (replay path).
	key := idempotencyKey(c)
	if key != "" && h.db != nil {
		if rec, err := repo.GetIdempotency(ctx, h.db, caller, convID, domain.ScopeMessage, key, time.Now().UTC()); err == nil {
			if prev, err := repo.GetMessage(h.db.WithContext(ctx), rec.ResourceID); err == nil {
				c.Header("Idempotency-Replayed", "true")
				ok(c, http.StatusOK, PostMessageResponse{Message: prev})
				return
			}
		}
	}

	m, err := h.messages.Send(ctx, caller, convID, req.Kind, req.Content)
	if err != nil {
		failErr(c, err)
		return
	}

	// Idempotency (store path) – best effort.
	if key != "" && h.db != nil {
		if _, err := repo.CreateIdempotency(ctx, h.db, caller, convID, domain.ScopeMessage, key, m.ID, http.StatusCreated, h.idemTTL); err != nil &&
			!errors.Is(err, repo.ErrDuplicate) {
			logger(c).Warn().Err(err).Msg("idempotency record not stored")
		}
	}
	ok(c, http.StatusCreated, PostMessageResponse{Message: m})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages in a conversation
// @Description Returns messages in sequence order. With `after`, returns up to page_size messages
// @Description whose sequence is greater than `after` (catch-up after a reconnect); otherwise pages.
// @Tags        Messages
// @Produce     json
//
// @Param       id             path    string  true  "Conversation ID (UUID)"  format(uuid)
// @Param       after          query   int     false "Return messages with seq > after"  minimum(0)
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Param       If-None-Match  header  string  false "Weak ETag from a previous response"
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Success     304  "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	convID := c.Param("id")
	caller := userID(c)
	page, pageSize := clampPagination(c)

	after, valid := utils.Cursor(c.Query("after"))
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "after must be a non-negative integer")
		return
	}

	// ETag pre-check (best effort). Participation is checked before a 304.
	var etag string
	if h.db != nil {
		if head, err := repo.GetConversationHead(ctx, h.db, convID); err == nil {
			etag = fmt.Sprintf(`W/"messages:%s:%d:%d:%d:%d"`, convID, head.MessageSeq, after, page, pageSize)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				if _, err := h.conversations.Get(ctx, caller, convID); err != nil {
					failErr(c, err)
					return
				}
				c.Header("ETag", etag)
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	resp := ListMessagesResponse{}
	if after >= 0 {
		items, err := h.messages.ListAfter(ctx, caller, convID, after, pageSize)
		if err != nil {
			failErr(c, err)
			return
		}
		resp.Messages = items
	} else {
		items, total, err := h.messages.ListPage(ctx, caller, convID, page, pageSize)
		if err != nil {
			failErr(c, err)
			return
		}
		p := newPagination(page, pageSize, total)
		resp.Messages, resp.Pagination = items, &p
	}
	if resp.Messages == nil {
		resp.Messages = []domain.Message{}
	}
	if etag != "" {
		c.Header("ETag", etag)
	}
	ok(c, http.StatusOK, resp)
}

// PostTyping godoc
// @ID          postTyping
// @Summary     Signal that the caller is typing
// @Description Throttled per (conversation, user); a typing:false event follows after a short silence.
// @Tags        Messages
// @Produce     json
//
// @Param       id  path  string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     202  {object}  handlers.TypingResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations/{id}/typing [post]
func (h *Handlers) PostTyping(c *gin.Context) {
	published, err := h.messages.Typing(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusAccepted, TypingResponse{Published: published})
}
