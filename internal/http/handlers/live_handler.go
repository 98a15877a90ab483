// Live session handlers.
//
//   - GET /conversations/{id}/ws      (websocket, bidirectional)
//   - GET /conversations/{id}/events  (server-sent events, receive only)
//
// Both send a hello frame and a full snapshot before any pushed event. The
// subscription is taken before the snapshot is read, so nothing committed
// after the snapshot can be missed; clients dedupe by seq and version.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/realtime"
)

func (h *Handlers) upgrader() *websocket.Upgrader {
	check := h.live.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     check,
	}
}

// openingFrames builds the hello and snapshot frames for a new session.
func (h *Handlers) openingFrames(c *gin.Context, conv *domain.Conversation, sub *realtime.Subscription) ([]realtime.Frame, error) {
	role, _ := conv.RoleOf(sub.UserID)
	hello, err := realtime.Encode(realtime.Event{
		Type:           realtime.EventHello,
		ConversationID: conv.ID,
		Data: realtime.HelloData{
			SessionID:        sub.ID,
			Role:             string(role),
			ReconnectAfterMS: h.live.ReconnectHint.Milliseconds(),
			PollIntervalMS:   h.live.PollInterval.Milliseconds(),
		},
	})
	if err != nil {
		return nil, err
	}
	evt, err := h.negotiation.SnapshotEvent(c.Request.Context(), sub.UserID, conv.ID)
	if err != nil {
		return nil, err
	}
	snap, err := realtime.Encode(evt)
	if err != nil {
		return nil, err
	}
	return []realtime.Frame{hello, snap}, nil
}

// ServeWS godoc
// @ID          serveWebsocket
// @Summary     Live session (websocket)
// @Description Upgrades to a websocket. The server sends hello and snapshot, then pushes message,
// @Description typing and state events. Clients may send chat, typing and resync frames.
// @Description Browsers pass the identity as the user_id or token query parameter.
// @Tags        Live
//
// @Param       id  path  string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     101  "Switching Protocols"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     503  {object}  handlers.ErrorResponse  "Live sessions disabled"
// @Router      /conversations/{id}/ws [get]
func (h *Handlers) ServeWS(c *gin.Context) {
	if h.live.Hub == nil || h.live.NewSession == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "live sessions are disabled")
		return
	}
	ctx := c.Request.Context()
	caller := userID(c)

	conv, err := h.conversations.Get(ctx, caller, c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}

	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		logger(c).Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.live.Hub.Subscribe(conv.ID, caller)
	defer h.live.Hub.Unsubscribe(sub)

	frames, err := h.openingFrames(c, conv, sub)
	if err != nil {
		logger(c).Error().Err(err).Msg("websocket snapshot failed")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "snapshot failed"), time.Now().Add(time.Second))
		return
	}
	for _, f := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, f.Payload); err != nil {
			return
		}
	}

	log := logger(c).With().Str("session_id", sub.ID).Logger()
	log.Info().Msg("websocket session opened")
	realtime.NewClient(conn, sub, h.live.NewSession(caller, conv.ID), log).Run(ctx)
	log.Info().Bool("evicted", sub.Evicted()).Msg("websocket session closed")
}

// ServeEvents godoc
// @ID          serveEvents
// @Summary     Live session (server-sent events)
// @Description Receive-only fallback for clients that cannot hold a websocket. Sends hello and snapshot,
// @Description then pushed events; a resync event means the client fell behind and must reload.
// @Tags        Live
// @Produce     text/event-stream
//
// @Param       id  path  string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     200  {string}  string  "event stream"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     503  {object}  handlers.ErrorResponse  "Live sessions disabled"
// @Router      /conversations/{id}/events [get]
func (h *Handlers) ServeEvents(c *gin.Context) {
	if h.live.Hub == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "live sessions are disabled")
		return
	}
	ctx := c.Request.Context()
	caller := userID(c)

	conv, err := h.conversations.Get(ctx, caller, c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}

	sub := h.live.Hub.Subscribe(conv.ID, caller)
	defer h.live.Hub.Unsubscribe(sub)

	frames, err := h.openingFrames(c, conv, sub)
	if err != nil {
		failErr(c, err)
		return
	}

	// The stream outlives the server's WriteTimeout; heartbeats detect dead peers.
	if err := http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{}); err != nil {
		logger(c).Warn().Err(err).Msg("sse: clear write deadline")
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if err := realtime.ServeSSE(ctx, c.Writer, sub, frames, h.live.Heartbeat); err != nil {
		logger(c).Debug().Err(err).Msg("sse: stream ended")
	}
}
