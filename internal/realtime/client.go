package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8 << 10

	// CloseResync is sent when the server drops a session that fell behind.
	// Clients reconnect and load a fresh snapshot.
	CloseResync = 4000
)

// Session is the per-connection application surface the websocket client
// dispatches inbound frames to.
type Session interface {
	// Snapshot returns the full current view (conversation, proposal,
	// buckets, history) as a snapshot event.
	Snapshot(ctx context.Context) (Event, error)
	// Chat appends a chat or price message. The message reaches this
	// session through the hub like everyone else's.
	Chat(ctx context.Context, kind, content string) error
	// Typing signals that the user is typing.
	Typing(ctx context.Context) error
}

// Inbound is a client-to-server websocket frame.
type Inbound struct {
	Type    string `json:"type"` // chat | typing | resync
	Kind    string `json:"kind,omitempty"`
	Content string `json:"content,omitempty"`
}

// ErrorCoder lets Session errors surface a stable code to the client.
type ErrorCoder interface {
	ErrorCode() string
}

// Client pumps frames between one websocket connection and the hub.
type Client struct {
	conn    *websocket.Conn
	sub     *Subscription
	session Session
	log     zerolog.Logger

	// direct carries replies meant for this connection only.
	direct chan []byte
}

// NewClient wires a connection to its subscription and session.
func NewClient(conn *websocket.Conn, sub *Subscription, session Session, log zerolog.Logger) *Client {
	return &Client{
		conn:    conn,
		sub:     sub,
		session: session,
		log:     log.With().Str("conversation_id", sub.ConversationID).Str("session_id", sub.ID).Logger(),
		direct:  make(chan []byte, 16),
	}
}

// Send queues a frame for this connection only. It never blocks; a full
// queue drops the frame.
func (c *Client) Send(evt Event) bool {
	f, err := Encode(evt)
	if err != nil {
		return false
	}
	select {
	case c.direct <- f.Payload:
		return true
	default:
		return false
	}
}

// Run serves the connection until the peer leaves, ctx ends or the hub
// evicts the subscription. The caller unsubscribes afterwards.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump(ctx)
	}()
	c.readPump(ctx)
	cancel()
	<-done
}

// readPump pumps inbound frames from the websocket connection to the session.
func (c *Client) readPump(ctx context.Context) {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.handle(ctx, raw)
	}
}

func (c *Client) handle(ctx context.Context, raw []byte) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		c.reject("bad_frame", "frame is not valid JSON")
		return
	}

	var err error
	switch in.Type {
	case "chat":
		kind := in.Kind
		if kind == "" {
			kind = "chat"
		}
		err = c.session.Chat(ctx, kind, in.Content)
	case "typing":
		err = c.session.Typing(ctx)
	case "resync":
		var snap Event
		if snap, err = c.session.Snapshot(ctx); err == nil {
			c.Send(snap)
		}
	default:
		c.reject("bad_frame", "unknown frame type "+in.Type)
		return
	}
	if err != nil {
		code := "internal"
		var ec ErrorCoder
		if errors.As(err, &ec) {
			code = ec.ErrorCode()
		}
		c.reject(code, err.Error())
	}
}

func (c *Client) reject(code, msg string) {
	c.Send(Event{Type: EventError, ConversationID: c.sub.ConversationID, Data: ErrorData{Code: code, Message: msg}})
}

// writePump pumps frames from the hub and direct replies to the connection.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"), time.Now().Add(writeWait))
			return

		case b := <-c.direct:
			if err := c.write(b); err != nil {
				return
			}

		case f, ok := <-c.sub.C():
			if !ok {
				code, reason := websocket.CloseNormalClosure, ""
				if c.sub.Evicted() {
					code, reason = CloseResync, "resync"
				}
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
				return
			}
			if err := c.write(f.Payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(b []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}
