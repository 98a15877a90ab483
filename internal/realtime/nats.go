package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	connectWait   = 5 * time.Second
	maxReconnects = -1
	reconnectWait = 2 * time.Second

	// DefaultSubjectPrefix namespaces bridge subjects.
	DefaultSubjectPrefix = "negotiation.events"
)

// Connect dials NATS for the bridge.
func Connect(url, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(connectWait),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats at %s: %w", url, err)
	}
	return nc, nil
}

// envelope is the bridge wire format.
type envelope struct {
	Origin string `json:"origin"`
	Frame  Frame  `json:"frame"`
}

// Bridge is a Publisher that delivers to the local hub and relays every frame
// over NATS so sessions held by other instances receive it too. Frames that
// come back from NATS with this bridge's origin are ignored.
type Bridge struct {
	nc     *nats.Conn
	hub    *Hub
	prefix string
	origin string
	sub    *nats.Subscription
}

// NewBridge wraps hub. A nil nc makes the bridge local-only.
func NewBridge(nc *nats.Conn, hub *Hub, prefix string) *Bridge {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Bridge{nc: nc, hub: hub, prefix: strings.TrimSuffix(prefix, "."), origin: uuid.NewString()}
}

func (b *Bridge) subject(conversationID string) string {
	return b.prefix + "." + conversationID
}

// Publish implements Publisher.
func (b *Bridge) Publish(_ context.Context, evt Event) {
	f, err := Encode(evt)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", evt.ConversationID).Msg("realtime encode failed")
		return
	}
	b.hub.Deliver(f)

	if b.nc == nil {
		return
	}
	data, err := json.Marshal(envelope{Origin: b.origin, Frame: f})
	if err != nil {
		return
	}
	if err := b.nc.Publish(b.subject(f.ConversationID), data); err != nil {
		log.Warn().Err(err).Str("conversation_id", f.ConversationID).Msg("nats relay failed")
	}
}

// Start subscribes to frames relayed by other instances.
func (b *Bridge) Start() error {
	if b.nc == nil {
		return nil
	}
	sub, err := b.nc.Subscribe(b.prefix+".>", b.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", b.prefix, err)
	}
	b.sub = sub
	return nil
}

func (b *Bridge) handle(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Debug().Err(err).Str("subject", msg.Subject).Msg("nats frame discarded")
		return
	}
	if env.Origin == b.origin || env.Frame.ConversationID == "" {
		return
	}
	b.hub.Deliver(env.Frame)
}

// Close unsubscribes and drains the connection.
func (b *Bridge) Close() error {
	if b.nc == nil {
		return nil
	}
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	return b.nc.Drain()
}
