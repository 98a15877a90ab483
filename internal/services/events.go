package services

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/negotiation"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/realtime"
)

// StateChange is the payload of state events. It carries the full current
// proposal so a client can resynchronize from any single state event.
type StateChange struct {
	ConversationID string                          `json:"conversation_id"`
	Status         negotiation.Status              `json:"status"`
	Version        int                             `json:"version"`
	AwaitingActor  negotiation.Actor               `json:"awaiting_actor,omitempty"`
	AllowedActions map[string][]negotiation.Action `json:"allowed_actions"`
	Proposal       *domain.Proposal                `json:"proposal,omitempty"`
	AcceptedAt     *time.Time                      `json:"accepted_at,omitempty"`
	FinalizedAt    *time.Time                      `json:"finalized_at,omitempty"`
	AgreedPrice    decimal.NullDecimal             `json:"agreed_price"`
}

func stateChange(c *domain.Conversation, p *domain.Proposal) StateChange {
	actions := make(map[string][]negotiation.Action, 2)
	for _, a := range negotiation.Actors {
		actions[string(a)] = negotiation.Allowed(c.Status, a)
	}
	return StateChange{
		ConversationID: c.ID,
		Status:         c.Status,
		Version:        c.Version,
		AwaitingActor:  negotiation.AwaitingActor(c.Status),
		AllowedActions: actions,
		Proposal:       p,
		AcceptedAt:     c.AcceptedAt,
		FinalizedAt:    c.FinalizedAt,
		AgreedPrice:    c.AgreedPrice,
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, realtime.Event) {}

func publisherOr(p realtime.Publisher) realtime.Publisher {
	if p == nil {
		return noopPublisher{}
	}
	return p
}

func messageEvent(m *domain.Message) realtime.Event {
	return realtime.Event{
		Type:           realtime.EventMessage,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		Data:           m,
		At:             m.CreatedAt,
	}
}

func stateEvent(c *domain.Conversation, p *domain.Proposal) realtime.Event {
	return realtime.Event{
		Type:           realtime.EventState,
		ConversationID: c.ID,
		Version:        c.Version,
		Data:           stateChange(c, p),
	}
}

var printer = message.NewPrinter(language.English)

// formatMoney renders an amount with grouping and two decimals, e.g.
// "84,000.00 USD". It works on the exact decimal digits.
func formatMoney(d decimal.Decimal, currency string) string {
	digits := d.StringFixed(negotiation.MoneyPlaces)
	var b strings.Builder
	if rest, neg := strings.CutPrefix(digits, "-"); neg {
		b.WriteByte('-')
		digits = rest
	}
	whole, frac, _ := strings.Cut(digits, ".")
	for i := 0; i < len(whole); i++ {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteByte(whole[i])
	}
	if frac != "" {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return strings.TrimSpace(b.String() + " " + currency)
}

func formatPercent(d decimal.Decimal) string {
	return d.Round(2).String() + "%"
}

// infoText is the server-authored log entry for a committed transition.
func infoText(actor negotiation.Actor, from, to negotiation.Status, q negotiation.Quote) string {
	who := "Buyer"
	if actor == negotiation.ActorSeller {
		who = "Seller"
	}
	price := formatMoney(q.FinalPrice, q.Currency)
	switch {
	case to == negotiation.StatusAccepted:
		return printer.Sprintf("%s accepted the offer of %s.", who, price)
	case from == negotiation.StatusNone:
		return printer.Sprintf("%s proposed %s (%s off), %s down payment, loading at %s.",
			who, price, formatPercent(q.DiscountPercent), formatPercent(q.DownPaymentPercent), q.Port)
	default:
		return printer.Sprintf("%s countered with %s (%s off), %s down payment, loading at %s.",
			who, price, formatPercent(q.DiscountPercent), formatPercent(q.DownPaymentPercent), q.Port)
	}
}
