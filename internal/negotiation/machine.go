// Package negotiation holds the bilateral offer/counter-offer state machine,
// proposal validation and server-side price computation. It has no I/O;
// persistence and notification live in the repo and services packages.
package negotiation

// Status is the negotiation state of a conversation.
type Status string

const (
	StatusNone            Status = "NONE"
	StatusBuyerProposed   Status = "BUYER_PROPOSED"
	StatusSellerCountered Status = "SELLER_COUNTERED"
	StatusBuyerCountered  Status = "BUYER_COUNTERED"
	StatusAccepted        Status = "ACCEPTED"
)

// Statuses lists every state in lifecycle order.
var Statuses = []Status{StatusNone, StatusBuyerProposed, StatusSellerCountered, StatusBuyerCountered, StatusAccepted}

// Valid reports whether s is a known state.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool { return s == StatusAccepted }

// Actor is the party performing an action.
type Actor string

const (
	ActorBuyer  Actor = "buyer"
	ActorSeller Actor = "seller"
)

// Actors lists both parties.
var Actors = []Actor{ActorBuyer, ActorSeller}

// Action is what the actor attempts.
type Action string

const (
	// ActionSubmit covers both the opening proposal and every counter.
	ActionSubmit Action = "submit"
	ActionAccept Action = "accept"
)

// ActionConfirm finalizes an accepted negotiation through the OTP gate. It
// does not change Status.
const ActionConfirm Action = "confirm"

// Actions lists the state-changing actions.
var Actions = []Action{ActionSubmit, ActionAccept}

type edge struct {
	from   Status
	actor  Actor
	action Action
}

var transitions = map[edge]Status{
	{StatusNone, ActorBuyer, ActionSubmit}: StatusBuyerProposed,

	{StatusBuyerProposed, ActorSeller, ActionSubmit}: StatusSellerCountered,
	{StatusBuyerProposed, ActorSeller, ActionAccept}: StatusAccepted,

	{StatusBuyerCountered, ActorSeller, ActionSubmit}: StatusSellerCountered,
	{StatusBuyerCountered, ActorSeller, ActionAccept}: StatusAccepted,

	{StatusSellerCountered, ActorBuyer, ActionSubmit}: StatusBuyerCountered,
	{StatusSellerCountered, ActorBuyer, ActionAccept}: StatusAccepted,
}

// Next returns the state reached when actor performs action from the given
// state, or an *IllegalTransitionError.
func Next(from Status, actor Actor, action Action) (Status, error) {
	if to, ok := transitions[edge{from, actor, action}]; ok {
		return to, nil
	}
	return from, &IllegalTransitionError{From: from, Actor: actor, Action: action}
}

// Allowed lists the actions actor may perform from the given state.
func Allowed(from Status, actor Actor) []Action {
	out := make([]Action, 0, len(Actions))
	for _, a := range Actions {
		if _, ok := transitions[edge{from, actor, a}]; ok {
			out = append(out, a)
		}
	}
	return out
}

// AwaitingActor returns the party whose move it is, or "" when nobody can act
// (terminal).
func AwaitingActor(s Status) Actor {
	for _, a := range Actors {
		if len(Allowed(s, a)) > 0 {
			return a
		}
	}
	return ""
}

// CanConfirm reports whether a conversation in state s may enter final
// confirmation.
func CanConfirm(s Status, actor Actor, finalized bool) error {
	if s != StatusAccepted {
		return &IllegalTransitionError{From: s, Actor: actor, Action: ActionConfirm,
			Reason: "only an accepted negotiation can be confirmed"}
	}
	if finalized {
		return &IllegalTransitionError{From: s, Actor: actor, Action: ActionConfirm,
			Reason: "negotiation is already confirmed"}
	}
	return nil
}
