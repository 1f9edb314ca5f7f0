package instruction

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"MarginLedger/internal/fixedterm"
)

// PlaceOrder places a wallet-funded order in a fixed-term market.
type PlaceOrder struct {
	Header
	Market uuid.UUID              `json:"market"`
	Owner  uuid.UUID              `json:"owner"`
	Order  fixedterm.OrderRequest `json:"order"`
}

func (*PlaceOrder) Type() Type { return TypePlaceOrder }

func (ix *PlaceOrder) validate() error {
	return requireIDs("market", ix.Market, "owner", ix.Owner)
}

// CancelOrder cancels a wallet owner's resting order.
type CancelOrder struct {
	Header
	Market  uuid.UUID `json:"market"`
	Owner   uuid.UUID `json:"owner"`
	OrderID ulid.ULID `json:"order_id"`
}

func (*CancelOrder) Type() Type { return TypeCancelOrder }

func (ix *CancelOrder) validate() error {
	if err := requireIDs("market", ix.Market, "owner", ix.Owner); err != nil {
		return err
	}
	if ix.OrderID == (ulid.ULID{}) {
		return ErrMalformed.Wrap("order_id is not set")
	}
	return nil
}

// ConsumeEvents is a crank call settling queued market events.
type ConsumeEvents struct {
	Header
	fixedterm.ConsumeRequest
}

func (*ConsumeEvents) Type() Type { return TypeConsumeEvents }

func (ix *ConsumeEvents) validate() error {
	if err := requireIDs("market", ix.Market, "crank", ix.Crank, "authorization", ix.Authorization); err != nil {
		return err
	}
	if ix.NumEvents < 0 {
		return ErrMalformed.Wrapf("num_events %d", ix.NumEvents)
	}
	return nil
}

// AutoRoll is a crank call rolling one matured loan or split ticket.
type AutoRoll struct {
	Header
	fixedterm.RollRequest
}

func (*AutoRoll) Type() Type { return TypeAutoRoll }

func (ix *AutoRoll) validate() error {
	return requireIDs("market", ix.Market, "crank", ix.Crank, "authorization", ix.Authorization, "target", ix.Target)
}

// StakeTickets converts wallet tickets into a split ticket.
type StakeTickets struct {
	Header
	Market uuid.UUID `json:"market"`
	Owner  uuid.UUID `json:"owner"`
	Amount uint64    `json:"amount"`
}

func (*StakeTickets) Type() Type { return TypeStakeTickets }

func (ix *StakeTickets) validate() error {
	if err := requireIDs("market", ix.Market, "owner", ix.Owner); err != nil {
		return err
	}
	return requireAmount(ix.Amount)
}

// RedeemTicket pays out a matured wallet-owned split ticket.
type RedeemTicket struct {
	Header
	Market uuid.UUID `json:"market"`
	Owner  uuid.UUID `json:"owner"`
	Ticket uuid.UUID `json:"ticket"`
}

func (*RedeemTicket) Type() Type { return TypeRedeemTicket }

func (ix *RedeemTicket) validate() error {
	return requireIDs("market", ix.Market, "owner", ix.Owner, "ticket", ix.Ticket)
}

// RegisterEventAdapter creates a user event queue in a market.
type RegisterEventAdapter struct {
	Header
	Market   uuid.UUID `json:"market"`
	Owner    uuid.UUID `json:"owner"`
	Adapter  uuid.UUID `json:"adapter"`
	Capacity int       `json:"capacity,omitempty"`
}

func (*RegisterEventAdapter) Type() Type { return TypeRegisterEventAdapter }

func (ix *RegisterEventAdapter) validate() error {
	return requireIDs("market", ix.Market, "owner", ix.Owner, "adapter", ix.Adapter)
}

// PopAdapterEvents drops events the owner has read from its queue.
type PopAdapterEvents struct {
	Header
	Market  uuid.UUID `json:"market"`
	Owner   uuid.UUID `json:"owner"`
	Adapter uuid.UUID `json:"adapter"`
	Count   int       `json:"count"`
}

func (*PopAdapterEvents) Type() Type { return TypePopAdapterEvents }

func (ix *PopAdapterEvents) validate() error {
	if err := requireIDs("market", ix.Market, "owner", ix.Owner, "adapter", ix.Adapter); err != nil {
		return err
	}
	if ix.Count <= 0 {
		return ErrMalformed.Wrapf("count %d", ix.Count)
	}
	return nil
}
