// Package instruction defines the inputs of the deterministic core. Every
// state change in the ledger is caused by exactly one instruction, and the
// applied instructions are recorded in envelopes forming a hash chain.
package instruction

import (
	"encoding/json"
)

// Type discriminates instruction payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypeCreateAccount
	TypeCloseAccount
	TypeRegisterPosition
	TypeUpdatePositionBalance
	TypeRefreshPositionMetadata
	TypeRefreshDepositPosition
	TypeClosePosition
	TypeVerifyHealthy
	TypeAdapterInvoke
	TypeAccountingInvoke
	TypeLiquidateBegin
	TypeLiquidatorInvoke
	TypeLiquidateEnd
	TypeDepositTokens
	TypeWithdrawTokens
	TypeFundWallet
	TypePlaceOrder
	TypeCancelOrder
	TypeConsumeEvents
	TypeAutoRoll
	TypeStakeTickets
	TypeRedeemTicket
	TypeRegisterEventAdapter
	TypePopAdapterEvents
	TypePriceUpdate
)

var typeNames = map[Type]string{
	TypeCreateAccount:           "create_account",
	TypeCloseAccount:            "close_account",
	TypeRegisterPosition:        "register_position",
	TypeUpdatePositionBalance:   "update_position_balance",
	TypeRefreshPositionMetadata: "refresh_position_metadata",
	TypeRefreshDepositPosition:  "refresh_deposit_position",
	TypeClosePosition:           "close_position",
	TypeVerifyHealthy:           "verify_healthy",
	TypeAdapterInvoke:           "adapter_invoke",
	TypeAccountingInvoke:        "accounting_invoke",
	TypeLiquidateBegin:          "liquidate_begin",
	TypeLiquidatorInvoke:        "liquidator_invoke",
	TypeLiquidateEnd:            "liquidate_end",
	TypeDepositTokens:           "deposit_tokens",
	TypeWithdrawTokens:          "withdraw_tokens",
	TypeFundWallet:              "fund_wallet",
	TypePlaceOrder:              "place_order",
	TypeCancelOrder:             "cancel_order",
	TypeConsumeEvents:           "consume_events",
	TypeAutoRoll:                "auto_roll",
	TypeStakeTickets:            "stake_tickets",
	TypeRedeemTicket:            "redeem_ticket",
	TypeRegisterEventAdapter:    "register_event_adapter",
	TypePopAdapterEvents:        "pop_adapter_events",
	TypePriceUpdate:             "price_update",
}

// String returns the wire name used in NATS subjects and HTTP routes.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseType resolves a wire name.
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return TypeUnknown, ErrUnknownType.Wrapf("%q", name)
}

// Types lists every known instruction type in declaration order.
func Types() []Type {
	out := make([]Type, 0, len(typeNames))
	for t := TypeCreateAccount; t <= TypePriceUpdate; t++ {
		out = append(out, t)
	}
	return out
}

// GlobalPartition orders instructions submitted without a source.
const GlobalPartition = "global"

// Envelope wraps every applied instruction in the log.
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	Type Type

	// Ordering partition the source sequence was validated in
	Partition string

	// Instruction timestamp in epoch seconds (NOT wall-clock)
	Timestamp int64

	SourceSequence int64

	// JSON-encoded instruction
	Payload json.RawMessage

	// JSON-encoded result (valuation, match summary, ...) or nil
	Result json.RawMessage

	// SHA-256 of state AFTER applying this instruction
	StateHash [32]byte

	// Previous instruction's state hash (chain integrity)
	PrevHash [32]byte
}

// Instruction is implemented by every instruction payload.
type Instruction interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	Type() Type

	// Partition scopes SourceSequence ordering
	Partition() string

	SourceSequence() int64

	// Time is the instruction's notion of now, in epoch seconds
	Time() int64
}

// Header carries the fields shared by every instruction.
type Header struct {
	Key       string `json:"idempotency_key"`
	Source    string `json:"source,omitempty"`
	Sequence  int64  `json:"source_sequence"`
	Timestamp int64  `json:"timestamp"`
}

func (h Header) IdempotencyKey() string { return h.Key }
func (h Header) SourceSequence() int64  { return h.Sequence }
func (h Header) Time() int64            { return h.Timestamp }

func (h Header) Partition() string {
	if h.Source == "" {
		return GlobalPartition
	}
	return h.Source
}
