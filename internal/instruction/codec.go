package instruction

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"MarginLedger/internal/fault"
)

const codespace = "instruction"

var (
	ErrUnknownType = fault.Register(fault.ClassStructural, codespace, 1, "unknown instruction type")
	ErrMalformed   = fault.Register(fault.ClassStructural, codespace, 2, "malformed instruction")
)

var factories = map[Type]func() Instruction{
	TypeCreateAccount:           func() Instruction { return new(CreateAccount) },
	TypeCloseAccount:            func() Instruction { return new(CloseAccount) },
	TypeRegisterPosition:        func() Instruction { return new(RegisterPosition) },
	TypeUpdatePositionBalance:   func() Instruction { return new(UpdatePositionBalance) },
	TypeRefreshPositionMetadata: func() Instruction { return new(RefreshPositionMetadata) },
	TypeRefreshDepositPosition:  func() Instruction { return new(RefreshDepositPosition) },
	TypeClosePosition:           func() Instruction { return new(ClosePosition) },
	TypeVerifyHealthy:           func() Instruction { return new(VerifyHealthy) },
	TypeAdapterInvoke:           func() Instruction { return new(AdapterInvoke) },
	TypeAccountingInvoke:        func() Instruction { return new(AccountingInvoke) },
	TypeLiquidateBegin:          func() Instruction { return new(LiquidateBegin) },
	TypeLiquidatorInvoke:        func() Instruction { return new(LiquidatorInvoke) },
	TypeLiquidateEnd:            func() Instruction { return new(LiquidateEnd) },
	TypeDepositTokens:           func() Instruction { return new(DepositTokens) },
	TypeWithdrawTokens:          func() Instruction { return new(WithdrawTokens) },
	TypeFundWallet:              func() Instruction { return new(FundWallet) },
	TypePlaceOrder:              func() Instruction { return new(PlaceOrder) },
	TypeCancelOrder:             func() Instruction { return new(CancelOrder) },
	TypeConsumeEvents:           func() Instruction { return new(ConsumeEvents) },
	TypeAutoRoll:                func() Instruction { return new(AutoRoll) },
	TypeStakeTickets:            func() Instruction { return new(StakeTickets) },
	TypeRedeemTicket:            func() Instruction { return new(RedeemTicket) },
	TypeRegisterEventAdapter:    func() Instruction { return new(RegisterEventAdapter) },
	TypePopAdapterEvents:        func() Instruction { return new(PopAdapterEvents) },
	TypePriceUpdate:             func() Instruction { return new(PriceUpdate) },
}

// Decode parses a JSON payload of type t and validates it. Unknown fields
// are rejected.
func Decode(t Type, data []byte) (Instruction, error) {
	factory, ok := factories[t]
	if !ok {
		return nil, ErrUnknownType.Wrapf("type %d", t)
	}
	ix := factory()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(ix); err != nil {
		return nil, ErrMalformed.Wrapf("decode %s: %v", t, err)
	}
	if err := Validate(ix); err != nil {
		return nil, err
	}
	return ix, nil
}

// DecodeNamed is Decode keyed by the wire name.
func DecodeNamed(name string, data []byte) (Instruction, error) {
	t, err := ParseType(name)
	if err != nil {
		return nil, err
	}
	return Decode(t, data)
}

// Encode marshals an instruction into its wire form.
func Encode(ix Instruction) ([]byte, error) {
	data, err := json.Marshal(ix)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ix.Type(), err)
	}
	return data, nil
}

// Validate checks the header and the type-specific required fields.
func Validate(ix Instruction) error {
	if ix.IdempotencyKey() == "" {
		return ErrMalformed.Wrapf("%s: idempotency_key is empty", ix.Type())
	}
	if ix.Time() <= 0 {
		return ErrMalformed.Wrapf("%s: timestamp is not set", ix.Type())
	}
	if ix.SourceSequence() < 0 {
		return ErrMalformed.Wrapf("%s: negative source_sequence", ix.Type())
	}
	if v, ok := ix.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return fmt.Errorf("%s: %w", ix.Type(), err)
		}
	}
	return nil
}

// requireIDs takes name/id pairs.
func requireIDs(pairs ...interface{}) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if id, _ := pairs[i+1].(uuid.UUID); id == uuid.Nil {
			return ErrMalformed.Wrapf("%v is not set", pairs[i])
		}
	}
	return nil
}

func requireAmount(amount uint64) error {
	if amount == 0 {
		return ErrMalformed.Wrap("amount must be positive")
	}
	return nil
}
