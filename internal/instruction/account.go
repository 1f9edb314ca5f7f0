package instruction

import (
	"encoding/json"

	"github.com/google/uuid"
)

// CreateAccount opens an empty margin account in an airspace.
type CreateAccount struct {
	Header
	Account  uuid.UUID `json:"account"`
	Owner    uuid.UUID `json:"owner"`
	Airspace uuid.UUID `json:"airspace"`
}

func (*CreateAccount) Type() Type { return TypeCreateAccount }

func (ix *CreateAccount) validate() error {
	return requireIDs("account", ix.Account, "owner", ix.Owner, "airspace", ix.Airspace)
}

// CloseAccount removes an account that holds no positions.
type CloseAccount struct {
	Header
	Account uuid.UUID `json:"account"`
	Owner   uuid.UUID `json:"owner"`
}

func (*CloseAccount) Type() Type { return TypeCloseAccount }

func (ix *CloseAccount) validate() error {
	return requireIDs("account", ix.Account, "owner", ix.Owner)
}

// RegisterPosition registers an owner-managed deposit position backed by
// the account's custody token account for Mint.
type RegisterPosition struct {
	Header
	Account uuid.UUID `json:"account"`
	Caller  uuid.UUID `json:"caller"`
	Mint    uuid.UUID `json:"mint"`
}

func (*RegisterPosition) Type() Type { return TypeRegisterPosition }

func (ix *RegisterPosition) validate() error {
	return requireIDs("account", ix.Account, "caller", ix.Caller, "mint", ix.Mint)
}

// UpdatePositionBalance reads the custody balance behind a deposit
// position. Anyone may request it.
type UpdatePositionBalance struct {
	Header
	Account uuid.UUID `json:"account"`
	Mint    uuid.UUID `json:"mint"`
}

func (*UpdatePositionBalance) Type() Type { return TypeUpdatePositionBalance }

func (ix *UpdatePositionBalance) validate() error {
	return requireIDs("account", ix.Account, "mint", ix.Mint)
}

// RefreshPositionMetadata re-reads the token configuration of a position.
type RefreshPositionMetadata struct {
	Header
	Account uuid.UUID `json:"account"`
	Mint    uuid.UUID `json:"mint"`
}

func (*RefreshPositionMetadata) Type() Type { return TypeRefreshPositionMetadata }

func (ix *RefreshPositionMetadata) validate() error {
	return requireIDs("account", ix.Account, "mint", ix.Mint)
}

// RefreshDepositPosition prices a deposit position from its configured
// oracle and reconciles its balance with custody.
type RefreshDepositPosition struct {
	Header
	Account uuid.UUID `json:"account"`
	Mint    uuid.UUID `json:"mint"`
	Oracle  uuid.UUID `json:"oracle"`
}

func (*RefreshDepositPosition) Type() Type { return TypeRefreshDepositPosition }

func (ix *RefreshDepositPosition) validate() error {
	return requireIDs("account", ix.Account, "mint", ix.Mint, "oracle", ix.Oracle)
}

// ClosePosition removes an owner-managed position.
type ClosePosition struct {
	Header
	Account uuid.UUID `json:"account"`
	Caller  uuid.UUID `json:"caller"`
	Mint    uuid.UUID `json:"mint"`
}

func (*ClosePosition) Type() Type { return TypeClosePosition }

func (ix *ClosePosition) validate() error {
	return requireIDs("account", ix.Account, "caller", ix.Caller, "mint", ix.Mint)
}

// VerifyHealthy fails unless the account is fresh and healthy.
type VerifyHealthy struct {
	Header
	Account uuid.UUID `json:"account"`
}

func (*VerifyHealthy) Type() Type { return TypeVerifyHealthy }

func (ix *VerifyHealthy) validate() error {
	return requireIDs("account", ix.Account)
}

// Invoke is the common body of the three adapter invocation kinds.
type Invoke struct {
	Header
	Account uuid.UUID       `json:"account"`
	Caller  uuid.UUID       `json:"caller"`
	Adapter uuid.UUID       `json:"adapter"`
	Payload json.RawMessage `json:"payload"`
}

func (ix *Invoke) validate() error {
	if err := requireIDs("account", ix.Account, "caller", ix.Caller, "adapter", ix.Adapter); err != nil {
		return err
	}
	if len(ix.Payload) == 0 {
		return ErrMalformed.Wrap("payload is empty")
	}
	return nil
}

// AdapterInvoke is an owner request forwarded to an adapter. The account
// must be healthy afterwards.
type AdapterInvoke struct{ Invoke }

func (*AdapterInvoke) Type() Type { return TypeAdapterInvoke }

// AccountingInvoke lets anyone ask an adapter to refresh its positions.
type AccountingInvoke struct{ Invoke }

func (*AccountingInvoke) Type() Type { return TypeAccountingInvoke }

// LiquidatorInvoke is an adapter call made by the assigned liquidator.
type LiquidatorInvoke struct{ Invoke }

func (*LiquidatorInvoke) Type() Type { return TypeLiquidatorInvoke }

// LiquidateBegin assigns a permitted liquidator to an unhealthy account.
type LiquidateBegin struct {
	Header
	Account    uuid.UUID `json:"account"`
	Liquidator uuid.UUID `json:"liquidator"`
}

func (*LiquidateBegin) Type() Type { return TypeLiquidateBegin }

func (ix *LiquidateBegin) validate() error {
	return requireIDs("account", ix.Account, "liquidator", ix.Liquidator)
}

// LiquidateEnd releases the liquidation slot.
type LiquidateEnd struct {
	Header
	Account uuid.UUID `json:"account"`
	Caller  uuid.UUID `json:"caller"`
}

func (*LiquidateEnd) Type() Type { return TypeLiquidateEnd }

func (ix *LiquidateEnd) validate() error {
	return requireIDs("account", ix.Account, "caller", ix.Caller)
}
