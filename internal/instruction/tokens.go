package instruction

import "github.com/google/uuid"

// FundWallet credits a user wallet with tokens arriving from outside the
// ledger.
type FundWallet struct {
	Header
	Owner  uuid.UUID `json:"owner"`
	Mint   uuid.UUID `json:"mint"`
	Amount uint64    `json:"amount"`
}

func (*FundWallet) Type() Type { return TypeFundWallet }

func (ix *FundWallet) validate() error {
	if err := requireIDs("owner", ix.Owner, "mint", ix.Mint); err != nil {
		return err
	}
	return requireAmount(ix.Amount)
}

// DepositTokens moves tokens from the owner's wallet into the custody
// account of a margin account.
type DepositTokens struct {
	Header
	Account uuid.UUID `json:"account"`
	Owner   uuid.UUID `json:"owner"`
	Mint    uuid.UUID `json:"mint"`
	Amount  uint64    `json:"amount"`
}

func (*DepositTokens) Type() Type { return TypeDepositTokens }

func (ix *DepositTokens) validate() error {
	if err := requireIDs("account", ix.Account, "owner", ix.Owner, "mint", ix.Mint); err != nil {
		return err
	}
	return requireAmount(ix.Amount)
}

// WithdrawTokens moves custody tokens back to the owner's wallet. The
// account must stay healthy.
type WithdrawTokens struct {
	Header
	Account uuid.UUID `json:"account"`
	Owner   uuid.UUID `json:"owner"`
	Mint    uuid.UUID `json:"mint"`
	Amount  uint64    `json:"amount"`
}

func (*WithdrawTokens) Type() Type { return TypeWithdrawTokens }

func (ix *WithdrawTokens) validate() error {
	if err := requireIDs("account", ix.Account, "owner", ix.Owner, "mint", ix.Mint); err != nil {
		return err
	}
	return requireAmount(ix.Amount)
}
