package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeMargin
	AccountScopeSystem
	AccountScopeExternal
)

func (s AccountScope) String() string {
	switch s {
	case AccountScopeUser:
		return "user"
	case AccountScopeMargin:
		return "margin"
	case AccountScopeSystem:
		return "system"
	case AccountScopeExternal:
		return "external"
	default:
		return "unknown"
	}
}

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// Margin sub-types: tokens held in custody for a margin account
	SubTypeMarginDeposit

	// System sub-types
	SubTypeMarketVault
	SubTypeTicketEscrow

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalIssuance
)

// addressSpace namespaces token account addresses derived from keys.
var addressSpace = uuid.MustParse("0b6f6d1c-5e0a-4c43-9a7e-3b1f7d0e2a51")

// AccountKey identifies one token account: whose it is, what for, which mint.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte
	SubType  AccountSubType
	Mint     uuid.UUID
}

// NewWalletKey creates the wallet token account of a user
func NewWalletKey(owner uuid.UUID, mint uuid.UUID) AccountKey {
	return AccountKey{Scope: AccountScopeUser, EntityID: owner, SubType: SubTypeWallet, Mint: mint}
}

// NewMarginDepositKey creates the custody token account of a margin deposit position
func NewMarginDepositKey(marginAccount uuid.UUID, mint uuid.UUID) AccountKey {
	return AccountKey{Scope: AccountScopeMargin, EntityID: marginAccount, SubType: SubTypeMarginDeposit, Mint: mint}
}

// NewSystemAccountKey creates a key for protocol-owned accounts such as a
// market's underlying vault.
func NewSystemAccountKey(entity uuid.UUID, subType AccountSubType, mint uuid.UUID) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, EntityID: entity, SubType: subType, Mint: mint}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, mint uuid.UUID) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: subType, Mint: mint}
}

// Address is the stable token account address for the key.
func (k AccountKey) Address() uuid.UUID {
	return uuid.NewSHA1(addressSpace, []byte(k.AccountPath()))
}

// MayGoNegative reports whether the account is a boundary account whose
// balance mirrors tokens outside the system.
func (k AccountKey) MayGoNegative() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	entity := uuid.UUID(k.EntityID)
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", entity, k.subTypeName(), k.Mint)
	case AccountScopeMargin:
		return fmt.Sprintf("margin:%s:%s:%s", entity, k.subTypeName(), k.Mint)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s:%s", entity, k.subTypeName(), k.Mint)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Mint)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeMarginDeposit:
		return "deposit"
	case SubTypeMarketVault:
		return "vault"
	case SubTypeTicketEscrow:
		return "ticket_escrow"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	case SubTypeExternalIssuance:
		return "issuance"
	default:
		return "unknown"
	}
}
