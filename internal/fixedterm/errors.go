package fixedterm

import "MarginLedger/internal/fault"

const codespace = "fixedterm"

var (
	ErrWrongTicketMint            = fault.Register(fault.ClassStructural, codespace, 1, "ticket mint does not belong to the market")
	ErrWrongVault                 = fault.Register(fault.ClassStructural, codespace, 2, "vault does not belong to the market")
	ErrWrongEventQueue            = fault.Register(fault.ClassStructural, codespace, 3, "event queue does not belong to the market")
	ErrWrongMarketState           = fault.Register(fault.ClassStructural, codespace, 4, "order book does not belong to the market")
	ErrWrongCrankAuthority        = fault.Register(fault.ClassStructural, codespace, 5, "crank is not authorized for the market")
	ErrWrongAirspaceAuthorization = fault.Register(fault.ClassStructural, codespace, 6, "crank authorization is for another airspace")
	ErrWrongUserAccount           = fault.Register(fault.ClassStructural, codespace, 7, "event account does not match the order owner")
	ErrMissingLoanAccount         = fault.Register(fault.ClassStructural, codespace, 8, "fill needs a loan account")
	ErrWrongLoanAccount           = fault.Register(fault.ClassStructural, codespace, 9, "loan account does not match the fill")
	ErrWrongAdapter               = fault.Register(fault.ClassStructural, codespace, 10, "event adapter does not match the order")
	ErrMissingEventAccounts       = fault.Register(fault.ClassStructural, codespace, 11, "not enough event accounts for the events consumed")
	ErrWrongClaimAccount          = fault.Register(fault.ClassStructural, codespace, 12, "margin user does not belong to the margin account")
	ErrUnknownMarket              = fault.Register(fault.ClassStructural, codespace, 13, "unknown market")
	ErrUserNotInMarket            = fault.Register(fault.ClassStructural, codespace, 14, "margin user is not registered in the market")
	ErrUnknownLoan                = fault.Register(fault.ClassStructural, codespace, 15, "unknown term loan")
	ErrUnknownTicket              = fault.Register(fault.ClassStructural, codespace, 16, "unknown split ticket")
	ErrWrongTicketOwner           = fault.Register(fault.ClassStructural, codespace, 17, "split ticket belongs to another owner")
	ErrUnknownEventAdapter        = fault.Register(fault.ClassStructural, codespace, 18, "unknown event adapter")

	ErrMarginUserExists    = fault.Register(fault.ClassPolicy, codespace, 30, "margin user already registered")
	ErrWrongOrderSide      = fault.Register(fault.ClassPolicy, codespace, 31, "order side does not match the operation")
	ErrNotMatured          = fault.Register(fault.ClassPolicy, codespace, 32, "not matured yet")
	ErrNotAutoRoll         = fault.Register(fault.ClassPolicy, codespace, 33, "auto roll is not enabled")
	ErrRepayExceedsBalance = fault.Register(fault.ClassPolicy, codespace, 34, "repayment exceeds the loan balance")
	ErrUnknownOperation    = fault.Register(fault.ClassPolicy, codespace, 35, "unknown adapter operation")
	ErrEventAdapterExists  = fault.Register(fault.ClassPolicy, codespace, 36, "event adapter already registered")
	ErrInvalidMarketConfig = fault.Register(fault.ClassPolicy, codespace, 37, "invalid market configuration")
)
