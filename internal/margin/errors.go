package margin

import "MarginLedger/internal/fault"

const codespace = "margin"

// Error codes start at 135_000 so they stay stable across clients.
var (
	ErrNoAdapterResult           = fault.Register(fault.ClassStructural, codespace, 135_000, "adapter did not write a result")
	ErrWrongProgramAdapterResult = fault.Register(fault.ClassStructural, codespace, 135_001, "adapter result written by a different program")
	ErrUnauthorizedInvocation    = fault.Register(fault.ClassPolicy, codespace, 135_002, "invocation not permitted")
	ErrIndirectInvocation        = fault.Register(fault.ClassStructural, codespace, 135_003, "adapter result must be written by a direct invocation")

	ErrMaxPositions              = fault.Register(fault.ClassPolicy, codespace, 135_010, "account cannot hold more positions")
	ErrUnknownPosition           = fault.Register(fault.ClassStructural, codespace, 135_011, "position not found")
	ErrCloseNonZeroPosition      = fault.Register(fault.ClassPolicy, codespace, 135_012, "position balance must be zero to close")
	ErrPositionAlreadyRegistered = fault.Register(fault.ClassPolicy, codespace, 135_013, "position already registered")
	ErrAccountNotEmpty           = fault.Register(fault.ClassPolicy, codespace, 135_014, "account still holds positions")
	ErrPositionNotRegistered     = fault.Register(fault.ClassStructural, codespace, 135_015, "position not registered")
	ErrCloseRequiredPosition     = fault.Register(fault.ClassPolicy, codespace, 135_016, "position is required by an adapter")
	ErrInvalidPositionOwner      = fault.Register(fault.ClassStructural, codespace, 135_017, "position owner does not match token configuration")
	ErrPositionNotRegisterable   = fault.Register(fault.ClassStructural, codespace, 135_018, "token is not configured for this airspace")

	ErrInvalidPositionAdapter = fault.Register(fault.ClassStructural, codespace, 135_020, "adapter may not change this position")
	ErrOutdatedPrice          = fault.Register(fault.ClassStaleness, codespace, 135_021, "position price is outdated")
	ErrInvalidPrice           = fault.Register(fault.ClassPolicy, codespace, 135_022, "position price is invalid")
	ErrOutdatedBalance        = fault.Register(fault.ClassStaleness, codespace, 135_023, "position balance is outdated")

	ErrUnhealthy      = fault.Register(fault.ClassPolicy, codespace, 135_030, "account is unhealthy")
	ErrHealthy        = fault.Register(fault.ClassPolicy, codespace, 135_031, "account is healthy")
	ErrLiquidating    = fault.Register(fault.ClassPolicy, codespace, 135_032, "account is being liquidated")
	ErrNotLiquidating = fault.Register(fault.ClassPolicy, codespace, 135_033, "account is not being liquidated")
	ErrStalePositions = fault.Register(fault.ClassStaleness, codespace, 135_034, "account has stale positions")

	ErrUnauthorizedLiquidator   = fault.Register(fault.ClassPolicy, codespace, 135_040, "caller is not the liquidator")
	ErrLiquidationLostValue     = fault.Register(fault.ClassPolicy, codespace, 135_041, "liquidation lost too much equity")
	ErrLiquidationOverExtracted = fault.Register(fault.ClassPolicy, codespace, 135_042, "liquidation left the account over-collateralized")

	ErrUnauthorizedOwner = fault.Register(fault.ClassStructural, codespace, 135_050, "signer does not own the account")
	ErrUnknownAdapter    = fault.Register(fault.ClassStructural, codespace, 135_051, "adapter not registered in airspace")
	ErrUnknownLiquidator = fault.Register(fault.ClassStructural, codespace, 135_052, "liquidator not permitted in airspace")
	ErrWrongAirspace     = fault.Register(fault.ClassStructural, codespace, 135_053, "account belongs to a different airspace")
)
