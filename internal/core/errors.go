package core

import "MarginLedger/internal/fault"

const codespace = "core"

var (
	ErrUnknownAccount         = fault.Register(fault.ClassStructural, codespace, 1, "unknown margin account")
	ErrAccountExists          = fault.Register(fault.ClassStructural, codespace, 2, "margin account already exists")
	ErrSequenceGap            = fault.Register(fault.ClassStructural, codespace, 3, "source sequence gap")
	ErrOutOfOrder             = fault.Register(fault.ClassStructural, codespace, 4, "source sequence out of order")
	ErrNotDepositPosition     = fault.Register(fault.ClassStructural, codespace, 5, "position is not an owner-managed deposit")
	ErrUnknownMint            = fault.Register(fault.ClassStructural, codespace, 6, "mint is not configured")
	ErrUnsupportedInstruction = fault.Register(fault.ClassStructural, codespace, 7, "instruction not supported by core")
	ErrStateHashMismatch      = fault.Register(fault.ClassStructural, codespace, 8, "replayed state hash differs from the log")
	ErrReplaySequenceMismatch = fault.Register(fault.ClassStructural, codespace, 9, "replayed sequence differs from the log")
)
