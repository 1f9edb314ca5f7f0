package orderbook

import "MarginLedger/internal/fault"

const codespace = "orderbook"

var (
	ErrInvalidOrder     = fault.Register(fault.ClassPolicy, codespace, 1, "order has no quantity or price")
	ErrPostOnlyCrosses  = fault.Register(fault.ClassPolicy, codespace, 2, "post-only order would match")
	ErrOrderNotFound    = fault.Register(fault.ClassStructural, codespace, 3, "order not found")
	ErrWrongOrderOwner  = fault.Register(fault.ClassStructural, codespace, 4, "order belongs to another owner")
	ErrEventQueueFull   = fault.Register(fault.ClassPolicy, codespace, 5, "event queue is full")
	ErrEventOutOfRange  = fault.Register(fault.ClassStructural, codespace, 6, "event index beyond queue length")
	ErrDuplicateOrderID = fault.Register(fault.ClassStructural, codespace, 7, "order id already resting")

	ErrInvalidQueueCapacity = fault.Register(fault.ClassStructural, codespace, 8, "event queue capacity must be positive")
)
