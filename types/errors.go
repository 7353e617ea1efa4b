package types

import (
	"cosmossdk.io/errors"
)

// Module error codes
var (
	// Validation errors: bad input, no state change.
	ErrInvalidQuantity  = errors.Register("exchange", 1, "invalid quantity")
	ErrInvalidPrice     = errors.Register("exchange", 2, "invalid price")
	ErrInvalidSide      = errors.Register("exchange", 3, "invalid order side")
	ErrInvalidOrderType = errors.Register("exchange", 4, "invalid order type")
	ErrUnknownSymbol    = errors.Register("exchange", 5, "unknown trading pair")
	ErrPairInactive     = errors.Register("exchange", 6, "trading pair is inactive")
	ErrQtyBelowMin      = errors.Register("exchange", 7, "quantity below pair minimum")
	ErrQtyAboveMax      = errors.Register("exchange", 8, "quantity above pair maximum")
	ErrQtyPrecision     = errors.Register("exchange", 9, "quantity exceeds pair precision")
	ErrPricePrecision   = errors.Register("exchange", 10, "price exceeds pair precision")

	// Ledger errors.
	ErrInsufficientFunds = errors.Register("exchange", 20, "insufficient available balance")
	ErrAssetNotFound     = errors.Register("exchange", 21, "asset record not found")

	// Order lifecycle errors.
	ErrOrderNotFound          = errors.Register("exchange", 30, "order not found")
	ErrNotOrderOwner          = errors.Register("exchange", 31, "order belongs to another user")
	ErrInvalidStateTransition = errors.Register("exchange", 32, "invalid order state transition")

	// InconsistentState marks an invariant breach. It is fatal for the
	// affected symbol: the engine halts and requires operator action.
	ErrInconsistentState = errors.Register("exchange", 40, "inconsistent engine state")
	ErrEngineHalted      = errors.Register("exchange", 41, "matching engine halted for symbol")

	// Operational errors.
	ErrCancelled            = errors.Register("exchange", 50, "operation cancelled")
	ErrNotReady             = errors.Register("exchange", 52, "exchange core not ready")
	ErrDuplicateTradingPair = errors.Register("exchange", 53, "trading pair already exists")
)
