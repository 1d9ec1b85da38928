package escrow

import "errors"

// The engine's failure modes form a closed set. Every operation returns nil
// or exactly one of these sentinels (optionally wrapped with the underlying
// cause), so callers branch with errors.Is rather than string matching.
var (
	ErrAlreadyInitialized   = errors.New("escrow: already initialized")
	ErrNotInitialized       = errors.New("escrow: not initialized")
	ErrUnauthorized         = errors.New("escrow: unauthorized")
	ErrInvalidFeeRate       = errors.New("escrow: invalid fee rate")
	ErrContractPaused       = errors.New("escrow: contract paused")
	ErrOrderNotFound        = errors.New("escrow: order not found")
	ErrInvalidOrderStatus   = errors.New("escrow: invalid order status")
	ErrOrderExpired         = errors.New("escrow: order expired")
	ErrCannotAcceptOwnOrder = errors.New("escrow: cannot accept own order")
	ErrTransferFailed       = errors.New("escrow: transfer failed")
)

// Wiring errors indicate a misconfigured engine, not a rejected call.
var (
	errNilState  = errors.New("escrow engine: state not configured")
	errNilLedger = errors.New("escrow engine: ledger not configured")
	errNilAuth   = errors.New("escrow engine: auth oracle not configured")
)
