package rpc

import (
	"errors"
	"net/http"

	"github.com/kellymusk/Aframp-backend/native/common"
	"github.com/kellymusk/Aframp-backend/native/escrow"
	"github.com/kellymusk/Aframp-backend/native/token"
	"github.com/kellymusk/Aframp-backend/observability"
)

// classifyNodeError maps the engine's sentinel set onto HTTP status, RPC code
// and wire message. Unknown errors fall through to internal_error so new
// sentinels fail loudly instead of leaking a misleading code.
func classifyNodeError(err error) (int, int, string) {
	switch {
	case errors.Is(err, escrow.ErrOrderNotFound) || errors.Is(err, token.ErrAssetNotFound):
		return http.StatusNotFound, codeNotFound, "not_found"
	case errors.Is(err, escrow.ErrUnauthorized) || errors.Is(err, token.ErrUnauthorized):
		return http.StatusForbidden, codeForbidden, "forbidden"
	case errors.Is(err, escrow.ErrInvalidOrderStatus) || errors.Is(err, escrow.ErrAlreadyInitialized) ||
		errors.Is(err, escrow.ErrNotInitialized) || errors.Is(err, escrow.ErrInvalidFeeRate) ||
		errors.Is(err, token.ErrAssetExists):
		return http.StatusConflict, codeInvalidState, "invalid_state"
	case errors.Is(err, escrow.ErrContractPaused) || errors.Is(err, escrow.ErrOrderExpired) ||
		errors.Is(err, escrow.ErrCannotAcceptOwnOrder):
		return http.StatusConflict, codeRejected, "rejected"
	case errors.Is(err, common.ErrQuotaOrdersExceeded) || errors.Is(err, common.ErrQuotaAmountExceeded):
		return http.StatusTooManyRequests, codeRejected, "quota_exceeded"
	case errors.Is(err, escrow.ErrTransferFailed) || errors.Is(err, token.ErrInsufficientBalance):
		return http.StatusConflict, codeTransferFailed, "transfer_failed"
	case errors.Is(err, token.ErrInvalidAmount):
		return http.StatusBadRequest, codeInvalidParams, "invalid_params"
	default:
		return http.StatusInternalServerError, codeServerError, "internal_error"
	}
}

func (s *Server) writeNodeError(w http.ResponseWriter, req *RPCRequest, err error) {
	if err == nil {
		return
	}
	status, code, message := classifyNodeError(err)
	observability.ModuleMetrics().ObserveError(req.Method, code)
	writeError(w, status, req.ID, code, message, err.Error())
}
