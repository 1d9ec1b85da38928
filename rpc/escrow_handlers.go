package rpc

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/kellymusk/Aframp-backend/crypto"
	"github.com/kellymusk/Aframp-backend/native/escrow"
)

type orderCreateParams struct {
	Asset         string     `json:"asset"`
	Amount        string     `json:"amount"`
	FiatCurrency  string     `json:"fiatCurrency"`
	FiatAmount    string     `json:"fiatAmount"`
	Rate          string     `json:"rate"`
	ExpiresAt     uint64     `json:"expiresAt"`
	PaymentMethod string     `json:"paymentMethod"`
	Auth          authParams `json:"auth"`
}

type orderIDParams struct {
	ID uint64 `json:"id"`
}

type orderActionParams struct {
	ID   uint64     `json:"id"`
	Auth authParams `json:"auth"`
}

type orderResolveParams struct {
	ID      uint64     `json:"id"`
	Outcome string     `json:"outcome"`
	Auth    authParams `json:"auth"`
}

type orderListParams struct {
	Address string `json:"address"`
}

type orderListResult struct {
	Address string   `json:"address"`
	Orders  []uint64 `json:"orders"`
}

type orderCustodyResult struct {
	ID      uint64 `json:"id"`
	Custody string `json:"custody"`
}

type vaultAddressParams struct {
	Asset string `json:"asset"`
}

type vaultAddressResult struct {
	Asset string `json:"asset"`
	Vault string `json:"vault"`
}

func (s *Server) handleOrderCreate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params orderCreateParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if strings.TrimSpace(params.Asset) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "asset required")
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if strings.TrimSpace(params.FiatCurrency) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "fiatCurrency required")
		return
	}
	fiatAmount, err := parsePositiveBigInt(params.FiatAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "fiatAmount: "+err.Error())
		return
	}
	rate, err := parsePositiveBigInt(params.Rate)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "rate: "+err.Error())
		return
	}
	if params.ExpiresAt == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "expiresAt required")
		return
	}
	if strings.TrimSpace(params.PaymentMethod) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "paymentMethod required")
		return
	}
	caller, authErr := s.verifyCaller(req.Method, params.Auth,
		params.Asset, params.Amount, params.FiatCurrency, params.FiatAmount,
		params.Rate, strconv.FormatUint(params.ExpiresAt, 10), params.PaymentMethod)
	if authErr != nil {
		writeError(w, statusForAuthCode(authErr.Code), req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	order, err := s.node.CreateOrder(caller, params.Asset, amount, params.FiatCurrency, fiatAmount, rate, params.ExpiresAt, params.PaymentMethod)
	if err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatOrderJSON(order))
}

func (s *Server) handleOrderGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params orderIDParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.ID == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "id must be greater than zero")
		return
	}
	order, err := s.node.GetOrder(params.ID)
	if err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatOrderJSON(order))
}

// handleOrderTransition serves every status transition that takes only an
// order id and the proven caller.
func (s *Server) handleOrderTransition(w http.ResponseWriter, _ *http.Request, req *RPCRequest, fn func(uint64, [20]byte) error) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params orderActionParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.ID == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "id must be greater than zero")
		return
	}
	caller, authErr := s.verifyCaller(req.Method, params.Auth, strconv.FormatUint(params.ID, 10))
	if authErr != nil {
		writeError(w, statusForAuthCode(authErr.Code), req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if err := fn(params.ID, caller); err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleOrderResolve(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params orderResolveParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.ID == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "id must be greater than zero")
		return
	}
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(params.Outcome)), "-", "_")
	if normalized != escrow.OutcomeFavorBuyer && normalized != escrow.OutcomeFavorSeller {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "outcome must be favor_buyer or favor_seller")
		return
	}
	caller, authErr := s.verifyCaller(req.Method, params.Auth, strconv.FormatUint(params.ID, 10), params.Outcome)
	if authErr != nil {
		writeError(w, statusForAuthCode(authErr.Code), req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if err := s.node.ResolveDispute(params.ID, caller, params.Outcome); err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleOrderList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params orderListParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	ids, err := s.node.UserOrders(addr)
	if err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	writeResult(w, req.ID, orderListResult{
		Address: crypto.MustNewAddress(crypto.AframpPrefix, addr[:]).String(),
		Orders:  ids,
	})
}

func (s *Server) handleOrderCustody(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params orderIDParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.ID == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "id must be greater than zero")
		return
	}
	custody, err := s.node.OrderCustody(params.ID)
	if err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, orderCustodyResult{ID: params.ID, Custody: formatAmount(custody)})
}

func (s *Server) handleVaultAddress(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params vaultAddressParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	asset := strings.ToUpper(strings.TrimSpace(params.Asset))
	if asset == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "asset required")
		return
	}
	vault, err := s.node.EscrowVaultAddress(asset)
	if err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, vaultAddressResult{
		Asset: asset,
		Vault: crypto.MustNewAddress(crypto.AframpPrefix, vault[:]).String(),
	})
}
