package rpc

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kellymusk/Aframp-backend/crypto"
)

type tokenRegisterParams struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
	Admin    string `json:"admin"`
}

type tokenMintParams struct {
	Symbol string     `json:"symbol"`
	To     string     `json:"to"`
	Amount string     `json:"amount"`
	Auth   authParams `json:"auth"`
}

type tokenBurnParams struct {
	Symbol string     `json:"symbol"`
	From   string     `json:"from"`
	Amount string     `json:"amount"`
	Auth   authParams `json:"auth"`
}

type tokenTransferParams struct {
	Asset  string     `json:"asset"`
	To     string     `json:"to"`
	Amount string     `json:"amount"`
	Auth   authParams `json:"auth"`
}

type tokenBalanceParams struct {
	Asset   string `json:"asset"`
	Address string `json:"address"`
}

type tokenBalanceResult struct {
	Asset   string `json:"asset"`
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type tokenAssetParams struct {
	Symbol string `json:"symbol"`
}

type tokenListResult struct {
	Assets []string `json:"assets"`
}

func (s *Server) handleTokenRegister(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params tokenRegisterParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if strings.TrimSpace(params.Symbol) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "symbol required")
		return
	}
	if strings.TrimSpace(params.Name) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "name required")
		return
	}
	admin, err := parseBech32Address(params.Admin)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "admin: "+err.Error())
		return
	}
	asset, err := s.node.TokenRegister(params.Symbol, params.Name, params.Decimals, admin)
	if err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatAssetJSON(asset))
}

func (s *Server) handleTokenMint(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params tokenMintParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	to, err := parseBech32Address(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "to: "+err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, authErr := s.verifyCaller(req.Method, params.Auth, params.Symbol, params.To, params.Amount)
	if authErr != nil {
		writeError(w, statusForAuthCode(authErr.Code), req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if err := s.node.TokenMint(params.Symbol, caller, to, amount); err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleTokenBurn(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params tokenBurnParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	from, err := parseBech32Address(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "from: "+err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, authErr := s.verifyCaller(req.Method, params.Auth, params.Symbol, params.From, params.Amount)
	if authErr != nil {
		writeError(w, statusForAuthCode(authErr.Code), req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if err := s.node.TokenBurn(params.Symbol, caller, from, amount); err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleTokenTransfer(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params tokenTransferParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	to, err := parseBech32Address(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "to: "+err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, authErr := s.verifyCaller(req.Method, params.Auth, params.Asset, params.To, params.Amount)
	if authErr != nil {
		writeError(w, statusForAuthCode(authErr.Code), req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if err := s.node.TokenTransfer(params.Asset, caller, to, amount); err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params tokenBalanceParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.node.TokenBalance(params.Asset, addr)
	if err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, tokenBalanceResult{
		Asset:   strings.ToUpper(strings.TrimSpace(params.Asset)),
		Address: crypto.MustNewAddress(crypto.AframpPrefix, addr[:]).String(),
		Balance: formatAmount(balance),
	})
}

func (s *Server) handleTokenAsset(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params tokenAssetParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	asset, err := s.node.TokenAsset(params.Symbol)
	if err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatAssetJSON(asset))
}

func (s *Server) handleTokenList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	symbols, err := s.node.TokenAssets()
	if err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	writeResult(w, req.ID, tokenListResult{Assets: symbols})
}
