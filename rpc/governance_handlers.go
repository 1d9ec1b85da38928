package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kellymusk/Aframp-backend/native/escrow"
)

type govInitializeParams struct {
	Admin           string `json:"admin"`
	FeeRateBps      uint32 `json:"feeRateBps"`
	FeeTreasury     string `json:"feeTreasury"`
	DisputeResolver string `json:"disputeResolver"`
}

type govSetAdminParams struct {
	NewAdmin string     `json:"newAdmin"`
	Auth     authParams `json:"auth"`
}

type govSetFeeRateParams struct {
	FeeRateBps uint32     `json:"feeRateBps"`
	Auth       authParams `json:"auth"`
}

type govSetTreasuryParams struct {
	Treasury string     `json:"treasury"`
	Auth     authParams `json:"auth"`
}

type govSetResolverParams struct {
	Resolver string     `json:"resolver"`
	Auth     authParams `json:"auth"`
}

type govPauseParams struct {
	Auth authParams `json:"auth"`
}

func (s *Server) handleGovernanceInitialize(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params govInitializeParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	admin, err := parseBech32Address(params.Admin)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "admin: "+err.Error())
		return
	}
	treasury, err := parseBech32Address(params.FeeTreasury)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "feeTreasury: "+err.Error())
		return
	}
	resolver, err := parseBech32Address(params.DisputeResolver)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "disputeResolver: "+err.Error())
		return
	}
	if params.FeeRateBps > escrow.MaxFeeRateBps {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", fmt.Sprintf("feeRateBps must be <= %d", escrow.MaxFeeRateBps))
		return
	}
	if err := s.node.InitializeGovernance(admin, params.FeeRateBps, treasury, resolver); err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleGovernanceInfo(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	gov, err := s.node.GetGovernance()
	if err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatGovernanceJSON(gov))
}

func (s *Server) handleGovernanceSetAdmin(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params govSetAdminParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	newAdmin, err := parseBech32Address(params.NewAdmin)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "newAdmin: "+err.Error())
		return
	}
	caller, authErr := s.verifyCaller(req.Method, params.Auth, params.NewAdmin)
	if authErr != nil {
		writeError(w, statusForAuthCode(authErr.Code), req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if err := s.node.SetAdmin(caller, newAdmin); err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleGovernanceSetFeeRate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params govSetFeeRateParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.FeeRateBps > escrow.MaxFeeRateBps {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", fmt.Sprintf("feeRateBps must be <= %d", escrow.MaxFeeRateBps))
		return
	}
	caller, authErr := s.verifyCaller(req.Method, params.Auth, strconv.FormatUint(uint64(params.FeeRateBps), 10))
	if authErr != nil {
		writeError(w, statusForAuthCode(authErr.Code), req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if err := s.node.SetFeeRate(caller, params.FeeRateBps); err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleGovernanceSetFeeTreasury(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params govSetTreasuryParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	treasury, err := parseBech32Address(params.Treasury)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "treasury: "+err.Error())
		return
	}
	caller, authErr := s.verifyCaller(req.Method, params.Auth, params.Treasury)
	if authErr != nil {
		writeError(w, statusForAuthCode(authErr.Code), req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if err := s.node.SetFeeTreasury(caller, treasury); err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleGovernanceSetDisputeResolver(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params govSetResolverParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	resolver, err := parseBech32Address(params.Resolver)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "resolver: "+err.Error())
		return
	}
	caller, authErr := s.verifyCaller(req.Method, params.Auth, params.Resolver)
	if authErr != nil {
		writeError(w, statusForAuthCode(authErr.Code), req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if err := s.node.SetDisputeResolver(caller, resolver); err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleGovernancePause(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handlePauseToggle(w, r, req, s.node.Pause)
}

func (s *Server) handleGovernanceUnpause(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handlePauseToggle(w, r, req, s.node.Unpause)
}

func (s *Server) handlePauseToggle(w http.ResponseWriter, _ *http.Request, req *RPCRequest, fn func([20]byte) error) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params govPauseParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, authErr := s.verifyCaller(req.Method, params.Auth)
	if authErr != nil {
		writeError(w, statusForAuthCode(authErr.Code), req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if err := fn(caller); err != nil {
		s.writeNodeError(w, req, err)
		return
	}
	writeResult(w, req.ID, "ok")
}
