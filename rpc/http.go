package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/kellymusk/Aframp-backend/core"
	"github.com/kellymusk/Aframp-backend/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	nonceSeenTTL    = 15 * time.Minute
	limiterIdleTTL  = 10 * time.Minute

	defaultRequestsPerMinute = 600
	defaultBurst             = 50
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
	codeNotFound       = -32021
	codeInvalidState   = -32022
	codeForbidden      = -32023
	codeRejected       = -32024
	codeTransferFailed = -32025
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ServerConfig carries the transport settings a Server needs beyond the node
// handle. The operator token gates bootstrap methods; leaving it empty
// disables them entirely.
type ServerConfig struct {
	OperatorToken     string
	RequestsPerMinute uint32
	Burst             uint32
	Logger            *slog.Logger
}

type Server struct {
	node   *core.Node
	logger *slog.Logger

	mu            sync.Mutex
	nonceSeen     map[string]time.Time
	limiters      map[string]*clientLimiter
	limit         rate.Limit
	burst         int
	operatorToken string

	mux     *http.ServeMux
	httpSrv *http.Server
}

func NewServer(node *core.Node, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rpm := cfg.RequestsPerMinute
	if rpm == 0 {
		rpm = defaultRequestsPerMinute
	}
	burst := int(cfg.Burst)
	if burst <= 0 {
		burst = defaultBurst
	}
	s := &Server{
		node:          node,
		logger:        logger,
		nonceSeen:     make(map[string]time.Time),
		limiters:      make(map[string]*clientLimiter),
		limit:         rate.Limit(float64(rpm) / 60.0),
		burst:         burst,
		operatorToken: strings.TrimSpace(cfg.OperatorToken),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	s.mux = mux
	return s
}

// Handler exposes the full route set so callers can mount the server on their
// own listener.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	return srv.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener started by Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	source := clientSource(r)
	if !s.allowSource(source, time.Now()) {
		observability.ModuleMetrics().ObserveThrottle(methodModule(req.Method))
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "request rate limit exceeded", source)
		return
	}

	started := time.Now()
	s.dispatch(w, r, req)
	observability.ModuleMetrics().ObserveRequest(req.Method, time.Since(started))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	switch req.Method {
	case "escrow_createOrder":
		s.handleOrderCreate(w, r, req)
	case "escrow_getOrder":
		s.handleOrderGet(w, r, req)
	case "escrow_acceptOrder":
		s.handleOrderTransition(w, r, req, s.node.AcceptOrder)
	case "escrow_confirmPaymentSent":
		s.handleOrderTransition(w, r, req, s.node.ConfirmPaymentSent)
	case "escrow_releaseOrder":
		s.handleOrderTransition(w, r, req, s.node.ReleaseOrder)
	case "escrow_raiseDispute":
		s.handleOrderTransition(w, r, req, s.node.RaiseDispute)
	case "escrow_resolveDispute":
		s.handleOrderResolve(w, r, req)
	case "escrow_cancelOrder":
		s.handleOrderTransition(w, r, req, s.node.CancelOrder)
	case "escrow_listOrders":
		s.handleOrderList(w, r, req)
	case "escrow_getCustody":
		s.handleOrderCustody(w, r, req)
	case "escrow_vaultAddress":
		s.handleVaultAddress(w, r, req)
	case "gov_initialize":
		if authErr := s.requireOperator(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleGovernanceInitialize(w, r, req)
	case "gov_info":
		s.handleGovernanceInfo(w, r, req)
	case "gov_setAdmin":
		s.handleGovernanceSetAdmin(w, r, req)
	case "gov_setFeeRate":
		s.handleGovernanceSetFeeRate(w, r, req)
	case "gov_setFeeTreasury":
		s.handleGovernanceSetFeeTreasury(w, r, req)
	case "gov_setDisputeResolver":
		s.handleGovernanceSetDisputeResolver(w, r, req)
	case "gov_pause":
		s.handleGovernancePause(w, r, req)
	case "gov_unpause":
		s.handleGovernanceUnpause(w, r, req)
	case "token_register":
		if authErr := s.requireOperator(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleTokenRegister(w, r, req)
	case "token_mint":
		s.handleTokenMint(w, r, req)
	case "token_burn":
		s.handleTokenBurn(w, r, req)
	case "token_transfer":
		s.handleTokenTransfer(w, r, req)
	case "token_balance":
		s.handleTokenBalance(w, r, req)
	case "token_asset":
		s.handleTokenAsset(w, r, req)
	case "token_list":
		s.handleTokenList(w, r, req)
	case "events_since":
		s.handleEventsSince(w, r, req)
	case "events_latest":
		s.handleEventsLatest(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"latestSequence": s.node.LatestSequence(),
	})
}

func (s *Server) requireOperator(r *http.Request) *RPCError {
	if s.operatorToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "operator token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.operatorToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid operator credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(s.limiters, key)
		}
	}
	entry, ok := s.limiters[source]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[source] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func methodModule(method string) string {
	module, _, ok := strings.Cut(method, "_")
	if !ok || module == "" {
		return "unknown"
	}
	return module
}
