package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/kellymusk/Aframp-backend/crypto"
)

// Node RPC error codes the paygate reacts to.
const (
	nodeCodeNotFound     = -32021
	nodeCodeInvalidState = -32022
)

// NodeClient is a thin JSON-RPC client used by the paygate.
type NodeClient interface {
	OrderGet(ctx context.Context, id uint64) (*NodeOrder, error)
	ConfirmPaymentSent(ctx context.Context, id uint64, env ConfirmEnvelope) error
	FetchEvents(ctx context.Context, afterSeq int64, limit int) ([]NodeEvent, int64, error)
}

// NodeOrder mirrors the JSON returned by the node for escrow_getOrder.
type NodeOrder struct {
	ID            uint64  `json:"id"`
	Seller        string  `json:"seller"`
	Buyer         *string `json:"buyer,omitempty"`
	Asset         string  `json:"asset"`
	Amount        string  `json:"amount"`
	FiatCurrency  string  `json:"fiatCurrency"`
	FiatAmount    string  `json:"fiatAmount"`
	Rate          string  `json:"rate"`
	Status        string  `json:"status"`
	CreatedAt     uint64  `json:"createdAt"`
	ExpiresAt     uint64  `json:"expiresAt"`
	PaymentMethod string  `json:"paymentMethod"`
}

// NodeEvent mirrors one entry of the events_since result.
type NodeEvent struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// ConfirmEnvelope is the buyer-signed authorization for
// escrow_confirmPaymentSent. The buyer signs it when the intent is created;
// the paygate submits it once the charge verifies.
type ConfirmEnvelope struct {
	Principal string `json:"principal"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

// ConfirmDigest derives the digest a buyer signs to authorize the payment
// confirmation for one order. The node recovers the signer from exactly this
// preimage, so the two derivations must stay in lockstep.
func ConfirmDigest(orderID, nonce uint64) []byte {
	preimage := strings.Join([]string{
		"escrow_confirmPaymentSent",
		strconv.FormatUint(nonce, 10),
		strconv.FormatUint(orderID, 10),
	}, "|")
	return ethcrypto.Keccak256([]byte(preimage))
}

// VerifyConfirmEnvelope checks a buyer envelope locally before the paygate
// accepts it. Rejecting a bad signature at intent creation beats finding out
// after the fiat charge has settled.
func VerifyConfirmEnvelope(orderID uint64, env ConfirmEnvelope) error {
	principal, err := crypto.DecodeAddress(strings.TrimSpace(env.Principal))
	if err != nil {
		return fmt.Errorf("principal: %w", err)
	}
	if principal.Prefix() != crypto.AframpPrefix {
		return fmt.Errorf("principal must carry the %q prefix", crypto.AframpPrefix)
	}
	if env.Nonce == 0 {
		return errors.New("nonce must be greater than zero")
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(env.Signature), "0x"), "0X")
	sig, err := hex.DecodeString(cleaned)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	recovered, err := crypto.RecoverAddress(ConfirmDigest(orderID, env.Nonce), sig)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	if !bytes.Equal(recovered.Bytes(), principal.Bytes()) {
		return errors.New("signature does not match principal")
	}
	return nil
}

// NodeRPCError carries the node's structured error so callers can branch on
// the code instead of parsing message text.
type NodeRPCError struct {
	Code    int
	Message string
	Data    string
}

func (e *NodeRPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("node rpc error %d: %s: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

// IsNodeInvalidState reports whether err is the node rejecting a transition
// from the order's current status.
func IsNodeInvalidState(err error) bool {
	var rpcErr *NodeRPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == nodeCodeInvalidState
}

// IsNodeNotFound reports whether err is the node missing the referenced order.
func IsNodeNotFound(err error) bool {
	var rpcErr *NodeRPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == nodeCodeNotFound
}

// RPCNodeClient implements NodeClient against the aframpd JSON-RPC server.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string) *RPCNodeClient {
	return &RPCNodeClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *RPCNodeClient) OrderGet(ctx context.Context, id uint64) (*NodeOrder, error) {
	var result NodeOrder
	params := []interface{}{map[string]interface{}{"id": id}}
	if err := c.call(ctx, "escrow_getOrder", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) ConfirmPaymentSent(ctx context.Context, id uint64, env ConfirmEnvelope) error {
	params := []interface{}{map[string]interface{}{
		"id": id,
		"auth": map[string]interface{}{
			"principal": env.Principal,
			"nonce":     env.Nonce,
			"signature": env.Signature,
		},
	}}
	return c.call(ctx, "escrow_confirmPaymentSent", params, nil)
}

type eventsSinceResult struct {
	Events         []NodeEvent `json:"events"`
	LatestSequence int64       `json:"latestSequence"`
}

func (c *RPCNodeClient) FetchEvents(ctx context.Context, afterSeq int64, limit int) ([]NodeEvent, int64, error) {
	params := map[string]interface{}{
		"after": afterSeq,
	}
	if limit > 0 {
		params["limit"] = limit
	}
	var result eventsSinceResult
	if err := c.call(ctx, "events_since", []interface{}{params}, &result); err != nil {
		return nil, 0, err
	}
	return result.Events, result.LatestSequence, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(raw))
		}
		return err
	}
	if rpcResp.Error != nil {
		return &NodeRPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
			Data:    strings.Trim(string(rpcResp.Error.Data), `"`),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
