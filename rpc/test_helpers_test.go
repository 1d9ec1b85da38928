package rpc

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/kellymusk/Aframp-backend/core"
	"github.com/kellymusk/Aframp-backend/crypto"
	"github.com/kellymusk/Aframp-backend/storage"
)

const (
	testOperatorToken = "rpc-test-operator-token"
	testNow           = uint64(1_700_000_000)
	testAsset         = "AFRI"
	testSellerFunds   = 10_000
)

type testEnv struct {
	server *Server
	node   *core.Node

	adminKey    *crypto.PrivateKey
	treasuryKey *crypto.PrivateKey
	resolverKey *crypto.PrivateKey
	sellerKey   *crypto.PrivateKey
	buyerKey    *crypto.PrivateKey
}

func testKey(t testing.TB) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func keyAddr(key *crypto.PrivateKey) [20]byte {
	var out [20]byte
	copy(out[:], key.PubKey().Address().Bytes())
	return out
}

func newEnvKeys(t testing.TB) *testEnv {
	t.Helper()
	return &testEnv{
		adminKey:    testKey(t),
		treasuryKey: testKey(t),
		resolverKey: testKey(t),
		sellerKey:   testKey(t),
		buyerKey:    testKey(t),
	}
}

func (env *testEnv) genesis() *core.Genesis {
	return &core.Genesis{
		Admin:           keyAddr(env.adminKey),
		FeeRateBps:      50,
		FeeTreasury:     keyAddr(env.treasuryKey),
		DisputeResolver: keyAddr(env.resolverKey),
		Assets: []core.GenesisAsset{
			{
				Symbol:   testAsset,
				Name:     "Aframp Settlement Token",
				Decimals: 6,
				Balances: []core.GenesisBalance{
					{Address: keyAddr(env.sellerKey), Amount: big.NewInt(testSellerFunds)},
				},
			},
		},
	}
}

func (env *testEnv) attachServer(t testing.TB, genesis *core.Genesis, cfg ServerConfig) {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	node, err := core.NewNode(db, core.NodeConfig{Genesis: genesis, Logger: logger})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.SetNowFunc(func() uint64 { return testNow })
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	if cfg.OperatorToken == "" {
		cfg.OperatorToken = testOperatorToken
	}
	env.node = node
	env.server = NewServer(node, cfg)
}

// newTestEnv boots a node with governance and a funded seller behind a fresh
// server.
func newTestEnv(t testing.TB) *testEnv {
	t.Helper()
	env := newEnvKeys(t)
	env.attachServer(t, env.genesis(), ServerConfig{})
	return env
}

// newBareEnv boots a node with no governance so initialization paths can be
// exercised end to end.
func newBareEnv(t testing.TB) *testEnv {
	t.Helper()
	env := newEnvKeys(t)
	env.attachServer(t, nil, ServerConfig{})
	return env
}

func (env *testEnv) newRequest() *http.Request {
	return httptest.NewRequest(http.MethodPost, "/", nil)
}

func (env *testEnv) operatorRequest() *http.Request {
	r := env.newRequest()
	r.Header.Set("Authorization", "Bearer "+testOperatorToken)
	return r
}

// signAuth builds the caller envelope for a method using the same digest the
// server reconstructs from the wire fields.
func signAuth(t testing.TB, key *crypto.PrivateKey, method string, nonce uint64, fields ...string) authParams {
	t.Helper()
	digest := authDigest(method, nonce, fields...)
	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}
	return authParams{
		Principal: key.PubKey().Address().String(),
		Nonce:     nonce,
		Signature: "0x" + hex.EncodeToString(sig),
	}
}

func marshalParam(t testing.TB, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return raw
}

func decodeRPCResponse(t testing.TB, rec *httptest.ResponseRecorder) (json.RawMessage, *RPCError) {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.Result, resp.Error
}

func decodeResult(t testing.TB, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	result, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr != nil {
		t.Fatalf("unexpected rpc error: code=%d message=%s data=%v", rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	if err := json.Unmarshal(result, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

// createOrderVia lists a standard order through the create handler and
// returns its wire form.
func (env *testEnv) createOrderVia(t testing.TB, nonce uint64) orderJSON {
	t.Helper()
	params := orderCreateParams{
		Asset:         testAsset,
		Amount:        "1000",
		FiatCurrency:  "NGN",
		FiatAmount:    "1500000",
		Rate:          "1500",
		ExpiresAt:     testNow + 3600,
		PaymentMethod: "bank_transfer",
	}
	params.Auth = signAuth(t, env.sellerKey, "escrow_createOrder", nonce,
		params.Asset, params.Amount, params.FiatCurrency, params.FiatAmount,
		params.Rate, strconv.FormatUint(params.ExpiresAt, 10), params.PaymentMethod)
	req := &RPCRequest{Method: "escrow_createOrder", ID: 1, Params: []json.RawMessage{marshalParam(t, params)}}
	rec := httptest.NewRecorder()
	env.server.handleOrderCreate(rec, env.newRequest(), req)
	var order orderJSON
	decodeResult(t, rec, &order)
	return order
}

// transitionOrder drives a single id+auth transition handler and returns the
// decoded error, nil on success.
func (env *testEnv) transitionOrder(t testing.TB, method string, id uint64, key *crypto.PrivateKey, nonce uint64) *RPCError {
	t.Helper()
	params := orderActionParams{ID: id}
	params.Auth = signAuth(t, key, method, nonce, strconv.FormatUint(id, 10))
	req := &RPCRequest{Method: method, ID: 9, Params: []json.RawMessage{marshalParam(t, params)}}
	rec := httptest.NewRecorder()
	var fn func(uint64, [20]byte) error
	switch method {
	case "escrow_acceptOrder":
		fn = env.node.AcceptOrder
	case "escrow_confirmPaymentSent":
		fn = env.node.ConfirmPaymentSent
	case "escrow_releaseOrder":
		fn = env.node.ReleaseOrder
	case "escrow_raiseDispute":
		fn = env.node.RaiseDispute
	case "escrow_cancelOrder":
		fn = env.node.CancelOrder
	default:
		t.Fatalf("unknown transition method %s", method)
	}
	env.server.handleOrderTransition(rec, env.newRequest(), req, fn)
	_, rpcErr := decodeRPCResponse(t, rec)
	return rpcErr
}
