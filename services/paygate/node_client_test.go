package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kellymusk/Aframp-backend/crypto"
)

type capturedRPC struct {
	Method string                   `json:"method"`
	Params []map[string]interface{} `json:"params"`
}

func newTestNodeClient(t *testing.T, handler http.HandlerFunc) *RPCNodeClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRPCNodeClient(srv.URL, "operator-token")
}

func TestNodeClientOrderGet(t *testing.T) {
	var captured capturedRPC
	var gotAuth string
	client := newTestNodeClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode rpc request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"result": map[string]interface{}{
				"id":            7,
				"seller":        "afr1seller",
				"buyer":         "afr1buyer",
				"asset":         "cNGN",
				"amount":        "1000000000000000000",
				"fiatCurrency":  "NGN",
				"fiatAmount":    "500000",
				"rate":          "500000",
				"status":        "locked",
				"createdAt":     1700000000,
				"expiresAt":     1700003600,
				"paymentMethod": "bank_transfer",
			},
		})
	})

	order, err := client.OrderGet(context.Background(), 7)
	if err != nil {
		t.Fatalf("OrderGet: %v", err)
	}
	if captured.Method != "escrow_getOrder" {
		t.Fatalf("expected escrow_getOrder, got %q", captured.Method)
	}
	if len(captured.Params) != 1 || captured.Params[0]["id"].(float64) != 7 {
		t.Fatalf("unexpected params: %+v", captured.Params)
	}
	if gotAuth != "Bearer operator-token" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	if order.ID != 7 || order.Status != "locked" || order.FiatAmount != "500000" {
		t.Fatalf("unexpected order: %+v", order)
	}
	if order.Buyer == nil || *order.Buyer != "afr1buyer" {
		t.Fatalf("expected buyer to survive decoding, got %+v", order.Buyer)
	}
}

func TestNodeClientConfirmPaymentSentEnvelope(t *testing.T) {
	var captured capturedRPC
	client := newTestNodeClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode rpc request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"result":  "ok",
		})
	})

	env := ConfirmEnvelope{Principal: "afr1buyer", Nonce: 42, Signature: "0xdeadbeef"}
	if err := client.ConfirmPaymentSent(context.Background(), 9, env); err != nil {
		t.Fatalf("ConfirmPaymentSent: %v", err)
	}
	if captured.Method != "escrow_confirmPaymentSent" {
		t.Fatalf("expected escrow_confirmPaymentSent, got %q", captured.Method)
	}
	auth, ok := captured.Params[0]["auth"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected nested auth envelope, got %+v", captured.Params[0])
	}
	if auth["principal"] != "afr1buyer" || auth["nonce"].(float64) != 42 || auth["signature"] != "0xdeadbeef" {
		t.Fatalf("unexpected auth envelope: %+v", auth)
	}
}

func TestNodeClientSurfacesTypedErrors(t *testing.T) {
	client := newTestNodeClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"error": map[string]interface{}{
				"code":    -32022,
				"message": "invalid_state",
				"data":    "order 9 is payment_sent",
			},
		})
	})

	err := client.ConfirmPaymentSent(context.Background(), 9, ConfirmEnvelope{Principal: "afr1buyer", Nonce: 1, Signature: "0x00"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsNodeInvalidState(err) {
		t.Fatalf("expected invalid_state classification, got %v", err)
	}
	if IsNodeNotFound(err) {
		t.Fatalf("error misclassified as not_found: %v", err)
	}
}

func TestNodeClientFetchEvents(t *testing.T) {
	var captured capturedRPC
	client := newTestNodeClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode rpc request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"result": map[string]interface{}{
				"events": []map[string]interface{}{
					{"sequence": 11, "type": "orders.created", "attributes": map[string]string{"orderId": "3"}},
					{"sequence": 12, "type": "orders.accepted", "attributes": map[string]string{"orderId": "3"}},
				},
				"latestSequence": 12,
			},
		})
	})

	events, latest, err := client.FetchEvents(context.Background(), 10, 50)
	if err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}
	if captured.Method != "events_since" {
		t.Fatalf("expected events_since, got %q", captured.Method)
	}
	if captured.Params[0]["after"].(float64) != 10 || captured.Params[0]["limit"].(float64) != 50 {
		t.Fatalf("unexpected params: %+v", captured.Params[0])
	}
	if len(events) != 2 || events[0].Sequence != 11 || events[1].Attributes["orderId"] != "3" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if latest != 12 {
		t.Fatalf("expected latest sequence 12, got %d", latest)
	}
}

func TestVerifyConfirmEnvelopeRoundtrip(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	principal := key.PubKey().Address().String()

	sig, err := key.Sign(ConfirmDigest(7, 42))
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}
	env := ConfirmEnvelope{Principal: principal, Nonce: 42, Signature: "0x" + hex.EncodeToString(sig)}

	if err := VerifyConfirmEnvelope(7, env); err != nil {
		t.Fatalf("expected valid envelope, got %v", err)
	}
	if err := VerifyConfirmEnvelope(8, env); err == nil {
		t.Fatal("envelope bound to order 7 must not verify for order 8")
	}

	other, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate second key: %v", err)
	}
	env.Principal = other.PubKey().Address().String()
	if err := VerifyConfirmEnvelope(7, env); err == nil {
		t.Fatal("envelope must not verify for a different principal")
	}
}
