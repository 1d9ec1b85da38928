package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestPaystack(t *testing.T, handler http.Handler) (*PaystackProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	provider := NewPaystackProvider("sk_test_secret", srv.URL, 5*time.Second, 3)
	provider.backoffBase = time.Millisecond
	return provider, srv
}

func TestPaystackInitializePayment(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]interface{}
	provider, _ := newTestPaystack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/transaction/initialize" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  true,
			"message": "Authorization URL created",
			"data": map[string]string{
				"authorization_url": "https://checkout.paystack.com/abc123",
				"access_code":       "abc123",
				"reference":         "ref-1",
			},
		})
	}))

	result, err := provider.InitializePayment(context.Background(), InitializePaymentRequest{
		Email:     "buyer@example.com",
		Amount:    "500000",
		Currency:  "NGN",
		Reference: "ref-1",
		Metadata:  map[string]string{"orderId": "7"},
	})
	if err != nil {
		t.Fatalf("InitializePayment: %v", err)
	}
	if result.AuthorizationURL != "https://checkout.paystack.com/abc123" {
		t.Fatalf("unexpected authorization url %q", result.AuthorizationURL)
	}
	if result.AccessCode != "abc123" || result.Reference != "ref-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gotAuth != "Bearer sk_test_secret" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotPayload["email"] != "buyer@example.com" || gotPayload["amount"] != "500000" || gotPayload["currency"] != "NGN" {
		t.Fatalf("unexpected payload: %+v", gotPayload)
	}
}

func TestPaystackRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	provider, _ := newTestPaystack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": true,
			"data": map[string]interface{}{
				"amount":   500000,
				"currency": "NGN",
				"status":   "success",
				"channel":  "card",
			},
		})
	}))

	verification, err := provider.VerifyPayment(context.Background(), "ref-2")
	if err != nil {
		t.Fatalf("VerifyPayment after retries: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if !verification.Paid() {
		t.Fatalf("expected paid charge, got status %q", verification.Status)
	}
	if verification.Amount != 500000 || verification.Currency != "NGN" {
		t.Fatalf("unexpected verification: %+v", verification)
	}
}

func TestPaystackDoesNotRetryAPIFailures(t *testing.T) {
	var calls atomic.Int32
	provider, _ := newTestPaystack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  false,
			"message": "Invalid amount",
		})
	}))

	_, err := provider.InitializePayment(context.Background(), InitializePaymentRequest{
		Email:     "buyer@example.com",
		Amount:    "-1",
		Currency:  "NGN",
		Reference: "ref-3",
	})
	if err == nil {
		t.Fatal("expected error for rejected initialize")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt for a rejected request, got %d", got)
	}
}

func TestPaystackRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	provider, _ := newTestPaystack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := provider.VerifyPayment(context.Background(), "ref-4")
	if err == nil {
		t.Fatal("expected error after retries are spent")
	}
	if got := calls.Load(); got != 4 {
		t.Fatalf("expected initial attempt plus 3 retries, got %d", got)
	}
}

func TestPaystackValidateWebhook(t *testing.T) {
	provider := NewPaystackProvider("sk_test_secret", "https://api.paystack.co", 0, 0)
	body := []byte(`{"event":"charge.success","data":{"reference":"ref-5"}}`)

	mac := hmac.New(sha512.New, []byte("sk_test_secret"))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	if !provider.ValidateWebhook(body, signature) {
		t.Fatal("expected valid signature to pass")
	}
	if provider.ValidateWebhook(append(body, '!'), signature) {
		t.Fatal("tampered body must fail validation")
	}
	if provider.ValidateWebhook(body, "") {
		t.Fatal("empty signature must fail validation")
	}
	if provider.ValidateWebhook(body, "deadbeef") {
		t.Fatal("wrong signature must fail validation")
	}
}
