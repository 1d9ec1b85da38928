package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultPaystackBaseURL = "https://api.paystack.co"
	defaultPaystackTimeout = 30 * time.Second
	defaultPaystackRetries = 3
)

// Charge statuses as normalized from provider responses.
const (
	ChargeStatusSuccess  = "success"
	ChargeStatusPending  = "pending"
	ChargeStatusFailed   = "failed"
	ChargeStatusReversed = "reversed"
)

// InitializePaymentRequest starts a hosted checkout for one payment intent.
// Amount is in the smallest unit of the fiat currency.
type InitializePaymentRequest struct {
	Email       string
	Amount      string
	Currency    string
	Reference   string
	CallbackURL string
	Metadata    map[string]string
}

// InitializedPayment carries the checkout handle the buyer is redirected to.
type InitializedPayment struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// ChargeVerification is the provider's authoritative view of a charge.
type ChargeVerification struct {
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	Channel         string `json:"channel"`
	PaidAt          string `json:"paid_at,omitempty"`
	GatewayResponse string `json:"gateway_response,omitempty"`
}

// Paid reports whether the charge settled.
func (v *ChargeVerification) Paid() bool {
	return v != nil && strings.EqualFold(v.Status, ChargeStatusSuccess)
}

// PaymentProvider abstracts the fiat processor behind the paygate.
type PaymentProvider interface {
	Name() string
	InitializePayment(ctx context.Context, req InitializePaymentRequest) (*InitializedPayment, error)
	VerifyPayment(ctx context.Context, reference string) (*ChargeVerification, error)
	ValidateWebhook(payload []byte, signature string) bool
}

// PaystackProvider implements PaymentProvider against the Paystack REST API.
type PaystackProvider struct {
	baseURL     string
	secret      string
	http        *http.Client
	maxRetries  int
	backoffBase time.Duration
}

func NewPaystackProvider(secret, baseURL string, timeout time.Duration, maxRetries int) *PaystackProvider {
	if baseURL == "" {
		baseURL = defaultPaystackBaseURL
	}
	if timeout <= 0 {
		timeout = defaultPaystackTimeout
	}
	if maxRetries < 0 {
		maxRetries = defaultPaystackRetries
	}
	return &PaystackProvider{
		baseURL:     strings.TrimRight(baseURL, "/"),
		secret:      secret,
		http:        &http.Client{Timeout: timeout},
		maxRetries:  maxRetries,
		backoffBase: 2 * time.Second,
	}
}

func (p *PaystackProvider) Name() string {
	return "paystack"
}

// paystackEnvelope is the wrapper every Paystack response arrives in.
type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (p *PaystackProvider) InitializePayment(ctx context.Context, req InitializePaymentRequest) (*InitializedPayment, error) {
	payload := map[string]interface{}{
		"email":     req.Email,
		"amount":    req.Amount,
		"currency":  req.Currency,
		"reference": req.Reference,
	}
	if req.CallbackURL != "" {
		payload["callback_url"] = req.CallbackURL
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var result InitializedPayment
	if err := p.doRequest(ctx, http.MethodPost, "/transaction/initialize", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *PaystackProvider) VerifyPayment(ctx context.Context, reference string) (*ChargeVerification, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, fmt.Errorf("reference required")
	}
	var result ChargeVerification
	if err := p.doRequest(ctx, http.MethodGet, "/transaction/verify/"+reference, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ValidateWebhook checks the HMAC-SHA512 signature Paystack sends with every
// webhook against the raw request body.
func (p *PaystackProvider) ValidateWebhook(payload []byte, signature string) bool {
	trimmed := strings.TrimSpace(signature)
	if trimmed == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(p.secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(trimmed)))
}

// doRequest issues one API call, retrying rate limits and server errors with
// exponential backoff before giving up.
func (p *PaystackProvider) doRequest(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * p.backoffBase
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		retryable, err := p.attempt(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return fmt.Errorf("paystack %s %s: retries exhausted: %w", method, path, lastErr)
}

func (p *PaystackProvider) attempt(ctx context.Context, method, path string, body []byte, out interface{}) (bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+p.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return true, fmt.Errorf("paystack %s %s: status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}
	var envelope paystackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return false, fmt.Errorf("paystack %s %s: decode response: %w", method, path, err)
	}
	if !envelope.Status {
		return false, fmt.Errorf("paystack %s %s: %s", method, path, envelope.Message)
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("paystack %s %s: status=%d", method, path, resp.StatusCode)
	}
	if out == nil {
		return false, nil
	}
	if len(envelope.Data) == 0 {
		return false, fmt.Errorf("paystack %s %s: empty data", method, path)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return false, fmt.Errorf("paystack %s %s: decode data: %w", method, path, err)
	}
	return false, nil
}
