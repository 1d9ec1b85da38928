package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	gatewayauth "github.com/kellymusk/Aframp-backend/gateway/auth"
	"github.com/kellymusk/Aframp-backend/gateway/middleware"
	"github.com/kellymusk/Aframp-backend/native/escrow"
	"github.com/kellymusk/Aframp-backend/native/token"
	"github.com/kellymusk/Aframp-backend/observability/logging"
)

const (
	headerIdempotencyKey     = "Idempotency-Key"
	headerPaystackSignature  = "X-Paystack-Signature"
	maxRequestBody           = 1 << 20
	nodeCallTimeout          = 15 * time.Second
	providerTimeoutPerCharge = 30 * time.Second
)

// subscribableEvents lists the node event types partners may register
// webhooks for.
var subscribableEvents = map[string]bool{
	escrow.EventTypeOrderCreated:     true,
	escrow.EventTypeOrderAccepted:    true,
	escrow.EventTypeOrderPaymentSent: true,
	escrow.EventTypeOrderReleased:    true,
	escrow.EventTypeOrderDisputed:    true,
	escrow.EventTypeOrderResolved:    true,
	escrow.EventTypeOrderCancelled:   true,
	token.EventTypeMinted:            true,
	token.EventTypeBurned:            true,
	token.EventTypeTransferred:       true,
}

// Server is the paygate HTTP surface: partner routes guarded by HMAC request
// signing, admin routes guarded by JWT scopes and the provider webhook
// guarded by the processor's own signature.
type Server struct {
	cfg           Config
	authenticator *gatewayauth.Authenticator
	node          NodeClient
	store         *SQLiteStore
	queue         *WebhookQueue
	provider      PaymentProvider
	exporter      *SettlementExporter
	jwt           *middleware.Authenticator
	limiter       *middleware.RateLimiter
	obs           *middleware.Observability
	logger        *slog.Logger
	nowFn         func() time.Time
}

func NewServer(cfg Config, auth *gatewayauth.Authenticator, node NodeClient, store *SQLiteStore, queue *WebhookQueue, provider PaymentProvider, exporter *SettlementExporter, logger *slog.Logger) *Server {
	if auth == nil {
		panic("authenticator required")
	}
	if node == nil {
		panic("node client required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if provider == nil {
		panic("payment provider required")
	}
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if logger == nil {
		logger = slog.Default()
	}
	jwtAuth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:  true,
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	}, logger)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"payments": {RequestsPerMinute: cfg.ClientRatePerMinute, Burst: cfg.ClientRateBurst},
	}, logger)
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   "aframp-paygate",
		MetricsPrefix: "aframp_paygate",
		LogRequests:   true,
		Enabled:       true,
	}, logger)
	return &Server{
		cfg:           cfg,
		authenticator: auth,
		node:          node,
		store:         store,
		queue:         queue,
		provider:      provider,
		exporter:      exporter,
		jwt:           jwtAuth,
		limiter:       limiter,
		obs:           obs,
		logger:        logger,
		nowFn:         time.Now,
	}
}

// Routes assembles the HTTP handler tree.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(middleware.CORSConfig{}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(client chi.Router) {
			client.Use(s.obs.Middleware("client"))
			client.Use(s.limiter.Middleware("payments"))
			client.Post("/payments/intents", s.handleCreateIntent)
			client.Get("/payments/intents/{reference}", s.handleGetIntent)
			client.Get("/orders/{id}", s.handleGetOrder)
		})
		v1.With(s.obs.Middleware("psp")).Post("/psp/webhook", s.handleProviderWebhook)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.obs.Middleware("admin"))
		admin.With(s.jwt.Middleware("webhooks:read")).Get("/webhooks", s.handleListWebhooks)
		admin.With(s.jwt.Middleware("webhooks:write")).Post("/webhooks", s.handleCreateWebhook)
		admin.With(s.jwt.Middleware("webhooks:write")).Delete("/webhooks/{id}", s.handleDeleteWebhook)
		admin.With(s.jwt.Middleware("intents:read")).Get("/intents", s.handleListIntents)
		admin.With(s.jwt.Middleware("recon:run")).Post("/recon/export", s.handleReconExport)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateIntentRequest opens a hosted fiat checkout for a locked order. The
// auth envelope is the buyer's signature over the payment confirmation the
// paygate will submit once the charge settles.
type CreateIntentRequest struct {
	OrderID uint64          `json:"orderId"`
	Email   string          `json:"email"`
	Auth    ConfirmEnvelope `json:"auth"`
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		s.writeAuthError(w, err)
		s.audit(r.Context(), principal, r, body, http.StatusUnauthorized, errorBody(err))
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		err := errors.New("missing Idempotency-Key header")
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errorBody(err))
		return
	}
	requestHash := hashRequest(r.Method, gatewayauth.CanonicalRequestPath(r), body)
	if cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash); cacheErr == nil && cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		s.audit(r.Context(), principal, r, body, cached.Status, cached.Body)
		return
	} else if cacheErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(cacheErr, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		s.writeError(w, status, cacheErr)
		s.audit(r.Context(), principal, r, body, status, errorBody(cacheErr))
		return
	}

	var req CreateIntentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		err = fmt.Errorf("invalid JSON payload: %w", err)
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errorBody(err))
		return
	}
	if validationErr := validateCreateIntent(req); validationErr != nil {
		s.writeError(w, http.StatusBadRequest, validationErr)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errorBody(validationErr))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	order, err := s.node.OrderGet(ctx, req.OrderID)
	if err != nil {
		status := http.StatusBadGateway
		if IsNodeNotFound(err) {
			status = http.StatusNotFound
		}
		s.writeError(w, status, err)
		s.audit(r.Context(), principal, r, body, status, errorBody(err))
		return
	}
	if order.Status != "locked" {
		err := fmt.Errorf("order %d is %s; intents require a locked order", order.ID, order.Status)
		s.writeError(w, http.StatusConflict, err)
		s.audit(r.Context(), principal, r, body, http.StatusConflict, errorBody(err))
		return
	}
	if order.Buyer == nil || !strings.EqualFold(*order.Buyer, strings.TrimSpace(req.Auth.Principal)) {
		err := errors.New("auth principal must be the order's buyer")
		s.writeError(w, http.StatusForbidden, err)
		s.audit(r.Context(), principal, r, body, http.StatusForbidden, errorBody(err))
		return
	}
	if err := VerifyConfirmEnvelope(req.OrderID, req.Auth); err != nil {
		err = fmt.Errorf("confirmation envelope: %w", err)
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errorBody(err))
		return
	}
	if existing, exErr := s.store.ActiveIntentForOrder(r.Context(), req.OrderID); exErr != nil {
		s.writeError(w, http.StatusInternalServerError, exErr)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errorBody(exErr))
		return
	} else if existing != nil {
		err := fmt.Errorf("order %d already has intent %s in state %s", req.OrderID, existing.Reference, existing.Status)
		s.writeError(w, http.StatusConflict, err)
		s.audit(r.Context(), principal, r, body, http.StatusConflict, errorBody(err))
		return
	}

	reference := uuid.NewString()
	pctx, pcancel := context.WithTimeout(r.Context(), providerTimeoutPerCharge)
	defer pcancel()
	initialized, err := s.provider.InitializePayment(pctx, InitializePaymentRequest{
		Email:       req.Email,
		Amount:      order.FiatAmount,
		Currency:    order.FiatCurrency,
		Reference:   reference,
		CallbackURL: s.cfg.PaymentCallbackURL,
		Metadata: map[string]string{
			"orderId": strconv.FormatUint(order.ID, 10),
		},
	})
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadGateway, errorBody(err))
		return
	}

	now := s.nowFn().UTC()
	intent := PaymentIntent{
		Reference:        reference,
		OrderID:          order.ID,
		APIKey:           principal.APIKey,
		Email:            req.Email,
		FiatCurrency:     order.FiatCurrency,
		Amount:           order.FiatAmount,
		Principal:        req.Auth.Principal,
		Nonce:            req.Auth.Nonce,
		Signature:        req.Auth.Signature,
		Status:           IntentStatusPending,
		AuthorizationURL: initialized.AuthorizationURL,
		AccessCode:       initialized.AccessCode,
		Provider:         s.provider.Name(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.InsertPaymentIntent(r.Context(), intent); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errorBody(err))
		return
	}

	payload, err := json.Marshal(intent)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errorBody(err))
		return
	}
	if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, http.StatusCreated, payload); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errorBody(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(payload)
	s.audit(r.Context(), principal, r, body, http.StatusCreated, payload)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticator.Authenticate(r, nil)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	reference := strings.TrimSpace(chi.URLParam(r, "reference"))
	if reference == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("reference required"))
		return
	}
	intent, err := s.store.GetPaymentIntent(r.Context(), reference)
	if err != nil || intent.APIKey != principal.APIKey {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("payment intent %s not found", reference))
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticator.Authenticate(r, nil); err != nil {
		s.writeAuthError(w, err)
		return
	}
	id, err := strconv.ParseUint(strings.TrimSpace(chi.URLParam(r, "id")), 10, 64)
	if err != nil || id == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("order id must be a positive integer"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	order, err := s.node.OrderGet(ctx, id)
	if err != nil {
		status := http.StatusBadGateway
		if IsNodeNotFound(err) {
			status = http.StatusNotFound
		}
		s.writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// providerWebhookPayload is the slice of the processor's webhook body the
// paygate acts on. The charge itself is re-verified against the API, never
// trusted from the webhook.
type providerWebhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
	} `json:"data"`
}

func (s *Server) handleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.provider.ValidateWebhook(body, r.Header.Get(headerPaystackSignature)) {
		s.logger.Warn("provider webhook rejected",
			"remote", r.RemoteAddr,
			logging.MaskField("signature", r.Header.Get(headerPaystackSignature)),
		)
		s.writeError(w, http.StatusUnauthorized, errors.New("invalid provider signature"))
		return
	}
	var payload providerWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid webhook payload: %w", err))
		return
	}
	reference := strings.TrimSpace(payload.Data.Reference)
	if reference == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("webhook carries no reference"))
		return
	}
	intent, err := s.store.GetPaymentIntent(r.Context(), reference)
	if err != nil {
		s.logger.Warn("provider webhook for unknown reference", "reference", reference, "event", payload.Event)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if intent.Status == IntentStatusConfirmed || intent.Status == IntentStatusConfirmFailed {
		writeJSON(w, http.StatusOK, map[string]string{"status": intent.Status})
		return
	}

	vctx, vcancel := context.WithTimeout(r.Context(), providerTimeoutPerCharge)
	defer vcancel()
	verification, err := s.provider.VerifyPayment(vctx, reference)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	switch strings.ToLower(verification.Status) {
	case ChargeStatusFailed, ChargeStatusReversed:
		s.markIntent(r.Context(), reference, IntentStatusFailed)
		writeJSON(w, http.StatusOK, map[string]string{"status": IntentStatusFailed})
		return
	case ChargeStatusPending:
		writeJSON(w, http.StatusOK, map[string]string{"status": IntentStatusPending})
		return
	}
	if !verification.Paid() {
		s.logger.Warn("unrecognized charge status", "reference", reference, "status", verification.Status)
		writeJSON(w, http.StatusOK, map[string]string{"status": intent.Status})
		return
	}
	if err := matchesIntent(intent, verification); err != nil {
		s.markIntent(r.Context(), reference, IntentStatusFailed)
		s.logger.Error("charge does not match intent", "reference", reference, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": IntentStatusFailed})
		return
	}

	s.markIntent(r.Context(), reference, IntentStatusSuccess)
	s.confirmOnChain(r.Context(), w, intent)
}

// confirmOnChain submits the buyer's stored envelope. A transition rejection
// is checked against the chain before the intent is written off: a lost
// response or a replayed webhook both look like rejections while the order
// has in fact moved on.
func (s *Server) confirmOnChain(ctx context.Context, w http.ResponseWriter, intent PaymentIntent) {
	cctx, cancel := context.WithTimeout(ctx, nodeCallTimeout)
	defer cancel()
	env := ConfirmEnvelope{Principal: intent.Principal, Nonce: intent.Nonce, Signature: intent.Signature}
	err := s.node.ConfirmPaymentSent(cctx, intent.OrderID, env)
	if err == nil {
		s.markIntent(ctx, intent.Reference, IntentStatusConfirmed)
		writeJSON(w, http.StatusOK, map[string]string{"status": IntentStatusConfirmed})
		return
	}
	if order, gerr := s.node.OrderGet(cctx, intent.OrderID); gerr == nil {
		switch order.Status {
		case "payment_sent", "completed", "disputed":
			s.markIntent(ctx, intent.Reference, IntentStatusConfirmed)
			writeJSON(w, http.StatusOK, map[string]string{"status": IntentStatusConfirmed})
			return
		}
	}
	if IsNodeInvalidState(err) {
		s.markIntent(ctx, intent.Reference, IntentStatusConfirmFailed)
		s.logger.Error("payment confirmation rejected", "reference", intent.Reference, "order_id", intent.OrderID, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": IntentStatusConfirmFailed})
		return
	}
	// Transient failure: leave the intent at success so the provider's
	// webhook retry drives another confirmation attempt.
	s.logger.Warn("payment confirmation deferred", "reference", intent.Reference, "order_id", intent.OrderID, "error", err)
	s.writeError(w, http.StatusBadGateway, err)
}

func (s *Server) markIntent(ctx context.Context, reference, status string) {
	if err := s.store.UpdatePaymentIntentStatus(ctx, reference, status, s.nowFn().UTC()); err != nil {
		s.logger.Error("update payment intent", "reference", reference, "status", status, "error", err)
	}
}

func matchesIntent(intent PaymentIntent, verification *ChargeVerification) error {
	expected, err := strconv.ParseInt(intent.Amount, 10, 64)
	if err != nil {
		return fmt.Errorf("intent amount %q is not an integer", intent.Amount)
	}
	if verification.Amount != expected {
		return fmt.Errorf("charged amount %d does not match intent amount %d", verification.Amount, expected)
	}
	if !strings.EqualFold(verification.Currency, intent.FiatCurrency) {
		return fmt.Errorf("charged currency %s does not match intent currency %s", verification.Currency, intent.FiatCurrency)
	}
	return nil
}

// CreateWebhookRequest registers a partner endpoint for one or more event
// types.
type CreateWebhookRequest struct {
	URL       string   `json:"url"`
	Secret    string   `json:"secret"`
	Events    []string `json:"events"`
	RateLimit int      `json:"rateLimit"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req CreateWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		s.writeError(w, http.StatusBadRequest, errors.New("url must be http or https"))
		return
	}
	if strings.TrimSpace(req.Secret) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("secret is required"))
		return
	}
	if len(req.Events) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("at least one event type is required"))
		return
	}
	for _, eventType := range req.Events {
		if !subscribableEvents[eventType] {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown event type %q", eventType))
			return
		}
	}
	rateLimit := req.RateLimit
	if rateLimit <= 0 {
		rateLimit = 60
	}
	now := s.nowFn().UTC()
	ids := make([]int64, 0, len(req.Events))
	for _, eventType := range req.Events {
		id, err := s.store.InsertWebhook(r.Context(), WebhookSubscription{
			EventType: eventType,
			URL:       req.URL,
			Secret:    req.Secret,
			RateLimit: rateLimit,
			Active:    true,
			CreatedAt: now,
		})
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		ids = append(ids, id)
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ids": ids})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListWebhooks(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if subs == nil {
		subs = []WebhookSubscription{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": subs})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "id")), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("webhook id must be a positive integer"))
		return
	}
	if err := s.store.DeactivateWebhook(r.Context(), id); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	intents, err := s.store.ListPaymentIntents(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if intents == nil {
		intents = []PaymentIntent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"intents": intents})
}

type reconExportRequest struct {
	Since string `json:"since,omitempty"`
}

func (s *Server) handleReconExport(w http.ResponseWriter, r *http.Request) {
	var req reconExportRequest
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
			return
		}
	}
	since := time.Time{}
	if strings.TrimSpace(req.Since) != "" {
		parsed, err := time.Parse(time.RFC3339, req.Since)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("since must be RFC3339: %w", err))
			return
		}
		since = parsed
	}
	if s.exporter == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("settlement export not configured"))
		return
	}
	result, err := s.exporter.Export(r.Context(), since)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errorBody(err))
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	s.writeError(w, http.StatusUnauthorized, err)
}

func (s *Server) audit(ctx context.Context, principal *gatewayauth.Principal, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	entry := AuditEntry{
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           gatewayauth.CanonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAuditLog(ctx, entry); err != nil {
		s.logger.Error("insert audit log", "path", entry.Path, "error", err)
	}
}

func validateCreateIntent(req CreateIntentRequest) error {
	if req.OrderID == 0 {
		return errors.New("orderId is required")
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return errors.New("email is required")
	}
	if !strings.Contains(email, "@") {
		return errors.New("email is not valid")
	}
	if strings.TrimSpace(req.Auth.Principal) == "" {
		return errors.New("auth principal is required")
	}
	if req.Auth.Nonce == 0 {
		return errors.New("auth nonce must be greater than zero")
	}
	if strings.TrimSpace(req.Auth.Signature) == "" {
		return errors.New("auth signature is required")
	}
	return nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(method + "\n" + path + "\n" + string(body)))
	return hex.EncodeToString(sum[:])
}

func errorBody(err error) []byte {
	msg := strings.ReplaceAll(err.Error(), "\"", "'")
	return []byte(fmt.Sprintf(`{"error":"%s"}`, msg))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
