package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore owns the paygate's local database: the order mirror, the event
// log, payment intents, idempotency keys, the audit trail and the webhook
// subscription registry.
type SQLiteStore struct {
	db *sql.DB
}

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS orders (
            id INTEGER PRIMARY KEY,
            seller TEXT NOT NULL,
            buyer TEXT,
            asset TEXT NOT NULL,
            amount TEXT NOT NULL,
            fiat_currency TEXT NOT NULL,
            fiat_amount TEXT NOT NULL,
            rate TEXT NOT NULL,
            status TEXT NOT NULL,
            payment_method TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            expires_at INTEGER NOT NULL,
            synced_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY,
            type TEXT NOT NULL,
            order_id INTEGER,
            attributes TEXT NOT NULL,
            observed_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS payment_intents (
            reference TEXT PRIMARY KEY,
            order_id INTEGER NOT NULL,
            api_key TEXT NOT NULL,
            email TEXT NOT NULL,
            fiat_currency TEXT NOT NULL,
            amount TEXT NOT NULL,
            principal TEXT NOT NULL,
            nonce INTEGER NOT NULL,
            signature TEXT NOT NULL,
            status TEXT NOT NULL,
            authorization_url TEXT,
            access_code TEXT,
            provider TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS payment_intents_order ON payment_intents (order_id);`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            api_key TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS webhooks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            event_type TEXT NOT NULL,
            url TEXT NOT NULL,
            secret TEXT NOT NULL,
            rate_limit INTEGER NOT NULL DEFAULT 60,
            active INTEGER NOT NULL DEFAULT 1,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhook_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            webhook_id INTEGER NOT NULL,
            event_sequence INTEGER NOT NULL,
            attempt INTEGER NOT NULL,
            status TEXT NOT NULL,
            error TEXT,
            next_attempt TIMESTAMP,
            created_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the underlying handle so shared infrastructure, such as nonce
// persistence, can live in the same database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

func (s *SQLiteStore) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE api_key = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, apiKey, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

func (s *SQLiteStore) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(api_key, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, apiKey, key, requestHash, status, body, time.Now().UTC())
	return err
}

// AuditEntry captures one request/response pair on an authenticated route.
type AuditEntry struct {
	APIKey         string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseStatus int
	ResponseBody   []byte
	Timestamp      time.Time
}

func (s *SQLiteStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(api_key, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.APIKey, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody, entry.Timestamp)
	return err
}

// MirroredOrder is the paygate's local copy of an on-chain settlement order.
// Amounts stay as the decimal strings the node emits.
type MirroredOrder struct {
	ID            uint64    `json:"id"`
	Seller        string    `json:"seller"`
	Buyer         string    `json:"buyer,omitempty"`
	Asset         string    `json:"asset"`
	Amount        string    `json:"amount"`
	FiatCurrency  string    `json:"fiatCurrency"`
	FiatAmount    string    `json:"fiatAmount"`
	Rate          string    `json:"rate"`
	Status        string    `json:"status"`
	PaymentMethod string    `json:"paymentMethod"`
	CreatedAt     uint64    `json:"createdAt"`
	ExpiresAt     uint64    `json:"expiresAt"`
	SyncedAt      time.Time `json:"syncedAt"`
}

// UpsertOrder refreshes the mirror row for an order.
func (s *SQLiteStore) UpsertOrder(ctx context.Context, order MirroredOrder) error {
	const stmt = `INSERT INTO orders(id, seller, buyer, asset, amount, fiat_currency, fiat_amount, rate, status, payment_method, created_at, expires_at, synced_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            buyer = excluded.buyer,
            status = excluded.status,
            synced_at = excluded.synced_at`
	_, err := s.db.ExecContext(ctx, stmt, order.ID, order.Seller, order.Buyer, order.Asset, order.Amount, order.FiatCurrency, order.FiatAmount, order.Rate, order.Status, order.PaymentMethod, order.CreatedAt, order.ExpiresAt, order.SyncedAt)
	return err
}

// GetOrder fetches a mirrored order by identifier.
func (s *SQLiteStore) GetOrder(ctx context.Context, id uint64) (MirroredOrder, error) {
	const query = `SELECT id, seller, buyer, asset, amount, fiat_currency, fiat_amount, rate, status, payment_method, created_at, expires_at, synced_at FROM orders WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	var order MirroredOrder
	var buyer sql.NullString
	if err := row.Scan(&order.ID, &order.Seller, &buyer, &order.Asset, &order.Amount, &order.FiatCurrency, &order.FiatAmount, &order.Rate, &order.Status, &order.PaymentMethod, &order.CreatedAt, &order.ExpiresAt, &order.SyncedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MirroredOrder{}, fmt.Errorf("order %d not mirrored", id)
		}
		return MirroredOrder{}, err
	}
	order.Buyer = buyer.String
	return order, nil
}

// EventRecord is a node event persisted to the local log. OrderID is zero for
// events that do not belong to an order.
type EventRecord struct {
	Sequence   int64
	Type       string
	OrderID    uint64
	Attributes map[string]string
	ObservedAt time.Time
}

// InsertEvent stores one node event. Replays overwrite in place so a watcher
// restart never duplicates rows.
func (s *SQLiteStore) InsertEvent(ctx context.Context, evt EventRecord) error {
	const stmt = `INSERT OR REPLACE INTO events(sequence, type, order_id, attributes, observed_at) VALUES (?, ?, ?, ?, ?)`
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	var orderID interface{}
	if evt.OrderID > 0 {
		orderID = evt.OrderID
	}
	_, err = s.db.ExecContext(ctx, stmt, evt.Sequence, evt.Type, orderID, string(attrs), evt.ObservedAt)
	return err
}

// LastEventSequence returns the last processed event sequence.
func (s *SQLiteStore) LastEventSequence(ctx context.Context) (int64, error) {
	const query = `SELECT value FROM event_cursors WHERE name = 'events'`
	row := s.db.QueryRowContext(ctx, query)
	var value int64
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return value, nil
}

// UpdateEventSequence stores the last processed event sequence.
func (s *SQLiteStore) UpdateEventSequence(ctx context.Context, sequence int64) error {
	const stmt = `INSERT INTO event_cursors(name, value) VALUES('events', ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	_, err := s.db.ExecContext(ctx, stmt, sequence)
	return err
}

// Payment intent statuses. An intent moves pending -> success -> confirmed on
// the happy path; failed captures both declined charges and reversals, and
// confirm_failed marks a paid charge the node would not accept.
const (
	IntentStatusPending       = "pending"
	IntentStatusSuccess       = "success"
	IntentStatusFailed        = "failed"
	IntentStatusConfirmed     = "confirmed"
	IntentStatusConfirmFailed = "confirm_failed"
)

// PaymentIntent ties a provider checkout to an on-chain order together with
// the buyer's signed confirmation envelope.
type PaymentIntent struct {
	Reference        string    `json:"reference"`
	OrderID          uint64    `json:"orderId"`
	APIKey           string    `json:"-"`
	Email            string    `json:"email"`
	FiatCurrency     string    `json:"fiatCurrency"`
	Amount           string    `json:"amount"`
	Principal        string    `json:"principal"`
	Nonce            uint64    `json:"-"`
	Signature        string    `json:"-"`
	Status           string    `json:"status"`
	AuthorizationURL string    `json:"authorizationUrl,omitempty"`
	AccessCode       string    `json:"-"`
	Provider         string    `json:"provider"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// InsertPaymentIntent persists a freshly initialized intent.
func (s *SQLiteStore) InsertPaymentIntent(ctx context.Context, intent PaymentIntent) error {
	const stmt = `INSERT INTO payment_intents(reference, order_id, api_key, email, fiat_currency, amount, principal, nonce, signature, status, authorization_url, access_code, provider, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, intent.Reference, intent.OrderID, intent.APIKey, intent.Email, intent.FiatCurrency, intent.Amount, intent.Principal, intent.Nonce, intent.Signature, intent.Status, intent.AuthorizationURL, intent.AccessCode, intent.Provider, intent.CreatedAt, intent.UpdatedAt)
	return err
}

// GetPaymentIntent fetches an intent by its provider reference.
func (s *SQLiteStore) GetPaymentIntent(ctx context.Context, reference string) (PaymentIntent, error) {
	const query = `SELECT reference, order_id, api_key, email, fiat_currency, amount, principal, nonce, signature, status, authorization_url, access_code, provider, created_at, updated_at FROM payment_intents WHERE reference = ?`
	row := s.db.QueryRowContext(ctx, query, reference)
	var intent PaymentIntent
	var authURL, accessCode sql.NullString
	if err := row.Scan(&intent.Reference, &intent.OrderID, &intent.APIKey, &intent.Email, &intent.FiatCurrency, &intent.Amount, &intent.Principal, &intent.Nonce, &intent.Signature, &intent.Status, &authURL, &accessCode, &intent.Provider, &intent.CreatedAt, &intent.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PaymentIntent{}, fmt.Errorf("payment intent %s not found", reference)
		}
		return PaymentIntent{}, err
	}
	intent.AuthorizationURL = authURL.String
	intent.AccessCode = accessCode.String
	return intent, nil
}

// ActiveIntentForOrder returns the newest intent for an order that is still
// pending or awaiting confirmation, or nil when none is in flight.
func (s *SQLiteStore) ActiveIntentForOrder(ctx context.Context, orderID uint64) (*PaymentIntent, error) {
	const query = `SELECT reference, order_id, api_key, email, fiat_currency, amount, principal, nonce, signature, status, authorization_url, access_code, provider, created_at, updated_at
        FROM payment_intents WHERE order_id = ? AND status IN (?, ?) ORDER BY created_at DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, orderID, IntentStatusPending, IntentStatusSuccess)
	var intent PaymentIntent
	var authURL, accessCode sql.NullString
	if err := row.Scan(&intent.Reference, &intent.OrderID, &intent.APIKey, &intent.Email, &intent.FiatCurrency, &intent.Amount, &intent.Principal, &intent.Nonce, &intent.Signature, &intent.Status, &authURL, &accessCode, &intent.Provider, &intent.CreatedAt, &intent.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	intent.AuthorizationURL = authURL.String
	intent.AccessCode = accessCode.String
	return &intent, nil
}

// UpdatePaymentIntentStatus advances an intent's lifecycle state.
func (s *SQLiteStore) UpdatePaymentIntentStatus(ctx context.Context, reference, status string, updatedAt time.Time) error {
	const stmt = `UPDATE payment_intents SET status = ?, updated_at = ? WHERE reference = ?`
	res, err := s.db.ExecContext(ctx, stmt, status, updatedAt, reference)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("payment intent %s not found", reference)
	}
	return nil
}

// ListPaymentIntents returns intents filtered by status, newest first. An
// empty status returns everything up to limit.
func (s *SQLiteStore) ListPaymentIntents(ctx context.Context, status string, limit int) ([]PaymentIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT reference, order_id, api_key, email, fiat_currency, amount, principal, nonce, signature, status, authorization_url, access_code, provider, created_at, updated_at FROM payment_intents`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var intents []PaymentIntent
	for rows.Next() {
		var intent PaymentIntent
		var authURL, accessCode sql.NullString
		if err := rows.Scan(&intent.Reference, &intent.OrderID, &intent.APIKey, &intent.Email, &intent.FiatCurrency, &intent.Amount, &intent.Principal, &intent.Nonce, &intent.Signature, &intent.Status, &authURL, &accessCode, &intent.Provider, &intent.CreatedAt, &intent.UpdatedAt); err != nil {
			return nil, err
		}
		intent.AuthorizationURL = authURL.String
		intent.AccessCode = accessCode.String
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return intents, nil
}

// WebhookSubscription describes a stored webhook endpoint.
type WebhookSubscription struct {
	ID        int64     `json:"id"`
	EventType string    `json:"eventType"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	RateLimit int       `json:"rateLimit"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// InsertWebhook registers a webhook subscription.
func (s *SQLiteStore) InsertWebhook(ctx context.Context, sub WebhookSubscription) (int64, error) {
	const stmt = `INSERT INTO webhooks(event_type, url, secret, rate_limit, active, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	active := 0
	if sub.Active {
		active = 1
	}
	res, err := s.db.ExecContext(ctx, stmt, sub.EventType, sub.URL, sub.Secret, sub.RateLimit, active, sub.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListWebhooks returns every subscription, active and retired.
func (s *SQLiteStore) ListWebhooks(ctx context.Context) ([]WebhookSubscription, error) {
	const query = `SELECT id, event_type, url, secret, rate_limit, active, created_at FROM webhooks ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

// ListWebhooksForEvent returns active subscriptions interested in an event type.
func (s *SQLiteStore) ListWebhooksForEvent(ctx context.Context, eventType string) ([]WebhookSubscription, error) {
	const query = `SELECT id, event_type, url, secret, rate_limit, active, created_at FROM webhooks WHERE event_type = ? AND active = 1`
	rows, err := s.db.QueryContext(ctx, query, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

func scanWebhooks(rows *sql.Rows) ([]WebhookSubscription, error) {
	var subs []WebhookSubscription
	for rows.Next() {
		var sub WebhookSubscription
		var active int
		if err := rows.Scan(&sub.ID, &sub.EventType, &sub.URL, &sub.Secret, &sub.RateLimit, &active, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Active = active == 1
		if sub.RateLimit <= 0 {
			sub.RateLimit = 60
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}

// DeactivateWebhook retires a subscription without losing its attempt history.
func (s *SQLiteStore) DeactivateWebhook(ctx context.Context, id int64) error {
	const stmt = `UPDATE webhooks SET active = 0 WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("webhook %d not found", id)
	}
	return nil
}

// WebhookAttempt captures a delivery attempt.
type WebhookAttempt struct {
	WebhookID     int64
	EventSequence int64
	Attempt       int
	Status        string
	Error         string
	NextAttempt   time.Time
	CreatedAt     time.Time
}

// InsertWebhookAttempt records a webhook delivery attempt.
func (s *SQLiteStore) InsertWebhookAttempt(ctx context.Context, attempt WebhookAttempt) error {
	const stmt = `INSERT INTO webhook_attempts(webhook_id, event_sequence, attempt, status, error, next_attempt, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, attempt.WebhookID, attempt.EventSequence, attempt.Attempt, attempt.Status, attempt.Error, nullTime(attempt.NextAttempt), attempt.CreatedAt)
	return err
}

// SettlementRow is one completed order joined with its confirmed fiat intent,
// ready for the reconciliation export.
type SettlementRow struct {
	OrderID       uint64
	Reference     string
	Seller        string
	Buyer         string
	Asset         string
	Amount        string
	FiatCurrency  string
	FiatAmount    string
	Rate          string
	PaymentMethod string
	Provider      string
	CompletedAt   time.Time
}

// SettlementRows lists completed orders whose release the watcher has seen,
// joined with the confirmed payment intent when one exists. Orders released
// before since are skipped.
func (s *SQLiteStore) SettlementRows(ctx context.Context, since time.Time) ([]SettlementRow, error) {
	const query = `SELECT o.id, COALESCE(pi.reference, ''), o.seller, COALESCE(o.buyer, ''), o.asset, o.amount, o.fiat_currency, o.fiat_amount, o.rate, o.payment_method, COALESCE(pi.provider, ''), e.observed_at
        FROM orders o
        JOIN events e ON e.order_id = o.id AND e.type = 'orders.released'
        LEFT JOIN payment_intents pi ON pi.order_id = o.id AND pi.status = 'confirmed'
        WHERE o.status = 'completed' AND e.observed_at >= ?
        ORDER BY o.id ASC`
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var settlements []SettlementRow
	for rows.Next() {
		var row SettlementRow
		if err := rows.Scan(&row.OrderID, &row.Reference, &row.Seller, &row.Buyer, &row.Asset, &row.Amount, &row.FiatCurrency, &row.FiatAmount, &row.Rate, &row.PaymentMethod, &row.Provider, &row.CompletedAt); err != nil {
			return nil, err
		}
		settlements = append(settlements, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return settlements, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
