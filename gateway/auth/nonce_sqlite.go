package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const nonceSchema = `
CREATE TABLE IF NOT EXISTS gateway_nonces (
    api_key     TEXT    NOT NULL,
    ts          TEXT    NOT NULL,
    nonce       TEXT    NOT NULL,
    observed_at INTEGER NOT NULL,
    PRIMARY KEY (api_key, ts, nonce)
);
CREATE INDEX IF NOT EXISTS gateway_nonces_observed_at ON gateway_nonces (observed_at);
`

// SQLNoncePersistence stores nonce usage in a SQLite table so the replay
// window survives restarts. The services already maintain a SQLite mirror,
// so nonce durability rides on the same database handle.
type SQLNoncePersistence struct {
	db *sql.DB
}

// NewSQLNoncePersistence prepares the nonce table on the provided handle.
func NewSQLNoncePersistence(ctx context.Context, db *sql.DB) (*SQLNoncePersistence, error) {
	if db == nil {
		return nil, fmt.Errorf("sql nonce persistence requires a database handle")
	}
	if _, err := db.ExecContext(ctx, nonceSchema); err != nil {
		return nil, fmt.Errorf("prepare nonce table: %w", err)
	}
	return &SQLNoncePersistence{db: db}, nil
}

// Record stores the usage, reporting whether it was already present.
func (p *SQLNoncePersistence) Record(ctx context.Context, usage NonceUsage) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("sql nonce persistence not configured")
	}
	apiKey := strings.TrimSpace(usage.APIKey)
	ts := strings.TrimSpace(usage.Timestamp)
	nonce := strings.TrimSpace(usage.Nonce)
	if apiKey == "" || ts == "" || nonce == "" {
		return false, fmt.Errorf("nonce usage incomplete")
	}
	observed := usage.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO gateway_nonces (api_key, ts, nonce, observed_at)
         VALUES (?, ?, ?, ?)
         ON CONFLICT (api_key, ts, nonce) DO NOTHING`,
		apiKey, ts, nonce, observed.UnixNano())
	if err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return affected == 0, nil
}

// RecentUsage returns usages observed at or after the cutoff.
func (p *SQLNoncePersistence) RecentUsage(ctx context.Context, cutoff time.Time) ([]NonceUsage, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("sql nonce persistence not configured")
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT api_key, ts, nonce, observed_at
         FROM gateway_nonces
         WHERE observed_at >= ?
         ORDER BY observed_at ASC`,
		cutoff.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("load recent nonces: %w", err)
	}
	defer rows.Close()

	usages := make([]NonceUsage, 0)
	for rows.Next() {
		var (
			usage NonceUsage
			nanos int64
		)
		if err := rows.Scan(&usage.APIKey, &usage.Timestamp, &usage.Nonce, &nanos); err != nil {
			return nil, fmt.Errorf("scan nonce row: %w", err)
		}
		usage.ObservedAt = time.Unix(0, nanos).UTC()
		usages = append(usages, usage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nonce rows: %w", err)
	}
	return usages, nil
}

// Prune removes usages observed before the cutoff.
func (p *SQLNoncePersistence) Prune(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("sql nonce persistence not configured")
	}
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM gateway_nonces WHERE observed_at < ?`,
		cutoff.UTC().UnixNano()); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}
