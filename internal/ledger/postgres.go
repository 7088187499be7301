package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wakala/fulfillment/internal/inventory"
	"github.com/wakala/fulfillment/internal/order"
	"github.com/wakala/fulfillment/internal/payment"
)

// schema is the DDL applied once on startup. Idempotent via IF NOT EXISTS.
const schema = `
CREATE TABLE IF NOT EXISTS orders (
    id                TEXT PRIMARY KEY,
    tenant_id         TEXT        NOT NULL,
    customer_id       TEXT        NOT NULL,
    currency          TEXT        NOT NULL,
    status            TEXT        NOT NULL,
    payment_intent_id TEXT        NOT NULL DEFAULT '',
    items             JSONB       NOT NULL,
    totals            JSONB       NOT NULL,
    reservation_ids   JSONB       NOT NULL DEFAULT '[]',
    history           JSONB       NOT NULL DEFAULT '[]',
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_tenant ON orders (tenant_id, created_at);

CREATE TABLE IF NOT EXISTS payment_intents (
    id              TEXT PRIMARY KEY,
    order_id        TEXT        NOT NULL,
    tenant_id       TEXT        NOT NULL,
    idempotency_key TEXT        NOT NULL UNIQUE,
    gateway         TEXT        NOT NULL DEFAULT '',
    provider_ref    TEXT        NOT NULL DEFAULT '',
    amount_cents    BIGINT      NOT NULL,
    currency        TEXT        NOT NULL,
    status          TEXT        NOT NULL,
    raw             JSONB,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_intents_provider_ref ON payment_intents (provider_ref);
CREATE INDEX IF NOT EXISTS idx_intents_tenant_day ON payment_intents (tenant_id, created_at);

CREATE TABLE IF NOT EXISTS reservations (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT        NOT NULL,
    order_id   TEXT        NOT NULL,
    product_id TEXT        NOT NULL,
    quantity   INT         NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    status     TEXT        NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_expiry ON reservations (status, expires_at);
`

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

// Open connects to Postgres and applies the schema.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// NewPostgresStore wraps an existing pool without touching the schema.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

// Close releases the pool.
func (s *PostgresStore) Close() { s.db.Close() }

func (s *PostgresStore) SaveOrder(ctx context.Context, o *order.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("ledger: marshal items: %w", err)
	}
	totals, err := json.Marshal(o.Totals)
	if err != nil {
		return fmt.Errorf("ledger: marshal totals: %w", err)
	}
	resIDs, err := json.Marshal(o.ReservationIDs)
	if err != nil {
		return fmt.Errorf("ledger: marshal reservation ids: %w", err)
	}
	history, err := json.Marshal(o.History)
	if err != nil {
		return fmt.Errorf("ledger: marshal history: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO orders
			(id, tenant_id, customer_id, currency, status, payment_intent_id,
			 items, totals, reservation_ids, history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status            = EXCLUDED.status,
			payment_intent_id = EXCLUDED.payment_intent_id,
			reservation_ids   = EXCLUDED.reservation_ids,
			history           = EXCLUDED.history,
			updated_at        = EXCLUDED.updated_at
	`, o.ID, o.TenantID, o.CustomerID, o.Currency, o.Status, o.PaymentIntentID,
		items, totals, resIDs, history, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ledger: save order %s: %w", o.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	var (
		o                              order.Order
		items, totals, resIDs, history []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, tenant_id, customer_id, currency, status, payment_intent_id,
		       items, totals, reservation_ids, history, created_at, updated_at
		FROM orders WHERE id = $1
	`, id).Scan(&o.ID, &o.TenantID, &o.CustomerID, &o.Currency, &o.Status, &o.PaymentIntentID,
		&items, &totals, &resIDs, &history, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get order %s: %w", id, err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("ledger: decode items for %s: %w", id, err)
	}
	if err := json.Unmarshal(totals, &o.Totals); err != nil {
		return nil, fmt.Errorf("ledger: decode totals for %s: %w", id, err)
	}
	if err := json.Unmarshal(resIDs, &o.ReservationIDs); err != nil {
		return nil, fmt.Errorf("ledger: decode reservation ids for %s: %w", id, err)
	}
	if err := json.Unmarshal(history, &o.History); err != nil {
		return nil, fmt.Errorf("ledger: decode history for %s: %w", id, err)
	}
	return &o, nil
}

func (s *PostgresStore) SaveIntent(ctx context.Context, in *payment.Intent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payment_intents
			(id, order_id, tenant_id, idempotency_key, gateway, provider_ref,
			 amount_cents, currency, status, raw, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			gateway      = EXCLUDED.gateway,
			provider_ref = EXCLUDED.provider_ref,
			status       = EXCLUDED.status,
			raw          = EXCLUDED.raw,
			updated_at   = EXCLUDED.updated_at
	`, in.ID, in.OrderID, in.TenantID, in.IdempotencyKey, in.Gateway, in.ProviderRef,
		in.AmountCents, in.Currency, in.Status, nullableJSON(in.Raw), in.CreatedAt, in.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ledger: save intent for order %s: %w", in.OrderID, err)
	}
	return nil
}

const intentColumns = `
	id, order_id, tenant_id, idempotency_key, gateway, provider_ref,
	amount_cents, currency, status, COALESCE(raw, 'null'::jsonb), created_at, updated_at`

func (s *PostgresStore) GetIntentByKey(ctx context.Context, key string) (*payment.Intent, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE idempotency_key = $1`, key)
	return scanIntent(row)
}

func (s *PostgresStore) GetIntentByProviderRef(ctx context.Context, ref string) (*payment.Intent, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE provider_ref = $1 AND provider_ref <> '' LIMIT 1`, ref)
	return scanIntent(row)
}

func (s *PostgresStore) GetIntentByOrderID(ctx context.Context, orderID string) (*payment.Intent, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`, orderID)
	return scanIntent(row)
}

func (s *PostgresStore) ListIntentsByDay(ctx context.Context, tenantID string, day time.Time) ([]*payment.Intent, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	rows, err := s.db.Query(ctx,
		`SELECT `+intentColumns+` FROM payment_intents
		 WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		 ORDER BY created_at`,
		tenantID, start, start.Add(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("ledger: list intents for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []*payment.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*payment.Intent, error) {
	var in payment.Intent
	var raw []byte
	err := row.Scan(&in.ID, &in.OrderID, &in.TenantID, &in.IdempotencyKey, &in.Gateway,
		&in.ProviderRef, &in.AmountCents, &in.Currency, &in.Status, &raw, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: scan intent: %w", err)
	}
	if len(raw) > 0 && string(raw) != "null" {
		in.Raw = raw
	}
	return &in, nil
}

func (s *PostgresStore) SaveReservation(ctx context.Context, r Reservation) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO reservations (id, tenant_id, order_id, product_id, quantity, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status
	`, r.ID, r.TenantID, r.OrderID, r.ProductID, r.Quantity, r.ExpiresAt, r.Status)
	if err != nil {
		return fmt.Errorf("ledger: save reservation %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateReservationStatus(ctx context.Context, id string, status inventory.ReservationStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE reservations SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("ledger: update reservation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListExpiredActiveReservations(ctx context.Context, now time.Time) ([]Reservation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, tenant_id, order_id, product_id, quantity, expires_at, status
		FROM reservations WHERE status = $1 AND expires_at < $2
	`, inventory.ReservationActive, now)
	if err != nil {
		return nil, fmt.Errorf("ledger: list expired reservations: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.ID, &r.TenantID, &r.OrderID, &r.ProductID, &r.Quantity, &r.ExpiresAt, &r.Status); err != nil {
			return nil, fmt.Errorf("ledger: scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// nullableJSON returns nil for empty blobs so Postgres stores NULL.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
