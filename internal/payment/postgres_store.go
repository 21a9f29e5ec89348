package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. The full record is kept
// as JSONB alongside a few indexed columns; retention is enforced by a
// retain_until column checked on every read.
type PostgresStore struct {
	db        *sql.DB
	retention time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed record store.
func NewPostgresStore(db *sql.DB, retention time.Duration) *PostgresStore {
	return &PostgresStore{db: db, retention: retention}
}

// Migrate creates the payment_records table. Mirrors migrations/00001.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_records (
			payment_id    VARCHAR(64) PRIMARY KEY,
			status        VARCHAR(20) NOT NULL,
			record        JSONB NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			retain_until  TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_payment_records_status ON payment_records(status);
		CREATE INDEX IF NOT EXISTS idx_payment_records_retain ON payment_records(retain_until);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, rec *PaymentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO payment_records (payment_id, status, record, created_at, updated_at, retain_until)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.PaymentID, string(rec.CanonicalStatus), data, rec.CreatedAt, rec.UpdatedAt,
		rec.CreatedAt.Add(p.retention))

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return ErrRecordExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, paymentID string) (*PaymentRecord, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT record FROM payment_records
		WHERE payment_id = $1 AND retain_until > NOW()
	`, paymentID).Scan(&data)

	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec PaymentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

func (p *PostgresStore) Update(ctx context.Context, rec *PaymentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_records
		SET status = $2, record = $3, updated_at = $4
		WHERE payment_id = $1 AND retain_until > NOW()
	`, rec.PaymentID, string(rec.CanonicalStatus), data, rec.UpdatedAt)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// PurgeExpired removes records past their retention window. Intended for a
// periodic maintenance call; reads already exclude them.
func (p *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM payment_records WHERE retain_until <= NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
