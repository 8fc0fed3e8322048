package journal

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS escrow_settlements (
    condition TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    price BIGINT NOT NULL,
    transfer_id TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    settled_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, condition string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT condition, state, price, transfer_id, reason, created_at, settled_at
FROM escrow_settlements
WHERE condition = $1
`, condition)

	var (
		rec   Record
		price int64
	)
	if err := row.Scan(&rec.Condition, &rec.State, &price, &rec.TransferID, &rec.Reason, &rec.CreatedAt, &rec.SettledAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.Price = uint64(price)
	return &rec, nil
}

// Save upserts the record. A settled escrow is written once; the upsert
// keeps a replayed write harmless.
func (p *PostgresStore) Save(ctx context.Context, record Record) error {
	if record.Condition == "" {
		return ErrMissingCondition
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO escrow_settlements (condition, state, price, transfer_id, reason, created_at, settled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (condition) DO UPDATE
SET state = EXCLUDED.state,
    transfer_id = EXCLUDED.transfer_id,
    reason = EXCLUDED.reason,
    settled_at = EXCLUDED.settled_at
`, record.Condition, record.State, int64(record.Price), record.TransferID, record.Reason, record.CreatedAt, record.SettledAt)
	return err
}
