package privacy

import (
	"context"
	"database/sql"
	"fmt"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed budget store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the privacy_budgets table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS privacy_budgets (
			entity    VARCHAR(128) PRIMARY KEY,
			epsilon   DOUBLE PRECISION NOT NULL,
			delta     DOUBLE PRECISION NOT NULL DEFAULT 0,
			queries   BIGINT NOT NULL DEFAULT 0,
			reset_at  TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, entity string) (*Budget, error) {
	b := &Budget{Entity: entity}

	err := p.db.QueryRowContext(ctx, `
		SELECT epsilon, delta, queries, reset_at FROM privacy_budgets WHERE entity = $1
	`, entity).Scan(&b.Epsilon, &b.Delta, &b.Queries, &b.ResetAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query privacy budget: %w", err)
	}
	return b, nil
}

func (p *PostgresStore) Put(ctx context.Context, b *Budget) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO privacy_budgets (entity, epsilon, delta, queries, reset_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity) DO UPDATE SET
			epsilon = EXCLUDED.epsilon,
			delta = EXCLUDED.delta,
			queries = EXCLUDED.queries,
			reset_at = EXCLUDED.reset_at
	`, b.Entity, b.Epsilon, b.Delta, b.Queries, b.ResetAt)
	if err != nil {
		return fmt.Errorf("upsert privacy budget: %w", err)
	}
	return nil
}

func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM privacy_budgets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count privacy budgets: %w", err)
	}
	return n, nil
}
