package consent

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

// NewPostgresStore creates a new PostgreSQL-backed consent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the consent_records table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS consent_records (
			subject     VARCHAR(128) PRIMARY KEY,
			mask        INTEGER NOT NULL,
			version     BIGINT NOT NULL DEFAULT 1,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, subject string) (*Record, error) {
	rec := &Record{Subject: subject}
	var mask int

	err := p.db.QueryRowContext(ctx, `
		SELECT mask, version, updated_at FROM consent_records WHERE subject = $1
	`, subject).Scan(&mask, &rec.Version, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query consent record: %w", err)
	}

	rec.Mask = Purpose(mask)
	rec.Purposes = rec.Mask.Names()
	return rec, nil
}

func (p *PostgresStore) Put(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO consent_records (subject, mask, version, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject) DO UPDATE SET
			mask = EXCLUDED.mask,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
	`, rec.Subject, int(rec.Mask), rec.Version, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert consent record: %w", err)
	}
	return nil
}
