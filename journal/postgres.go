package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/teur/pos"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS pos_attempts (
		attempt_id VARCHAR(64) PRIMARY KEY,
		reader_id VARCHAR(255),
		transaction_id VARCHAR(255),
		state VARCHAR(32) NOT NULL,
		snapshot JSONB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pos_attempts_state ON pos_attempts(state)`,
	`CREATE TABLE IF NOT EXISTS pos_releases (
		payment_id VARCHAR(255) PRIMARY KEY,
		attempt_id VARCHAR(64) NOT NULL,
		reserved_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
}

// Postgres is a pos.Journal backed by PostgreSQL. Reservations are shared by
// every terminal using the same database.
type Postgres struct {
	db *sql.DB
}

var _ pos.Journal = (*Postgres)(nil)

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ping postgres: %w", err)
	}
	p := NewPostgres(db)
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing connection pool. Call Migrate before use.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the journal tables when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, query := range migrations {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("journal: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// SaveAttempt upserts the attempt snapshot.
func (p *Postgres) SaveAttempt(ctx context.Context, attempt *pos.Attempt) error {
	if attempt == nil || attempt.ID == "" {
		return fmt.Errorf("journal: save attempt: id is required")
	}
	snapshot, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("journal: encode attempt: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO pos_attempts (attempt_id, reader_id, transaction_id, state, snapshot)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (attempt_id) DO UPDATE
		SET reader_id = EXCLUDED.reader_id,
			transaction_id = EXCLUDED.transaction_id,
			state = EXCLUDED.state,
			snapshot = EXCLUDED.snapshot,
			updated_at = NOW()
	`, attempt.ID, attempt.ReaderID, attempt.TransactionID, string(attempt.State), snapshot)
	if err != nil {
		return fmt.Errorf("journal: save attempt: %w", err)
	}
	return nil
}

// ReserveRelease inserts the reservation and reports whether this call
// created it.
func (p *Postgres) ReserveRelease(ctx context.Context, paymentID, attemptID string) (bool, error) {
	if paymentID == "" {
		return false, fmt.Errorf("journal: reserve release: payment id is required")
	}
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO pos_releases (payment_id, attempt_id)
		VALUES ($1, $2)
		ON CONFLICT (payment_id) DO NOTHING
	`, paymentID, attemptID)
	if err != nil {
		return false, fmt.Errorf("journal: reserve release: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("journal: reserve release: %w", err)
	}
	return rows == 1, nil
}

// AbandonRelease deletes the reservation for paymentID when attemptID holds
// it.
func (p *Postgres) AbandonRelease(ctx context.Context, paymentID, attemptID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM pos_releases WHERE payment_id = $1 AND attempt_id = $2`,
		paymentID, attemptID,
	)
	if err != nil {
		return fmt.Errorf("journal: abandon release: %w", err)
	}
	return nil
}

// Attempt loads one attempt snapshot.
func (p *Postgres) Attempt(ctx context.Context, id string) (*pos.Attempt, error) {
	var snapshot []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT snapshot FROM pos_attempts WHERE attempt_id = $1`, id,
	).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journal: load attempt: %w", err)
	}
	var a pos.Attempt
	if err := json.Unmarshal(snapshot, &a); err != nil {
		return nil, fmt.Errorf("journal: decode attempt: %w", err)
	}
	return &a, nil
}

// AttemptsInState lists attempts currently in one of the given states, most
// recently updated first.
func (p *Postgres) AttemptsInState(ctx context.Context, states ...pos.State) ([]*pos.Attempt, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT snapshot FROM pos_attempts
		WHERE state = ANY($1)
		ORDER BY updated_at DESC
	`, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("journal: list attempts: %w", err)
	}
	defer rows.Close()

	items := []*pos.Attempt{}
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("journal: list attempts: %w", err)
		}
		var a pos.Attempt
		if err := json.Unmarshal(snapshot, &a); err != nil {
			return nil, fmt.Errorf("journal: decode attempt: %w", err)
		}
		items = append(items, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: list attempts: %w", err)
	}
	return items, nil
}
