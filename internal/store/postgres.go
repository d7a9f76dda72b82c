package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/communicationx/realtime/internal/metrics"
)

// PostgresStore archives read receipts so they survive a restart of the
// realtime process. The rest of the relational schema (servers, channels,
// roles) belongs to the web application and is not touched here.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunMigrations creates the receipt archive table if it does not exist.
func RunMigrations(ctx context.Context, databaseURL string) error {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS message_read_receipts (
			message_id TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			read_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (message_id, user_id)
		)
	`)
	return err
}

// SaveReceipt records that a user read a message. Replays of the same
// (message, reader) pair are ignored so the archive stays idempotent with
// the tracker.
func (s *PostgresStore) SaveReceipt(ctx context.Context, messageID, readerID string, at time.Time) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO message_read_receipts (message_id, user_id, read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO NOTHING
	`, messageID, readerID, at)
	metrics.PostgresLatency.Observe(time.Since(start).Seconds())
	return err
}

// ReceiptReaders returns the user ids that have read a message, oldest
// first.
func (s *PostgresStore) ReceiptReaders(ctx context.Context, messageID string) ([]string, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM message_read_receipts
		WHERE message_id = $1
		ORDER BY read_at
	`, messageID)
	metrics.PostgresLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var readers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		readers = append(readers, id)
	}
	return readers, rows.Err()
}
