// Package dedupe is the durable idempotency ledger: it decides, across
// process restarts, whether a relay delivery has already been dispatched.
package dedupe

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"relaybot/internal/domain"

	_ "modernc.org/sqlite"
)

const defaultTTLDays = 7

// Store is the SQLite-backed ledger keyed on the dedupe key.
type Store struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger
}

func NewStore(dbPath string, ttlDays int, logger *slog.Logger) (*Store, error) {
	if ttlDays <= 0 {
		ttlDays = defaultTTLDays
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{
		db:     db,
		ttl:    time.Duration(ttlDays) * 24 * time.Hour,
		logger: logger,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS processed_messages (
		dedupe_key   TEXT PRIMARY KEY,
		message_id   TEXT,
		topic        TEXT,
		request_id   TEXT,
		processed_at INTEGER NOT NULL,
		message_hash TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_messages(processed_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// HasProcessed reports whether the key is already in the ledger.
func (s *Store) HasProcessed(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_messages WHERE dedupe_key = ?`, key,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed records a delivery as handled. Called before execution begins
// so a crash mid-run never re-dispatches on restart. A duplicate key is an
// idempotent overwrite, not an error; the primary key keeps the insert atomic
// if another consumer ever shares the ledger.
func (s *Store) MarkProcessed(ctx context.Context, rec domain.ProcessedRecord) error {
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_messages (dedupe_key, message_id, topic, request_id, processed_at, message_hash)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(dedupe_key) DO UPDATE SET
		   message_id = excluded.message_id,
		   topic = excluded.topic,
		   request_id = excluded.request_id,
		   processed_at = excluded.processed_at,
		   message_hash = excluded.message_hash`,
		rec.DedupeKey, rec.MessageID, rec.Topic, rec.RequestID, rec.ProcessedAt.Unix(), rec.MessageHash,
	)
	return err
}

// Get returns the stored record for a key, or nil if absent.
func (s *Store) Get(ctx context.Context, key string) (*domain.ProcessedRecord, error) {
	var rec domain.ProcessedRecord
	var processedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT dedupe_key, message_id, topic, request_id, processed_at, message_hash
		 FROM processed_messages WHERE dedupe_key = ?`, key,
	).Scan(&rec.DedupeKey, &rec.MessageID, &rec.Topic, &rec.RequestID, &processedAt, &rec.MessageHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.ProcessedAt = time.Unix(processedAt, 0)
	return &rec, nil
}

// CleanupExpired deletes records older than the TTL and returns the count.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.ttl).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_messages WHERE processed_at < ?`, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the number of ledger rows. Used by doctor and /status.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_messages`).Scan(&n)
	return n, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
