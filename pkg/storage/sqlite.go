package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// receiverSchema creates the receivers table and its lookup indexes.
const receiverSchema = `
CREATE TABLE IF NOT EXISTS receivers (
	receiver_id TEXT PRIMARY KEY,
	public_key  TEXT NOT NULL,
	address     TEXT,
	created_at  INTEGER NOT NULL,
	last_seen   INTEGER NOT NULL,
	is_active   INTEGER NOT NULL DEFAULT 1,
	UNIQUE(public_key)
);

CREATE INDEX IF NOT EXISTS idx_receivers_public_key ON receivers(public_key);
CREATE INDEX IF NOT EXISTS idx_receivers_is_active  ON receivers(is_active);
`

// SQLiteStore is a Store backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the SQLite database at path
// and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=3000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if _, err := db.ExecContext(ctx, receiverSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply receiver schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveReceiver inserts or updates a receiver. On conflict the last_seen,
// is_active, and address fields are refreshed.
func (s *SQLiteStore) SaveReceiver(ctx context.Context, info *ReceiverInfo) error {
	const query = `
INSERT INTO receivers (receiver_id, public_key, address, created_at, last_seen, is_active)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(receiver_id) DO UPDATE SET
	last_seen = excluded.last_seen,
	is_active = excluded.is_active,
	address   = excluded.address`

	isActive := 0
	if info.IsActive {
		isActive = 1
	}

	_, err := s.db.ExecContext(ctx, query,
		info.ReceiverID, info.PublicKey, nullable(info.Address),
		info.CreatedAt, info.LastSeen, isActive)
	if err != nil {
		return fmt.Errorf("store receiver: %w", err)
	}
	return nil
}

// GetReceiver returns the active receiver with the given ID.
func (s *SQLiteStore) GetReceiver(ctx context.Context, receiverID string) (*ReceiverInfo, error) {
	const query = `
SELECT receiver_id, public_key, address, created_at, last_seen, is_active
FROM receivers
WHERE receiver_id = ? AND is_active = 1`

	var (
		info     ReceiverInfo
		address  sql.NullString
		isActive int
	)
	err := s.db.QueryRowContext(ctx, query, receiverID).Scan(
		&info.ReceiverID, &info.PublicKey, &address,
		&info.CreatedAt, &info.LastSeen, &isActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query receiver: %w", err)
	}

	info.Address = address.String
	info.IsActive = isActive != 0
	return &info, nil
}

// GetReceiverByPublicKey returns the ID of the active receiver registered
// under the given public key.
func (s *SQLiteStore) GetReceiverByPublicKey(ctx context.Context, publicKey string) (string, error) {
	const query = `
SELECT receiver_id FROM receivers WHERE public_key = ? AND is_active = 1`

	var receiverID string
	err := s.db.QueryRowContext(ctx, query, publicKey).Scan(&receiverID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query receiver by public key: %w", err)
	}
	return receiverID, nil
}

// DeactivateReceiver marks a receiver inactive.
func (s *SQLiteStore) DeactivateReceiver(ctx context.Context, receiverID string) error {
	const query = `UPDATE receivers SET is_active = 0 WHERE receiver_id = ?`

	if _, err := s.db.ExecContext(ctx, query, receiverID); err != nil {
		return fmt.Errorf("deactivate receiver: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
