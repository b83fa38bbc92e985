package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// StateLastAccount is the system_state key of the last selected account.
const StateLastAccount = "last_account"

// Store provides SQLite-based persistence for user-added pairs and
// operational state.
type Store struct {
	db *sql.DB
}

// PairRecord is a user-added pair for one account on one chain.
type PairRecord struct {
	ChainID int64
	Account string
	Token0  string
	Token1  string
	AddedAt time.Time
}

// NewStore creates a new SQLite store and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

// migrate runs database schema migrations.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tracked_pairs (
			chain_id INTEGER NOT NULL,
			account TEXT NOT NULL,
			token0 TEXT NOT NULL,
			token1 TEXT NOT NULL,
			added_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (chain_id, account, token0, token1)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_pairs_account ON tracked_pairs(chain_id, account, added_at)`,
		`CREATE TABLE IF NOT EXISTS system_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	log.Info().Msg("Database migrations completed")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddTrackedPair stores a user-added pair. Adding the same pair twice is a
// no-op. Addresses are stored lowercased.
func (s *Store) AddTrackedPair(ctx context.Context, rec PairRecord) error {
	query := `INSERT INTO tracked_pairs (chain_id, account, token0, token1, added_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, account, token0, token1) DO NOTHING`

	addedAt := rec.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.ChainID,
		strings.ToLower(rec.Account),
		strings.ToLower(rec.Token0),
		strings.ToLower(rec.Token1),
		addedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting tracked pair: %w", err)
	}
	return nil
}

// GetTrackedPairs returns the pairs added for account on chainID, oldest first.
func (s *Store) GetTrackedPairs(ctx context.Context, chainID int64, account string) ([]PairRecord, error) {
	query := `SELECT chain_id, account, token0, token1, added_at
		FROM tracked_pairs
		WHERE chain_id = ? AND account = ?
		ORDER BY added_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, chainID, strings.ToLower(account))
	if err != nil {
		return nil, fmt.Errorf("querying tracked pairs: %w", err)
	}
	defer rows.Close()

	var pairs []PairRecord
	for rows.Next() {
		var p PairRecord
		if err := rows.Scan(&p.ChainID, &p.Account, &p.Token0, &p.Token1, &p.AddedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		pairs = append(pairs, p)
	}

	return pairs, rows.Err()
}

// RemoveTrackedPair deletes a user-added pair.
func (s *Store) RemoveTrackedPair(ctx context.Context, rec PairRecord) error {
	query := `DELETE FROM tracked_pairs WHERE chain_id = ? AND account = ? AND token0 = ? AND token1 = ?`
	_, err := s.db.ExecContext(ctx, query,
		rec.ChainID,
		strings.ToLower(rec.Account),
		strings.ToLower(rec.Token0),
		strings.ToLower(rec.Token1),
	)
	return err
}

// SetSystemState stores a key-value pair in system state.
func (s *Store) SetSystemState(ctx context.Context, key, value string) error {
	query := `INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, key, value, time.Now())
	return err
}

// GetSystemState retrieves a value from system state.
func (s *Store) GetSystemState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM system_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
