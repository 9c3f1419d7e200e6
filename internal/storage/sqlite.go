package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
	-- Pepper cache
	CREATE TABLE IF NOT EXISTS peppers (
		phone_number TEXT PRIMARY KEY,
		pepper TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Relayer sessions
	CREATE TABLE IF NOT EXISTS relayer_sessions (
		account TEXT PRIMARY KEY,
		active INTEGER NOT NULL DEFAULT 0,
		token TEXT,
		callback_url TEXT,
		expires_at TEXT,
		pepper_fetches_left INTEGER NOT NULL DEFAULT 0,
		attestations_left INTEGER NOT NULL DEFAULT 0,
		completions_left INTEGER NOT NULL DEFAULT 0,
		unverified_wallet TEXT,
		error_timestamps TEXT NOT NULL DEFAULT '[]',
		updated_at TEXT NOT NULL
	);

	-- Relay wallets
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		account TEXT NOT NULL,
		address TEXT NOT NULL,
		implementation TEXT,
		verified INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		UNIQUE(account, address)
	);

	-- Verification attempts
	CREATE TABLE IF NOT EXISTS verification_attempts (
		id TEXT PRIMARY KEY,
		account TEXT NOT NULL,
		phone_number TEXT NOT NULL,
		phase TEXT NOT NULL,
		relayed INTEGER NOT NULL DEFAULT 0,
		wallet TEXT,
		completed INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		revoked INTEGER NOT NULL DEFAULT 0,
		error_kind TEXT,
		error_code TEXT,
		error_message TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT
	);

	-- API keys
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at TEXT DEFAULT (datetime('now')),
		last_used_at TEXT,
		revoked_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_account ON verification_attempts(account, started_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_wallets_account ON wallets(account);
	`

	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("database migrations complete")
	return nil
}

// GetPepper returns the cached pepper for phone
func (s *SQLiteStore) GetPepper(ctx context.Context, phone string) (string, error) {
	var pepper string
	err := s.db.QueryRowContext(ctx, "SELECT pepper FROM peppers WHERE phone_number = ?", phone).Scan(&pepper)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return pepper, err
}

// SavePepper caches a pepper for phone
func (s *SQLiteStore) SavePepper(ctx context.Context, phone, pepper string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peppers (phone_number, pepper, created_at) VALUES (?, ?, ?)
		ON CONFLICT(phone_number) DO UPDATE SET pepper = excluded.pepper
	`, phone, pepper, formatTime(time.Now()))
	return err
}

// DeletePepper forgets the cached pepper for phone
func (s *SQLiteStore) DeletePepper(ctx context.Context, phone string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM peppers WHERE phone_number = ?", phone)
	return err
}

// GetRelayerSession loads the relayer session of account
func (s *SQLiteStore) GetRelayerSession(ctx context.Context, account string) (*RelayerSession, error) {
	query := `
		SELECT account, active, token, callback_url, expires_at, pepper_fetches_left, attestations_left,
		       completions_left, unverified_wallet, error_timestamps, updated_at
		FROM relayer_sessions
		WHERE account = ?
	`
	var rs RelayerSession
	var token, callback, expires, wallet sql.NullString
	var errorsRaw, updated string
	err := s.db.QueryRowContext(ctx, query, account).Scan(
		&rs.Account, &rs.Active, &token, &callback, &expires, &rs.PepperFetchesLeft, &rs.AttestationsLeft,
		&rs.CompletionsLeft, &wallet, &errorsRaw, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rs.Token = token.String
	rs.CallbackURL = callback.String
	rs.ExpiresAt = parseTime(expires.String)
	rs.UnverifiedWallet = wallet.String
	rs.ErrorTimestamps = unmarshalTimestamps(errorsRaw)
	rs.UpdatedAt = parseTime(updated)
	return &rs, nil
}

// SaveRelayerSession upserts the relayer session of an account
func (s *SQLiteStore) SaveRelayerSession(ctx context.Context, rs *RelayerSession) error {
	query := `
		INSERT INTO relayer_sessions (account, active, token, callback_url, expires_at, pepper_fetches_left,
			attestations_left, completions_left, unverified_wallet, error_timestamps, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			active = excluded.active,
			token = excluded.token,
			callback_url = excluded.callback_url,
			expires_at = excluded.expires_at,
			pepper_fetches_left = excluded.pepper_fetches_left,
			attestations_left = excluded.attestations_left,
			completions_left = excluded.completions_left,
			unverified_wallet = excluded.unverified_wallet,
			error_timestamps = excluded.error_timestamps,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		rs.Account, rs.Active, rs.Token, rs.CallbackURL, formatTime(rs.ExpiresAt), rs.PepperFetchesLeft,
		rs.AttestationsLeft, rs.CompletionsLeft, rs.UnverifiedWallet, marshalTimestamps(rs.ErrorTimestamps),
		formatTime(time.Now()),
	)
	return err
}

// DeleteRelayerSession removes the relayer session of account
func (s *SQLiteStore) DeleteRelayerSession(ctx context.Context, account string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM relayer_sessions WHERE account = ?", account)
	return err
}

// RecordWallet records a relay wallet, updating its verified flag when already known
func (s *SQLiteStore) RecordWallet(ctx context.Context, w *Wallet) error {
	if w.ID == "" {
		w.ID = generateID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (id, account, address, implementation, verified, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account, address) DO UPDATE SET verified = excluded.verified
	`, w.ID, w.Account, w.Address, w.Implementation, w.Verified, formatTime(time.Now()))
	return err
}

// ListWallets lists the relay wallets recorded for account
func (s *SQLiteStore) ListWallets(ctx context.Context, account string) ([]Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account, address, implementation, verified, created_at
		FROM wallets WHERE account = ? ORDER BY created_at
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []Wallet
	for rows.Next() {
		var w Wallet
		var impl sql.NullString
		var created string
		if err := rows.Scan(&w.ID, &w.Account, &w.Address, &impl, &w.Verified, &created); err != nil {
			return nil, err
		}
		w.Implementation = impl.String
		w.CreatedAt = parseTime(created)
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// SaveAttempt upserts an attempt record
func (s *SQLiteStore) SaveAttempt(ctx context.Context, a *Attempt) error {
	if a.ID == "" {
		a.ID = generateID()
	}
	query := `
		INSERT INTO verification_attempts (id, account, phone_number, phase, relayed, wallet, completed, total,
			revoked, error_kind, error_code, error_message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			relayed = excluded.relayed,
			wallet = excluded.wallet,
			completed = excluded.completed,
			total = excluded.total,
			revoked = excluded.revoked,
			error_kind = excluded.error_kind,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			finished_at = excluded.finished_at
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.Account, a.PhoneNumber, a.Phase, a.Relayed, a.Wallet, a.Completed, a.Total,
		a.Revoked, a.ErrorKind, a.ErrorCode, a.ErrorMessage, formatTime(a.StartedAt), formatTime(a.FinishedAt),
	)
	return err
}

const sqliteAttemptColumns = `id, account, phone_number, phase, relayed, wallet, completed, total, revoked,
	error_kind, error_code, error_message, started_at, finished_at`

// GetAttempt retrieves an attempt by ID
func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteAttemptColumns+" FROM verification_attempts WHERE id = ?", id)
	a, err := scanSQLiteAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAttempts lists attempts of account, newest first
func (s *SQLiteStore) ListAttempts(ctx context.Context, account string, pagination PaginationParams) (*PaginatedResult[Attempt], error) {
	limit := pageSize(pagination)
	query := "SELECT " + sqliteAttemptColumns + " FROM verification_attempts WHERE account = ?"
	args := []any{account}
	if pagination.Cursor != "" {
		ts, id, err := decodeCursor(pagination.Cursor)
		if err != nil {
			return nil, err
		}
		query += " AND (started_at < ? OR (started_at = ? AND id < ?))"
		args = append(args, formatTime(ts), formatTime(ts), id)
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		a, err := scanSQLiteAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return paginate(attempts, limit), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAttempt(row rowScanner) (*Attempt, error) {
	var a Attempt
	var wallet, kind, code, msg, finished sql.NullString
	var started string
	err := row.Scan(&a.ID, &a.Account, &a.PhoneNumber, &a.Phase, &a.Relayed, &wallet, &a.Completed, &a.Total,
		&a.Revoked, &kind, &code, &msg, &started, &finished)
	if err != nil {
		return nil, err
	}
	a.Wallet = wallet.String
	a.ErrorKind = kind.String
	a.ErrorCode = code.String
	a.ErrorMessage = msg.String
	a.StartedAt = parseTime(started)
	a.FinishedAt = parseTime(finished.String)
	return &a, nil
}

// CreateAPIKey creates a new API key
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, name string) (string, error) {
	key := generateAPIKey()
	_, err := s.db.ExecContext(ctx, "INSERT INTO api_keys (id, key_hash, name, created_at) VALUES (?, ?, ?, datetime('now'))",
		generateID(), hashAPIKey(key), name)
	if err != nil {
		return "", err
	}
	return key, nil
}

// ValidateAPIKey validates an API key
func (s *SQLiteStore) ValidateAPIKey(ctx context.Context, key string) (*APIKey, error) {
	var ak APIKey
	err := s.db.QueryRowContext(ctx, "SELECT id, key_hash, name, created_at FROM api_keys WHERE key_hash = ? AND revoked_at IS NULL", hashAPIKey(key)).Scan(
		&ak.ID, &ak.KeyHash, &ak.Name, &ak.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_, _ = s.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at = datetime('now') WHERE id = ?", ak.ID)
	return &ak, nil
}

// ListAPIKeys lists all API keys
func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, created_at, last_used_at FROM api_keys WHERE revoked_at IS NULL ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var lastUsed sql.NullString
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		k.LastUsedAt = lastUsed.String
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey revokes an API key
func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE api_keys SET revoked_at = datetime('now') WHERE id = ? AND revoked_at IS NULL", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Fixed-width so that text comparison orders timestamps.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
