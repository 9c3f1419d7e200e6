package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new Postgres store
func NewPostgresStore(url string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := `
	-- Pepper cache
	CREATE TABLE IF NOT EXISTS peppers (
		phone_number TEXT PRIMARY KEY,
		pepper TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	-- Relayer sessions
	CREATE TABLE IF NOT EXISTS relayer_sessions (
		account TEXT PRIMARY KEY,
		active BOOLEAN NOT NULL DEFAULT FALSE,
		token TEXT,
		callback_url TEXT,
		expires_at TIMESTAMPTZ,
		pepper_fetches_left INTEGER NOT NULL DEFAULT 0,
		attestations_left INTEGER NOT NULL DEFAULT 0,
		completions_left INTEGER NOT NULL DEFAULT 0,
		unverified_wallet TEXT,
		error_timestamps JSONB NOT NULL DEFAULT '[]',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	-- Relay wallets
	CREATE TABLE IF NOT EXISTS wallets (
		id UUID PRIMARY KEY,
		account TEXT NOT NULL,
		address TEXT NOT NULL,
		implementation TEXT,
		verified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE(account, address)
	);

	-- Verification attempts
	CREATE TABLE IF NOT EXISTS verification_attempts (
		id UUID PRIMARY KEY,
		account TEXT NOT NULL,
		phone_number TEXT NOT NULL,
		phase TEXT NOT NULL,
		relayed BOOLEAN NOT NULL DEFAULT FALSE,
		wallet TEXT,
		completed INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		error_kind TEXT,
		error_code TEXT,
		error_message TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	);

	-- API keys
	CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		last_used_at TIMESTAMPTZ,
		revoked_at TIMESTAMPTZ
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
func (s *PostgresStore) GetPepper(ctx context.Context, phone string) (string, error) {
	var pepper string
	err := s.db.QueryRowContext(ctx, "SELECT pepper FROM peppers WHERE phone_number = $1", phone).Scan(&pepper)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return pepper, err
}

// SavePepper caches a pepper for phone
func (s *PostgresStore) SavePepper(ctx context.Context, phone, pepper string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peppers (phone_number, pepper) VALUES ($1, $2)
		ON CONFLICT (phone_number) DO UPDATE SET pepper = EXCLUDED.pepper
	`, phone, pepper)
	return err
}

// DeletePepper forgets the cached pepper for phone
func (s *PostgresStore) DeletePepper(ctx context.Context, phone string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM peppers WHERE phone_number = $1", phone)
	return err
}

// GetRelayerSession loads the relayer session of account
func (s *PostgresStore) GetRelayerSession(ctx context.Context, account string) (*RelayerSession, error) {
	query := `
		SELECT account, active, token, callback_url, expires_at, pepper_fetches_left, attestations_left,
		       completions_left, unverified_wallet, error_timestamps::text, updated_at
		FROM relayer_sessions
		WHERE account = $1
	`
	var rs RelayerSession
	var token, callback, wallet sql.NullString
	var expires sql.NullTime
	var errorsRaw string
	err := s.db.QueryRowContext(ctx, query, account).Scan(
		&rs.Account, &rs.Active, &token, &callback, &expires, &rs.PepperFetchesLeft, &rs.AttestationsLeft,
		&rs.CompletionsLeft, &wallet, &errorsRaw, &rs.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rs.Token = token.String
	rs.CallbackURL = callback.String
	if expires.Valid {
		rs.ExpiresAt = expires.Time
	}
	rs.UnverifiedWallet = wallet.String
	rs.ErrorTimestamps = unmarshalTimestamps(errorsRaw)
	return &rs, nil
}

// SaveRelayerSession upserts the relayer session of an account
func (s *PostgresStore) SaveRelayerSession(ctx context.Context, rs *RelayerSession) error {
	query := `
		INSERT INTO relayer_sessions (account, active, token, callback_url, expires_at, pepper_fetches_left,
			attestations_left, completions_left, unverified_wallet, error_timestamps, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, NOW())
		ON CONFLICT (account) DO UPDATE SET
			active = EXCLUDED.active,
			token = EXCLUDED.token,
			callback_url = EXCLUDED.callback_url,
			expires_at = EXCLUDED.expires_at,
			pepper_fetches_left = EXCLUDED.pepper_fetches_left,
			attestations_left = EXCLUDED.attestations_left,
			completions_left = EXCLUDED.completions_left,
			unverified_wallet = EXCLUDED.unverified_wallet,
			error_timestamps = EXCLUDED.error_timestamps,
			updated_at = NOW()
	`
	_, err := s.db.ExecContext(ctx, query,
		rs.Account, rs.Active, rs.Token, rs.CallbackURL, nullTime(rs.ExpiresAt), rs.PepperFetchesLeft,
		rs.AttestationsLeft, rs.CompletionsLeft, rs.UnverifiedWallet, marshalTimestamps(rs.ErrorTimestamps),
	)
	return err
}

// DeleteRelayerSession removes the relayer session of account
func (s *PostgresStore) DeleteRelayerSession(ctx context.Context, account string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM relayer_sessions WHERE account = $1", account)
	return err
}

// RecordWallet records a relay wallet, updating its verified flag when already known
func (s *PostgresStore) RecordWallet(ctx context.Context, w *Wallet) error {
	if w.ID == "" {
		w.ID = generateID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (id, account, address, implementation, verified)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account, address) DO UPDATE SET verified = EXCLUDED.verified
	`, w.ID, w.Account, w.Address, w.Implementation, w.Verified)
	return err
}

// ListWallets lists the relay wallets recorded for account
func (s *PostgresStore) ListWallets(ctx context.Context, account string) ([]Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account, address, implementation, verified, created_at
		FROM wallets WHERE account = $1 ORDER BY created_at
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []Wallet
	for rows.Next() {
		var w Wallet
		var impl sql.NullString
		if err := rows.Scan(&w.ID, &w.Account, &w.Address, &impl, &w.Verified, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.Implementation = impl.String
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// SaveAttempt upserts an attempt record
func (s *PostgresStore) SaveAttempt(ctx context.Context, a *Attempt) error {
	if a.ID == "" {
		a.ID = generateID()
	}
	query := `
		INSERT INTO verification_attempts (id, account, phone_number, phase, relayed, wallet, completed, total,
			revoked, error_kind, error_code, error_message, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			phase = EXCLUDED.phase,
			relayed = EXCLUDED.relayed,
			wallet = EXCLUDED.wallet,
			completed = EXCLUDED.completed,
			total = EXCLUDED.total,
			revoked = EXCLUDED.revoked,
			error_kind = EXCLUDED.error_kind,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			finished_at = EXCLUDED.finished_at
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.Account, a.PhoneNumber, a.Phase, a.Relayed, a.Wallet, a.Completed, a.Total,
		a.Revoked, a.ErrorKind, a.ErrorCode, a.ErrorMessage, a.StartedAt.UTC(), nullTime(a.FinishedAt),
	)
	return err
}

const postgresAttemptColumns = `id, account, phone_number, phase, relayed, wallet, completed, total, revoked,
	error_kind, error_code, error_message, started_at, finished_at`

// GetAttempt retrieves an attempt by ID
func (s *PostgresStore) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+postgresAttemptColumns+" FROM verification_attempts WHERE id = $1", id)
	a, err := scanPostgresAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAttempts lists attempts of account, newest first
func (s *PostgresStore) ListAttempts(ctx context.Context, account string, pagination PaginationParams) (*PaginatedResult[Attempt], error) {
	limit := pageSize(pagination)
	query := "SELECT " + postgresAttemptColumns + " FROM verification_attempts WHERE account = $1"
	args := []any{account}
	if pagination.Cursor != "" {
		ts, id, err := decodeCursor(pagination.Cursor)
		if err != nil {
			return nil, err
		}
		query += " AND (started_at, id) < ($2, $3)"
		args = append(args, ts, id)
	}
	query += fmt.Sprintf(" ORDER BY started_at DESC, id DESC LIMIT $%d", len(args)+1)
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		a, err := scanPostgresAttempt(rows)
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

func scanPostgresAttempt(row rowScanner) (*Attempt, error) {
	var a Attempt
	var wallet, kind, code, msg sql.NullString
	var finished sql.NullTime
	err := row.Scan(&a.ID, &a.Account, &a.PhoneNumber, &a.Phase, &a.Relayed, &wallet, &a.Completed, &a.Total,
		&a.Revoked, &kind, &code, &msg, &a.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	a.Wallet = wallet.String
	a.ErrorKind = kind.String
	a.ErrorCode = code.String
	a.ErrorMessage = msg.String
	if finished.Valid {
		a.FinishedAt = finished.Time
	}
	return &a, nil
}

// CreateAPIKey creates a new API key
func (s *PostgresStore) CreateAPIKey(ctx context.Context, name string) (string, error) {
	key := generateAPIKey()
	_, err := s.db.ExecContext(ctx, "INSERT INTO api_keys (id, key_hash, name) VALUES ($1, $2, $3)", generateID(), hashAPIKey(key), name)
	if err != nil {
		return "", err
	}
	return key, nil
}

// ValidateAPIKey validates an API key
func (s *PostgresStore) ValidateAPIKey(ctx context.Context, key string) (*APIKey, error) {
	var ak APIKey
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, "SELECT id, key_hash, name, created_at FROM api_keys WHERE key_hash = $1 AND revoked_at IS NULL", hashAPIKey(key)).Scan(
		&ak.ID, &ak.KeyHash, &ak.Name, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ak.CreatedAt = createdAt.Format("2006-01-02 15:04:05")
	_, _ = s.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at = NOW() WHERE id = $1", ak.ID)
	return &ak, nil
}

// ListAPIKeys lists all API keys
func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, created_at, last_used_at FROM api_keys WHERE revoked_at IS NULL ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var createdAt time.Time
		var lastUsed sql.NullTime
		if err := rows.Scan(&k.ID, &k.Name, &createdAt, &lastUsed); err != nil {
			return nil, err
		}
		k.CreatedAt = createdAt.Format("2006-01-02 15:04:05")
		if lastUsed.Valid {
			k.LastUsedAt = lastUsed.Time.Format("2006-01-02 15:04:05")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey revokes an API key
func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
