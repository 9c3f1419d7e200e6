package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pendergraft/phoneverify/internal/config"
)

// PepperStore caches derived peppers per phone number.
type PepperStore interface {
	GetPepper(ctx context.Context, phone string) (string, error)
	SavePepper(ctx context.Context, phone, pepper string) error
	DeletePepper(ctx context.Context, phone string) error
}

// SessionStore persists the relayer session of each account.
type SessionStore interface {
	GetRelayerSession(ctx context.Context, account string) (*RelayerSession, error)
	SaveRelayerSession(ctx context.Context, s *RelayerSession) error
	DeleteRelayerSession(ctx context.Context, account string) error
}

// WalletStore records relay wallets seen for an account.
type WalletStore interface {
	RecordWallet(ctx context.Context, w *Wallet) error
	ListWallets(ctx context.Context, account string) ([]Wallet, error)
}

// AttemptStore keeps the verification attempt history.
type AttemptStore interface {
	SaveAttempt(ctx context.Context, a *Attempt) error
	GetAttempt(ctx context.Context, id string) (*Attempt, error)
	ListAttempts(ctx context.Context, account string, pagination PaginationParams) (*PaginatedResult[Attempt], error)
}

// APIKeyStore handles API key operations
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, name string) (key string, err error)
	ValidateAPIKey(ctx context.Context, key string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
}

// Store combines all storage interfaces with lifecycle methods.
// Domain services define their own minimal interfaces based on their actual usage.
type Store interface {
	PepperStore
	SessionStore
	WalletStore
	AttemptStore
	APIKeyStore

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
}

// RelayerSession is the persisted form of an account's relayer session.
type RelayerSession struct {
	Account           string
	Active            bool
	Token             string
	CallbackURL       string
	ExpiresAt         time.Time
	PepperFetchesLeft int
	AttestationsLeft  int
	CompletionsLeft   int
	UnverifiedWallet  string
	ErrorTimestamps   []time.Time
	UpdatedAt         time.Time
}

// Wallet is a relay wallet recorded for an account.
type Wallet struct {
	ID             string
	Account        string
	Address        string
	Implementation string
	Verified       bool
	CreatedAt      time.Time
}

// Attempt is one verification attempt in the history.
type Attempt struct {
	ID           string
	Account      string
	PhoneNumber  string
	Phase        string
	Relayed      bool
	Wallet       string
	Completed    int
	Total        int
	Revoked      bool
	ErrorKind    string
	ErrorCode    string
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// APIKey represents an API key
type APIKey struct {
	ID         string
	Name       string
	KeyHash    string
	CreatedAt  string
	LastUsedAt string
	RevokedAt  string
}

// PaginationParams contains pagination options
type PaginationParams struct {
	Limit  int
	Cursor string
}

// PaginatedResult contains paginated results
type PaginatedResult[T any] struct {
	Data       []T
	HasMore    bool
	NextCursor string
}

// New creates a new store based on configuration
func New(cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite.Path, logger)
	case "postgres":
		return NewPostgresStore(cfg.Postgres.URL, logger)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
