// Package config loads the daemon configuration from the environment.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Config holds all configuration for the server
type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Auth         AuthConfig
	Logging      LoggingConfig
	RateLimit    RateLimitConfig
	Metrics      MetricsConfig
	Ledger       LedgerConfig
	Account      AccountConfig
	Oracle       OracleConfig
	Relayer      RelayerConfig
	Verification VerificationConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	MaxBodyKB       int           `env:"SERVER_MAX_BODY_KB" envDefault:"64"`
	FilterProbes    bool          `env:"SERVER_FILTER_PROBES" envDefault:"true"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type     string `env:"STORAGE_TYPE" envDefault:"sqlite"` // "sqlite" or "postgres"
	Postgres PostgresConfig
	SQLite   SQLiteConfig
}

// PostgresConfig holds Postgres connection settings
type PostgresConfig struct {
	URL string `env:"DATABASE_URL"`
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path string `env:"SQLITE_PATH" envDefault:"./data/phoneverify.db"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	Type string `env:"AUTH_TYPE" envDefault:"none"` // "none" or "api-key"
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"` // "text" or "json"
}

// RateLimitConfig holds rate limiting settings. Code submissions get their
// own, stricter bucket.
type RateLimitConfig struct {
	Enabled         bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RequestsPerMin  int           `env:"RATE_LIMIT_RPM" envDefault:"300"`
	BurstSize       int           `env:"RATE_LIMIT_BURST" envDefault:"50"`
	CodesPerMin     int           `env:"RATE_LIMIT_CODES_RPM" envDefault:"10"`
	CodesBurst      int           `env:"RATE_LIMIT_CODES_BURST" envDefault:"3"`
	CleanupInterval time.Duration `env:"RATE_LIMIT_CLEANUP_INTERVAL" envDefault:"10m"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" envDefault:"false"`
	// Port serves /metrics on its own listener when non-zero.
	Port int `env:"METRICS_PORT" envDefault:"0"`
}

// LedgerConfig holds the chain connection and wallet checks.
type LedgerConfig struct {
	RPCURL                string        `env:"LEDGER_RPC_URL"`
	ChainID               int64         `env:"LEDGER_CHAIN_ID" envDefault:"44787"`
	Registry              string        `env:"REGISTRY_ADDRESS"`
	FeeToken              string        `env:"ATTESTATION_FEE_TOKEN"`
	PollInterval          time.Duration `env:"LEDGER_POLL_INTERVAL" envDefault:"1s"`
	WalletImplementations []string      `env:"WALLET_IMPLEMENTATIONS" envSeparator:","`
	WalletProxyCodeHash   string        `env:"WALLET_PROXY_CODE_HASH"`
	DirectoryTimeout      time.Duration `env:"ISSUER_DIRECTORY_TIMEOUT" envDefault:"10s"`
}

// AccountConfig locates the account key. ACCOUNT_PRIVATE_KEY wins over
// ACCOUNT_KEY_FILE.
type AccountConfig struct {
	PrivateKey string `env:"ACCOUNT_PRIVATE_KEY"`
	KeyFile    string `env:"ACCOUNT_KEY_FILE"`
}

// OracleConfig holds the blind-signature oracle settings.
type OracleConfig struct {
	URL       string `env:"ORACLE_URL"`
	PublicKey string `env:"ORACLE_PUBLIC_KEY"`
}

// RelayerConfig holds the fee relayer settings.
type RelayerConfig struct {
	URL     string `env:"RELAYER_URL"`
	Enabled bool   `env:"RELAYER_ENABLED" envDefault:"true"`
}

// VerificationConfig holds the verification tunables.
type VerificationConfig struct {
	AttestationsRequired int           `env:"ATTESTATIONS_REQUIRED" envDefault:"3"`
	AttemptTimeout       time.Duration `env:"ATTEMPT_TIMEOUT" envDefault:"10m"`
	ReadinessRetries     int           `env:"READINESS_RETRIES" envDefault:"3"`
	ReadinessBaseDelay   time.Duration `env:"READINESS_BASE_DELAY" envDefault:"5s"`
	ReadinessTimeout     time.Duration `env:"READINESS_TIMEOUT" envDefault:"5s"`
	ErrorWindow          time.Duration `env:"ERROR_WINDOW" envDefault:"3h"`
	ErrorAllotment       int           `env:"ERROR_ALLOTMENT" envDefault:"2"`
	DeployRetries        int           `env:"DEPLOY_RETRIES" envDefault:"3"`
	CompletionAttempts   int           `env:"COMPLETION_ATTEMPTS" envDefault:"3"`
	RevealRetryDelay     time.Duration `env:"REVEAL_RETRY_DELAY" envDefault:"10s"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	// If DATABASE_URL is set, default to postgres
	if cfg.Storage.Postgres.URL != "" && os.Getenv("STORAGE_TYPE") == "" {
		cfg.Storage.Type = "postgres"
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for sqlite storage"))
		}
	case "postgres":
		if c.Storage.Postgres.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported STORAGE_TYPE %q", c.Storage.Type))
	}

	if c.Auth.Type != "none" && c.Auth.Type != "api-key" {
		errs = append(errs, fmt.Errorf("unsupported AUTH_TYPE %q", c.Auth.Type))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		errs = append(errs, fmt.Errorf("unsupported LOG_FORMAT %q", c.Logging.Format))
	}

	if c.Ledger.RPCURL == "" {
		errs = append(errs, errors.New("LEDGER_RPC_URL is required"))
	}
	for _, name := range []struct{ key, value string }{
		{"REGISTRY_ADDRESS", c.Ledger.Registry},
		{"ATTESTATION_FEE_TOKEN", c.Ledger.FeeToken},
	} {
		if name.value != "" && !common.IsHexAddress(name.value) {
			errs = append(errs, fmt.Errorf("%s is not an address", name.key))
		}
	}
	for _, impl := range c.Ledger.WalletImplementations {
		if !common.IsHexAddress(strings.TrimSpace(impl)) {
			errs = append(errs, fmt.Errorf("WALLET_IMPLEMENTATIONS entry %q is not an address", impl))
		}
	}
	if h := c.Ledger.WalletProxyCodeHash; h != "" && len(strings.TrimPrefix(h, "0x")) != 64 {
		errs = append(errs, errors.New("WALLET_PROXY_CODE_HASH must be a 32-byte hex hash"))
	}

	if c.Account.PrivateKey == "" && c.Account.KeyFile == "" {
		errs = append(errs, errors.New("ACCOUNT_PRIVATE_KEY or ACCOUNT_KEY_FILE is required"))
	}
	if c.Oracle.URL == "" || c.Oracle.PublicKey == "" {
		errs = append(errs, errors.New("ORACLE_URL and ORACLE_PUBLIC_KEY are required"))
	}
	if c.Relayer.Enabled {
		if c.Relayer.URL == "" {
			errs = append(errs, errors.New("RELAYER_URL is required when RELAYER_ENABLED"))
		}
		if len(c.Ledger.WalletImplementations) == 0 {
			errs = append(errs, errors.New("WALLET_IMPLEMENTATIONS is required when RELAYER_ENABLED"))
		}
	}

	v := c.Verification
	if v.AttestationsRequired < 1 {
		errs = append(errs, errors.New("ATTESTATIONS_REQUIRED must be at least 1"))
	}
	if v.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("ATTEMPT_TIMEOUT must be positive"))
	}
	if v.ReadinessRetries < 1 || v.DeployRetries < 1 || v.CompletionAttempts < 1 {
		errs = append(errs, errors.New("retry counts must be at least 1"))
	}
	if v.ErrorAllotment < 0 {
		errs = append(errs, errors.New("ERROR_ALLOTMENT must not be negative"))
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerMin < 1 || c.RateLimit.CodesPerMin < 1) {
		errs = append(errs, errors.New("rate limits must be at least 1 per minute"))
	}

	return errors.Join(errs...)
}

// AccountKey loads the account private key.
func (c *Config) AccountKey() (*ecdsa.PrivateKey, error) {
	raw := c.Account.PrivateKey
	if raw == "" && c.Account.KeyFile != "" {
		data, err := os.ReadFile(c.Account.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		raw = string(data)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing account key: %w", err)
	}
	return key, nil
}

// WalletImplementations returns the allowed relay wallet implementations.
func (c *Config) WalletImplementations() []common.Address {
	out := make([]common.Address, 0, len(c.Ledger.WalletImplementations))
	for _, impl := range c.Ledger.WalletImplementations {
		out = append(out, common.HexToAddress(strings.TrimSpace(impl)))
	}
	return out
}
