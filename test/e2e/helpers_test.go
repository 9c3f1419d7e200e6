//go:build e2e

package e2e

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	bls "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/phoneverify/internal/config"
	"github.com/pendergraft/phoneverify/internal/server"
	"github.com/pendergraft/phoneverify/internal/storage"
	"github.com/pendergraft/phoneverify/pkg/client"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestContext holds shared test infrastructure
type TestContext struct {
	PostgresContainer *postgres.PostgresContainer
	ConnString        string
	TestServer        *httptest.Server
	Store             storage.Store
	Runtime           *server.Runtime
	Ledger            *fakeLedger
	Issuers           *fakeIssuers
	Oracle            *fakeOracle
}

// setupPostgresE starts a Postgres container and returns the connection string
func setupPostgresE(ctx context.Context) (*postgres.PostgresContainer, string, error) {
	postgresContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("phoneverify"),
		postgres.WithUsername("phoneverify"),
		postgres.WithPassword("phoneverify"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start postgres container: %w", err)
	}

	connString, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = postgresContainer.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get postgres connection string: %w", err)
	}

	return postgresContainer, connString, nil
}

// oracleSecret is the BLS secret behind the fake oracle's public key.
const oracleSecret = 7919

func oraclePublicKey() string {
	_, _, _, g2 := bls.Generators()
	var pk bls.G2Affine
	pk.ScalarMultiplication(&g2, big.NewInt(oracleSecret))
	raw := pk.Bytes()
	return base64.StdEncoding.EncodeToString(raw[:])
}

// startServerE wires the daemon in-process against Postgres and fake
// ledger, oracle and issuers. The relayer is disabled so every attempt runs
// on the unrelayed path.
func startServerE(tc *TestContext) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}

	cfg := &config.Config{
		Server:    config.ServerConfig{Port: 8080, Host: "0.0.0.0", MaxBodyKB: 64, FilterProbes: true},
		Storage:   config.StorageConfig{Type: "postgres", Postgres: config.PostgresConfig{URL: tc.ConnString}},
		Auth:      config.AuthConfig{Type: "api-key"},
		Logging:   config.LoggingConfig{Level: "debug", Format: "text"},
		RateLimit: config.RateLimitConfig{Enabled: false},
		Oracle:    config.OracleConfig{URL: "http://oracle.invalid", PublicKey: oraclePublicKey()},
		Relayer:   config.RelayerConfig{Enabled: false},
		Verification: config.VerificationConfig{
			AttestationsRequired: 3,
			AttemptTimeout:       time.Minute,
			CompletionAttempts:   3,
			RevealRetryDelay:     10 * time.Millisecond,
		},
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	store, err := storage.New(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	tc.Ledger = newFakeLedger()
	tc.Issuers = &fakeIssuers{}
	tc.Oracle = &fakeOracle{secret: big.NewInt(oracleSecret)}

	rt, err := server.Wire(cfg, store, key, server.Adapters{
		Ledger:  tc.Ledger,
		Oracle:  tc.Oracle,
		Issuers: tc.Issuers,
	}, logger)
	if err != nil {
		return fmt.Errorf("wiring runtime: %w", err)
	}

	srv := server.New(cfg, store, rt.Service, logger, server.WithReadinessCheck("ledger", tc.Ledger))

	tc.Store = store
	tc.Runtime = rt
	tc.TestServer = httptest.NewServer(srv.Handler())
	return nil
}

// newClient creates a new API client for the test server
func newClient(testServer *httptest.Server, apiKey string) *client.Client {
	return client.New(testServer.URL, apiKey)
}

// createTestAPIKey creates a test API key using the store directly
func createTestAPIKey(t *testing.T, store storage.Store, name string) string {
	key, err := store.CreateAPIKey(context.Background(), name)
	require.NoError(t, err, "Failed to create API key")
	return key
}

// assertHTTPError asserts that an error is an APIError with the expected code
func assertHTTPError(t *testing.T, err error, expectedCode string) {
	t.Helper()
	require.Error(t, err, "Expected an error")
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr), "Error should be an APIError")
	require.Equal(t, expectedCode, apiErr.Code, "Error code mismatch")
}

// waitFor follows the event stream until cond holds.
func waitFor(t *testing.T, c *client.Client, desc string, cond func(client.Status) bool) client.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var got client.Status
	found := errors.New("found")
	err := c.Events(ctx, func(st client.Status) error {
		got = st
		if cond(st) {
			return found
		}
		return nil
	})
	require.ErrorIs(t, err, found, "never reached %s (last phase %s)", desc, got.Phase)
	return got
}

func inPhase(phase string) func(client.Status) bool {
	return func(st client.Status) bool { return st.Phase == phase }
}

// awaitingCodes holds once every slot has been revealed.
func awaitingCodes(st client.Status) bool {
	if st.Phase != "awaiting_codes" || len(st.Slots) == 0 {
		return false
	}
	for _, s := range st.Slots {
		if s.State != "AwaitingCode" {
			return false
		}
	}
	return true
}
