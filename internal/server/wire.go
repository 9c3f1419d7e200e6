package server

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	bls "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	attestations "github.com/pendergraft/phoneverify/internal/attestations/domain"
	"github.com/pendergraft/phoneverify/internal/chains"
	"github.com/pendergraft/phoneverify/internal/chains/evm"
	"github.com/pendergraft/phoneverify/internal/config"
	"github.com/pendergraft/phoneverify/internal/identifier"
	"github.com/pendergraft/phoneverify/internal/issuers"
	"github.com/pendergraft/phoneverify/internal/observability/metrics"
	"github.com/pendergraft/phoneverify/internal/oracle"
	"github.com/pendergraft/phoneverify/internal/relayer"
	sessions "github.com/pendergraft/phoneverify/internal/sessions/domain"
	"github.com/pendergraft/phoneverify/internal/storage"
	verification "github.com/pendergraft/phoneverify/internal/verification/domain"
	wallets "github.com/pendergraft/phoneverify/internal/wallets/domain"
)

// Relayer is every relayer call the verification flow makes.
type Relayer interface {
	sessions.Relayer
	identifier.PepperRelay
	wallets.Deployer
	verification.Relayer
}

// Adapters are the outbound integrations. Relayer may be nil when the
// relayer is disabled.
type Adapters struct {
	Ledger    verification.Ledger
	Inspector chains.WalletInspector
	Relayer   Relayer
	Oracle    identifier.Oracle
	Issuers   attestations.IssuerService
}

// Runtime is a wired verification controller and what it owns.
type Runtime struct {
	Controller *verification.Controller
	// Service is the controller behind the logging decorator.
	Service verification.Service
	// LedgerCheck pings the ledger for /readyz. Nil when not dialled here.
	LedgerCheck Pinger

	closers []func()
}

// Close stops the controller and releases connections.
func (rt *Runtime) Close() {
	rt.Controller.Close()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// Dial builds the production adapters from cfg and wires them.
func Dial(ctx context.Context, cfg *config.Config, store storage.Store, logger *slog.Logger) (*Runtime, error) {
	key, err := cfg.AccountKey()
	if err != nil {
		return nil, err
	}

	ledger, err := evm.Dial(ctx, evm.Config{
		RPCURL:       cfg.Ledger.RPCURL,
		ChainID:      cfg.Ledger.ChainID,
		Registry:     optionalAddress(cfg.Ledger.Registry),
		FeeToken:     optionalAddress(cfg.Ledger.FeeToken),
		PollInterval: cfg.Ledger.PollInterval,
	}, key, evm.NewHTTPDirectory(cfg.Ledger.DirectoryTimeout), logger.With("component", "ledger"))
	if err != nil {
		return nil, fmt.Errorf("connecting to ledger: %w", err)
	}

	adapters := Adapters{
		Ledger:    ledger,
		Inspector: evm.NewInspector(ledger.Backend(), cfg.WalletImplementations(), common.HexToHash(cfg.Ledger.WalletProxyCodeHash)),
		Oracle:    oracle.New(cfg.Oracle.URL),
		Issuers:   issuers.New(),
	}
	if cfg.Relayer.Enabled {
		adapters.Relayer = relayer.New(cfg.Relayer.URL, key,
			relayer.WithObserver(metrics.RelayerCall),
			relayer.WithLogger(logger.With("component", "relayer")),
		)
	}

	rt, err := Wire(cfg, store, key, adapters, logger)
	if err != nil {
		ledger.Close()
		return nil, err
	}
	rt.LedgerCheck = ledgerPinger{ledger}
	rt.closers = append(rt.closers, ledger.Close)
	return rt, nil
}

// Wire assembles the domain services around adapters.
func Wire(cfg *config.Config, store storage.Store, key *ecdsa.PrivateKey, adapters Adapters, logger *slog.Logger) (*Runtime, error) {
	oracleKey, err := ParseOracleKey(cfg.Oracle.PublicKey)
	if err != nil {
		return nil, err
	}

	deps := verification.Dependencies{
		Key:      key,
		Ledger:   adapters.Ledger,
		Issuers:  adapters.Issuers,
		Attempts: store,
		Recorder: metrics.Recorder{},
	}

	var pepperRelay identifier.PepperRelay
	if adapters.Relayer != nil {
		account := crypto.PubkeyToAddress(key.PublicKey).Hex()
		sessionSvc := sessions.NewService(account, adapters.Relayer, store, sessionSettings(cfg), logger)
		deps.Sessions = sessionSvc
		deps.Relayer = adapters.Relayer
		deps.Wallets = wallets.NewService(adapters.Ledger, adapters.Inspector, adapters.Relayer, sessionSvc, store,
			walletSettings(cfg), logger.With("component", "wallets"))
		pepperRelay = adapters.Relayer
	}
	deps.Deriver = identifier.NewDeriver(adapters.Oracle, pepperRelay, store, oracleKey, logger.With("component", "identifier"))

	controller := verification.NewController(deps, verificationSettings(cfg), logger)
	return &Runtime{
		Controller: controller,
		Service:    verification.LoggingMiddleware(logger.With("component", "verification.api"))(controller),
	}, nil
}

// ParseOracleKey decodes the oracle's compressed G2 public key, given as
// base64 or as 0x-prefixed hex.
func ParseOracleKey(s string) (*bls.G2Affine, error) {
	s = strings.TrimSpace(s)
	var raw []byte
	var err error
	if strings.HasPrefix(s, "0x") {
		raw, err = hexutil.Decode(s)
	} else {
		raw, err = base64.StdEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding ORACLE_PUBLIC_KEY: %w", err)
	}
	return identifier.ParsePublicKey(raw)
}

// sessionSettings maps the tunables onto the relayer session service.
func sessionSettings(cfg *config.Config) sessions.Settings {
	v := cfg.Verification
	return sessions.Settings{
		ReadinessRetries:   v.ReadinessRetries,
		ReadinessBaseDelay: v.ReadinessBaseDelay,
		ReadinessTimeout:   v.ReadinessTimeout,
		ErrorWindow:        v.ErrorWindow,
		ErrorAllotment:     v.ErrorAllotment,
	}
}

// walletSettings maps the tunables onto the relay wallet resolver. New
// wallets use the first allowed implementation.
func walletSettings(cfg *config.Config) wallets.Settings {
	s := wallets.DefaultSettings()
	s.RequiredAttestations = cfg.Verification.AttestationsRequired
	s.DeployRetries = cfg.Verification.DeployRetries
	if impls := cfg.WalletImplementations(); len(impls) > 0 {
		s.Implementation = impls[0]
	}
	return s
}

func verificationSettings(cfg *config.Config) verification.Settings {
	v := cfg.Verification
	s := verification.DefaultSettings()
	s.RelayerEnabled = cfg.Relayer.Enabled
	s.Timeout = v.AttemptTimeout
	s.Attestations.Required = v.AttestationsRequired
	s.Attestations.CompletionAttempts = v.CompletionAttempts
	s.Attestations.RevealRetryDelay = v.RevealRetryDelay
	return s
}

func optionalAddress(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

type ledgerPinger struct {
	ledger *evm.Ledger
}

func (p ledgerPinger) Ping(ctx context.Context) error {
	_, err := p.ledger.Backend().BlockNumber(ctx)
	return err
}
