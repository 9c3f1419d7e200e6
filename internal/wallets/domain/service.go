// Package domain finds, deploys and validates the relay wallet used for relayed verification.
package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/pendergraft/phoneverify/internal/chains"
	"github.com/pendergraft/phoneverify/internal/faults"
	sessions "github.com/pendergraft/phoneverify/internal/sessions/domain"
	"github.com/pendergraft/phoneverify/internal/storage"
)

// Errors returned by the wallet service.
var (
	ErrMultipleVerifiedWallets = errors.New("more than one verified relay wallet")
	ErrInvalidWallet           = errors.New("relay wallet failed validation")
	ErrQuotaExceeded           = errors.New("no relayer quota left to deploy a wallet")
)

// Ledger is the read access needed to judge wallet candidates.
type Ledger interface {
	LookupAccounts(ctx context.Context, identifier common.Hash) ([]common.Address, error)
	PastStatus(ctx context.Context, identifier common.Hash, account common.Address) (chains.AttestationsStatus, error)
}

// Deployer asks the relayer to deploy a wallet.
type Deployer interface {
	DeployWallet(ctx context.Context, token string, implementation common.Address) (common.Address, error)
}

// Sessions is the relayer session surface the resolver depends on.
type Sessions interface {
	Session() sessions.Session
	Restart(ctx context.Context, humanityProof string) error
	SetUnverifiedWallet(ctx context.Context, address string)
	RecordError(ctx context.Context, err error)
}

// WalletStore records wallets seen by this account.
type WalletStore interface {
	RecordWallet(ctx context.Context, w *storage.Wallet) error
	ListWallets(ctx context.Context, account string) ([]storage.Wallet, error)
}

// Service resolves relay wallets.
type Service struct {
	ledger    Ledger
	inspector chains.WalletInspector
	deployer  Deployer
	sessions  Sessions
	store     WalletStore
	settings  Settings
	logger    *slog.Logger
}

// NewService creates a wallet service. store may be nil.
func NewService(ledger Ledger, inspector chains.WalletInspector, deployer Deployer, sessions Sessions, store WalletStore, settings Settings, logger *slog.Logger) *Service {
	return &Service{
		ledger:    ledger,
		inspector: inspector,
		deployer:  deployer,
		sessions:  sessions,
		store:     store,
		settings:  settings,
		logger:    logger.With("component", "wallets"),
	}
}

// FindVerified returns the single verified wallet that signer controls for
// identifier, nil when there is none, and ErrMultipleVerifiedWallets when more
// than one candidate qualifies.
func (s *Service) FindVerified(ctx context.Context, identifier common.Hash, signer common.Address) (*RelayWallet, error) {
	candidates, err := s.ledger.LookupAccounts(ctx, identifier)
	if err != nil {
		return nil, faults.New(faults.KindOf(err), "wallets.lookup", err)
	}

	var verified []RelayWallet
	for _, candidate := range candidates {
		if candidate == signer {
			// The signer itself is the unrelayed path, not a relay wallet.
			continue
		}
		status, err := s.ledger.PastStatus(ctx, identifier, candidate)
		if err != nil {
			return nil, faults.New(faults.KindOf(err), "wallets.status", err)
		}
		if !status.Verified(s.settings.RequiredAttestations) {
			continue
		}
		check, err := s.inspector.InspectWallet(ctx, candidate, signer)
		if err != nil {
			return nil, faults.New(faults.KindOf(err), "wallets.inspect", err)
		}
		if !check.Valid() {
			s.logger.Debug("verified candidate rejected", "wallet", candidate.Hex(),
				"implementation_valid", check.ImplementationValid, "signer_authorized", check.SignerAuthorized)
			continue
		}
		verified = append(verified, RelayWallet{
			Address:             candidate,
			Verified:            true,
			ImplementationValid: true,
			SignerAuthorized:    true,
		})
	}

	switch len(verified) {
	case 0:
		return nil, nil
	case 1:
		return &verified[0], nil
	default:
		addrs := make([]string, len(verified))
		for i, w := range verified {
			addrs[i] = w.Address.Hex()
		}
		s.logger.Error("multiple verified relay wallets", "wallets", addrs)
		return nil, faults.Coded(faults.KindProtocol, "wallets.find_verified", "multiple_verified_wallets",
			fmt.Errorf("%w: %v", ErrMultipleVerifiedWallets, addrs))
	}
}

// ResolveOrDeploy returns the relay wallet for the attempt, deploying one
// through the relayer when no usable wallet exists yet.
func (s *Service) ResolveOrDeploy(ctx context.Context, req ResolveRequest) (*RelayWallet, error) {
	found, err := s.FindVerified(ctx, req.Identifier, req.Signer)
	if err != nil {
		return nil, err
	}
	if found != nil {
		s.record(ctx, req.Signer, found)
		return found, nil
	}

	sess := s.sessions.Session()
	var tried common.Address
	if sess.UnverifiedWallet != "" && common.IsHexAddress(sess.UnverifiedWallet) {
		tried = common.HexToAddress(sess.UnverifiedWallet)
		wallet, err := s.validate(ctx, req.Identifier, tried, req.Signer)
		if err == nil {
			return wallet, nil
		}
		s.logger.Warn("cached relay wallet unusable, deploying a new one", "wallet", tried.Hex(), "error", err)
		s.sessions.SetUnverifiedWallet(ctx, "")
	}
	if wallet := s.recorded(ctx, req, tried); wallet != nil {
		return wallet, nil
	}

	if !sess.Active || sess.Quota.AttestationsLeft <= 0 {
		s.logger.Info("relayer session cannot cover a deployment, restarting session",
			"active", sess.Active, "attestations_left", sess.Quota.AttestationsLeft)
		if err := s.sessions.Restart(ctx, req.HumanityProof); err != nil {
			return nil, err
		}
		sess = s.sessions.Session()
		if !sess.Active || sess.Quota.AttestationsLeft <= 0 {
			return nil, faults.Coded(faults.KindQuotaExceeded, "wallets.deploy", "attestation_quota", ErrQuotaExceeded)
		}
	}

	address, err := s.deploy(ctx, sess.Token)
	if err != nil {
		if faults.KindOf(err) == faults.KindInvalidWallet {
			s.logger.Warn("relayer reported an invalid wallet, restarting session", "error", err)
			if rerr := s.sessions.Restart(ctx, req.HumanityProof); rerr != nil {
				s.logger.Error("session restart after invalid wallet failed", "error", rerr)
			}
			return nil, faults.Coded(faults.KindInvalidWallet, "wallets.deploy", "invalid_wallet", fmt.Errorf("%w: %v", ErrInvalidWallet, err))
		}
		s.sessions.RecordError(ctx, err)
		return nil, err
	}

	wallet, err := s.validate(ctx, req.Identifier, address, req.Signer)
	if err != nil {
		return nil, err
	}
	wallet.Deployed = true
	s.sessions.SetUnverifiedWallet(ctx, address.Hex())
	s.record(ctx, req.Signer, wallet)
	return wallet, nil
}

// recorded reuses the newest wallet previously recorded for the signer that
// still validates, so a lost session does not cost another deployment.
func (s *Service) recorded(ctx context.Context, req ResolveRequest, skip common.Address) *RelayWallet {
	if s.store == nil {
		return nil
	}
	known, err := s.store.ListWallets(ctx, req.Signer.Hex())
	if err != nil {
		s.logger.Warn("listing recorded wallets failed", "error", err)
		return nil
	}
	for i := len(known) - 1; i >= 0; i-- {
		if !common.IsHexAddress(known[i].Address) {
			continue
		}
		address := common.HexToAddress(known[i].Address)
		if address == skip {
			continue
		}
		wallet, err := s.validate(ctx, req.Identifier, address, req.Signer)
		if err != nil {
			s.logger.Debug("recorded wallet unusable", "wallet", address.Hex(), "error", err)
			continue
		}
		s.logger.Info("reusing recorded relay wallet", "wallet", address.Hex())
		s.sessions.SetUnverifiedWallet(ctx, address.Hex())
		return wallet
	}
	return nil
}

func (s *Service) deploy(ctx context.Context, token string) (common.Address, error) {
	var address common.Address
	err := retry.Do(
		func() error {
			addr, err := s.deployer.DeployWallet(ctx, token, s.settings.Implementation)
			if err != nil {
				if !faults.IsTransient(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			address = addr
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(max(1, s.settings.DeployRetries))),
		retry.Delay(s.settings.DeployRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("wallet deployment failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return common.Address{}, err
	}
	s.logger.Info("relay wallet deployed", "wallet", address.Hex())
	return address, nil
}

func (s *Service) validate(ctx context.Context, identifier common.Hash, wallet, signer common.Address) (*RelayWallet, error) {
	check, err := s.inspector.InspectWallet(ctx, wallet, signer)
	if err != nil {
		return nil, faults.New(faults.KindOf(err), "wallets.inspect", err)
	}
	if !check.Valid() {
		return nil, faults.Coded(faults.KindInvalidWallet, "wallets.validate", "invalid_wallet", ErrInvalidWallet).
			With("wallet", wallet.Hex())
	}
	status, err := s.ledger.PastStatus(ctx, identifier, wallet)
	if err != nil {
		return nil, faults.New(faults.KindOf(err), "wallets.status", err)
	}
	return &RelayWallet{
		Address:             wallet,
		Verified:            status.Verified(s.settings.RequiredAttestations),
		ImplementationValid: check.ImplementationValid,
		SignerAuthorized:    check.SignerAuthorized,
	}, nil
}

func (s *Service) record(ctx context.Context, account common.Address, w *RelayWallet) {
	if s.store == nil {
		return
	}
	err := s.store.RecordWallet(ctx, &storage.Wallet{
		ID:       uuid.New().String(),
		Account:  account.Hex(),
		Address:  w.Address.Hex(),
		Verified: w.Verified,
	})
	if err != nil {
		s.logger.Warn("recording wallet failed", "wallet", w.Address.Hex(), "error", err)
	}
}
