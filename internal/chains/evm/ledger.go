// Package evm implements the ledger contracts on an EVM chain with go-ethereum.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/pendergraft/phoneverify/internal/chains"
	"github.com/pendergraft/phoneverify/internal/faults"
)

// DefaultRegistry is the well-known registry address.
var DefaultRegistry = common.HexToAddress("0x000000000000000000000000000000000000ce10")

var (
	// ErrReverted is returned when a mined transaction failed.
	ErrReverted = errors.New("transaction reverted")
	// ErrForeignAccount is returned when asked to transact for an account
	// other than the configured key.
	ErrForeignAccount = errors.New("account is not controlled by this ledger")
)

// Backend is the RPC surface the ledger needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BlockNumber(ctx context.Context) (uint64, error)
	StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)
}

// Config holds ledger connection settings.
type Config struct {
	RPCURL       string
	ChainID      int64
	Registry     common.Address
	FeeToken     common.Address
	PollInterval time.Duration
}

// Ledger reads and writes the attestation contracts.
type Ledger struct {
	backend   Backend
	key       *ecdsa.PrivateKey
	address   common.Address
	chainID   *big.Int
	directory Directory
	poll      time.Duration
	logger    *slog.Logger

	attestationsAddr common.Address
	feeToken         common.Address
	attestations     *bind.BoundContract
	accounts         *bind.BoundContract
	token            *bind.BoundContract

	expiryMu sync.Mutex
	expiry   uint64
}

// Dial connects to cfg.RPCURL and resolves the contracts.
func Dial(ctx context.Context, cfg Config, key *ecdsa.PrivateKey, directory Directory, logger *slog.Logger) (*Ledger, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, faults.Network("ledger.dial", err)
	}
	l, err := NewLedger(ctx, client, cfg, key, directory, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return l, nil
}

// NewLedger resolves the attestation contracts through the registry.
func NewLedger(ctx context.Context, backend Backend, cfg Config, key *ecdsa.PrivateKey, directory Directory, logger *slog.Logger) (*Ledger, error) {
	if cfg.Registry == (common.Address{}) {
		cfg.Registry = DefaultRegistry
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	registry := bind.NewBoundContract(cfg.Registry, registryABI, backend, backend, backend)

	resolve := func(name string) (common.Address, error) {
		var out []interface{}
		if err := registry.Call(&bind.CallOpts{Context: ctx}, &out, "getAddressForStringOrDie", name); err != nil {
			return common.Address{}, wrap("ledger.registry", err)
		}
		return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
	}

	attestationsAddr, err := resolve(attestationsContract)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", attestationsContract, err)
	}
	accountsAddr, err := resolve(accountsContract)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", accountsContract, err)
	}
	feeToken := cfg.FeeToken
	if feeToken == (common.Address{}) {
		if feeToken, err = resolve(stableTokenContract); err != nil {
			return nil, fmt.Errorf("resolving %s: %w", stableTokenContract, err)
		}
	}

	l := &Ledger{
		backend:          backend,
		key:              key,
		chainID:          big.NewInt(cfg.ChainID),
		directory:        directory,
		poll:             cfg.PollInterval,
		logger:           logger,
		attestationsAddr: attestationsAddr,
		feeToken:         feeToken,
		attestations:     bind.NewBoundContract(attestationsAddr, attestationsABI, backend, backend, backend),
		accounts:         bind.NewBoundContract(accountsAddr, accountsABI, backend, backend, backend),
		token:            bind.NewBoundContract(feeToken, erc20ABI, backend, backend, backend),
	}
	if key != nil {
		l.address = crypto.PubkeyToAddress(key.PublicKey)
	}
	return l, nil
}

// Close releases the RPC connection when the backend owns one.
func (l *Ledger) Close() {
	if c, ok := l.backend.(interface{ Close() }); ok {
		c.Close()
	}
}

// Backend exposes the RPC backend for components sharing the connection.
func (l *Ledger) Backend() Backend { return l.backend }

// PastStatus returns the completed and requested attestation counts.
func (l *Ledger) PastStatus(ctx context.Context, identifier common.Hash, account common.Address) (chains.AttestationsStatus, error) {
	out, err := l.call(ctx, l.attestations, "getAttestationStats", identifier, account)
	if err != nil {
		return chains.AttestationsStatus{}, wrap("ledger.past_status", err)
	}
	completed := *abi.ConvertType(out[0], new(uint32)).(*uint32)
	total := *abi.ConvertType(out[1], new(uint32)).(*uint32)
	return chains.AttestationsStatus{Completed: int(completed), Total: int(total)}, nil
}

// ActionableAttestations lists selected, incomplete and unexpired attestations
// whose issuer publishes a reachable attestation service.
func (l *Ledger) ActionableAttestations(ctx context.Context, identifier common.Hash, account common.Address) ([]chains.ActionableAttestation, error) {
	out, err := l.call(ctx, l.attestations, "getAttestationIssuers", identifier, account)
	if err != nil {
		return nil, wrap("ledger.issuers", err)
	}
	issuers := *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address)
	if len(issuers) == 0 {
		return nil, nil
	}

	head, err := l.backend.BlockNumber(ctx)
	if err != nil {
		return nil, wrap("ledger.block_number", err)
	}
	expiry, err := l.expiryBlocks(ctx)
	if err != nil {
		return nil, err
	}

	var actionable []chains.ActionableAttestation
	for _, issuer := range issuers {
		out, err := l.call(ctx, l.attestations, "getAttestationState", identifier, account, issuer)
		if err != nil {
			return nil, wrap("ledger.attestation_state", err)
		}
		state := *abi.ConvertType(out[0], new(uint8)).(*uint8)
		block := uint64(*abi.ConvertType(out[1], new(uint32)).(*uint32))
		if state != stateIncomplete || block+expiry < head {
			continue
		}

		svc, err := l.service(ctx, issuer)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.logger.Warn("issuer service unavailable", "issuer", issuer.Hex(), "error", err)
			continue
		}
		actionable = append(actionable, chains.ActionableAttestation{
			Issuer:         issuer,
			BlockNumber:    block,
			ServiceURL:     svc.URL,
			ServiceVersion: svc.Version,
			Name:           svc.Name,
		})
	}
	return actionable, nil
}

func (l *Ledger) service(ctx context.Context, issuer common.Address) (Service, error) {
	out, err := l.call(ctx, l.accounts, "getMetadataURL", issuer)
	if err != nil {
		return Service{}, wrap("ledger.metadata_url", err)
	}
	return l.directory.Lookup(ctx, *abi.ConvertType(out[0], new(string)).(*string))
}

func (l *Ledger) expiryBlocks(ctx context.Context) (uint64, error) {
	l.expiryMu.Lock()
	defer l.expiryMu.Unlock()
	if l.expiry > 0 {
		return l.expiry, nil
	}
	out, err := l.call(ctx, l.attestations, "attestationExpiryBlocks")
	if err != nil {
		return 0, wrap("ledger.expiry", err)
	}
	l.expiry = (*abi.ConvertType(out[0], new(*big.Int)).(**big.Int)).Uint64()
	return l.expiry, nil
}

// LookupAccounts lists the accounts that have requested attestations for identifier.
func (l *Ledger) LookupAccounts(ctx context.Context, identifier common.Hash) ([]common.Address, error) {
	out, err := l.call(ctx, l.attestations, "lookupAccountsForIdentifier", identifier)
	if err != nil {
		return nil, wrap("ledger.lookup_accounts", err)
	}
	return *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address), nil
}

// RequestAttestations pays the request fee, requests count attestations and
// selects issuers once the selection delay has passed.
func (l *Ledger) RequestAttestations(ctx context.Context, identifier common.Hash, account common.Address, count int) error {
	if err := l.own(account); err != nil {
		return err
	}
	out, err := l.call(ctx, l.attestations, "getAttestationRequestFee", l.feeToken)
	if err != nil {
		return wrap("ledger.request_fee", err)
	}
	fee := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	total := new(big.Int).Mul(fee, big.NewInt(int64(count)))

	if _, err := l.transact(ctx, l.token, "ledger.approve", "approve", l.attestationsAddr, total); err != nil {
		return err
	}
	receipt, err := l.transact(ctx, l.attestations, "ledger.request", "request", identifier, big.NewInt(int64(count)), l.feeToken)
	if err != nil {
		return err
	}

	out, err = l.call(ctx, l.attestations, "selectIssuersWaitBlocks")
	if err != nil {
		return wrap("ledger.select_wait", err)
	}
	wait := (*abi.ConvertType(out[0], new(*big.Int)).(**big.Int)).Uint64()
	if err := l.waitForBlock(ctx, receipt.BlockNumber.Uint64()+wait); err != nil {
		return err
	}
	_, err = l.transact(ctx, l.attestations, "ledger.select_issuers", "selectIssuers", identifier)
	return err
}

// CompleteAttestation submits code for issuer.
func (l *Ledger) CompleteAttestation(ctx context.Context, identifier common.Hash, account, issuer common.Address, code string) error {
	if err := l.own(account); err != nil {
		return err
	}
	sig, err := parseSignature(code)
	if err != nil {
		return faults.Protocol("ledger.complete", err)
	}
	_, err = l.transact(ctx, l.attestations, "ledger.complete", "complete", identifier, sig.V, sig.R, sig.S)
	return err
}

// ValidateCode asks the contract whether code is issuer's valid code. A
// reverted check means the code is not valid.
func (l *Ledger) ValidateCode(ctx context.Context, identifier common.Hash, account, issuer common.Address, code string) (bool, error) {
	sig, err := parseSignature(code)
	if err != nil {
		return false, nil
	}
	out, err := l.call(ctx, l.attestations, "validateAttestationCode", identifier, account, sig.V, sig.R, sig.S)
	if err != nil {
		if faults.IsRevert(err) {
			return false, nil
		}
		return false, wrap("ledger.validate_code", err)
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address) == issuer, nil
}

// FindMatchingIssuer recovers the signer of code and returns the issuer among
// issuers whose attestation signer it is, or the zero address.
func (l *Ledger) FindMatchingIssuer(ctx context.Context, identifier common.Hash, account common.Address, code string, issuers []common.Address) (common.Address, error) {
	signer, err := RecoverCodeSigner(identifier, account, code)
	if err != nil {
		return common.Address{}, faults.Protocol("ledger.recover", err)
	}
	for _, issuer := range issuers {
		out, err := l.call(ctx, l.accounts, "getAttestationSigner", issuer)
		if err != nil {
			return common.Address{}, wrap("ledger.attestation_signer", err)
		}
		if *abi.ConvertType(out[0], new(common.Address)).(*common.Address) == signer {
			return issuer, nil
		}
	}
	return common.Address{}, nil
}

func (l *Ledger) own(account common.Address) error {
	if l.key == nil || account != l.address {
		return faults.New(faults.KindFatal, "ledger.transact", fmt.Errorf("%w: %s", ErrForeignAccount, account.Hex()))
	}
	return nil
}

func (l *Ledger) call(ctx context.Context, c *bind.BoundContract, method string, params ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, err
	}
	return out, nil
}

// transact sends a transaction and waits for it to be mined.
func (l *Ledger) transact(ctx context.Context, c *bind.BoundContract, op, method string, params ...interface{}) (*types.Receipt, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(l.key, l.chainID)
	if err != nil {
		return nil, faults.New(faults.KindFatal, op, err)
	}
	opts.Context = ctx

	tx, err := c.Transact(opts, method, params...)
	if err != nil {
		return nil, wrap(op, err)
	}
	l.logger.Debug("transaction sent", "method", method, "tx", tx.Hash().Hex())

	receipt, err := bind.WaitMined(ctx, l.backend, tx)
	if err != nil {
		return nil, wrap(op, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, faults.Revert(op, fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex()))
	}
	return receipt, nil
}

// rpcRevertCode is the JSON-RPC error code nodes use for execution reverted.
const rpcRevertCode = 3

// wrap tags err for the verification components. A structured revert from
// the node wins over the text heuristic in faults.Classify.
func wrap(op string, err error) error {
	var fe *faults.Error
	if errors.As(err, &fe) {
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == rpcRevertCode {
		return faults.Coded(faults.KindRevert, op, "execution_reverted", err)
	}
	return faults.New(faults.Classify(err), op, err)
}
