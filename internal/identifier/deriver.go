// Package identifier derives the privacy-preserving on-chain identifier for a
// phone number using a blind signature from the pepper oracle.
package identifier

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"

	bls "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pendergraft/phoneverify/internal/faults"
	"github.com/pendergraft/phoneverify/internal/storage"
)

// Errors returned by the deriver.
var (
	ErrQuotaExhausted    = errors.New("pepper quota exhausted")
	ErrOracleUnavailable = errors.New("pepper oracle unavailable")
	ErrInvalidSignature  = errors.New("invalid oracle signature")
)

// Identifier is the derived identity of a phone number. Immutable once computed.
type Identifier struct {
	PhoneNumber string      `json:"phoneNumber"`
	Pepper      string      `json:"-"`
	Hash        common.Hash `json:"identifierHash"`
}

// Route tells the deriver whether to fetch the pepper through the relayer.
// A nil Route, or one that is not Active, means the direct oracle path.
type Route struct {
	Active            bool
	Token             string
	PepperFetchesLeft int
}

// Oracle signs blinded messages directly, authenticated by the account key.
type Oracle interface {
	BlindSign(ctx context.Context, key *ecdsa.PrivateKey, blinded []byte) ([]byte, error)
}

// PepperRelay fetches blinded signatures through a relayer session.
type PepperRelay interface {
	GetDistributedPepper(ctx context.Context, token, phone string, blinded []byte) ([]byte, error)
}

// PepperStore caches peppers per phone number.
type PepperStore interface {
	GetPepper(ctx context.Context, phone string) (string, error)
	SavePepper(ctx context.Context, phone, pepper string) error
	DeletePepper(ctx context.Context, phone string) error
}

// Deriver turns phone numbers into identifiers.
type Deriver struct {
	oracle    Oracle
	relay     PepperRelay
	peppers   PepperStore
	publicKey *bls.G2Affine
	logger    *slog.Logger
}

// NewDeriver creates a deriver. relay and peppers may be nil.
func NewDeriver(oracle Oracle, relay PepperRelay, peppers PepperStore, publicKey *bls.G2Affine, logger *slog.Logger) *Deriver {
	return &Deriver{
		oracle:    oracle,
		relay:     relay,
		peppers:   peppers,
		publicKey: publicKey,
		logger:    logger,
	}
}

// Cached returns the cached pepper for phone, if any.
func (d *Deriver) Cached(ctx context.Context, phone string) (string, bool) {
	if d.peppers == nil {
		return "", false
	}
	pepper, err := d.peppers.GetPepper(ctx, phone)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			d.logger.Warn("pepper cache lookup failed", "error", err)
		}
		return "", false
	}
	return pepper, pepper != ""
}

// Forget drops the cached pepper for phone.
func (d *Deriver) Forget(ctx context.Context, phone string) error {
	if d.peppers == nil {
		return nil
	}
	if err := d.peppers.DeletePepper(ctx, phone); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("deleting pepper: %w", err)
	}
	return nil
}

// Derive computes the identifier for phone. When route is active the blinded
// message goes through the relayer; an exhausted session yields
// ErrQuotaExhausted and the caller is expected to retry with a nil route.
func (d *Deriver) Derive(ctx context.Context, phone string, key *ecdsa.PrivateKey, route *Route) (Identifier, error) {
	if pepper, ok := d.Cached(ctx, phone); ok {
		return Identifier{PhoneNumber: phone, Pepper: pepper, Hash: IdentifierHash(phone, pepper)}, nil
	}

	r, err := BlindingFactor(key, phone)
	if err != nil {
		return Identifier{}, faults.New(faults.KindFatal, "identifier.derive", err)
	}
	blinded, err := Blind(phone, r)
	if err != nil {
		return Identifier{}, faults.New(faults.KindFatal, "identifier.derive", err)
	}

	blindSig, err := d.sign(ctx, phone, key, blinded, route)
	if err != nil {
		return Identifier{}, err
	}

	sig, err := Unblind(phone, r, blindSig, d.publicKey)
	if err != nil {
		return Identifier{}, faults.Coded(faults.KindProtocol, "identifier.unblind", "invalid_signature", err)
	}

	pepper := PepperFromSignature(sig)
	if d.peppers != nil {
		if err := d.peppers.SavePepper(ctx, phone, pepper); err != nil {
			d.logger.Warn("caching pepper failed", "error", err)
		}
	}

	d.logger.Debug("identifier derived",
		"account", crypto.PubkeyToAddress(key.PublicKey).Hex(),
		"relayed", route != nil && route.Active,
	)
	return Identifier{PhoneNumber: phone, Pepper: pepper, Hash: IdentifierHash(phone, pepper)}, nil
}

func (d *Deriver) sign(ctx context.Context, phone string, key *ecdsa.PrivateKey, blinded []byte, route *Route) ([]byte, error) {
	if route != nil && route.Active {
		if d.relay == nil || route.PepperFetchesLeft <= 0 {
			return nil, faults.Coded(faults.KindQuotaExceeded, "identifier.relay", "pepper_quota", ErrQuotaExhausted)
		}
		sig, err := d.relay.GetDistributedPepper(ctx, route.Token, phone, blinded)
		if err != nil {
			return nil, d.classify("identifier.relay", err)
		}
		return sig, nil
	}

	sig, err := d.oracle.BlindSign(ctx, key, blinded)
	if err != nil {
		return nil, d.classify("identifier.oracle", err)
	}
	return sig, nil
}

func (d *Deriver) classify(op string, err error) error {
	switch faults.KindOf(err) {
	case faults.KindQuotaExceeded:
		return faults.Coded(faults.KindQuotaExceeded, op, "pepper_quota", fmt.Errorf("%w: %v", ErrQuotaExhausted, err))
	case faults.KindNetwork:
		return faults.Coded(faults.KindNetwork, op, "oracle_unavailable", fmt.Errorf("%w: %v", ErrOracleUnavailable, err))
	default:
		return faults.New(faults.KindFatal, op, err)
	}
}
