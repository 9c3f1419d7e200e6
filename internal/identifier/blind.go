package identifier

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"

	bls "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

// hashToCurveDST is the domain separation tag for hashing phone numbers to G1.
var hashToCurveDST = []byte("PHONEVERIFY-V01-CS01-with-BLS12381G1_XMD:SHA-256_SSWU_RO_")

const (
	blindingInfoPrefix = "phoneverify/blinding/"
	pepperLength       = 13
	phoneHashPrefix    = "tel://"
	pepperSeparator    = "__"
)

// BlindingFactor derives the blinding scalar for (key, phone). It is a pure
// function: the same inputs always produce the same scalar, so the blinded
// request repeats and the oracle does not charge quota twice.
func BlindingFactor(key *ecdsa.PrivateKey, phone string) (*big.Int, error) {
	if key == nil {
		return nil, errors.New("nil private key")
	}
	reader := hkdf.New(sha256.New, crypto.FromECDSA(key), nil, []byte(blindingInfoPrefix+phone))
	buf := make([]byte, 48)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, fmt.Errorf("deriving blinding factor: %w", err)
	}
	r := new(big.Int).SetBytes(buf)
	r.Mod(r, fr.Modulus())
	if r.Sign() == 0 {
		r.SetInt64(1)
	}
	return r, nil
}

// hashPhone maps the phone number onto G1.
func hashPhone(phone string) (bls.G1Affine, error) {
	return bls.HashToG1([]byte(phone), hashToCurveDST)
}

// Blind returns the compressed blinded message r*H(phone).
func Blind(phone string, r *big.Int) ([]byte, error) {
	h, err := hashPhone(phone)
	if err != nil {
		return nil, fmt.Errorf("hashing phone to curve: %w", err)
	}
	var blinded bls.G1Affine
	blinded.ScalarMultiplication(&h, r)
	out := blinded.Bytes()
	return out[:], nil
}

// Unblind removes r from the oracle's blinded signature and checks the result
// against the oracle public key. It returns the compressed signature.
func Unblind(phone string, r *big.Int, blindSig []byte, publicKey *bls.G2Affine) ([]byte, error) {
	var sig bls.G1Affine
	if _, err := sig.SetBytes(blindSig); err != nil {
		return nil, fmt.Errorf("%w: decoding signature: %v", ErrInvalidSignature, err)
	}
	if sig.IsInfinity() {
		return nil, fmt.Errorf("%w: signature is the identity point", ErrInvalidSignature)
	}

	rInv := new(big.Int).ModInverse(r, fr.Modulus())
	if rInv == nil {
		return nil, fmt.Errorf("%w: blinding factor not invertible", ErrInvalidSignature)
	}
	sig.ScalarMultiplication(&sig, rInv)

	h, err := hashPhone(phone)
	if err != nil {
		return nil, fmt.Errorf("hashing phone to curve: %w", err)
	}
	var negH bls.G1Affine
	negH.Neg(&h)

	_, _, _, g2 := bls.Generators()
	ok, err := bls.PairingCheck([]bls.G1Affine{sig, negH}, []bls.G2Affine{g2, *publicKey})
	if err != nil {
		return nil, fmt.Errorf("%w: pairing: %v", ErrInvalidSignature, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: signature does not verify under oracle key", ErrInvalidSignature)
	}
	out := sig.Bytes()
	return out[:], nil
}

// ParsePublicKey decodes a compressed G2 oracle public key.
func ParsePublicKey(raw []byte) (*bls.G2Affine, error) {
	var pk bls.G2Affine
	if _, err := pk.SetBytes(raw); err != nil {
		return nil, fmt.Errorf("decoding oracle public key: %w", err)
	}
	return &pk, nil
}

// PepperFromSignature turns an unblinded signature into the pepper string.
func PepperFromSignature(sig []byte) string {
	sum := sha256.Sum256(sig)
	return base64.StdEncoding.EncodeToString(sum[:])[:pepperLength]
}

// IdentifierHash computes the on-chain identifier for a phone number and pepper.
func IdentifierHash(phone, pepper string) common.Hash {
	return crypto.Keccak256Hash([]byte(phoneHashPrefix + phone + pepperSeparator + pepper))
}
