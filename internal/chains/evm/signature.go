package evm

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrMalformedCode is returned for codes that are not 65-byte signatures.
var ErrMalformedCode = errors.New("malformed attestation code")

// signature is an attestation code split into its ECDSA parts. V is in the
// {27,28} form the contracts expect.
type signature struct {
	V uint8
	R [32]byte
	S [32]byte
}

func parseSignature(code string) (signature, error) {
	raw, err := hexutil.Decode(code)
	if err != nil {
		return signature{}, fmt.Errorf("%w: %v", ErrMalformedCode, err)
	}
	if len(raw) != crypto.SignatureLength {
		return signature{}, fmt.Errorf("%w: %d bytes", ErrMalformedCode, len(raw))
	}
	var sig signature
	copy(sig.R[:], raw[:32])
	copy(sig.S[:], raw[32:64])
	sig.V = raw[64]
	if sig.V < 27 {
		sig.V += 27
	}
	return sig, nil
}

// bytes returns the [R || S || V] form with V in {0,1} for recovery.
func (s signature) bytes() []byte {
	out := make([]byte, crypto.SignatureLength)
	copy(out[:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V - 27
	return out
}

// AttestationDigest is the prefixed hash an issuer signs to produce the code
// for (identifier, account).
func AttestationDigest(identifier common.Hash, account common.Address) []byte {
	message := crypto.Keccak256(identifier.Bytes(), account.Bytes())
	return accounts.TextHash(message)
}

// RecoverCodeSigner returns the address that signed code for (identifier, account).
func RecoverCodeSigner(identifier common.Hash, account common.Address, code string) (common.Address, error) {
	sig, err := parseSignature(code)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(AttestationDigest(identifier, account), sig.bytes())
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedCode, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
