//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"sync"

	bls "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/ethereum/go-ethereum/common"

	attestations "github.com/pendergraft/phoneverify/internal/attestations/domain"
	"github.com/pendergraft/phoneverify/internal/chains"
)

var issuers = []common.Address{
	common.HexToAddress("0x00000000000000000000000000000000000000a0"),
	common.HexToAddress("0x00000000000000000000000000000000000000a1"),
	common.HexToAddress("0x00000000000000000000000000000000000000a2"),
}

// codeFor is the code issuer i sends; 65 bytes in hex like a signature.
func codeFor(i int) string {
	return "0x" + hex.EncodeToString(bytes.Repeat([]byte{byte(i + 1)}, 65))
}

// fakeOracle signs blinded messages with a fixed BLS secret.
type fakeOracle struct {
	mu     sync.Mutex
	secret *big.Int
	calls  int
}

func (f *fakeOracle) BlindSign(ctx context.Context, key *ecdsa.PrivateKey, blinded []byte) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	var p bls.G1Affine
	if _, err := p.SetBytes(blinded); err != nil {
		return nil, err
	}
	p.ScalarMultiplication(&p, f.secret)
	out := p.Bytes()
	return out[:], nil
}

func (f *fakeOracle) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeLedger selects every issuer once attestations are requested and
// accepts the codes from codeFor.
type fakeLedger struct {
	mu        sync.Mutex
	requested map[common.Address]int
	completed map[common.Address][]common.Address
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		requested: map[common.Address]int{},
		completed: map[common.Address][]common.Address{},
	}
}

func (f *fakeLedger) Ping(ctx context.Context) error { return nil }

func (f *fakeLedger) PastStatus(ctx context.Context, id common.Hash, account common.Address) (chains.AttestationsStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.completed[account])
	return chains.AttestationsStatus{Completed: n, Total: n}, nil
}

func (f *fakeLedger) ActionableAttestations(ctx context.Context, id common.Hash, account common.Address) ([]chains.ActionableAttestation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requested[account] == 0 {
		return nil, nil
	}
	out := make([]chains.ActionableAttestation, 0, len(issuers))
	for _, iss := range issuers {
		out = append(out, chains.ActionableAttestation{Issuer: iss, ServiceURL: "https://issuer.test", ServiceVersion: "1.1.0"})
	}
	return out, nil
}

func (f *fakeLedger) LookupAccounts(ctx context.Context, id common.Hash) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []common.Address
	for account, done := range f.completed {
		if len(done) > 0 {
			out = append(out, account)
		}
	}
	return out, nil
}

func (f *fakeLedger) RequestAttestations(ctx context.Context, id common.Hash, account common.Address, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested[account] += count
	return nil
}

func (f *fakeLedger) CompleteAttestation(ctx context.Context, id common.Hash, account, issuer common.Address, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[account] = append(f.completed[account], issuer)
	return nil
}

func (f *fakeLedger) ValidateCode(ctx context.Context, id common.Hash, account, issuer common.Address, code string) (bool, error) {
	return true, nil
}

func (f *fakeLedger) FindMatchingIssuer(ctx context.Context, id common.Hash, account common.Address, code string, candidates []common.Address) (common.Address, error) {
	for i, iss := range issuers {
		if code != codeFor(i) {
			continue
		}
		for _, c := range candidates {
			if c == iss {
				return iss, nil
			}
		}
	}
	return common.Address{}, nil
}

func (f *fakeLedger) WaitForNextBlock(ctx context.Context) error {
	return ctx.Err()
}

func (f *fakeLedger) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = map[common.Address]int{}
	f.completed = map[common.Address][]common.Address{}
}

type fakeIssuers struct {
	mu      sync.Mutex
	reveals int
}

func (f *fakeIssuers) Reveal(ctx context.Context, req attestations.RevealRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reveals++
	return nil
}

func (f *fakeIssuers) LookupCode(ctx context.Context, req attestations.CodeRequest) (string, error) {
	return "", nil
}

func (f *fakeIssuers) RevealStatus(ctx context.Context, req attestations.RevealRequest) (string, error) {
	return "Sent", nil
}

func (f *fakeIssuers) Reveals() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reveals
}
