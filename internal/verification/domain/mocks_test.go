package domain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	attestations "github.com/pendergraft/phoneverify/internal/attestations/domain"
	"github.com/pendergraft/phoneverify/internal/chains"
	"github.com/pendergraft/phoneverify/internal/identifier"
	sessions "github.com/pendergraft/phoneverify/internal/sessions/domain"
	"github.com/pendergraft/phoneverify/internal/storage"
	wallets "github.com/pendergraft/phoneverify/internal/wallets/domain"
)

const testPhone = "+14155550000"

var (
	issuer0     = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	issuer1     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	issuer2     = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	relayWallet = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testHash    = common.HexToHash("0x1d")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

// codeFor builds a distinct 65-byte code in hex form.
func codeFor(b byte) string {
	return "0x" + hex.EncodeToString(bytes.Repeat([]byte{b}, 65))
}

func testSettings() Settings {
	s := DefaultSettings()
	s.Timeout = 5 * time.Second
	s.Attestations.RevealRetryDelay = time.Millisecond
	s.Attestations.StatusRetryDelay = time.Millisecond
	s.Attestations.SelectionBlocks = 3
	return s
}

type fakeDeriver struct {
	mu        sync.Mutex
	cached    bool
	routeErr  error
	routes    []*identifier.Route
	forgotten []string

	// When set, Forget signals forgetting and then waits for release.
	forgetting chan struct{}
	release    chan struct{}
}

func (f *fakeDeriver) Derive(ctx context.Context, phone string, key *ecdsa.PrivateKey, route *identifier.Route) (identifier.Identifier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, route)
	if route != nil && f.routeErr != nil {
		return identifier.Identifier{}, f.routeErr
	}
	return identifier.Identifier{PhoneNumber: phone, Pepper: "pepperAAAAAAA", Hash: testHash}, nil
}

func (f *fakeDeriver) Cached(ctx context.Context, phone string) (string, bool) {
	if f.cached {
		return "pepperAAAAAAA", true
	}
	return "", false
}

func (f *fakeDeriver) Forget(ctx context.Context, phone string) error {
	if f.release != nil {
		f.forgetting <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, phone)
	return nil
}

type fakeSessions struct {
	mu          sync.Mutex
	readyErr    error
	resumeErr   error
	session     sessions.Session
	deactivated int
	resets      int
	errors      int
	consumed    [3]int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{session: sessions.Session{
		Active: true,
		Token:  "session-token",
		Quota:  sessions.Quota{PepperFetchesLeft: 1, AttestationsLeft: 3, CompletionsLeft: 3},
	}}
}

func (f *fakeSessions) CheckReadiness(ctx context.Context) error { return f.readyErr }

func (f *fakeSessions) ResumeOrStart(ctx context.Context, req sessions.ResumeRequest) (sessions.Result, error) {
	if f.resumeErr != nil {
		return sessions.Result{}, f.resumeErr
	}
	return sessions.Result{SessionActive: true}, nil
}

func (f *fakeSessions) Session() sessions.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeSessions) Deactivate(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated++
	f.session.Active = false
}

func (f *fakeSessions) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeSessions) RecordError(ctx context.Context, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors++
}

func (f *fakeSessions) ConsumeQuota(ctx context.Context, pepper, attestations, completions int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed[0] += pepper
	f.consumed[1] += attestations
	f.consumed[2] += completions
}

type fakeWallets struct {
	wallet *wallets.RelayWallet
	err    error
	calls  int
}

func (f *fakeWallets) ResolveOrDeploy(ctx context.Context, req wallets.ResolveRequest) (*wallets.RelayWallet, error) {
	f.calls++
	return f.wallet, f.err
}

// fakeLedger selects issuer0..2 once attestations have been requested.
type fakeLedger struct {
	mu         sync.Mutex
	status     map[common.Address]chains.AttestationsStatus
	accounts   []common.Address
	codeIssuer map[string]common.Address
	requested  []int
	completes  []common.Address
	blocks     int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		status: map[common.Address]chains.AttestationsStatus{},
		codeIssuer: map[string]common.Address{
			codeFor(0): issuer0,
			codeFor(1): issuer1,
			codeFor(2): issuer2,
		},
	}
}

func (f *fakeLedger) PastStatus(ctx context.Context, id common.Hash, account common.Address) (chains.AttestationsStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[account], nil
}

func (f *fakeLedger) ActionableAttestations(ctx context.Context, id common.Hash, account common.Address) ([]chains.ActionableAttestation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requested) == 0 {
		return nil, nil
	}
	out := make([]chains.ActionableAttestation, 0, 3)
	for _, iss := range []common.Address{issuer0, issuer1, issuer2} {
		out = append(out, chains.ActionableAttestation{Issuer: iss, ServiceURL: "https://issuer.test", ServiceVersion: "1.1.0"})
	}
	return out, nil
}

func (f *fakeLedger) LookupAccounts(ctx context.Context, id common.Hash) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts, nil
}

func (f *fakeLedger) RequestAttestations(ctx context.Context, id common.Hash, account common.Address, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, count)
	return nil
}

func (f *fakeLedger) CompleteAttestation(ctx context.Context, id common.Hash, account, issuer common.Address, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes = append(f.completes, issuer)
	return nil
}

func (f *fakeLedger) ValidateCode(ctx context.Context, id common.Hash, account, issuer common.Address, code string) (bool, error) {
	return true, nil
}

func (f *fakeLedger) FindMatchingIssuer(ctx context.Context, id common.Hash, account common.Address, code string, issuers []common.Address) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	signer, ok := f.codeIssuer[code]
	if !ok {
		return common.Address{}, nil
	}
	for _, i := range issuers {
		if i == signer {
			return signer, nil
		}
	}
	return common.Address{}, nil
}

func (f *fakeLedger) WaitForNextBlock(ctx context.Context) error {
	f.mu.Lock()
	f.blocks++
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeLedger) completed() []common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]common.Address(nil), f.completes...)
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

func (f *fakeLedger) requests() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.requested...)
}

type fakeRelayer struct {
	mu        sync.Mutex
	tokens    []string
	requested []int
	completes []common.Address
	accounts  []common.Address
}

func (f *fakeRelayer) RequestAttestations(ctx context.Context, token string, id common.Hash, account common.Address, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	f.requested = append(f.requested, count)
	f.accounts = append(f.accounts, account)
	return nil
}

func (f *fakeRelayer) CompleteAttestation(ctx context.Context, token string, id common.Hash, account, issuer common.Address, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	f.completes = append(f.completes, issuer)
	return nil
}

type fakeIssuers struct {
	mu      sync.Mutex
	reveals []common.Address
}

func (f *fakeIssuers) Reveal(ctx context.Context, req attestations.RevealRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reveals = append(f.reveals, req.Issuer)
	return nil
}

func (f *fakeIssuers) LookupCode(ctx context.Context, req attestations.CodeRequest) (string, error) {
	return "", errors.New("attestation not found")
}

func (f *fakeIssuers) RevealStatus(ctx context.Context, req attestations.RevealRequest) (string, error) {
	return "", nil
}

type memAttempts struct {
	mu      sync.Mutex
	records map[string]storage.Attempt
}

func newMemAttempts() *memAttempts {
	return &memAttempts{records: map[string]storage.Attempt{}}
}

func (m *memAttempts) SaveAttempt(ctx context.Context, a *storage.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[a.ID] = *a
	return nil
}

func (m *memAttempts) ListAttempts(ctx context.Context, account string, p storage.PaginationParams) (*storage.PaginatedResult[storage.Attempt], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Attempt
	for _, r := range m.records {
		if r.Account == account {
			out = append(out, r)
		}
	}
	return &storage.PaginatedResult[storage.Attempt]{Data: out}, nil
}

func (m *memAttempts) get(id string) (storage.Attempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r, ok
}
