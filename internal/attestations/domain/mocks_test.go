package domain

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pendergraft/phoneverify/internal/chains"
	"github.com/pendergraft/phoneverify/internal/faults"
)

var (
	issuer0 = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	issuer1 = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	issuer2 = common.HexToAddress("0x00000000000000000000000000000000000000a2")

	testTarget = Target{
		Identifier:  common.HexToHash("0xfeed"),
		Account:     common.HexToAddress("0x00000000000000000000000000000000000000cc"),
		PhoneNumber: "+14155550000",
		Pepper:      "pepperAAAAAAA",
	}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testCode builds a distinct 65-byte code in hex form.
func testCode(b byte) string {
	return "0x" + hex.EncodeToString(bytes.Repeat([]byte{b}, signatureLength))
}

type fakeLedger struct {
	mu sync.Mutex

	status     chains.AttestationsStatus
	statusErrs []error
	actionable [][]chains.ActionableAttestation
	calls      map[string]int

	// codeIssuer maps a code to the issuer that signed it.
	codeIssuer map[string]common.Address
	invalid    map[string]bool
	blocks     int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		calls:      map[string]int{},
		codeIssuer: map[string]common.Address{},
		invalid:    map[string]bool{},
	}
}

func (f *fakeLedger) PastStatus(ctx context.Context, id common.Hash, account common.Address) (chains.AttestationsStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["status"]++
	if len(f.statusErrs) > 0 {
		err := f.statusErrs[0]
		f.statusErrs = f.statusErrs[1:]
		return chains.AttestationsStatus{}, err
	}
	return f.status, nil
}

func (f *fakeLedger) ActionableAttestations(ctx context.Context, id common.Hash, account common.Address) ([]chains.ActionableAttestation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["actionable"]++
	if len(f.actionable) == 0 {
		return nil, nil
	}
	a := f.actionable[0]
	if len(f.actionable) > 1 {
		f.actionable = f.actionable[1:]
	}
	return a, nil
}

func (f *fakeLedger) FindMatchingIssuer(ctx context.Context, id common.Hash, account common.Address, code string, issuers []common.Address) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["match"]++
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

func (f *fakeLedger) ValidateCode(ctx context.Context, id common.Hash, account, issuer common.Address, code string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["validate"]++
	return !f.invalid[code], nil
}

func (f *fakeLedger) WaitForNextBlock(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks++
	return ctx.Err()
}

func (f *fakeLedger) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeLedger) blockWaits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocks
}

type fakeTransactor struct {
	mu          sync.Mutex
	requested   []int
	completeErr func(n int) error
	completes   []common.Address
	calls       int
	inFlight    int
	maxInFlight int
}

func (f *fakeTransactor) RequestAttestations(ctx context.Context, id common.Hash, account common.Address, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, count)
	return nil
}

func (f *fakeTransactor) CompleteAttestation(ctx context.Context, id common.Hash, account, issuer common.Address, code string) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.completeErr != nil {
		if err := f.completeErr(n); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.completes = append(f.completes, issuer)
	f.mu.Unlock()
	return nil
}

type fakeIssuers struct {
	mu          sync.Mutex
	revealErrs  map[common.Address][]error
	reveals     map[common.Address]int
	statusCalls int
	// shortCodes maps issuer+security code to the message the service returns.
	shortCodes map[string]string
}

func newFakeIssuers() *fakeIssuers {
	return &fakeIssuers{
		revealErrs: map[common.Address][]error{},
		reveals:    map[common.Address]int{},
		shortCodes: map[string]string{},
	}
}

func (f *fakeIssuers) Reveal(ctx context.Context, req RevealRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reveals[req.Issuer]++
	if errs := f.revealErrs[req.Issuer]; len(errs) > 0 {
		f.revealErrs[req.Issuer] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *fakeIssuers) LookupCode(ctx context.Context, req CodeRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.shortCodes[req.Issuer.Hex()+"/"+req.SecurityCode]
	if !ok {
		return "", errors.New("attestation not found")
	}
	return msg, nil
}

func (f *fakeIssuers) RevealStatus(ctx context.Context, req RevealRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	return "sms failed", nil
}

func (f *fakeIssuers) revealCount(issuer common.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reveals[issuer]
}

func noIncomplete() error {
	return faults.Coded(faults.KindProtocol, "issuers.reveal", CodeNoIncompleteAttestation, errors.New("No incomplete attestation found"))
}

// awaitingSlots returns a slot table whose slots already wait for codes.
func awaitingSlots(issuers ...common.Address) *Slots {
	slots := NewSlots(len(issuers), nil)
	for i, iss := range issuers {
		slots.Update(i, func(s *Slot) {
			s.Issuer = iss
			s.State = StateAwaitingCode
		})
	}
	return slots
}
