// Package chains defines the ledger-facing contracts consumed by the verification
// components and the value types exchanged with them.
package chains

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// VerifiedRatio is the minimum completed/requested ratio for an account to
// count as verified.
const VerifiedRatio = 0.25

// AttestationsStatus is the on-chain attestation tally for (identifier, account).
type AttestationsStatus struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Verified applies the ledger's verification rule for the required attestation count.
func (s AttestationsStatus) Verified(required int) bool {
	if s.Completed < required || s.Total == 0 {
		return false
	}
	return float64(s.Completed)/float64(s.Total) >= VerifiedRatio
}

// Remaining is the number of attestations still needed to reach required.
func (s AttestationsStatus) Remaining(required int) int {
	if s.Completed >= required {
		return 0
	}
	return required - s.Completed
}

// ActionableAttestation is a requested, selected but not yet completed attestation.
type ActionableAttestation struct {
	Issuer         common.Address `json:"issuer"`
	BlockNumber    uint64         `json:"blockNumber"`
	ServiceURL     string         `json:"attestationServiceUrl"`
	ServiceVersion string         `json:"version,omitempty"`
	Name           string         `json:"name,omitempty"`
}

// Ledger is the full set of reads and writes the verification flow needs from
// the attestations contracts.
type Ledger interface {
	PastStatus(ctx context.Context, identifier common.Hash, account common.Address) (AttestationsStatus, error)
	ActionableAttestations(ctx context.Context, identifier common.Hash, account common.Address) ([]ActionableAttestation, error)
	LookupAccounts(ctx context.Context, identifier common.Hash) ([]common.Address, error)
	RequestAttestations(ctx context.Context, identifier common.Hash, account common.Address, count int) error
	CompleteAttestation(ctx context.Context, identifier common.Hash, account, issuer common.Address, code string) error
	ValidateCode(ctx context.Context, identifier common.Hash, account, issuer common.Address, code string) (bool, error)
	FindMatchingIssuer(ctx context.Context, identifier common.Hash, account common.Address, code string, issuers []common.Address) (common.Address, error)
	WaitForNextBlock(ctx context.Context) error
}

// WalletCheck is the outcome of inspecting a relay wallet on-chain.
type WalletCheck struct {
	Address             common.Address `json:"address"`
	Implementation      common.Address `json:"implementation"`
	ImplementationValid bool           `json:"implementationValid"`
	SignerAuthorized    bool           `json:"signerAuthorized"`
	ProxyCode           *CodeMatch     `json:"proxyCode,omitempty"`
}

// Valid reports whether the wallet is genuine and controlled by the expected signer.
func (c WalletCheck) Valid() bool {
	return c.ImplementationValid && c.SignerAuthorized
}

// WalletInspector validates relay wallet contracts.
type WalletInspector interface {
	InspectWallet(ctx context.Context, wallet, signer common.Address) (WalletCheck, error)
}

// CodeMatch compares a wallet's deployed code with the known proxy.
type CodeMatch struct {
	Match bool   `json:"match"`
	Kind  string `json:"kind"` // "exact", "runtime" or "none"
	Hash  string `json:"hash,omitempty"`
}
