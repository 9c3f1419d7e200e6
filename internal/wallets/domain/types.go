package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RelayWallet is the proxy wallet that acts for the user when relayed.
type RelayWallet struct {
	Address             common.Address `json:"address"`
	Verified            bool           `json:"verified"`
	ImplementationValid bool           `json:"implementationValid"`
	SignerAuthorized    bool           `json:"signerAuthorized"`
	Deployed            bool           `json:"deployed,omitempty"`
}

// ResolveRequest is the input to ResolveOrDeploy.
type ResolveRequest struct {
	Identifier    common.Hash
	Signer        common.Address
	HumanityProof string
}

// Settings tunes wallet resolution.
type Settings struct {
	RequiredAttestations int
	DeployRetries        int
	DeployRetryDelay     time.Duration
	Implementation       common.Address
}

// DefaultSettings returns the production tunables.
func DefaultSettings() Settings {
	return Settings{
		RequiredAttestations: 3,
		DeployRetries:        3,
		DeployRetryDelay:     2 * time.Second,
	}
}
