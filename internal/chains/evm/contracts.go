package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Registry contract names resolved at startup.
const (
	attestationsContract = "Attestations"
	accountsContract     = "Accounts"
	stableTokenContract  = "StableToken"
)

// attestation states as stored by the Attestations contract.
const (
	stateNone uint8 = iota
	stateIncomplete
	stateComplete
)

const registryABIJSON = `[
 {"type":"function","name":"getAddressForStringOrDie","stateMutability":"view",
  "inputs":[{"name":"identifier","type":"string"}],
  "outputs":[{"name":"","type":"address"}]}
]`

const attestationsABIJSON = `[
 {"type":"function","name":"getAttestationStats","stateMutability":"view",
  "inputs":[{"name":"identifier","type":"bytes32"},{"name":"account","type":"address"}],
  "outputs":[{"name":"","type":"uint32"},{"name":"","type":"uint32"}]},
 {"type":"function","name":"getAttestationIssuers","stateMutability":"view",
  "inputs":[{"name":"identifier","type":"bytes32"},{"name":"account","type":"address"}],
  "outputs":[{"name":"","type":"address[]"}]},
 {"type":"function","name":"getAttestationState","stateMutability":"view",
  "inputs":[{"name":"identifier","type":"bytes32"},{"name":"account","type":"address"},{"name":"issuer","type":"address"}],
  "outputs":[{"name":"","type":"uint8"},{"name":"","type":"uint32"},{"name":"","type":"address"}]},
 {"type":"function","name":"lookupAccountsForIdentifier","stateMutability":"view",
  "inputs":[{"name":"identifier","type":"bytes32"}],
  "outputs":[{"name":"","type":"address[]"}]},
 {"type":"function","name":"validateAttestationCode","stateMutability":"view",
  "inputs":[{"name":"identifier","type":"bytes32"},{"name":"account","type":"address"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],
  "outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"getAttestationRequestFee","stateMutability":"view",
  "inputs":[{"name":"token","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"selectIssuersWaitBlocks","stateMutability":"view",
  "inputs":[],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"attestationExpiryBlocks","stateMutability":"view",
  "inputs":[],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"request","stateMutability":"nonpayable",
  "inputs":[{"name":"identifier","type":"bytes32"},{"name":"attestationsRequested","type":"uint256"},{"name":"attestationRequestFeeToken","type":"address"}],
  "outputs":[]},
 {"type":"function","name":"selectIssuers","stateMutability":"nonpayable",
  "inputs":[{"name":"identifier","type":"bytes32"}],
  "outputs":[]},
 {"type":"function","name":"complete","stateMutability":"nonpayable",
  "inputs":[{"name":"identifier","type":"bytes32"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],
  "outputs":[]}
]`

const accountsABIJSON = `[
 {"type":"function","name":"getAttestationSigner","stateMutability":"view",
  "inputs":[{"name":"account","type":"address"}],
  "outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"getMetadataURL","stateMutability":"view",
  "inputs":[{"name":"account","type":"address"}],
  "outputs":[{"name":"","type":"string"}]}
]`

const erc20ABIJSON = `[
 {"type":"function","name":"approve","stateMutability":"nonpayable",
  "inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]}
]`

const walletABIJSON = `[
 {"type":"function","name":"signer","stateMutability":"view",
  "inputs":[],
  "outputs":[{"name":"","type":"address"}]}
]`

var (
	registryABI     = mustParseABI(registryABIJSON)
	attestationsABI = mustParseABI(attestationsABIJSON)
	accountsABI     = mustParseABI(accountsABIJSON)
	erc20ABI        = mustParseABI(erc20ABIJSON)
	walletABI       = mustParseABI(walletABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
