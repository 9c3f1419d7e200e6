package evm

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pendergraft/phoneverify/internal/chains"
)

// runtimeCode drops the compiler metadata trailer. Solidity ends runtime code
// with a CBOR map followed by its two-byte big-endian length; code without a
// plausible trailer comes back unchanged.
func runtimeCode(code []byte) []byte {
	if len(code) < 2 {
		return code
	}
	n := int(binary.BigEndian.Uint16(code[len(code)-2:]))
	end := len(code) - 2 - n
	if n == 0 || end <= 0 || code[end]&0xe0 != 0xa0 {
		return code
	}
	return code[:end]
}

// MatchProxyCode checks a wallet's deployed code against the keccak256 of the
// known proxy, with or without its metadata trailer.
func MatchProxyCode(code []byte, proxyHash common.Hash) *chains.CodeMatch {
	if len(code) == 0 {
		return &chains.CodeMatch{Kind: "none"}
	}
	full := crypto.Keccak256Hash(code)
	if full == proxyHash {
		return &chains.CodeMatch{Match: true, Kind: "exact", Hash: full.Hex()}
	}
	if stripped := runtimeCode(code); len(stripped) != len(code) && crypto.Keccak256Hash(stripped) == proxyHash {
		return &chains.CodeMatch{Match: true, Kind: "runtime", Hash: full.Hex()}
	}
	return &chains.CodeMatch{Kind: "none", Hash: full.Hex()}
}
