package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/samber/lo"

	"github.com/pendergraft/phoneverify/internal/chains"
)

// ImplementationSlot is the EIP-1967 storage slot holding a proxy's
// implementation address: keccak256("eip1967.proxy.implementation") - 1.
var ImplementationSlot = func() common.Hash {
	h := new(big.Int).SetBytes(crypto.Keccak256([]byte("eip1967.proxy.implementation")))
	return common.BigToHash(h.Sub(h, big.NewInt(1)))
}()

// Inspector checks that a relay wallet is a known proxy pointing at an
// allowed implementation and signed for by the expected key.
type Inspector struct {
	backend         Backend
	implementations []common.Address
	proxyCodeHash   common.Hash
}

// NewInspector creates an inspector. A zero proxyCodeHash skips the bytecode check.
func NewInspector(backend Backend, implementations []common.Address, proxyCodeHash common.Hash) *Inspector {
	return &Inspector{
		backend:         backend,
		implementations: implementations,
		proxyCodeHash:   proxyCodeHash,
	}
}

// InspectWallet reports what the chain says about wallet. Addresses without
// code come back invalid with no error.
func (i *Inspector) InspectWallet(ctx context.Context, wallet, signer common.Address) (chains.WalletCheck, error) {
	check := chains.WalletCheck{Address: wallet}

	code, err := i.backend.CodeAt(ctx, wallet, nil)
	if err != nil {
		return check, wrap("inspector.code", err)
	}
	if len(code) == 0 {
		return check, nil
	}

	codeOK := true
	if i.proxyCodeHash != (common.Hash{}) {
		check.ProxyCode = MatchProxyCode(code, i.proxyCodeHash)
		codeOK = check.ProxyCode.Match
	}

	raw, err := i.backend.StorageAt(ctx, wallet, ImplementationSlot, nil)
	if err != nil {
		return check, wrap("inspector.implementation", err)
	}
	check.Implementation = common.BytesToAddress(raw)
	check.ImplementationValid = codeOK && lo.Contains(i.implementations, check.Implementation)

	contract := bind.NewBoundContract(wallet, walletABI, i.backend, i.backend, i.backend)
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "signer"); err != nil {
		return check, wrap("inspector.signer", err)
	}
	check.SignerAuthorized = *abi.ConvertType(out[0], new(common.Address)).(*common.Address) == signer
	return check, nil
}
