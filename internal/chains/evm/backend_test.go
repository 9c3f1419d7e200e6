package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type handler func(args []interface{}) []interface{}

type fakeContract struct {
	abi     abi.ABI
	methods map[string]handler
}

type sentTx struct {
	to     common.Address
	method string
	args   []interface{}
}

// fakeBackend answers contract calls by decoding the selector against
// registered ABIs. Transactions are recorded and mined immediately.
type fakeBackend struct {
	mu        sync.Mutex
	contracts map[common.Address]*fakeContract
	code      map[common.Address][]byte
	storage   map[common.Address]map[common.Hash][]byte
	head      uint64
	// advance is added to head on every BlockNumber call.
	advance  uint64
	blockErr error
	sent     []sentTx
	failTx   string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		contracts: map[common.Address]*fakeContract{},
		code:      map[common.Address][]byte{},
		storage:   map[common.Address]map[common.Hash][]byte{},
		head:      100,
	}
}

func (b *fakeBackend) register(addr common.Address, a abi.ABI, methods map[string]handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contracts[addr] = &fakeContract{abi: a, methods: methods}
	if _, ok := b.code[addr]; !ok {
		b.code[addr] = []byte{0x60, 0x80}
	}
}

func (b *fakeBackend) decode(to *common.Address, data []byte) (*fakeContract, *abi.Method, []interface{}, error) {
	if to == nil || len(data) < 4 {
		return nil, nil, nil, errors.New("bad call")
	}
	c, ok := b.contracts[*to]
	if !ok {
		return nil, nil, nil, fmt.Errorf("no contract at %s", to.Hex())
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, nil, err
	}
	return c, method, args, nil
}

func (b *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, method, args, err := b.decode(call.To, call.Data)
	if err != nil {
		return nil, err
	}
	h, ok := c.methods[method.Name]
	if !ok {
		return nil, fmt.Errorf("execution reverted: %s", method.Name)
	}
	return method.Outputs.Pack(h(args)...)
}

func (b *fakeBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.code[account], nil
}

func (b *fakeBackend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return b.CodeAt(ctx, account, nil)
}

func (b *fakeBackend) StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.storage[account][key], nil
}

func (b *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.Header{Number: new(big.Int).SetUint64(b.head)}, nil
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.sent)), nil
}

func (b *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, method, args, err := b.decode(tx.To(), tx.Data())
	if err != nil {
		return err
	}
	b.sent = append(b.sent, sentTx{to: *tx.To(), method: method.Name, args: args})
	return nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	status := types.ReceiptStatusSuccessful
	if b.failTx != "" && len(b.sent) > 0 && b.sent[len(b.sent)-1].method == b.failTx {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{TxHash: txHash, Status: status, BlockNumber: new(big.Int).SetUint64(b.head)}, nil
}

func (b *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (b *fakeBackend) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.blockErr != nil {
		return 0, b.blockErr
	}
	b.head += b.advance
	return b.head, nil
}

func (b *fakeBackend) methods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.sent))
	for i, tx := range b.sent {
		out[i] = tx.method
	}
	return out
}

type fakeDirectory struct {
	services map[string]Service
}

func (d *fakeDirectory) Lookup(ctx context.Context, metadataURL string) (Service, error) {
	svc, ok := d.services[metadataURL]
	if !ok {
		return Service{}, errors.New("metadata unreachable")
	}
	return svc, nil
}
