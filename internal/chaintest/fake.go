// Package chaintest provides a single in-memory fake satisfying
// internal/chain.Client, shared by every component's unit tests so each
// package doesn't reinvent a mock node.
package chaintest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/on1labs/mevengine/internal/chain"
)

// Fake is a configurable stand-in for a node. Exported fields are read/set by
// tests directly. The header, transaction, receipt, nonce, balance and send
// methods lock Mu; the remaining getters read their fields without locking.
type Fake struct {
	Mu sync.Mutex

	ChainIDValue *big.Int

	BlockNum  uint64
	BlockErr  error
	Header    *types.Header // returned by BlockByNumber/HeaderByNumber
	HeaderErr error

	TxByHash    map[common.Hash]*types.Transaction
	TxIsPending map[common.Hash]bool
	TxErr       error

	Receipts map[common.Hash]*types.Receipt
	RecptErr error

	PendingNonce    uint64
	PendingNonceErr error

	Balances   map[common.Address]*big.Int
	BalanceErr error

	GasPrice    *big.Int
	GasPriceErr error

	GasTipCap    *big.Int
	GasTipCapErr error

	EstimateGasValue uint64
	EstimateGasErr   error

	CallContractResult []byte
	CallContractErr    error

	SentTxs []*types.Transaction
	SendErr error
	// SendFunc, when set, overrides SendErr/SentTxs bookkeeping entirely —
	// used by tests that need per-call behavior (e.g. fail N times then
	// succeed).
	SendFunc func(tx *types.Transaction) error

	PendingTxCount    uint
	PendingTxCountErr error

	PoolContent *chain.TxPoolContentResult
	PoolErr     error

	SubErr error
}

// New returns a Fake pre-populated with sane zero-ish defaults.
func New() *Fake {
	return &Fake{
		ChainIDValue: big.NewInt(1),
		TxByHash:     make(map[common.Hash]*types.Transaction),
		TxIsPending:  make(map[common.Hash]bool),
		Receipts:     make(map[common.Hash]*types.Receipt),
		Balances:     make(map[common.Address]*big.Int),
		GasPrice:     big.NewInt(20_000_000_000),
		GasTipCap:    big.NewInt(1_000_000_000),
	}
}

func (f *Fake) ChainID(ctx context.Context) (*big.Int, error) { return f.ChainIDValue, nil }

func (f *Fake) BlockNumber(ctx context.Context) (uint64, error) { return f.BlockNum, f.BlockErr }

func (f *Fake) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	if f.HeaderErr != nil {
		return nil, f.HeaderErr
	}
	h := f.Header
	if h == nil {
		h = &types.Header{Number: big.NewInt(0)}
	}
	return types.NewBlockWithHeader(h), nil
}

func (f *Fake) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	return f.Header, f.HeaderErr
}

func (f *Fake) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	if f.TxErr != nil {
		return nil, false, f.TxErr
	}
	tx, ok := f.TxByHash[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, f.TxIsPending[hash], nil
}

func (f *Fake) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	if f.RecptErr != nil {
		return nil, f.RecptErr
	}
	r, ok := f.Receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *Fake) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	return f.PendingNonce, f.PendingNonceErr
}

func (f *Fake) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	if f.BalanceErr != nil {
		return nil, f.BalanceErr
	}
	if b, ok := f.Balances[account]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (f *Fake) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return f.GasPrice, f.GasPriceErr }

func (f *Fake) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return f.GasTipCap, f.GasTipCapErr
}

func (f *Fake) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.EstimateGasValue, f.EstimateGasErr
}

func (f *Fake) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.CallContractResult, f.CallContractErr
}

func (f *Fake) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	if f.SendFunc != nil {
		return f.SendFunc(tx)
	}
	if f.SendErr != nil {
		return f.SendErr
	}
	f.SentTxs = append(f.SentTxs, tx)
	return nil
}

func (f *Fake) PendingTransactionCount(ctx context.Context) (uint, error) {
	return f.PendingTxCount, f.PendingTxCountErr
}

func (f *Fake) TxPoolContent(ctx context.Context) (*chain.TxPoolContentResult, error) {
	if f.PoolErr != nil {
		return nil, f.PoolErr
	}
	return f.PoolContent, nil
}

// fakeSub is a no-op Subscription.
type fakeSub struct{ errCh chan error }

func (s fakeSub) Err() <-chan error { return s.errCh }
func (s fakeSub) Unsubscribe()      {}

func (f *Fake) NewPendingTransactionHashes(ctx context.Context, ch chan<- common.Hash) (chain.Subscription, error) {
	if f.SubErr != nil {
		return nil, f.SubErr
	}
	return fakeSub{errCh: make(chan error)}, nil
}
