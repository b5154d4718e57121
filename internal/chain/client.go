// Package chain wraps the single wire dependency of the engine — JSON-RPC to
// an EVM node — behind a narrow interface so every other component can be
// tested against a fake instead of a live node.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client is everything the engine needs from a node: the standard
// eth_-namespace calls plus the optional txpool_ namespace used by the
// direct-txpool mempool discovery strategy.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	PendingTransactionCount(ctx context.Context) (uint, error)

	// TxPoolContent calls the optional txpool_content RPC. Callers must treat
	// a non-nil error as "strategy unavailable on this node" and fall back.
	TxPoolContent(ctx context.Context) (*TxPoolContentResult, error)

	// NewPendingTransactionHashes subscribes for newly pending transaction
	// hashes. It does not fall back to polling: over a transport without
	// subscription support (HTTP) it returns an error.
	NewPendingTransactionHashes(ctx context.Context, ch chan<- common.Hash) (Subscription, error)
}

// DefaultPoAChainIDs are EVM chain IDs known to run proof-of-authority
// consensus (clique-style extraData). go-ethereum's ethclient never validates
// extraData itself, so nothing in this package branches on chain ID — this
// set exists as a config-level hook a future consensus-aware middleware can
// read, per configs.Config.PoAChainIDs.
var DefaultPoAChainIDs = []int64{99, 100, 77, 7766, 56, 11155111}

// IsPoAChainID reports whether chainID appears in ids, falling back to
// DefaultPoAChainIDs when ids is empty.
func IsPoAChainID(chainID *big.Int, ids []int64) bool {
	if chainID == nil {
		return false
	}
	if len(ids) == 0 {
		ids = DefaultPoAChainIDs
	}
	for _, id := range ids {
		if chainID.Cmp(big.NewInt(id)) == 0 {
			return true
		}
	}
	return false
}

// Subscription is the minimal shape of an ethereum.Subscription, kept local
// so fakes don't need to depend on go-ethereum's event package.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// TxPoolContentResult mirrors the txpool_content RPC response shape: nested
// maps of address -> nonce -> transaction, for the "pending" and "queued"
// buckets. Only "pending" is consulted by the mempool scanner.
type TxPoolContentResult struct {
	Pending map[string]map[string]*types.Transaction
	Queued  map[string]map[string]*types.Transaction
}

// EthClient is the production Client backed by go-ethereum's ethclient plus a
// raw rpc.Client for the non-standard txpool_ namespace.
type EthClient struct {
	eth *ethclient.Client
	rpc *rpc.Client
}

// Dial connects to an HTTP/WS/IPC endpoint and returns a ready Client.
func Dial(ctx context.Context, rawurl string) (*EthClient, error) {
	rc, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, err
	}
	return &EthClient{eth: ethclient.NewClient(rc), rpc: rc}, nil
}

func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) { return c.eth.ChainID(ctx) }

func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) { return c.eth.BlockNumber(ctx) }

func (c *EthClient) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	return c.eth.BlockByNumber(ctx, number)
}

func (c *EthClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return c.eth.HeaderByNumber(ctx, number)
}

func (c *EthClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return c.eth.TransactionByHash(ctx, hash)
}

func (c *EthClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.eth.TransactionReceipt(ctx, hash)
}

func (c *EthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, account)
}

func (c *EthClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, account, blockNumber)
}

func (c *EthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasPrice(ctx)
}

func (c *EthClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasTipCap(ctx)
}

func (c *EthClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return c.eth.EstimateGas(ctx, msg)
}

func (c *EthClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.eth.CallContract(ctx, msg, blockNumber)
}

func (c *EthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.eth.SendTransaction(ctx, tx)
}

func (c *EthClient) PendingTransactionCount(ctx context.Context) (uint, error) {
	return c.eth.PendingTransactionCount(ctx)
}

// rawPoolTx is the wire shape of one entry in txpool_content's nested maps.
type rawPoolTx = types.Transaction

func (c *EthClient) TxPoolContent(ctx context.Context) (*TxPoolContentResult, error) {
	var raw struct {
		Pending map[string]map[string]*rawPoolTx `json:"pending"`
		Queued  map[string]map[string]*rawPoolTx `json:"queued"`
	}
	if err := c.rpc.CallContext(ctx, &raw, "txpool_content"); err != nil {
		return nil, err
	}
	return &TxPoolContentResult{Pending: raw.Pending, Queued: raw.Queued}, nil
}

func (c *EthClient) NewPendingTransactionHashes(ctx context.Context, ch chan<- common.Hash) (Subscription, error) {
	sub, err := c.rpc.EthSubscribe(ctx, anyChan(ch), "newPendingTransactions")
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// anyChan adapts a typed channel to the interface{} shape rpc.EthSubscribe
// expects without losing static typing at the call site.
func anyChan(ch chan<- common.Hash) interface{} { return ch }
