// Package txbuilder builds, signs, estimates and submits transactions with a
// gas-bump retry loop, directly grounded on blackhole.go's
// Send-then-WaitForTransaction-then-extract-gas-cost shape, generalized from
// one-off DEX calls to the MEV strategy wrappers.
package txbuilder

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/on1labs/mevengine/internal/chain"
	"github.com/on1labs/mevengine/internal/gasoracle"
	"github.com/on1labs/mevengine/internal/model"
	"github.com/on1labs/mevengine/internal/nonce"
)

// DefaultGasLimit is the estimate-failure fallback gas limit.
const DefaultGasLimit = 100_000

// GasRetryBump is the per-retry multiplier absent an explicit gas_multiplier.
const GasRetryBump = 1.15

var (
	// ErrSimulationReverted means eth_call against "pending" threw a contract
	// logic error — the caller must not submit.
	ErrSimulationReverted = errors.New("txbuilder: simulation reverted")
	// ErrGasCapExceeded means the bump loop would exceed max_gas_price_gwei.
	ErrGasCapExceeded = errors.New("txbuilder: gas cap exceeded")
	// ErrNonceConflict surfaces "nonce too low" (or equivalent) submit errors.
	ErrNonceConflict = errors.New("txbuilder: nonce conflict")
)

// Config tunes the builder's retry/gas behavior.
type Config struct {
	MaxGasPriceGwei   float64
	MempoolMaxRetries int           // default 3
	MempoolRetryDelay time.Duration // default 500ms
}

func (c Config) withDefaults() Config {
	if c.MempoolMaxRetries <= 0 {
		c.MempoolMaxRetries = 3
	}
	if c.MempoolRetryDelay <= 0 {
		c.MempoolRetryDelay = 500 * time.Millisecond
	}
	return c
}

// Builder constructs, signs and dispatches transactions.
type Builder struct {
	client  chain.Client
	nonces  *nonce.Registry
	gas     *gasoracle.Oracle
	privKey *ecdsa.PrivateKey
	myAddr  model.Address
	cfg     Config

	profitMu         sync.Mutex
	currentProfitWei *big.Int
}

// New builds a Builder for the given signing key.
func New(client chain.Client, nonces *nonce.Registry, gas *gasoracle.Oracle, privKey *ecdsa.PrivateKey, myAddr model.Address, cfg Config) *Builder {
	return &Builder{
		client:           client,
		nonces:           nonces,
		gas:              gas,
		privKey:          privKey,
		myAddr:           myAddr,
		cfg:              cfg.withDefaults(),
		currentProfitWei: big.NewInt(0),
	}
}

// CurrentProfitWei returns the running total credited by TransferProfit calls
// so far.
func (b *Builder) CurrentProfitWei() *big.Int {
	b.profitMu.Lock()
	defer b.profitMu.Unlock()
	return new(big.Int).Set(b.currentProfitWei)
}

func (b *Builder) addProfit(amount *big.Int) {
	if amount == nil {
		return
	}
	b.profitMu.Lock()
	defer b.profitMu.Unlock()
	b.currentProfitWei.Add(b.currentProfitWei, amount)
}

// Call describes the target of a build: a destination, value and calldata,
// without fee/nonce/gas fields (those are decided by Build).
type Call struct {
	To    model.Address
	Value *big.Int
	Data  []byte
}

// Build produces a mutually-exclusive-fee tx draft: queries chain id and the
// latest block to decide EIP-1559 vs legacy, acquires a nonce, estimates gas
// (falling back to DefaultGasLimit), and sets a 10% gas-estimate headroom.
func (b *Builder) Build(ctx context.Context, call Call, gasMultiplier float64) (*model.TxTemplate, error) {
	chainID, err := b.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: chain id: %w", err)
	}

	header, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: latest block: %w", err)
	}

	n, err := b.nonces.NextNonce(ctx, b.myAddr)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: nonce: %w", err)
	}

	tmpl := &model.TxTemplate{
		From:          b.myAddr,
		To:            call.To,
		ValueWei:      call.Value,
		Nonce:         n,
		InputData:     call.Data,
		ChainID:       chainID,
		GasMultiplier: gasMultiplier,
	}

	if header.BaseFee != nil {
		tip, err := b.client.SuggestGasTipCap(ctx)
		if err != nil {
			tip = big.NewInt(1_000_000_000)
		}
		maxFee := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
		tmpl.MaxFeeWei = maxFee
		tmpl.MaxPriorityFeeWei = tip
	} else {
		gweiPrice, err := b.gas.DynamicGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("txbuilder: gas price: %w", err)
		}
		tmpl.GasPriceWei = model.GweiToWei(gweiPrice)
	}

	addr := call.To.Common()
	msg := ethereum.CallMsg{From: b.myAddr.Common(), To: &addr, Value: call.Value, Data: call.Data}
	est, err := b.client.EstimateGas(ctx, msg)
	if err != nil {
		log.Printf("txbuilder: estimate gas failed, using default limit: %v", err)
		est = DefaultGasLimit
	}
	gasLimit := uint64(1.1 * float64(est))
	if gasLimit < DefaultGasLimit {
		gasLimit = DefaultGasLimit
	}
	tmpl.GasLimit = gasLimit

	if err := b.enforceMutualExclusivity(tmpl); err != nil {
		return nil, err
	}
	return tmpl, nil
}

func (b *Builder) enforceMutualExclusivity(t *model.TxTemplate) error {
	hasLegacy := t.GasPriceWei != nil
	hasDynamic := t.MaxFeeWei != nil || t.MaxPriorityFeeWei != nil
	if hasLegacy == hasDynamic {
		return fmt.Errorf("txbuilder: tx must have exactly one of gas_price or max_fee/max_priority, legacy=%v dynamic=%v", hasLegacy, hasDynamic)
	}
	if hasDynamic && (t.MaxFeeWei == nil || t.MaxPriorityFeeWei == nil) {
		return errors.New("txbuilder: eip-1559 tx requires both max_fee and max_priority")
	}
	return nil
}

// Sign produces a signed *types.Transaction from the template, using the
// builder's private key. Extra/internal-only fields (GasMultiplier) are never
// part of the signed payload since TxTemplate -> types.Transaction only
// copies canonical fields.
func (b *Builder) Sign(t *model.TxTemplate) (*types.Transaction, error) {
	var txdata types.TxData
	if t.Kind() == model.TxKindDynamicFee {
		txdata = &types.DynamicFeeTx{
			ChainID:   t.ChainID,
			Nonce:     t.Nonce,
			GasTipCap: t.MaxPriorityFeeWei,
			GasFeeCap: t.MaxFeeWei,
			Gas:       t.GasLimit,
			To:        addrPtr(t.To),
			Value:     t.ValueWei,
			Data:      t.InputData,
		}
	} else {
		txdata = &types.LegacyTx{
			Nonce:    t.Nonce,
			GasPrice: t.GasPriceWei,
			Gas:      t.GasLimit,
			To:       addrPtr(t.To),
			Value:    t.ValueWei,
			Data:     t.InputData,
		}
	}

	tx := types.NewTx(txdata)
	signer := types.LatestSignerForChainID(t.ChainID)
	signed, err := types.SignTx(tx, signer, b.privKey)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: sign: %w", err)
	}
	return signed, nil
}

func addrPtr(a model.Address) *common.Address {
	c := a.Common()
	return &c
}

// RecoverSender recovers the signer of a signed tx, used by round-trip tests.
func RecoverSender(tx *types.Transaction, chainID *big.Int) (model.Address, error) {
	signer := types.LatestSignerForChainID(chainID)
	addr, err := types.Sender(signer, tx)
	if err != nil {
		return model.Address{}, err
	}
	return model.AddressFromCommon(addr), nil
}

// bumpGas multiplies whichever fee field is populated by the given factor.
func bumpGas(t *model.TxTemplate, factor float64) {
	if t.Kind() == model.TxKindDynamicFee {
		t.MaxFeeWei = mulFloat(t.MaxFeeWei, factor)
		t.MaxPriorityFeeWei = mulFloat(t.MaxPriorityFeeWei, factor)
	} else {
		t.GasPriceWei = mulFloat(t.GasPriceWei, factor)
	}
}

func mulFloat(v *big.Int, factor float64) *big.Int {
	f := new(big.Float).Mul(new(big.Float).SetInt(v), big.NewFloat(factor))
	out, _ := f.Int(nil)
	return out
}

// effectiveGasGwei returns the field that governs the gas cap check.
func effectiveGasGwei(t *model.TxTemplate) float64 {
	if t.Kind() == model.TxKindDynamicFee {
		return model.WeiToGwei(t.MaxFeeWei)
	}
	return model.WeiToGwei(t.GasPriceWei)
}

// Simulate runs eth_call against the "pending" block (go-ethereum's
// CallContract encodes rpc.PendingBlockNumber as "pending"). A revert
// surfaces ErrSimulationReverted.
func (b *Builder) Simulate(ctx context.Context, t *model.TxTemplate) error {
	addr := t.To.Common()
	msg := ethereum.CallMsg{
		From:  t.From.Common(),
		To:    &addr,
		Value: t.ValueWei,
		Data:  t.InputData,
	}
	if t.Kind() == model.TxKindDynamicFee {
		msg.GasFeeCap = t.MaxFeeWei
		msg.GasTipCap = t.MaxPriorityFeeWei
	} else {
		msg.GasPrice = t.GasPriceWei
	}
	_, err := b.client.CallContract(ctx, msg, big.NewInt(int64(rpc.PendingBlockNumber)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSimulationReverted, err)
	}
	return nil
}

// Execute runs the full submit-and-retry loop:
//  1. simulate (after nonce + gas multiplier applied); abort on revert.
//  2. sign & submit; retry with gas bump up to MempoolMaxRetries.
//  3. abort with ErrGasCapExceeded if a bump would cross the configured cap.
//  4. on success, spawn nonce tracking and return the hash.
func (b *Builder) Execute(ctx context.Context, t *model.TxTemplate) (model.TxHash, error) {
	multiplier := t.ConsumeGasMultiplier()
	if multiplier != 1.0 {
		bumpGas(t, multiplier)
		if err := b.enforceMutualExclusivity(t); err != nil {
			return model.TxHash{}, err
		}
	}

	if err := b.Simulate(ctx, t); err != nil {
		return model.TxHash{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= b.cfg.MempoolMaxRetries; attempt++ {
		if b.cfg.MaxGasPriceGwei > 0 && effectiveGasGwei(t) > b.cfg.MaxGasPriceGwei {
			return model.TxHash{}, ErrGasCapExceeded
		}

		signed, err := b.Sign(t)
		if err != nil {
			return model.TxHash{}, err
		}

		err = b.client.SendTransaction(ctx, signed)
		if err == nil {
			hash := model.TxHashFromCommon(signed.Hash())
			b.nonces.Track(ctx, hash, t.Nonce, b.myAddr)
			return hash, nil
		}

		lastErr = err
		if isNonceTooLow(err) {
			if rerr := b.nonces.Reset(ctx, b.myAddr); rerr != nil {
				log.Printf("txbuilder: reset after nonce conflict failed: %v", rerr)
			}
			return model.TxHash{}, fmt.Errorf("%w: %v", ErrNonceConflict, err)
		}

		if attempt == b.cfg.MempoolMaxRetries {
			break
		}

		bumpGas(t, GasRetryBump)
		select {
		case <-ctx.Done():
			return model.TxHash{}, ctx.Err()
		case <-time.After(b.cfg.MempoolRetryDelay):
		}
	}

	return model.TxHash{}, fmt.Errorf("txbuilder: submit failed after retries: %w", lastErr)
}

func isNonceTooLow(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "nonce too low", "nonce is too low", "replacement transaction underpriced")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// Cancel submits a self-transfer with value 0 at nonce, at 1.5x the current
// gas price, to preempt a stuck tx.
func (b *Builder) Cancel(ctx context.Context, nonceToCancel uint64) (model.TxHash, error) {
	gweiPrice, err := b.gas.DynamicGasPrice(ctx)
	if err != nil {
		return model.TxHash{}, err
	}
	chainID, err := b.client.ChainID(ctx)
	if err != nil {
		return model.TxHash{}, err
	}

	t := &model.TxTemplate{
		From:        b.myAddr,
		To:          b.myAddr,
		ValueWei:    big.NewInt(0),
		Nonce:       nonceToCancel,
		GasLimit:    21000,
		GasPriceWei: model.GweiToWei(gweiPrice * 1.5),
		ChainID:     chainID,
	}
	signed, err := b.Sign(t)
	if err != nil {
		return model.TxHash{}, err
	}
	if err := b.client.SendTransaction(ctx, signed); err != nil {
		return model.TxHash{}, err
	}
	hash := model.TxHashFromCommon(signed.Hash())
	b.nonces.Track(ctx, hash, nonceToCancel, b.myAddr)
	return hash, nil
}

// Bundle signs and submits a list of drafts sequentially in the caller's
// order; the caller must have pre-assigned distinct consecutive nonces.
func (b *Builder) Bundle(ctx context.Context, templates []*model.TxTemplate) ([]model.TxHash, error) {
	hashes := make([]model.TxHash, 0, len(templates))
	for i, t := range templates {
		signed, err := b.Sign(t)
		if err != nil {
			return hashes, fmt.Errorf("txbuilder: bundle sign item %d: %w", i, err)
		}
		if err := b.client.SendTransaction(ctx, signed); err != nil {
			return hashes, fmt.Errorf("txbuilder: bundle submit item %d: %w", i, err)
		}
		hash := model.TxHashFromCommon(signed.Hash())
		b.nonces.Track(ctx, hash, t.Nonce, b.myAddr)
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

// ExecuteBundle submits the bundle then waits for each receipt in submission
// order, logging revert outcomes.
func (b *Builder) ExecuteBundle(ctx context.Context, templates []*model.TxTemplate) ([]model.TxHash, error) {
	hashes, err := b.Bundle(ctx, templates)
	if err != nil {
		return hashes, err
	}
	for _, h := range hashes {
		receipt, err := b.waitForReceipt(ctx, h)
		if err != nil {
			log.Printf("txbuilder: bundle item %s receipt wait failed: %v", h, err)
			continue
		}
		if receipt.Status != 1 {
			log.Printf("txbuilder: bundle item %s reverted", h)
		}
	}
	return hashes, nil
}

func (b *Builder) waitForReceipt(ctx context.Context, h model.TxHash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			r, err := b.client.TransactionReceipt(ctx, h.Common())
			if err == nil && r != nil {
				return r, nil
			}
		}
	}
}
