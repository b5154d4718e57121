// Strategy wrappers layered over Build/Execute: each names one named gas
// posture (front-run, back-run, sandwich, flash-loan funded) that the
// StrategySelector picks between, plus transfer_profit for sweeping realized
// gains out to a treasury address.
package txbuilder

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/on1labs/mevengine/internal/model"
)

const (
	aggressiveFrontRunMultiplier     = 1.30
	volatilityFrontRunMultiplier     = 1.50
	priceDipBackRunMultiplier        = 0.80
	highVolumeBackRunMultiplier      = 0.85
	predictiveFrontRunBase           = 1.15
	predictiveFrontRunCongestionSpan = 0.20

	// sandwichLegDelay separates the front and back leg submissions so the
	// front leg has a chance to land in an earlier block than the back leg.
	sandwichLegDelay = time.Second
)

// buildAndExecute is the shared Build-then-Execute path every wrapper below
// funnels through, so each one only needs to name its gas multiplier.
func (b *Builder) buildAndExecute(ctx context.Context, call Call, gasMultiplier float64) (model.TxHash, error) {
	tmpl, err := b.Build(ctx, call, gasMultiplier)
	if err != nil {
		return model.TxHash{}, err
	}
	return b.Execute(ctx, tmpl)
}

// FrontRun is the base front-run wrapper: build and execute at whatever gas
// price Build already decided, no forced premium. Callers wanting a premium
// use AggressiveFrontRun/VolatilityFrontRun/PredictiveFrontRun instead.
func (b *Builder) FrontRun(ctx context.Context, call Call) (model.TxHash, error) {
	return b.buildAndExecute(ctx, call, 1.0)
}

// BackRun is the base back-run wrapper: build and execute at whatever gas
// price Build already decided, no forced discount. Callers wanting a
// discount use PriceDipBackRun/HighVolumeBackRun instead.
func (b *Builder) BackRun(ctx context.Context, call Call) (model.TxHash, error) {
	return b.buildAndExecute(ctx, call, 1.0)
}

// AggressiveFrontRun pays a larger premium than FrontRun for opportunities
// worth the extra gas cost.
func (b *Builder) AggressiveFrontRun(ctx context.Context, call Call) (model.TxHash, error) {
	return b.buildAndExecute(ctx, call, aggressiveFrontRunMultiplier)
}

// VolatilityFrontRun pays the largest front-run premium, for fast-moving
// opportunities where losing the race forfeits the whole profit.
func (b *Builder) VolatilityFrontRun(ctx context.Context, call Call) (model.TxHash, error) {
	return b.buildAndExecute(ctx, call, volatilityFrontRunMultiplier)
}

// PriceDipBackRun underbids more aggressively than BackRun, for opportunities
// that stay profitable even several blocks later.
func (b *Builder) PriceDipBackRun(ctx context.Context, call Call) (model.TxHash, error) {
	return b.buildAndExecute(ctx, call, priceDipBackRunMultiplier)
}

// HighVolumeBackRun sits between BackRun and PriceDipBackRun, for congested
// blocks where landing at all is still likely at a moderate discount.
func (b *Builder) HighVolumeBackRun(ctx context.Context, call Call) (model.TxHash, error) {
	return b.buildAndExecute(ctx, call, highVolumeBackRunMultiplier)
}

// PredictiveFrontRun scales the front-run premium by the gas oracle's current
// congestion reading: the multiplier is predictiveFrontRunBase (1.15) plus
// predictiveFrontRunCongestionSpan (0.20) times congestion in [0,1], so it
// ranges from 1.15 at no congestion to 1.35 at full congestion.
func (b *Builder) PredictiveFrontRun(ctx context.Context, call Call) (model.TxHash, error) {
	congestion := b.gas.GetCongestion(ctx)
	multiplier := predictiveFrontRunBase + predictiveFrontRunCongestionSpan*congestion
	return b.buildAndExecute(ctx, call, multiplier)
}

// SandwichProfile names one front/back multiplier pair for ExecuteSandwichAttack.
type SandwichProfile string

const (
	SandwichDefault    SandwichProfile = "default"
	SandwichAggressive SandwichProfile = "aggressive"
	SandwichSafe       SandwichProfile = "safe"
)

var sandwichMultipliers = map[SandwichProfile][2]float64{
	SandwichDefault:    {1.15, 0.90},
	SandwichAggressive: {1.25, 0.95},
	SandwichSafe:       {1.10, 0.85},
}

// ExecuteSandwichAttack submits the front leg, waits sandwichLegDelay, then
// submits the back leg. The two legs draw independent nonces from
// NextNonce rather than sharing one bundle — it's the delay between two
// separately submitted transactions that produces the sandwich, not a shared
// nonce sequence.
func (b *Builder) ExecuteSandwichAttack(ctx context.Context, frontCall, backCall Call, profile SandwichProfile) (front, back model.TxHash, err error) {
	mult, ok := sandwichMultipliers[profile]
	if !ok {
		mult = sandwichMultipliers[SandwichDefault]
	}

	front, err = b.buildAndExecute(ctx, frontCall, mult[0])
	if err != nil {
		return model.TxHash{}, model.TxHash{}, fmt.Errorf("txbuilder: sandwich front leg: %w", err)
	}

	select {
	case <-ctx.Done():
		return front, model.TxHash{}, ctx.Err()
	case <-time.After(sandwichLegDelay):
	}

	back, err = b.buildAndExecute(ctx, backCall, mult[1])
	if err != nil {
		return front, model.TxHash{}, fmt.Errorf("txbuilder: sandwich back leg: %w", err)
	}
	return front, back, nil
}

// FlashloanFrontRun submits withdraw (e.g. a flash-loan draw-down call)
// first, then runs FrontRun against call using the drawn-down liquidity.
func (b *Builder) FlashloanFrontRun(ctx context.Context, withdraw, call Call) (model.TxHash, model.TxHash, error) {
	return b.flashloanThen(ctx, withdraw, call, b.FrontRun)
}

// FlashloanBackRun is FlashloanFrontRun's back-run counterpart.
func (b *Builder) FlashloanBackRun(ctx context.Context, withdraw, call Call) (model.TxHash, model.TxHash, error) {
	return b.flashloanThen(ctx, withdraw, call, b.BackRun)
}

// FlashloanSandwichAttack submits withdraw first, then runs
// ExecuteSandwichAttack funded by it.
func (b *Builder) FlashloanSandwichAttack(ctx context.Context, withdraw, frontCall, backCall Call, profile SandwichProfile) (withdrawHash, front, back model.TxHash, err error) {
	withdrawHash, err = b.buildAndExecute(ctx, withdraw, 1.0)
	if err != nil {
		return model.TxHash{}, model.TxHash{}, model.TxHash{}, fmt.Errorf("txbuilder: flashloan withdraw: %w", err)
	}
	front, back, err = b.ExecuteSandwichAttack(ctx, frontCall, backCall, profile)
	return withdrawHash, front, back, err
}

func (b *Builder) flashloanThen(ctx context.Context, withdraw, call Call, leg func(context.Context, Call) (model.TxHash, error)) (model.TxHash, model.TxHash, error) {
	withdrawHash, err := b.buildAndExecute(ctx, withdraw, 1.0)
	if err != nil {
		return model.TxHash{}, model.TxHash{}, fmt.Errorf("txbuilder: flashloan withdraw: %w", err)
	}
	legHash, err := leg(ctx, call)
	return withdrawHash, legHash, err
}

// transferSelector is the 4-byte selector for ERC-20 transfer(address,uint256).
var transferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// transferEventSig is topic0 for the ERC-20 Transfer(address,address,uint256) event.
var transferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

func encodeTransferCalldata(to model.Address, amount *big.Int) []byte {
	data := make([]byte, 4+32+32)
	copy(data[:4], transferSelector)
	toBytes := to.Common().Bytes()
	copy(data[4+32-len(toBytes):4+32], toBytes)
	amount.FillBytes(data[4+32 : 4+64])
	return data
}

// TransferProfit submits an ERC-20 transfer of amount of token to target,
// awaits the receipt, and credits CurrentProfitWei with the amount actually
// recorded in the on-chain Transfer log. If the receipt can't be parsed (the
// token doesn't emit a standard Transfer event, or the log is missing) the
// requested amount is credited instead so profit accounting never stalls on
// a nonstandard token.
func (b *Builder) TransferProfit(ctx context.Context, token, target model.Address, amount *big.Int) (model.TxHash, error) {
	call := Call{To: token, Value: big.NewInt(0), Data: encodeTransferCalldata(target, amount)}

	hash, err := b.buildAndExecute(ctx, call, 1.0)
	if err != nil {
		return model.TxHash{}, fmt.Errorf("txbuilder: transfer profit: %w", err)
	}

	realized := amount
	receipt, err := b.waitForReceipt(ctx, hash)
	if err != nil {
		realized = amount
	} else if parsed, ok := parseTransferAmount(receipt, token, target); ok {
		realized = parsed
	}

	b.addProfit(realized)
	return hash, nil
}

// parseTransferAmount scans receipt's logs for a Transfer(token, _, target)
// event and returns its value.
func parseTransferAmount(receipt *types.Receipt, token, target model.Address) (*big.Int, bool) {
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != token.Common() {
			continue
		}
		if len(lg.Topics) != 3 || lg.Topics[0] != transferEventSig {
			continue
		}
		if common.BytesToAddress(lg.Topics[2].Bytes()) != target.Common() {
			continue
		}
		if len(lg.Data) < 32 {
			continue
		}
		return new(big.Int).SetBytes(lg.Data[:32]), true
	}
	return nil, false
}
