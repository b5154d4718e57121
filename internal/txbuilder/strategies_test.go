package txbuilder

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/on1labs/mevengine/internal/model"
)

func TestEncodeTransferCalldata_MatchesERC20Layout(t *testing.T) {
	to := model.NewAddress("0x00000000000000000000000000000000000bbb")
	amount := big.NewInt(1_000_000)

	data := encodeTransferCalldata(to, amount)
	require.Len(t, data, 68)
	assert.Equal(t, transferSelector, data[:4])
	assert.Equal(t, to.Common(), common.BytesToAddress(data[4:36]))
	assert.Equal(t, amount, new(big.Int).SetBytes(data[36:68]))
}

func TestParseTransferAmount_FindsMatchingLog(t *testing.T) {
	token := model.NewAddress("0x00000000000000000000000000000000000aaa")
	target := model.NewAddress("0x00000000000000000000000000000000000bbb")
	amount := big.NewInt(42_000_000_000_000)

	data := make([]byte, 32)
	amount.FillBytes(data)

	receipt := &types.Receipt{
		Logs: []*types.Log{
			{
				Address: token.Common(),
				Topics:  []common.Hash{transferEventSig, common.Hash{}, common.BytesToHash(target.Common().Bytes())},
				Data:    data,
			},
		},
	}

	got, ok := parseTransferAmount(receipt, token, target)
	require.True(t, ok)
	assert.Equal(t, amount, got)
}

func TestParseTransferAmount_MissingLogReturnsFalse(t *testing.T) {
	token := model.NewAddress("0x00000000000000000000000000000000000aaa")
	target := model.NewAddress("0x00000000000000000000000000000000000bbb")

	_, ok := parseTransferAmount(&types.Receipt{}, token, target)
	assert.False(t, ok)
}

func TestTransferProfit_FallsBackToRequestedAmountWhenReceiptUnavailable(t *testing.T) {
	b, fc, myAddr := newTestBuilder(t, Config{})
	fc.RecptErr = nil // no receipt ever stored for any hash -> ethereum.NotFound

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	token := model.NewAddress("0x00000000000000000000000000000000000aaa")
	target := model.NewAddress("0x00000000000000000000000000000000000bbb")
	amount := big.NewInt(5_000_000_000_000_000)

	_, err := b.TransferProfit(ctx, token, target, amount)
	require.NoError(t, err)

	assert.Equal(t, amount, b.CurrentProfitWei())
	_ = myAddr
}

// baselineGasGwei is the legacy gas price newTestBuilder's fake node and
// oracle config settle on for any single Build call: SuggestGasPrice(50
// gwei) scaled by (1 + 0.5*congestion), where congestion is
// blockLoadWeight*blockLoad (0.5*0.1, from the fake's GasUsed/GasLimit
// ratio) plus trendRatioWeight*0.5 (0.2*0.5, the rolling window's default
// trend before it holds four samples) — pendingLoad stays 0 with no pending
// transactions configured. 50 * (1 + 0.5*0.15) = 53.75.
const baselineGasGwei = 53.75

func TestExecuteSandwichAttack_DefaultProfileMatchesGasThresholds(t *testing.T) {
	b, fc, _ := newTestBuilder(t, Config{})
	fc.GasPrice = model.GweiToWei(50)

	var sendTimes []time.Time
	fc.SendFunc = func(tx *types.Transaction) error {
		sendTimes = append(sendTimes, time.Now())
		fc.SentTxs = append(fc.SentTxs, tx)
		return nil
	}

	call := Call{To: model.NewAddress("0x00000000000000000000000000000000000ccc"), Value: big.NewInt(0)}

	front, back, err := b.ExecuteSandwichAttack(context.Background(), call, call, SandwichDefault)
	require.NoError(t, err)
	assert.False(t, front.IsZero())
	assert.False(t, back.IsZero())

	require.Len(t, fc.SentTxs, 2)
	frontGwei := model.WeiToGwei(fc.SentTxs[0].GasPrice())
	backGwei := model.WeiToGwei(fc.SentTxs[1].GasPrice())

	assert.InDelta(t, baselineGasGwei*1.15, frontGwei, 0.01, "front leg must be priced at 1.15x the gas oracle's price")
	assert.InDelta(t, baselineGasGwei*0.90, backGwei, 0.01, "back leg must be priced at 0.90x the gas oracle's price")

	require.Len(t, sendTimes, 2)
	assert.GreaterOrEqual(t, sendTimes[1].Sub(sendTimes[0]), sandwichLegDelay, "back leg must submit at least sandwichLegDelay after the front leg")
}

func TestAggressiveFrontRun_PaysThirtyPercentPremium(t *testing.T) {
	b, fc, _ := newTestBuilder(t, Config{})
	fc.GasPrice = model.GweiToWei(50)
	call := Call{To: model.NewAddress("0x00000000000000000000000000000000000ccc"), Value: big.NewInt(0)}

	_, err := b.AggressiveFrontRun(context.Background(), call)
	require.NoError(t, err)

	require.Len(t, fc.SentTxs, 1)
	assert.InDelta(t, baselineGasGwei*1.30, model.WeiToGwei(fc.SentTxs[0].GasPrice()), 0.01)
}

func TestPriceDipBackRun_PaysTwentyPercentDiscount(t *testing.T) {
	b, fc, _ := newTestBuilder(t, Config{})
	fc.GasPrice = model.GweiToWei(50)
	call := Call{To: model.NewAddress("0x00000000000000000000000000000000000ccc"), Value: big.NewInt(0)}

	_, err := b.PriceDipBackRun(context.Background(), call)
	require.NoError(t, err)

	require.Len(t, fc.SentTxs, 1)
	assert.InDelta(t, baselineGasGwei*0.80, model.WeiToGwei(fc.SentTxs[0].GasPrice()), 0.01)
}

func TestFlashloanFrontRun_SubmitsWithdrawThenFrontRunLeg(t *testing.T) {
	b, fc, _ := newTestBuilder(t, Config{})
	fc.GasPrice = model.GweiToWei(50)

	withdraw := Call{To: model.NewAddress("0x00000000000000000000000000000000000ddd"), Value: big.NewInt(0)}
	call := Call{To: model.NewAddress("0x00000000000000000000000000000000000ccc"), Value: big.NewInt(0)}

	withdrawHash, legHash, err := b.FlashloanFrontRun(context.Background(), withdraw, call)
	require.NoError(t, err)
	assert.False(t, withdrawHash.IsZero())
	assert.False(t, legHash.IsZero())
	assert.NotEqual(t, withdrawHash.String(), legHash.String())
	assert.Len(t, fc.SentTxs, 2)
}
