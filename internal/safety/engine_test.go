package safety

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/on1labs/mevengine/internal/chaintest"
	"github.com/on1labs/mevengine/internal/gasoracle"
	"github.com/on1labs/mevengine/internal/model"
	"github.com/on1labs/mevengine/pkg/notify"
	"github.com/on1labs/mevengine/pkg/priceoracle"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *chaintest.Fake, *priceoracle.Static) {
	t.Helper()
	fc := chaintest.New()
	fc.Header = &types.Header{GasUsed: 2_000_000, GasLimit: 10_000_000}
	prices := priceoracle.NewStatic(map[string]float64{
		"in":  1.0,
		"out": 1.0,
	})
	gas := gasoracle.New(fc, nil, gasoracle.Config{MinGwei: 1, MaxGwei: 1000})
	eng := New(fc, gas, prices, notify.NewComposite(), cfg)
	return eng, fc, prices
}

func TestCircuitBreaker_BreaksBelowMinBalance(t *testing.T) {
	eng, fc, _ := newTestEngine(t, Config{MinBalanceWei: model.EtherToWei(0.001)})
	addr := model.NewAddress("0x0000000000000000000000000000000000aaaa")
	fc.Balances[addr.Common()] = model.EtherToWei(0.0005)

	require.True(t, eng.IsSafeToProceed())
	require.NoError(t, eng.CheckBalanceAndMaybeBreak(context.Background(), addr))

	assert.False(t, eng.IsSafeToProceed())
	assert.Contains(t, eng.CircuitReason(), "balance")
}

func TestCircuitBreaker_FailClosedUntilReset(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})
	eng.BreakCircuit("test")
	assert.False(t, eng.IsSafeToProceed())
	eng.ResetCircuit()
	assert.True(t, eng.IsSafeToProceed())
}

func TestSlippageForCongestion_Boundaries(t *testing.T) {
	cases := []struct {
		congestion float64
		want       float64
	}{
		{0.0, slippageLow},
		{0.29, slippageLow},
		{0.3, slippageMedium},
		{0.59, slippageMedium},
		{0.6, slippageHigh},
		{0.79, slippageHigh},
		{0.8, slippageExtreme},
		{1.0, slippageExtreme},
	}
	for _, c := range cases {
		fc := chaintest.New()
		gas := gasoracle.New(fc, nil, gasoracle.Config{})
		eng := New(fc, gas, priceoracle.NewStatic(nil), nil, Config{})
		got := eng.SlippageForCongestion(c.congestion)
		assert.Equal(t, c.want, got, "congestion=%v", c.congestion)
	}
}

func TestEnsureProfit_EqualAmountsWithGasIsUnprofitable(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})
	ok := eng.EnsureProfit(TxSafetyParams{
		InputToken:   "in",
		OutputToken:  "out",
		AmountInWei:  model.EtherToWei(1),
		AmountOutWei: model.EtherToWei(1),
		GasPriceGwei: 30,
		GasUsed:      21000,
	})
	assert.False(t, ok)
}

func TestEnsureProfit_MissingPriceIsUnprofitable(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})
	ok := eng.EnsureProfit(TxSafetyParams{
		InputToken:   "unknown",
		OutputToken:  "out",
		AmountInWei:  model.EtherToWei(1),
		AmountOutWei: model.EtherToWei(1.1),
	})
	assert.False(t, ok)
}

func TestCheckTransactionSafety_BalanceBoundary(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})
	value := model.EtherToWei(1)
	required := new(big.Int).Mul(value, big.NewInt(105))
	required.Div(required, big.NewInt(100))

	_, reportExact := eng.CheckTransactionSafety(context.Background(), TxSafetyParams{
		TxHash:        model.NewTxHash("0x01"),
		ValueWei:      value,
		SenderBalance: required,
	})
	assert.True(t, reportExact.Details[model.CheckBalance].Passed)

	belowRequired := new(big.Int).Sub(required, big.NewInt(1))
	_, reportBelow := eng.CheckTransactionSafety(context.Background(), TxSafetyParams{
		TxHash:        model.NewTxHash("0x02"),
		ValueWei:      value,
		SenderBalance: belowRequired,
	})
	assert.False(t, reportBelow.Details[model.CheckBalance].Passed)
}

func TestCheckTransactionSafety_DuplicateDetection(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})
	hash := model.NewTxHash("0xdead")

	_, first := eng.CheckTransactionSafety(context.Background(), TxSafetyParams{TxHash: hash})
	assert.True(t, first.Details[model.CheckDuplicate].Passed)

	_, second := eng.CheckTransactionSafety(context.Background(), TxSafetyParams{TxHash: hash})
	assert.False(t, second.Details[model.CheckDuplicate].Passed)
}

func TestCheckTransactionSafety_TokenAllowList(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{AllowedTokens: map[string]struct{}{"in": {}, "out": {}}})

	_, ok := eng.CheckTransactionSafety(context.Background(), TxSafetyParams{
		TxHash:      model.NewTxHash("0x03"),
		InputToken:  "in",
		OutputToken: "out",
	})
	assert.True(t, ok.Details[model.CheckToken].Passed)

	_, bad := eng.CheckTransactionSafety(context.Background(), TxSafetyParams{
		TxHash:      model.NewTxHash("0x04"),
		InputToken:  "not-allowed",
		OutputToken: "out",
	})
	assert.False(t, bad.Details[model.CheckToken].Passed)
}

func TestIsSafe_RequiresMinSafetyPercentage(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{MinSafetyPercentage: 85, MaxGasPriceGwei: 50})
	isSafe, report := eng.CheckTransactionSafety(context.Background(), TxSafetyParams{
		TxHash:       model.NewTxHash("0x05"),
		GasPriceGwei: 200, // fails gas_check
	})
	assert.Less(t, report.SafetyPercent, 100.0)
	assert.False(t, isSafe)
}
