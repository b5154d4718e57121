package txbuilder

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/on1labs/mevengine/internal/chaintest"
	"github.com/on1labs/mevengine/internal/gasoracle"
	"github.com/on1labs/mevengine/internal/model"
	"github.com/on1labs/mevengine/internal/nonce"
)

func newTestBuilder(t *testing.T, cfg Config) (*Builder, *chaintest.Fake, model.Address) {
	t.Helper()
	fc := chaintest.New()
	fc.Header = &types.Header{Number: big.NewInt(100), GasUsed: 1_000_000, GasLimit: 10_000_000}
	fc.EstimateGasValue = 21000

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	myAddr := model.AddressFromCommon(crypto.PubkeyToAddress(key.PublicKey))

	nonces := nonce.New(fc, nonce.Config{})
	gas := gasoracle.New(fc, nil, gasoracle.Config{MinGwei: 1, MaxGwei: 1000})
	b := New(fc, nonces, gas, key, myAddr, cfg)
	return b, fc, myAddr
}

func TestBuild_LegacyWhenNoBaseFee(t *testing.T) {
	b, _, _ := newTestBuilder(t, Config{})
	tmpl, err := b.Build(context.Background(), Call{To: model.NewAddress("0x00000000000000000000000000000000000bbb"), Value: big.NewInt(0)}, 0)
	require.NoError(t, err)
	assert.Equal(t, model.TxKindLegacy, tmpl.Kind())
	assert.NotNil(t, tmpl.GasPriceWei)
	assert.Nil(t, tmpl.MaxFeeWei)
}

func TestBuild_DynamicFeeWhenBaseFeePresent(t *testing.T) {
	b, fc, _ := newTestBuilder(t, Config{})
	fc.Header.BaseFee = big.NewInt(30_000_000_000)
	tmpl, err := b.Build(context.Background(), Call{To: model.NewAddress("0x00000000000000000000000000000000000bbb"), Value: big.NewInt(0)}, 0)
	require.NoError(t, err)
	assert.Equal(t, model.TxKindDynamicFee, tmpl.Kind())
	assert.Nil(t, tmpl.GasPriceWei)
	assert.NotNil(t, tmpl.MaxFeeWei)
	assert.NotNil(t, tmpl.MaxPriorityFeeWei)
}

func TestEnforceMutualExclusivity_RejectsBothSet(t *testing.T) {
	b, _, _ := newTestBuilder(t, Config{})
	tmpl := &model.TxTemplate{
		GasPriceWei:       big.NewInt(1),
		MaxFeeWei:         big.NewInt(1),
		MaxPriorityFeeWei: big.NewInt(1),
	}
	err := b.enforceMutualExclusivity(tmpl)
	assert.Error(t, err)
}

func TestEnforceMutualExclusivity_RejectsNeitherSet(t *testing.T) {
	b, _, _ := newTestBuilder(t, Config{})
	err := b.enforceMutualExclusivity(&model.TxTemplate{})
	assert.Error(t, err)
}

func TestSignThenRecover_RoundTrips(t *testing.T) {
	b, _, myAddr := newTestBuilder(t, Config{})
	tmpl := &model.TxTemplate{
		From:        myAddr,
		To:          model.NewAddress("0x00000000000000000000000000000000000bbb"),
		ValueWei:    big.NewInt(1),
		GasLimit:    21000,
		GasPriceWei: big.NewInt(20_000_000_000),
		ChainID:     big.NewInt(1),
	}
	signed, err := b.Sign(tmpl)
	require.NoError(t, err)

	recovered, err := RecoverSender(signed, tmpl.ChainID)
	require.NoError(t, err)
	assert.True(t, myAddr.Equal(recovered))
}

func TestExecute_BumpsGasOnRetryByAtLeastFifteenPercent(t *testing.T) {
	b, fc, myAddr := newTestBuilder(t, Config{MempoolMaxRetries: 3, MempoolRetryDelay: 0})
	tmpl := &model.TxTemplate{
		From:        myAddr,
		To:          model.NewAddress("0x00000000000000000000000000000000000bbb"),
		ValueWei:    big.NewInt(0),
		GasLimit:    21000,
		GasPriceWei: big.NewInt(20_000_000_000),
		ChainID:     big.NewInt(1),
	}

	var seenGasPrices []*big.Int
	attempts := 0
	fc.SendFunc = func(tx *types.Transaction) error {
		seenGasPrices = append(seenGasPrices, tx.GasPrice())
		attempts++
		if attempts < 3 {
			return errors.New("underpriced, try again")
		}
		fc.SentTxs = append(fc.SentTxs, tx)
		return nil
	}

	_, err := b.Execute(context.Background(), tmpl)
	require.NoError(t, err)
	require.Len(t, seenGasPrices, 3)

	for i := 1; i < len(seenGasPrices); i++ {
		prevF := new(big.Float).SetInt(seenGasPrices[i-1])
		curF := new(big.Float).SetInt(seenGasPrices[i])
		ratio := new(big.Float).Quo(curF, prevF)
		r, _ := ratio.Float64()
		assert.GreaterOrEqual(t, r, GasRetryBump-1e-9, "attempt %d gas price must be >= %.2fx the previous", i, GasRetryBump)
	}
}

func TestExecute_GasCapExceededAbortsBeforeSubmit(t *testing.T) {
	b, _, myAddr := newTestBuilder(t, Config{MaxGasPriceGwei: 10})
	tmpl := &model.TxTemplate{
		From:        myAddr,
		To:          model.NewAddress("0x00000000000000000000000000000000000bbb"),
		ValueWei:    big.NewInt(0),
		GasLimit:    21000,
		GasPriceWei: model.GweiToWei(20),
		ChainID:     big.NewInt(1),
	}
	_, err := b.Execute(context.Background(), tmpl)
	assert.ErrorIs(t, err, ErrGasCapExceeded)
}

func TestExecute_NonceConflictResetsRegistry(t *testing.T) {
	b, fc, myAddr := newTestBuilder(t, Config{})
	fc.PendingNonce = 5
	tmpl := &model.TxTemplate{
		From:        myAddr,
		To:          model.NewAddress("0x00000000000000000000000000000000000bbb"),
		ValueWei:    big.NewInt(0),
		GasLimit:    21000,
		GasPriceWei: model.GweiToWei(20),
		ChainID:     big.NewInt(1),
		Nonce:       5,
	}
	fc.SendErr = errors.New("nonce too low")

	_, err := b.Execute(context.Background(), tmpl)
	assert.ErrorIs(t, err, ErrNonceConflict)

	snap := b.nonces.Snapshot(myAddr)
	assert.Equal(t, uint64(5), snap.NextNonce, "a nonce-too-low submit error must trigger an immediate Reset mirroring the on-chain pending nonce")
}

func TestExecute_SimulationRevertAbortsBeforeSubmit(t *testing.T) {
	b, fc, myAddr := newTestBuilder(t, Config{})
	fc.CallContractErr = errors.New("execution reverted")
	tmpl := &model.TxTemplate{
		From:        myAddr,
		To:          model.NewAddress("0x00000000000000000000000000000000000bbb"),
		ValueWei:    big.NewInt(0),
		GasLimit:    21000,
		GasPriceWei: model.GweiToWei(20),
		ChainID:     big.NewInt(1),
	}
	_, err := b.Execute(context.Background(), tmpl)
	assert.ErrorIs(t, err, ErrSimulationReverted)
	assert.Empty(t, fc.SentTxs)
}

func TestExecute_ConsumesGasMultiplierOnce(t *testing.T) {
	b, _, myAddr := newTestBuilder(t, Config{})
	tmpl := &model.TxTemplate{
		From:          myAddr,
		To:            model.NewAddress("0x00000000000000000000000000000000000bbb"),
		ValueWei:      big.NewInt(0),
		GasLimit:      21000,
		GasPriceWei:   model.GweiToWei(20),
		ChainID:       big.NewInt(1),
		GasMultiplier: 1.30,
	}
	_, err := b.Execute(context.Background(), tmpl)
	require.NoError(t, err)
	assert.Equal(t, float64(0), tmpl.GasMultiplier)
	assert.InDelta(t, 26.0, model.WeiToGwei(tmpl.GasPriceWei), 0.01)
}
