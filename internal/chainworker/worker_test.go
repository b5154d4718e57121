package chainworker

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/on1labs/mevengine/internal/chaintest"
	"github.com/on1labs/mevengine/internal/db"
	"github.com/on1labs/mevengine/internal/model"
	"github.com/on1labs/mevengine/pkg/notify"
	"github.com/on1labs/mevengine/pkg/priceoracle"
)

// eventCapture is a minimal in-memory db.EventStore for tests that only
// need to assert what was recorded, not round-trip it through SQL.
type eventCapture struct {
	events []model.TxEvent
}

func (s *eventCapture) RecordEvent(evt model.TxEvent) error {
	s.events = append(s.events, evt)
	return nil
}
func (s *eventCapture) EventsByHash(model.TxHash) ([]db.TxEventRecord, error) { return nil, nil }
func (s *eventCapture) EventsByTimeRange(time.Time, time.Time) ([]db.TxEventRecord, error) {
	return nil, nil
}
func (s *eventCapture) ProfitSince(time.Time) (float64, error) { return 0, nil }
func (s *eventCapture) Close() error                           { return nil }

func newTestWorker(t *testing.T) (*Worker, *chaintest.Fake) {
	t.Helper()
	fc := chaintest.New()
	fc.Header = &types.Header{Number: big.NewInt(1), GasLimit: 10_000_000, GasUsed: 1_000_000}

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	myAddr := model.AddressFromCommon(crypto.PubkeyToAddress(key.PublicKey))

	w, err := New(fc, nil, priceoracle.NewStatic(nil), notify.NewLogSink(nil), nil,
		prometheus.NewRegistry(),
		Config{
			Name:       "test-" + t.Name(),
			PrivateKey: key,
			MyAddress:  myAddr,
		})
	require.NoError(t, err)
	return w, fc
}

func TestNew_RequiresPrivateKey(t *testing.T) {
	fc := chaintest.New()
	_, err := New(fc, nil, priceoracle.NewStatic(nil), notify.NewLogSink(nil), nil, nil, Config{Name: "x"})
	assert.Error(t, err)
}

func TestNew_RegistersStrategyArms(t *testing.T) {
	w, _ := newTestWorker(t)
	assert.Len(t, w.selector.Weights(model.StrategyEthTransaction), 2)
	assert.Len(t, w.selector.Weights(model.StrategyFrontRun), 4)
	assert.Len(t, w.selector.Weights(model.StrategyBackRun), 3)
	assert.Len(t, w.selector.Weights(model.StrategySandwichAttack), 3)
}

func TestHandleOpportunity_RecordsProfitEventOnSuccess(t *testing.T) {
	w, fc := newTestWorker(t)
	store := &eventCapture{}
	w.store = store

	fc.GasPrice = big.NewInt(10_000_000_000)
	opp := model.Opportunity{
		TxHash: model.NewTxHash("0xaaaa"),
		TargetTx: model.PendingTx{
			To:          model.NewAddress("0x00000000000000000000000000000000000ccc"),
			ValueWei:    big.NewInt(0),
			GasLimit:    21000,
			GasPriceWei: big.NewInt(10_000_000_000),
		},
		StrategyClass: model.StrategyFrontRun,
	}

	w.handleOpportunity(context.Background(), opp)

	require.Len(t, store.events, 1)
	assert.Equal(t, model.EventProfitRecord, store.events[0].Kind)
}

func TestHealth_ReflectsCircuitBreakerState(t *testing.T) {
	w, _ := newTestWorker(t)
	w.safetyE.BreakCircuit("test")

	h := w.Health()
	assert.True(t, h.CircuitBroken)
	assert.Equal(t, "test", h.CircuitReason)
}

func TestStartStop_ShutsDownWithinGrace(t *testing.T) {
	w, _ := newTestWorker(t)
	w.cfg.ShutdownGrace = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, w.Health().Running)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not shut down")
	}
	assert.False(t, w.Health().Running)
}
