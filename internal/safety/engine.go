// Package safety implements the SafetyEngine: the central policy gate and
// circuit breaker gating every outbound write the engine makes.
package safety

import (
	"context"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/on1labs/mevengine/internal/chain"
	"github.com/on1labs/mevengine/internal/gasoracle"
	"github.com/on1labs/mevengine/internal/model"
	"github.com/on1labs/mevengine/pkg/notify"
	"github.com/on1labs/mevengine/pkg/priceoracle"
)

// Slippage tiers, percent.
const (
	slippageLow     = 0.5
	slippageMedium  = 1.0
	slippageHigh    = 2.0
	slippageExtreme = 5.0
)

// Config holds the engine's tunables, with defaults.
type Config struct {
	MinBalanceWei         *big.Int // default 0.001 ether
	MinSlippagePct        float64  // default 0
	MaxSlippagePct        float64  // default 10
	SafetyMarginFactor    float64  // default 0.95
	MinProfitEth          float64  // default 0.001
	MaxGasPriceGwei       float64
	MaxNetworkCongestion  float64 // default 0.8
	MinSafetyPercentage   float64 // default 85
	DuplicateCacheTTL     time.Duration // default 300s
	AllowedTokens         map[string]struct{} // nil = no allow-list configured
}

func (c Config) withDefaults() Config {
	if c.MinBalanceWei == nil {
		c.MinBalanceWei = model.EtherToWei(0.001)
	}
	if c.MaxSlippagePct == 0 {
		c.MaxSlippagePct = 10
	}
	if c.SafetyMarginFactor == 0 {
		c.SafetyMarginFactor = 0.95
	}
	if c.MinProfitEth == 0 {
		c.MinProfitEth = 0.001
	}
	if c.MaxNetworkCongestion == 0 {
		c.MaxNetworkCongestion = 0.8
	}
	if c.MinSafetyPercentage == 0 {
		c.MinSafetyPercentage = 85
	}
	if c.DuplicateCacheTTL == 0 {
		c.DuplicateCacheTTL = 300 * time.Second
	}
	return c
}

// TxSafetyParams is the synthesized record the caller supplies for
// check_transaction_safety — enough fields to run all six checks without
// forcing every caller to build a full PendingTx.
type TxSafetyParams struct {
	TxHash        model.TxHash
	GasPriceGwei  float64
	SenderBalance *big.Int
	ValueWei      *big.Int
	InputToken    string
	OutputToken   string
	AmountInWei   *big.Int
	AmountOutWei  *big.Int
	GasUsed       uint64
}

// Engine is the central policy gate.
type Engine struct {
	client    chain.Client
	gas       *gasoracle.Oracle
	prices    priceoracle.PriceOracle
	sink      notify.Sink
	cfg       Config

	breakerMu sync.RWMutex
	broken    bool
	reason    string

	dupMu      sync.Mutex
	recentTxs  map[model.TxHash]struct{}
	dupExpires time.Time
}

// New builds a SafetyEngine.
func New(client chain.Client, gas *gasoracle.Oracle, prices priceoracle.PriceOracle, sink notify.Sink, cfg Config) *Engine {
	return &Engine{
		client:    client,
		gas:       gas,
		prices:    prices,
		sink:      sink,
		cfg:       cfg.withDefaults(),
		recentTxs: make(map[model.TxHash]struct{}),
	}
}

// IsSafeToProceed reports whether outbound writes may proceed: false whenever
// the circuit is broken.
func (e *Engine) IsSafeToProceed() bool {
	e.breakerMu.RLock()
	defer e.breakerMu.RUnlock()
	return !e.broken
}

// BreakCircuit trips the breaker, fixing it open until ResetCircuit. The
// notification collaborator is informed.
func (e *Engine) BreakCircuit(reason string) {
	e.breakerMu.Lock()
	e.broken = true
	e.reason = reason
	e.breakerMu.Unlock()

	log.Printf("safety: circuit broken: %s", reason)
	if e.sink != nil {
		e.sink.Notify("circuit breaker tripped", notify.LevelCritical, map[string]interface{}{"reason": reason})
	}
}

// ResetCircuit clears the breaker.
func (e *Engine) ResetCircuit() {
	e.breakerMu.Lock()
	defer e.breakerMu.Unlock()
	e.broken = false
	e.reason = ""
}

// CircuitReason returns the reason the breaker tripped, if any.
func (e *Engine) CircuitReason() string {
	e.breakerMu.RLock()
	defer e.breakerMu.RUnlock()
	return e.reason
}

// CheckBalanceAndMaybeBreak fetches the sender's balance and auto-breaks the
// circuit if it falls below min_balance.
func (e *Engine) CheckBalanceAndMaybeBreak(ctx context.Context, addr model.Address) error {
	bal, err := e.client.BalanceAt(ctx, addr.Common(), nil)
	if err != nil {
		return err
	}
	if bal.Cmp(e.cfg.MinBalanceWei) < 0 {
		e.BreakCircuit("account balance below minimum balance threshold")
	}
	return nil
}

// AdjustSlippageTolerance samples the current congestion and maps it through
// SlippageForCongestion.
func (e *Engine) AdjustSlippageTolerance(ctx context.Context) float64 {
	return e.SlippageForCongestion(e.gas.GetCongestion(ctx))
}

// SlippageForCongestion maps a congestion value in [0,1] to a slippage
// percent per the tier table: < 0.3 low, [0.3,0.6) medium,
// [0.6,0.8) high, >= 0.8 extreme — then clamps to [min_slippage, max_slippage].
func (e *Engine) SlippageForCongestion(congestion float64) float64 {
	var pct float64
	switch {
	case congestion < 0.3:
		pct = slippageLow
	case congestion < 0.6:
		pct = slippageMedium
	case congestion < 0.8:
		pct = slippageHigh
	default:
		pct = slippageExtreme
	}
	if pct < e.cfg.MinSlippagePct {
		pct = e.cfg.MinSlippagePct
	}
	if pct > e.cfg.MaxSlippagePct {
		pct = e.cfg.MaxSlippagePct
	}
	return pct
}

// GasCostEth converts a gas_used/gas_price pair into an ether-denominated
// cost.
func GasCostEth(gasPriceGwei float64, gasUsed uint64) float64 {
	wei := model.GweiToWei(gasPriceGwei)
	total := new(big.Int).Mul(wei, new(big.Int).SetUint64(gasUsed))
	return model.WeiToEther(total)
}

// EnsureProfit converts the in/out legs to ether via the price oracle,
// subtracts gas cost, applies the safety margin, and requires the result to
// clear min_profit. Degenerate cases (missing price, missing tokens) return
// false.
func (e *Engine) EnsureProfit(p TxSafetyParams) bool {
	if p.InputToken == "" || p.OutputToken == "" || p.AmountInWei == nil || p.AmountOutWei == nil {
		return false
	}

	inPrice, err := e.prices.RealTimePrice(p.InputToken, "eth")
	if err != nil || inPrice == nil {
		return false
	}
	outPrice, err := e.prices.RealTimePrice(p.OutputToken, "eth")
	if err != nil || outPrice == nil {
		return false
	}

	inEth := model.WeiToEther(p.AmountInWei) * (*inPrice)
	outEth := model.WeiToEther(p.AmountOutWei) * (*outPrice)
	gasEth := GasCostEth(p.GasPriceGwei, p.GasUsed)

	net := outEth - inEth - gasEth
	adjusted := net * e.cfg.SafetyMarginFactor
	return adjusted >= e.cfg.MinProfitEth
}

// ValidateTransactionParams performs a structural sanity check before a build
// is attempted: it rejects a negative value. A nil value passes, and no gas
// field is checked.
func (e *Engine) ValidateTransactionParams(p TxSafetyParams) error {
	if p.ValueWei != nil && p.ValueWei.Sign() < 0 {
		return errNegativeValue
	}
	return nil
}

var errNegativeValue = &validationError{"transaction value must be non-negative"}

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

// markSeen records txHash as recently processed, expiring the whole set (not
// per-entry) once cache_ttl has elapsed since the first insertion after the
// last expiry.
func (e *Engine) markSeen(txHash model.TxHash) bool {
	e.dupMu.Lock()
	defer e.dupMu.Unlock()

	now := time.Now()
	if now.After(e.dupExpires) {
		e.recentTxs = make(map[model.TxHash]struct{})
		e.dupExpires = now.Add(e.cfg.DuplicateCacheTTL)
	}

	_, seen := e.recentTxs[txHash]
	e.recentTxs[txHash] = struct{}{}
	return seen
}

// CheckTransactionSafety runs the six mandated checks and returns the safety
// percentage and is_safe verdict.
func (e *Engine) CheckTransactionSafety(ctx context.Context, p TxSafetyParams) (bool, model.SafetyReport) {
	details := make(map[string]model.CheckResult, len(model.AllCheckNames))

	// gas_check
	gasOK := e.cfg.MaxGasPriceGwei <= 0 || p.GasPriceGwei <= e.cfg.MaxGasPriceGwei
	details[model.CheckGas] = model.CheckResult{Passed: gasOK, Context: "tx gas price vs max_gas_price_gwei"}

	// congestion_check
	congestion := e.gas.GetCongestion(ctx)
	congestionOK := congestion <= e.cfg.MaxNetworkCongestion
	details[model.CheckCongestion] = model.CheckResult{Passed: congestionOK, Context: "current network congestion"}

	// profit_check
	profitOK := e.EnsureProfit(p)
	details[model.CheckProfit] = model.CheckResult{Passed: profitOK, Context: "net profit after fees and safety margin"}

	// token_check
	tokenOK := true
	if e.cfg.AllowedTokens != nil {
		_, inOK := e.cfg.AllowedTokens[p.InputToken]
		_, outOK := e.cfg.AllowedTokens[p.OutputToken]
		tokenOK = inOK && outOK
	}
	details[model.CheckToken] = model.CheckResult{Passed: tokenOK, Context: "input/output tokens in allow-list"}

	// balance_check
	balanceOK := true
	if p.SenderBalance != nil && p.ValueWei != nil {
		required := new(big.Int).Mul(p.ValueWei, big.NewInt(105))
		required.Div(required, big.NewInt(100))
		balanceOK = p.SenderBalance.Cmp(required) >= 0
	}
	details[model.CheckBalance] = model.CheckResult{Passed: balanceOK, Context: "sender balance vs value * 1.05"}

	// duplicate_check
	duplicateOK := !e.markSeen(p.TxHash)
	details[model.CheckDuplicate] = model.CheckResult{Passed: duplicateOK, Context: "tx hash not recently seen"}

	passed := 0
	for _, name := range model.AllCheckNames {
		if details[name].Passed {
			passed++
		}
	}
	total := len(model.AllCheckNames)
	report := model.SafetyReport{
		ChecksPassed:  passed,
		ChecksTotal:   total,
		SafetyPercent: 100 * float64(passed) / float64(total),
		Details:       details,
	}

	return report.Passed(e.cfg.MinSafetyPercentage), report
}
