// Package model holds the wire- and domain-level data shapes shared across
// the MEV engine: addresses, wei-denominated amounts, pending transactions,
// opportunities and the bandit's weight/metric vectors.
package model

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Address is a 20-byte account/contract identifier. Equality is
// case-insensitive; String always renders the canonical lowercase 0x form.
type Address struct {
	addr common.Address
}

// NewAddress normalizes a hex string (with or without 0x prefix, any case)
// into an Address.
func NewAddress(hex string) Address {
	return Address{addr: common.HexToAddress(hex)}
}

// AddressFromCommon wraps a go-ethereum common.Address.
func AddressFromCommon(a common.Address) Address {
	return Address{addr: a}
}

func (a Address) Common() common.Address { return a.addr }

func (a Address) String() string { return strings.ToLower(a.addr.Hex()) }

func (a Address) IsZero() bool { return a.addr == (common.Address{}) }

func (a Address) Equal(b Address) bool { return a.addr == b.addr }

// TxHash is a 32-byte transaction identifier.
type TxHash struct {
	hash common.Hash
}

func NewTxHash(hex string) TxHash { return TxHash{hash: common.HexToHash(hex)} }

func TxHashFromCommon(h common.Hash) TxHash { return TxHash{hash: h} }

func (h TxHash) Common() common.Hash { return h.hash }

func (h TxHash) String() string { return strings.ToLower(h.hash.Hex()) }

func (h TxHash) IsZero() bool { return h.hash == (common.Hash{}) }

// Wei/Gwei/Ether conversion constants and helpers. All financial math in the
// engine flows through *big.Int; floats never touch a value-bearing field.
var (
	weiPerGwei  = big.NewInt(1_000_000_000)
	weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// GweiToWei converts a gwei amount (may be fractional) to wei.
func GweiToWei(gwei float64) *big.Int {
	scaled := new(big.Float).Mul(big.NewFloat(gwei), new(big.Float).SetInt(weiPerGwei))
	out, _ := scaled.Int(nil)
	return out
}

// WeiToGwei converts wei to a gwei float for display/threshold comparisons.
func WeiToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f := new(big.Float).Quo(new(big.Float).SetInt(wei), new(big.Float).SetInt(weiPerGwei))
	out, _ := f.Float64()
	return out
}

// WeiToEther converts wei to an ether float for profitability comparisons.
func WeiToEther(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f := new(big.Float).Quo(new(big.Float).SetInt(wei), new(big.Float).SetInt(weiPerEther))
	out, _ := f.Float64()
	return out
}

// EtherToWei converts an ether amount (possibly fractional) to wei.
func EtherToWei(ether float64) *big.Int {
	scaled := new(big.Float).Mul(big.NewFloat(ether), new(big.Float).SetInt(weiPerEther))
	out, _ := scaled.Int(nil)
	return out
}

// TxKind distinguishes legacy and EIP-1559 fee shapes. Exactly one of the two
// fee representations is populated on a PendingTx/TxTemplate at any time.
type TxKind int

const (
	TxKindLegacy TxKind = iota
	TxKindDynamicFee
)

// PendingTx is an immutable snapshot of a transaction observed pending in the
// mempool or about to be submitted. Exactly one of GasPriceWei or the
// MaxFeeWei/MaxPriorityFeeWei pair is set, mirroring the legacy/EIP-1559 split.
type PendingTx struct {
	Hash              TxHash
	From              Address
	To                Address
	ValueWei          *big.Int
	GasLimit          uint64
	GasPriceWei       *big.Int // legacy only
	MaxFeeWei         *big.Int // EIP-1559 only
	MaxPriorityFeeWei *big.Int // EIP-1559 only
	Nonce             uint64
	InputData         []byte
}

// Kind reports whether the tx uses legacy or EIP-1559 fee fields.
func (t PendingTx) Kind() TxKind {
	if t.MaxFeeWei != nil {
		return TxKindDynamicFee
	}
	return TxKindLegacy
}

// EffectiveGasPriceWei returns the field that governs ordering priority for
// either fee shape: GasPriceWei for legacy, MaxFeeWei for EIP-1559.
func (t PendingTx) EffectiveGasPriceWei() *big.Int {
	if t.Kind() == TxKindDynamicFee {
		return t.MaxFeeWei
	}
	return t.GasPriceWei
}

// TxTemplate is the mutable draft used while building a transaction. It
// carries the same fields as PendingTx plus a gas_multiplier that is consumed
// (cleared) by the first build/bump that applies it.
type TxTemplate struct {
	From              Address
	To                Address
	ValueWei          *big.Int
	GasLimit          uint64
	GasPriceWei       *big.Int
	MaxFeeWei         *big.Int
	MaxPriorityFeeWei *big.Int
	Nonce             uint64
	InputData         []byte
	ChainID           *big.Int

	// GasMultiplier, when > 0, is applied once by Execute before its first
	// iteration and then cleared; Build only records it. Zero means "no
	// override pending".
	GasMultiplier float64
}

// ConsumeGasMultiplier returns the pending multiplier (or 1.0 if none) and
// clears it, enforcing the "consumed after build/bump" invariant.
func (t *TxTemplate) ConsumeGasMultiplier() float64 {
	if t.GasMultiplier <= 0 {
		return 1.0
	}
	m := t.GasMultiplier
	t.GasMultiplier = 0
	return m
}

// Kind mirrors PendingTx.Kind for the in-progress draft.
func (t *TxTemplate) Kind() TxKind {
	if t.MaxFeeWei != nil {
		return TxKindDynamicFee
	}
	return TxKindLegacy
}

// StrategyClass is the bandit's arm-group: a category of strategy functions
// that share one weight vector.
type StrategyClass string

const (
	StrategyEthTransaction StrategyClass = "eth_transaction"
	StrategyFrontRun       StrategyClass = "front_run"
	StrategyBackRun        StrategyClass = "back_run"
	StrategySandwichAttack StrategyClass = "sandwich_attack"
)

// Opportunity is a profitable candidate produced by the analyzer and consumed
// exactly once by the strategy selector.
type Opportunity struct {
	TxHash        TxHash
	TargetTx      PendingTx
	StrategyClass StrategyClass
	SafetyReport  SafetyReport
}

// CheckResult is one named safety check's outcome plus free-form context for
// diagnostics/events.
type CheckResult struct {
	Passed  bool
	Context string
}

// SafetyReport is the result of running all six mandated safety checks.
type SafetyReport struct {
	ChecksPassed  int
	ChecksTotal   int
	SafetyPercent float64
	Details       map[string]CheckResult
}

// Passed reports is_safe — safety_percent >= the configured threshold.
// The threshold itself lives with the caller (SafetyEngine); this just carries
// the computed percentage forward.
func (r SafetyReport) Passed(minSafetyPercent float64) bool {
	return r.SafetyPercent >= minSafetyPercent
}

const (
	CheckGas        = "gas_check"
	CheckCongestion = "congestion_check"
	CheckProfit     = "profit_check"
	CheckToken      = "token_check"
	CheckBalance    = "balance_check"
	CheckDuplicate  = "duplicate_check"
)

// AllCheckNames lists the six mandated checks in a stable order so
// SafetyReport.ChecksTotal is always computed consistently.
var AllCheckNames = []string{
	CheckGas, CheckCongestion, CheckProfit, CheckToken, CheckBalance, CheckDuplicate,
}

// StrategyMetrics is the running performance record for one StrategyClass.
type StrategyMetrics struct {
	Successes     int
	Failures      int
	Total         int
	ProfitSumEth  float64
	AvgExecTimeS  float64
}

// SuccessRate returns successes/total, or 0 when no executions yet.
func (m StrategyMetrics) SuccessRate() float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.Successes) / float64(m.Total)
}

// NonceEntry is the per-address bookkeeping the NonceRegistry maintains.
type NonceEntry struct {
	NextNonce          uint64
	LastOnChainRefresh time.Time
	InFlight           map[TxHash]struct{}
}

// TxEventKind names the four structured events the engine emits toward the
// external, SQL-backed persistence collaborator.
type TxEventKind string

const (
	EventTxSubmitted   TxEventKind = "tx_submitted"
	EventTxConfirmed   TxEventKind = "tx_confirmed"
	EventTxFailed      TxEventKind = "tx_failed"
	EventProfitRecord  TxEventKind = "profit_recorded"
)

// TxEvent is a single structured record for the TxStore collaborator.
type TxEvent struct {
	Kind      TxEventKind
	TxHash    TxHash
	Address   Address
	Nonce     uint64
	GasUsed   uint64
	GasPrice  *big.Int
	ProfitEth float64
	Timestamp time.Time
	Detail    string
}
