// Package gasoracle computes a single dynamic gas price (in gwei) for
// immediate use, blending EIP-1559/legacy node signals with a congestion
// estimate sampled over a rolling window.
package gasoracle

import (
	"container/ring"
	"context"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"golang.org/x/time/rate"

	"github.com/on1labs/mevengine/internal/chain"
	"github.com/on1labs/mevengine/internal/model"
	"github.com/on1labs/mevengine/pkg/abiregistry"
)

const (
	congestionWindow  = time.Hour
	saturationPending = 5000.0
	trendRatioWeight  = 0.2
	blockLoadWeight   = 0.5
	pendingWeight     = 0.3

	// ringCapacity bounds how many congestion samples the rolling window
	// ever holds in memory; entries older than congestionWindow are filtered
	// out when read rather than evicted eagerly.
	ringCapacity = 4096
)

// Config tunes clamping and the optional on-chain oracle read.
type Config struct {
	MinGwei            float64
	MaxGwei            float64
	OracleContractAddr model.Address // zero value means "not configured"
	OracleContractName string        // key into the ABI registry

	// PollRPS caps how often the oracle is willing to hit the node's RPC
	// endpoint for header/tip/congestion reads, smoothing bursts from
	// multiple callers sharing one Oracle. Default 5 requests/second with
	// a burst of 5.
	PollRPS float64
}

func (c Config) withDefaults() Config {
	if c.MaxGwei <= 0 {
		c.MaxGwei = 500
	}
	if c.PollRPS <= 0 {
		c.PollRPS = 5
	}
	return c
}

type sample struct {
	at    time.Time
	value float64
}

// Oracle computes dynamic_gas_price and maintains the congestion history.
type Oracle struct {
	client  chain.Client
	abis    abiregistry.Registry
	cfg     Config
	limiter *rate.Limiter

	mu   sync.Mutex
	ring *ring.Ring // fixed-capacity circular buffer of `sample`, oldest-first from ring.Do
}

// New builds an Oracle. abis may be nil if no on-chain gas-price oracle is
// configured.
func New(client chain.Client, abis abiregistry.Registry, cfg Config) *Oracle {
	cfg = cfg.withDefaults()
	return &Oracle{
		client:  client,
		abis:    abis,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.PollRPS), int(cfg.PollRPS)),
		ring:    ring.New(ringCapacity),
	}
}

// DynamicGasPrice implements the oracle-contract-first, EIP-1559-or-legacy
// fallback algorithm.
func (o *Oracle) DynamicGasPrice(ctx context.Context) (float64, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	if gwei, ok := o.tryOracleContract(ctx); ok {
		return o.clamp(gwei), nil
	}

	header, err := o.client.HeaderByNumber(ctx, nil)
	if err != nil {
		log.Printf("gasoracle: header fetch failed, using fallback: %v", err)
		return o.clamp(o.cfg.MinGwei), nil
	}

	congestion := o.GetCongestion(ctx)

	if header.BaseFee != nil {
		baseFeeGwei := model.WeiToGwei(header.BaseFee)
		tip, err := o.client.SuggestGasTipCap(ctx)
		if err != nil {
			log.Printf("gasoracle: priority fee fetch failed: %v", err)
			tip = big.NewInt(0)
		}
		priorityGwei := model.WeiToGwei(tip)
		gwei := baseFeeGwei + priorityGwei*(1+congestion)
		return o.clamp(gwei), nil
	}

	nodeGasPrice, err := o.client.SuggestGasPrice(ctx)
	if err != nil {
		log.Printf("gasoracle: legacy gas price fetch failed: %v", err)
		return o.clamp(o.cfg.MinGwei), nil
	}
	gwei := model.WeiToGwei(nodeGasPrice) * (1 + 0.5*congestion)
	return o.clamp(gwei), nil
}

func (o *Oracle) clamp(gwei float64) float64 {
	if gwei < o.cfg.MinGwei {
		return o.cfg.MinGwei
	}
	if gwei > o.cfg.MaxGwei {
		return o.cfg.MaxGwei
	}
	return gwei
}

func (o *Oracle) tryOracleContract(ctx context.Context) (float64, bool) {
	if o.cfg.OracleContractAddr.IsZero() || o.abis == nil {
		return 0, false
	}
	a, err := o.abis.ABI(o.cfg.OracleContractName)
	if err != nil {
		return 0, false
	}

	for _, method := range []string{"getLatestGasPrice", "latestAnswer"} {
		m, ok := a.Methods[method]
		if !ok {
			continue
		}
		data, err := a.Pack(method)
		if err != nil {
			continue
		}
		addr := o.cfg.OracleContractAddr.Common()
		out, err := o.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
		if err != nil {
			continue
		}
		vals, err := m.Outputs.Unpack(out)
		if err != nil || len(vals) == 0 {
			continue
		}
		price, ok := vals[0].(*big.Int)
		if !ok {
			continue
		}
		return model.WeiToGwei(price), true
	}
	return 0, false
}

// GetCongestion blends block load, pending-tx saturation, and a recent
// gas-price trend into [0,1], recording the sample into the rolling window
// and returning a recency-weighted average of the window. On any fetch error
// it returns 0.5 (moderate).
func (o *Oracle) GetCongestion(ctx context.Context) float64 {
	value, err := o.computeCongestion(ctx)
	if err != nil {
		log.Printf("gasoracle: congestion fetch failed, using moderate default: %v", err)
		value = 0.5
	}
	o.recordSample(value)
	return o.weightedAverage()
}

func (o *Oracle) computeCongestion(ctx context.Context) (float64, error) {
	header, err := o.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, err
	}
	var blockLoad float64
	if header.GasLimit > 0 {
		blockLoad = float64(header.GasUsed) / float64(header.GasLimit)
	}

	pendingCount, err := o.client.PendingTransactionCount(ctx)
	if err != nil {
		return 0, err
	}
	pendingLoad := float64(pendingCount) / saturationPending
	if pendingLoad > 1 {
		pendingLoad = 1
	}

	trend := o.trendRatio()

	congestion := blockLoadWeight*blockLoad + pendingWeight*pendingLoad + trendRatioWeight*trend
	if congestion < 0 {
		congestion = 0
	}
	if congestion > 1 {
		congestion = 1
	}
	return congestion, nil
}

// trendRatio compares the mean of the most recent three samples to the mean
// of older samples, mapped linearly into [0,1].
func (o *Oracle) trendRatio() float64 {
	samples := o.windowSamples()
	if len(samples) < 4 {
		return 0.5
	}
	recent := samples[len(samples)-3:]
	older := samples[:len(samples)-3]

	var recentSum, olderSum float64
	for _, s := range recent {
		recentSum += s.value
	}
	for _, s := range older {
		olderSum += s.value
	}
	recentMean := recentSum / float64(len(recent))
	olderMean := olderSum / float64(len(older))
	if olderMean == 0 {
		return 0.5
	}
	ratio := recentMean / olderMean
	// map ratio around 1.0 -> 0.5, clamped to [0,1]
	mapped := 0.5 + (ratio-1.0)
	if mapped < 0 {
		mapped = 0
	}
	if mapped > 1 {
		mapped = 1
	}
	return mapped
}

func (o *Oracle) recordSample(value float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.ring.Value = sample{at: time.Now(), value: value}
	o.ring = o.ring.Next()
}

// windowSamples returns every recorded sample still inside congestionWindow,
// oldest first. Expired and never-written ring slots (zero time.Time) are
// filtered out at read time rather than evicted from the ring eagerly.
func (o *Oracle) windowSamples() []sample {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := time.Now().Add(-congestionWindow)
	out := make([]sample, 0, o.ring.Len())
	o.ring.Do(func(v interface{}) {
		s, ok := v.(sample)
		if !ok || s.at.IsZero() || s.at.Before(cutoff) {
			return
		}
		out = append(out, s)
	})
	return out
}

// weightedAverage returns a recency-weighted average of the rolling window:
// linear weights favoring the newest sample.
func (o *Oracle) weightedAverage() float64 {
	samples := o.windowSamples()
	if len(samples) == 0 {
		return 0.5
	}
	var weightedSum, weightTotal float64
	for i, s := range samples {
		weight := float64(i + 1)
		weightedSum += s.value * weight
		weightTotal += weight
	}
	return weightedSum / weightTotal
}
