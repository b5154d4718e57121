// Package chainworker is the composition root wiring NonceRegistry,
// GasOracle, SafetyEngine, TxBuilder, MempoolScanner and StrategySelector
// into one running pipeline per chain, plus the Prometheus metrics and
// EventStore recording that observe it.
package chainworker

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/on1labs/mevengine/internal/chain"
	"github.com/on1labs/mevengine/internal/db"
	"github.com/on1labs/mevengine/internal/gasoracle"
	"github.com/on1labs/mevengine/internal/mempool"
	"github.com/on1labs/mevengine/internal/model"
	"github.com/on1labs/mevengine/internal/nonce"
	"github.com/on1labs/mevengine/internal/safety"
	"github.com/on1labs/mevengine/internal/strategy"
	"github.com/on1labs/mevengine/internal/txbuilder"
	"github.com/on1labs/mevengine/pkg/abiregistry"
	"github.com/on1labs/mevengine/pkg/notify"
	"github.com/on1labs/mevengine/pkg/priceoracle"
)

// Config bundles every collaborator's config plus the one private key the
// worker signs with.
type Config struct {
	Name       string
	PrivateKey *ecdsa.PrivateKey
	MyAddress  model.Address

	Nonce    nonce.Config
	Gas      gasoracle.Config
	Safety   safety.Config
	Mempool  mempool.Config
	Strategy strategy.Config
	TxBuild  txbuilder.Config

	// ShutdownGrace bounds how long Start waits, once its context is
	// cancelled, for its goroutines to drain before returning, default 10s.
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	return c
}

// Worker is one chain's fully wired pipeline: discover pending transactions,
// score them, select a strategy, execute, and record the outcome.
type Worker struct {
	name string
	cfg  Config

	client   chain.Client
	nonces   *nonce.Registry
	gas      *gasoracle.Oracle
	safetyE  *safety.Engine
	builder  *txbuilder.Builder
	scanner  *mempool.Scanner
	selector *strategy.Selector
	store    db.EventStore

	metrics *metrics

	cancel context.CancelFunc
	done   chan struct{}

	healthMu sync.RWMutex
	health   HealthSnapshot
}

// HealthSnapshot is a point-in-time view of worker state, for diagnostics and
// operator dashboards.
type HealthSnapshot struct {
	Running         bool
	CircuitBroken   bool
	CircuitReason   string
	ProcessedHashes int
	LastOppAt       time.Time
	LastExecAt      time.Time
}

// New wires every collaborator in dependency order: NonceRegistry ->
// GasOracle -> SafetyEngine -> TxBuilder -> MempoolScanner ->
// StrategySelector, following the composition-root shape of a
// single-file wire-everything-then-run main.
func New(client chain.Client, abis abiregistry.Registry, prices priceoracle.PriceOracle, sink notify.Sink, store db.EventStore, reg prometheus.Registerer, cfg Config) (*Worker, error) {
	cfg = cfg.withDefaults()
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("chainworker: private key required")
	}

	nonces := nonce.New(client, cfg.Nonce)
	gas := gasoracle.New(client, abis, cfg.Gas)
	safetyE := safety.New(client, gas, prices, sink, cfg.Safety)
	builder := txbuilder.New(client, nonces, gas, cfg.PrivateKey, cfg.MyAddress, cfg.TxBuild)

	analyzer := mempool.NewSafetyAnalyzer(safetyE, cfg.Mempool.MonitoredAddrs)
	scanner := mempool.New(client, analyzer, cfg.Mempool)

	selector := strategy.New(cfg.Strategy)

	m, err := newMetrics(cfg.Name, reg)
	if err != nil {
		return nil, fmt.Errorf("chainworker: register metrics: %w", err)
	}

	w := &Worker{
		name:     cfg.Name,
		cfg:      cfg,
		client:   client,
		nonces:   nonces,
		gas:      gas,
		safetyE:  safetyE,
		builder:  builder,
		scanner:  scanner,
		selector: selector,
		store:    store,
		metrics:  m,
	}
	w.registerStrategies()
	// Load only applies vectors for classes that are already registered.
	if err := selector.Load(); err != nil {
		log.Printf("chainworker[%s]: loading persisted strategy weights failed, starting fresh: %v", cfg.Name, err)
	}
	return w, nil
}

// registerStrategies installs the bandit arms for every strategy class: a
// plain-transaction pair for StrategyEthTransaction, front-run variants for
// StrategyFrontRun, back-run variants for StrategyBackRun, and sandwich
// profiles for StrategySandwichAttack. The flash-loan-funded wrappers
// (txbuilder.FlashloanFrontRun/FlashloanBackRun/FlashloanSandwichAttack)
// take an extra withdraw Call that a plain mempool Opportunity never
// carries, so they're exposed as direct Builder calls for a future
// flash-loan-aware analyzer rather than registered here.
func (w *Worker) registerStrategies() {
	w.selector.Register(model.StrategyEthTransaction, map[string]strategy.Func{
		"submit_at_target_gas": w.runSubmitAtTargetGas,
		"submit_with_gas_bump": w.runSubmitWithGasBump,
	})
	w.selector.Register(model.StrategyFrontRun, map[string]strategy.Func{
		"front_run":            w.wrapCall(w.builder.FrontRun),
		"aggressive_front_run": w.wrapCall(w.builder.AggressiveFrontRun),
		"volatility_front_run": w.wrapCall(w.builder.VolatilityFrontRun),
		"predictive_front_run": w.wrapCall(w.builder.PredictiveFrontRun),
	})
	w.selector.Register(model.StrategyBackRun, map[string]strategy.Func{
		"back_run":             w.wrapCall(w.builder.BackRun),
		"price_dip_back_run":   w.wrapCall(w.builder.PriceDipBackRun),
		"high_volume_back_run": w.wrapCall(w.builder.HighVolumeBackRun),
	})
	w.selector.Register(model.StrategySandwichAttack, map[string]strategy.Func{
		"execute_sandwich_attack":            w.wrapSandwich(txbuilder.SandwichDefault),
		"execute_sandwich_attack_aggressive": w.wrapSandwich(txbuilder.SandwichAggressive),
		"execute_sandwich_attack_safe":       w.wrapSandwich(txbuilder.SandwichSafe),
	})
}

// wrapCall adapts a single-call Builder strategy method into a strategy.Func,
// building the call from the opportunity's target transaction.
func (w *Worker) wrapCall(fn func(context.Context, txbuilder.Call) (model.TxHash, error)) strategy.Func {
	return func(ctx context.Context, opp model.Opportunity) (bool, float64, error) {
		if opp.TargetTx.To.IsZero() {
			return false, 0, errNoTargetTx
		}
		call := opportunityCall(opp)
		if _, err := fn(ctx, call); err != nil {
			return false, 0, fmt.Errorf("chainworker: %w", err)
		}
		return true, 0, nil
	}
}

// wrapSandwich adapts ExecuteSandwichAttack into a strategy.Func, running
// both legs against the same opportunity call.
func (w *Worker) wrapSandwich(profile txbuilder.SandwichProfile) strategy.Func {
	return func(ctx context.Context, opp model.Opportunity) (bool, float64, error) {
		if opp.TargetTx.To.IsZero() {
			return false, 0, errNoTargetTx
		}
		call := opportunityCall(opp)
		if _, _, err := w.builder.ExecuteSandwichAttack(ctx, call, call, profile); err != nil {
			return false, 0, fmt.Errorf("chainworker: sandwich: %w", err)
		}
		return true, 0, nil
	}
}

func opportunityCall(opp model.Opportunity) txbuilder.Call {
	return txbuilder.Call{
		To:    opp.TargetTx.To,
		Value: opp.TargetTx.ValueWei,
		Data:  opp.TargetTx.InputData,
	}
}

// Start launches discovery, dispatch and the periodic weight-save loop. It
// returns once ctx is cancelled and every goroutine has exited (or
// ShutdownGrace elapses, whichever comes first).
func (w *Worker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	w.setRunning(true)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return w.scanner.Run(gctx) })
	g.Go(func() error { return w.dispatchLoop(gctx) })
	g.Go(func() error { return w.periodicSave(gctx) })

	go func() {
		_ = g.Wait()
		w.setRunning(false)
		close(w.done)
	}()

	<-runCtx.Done()

	select {
	case <-w.done:
	case <-time.After(w.cfg.ShutdownGrace):
		log.Printf("chainworker[%s]: shutdown grace period elapsed with goroutines still draining", w.name)
	}
	if err := w.selector.Save(); err != nil {
		log.Printf("chainworker[%s]: final weight save failed: %v", w.name, err)
	}
	return nil
}

// Stop requests cooperative shutdown; Start's caller still owns waiting for
// it to return.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// Health returns the most recently recorded snapshot.
func (w *Worker) Health() HealthSnapshot {
	w.healthMu.RLock()
	defer w.healthMu.RUnlock()
	h := w.health
	h.CircuitBroken = !w.safetyE.IsSafeToProceed()
	h.CircuitReason = w.safetyE.CircuitReason()
	h.ProcessedHashes = w.scanner.ProcessedHashCount()
	return h
}

func (w *Worker) setRunning(running bool) {
	w.healthMu.Lock()
	w.health.Running = running
	w.healthMu.Unlock()
}

// dispatchLoop drains scored opportunities off the scanner's queue and runs
// the bandit's best strategy against each, one at a time per worker (the
// scanner's own semaphore already bounds analysis concurrency upstream).
func (w *Worker) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case opp, ok := <-w.scanner.Opportunities():
			if !ok {
				return nil
			}
			w.recordOpportunitySeen()
			if !w.safetyE.IsSafeToProceed() {
				w.metrics.skippedCircuitOpen.Inc()
				continue
			}
			w.handleOpportunity(ctx, opp)
		}
	}
}

func (w *Worker) recordOpportunitySeen() {
	w.healthMu.Lock()
	w.health.LastOppAt = time.Now()
	w.healthMu.Unlock()
	w.metrics.opportunitiesSeen.Inc()
}

func (w *Worker) handleOpportunity(ctx context.Context, opp model.Opportunity) {
	success, profitEth, err := w.selector.ExecuteBest(ctx, opp.StrategyClass, opp)

	w.healthMu.Lock()
	w.health.LastExecAt = time.Now()
	w.healthMu.Unlock()

	w.metrics.executions.Inc()
	if success {
		w.metrics.successes.Inc()
		w.metrics.profitEthTotal.Add(profitEth)
	}

	kind := model.EventTxFailed
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	if success {
		kind = model.EventProfitRecord
	}

	if w.store == nil {
		return
	}
	evt := model.TxEvent{
		Kind:      kind,
		TxHash:    opp.TxHash,
		Address:   opp.TargetTx.To,
		Nonce:     opp.TargetTx.Nonce,
		GasUsed:   opp.TargetTx.GasLimit,
		GasPrice:  opp.TargetTx.EffectiveGasPriceWei(),
		ProfitEth: profitEth,
		Timestamp: time.Now(),
		Detail:    detail,
	}
	if rerr := w.store.RecordEvent(evt); rerr != nil {
		log.Printf("chainworker[%s]: record event failed: %v", w.name, rerr)
	}
}

// periodicSave persists the bandit's weights on a fixed cadence independent
// of the execution-count-based save_interval, so a quiet chain still
// checkpoints.
func (w *Worker) periodicSave(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.selector.Save(); err != nil {
				log.Printf("chainworker[%s]: periodic weight save failed: %v", w.name, err)
			}
		}
	}
}

var errNoTargetTx = fmt.Errorf("chainworker: opportunity carries no target transaction")

// runSubmitAtTargetGas builds and submits a transaction priced at the
// opportunity's observed gas price, with no bump multiplier.
func (w *Worker) runSubmitAtTargetGas(ctx context.Context, opp model.Opportunity) (bool, float64, error) {
	return w.submit(ctx, opp, 1.0)
}

// runSubmitWithGasBump is the same strategy submitted with a 20% gas
// premium, competing more aggressively for the same block.
func (w *Worker) runSubmitWithGasBump(ctx context.Context, opp model.Opportunity) (bool, float64, error) {
	return w.submit(ctx, opp, 1.2)
}

func (w *Worker) submit(ctx context.Context, opp model.Opportunity, gasMultiplier float64) (bool, float64, error) {
	if opp.TargetTx.To.IsZero() {
		return false, 0, errNoTargetTx
	}

	call := opportunityCall(opp)
	tmpl, err := w.builder.Build(ctx, call, gasMultiplier)
	if err != nil {
		return false, 0, fmt.Errorf("chainworker: build: %w", err)
	}

	hash, err := w.builder.Execute(ctx, tmpl)
	if err != nil {
		return false, 0, fmt.Errorf("chainworker: execute: %w", err)
	}
	_ = hash

	// Realized profit is not known at submit time, so callers see 0 here.
	// nonce.Registry's receipt monitor only uses the receipt for nonce
	// bookkeeping; nothing in the worker later fills in the realized figure.
	return true, 0, nil
}
