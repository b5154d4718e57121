// Package mempool implements the MempoolScanner: pending-tx discovery across
// three capability-gated strategies, dedup, bounded-parallelism analysis
// dispatch, and the profitable-candidate queue consumed by ChainWorker.
package mempool

import (
	"context"
	"log"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shirou/gopsutil/mem"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/on1labs/mevengine/internal/chain"
	"github.com/on1labs/mevengine/internal/model"
	"github.com/on1labs/mevengine/internal/safety"
)

// Config tunes scanner behavior, all with the defaults named below.
type Config struct {
	TxpoolPollInterval   time.Duration // default 2s
	BlockPollInterval    time.Duration // default 2s
	MaxParallelTasks     int64         // default 10
	MemoryCheckInterval  time.Duration // default 300s
	MemoryPressurePct    float64       // default 80
	ProcessedHashesCap   int           // default 50000
	OpportunityQueueCap  int           // default 1000, oldest-drop on overflow
	MonitoredAddrs       []string      // lower-cased 0x-prefixed router/token addresses

	// RawWSURL, if set, is dialed directly with a raw websocket JSON-RPC
	// eth_subscribe("newPendingTransactions") call when the configured
	// chain.Client can't establish a subscription itself (e.g. its
	// underlying rpc.Client was dialed over HTTP). Leave empty to skip
	// straight to the block-polling fallback.
	RawWSURL string
}

func (c Config) withDefaults() Config {
	if c.TxpoolPollInterval <= 0 {
		c.TxpoolPollInterval = 2 * time.Second
	}
	if c.BlockPollInterval <= 0 {
		c.BlockPollInterval = 2 * time.Second
	}
	if c.MaxParallelTasks <= 0 {
		c.MaxParallelTasks = 10
	}
	if c.MemoryCheckInterval <= 0 {
		c.MemoryCheckInterval = 300 * time.Second
	}
	if c.MemoryPressurePct <= 0 {
		c.MemoryPressurePct = 80
	}
	if c.ProcessedHashesCap <= 0 {
		c.ProcessedHashesCap = 50_000
	}
	if c.OpportunityQueueCap <= 0 {
		c.OpportunityQueueCap = 1000
	}
	return c
}

func normalizeMonitored(raw []string) map[string]struct{} {
	out := make(map[string]struct{}, len(raw))
	for _, a := range raw {
		lower := toLowerHex(a)
		if len(lower) < 2 || lower[:2] != "0x" {
			continue
		}
		out[lower] = struct{}{}
	}
	return out
}

func toLowerHex(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Analyzer consumes a pending tx and produces an Opportunity, consulting the
// safety engine. Kept as a named type so an alternative candidate source
// (e.g. simulated replay) can satisfy the same contract.
type Analyzer interface {
	Analyze(ctx context.Context, tx model.PendingTx) (model.Opportunity, bool)
}

// SafetyAnalyzer is the default Analyzer: monitored-address + positive-value
// filter, then a synthesized check_transaction_safety call.
type SafetyAnalyzer struct {
	engine    *safety.Engine
	monitored map[string]struct{}
}

// NewSafetyAnalyzer builds an Analyzer gating on the safety engine.
func NewSafetyAnalyzer(engine *safety.Engine, monitoredAddrs []string) *SafetyAnalyzer {
	return &SafetyAnalyzer{engine: engine, monitored: normalizeMonitored(monitoredAddrs)}
}

func (a *SafetyAnalyzer) Analyze(ctx context.Context, tx model.PendingTx) (model.Opportunity, bool) {
	if len(a.monitored) > 0 {
		if _, ok := a.monitored[tx.To.String()]; !ok {
			return model.Opportunity{}, false
		}
	}
	if tx.ValueWei == nil || tx.ValueWei.Sign() <= 0 {
		return model.Opportunity{}, false
	}

	params := safety.TxSafetyParams{
		TxHash:       tx.Hash,
		GasPriceGwei: model.WeiToGwei(tx.EffectiveGasPriceWei()),
		GasUsed:      tx.GasLimit,
	}
	isSafe, report := a.engine.CheckTransactionSafety(ctx, params)
	if !isSafe || !report.Details[model.CheckProfit].Passed {
		return model.Opportunity{}, false
	}

	return model.Opportunity{
		TxHash:        tx.Hash,
		TargetTx:      tx,
		StrategyClass: model.StrategyFrontRun,
		SafetyReport:  report,
	}, true
}

// Scanner discovers pending-tx hashes, dedups, dispatches bounded-parallelism
// analysis, and exposes a priority-ordered queue of profitable candidates.
type Scanner struct {
	client   chain.Client
	analyzer Analyzer
	cfg      Config

	sem *semaphore.Weighted

	mu              sync.Mutex
	processedHashes map[common.Hash]struct{}
	processedOrder  []common.Hash

	queueMu sync.Mutex
	queueCh chan model.Opportunity
}

// New builds a Scanner against client, using analyzer to score candidates.
func New(client chain.Client, analyzer Analyzer, cfg Config) *Scanner {
	cfg = cfg.withDefaults()
	return &Scanner{
		client:          client,
		analyzer:        analyzer,
		cfg:             cfg,
		sem:             semaphore.NewWeighted(cfg.MaxParallelTasks),
		processedHashes: make(map[common.Hash]struct{}),
		queueCh:         make(chan model.Opportunity, cfg.OpportunityQueueCap),
	}
}

// Opportunities returns the channel of profitable candidates, in arrival
// order (not priority order) — callers wanting strict priority should use
// DrainSorted instead.
func (s *Scanner) Opportunities() <-chan model.Opportunity { return s.queueCh }

// DrainSorted pulls every currently-buffered opportunity off the queue and
// returns them ordered highest-gas-price first, for consumers that want to
// rank rather than stream.
func (s *Scanner) DrainSorted() []model.Opportunity {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	var opps []model.Opportunity
	for {
		select {
		case o := <-s.queueCh:
			opps = append(opps, o)
		default:
			sortByPriority(opps)
			return opps
		}
	}
}

// markProcessed reports whether hash is new (true) or already seen (false),
// and records it. Enforces the at-most-once enqueue invariant.
func (s *Scanner) markProcessed(hash common.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processedHashes[hash]; ok {
		return false
	}
	s.processedHashes[hash] = struct{}{}
	s.processedOrder = append(s.processedOrder, hash)
	if len(s.processedOrder) > s.cfg.ProcessedHashesCap {
		excess := len(s.processedOrder) - s.cfg.ProcessedHashesCap
		for _, h := range s.processedOrder[:excess] {
			delete(s.processedHashes, h)
		}
		s.processedOrder = s.processedOrder[excess:]
	}
	return true
}

func (s *Scanner) purgeProcessed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processedHashes = make(map[common.Hash]struct{})
	s.processedOrder = nil
}

// Run starts discovery + dispatch + memory-pressure goroutines and blocks
// until ctx is cancelled or a fatal (non-transient) error occurs.
func (s *Scanner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	hashes := make(chan common.Hash, 4096)

	g.Go(func() error { return s.runDiscovery(ctx, hashes) })
	g.Go(func() error { return s.runDispatcher(ctx, hashes) })
	g.Go(func() error { return s.runMemoryWatch(ctx) })

	return g.Wait()
}

// runDiscovery picks the highest-priority capability the node supports and
// runs that strategy; it never returns a fatal error for transient RPC
// trouble, matching the "node outage" invariant.
func (s *Scanner) runDiscovery(ctx context.Context, out chan<- common.Hash) error {
	if _, err := s.client.TxPoolContent(ctx); err == nil {
		return s.pollTxpool(ctx, out)
	}

	sub, err := s.tryPendingFilter(ctx, out)
	if err == nil {
		<-ctx.Done()
		sub.Unsubscribe()
		return nil
	}

	if s.cfg.RawWSURL != "" {
		wsSub, wsErr := s.dialRawPendingFilter(ctx, out)
		if wsErr == nil {
			<-ctx.Done()
			wsSub.Unsubscribe()
			return nil
		}
		log.Printf("mempool: raw websocket pending-filter fallback failed, polling blocks instead: %v", wsErr)
	}

	return s.pollBlocks(ctx, out)
}

func (s *Scanner) pollTxpool(ctx context.Context, out chan<- common.Hash) error {
	ticker := time.NewTicker(s.cfg.TxpoolPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			content, err := s.client.TxPoolContent(ctx)
			if err != nil {
				log.Printf("mempool: txpool_content poll failed, retrying: %v", err)
				continue
			}
			for _, byNonce := range content.Pending {
				for _, tx := range byNonce {
					select {
					case out <- tx.Hash():
					case <-ctx.Done():
						return nil
					}
				}
			}
		}
	}
}

func (s *Scanner) tryPendingFilter(ctx context.Context, out chan<- common.Hash) (chain.Subscription, error) {
	ch := make(chan common.Hash, 256)
	sub, err := s.client.NewPendingTransactionHashes(ctx, ch)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					log.Printf("mempool: pending filter subscription error: %v", err)
				}
				return
			case h := <-ch:
				select {
				case out <- h:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

func (s *Scanner) pollBlocks(ctx context.Context, out chan<- common.Hash) error {
	last, err := s.client.BlockNumber(ctx)
	if err != nil {
		log.Printf("mempool: initial block number fetch failed: %v", err)
	}

	ticker := time.NewTicker(s.cfg.BlockPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			current, err := s.client.BlockNumber(ctx)
			if err != nil {
				log.Printf("mempool: block number fetch failed, retrying: %v", err)
				continue
			}
			for n := last + 1; n <= current; n++ {
				blk, err := s.client.BlockByNumber(ctx, newBig(n))
				if err != nil {
					log.Printf("mempool: block %d fetch failed: %v", n, err)
					continue
				}
				for _, tx := range blk.Transactions() {
					select {
					case out <- tx.Hash():
					case <-ctx.Done():
						return nil
					}
				}
			}
			if current > last {
				last = current
			}
		}
	}
}

func (s *Scanner) runDispatcher(ctx context.Context, hashes <-chan common.Hash) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case h := <-hashes:
			if !s.markProcessed(h) {
				continue
			}
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			go func(h common.Hash) {
				defer s.sem.Release(1)
				s.analyze(ctx, h)
			}(h)
		}
	}
}

func (s *Scanner) analyze(ctx context.Context, hash common.Hash) {
	tx, err := s.fetchWithRetry(ctx, hash)
	if err != nil {
		log.Printf("mempool: fetch tx %s failed: %v", hash, err)
		return
	}

	opp, ok := s.analyzer.Analyze(ctx, tx)
	if !ok {
		return
	}

	s.enqueueOpportunity(opp)
}

// enqueueOpportunity pushes opp onto the bounded queue, dropping the oldest
// buffered opportunity to make room when the queue is already full rather
// than blocking the analysis goroutine.
func (s *Scanner) enqueueOpportunity(opp model.Opportunity) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	select {
	case s.queueCh <- opp:
		return
	default:
	}

	select {
	case dropped := <-s.queueCh:
		log.Printf("mempool: opportunity queue full, dropping oldest candidate %s for %s", dropped.TxHash, opp.TxHash)
	default:
	}

	select {
	case s.queueCh <- opp:
	default:
		// Another producer raced us and refilled the slot; the opportunity
		// is dropped rather than blocking under queueMu.
	}
}

func (s *Scanner) fetchWithRetry(ctx context.Context, hash common.Hash) (model.PendingTx, error) {
	const maxAttempts = 3
	var lastErr error
	delay := 100 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, isPending, err := s.client.TransactionByHash(ctx, hash)
		if err == nil {
			return toPendingTx(tx, isPending), nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return model.PendingTx{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return model.PendingTx{}, lastErr
}

func toPendingTx(tx interface {
	Hash() common.Hash
	To() *common.Address
	Value() *big.Int
	Gas() uint64
	GasPrice() *big.Int
	GasFeeCap() *big.Int
	GasTipCap() *big.Int
	Nonce() uint64
	Data() []byte
}, isPending bool) model.PendingTx {
	_ = isPending
	p := model.PendingTx{
		Hash:      model.TxHashFromCommon(tx.Hash()),
		ValueWei:  tx.Value(),
		GasLimit:  tx.Gas(),
		Nonce:     tx.Nonce(),
		InputData: tx.Data(),
	}
	if to := tx.To(); to != nil {
		p.To = model.AddressFromCommon(*to)
	}
	if fc := tx.GasFeeCap(); fc != nil && tx.GasTipCap() != nil {
		p.MaxFeeWei = fc
		p.MaxPriorityFeeWei = tx.GasTipCap()
	} else {
		p.GasPriceWei = tx.GasPrice()
	}
	return p
}

func (s *Scanner) runMemoryWatch(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.MemoryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			v, err := mem.VirtualMemory()
			if err != nil {
				log.Printf("mempool: memory sample failed: %v", err)
				continue
			}
			if v.UsedPercent > s.cfg.MemoryPressurePct {
				log.Printf("mempool: resident memory %.1f%% exceeds pressure threshold, purging processed-hash cache", v.UsedPercent)
				s.purgeProcessed()
			}
		}
	}
}

// ProcessedHashCount reports the current dedup-set size, for diagnostics.
func (s *Scanner) ProcessedHashCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processedHashes)
}

// ProcessedHashesSnapshot returns a defensive copy of the dedup set's keys.
func (s *Scanner) ProcessedHashesSnapshot() []common.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Keys(s.processedHashes)
}

func sortByPriority(opps []model.Opportunity) {
	sort.Slice(opps, func(i, j int) bool {
		return priorityKey(opps[i]).Cmp(priorityKey(opps[j])) < 0
	})
}

func priorityKey(o model.Opportunity) *big.Int {
	gp := o.TargetTx.EffectiveGasPriceWei()
	if gp == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Neg(gp)
}

func newBig(n uint64) *big.Int { return new(big.Int).SetUint64(n) }
