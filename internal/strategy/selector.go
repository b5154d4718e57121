// Package strategy implements the StrategySelector: an epsilon-greedy
// multi-armed bandit with one weight vector per registered strategy class,
// grounded on on1builder's strategy_net.py registry-of-callables design.
package strategy

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/on1labs/mevengine/internal/model"
)

const (
	defaultExplorationRate = 0.10
	defaultBaseLR          = 0.10
	defaultMinWeight       = 0.10
	defaultMaxWeight       = 10.0
	defaultSaveInterval    = 25
	execTimeDecay          = 0.95
)

// Func is one strategy implementation: given a target opportunity, attempt
// the trade and report whether it succeeded plus the realized profit (ether).
type Func func(ctx context.Context, opp model.Opportunity) (success bool, profitEth float64, err error)

// Config tunes the bandit's learning-rate and persistence behavior.
type Config struct {
	ExplorationRate float64 // default 0.10
	BaseLR          float64 // default 0.10
	MinWeight       float64 // default 0.10
	MaxWeight       float64 // default 10.0
	SaveInterval    int     // default 25
	WeightsPath     string  // default "strategy_weights.json"
	Rand            *rand.Rand
}

func (c Config) withDefaults() Config {
	if c.ExplorationRate <= 0 {
		c.ExplorationRate = defaultExplorationRate
	}
	if c.BaseLR <= 0 {
		c.BaseLR = defaultBaseLR
	}
	if c.MinWeight <= 0 {
		c.MinWeight = defaultMinWeight
	}
	if c.MaxWeight <= 0 {
		c.MaxWeight = defaultMaxWeight
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = defaultSaveInterval
	}
	if c.WeightsPath == "" {
		c.WeightsPath = "strategy_weights.json"
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return c
}

// arm is one registered strategy function plus its name; its weight lives in
// classState.weights.
type arm struct {
	name string
	fn   Func
}

// classState holds one strategy class's registered arms, weights and metrics
// under a single per-class mutex, per the "weight updates serialized by a
// per-class lock" ordering guarantee.
type classState struct {
	mu      sync.Mutex
	arms    []arm
	weights []float64
	metrics model.StrategyMetrics
}

// Selector is the epsilon-greedy bandit over all registered strategy classes.
type Selector struct {
	cfg Config

	classesMu sync.RWMutex
	classes   map[model.StrategyClass]*classState

	execMu        sync.Mutex
	totalExecs    int
	sinceLastSave int
	lastSavedJSON string
}

// New builds an empty Selector; call Register for each class before Select.
func New(cfg Config) *Selector {
	return &Selector{
		cfg:     cfg.withDefaults(),
		classes: make(map[model.StrategyClass]*classState),
	}
}

// Register installs the named strategy functions for a class, seeding every
// weight at 1.0 and replacing any earlier state for the class; persisted
// weights are applied by a Load call made after Register. Arms
// are ordered by name so the index assigned to each arm is stable across
// process restarts, matching how Save/Load address them positionally.
func (s *Selector) Register(class model.StrategyClass, named map[string]Func) {
	s.classesMu.Lock()
	defer s.classesMu.Unlock()

	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)

	arms := make([]arm, 0, len(names))
	for _, name := range names {
		arms = append(arms, arm{name: name, fn: named[name]})
	}
	weights := make([]float64, len(arms))
	for i := range weights {
		weights[i] = 1.0
	}
	s.classes[class] = &classState{arms: arms, weights: weights}
}

// Select picks one arm index for class: with probability exploration_rate,
// uniformly at random; otherwise via softmax(weights - max(weights)) sampling.
func (s *Selector) Select(class model.StrategyClass) (name string, idx int, ok bool) {
	cs := s.classFor(class)
	if cs == nil {
		return "", 0, false
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.arms) == 0 {
		return "", 0, false
	}

	if s.cfg.Rand.Float64() < s.cfg.ExplorationRate {
		i := s.cfg.Rand.Intn(len(cs.arms))
		return cs.arms[i].name, i, true
	}

	i := softmaxSample(cs.weights, s.cfg.Rand)
	return cs.arms[i].name, i, true
}

func (s *Selector) classFor(class model.StrategyClass) *classState {
	s.classesMu.RLock()
	defer s.classesMu.RUnlock()
	return s.classes[class]
}

// softmaxSample draws an index from softmax(weights - max(weights)).
func softmaxSample(weights []float64, r *rand.Rand) int {
	max := weights[0]
	for _, w := range weights[1:] {
		if w > max {
			max = w
		}
	}
	exps := make([]float64, len(weights))
	var sum float64
	for i, w := range weights {
		exps[i] = math.Exp(w - max)
		sum += exps[i]
	}
	target := r.Float64() * sum
	var cum float64
	for i, e := range exps {
		cum += e
		if target <= cum {
			return i
		}
	}
	return len(weights) - 1
}

// ExecuteBest selects the best arm for class and runs it, timing wall-clock
// duration and updating arms afterward via the reward formula.
func (s *Selector) ExecuteBest(ctx context.Context, class model.StrategyClass, opp model.Opportunity) (bool, float64, error) {
	cs := s.classFor(class)
	if cs == nil {
		return false, 0, errUnregisteredClass(class)
	}

	name, idx, ok := s.Select(class)
	_ = name
	if !ok {
		return false, 0, errUnregisteredClass(class)
	}

	cs.mu.Lock()
	fn := cs.arms[idx].fn
	cs.mu.Unlock()

	start := time.Now()
	success, profitEth, err := fn(ctx, opp)
	execTimeS := time.Since(start).Seconds()

	s.updateAfterRun(cs, idx, success, profitEth, execTimeS)
	return success, profitEth, err
}

type errUnregisteredClass model.StrategyClass

func (e errUnregisteredClass) Error() string {
	return "strategy: class not registered: " + string(e)
}

// updateAfterRun applies the reward formula and clamps the updated weight,
// then updates metrics and triggers persistence per save_interval.
func (s *Selector) updateAfterRun(cs *classState, idx int, success bool, profitEth, execTimeS float64) {
	s.execMu.Lock()
	s.totalExecs++
	total := s.totalExecs
	s.execMu.Unlock()

	reward := rewardFor(success, profitEth, execTimeS)
	lr := s.cfg.BaseLR / (1 + 0.001*float64(total))

	cs.mu.Lock()
	cs.weights[idx] = clamp(cs.weights[idx]+lr*reward, s.cfg.MinWeight, s.cfg.MaxWeight)

	cs.metrics.Total++
	if success {
		cs.metrics.Successes++
	} else {
		cs.metrics.Failures++
	}
	cs.metrics.ProfitSumEth += profitEth
	if cs.metrics.Total == 1 {
		cs.metrics.AvgExecTimeS = execTimeS
	} else {
		cs.metrics.AvgExecTimeS = execTimeDecay*cs.metrics.AvgExecTimeS + (1-execTimeDecay)*execTimeS
	}
	cs.mu.Unlock()

	s.maybeSave()
}

// rewardFor implements reward = (profit_eth if success else -0.05) - 0.01*exec_time_s.
func rewardFor(success bool, profitEth, execTimeS float64) float64 {
	base := -0.05
	if success {
		base = profitEth
	}
	return base - 0.01*execTimeS
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Metrics returns a copy of class's running metrics.
func (s *Selector) Metrics(class model.StrategyClass) model.StrategyMetrics {
	cs := s.classFor(class)
	if cs == nil {
		return model.StrategyMetrics{}
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.metrics
}

// Weights returns a copy of class's current weight vector, in registration
// order.
func (s *Selector) Weights(class model.StrategyClass) []float64 {
	cs := s.classFor(class)
	if cs == nil {
		return nil
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]float64, len(cs.weights))
	copy(out, cs.weights)
	return out
}

// snapshot is the JSON-serializable weights-by-class shape.
type snapshot map[model.StrategyClass][]float64

func (s *Selector) snapshotWeights() snapshot {
	s.classesMu.RLock()
	defer s.classesMu.RUnlock()

	out := make(snapshot, len(s.classes))
	for class, cs := range s.classes {
		cs.mu.Lock()
		w := make([]float64, len(cs.weights))
		copy(w, cs.weights)
		cs.mu.Unlock()
		out[class] = w
	}
	return out
}

// maybeSave persists weights every save_interval updates, skipping the write
// entirely if the serialized form is unchanged since the last save.
func (s *Selector) maybeSave() {
	s.execMu.Lock()
	s.sinceLastSave++
	due := s.sinceLastSave >= s.cfg.SaveInterval
	if due {
		s.sinceLastSave = 0
	}
	s.execMu.Unlock()

	if due {
		if err := s.Save(); err != nil {
			// Persistence failures never interrupt selection/execution.
			_ = err
		}
	}
}

// Save writes the current weights to WeightsPath, skipping the write if the
// serialized bytes are identical to the last save (whether triggered here or
// by a prior Save call).
func (s *Selector) Save() error {
	raw, err := json.MarshalIndent(s.snapshotWeights(), "", "  ")
	if err != nil {
		return err
	}

	s.execMu.Lock()
	unchanged := string(raw) == s.lastSavedJSON
	s.execMu.Unlock()
	if unchanged {
		return nil
	}

	if err := os.WriteFile(s.cfg.WeightsPath, raw, 0o644); err != nil {
		return err
	}

	s.execMu.Lock()
	s.lastSavedJSON = string(raw)
	s.execMu.Unlock()
	return nil
}

// Load reads WeightsPath (if present) and applies any class vector whose
// length matches the number of currently registered arms for that class;
// mismatched-length vectors are silently ignored so a registry change never
// crashes startup.
func (s *Selector) Load() error {
	raw, err := os.ReadFile(s.cfg.WeightsPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var loaded snapshot
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return err
	}

	s.classesMu.RLock()
	defer s.classesMu.RUnlock()
	for class, weights := range loaded {
		cs, ok := s.classes[class]
		if !ok {
			continue
		}
		cs.mu.Lock()
		if len(weights) == len(cs.weights) {
			copy(cs.weights, weights)
		}
		cs.mu.Unlock()
	}

	s.execMu.Lock()
	s.lastSavedJSON = string(raw)
	s.execMu.Unlock()
	return nil
}
