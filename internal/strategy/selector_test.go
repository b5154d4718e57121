package strategy

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/on1labs/mevengine/internal/model"
)

func noopFn(success bool, profit float64) Func {
	return func(ctx context.Context, opp model.Opportunity) (bool, float64, error) {
		return success, profit, nil
	}
}

func TestSelect_OnlyRegisteredClassesResolve(t *testing.T) {
	s := New(Config{Rand: rand.New(rand.NewSource(1))})
	s.Register(model.StrategyFrontRun, map[string]Func{"a": noopFn(true, 0.01)})

	_, _, ok := s.Select(model.StrategyFrontRun)
	assert.True(t, ok)

	_, _, ok = s.Select(model.StrategyBackRun)
	assert.False(t, ok)
}

func TestUpdateAfterRun_WeightStaysWithinClampBounds(t *testing.T) {
	s := New(Config{MinWeight: 0.01, MaxWeight: 2.0, BaseLR: 5.0, Rand: rand.New(rand.NewSource(1))})
	s.Register(model.StrategyFrontRun, map[string]Func{"a": noopFn(true, 100.0)})

	cs := s.classFor(model.StrategyFrontRun)
	for i := 0; i < 50; i++ {
		_, _, _ = s.ExecuteBest(context.Background(), model.StrategyFrontRun, model.Opportunity{})
	}
	cs.mu.Lock()
	w := cs.weights[0]
	cs.mu.Unlock()
	assert.LessOrEqual(t, w, 2.0)
	assert.GreaterOrEqual(t, w, 0.01)
}

func TestUpdateAfterRun_WeightDecreasesOnFailure(t *testing.T) {
	s := New(Config{MinWeight: -10, MaxWeight: 10, Rand: rand.New(rand.NewSource(1))})
	s.Register(model.StrategyFrontRun, map[string]Func{"a": noopFn(false, 0)})

	before := s.Weights(model.StrategyFrontRun)[0]
	_, _, _ = s.ExecuteBest(context.Background(), model.StrategyFrontRun, model.Opportunity{})
	after := s.Weights(model.StrategyFrontRun)[0]

	assert.Less(t, after, before)
}

func TestMetrics_TracksSuccessesAndFailures(t *testing.T) {
	s := New(Config{Rand: rand.New(rand.NewSource(1))})
	s.Register(model.StrategyFrontRun, map[string]Func{
		"ok":  noopFn(true, 0.02),
		"bad": noopFn(false, 0),
	})

	for i := 0; i < 10; i++ {
		_, _, _ = s.ExecuteBest(context.Background(), model.StrategyFrontRun, model.Opportunity{})
	}

	m := s.Metrics(model.StrategyFrontRun)
	assert.Equal(t, 10, m.Total)
	assert.Equal(t, m.Successes+m.Failures, m.Total)
}

func TestSaveThenLoad_RoundTripsWeights(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategy_weights.json")

	s1 := New(Config{WeightsPath: path, Rand: rand.New(rand.NewSource(1))})
	s1.Register(model.StrategyFrontRun, map[string]Func{"a": noopFn(true, 0.05), "b": noopFn(true, 0.02)})
	for i := 0; i < 5; i++ {
		_, _, _ = s1.ExecuteBest(context.Background(), model.StrategyFrontRun, model.Opportunity{})
	}
	require.NoError(t, s1.Save())
	want := s1.Weights(model.StrategyFrontRun)

	s2 := New(Config{WeightsPath: path, Rand: rand.New(rand.NewSource(1))})
	s2.Register(model.StrategyFrontRun, map[string]Func{"a": noopFn(true, 0), "b": noopFn(true, 0)})
	require.NoError(t, s2.Load())
	got := s2.Weights(model.StrategyFrontRun)

	assert.Equal(t, want, got)
}

func TestLoad_IgnoresMismatchedLengthVector(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategy_weights.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"front_run":[1,2,3]}`), 0o644))

	s := New(Config{WeightsPath: path})
	s.Register(model.StrategyFrontRun, map[string]Func{"a": noopFn(true, 0), "b": noopFn(true, 0)})
	require.NoError(t, s.Load())

	got := s.Weights(model.StrategyFrontRun)
	assert.Equal(t, []float64{1.0, 1.0}, got, "a 3-length vector must not overwrite a 2-arm class")
}

func TestSave_SkipsWriteWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategy_weights.json")

	s := New(Config{WeightsPath: path})
	s.Register(model.StrategyFrontRun, map[string]Func{"a": noopFn(true, 0)})
	require.NoError(t, s.Save())

	info1, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, s.Save())
	info2, err := os.Stat(path)
	require.NoError(t, err)

	assert.Equal(t, info1.ModTime(), info2.ModTime())
}

func TestRewardFor_MatchesFormula(t *testing.T) {
	assert.InDelta(t, 0.02-0.01*1.5, rewardFor(true, 0.02, 1.5), 1e-9)
	assert.InDelta(t, -0.05-0.01*2.0, rewardFor(false, 0, 2.0), 1e-9)
}
