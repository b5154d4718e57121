package configs

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
db_dsn: "user:pass@tcp(127.0.0.1:3306)/mevengine"
chains:
  - name: "mainnet"
    rpc: "https://mainnet.example/rpc"
    raw_ws_url: "wss://mainnet.example/ws"
    monitored_addrs: ["0xRouter"]
    allowed_tokens: ["WETH", "USDC"]
    oracle_contract:
      address: "0xOracle"
      abi_name: "gas_oracle"
    gas:
      min_gwei: 1
      max_gwei: 500
      poll_rps: 5
      mempool_max_retries: 3
      mempool_retry_delay_ms: 500
    safety:
      min_balance_eth: 0.01
      max_slippage_pct: 10
      safety_margin_factor: 0.95
      min_profit_eth: 0.001
      max_gas_price_gwei: 300
      max_network_congestion: 0.8
      min_safety_percentage: 85
      duplicate_cache_ttl_sec: 300
    mempool:
      txpool_poll_interval_sec: 2
      block_poll_interval_sec: 2
      max_parallel_tasks: 10
      memory_check_interval_sec: 300
      memory_pressure_pct: 80
      processed_hashes_cap: 50000
      opportunity_queue_cap: 1000
    strategy:
      exploration_rate: 0.1
      base_lr: 0.1
      min_weight: 0.10
      max_weight: 10
      save_interval: 25
      weights_path: "strategy_weights.json"
`

func writeSampleConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	return path
}

func TestLoadConfig_ParsesAllChainSections(t *testing.T) {
	cfg, err := LoadConfig(writeSampleConfig(t))
	require.NoError(t, err)

	require.Len(t, cfg.Chains, 1)
	chain := cfg.Chains[0]
	assert.Equal(t, "mainnet", chain.Name)
	assert.Equal(t, "https://mainnet.example/rpc", chain.RPC)
	assert.Equal(t, []string{"0xRouter"}, chain.MonitoredAddrs)
	assert.Equal(t, 300, chain.Safety.DuplicateCacheTTLSec)
}

func TestToGasOracleConfig_CarriesOracleContract(t *testing.T) {
	cfg, err := LoadConfig(writeSampleConfig(t))
	require.NoError(t, err)

	goc := cfg.Chains[0].ToGasOracleConfig()
	assert.Equal(t, 1.0, goc.MinGwei)
	assert.Equal(t, 500.0, goc.MaxGwei)
	assert.False(t, goc.OracleContractAddr.IsZero())
	assert.Equal(t, "gas_oracle", goc.OracleContractName)
}

func TestToSafetyConfig_ConvertsMinBalanceEthToWei(t *testing.T) {
	cfg, err := LoadConfig(writeSampleConfig(t))
	require.NoError(t, err)

	sc := cfg.Chains[0].ToSafetyConfig()
	require.NotNil(t, sc.MinBalanceWei)
	assert.Equal(t, map[string]struct{}{"WETH": {}, "USDC": {}}, sc.AllowedTokens)
}

func TestToMempoolConfig_ConvertsSecondsToDurations(t *testing.T) {
	cfg, err := LoadConfig(writeSampleConfig(t))
	require.NoError(t, err)

	mc := cfg.Chains[0].ToMempoolConfig()
	assert.Equal(t, "wss://mainnet.example/ws", mc.RawWSURL)
	assert.Equal(t, int64(10), mc.MaxParallelTasks)
	assert.Equal(t, 1000, mc.OpportunityQueueCap)
}

func TestLoadConfig_MissingFileReturnsError(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestIsPoAChain_DefaultsWhenUnconfigured(t *testing.T) {
	var cfg Config
	assert.True(t, cfg.IsPoAChain(big.NewInt(56)))  // BSC
	assert.True(t, cfg.IsPoAChain(big.NewInt(100))) // Gnosis Chain
	assert.False(t, cfg.IsPoAChain(big.NewInt(1)))  // Ethereum mainnet
}

func TestIsPoAChain_HonorsConfiguredOverride(t *testing.T) {
	cfg := Config{PoAChainIDs: []int64{1337}}
	assert.True(t, cfg.IsPoAChain(big.NewInt(1337)))
	assert.False(t, cfg.IsPoAChain(big.NewInt(56)))
}
