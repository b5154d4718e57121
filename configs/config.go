// Package configs loads the engine's YAML configuration: one or more chains
// to run workers against, plus the gas/safety/mempool/strategy tunables each
// ChainWorker is built from.
package configs

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/on1labs/mevengine/internal/chain"
	"github.com/on1labs/mevengine/internal/gasoracle"
	"github.com/on1labs/mevengine/internal/mempool"
	"github.com/on1labs/mevengine/internal/model"
	"github.com/on1labs/mevengine/internal/safety"
	"github.com/on1labs/mevengine/internal/strategy"
	"github.com/on1labs/mevengine/internal/txbuilder"
)

// Config is the entire configuration structure read from config.yml: a
// shared DB DSN plus one entry per chain this process drives a worker on.
type Config struct {
	DBDSN  string        `yaml:"db_dsn"`
	Chains []ChainConfig `yaml:"chains"`

	// PoAChainIDs overrides chain.DefaultPoAChainIDs; left empty, the
	// default set is used. See IsPoAChain.
	PoAChainIDs []int64 `yaml:"poa_chain_ids"`
}

// IsPoAChain reports whether chainID is configured (or defaulted) as
// proof-of-authority. Apart from the informational log line cmd/mevengine
// writes at dial time for chains in the set, no behavior in this engine
// branches on it.
func (c Config) IsPoAChain(chainID *big.Int) bool {
	return chain.IsPoAChainID(chainID, c.PoAChainIDs)
}

// ChainConfig is everything one ChainWorker needs to run against one RPC
// endpoint.
type ChainConfig struct {
	Name           string           `yaml:"name"`
	RPC            string           `yaml:"rpc"`
	RawWSURL       string           `yaml:"raw_ws_url"`
	MonitoredAddrs []string         `yaml:"monitored_addrs"`
	AllowedTokens  []string         `yaml:"allowed_tokens"`
	OracleContract ContractYAMLData `yaml:"oracle_contract"`

	Gas      GasYAMLData      `yaml:"gas"`
	Safety   SafetyYAMLData   `yaml:"safety"`
	Mempool  MempoolYAMLData  `yaml:"mempool"`
	Strategy StrategyYAMLData `yaml:"strategy"`
}

// ContractYAMLData names one ABI-registry entry plus its on-chain address,
// for the gas oracle's optional on-chain price read.
type ContractYAMLData struct {
	Address string `yaml:"address"`
	ABIName string `yaml:"abi_name"`
}

// GasYAMLData configures internal/gasoracle.
type GasYAMLData struct {
	MinGwei float64 `yaml:"min_gwei"`
	MaxGwei float64 `yaml:"max_gwei"`
	PollRPS float64 `yaml:"poll_rps"`

	MempoolMaxRetries   int `yaml:"mempool_max_retries"`
	MempoolRetryDelayMS int `yaml:"mempool_retry_delay_ms"`
}

// SafetyYAMLData configures internal/safety.
type SafetyYAMLData struct {
	MinBalanceEth        float64 `yaml:"min_balance_eth"`
	MinSlippagePct       float64 `yaml:"min_slippage_pct"`
	MaxSlippagePct       float64 `yaml:"max_slippage_pct"`
	SafetyMarginFactor   float64 `yaml:"safety_margin_factor"`
	MinProfitEth         float64 `yaml:"min_profit_eth"`
	MaxGasPriceGwei      float64 `yaml:"max_gas_price_gwei"`
	MaxNetworkCongestion float64 `yaml:"max_network_congestion"`
	MinSafetyPercentage  float64 `yaml:"min_safety_percentage"`
	DuplicateCacheTTLSec int     `yaml:"duplicate_cache_ttl_sec"`
}

// MempoolYAMLData configures internal/mempool.
type MempoolYAMLData struct {
	TxpoolPollIntervalSec  int     `yaml:"txpool_poll_interval_sec"`
	BlockPollIntervalSec   int     `yaml:"block_poll_interval_sec"`
	MaxParallelTasks       int64   `yaml:"max_parallel_tasks"`
	MemoryCheckIntervalSec int     `yaml:"memory_check_interval_sec"`
	MemoryPressurePct      float64 `yaml:"memory_pressure_pct"`
	ProcessedHashesCap     int     `yaml:"processed_hashes_cap"`
	OpportunityQueueCap    int     `yaml:"opportunity_queue_cap"`
}

// StrategyYAMLData configures internal/strategy's bandit.
type StrategyYAMLData struct {
	ExplorationRate float64 `yaml:"exploration_rate"`
	BaseLR          float64 `yaml:"base_lr"`
	MinWeight       float64 `yaml:"min_weight"`
	MaxWeight       float64 `yaml:"max_weight"`
	SaveInterval    int     `yaml:"save_interval"`
	WeightsPath     string  `yaml:"weights_path"`
}

// LoadConfig reads and parses path (config.yml) into a Config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configs: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("configs: parse yaml: %w", err)
	}
	return &cfg, nil
}

// ToGasOracleConfig converts the YAML gas section into gasoracle.Config.
func (c ChainConfig) ToGasOracleConfig() gasoracle.Config {
	cfg := gasoracle.Config{
		MinGwei: c.Gas.MinGwei,
		MaxGwei: c.Gas.MaxGwei,
		PollRPS: c.Gas.PollRPS,
	}
	if c.OracleContract.Address != "" {
		cfg.OracleContractAddr = model.NewAddress(c.OracleContract.Address)
		cfg.OracleContractName = c.OracleContract.ABIName
	}
	return cfg
}

// ToSafetyConfig converts the YAML safety section into safety.Config.
func (c ChainConfig) ToSafetyConfig() safety.Config {
	cfg := safety.Config{
		MinSlippagePct:       c.Safety.MinSlippagePct,
		MaxSlippagePct:       c.Safety.MaxSlippagePct,
		SafetyMarginFactor:   c.Safety.SafetyMarginFactor,
		MinProfitEth:         c.Safety.MinProfitEth,
		MaxGasPriceGwei:      c.Safety.MaxGasPriceGwei,
		MaxNetworkCongestion: c.Safety.MaxNetworkCongestion,
		MinSafetyPercentage:  c.Safety.MinSafetyPercentage,
		DuplicateCacheTTL:    time.Duration(c.Safety.DuplicateCacheTTLSec) * time.Second,
		AllowedTokens:        toAllowSet(c.AllowedTokens),
	}
	if c.Safety.MinBalanceEth > 0 {
		cfg.MinBalanceWei = model.EtherToWei(c.Safety.MinBalanceEth)
	}
	return cfg
}

func toAllowSet(tokens []string) map[string]struct{} {
	if len(tokens) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		out[t] = struct{}{}
	}
	return out
}

// ToMempoolConfig converts the YAML mempool section into mempool.Config.
func (c ChainConfig) ToMempoolConfig() mempool.Config {
	return mempool.Config{
		TxpoolPollInterval:  time.Duration(c.Mempool.TxpoolPollIntervalSec) * time.Second,
		BlockPollInterval:   time.Duration(c.Mempool.BlockPollIntervalSec) * time.Second,
		MaxParallelTasks:    c.Mempool.MaxParallelTasks,
		MemoryCheckInterval: time.Duration(c.Mempool.MemoryCheckIntervalSec) * time.Second,
		MemoryPressurePct:   c.Mempool.MemoryPressurePct,
		ProcessedHashesCap:  c.Mempool.ProcessedHashesCap,
		OpportunityQueueCap: c.Mempool.OpportunityQueueCap,
		MonitoredAddrs:      c.MonitoredAddrs,
		RawWSURL:            c.RawWSURL,
	}
}

// ToStrategyConfig converts the YAML strategy section into strategy.Config.
func (c ChainConfig) ToStrategyConfig() strategy.Config {
	return strategy.Config{
		ExplorationRate: c.Strategy.ExplorationRate,
		BaseLR:          c.Strategy.BaseLR,
		MinWeight:       c.Strategy.MinWeight,
		MaxWeight:       c.Strategy.MaxWeight,
		SaveInterval:    c.Strategy.SaveInterval,
		WeightsPath:     c.Strategy.WeightsPath,
	}
}

// ToTxBuilderConfig converts the YAML gas section into txbuilder.Config.
func (c ChainConfig) ToTxBuilderConfig() txbuilder.Config {
	return txbuilder.Config{
		MaxGasPriceGwei:   c.Safety.MaxGasPriceGwei,
		MempoolMaxRetries: c.Gas.MempoolMaxRetries,
		MempoolRetryDelay: time.Duration(c.Gas.MempoolRetryDelayMS) * time.Millisecond,
	}
}
