// Command mevengine is the composition root: it decrypts the signing key,
// loads configs/config.yml, dials one chain.Client per configured chain,
// wires a chainworker.Worker for each, and runs them until terminated.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"net/http"
	"time"

	"github.com/on1labs/mevengine/configs"
	"github.com/on1labs/mevengine/internal/chain"
	"github.com/on1labs/mevengine/internal/chainworker"
	"github.com/on1labs/mevengine/internal/model"
	"github.com/on1labs/mevengine/internal/secretkey"
	"github.com/on1labs/mevengine/pkg/abiregistry"
	"github.com/on1labs/mevengine/pkg/notify"
	"github.com/on1labs/mevengine/pkg/priceoracle"

	"github.com/on1labs/mevengine/internal/db"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mevengine:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	pk, err := loadPrivateKey()
	if err != nil {
		return fmt.Errorf("load private key: %w", err)
	}

	cfg, err := configs.LoadConfig(configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sink := buildNotifySink()
	prices := priceoracle.NewStatic(nil)
	abis := abiregistry.NewFileRegistry(os.Getenv("ABI_DIR"))
	reg := prometheus.NewRegistry()

	var store db.EventStore
	if cfg.DBDSN != "" {
		s, err := db.NewMySQLEventStore(cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("connect event store: %w", err)
		}
		defer s.Close()
		store = s
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	metricsServer := startMetricsServer(reg, os.Getenv("METRICS_ADDR"))
	if metricsServer != nil {
		defer metricsServer.Close()
	}

	for _, chainCfg := range cfg.Chains {
		chainCfg := chainCfg
		w, err := buildWorker(gctx, chainCfg, cfg.PoAChainIDs, pk, abis, prices, sink, store, reg)
		if err != nil {
			return fmt.Errorf("build worker %q: %w", chainCfg.Name, err)
		}
		g.Go(func() error { return w.Start(gctx) })
	}

	return g.Wait()
}

func buildWorker(ctx context.Context, chainCfg configs.ChainConfig, poaChainIDs []int64, pk string, abis abiregistry.Registry, prices priceoracle.PriceOracle, sink notify.Sink, store db.EventStore, reg prometheus.Registerer) (*chainworker.Worker, error) {
	client, err := chain.Dial(ctx, chainCfg.RPC)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", chainCfg.RPC, err)
	}

	if chainID, cerr := client.ChainID(ctx); cerr == nil && chain.IsPoAChainID(chainID, poaChainIDs) {
		log.Printf("mevengine[%s]: chain id %s is configured as proof-of-authority", chainCfg.Name, chainID)
	}

	privKey, err := crypto.HexToECDSA(trimHexPrefix(pk))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	myAddr := model.AddressFromCommon(crypto.PubkeyToAddress(privKey.PublicKey))

	return chainworker.New(client, abis, prices, sink, store, reg, chainworker.Config{
		Name:       chainCfg.Name,
		PrivateKey: privKey,
		MyAddress:  myAddr,
		Gas:        chainCfg.ToGasOracleConfig(),
		Safety:     chainCfg.ToSafetyConfig(),
		Mempool:    chainCfg.ToMempoolConfig(),
		Strategy:   chainCfg.ToStrategyConfig(),
		TxBuild:    chainCfg.ToTxBuilderConfig(),
	})
}

func loadPrivateKey() (string, error) {
	if raw := os.Getenv("PRIVATE_KEY"); raw != "" {
		return raw, nil
	}

	encPK := os.Getenv("ENC_PK")
	key := os.Getenv("KEY")
	if encPK == "" || key == "" {
		return "", fmt.Errorf("neither PRIVATE_KEY nor ENC_PK+KEY set")
	}
	return secretkey.Decrypt(key, encPK)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "configs/config.yml"
}

func buildNotifySink() notify.Sink {
	dsn := os.Getenv("SENTRY_DSN")
	if dsn == "" {
		return notify.NewLogSink(nil)
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
		fmt.Fprintln(os.Stderr, "mevengine: sentry init failed, falling back to log sink:", err)
		return notify.NewLogSink(nil)
	}
	return notify.NewSentrySink(nil)
}

// startMetricsServer exposes the Prometheus registry over HTTP if addr is
// non-empty, returning the server so the caller can close it on shutdown.
func startMetricsServer(reg *prometheus.Registry, addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintln(os.Stderr, "mevengine: metrics server:", err)
		}
	}()
	return srv
}
