// Command observerd runs the mining-pool block-template observation daemon:
// sequential startup bring-up in the teacher's style, then the Observation
// Loop for the life of the process. Grounded on
// original_source/daemon/src/main.rs's main().
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rawblock/btcobserver/internal/backfill"
	"github.com/rawblock/btcobserver/internal/config"
	"github.com/rawblock/btcobserver/internal/logging"
	"github.com/rawblock/btcobserver/internal/metrics"
	"github.com/rawblock/btcobserver/internal/observe"
	"github.com/rawblock/btcobserver/internal/poolid"
	"github.com/rawblock/btcobserver/internal/rpc"
	"github.com/rawblock/btcobserver/internal/sanctions"
	"github.com/rawblock/btcobserver/internal/store"
)

// defaultSanctionedAddressesURL is used when sanctioned_addresses_url is
// left unset, per SPEC_FULL.md section 6.
const defaultSanctionedAddressesURL = "https://raw.githubusercontent.com/0xB10C/ofac-sanctioned-digital-currency-addresses/lists/sanctioned_addresses_BTC.txt"

func main() {
	cfg, err := config.Load(config.ConfigFilePath())
	if err != nil {
		log.Fatalf("startup: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer logger.Sync()
	startupLog := logging.Module(logger, logging.ModuleStartup)

	params, err := networkParams(cfg.PoolIdentification.Network)
	if err != nil {
		startupLog.Fatal("unsupported pool_identification.network", zap.Error(err))
	}

	rpcUser, rpcPass, err := cfg.Credentials()
	if err != nil {
		startupLog.Fatal("resolve rpc credentials", zap.Error(err))
	}
	client, err := rpc.NewClient(rpc.Config{
		Host: fmt.Sprintf("%s:%d", cfg.RPCHost, cfg.RPCPort),
		User: rpcUser,
		Pass: rpcPass,
	})
	if err != nil {
		startupLog.Fatal("connect to bitcoind", zap.Error(err))
	}
	defer client.Shutdown()

	db, err := store.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		startupLog.Fatal("connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.InitSchema(context.Background()); err != nil {
		startupLog.Fatal("apply schema", zap.Error(err))
	}

	sanctionedAddressesURL := cfg.SanctionedAddressesURL
	if sanctionedAddressesURL == "" {
		sanctionedAddressesURL = defaultSanctionedAddressesURL
	}
	registry := sanctions.NewRegistry(sanctionedAddressesURL, params, logging.Module(logger, logging.ModuleSanctionUpdate))
	if err := registry.Refresh(); err != nil {
		startupLog.Fatal("initial sanctioned address refresh", zap.Error(err))
	}
	if err := db.ReplaceSanctionedAddresses(context.Background(), addressSlice(registry.CurrentAddresses())); err != nil {
		startupLog.Warn("persist initial sanctioned addresses", zap.Error(err))
	}

	dataset, err := poolid.LoadDataset(cfg.PoolIdentification.DatasetURL)
	if err != nil {
		startupLog.Fatal("load pool identification dataset", zap.Error(err))
	}

	netInfo, err := client.GetNetworkInfo()
	if err != nil {
		startupLog.Fatal("get network info", zap.Error(err))
	}
	if err := db.UpdateNodeInfo(context.Background(), netInfo.SubVersion); err != nil {
		startupLog.Warn("record node version", zap.Error(err))
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Startup-phase passes (pool re-id, optional backfill) run under an
	// errgroup in the background, so their errors are collected without
	// holding up the rest of bring-up (SPEC_FULL.md section 4.9).
	startupGroup, startupCtx := errgroup.WithContext(rootCtx)
	startupGroup.Go(func() error {
		if err := poolid.Reidentify(startupCtx, client, db, dataset, params, logging.Module(logger, logging.ModuleReidPools)); err != nil {
			logging.Module(logger, logging.ModuleReidPools).Warn("pool re-identification pass failed", zap.Error(err))
		}
		return nil
	})
	if cfg.RetagTransactions {
		startupGroup.Go(func() error {
			if err := backfill.Run(startupCtx, client, db, registry, observe.NewScriptToAddress(params), logging.Module(logger, logging.ModuleRetagTx)); err != nil {
				logging.Module(logger, logging.ModuleRetagTx).Warn("tag backfill pass failed", zap.Error(err))
			}
			return nil
		})
	}
	go func() {
		if err := startupGroup.Wait(); err != nil {
			startupLog.Warn("startup pass error", zap.Error(err))
		}
	}()

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		startupLog.Info("shutdown signal received")
		cancel()
		close(stop)
	}()

	metricsCollector, promRegistry := metrics.New()
	if cfg.Prometheus.Enable {
		go func() {
			if err := metrics.Serve(rootCtx, cfg.Prometheus.Address, promRegistry); err != nil {
				logging.Module(logger, logging.ModuleStats).Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	go registry.Run(stop)
	go sanctions.Run(rootCtx, client, db, logging.Module(logger, logging.ModuleUTXOSetScan), stop)

	identify := func(coinbase *wire.MsgTx) observe.PoolIdentity {
		id := dataset.Identify(coinbase, params)
		return observe.PoolIdentity{Name: id.Name, Link: id.Link, Method: id.Method}
	}

	loop := &observe.Loop{
		Client:       client,
		Store:        db,
		Sanctions:    registry,
		ScriptToAddr: observe.NewScriptToAddress(params),
		Sigops:       observe.DefaultSigops,
		IdentifyPool: identify,
		Metrics:      metricsCollector,
		Logger:       logging.Module(logger, logging.ModuleProcessing),
		Rules:        []string{"segwit", "taproot"},
	}

	startupLog.Info("startup complete, entering observation loop")
	loop.Run(stop)
}

func addressSlice(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	return out
}

func networkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "", "bitcoin", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}
