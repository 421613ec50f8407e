package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"nusd/config"
	"nusd/native/cdp"
	"nusd/native/collateral"
	nativecommon "nusd/native/common"
	"nusd/native/stability"
	"nusd/observability"
	"nusd/observability/logging"
	"nusd/rpc"
	"nusd/storage"
)

func main() {
	configFile := flag.String("config", "./nusd.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	env := strings.TrimSpace(os.Getenv("NUSD_ENV"))
	logger := logging.Setup("nusdd", env, logging.Options{
		Level:    cfg.LogLevel,
		FilePath: cfg.LogPath,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		panic(fmt.Sprintf("Failed to prepare data directory: %v", err))
	}
	store, err := storage.Open(cfg.DatabasePath(), nil)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer store.Close()

	emitter := observability.Events()
	oracle := rpc.NewPriceBook()

	registry := collateral.NewRegistry(cfg.MCRToleranceBps)
	registry.SetState(store)
	registry.SetEmitter(emitter)

	ledger := cdp.NewEngine()
	ledger.SetState(store)
	ledger.SetEmitter(emitter)
	ledger.SetOracle(oracle)
	ledger.SetCredential(nativecommon.NewStaticAuthority(nativecommon.CapLiquidation))
	ledger.SetQuota(nativecommon.Quota{
		MaxRequestsPerEpoch: cfg.MaxRequestsPerEpoch,
		MaxMintPerEpoch:     cfg.MaxMintPerEpoch,
		EpochSeconds:        cfg.EpochSeconds,
	})

	reserveBalance, err := cfg.ReserveAmount()
	if err != nil {
		panic(fmt.Sprintf("Failed to parse reserve balance: %v", err))
	}

	pool := stability.NewEngine()
	pool.SetState(store)
	pool.SetEmitter(emitter)
	pool.SetCredential(nativecommon.NewStaticAuthority(nativecommon.CapStabilityPool))
	pool.SetInterestCharger(ledger)
	pool.SetReserve(rpc.NewFixedReserve(reserveBalance))
	pool.SetPayout(rpc.NewPayoutAccount())

	ledger.SetPoolFunder(pool)
	registry.SetRatioView(ledger)

	if err := ledger.RebuildIndexes(); err != nil {
		panic(fmt.Sprintf("Failed to rebuild ratio indexes: %v", err))
	}

	server := rpc.New(rpc.Config{
		Registry:        registry,
		Ledger:          ledger,
		Pool:            pool,
		Governance:      nativecommon.NewStaticAuthority(nativecommon.CapGovernance),
		GovernanceToken: cfg.GovernanceToken,
		Oracle:          oracle,
		RateLimit:       rate.Limit(cfg.RateLimitPerSecond),
		RateBurst:       cfg.RateLimitBurst,
		Logger:          logger,
		Atomic:          store.RunAtomic,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := server.NewSweeper(time.Duration(cfg.SweepIntervalSeconds)*time.Second, cfg.SweepBatchSize)
	go sweeper.Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("nusdd listening", slog.String("address", cfg.ListenAddress))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited", slog.Any("error", err))
		os.Exit(1)
	}
}
