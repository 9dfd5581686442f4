package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Dv04/DAU-MAU-counter/internal/accountant"
	"github.com/Dv04/DAU-MAU-counter/internal/config"
	"github.com/Dv04/DAU-MAU-counter/internal/hashing"
	"github.com/Dv04/DAU-MAU-counter/internal/httpapi"
	"github.com/Dv04/DAU-MAU-counter/internal/ledger"
	"github.com/Dv04/DAU-MAU-counter/internal/logger"
	"github.com/Dv04/DAU-MAU-counter/internal/pipeline"
	"github.com/Dv04/DAU-MAU-counter/internal/ratelimit"
	"github.com/Dv04/DAU-MAU-counter/internal/sketch"
	"github.com/Dv04/DAU-MAU-counter/internal/window"
)

// version is stamped at build time via -ldflags; it defaults to "dev" for
// unstamped builds, matching cmd/cli.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.ServiceEnvironment)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func(log *zap.Logger) {
		if err := log.Sync(); err != nil {
			log.Error("failed to sync logger", zap.Error(err))
		}
	}(log)

	log.Info("starting dp activity engine",
		zap.String("environment", cfg.ServiceEnvironment),
		zap.String("port", cfg.ServiceAPIPort))

	ctx := context.Background()

	ledgerPath := filepath.Join(cfg.DataDir, "engine.db")
	ledgerClient, err := ledger.NewClient(ctx, ledgerPath, log)
	if err != nil {
		log.Fatal("failed to open ledger", zap.Error(err))
	}
	defer func(c *ledger.Client) {
		if err := c.Close(); err != nil {
			log.Error("failed to close ledger", zap.Error(err))
		}
	}(ledgerClient)

	led := ledger.NewLedger(ledgerClient, log)

	latestEpoch, err := led.LatestSaltEpoch(ctx)
	if err != nil {
		log.Fatal("failed to read latest salt epoch", zap.Error(err))
	}
	secret, rotationDays := hashing.ResolveSecret(latestEpoch, cfg.HashSaltSecret, cfg.HashSaltRotationDays, time.Now().UTC())
	saltMgr, err := hashing.NewSaltManager(secret, rotationDays)
	if err != nil {
		log.Fatal("failed to build salt manager", zap.Error(err))
	}

	sketchFactory, err := sketch.NewFactory(sketch.Config{
		K:               cfg.SketchK,
		UseBloomForDiff: cfg.UseBloomForDiff,
		BloomFPRate:     cfg.BloomFPRate,
	}, cfg.SketchImpl)
	if err != nil {
		log.Fatal("failed to build sketch factory", zap.Error(err))
	}

	rdpOrders, err := cfg.RDPOrders()
	if err != nil {
		log.Fatal("failed to parse RDP orders", zap.Error(err))
	}

	store := window.NewStore(sketchFactory)
	accnt := accountant.New(ledgerClient.DB())

	engine := pipeline.New(cfg, log, saltMgr, sketchFactory, store, led, accnt, rdpOrders)

	limiter := ratelimit.New(ratelimit.DefaultConfig())
	defer limiter.Shutdown()

	h := httpapi.NewHandler(engine, log, limiter, cfg.ServiceAPIKey, cfg.MAUWindowDays, version)

	addr := fmt.Sprintf(":%s", cfg.ServiceAPIPort)
	log.Info("api server starting", zap.String("address", addr))

	if err := http.ListenAndServe(addr, h); err != nil {
		log.Fatal("api server stopped", zap.Error(err))
	}
}
