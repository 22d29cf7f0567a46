package main

import (
	"context"
	"errors"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"marginBot/config"
	"marginBot/internal/adapters/binanceclient"
	"marginBot/internal/adapters/logger"
	"marginBot/internal/adapters/signal"
	"marginBot/internal/adapters/sqlite"
	"marginBot/internal/app"
	"marginBot/internal/execution"
	"marginBot/internal/metrics"
	"marginBot/internal/ports"
	"marginBot/internal/risk"
	"marginBot/internal/sizing"
	"marginBot/internal/tracking"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	var appLogger ports.Logger
	if cfg.LogFormat == "zerolog" {
		appLogger = logger.NewZerologLogger(cfg.LogLevel)
	} else {
		appLogger = logger.NewStdLogger(logger.ParseLevel(cfg.LogLevel))
	}
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{
		"level":  cfg.LogLevel,
		"format": cfg.LogFormat,
	})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized")

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	if err := binanceClient.Ping(ctx); err != nil {
		appLogger.Error(ctx, err, "FATAL: Exchange unreachable")
		log.Fatalf("FATAL: Exchange unreachable: %v", err)
	}
	appLogger.Info(ctx, "Binance client initialized")

	// 5. Seed the drawdown guard from the persisted high-water-mark and
	// current account equity. A fresh deployment starts both at equity.
	highWaterMark, err := repo.LoadHighWaterMark(ctx)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to load high-water-mark")
		log.Fatalf("FATAL: Failed to load high-water-mark: %v", err)
	}
	equity, err := binanceClient.GetAccountEquity(ctx, cfg.QuoteAsset)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to fetch account equity")
		log.Fatalf("FATAL: Failed to fetch account equity: %v", err)
	}
	if highWaterMark < equity {
		highWaterMark = equity
	}
	guard, err := risk.NewGuard(risk.GuardConfig{
		MaxDrawdown:          cfg.MaxDrawdown,
		ConsecutiveLossLimit: cfg.ConsecutiveLossLimit,
		Cooldown:             cfg.CooldownDuration,
	}, highWaterMark, equity, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize drawdown guard")
		log.Fatalf("FATAL: Failed to initialize drawdown guard: %v", err)
	}
	appLogger.Info(ctx, "Drawdown guard initialized", map[string]interface{}{
		"highWaterMark": highWaterMark,
		"equity":        equity,
	})

	// 6. Initialize Risk Scorer
	scorer, err := risk.NewScorer(risk.ScorerConfig{
		WeightDisagreement:     cfg.RiskWeightDisagreement,
		WeightAnomaly:          cfg.RiskWeightAnomaly,
		WeightDrawdown:         cfg.RiskWeightDrawdown,
		WeightLossStreak:       cfg.RiskWeightLossStreak,
		WeightVolatility:       cfg.RiskWeightVolatility,
		DenyThreshold:          cfg.DenyThreshold,
		ConditionalThreshold:   cfg.ConditionalThreshold,
		AnomalyWarnLatency:     cfg.AnomalyWarnLatency,
		AnomalyCriticalLatency: cfg.AnomalyCriticalLatency,
		MaxDrawdown:            cfg.MaxDrawdown,
		ConsecutiveLossLimit:   cfg.ConsecutiveLossLimit,
	}, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize risk scorer")
		log.Fatalf("FATAL: Failed to initialize risk scorer: %v", err)
	}

	// 7. Initialize Position Sizer
	sizer, err := sizing.NewSizer(sizing.SizerConfig{
		KellyLookback:         cfg.KellyLookback,
		KellyMinSamples:       cfg.KellyMinSamples,
		KellySafetyFactor:     cfg.KellySafetyFactor,
		MaxKellyFraction:      cfg.MaxKellyFraction,
		KellyFallbackFraction: cfg.KellyFallbackFraction,
		TierLowBoundary:       cfg.TierLowBoundary,
		TierHighBoundary:      cfg.TierHighBoundary,
		TierLowMinFraction:    cfg.TierLowMinFraction,
		TierLowMaxFraction:    cfg.TierLowMaxFraction,
		TierMedMinFraction:    cfg.TierMedMinFraction,
		TierMedMaxFraction:    cfg.TierMedMaxFraction,
		TierHighMinFraction:   cfg.TierHighMinFraction,
		TierHighMaxFraction:   cfg.TierHighMaxFraction,
		HardCapFraction:       cfg.HardCapFraction,
		MinOrderQty:           cfg.MinOrderQty,
	}, sizing.NewBlender(cfg.SizeBlendPolicy), appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize position sizer")
		log.Fatalf("FATAL: Failed to initialize position sizer: %v", err)
	}

	// 8. Initialize Position Tracker and Trade Executor
	tracker, err := tracking.NewTracker(repo, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize position tracker")
		log.Fatalf("FATAL: Failed to initialize position tracker: %v", err)
	}
	executor, err := execution.NewExecutor(execution.Config{
		OrderTimeout:        cfg.OrderTimeout,
		RetryMaxAttempts:    cfg.RetryMaxAttempts,
		RetryBackoffBase:    cfg.RetryBackoffBase,
		RetryBackoffMax:     cfg.RetryBackoffMax,
		RollbackMaxAttempts: cfg.RollbackMaxAttempts,
		TakeProfitPct:       cfg.TakeProfitPct,
		StopLossPct:         cfg.StopLossPct,
	}, binanceClient, tracker, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trade executor")
		log.Fatalf("FATAL: Failed to initialize trade executor: %v", err)
	}

	// 9. Initialize Signal Source
	signals, err := signal.NewCrossover(signal.CrossoverConfig{
		ShortMAPeriod: cfg.ShortMAPeriod,
		LongMAPeriod:  cfg.LongMAPeriod,
		RSIPeriod:     cfg.RSIPeriod,
		RSIOverbought: cfg.RSIOverbought,
		RSIOversold:   cfg.RSIOversold,
	}, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize signal source")
		log.Fatalf("FATAL: Failed to initialize signal source: %v", err)
	}

	// 10. Metrics endpoint (optional)
	m := metrics.New(nil)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				appLogger.Error(ctx, err, "Metrics endpoint failed", map[string]interface{}{
					"addr": cfg.MetricsAddr,
				})
			}
		}()
		appLogger.Info(ctx, "Metrics endpoint started", map[string]interface{}{"addr": cfg.MetricsAddr})
	}

	// 11. Initialize the Engine
	service, err := app.NewService(cfg, app.Deps{
		Logger:   appLogger,
		Client:   binanceClient,
		Signals:  signals,
		Scorer:   scorer,
		Guard:    guard,
		Sizer:    sizer,
		Tracker:  tracker,
		Executor: executor,
		Outcomes: repo,
		Equity:   repo,
		Metrics:  m,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading engine")
		log.Fatalf("FATAL: Failed to initialize trading engine: %v", err)
	}
	appLogger.Info(ctx, "Trading engine initialized")

	// 12. Run until interrupted, then force-close residual exposure.
	runCtx, stop := osignal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := service.Run(runCtx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		appLogger.Error(ctx, runErr, "Trading engine exited with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := service.Shutdown(shutdownCtx, time.Now()); err != nil {
		appLogger.Error(ctx, err, "Shutdown incomplete")
		log.Fatalf("FATAL: Shutdown incomplete: %v", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Fatalf("FATAL: Trading engine exited with error: %v", runErr)
	}
	appLogger.Info(ctx, "Application finished gracefully.")
}
