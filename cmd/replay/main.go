package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"marginBot/config"
	"marginBot/internal/adapters/logger"
	"marginBot/internal/adapters/signal"
	"marginBot/internal/adapters/sqlite"
	"marginBot/internal/app"
	"marginBot/internal/domain"
	"marginBot/internal/execution"
	"marginBot/internal/metrics"
	"marginBot/internal/ports"
	"marginBot/internal/risk"
	"marginBot/internal/sizing"
	"marginBot/internal/tracking"
	"marginBot/internal/utils"
)

// simClient is an in-process exchange used by the replay runner. Entries
// fill immediately at the current simulated price; protective orders are
// acknowledged and left to the engine's own cross detection, which is the
// same code path live runs use between protective placement and the
// exchange-side fill notification.
type simClient struct {
	mu       sync.Mutex
	price    float64
	nextID   int
	equityFn func() float64
}

func (c *simClient) setPrice(p float64) {
	c.mu.Lock()
	c.price = p
	c.mu.Unlock()
}

func (c *simClient) newOrderID() string {
	c.nextID++
	return "sim-" + strconv.Itoa(c.nextID)
}

func (c *simClient) PlaceEntry(ctx context.Context, symbol string, side domain.OrderSide, quantity float64, clientOrderID string) (*ports.OrderResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &ports.OrderResponse{
		OrderID:       c.newOrderID(),
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		AvgFillPrice:  c.price,
		ExecutedQty:   quantity,
		Status:        "FILLED",
	}, nil
}

func (c *simClient) PlaceProtective(ctx context.Context, symbol string, kind domain.ProtectiveKind, side domain.OrderSide, quantity, triggerPrice float64, clientOrderID string) (*ports.OrderResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &ports.OrderResponse{
		OrderID:       c.newOrderID(),
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		ExecutedQty:   quantity,
		Status:        "NEW",
	}, nil
}

func (c *simClient) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (c *simClient) FetchFillPrice(ctx context.Context, symbol, orderID string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.price, nil
}

func (c *simClient) GetAccountEquity(ctx context.Context, asset string) (float64, error) {
	return c.equityFn(), nil
}

func (c *simClient) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.price, nil
}

func (c *simClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error) {
	return nil, nil
}

func (c *simClient) StreamKlines(ctx context.Context, symbol, interval string, handler func(kline *domain.Kline), errHandler func(err error)) (chan struct{}, chan struct{}, error) {
	return nil, nil, fmt.Errorf("streaming is not available in replay")
}

func (c *simClient) Ping(ctx context.Context) error { return nil }

func main() {
	dataFile := flag.String("data", "data/ETHUSDT_1m.csv", "kline CSV to replay")
	initialFunds := flag.Float64("funds", 10000, "starting equity in quote units")
	flag.Parse()

	// Replay never contacts the exchange; satisfy config validation with
	// placeholder credentials when none are set.
	if os.Getenv("BINANCE_API_KEY") == "" {
		os.Setenv("BINANCE_API_KEY", "replay")
		os.Setenv("BINANCE_API_SECRET", "replay")
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	appLogger := logger.NewStdLogger(logger.ParseLevel(cfg.LogLevel))
	ctx := context.Background()

	klines, err := utils.ReadKlinesFromCSV(*dataFile)
	if err != nil {
		log.Fatalf("FATAL: Failed to load klines: %v", err)
	}
	appLogger.Info(ctx, "Loaded klines", map[string]interface{}{
		"file":  *dataFile,
		"count": len(klines),
		"from":  klines[0].OpenTime,
		"to":    klines[len(klines)-1].CloseTime,
	})

	// An in-memory database keeps each replay hermetic.
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: ":memory:", Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to open replay database: %v", err)
	}
	defer repo.Close()

	guard, err := risk.NewGuard(risk.GuardConfig{
		MaxDrawdown:          cfg.MaxDrawdown,
		ConsecutiveLossLimit: cfg.ConsecutiveLossLimit,
		Cooldown:             cfg.CooldownDuration,
	}, *initialFunds, *initialFunds, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize drawdown guard: %v", err)
	}

	// Simulated equity is the guard's own view: the seed plus every realized
	// outcome the engine records. Feeding it back through the client keeps
	// the evaluation request identical in shape to a live cycle.
	client := &simClient{equityFn: func() float64 { return guard.Snapshot().Equity }}

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
		log.Fatalf("FATAL: Failed to initialize risk scorer: %v", err)
	}

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
		log.Fatalf("FATAL: Failed to initialize position sizer: %v", err)
	}

	tracker, err := tracking.NewTracker(repo, appLogger)
	if err != nil {
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
	}, client, tracker, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize trade executor: %v", err)
	}

	signals, err := signal.NewCrossover(signal.CrossoverConfig{
		ShortMAPeriod: cfg.ShortMAPeriod,
		LongMAPeriod:  cfg.LongMAPeriod,
		RSIPeriod:     cfg.RSIPeriod,
		RSIOverbought: cfg.RSIOverbought,
		RSIOversold:   cfg.RSIOversold,
	}, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize signal source: %v", err)
	}

	service, err := app.NewService(cfg, app.Deps{
		Logger:   appLogger,
		Client:   client,
		Signals:  signals,
		Scorer:   scorer,
		Guard:    guard,
		Sizer:    sizer,
		Tracker:  tracker,
		Executor: executor,
		Outcomes: repo,
		Equity:   repo,
		Metrics:  metrics.New(prometheus.NewRegistry()),
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize engine: %v", err)
	}

	peak := *initialFunds
	maxDrawdown := 0.0
	for _, k := range klines {
		client.setPrice(k.Close)
		if err := service.ProcessKline(ctx, k); err != nil {
			appLogger.Error(ctx, err, "Replay cycle failed", map[string]interface{}{
				"closeTime": k.CloseTime,
			})
			continue
		}
		eq := guard.Snapshot().Equity
		if eq > peak {
			peak = eq
		}
		if dd := (peak - eq) / peak; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}

	endRef := klines[len(klines)-1].CloseTime
	if err := service.Shutdown(ctx, endRef); err != nil {
		appLogger.Error(ctx, err, "Failed to close residual positions")
	}

	outcomes, err := repo.FindSince(ctx, cfg.Symbol, klines[0].OpenTime)
	if err != nil {
		log.Fatalf("FATAL: Failed to load replay outcomes: %v", err)
	}

	var wins, losses int
	var totalPNL float64
	for _, o := range outcomes {
		totalPNL += o.PNL
		if o.PNL > 0 {
			wins++
		} else {
			losses++
		}
	}
	winRate := 0.0
	if len(outcomes) > 0 {
		winRate = float64(wins) / float64(len(outcomes))
	}

	appLogger.Info(ctx, "Replay complete", map[string]interface{}{
		"trades":       len(outcomes),
		"wins":         wins,
		"losses":       losses,
		"winRate":      winRate,
		"totalPNL":     totalPNL,
		"finalEquity":  guard.Snapshot().Equity,
		"maxDrawdown":  maxDrawdown,
		"tradingEnded": endRef,
	})
}
