package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. Every numeric threshold of the
// engine is loaded from the environment: these values are empirically tuned
// per deployment and market regime, never compiled in.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Trading Parameters
	Symbol        string
	Interval      string
	QuoteAsset    string
	MinOrderQty   float64 // exchange minimum order increment, base units
	StopLossPct   float64 // protective distance below/above fill (e.g. 0.01)
	TakeProfitPct float64 // protective distance above/below fill (e.g. 0.02)

	// Risk Scoring
	RiskWeightDisagreement float64
	RiskWeightAnomaly      float64
	RiskWeightDrawdown     float64
	RiskWeightLossStreak   float64
	RiskWeightVolatility   float64
	DenyThreshold          float64
	ConditionalThreshold   float64
	ConditionalSizeFactor  float64 // applied to admitted-but-conditional sizes
	AnomalyWarnLatency     time.Duration
	AnomalyCriticalLatency time.Duration

	// Position Sizing
	KellyLookback         time.Duration
	KellyMinSamples       int
	KellySafetyFactor     float64
	MaxKellyFraction      float64
	KellyFallbackFraction float64
	TierLowBoundary       float64 // confidence below this is the low tier
	TierHighBoundary      float64 // confidence at or above this is the high tier
	TierLowMinFraction    float64
	TierLowMaxFraction    float64
	TierMedMinFraction    float64
	TierMedMaxFraction    float64
	TierHighMinFraction   float64
	TierHighMaxFraction   float64
	HardCapFraction       float64
	SizeBlendPolicy       string // "minimum" (default) or "weighted"

	// Drawdown Guard
	MaxDrawdown          float64
	ConsecutiveLossLimit int
	CooldownDuration     time.Duration

	// Execution
	OrderTimeout        time.Duration
	RetryMaxAttempts    int
	RetryBackoffBase    time.Duration
	RetryBackoffMax     time.Duration
	RollbackMaxAttempts int

	// Signal Adapter
	ShortMAPeriod int
	LongMAPeriod  int
	RSIPeriod     int
	RSIOverbought float64
	RSIOversold   float64
	ATRPeriod     int

	// Database
	DBPath string

	// Logging
	LogLevel  string
	LogFormat string // "std" or "zerolog"

	// Metrics
	MetricsAddr string // empty disables the Prometheus endpoint

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Trading Parameters
	cfg.Symbol = getEnv("SYMBOL", "ETHUSDT")
	cfg.Interval = getEnv("INTERVAL", "1m")
	cfg.QuoteAsset = getEnv("QUOTE_ASSET", "USDT")

	cfg.MinOrderQty, err = getEnvAsFloatRequired("MIN_ORDER_QTY", 0.001)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_ORDER_QTY: %v", err))
	} else if cfg.MinOrderQty <= 0 {
		errs = append(errs, "MIN_ORDER_QTY must be positive")
	}

	cfg.StopLossPct, err = getEnvAsFloatRequired("STOP_LOSS_PCT", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STOP_LOSS_PCT: %v", err))
	} else if cfg.StopLossPct <= 0 || cfg.StopLossPct >= 1.0 {
		errs = append(errs, "STOP_LOSS_PCT must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.TakeProfitPct, err = getEnvAsFloatRequired("TAKE_PROFIT_PCT", 0.02)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TAKE_PROFIT_PCT: %v", err))
	} else if cfg.TakeProfitPct <= 0 {
		errs = append(errs, "TAKE_PROFIT_PCT must be positive")
	}

	// Risk Scoring
	cfg.RiskWeightDisagreement = getEnvAsFloat("RISK_WEIGHT_DISAGREEMENT", 0.25)
	cfg.RiskWeightAnomaly = getEnvAsFloat("RISK_WEIGHT_ANOMALY", 0.15)
	cfg.RiskWeightDrawdown = getEnvAsFloat("RISK_WEIGHT_DRAWDOWN", 0.25)
	cfg.RiskWeightLossStreak = getEnvAsFloat("RISK_WEIGHT_LOSS_STREAK", 0.20)
	cfg.RiskWeightVolatility = getEnvAsFloat("RISK_WEIGHT_VOLATILITY", 0.15)
	weightSum := cfg.RiskWeightDisagreement + cfg.RiskWeightAnomaly + cfg.RiskWeightDrawdown +
		cfg.RiskWeightLossStreak + cfg.RiskWeightVolatility
	if math.Abs(weightSum-1.0) > 1e-9 {
		errs = append(errs, fmt.Sprintf("risk weights must sum to 1.0, got %v", weightSum))
	}

	cfg.DenyThreshold = getEnvAsFloat("RISK_DENY_THRESHOLD", 0.75)
	cfg.ConditionalThreshold = getEnvAsFloat("RISK_CONDITIONAL_THRESHOLD", 0.50)
	if cfg.ConditionalThreshold >= cfg.DenyThreshold {
		errs = append(errs, "RISK_CONDITIONAL_THRESHOLD must be less than RISK_DENY_THRESHOLD")
	}
	cfg.ConditionalSizeFactor = getEnvAsFloat("RISK_CONDITIONAL_SIZE_FACTOR", 0.5)
	if cfg.ConditionalSizeFactor <= 0 || cfg.ConditionalSizeFactor > 1 {
		errs = append(errs, "RISK_CONDITIONAL_SIZE_FACTOR must be in (0, 1]")
	}

	cfg.AnomalyWarnLatency = getEnvAsDuration("ANOMALY_WARN_LATENCY", 500*time.Millisecond)
	cfg.AnomalyCriticalLatency = getEnvAsDuration("ANOMALY_CRITICAL_LATENCY", 2*time.Second)
	if cfg.AnomalyWarnLatency <= 0 || cfg.AnomalyCriticalLatency <= cfg.AnomalyWarnLatency {
		errs = append(errs, "ANOMALY_CRITICAL_LATENCY must be greater than ANOMALY_WARN_LATENCY (both positive)")
	}

	// Position Sizing
	cfg.KellyLookback = getEnvAsDuration("KELLY_LOOKBACK", 7*24*time.Hour)
	cfg.KellyMinSamples = getEnvAsInt("KELLY_MIN_SAMPLES", 10)
	cfg.KellySafetyFactor = getEnvAsFloat("KELLY_SAFETY_FACTOR", 0.5)
	cfg.MaxKellyFraction = getEnvAsFloat("MAX_KELLY_FRACTION", 0.25)
	cfg.KellyFallbackFraction = getEnvAsFloat("KELLY_FALLBACK_FRACTION", 0.05)
	if cfg.KellyMinSamples <= 0 {
		errs = append(errs, "KELLY_MIN_SAMPLES must be positive")
	}
	if cfg.KellySafetyFactor <= 0 || cfg.KellySafetyFactor > 1 {
		errs = append(errs, "KELLY_SAFETY_FACTOR must be in (0, 1]")
	}
	if cfg.MaxKellyFraction <= 0 || cfg.MaxKellyFraction > 1 {
		errs = append(errs, "MAX_KELLY_FRACTION must be in (0, 1]")
	}

	cfg.TierLowBoundary = getEnvAsFloat("TIER_LOW_BOUNDARY", 0.45)
	cfg.TierHighBoundary = getEnvAsFloat("TIER_HIGH_BOUNDARY", 0.65)
	if cfg.TierLowBoundary >= cfg.TierHighBoundary {
		errs = append(errs, "TIER_LOW_BOUNDARY must be less than TIER_HIGH_BOUNDARY")
	}
	cfg.TierLowMinFraction = getEnvAsFloat("TIER_LOW_MIN_FRACTION", 0.02)
	cfg.TierLowMaxFraction = getEnvAsFloat("TIER_LOW_MAX_FRACTION", 0.05)
	cfg.TierMedMinFraction = getEnvAsFloat("TIER_MED_MIN_FRACTION", 0.05)
	cfg.TierMedMaxFraction = getEnvAsFloat("TIER_MED_MAX_FRACTION", 0.15)
	cfg.TierHighMinFraction = getEnvAsFloat("TIER_HIGH_MIN_FRACTION", 0.20)
	cfg.TierHighMaxFraction = getEnvAsFloat("TIER_HIGH_MAX_FRACTION", 0.35)
	for _, pair := range [][2]float64{
		{cfg.TierLowMinFraction, cfg.TierLowMaxFraction},
		{cfg.TierMedMinFraction, cfg.TierMedMaxFraction},
		{cfg.TierHighMinFraction, cfg.TierHighMaxFraction},
	} {
		if pair[0] < 0 || pair[1] <= 0 || pair[0] > pair[1] {
			errs = append(errs, "confidence tier fractions must satisfy 0 <= min <= max")
			break
		}
	}

	cfg.HardCapFraction = getEnvAsFloat("HARD_CAP_FRACTION", 0.25)
	if cfg.HardCapFraction <= 0 || cfg.HardCapFraction > 1 {
		errs = append(errs, "HARD_CAP_FRACTION must be in (0, 1]")
	}

	cfg.SizeBlendPolicy = strings.ToLower(getEnv("SIZE_BLEND_POLICY", "minimum"))
	if cfg.SizeBlendPolicy != "minimum" && cfg.SizeBlendPolicy != "weighted" {
		errs = append(errs, "SIZE_BLEND_POLICY must be 'minimum' or 'weighted'")
	}

	// Drawdown Guard
	cfg.MaxDrawdown, err = getEnvAsFloatRequired("MAX_DRAWDOWN", 0.10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DRAWDOWN: %v", err))
	} else if cfg.MaxDrawdown <= 0 || cfg.MaxDrawdown >= 1 {
		errs = append(errs, "MAX_DRAWDOWN must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.ConsecutiveLossLimit, err = getEnvAsIntRequired("CONSECUTIVE_LOSS_LIMIT", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid CONSECUTIVE_LOSS_LIMIT: %v", err))
	} else if cfg.ConsecutiveLossLimit <= 0 {
		errs = append(errs, "CONSECUTIVE_LOSS_LIMIT must be positive")
	}

	cfg.CooldownDuration = getEnvAsDuration("COOLDOWN_DURATION", 4*time.Hour)
	if cfg.CooldownDuration <= 0 {
		errs = append(errs, "COOLDOWN_DURATION must be positive")
	}

	// Execution
	cfg.OrderTimeout = getEnvAsDuration("ORDER_TIMEOUT", 10*time.Second)
	cfg.RetryMaxAttempts = getEnvAsInt("RETRY_MAX_ATTEMPTS", 3)
	cfg.RetryBackoffBase = getEnvAsDuration("RETRY_BACKOFF_BASE", time.Second)
	cfg.RetryBackoffMax = getEnvAsDuration("RETRY_BACKOFF_MAX", 30*time.Second)
	cfg.RollbackMaxAttempts = getEnvAsInt("ROLLBACK_MAX_ATTEMPTS", 5)
	if cfg.OrderTimeout <= 0 {
		errs = append(errs, "ORDER_TIMEOUT must be positive")
	}
	if cfg.RetryMaxAttempts <= 0 || cfg.RollbackMaxAttempts <= 0 {
		errs = append(errs, "RETRY_MAX_ATTEMPTS and ROLLBACK_MAX_ATTEMPTS must be positive")
	}
	if cfg.RetryBackoffBase <= 0 || cfg.RetryBackoffMax < cfg.RetryBackoffBase {
		errs = append(errs, "RETRY_BACKOFF_MAX must be at least RETRY_BACKOFF_BASE (both positive)")
	}

	// Signal Adapter
	cfg.ShortMAPeriod = getEnvAsInt("SIGNAL_SHORT_MA_PERIOD", 20)
	cfg.LongMAPeriod = getEnvAsInt("SIGNAL_LONG_MA_PERIOD", 50)
	cfg.RSIPeriod = getEnvAsInt("SIGNAL_RSI_PERIOD", 14)
	cfg.RSIOverbought = getEnvAsFloat("SIGNAL_RSI_OVERBOUGHT", 70.0)
	cfg.RSIOversold = getEnvAsFloat("SIGNAL_RSI_OVERSOLD", 30.0)
	cfg.ATRPeriod = getEnvAsInt("SIGNAL_ATR_PERIOD", 14)
	if cfg.ShortMAPeriod <= 0 || cfg.LongMAPeriod <= 0 || cfg.RSIPeriod <= 0 || cfg.ATRPeriod <= 0 {
		errs = append(errs, "signal periods (MA, RSI, ATR) must be positive")
	}
	if cfg.ShortMAPeriod >= cfg.LongMAPeriod {
		errs = append(errs, "SIGNAL_SHORT_MA_PERIOD must be less than SIGNAL_LONG_MA_PERIOD")
	}
	if cfg.RSIOverbought <= cfg.RSIOversold || cfg.RSIOverbought > 100 || cfg.RSIOversold < 0 {
		errs = append(errs, "invalid RSI thresholds (Overbought must be > Oversold, between 0-100)")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/margin_bot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "INFO")
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "std"))
	if cfg.LogFormat != "std" && cfg.LogFormat != "zerolog" {
		errs = append(errs, "LOG_FORMAT must be 'std' or 'zerolog'")
	}

	// Metrics
	cfg.MetricsAddr = getEnv("METRICS_ADDR", "")

	// Connection Settings
	cfg.ReconnectDelay = getEnvAsDuration("RECONNECT_DELAY", 5*time.Second)
	if cfg.ReconnectDelay <= 0 {
		errs = append(errs, "RECONNECT_DELAY must be positive")
	}
	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
