// Package app wires the admission gate, sizer, drawdown guard, tracker and
// executor into the trading engine facade and drives the live cycle loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"marginBot/config"
	"marginBot/internal/domain"
	"marginBot/internal/execution"
	"marginBot/internal/indicators"
	"marginBot/internal/metrics"
	"marginBot/internal/ports"
	"marginBot/internal/risk"
	"marginBot/internal/sizing"
	"marginBot/internal/tracking"
)

// Deps are the collaborators injected into the engine. All mutable state
// (guard, tracker) is explicitly owned and passed by handle; there are no
// module-level globals.
type Deps struct {
	Logger   ports.Logger
	Client   ports.OrderClient
	Signals  ports.SignalSource
	Scorer   *risk.Scorer
	Guard    *risk.Guard
	Sizer    *sizing.Sizer
	Tracker  *tracking.Tracker
	Executor *execution.Executor
	Outcomes ports.OutcomeRepository
	Equity   ports.EquityRepository
	Metrics  *metrics.Metrics
}

// Service is the engine facade: one evaluate-and-execute pass per trading
// cycle, outcome recording, and the pause query. A mutex serializes cycles
// so a new evaluation never observes a mid-flight atomic protocol.
type Service struct {
	cfg  *config.Config
	deps Deps

	cycleMu sync.Mutex
	klines  []*domain.Kline
}

// NewService validates the dependency set and returns the engine.
func NewService(cfg *config.Config, deps Deps) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Logger == nil || deps.Client == nil || deps.Scorer == nil || deps.Guard == nil ||
		deps.Sizer == nil || deps.Tracker == nil || deps.Executor == nil ||
		deps.Outcomes == nil || deps.Equity == nil || deps.Metrics == nil {
		return nil, fmt.Errorf("all engine dependencies are required")
	}
	return &Service{cfg: cfg, deps: deps}, nil
}

// EvaluateAndExecute runs one full admission-sizing-execution pass for the
// request. The returned result always carries the risk evaluation; Executed
// is true only when the atomic protocol reached SUCCESS.
func (s *Service) EvaluateAndExecute(ctx context.Context, req domain.EvaluationRequest) (domain.ExecutionResult, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	return s.evaluateAndExecuteLocked(ctx, req)
}

func (s *Service) evaluateAndExecuteLocked(ctx context.Context, req domain.EvaluationRequest) (domain.ExecutionResult, error) {
	if req.CurrentPrice <= 0 {
		return domain.ExecutionResult{}, fmt.Errorf("current price must be positive, got %v", req.CurrentPrice)
	}
	if req.ReferenceTime.IsZero() {
		return domain.ExecutionResult{}, fmt.Errorf("reference time is required")
	}

	s.deps.Guard.ObserveEquity(req.Account.Equity, req.ReferenceTime)
	s.deps.Metrics.Equity.Set(req.Account.Equity)

	if req.Signal.Action == domain.ActionHold {
		return domain.ExecutionResult{RejectionReason: "no actionable signal"}, nil
	}

	if allowed, reason := s.deps.Guard.CheckTradingAllowed(req.ReferenceTime); !allowed {
		s.deps.Metrics.AdmissionDecisions.WithLabelValues("PAUSED").Inc()
		s.deps.Logger.Info(ctx, "Entry vetoed by drawdown guard", map[string]interface{}{
			"symbol": req.Symbol,
			"reason": string(reason),
		})
		return domain.ExecutionResult{RejectionReason: fmt.Sprintf("trading paused: %s", reason)}, nil
	}

	eval := s.deps.Scorer.Evaluate(ctx, req, s.deps.Guard.Snapshot())
	s.deps.Metrics.AdmissionDecisions.WithLabelValues(string(eval.Decision)).Inc()
	s.deps.Metrics.RiskScore.Observe(eval.Score)
	s.deps.Logger.Info(ctx, "Admission decision", map[string]interface{}{
		"symbol":         req.Symbol,
		"decision":       string(eval.Decision),
		"score":          eval.Score,
		"dominantFactor": string(eval.DominantComponent()),
	})

	result := domain.ExecutionResult{Risk: eval}
	if eval.Decision == domain.DecisionDeny {
		result.RejectionReason = strings.Join(eval.Reasons, "; ")
		return result, nil
	}

	confidence := req.Signal.StrategyConfidence
	if eval.Decision == domain.DecisionConditional {
		confidence *= s.cfg.ConditionalSizeFactor
	}

	side := domain.Long
	if req.Signal.Action == domain.ActionSell {
		side = domain.Short
	}
	if pos := s.deps.Tracker.Get(req.Symbol); pos != nil && pos.Side != side {
		result.RejectionReason = fmt.Sprintf("open %s exposure blocks a %s entry", pos.Side, side)
		return result, nil
	}

	outcomes, err := s.deps.Outcomes.FindSince(ctx, req.Symbol, req.ReferenceTime.Add(-s.cfg.KellyLookback))
	if err != nil {
		return result, fmt.Errorf("failed to load trailing outcomes: %w", err)
	}
	sized, err := s.deps.Sizer.Size(ctx, confidence, req.Account.Equity, req.CurrentPrice, outcomes, req.ReferenceTime)
	if err != nil {
		return result, fmt.Errorf("sizing failed: %w", err)
	}
	if sized.Rejected {
		result.RejectionReason = fmt.Sprintf("size below minimum order increment (binding: %s)", sized.Binding)
		return result, nil
	}

	out, err := s.deps.Executor.OpenOrGrow(ctx, req.Symbol, side, sized.Size, confidence,
		req.Signal.ContributingStrategy, req.Signal.Regime, req.ReferenceTime)
	if err != nil {
		s.deps.Metrics.ProtocolOutcomes.WithLabelValues("failed").Inc()
		if errors.Is(err, ports.ErrUnhedgedExposure) {
			s.deps.Metrics.RollbackFailures.Inc()
			s.deps.Metrics.UnhedgedExposure.Set(1)
		}
		result.RejectionReason = err.Error()
		return result, err
	}
	s.deps.Metrics.ProtocolOutcomes.WithLabelValues("success").Inc()

	result.Executed = true
	result.EntryOrderID = out.EntryOrderID
	result.TakeProfitID = out.TakeProfitID
	result.StopLossID = out.StopLossID
	result.FillPrice = out.FillPrice
	result.Size = out.Size
	if pos := s.deps.Tracker.Get(req.Symbol); pos != nil {
		s.deps.Metrics.OpenExposure.Set(pos.TotalSize * req.CurrentPrice)
	}
	return result, nil
}

// RecordOutcome persists a realized outcome, feeds the drawdown guard at the
// caller's reference time, and checkpoints the high-water-mark.
func (s *Service) RecordOutcome(ctx context.Context, outcome *domain.TradeOutcome, ref time.Time) error {
	if outcome == nil {
		return fmt.Errorf("outcome is required")
	}
	if _, err := s.deps.Outcomes.Record(ctx, outcome); err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	s.deps.Guard.RecordTradeResult(ctx, *outcome, ref)

	snap := s.deps.Guard.Snapshot()
	if err := s.deps.Equity.SaveHighWaterMark(ctx, snap.HighWaterMark, ref); err != nil {
		s.deps.Logger.Error(ctx, err, "Failed to checkpoint high-water-mark", nil)
	}
	s.deps.Metrics.TradesClosed.WithLabelValues(string(outcome.CloseReason)).Inc()
	s.deps.Metrics.RealizedPNL.Add(outcome.PNL)
	s.deps.Metrics.Equity.Set(snap.Equity)
	return nil
}

// IsTradingPaused reports whether the guard is vetoing entries at the given
// reference time, and why.
func (s *Service) IsTradingPaused(ref time.Time) (bool, domain.PauseReason) {
	allowed, reason := s.deps.Guard.CheckTradingAllowed(ref)
	return !allowed, reason
}

// Run drives the live trading loop: warm up history, then evaluate one cycle
// per finalized kline until the context is cancelled. Returns when the
// stream closes or ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Signals == nil {
		return fmt.Errorf("running the cycle loop requires a signal source")
	}
	if err := s.deps.Tracker.Restore(ctx, s.cfg.Symbol); err != nil {
		return err
	}

	warmup := s.deps.Signals.RequiredDataPoints() + s.cfg.ATRPeriod + 1
	history, err := s.deps.Client.GetKlines(ctx, s.cfg.Symbol, s.cfg.Interval, warmup)
	if err != nil {
		return fmt.Errorf("failed to load warm-up klines: %w", err)
	}
	s.klines = history

	klineCh := make(chan *domain.Kline, 1)
	streamErrCh := make(chan error, 1)
	doneCh, stopCh, err := s.deps.Client.StreamKlines(ctx, s.cfg.Symbol, s.cfg.Interval,
		func(k *domain.Kline) {
			if k != nil && k.IsFinal {
				select {
				case klineCh <- k:
				default:
					// Cycle still running; drop rather than queue stale bars.
				}
			}
		},
		func(err error) {
			select {
			case streamErrCh <- err:
			default:
			}
		},
	)
	if err != nil {
		return fmt.Errorf("failed to start kline stream: %w", err)
	}
	defer close(stopCh)

	s.deps.Logger.Info(ctx, "Trading cycle loop started", map[string]interface{}{
		"symbol":   s.cfg.Symbol,
		"interval": s.cfg.Interval,
		"warmup":   len(history),
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-doneCh:
			return fmt.Errorf("kline stream closed")
		case err := <-streamErrCh:
			s.deps.Logger.Error(ctx, err, "Kline stream error", nil)
		case k := <-klineCh:
			if err := s.ProcessKline(ctx, k); err != nil {
				s.deps.Logger.Error(ctx, err, "Trading cycle failed", map[string]interface{}{
					"symbol": s.cfg.Symbol,
				})
				if errors.Is(err, ports.ErrUnhedgedExposure) {
					return err
				}
			}
		}
	}
}

// ProcessKline evaluates one finalized kline: settle any protective fill the
// bar crossed, then build the evaluation request and run the full pass. The
// reference time for everything in the cycle is the kline close, so live and
// replay runs behave identically. Also used directly by the replay runner.
func (s *Service) ProcessKline(ctx context.Context, k *domain.Kline) error {
	s.klines = append(s.klines, k)
	if max := s.deps.Signals.RequiredDataPoints() + s.cfg.ATRPeriod + 1; len(s.klines) > max {
		s.klines = s.klines[len(s.klines)-max:]
	}
	ref := k.CloseTime

	if outcome, err := s.settleProtectiveCross(ctx, k, ref); err != nil {
		return err
	} else if outcome != nil {
		if err := s.RecordOutcome(ctx, outcome, ref); err != nil {
			return err
		}
	}

	sig, err := s.deps.Signals.Next(ctx, s.klines, k.Close)
	if err != nil {
		return fmt.Errorf("signal source failed: %w", err)
	}

	equityStart := time.Now()
	equity, err := s.deps.Client.GetAccountEquity(ctx, s.cfg.QuoteAsset)
	latency := time.Since(equityStart)
	if err != nil {
		return fmt.Errorf("failed to fetch account equity: %w", err)
	}

	var exposure float64
	if pos := s.deps.Tracker.Get(s.cfg.Symbol); pos != nil {
		exposure = pos.TotalSize * k.Close
	}

	req := domain.EvaluationRequest{
		Signal:        sig,
		Symbol:        s.cfg.Symbol,
		CurrentPrice:  k.Close,
		Volatility:    indicators.NormalizedVolatility(s.klines, s.cfg.ATRPeriod),
		Anomaly:       domain.AnomalySnapshot{APILatency: latency},
		Account:       domain.AccountSnapshot{Equity: equity, OpenExposure: exposure},
		ReferenceTime: ref,
	}
	_, err = s.EvaluateAndExecute(ctx, req)
	return err
}

// settleProtectiveCross detects a bar crossing the consolidated stop or
// take-profit level and settles the exit at the trigger price. The stop is
// checked first: within one bar the conservative assumption is that the
// adverse level was hit before the favorable one.
func (s *Service) settleProtectiveCross(ctx context.Context, k *domain.Kline, ref time.Time) (*domain.TradeOutcome, error) {
	pos := s.deps.Tracker.Get(s.cfg.Symbol)
	if pos == nil {
		return nil, nil
	}
	tpPrice, slPrice := protectiveLevels(pos.Side, pos.AverageEntry, s.cfg.TakeProfitPct, s.cfg.StopLossPct)

	var kind domain.ProtectiveKind
	var exit float64
	switch pos.Side {
	case domain.Long:
		if k.Low <= slPrice {
			kind, exit = domain.StopLoss, slPrice
		} else if k.High >= tpPrice {
			kind, exit = domain.TakeProfit, tpPrice
		}
	case domain.Short:
		if k.High >= slPrice {
			kind, exit = domain.StopLoss, slPrice
		} else if k.Low <= tpPrice {
			kind, exit = domain.TakeProfit, tpPrice
		}
	}
	if kind == "" {
		return nil, nil
	}
	return s.deps.Executor.SettleProtectiveFill(ctx, s.cfg.Symbol, kind, exit, ref)
}

func protectiveLevels(side domain.PositionSide, avg, tpPct, slPct float64) (tp, sl float64) {
	if side == domain.Short {
		return avg * (1 - tpPct), avg * (1 + slPct)
	}
	return avg * (1 + tpPct), avg * (1 - slPct)
}

// Shutdown force-closes every residual position in parallel; the closes are
// mutually independent, and each completes its full settle-and-record
// sequence before its position counts as closed.
func (s *Service) Shutdown(ctx context.Context, ref time.Time) error {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	symbols := s.deps.Tracker.OpenSymbols()
	if len(symbols) == 0 {
		return nil
	}
	s.deps.Logger.Info(ctx, "Force-closing residual positions", map[string]interface{}{
		"count": len(symbols),
	})

	var wg sync.WaitGroup
	errCh := make(chan error, len(symbols))
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			outcome, err := s.deps.Executor.ForceClose(ctx, symbol, domain.CloseReasonShutdown, ref)
			if err != nil {
				errCh <- fmt.Errorf("force close of %s: %w", symbol, err)
				return
			}
			if outcome != nil {
				if err := s.RecordOutcome(ctx, outcome, ref); err != nil {
					errCh <- err
				}
			}
		}(symbol)
	}
	wg.Wait()
	close(errCh)

	var errs []string
	for err := range errCh {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown incomplete: %s", strings.Join(errs, "; "))
	}
	return nil
}
