// Package execution implements the atomic entry protocol: a market entry
// plus its consolidated take-profit/stop-loss pair placed as one logical
// transaction, with compensating cancellation when any step fails.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"marginBot/internal/domain"
	"marginBot/internal/ports"
	"marginBot/internal/retry"
	"marginBot/internal/tracking"
)

// Config holds the execution tuning for one deployment.
type Config struct {
	OrderTimeout time.Duration // per exchange call

	RetryMaxAttempts int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration

	// Rollback cancellation gets its own, larger budget: abandoning a
	// rollback leaves an un-hedged exposure.
	RollbackMaxAttempts int

	TakeProfitPct float64 // protective distance from average entry
	StopLossPct   float64
}

// EntryOutcome reports a completed protocol run: the registered order IDs,
// the actual fill price, and the terminal state reached.
type EntryOutcome struct {
	EntryOrderID string
	TakeProfitID string
	StopLossID   string
	FillPrice    float64
	Size         float64
	FinalState   State
}

// Executor runs the atomic entry protocol against the exchange boundary and
// registers completed entries with the tracker. One protocol instance runs
// at a time per instrument; the cycle loop guarantees no overlap.
type Executor struct {
	cfg     Config
	client  ports.OrderClient
	tracker *tracking.Tracker
	logger  ports.Logger

	place    retry.Policy // entry, protective placement, fill-price fetch
	rollback retry.Policy // compensating cancellations

	newID func() string
}

// NewExecutor validates the configuration and wires the shared retry
// policies.
func NewExecutor(cfg Config, client ports.OrderClient, tracker *tracking.Tracker, logger ports.Logger) (*Executor, error) {
	if client == nil || tracker == nil || logger == nil {
		return nil, fmt.Errorf("client, tracker and logger are required")
	}
	if cfg.OrderTimeout <= 0 {
		return nil, fmt.Errorf("OrderTimeout must be positive, got %v", cfg.OrderTimeout)
	}
	if cfg.RetryMaxAttempts <= 0 || cfg.RollbackMaxAttempts <= 0 {
		return nil, fmt.Errorf("retry and rollback attempt budgets must be positive")
	}
	if cfg.TakeProfitPct <= 0 || cfg.StopLossPct <= 0 || cfg.StopLossPct >= 1 {
		return nil, fmt.Errorf("protective percentages must satisfy 0 < pct, stop-loss < 1")
	}
	return &Executor{
		cfg:     cfg,
		client:  client,
		tracker: tracker,
		logger:  logger,
		place:   retry.New(cfg.RetryMaxAttempts, cfg.RetryBackoffBase, cfg.RetryBackoffMax, ports.IsTransient),
		// Any cancellation failure except not-found is retried.
		rollback: retry.New(cfg.RollbackMaxAttempts, cfg.RetryBackoffBase, cfg.RetryBackoffMax, func(err error) bool {
			return !errors.Is(err, ports.ErrOrderNotFound)
		}),
		newID: uuid.NewString,
	}, nil
}

// OpenOrGrow runs the full protocol for an admitted, sized trade: place the
// entry, resolve its actual fill price, cancel any previously-consolidated
// protective pair, place the new pair at the updated average, and register
// the leg with the tracker. On protective failure the placed orders are
// rolled back and the tracker is left untouched.
func (e *Executor) OpenOrGrow(ctx context.Context, symbol string, side domain.PositionSide, size, adjustedConfidence float64, strategy, regime string, ref time.Time) (*EntryOutcome, error) {
	if size <= 0 {
		return nil, fmt.Errorf("order size must be positive, got %v", size)
	}

	proto := newProtocol(symbol)

	// Step 1: entry. On failure there is nothing to roll back.
	entry, err := e.placeEntry(ctx, symbol, side, size)
	if err != nil {
		e.failProtocol(ctx, proto, "entry placement failed", err)
		return nil, fmt.Errorf("entry placement for %s failed: %w", symbol, err)
	}
	proto.entryOrderID = entry.OrderID
	if err := proto.transition(StateEntryPlaced); err != nil {
		return nil, err
	}

	fillPrice, err := e.resolveFillPrice(ctx, symbol, entry)
	if err != nil {
		return e.rollbackAndFail(ctx, proto, "fill price resolution failed", err)
	}

	// Protective levels hang off the prospective new average, which equals
	// the fill price on a first entry.
	prior := e.tracker.Get(symbol)
	newAvg := e.prospectiveAverage(symbol, fillPrice, size)
	newTotal := size
	if prior != nil {
		newTotal += prior.TotalSize
	}
	tpPrice, slPrice := e.protectivePrices(side, newAvg)
	if err := validateProtective(side, domain.TakeProfit, tpPrice, newAvg); err != nil {
		return e.rollbackAndFail(ctx, proto, "take-profit price rejected", err)
	}
	if err := validateProtective(side, domain.StopLoss, slPrice, newAvg); err != nil {
		return e.rollbackAndFail(ctx, proto, "stop-loss price rejected", err)
	}

	// Growth path: the old consolidated pair must be gone before the new one
	// is placed, or both pairs rest at once. Cancelling it creates a rollback
	// obligation — the prior aggregate must never end up unprotected — so the
	// pair's parameters are recorded on the protocol and its now-dead IDs are
	// cleared from the tracker.
	oldTP, oldSL := e.tracker.ProtectiveOrderIDs(symbol)
	if err := e.cancelExistingProtectives(ctx, symbol); err != nil {
		return e.rollbackAndFail(ctx, proto, "cancel of existing protective pair failed", err)
	}
	if prior != nil && (oldTP != "" || oldSL != "") {
		proto.replaced = &replacedPair{side: prior.Side, avg: prior.AverageEntry, total: prior.TotalSize}
		if err := e.tracker.SetProtectiveOrderIDs(ctx, symbol, "", ""); err != nil {
			e.logger.Error(ctx, err, "Failed to clear cancelled protective order IDs", map[string]interface{}{"symbol": symbol})
		}
	}

	// Step 2: take-profit, retried on transient failures.
	tpResp, err := e.placeProtective(ctx, symbol, domain.TakeProfit, side.CloseSide(), newTotal, tpPrice)
	if err != nil {
		return e.rollbackAndFail(ctx, proto, "take-profit placement failed", err)
	}
	proto.tpOrderID = tpResp.OrderID
	if err := proto.transition(StateTPPlaced); err != nil {
		return nil, err
	}

	// Step 3: stop-loss, same policy.
	slResp, err := e.placeProtective(ctx, symbol, domain.StopLoss, side.CloseSide(), newTotal, slPrice)
	if err != nil {
		return e.rollbackAndFail(ctx, proto, "stop-loss placement failed", err)
	}
	proto.slOrderID = slResp.OrderID
	if err := proto.transition(StateSLPlaced); err != nil {
		return nil, err
	}

	// Step 4: register with the tracker. Only a fully-protected entry
	// becomes visible to the next cycle.
	leg := domain.PositionLeg{
		EntryPrice:         fillPrice,
		Size:               size,
		EntryTime:          ref,
		AdjustedConfidence: adjustedConfidence,
		Strategy:           strategy,
		Regime:             regime,
	}
	if err := e.tracker.AddLeg(ctx, symbol, side, leg); err != nil {
		return e.rollbackAndFail(ctx, proto, "tracker registration failed", err)
	}
	if err := e.tracker.SetProtectiveOrderIDs(ctx, symbol, proto.tpOrderID, proto.slOrderID); err != nil {
		e.logger.Error(ctx, err, "Failed to persist protective order IDs", map[string]interface{}{"symbol": symbol})
	}
	if err := proto.transition(StateSuccess); err != nil {
		return nil, err
	}

	e.logger.Info(ctx, "Atomic entry protocol succeeded", map[string]interface{}{
		"symbol":    symbol,
		"side":      side,
		"size":      size,
		"fillPrice": fillPrice,
		"avgEntry":  newAvg,
		"tpOrderID": proto.tpOrderID,
		"slOrderID": proto.slOrderID,
	})
	return &EntryOutcome{
		EntryOrderID: proto.entryOrderID,
		TakeProfitID: proto.tpOrderID,
		StopLossID:   proto.slOrderID,
		FillPrice:    fillPrice,
		Size:         size,
		FinalState:   proto.state,
	}, nil
}

// ForceClose flattens the full aggregate with a market order, cancelling the
// protective pair first, and returns the realized outcome. Used for manual
// exits and shutdown.
func (e *Executor) ForceClose(ctx context.Context, symbol string, reason domain.CloseReason, ref time.Time) (*domain.TradeOutcome, error) {
	pos := e.tracker.Get(symbol)
	if pos == nil {
		return nil, nil
	}

	if err := e.cancelExistingProtectives(ctx, symbol); err != nil {
		return nil, fmt.Errorf("failed to cancel protective pair before close of %s: %w", symbol, err)
	}

	resp, err := e.placeEntryOrder(ctx, symbol, pos.Side.CloseSide(), pos.TotalSize)
	if err != nil {
		return nil, fmt.Errorf("force close of %s failed: %w", symbol, err)
	}
	exitPrice, err := e.resolveFillPrice(ctx, symbol, resp)
	if err != nil {
		e.logger.Error(ctx, err, "Close filled but exit price unresolved, assuming average entry", map[string]interface{}{"symbol": symbol})
		exitPrice = pos.AverageEntry
	}

	pnl := (exitPrice - pos.AverageEntry) * pos.TotalSize
	if pos.Side == domain.Short {
		pnl = -pnl
	}
	outcome := &domain.TradeOutcome{
		Symbol:      symbol,
		PNL:         pnl,
		EntryPrice:  pos.AverageEntry,
		ExitPrice:   exitPrice,
		Size:        pos.TotalSize,
		CloseReason: reason,
		ClosedAt:    ref,
	}
	if len(pos.Legs) > 0 {
		outcome.Strategy = pos.Legs[0].Strategy
	}

	if err := e.tracker.Clear(ctx, symbol); err != nil {
		return outcome, fmt.Errorf("position closed but tracker clear failed for %s: %w", symbol, err)
	}
	e.logger.Info(ctx, "Position force-closed", map[string]interface{}{
		"symbol":    symbol,
		"reason":    reason,
		"exitPrice": exitPrice,
		"pnl":       pnl,
	})
	return outcome, nil
}

// SettleProtectiveFill records that a resting TP or SL filled on the
// exchange: the sibling order is cancelled, the aggregate is cleared, and
// the realized outcome is returned.
func (e *Executor) SettleProtectiveFill(ctx context.Context, symbol string, kind domain.ProtectiveKind, exitPrice float64, ref time.Time) (*domain.TradeOutcome, error) {
	pos := e.tracker.Get(symbol)
	if pos == nil {
		return nil, fmt.Errorf("protective fill reported for %s but no position is open", symbol)
	}

	// Cancel the surviving sibling; the filled order is already gone.
	tpID, slID := e.tracker.ProtectiveOrderIDs(symbol)
	sibling := slID
	reason := domain.CloseReasonTakeProfit
	if kind == domain.StopLoss {
		sibling = tpID
		reason = domain.CloseReasonStopLoss
	}
	if sibling != "" {
		if err := e.cancelWithRollbackPolicy(ctx, symbol, sibling); err != nil {
			return nil, err
		}
	}

	pnl := (exitPrice - pos.AverageEntry) * pos.TotalSize
	if pos.Side == domain.Short {
		pnl = -pnl
	}
	outcome := &domain.TradeOutcome{
		Symbol:      symbol,
		PNL:         pnl,
		EntryPrice:  pos.AverageEntry,
		ExitPrice:   exitPrice,
		Size:        pos.TotalSize,
		CloseReason: reason,
		ClosedAt:    ref,
	}
	if len(pos.Legs) > 0 {
		outcome.Strategy = pos.Legs[0].Strategy
	}
	if err := e.tracker.Clear(ctx, symbol); err != nil {
		return outcome, fmt.Errorf("protective fill settled but tracker clear failed for %s: %w", symbol, err)
	}
	return outcome, nil
}

func (e *Executor) placeEntry(ctx context.Context, symbol string, side domain.PositionSide, size float64) (*ports.OrderResponse, error) {
	return e.placeEntryOrder(ctx, symbol, side.EntrySide(), size)
}

func (e *Executor) placeEntryOrder(ctx context.Context, symbol string, side domain.OrderSide, size float64) (*ports.OrderResponse, error) {
	var resp *ports.OrderResponse
	err := e.place.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		defer cancel()
		var err error
		resp, err = e.client.PlaceEntry(callCtx, symbol, side, size, e.newID())
		return err
	})
	return resp, err
}

func (e *Executor) placeProtective(ctx context.Context, symbol string, kind domain.ProtectiveKind, side domain.OrderSide, quantity, triggerPrice float64) (*ports.OrderResponse, error) {
	var resp *ports.OrderResponse
	err := e.place.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		defer cancel()
		var err error
		resp, err = e.client.PlaceProtective(callCtx, symbol, kind, side, quantity, triggerPrice, e.newID())
		return err
	})
	return resp, err
}

// resolveFillPrice prefers the fill price echoed in the placement response
// and falls back to an explicit fetch when the response omits it.
func (e *Executor) resolveFillPrice(ctx context.Context, symbol string, resp *ports.OrderResponse) (float64, error) {
	if resp.AvgFillPrice > 0 {
		return resp.AvgFillPrice, nil
	}
	var price float64
	err := e.place.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		defer cancel()
		var err error
		price, err = e.client.FetchFillPrice(callCtx, symbol, resp.OrderID)
		return err
	})
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("exchange reported non-positive fill price %v for order %s", price, resp.OrderID)
	}
	return price, nil
}

// prospectiveAverage computes the average entry the aggregate will have once
// the new fill is added, so protective levels cover the whole position.
func (e *Executor) prospectiveAverage(symbol string, fillPrice, size float64) float64 {
	pos := e.tracker.Get(symbol)
	if pos == nil || pos.TotalSize <= 0 {
		return fillPrice
	}
	return (pos.AverageEntry*pos.TotalSize + fillPrice*size) / (pos.TotalSize + size)
}

func (e *Executor) protectivePrices(side domain.PositionSide, avg float64) (tp, sl float64) {
	if side == domain.Short {
		return avg * (1 - e.cfg.TakeProfitPct), avg * (1 + e.cfg.StopLossPct)
	}
	return avg * (1 + e.cfg.TakeProfitPct), avg * (1 - e.cfg.StopLossPct)
}

// validateProtective rejects trigger prices that are non-positive, NaN, or
// on the wrong side of the reference entry price for the position direction.
// The reference is the actual fill-derived average, never the signal-time
// price: slippage between the two otherwise skews the protective distance.
func validateProtective(side domain.PositionSide, kind domain.ProtectiveKind, price, reference float64) error {
	if math.IsNaN(price) || price <= 0 {
		return fmt.Errorf("%s trigger price %v is not a positive number", kind, price)
	}
	wrongSide := false
	switch {
	case side == domain.Long && kind == domain.TakeProfit:
		wrongSide = price <= reference
	case side == domain.Long && kind == domain.StopLoss:
		wrongSide = price >= reference
	case side == domain.Short && kind == domain.TakeProfit:
		wrongSide = price >= reference
	case side == domain.Short && kind == domain.StopLoss:
		wrongSide = price <= reference
	}
	if wrongSide {
		return fmt.Errorf("%s trigger %v is on the wrong side of entry %v for a %s position", kind, price, reference, side)
	}
	return nil
}

// cancelExistingProtectives removes the currently-resting consolidated pair,
// if any, under the rollback cancellation policy.
func (e *Executor) cancelExistingProtectives(ctx context.Context, symbol string) error {
	tpID, slID := e.tracker.ProtectiveOrderIDs(symbol)
	for _, orderID := range []string{tpID, slID} {
		if orderID == "" {
			continue
		}
		if err := e.cancelWithRollbackPolicy(ctx, symbol, orderID); err != nil {
			return err
		}
	}
	return nil
}

// cancelWithRollbackPolicy cancels an order, tolerating not-found as success
// and retrying anything else up to the rollback budget.
func (e *Executor) cancelWithRollbackPolicy(ctx context.Context, symbol, orderID string) error {
	err := e.rollback.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		defer cancel()
		return e.client.CancelOrder(callCtx, symbol, orderID)
	})
	if err == nil || errors.Is(err, ports.ErrOrderNotFound) {
		return nil
	}
	return err
}

// rollbackAndFail runs the compensating cancellations for everything the
// protocol has placed so far, then reports the protocol as failed. When a
// cancellation survives the full rollback budget the error escalates to
// ErrUnhedgedExposure: an exposure without protective orders needs an
// operator, not silence.
func (e *Executor) rollbackAndFail(ctx context.Context, proto *protocol, step string, cause error) (*EntryOutcome, error) {
	e.logger.Error(ctx, cause, "Atomic entry protocol failed, rolling back", map[string]interface{}{
		"symbol": proto.symbol,
		"step":   step,
		"state":  string(proto.state),
	})
	if err := proto.transition(StateRollingBack); err != nil {
		return nil, err
	}
	if rbErr := e.runRollback(ctx, proto); rbErr != nil {
		_ = proto.transition(StateFailed)
		return nil, fmt.Errorf("%s: %w (rollback: %v)", step, ports.ErrUnhedgedExposure, rbErr)
	}
	_ = proto.transition(StateFailed)
	return nil, fmt.Errorf("%s: %w", step, cause)
}

// runRollback cancels, in order, the TP, the SL, and the entry order, then
// re-places any consolidated pair the growth path cancelled.
// Idempotent: a second invocation on the same protocol instance is a no-op.
func (e *Executor) runRollback(ctx context.Context, proto *protocol) error {
	if proto.rolledBack {
		return nil
	}
	proto.rolledBack = true

	var failed error
	for _, c := range []struct {
		label   string
		orderID string
	}{
		{"take-profit", proto.tpOrderID},
		{"stop-loss", proto.slOrderID},
		{"entry", proto.entryOrderID},
	} {
		if c.orderID == "" {
			continue
		}
		if err := e.cancelWithRollbackPolicy(ctx, proto.symbol, c.orderID); err != nil {
			e.logger.Error(ctx, err, "Rollback cancellation failed", map[string]interface{}{
				"symbol":  proto.symbol,
				"order":   c.label,
				"orderID": c.orderID,
			})
			if failed == nil {
				failed = fmt.Errorf("cancel %s order %s: %w", c.label, c.orderID, err)
			}
			continue
		}
		e.logger.Info(ctx, "Rollback cancelled order", map[string]interface{}{
			"symbol":  proto.symbol,
			"order":   c.label,
			"orderID": c.orderID,
		})
	}
	if failed != nil {
		return failed
	}
	if proto.replaced != nil {
		return e.restoreProtectives(ctx, proto)
	}
	return nil
}

// restoreProtectives re-places the consolidated pair the growth path
// cancelled, at the prior average over the prior total, so a failed growth
// leaves the aggregate exactly as protected as it was before. A restore
// failure escalates through rollbackAndFail as an un-hedged exposure.
func (e *Executor) restoreProtectives(ctx context.Context, proto *protocol) error {
	rp := proto.replaced
	tpPrice, slPrice := e.protectivePrices(rp.side, rp.avg)
	tpResp, err := e.placeProtective(ctx, proto.symbol, domain.TakeProfit, rp.side.CloseSide(), rp.total, tpPrice)
	if err != nil {
		return fmt.Errorf("re-place take-profit at %v: %w", tpPrice, err)
	}
	slResp, err := e.placeProtective(ctx, proto.symbol, domain.StopLoss, rp.side.CloseSide(), rp.total, slPrice)
	if err != nil {
		return fmt.Errorf("re-place stop-loss at %v: %w", slPrice, err)
	}
	if err := e.tracker.SetProtectiveOrderIDs(ctx, proto.symbol, tpResp.OrderID, slResp.OrderID); err != nil {
		e.logger.Error(ctx, err, "Failed to persist restored protective order IDs", map[string]interface{}{"symbol": proto.symbol})
	}
	e.logger.Info(ctx, "Restored protective pair after failed growth", map[string]interface{}{
		"symbol":    proto.symbol,
		"tpOrderID": tpResp.OrderID,
		"slOrderID": slResp.OrderID,
	})
	return nil
}

func (e *Executor) failProtocol(ctx context.Context, proto *protocol, step string, cause error) {
	e.logger.Error(ctx, cause, "Atomic entry protocol failed before any order was placed", map[string]interface{}{
		"symbol": proto.symbol,
		"step":   step,
	})
	_ = proto.transition(StateFailed)
}
