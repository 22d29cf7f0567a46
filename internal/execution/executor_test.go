package execution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginBot/internal/domain"
	"marginBot/internal/ports"
	"marginBot/internal/tracking"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// memPositionRepo scripts per-call save errors the same way mockClient
// scripts order errors; nil beyond the scripted calls means success.
type memPositionRepo struct {
	nextID    int64
	saveCalls int
	saveErrs  []error
}

func (m *memPositionRepo) Save(ctx context.Context, pos *domain.Position) error {
	m.saveCalls++
	if err := scripted(m.saveErrs, m.saveCalls); err != nil {
		return err
	}
	if pos.ID == 0 {
		m.nextID++
		pos.ID = m.nextID
	}
	return nil
}
func (m *memPositionRepo) FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	return nil, nil
}
func (m *memPositionRepo) Delete(ctx context.Context, id int64) error { return nil }

// mockClient scripts per-attempt errors for each order operation; nil beyond
// the scripted attempts means success.
type mockClient struct {
	fillPrice float64

	entryErrs  []error
	tpErrs     []error
	slErrs     []error
	cancelErrs map[string][]error

	entryCalls  int
	tpCalls     int
	slCalls     int
	cancelCalls map[string]int
	cancelled   []string

	tpTriggers     []float64
	slTriggers     []float64
	protectiveQtys []float64
}

func newMockClient(fillPrice float64) *mockClient {
	return &mockClient{
		fillPrice:   fillPrice,
		cancelErrs:  map[string][]error{},
		cancelCalls: map[string]int{},
	}
}

func scripted(errs []error, call int) error {
	if call <= len(errs) {
		return errs[call-1]
	}
	return nil
}

func (m *mockClient) PlaceEntry(ctx context.Context, symbol string, side domain.OrderSide, quantity float64, clientOrderID string) (*ports.OrderResponse, error) {
	m.entryCalls++
	if err := scripted(m.entryErrs, m.entryCalls); err != nil {
		return nil, err
	}
	return &ports.OrderResponse{
		OrderID:       fmt.Sprintf("entry-%d", m.entryCalls),
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		AvgFillPrice:  m.fillPrice,
		ExecutedQty:   quantity,
		Status:        "FILLED",
	}, nil
}

func (m *mockClient) PlaceProtective(ctx context.Context, symbol string, kind domain.ProtectiveKind, side domain.OrderSide, quantity, triggerPrice float64, clientOrderID string) (*ports.OrderResponse, error) {
	if kind == domain.TakeProfit {
		m.tpCalls++
		if err := scripted(m.tpErrs, m.tpCalls); err != nil {
			return nil, err
		}
		m.tpTriggers = append(m.tpTriggers, triggerPrice)
		m.protectiveQtys = append(m.protectiveQtys, quantity)
		return &ports.OrderResponse{OrderID: fmt.Sprintf("tp-%d", m.tpCalls), Symbol: symbol}, nil
	}
	m.slCalls++
	if err := scripted(m.slErrs, m.slCalls); err != nil {
		return nil, err
	}
	m.slTriggers = append(m.slTriggers, triggerPrice)
	m.protectiveQtys = append(m.protectiveQtys, quantity)
	return &ports.OrderResponse{OrderID: fmt.Sprintf("sl-%d", m.slCalls), Symbol: symbol}, nil
}

func (m *mockClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.cancelCalls[orderID]++
	if err := scripted(m.cancelErrs[orderID], m.cancelCalls[orderID]); err != nil {
		return err
	}
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *mockClient) FetchFillPrice(ctx context.Context, symbol, orderID string) (float64, error) {
	return m.fillPrice, nil
}
func (m *mockClient) GetAccountEquity(ctx context.Context, asset string) (float64, error) {
	return 0, nil
}
func (m *mockClient) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	return m.fillPrice, nil
}
func (m *mockClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error) {
	return nil, nil
}
func (m *mockClient) StreamKlines(ctx context.Context, symbol, interval string, handler func(kline *domain.Kline), errHandler func(err error)) (chan struct{}, chan struct{}, error) {
	return nil, nil, nil
}
func (m *mockClient) Ping(ctx context.Context) error { return nil }

func testConfig() Config {
	return Config{
		OrderTimeout:        time.Second,
		RetryMaxAttempts:    3,
		RetryBackoffBase:    time.Millisecond,
		RetryBackoffMax:     10 * time.Millisecond,
		RollbackMaxAttempts: 5,
		TakeProfitPct:       0.02,
		StopLossPct:         0.01,
	}
}

func newTestExecutor(t *testing.T, client *mockClient) (*Executor, *tracking.Tracker) {
	t.Helper()
	return newTestExecutorWithRepo(t, client, &memPositionRepo{})
}

func newTestExecutorWithRepo(t *testing.T, client *mockClient, repo ports.PositionRepository) (*Executor, *tracking.Tracker) {
	t.Helper()
	tr, err := tracking.NewTracker(repo, nopLogger{})
	require.NoError(t, err)
	e, err := NewExecutor(testConfig(), client, tr, nopLogger{})
	require.NoError(t, err)
	instant := func(ctx context.Context, d time.Duration) error { return nil }
	e.place.Sleep = instant
	e.rollback.Sleep = instant
	return e, tr
}

var testRef = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestOpenFirstEntrySucceeds(t *testing.T) {
	client := newMockClient(2000)
	e, tr := newTestExecutor(t, client)

	out, err := e.OpenOrGrow(context.Background(), "ETHUSDT", domain.Long, 1.5, 0.7, "crossover", "trending", testRef)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, out.FinalState)
	assert.Equal(t, "entry-1", out.EntryOrderID)
	assert.Equal(t, "tp-1", out.TakeProfitID)
	assert.Equal(t, "sl-1", out.StopLossID)
	assert.InDelta(t, 2000, out.FillPrice, 1e-9)

	pos := tr.Get("ETHUSDT")
	require.NotNil(t, pos)
	assert.InDelta(t, 1.5, pos.TotalSize, 1e-9)
	assert.InDelta(t, 2000, pos.AverageEntry, 1e-9)
	tp, sl := tr.ProtectiveOrderIDs("ETHUSDT")
	assert.Equal(t, "tp-1", tp)
	assert.Equal(t, "sl-1", sl)
}

// Protective levels must hang off the actual fill, not the signal-time
// price: with 3% slippage the stop would otherwise sit four times further
// from the fill than configured.
func TestProtectivePricesUseActualFill(t *testing.T) {
	client := newMockClient(2000) // signal-time price would have been 2060
	e, _ := newTestExecutor(t, client)

	_, err := e.OpenOrGrow(context.Background(), "ETHUSDT", domain.Long, 1, 0.7, "crossover", "", testRef)
	require.NoError(t, err)

	require.Len(t, client.slTriggers, 1)
	assert.InDelta(t, 2000*0.99, client.slTriggers[0], 1e-9)
	require.Len(t, client.tpTriggers, 1)
	assert.InDelta(t, 2000*1.02, client.tpTriggers[0], 1e-9)
}

func TestTPRetriesWithinBudgetThenSucceeds(t *testing.T) {
	client := newMockClient(2000)
	client.tpErrs = []error{ports.ErrTimeout, ports.ErrRateLimited}
	e, tr := newTestExecutor(t, client)

	out, err := e.OpenOrGrow(context.Background(), "ETHUSDT", domain.Long, 1, 0.7, "crossover", "", testRef)
	require.NoError(t, err)
	assert.Equal(t, 3, client.tpCalls)
	// Exactly one TP order ID is registered despite the failed attempts.
	assert.Equal(t, "tp-3", out.TakeProfitID)
	tp, _ := tr.ProtectiveOrderIDs("ETHUSDT")
	assert.Equal(t, "tp-3", tp)
}

func TestSLExhaustionRollsBackTPAndEntry(t *testing.T) {
	client := newMockClient(2000)
	client.slErrs = []error{ports.ErrTimeout, ports.ErrTimeout, ports.ErrTimeout}
	e, tr := newTestExecutor(t, client)

	_, err := e.OpenOrGrow(context.Background(), "ETHUSDT", domain.Long, 1, 0.7, "crossover", "", testRef)
	require.Error(t, err)
	assert.Equal(t, 3, client.slCalls)
	// TP then entry cancelled, in that order; no position remains.
	assert.Equal(t, []string{"tp-1", "entry-1"}, client.cancelled)
	assert.Nil(t, tr.Get("ETHUSDT"))
}

func TestPermanentEntryErrorNotRetried(t *testing.T) {
	client := newMockClient(2000)
	client.entryErrs = []error{ports.ErrInsufficientFunds}
	e, tr := newTestExecutor(t, client)

	_, err := e.OpenOrGrow(context.Background(), "ETHUSDT", domain.Long, 1, 0.7, "crossover", "", testRef)
	require.ErrorIs(t, err, ports.ErrInsufficientFunds)
	assert.Equal(t, 1, client.entryCalls)
	assert.Empty(t, client.cancelled) // nothing to roll back
	assert.Nil(t, tr.Get("ETHUSDT"))
}

func TestRollbackToleratesOrderNotFound(t *testing.T) {
	client := newMockClient(2000)
	client.slErrs = []error{ports.ErrTimeout, ports.ErrTimeout, ports.ErrTimeout}
	// The entry was a filled market order; its cancellation reports
	// not-found, which rollback treats as success.
	client.cancelErrs["entry-1"] = []error{ports.ErrOrderNotFound}
	e, _ := newTestExecutor(t, client)

	_, err := e.OpenOrGrow(context.Background(), "ETHUSDT", domain.Long, 1, 0.7, "crossover", "", testRef)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ports.ErrUnhedgedExposure)
}

func TestRollbackExhaustionEscalatesUnhedged(t *testing.T) {
	client := newMockClient(2000)
	client.slErrs = []error{ports.ErrTimeout, ports.ErrTimeout, ports.ErrTimeout}
	tpCancelFailures := make([]error, 10)
	for i := range tpCancelFailures {
		tpCancelFailures[i] = ports.ErrExchangeUnavailable
	}
	client.cancelErrs["tp-1"] = tpCancelFailures
	e, _ := newTestExecutor(t, client)

	_, err := e.OpenOrGrow(context.Background(), "ETHUSDT", domain.Long, 1, 0.7, "crossover", "", testRef)
	require.ErrorIs(t, err, ports.ErrUnhedgedExposure)
	// Cancellation consumed the full rollback budget before escalating.
	assert.Equal(t, 5, client.cancelCalls["tp-1"])
}

func TestRollbackIsIdempotent(t *testing.T) {
	client := newMockClient(2000)
	e, _ := newTestExecutor(t, client)

	proto := newProtocol("ETHUSDT")
	proto.entryOrderID = "entry-1"
	proto.tpOrderID = "tp-1"
	require.NoError(t, proto.transition(StateEntryPlaced))
	require.NoError(t, proto.transition(StateTPPlaced))
	require.NoError(t, proto.transition(StateRollingBack))

	require.NoError(t, e.runRollback(context.Background(), proto))
	firstPass := len(client.cancelled)
	require.NoError(t, e.runRollback(context.Background(), proto))
	assert.Equal(t, firstPass, len(client.cancelled))
}

func TestGrowthReplacesConsolidatedProtectives(t *testing.T) {
	client := newMockClient(2000)
	e, tr := newTestExecutor(t, client)
	ctx := context.Background()

	_, err := e.OpenOrGrow(ctx, "ETHUSDT", domain.Long, 1, 0.7, "crossover", "", testRef)
	require.NoError(t, err)

	client.fillPrice = 2100
	out, err := e.OpenOrGrow(ctx, "ETHUSDT", domain.Long, 1, 0.6, "crossover", "", testRef.Add(time.Hour))
	require.NoError(t, err)

	// Old pair cancelled before the new one was placed.
	assert.Contains(t, client.cancelled, "tp-1")
	assert.Contains(t, client.cancelled, "sl-1")
	tp, sl := tr.ProtectiveOrderIDs("ETHUSDT")
	assert.Equal(t, "tp-2", tp)
	assert.Equal(t, "sl-2", sl)

	// New pair covers the full aggregate at the new weighted average.
	pos := tr.Get("ETHUSDT")
	require.NotNil(t, pos)
	assert.InDelta(t, 2050, pos.AverageEntry, 1e-9)
	assert.InDelta(t, 2050*1.02, client.tpTriggers[1], 1e-9)
	assert.InDelta(t, 2050*0.99, client.slTriggers[1], 1e-9)
	assert.InDelta(t, 2.0, client.protectiveQtys[len(client.protectiveQtys)-1], 1e-9)

	assert.Equal(t, "entry-2", out.EntryOrderID)
}

func TestRegistrationFailureRollsBackAllOrders(t *testing.T) {
	client := newMockClient(2000)
	repo := &memPositionRepo{saveErrs: []error{ports.ErrDBConnection}}
	e, tr := newTestExecutorWithRepo(t, client, repo)

	_, err := e.OpenOrGrow(context.Background(), "ETHUSDT", domain.Long, 1, 0.7, "crossover", "", testRef)
	require.ErrorIs(t, err, ports.ErrDBConnection)
	assert.NotErrorIs(t, err, ports.ErrUnhedgedExposure)
	// All three live orders cancelled, protective legs first; nothing rests
	// on the exchange and nothing survives in memory.
	assert.Equal(t, []string{"tp-1", "sl-1", "entry-1"}, client.cancelled)
	assert.Nil(t, tr.Get("ETHUSDT"))
}

func TestGrowthTPFailureRestoresPriorProtectives(t *testing.T) {
	client := newMockClient(2000)
	e, tr := newTestExecutor(t, client)
	ctx := context.Background()

	_, err := e.OpenOrGrow(ctx, "ETHUSDT", domain.Long, 1, 0.7, "crossover", "", testRef)
	require.NoError(t, err)

	// The growth attempt cancels the old pair, then exhausts the new TP's
	// retry budget.
	client.fillPrice = 2100
	client.tpErrs = []error{nil, ports.ErrExchangeUnavailable, ports.ErrExchangeUnavailable, ports.ErrExchangeUnavailable}
	_, err = e.OpenOrGrow(ctx, "ETHUSDT", domain.Long, 1, 0.6, "crossover", "", testRef.Add(time.Hour))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ports.ErrUnhedgedExposure)

	// Old pair and the new entry were cancelled.
	assert.Equal(t, []string{"tp-1", "sl-1", "entry-2"}, client.cancelled)

	// The prior aggregate survives and is re-protected at its old average
	// over its old total, not the prospective one.
	pos := tr.Get("ETHUSDT")
	require.NotNil(t, pos)
	assert.InDelta(t, 1, pos.TotalSize, 1e-9)
	assert.InDelta(t, 2000, pos.AverageEntry, 1e-9)
	tp, sl := tr.ProtectiveOrderIDs("ETHUSDT")
	assert.Equal(t, "tp-5", tp)
	assert.Equal(t, "sl-2", sl)
	assert.InDelta(t, 2000*1.02, client.tpTriggers[len(client.tpTriggers)-1], 1e-9)
	assert.InDelta(t, 2000*0.99, client.slTriggers[len(client.slTriggers)-1], 1e-9)
	assert.InDelta(t, 1, client.protectiveQtys[len(client.protectiveQtys)-1], 1e-9)
}

func TestGrowthRestoreFailureEscalatesUnhedged(t *testing.T) {
	client := newMockClient(2000)
	e, tr := newTestExecutor(t, client)
	ctx := context.Background()

	_, err := e.OpenOrGrow(ctx, "ETHUSDT", domain.Long, 1, 0.7, "crossover", "", testRef)
	require.NoError(t, err)

	// Every TP placement after the first entry fails: the growth attempt
	// and the compensating re-placement both exhaust their budgets.
	tpFailures := []error{nil}
	for i := 0; i < 7; i++ {
		tpFailures = append(tpFailures, ports.ErrExchangeUnavailable)
	}
	client.fillPrice = 2100
	client.tpErrs = tpFailures

	_, err = e.OpenOrGrow(ctx, "ETHUSDT", domain.Long, 1, 0.6, "crossover", "", testRef.Add(time.Hour))
	require.ErrorIs(t, err, ports.ErrUnhedgedExposure)

	// The aggregate is still open with no resting protective orders, and
	// the stale pre-growth IDs are not reported as live.
	pos := tr.Get("ETHUSDT")
	require.NotNil(t, pos)
	assert.InDelta(t, 1, pos.TotalSize, 1e-9)
	tp, sl := tr.ProtectiveOrderIDs("ETHUSDT")
	assert.Empty(t, tp)
	assert.Empty(t, sl)
}

func TestValidateProtectiveRejectsWrongSide(t *testing.T) {
	// Stop-loss above entry on a long position.
	assert.Error(t, validateProtective(domain.Long, domain.StopLoss, 2100, 2000))
	// Take-profit below entry on a long position.
	assert.Error(t, validateProtective(domain.Long, domain.TakeProfit, 1900, 2000))
	// Short position mirrors.
	assert.Error(t, validateProtective(domain.Short, domain.StopLoss, 1900, 2000))
	assert.Error(t, validateProtective(domain.Short, domain.TakeProfit, 2100, 2000))
	// Non-positive prices rejected outright.
	assert.Error(t, validateProtective(domain.Long, domain.StopLoss, 0, 2000))
	assert.Error(t, validateProtective(domain.Long, domain.StopLoss, -5, 2000))
	// Correct configurations pass.
	assert.NoError(t, validateProtective(domain.Long, domain.StopLoss, 1980, 2000))
	assert.NoError(t, validateProtective(domain.Short, domain.TakeProfit, 1960, 2000))
}

func TestForceCloseRealizesOutcome(t *testing.T) {
	client := newMockClient(2000)
	e, tr := newTestExecutor(t, client)
	ctx := context.Background()

	_, err := e.OpenOrGrow(ctx, "ETHUSDT", domain.Long, 2, 0.7, "crossover", "", testRef)
	require.NoError(t, err)

	client.fillPrice = 2050
	outcome, err := e.ForceClose(ctx, "ETHUSDT", domain.CloseReasonShutdown, testRef.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.InDelta(t, (2050-2000)*2, outcome.PNL, 1e-9)
	assert.Equal(t, domain.CloseReasonShutdown, outcome.CloseReason)
	assert.Nil(t, tr.Get("ETHUSDT"))
	// Protective pair cancelled before the closing market order.
	assert.Contains(t, client.cancelled, "tp-1")
	assert.Contains(t, client.cancelled, "sl-1")
}

func TestForceCloseWithoutPositionIsNoop(t *testing.T) {
	client := newMockClient(2000)
	e, _ := newTestExecutor(t, client)
	outcome, err := e.ForceClose(context.Background(), "ETHUSDT", domain.CloseReasonShutdown, testRef)
	require.NoError(t, err)
	assert.Nil(t, outcome)
}

func TestSettleProtectiveFillCancelsSibling(t *testing.T) {
	client := newMockClient(2000)
	e, tr := newTestExecutor(t, client)
	ctx := context.Background()

	_, err := e.OpenOrGrow(ctx, "ETHUSDT", domain.Long, 1, 0.7, "crossover", "", testRef)
	require.NoError(t, err)

	outcome, err := e.SettleProtectiveFill(ctx, "ETHUSDT", domain.StopLoss, 1980, testRef.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.InDelta(t, (1980-2000)*1, outcome.PNL, 1e-9)
	assert.Equal(t, domain.CloseReasonStopLoss, outcome.CloseReason)
	assert.Contains(t, client.cancelled, "tp-1")
	assert.Nil(t, tr.Get("ETHUSDT"))
}

func TestIllegalTransitionRejected(t *testing.T) {
	p := newProtocol("ETHUSDT")
	assert.Error(t, p.transition(StateSuccess))
	require.NoError(t, p.transition(StateEntryPlaced))
	assert.Error(t, p.transition(StateSLPlaced))
	assert.False(t, p.state.Terminal())
	require.NoError(t, p.transition(StateRollingBack))
	require.NoError(t, p.transition(StateFailed))
	assert.True(t, p.state.Terminal())
}
