package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/breaker"
	"main/internal/broker"
	"main/internal/reserve"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/store"
	"main/pkg/conn"
	"main/pkg/exception"
)

type harness struct {
	engine  *Engine
	store   *store.Store
	paper   *broker.Paper
	breaker *breaker.Manager
}

func newHarness(t *testing.T, riskCfg risk.Config) *harness {
	t.Helper()
	client, err := conn.NewSQLite(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s, err := store.New(client.DB())
	require.NoError(t, err)

	paper := broker.NewPaper()
	bm := breaker.NewManager(s, breaker.Config{})
	rm := reserve.NewManager(s, time.Minute)
	quotes := StaticQuotes{"AAPL": decimal.NewFromInt(150), "TSLA": decimal.NewFromInt(250)}

	eng := New(s, paper, rm, bm, risk.NewValidator(riskCfg), quotes, Config{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	return &harness{engine: eng, store: s, paper: paper, breaker: bm}
}

func buyRequest(qty int64) SubmitRequest {
	return SubmitRequest{
		Symbol:     "AAPL",
		Side:       schema.OrderSideBuy,
		Type:       schema.OrderTypeMarket,
		Qty:        decimal.NewFromInt(qty),
		StrategyID: "alpha",
	}
}

func TestSubmitHappyPath(t *testing.T) {
	h := newHarness(t, risk.Config{})

	order, err := h.engine.Submit(t.Context(), buyRequest(100))
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusAcknowledged, order.Status)
	assert.NotEmpty(t, order.BrokerOrderID)
	assert.NotNil(t, order.SubmittedAt)
	assert.NotNil(t, order.AckedAt)

	trail, err := h.store.OrderTransitions(t.Context(), order.ClientOrderID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, schema.OrderStatusSubmitted, trail[0].ToStatus)
	assert.Equal(t, schema.OrderStatusAcknowledged, trail[1].ToStatus)
}

func TestSubmitInvalidRequest(t *testing.T) {
	h := newHarness(t, risk.Config{})

	cases := map[string]SubmitRequest{
		"no symbol":       {Side: schema.OrderSideBuy, Type: schema.OrderTypeMarket, Qty: decimal.NewFromInt(1)},
		"bad side":        {Symbol: "AAPL", Side: "long", Type: schema.OrderTypeMarket, Qty: decimal.NewFromInt(1)},
		"zero qty":        {Symbol: "AAPL", Side: schema.OrderSideBuy, Type: schema.OrderTypeMarket},
		"limit w/o price": {Symbol: "AAPL", Side: schema.OrderSideBuy, Type: schema.OrderTypeLimit, Qty: decimal.NewFromInt(1)},
		"stop w/o price":  {Symbol: "AAPL", Side: schema.OrderSideBuy, Type: schema.OrderTypeStop, Qty: decimal.NewFromInt(1)},
	}
	for name, req := range cases {
		_, err := h.engine.Submit(t.Context(), req)
		assert.ErrorIs(t, err, exception.ErrOrderInvalidRequest, name)
	}
}

func TestDuplicateSubmissionShortCircuits(t *testing.T) {
	h := newHarness(t, risk.Config{})

	first, err := h.engine.Submit(t.Context(), buyRequest(100))
	require.NoError(t, err)
	require.Equal(t, 1, h.paper.PlaceCalls)

	second, err := h.engine.Submit(t.Context(), buyRequest(100))
	assert.ErrorIs(t, err, exception.ErrOrderDuplicate)
	assert.Equal(t, first.ClientOrderID, second.ClientOrderID)
	assert.Equal(t, 1, h.paper.PlaceCalls, "duplicate must not reach the broker")
}

func TestSubmitSurfacesDuplicateCheckFailure(t *testing.T) {
	h := newHarness(t, risk.Config{})

	// A failing duplicate pre-check must surface, not be read as "no
	// duplicate" and proceed to the broker.
	require.NoError(t, h.store.DB().Exec("ALTER TABLE orders RENAME TO orders_hidden").Error)
	t.Cleanup(func() {
		_ = h.store.DB().Exec("ALTER TABLE orders_hidden RENAME TO orders").Error
	})

	_, err := h.engine.Submit(t.Context(), buyRequest(100))
	require.Error(t, err)
	assert.NotErrorIs(t, err, exception.ErrOrderDuplicate)
	assert.Contains(t, err.Error(), "load order by client id")
	assert.Zero(t, h.paper.PlaceCalls)
}

func TestDifferentTradeDateResubmits(t *testing.T) {
	h := newHarness(t, risk.Config{})

	req := buyRequest(100)
	req.TradeDate = "2026-08-28"
	first, err := h.engine.Submit(t.Context(), req)
	require.NoError(t, err)

	req.TradeDate = "2026-08-31"
	second, err := h.engine.Submit(t.Context(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ClientOrderID, second.ClientOrderID)
	assert.Equal(t, 2, h.paper.PlaceCalls)
}

func TestHaltedSubmissionRejected(t *testing.T) {
	h := newHarness(t, risk.Config{})
	require.NoError(t, h.breaker.Engage(t.Context(), schema.BreakerScopeGlobal, "manual halt", "ops-1"))

	_, err := h.engine.Submit(t.Context(), buyRequest(100))
	assert.ErrorIs(t, err, exception.ErrOrderHalted)
	assert.Zero(t, h.paper.PlaceCalls)

	// The rejection is persisted with the halt reason.
	open, err := h.store.OpenOrders(t.Context())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRiskBreachRejectsAndReleasesReservation(t *testing.T) {
	h := newHarness(t, risk.Config{
		CheckQty: true,
		Default:  risk.Limits{MaxQty: decimal.NewFromInt(50)},
	})

	_, err := h.engine.Submit(t.Context(), buyRequest(100))
	assert.ErrorIs(t, err, exception.ErrOrderRiskRejected)
	assert.Zero(t, h.paper.PlaceCalls)

	active, err := h.store.AllActiveReservations(t.Context())
	require.NoError(t, err)
	assert.Empty(t, active, "breached order must not hold its reservation")
}

func TestRiskSeesReservedPosition(t *testing.T) {
	// Position cap 150: the first 100-share order passes, the second sees
	// the first's reserved delta and breaches.
	h := newHarness(t, risk.Config{
		CheckPosition: true,
		Default:       risk.Limits{MaxPosition: decimal.NewFromInt(150)},
	})

	_, err := h.engine.Submit(t.Context(), buyRequest(100))
	require.NoError(t, err)

	req := buyRequest(100)
	req.StrategyID = "beta"
	_, err = h.engine.Submit(t.Context(), req)
	assert.ErrorIs(t, err, exception.ErrOrderRiskRejected)
}

func TestRetryableBrokerErrorRetriesOnce(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.paper.FailNext(1, &broker.Error{Code: "503", Message: "maintenance", Retryable: true})

	order, err := h.engine.Submit(t.Context(), buyRequest(100))
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusAcknowledged, order.Status)
	assert.Equal(t, 2, h.paper.PlaceCalls)
	assert.Equal(t, 1, order.RetryCount)
}

func TestNonRetryableBrokerErrorRejects(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.paper.FailNext(1, &broker.Error{Code: "422", Message: "unknown symbol", Retryable: false})

	_, err := h.engine.Submit(t.Context(), buyRequest(100))
	require.Error(t, err)
	assert.False(t, broker.IsRetryable(err))
	assert.Equal(t, 1, h.paper.PlaceCalls, "non-retryable errors must not retry")

	active, err := h.store.AllActiveReservations(t.Context())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRetriesExhaustedLeavesOrderInDoubt(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.paper.FailNext(10, &broker.Error{Code: "network", Message: "timeout", Retryable: true})

	_, err := h.engine.Submit(t.Context(), buyRequest(100))
	assert.ErrorIs(t, err, exception.ErrOrderRetriesExhausted)
	assert.Equal(t, 3, h.paper.PlaceCalls)

	// The order stays submitted for recovery, the reservation stays held.
	orders, err := h.store.OrdersInStatus(t.Context(), schema.OrderStatusSubmitted)
	require.NoError(t, err)
	require.Len(t, orders, 1)

	active, err := h.store.AllActiveReservations(t.Context())
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestCancelPendingOrderLocally(t *testing.T) {
	h := newHarness(t, risk.Config{})

	order := &schema.Order{
		ClientOrderID: "scheduled-slice",
		Symbol:        "AAPL",
		Side:          schema.OrderSideBuy,
		Type:          schema.OrderTypeMarket,
		Qty:           decimal.NewFromInt(10),
		Status:        schema.OrderStatusPending,
	}
	require.NoError(t, h.store.CreateOrder(t.Context(), order))

	require.NoError(t, h.engine.Cancel(t.Context(), "scheduled-slice"))
	loaded, err := h.store.OrderByClientID(t.Context(), "scheduled-slice")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusCanceled, loaded.Status)
	assert.Zero(t, h.paper.PlaceCalls)
}

func TestCancelTerminalOrderRefused(t *testing.T) {
	h := newHarness(t, risk.Config{})

	require.NoError(t, h.store.CreateOrder(t.Context(), &schema.Order{
		ClientOrderID: "done",
		Symbol:        "AAPL",
		Status:        schema.OrderStatusFilled,
	}))
	assert.ErrorIs(t, h.engine.Cancel(t.Context(), "done"), exception.ErrOrderNotCancelable)
}

func TestCancelAllForSymbol(t *testing.T) {
	h := newHarness(t, risk.Config{})

	for _, o := range []*schema.Order{
		{ClientOrderID: "aapl-1", Symbol: "AAPL", Side: schema.OrderSideBuy, Type: schema.OrderTypeMarket, Qty: decimal.NewFromInt(10), Status: schema.OrderStatusPending},
		{ClientOrderID: "aapl-2", Symbol: "AAPL", Side: schema.OrderSideBuy, Type: schema.OrderTypeMarket, Qty: decimal.NewFromInt(20), Status: schema.OrderStatusPending},
		{ClientOrderID: "tsla-1", Symbol: "TSLA", Side: schema.OrderSideSell, Type: schema.OrderTypeMarket, Qty: decimal.NewFromInt(5), Status: schema.OrderStatusPending},
	} {
		require.NoError(t, h.store.CreateOrder(t.Context(), o))
	}

	canceled, err := h.engine.CancelAll(t.Context(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 2, canceled)

	tsla, err := h.store.OrderByClientID(t.Context(), "tsla-1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusPending, tsla.Status, "other symbols stay open")
}

func TestClosePositionOffsetsOneSymbol(t *testing.T) {
	h := newHarness(t, risk.Config{})
	require.NoError(t, h.store.SavePosition(t.Context(),
		&schema.Position{Symbol: "AAPL", Qty: decimal.NewFromInt(200)}))

	order, err := h.engine.ClosePosition(t.Context(), "AAPL", "ops-1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderSideSell, order.Side)
	assert.True(t, order.Qty.Equal(decimal.NewFromInt(200)))
	assert.Equal(t, StrategyClose, order.StrategyID)
	assert.Equal(t, schema.OrderStatusAcknowledged, order.Status)

	// Closing again the same day returns the in-flight close.
	again, err := h.engine.ClosePosition(t.Context(), "AAPL", "ops-1")
	assert.ErrorIs(t, err, exception.ErrOrderDuplicate)
	assert.Equal(t, order.ClientOrderID, again.ClientOrderID)
	assert.Equal(t, 1, h.paper.PlaceCalls)
}

func TestClosePositionRefusedWhenFlat(t *testing.T) {
	h := newHarness(t, risk.Config{})
	_, err := h.engine.ClosePosition(t.Context(), "AAPL", "ops-1")
	assert.ErrorIs(t, err, exception.ErrPositionFlat)
}

func TestClosePositionHonorsHalt(t *testing.T) {
	h := newHarness(t, risk.Config{})
	require.NoError(t, h.store.SavePosition(t.Context(),
		&schema.Position{Symbol: "AAPL", Qty: decimal.NewFromInt(100)}))
	require.NoError(t, h.breaker.Engage(t.Context(), schema.BreakerScopeGlobal, "manual halt", "ops-1"))

	_, err := h.engine.ClosePosition(t.Context(), "AAPL", "ops-1")
	assert.ErrorIs(t, err, exception.ErrOrderHalted)
	assert.Zero(t, h.paper.PlaceCalls)
}

func TestAdjustPositionAudited(t *testing.T) {
	h := newHarness(t, risk.Config{})

	p, err := h.engine.AdjustPosition(t.Context(), "AAPL", decimal.NewFromInt(150), "ops-1", "broker reconciliation")
	require.NoError(t, err)
	assert.True(t, p.Qty.Equal(decimal.NewFromInt(150)))

	audits, err := h.store.PositionAdjustments(t.Context(), "AAPL")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.True(t, audits[0].PrevQty.IsZero())
	assert.True(t, audits[0].NewQty.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, "ops-1", audits[0].Operator)

	_, err = h.engine.AdjustPosition(t.Context(), "AAPL", decimal.Zero, "ops-1", "")
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)
}

func TestFlattenAllOffsetsPositions(t *testing.T) {
	h := newHarness(t, risk.Config{})

	long := &schema.Position{Symbol: "AAPL", Qty: decimal.NewFromInt(300)}
	short := &schema.Position{Symbol: "TSLA", Qty: decimal.NewFromInt(-50)}
	require.NoError(t, h.store.SavePosition(t.Context(), long))
	require.NoError(t, h.store.SavePosition(t.Context(), short))

	submitted, err := h.engine.FlattenAll(t.Context(), "ops-1", "market data incident")
	require.NoError(t, err)
	assert.Equal(t, 2, submitted)

	// The kill switch engages before the offsetting orders go out, and the
	// flatten orders bypass it.
	assert.Equal(t, schema.BreakerTripped, h.breaker.State(schema.BreakerScopeGlobal))

	orders, err := h.store.OrdersInStatus(t.Context(), schema.OrderStatusAcknowledged)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, StrategyFlatten, o.StrategyID)
		assert.Equal(t, schema.OrderTypeMarket, o.Type)
		if o.Symbol == "AAPL" {
			assert.Equal(t, schema.OrderSideSell, o.Side)
			assert.True(t, o.Qty.Equal(decimal.NewFromInt(300)))
		} else {
			assert.Equal(t, schema.OrderSideBuy, o.Side)
			assert.True(t, o.Qty.Equal(decimal.NewFromInt(50)))
		}
	}
}

func TestFlattenAllRequiresSubstantiveReason(t *testing.T) {
	h := newHarness(t, risk.Config{})

	_, err := h.engine.FlattenAll(t.Context(), "ops-1", "oops")
	assert.ErrorIs(t, err, exception.ErrOrderInvalidRequest)
	assert.Equal(t, schema.BreakerClosed, h.breaker.State(schema.BreakerScopeGlobal))
}
