package recovery

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/breaker"
	"main/internal/broker"
	"main/internal/reserve"
	"main/internal/schema"
	"main/internal/store"
	"main/pkg/conn"
)

type harness struct {
	manager *Manager
	store   *store.Store
	paper   *broker.Paper
	breaker *breaker.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client, err := conn.NewSQLite(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s, err := store.New(client.DB())
	require.NoError(t, err)

	paper := broker.NewPaper()
	bm := breaker.NewManager(s, breaker.Config{})
	rm := reserve.NewManager(s, time.Minute)
	return &harness{manager: New(s, paper, bm, rm), store: s, paper: paper, breaker: bm}
}

func TestNotReadyUntilRunCompletes(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.manager.Ready())
	require.NoError(t, h.manager.Run(t.Context()))
	assert.True(t, h.manager.Ready())
}

func TestRunRestoresPersistedHalt(t *testing.T) {
	h := newHarness(t)
	// Engage through a throwaway manager, simulating the previous process.
	previous := breaker.NewManager(h.store, breaker.Config{})
	require.NoError(t, previous.Engage(t.Context(), schema.BreakerScopeGlobal, "halted before deploy", "ops-1"))

	require.NoError(t, h.manager.Run(t.Context()))

	allowed, _ := h.breaker.Allow("AAPL")
	assert.False(t, allowed, "a persisted halt must survive restart")
}

func TestRunExpiresStaleReservations(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateReservation(t.Context(), &schema.PositionReservation{
		Token:     "stale-token",
		Symbol:    "AAPL",
		Delta:     decimal.NewFromInt(100),
		Status:    schema.ReservationStatusActive,
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}))

	require.NoError(t, h.manager.Run(t.Context()))

	active, err := h.store.AllActiveReservations(t.Context())
	require.NoError(t, err)
	assert.Empty(t, active)

	discrepancies, err := h.store.ListReservationDiscrepancies(t.Context())
	require.NoError(t, err)
	assert.Len(t, discrepancies, 1)
}

func TestInDoubtOrderAdoptsBrokerState(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	require.NoError(t, h.store.CreateOrder(t.Context(), &schema.Order{
		ClientOrderID: "in-doubt-key",
		Symbol:        "AAPL",
		Side:          schema.OrderSideBuy,
		Qty:           decimal.NewFromInt(100),
		Status:        schema.OrderStatusSubmitted,
		SubmittedAt:   &now,
	}))
	// The broker accepted the submission, but the ack was lost.
	h.paper.Seed(broker.OrderView{
		BrokerOrderID: "b-99",
		ClientOrderID: "in-doubt-key",
		Symbol:        "AAPL",
		Status:        schema.OrderStatusAcknowledged,
	})

	require.NoError(t, h.manager.Run(t.Context()))

	order, err := h.store.OrderByClientID(t.Context(), "in-doubt-key")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusAcknowledged, order.Status)
	assert.Equal(t, "b-99", order.BrokerOrderID)
}

func TestInDoubtOrderUnknownAtBrokerRejected(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	require.NoError(t, h.store.CreateOrder(t.Context(), &schema.Order{
		ClientOrderID: "never-arrived",
		Symbol:        "AAPL",
		Side:          schema.OrderSideBuy,
		Qty:           decimal.NewFromInt(100),
		Status:        schema.OrderStatusSubmitted,
		SubmittedAt:   &now,
	}))
	require.NoError(t, h.store.CreateReservation(t.Context(), &schema.PositionReservation{
		Token:         "held-token",
		Symbol:        "AAPL",
		ClientOrderID: "never-arrived",
		Delta:         decimal.NewFromInt(100),
		Status:        schema.ReservationStatusActive,
		ExpiresAt:     time.Now().UTC().Add(time.Hour),
	}))

	require.NoError(t, h.manager.Run(t.Context()))

	order, err := h.store.OrderByClientID(t.Context(), "never-arrived")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusRejected, order.Status)
	assert.Equal(t, "not found at broker after restart", order.Reason)

	reservation, err := h.store.ReservationByToken(t.Context(), "held-token")
	require.NoError(t, err)
	assert.Equal(t, schema.ReservationStatusReleased, reservation.Status)
}

func TestInterruptedPendingOrderRejected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateOrder(t.Context(), &schema.Order{
		ClientOrderID: "interrupted",
		Symbol:        "AAPL",
		Status:        schema.OrderStatusPending,
	}))

	at := time.Now().UTC().Add(time.Hour)
	idx, total := 0, 1
	require.NoError(t, h.store.CreateOrder(t.Context(), &schema.Order{
		ClientOrderID: "future-slice",
		Symbol:        "AAPL",
		Status:        schema.OrderStatusPending,
		ParentOrderID: "parent",
		SliceIndex:    &idx,
		SliceTotal:    &total,
		ScheduledAt:   &at,
	}))

	require.NoError(t, h.manager.Run(t.Context()))

	interrupted, err := h.store.OrderByClientID(t.Context(), "interrupted")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusRejected, interrupted.Status)

	slice, err := h.store.OrderByClientID(t.Context(), "future-slice")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusPending, slice.Status, "scheduled slices stay pending for the scheduler")
}

func TestStartupOrphanScan(t *testing.T) {
	h := newHarness(t)
	h.paper.Seed(broker.OrderView{
		BrokerOrderID: "b-orphan",
		Symbol:        "TSLA",
		Status:        schema.OrderStatusAcknowledged,
	})

	require.NoError(t, h.manager.Run(t.Context()))

	orphans, err := h.store.ListOrphans(t.Context())
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "b-orphan", orphans[0].BrokerOrderID)
	assert.Equal(t, "startup_scan", orphans[0].Source)
}
