package twap

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/schema"
	"main/pkg/exception"
)

func planRequest() PlanRequest {
	return PlanRequest{
		Symbol:     "AAPL",
		Side:       schema.OrderSideBuy,
		Type:       schema.OrderTypeMarket,
		TotalQty:   decimal.NewFromInt(1000),
		StrategyID: "alpha",
		Duration:   5 * time.Minute,
		Interval:   time.Minute,
	}
}

func TestBuildEvenSplit(t *testing.T) {
	start := time.Date(2026, 8, 31, 14, 30, 0, 0, time.UTC)
	plan, orders, err := Build(planRequest(), start)
	require.NoError(t, err)

	assert.Equal(t, 5, plan.SliceCount)
	require.Len(t, orders, 5)

	total := decimal.Zero
	for i, o := range orders {
		assert.True(t, o.Qty.Equal(decimal.NewFromInt(200)), "slice %d", i)
		assert.Equal(t, i, *o.SliceIndex)
		assert.Equal(t, 5, *o.SliceTotal)
		assert.Equal(t, plan.ParentKey, o.ParentOrderID)
		assert.Equal(t, start.Add(time.Duration(i)*time.Minute), *o.ScheduledAt)
		total = total.Add(o.Qty)
	}
	assert.True(t, total.Equal(plan.TotalQty))
}

func TestBuildRemainderGoesToFirstSlice(t *testing.T) {
	req := planRequest()
	req.TotalQty = decimal.NewFromInt(1000)
	req.Duration = 3 * time.Minute
	_, orders, err := Build(req, time.Now().UTC())
	require.NoError(t, err)

	require.Len(t, orders, 3)
	assert.True(t, orders[0].Qty.Equal(decimal.RequireFromString("333.33333334")))
	assert.True(t, orders[1].Qty.Equal(decimal.RequireFromString("333.33333333")))
	assert.True(t, orders[2].Qty.Equal(decimal.RequireFromString("333.33333333")))

	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.Qty)
	}
	assert.True(t, total.Equal(req.TotalQty), "slices must sum exactly to the total")
}

func TestBuildScheduleStrictlyIncreasing(t *testing.T) {
	_, orders, err := Build(planRequest(), time.Now().UTC())
	require.NoError(t, err)
	for i := 1; i < len(orders); i++ {
		assert.True(t, orders[i].ScheduledAt.After(*orders[i-1].ScheduledAt))
	}
}

func TestBuildChildIdentitiesStable(t *testing.T) {
	start := time.Date(2026, 8, 31, 14, 30, 0, 0, time.UTC)
	req := planRequest()
	req.TradeDate = "2026-08-31"

	_, first, err := Build(req, start)
	require.NoError(t, err)
	// A rebuild an hour later yields the same slice identities.
	_, second, err := Build(req, start.Add(time.Hour))
	require.NoError(t, err)

	for i := range first {
		assert.Equal(t, first[i].ClientOrderID, second[i].ClientOrderID)
	}
}

func TestBuildValidation(t *testing.T) {
	cases := map[string]func(*PlanRequest){
		"zero qty":              func(r *PlanRequest) { r.TotalQty = decimal.Zero },
		"zero duration":         func(r *PlanRequest) { r.Duration = 0 },
		"zero interval":         func(r *PlanRequest) { r.Interval = 0 },
		"interval > duration":   func(r *PlanRequest) { r.Interval = 10 * time.Minute },
		"limit without price":   func(r *PlanRequest) { r.Type = schema.OrderTypeLimit },
		"unknown side":          func(r *PlanRequest) { r.Side = "hold" },
		"missing symbol":        func(r *PlanRequest) { r.Symbol = "" },
	}
	for name, mutate := range cases {
		req := planRequest()
		mutate(&req)
		_, _, err := Build(req, time.Now().UTC())
		assert.ErrorIs(t, err, exception.ErrOrderInvalidRequest, name)
	}
}
