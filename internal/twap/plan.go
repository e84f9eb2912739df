package twap

import (
	"time"

	"github.com/shopspring/decimal"

	"main/internal/idem"
	"main/internal/schema"
	"main/pkg/exception"
)

// qtyScale caps slice quantities at the storage precision.
const qtyScale = 8

// PlanRequest describes a parent order to split evenly over a horizon.
type PlanRequest struct {
	Symbol      string             `json:"symbol"`
	Side        schema.OrderSide   `json:"side"`
	Type        schema.OrderType   `json:"order_type"`
	TotalQty    decimal.Decimal    `json:"total_qty"`
	LimitPrice  decimal.Decimal    `json:"limit_price"`
	TimeInForce schema.TimeInForce `json:"time_in_force"`
	StrategyID  string             `json:"strategy_id"`
	Duration    time.Duration      `json:"duration,omitempty"`
	Interval    time.Duration      `json:"interval,omitempty"`

	// DurationMinutes and IntervalSeconds are the wire form of Duration
	// and Interval; they apply when the direct fields are unset.
	DurationMinutes int `json:"duration_minutes,omitempty"`
	IntervalSeconds int `json:"interval_seconds,omitempty"`

	// TradeDate defaults to today (UTC) when empty.
	TradeDate string `json:"trade_date,omitempty"`
}

// Validate rejects plans that cannot produce at least one slice.
func (r *PlanRequest) Validate() error {
	if r.Duration == 0 && r.DurationMinutes > 0 {
		r.Duration = time.Duration(r.DurationMinutes) * time.Minute
	}
	if r.Interval == 0 && r.IntervalSeconds > 0 {
		r.Interval = time.Duration(r.IntervalSeconds) * time.Second
	}

	switch {
	case r.Symbol == "",
		!r.Side.Valid(),
		!r.Type.Valid(),
		!r.TotalQty.IsPositive(),
		r.Duration <= 0,
		r.Interval <= 0,
		r.Interval > r.Duration:
		return exception.ErrOrderInvalidRequest
	case r.Type.RequiresLimitPrice() && !r.LimitPrice.IsPositive():
		return exception.ErrOrderInvalidRequest
	}
	return nil
}

// Build derives the plan and its child orders. Slices divide the horizon
// evenly; any indivisible remainder goes to the first slice so the total is
// exact. Child identities derive from the parent key and slice index, so a
// rebuilt plan never produces new identities for already fired slices.
func Build(req PlanRequest, start time.Time) (*schema.SlicingPlan, []schema.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	if req.TradeDate == "" {
		req.TradeDate = idem.TradeDate(start)
	}
	if req.TimeInForce == "" {
		req.TimeInForce = schema.TimeInForceDay
	}

	count := int(req.Duration / req.Interval)
	parentKey := idem.Key(req.Symbol, req.Side, req.TotalQty, req.LimitPrice, req.StrategyID, req.TradeDate)

	base := req.TotalQty.Div(decimal.NewFromInt(int64(count))).Truncate(qtyScale)
	remainder := req.TotalQty.Sub(base.Mul(decimal.NewFromInt(int64(count))))

	plan := &schema.SlicingPlan{
		ParentKey:  parentKey,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		TotalQty:   req.TotalQty,
		SliceCount: count,
		Duration:   req.Duration,
		Interval:   req.Interval,
		TradeDate:  req.TradeDate,
		Status:     schema.PlanStatusActive,
	}

	orders := make([]schema.Order, count)
	for i := 0; i < count; i++ {
		qty := base
		if i == 0 {
			qty = qty.Add(remainder)
		}
		idx := i
		total := count
		at := start.Add(time.Duration(i) * req.Interval)
		orders[i] = schema.Order{
			ClientOrderID: idem.SliceKey(parentKey, i),
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Qty:           qty,
			LimitPrice:    req.LimitPrice,
			TimeInForce:   req.TimeInForce,
			StrategyID:    req.StrategyID,
			TradeDate:     req.TradeDate,
			Status:        schema.OrderStatusPending,
			ParentOrderID: parentKey,
			SliceIndex:    &idx,
			SliceTotal:    &total,
			ScheduledAt:   &at,
		}
	}
	return plan, orders, nil
}
